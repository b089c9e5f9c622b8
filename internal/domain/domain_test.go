package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicIDs(t *testing.T) {
	a := NewLink("https://shop.example.com/", "https://cdn.evil.com/a.js", true)
	b := NewLink("https://shop.example.com/", "https://cdn.evil.com/a.js", false)
	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, NewLink("https://shop.example.com/", "https://cdn.evil.com/b.js", true).ID)
	assert.Equal(t, "shop.example.com", a.OriginSource)
	assert.Equal(t, "cdn.evil.com", a.OriginTarget)

	assert.Equal(t, PolicyID("x"), PolicyID("x"))
	assert.NotEqual(t, StateID("p", "l"), StateID("l", "p"))
}

func TestPolicyNormalize(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	p := Policy{Name: "example.com default-domain_rank", VerifyFn: "domain_rank"}
	require.NoError(t, p.Normalize(now))
	assert.Equal(t, PolicyID(p.Name), p.ID)
	assert.Equal(t, StrategySimple, p.Strategy)
	assert.Equal(t, now.UnixMilli(), p.Created)
	assert.Equal(t, ".*", p.URLTarget)

	assert.Error(t, (&Policy{VerifyFn: "x"}).Normalize(now))
	assert.Error(t, (&Policy{Name: "x"}).Normalize(now))
}

func TestPolicyRefreshIsOneShot(t *testing.T) {
	p := Policy{ExtraArgs: map[string]any{"refresh": true, "threshold": 7.0}}
	orig := p.ExtraArgs
	assert.True(t, p.Refresh())
	assert.True(t, p.ClearRefresh())
	assert.False(t, p.Refresh())
	assert.False(t, p.ClearRefresh())
	assert.Equal(t, true, orig["refresh"], "исходная карта не должна меняться")
	assert.Equal(t, 7.0, p.ArgFloat("threshold", 1))
	assert.Equal(t, 3.0, p.ArgFloat("missing", 3))
}

func TestPolicyActive(t *testing.T) {
	now := time.Now()
	assert.True(t, Policy{}.Active(now))
	assert.True(t, Policy{Expired: now.Add(time.Hour).UnixMilli()}.Active(now))
	assert.False(t, Policy{Expired: now.Add(-time.Hour).UnixMilli()}.Active(now))
}

func TestNewVerification(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	p := Policy{ID: "p", VerifyFnOutput: false, Duration: 60}
	l := NewLink("https://a.com/", "https://b.com/x.js", true)

	v := NewVerification(p, l, now, false, nil)
	require.NotNil(t, v.Success)
	assert.True(t, *v.Success)
	assert.Equal(t, now.UnixMilli()+60_000, v.Expires)

	v = NewVerification(p, l, now, true, nil)
	assert.False(t, *v.Success)

	v = NewVerification(p, l, now, false, errors.New("whois timeout"))
	assert.Nil(t, v.Success)
	assert.Nil(t, v.OutputActual)
	assert.Equal(t, "whois timeout", v.Error)
}

func TestCombineStatusNullDominates(t *testing.T) {
	ids := []string{"p1", "p2"}

	assert.Nil(t, CombineStatus(ids, map[string]*bool{"p1": Bool(true)}))
	assert.Nil(t, CombineStatus(ids, map[string]*bool{"p1": Bool(false), "p2": nil}))

	got := CombineStatus(ids, map[string]*bool{"p1": Bool(true), "p2": Bool(false)})
	require.NotNil(t, got)
	assert.False(t, *got)

	got = CombineStatus(ids, map[string]*bool{"p1": Bool(true), "p2": Bool(true)})
	require.NotNil(t, got)
	assert.True(t, *got)

	got = CombineStatus(nil, nil)
	require.NotNil(t, got)
	assert.True(t, *got)
}

func TestRegistrableAndParentDomain(t *testing.T) {
	assert.Equal(t, "example.co.uk", RegistrableDomain("a.b.example.co.uk"))
	assert.Equal(t, "localhost", RegistrableDomain("localhost"))

	p, ok := ParentDomain("cdn.example.com")
	assert.True(t, ok)
	assert.Equal(t, "example.com", p)
	_, ok = ParentDomain("example.com")
	assert.False(t, ok)
	_, ok = ParentDomain("example.co.uk")
	assert.False(t, ok)
}

func TestBulkFinish(t *testing.T) {
	var r BulkResult
	r.Written = 2
	r.Fail("x", errors.New("boom"))
	_, err := r.Finish(Lenient)
	assert.NoError(t, err)
	_, err = r.Finish(Strict)
	assert.ErrorIs(t, err, ErrBulkPartial)
}
