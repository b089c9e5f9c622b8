package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/lms/internal/domain"
)

func TestPolicyUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	p := domain.Policy{Name: "example.com rank", VerifyFn: "domain_rank", OriginSource: "example.com"}
	require.NoError(t, p.Normalize(time.Now()))
	_, err := s.UpsertPolicies(ctx, []domain.Policy{p}, domain.Strict)
	require.NoError(t, err)

	p.Description = "updated"
	_, err = s.UpsertPolicies(ctx, []domain.Policy{p}, domain.Strict)
	require.NoError(t, err)

	all, err := s.PoliciesByOrigin(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "updated", all[0].Description)
}

func TestLinkUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	l := domain.NewLink("https://example.com/", "https://cdn.test/a.js", true)

	for i := 0; i < 2; i++ {
		_, err := s.UpsertLinks(ctx, []domain.Link{l}, domain.Strict)
		require.NoError(t, err)
	}
	links, err := s.ScanLinks(ctx, domain.LinkFilter{OriginSuffix: "example.com"}, "", 10)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestBulkLenientCollectsFailures(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	good := domain.NewLink("https://example.com/", "https://cdn.test/a.js", true)
	bad := good
	bad.ID = "forged"

	res, err := s.UpsertLinks(ctx, []domain.Link{good, bad}, domain.Lenient)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)
	assert.Contains(t, res.Failed, "forged")

	_, err = s.UpsertLinks(ctx, []domain.Link{bad}, domain.Strict)
	assert.ErrorIs(t, err, domain.ErrBulkPartial)
}

func TestLatestOutcomesSkipsExpiredAndPicksNewest(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()

	vs := []domain.Verification{
		{LinkID: "l1", PolicyID: "p1", Timestamp: now.Add(-2 * time.Hour).UnixMilli(), Expires: now.Add(time.Hour).UnixMilli(), Success: domain.Bool(false)},
		{LinkID: "l1", PolicyID: "p1", Timestamp: now.Add(-time.Hour).UnixMilli(), Expires: now.Add(time.Hour).UnixMilli(), Success: domain.Bool(true)},
		{LinkID: "l1", PolicyID: "p2", Timestamp: now.Add(-time.Hour).UnixMilli(), Expires: now.Add(-time.Minute).UnixMilli(), Success: domain.Bool(true)},
		{LinkID: "l2", PolicyID: "p1", Timestamp: now.UnixMilli(), Expires: now.Add(time.Hour).UnixMilli(), Success: nil},
	}
	_, err := s.InsertVerifications(ctx, vs, domain.Strict)
	require.NoError(t, err)

	out, err := s.LatestOutcomes(ctx, domain.OutcomeQuery{LinkIDs: []string{"l1", "l2"}, Now: now, Limit: 10})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "l1", out[0].LinkID)
	assert.True(t, *out[0].Success)
	assert.Equal(t, "l2", out[1].LinkID)
	assert.Nil(t, out[1].Success)

	page, err := s.LatestOutcomes(ctx, domain.OutcomeQuery{LinkIDs: []string{"l1", "l2"}, Now: now, Limit: 1, AfterLink: "l1", AfterPolicy: "p1"})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "l2", page[0].LinkID)
}

func TestStateUpsertMergesKeys(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.UpsertStates(ctx, []domain.PolicyLinkState{
		domain.NewPolicyLinkState("p", "l", map[string]any{"priorContent": "a"}),
	}, domain.Strict)
	require.NoError(t, err)
	_, err = s.UpsertStates(ctx, []domain.PolicyLinkState{
		domain.NewPolicyLinkState("p", "l", map[string]any{"obfuscatedBlock": "b"}),
	}, domain.Strict)
	require.NoError(t, err)

	st, err := s.GetState(ctx, domain.StateID("p", "l"))
	require.NoError(t, err)
	assert.Equal(t, "a", st.Vals["priorContent"])
	assert.Equal(t, "b", st.Vals["obfuscatedBlock"])

	_, err = s.GetState(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
