package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/policy"
	"github.com/xela07ax/lms/internal/repository/memory"
	"go.uber.org/zap"
)

type engineFixture struct {
	store  *memory.Store
	engine *Engine
	tracer *fakeTracer
}

func newEngineFixture(t *testing.T, policies ...domain.Policy) engineFixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	_, err := store.UpsertPolicies(ctx, policies, domain.Strict)
	require.NoError(t, err)
	_, err = store.UpsertLinks(ctx, []domain.Link{
		domain.NewLink("https://shop.example.com/checkout", "https://cdn.tracker.com/a.js", true),
		domain.NewLink("https://shop.example.com/checkout", "https://static.other.net/b.js", true),
	}, domain.Strict)
	require.NoError(t, err)

	tr := &fakeTracer{deps: []string{"https://a.com/x.js"}}
	deps := testDeps(time.Now())
	deps.Tracer = tr
	deps.Whois = fakeWhois{records: map[string]RegistrationRecord{
		"tracker.com": {Created: time.Now().Add(-365 * 24 * time.Hour)},
		"other.net":   {Created: time.Now().Add(-24 * time.Hour)},
	}}
	registry := NewBuiltinRegistry(deps)

	resolver := policy.NewResolver(store, policy.NewMatcher(zap.NewNop()), zap.NewNop())
	e := NewEngine(resolver, store, nil, zap.NewNop())
	e.Register(domain.StrategySimple, NewSimpleVerifier(registry, store, nil, 4, nil, zap.NewNop()))
	return engineFixture{store: store, engine: e, tracer: tr}
}

func byTarget(vs []domain.Verification) map[string]domain.Verification {
	out := make(map[string]domain.Verification)
	for _, v := range vs {
		out[v.URLTarget] = v
	}
	return out
}

func TestEngineRunWritesVerifications(t *testing.T) {
	p := testPolicy("example.com young domains", "recently_registered", nil)
	f := newEngineFixture(t, p)

	require.NoError(t, f.engine.Run(context.Background(), domain.Job{ID: "1", Domain: "shop.example.com"}))

	vs := byTarget(f.store.Verifications())
	require.Len(t, vs, 2)

	old := vs["https://cdn.tracker.com/a.js"]
	require.NotNil(t, old.Success)
	assert.True(t, *old.Success)
	assert.False(t, *old.OutputActual)

	young := vs["https://static.other.net/b.js"]
	require.NotNil(t, young.Success)
	assert.False(t, *young.Success)
	assert.Equal(t, young.Timestamp+3600*1000, young.Expires)
}

func TestEngineUnknownBlockRecordsError(t *testing.T) {
	p := testPolicy("bad block", "console.log('hi')", nil)
	f := newEngineFixture(t, p)

	require.NoError(t, f.engine.Run(context.Background(), domain.Job{ID: "1", Domain: "example.com"}))
	vs := f.store.Verifications()
	require.Len(t, vs, 2)
	for _, v := range vs {
		assert.Nil(t, v.Success)
		assert.Contains(t, v.Error, "unknown building block")
	}
}

func TestEngineUnknownStrategy(t *testing.T) {
	p := testPolicy("async", "recently_registered", nil)
	p.Strategy = "browser"
	f := newEngineFixture(t, p)

	require.NoError(t, f.engine.Run(context.Background(), domain.Job{ID: "1", Domain: "example.com"}))
	vs := f.store.Verifications()
	require.Len(t, vs, 2)
	for _, v := range vs {
		assert.Nil(t, v.Success)
		assert.NotEmpty(t, v.Error)
	}
}

func TestEngineBlockErrorDoesNotAbortBatch(t *testing.T) {
	p := testPolicy("deps", "changed_dependencies", nil)
	f := newEngineFixture(t, p)
	f.tracer.err = errors.New("browser crashed")

	require.NoError(t, f.engine.Run(context.Background(), domain.Job{ID: "1", Domain: "example.com"}))
	vs := f.store.Verifications()
	require.Len(t, vs, 2)
	for _, v := range vs {
		assert.Nil(t, v.Success)
		assert.Contains(t, v.Error, "browser crashed")
	}
}

func TestEngineStatefulRefreshCycle(t *testing.T) {
	ctx := context.Background()
	p := testPolicy("deps", "changed_dependencies", map[string]any{"refresh": true})
	f := newEngineFixture(t, p)
	job := domain.Job{ID: "1", Domain: "example.com", URLTarget: "https://cdn.tracker.com/a.js"}

	// refresh: эталон записан, флаг снят
	require.NoError(t, f.engine.Run(ctx, job))
	link := domain.NewLink("https://shop.example.com/checkout", "https://cdn.tracker.com/a.js", true)
	st, err := f.store.GetState(ctx, domain.StateID(p.ID, link.ID))
	require.NoError(t, err)
	assert.Len(t, st.Vals[stateAllowed], 1)

	stored, err := f.store.GetPolicy(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, stored.Refresh())

	// без изменений зависимостей
	require.NoError(t, f.engine.Run(ctx, job))
	// новая зависимость
	f.tracer.deps = []string{"https://a.com/x.js", "https://evil.com/z.js"}
	require.NoError(t, f.engine.Run(ctx, job))

	vs := f.store.Verifications()
	require.Len(t, vs, 3)
	for i, want := range []bool{true, true, false} {
		require.NotNil(t, vs[i].Success)
		assert.Equal(t, want, *vs[i].Success, "run %d", i)
	}
}

func TestEngineKeepsRefreshWhenBlockFailed(t *testing.T) {
	ctx := context.Background()
	p := testPolicy("deps", "changed_dependencies", map[string]any{"refresh": true})
	f := newEngineFixture(t, p)
	job := domain.Job{ID: "1", Domain: "example.com", URLTarget: "https://cdn.tracker.com/a.js"}

	f.tracer.err = errors.New("browser crashed")
	require.NoError(t, f.engine.Run(ctx, job))

	stored, err := f.store.GetPolicy(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.Refresh(), "baseline was not taken, flag must survive")

	f.tracer.err = nil
	require.NoError(t, f.engine.Run(ctx, job))

	stored, err = f.store.GetPolicy(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, stored.Refresh())
}

func TestEngineNoPolicies(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.Run(context.Background(), domain.Job{ID: "1", Domain: "example.com"}))
	assert.Empty(t, f.store.Verifications())
}

func TestEngineCancelledContextPersistsNothing(t *testing.T) {
	p := testPolicy("example.com young domains", "recently_registered", nil)
	f := newEngineFixture(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, f.engine.Run(ctx, domain.Job{ID: "1", Domain: "example.com"}))
	assert.Empty(t, f.store.Verifications())
}
