package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/lms/internal/domain"
	"go.uber.org/zap"
)

func TestLikeSuffix(t *testing.T) {
	assert.Equal(t, `%example.com`, likeSuffix("example.com"))
	assert.Equal(t, `%my\_site\%.com`, likeSuffix("my_site%.com"))
	assert.Equal(t, `%`, likeSuffix(""))
}

// Интеграционный тест: нужен живой PostgreSQL в LMS_TEST_DATABASE_URL.
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LMS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LMS_TEST_DATABASE_URL is not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewStoreFromPool(pool, zap.NewNop())
	require.NoError(t, s.Migrate(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE policies, links, verifications, policy_link_states`)
	require.NoError(t, err)
	return s
}

func TestStoreIntegration(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	now := time.Now()

	p := domain.Policy{Name: "example.com default-domain_rank", VerifyFn: "domain_rank", OriginSource: "example.com",
		Duration: 60, ExtraArgs: map[string]any{"threshold": 1000.0}}
	require.NoError(t, p.Normalize(now))
	_, err := s.UpsertPolicies(ctx, []domain.Policy{p, p}, domain.Strict)
	require.NoError(t, err)

	got, err := s.PoliciesByOrigin(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1000.0, got[0].ArgFloat("threshold", 0))

	l := domain.NewLink("https://example.com/", "https://cdn.test/a.js", true)
	_, err = s.UpsertLinks(ctx, []domain.Link{l, l}, domain.Strict)
	require.NoError(t, err)
	links, err := s.ScanLinks(ctx, domain.LinkFilter{OriginSuffix: "example.com"}, "", 10)
	require.NoError(t, err)
	require.Len(t, links, 1)

	old := domain.NewVerification(p, l, now.Add(-time.Minute), true, nil)
	fresh := domain.NewVerification(p, l, now, false, nil)
	_, err = s.InsertVerifications(ctx, []domain.Verification{old, fresh}, domain.Strict)
	require.NoError(t, err)

	out, err := s.LatestOutcomes(ctx, domain.OutcomeQuery{LinkIDs: []string{l.ID}, Now: now, Limit: 10})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Success)
	assert.True(t, *out[0].Success) // fresh: actual false == expected false

	_, err = s.UpsertStates(ctx, []domain.PolicyLinkState{domain.NewPolicyLinkState(p.ID, l.ID, map[string]any{"a": 1.0})}, domain.Strict)
	require.NoError(t, err)
	_, err = s.UpsertStates(ctx, []domain.PolicyLinkState{domain.NewPolicyLinkState(p.ID, l.ID, map[string]any{"b": 2.0})}, domain.Strict)
	require.NoError(t, err)
	st, err := s.GetState(ctx, domain.StateID(p.ID, l.ID))
	require.NoError(t, err)
	assert.Equal(t, 1.0, st.Vals["a"])
	assert.Equal(t, 2.0, st.Vals["b"])
}
