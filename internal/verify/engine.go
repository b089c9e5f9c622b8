package verify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/metrics"
	"github.com/xela07ax/lms/internal/policy"
)

var tracer = otel.Tracer("github.com/xela07ax/lms/internal/verify")

// Batch — политики одной стратегии и совпавшие с ними ссылки.
type Batch struct {
	Policies []domain.Policy
	Links    map[string]map[string]domain.Link // policyId -> linkId -> link
}

func (b Batch) pairs() int {
	n := 0
	for _, p := range b.Policies {
		n += len(b.Links[p.ID])
	}
	return n
}

// Pass — результат прогона стратегии, еще не записанный в хранилище.
type Pass struct {
	Verifications []domain.Verification
	States        []domain.PolicyLinkState
}

// Verifier — одна стратегия верификации.
type Verifier interface {
	Verify(ctx context.Context, b Batch) (Pass, error)
}

// SimpleVerifier синхронно прогоняет блок каждой пары (политика, ссылка).
// Ошибка блока попадает в запись верификации и не прерывает остальные пары.
type SimpleVerifier struct {
	registry    *Registry
	states      domain.StateStore
	client      Fetcher
	concurrency int
	now         func() time.Time
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

func NewSimpleVerifier(registry *Registry, states domain.StateStore, client Fetcher, concurrency int, m *metrics.Metrics, logger *zap.Logger) *SimpleVerifier {
	if concurrency <= 0 {
		concurrency = 8
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &SimpleVerifier{
		registry:    registry,
		states:      states,
		client:      client,
		concurrency: concurrency,
		now:         time.Now,
		metrics:     m,
		logger:      logger.Named("simple_verifier"),
	}
}

func (v *SimpleVerifier) Verify(ctx context.Context, b Batch) (Pass, error) {
	ctx, span := tracer.Start(ctx, "verify.simple")
	defer span.End()
	span.SetAttributes(attribute.Int("lms.pairs", b.pairs()))

	var (
		mu   sync.Mutex
		pass Pass
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)

	for _, p := range b.Policies {
		for _, l := range sortedLinks(b.Links[p.ID]) {
			g.Go(func() error {
				ver, state, err := v.verifyPair(gctx, p, l)
				if err != nil {
					return err
				}
				mu.Lock()
				pass.Verifications = append(pass.Verifications, ver)
				if state != nil {
					pass.States = append(pass.States, *state)
				}
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Pass{}, err
	}
	return pass, nil
}

// verifyPair возвращает error только при отмене контекста задания.
func (v *SimpleVerifier) verifyPair(ctx context.Context, p domain.Policy, l domain.Link) (domain.Verification, *domain.PolicyLinkState, error) {
	ctx, span := tracer.Start(ctx, "verify.block")
	defer span.End()
	span.SetAttributes(
		attribute.String("lms.verify_fn", p.VerifyFn),
		attribute.String("lms.policy_id", p.ID),
		attribute.String("lms.url_target", l.URLTarget),
	)

	block, err := v.registry.Lookup(p.VerifyFn)
	if err != nil {
		v.logger.Warn("policy references unknown block", zap.String("policy", p.Name), zap.String("verify_fn", p.VerifyFn))
		v.metrics.VerificationsTotal.WithLabelValues(p.VerifyFn, "error").Inc()
		return domain.NewVerification(p, l, v.now(), false, err), nil, nil
	}

	args := Args{Link: l, Policy: p, Client: v.client}
	if block.Stateful {
		args.State, err = v.loadState(ctx, p.ID, l.ID)
		if err != nil {
			v.metrics.VerificationsTotal.WithLabelValues(block.Name, "error").Inc()
			return domain.NewVerification(p, l, v.now(), false, err), nil, nil
		}
	}

	res, err := block.Run(ctx, args)
	if ctx.Err() != nil {
		return domain.Verification{}, nil, ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		v.logger.Debug("block failed",
			zap.String("verify_fn", block.Name),
			zap.String("url_target", l.URLTarget),
			zap.Error(err))
		v.metrics.VerificationsTotal.WithLabelValues(block.Name, "error").Inc()
		return domain.NewVerification(p, l, v.now(), false, err), nil, nil
	}

	v.metrics.VerificationsTotal.WithLabelValues(block.Name, fmt.Sprint(res.Output)).Inc()
	ver := domain.NewVerification(p, l, v.now(), res.Output, nil)
	if res.State == nil {
		return ver, nil, nil
	}
	state := domain.NewPolicyLinkState(p.ID, l.ID, res.State)
	return ver, &state, nil
}

func (v *SimpleVerifier) loadState(ctx context.Context, policyID, linkID string) (map[string]any, error) {
	st, err := v.states.GetState(ctx, domain.StateID(policyID, linkID))
	if errors.Is(err, domain.ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if st.Vals == nil {
		return map[string]any{}, nil
	}
	return st.Vals, nil
}

// Engine — обработчик задания: разбор политик по стратегиям, прогон, запись результатов.
type Engine struct {
	resolver   *policy.Resolver
	store      domain.Store
	strategies map[string]Verifier
	now        func() time.Time
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewEngine(resolver *policy.Resolver, store domain.Store, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &Engine{
		resolver:   resolver,
		store:      store,
		strategies: make(map[string]Verifier),
		now:        time.Now,
		metrics:    m,
		logger:     logger.Named("engine"),
	}
}

// Register подключает реализацию стратегии.
func (e *Engine) Register(strategy string, v Verifier) {
	e.strategies[strategy] = v
}

// Run выполняет одно задание. Порядок записи: состояния, затем верификации,
// затем политики со снятым refresh. При отмене контекста ничего не пишется.
func (e *Engine) Run(ctx context.Context, job domain.Job) error {
	ctx, span := tracer.Start(ctx, "verify.job",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("lms.job_id", job.ID),
			attribute.String("lms.domain", job.Domain),
		))
	defer span.End()
	log := e.logger.With(zap.String("job_id", job.ID), zap.String("domain", job.Domain))
	if sc := span.SpanContext(); sc.IsValid() {
		log = log.With(zap.Stringer("trace_id", sc.TraceID()))
	}

	pl, err := e.resolver.ResolvePolicyLinks(ctx, job.Domain, job.Page, job.URLTarget)
	if err != nil {
		return fmt.Errorf("resolve policy links: %w", err)
	}
	if pl.Empty() {
		log.Debug("no policy links to verify")
		return nil
	}

	buckets := e.partition(pl)
	names := make([]string, 0, len(buckets))
	for name := range buckets {
		names = append(names, name)
	}
	sort.Strings(names)

	passes := make([]Pass, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		batch := buckets[name]
		verifier, ok := e.strategies[name]
		if !ok {
			log.Warn("unknown strategy", zap.String("strategy", name))
			passes[i] = e.unknownStrategy(name, batch)
			continue
		}
		g.Go(func() error {
			p, err := verifier.Verify(gctx, batch)
			passes[i] = p
			return err
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("verify: %w", err)
	}

	var total Pass
	for _, p := range passes {
		total.Verifications = append(total.Verifications, p.Verifications...)
		total.States = append(total.States, p.States...)
	}

	// refresh снимается только там, где блок отработал хотя бы по одной ссылке,
	// иначе запрос на новый baseline потерялся бы вместе с ошибкой.
	applied := make(map[string]bool)
	for _, v := range total.Verifications {
		if v.Error == "" {
			applied[v.PolicyID] = true
		}
	}

	var refreshed []domain.Policy
	for pid := range pl.Links {
		p := pl.Policies[pid]
		if applied[pid] && p.ClearRefresh() {
			refreshed = append(refreshed, p)
		}
	}

	if err := e.persist(ctx, total, refreshed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	log.Info("job verified",
		zap.Int("verifications", len(total.Verifications)),
		zap.Int("states", len(total.States)),
		zap.Int("refreshed", len(refreshed)))
	return nil
}

func (e *Engine) partition(pl policy.PolicyLinks) map[string]Batch {
	buckets := make(map[string]Batch)
	ids := make([]string, 0, len(pl.Links))
	for pid := range pl.Links {
		ids = append(ids, pid)
	}
	sort.Strings(ids)
	for _, pid := range ids {
		p := pl.Policies[pid]
		b, ok := buckets[p.Strategy]
		if !ok {
			b = Batch{Links: make(map[string]map[string]domain.Link)}
		}
		b.Policies = append(b.Policies, p)
		b.Links[pid] = pl.Links[pid]
		buckets[p.Strategy] = b
	}
	return buckets
}

// unknownStrategy фиксирует неопределенный исход для каждой пары.
func (e *Engine) unknownStrategy(name string, b Batch) Pass {
	err := fmt.Errorf("%w: %q", domain.ErrUnknownStrategy, name)
	var pass Pass
	for _, p := range b.Policies {
		for _, l := range sortedLinks(b.Links[p.ID]) {
			pass.Verifications = append(pass.Verifications, domain.NewVerification(p, l, e.now(), false, err))
		}
	}
	return pass
}

func (e *Engine) persist(ctx context.Context, pass Pass, refreshed []domain.Policy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(pass.States) > 0 {
		if _, err := e.store.UpsertStates(ctx, pass.States, domain.Strict); err != nil {
			e.metrics.ErrorTotal.WithLabelValues("bulk").Inc()
			return fmt.Errorf("upsert states: %w", err)
		}
	}
	if len(pass.Verifications) > 0 {
		if _, err := e.store.InsertVerifications(ctx, pass.Verifications, domain.Strict); err != nil {
			e.metrics.ErrorTotal.WithLabelValues("bulk").Inc()
			return fmt.Errorf("insert verifications: %w", err)
		}
	}
	if len(refreshed) > 0 {
		if _, err := e.store.UpsertPolicies(ctx, refreshed, domain.Strict); err != nil {
			e.metrics.ErrorTotal.WithLabelValues("bulk").Inc()
			return fmt.Errorf("persist refreshed policies: %w", err)
		}
	}
	return nil
}

func sortedLinks(group map[string]domain.Link) []domain.Link {
	out := make([]domain.Link, 0, len(group))
	for _, l := range group {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
