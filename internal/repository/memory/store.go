package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/xela07ax/lms/internal/domain"
)

// Store — хранилище в памяти процесса с той же семантикой, что и postgres:
// upsert по детерминированным id, append-only проверки, merge состояния по ключам.
type Store struct {
	mu            sync.RWMutex
	policies      map[string]domain.Policy
	links         map[string]domain.Link
	verifications []domain.Verification
	states        map[string]domain.PolicyLinkState
}

var _ domain.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		policies: make(map[string]domain.Policy),
		links:    make(map[string]domain.Link),
		states:   make(map[string]domain.PolicyLinkState),
	}
}

func (s *Store) UpsertPolicies(_ context.Context, policies []domain.Policy, opts domain.BulkOptions) (domain.BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res domain.BulkResult
	for _, p := range policies {
		if p.ID == "" || p.ID != domain.PolicyID(p.Name) {
			res.Fail(p.Name, fmt.Errorf("policy id must be derived from name"))
			continue
		}
		p.ExtraArgs = maps.Clone(p.ExtraArgs)
		s.policies[p.ID] = p
		res.Written++
	}
	return res.Finish(opts)
}

func (s *Store) GetPolicy(_ context.Context, id string) (*domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	p.ExtraArgs = maps.Clone(p.ExtraArgs)
	return &p, nil
}

func (s *Store) PoliciesByOrigin(_ context.Context, suffix string) ([]domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Policy, 0)
	for _, p := range s.policies {
		if strings.HasSuffix(p.OriginSource, suffix) {
			p.ExtraArgs = maps.Clone(p.ExtraArgs)
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertLinks(_ context.Context, links []domain.Link, opts domain.BulkOptions) (domain.BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res domain.BulkResult
	for _, l := range links {
		if l.ID != domain.LinkID(l.URLSource, l.URLTarget) {
			res.Fail(l.ID, fmt.Errorf("link id must be derived from urls"))
			continue
		}
		s.links[l.ID] = l
		res.Written++
	}
	return res.Finish(opts)
}

func (s *Store) ScanLinks(_ context.Context, f domain.LinkFilter, after string, limit int) ([]domain.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Link, 0)
	for _, l := range s.links {
		if l.ID <= after {
			continue
		}
		if f.OriginSuffix != "" && !strings.HasSuffix(l.OriginSource, f.OriginSuffix) {
			continue
		}
		if f.URLSource != "" && l.URLSource != f.URLSource {
			continue
		}
		if f.URLTarget != "" && l.URLTarget != f.URLTarget {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertVerifications(_ context.Context, vs []domain.Verification, opts domain.BulkOptions) (domain.BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res domain.BulkResult
	for _, v := range vs {
		if v.PolicyID == "" || v.LinkID == "" {
			res.Fail(v.PolicyID+" "+v.LinkID, fmt.Errorf("verification without policy or link"))
			continue
		}
		s.verifications = append(s.verifications, v)
		res.Written++
	}
	return res.Finish(opts)
}

func (s *Store) LatestOutcomes(_ context.Context, q domain.OutcomeQuery) ([]domain.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]struct{}, len(q.LinkIDs))
	for _, id := range q.LinkIDs {
		wanted[id] = struct{}{}
	}

	type key struct{ link, policy string }
	latest := make(map[key]domain.Verification)
	now := q.Now.UnixMilli()
	for _, v := range s.verifications {
		if _, ok := wanted[v.LinkID]; !ok || v.Expires <= now {
			continue
		}
		k := key{v.LinkID, v.PolicyID}
		if cur, ok := latest[k]; !ok || v.Timestamp >= cur.Timestamp {
			latest[k] = v
		}
	}

	out := make([]domain.Outcome, 0, len(latest))
	for k, v := range latest {
		if k.link < q.AfterLink || (k.link == q.AfterLink && k.policy <= q.AfterPolicy) {
			continue
		}
		out = append(out, domain.Outcome{
			LinkID: k.link, PolicyID: k.policy, Success: v.Success, Timestamp: v.Timestamp, Expires: v.Expires,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LinkID != out[j].LinkID {
			return out[i].LinkID < out[j].LinkID
		}
		return out[i].PolicyID < out[j].PolicyID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Verifications — вся история (для тестов и отладки).
func (s *Store) Verifications() []domain.Verification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Verification(nil), s.verifications...)
}

func (s *Store) UpsertStates(_ context.Context, states []domain.PolicyLinkState, opts domain.BulkOptions) (domain.BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res domain.BulkResult
	for _, st := range states {
		if st.ID != domain.StateID(st.PolicyID, st.LinkID) {
			res.Fail(st.ID, fmt.Errorf("state id must be derived from policy and link"))
			continue
		}
		cur, ok := s.states[st.ID]
		if !ok {
			cur = domain.PolicyLinkState{ID: st.ID, PolicyID: st.PolicyID, LinkID: st.LinkID, Vals: map[string]any{}}
		} else {
			cur.Vals = maps.Clone(cur.Vals)
		}
		// doc-as-upsert: верхнеуровневые ключи сливаются
		maps.Copy(cur.Vals, st.Vals)
		s.states[st.ID] = cur
		res.Written++
	}
	return res.Finish(opts)
}

func (s *Store) GetState(_ context.Context, id string) (*domain.PolicyLinkState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	st.Vals = maps.Clone(st.Vals)
	return &st, nil
}
