package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/lms/internal/domain"
)

const outcomeChunk = 500

// Aggregator вычисляет LinkStatus по истории проверок в момент запроса.
type Aggregator struct {
	resolver *Resolver
	store    domain.VerificationStore
	pageSize int
	now      func() time.Time
}

func NewAggregator(resolver *Resolver, store domain.VerificationStore) *Aggregator {
	return &Aggregator{
		resolver: resolver,
		store:    store,
		pageSize: defaultPageSize,
		now:      time.Now,
	}
}

// LinkStatus — статус одной ссылки page -> urlTarget. Ссылка может еще не быть
// записана в хранилище: совпадения считаются по самой паре URL.
func (a *Aggregator) LinkStatus(ctx context.Context, domainName, page, urlTarget string) (*bool, error) {
	policies, err := a.resolver.Policies(ctx, domainName)
	if err != nil {
		return nil, err
	}
	link := domain.NewLink(page, urlTarget, true)

	var matched []string
	for _, p := range policies {
		if a.resolver.Matcher().Matches(p, link) {
			matched = append(matched, p.ID)
		}
	}
	if len(matched) == 0 {
		return domain.Bool(true), nil
	}

	outcomes, err := a.outcomes(ctx, []string{link.ID})
	if err != nil {
		return nil, err
	}
	return domain.CombineStatus(matched, outcomes[link.ID]), nil
}

// GetLinkStatuses — статусы всех известных ссылок со страницы page, по urlTarget.
// nil-статусы тоже попадают в ответ: вызывающий ставит по ним задания.
func (a *Aggregator) GetLinkStatuses(ctx context.Context, domainName, page string) (map[string]*bool, error) {
	pl, err := a.resolver.ResolvePolicyLinks(ctx, domainName, page, "")
	if err != nil {
		return nil, err
	}
	links, policiesByLink := pl.ByLink()

	ids := make([]string, 0, len(links))
	for id := range links {
		ids = append(ids, id)
	}
	outcomes, err := a.outcomes(ctx, ids)
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]*bool, len(links))
	for id, l := range links {
		statuses[l.URLTarget] = domain.CombineStatus(policiesByLink[id], outcomes[id])
	}
	return statuses, nil
}

// outcomes собирает linkId -> policyId -> success, проходя агрегацию постранично.
func (a *Aggregator) outcomes(ctx context.Context, linkIDs []string) (map[string]map[string]*bool, error) {
	out := make(map[string]map[string]*bool, len(linkIDs))
	now := a.now()

	for start := 0; start < len(linkIDs); start += outcomeChunk {
		end := min(start+outcomeChunk, len(linkIDs))
		q := domain.OutcomeQuery{LinkIDs: linkIDs[start:end], Now: now, Limit: a.pageSize}
		for {
			page, err := a.store.LatestOutcomes(ctx, q)
			if err != nil {
				return nil, fmt.Errorf("aggregate verifications: %w", err)
			}
			for _, o := range page {
				if out[o.LinkID] == nil {
					out[o.LinkID] = make(map[string]*bool)
				}
				out[o.LinkID][o.PolicyID] = o.Success
			}
			if len(page) < q.Limit {
				break
			}
			last := page[len(page)-1]
			q.AfterLink, q.AfterPolicy = last.LinkID, last.PolicyID
		}
	}
	return out, nil
}
