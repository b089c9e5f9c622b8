package policy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xela07ax/lms/internal/domain"
	"go.uber.org/zap"
)

const defaultPageSize = 1024

// Store — то, что резолверу нужно от хранилища.
type Store interface {
	domain.PolicyStore
	domain.LinkStore
}

// PolicyLinks — результат сопоставления: политики и ссылки, сгруппированные policyId -> linkId -> link.
type PolicyLinks struct {
	Policies map[string]domain.Policy
	Links    map[string]map[string]domain.Link
}

func (pl PolicyLinks) Empty() bool { return len(pl.Links) == 0 }

// ByLink переворачивает группировку: linkId -> отсортированные id совпавших политик.
func (pl PolicyLinks) ByLink() (map[string]domain.Link, map[string][]string) {
	links := make(map[string]domain.Link)
	policies := make(map[string][]string)
	for pid, group := range pl.Links {
		for lid, l := range group {
			links[lid] = l
			policies[lid] = append(policies[lid], pid)
		}
	}
	for lid := range policies {
		sort.Strings(policies[lid])
	}
	return links, policies
}

type Resolver struct {
	store    Store
	matcher  *Matcher
	pageSize int
	now      func() time.Time
	logger   *zap.Logger
}

func NewResolver(store Store, matcher *Matcher, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:    store,
		matcher:  matcher,
		pageSize: defaultPageSize,
		now:      time.Now,
		logger:   logger.Named("resolver"),
	}
}

func (r *Resolver) Matcher() *Matcher { return r.matcher }

// Policies — действующие политики, чей originSource относится к регистрируемому домену domainName.
func (r *Resolver) Policies(ctx context.Context, domainName string) ([]domain.Policy, error) {
	reg := domain.RegistrableDomain(domain.Hostname(domainName))
	all, err := r.store.PoliciesByOrigin(ctx, reg)
	if err != nil {
		return nil, fmt.Errorf("load policies for %s: %w", reg, err)
	}
	now := r.now()
	active := all[:0]
	for _, p := range all {
		if p.Active(now) {
			active = append(active, p)
		}
	}
	return active, nil
}

// ResolvePolicyLinks сопоставляет политики домена со всеми известными ссылками под ним.
// page и urlTarget (точное совпадение) сужают выборку; пустые: весь домен.
func (r *Resolver) ResolvePolicyLinks(ctx context.Context, domainName, page, urlTarget string) (PolicyLinks, error) {
	out := PolicyLinks{
		Policies: make(map[string]domain.Policy),
		Links:    make(map[string]map[string]domain.Link),
	}

	policies, err := r.Policies(ctx, domainName)
	if err != nil {
		return out, err
	}
	if len(policies) == 0 {
		return out, nil
	}

	filter := domain.LinkFilter{
		OriginSuffix: domain.RegistrableDomain(domain.Hostname(domainName)),
		URLSource:    page,
		URLTarget:    urlTarget,
	}

	after := ""
	scanned := 0
	for {
		links, err := r.store.ScanLinks(ctx, filter, after, r.pageSize)
		if err != nil {
			return out, fmt.Errorf("scan links: %w", err)
		}
		for _, l := range links {
			for _, p := range policies {
				if !r.matcher.Matches(p, l) {
					continue
				}
				out.Policies[p.ID] = p
				if out.Links[p.ID] == nil {
					out.Links[p.ID] = make(map[string]domain.Link)
				}
				out.Links[p.ID][l.ID] = l
			}
		}
		scanned += len(links)
		if len(links) < r.pageSize {
			break
		}
		after = links[len(links)-1].ID
	}

	r.logger.Debug("resolved policy links",
		zap.String("domain", domainName),
		zap.Int("policies", len(policies)),
		zap.Int("links_scanned", scanned),
		zap.Int("policies_matched", len(out.Policies)),
	)
	return out, nil
}
