package domain

import (
	"context"
	"fmt"
	"time"
)

// BulkOptions управляет поведением пакетной записи.
// Strict: любая неудачная запись превращает весь вызов в ошибку.
type BulkOptions struct {
	Strict bool
}

var (
	Lenient = BulkOptions{}
	Strict  = BulkOptions{Strict: true}
)

// BulkResult собирает ошибки по каждому документу, пакет при этом не прерывается.
type BulkResult struct {
	Written int
	Failed  map[string]error
}

func (r *BulkResult) Fail(id string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]error)
	}
	r.Failed[id] = err
}

// Finish применяет режим strict/lenient к накопленному результату.
func (r BulkResult) Finish(opts BulkOptions) (BulkResult, error) {
	if opts.Strict && len(r.Failed) > 0 {
		return r, fmt.Errorf("%w: %d of %d documents", ErrBulkPartial, len(r.Failed), len(r.Failed)+r.Written)
	}
	return r, nil
}

// LinkFilter: фильтр сканирования ссылок. Пустые поля не ограничивают выборку.
type LinkFilter struct {
	OriginSuffix string // originSource оканчивается на это значение
	URLSource    string // точное совпадение
	URLTarget    string // точное совпадение
}

// OutcomeQuery: постраничная групповая агрегация проверок.
// Курсор (AfterLink, AfterPolicy): последняя группа предыдущей страницы.
type OutcomeQuery struct {
	LinkIDs     []string
	Now         time.Time
	AfterLink   string
	AfterPolicy string
	Limit       int
}

type PolicyStore interface {
	UpsertPolicies(ctx context.Context, policies []Policy, opts BulkOptions) (BulkResult, error)
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	// PoliciesByOrigin возвращает политики, чей originSource оканчивается на suffix.
	PoliciesByOrigin(ctx context.Context, suffix string) ([]Policy, error)
}

type LinkStore interface {
	UpsertLinks(ctx context.Context, links []Link, opts BulkOptions) (BulkResult, error)
	// ScanLinks: keyset-пагинация по ID, возвращает до limit ссылок с ID > after.
	ScanLinks(ctx context.Context, f LinkFilter, after string, limit int) ([]Link, error)
}

type VerificationStore interface {
	InsertVerifications(ctx context.Context, vs []Verification, opts BulkOptions) (BulkResult, error)
	// LatestOutcomes: по каждой группе (link, policy) самая свежая неистекшая проверка.
	LatestOutcomes(ctx context.Context, q OutcomeQuery) ([]Outcome, error)
}

type StateStore interface {
	UpsertStates(ctx context.Context, states []PolicyLinkState, opts BulkOptions) (BulkResult, error)
	GetState(ctx context.Context, id string) (*PolicyLinkState, error)
}

// Store: весь контракт хранилища документов.
type Store interface {
	PolicyStore
	LinkStore
	VerificationStore
	StateStore
}
