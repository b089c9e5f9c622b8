package verify

import (
	"context"

	"github.com/xela07ax/lms/internal/domain"
)

func (d Deps) registration(ctx context.Context, host string) (RegistrationRecord, error) {
	var rec RegistrationRecord
	err := d.Limiters.Registry.Do(ctx, func(ctx context.Context) error {
		var err error
		rec, err = d.Whois.Lookup(ctx, domain.RegistrableDomain(host))
		return err
	})
	return rec, err
}

// recentlyRegistered: домен моложе threshold дней. Нет даты: не считаем молодым.
func (d Deps) recentlyRegistered(ctx context.Context, a Args) (Result, error) {
	rec, err := d.registration(ctx, a.Link.OriginTarget)
	if err != nil {
		return Result{}, err
	}
	if rec.Created.IsZero() {
		return Result{Output: false}, nil
	}
	age := d.Now().Sub(rec.Created).Hours() / 24
	return Result{Output: age < a.Policy.ArgFloat("threshold", 7)}, nil
}

// domainDropping: до истечения регистрации меньше threshold дней.
func (d Deps) domainDropping(ctx context.Context, a Args) (Result, error) {
	rec, err := d.registration(ctx, a.Link.OriginTarget)
	if err != nil {
		return Result{}, err
	}
	if rec.Expires.IsZero() {
		return Result{Output: false}, nil
	}
	left := rec.Expires.Sub(d.Now()).Hours() / 24
	return Result{Output: left < a.Policy.ArgFloat("threshold", 7)}, nil
}

// domainRank: место в рейтинге >= threshold. Поддомен без места ищем по
// родителям вплоть до публичного суффикса; совсем без места: true.
func (d Deps) domainRank(ctx context.Context, a Args) (Result, error) {
	threshold := a.Policy.ArgFloat("threshold", 1_000_000)
	host := a.Link.OriginTarget

	for {
		var rank *int
		err := d.Limiters.Ranking.Do(ctx, func(ctx context.Context) error {
			var err error
			rank, err = d.Ranks.Rank(ctx, host)
			return err
		})
		if err != nil {
			return Result{}, err
		}
		if rank != nil {
			return Result{Output: float64(*rank) >= threshold}, nil
		}
		parent, ok := domain.ParentDomain(host)
		if !ok {
			return Result{Output: true}, nil
		}
		host = parent
	}
}
