package policy

import (
	"fmt"
	"time"

	"github.com/xela07ax/lms/internal/domain"
)

const defaultPolicyDuration = 45 * 24 * 60 * 60 // 45 дней

type defaultCheck struct {
	fn        string
	threshold float64
	expected  bool
	refresh   bool
}

var defaultChecks = []defaultCheck{
	{fn: "recently_registered", threshold: 7},
	{fn: "domain_dropping", threshold: 7},
	{fn: "domain_rank", threshold: 1_000_000},
	{fn: "changed_dependencies", refresh: true},
	{fn: "comms_tls", expected: true},
}

// DefaultPolicies — базовый набор проверок для нового сайта: возраст и
// истечение домена, популярность, дрейф зависимостей, здоровье TLS.
func DefaultPolicies(domainName string, now time.Time) []domain.Policy {
	reg := domain.RegistrableDomain(domain.Hostname(domainName))
	out := make([]domain.Policy, 0, len(defaultChecks))
	for _, c := range defaultChecks {
		args := map[string]any{}
		if c.threshold > 0 {
			args["threshold"] = c.threshold
		}
		if c.refresh {
			args[domain.ExtraArgRefresh] = true
		}
		p := domain.Policy{
			Name:           fmt.Sprintf("%s default-%s", reg, c.fn),
			Description:    fmt.Sprintf("default %s check for %s", c.fn, reg),
			Strategy:       domain.StrategySimple,
			Type:           domain.PolicyLocation,
			OriginSource:   reg,
			OriginTarget:   "*",
			URLSource:      ".*",
			URLTarget:      ".*",
			VerifyFn:       c.fn,
			VerifyFnOutput: c.expected,
			Duration:       defaultPolicyDuration,
			ExtraArgs:      args,
		}
		if c.fn == "changed_dependencies" {
			p.Type = domain.PolicyContext
		}
		_ = p.Normalize(now)
		out = append(out, p)
	}
	return out
}
