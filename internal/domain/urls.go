package domain

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Hostname достает хост из URL. Для строк без схемы возвращает их же (в нижнем регистре).
func Hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return strings.ToLower(u.Hostname())
}

// RegistrableDomain: eTLD+1. Для localhost, IP и прочего, что PSL не знает, возвращает хост как есть.
func RegistrableDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// ParentDomain отрезает крайнюю левую метку. ok=false, если родитель: публичный суффикс.
func ParentDomain(host string) (string, bool) {
	i := strings.IndexByte(host, '.')
	if i < 0 {
		return "", false
	}
	parent := host[i+1:]
	if suffix, _ := publicsuffix.PublicSuffix(parent); suffix == parent {
		return "", false
	}
	return parent, true
}
