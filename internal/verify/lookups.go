package verify

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/likexian/whois"
)

// RegistrationRecord — даты из реестра доменов. Нулевое значение — даты нет в ответе.
type RegistrationRecord struct {
	Created time.Time
	Expires time.Time
}

type WhoisLookup interface {
	Lookup(ctx context.Context, domain string) (RegistrationRecord, error)
}

// RankLookup возвращает место домена в рейтинге популярности; nil: домена в рейтинге нет.
type RankLookup interface {
	Rank(ctx context.Context, domain string) (*int, error)
}

type GeoLookup interface {
	Locate(ctx context.Context, ip string) (Point, error)
}

// IPResolver — подмножество net.Resolver.
type IPResolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// WhoisClient — WHOIS через github.com/likexian/whois.
type WhoisClient struct {
	client *whois.Client
}

func NewWhoisClient(timeout time.Duration) *WhoisClient {
	c := whois.NewClient()
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return &WhoisClient{client: c}
}

func (w *WhoisClient) Lookup(ctx context.Context, domain string) (RegistrationRecord, error) {
	type result struct {
		raw string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		raw, err := w.client.Whois(domain)
		ch <- result{raw, err}
	}()

	select {
	case <-ctx.Done():
		return RegistrationRecord{}, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return RegistrationRecord{}, fmt.Errorf("whois %s: %w", domain, r.err)
		}
		return ParseWhois(r.raw), nil
	}
}

var (
	whoisCreatedRe = regexp.MustCompile(`(?im)^\s*(?:creation date|created on|created|registered on|registration time|domain registration date)\s*:\s*(.+?)\s*$`)
	whoisExpiresRe = regexp.MustCompile(`(?im)^\s*(?:registry expiry date|registrar registration expiration date|expiration date|expiry date|expires on|expires|paid-till|expiration time)\s*:\s*(.+?)\s*$`)
)

var whoisLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05.0Z",
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05 MST",
	"2006-01-02",
	"2006.01.02",
	"2006/01/02",
	"02-Jan-2006",
	"02.01.2006",
	"January 2 2006",
}

// ParseWhois вытаскивает даты регистрации и истечения из сырого ответа WHOIS.
func ParseWhois(raw string) RegistrationRecord {
	var rec RegistrationRecord
	if m := whoisCreatedRe.FindStringSubmatch(raw); m != nil {
		rec.Created = parseWhoisDate(m[1])
	}
	if m := whoisExpiresRe.FindStringSubmatch(raw); m != nil {
		rec.Expires = parseWhoisDate(m[1])
	}
	return rec
}

func parseWhoisDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range whoisLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// TrancoRanks — рейтинг через HTTP API вида {base}{domain}.
type TrancoRanks struct {
	base   string
	client Fetcher
}

func NewTrancoRanks(base string, client Fetcher) *TrancoRanks {
	return &TrancoRanks{base: base, client: client}
}

func (t *TrancoRanks) Rank(ctx context.Context, domain string) (*int, error) {
	var resp struct {
		Ranks []struct {
			Date string `json:"date"`
			Rank int    `json:"rank"`
		} `json:"ranks"`
	}
	if err := t.client.GetJSON(ctx, t.base+domain, &resp); err != nil {
		return nil, err
	}
	if len(resp.Ranks) == 0 {
		return nil, nil
	}
	latest := resp.Ranks[0]
	for _, r := range resp.Ranks[1:] {
		if r.Date > latest.Date {
			latest = r
		}
	}
	rank := latest.Rank
	return &rank, nil
}

// IPInfoGeo — геолокация через {base}{ip}/json, поле loc = "lat,lon".
type IPInfoGeo struct {
	base   string
	client Fetcher
}

func NewIPInfoGeo(base string, client Fetcher) *IPInfoGeo {
	return &IPInfoGeo{base: base, client: client}
}

func (g *IPInfoGeo) Locate(ctx context.Context, ip string) (Point, error) {
	var resp struct {
		Loc string `json:"loc"`
	}
	if err := g.client.GetJSON(ctx, g.base+ip+"/json", &resp); err != nil {
		return Point{}, err
	}
	lat, lon, ok := strings.Cut(resp.Loc, ",")
	if !ok {
		return Point{}, fmt.Errorf("geolocation for %s: malformed loc %q", ip, resp.Loc)
	}
	var p Point
	var err error
	if p.Lat, err = strconv.ParseFloat(strings.TrimSpace(lat), 64); err != nil {
		return Point{}, fmt.Errorf("geolocation for %s: %w", ip, err)
	}
	if p.Lon, err = strconv.ParseFloat(strings.TrimSpace(lon), 64); err != nil {
		return Point{}, fmt.Errorf("geolocation for %s: %w", ip, err)
	}
	return p, nil
}
