package verify

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/lms/internal/connectors"
	"github.com/xela07ax/lms/internal/domain"
)

var (
	testNow  = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	testLink = domain.NewLink("https://shop.example.com/checkout", "https://cdn.tracker.com/a.js", true)
)

func TestRecentlyRegistered(t *testing.T) {
	d := testDeps(testNow)
	cases := []struct {
		name    string
		created time.Time
		want    bool
	}{
		{"fresh", testNow.Add(-2 * 24 * time.Hour), true},
		{"old", testNow.Add(-30 * 24 * time.Hour), false},
		{"no date", time.Time{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d.Whois = fakeWhois{records: map[string]RegistrationRecord{"tracker.com": {Created: tc.created}}}
			res, err := d.recentlyRegistered(context.Background(), Args{Link: testLink, Policy: testPolicy("age", "recently_registered", nil)})
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Output)
		})
	}
}

func TestRecentlyRegisteredThresholdAndError(t *testing.T) {
	d := testDeps(testNow)
	d.Whois = fakeWhois{records: map[string]RegistrationRecord{"tracker.com": {Created: testNow.Add(-20 * 24 * time.Hour)}}}
	p := testPolicy("age", "recently_registered", map[string]any{"threshold": 30.0})

	res, err := d.recentlyRegistered(context.Background(), Args{Link: testLink, Policy: p})
	require.NoError(t, err)
	assert.True(t, res.Output)

	d.Whois = fakeWhois{err: errors.New("whois down")}
	_, err = d.recentlyRegistered(context.Background(), Args{Link: testLink, Policy: p})
	assert.Error(t, err)
}

func TestDomainDropping(t *testing.T) {
	d := testDeps(testNow)
	d.Whois = fakeWhois{records: map[string]RegistrationRecord{"tracker.com": {Expires: testNow.Add(3 * 24 * time.Hour)}}}
	res, err := d.domainDropping(context.Background(), Args{Link: testLink, Policy: testPolicy("drop", "domain_dropping", nil)})
	require.NoError(t, err)
	assert.True(t, res.Output)

	d.Whois = fakeWhois{records: map[string]RegistrationRecord{"tracker.com": {Expires: testNow.Add(300 * 24 * time.Hour)}}}
	res, err = d.domainDropping(context.Background(), Args{Link: testLink, Policy: testPolicy("drop", "domain_dropping", nil)})
	require.NoError(t, err)
	assert.False(t, res.Output)
}

func TestDomainRankWalksParents(t *testing.T) {
	d := testDeps(testNow)
	ranks := &fakeRanks{ranks: map[string]int{"tracker.com": 500}}
	d.Ranks = ranks

	res, err := d.domainRank(context.Background(), Args{Link: testLink, Policy: testPolicy("rank", "domain_rank", nil)})
	require.NoError(t, err)
	assert.False(t, res.Output)
	assert.Equal(t, []string{"cdn.tracker.com", "tracker.com"}, ranks.queried)

	res, err = d.domainRank(context.Background(), Args{Link: testLink, Policy: testPolicy("rank", "domain_rank", map[string]any{"threshold": 100})})
	require.NoError(t, err)
	assert.True(t, res.Output)
}

func TestDomainRankUnranked(t *testing.T) {
	d := testDeps(testNow)
	ranks := &fakeRanks{ranks: map[string]int{}}
	d.Ranks = ranks

	res, err := d.domainRank(context.Background(), Args{Link: testLink, Policy: testPolicy("rank", "domain_rank", nil)})
	require.NoError(t, err)
	assert.True(t, res.Output)
	// на публичном суффиксе "com" поиск останавливается
	assert.Equal(t, []string{"cdn.tracker.com", "tracker.com"}, ranks.queried)
}

func TestCommsTLS(t *testing.T) {
	d := testDeps(testNow)
	cases := []struct {
		name string
		resp connectors.MockResponse
		want bool
	}{
		{"healthy", connectors.MockResponse{Status: 200}, true},
		{"bad certificate", connectors.MockResponse{Err: x509.UnknownAuthorityError{}}, false},
		{"tls alert text", connectors.MockResponse{Err: errors.New("remote error: tls: handshake failure")}, false},
		{"unrelated failure", connectors.MockResponse{Err: errors.New("i/o timeout")}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mt := connectors.NewMockTransport().On(testLink.URLTarget, tc.resp)
			res, err := d.commsTLS(context.Background(), Args{Link: testLink, Policy: testPolicy("tls", "comms_tls", nil), Client: newMockClient(mt)})
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Output)
		})
	}
}

func TestCommsDistance(t *testing.T) {
	d := testDeps(testNow)
	d.IPs = fakeResolver{addrs: map[string][]net.IPAddr{
		"cdn.tracker.com": {{IP: net.ParseIP("2001:db8::1")}, {IP: net.ParseIP("203.0.113.7")}},
	}}
	d.Geo = fakeGeo{points: map[string]Point{"203.0.113.7": {Lat: 40.71, Lon: -74.0}}}

	res, err := d.commsDistance(context.Background(), Args{Link: testLink, Policy: testPolicy("dist", "comms_distance", nil)})
	require.NoError(t, err)
	assert.True(t, res.Output)

	d.Geo = fakeGeo{points: map[string]Point{"203.0.113.7": {Lat: -33.86, Lon: 151.2}}}
	res, err = d.commsDistance(context.Background(), Args{Link: testLink, Policy: testPolicy("dist", "comms_distance", map[string]any{"threshold": 1000})})
	require.NoError(t, err)
	assert.False(t, res.Output)

	d.Geo = fakeGeo{}
	res, err = d.commsDistance(context.Background(), Args{Link: testLink, Policy: testPolicy("dist", "comms_distance", nil)})
	require.NoError(t, err)
	assert.False(t, res.Output, "geolocation failure counts as unknown distance")

	d.IPs = fakeResolver{}
	_, err = d.commsDistance(context.Background(), Args{Link: testLink, Policy: testPolicy("dist", "comms_distance", nil)})
	assert.Error(t, err)
}

func TestHaversine(t *testing.T) {
	nyc := Point{Lat: 40.7128, Lon: -74.0060}
	london := Point{Lat: 51.5074, Lon: -0.1278}
	assert.InDelta(t, 5570, Haversine(nyc, london), 15)
	assert.Zero(t, Haversine(nyc, nyc))
}

func TestChangedDependencies(t *testing.T) {
	d := testDeps(testNow)
	tr := &fakeTracer{deps: []string{"https://a.com/x.js", "https://b.com/y.js"}}
	d.Tracer = tr
	p := testPolicy("deps", "changed_dependencies", nil)

	// первый запуск фиксирует эталон
	res, err := d.changedDependencies(context.Background(), Args{Link: testLink, Policy: p, State: map[string]any{}})
	require.NoError(t, err)
	assert.False(t, res.Output)
	require.NotNil(t, res.State)
	baseline := res.State[stateAllowed]

	// эталон после JSON-хранилища приходит как []any
	stored := map[string]any{stateAllowed: []any{"https://b.com/y.js", "https://a.com/x.js"}}
	res, err = d.changedDependencies(context.Background(), Args{Link: testLink, Policy: p, State: stored})
	require.NoError(t, err)
	assert.False(t, res.Output)
	assert.Nil(t, res.State)

	tr.deps = append(tr.deps, "https://evil.com/z.js")
	res, err = d.changedDependencies(context.Background(), Args{Link: testLink, Policy: p, State: map[string]any{stateAllowed: baseline}})
	require.NoError(t, err)
	assert.True(t, res.Output)

	refresh := testPolicy("deps", "changed_dependencies", map[string]any{"refresh": true})
	res, err = d.changedDependencies(context.Background(), Args{Link: testLink, Policy: refresh, State: map[string]any{stateAllowed: baseline}})
	require.NoError(t, err)
	assert.False(t, res.Output)
	assert.Len(t, res.State[stateAllowed], 3)
}

func TestStaticTracerExtractsAbsoluteURLs(t *testing.T) {
	body := `fetch("https://api.tracker.com/v1/collect?id=1");
		var img = 'http://pixel.example.net/p.gif';
		load("https://api.tracker.com/v1/collect?id=1");
		load("/relative/path.js");`
	mt := connectors.NewMockTransport().On(testLink.URLTarget, connectors.MockResponse{Body: body})

	deps, err := StaticTracer{}.Dependencies(context.Background(), testLink.URLSource, testLink.URLTarget, newMockClient(mt))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http://pixel.example.net/p.gif",
		"https://api.tracker.com/v1/collect?id=1",
	}, deps)
}

func TestObfuscatedAppend(t *testing.T) {
	d := testDeps(testNow)
	d.ObfuscationThreshold = DefaultObfuscationThreshold
	p := testPolicy("obf", "obfuscated_append", nil)

	v1 := "var a = 1;\nvar b = 2;"
	v2 := v1 + "\nvar c = a + b;"
	v3 := v2 + "\n" + `eval("\x61\x6c\x65\x72\x74\x28\x31\x29")`

	run := func(body string, state map[string]any) Result {
		t.Helper()
		mt := connectors.NewMockTransport().On(testLink.URLTarget, connectors.MockResponse{Body: body})
		res, err := d.obfuscatedAppend(context.Background(), Args{Link: testLink, Policy: p, State: state, Client: newMockClient(mt)})
		require.NoError(t, err)
		return res
	}

	res := run(v1, map[string]any{})
	assert.False(t, res.Output)
	assert.Equal(t, v1, res.State[statePriorContent])

	res = run(v1, map[string]any{statePriorContent: v1})
	assert.False(t, res.Output)
	assert.Nil(t, res.State)

	res = run(v2, map[string]any{statePriorContent: v1})
	assert.False(t, res.Output)
	assert.Equal(t, v2, res.State[statePriorContent], "benign change moves the baseline")

	res = run(v3, map[string]any{statePriorContent: v2})
	assert.True(t, res.Output)
	assert.NotContains(t, res.State, statePriorContent, "suspicious change keeps the baseline")
	assert.Contains(t, res.State[stateObfuscatedBlock], "eval")
}

func TestRegistryAliasesAndUnknown(t *testing.T) {
	r := NewBuiltinRegistry(testDeps(testNow))

	a, err := r.Lookup("domain-age")
	require.NoError(t, err)
	b, err := r.Lookup("recently_registered")
	require.NoError(t, err)
	assert.Equal(t, a.Name, b.Name)

	st, err := r.Lookup("changed-dependencies")
	require.NoError(t, err)
	assert.True(t, st.Stateful)

	_, err = r.Lookup("return true")
	assert.ErrorIs(t, err, domain.ErrUnknownBlock)
	assert.Contains(t, r.Names(), "comms_distance")
}
