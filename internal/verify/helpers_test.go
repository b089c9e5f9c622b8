package verify

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/xela07ax/lms/internal/connectors"
	"github.com/xela07ax/lms/internal/domain"
	"go.uber.org/zap"
)

func newMockClient(mt *connectors.MockTransport) *connectors.Client {
	return connectors.NewClient(connectors.ClientConfig{
		Timeout:   2 * time.Second,
		Attempts:  1,
		Transport: mt,
	}, nil, zap.NewNop())
}

type fakeWhois struct {
	records map[string]RegistrationRecord
	err     error
}

func (f fakeWhois) Lookup(_ context.Context, d string) (RegistrationRecord, error) {
	if f.err != nil {
		return RegistrationRecord{}, f.err
	}
	return f.records[d], nil
}

type fakeRanks struct {
	mu      sync.Mutex
	ranks   map[string]int
	queried []string
}

func (f *fakeRanks) Rank(_ context.Context, d string) (*int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, d)
	r, ok := f.ranks[d]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

type fakeGeo struct {
	points map[string]Point
}

func (f fakeGeo) Locate(_ context.Context, ip string) (Point, error) {
	p, ok := f.points[ip]
	if !ok {
		return Point{}, errors.New("no location")
	}
	return p, nil
}

type fakeResolver struct {
	addrs map[string][]net.IPAddr
}

func (f fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	a, ok := f.addrs[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return a, nil
}

type fakeTracer struct {
	deps []string
	err  error
}

func (f *fakeTracer) Dependencies(context.Context, string, string, Fetcher) ([]string, error) {
	return f.deps, f.err
}

func testDeps(now time.Time) Deps {
	return Deps{
		Limiters:  NewLimiters(0, 0, 0, nil),
		Reference: Point{Lat: 40.902771, Lon: -73.133850},
		Now:       func() time.Time { return now },
	}
}

func testPolicy(name, verifyFn string, args map[string]any) domain.Policy {
	p := domain.Policy{
		Name:           name,
		OriginSource:   "example.com",
		VerifyFn:       verifyFn,
		VerifyFnOutput: false,
		Duration:       3600,
		ExtraArgs:      args,
	}
	_ = p.Normalize(time.Now())
	return p
}
