package gate

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/domain"
)

type fakeTransport struct {
	mu        sync.Mutex
	status    *bool
	err       error
	config    domain.GateConfig
	configErr error
	queries   int
	polls     int
	last      domain.StatusRequest
}

func (f *fakeTransport) QueryStatus(_ context.Context, req domain.StatusRequest) (*bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	f.last = req
	return f.status, f.err
}

func (f *fakeTransport) FetchConfig(context.Context) (domain.GateConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	return f.config, f.configErr
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) set(status *bool, err error) {
	f.mu.Lock()
	f.status, f.err = status, err
	f.mu.Unlock()
}

func (f *fakeTransport) setConfig(cfg domain.GateConfig, err error) {
	f.mu.Lock()
	f.config, f.configErr = cfg, err
	f.mu.Unlock()
}

func (f *fakeTransport) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func boolPtr(b bool) *bool { return &b }

const (
	sitePage = "http://site.test/index.html"
	thirdJS  = "https://cdn.third.test/lib.js"
)

func newTestSession(ft *fakeTransport, mode domain.Mode) *Session {
	return NewSession(SessionConfig{
		Origin:           "http://site.test",
		BackendURL:       "http://api.test",
		MaxConnErrs:      3,
		Heartbeat:        5 * time.Second,
		ErroredHeartbeat: 30 * time.Second,
		CacheTTL:         time.Minute,
		QueryTimeout:     time.Second,
		Mode:             mode,
	}, ft, nil, zap.NewNop())
}

func nextMessage(t *testing.T, ch chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("no message published")
		return Message{}
	}
}

func assertNoMessage(t *testing.T, ch chan Message) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected message %q", m.Type)
	default:
	}
}

func TestDecideAllowsOwnAndInternalResources(t *testing.T) {
	ft := &fakeTransport{status: boolPtr(false)}
	s := newTestSession(ft, domain.ModeNormal)

	cases := map[string]string{
		"http://site.test/app.js":             ReasonSameOrigin,
		"/static/relative.css":                ReasonSameOrigin,
		"http://site.test:8443/x.js":          ReasonSharedOrigin,
		"http://api.test/links/status":        ReasonBackend,
		"chrome-extension://abcdef/inject.js": ReasonInternal,
		"data:text/plain;base64,aGk=":         ReasonInternal,
		"about:blank":                         ReasonInternal,
	}
	for link, reason := range cases {
		d := s.Decide(context.Background(), sitePage, link)
		assert.True(t, d.Allow, link)
		assert.Equal(t, reason, d.Reason, link)
	}
	assert.Zero(t, ft.queryCount())
}

func TestDecideQueriesBackendAndCaches(t *testing.T) {
	ft := &fakeTransport{status: boolPtr(true)}
	s := newTestSession(ft, domain.ModeNormal)

	d := s.Decide(context.Background(), sitePage, thirdJS)
	assert.Equal(t, Decision{Allow: true, Reason: ReasonStatus}, d)

	d = s.Decide(context.Background(), sitePage, thirdJS)
	assert.Equal(t, Decision{Allow: true, Reason: ReasonCache}, d)
	assert.Equal(t, 1, ft.queryCount())

	assert.Equal(t, "normal", ft.last.Mode)
	assert.Equal(t, "site.test", ft.last.Domain)
	page, err := base64.StdEncoding.DecodeString(ft.last.Page)
	require.NoError(t, err)
	assert.Equal(t, sitePage, string(page))
	link, err := base64.StdEncoding.DecodeString(ft.last.URL)
	require.NoError(t, err)
	assert.Equal(t, thirdJS, string(link))
}

func TestDecideCachesNegativeStatus(t *testing.T) {
	ft := &fakeTransport{status: boolPtr(false)}
	s := newTestSession(ft, domain.ModeNormal)

	assert.False(t, s.Decide(context.Background(), sitePage, thirdJS).Allow)
	d := s.Decide(context.Background(), sitePage, thirdJS)
	assert.Equal(t, Decision{Allow: false, Reason: ReasonCache}, d)
	assert.Equal(t, 1, ft.queryCount())
}

func TestDecideCacheExpires(t *testing.T) {
	ft := &fakeTransport{status: boolPtr(true)}
	s := newTestSession(ft, domain.ModeNormal)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Decide(context.Background(), sitePage, thirdJS)
	now = now.Add(2 * time.Minute)
	d := s.Decide(context.Background(), sitePage, thirdJS)
	assert.Equal(t, ReasonStatus, d.Reason)
	assert.Equal(t, 2, ft.queryCount())
}

func TestDecideBlocksPendingWithoutCaching(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft, domain.ModeNormal)

	d := s.Decide(context.Background(), sitePage, thirdJS)
	assert.Equal(t, Decision{Allow: false, Reason: ReasonPending}, d)
	assert.Zero(t, s.Cache().Len())

	ft.set(boolPtr(true), nil)
	assert.True(t, s.Decide(context.Background(), sitePage, thirdJS).Allow)
	assert.Equal(t, 2, ft.queryCount())
}

func TestDecisionNoOpAllowsWithoutQuery(t *testing.T) {
	ft := &fakeTransport{status: boolPtr(false)}
	s := newTestSession(ft, domain.ModeDecisionNoOp)

	d := s.Decide(context.Background(), sitePage, thirdJS)
	assert.Equal(t, Decision{Allow: true, Reason: ReasonMode}, d)
	assert.Equal(t, 1, s.Cache().Len())
	assert.Zero(t, ft.queryCount())
}

func TestFailOpenAllowsWithoutQuery(t *testing.T) {
	ft := &fakeTransport{status: boolPtr(false)}
	s := newTestSession(ft, domain.ModeFailOpenNoOp)

	d := s.Decide(context.Background(), sitePage, thirdJS)
	assert.Equal(t, Decision{Allow: true, Reason: ReasonMode}, d)
	assert.Zero(t, s.Cache().Len())
	assert.Zero(t, ft.queryCount())
}

func TestTransportErrorsTripToFailOpen(t *testing.T) {
	ft := &fakeTransport{err: ErrNotConnected}
	s := newTestSession(ft, domain.ModeNormal)
	events := s.Hub().Subscribe(8)

	for i := 0; i < 2; i++ {
		d := s.Decide(context.Background(), sitePage, thirdJS)
		assert.Equal(t, Decision{Allow: false, Reason: ReasonError}, d)
	}
	assert.Equal(t, domain.ModeNormal, s.Mode())
	assertNoMessage(t, events)

	s.Decide(context.Background(), sitePage, thirdJS)
	assert.Equal(t, domain.ModeFailOpenNoOp, s.Mode())
	assert.Equal(t, 30*time.Second, s.Interval())
	assert.Equal(t, domain.GateConfig{}, s.Config())
	assert.Equal(t, MsgReload, nextMessage(t, events).Type)

	d := s.Decide(context.Background(), sitePage, thirdJS)
	assert.Equal(t, Decision{Allow: true, Reason: ReasonMode}, d)
	assert.Equal(t, 3, ft.queryCount())
	assert.Zero(t, s.Cache().Len())
}

func TestSuccessfulPollRecoversAfterTrip(t *testing.T) {
	ft := &fakeTransport{configErr: errors.New("connection refused")}
	s := newTestSession(ft, domain.ModeNormal)
	events := s.Hub().Subscribe(8)

	for i := 0; i < 3; i++ {
		require.Error(t, s.PollConfig(context.Background()))
	}
	require.Equal(t, domain.ModeFailOpenNoOp, s.Mode())
	assert.Equal(t, MsgReload, nextMessage(t, events).Type)

	// еще ошибки в fail-open повторно не срабатывают
	require.Error(t, s.PollConfig(context.Background()))
	assertNoMessage(t, events)

	ft.setConfig(domain.GateConfig{Version: 0, Mode: domain.ModeNormal}, nil)
	require.NoError(t, s.PollConfig(context.Background()))
	assert.Equal(t, domain.ModeNormal, s.Mode())
	assert.Zero(t, s.ConnErrors())
	assert.Equal(t, 5*time.Second, s.Interval())
	assert.Equal(t, MsgReload, nextMessage(t, events).Type)
}

func TestConfigReloadOnlyOnModeChange(t *testing.T) {
	ft := &fakeTransport{}
	s := newTestSession(ft, domain.ModeNormal)
	events := s.Hub().Subscribe(8)

	ft.setConfig(domain.GateConfig{Version: 1, Mode: domain.ModeNormal}, nil)
	require.NoError(t, s.PollConfig(context.Background()))
	assert.Equal(t, 1, s.Config().Version)
	assertNoMessage(t, events)

	ft.setConfig(domain.GateConfig{Version: 2, Mode: domain.ModeDecisionNoOp}, nil)
	require.NoError(t, s.PollConfig(context.Background()))
	assert.Equal(t, domain.ModeDecisionNoOp, s.Mode())
	assert.Equal(t, MsgReload, nextMessage(t, events).Type)

	// тот же блоб: ничего не меняется
	require.NoError(t, s.PollConfig(context.Background()))
	assertNoMessage(t, events)
}

func TestConfigModeZeroIsApplied(t *testing.T) {
	ft := &fakeTransport{config: domain.GateConfig{Version: 1, Mode: domain.ModeFailOpenNoOp}}
	s := newTestSession(ft, domain.ModeNormal)

	require.NoError(t, s.PollConfig(context.Background()))
	assert.Equal(t, domain.ModeFailOpenNoOp, s.Mode())
}

func TestHandleControlMessages(t *testing.T) {
	ft := &fakeTransport{status: boolPtr(true)}
	s := newTestSession(ft, domain.ModeNormal)
	events := s.Hub().Subscribe(8)

	_, err := s.Handle(ControlMessage{Type: MsgUpdateMode, UA: "Mozilla/5.0 lms-noop-lms"})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeDecisionNoOp, s.Mode())
	assert.Equal(t, MsgReload, nextMessage(t, events).Type)

	_, err = s.Handle(ControlMessage{Type: MsgUpdateMode, UA: "Mozilla/5.0 LMS-NOOP-SW"})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeFailOpenNoOp, s.Mode())
	nextMessage(t, events)

	_, err = s.Handle(ControlMessage{Type: MsgForceActivate, UA: "Mozilla/5.0"})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeNormal, s.Mode())
	assert.Equal(t, MsgReregister, nextMessage(t, events).Type)

	s.Decide(context.Background(), sitePage, thirdJS)
	s.Decide(context.Background(), sitePage, "http://site.test/app.js")
	out, err := s.Handle(ControlMessage{Type: MsgEndpointUsage})
	require.NoError(t, err)
	usage := out.(map[string]EndpointUsage)
	assert.Equal(t, EndpointUsage{Allowed: 1}, usage["https://cdn.third.test"])
	assert.Equal(t, EndpointUsage{Allowed: 1}, usage["http://site.test"])

	require.Equal(t, 1, s.Cache().Len())
	_, err = s.Handle(ControlMessage{Type: MsgClearCache})
	require.NoError(t, err)
	assert.Zero(t, s.Cache().Len())

	_, err = s.Handle(ControlMessage{Type: MsgActiveTab, URL: sitePage})
	require.NoError(t, err)
	msg := nextMessage(t, events)
	assert.Equal(t, MsgActiveTab, msg.Type)
	assert.Equal(t, sitePage, msg.Data)

	_, err = s.Handle(ControlMessage{Type: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestUpdateModeFailsOpenWhileErrored(t *testing.T) {
	ft := &fakeTransport{configErr: ErrNotConnected}
	s := newTestSession(ft, domain.ModeDecisionNoOp)
	for i := 0; i < 3; i++ {
		_ = s.PollConfig(context.Background())
	}

	_, err := s.Handle(ControlMessage{Type: MsgUpdateMode, UA: "Mozilla/5.0"})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeFailOpenNoOp, s.Mode())
}

func TestSetModeRejectsInvalid(t *testing.T) {
	s := newTestSession(&fakeTransport{}, domain.ModeNormal)
	assert.ErrorIs(t, s.SetMode(domain.Mode(7), false), domain.ErrInvalidArgument)
	assert.Equal(t, domain.ModeNormal, s.Mode())
}

func TestRunPollsOnHeartbeat(t *testing.T) {
	ft := &fakeTransport{config: domain.GateConfig{Version: 4, Mode: domain.ModeDecisionNoOp}}
	s := NewSession(SessionConfig{
		Origin:    "http://site.test",
		Heartbeat: 10 * time.Millisecond,
		Mode:      domain.ModeNormal,
	}, ft, nil, zap.NewNop())
	events := s.Hub().Subscribe(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// активация рассылает reload сразу
	assert.Equal(t, MsgReload, nextMessage(t, events).Type)
	assert.Eventually(t, func() bool {
		return s.Mode() == domain.ModeDecisionNoOp
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return ft.polls >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not stop")
	}
}
