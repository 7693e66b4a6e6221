package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kavos113/quickctf/ctf-server/domain"
	"github.com/kavos113/quickctf/ctf-server/infrastructure/eventbus"
	"github.com/kavos113/quickctf/ctf-server/interface/middleware"
	"github.com/kavos113/quickctf/ctf-server/usecase"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAuthenticator struct {
	sessions map[string]*domain.Session
}

func (f *fakeAuthenticator) Authenticate(ctx context.Context, token string) (*domain.Session, error) {
	session, ok := f.sessions[token]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

func newFakeAuthenticator() *fakeAuthenticator {
	teamID := int64(3)
	return &fakeAuthenticator{sessions: map[string]*domain.Session{
		"player":   {UserID: 1, TeamID: &teamID, Token: "player", ExpiresAt: time.Now().Add(time.Hour)},
		"solo":     {UserID: 4, Token: "solo", ExpiresAt: time.Now().Add(time.Hour)},
		"operator": {UserID: 2, Token: "operator", IsAdmin: true, ExpiresAt: time.Now().Add(time.Hour)},
	}}
}

type call struct {
	method      string
	teamID      int64
	challengeID int64
}

type MockInstanceService struct {
	mu    sync.Mutex
	calls []call

	view      *usecase.InstanceView
	token     *domain.AccessToken
	target    *domain.TCPTarget
	correct   bool
	err       error
	proxyAddr string
}

func (m *MockInstanceService) record(method string, teamID, challengeID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call{method: method, teamID: teamID, challengeID: challengeID})
}

func (m *MockInstanceService) Calls() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]call(nil), m.calls...)
}

func (m *MockInstanceService) Spawn(ctx context.Context, teamID, challengeID int64) (*usecase.InstanceView, error) {
	m.record("spawn", teamID, challengeID)
	return m.view, m.err
}

func (m *MockInstanceService) Status(ctx context.Context, teamID, challengeID int64) (*usecase.InstanceView, error) {
	m.record("status", teamID, challengeID)
	return m.view, m.err
}

func (m *MockInstanceService) Extend(ctx context.Context, teamID, challengeID int64) (*usecase.InstanceView, error) {
	m.record("extend", teamID, challengeID)
	return m.view, m.err
}

func (m *MockInstanceService) Terminate(ctx context.Context, teamID, challengeID int64) error {
	m.record("terminate", teamID, challengeID)
	return m.err
}

func (m *MockInstanceService) IssueAccessToken(ctx context.Context, teamID, challengeID int64) (*domain.AccessToken, error) {
	m.record("token", teamID, challengeID)
	return m.token, m.err
}

func (m *MockInstanceService) VerifyTCPHandshake(ctx context.Context, token, passphrase string) (*domain.TCPTarget, error) {
	m.record("handshake", 0, 0)
	if m.err != nil {
		return nil, m.err
	}
	if token != "tcp-token" || passphrase != "open-sesame" {
		return nil, domain.ErrHandshakeRejected
	}
	return m.target, nil
}

func (m *MockInstanceService) VerifyFlag(ctx context.Context, teamID, challengeID int64, flag string) (bool, error) {
	m.record("verify", teamID, challengeID)
	return m.correct, m.err
}

func (m *MockInstanceService) ResolveProxyTarget(ctx context.Context, token string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if token != "http-token" {
		return "", domain.ErrTokenNotFound
	}
	return m.proxyAddr, nil
}

type MockCTFClock struct {
	status   *domain.CTFStatus
	start    *domain.CTFStartResult
	stop     *domain.CTFStopResult
	err      error
	adminID  int64
	duration time.Duration
}

func (m *MockCTFClock) Status(ctx context.Context) (*domain.CTFStatus, error) {
	return m.status, m.err
}

func (m *MockCTFClock) Start(ctx context.Context, adminID int64, duration time.Duration) (*domain.CTFStartResult, error) {
	m.adminID = adminID
	m.duration = duration
	if m.err != nil {
		return nil, m.err
	}
	if duration < time.Second {
		return nil, domain.ErrInvalidDuration
	}
	return m.start, nil
}

func (m *MockCTFClock) Stop(ctx context.Context) (*domain.CTFStopResult, error) {
	return m.stop, m.err
}

type MockConnectionLimiter struct {
	mu        sync.Mutex
	max       int
	active    map[string]int
	refreshes int
	released  int
}

func NewMockConnectionLimiter(max int) *MockConnectionLimiter {
	return &MockConnectionLimiter{max: max, active: make(map[string]int)}
}

func (m *MockConnectionLimiter) Acquire(ctx context.Context, ip string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[ip] >= m.max {
		return false, nil
	}
	m.active[ip]++
	return true, nil
}

func (m *MockConnectionLimiter) Refresh(ctx context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	return nil
}

func (m *MockConnectionLimiter) Release(ctx context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[ip]--
	m.released++
	return nil
}

func (m *MockConnectionLimiter) Stats() (refreshes, released int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes, m.released
}

type testServer struct {
	echo      *echo.Echo
	instances *MockInstanceService
	clock     *MockCTFClock
	bus       *eventbus.Bus
	limiter   ConnectionLimiter
	events    *EventsHandler
}

func newTestServer(t *testing.T, limiter ConnectionLimiter) *testServer {
	t.Helper()

	s := &testServer{
		echo:      echo.New(),
		instances: &MockInstanceService{},
		clock:     &MockCTFClock{},
		bus:       eventbus.NewBus(8),
		limiter:   limiter,
	}
	if s.limiter == nil {
		s.limiter = NewMockConnectionLimiter(3)
	}

	s.events = NewEventsHandler(s.bus, s.limiter, 20*time.Millisecond, discardLogger())

	s.echo.Use(middleware.Session(newFakeAuthenticator(), discardLogger()))
	router := &Router{
		Instance: NewInstanceHandler(s.instances, discardLogger()),
		CTF:      NewCTFHandler(s.clock, discardLogger()),
		Events:   s.events,
		Proxy:    NewProxy(s.instances, discardLogger()),
	}
	router.Register(s.echo)
	return s
}

func (s *testServer) do(method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}
