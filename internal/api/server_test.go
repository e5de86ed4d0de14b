package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/v6tunnel/internal/announce"
	"grimm.is/v6tunnel/internal/logging"
	"grimm.is/v6tunnel/internal/metrics"
	"grimm.is/v6tunnel/internal/network"
	"grimm.is/v6tunnel/internal/scheduler"
	"grimm.is/v6tunnel/internal/services"
	"grimm.is/v6tunnel/internal/state"
	"grimm.is/v6tunnel/internal/tunnel"
	"grimm.is/v6tunnel/internal/validation"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) GetConfig(ctx context.Context) (state.ProxyConfig, error) {
	args := m.Called(ctx)
	return args.Get(0).(state.ProxyConfig), args.Error(1)
}

func (m *mockService) SetConfig(ctx context.Context, cfg state.ProxyConfig) (state.ProxyConfig, error) {
	args := m.Called(ctx, cfg)
	return args.Get(0).(state.ProxyConfig), args.Error(1)
}

func (m *mockService) ListRules(ctx context.Context) ([]state.ProxyRule, error) {
	args := m.Called(ctx)
	rules, _ := args.Get(0).([]state.ProxyRule)
	return rules, args.Error(1)
}

func (m *mockService) AddRule(ctx context.Context, localPort, remotePort int) (int64, error) {
	args := m.Called(ctx, localPort, remotePort)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockService) UpdateRule(ctx context.Context, rule state.ProxyRule) error {
	return m.Called(ctx, rule).Error(0)
}

func (m *mockService) DeleteRule(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockService) StartProxy(ctx context.Context) error   { return m.Called(ctx).Error(0) }
func (m *mockService) StopProxy(ctx context.Context) error    { return m.Called(ctx).Error(0) }
func (m *mockService) RestartProxy(ctx context.Context) error { return m.Called(ctx).Error(0) }

func (m *mockService) ProxyStatus(ctx context.Context) (tunnel.Status, error) {
	args := m.Called(ctx)
	return args.Get(0).(tunnel.Status), args.Error(1)
}

func (m *mockService) SendAsync() { m.Called() }

func (m *mockService) TestSend(ctx context.Context) (*announce.SendLogEntry, error) {
	args := m.Called(ctx)
	entry, _ := args.Get(0).(*announce.SendLogEntry)
	return entry, args.Error(1)
}

func (m *mockService) Logs(n int) []announce.SendLogEntry {
	return m.Called(n).Get(0).([]announce.SendLogEntry)
}

func (m *mockService) Summary(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockService) Status() services.ServiceStatus {
	return m.Called().Get(0).(services.ServiceStatus)
}

func newTestServer(t *testing.T, svc ProxyService) (*Server, *metrics.Registry) {
	t.Helper()
	reg := metrics.NewIsolated()
	s, err := NewServer(ServerOptions{
		Service:  svc,
		Metrics:  reg,
		Logger:   logging.Nop(),
		TestRate: time.Hour,
	})
	require.NoError(t, err)
	return s, reg
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestNewServer_RequiresService(t *testing.T) {
	_, err := NewServer(ServerOptions{})
	assert.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"config error", &validation.ConfigError{Field: "local_port", Value: 0, Reason: "out of range"}, http.StatusBadRequest},
		{"wrapped config error", fmt.Errorf("save: %w", &validation.ConfigError{Field: "webhook_url", Reason: "empty"}), http.StatusBadRequest},
		{"not found", state.ErrNotFound, http.StatusNotFound},
		{"no enabled rules", tunnel.ErrNoEnabledRules, http.StatusConflict},
		{"too many rules", state.ErrTooManyRules, http.StatusConflict},
		{"no address", &network.ResolveError{Interface: "wwan0", Err: network.ErrNoGlobalAddress}, http.StatusServiceUnavailable},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestConfigEndpoints(t *testing.T) {
	svc := &mockService{}
	s, _ := newTestServer(t, svc)

	cfg := state.DefaultProxyConfig()
	svc.On("GetConfig", mock.Anything).Return(cfg, nil).Once()

	rec := do(t, s, http.MethodGet, APIPrefix+"/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got state.ProxyConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, cfg, got)

	want := state.ProxyConfig{AutoStart: true, Enabled: true, SendIntervalMinutes: 15, WebhookBody: "x"}
	svc.On("SetConfig", mock.Anything, mock.MatchedBy(func(c state.ProxyConfig) bool {
		return c.AutoStart && c.SendIntervalMinutes == 15
	})).Return(want, nil).Once()

	rec = do(t, s, http.MethodPut, APIPrefix+"/config", `{"auto_start":true,"send_interval":15,"webhook_body":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, want, got)

	svc.AssertExpectations(t)
}

func TestSetConfig_Errors(t *testing.T) {
	svc := &mockService{}
	s, _ := newTestServer(t, svc)

	t.Run("malformed body", func(t *testing.T) {
		rec := do(t, s, http.MethodPut, APIPrefix+"/config", `{"enabled":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown field", func(t *testing.T) {
		rec := do(t, s, http.MethodPut, APIPrefix+"/config", `{"bogus":1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("validation", func(t *testing.T) {
		svc.On("SetConfig", mock.Anything, mock.Anything).
			Return(state.ProxyConfig{}, &validation.ConfigError{Field: "send_interval", Value: -1, Reason: "must not be negative"}).Once()
		rec := do(t, s, http.MethodPut, APIPrefix+"/config", `{"send_interval":-1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeError(t, rec).Details, "send_interval")
	})
}

func TestRuleEndpoints(t *testing.T) {
	svc := &mockService{}
	s, _ := newTestServer(t, svc)

	t.Run("list empty", func(t *testing.T) {
		svc.On("ListRules", mock.Anything).Return(nil, nil).Once()
		rec := do(t, s, http.MethodGet, APIPrefix+"/rules", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("add", func(t *testing.T) {
		svc.On("AddRule", mock.Anything, 8080, 18080).Return(int64(3), nil).Once()
		rec := do(t, s, http.MethodPost, APIPrefix+"/rules", `{"local_port":8080,"remote_port":18080}`)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.JSONEq(t, `{"id":3}`, rec.Body.String())
	})

	t.Run("add past limit", func(t *testing.T) {
		svc.On("AddRule", mock.Anything, 1, 2).Return(int64(0), state.ErrTooManyRules).Once()
		rec := do(t, s, http.MethodPost, APIPrefix+"/rules", `{"local_port":1,"remote_port":2}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("update defaults enabled", func(t *testing.T) {
		svc.On("UpdateRule", mock.Anything, state.ProxyRule{ID: 3, LocalPort: 80, RemotePort: 8080, Enabled: true}).Return(nil).Once()
		rec := do(t, s, http.MethodPut, APIPrefix+"/rules/3", `{"local_port":80,"remote_port":8080}`)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("update disable", func(t *testing.T) {
		svc.On("UpdateRule", mock.Anything, state.ProxyRule{ID: 3, LocalPort: 80, RemotePort: 8080, Enabled: false}).Return(nil).Once()
		rec := do(t, s, http.MethodPut, APIPrefix+"/rules/3", `{"local_port":80,"remote_port":8080,"enabled":false}`)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("update missing", func(t *testing.T) {
		svc.On("UpdateRule", mock.Anything, mock.MatchedBy(func(r state.ProxyRule) bool { return r.ID == 99 })).
			Return(state.ErrNotFound).Once()
		rec := do(t, s, http.MethodPut, APIPrefix+"/rules/99", `{"local_port":80,"remote_port":8080}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad id", func(t *testing.T) {
		rec := do(t, s, http.MethodDelete, APIPrefix+"/rules/abc", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		rec = do(t, s, http.MethodDelete, APIPrefix+"/rules/0", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		svc.On("DeleteRule", mock.Anything, int64(3)).Return(nil).Once()
		rec := do(t, s, http.MethodDelete, APIPrefix+"/rules/3", "")
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	svc.AssertExpectations(t)
}

func TestLifecycleEndpoints(t *testing.T) {
	svc := &mockService{}
	s, _ := newTestServer(t, svc)

	svc.On("StartProxy", mock.Anything).Return(tunnel.ErrNoEnabledRules).Once()
	rec := do(t, s, http.MethodPost, APIPrefix+"/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "failed to start proxy", decodeError(t, rec).Error)

	svc.On("StartProxy", mock.Anything).Return(nil).Once()
	rec = do(t, s, http.MethodPost, APIPrefix+"/start", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	svc.On("RestartProxy", mock.Anything).Return(nil).Once()
	rec = do(t, s, http.MethodPost, APIPrefix+"/restart", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	svc.On("StopProxy", mock.Anything).Return(nil).Once()
	rec = do(t, s, http.MethodPost, APIPrefix+"/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	svc.On("ProxyStatus", mock.Anything).Return(tunnel.Status{Running: true, RuleCount: 2, ActiveCount: 1, IPv6Addr: "2001:db8::1"}, nil).Once()
	rec = do(t, s, http.MethodGet, APIPrefix+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"running":true,"rule_count":2,"active_count":1,"ipv6_addr":"2001:db8::1"}`, rec.Body.String())

	svc.AssertExpectations(t)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, &mockService{})
	rec := do(t, s, http.MethodGet, APIPrefix+"/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSendEndpoint(t *testing.T) {
	svc := &mockService{}
	s, _ := newTestServer(t, svc)

	svc.On("SendAsync").Return().Once()
	rec := do(t, s, http.MethodPost, APIPrefix+"/send", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	svc.AssertExpectations(t)
}

func TestTestEndpoint(t *testing.T) {
	t.Run("returns entry even when webhook failed", func(t *testing.T) {
		svc := &mockService{}
		s, _ := newTestServer(t, svc)
		entry := &announce.SendLogEntry{ID: 1, IPv6Addr: "2001:db8::1", Content: "{}", Response: "curl: (7)", Result: false}
		svc.On("TestSend", mock.Anything).Return(entry, errors.New("webhook failed")).Once()

		rec := do(t, s, http.MethodPost, APIPrefix+"/test", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var got announce.SendLogEntry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.False(t, got.Result)
		assert.Equal(t, "2001:db8::1", got.IPv6Addr)
	})

	t.Run("no address", func(t *testing.T) {
		svc := &mockService{}
		s, _ := newTestServer(t, svc)
		svc.On("TestSend", mock.Anything).Return(nil, &network.ResolveError{Err: network.ErrNoGlobalAddress}).Once()

		rec := do(t, s, http.MethodPost, APIPrefix+"/test", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("rate limited per client", func(t *testing.T) {
		svc := &mockService{}
		s, _ := newTestServer(t, svc)
		svc.On("TestSend", mock.Anything).Return(&announce.SendLogEntry{ID: 1, Result: true}, nil).Once()

		rec := do(t, s, http.MethodPost, APIPrefix+"/test", "")
		require.Equal(t, http.StatusOK, rec.Code)
		rec = do(t, s, http.MethodPost, APIPrefix+"/test", "")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		svc.AssertExpectations(t)
	})
}

func TestLogsEndpoint(t *testing.T) {
	svc := &mockService{}
	s, _ := newTestServer(t, svc)

	entries := []announce.SendLogEntry{{ID: 2, Result: true}, {ID: 1}}
	svc.On("Logs", 0).Return(entries).Once()
	svc.On("Logs", 1).Return(entries[:1]).Once()

	rec := do(t, s, http.MethodGet, APIPrefix+"/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []announce.SendLogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, 2)

	rec = do(t, s, http.MethodGet, APIPrefix+"/logs?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, 1)

	rec = do(t, s, http.MethodGet, APIPrefix+"/logs?limit=-3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.AssertExpectations(t)
}

func TestSummaryEndpoint(t *testing.T) {
	svc := &mockService{}
	s, _ := newTestServer(t, svc)
	svc.On("Summary", mock.Anything).Return("IPv6 port forwarding: stopped (0/0 active)\n", nil).Once()

	rec := do(t, s, http.MethodGet, APIPrefix+"/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "stopped")
}

func TestHealthz(t *testing.T) {
	svc := &mockService{}
	s, _ := newTestServer(t, svc)
	svc.On("Status").Return(services.ServiceStatus{
		Name:    "ipv6-proxy",
		Running: true,
		Tasks:   []scheduler.TaskStatus{{ID: "announce", Name: "Address announcement", Enabled: true}},
	}).Once()

	rec := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "ok", got.Status)
	assert.Equal(t, "running", got.Service)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "announce", got.Tasks[0].ID)
}

func TestRequestID(t *testing.T) {
	svc := &mockService{}
	s, _ := newTestServer(t, svc)
	svc.On("Status").Return(services.ServiceStatus{})

	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestMaxBody(t *testing.T) {
	svc := &mockService{}
	reg := metrics.NewIsolated()
	cfg := DefaultServerConfig()
	cfg.MaxBodyBytes = 16
	s, err := NewServer(ServerOptions{Service: svc, Metrics: reg, Logger: logging.Nop(), Config: cfg})
	require.NoError(t, err)

	rec := do(t, s, http.MethodPut, APIPrefix+"/config", `{"webhook_body":"`+strings.Repeat("a", 64)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	svc := &mockService{}
	s, _ := newTestServer(t, svc)
	svc.On("ListRules", mock.Anything).Return([]state.ProxyRule{}, nil)

	do(t, s, http.MethodGet, APIPrefix+"/rules", "")

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `path="/api/ipv6-proxy/rules"`)
}

func TestServeListener_PrunesTestLimiter(t *testing.T) {
	svc := &mockService{}
	svc.On("TestSend", mock.Anything).Return(&announce.SendLogEntry{ID: 1, Result: true}, nil)
	cfg := DefaultServerConfig()
	cfg.LimiterCleanupInterval = 10 * time.Millisecond
	cfg.LimiterMaxAge = time.Millisecond
	s, err := NewServer(ServerOptions{
		Service:  svc,
		Logger:   logging.Nop(),
		Config:   cfg,
		TestRate: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, APIPrefix+"/test", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, s.testLimiter.Len())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ln) }()

	assert.Eventually(t, func() bool { return s.testLimiter.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
	s.mu.Lock()
	assert.Nil(t, s.stopCleanup)
	s.mu.Unlock()
}

func TestServeListener_Shutdown(t *testing.T) {
	svc := &mockService{}
	svc.On("Status").Return(services.ServiceStatus{})
	s, _ := newTestServer(t, svc)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.ServeListener(ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
