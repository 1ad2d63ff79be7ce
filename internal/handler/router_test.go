package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/kintai/internal/auth"
	"github.com/hitoshi/kintai/internal/middleware"
	"github.com/hitoshi/kintai/internal/model"
)

// stubValidator はmiddleware.RequestValidatorのスタブ実装。
// 署名ヘッダーが "valid" の場合のみuser-1/device-1として受け付ける。
type stubValidator struct{}

func (stubValidator) ValidateRequest(ctx context.Context, token, signature string, rawBody []byte, timestamp string) (*auth.AgentIdentity, error) {
	if signature != "valid" {
		return nil, model.NewUnauthorizedError()
	}
	return &auth.AgentIdentity{UserID: "user-1", DeviceID: "device-1", Role: "employee"}, nil
}

// stubWindow はmiddleware.WindowCheckerのスタブ実装。
type stubWindow struct {
	closed bool
}

func (s *stubWindow) Check(ctx context.Context, now time.Time, meta auth.RequestMeta) error {
	if s.closed {
		return model.NewOperationalWindowError("outside operational windows")
	}
	return nil
}

type stubHealthChecker struct {
	err error
}

func (s stubHealthChecker) PingContext(ctx context.Context) error {
	return s.err
}

func newTestRouter(t *testing.T, window *stubWindow, deps *RouterDeps) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)

	deps.Logger = logger
	deps.RateLimiter = rl
	deps.AgentAuth = middleware.NewAgentAuth(stubValidator{}, window, deps.Metrics, logger)
	deps.AdminToken = "admin-secret"
	if deps.AuthService == nil {
		deps.AuthService = &mockAgentAuthService{}
	}
	if deps.TimerService == nil {
		deps.TimerService = &mockTimerService{}
	}
	if deps.ActivityService == nil {
		deps.ActivityService = &mockActivityService{}
	}
	if deps.UploadService == nil {
		deps.UploadService = &mockUploadService{}
	}
	if deps.PayrollService == nil {
		deps.PayrollService = &mockPayrollService{}
	}
	if deps.JobSupervisor == nil {
		deps.JobSupervisor = &mockJobSupervisor{}
	}
	return NewRouter(deps)
}

func TestNewRouter_Health(t *testing.T) {
	tests := []struct {
		name       string
		checker    HealthChecker
		wantStatus int
	}{
		{"チェッカーなし", nil, http.StatusOK},
		{"DB正常", stubHealthChecker{}, http.StatusOK},
		{"DB異常", stubHealthChecker{err: errors.New("connection refused")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, &stubWindow{}, &RouterDeps{HealthChecker: tt.checker})

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("GET /health status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestNewRouter_AgentRoutesRequireSignature(t *testing.T) {
	called := false
	timerSvc := &mockTimerService{
		startFn: func(ctx context.Context, userID, deviceID string) (*model.TimerSession, error) {
			called = true
			if userID != "user-1" || deviceID != "device-1" {
				t.Errorf("主体 = (%q, %q)", userID, deviceID)
			}
			return activeSession(), nil
		},
	}
	collector := &recordingCollector{}
	router := newTestRouter(t, &stubWindow{}, &RouterDeps{TimerService: timerSvc, Metrics: collector})

	// 署名なし
	req := httptest.NewRequest(http.MethodPost, "/agent/timer/start", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("署名なし: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if called {
		t.Error("署名なしでハンドラーが呼ばれました")
	}

	// 署名あり
	req = httptest.NewRequest(http.MethodPost, "/agent/timer/start", nil)
	req.Header.Set(middleware.HeaderSignature, "valid")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Errorf("署名あり: status = %d, want %d", w.Code, http.StatusCreated)
	}
	if !called {
		t.Error("署名ありでハンドラーが呼ばれませんでした")
	}

	if len(collector.rejections) != 1 || collector.rejections[0] != "unauthorized" {
		t.Errorf("rejections = %v, want [unauthorized]", collector.rejections)
	}
	if len(collector.statuses) != 2 {
		t.Errorf("statuses = %v, want 2件", collector.statuses)
	}
}

func TestNewRouter_OperationalWindowClosed(t *testing.T) {
	window := &stubWindow{closed: true}
	router := newTestRouter(t, window, &RouterDeps{})

	for _, path := range []string{"/agent/login", "/agent/timer/stop", "/agent/activity"} {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{}`))
		req.Header.Set(middleware.HeaderSignature, "valid")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("POST %s status = %d, want %d", path, w.Code, http.StatusForbidden)
		}
		if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodeOperationalWindow {
			t.Errorf("POST %s code = %q, want %q", path, got, model.ErrCodeOperationalWindow)
		}
	}
}

func TestNewRouter_LoginDoesNotRequireSignature(t *testing.T) {
	authSvc := &mockAgentAuthService{
		loginFn: func(ctx context.Context, in auth.LoginInput) (*auth.LoginResult, error) {
			return &auth.LoginResult{Token: "t", DeviceSecret: "s", ExpiresIn: 86400}, nil
		},
	}
	router := newTestRouter(t, &stubWindow{}, &RouterDeps{AuthService: authSvc})

	req := httptest.NewRequest(http.MethodPost, "/agent/login", bytes.NewBufferString(`{"email":"a@example.com","password":"pw","deviceId":"d"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("POST /agent/login status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestNewRouter_AdminRoutesRequireToken(t *testing.T) {
	router := newTestRouter(t, &stubWindow{}, &RouterDeps{})

	routes := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/jobs", "", http.StatusOK},
		{http.MethodGet, "/jobs/history", "", http.StatusOK},
		{http.MethodPost, "/jobs/init", "", http.StatusOK},
		{http.MethodGet, "/payroll/weeks?weekStart=2024-06-03", "", http.StatusOK},
		{http.MethodPost, "/payroll/run", `{"weekStart":"2024-06-03","weekEnd":"2024-06-09","preview":true}`, http.StatusOK},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			// トークンなし
			req := httptest.NewRequest(rt.method, rt.path, bytes.NewBufferString(rt.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != http.StatusForbidden {
				t.Errorf("トークンなし: status = %d, want %d", w.Code, http.StatusForbidden)
			}

			// 不正なトークン
			req = httptest.NewRequest(rt.method, rt.path, bytes.NewBufferString(rt.body))
			req.Header.Set(middleware.HeaderAdminToken, "wrong")
			w = httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != http.StatusForbidden {
				t.Errorf("不正なトークン: status = %d, want %d", w.Code, http.StatusForbidden)
			}

			// 正しいトークン
			req = httptest.NewRequest(rt.method, rt.path, bytes.NewBufferString(rt.body))
			req.Header.Set(middleware.HeaderAdminToken, "admin-secret")
			w = httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != rt.want {
				t.Errorf("正しいトークン: status = %d, want %d", w.Code, rt.want)
			}
		})
	}
}

func TestNewRouter_PayrollStatusRouteParam(t *testing.T) {
	payrollSvc := &mockPayrollService{
		updateStatusFn: func(ctx context.Context, id string, to model.PayrollStatus) (*model.PayrollWeek, error) {
			if id != "week-42" {
				t.Errorf("id = %q, want week-42", id)
			}
			w := scenarioWeek()
			w.Status = to
			return w, nil
		},
	}
	router := newTestRouter(t, &stubWindow{}, &RouterDeps{PayrollService: payrollSvc})

	req := httptest.NewRequest(http.MethodPost, "/payroll/weeks/week-42/status", bytes.NewBufferString(`{"status":"PROCESSING"}`))
	req.Header.Set(middleware.HeaderAdminToken, "admin-secret")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestNewRouter_MetricsRoute(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("kintai_http_status_total 1\n"))
	})
	router := newTestRouter(t, &stubWindow{}, &RouterDeps{MetricsHandler: metricsHandler})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("GET /metrics status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestNewRouter_UnknownRoute_Returns404Or405(t *testing.T) {
	router := newTestRouter(t, &stubWindow{}, &RouterDeps{})

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /nonexistent status = %d, want 404 or 405", w.Code)
	}
}
