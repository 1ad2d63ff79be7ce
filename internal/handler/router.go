package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/kintai/internal/metrics"
	"github.com/hitoshi/kintai/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	MetricsHandler    http.Handler
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	AgentAuth         *middleware.AgentAuth
	AdminToken        string
	HealthChecker     HealthChecker

	// エージェント
	AuthService     AgentAuthServiceInterface
	TimerService    TimerServiceInterface
	ActivityService ActivityServiceInterface
	UploadService   UploadServiceInterface

	// 管理
	PayrollService PayrollServiceInterface
	JobSupervisor  JobSupervisorInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS
//	  /agent/login: WindowMiddleware
//	  /agent/*:     AgentAuth → RateLimit(Agent) [→ RateLimit(Activity)]
//	  /payroll/*, /jobs/*: AdminToken
//
// /health と /metrics は認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	agentHandler := NewAgentHandler(deps.AuthService, deps.TimerService, deps.ActivityService, deps.UploadService, deps.Metrics)
	payrollHandler := NewPayrollHandler(deps.PayrollService, deps.Metrics)
	jobHandler := NewJobHandler(deps.JobSupervisor)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// ログインは受付時間帯のみ判定する
	r.With(deps.AgentAuth.WindowMiddleware()).Post("/agent/login", agentHandler.Login)

	// --- 署名付きエージェントリクエスト ---
	// ミドルウェアスタック: AgentAuth → RateLimit(Agent)
	r.Group(func(r chi.Router) {
		r.Use(deps.AgentAuth.Middleware())
		r.Use(deps.RateLimiter.AgentMiddleware())

		r.Route("/agent/timer", func(r chi.Router) {
			r.Post("/start", agentHandler.StartTimer)
			r.Post("/pause", agentHandler.PauseTimer)
			r.Post("/resume", agentHandler.ResumeTimer)
			r.Post("/stop", agentHandler.StopTimer)
			r.Get("/current", agentHandler.CurrentTimer)
		})

		// POST /agent/activity - アクティビティ専用レート制限を追加
		r.With(deps.RateLimiter.ActivityMiddleware()).Post("/agent/activity", agentHandler.IngestActivity)

		r.Post("/agent/screenshot/presign", agentHandler.PresignScreenshot)
		r.Post("/agent/recordings/presign", agentHandler.PresignRecording)
		// 旧エージェント互換のパス
		r.Post("/recordings/presign", agentHandler.PresignRecording)
		r.Post("/agent/uploads/confirm", agentHandler.ConfirmUpload)
	})

	// --- 管理トークンが必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAdminTokenMiddleware(deps.AdminToken))

		r.Route("/payroll", func(r chi.Router) {
			r.Post("/run", payrollHandler.RunPayroll)
			r.Get("/weeks", payrollHandler.ListWeeks)
			r.Post("/weeks/{id}/status", payrollHandler.UpdateStatus)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", jobHandler.ListJobs)
			r.Post("/init", jobHandler.InitJobs)
			r.Post("/run", jobHandler.RunJob)
			r.Get("/history", jobHandler.JobHistory)
		})
	})

	return r
}
