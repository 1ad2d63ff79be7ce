package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/kintai/internal/activity"
	"github.com/hitoshi/kintai/internal/aggregate"
	"github.com/hitoshi/kintai/internal/auth"
	"github.com/hitoshi/kintai/internal/config"
	"github.com/hitoshi/kintai/internal/database"
	"github.com/hitoshi/kintai/internal/handler"
	"github.com/hitoshi/kintai/internal/logger"
	"github.com/hitoshi/kintai/internal/metrics"
	"github.com/hitoshi/kintai/internal/middleware"
	"github.com/hitoshi/kintai/internal/payroll"
	"github.com/hitoshi/kintai/internal/repository"
	"github.com/hitoshi/kintai/internal/security"
	"github.com/hitoshi/kintai/internal/timer"
	"github.com/hitoshi/kintai/internal/upload"
	"github.com/hitoshi/kintai/internal/worker/cleanup"
	"github.com/hitoshi/kintai/internal/worker/jobs"
	"github.com/hitoshi/kintai/internal/worker/scheduler"
)

const (
	dbPingTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数（.envを含む）からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("timezone", cfg.Location.String()),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// components はserveとworkerで共有する依存関係。
type components struct {
	registry   *prometheus.Registry
	collector  *metrics.Collector
	auth       *auth.Service
	window     *auth.WindowGuard
	timer      *timer.Service
	activity   *activity.Service
	uploads    *upload.Service
	payroll    *payroll.Service
	supervisor *scheduler.Supervisor
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(context.Background(), db, dbPingTimeout); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// buildComponents はリポジトリ・サービス・ジョブスーパーバイザーを組み立てる。
func buildComponents(ctx context.Context, cfg *config.Config, db *sql.DB, log *slog.Logger) (*components, error) {
	// 1. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	employmentRepo := repository.NewPostgresEmploymentRepo(db)
	deviceRepo := repository.NewPostgresDeviceRepo(db)
	auditRepo := repository.NewPostgresAuditRepo(db)
	sessionRepo := repository.NewPostgresTimerSessionRepo(db)
	activityRepo := repository.NewPostgresActivityRepo(db)
	summaryRepo := repository.NewPostgresDailySummaryRepo(db)
	streakRepo := repository.NewPostgresStreakRepo(db)
	payrollRepo := repository.NewPostgresPayrollRepo(db)
	penaltyRepo := repository.NewPostgresPenaltyRepo(db)
	uploadRepo := repository.NewPostgresUploadRepo(db)
	jobRunRepo := repository.NewPostgresJobRunRepo(db)
	leaseRepo := repository.NewPostgresLeaseRepo(db)

	// 3. セキュリティ
	sanitizer := security.NewTextSanitizer()

	// 4. 認証と受付時間帯
	windows, err := auth.NewOperationalWindows(cfg.Location, cfg.Windows()...)
	if err != nil {
		return nil, fmt.Errorf("invalid operational windows: %w", err)
	}
	authService := auth.NewService(
		userRepo, employmentRepo, deviceRepo,
		auth.NewTokenManager(cfg.JWTSecret, cfg.AgentTokenTTL),
		sanitizer,
		auth.ServiceConfig{EmployeeRoles: cfg.EmployeeRoles, MaxClockSkew: cfg.SignatureMaxSkew},
		logger.WithComponent(log, "auth"),
	)
	windowGuard := auth.NewWindowGuard(windows, auditRepo, sanitizer, logger.WithComponent(log, "window"))

	// 5. ドメインサービスの初期化
	timerService := timer.NewService(sessionRepo, sanitizer, timer.Config{
		DailyMinimumSeconds: cfg.DailyMinimumSeconds,
		TrustClientTotals:   cfg.TimerTrustClientTotals,
		Location:            cfg.Location,
	}, logger.WithComponent(log, "timer"))
	activityService := activity.NewService(activityRepo, sessionRepo, sanitizer, logger.WithComponent(log, "activity"))

	var presigner upload.Presigner
	if cfg.StorageConfigured() {
		s3Presigner, err := upload.NewS3Presigner(ctx, upload.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure object storage: %w", err)
		}
		presigner = s3Presigner
	} else {
		log.Warn("S3_BUCKET が未設定のため、アップロード許可の発行は無効です")
	}
	uploadService := upload.NewService(uploadRepo, summaryRepo, presigner, cfg.Location, logger.WithComponent(log, "upload"))

	aggregateService := aggregate.NewService(sessionRepo, summaryRepo, streakRepo, employmentRepo, penaltyRepo, aggregate.Config{
		DailyMinimumSeconds:  cfg.DailyMinimumSeconds,
		Location:             cfg.Location,
		EmployeeRoles:        cfg.EmployeeRoles,
		MissingUploadPenalty: cfg.MissingUploadPenalty,
	}, logger.WithComponent(log, "aggregate"))
	payrollService := payroll.NewService(payrollRepo, penaltyRepo, summaryRepo, employmentRepo, payroll.Config{
		HourlyRate:    cfg.PayrollHourlyRate,
		StreakBonus:   cfg.PayrollStreakBonus,
		SecurityFund:  cfg.PayrollSecurityFund,
		EmployeeRoles: cfg.EmployeeRoles,
		Location:      cfg.Location,
	}, logger.WithComponent(log, "payroll"))

	// 6. ジョブスーパーバイザーの初期化
	cleanupLogger := logger.WithComponent(log, "cleanup")
	supervisor, err := scheduler.NewSupervisor(jobRunRepo, leaseRepo, collector, scheduler.Config{
		Location: cfg.Location,
		Cooldown: cfg.JobCooldown,
		LeaseTTL: cfg.SchedulerLeaseTTL,
	}, log, jobs.Registry(jobs.Deps{
		Aggregator:     aggregateService,
		Payroll:        payrollService,
		ExpiredCleanup: cleanup.NewExpiredDataJob(db, cleanupLogger, cfg.AuditRetentionDays),
		DeepCleanup:    cleanup.NewDeepCleanupJob(db, cleanupLogger, cfg.HistoryRetentionDays),
		Runs:           jobRunRepo,
		Metrics:        collector,
	})...)
	if err != nil {
		return nil, fmt.Errorf("failed to build job supervisor: %w", err)
	}

	return &components{
		registry:   registry,
		collector:  collector,
		auth:       authService,
		window:     windowGuard,
		timer:      timerService,
		activity:   activityService,
		uploads:    uploadService,
		payroll:    payrollService,
		supervisor: supervisor,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log := slog.Default()
	c, err := buildComponents(context.Background(), cfg, db, log)
	if err != nil {
		return err
	}

	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitAgent, cfg.RateLimitActivity))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            log,
		Metrics:           c.collector,
		MetricsHandler:    metrics.Handler(c.registry),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		AgentAuth:         middleware.NewAgentAuth(c.auth, c.window, c.collector, log),
		AdminToken:        cfg.AdminToken,
		HealthChecker:     db,

		AuthService:     c.auth,
		TimerService:    c.timer,
		ActivityService: c.activity,
		UploadService:   c.uploads,

		PayrollService: c.payroll,
		JobSupervisor:  c.supervisor,
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := c.supervisor.Stop(ctx); err != nil {
		slog.Error("failed to stop job supervisor", slog.String("error", err.Error()))
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// ジョブスーパーバイザーを1つ生成して定期実行を開始し、シグナルを受信するまでブロックする。
// 定期実行はリースを保持するインスタンスでのみ行われる。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	c, err := buildComponents(context.Background(), cfg, db, slog.Default())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := c.supervisor.Init(ctx); err != nil {
		return fmt.Errorf("failed to start job supervisor: %w", err)
	}
	slog.Info("worker started", slog.Int("jobs", len(c.supervisor.Jobs())))

	<-ctx.Done()
	slog.Info("shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.supervisor.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("worker shutdown failed: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
