// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitoshi/kintai/internal/model"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Agent auth
	JWTSecret        string
	AgentTokenTTL    time.Duration
	SignatureMaxSkew time.Duration

	// Admin
	AdminToken string

	// Business calendar
	Location          *time.Location
	OperationalWindow string
	SpecialWindow     string
	EmployeeRoles     []string

	// Timer
	DailyMinimumSeconds    int64
	TimerTrustClientTotals bool

	// Payroll（セント単位）
	PayrollHourlyRate    model.Money
	PayrollStreakBonus   model.Money
	PayrollSecurityFund  model.Money
	MissingUploadPenalty model.Money

	// Jobs
	JobCooldown          time.Duration
	SchedulerLeaseTTL    time.Duration
	AuditRetentionDays   int
	HistoryRetentionDays int

	// Object storage
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	// Rate Limit（1分あたり）
	RateLimitAgent    int
	RateLimitActivity int

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。カレントディレクトリに.envがあれば先に読み込む。
// 必須環境変数が未設定の場合と、時間帯・タイムゾーン・金額が不正な場合はエラーを返す。
// それ以外の不正値はデフォルト値にフォールバックする。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	if cfg.AdminToken == "" {
		missing = append(missing, "ADMIN_TOKEN")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Strictly validated fields
	var errs []error

	loc, err := time.LoadLocation(getEnvString("BUSINESS_TIMEZONE", "UTC"))
	if err != nil {
		errs = append(errs, fmt.Errorf("BUSINESS_TIMEZONE: %w", err))
	}
	cfg.Location = loc

	cfg.OperationalWindow = strings.TrimSpace(os.Getenv("OPERATIONAL_WINDOW"))
	if err := validateWindow(cfg.OperationalWindow); err != nil {
		errs = append(errs, fmt.Errorf("OPERATIONAL_WINDOW: %w", err))
	}
	cfg.SpecialWindow = strings.TrimSpace(os.Getenv("SPECIAL_WINDOW"))
	if err := validateWindow(cfg.SpecialWindow); err != nil {
		errs = append(errs, fmt.Errorf("SPECIAL_WINDOW: %w", err))
	}

	cfg.PayrollHourlyRate = getEnvMoney("PAYROLL_HOURLY_RATE", "125.00", &errs)
	cfg.PayrollStreakBonus = getEnvMoney("PAYROLL_STREAK_BONUS", "500.00", &errs)
	cfg.PayrollSecurityFund = getEnvMoney("PAYROLL_SECURITY_FUND", "1000.00", &errs)
	cfg.MissingUploadPenalty = getEnvMoney("MISSING_UPLOAD_PENALTY", "0.00", &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	// Optional fields with defaults
	cfg.AgentTokenTTL = getEnvDuration("AGENT_TOKEN_TTL", 24*time.Hour)
	cfg.SignatureMaxSkew = getEnvDuration("SIGNATURE_MAX_SKEW", 5*time.Minute)
	cfg.EmployeeRoles = getEnvList("EMPLOYEE_ROLES", []string{"employee", "intern"})
	cfg.DailyMinimumSeconds = getEnvInt64("DAILY_MINIMUM_SECONDS", model.DefaultDailyMinimumSeconds)
	cfg.TimerTrustClientTotals = getEnvBool("TIMER_TRUST_CLIENT_TOTALS", true)
	cfg.JobCooldown = getEnvDuration("JOB_COOLDOWN", 10*time.Minute)
	cfg.SchedulerLeaseTTL = getEnvDuration("SCHEDULER_LEASE_TTL", 15*time.Minute)
	cfg.AuditRetentionDays = getEnvInt("AUDIT_RETENTION_DAYS", 90)
	cfg.HistoryRetentionDays = getEnvInt("HISTORY_RETENTION_DAYS", 180)
	cfg.S3Bucket = getEnvString("S3_BUCKET", "")
	cfg.S3Region = getEnvString("S3_REGION", "us-east-1")
	cfg.S3Endpoint = getEnvString("S3_ENDPOINT", "")
	cfg.S3AccessKeyID = getEnvString("S3_ACCESS_KEY_ID", "")
	cfg.S3SecretAccessKey = getEnvString("S3_SECRET_ACCESS_KEY", "")
	cfg.RateLimitAgent = getEnvInt("RATE_LIMIT_AGENT", 120)
	cfg.RateLimitActivity = getEnvInt("RATE_LIMIT_ACTIVITY", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// Windows は設定された受付時間帯を返す。未設定のものは含まない。
func (c *Config) Windows() []string {
	var windows []string
	for _, w := range []string{c.OperationalWindow, c.SpecialWindow} {
		if w != "" {
			windows = append(windows, w)
		}
	}
	return windows
}

// StorageConfigured はアップロード先のバケットが設定されているかを返す。
func (c *Config) StorageConfigured() bool {
	return c.S3Bucket != ""
}

// validateWindow は "HH:MM-HH:MM" 形式かを検証する。空文字は未設定として許可する。
func validateWindow(s string) error {
	if s == "" {
		return nil
	}
	start, end, ok := strings.Cut(s, "-")
	if !ok {
		return fmt.Errorf("%q: expected HH:MM-HH:MM", s)
	}
	for _, clock := range []string{start, end} {
		if _, err := time.Parse("15:04", strings.TrimSpace(clock)); err != nil {
			return fmt.Errorf("%q: invalid clock %q", s, clock)
		}
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var items []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultVal
	}
	return items
}

// getEnvMoney は金額を読み込む。不正値と負の値はerrsに追加する。
func getEnvMoney(key, defaultVal string, errs *[]error) model.Money {
	m, err := model.ParseMoney(getEnvString(key, defaultVal))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return 0
	}
	if m < 0 {
		*errs = append(*errs, fmt.Errorf("%s: must not be negative", key))
		return 0
	}
	return m
}
