package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/kintai/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	AgentRate       rate.Limit    // エージェントAPI全般のレート（req/sec）。120/60 = 2 req/sec
	AgentBurst      int           // エージェントAPI全般のバーストサイズ
	ActivityRate    rate.Limit    // アクティビティ送信のレート（req/sec）。30/60
	ActivityBurst   int           // アクティビティ送信のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// エージェントAPI全般 120 req/min/device、アクティビティ送信 30 req/min/device。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return NewRateLimiterConfig(120, 30)
}

// NewRateLimiterConfig は1分あたりのリクエスト数からレート制限設定を生成する。
// バーストサイズは1分あたりの上限と同じ。
func NewRateLimiterConfig(agentPerMinute, activityPerMinute int) RateLimiterConfig {
	return RateLimiterConfig{
		AgentRate:       rate.Limit(float64(agentPerMinute) / 60.0),
		AgentBurst:      agentPerMinute,
		ActivityRate:    rate.Limit(float64(activityPerMinute) / 60.0),
		ActivityBurst:   activityPerMinute,
		CleanupInterval: 5 * time.Minute,
	}
}

// deviceLimiter はデバイスごとのレートリミッターとアクセス時刻を保持する。
type deviceLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は1種類のレート制限についてデバイスごとのリミッターを管理する。
type limiterSet struct {
	name  string
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*deviceLimiter
}

func newLimiterSet(name string, limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		name:     name,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*deviceLimiter),
	}
}

// get はデバイスのリミッターを取得または作成する。
func (s *limiterSet) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dl, ok := s.limiters[key]; ok {
		dl.lastAccess = now
		return dl.limiter
	}
	limiter := rate.NewLimiter(s.limit, s.burst)
	s.limiters[key] = &deviceLimiter{limiter: limiter, lastAccess: now}
	return limiter
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// evict は最終アクセスからttlを超えたエントリを削除する。
func (s *limiterSet) evict(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, dl := range s.limiters {
		if now.Sub(dl.lastAccess) > ttl {
			delete(s.limiters, key)
		}
	}
}

// RateLimiter はデバイスごとのレート制限を管理する。
// エージェントAPI全般のレート制限とアクティビティ送信のレート制限の2種類を提供する。
type RateLimiter struct {
	config   RateLimiterConfig
	agent    *limiterSet
	activity *limiterSet
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:   config,
		agent:    newLimiterSet("agent", config.AgentRate, config.AgentBurst),
		activity: newLimiterSet("activity", config.ActivityRate, config.ActivityBurst),
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// AgentMiddleware はエージェントAPI全般のレート制限ミドルウェアを返す。
// リクエストコンテキストに検証済みエージェントが含まれている必要がある（AgentAuth.Middlewareの後に配置）。
func (rl *RateLimiter) AgentMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.agent)
}

// ActivityMiddleware はアクティビティ送信専用のレート制限ミドルウェアを返す。
// エージェントAPI全般のレート制限とは独立に動作する。
func (rl *RateLimiter) ActivityMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.activity)
}

func (rl *RateLimiter) middleware(set *limiterSet) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := IdentityFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			if !set.get(identity.DeviceID, time.Now()).Allow() {
				writeRateLimitResponse(w, set.limit)
				slog.Warn("rate limit exceeded",
					slog.String("user_id", identity.UserID),
					slog.String("device_id", identity.DeviceID),
					slog.String("limit_type", set.name),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AgentLimiterCount は現在管理されているエージェントAPI全般リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) AgentLimiterCount() int {
	return rl.agent.len()
}

// ActivityLimiterCount は現在管理されているアクティビティ送信リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) ActivityLimiterCount() int {
	return rl.activity.len()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup(now time.Time) {
	ttl := rl.config.CleanupInterval * 2
	rl.agent.evict(now, ttl)
	rl.activity.evict(now, ttl)
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
	}
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
