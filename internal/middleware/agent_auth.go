package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/kintai/internal/auth"
	"github.com/hitoshi/kintai/internal/metrics"
	"github.com/hitoshi/kintai/internal/model"
)

// エージェントリクエストの署名ヘッダー。
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// MaxAgentBodyBytes はエージェントリクエストボディの上限。
const MaxAgentBodyBytes = 1 << 20

// RequestValidator はエージェントリクエストの署名検証を行うインターフェース。
// auth.Serviceが実装する。
type RequestValidator interface {
	ValidateRequest(ctx context.Context, token, signature string, rawBody []byte, timestamp string) (*auth.AgentIdentity, error)
}

// WindowChecker は受付時間帯の判定を行うインターフェース。
// auth.WindowGuardが実装する。
type WindowChecker interface {
	Check(ctx context.Context, now time.Time, meta auth.RequestMeta) error
}

// AgentAuth はエージェントAPIの認証と受付時間帯の制御を行う。
type AgentAuth struct {
	validator RequestValidator
	guard     WindowChecker
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// NewAgentAuth はAgentAuthを生成する。
func NewAgentAuth(validator RequestValidator, guard WindowChecker, collector metrics.MetricsCollector, logger *slog.Logger) *AgentAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentAuth{
		validator: validator,
		guard:     guard,
		metrics:   collector,
		logger:    logger,
		now:       time.Now,
	}
}

// Middleware はトークンと署名を検証し、受付時間帯を判定してから検証済みエージェントをコンテキストに注入する。
// 署名は生のリクエストボディに対して検証するため、ボディは読み取り後に巻き戻してハンドラーへ渡す。
//
//	ボディ読み取り → 署名検証(401) → 受付時間帯判定(403, 監査ログ) → ハンドラー
func (a *AgentAuth) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, ok := a.readBody(w, r)
			if !ok {
				return
			}

			identity, err := a.validator.ValidateRequest(r.Context(),
				bearerToken(r), r.Header.Get(HeaderSignature), body, r.Header.Get(HeaderTimestamp))
			if err != nil {
				a.reject(w, r, "unauthorized", err)
				return
			}

			meta := auth.RequestMeta{
				Endpoint:  r.URL.Path,
				IP:        clientIP(r),
				UserAgent: r.UserAgent(),
				RawBody:   body,
				UserID:    identity.UserID,
				DeviceID:  identity.DeviceID,
			}
			if err := a.guard.Check(r.Context(), a.now(), meta); err != nil {
				a.reject(w, r, "operational_window", err)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
		})
	}
}

// WindowMiddleware は受付時間帯の判定のみを行う。署名を持たないログインAPIに適用する。
func (a *AgentAuth) WindowMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, ok := a.readBody(w, r)
			if !ok {
				return
			}

			meta := auth.RequestMeta{
				Endpoint:  r.URL.Path,
				IP:        clientIP(r),
				UserAgent: r.UserAgent(),
				RawBody:   body,
			}
			if err := a.guard.Check(r.Context(), a.now(), meta); err != nil {
				a.reject(w, r, "operational_window", err)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func (a *AgentAuth) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil {
		return nil, true
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxAgentBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewInvalidRequestError("リクエストボディが大きすぎます"))
			return nil, false
		}
		WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディを読み取れません"))
		return nil, false
	}
	return body, true
}

func (a *AgentAuth) reject(w http.ResponseWriter, r *http.Request, reason string, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && a.metrics != nil {
		a.metrics.RecordAuthRejection(reason)
	}
	WriteError(w, r, a.logger, err)
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
