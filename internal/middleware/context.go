// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/hitoshi/kintai/internal/auth"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityContextKey はリクエストコンテキストに検証済みエージェントを格納するためのキー。
var identityContextKey = contextKey("agent_identity")

// identityHolderKey はアクセスログ用に検証済みエージェントを受け取る入れ物のキー。
var identityHolderKey = contextKey("identity_holder")

type identityHolder struct {
	mu       sync.Mutex
	identity *auth.AgentIdentity
}

func (h *identityHolder) set(identity *auth.AgentIdentity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.identity = identity
}

func (h *identityHolder) get() *auth.AgentIdentity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identity
}

func withIdentityHolder(ctx context.Context, h *identityHolder) context.Context {
	return context.WithValue(ctx, identityHolderKey, h)
}

// ContextWithIdentity はコンテキストに検証済みエージェントを注入する。
// 外側にアクセスログミドルウェアがある場合はそちらにも通知する。
func ContextWithIdentity(ctx context.Context, identity *auth.AgentIdentity) context.Context {
	if h, ok := ctx.Value(identityHolderKey).(*identityHolder); ok {
		h.set(identity)
	}
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext はリクエストコンテキストから検証済みエージェントを取得する。
// エージェント認証ミドルウェアを通過したリクエストでのみ有効。
func IdentityFromContext(ctx context.Context) (*auth.AgentIdentity, error) {
	identity, ok := ctx.Value(identityContextKey).(*auth.AgentIdentity)
	if !ok || identity == nil || identity.UserID == "" {
		return nil, fmt.Errorf("agent identity not found in context")
	}
	return identity, nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	identity, err := IdentityFromContext(ctx)
	if err != nil {
		return "", err
	}
	return identity.UserID, nil
}

// clientIP はリクエスト元のIPアドレスを返す。X-Forwarded-Forがあれば先頭を使う。
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
