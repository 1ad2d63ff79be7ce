package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/hitoshi/kintai/internal/model"
)

// HeaderAdminToken は管理APIの認証ヘッダー。
const HeaderAdminToken = "X-Admin-Token"

// NewAdminTokenMiddleware は管理APIをX-Admin-Tokenヘッダーで保護するミドルウェアを返す。
// トークンは定数時間で比較する。設定が空の場合はすべて拒否する。
func NewAdminTokenMiddleware(adminToken string) func(next http.Handler) http.Handler {
	expected := []byte(adminToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(HeaderAdminToken))
			if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
				WriteErrorResponse(w, http.StatusForbidden, model.NewAdminRequiredError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
