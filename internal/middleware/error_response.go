package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/kintai/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// StatusForError はAPIErrorのカテゴリからHTTPステータスコードを決定する。
// stateカテゴリのうち *_NOT_FOUND コードは404とする。
func StatusForError(apiErr *model.APIError) int {
	switch apiErr.Category {
	case model.CategoryAuthentication:
		return http.StatusUnauthorized
	case model.CategoryAuthorization:
		return http.StatusForbidden
	case model.CategoryValidation:
		return http.StatusBadRequest
	case model.CategoryState:
		if strings.HasSuffix(apiErr.Code, "_NOT_FOUND") {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case model.CategoryConflict:
		return http.StatusConflict
	case model.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteError はerrをHTTPレスポンスに変換する。
// APIErrorはカテゴリに応じたステータスで返し、それ以外はログに記録して500を返す。
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		WriteErrorResponse(w, StatusForError(apiErr), apiErr)
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("内部エラーが発生しました",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	WriteInternalServerError(w)
}
