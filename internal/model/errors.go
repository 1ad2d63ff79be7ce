// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIやエージェントに返す原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: authentication, authorization, validation, state, conflict, rate_limit, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryAuthentication = "authentication"
	CategoryAuthorization  = "authorization"
	CategoryValidation     = "validation"
	CategoryState          = "state"
	CategoryConflict       = "conflict"
	CategoryRateLimit      = "rate_limit"
	CategorySystem         = "system"
)

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials      = "INVALID_CREDENTIALS"
	ErrCodeUnauthorized            = "UNAUTHORIZED"
	ErrCodeRoleNotEligible         = "ROLE_NOT_ELIGIBLE"
	ErrCodeNoEmployment            = "NO_EMPLOYMENT"
	ErrCodeDeviceOwnedByOther      = "DEVICE_OWNED_BY_OTHER"
	ErrCodeOperationalWindow       = "OPERATIONAL_WINDOW"
	ErrCodeAdminRequired           = "ADMIN_REQUIRED"
	ErrCodeInvalidRequest          = "INVALID_REQUEST"
	ErrCodeEmptyBatch              = "EMPTY_BATCH"
	ErrCodeBatchTooLarge           = "BATCH_TOO_LARGE"
	ErrCodeInvalidActivity         = "INVALID_ACTIVITY"
	ErrCodeInvalidWeek             = "INVALID_WEEK"
	ErrCodeSessionAlreadyOpen      = "SESSION_ALREADY_OPEN"
	ErrCodeSessionNotFound         = "SESSION_NOT_FOUND"
	ErrCodeSessionAlreadyPaused    = "SESSION_ALREADY_PAUSED"
	ErrCodeSessionNotPaused        = "SESSION_NOT_PAUSED"
	ErrCodePayrollWeekNotFound     = "PAYROLL_WEEK_NOT_FOUND"
	ErrCodePayrollStatusTransition = "PAYROLL_STATUS_TRANSITION"
	ErrCodeUploadNotFound          = "UPLOAD_NOT_FOUND"
	ErrCodeUploadExpired           = "UPLOAD_EXPIRED"
	ErrCodeJobNotFound             = "JOB_NOT_FOUND"
	ErrCodeJobAlreadyRunning       = "JOB_ALREADY_RUNNING"
	ErrCodeJobCooldown             = "JOB_COOLDOWN"
	ErrCodeRateLimited             = "RATE_LIMITED"
	ErrCodeInternal                = "INTERNAL_ERROR"
)

// NewInvalidCredentialsError は認証失敗エラーを生成する。
// どの検証に失敗したかは利用者に開示しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "認証に失敗しました。",
		Category: CategoryAuthentication,
		Action:   "メールアドレスとパスワードを確認してください。",
	}
}

// NewUnauthorizedError はトークンまたは署名の検証失敗エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "unauthorized",
		Category: CategoryAuthentication,
		Action:   "エージェントから再ログインしてください。",
	}
}

// NewRoleNotEligibleError は従業員ロール以外のログインを拒否するエラーを生成する。
func NewRoleNotEligibleError(role string) *APIError {
	return &APIError{
		Code:     ErrCodeRoleNotEligible,
		Message:  fmt.Sprintf("このロールではエージェントを利用できません: %s", role),
		Category: CategoryAuthorization,
		Action:   "管理者に雇用状況を確認してください。",
	}
}

// NewNoEmploymentError は雇用レコードが存在しない場合のエラーを生成する。
func NewNoEmploymentError() *APIError {
	return &APIError{
		Code:     ErrCodeNoEmployment,
		Message:  "雇用情報が登録されていません。",
		Category: CategoryAuthorization,
		Action:   "管理者に雇用情報の登録を依頼してください。",
	}
}

// NewDeviceOwnedByOtherError は他ユーザーに登録済みのデバイスIDでログインした場合のエラーを生成する。
func NewDeviceOwnedByOtherError() *APIError {
	return &APIError{
		Code:     ErrCodeDeviceOwnedByOther,
		Message:  "このデバイスは別のユーザーに登録されています。",
		Category: CategoryAuthorization,
		Action:   "エージェントを再インストールして新しいデバイスIDを発行してください。",
	}
}

// NewOperationalWindowError は稼働時間帯外のリクエストを拒否するエラーを生成する。
func NewOperationalWindowError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeOperationalWindow,
		Message:  fmt.Sprintf("稼働時間帯外のリクエストです: %s", reason),
		Category: CategoryAuthorization,
		Action:   "稼働時間帯内に再度お試しください。",
	}
}

// NewAdminRequiredError は管理トークンが無い、または不正な場合のエラーを生成する。
func NewAdminRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAdminRequired,
		Message:  "管理者トークンが必要です。",
		Category: CategoryAuthorization,
		Action:   "X-Admin-Tokenヘッダーを確認してください。",
	}
}

// NewInvalidRequestError はリクエスト形式の不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewEmptyBatchError は空のアクティビティバッチを拒否するエラーを生成する。
func NewEmptyBatchError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyBatch,
		Message:  "アクティビティが1件も含まれていません。",
		Category: CategoryValidation,
		Action:   "1件以上のアクティビティを送信してください。",
	}
}

// NewBatchTooLargeError は上限件数を超えるアクティビティバッチを拒否するエラーを生成する。
func NewBatchTooLargeError(limit int) *APIError {
	return &APIError{
		Code:     ErrCodeBatchTooLarge,
		Message:  fmt.Sprintf("アクティビティ件数が上限（%d件）を超えています。", limit),
		Category: CategoryValidation,
		Action:   "バッチを分割して送信してください。",
	}
}

// NewInvalidActivityError は不正なアクティビティイベントのエラーを生成する。
func NewInvalidActivityError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidActivity,
		Message:  fmt.Sprintf("不正なアクティビティです: %s", reason),
		Category: CategoryValidation,
		Action:   "イベント種別とタイムスタンプを確認してください。",
	}
}

// NewInvalidWeekError は給与計算期間の指定が不正な場合のエラーを生成する。
func NewInvalidWeekError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidWeek,
		Message:  fmt.Sprintf("給与計算期間が不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "weekStartとweekEndはYYYY-MM-DD形式で、6日差（7日間）になるよう指定してください。",
	}
}

// NewSessionAlreadyOpenError は同一デバイスで計測中のセッションが既にある場合のエラーを生成する。
func NewSessionAlreadyOpenError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionAlreadyOpen,
		Message:  "このデバイスでは既に計測中のセッションがあります。",
		Category: CategoryState,
		Action:   "現在のセッションを停止してから開始してください。",
	}
}

// NewSessionNotFoundError は計測中のセッションが見つからない場合のエラーを生成する。
func NewSessionNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  "計測中のセッションが見つかりません。",
		Category: CategoryState,
		Action:   "タイマーを開始してから操作してください。",
	}
}

// NewSessionAlreadyPausedError は一時停止中のセッションを再度一時停止しようとした場合のエラーを生成する。
func NewSessionAlreadyPausedError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionAlreadyPaused,
		Message:  "セッションは既に一時停止中です。",
		Category: CategoryState,
		Action:   "再開してから一時停止してください。",
	}
}

// NewSessionNotPausedError は一時停止していないセッションを再開しようとした場合のエラーを生成する。
func NewSessionNotPausedError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotPaused,
		Message:  "セッションは一時停止していません。",
		Category: CategoryState,
		Action:   "エージェントのタイマー状態を確認してください。",
	}
}

// NewPayrollWeekNotFoundError は給与週レコードが見つからない場合のエラーを生成する。
func NewPayrollWeekNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodePayrollWeekNotFound,
		Message:  fmt.Sprintf("指定された給与週が見つかりません: %s", id),
		Category: CategoryState,
		Action:   "給与週IDを確認してください。",
	}
}

// NewPayrollStatusTransitionError は許可されていない給与ステータス遷移のエラーを生成する。
func NewPayrollStatusTransitionError(from, to PayrollStatus) *APIError {
	return &APIError{
		Code:     ErrCodePayrollStatusTransition,
		Message:  fmt.Sprintf("給与ステータスを %s から %s に変更できません。", from, to),
		Category: CategoryState,
		Action:   "支払い済みの給与週は変更できません。",
	}
}

// NewUploadNotFoundError はアップロード許可が見つからない場合のエラーを生成する。
func NewUploadNotFoundError(fileKey string) *APIError {
	return &APIError{
		Code:     ErrCodeUploadNotFound,
		Message:  fmt.Sprintf("アップロード許可が見つかりません: %s", fileKey),
		Category: CategoryState,
		Action:   "presignからやり直してください。",
	}
}

// NewUploadExpiredError はアップロード許可の有効期限切れエラーを生成する。
func NewUploadExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeUploadExpired,
		Message:  "アップロード許可の有効期限が切れています。",
		Category: CategoryState,
		Action:   "presignからやり直してください。",
	}
}

// NewJobNotFoundError は未登録ジョブ名のエラーを生成する。
func NewJobNotFoundError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeJobNotFound,
		Message:  fmt.Sprintf("ジョブが登録されていません: %s", name),
		Category: CategoryState,
		Action:   "GET /jobs で登録済みジョブを確認してください。",
	}
}

// NewJobAlreadyRunningError は実行中ジョブの多重起動エラーを生成する。
func NewJobAlreadyRunningError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeJobAlreadyRunning,
		Message:  fmt.Sprintf("ジョブは実行中です: %s", name),
		Category: CategoryConflict,
		Action:   "完了を待つか、force=true で強制実行してください。",
	}
}

// NewJobCooldownError はクールダウン期間中の再実行エラーを生成する。
func NewJobCooldownError(name string, remainingSeconds int) *APIError {
	return &APIError{
		Code:     ErrCodeJobCooldown,
		Message:  fmt.Sprintf("ジョブ %s は直近に完了しています（残り%d秒）。", name, remainingSeconds),
		Category: CategoryRateLimit,
		Action:   "時間をおくか、force=true で強制実行してください。",
	}
}

// NewRateLimitedError はリクエスト過多のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: CategoryRateLimit,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	}
}
