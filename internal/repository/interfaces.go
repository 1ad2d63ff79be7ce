// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/kintai/internal/model"
)

// UserRepository はユーザーデータの参照インターフェース。
// ユーザーの登録・編集は管理画面側の責務であり、ここでは読み取りのみを扱う。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)
}

// EmploymentRepository は雇用情報の参照インターフェース。
type EmploymentRepository interface {
	// FindByUserID は指定ユーザーの雇用情報を取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Employment, error)

	// ListByRoles は指定ロールのいずれかを持つ雇用情報を返す。
	ListByRoles(ctx context.Context, roles []string) ([]*model.Employment, error)
}

// DeviceRepository はエージェントデバイスの永続化インターフェース。
type DeviceRepository interface {
	// FindByID は指定IDのデバイスを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Device, error)

	// Upsert はデバイスを登録、または既存デバイスのinfoとlast_login_atを更新する。
	// secretは新規登録時のみ保存され、既存デバイスでは保存済みの値を返す。
	// デバイスが別ユーザーに登録済みの場合はnilを返す。
	Upsert(ctx context.Context, device *model.Device) (*model.Device, error)
}

// CloseSessionParams はセッション終了時の確定値。
type CloseSessionParams struct {
	SessionID     string
	UserID        string
	EndedAt       time.Time
	ActiveSeconds int64
	WorkDate      time.Time
	DailyMinimum  int64
}

// TimerSessionRepository はタイマーセッションと一時停止台帳の永続化インターフェース。
type TimerSessionRepository interface {
	// Create はセッションを作成する。
	// 同一(ユーザー, デバイス)に未終了セッションがある場合はErrDuplicateを返す。
	Create(ctx context.Context, session *model.TimerSession) error

	// FindOpen は(ユーザー, デバイス)の未終了セッションを一時停止台帳付きで取得する。
	// 見つからない場合はnilを返す。
	FindOpen(ctx context.Context, userID, deviceID string) (*model.TimerSession, error)

	// FindByID は指定IDのセッションを一時停止台帳付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.TimerSession, error)

	// AddPause は一時停止エントリを追加する。
	// 同一セッションに終了していない一時停止がある場合はErrDuplicateを返す。
	AddPause(ctx context.Context, pause *model.PauseEvent) error

	// EndPause は終了していない一時停止エントリをendedAtで閉じる。
	// 閉じるエントリがない場合はErrNotFoundを返す。
	EndPause(ctx context.Context, sessionID string, endedAt time.Time) error

	// Close はセッションを終了し、確定した稼働秒数を日次集計へ加算する。
	// セッション終了・一時停止の終了・日次集計の更新は同一トランザクションで行う。
	// 未終了のセッションが見つからない場合はErrNotFoundを返し、日次集計は変更しない。
	Close(ctx context.Context, params CloseSessionParams) (*model.DailySummary, error)

	// ListTouchedSince はsince以降に終了したセッションの(ユーザー, 日付)を重複なく返す。
	ListTouchedSince(ctx context.Context, since time.Time) ([]model.UserDay, error)
}

// ActivityRepository はアクティビティバッチ集計の永続化インターフェース。
type ActivityRepository interface {
	// Create はバッチ集計を保存する。
	// 同一(ユーザー, バッチID)が保存済みの場合はErrDuplicateを返す。
	Create(ctx context.Context, batch *model.ActivityBatch) error

	// FindByBatchID は(ユーザー, バッチID)で保存済みのバッチを取得する。見つからない場合はnilを返す。
	FindByBatchID(ctx context.Context, userID, batchID string) (*model.ActivityBatch, error)
}

// DailySummaryRepository は日次集計の永続化インターフェース。
type DailySummaryRepository interface {
	// Recompute は終了済みセッションから(ユーザー, 日付)の稼働秒数を再計算して上書きする。
	// 何度実行しても同じ結果になる。
	Recompute(ctx context.Context, userID string, workDate time.Time, dailyMinimum int64) (*model.DailySummary, error)

	// RefreshMinimum は指定日の全集計についてmeets_daily_minimumを再評価し、変更件数を返す。
	RefreshMinimum(ctx context.Context, workDate time.Time, dailyMinimum int64) (int64, error)

	// ListByUserRange は[from, to]の日次集計を日付昇順で返す。集計のない日は含まない。
	ListByUserRange(ctx context.Context, userID string, from, to time.Time) ([]*model.DailySummary, error)

	// MarkUploadsDone は指定日のuploads_doneをtrueにする。集計行がなければ作成する。
	MarkUploadsDone(ctx context.Context, userID string, workDate time.Time) error
}

// StreakRepository は連続達成日数の永続化インターフェース。
type StreakRepository interface {
	// Upsert は連続達成日数を保存する。
	Upsert(ctx context.Context, streak *model.Streak) error

	// FindByUserID は指定ユーザーの連続達成日数を取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Streak, error)
}

// PayrollRepository は給与週の永続化インターフェース。
type PayrollRepository interface {
	// CreateWeek は給与週を作成する。
	// (ユーザー, 週開始日)が作成済みの場合は何もせずfalseを返す。
	// applySecurityFundがtrueの場合、同一トランザクションでsecurity_fund_deductedをtrueにする。
	// 既に控除済みだった場合はロールバックしてErrFundAlreadyDeductedを返す。
	CreateWeek(ctx context.Context, week *model.PayrollWeek, applySecurityFund bool) (bool, error)

	// FindByID は指定IDの給与週を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.PayrollWeek, error)

	// FindByUserWeek は(ユーザー, 週開始日)の給与週を取得する。見つからない場合はnilを返す。
	FindByUserWeek(ctx context.Context, userID string, weekStart time.Time) (*model.PayrollWeek, error)

	// ListByWeek は指定週の給与週をユーザーID順で返す。
	ListByWeek(ctx context.Context, weekStart time.Time) ([]*model.PayrollWeek, error)

	// UpdateStatus はステータスがfromの場合のみtoへ更新する。
	// ステータスが既に変わっていた場合はErrNotFoundを返す。
	UpdateStatus(ctx context.Context, id string, from, to model.PayrollStatus) error
}

// PenaltyRepository はペナルティの永続化インターフェース。
type PenaltyRepository interface {
	// Create はペナルティを作成する。同一dedupe_keyが存在する場合は何もせずfalseを返す。
	Create(ctx context.Context, penalty *model.Penalty) (bool, error)

	// SumByUserWeek は(ユーザー, 給与週開始日)に紐付くペナルティの合計額を返す。
	SumByUserWeek(ctx context.Context, userID string, weekStart time.Time) (model.Money, error)
}

// JobRunRepository はジョブ実行履歴の永続化インターフェース。
type JobRunRepository interface {
	// Start はRUNNINGの実行記録を作成する。
	// 同一ジョブ名でRUNNINGの記録がある場合はErrDuplicateを返す。
	Start(ctx context.Context, run *model.JobRun) error

	// Finish は実行記録をCOMPLETEDまたはFAILEDで確定する。
	Finish(ctx context.Context, runID string, status model.JobRunStatus, result string, completedAt time.Time) error

	// FindRunning はRUNNINGの実行記録を取得する。見つからない場合はnilを返す。
	FindRunning(ctx context.Context, jobName string) (*model.JobRun, error)

	// FindLastCompleted は直近のCOMPLETEDの実行記録を取得する。見つからない場合はnilを返す。
	FindLastCompleted(ctx context.Context, jobName string) (*model.JobRun, error)

	// Supersede はRUNNINGの実行記録をFAILEDにし、件数を返す。強制実行時に使用する。
	Supersede(ctx context.Context, jobName, reason string, at time.Time) (int64, error)

	// List は実行記録を開始日時の降順で返す。jobNameが空の場合は全ジョブを対象とする。
	List(ctx context.Context, jobName string, limit int) ([]*model.JobRun, error)

	// Stats は実行記録の集計値を返す。jobNameが空の場合は全ジョブを対象とする。
	Stats(ctx context.Context, jobName string) (*model.JobRunStats, error)
}

// LeaseRepository はスケジューラのリース（複数インスタンス間の所有権）の永続化インターフェース。
type LeaseRepository interface {
	// Acquire はリースを取得または更新する。
	// 別の保持者の有効なリースがある場合はfalseを返す。
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)

	// Release は保持しているリースを解放する。
	Release(ctx context.Context, name, holder string) error
}

// AuditRepository は監査ログの永続化インターフェース。
type AuditRepository interface {
	// Create は監査ログを1件書き込む。
	Create(ctx context.Context, record *model.AuditRecord) error
}

// UploadRepository はアップロード許可の永続化インターフェース。
type UploadRepository interface {
	// Create はアップロード許可を保存する。
	Create(ctx context.Context, upload *model.Upload) error

	// FindByFileKey は指定キーのアップロード許可を取得する。見つからない場合はnilを返す。
	FindByFileKey(ctx context.Context, fileKey string) (*model.Upload, error)

	// Confirm はアップロード完了日時を記録する。
	Confirm(ctx context.Context, fileKey string, at time.Time) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
