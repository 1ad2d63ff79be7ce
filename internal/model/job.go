// Package model はドメインモデルを定義する。
package model

import "time"

// JobRunStatus はジョブ実行のステータスを表す。
type JobRunStatus string

const (
	JobRunRunning   JobRunStatus = "RUNNING"
	JobRunCompleted JobRunStatus = "COMPLETED"
	JobRunFailed    JobRunStatus = "FAILED"
)

// JobTrigger はジョブ実行のきっかけを表す。
type JobTrigger string

const (
	JobTriggerSchedule JobTrigger = "schedule"
	JobTriggerManual   JobTrigger = "manual"
)

// JobRun はジョブ1回分の実行記録。追記のみで更新はステータス確定時の1回だけ。
type JobRun struct {
	RunID       string
	JobName     string
	Status      JobRunStatus
	Trigger     JobTrigger
	Forced      bool
	StartedAt   time.Time
	CompletedAt *time.Time
	Result      string
}

// Duration は実行時間を返す。未完了の場合は0を返す。
func (r *JobRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// JobRunStats はジョブ実行履歴の集計値。
type JobRunStats struct {
	Total             int
	Completed         int
	Failed            int
	Running           int
	AverageDurationMs int64
	LastCompletedAt   *time.Time
}

// AuditRecord は拒否されたエージェントリクエストの監査記録。
type AuditRecord struct {
	ID        string
	UserID    string
	DeviceID  string
	Endpoint  string
	IP        string
	UserAgent string
	RawBody   string
	Code      string
	Reason    string
	CreatedAt time.Time
}

// UploadKind はpresignアップロードの種別を表す。
type UploadKind string

const (
	UploadKindScreenshot UploadKind = "screenshot"
	UploadKindRecording  UploadKind = "recording"
)

// Upload はオブジェクトストレージへの直接アップロード許可を表す。
type Upload struct {
	FileKey     string
	UserID      string
	DeviceID    string
	Kind        UploadKind
	WorkDate    time.Time
	ExpiresAt   time.Time
	ConfirmedAt *time.Time
	CreatedAt   time.Time
}
