// Package cleanup は保持期間を超過したデータの削除ジョブを提供する。
// 期限切れデータの日次削除（未確定のアップロード許可、監査ログ）と、
// 週次の履歴削除（ジョブ実行履歴、アクティビティバッチ）の2種類がある。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Step は1テーブル分の削除処理。
type Step struct {
	Table string
	Query string
	Args  []interface{}
}

// CleanupJob は複数の削除処理を順に実行するジョブ。
// 冪等: 削除対象がない場合でもエラーにならない。
type CleanupJob struct {
	db     Executor
	logger *slog.Logger
	name   string
	steps  []Step
}

// NewExpiredDataJob は期限切れデータの削除ジョブを生成する。
// 有効期限を過ぎた未確定のアップロード許可と、auditRetentionDays日より古い監査ログを削除する。
func NewExpiredDataJob(db Executor, logger *slog.Logger, auditRetentionDays int) *CleanupJob {
	return &CleanupJob{
		db:     db,
		logger: logger,
		name:   "expired_cleanup",
		steps: []Step{
			{
				Table: "uploads",
				Query: `DELETE FROM uploads WHERE confirmed_at IS NULL AND expires_at < now()`,
			},
			{
				Table: "audit_logs",
				Query: `DELETE FROM audit_logs WHERE created_at < now() - $1::interval`,
				Args:  []interface{}{days(auditRetentionDays)},
			},
		},
	}
}

// NewDeepCleanupJob は履歴データの削除ジョブを生成する。
// historyRetentionDays日より古い確定済みのジョブ実行履歴とアクティビティバッチを削除する。
func NewDeepCleanupJob(db Executor, logger *slog.Logger, historyRetentionDays int) *CleanupJob {
	interval := days(historyRetentionDays)
	return &CleanupJob{
		db:     db,
		logger: logger,
		name:   "deep_cleanup",
		steps: []Step{
			{
				Table: "job_runs",
				Query: `DELETE FROM job_runs WHERE status <> 'RUNNING' AND started_at < now() - $1::interval`,
				Args:  []interface{}{interval},
			},
			{
				Table: "activity_batches",
				Query: `DELETE FROM activity_batches WHERE created_at < now() - $1::interval`,
				Args:  []interface{}{interval},
			},
		},
	}
}

func days(n int) string {
	return fmt.Sprintf("%d days", n)
}

// Run は削除処理を順に実行し、テーブルごとの削除件数を "table=count" 形式で返す。
// 途中で失敗した場合はそこまでの件数とエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) (string, error) {
	start := time.Now()

	counts := make([]string, 0, len(j.steps))
	var total int64
	for _, step := range j.steps {
		result, err := j.db.ExecContext(ctx, step.Query, step.Args...)
		if err != nil {
			j.logger.Error("クリーンアップジョブの実行に失敗しました",
				slog.String("job", j.name),
				slog.String("table", step.Table),
				slog.String("error", err.Error()),
			)
			return strings.Join(counts, " "), fmt.Errorf("%sの削除に失敗: %w", step.Table, err)
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			j.logger.Error("削除件数の取得に失敗しました",
				slog.String("job", j.name),
				slog.String("table", step.Table),
				slog.String("error", err.Error()),
			)
			return strings.Join(counts, " "), fmt.Errorf("削除件数の取得に失敗: %w", err)
		}
		total += deleted
		counts = append(counts, fmt.Sprintf("%s=%d", step.Table, deleted))
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.String("job", j.name),
		slog.Int64("deleted_count", total),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return strings.Join(counts, " "), nil
}
