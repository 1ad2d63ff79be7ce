package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/kintai/internal/model"
)

// PostgresJobRunRepo はPostgreSQLを使用したジョブ実行履歴リポジトリ。
type PostgresJobRunRepo struct {
	db *sql.DB
}

// NewPostgresJobRunRepo はPostgresJobRunRepoを生成する。
func NewPostgresJobRunRepo(db *sql.DB) *PostgresJobRunRepo {
	return &PostgresJobRunRepo{db: db}
}

// Start はRUNNINGの実行記録を作成する。
// ジョブ名ごとのRUNNING部分ユニークインデックスに違反した場合はErrDuplicateを返す。
func (r *PostgresJobRunRepo) Start(ctx context.Context, run *model.JobRun) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO job_runs (run_id, job_name, status, triggered_by, forced, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.RunID, run.JobName, string(run.Status), string(run.Trigger), run.Forced, run.StartedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert job run: %w", err)
	}
	return nil
}

// Finish は実行記録を確定する。RUNNING以外の記録は更新しない。
func (r *PostgresJobRunRepo) Finish(ctx context.Context, runID string, status model.JobRunStatus, result string, completedAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE job_runs SET status = $2, result = $3, completed_at = $4
		 WHERE run_id = $1 AND status = 'RUNNING'`,
		runID, string(status), result, completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to finish job run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectJobRunColumns = `
	SELECT run_id, job_name, status, triggered_by, forced, started_at, completed_at, result
	FROM job_runs`

// FindRunning はRUNNINGの実行記録を取得する。見つからない場合はnilを返す。
func (r *PostgresJobRunRepo) FindRunning(ctx context.Context, jobName string) (*model.JobRun, error) {
	return r.findOne(ctx, selectJobRunColumns+` WHERE job_name = $1 AND status = 'RUNNING'`, jobName)
}

// FindLastCompleted は直近のCOMPLETEDの実行記録を取得する。見つからない場合はnilを返す。
func (r *PostgresJobRunRepo) FindLastCompleted(ctx context.Context, jobName string) (*model.JobRun, error) {
	return r.findOne(ctx,
		selectJobRunColumns+` WHERE job_name = $1 AND status = 'COMPLETED' ORDER BY completed_at DESC LIMIT 1`,
		jobName,
	)
}

func (r *PostgresJobRunRepo) findOne(ctx context.Context, query string, args ...interface{}) (*model.JobRun, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find job run: %w", err)
	}
	defer rows.Close()

	runs, err := scanJobRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

// Supersede はRUNNINGの実行記録をFAILEDにする。
func (r *PostgresJobRunRepo) Supersede(ctx context.Context, jobName, reason string, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE job_runs SET status = 'FAILED', result = $2, completed_at = $3
		 WHERE job_name = $1 AND status = 'RUNNING'`,
		jobName, reason, at,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to supersede job run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// List は実行記録を開始日時の降順で返す。
func (r *PostgresJobRunRepo) List(ctx context.Context, jobName string, limit int) ([]*model.JobRun, error) {
	rows, err := r.db.QueryContext(ctx,
		selectJobRunColumns+`
		WHERE ($1::text = '' OR job_name = $1::text)
		ORDER BY started_at DESC
		LIMIT $2`,
		jobName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list job runs: %w", err)
	}
	defer rows.Close()
	return scanJobRuns(rows)
}

// Stats は実行記録の集計値を返す。
func (r *PostgresJobRunRepo) Stats(ctx context.Context, jobName string) (*model.JobRunStats, error) {
	stats := &model.JobRunStats{}
	var lastCompleted sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE status = 'COMPLETED'),
		        count(*) FILTER (WHERE status = 'FAILED'),
		        count(*) FILTER (WHERE status = 'RUNNING'),
		        COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000) FILTER (WHERE completed_at IS NOT NULL), 0)::bigint,
		        MAX(completed_at) FILTER (WHERE status = 'COMPLETED')
		 FROM job_runs
		 WHERE ($1::text = '' OR job_name = $1::text)`,
		jobName,
	).Scan(&stats.Total, &stats.Completed, &stats.Failed, &stats.Running, &stats.AverageDurationMs, &lastCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate job runs: %w", err)
	}
	if lastCompleted.Valid {
		stats.LastCompletedAt = &lastCompleted.Time
	}
	return stats, nil
}

func scanJobRuns(rows *sql.Rows) ([]*model.JobRun, error) {
	var runs []*model.JobRun
	for rows.Next() {
		run := &model.JobRun{}
		var status, trigger string
		var completedAt sql.NullTime
		if err := rows.Scan(&run.RunID, &run.JobName, &status, &trigger, &run.Forced, &run.StartedAt, &completedAt, &run.Result); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		run.Status = model.JobRunStatus(status)
		run.Trigger = model.JobTrigger(trigger)
		if completedAt.Valid {
			t := completedAt.Time
			run.CompletedAt = &t
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job runs: %w", err)
	}
	return runs, nil
}

// PostgresLeaseRepo はPostgreSQLを使用したスケジューラリースリポジトリ。
type PostgresLeaseRepo struct {
	db *sql.DB
}

// NewPostgresLeaseRepo はPostgresLeaseRepoを生成する。
func NewPostgresLeaseRepo(db *sql.DB) *PostgresLeaseRepo {
	return &PostgresLeaseRepo{db: db}
}

// Acquire はリースを取得または更新する。
// 自分が保持しているリース、または期限切れのリースのみ上書きできる。
func (r *PostgresLeaseRepo) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	var got string
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO scheduler_leases (name, holder, acquired_at, expires_at)
		 VALUES ($1, $2, now(), now() + $3::interval)
		 ON CONFLICT (name) DO UPDATE
		   SET holder = EXCLUDED.holder,
		       acquired_at = CASE WHEN scheduler_leases.holder = EXCLUDED.holder
		                          THEN scheduler_leases.acquired_at ELSE EXCLUDED.acquired_at END,
		       expires_at = EXCLUDED.expires_at
		   WHERE scheduler_leases.holder = EXCLUDED.holder OR scheduler_leases.expires_at < now()
		 RETURNING holder`,
		name, holder, fmt.Sprintf("%d seconds", int64(ttl/time.Second)),
	).Scan(&got)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return got == holder, nil
}

// Release は保持しているリースを解放する。他の保持者のリースは削除しない。
func (r *PostgresLeaseRepo) Release(ctx context.Context, name, holder string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM scheduler_leases WHERE name = $1 AND holder = $2`,
		name, holder,
	); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ JobRunRepository = (*PostgresJobRunRepo)(nil)
	_ LeaseRepository  = (*PostgresLeaseRepo)(nil)
)
