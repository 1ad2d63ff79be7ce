package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/kintai/internal/model"
)

// PostgresDailySummaryRepo はPostgreSQLを使用した日次集計リポジトリ。
type PostgresDailySummaryRepo struct {
	db *sql.DB
}

// NewPostgresDailySummaryRepo はPostgresDailySummaryRepoを生成する。
func NewPostgresDailySummaryRepo(db *sql.DB) *PostgresDailySummaryRepo {
	return &PostgresDailySummaryRepo{db: db}
}

const summaryReturning = `RETURNING user_id, work_date, billable_seconds, meets_daily_minimum, uploads_done, created_at, updated_at`

// Recompute は終了済みセッションの合計で日次集計を上書きする。
// 加算ではなく絶対値で書き込むため、何度実行しても二重計上にならない。
func (r *PostgresDailySummaryRepo) Recompute(ctx context.Context, userID string, workDate time.Time, dailyMinimum int64) (*model.DailySummary, error) {
	s := &model.DailySummary{}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO daily_summaries (user_id, work_date, billable_seconds, meets_daily_minimum)
		 SELECT $1, $2::date, COALESCE(SUM(active_seconds), 0), COALESCE(SUM(active_seconds), 0) >= $3::bigint
		 FROM timer_sessions
		 WHERE user_id = $1 AND work_date = $2::date AND ended_at IS NOT NULL
		 ON CONFLICT (user_id, work_date) DO UPDATE
		   SET billable_seconds = EXCLUDED.billable_seconds,
		       meets_daily_minimum = EXCLUDED.meets_daily_minimum,
		       updated_at = now()
		 `+summaryReturning,
		userID, dateParam(workDate), dailyMinimum,
	).Scan(&s.UserID, &s.WorkDate, &s.BillableSeconds, &s.MeetsDailyMinimum, &s.UploadsDone, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute daily summary: %w", err)
	}
	return s, nil
}

// RefreshMinimum は指定日の全集計のmeets_daily_minimumを再評価する。
func (r *PostgresDailySummaryRepo) RefreshMinimum(ctx context.Context, workDate time.Time, dailyMinimum int64) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE daily_summaries
		 SET meets_daily_minimum = billable_seconds >= $2::bigint, updated_at = now()
		 WHERE work_date = $1::date AND meets_daily_minimum <> (billable_seconds >= $2::bigint)`,
		dateParam(workDate), dailyMinimum,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh daily minimum: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// ListByUserRange は[from, to]の日次集計を日付昇順で返す。
func (r *PostgresDailySummaryRepo) ListByUserRange(ctx context.Context, userID string, from, to time.Time) ([]*model.DailySummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, work_date, billable_seconds, meets_daily_minimum, uploads_done, created_at, updated_at
		 FROM daily_summaries
		 WHERE user_id = $1 AND work_date BETWEEN $2::date AND $3::date
		 ORDER BY work_date`,
		userID, dateParam(from), dateParam(to),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list daily summaries: %w", err)
	}
	defer rows.Close()

	var list []*model.DailySummary
	for rows.Next() {
		s := &model.DailySummary{}
		if err := rows.Scan(&s.UserID, &s.WorkDate, &s.BillableSeconds, &s.MeetsDailyMinimum, &s.UploadsDone, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan daily summary: %w", err)
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate daily summaries: %w", err)
	}
	return list, nil
}

// MarkUploadsDone は指定日のuploads_doneをtrueにする。
func (r *PostgresDailySummaryRepo) MarkUploadsDone(ctx context.Context, userID string, workDate time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO daily_summaries (user_id, work_date, uploads_done)
		 VALUES ($1, $2::date, true)
		 ON CONFLICT (user_id, work_date) DO UPDATE SET uploads_done = true, updated_at = now()`,
		userID, dateParam(workDate),
	)
	if err != nil {
		return fmt.Errorf("failed to mark uploads done: %w", err)
	}
	return nil
}

// PostgresStreakRepo はPostgreSQLを使用した連続達成日数リポジトリ。
type PostgresStreakRepo struct {
	db *sql.DB
}

// NewPostgresStreakRepo はPostgresStreakRepoを生成する。
func NewPostgresStreakRepo(db *sql.DB) *PostgresStreakRepo {
	return &PostgresStreakRepo{db: db}
}

// Upsert は連続達成日数を保存する。
func (r *PostgresStreakRepo) Upsert(ctx context.Context, s *model.Streak) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO streaks (user_id, current_days, last_evaluated_on, updated_at)
		 VALUES ($1, $2, $3::date, $4)
		 ON CONFLICT (user_id) DO UPDATE
		   SET current_days = EXCLUDED.current_days,
		       last_evaluated_on = EXCLUDED.last_evaluated_on,
		       updated_at = EXCLUDED.updated_at`,
		s.UserID, s.CurrentDays, dateParam(s.LastEvaluatedOn), s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert streak: %w", err)
	}
	return nil
}

// FindByUserID は指定ユーザーの連続達成日数を取得する。見つからない場合はnilを返す。
func (r *PostgresStreakRepo) FindByUserID(ctx context.Context, userID string) (*model.Streak, error) {
	s := &model.Streak{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, current_days, last_evaluated_on, updated_at FROM streaks WHERE user_id = $1`,
		userID,
	).Scan(&s.UserID, &s.CurrentDays, &s.LastEvaluatedOn, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find streak: %w", err)
	}
	return s, nil
}

// compile-time interface check
var (
	_ DailySummaryRepository = (*PostgresDailySummaryRepo)(nil)
	_ StreakRepository       = (*PostgresStreakRepo)(nil)
)
