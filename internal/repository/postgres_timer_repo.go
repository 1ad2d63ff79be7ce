package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/kintai/internal/model"
)

// PostgresTimerSessionRepo はPostgreSQLを使用したタイマーセッションリポジトリ。
type PostgresTimerSessionRepo struct {
	db *sql.DB
}

// NewPostgresTimerSessionRepo はPostgresTimerSessionRepoを生成する。
func NewPostgresTimerSessionRepo(db *sql.DB) *PostgresTimerSessionRepo {
	return &PostgresTimerSessionRepo{db: db}
}

// dateParam はDATE型パラメータ用に日付部分のみを文字列化する。
func dateParam(t time.Time) string {
	return t.Format(model.DateLayout)
}

// Create はセッションを作成する。未終了セッションの部分ユニークインデックスに違反した場合はErrDuplicateを返す。
func (r *PostgresTimerSessionRepo) Create(ctx context.Context, s *model.TimerSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO timer_sessions (id, user_id, device_id, started_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.UserID, s.DeviceID, s.StartedAt, s.CreatedAt, s.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert timer session: %w", err)
	}
	return nil
}

const selectSessionColumns = `
	SELECT id, user_id, device_id, started_at, ended_at, active_seconds, work_date, created_at, updated_at
	FROM timer_sessions`

// FindOpen は(ユーザー, デバイス)の未終了セッションを取得する。見つからない場合はnilを返す。
func (r *PostgresTimerSessionRepo) FindOpen(ctx context.Context, userID, deviceID string) (*model.TimerSession, error) {
	s, err := r.findOne(ctx, selectSessionColumns+` WHERE user_id = $1 AND device_id = $2 AND ended_at IS NULL`, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to find open timer session: %w", err)
	}
	return s, nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresTimerSessionRepo) FindByID(ctx context.Context, id string) (*model.TimerSession, error) {
	s, err := r.findOne(ctx, selectSessionColumns+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find timer session: %w", err)
	}
	return s, nil
}

func (r *PostgresTimerSessionRepo) findOne(ctx context.Context, query string, args ...interface{}) (*model.TimerSession, error) {
	s := &model.TimerSession{}
	var endedAt, workDate sql.NullTime
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&s.ID, &s.UserID, &s.DeviceID, &s.StartedAt, &endedAt, &s.ActiveSeconds, &workDate, &s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	if workDate.Valid {
		s.WorkDate = &workDate.Time
	}

	pauses, err := r.listPauses(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	s.Pauses = pauses
	return s, nil
}

func (r *PostgresTimerSessionRepo) listPauses(ctx context.Context, sessionID string) ([]model.PauseEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, started_at, reason, note, expected_seconds, ended_at
		 FROM timer_pauses WHERE session_id = $1 ORDER BY started_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pauses: %w", err)
	}
	defer rows.Close()

	var pauses []model.PauseEvent
	for rows.Next() {
		var p model.PauseEvent
		var reason string
		var expectedSeconds int64
		var endedAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.SessionID, &p.StartedAt, &reason, &p.Note, &expectedSeconds, &endedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pause: %w", err)
		}
		p.Reason = model.PauseReason(reason)
		p.ExpectedDuration = time.Duration(expectedSeconds) * time.Second
		if endedAt.Valid {
			t := endedAt.Time
			p.EndedAt = &t
		}
		pauses = append(pauses, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pauses: %w", err)
	}
	return pauses, nil
}

// AddPause は一時停止エントリを追加する。終了していない一時停止が既にある場合はErrDuplicateを返す。
func (r *PostgresTimerSessionRepo) AddPause(ctx context.Context, p *model.PauseEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO timer_pauses (id, session_id, started_at, reason, note, expected_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.SessionID, p.StartedAt, string(p.Reason), p.Note, int64(p.ExpectedDuration/time.Second),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert pause: %w", err)
	}
	return nil
}

// EndPause は終了していない一時停止エントリを閉じる。
func (r *PostgresTimerSessionRepo) EndPause(ctx context.Context, sessionID string, endedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE timer_pauses SET ended_at = $2 WHERE session_id = $1 AND ended_at IS NULL`,
		sessionID, endedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to end pause: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close はセッションを終了し、稼働秒数を日次集計へ加算する。
// 未終了条件付きのUPDATEで排他するため、同時にStopされても加算は1回だけ行われる。
func (r *PostgresTimerSessionRepo) Close(ctx context.Context, p CloseSessionParams) (*model.DailySummary, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE timer_sessions
		 SET ended_at = $3, active_seconds = $4, work_date = $5, updated_at = $3
		 WHERE id = $1 AND user_id = $2 AND ended_at IS NULL`,
		p.SessionID, p.UserID, p.EndedAt, p.ActiveSeconds, dateParam(p.WorkDate),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to close timer session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE timer_pauses SET ended_at = $2 WHERE session_id = $1 AND ended_at IS NULL`,
		p.SessionID, p.EndedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to close open pause: %w", err)
	}

	summary := &model.DailySummary{}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO daily_summaries (user_id, work_date, billable_seconds, meets_daily_minimum, created_at, updated_at)
		 VALUES ($1, $2, $3::bigint, $3::bigint >= $4::bigint, $5, $5)
		 ON CONFLICT (user_id, work_date) DO UPDATE
		   SET billable_seconds = daily_summaries.billable_seconds + EXCLUDED.billable_seconds,
		       meets_daily_minimum = daily_summaries.billable_seconds + EXCLUDED.billable_seconds >= $4::bigint,
		       updated_at = EXCLUDED.updated_at
		 RETURNING user_id, work_date, billable_seconds, meets_daily_minimum, uploads_done, created_at, updated_at`,
		p.UserID, dateParam(p.WorkDate), p.ActiveSeconds, p.DailyMinimum, p.EndedAt,
	).Scan(&summary.UserID, &summary.WorkDate, &summary.BillableSeconds, &summary.MeetsDailyMinimum,
		&summary.UploadsDone, &summary.CreatedAt, &summary.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to fold daily summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return summary, nil
}

// ListTouchedSince はsince以降に終了したセッションの(ユーザー, 日付)を返す。
func (r *PostgresTimerSessionRepo) ListTouchedSince(ctx context.Context, since time.Time) ([]model.UserDay, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT user_id, work_date FROM timer_sessions
		 WHERE ended_at >= $1 AND work_date IS NOT NULL
		 ORDER BY work_date, user_id`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list touched days: %w", err)
	}
	defer rows.Close()

	var days []model.UserDay
	for rows.Next() {
		var d model.UserDay
		if err := rows.Scan(&d.UserID, &d.WorkDate); err != nil {
			return nil, fmt.Errorf("failed to scan touched day: %w", err)
		}
		days = append(days, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate touched days: %w", err)
	}
	return days, nil
}

// compile-time interface check
var _ TimerSessionRepository = (*PostgresTimerSessionRepo)(nil)
