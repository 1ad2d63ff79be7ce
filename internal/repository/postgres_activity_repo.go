package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/kintai/internal/model"
)

// PostgresActivityRepo はPostgreSQLを使用したアクティビティバッチリポジトリ。
type PostgresActivityRepo struct {
	db *sql.DB
}

// NewPostgresActivityRepo はPostgresActivityRepoを生成する。
func NewPostgresActivityRepo(db *sql.DB) *PostgresActivityRepo {
	return &PostgresActivityRepo{db: db}
}

// Create はバッチ集計を保存する。(user_id, batch_id)の一意制約に違反した場合はErrDuplicateを返す。
func (r *PostgresActivityRepo) Create(ctx context.Context, b *model.ActivityBatch) error {
	m := b.Metrics
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO activity_batches (
			id, user_id, device_id, session_id, batch_id,
			mouse_events, key_events, window_events, idle_events, total_events,
			first_event_at, last_event_at, activity_score, device_info, created_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		b.ID, b.UserID, b.DeviceID, b.SessionID, b.BatchID,
		m.MouseEvents, m.KeyEvents, m.WindowEvents, m.IdleEvents, m.TotalEvents,
		m.FirstEventAt, m.LastEventAt, b.ActivityScore, b.DeviceInfo, b.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert activity batch: %w", err)
	}
	return nil
}

// FindByBatchID は(ユーザー, バッチID)で保存済みのバッチを取得する。見つからない場合はnilを返す。
func (r *PostgresActivityRepo) FindByBatchID(ctx context.Context, userID, batchID string) (*model.ActivityBatch, error) {
	b := &model.ActivityBatch{}
	m := &b.Metrics
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, device_id, session_id, batch_id,
		        mouse_events, key_events, window_events, idle_events, total_events,
		        first_event_at, last_event_at, activity_score, device_info, created_at
		 FROM activity_batches WHERE user_id = $1 AND batch_id = $2`,
		userID, batchID,
	).Scan(
		&b.ID, &b.UserID, &b.DeviceID, &b.SessionID, &b.BatchID,
		&m.MouseEvents, &m.KeyEvents, &m.WindowEvents, &m.IdleEvents, &m.TotalEvents,
		&m.FirstEventAt, &m.LastEventAt, &b.ActivityScore, &b.DeviceInfo, &b.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find activity batch: %w", err)
	}
	return b, nil
}

// compile-time interface check
var _ ActivityRepository = (*PostgresActivityRepo)(nil)
