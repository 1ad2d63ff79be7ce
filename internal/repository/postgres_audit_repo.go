package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/kintai/internal/model"
)

// PostgresAuditRepo はPostgreSQLを使用した監査ログリポジトリ。
type PostgresAuditRepo struct {
	db *sql.DB
}

// NewPostgresAuditRepo はPostgresAuditRepoを生成する。
func NewPostgresAuditRepo(db *sql.DB) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: db}
}

// Create は監査ログを1件書き込む。
func (r *PostgresAuditRepo) Create(ctx context.Context, a *model.AuditRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, user_id, device_id, endpoint, ip, user_agent, raw_body, code, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.UserID, a.DeviceID, a.Endpoint, a.IP, a.UserAgent, a.RawBody, a.Code, a.Reason, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// PostgresUploadRepo はPostgreSQLを使用したアップロード許可リポジトリ。
type PostgresUploadRepo struct {
	db *sql.DB
}

// NewPostgresUploadRepo はPostgresUploadRepoを生成する。
func NewPostgresUploadRepo(db *sql.DB) *PostgresUploadRepo {
	return &PostgresUploadRepo{db: db}
}

// Create はアップロード許可を保存する。
func (r *PostgresUploadRepo) Create(ctx context.Context, u *model.Upload) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO uploads (file_key, user_id, device_id, kind, work_date, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5::date, $6, $7)`,
		u.FileKey, u.UserID, u.DeviceID, string(u.Kind), dateParam(u.WorkDate), u.ExpiresAt, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert upload: %w", err)
	}
	return nil
}

// FindByFileKey は指定キーのアップロード許可を取得する。見つからない場合はnilを返す。
func (r *PostgresUploadRepo) FindByFileKey(ctx context.Context, fileKey string) (*model.Upload, error) {
	u := &model.Upload{}
	var kind string
	var confirmedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT file_key, user_id, device_id, kind, work_date, expires_at, confirmed_at, created_at
		 FROM uploads WHERE file_key = $1`,
		fileKey,
	).Scan(&u.FileKey, &u.UserID, &u.DeviceID, &kind, &u.WorkDate, &u.ExpiresAt, &confirmedAt, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find upload: %w", err)
	}
	u.Kind = model.UploadKind(kind)
	if confirmedAt.Valid {
		u.ConfirmedAt = &confirmedAt.Time
	}
	return u, nil
}

// Confirm はアップロード完了日時を記録する。確認済みの場合は最初の日時を維持する。
func (r *PostgresUploadRepo) Confirm(ctx context.Context, fileKey string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE uploads SET confirmed_at = COALESCE(confirmed_at, $2) WHERE file_key = $1`,
		fileKey, at,
	)
	if err != nil {
		return fmt.Errorf("failed to confirm upload: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ AuditRepository  = (*PostgresAuditRepo)(nil)
	_ UploadRepository = (*PostgresUploadRepo)(nil)
)
