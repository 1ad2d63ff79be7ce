package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/kintai/internal/model"
)

// PostgresDeviceRepo はPostgreSQLを使用したデバイスリポジトリ。
type PostgresDeviceRepo struct {
	db *sql.DB
}

// NewPostgresDeviceRepo はPostgresDeviceRepoを生成する。
func NewPostgresDeviceRepo(db *sql.DB) *PostgresDeviceRepo {
	return &PostgresDeviceRepo{db: db}
}

// FindByID は指定IDのデバイスを取得する。見つからない場合はnilを返す。
func (r *PostgresDeviceRepo) FindByID(ctx context.Context, id string) (*model.Device, error) {
	d := &model.Device{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, secret, info, registered_at, last_login_at FROM devices WHERE id = $1`,
		id,
	).Scan(&d.ID, &d.UserID, &d.Secret, &d.Info, &d.RegisteredAt, &d.LastLoginAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find device: %w", err)
	}
	return d, nil
}

// Upsert はデバイスを登録、または既存デバイスを更新する。
// 既存デバイスのsecretは上書きしない。別ユーザーのデバイスは更新されずnilを返す。
func (r *PostgresDeviceRepo) Upsert(ctx context.Context, device *model.Device) (*model.Device, error) {
	d := &model.Device{}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO devices (id, user_id, secret, info, registered_at, last_login_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		   SET info = EXCLUDED.info, last_login_at = EXCLUDED.last_login_at
		   WHERE devices.user_id = EXCLUDED.user_id
		 RETURNING id, user_id, secret, info, registered_at, last_login_at`,
		device.ID, device.UserID, device.Secret, device.Info, device.RegisteredAt, device.LastLoginAt,
	).Scan(&d.ID, &d.UserID, &d.Secret, &d.Info, &d.RegisteredAt, &d.LastLoginAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert device: %w", err)
	}
	return d, nil
}

// compile-time interface check
var _ DeviceRepository = (*PostgresDeviceRepo)(nil)
