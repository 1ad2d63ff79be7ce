package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/kintai/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const selectUserColumns = `SELECT id, email, name, role, password_hash, created_at, updated_at FROM users`

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, selectUserColumns+` WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを検索する。大文字小文字は区別しない。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, selectUserColumns+` WHERE lower(email) = lower($1)`, email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

func scanUser(row *sql.Row) (*model.User, error) {
	user := &model.User{}
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.Role, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// PostgresEmploymentRepo はPostgreSQLを使用した雇用情報リポジトリ。
type PostgresEmploymentRepo struct {
	db *sql.DB
}

// NewPostgresEmploymentRepo はPostgresEmploymentRepoを生成する。
func NewPostgresEmploymentRepo(db *sql.DB) *PostgresEmploymentRepo {
	return &PostgresEmploymentRepo{db: db}
}

const selectEmploymentColumns = `
	SELECT e.user_id, u.role, e.start_date, e.first_payroll_eligible_from, e.security_fund_deducted,
	       COALESCE(e.remote_access_username, ''), COALESCE(e.remote_access_password, ''),
	       e.created_at, e.updated_at
	FROM employments e
	JOIN users u ON u.id = e.user_id`

// FindByUserID は指定ユーザーの雇用情報を取得する。見つからない場合はnilを返す。
func (r *PostgresEmploymentRepo) FindByUserID(ctx context.Context, userID string) (*model.Employment, error) {
	rows, err := r.db.QueryContext(ctx, selectEmploymentColumns+` WHERE e.user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find employment: %w", err)
	}
	defer rows.Close()

	list, err := scanEmployments(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// ListByRoles は指定ロールのいずれかを持つ雇用情報をユーザーID順で返す。
func (r *PostgresEmploymentRepo) ListByRoles(ctx context.Context, roles []string) ([]*model.Employment, error) {
	rows, err := r.db.QueryContext(ctx,
		selectEmploymentColumns+` WHERE u.role = ANY($1) ORDER BY e.user_id`,
		pq.Array(roles),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list employments: %w", err)
	}
	defer rows.Close()

	return scanEmployments(rows)
}

func scanEmployments(rows *sql.Rows) ([]*model.Employment, error) {
	var list []*model.Employment
	for rows.Next() {
		e := &model.Employment{}
		if err := rows.Scan(
			&e.UserID, &e.Role, &e.StartDate, &e.FirstPayrollEligibleFrom, &e.SecurityFundDeducted,
			&e.RemoteAccessUsername, &e.RemoteAccessPassword, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan employment: %w", err)
		}
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate employments: %w", err)
	}
	return list, nil
}

// compile-time interface check
var (
	_ UserRepository       = (*PostgresUserRepo)(nil)
	_ EmploymentRepository = (*PostgresEmploymentRepo)(nil)
)
