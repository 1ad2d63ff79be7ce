package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/kintai/internal/model"
)

// PostgresPayrollRepo はPostgreSQLを使用した給与週リポジトリ。
type PostgresPayrollRepo struct {
	db *sql.DB
}

// NewPostgresPayrollRepo はPostgresPayrollRepoを生成する。
func NewPostgresPayrollRepo(db *sql.DB) *PostgresPayrollRepo {
	return &PostgresPayrollRepo{db: db}
}

// CreateWeek は給与週を作成する。
// (user_id, week_start)の一意制約を冪等性の担保とし、競合時は何もせずfalseを返す。
// 保証金を控除する場合は、給与週の作成とsecurity_fund_deductedの更新を同一トランザクションで行う。
func (r *PostgresPayrollRepo) CreateWeek(ctx context.Context, w *model.PayrollWeek, applySecurityFund bool) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO payroll_weeks (
			id, user_id, week_start, week_end, hours_centi, base_amount_cents, streak_bonus_cents,
			security_fund_cents, penalties_cents, final_amount_cents, status, created_at, updated_at
		 ) VALUES ($1, $2, $3::date, $4::date, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		 ON CONFLICT (user_id, week_start) DO NOTHING
		 RETURNING id`,
		w.ID, w.UserID, dateParam(w.WeekStart), dateParam(w.WeekEnd), int64(w.HoursDecimal),
		int64(w.BaseAmount), int64(w.StreakBonus), int64(w.Deductions.SecurityFund), int64(w.Deductions.Penalties),
		int64(w.FinalAmount), string(w.Status), w.CreatedAt,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert payroll week: %w", err)
	}

	if applySecurityFund {
		result, err := tx.ExecContext(ctx,
			`UPDATE employments SET security_fund_deducted = true, updated_at = $2
			 WHERE user_id = $1 AND security_fund_deducted = false`,
			w.UserID, w.CreatedAt,
		)
		if err != nil {
			return false, fmt.Errorf("failed to mark security fund deducted: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return false, ErrFundAlreadyDeducted
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

const selectPayrollColumns = `
	SELECT id, user_id, week_start, week_end, hours_centi, base_amount_cents, streak_bonus_cents,
	       security_fund_cents, penalties_cents, final_amount_cents, status, created_at, updated_at
	FROM payroll_weeks`

// FindByID は指定IDの給与週を取得する。見つからない場合はnilを返す。
func (r *PostgresPayrollRepo) FindByID(ctx context.Context, id string) (*model.PayrollWeek, error) {
	rows, err := r.db.QueryContext(ctx, selectPayrollColumns+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find payroll week: %w", err)
	}
	defer rows.Close()
	return firstPayrollWeek(rows)
}

// FindByUserWeek は(ユーザー, 週開始日)の給与週を取得する。見つからない場合はnilを返す。
func (r *PostgresPayrollRepo) FindByUserWeek(ctx context.Context, userID string, weekStart time.Time) (*model.PayrollWeek, error) {
	rows, err := r.db.QueryContext(ctx, selectPayrollColumns+` WHERE user_id = $1 AND week_start = $2::date`, userID, dateParam(weekStart))
	if err != nil {
		return nil, fmt.Errorf("failed to find payroll week: %w", err)
	}
	defer rows.Close()
	return firstPayrollWeek(rows)
}

// ListByWeek は指定週の給与週をユーザーID順で返す。
func (r *PostgresPayrollRepo) ListByWeek(ctx context.Context, weekStart time.Time) ([]*model.PayrollWeek, error) {
	rows, err := r.db.QueryContext(ctx, selectPayrollColumns+` WHERE week_start = $1::date ORDER BY user_id`, dateParam(weekStart))
	if err != nil {
		return nil, fmt.Errorf("failed to list payroll weeks: %w", err)
	}
	defer rows.Close()
	return scanPayrollWeeks(rows)
}

// UpdateStatus はステータスがfromの場合のみtoへ更新する。
func (r *PostgresPayrollRepo) UpdateStatus(ctx context.Context, id string, from, to model.PayrollStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE payroll_weeks SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return fmt.Errorf("failed to update payroll status: %w", err)
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

func firstPayrollWeek(rows *sql.Rows) (*model.PayrollWeek, error) {
	list, err := scanPayrollWeeks(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func scanPayrollWeeks(rows *sql.Rows) ([]*model.PayrollWeek, error) {
	var list []*model.PayrollWeek
	for rows.Next() {
		w := &model.PayrollWeek{}
		var hours, base, bonus, fund, penalties, final int64
		var status string
		if err := rows.Scan(
			&w.ID, &w.UserID, &w.WeekStart, &w.WeekEnd, &hours, &base, &bonus,
			&fund, &penalties, &final, &status, &w.CreatedAt, &w.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan payroll week: %w", err)
		}
		w.HoursDecimal = model.Hours(hours)
		w.BaseAmount = model.Money(base)
		w.StreakBonus = model.Money(bonus)
		w.Deductions = model.DeductionBreakdown{SecurityFund: model.Money(fund), Penalties: model.Money(penalties)}
		w.FinalAmount = model.Money(final)
		w.Status = model.PayrollStatus(status)
		list = append(list, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payroll weeks: %w", err)
	}
	return list, nil
}

// PostgresPenaltyRepo はPostgreSQLを使用したペナルティリポジトリ。
type PostgresPenaltyRepo struct {
	db *sql.DB
}

// NewPostgresPenaltyRepo はPostgresPenaltyRepoを生成する。
func NewPostgresPenaltyRepo(db *sql.DB) *PostgresPenaltyRepo {
	return &PostgresPenaltyRepo{db: db}
}

// Create はペナルティを作成する。dedupe_keyが既に存在する場合は何もせずfalseを返す。
func (r *PostgresPenaltyRepo) Create(ctx context.Context, p *model.Penalty) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO penalties (id, user_id, policy_area, amount_cents, reason, payroll_week_start, dedupe_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::date, $7, $8)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		p.ID, p.UserID, p.PolicyArea, int64(p.Amount), p.Reason, dateParam(p.PayrollWeekStart), p.DedupeKey, p.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert penalty: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// SumByUserWeek は(ユーザー, 給与週開始日)に紐付くペナルティの合計額を返す。
func (r *PostgresPenaltyRepo) SumByUserWeek(ctx context.Context, userID string, weekStart time.Time) (model.Money, error) {
	var total int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM penalties WHERE user_id = $1 AND payroll_week_start = $2::date`,
		userID, dateParam(weekStart),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum penalties: %w", err)
	}
	return model.Money(total), nil
}

// compile-time interface check
var (
	_ PayrollRepository = (*PostgresPayrollRepo)(nil)
	_ PenaltyRepository = (*PostgresPenaltyRepo)(nil)
)
