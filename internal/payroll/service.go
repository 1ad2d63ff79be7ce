// Package payroll は週次の給与計算（稼働時間・基本給・連続達成ボーナス・控除・支給額）を提供する。
//
// 給与週の作成は(ユーザー, 週開始日)の一意制約により冪等であり、作成済みの週を再計算することはない。
package payroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kintai/internal/model"
	"github.com/hitoshi/kintai/internal/repository"
)

// maxExplicitUsers は1回の計算で明示指定できるユーザー数の上限。
const maxExplicitUsers = 500

// Config は給与計算の設定。金額はすべてセント単位。
type Config struct {
	HourlyRate    model.Money
	StreakBonus   model.Money
	SecurityFund  model.Money
	EmployeeRoles []string
	Location      *time.Location
}

// ComposeInput は給与計算の要求。UserIDsが空の場合は従業員ロールを持つ全雇用者を対象とする。
type ComposeInput struct {
	WeekStart time.Time
	WeekEnd   time.Time
	UserIDs   []string
	Preview   bool
}

// Calculation はユーザー1人分の計算結果。
type Calculation struct {
	UserID             string
	Eligible           bool
	Reason             string // 対象外・作成済みの理由
	BillableSeconds    int64
	DaysMeetingMinimum int
	HoursDecimal       model.Hours
	BaseAmount         model.Money
	StreakBonus        model.Money
	Deductions         model.DeductionBreakdown
	FinalAmount        model.Money
	Week               *model.PayrollWeek // 永続化された（または作成済みだった）給与週
	Created            bool
}

// Totals は計算結果の合計。
type Totals struct {
	Users          int
	Eligible       int
	Created        int
	AlreadyExisted int
	HoursDecimal   model.Hours
	BaseAmount     model.Money
	StreakBonus    model.Money
	Deductions     model.Money
	FinalAmount    model.Money
}

// ComposeResult は給与計算の結果。
type ComposeResult struct {
	WeekStart    time.Time
	WeekEnd      time.Time
	Preview      bool
	Calculations []*Calculation
	Totals       Totals
}

// Service は給与計算のサービス層。
type Service struct {
	payrolls    repository.PayrollRepository
	penalties   repository.PenaltyRepository
	summaries   repository.DailySummaryRepository
	employments repository.EmploymentRepository
	config      Config
	now         func() time.Time
	logger      *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	payrolls repository.PayrollRepository,
	penalties repository.PenaltyRepository,
	summaries repository.DailySummaryRepository,
	employments repository.EmploymentRepository,
	config Config,
	logger *slog.Logger,
) *Service {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		payrolls:    payrolls,
		penalties:   penalties,
		summaries:   summaries,
		employments: employments,
		config:      config,
		now:         time.Now,
		logger:      logger,
	}
}

// ValidateWeek は週開始日と終了日がちょうど6日差（7日間）であることを検証し、日付に丸めて返す。
func ValidateWeek(weekStart, weekEnd time.Time) (time.Time, time.Time, error) {
	if weekStart.IsZero() || weekEnd.IsZero() {
		return time.Time{}, time.Time{}, model.NewInvalidWeekError("weekStart と weekEnd は必須です")
	}
	start := model.DateOf(weekStart, time.UTC)
	end := model.DateOf(weekEnd, time.UTC)
	if !start.AddDate(0, 0, model.DaysPerWeek-1).Equal(end) {
		return time.Time{}, time.Time{}, model.NewInvalidWeekError("weekEnd は weekStart の6日後である必要があります")
	}
	return start, end, nil
}

// Compose は対象ユーザーごとに給与を計算する。
// Previewの場合は何も永続化しない。それ以外は給与週を作成し、作成済みの週はそのまま返す。
func (s *Service) Compose(ctx context.Context, in ComposeInput) (*ComposeResult, error) {
	weekStart, weekEnd, err := ValidateWeek(in.WeekStart, in.WeekEnd)
	if err != nil {
		return nil, err
	}
	if len(in.UserIDs) > maxExplicitUsers {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("userIds は%d件以下で指定してください", maxExplicitUsers))
	}

	targets, err := s.resolveTargets(ctx, in.UserIDs)
	if err != nil {
		return nil, err
	}

	result := &ComposeResult{WeekStart: weekStart, WeekEnd: weekEnd, Preview: in.Preview}
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		calc, err := s.composeUser(ctx, t, weekStart, weekEnd, in.Preview)
		if err != nil {
			return nil, err
		}
		result.Calculations = append(result.Calculations, calc)
		result.Totals.add(calc)
	}

	s.logger.Info("給与計算が完了しました",
		slog.String("week_start", weekStart.Format(model.DateLayout)),
		slog.Bool("preview", in.Preview),
		slog.Int("users", result.Totals.Users),
		slog.Int("created", result.Totals.Created),
		slog.String("final_amount", result.Totals.FinalAmount.String()),
	)
	return result, nil
}

// target は計算対象のユーザー。employmentがnilの場合は雇用情報がない。
// reasonが空でない場合は照会せずに対象外とする。
type target struct {
	userID     string
	employment *model.Employment
	reason     string
}

func (s *Service) resolveTargets(ctx context.Context, userIDs []string) ([]target, error) {
	if len(userIDs) == 0 {
		emps, err := s.employments.ListByRoles(ctx, s.config.EmployeeRoles)
		if err != nil {
			return nil, fmt.Errorf("雇用情報の取得に失敗しました: %w", err)
		}
		targets := make([]target, len(emps))
		for i, e := range emps {
			targets[i] = target{userID: e.UserID, employment: e}
		}
		return targets, nil
	}

	seen := make(map[string]bool, len(userIDs))
	var targets []target
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, err := uuid.Parse(id); err != nil {
			targets = append(targets, target{userID: id, reason: "ユーザーIDの形式が不正です"})
			continue
		}
		emp, err := s.employments.FindByUserID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("雇用情報の取得に失敗しました (user=%s): %w", id, err)
		}
		targets = append(targets, target{userID: id, employment: emp})
	}
	return targets, nil
}

func (s *Service) composeUser(ctx context.Context, t target, weekStart, weekEnd time.Time, preview bool) (*Calculation, error) {
	calc := &Calculation{UserID: t.userID}
	switch {
	case t.reason != "":
		calc.Reason = t.reason
		return calc, nil
	case t.employment == nil:
		calc.Reason = "雇用情報がありません"
		return calc, nil
	case !s.isEmployeeRole(t.employment.Role):
		calc.Reason = fmt.Sprintf("ロール %s は給与計算の対象外です", t.employment.Role)
		return calc, nil
	case !t.employment.IsPayrollEligible(weekStart):
		calc.Reason = fmt.Sprintf("給与計算の対象は %s 以降です",
			t.employment.FirstPayrollEligibleFrom.Format(model.DateLayout))
		return calc, nil
	}
	calc.Eligible = true

	if !preview {
		existing, err := s.payrolls.FindByUserWeek(ctx, t.userID, weekStart)
		if err != nil {
			return nil, fmt.Errorf("給与週の取得に失敗しました (user=%s): %w", t.userID, err)
		}
		if existing != nil {
			calc.fromWeek(existing)
			calc.Reason = "作成済み"
			return calc, nil
		}
	}

	summaries, err := s.summaries.ListByUserRange(ctx, t.userID, weekStart, weekEnd)
	if err != nil {
		return nil, fmt.Errorf("日次集計の取得に失敗しました (user=%s): %w", t.userID, err)
	}
	penalties, err := s.penalties.SumByUserWeek(ctx, t.userID, weekStart)
	if err != nil {
		return nil, fmt.Errorf("ペナルティの取得に失敗しました (user=%s): %w", t.userID, err)
	}

	applyFund := !t.employment.SecurityFundDeducted && s.config.SecurityFund > 0
	s.compute(calc, summaries, penalties, applyFund)

	if preview {
		return calc, nil
	}
	return s.persist(ctx, calc, weekStart, weekEnd, summaries, penalties, applyFund)
}

// compute は日次集計とペナルティ合計から金額を計算してcalcに設定する。
func (s *Service) compute(calc *Calculation, summaries []*model.DailySummary, penalties model.Money, applyFund bool) {
	calc.BillableSeconds = 0
	calc.DaysMeetingMinimum = 0
	for _, sm := range summaries {
		calc.BillableSeconds += sm.BillableSeconds
		if sm.MeetsDailyMinimum {
			calc.DaysMeetingMinimum++
		}
	}

	calc.HoursDecimal = model.HoursFromSeconds(calc.BillableSeconds)
	calc.BaseAmount = calc.HoursDecimal.Times(s.config.HourlyRate)
	calc.StreakBonus = 0
	if calc.DaysMeetingMinimum == model.DaysPerWeek {
		calc.StreakBonus = s.config.StreakBonus
	}
	calc.Deductions = model.DeductionBreakdown{Penalties: penalties}
	if applyFund {
		calc.Deductions.SecurityFund = s.config.SecurityFund
	}

	calc.FinalAmount = calc.BaseAmount + calc.StreakBonus - calc.Deductions.Total()
	if calc.FinalAmount < 0 {
		calc.FinalAmount = 0
	}
}

// persist は給与週を作成する。保証金が他の実行で先に控除されていた場合は、保証金なしで再計算して作成する。
func (s *Service) persist(
	ctx context.Context,
	calc *Calculation,
	weekStart, weekEnd time.Time,
	summaries []*model.DailySummary,
	penalties model.Money,
	applyFund bool,
) (*Calculation, error) {
	now := s.now().UTC()
	week := &model.PayrollWeek{
		ID:        uuid.New().String(),
		UserID:    calc.UserID,
		WeekStart: weekStart,
		WeekEnd:   weekEnd,
		Status:    model.PayrollStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	calc.toWeek(week)

	created, err := s.payrolls.CreateWeek(ctx, week, applyFund)
	if errors.Is(err, repository.ErrFundAlreadyDeducted) {
		s.logger.Warn("保証金は既に控除済みのため再計算します", slog.String("user_id", calc.UserID))
		s.compute(calc, summaries, penalties, false)
		calc.toWeek(week)
		created, err = s.payrolls.CreateWeek(ctx, week, false)
	}
	if err != nil {
		return nil, fmt.Errorf("給与週の作成に失敗しました (user=%s): %w", calc.UserID, err)
	}

	if !created {
		// 並行した実行が先に作成した
		existing, err := s.payrolls.FindByUserWeek(ctx, calc.UserID, weekStart)
		if err != nil {
			return nil, fmt.Errorf("給与週の取得に失敗しました (user=%s): %w", calc.UserID, err)
		}
		if existing != nil {
			calc.fromWeek(existing)
		}
		calc.Reason = "作成済み"
		return calc, nil
	}

	calc.Week = week
	calc.Created = true
	s.logger.Info("給与週を作成しました",
		slog.String("user_id", calc.UserID),
		slog.String("week_start", weekStart.Format(model.DateLayout)),
		slog.String("final_amount", calc.FinalAmount.String()),
	)
	return calc, nil
}

func (s *Service) isEmployeeRole(role string) bool {
	if len(s.config.EmployeeRoles) == 0 {
		return true
	}
	for _, r := range s.config.EmployeeRoles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// List は指定週の作成済み給与週を返す。
func (s *Service) List(ctx context.Context, weekStart time.Time) ([]*model.PayrollWeek, error) {
	weeks, err := s.payrolls.ListByWeek(ctx, model.DateOf(weekStart, time.UTC))
	if err != nil {
		return nil, fmt.Errorf("給与週一覧の取得に失敗しました: %w", err)
	}
	return weeks, nil
}

// UpdateStatus は給与週のステータスを遷移させる。PAIDは終端状態で変更できない。
func (s *Service) UpdateStatus(ctx context.Context, id string, to model.PayrollStatus) (*model.PayrollWeek, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewPayrollWeekNotFoundError(id)
	}
	week, err := s.payrolls.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("給与週の取得に失敗しました: %w", err)
	}
	if week == nil {
		return nil, model.NewPayrollWeekNotFoundError(id)
	}
	if !week.Status.CanTransitionTo(to) {
		return nil, model.NewPayrollStatusTransitionError(week.Status, to)
	}

	if err := s.payrolls.UpdateStatus(ctx, id, week.Status, to); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// 並行した更新で既にステータスが変わっていた
			return nil, model.NewPayrollStatusTransitionError(week.Status, to)
		}
		return nil, fmt.Errorf("給与ステータスの更新に失敗しました: %w", err)
	}

	s.logger.Info("給与ステータスを更新しました",
		slog.String("payroll_week_id", id),
		slog.String("from", string(week.Status)),
		slog.String("to", string(to)),
	)
	week.Status = to
	week.UpdatedAt = s.now().UTC()
	return week, nil
}

// PreviousWeek はnowの業務タイムゾーン上の前週（月曜〜日曜）を返す。
func (s *Service) PreviousWeek(now time.Time) (time.Time, time.Time) {
	start := model.PreviousWeekStart(now, s.config.Location)
	return start, start.AddDate(0, 0, model.DaysPerWeek-1)
}

func (c *Calculation) toWeek(w *model.PayrollWeek) {
	w.HoursDecimal = c.HoursDecimal
	w.BaseAmount = c.BaseAmount
	w.StreakBonus = c.StreakBonus
	w.Deductions = c.Deductions
	w.FinalAmount = c.FinalAmount
}

func (c *Calculation) fromWeek(w *model.PayrollWeek) {
	c.Week = w
	c.HoursDecimal = w.HoursDecimal
	c.BaseAmount = w.BaseAmount
	c.StreakBonus = w.StreakBonus
	c.Deductions = w.Deductions
	c.FinalAmount = w.FinalAmount
}

func (t *Totals) add(c *Calculation) {
	t.Users++
	if !c.Eligible {
		return
	}
	t.Eligible++
	if c.Created {
		t.Created++
	} else if c.Week != nil {
		t.AlreadyExisted++
	}
	t.HoursDecimal += c.HoursDecimal
	t.BaseAmount += c.BaseAmount
	t.StreakBonus += c.StreakBonus
	t.Deductions += c.Deductions.Total()
	t.FinalAmount += c.FinalAmount
}
