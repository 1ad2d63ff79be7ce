// Package aggregate は日次集計の再計算、連続達成日数、週次アップロード確認を行うバッチ処理を提供する。
// いずれの処理もセッションや日次集計から絶対値で再計算するため、何度実行しても結果は変わらない。
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kintai/internal/model"
	"github.com/hitoshi/kintai/internal/repository"
)

// streakLookbackDays は連続達成日数を数える最大日数。
const streakLookbackDays = 366

// Config は集計処理の設定。
type Config struct {
	DailyMinimumSeconds  int64
	Location             *time.Location
	EmployeeRoles        []string
	MissingUploadPenalty model.Money // 0の場合はペナルティを作成しない
}

// ReconcileResult は日次集計の再計算結果。
type ReconcileResult struct {
	Days           int
	MeetingMinimum int
}

// StreakResult は連続達成日数の計算結果。
type StreakResult struct {
	Day       time.Time
	Refreshed int64
	Users     int
}

// UploadCheckResult は週次アップロード確認の結果。
type UploadCheckResult struct {
	WeekStart time.Time
	Missing   int
	Created   int
}

// Service は集計バッチのサービス層。
type Service struct {
	sessions    repository.TimerSessionRepository
	summaries   repository.DailySummaryRepository
	streaks     repository.StreakRepository
	employments repository.EmploymentRepository
	penalties   repository.PenaltyRepository
	config      Config
	now         func() time.Time
	logger      *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	sessions repository.TimerSessionRepository,
	summaries repository.DailySummaryRepository,
	streaks repository.StreakRepository,
	employments repository.EmploymentRepository,
	penalties repository.PenaltyRepository,
	config Config,
	logger *slog.Logger,
) *Service {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.DailyMinimumSeconds <= 0 {
		config.DailyMinimumSeconds = model.DefaultDailyMinimumSeconds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sessions:    sessions,
		summaries:   summaries,
		streaks:     streaks,
		employments: employments,
		penalties:   penalties,
		config:      config,
		now:         time.Now,
		logger:      logger,
	}
}

// ReconcileDaily はsince以降に終了したセッションの(ユーザー, 日付)について、
// 日次集計を終了済みセッションから再計算する。Stop時の加算と二重計上にはならない。
func (s *Service) ReconcileDaily(ctx context.Context, since time.Time) (*ReconcileResult, error) {
	days, err := s.sessions.ListTouchedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("集計対象日の取得に失敗しました: %w", err)
	}

	result := &ReconcileResult{}
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		summary, err := s.summaries.Recompute(ctx, day.UserID, day.WorkDate, s.config.DailyMinimumSeconds)
		if err != nil {
			return result, fmt.Errorf("日次集計の再計算に失敗しました (user=%s, date=%s): %w",
				day.UserID, day.WorkDate.Format(model.DateLayout), err)
		}
		result.Days++
		if summary.MeetsDailyMinimum {
			result.MeetingMinimum++
		}
	}

	s.logger.Info("日次集計を再計算しました",
		slog.Time("since", since),
		slog.Int("days", result.Days),
		slog.Int("meeting_minimum", result.MeetingMinimum),
	)
	return result, nil
}

// ComputeStreaks はdayの最低稼働判定を更新し、従業員ごとにdayで終わる連続達成日数を保存する。
func (s *Service) ComputeStreaks(ctx context.Context, day time.Time) (*StreakResult, error) {
	refreshed, err := s.summaries.RefreshMinimum(ctx, day, s.config.DailyMinimumSeconds)
	if err != nil {
		return nil, fmt.Errorf("最低稼働判定の更新に失敗しました: %w", err)
	}

	employments, err := s.employments.ListByRoles(ctx, s.config.EmployeeRoles)
	if err != nil {
		return nil, fmt.Errorf("雇用情報の取得に失敗しました: %w", err)
	}

	result := &StreakResult{Day: day, Refreshed: refreshed}
	from := day.AddDate(0, 0, -(streakLookbackDays - 1))
	for _, emp := range employments {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		summaries, err := s.summaries.ListByUserRange(ctx, emp.UserID, from, day)
		if err != nil {
			return result, fmt.Errorf("日次集計の取得に失敗しました (user=%s): %w", emp.UserID, err)
		}

		streak := &model.Streak{
			UserID:          emp.UserID,
			CurrentDays:     consecutiveDays(summaries, day),
			LastEvaluatedOn: day,
			UpdatedAt:       s.now().UTC(),
		}
		if err := s.streaks.Upsert(ctx, streak); err != nil {
			return result, fmt.Errorf("連続達成日数の保存に失敗しました (user=%s): %w", emp.UserID, err)
		}
		result.Users++
	}

	s.logger.Info("連続達成日数を更新しました",
		slog.String("day", day.Format(model.DateLayout)),
		slog.Int64("refreshed", refreshed),
		slog.Int("users", result.Users),
	)
	return result, nil
}

// consecutiveDays はlastから遡って最低稼働を満たした日が連続する日数を返す。
// summariesは日付昇順であること。
func consecutiveDays(summaries []*model.DailySummary, last time.Time) int {
	expected := last
	count := 0
	for i := len(summaries) - 1; i >= 0; i-- {
		sm := summaries[i]
		if !sm.WorkDate.Equal(expected) || !sm.MeetsDailyMinimum {
			break
		}
		count++
		expected = expected.AddDate(0, 0, -1)
	}
	return count
}

// CheckUploads はweekStartから7日間について、稼働があるのにアップロードが完了していない日ごとに
// ペナルティを作成する。ペナルティはその週の給与計算に紐付き、dedupeキーで重複を防ぐ。
func (s *Service) CheckUploads(ctx context.Context, weekStart time.Time) (*UploadCheckResult, error) {
	result := &UploadCheckResult{WeekStart: weekStart}
	if s.config.MissingUploadPenalty <= 0 {
		s.logger.Info("アップロード未提出ペナルティは無効です")
		return result, nil
	}

	weekEnd := weekStart.AddDate(0, 0, model.DaysPerWeek-1)
	employments, err := s.employments.ListByRoles(ctx, s.config.EmployeeRoles)
	if err != nil {
		return nil, fmt.Errorf("雇用情報の取得に失敗しました: %w", err)
	}

	for _, emp := range employments {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		summaries, err := s.summaries.ListByUserRange(ctx, emp.UserID, weekStart, weekEnd)
		if err != nil {
			return result, fmt.Errorf("日次集計の取得に失敗しました (user=%s): %w", emp.UserID, err)
		}
		for _, sm := range summaries {
			if sm.BillableSeconds == 0 || sm.UploadsDone {
				continue
			}
			result.Missing++

			date := sm.WorkDate.Format(model.DateLayout)
			created, err := s.penalties.Create(ctx, &model.Penalty{
				ID:               uuid.New().String(),
				UserID:           emp.UserID,
				PolicyArea:       model.PolicyAreaUploads,
				Amount:           s.config.MissingUploadPenalty,
				Reason:           fmt.Sprintf("%s のアップロードが未提出です", date),
				PayrollWeekStart: weekStart,
				DedupeKey:        fmt.Sprintf("%s:%s:%s", model.PolicyAreaUploads, emp.UserID, date),
				CreatedAt:        s.now().UTC(),
			})
			if err != nil {
				return result, fmt.Errorf("ペナルティの作成に失敗しました (user=%s, date=%s): %w", emp.UserID, date, err)
			}
			if created {
				result.Created++
			}
		}
	}

	s.logger.Info("週次アップロード確認が完了しました",
		slog.String("week_start", weekStart.Format(model.DateLayout)),
		slog.Int("missing", result.Missing),
		slog.Int("created", result.Created),
	)
	return result, nil
}

// Yesterday はnowの業務タイムゾーン上の前日を返す。
func (s *Service) Yesterday(now time.Time) time.Time {
	return model.DateOf(now, s.config.Location).AddDate(0, 0, -1)
}

// PreviousWeekStart はnowの業務タイムゾーン上の前週の月曜日を返す。
func (s *Service) PreviousWeekStart(now time.Time) time.Time {
	return model.PreviousWeekStart(now, s.config.Location)
}
