// Package jobs はスーパーバイザーに登録する名前付きジョブを組み立てる。
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/kintai/internal/aggregate"
	"github.com/hitoshi/kintai/internal/metrics"
	"github.com/hitoshi/kintai/internal/model"
	"github.com/hitoshi/kintai/internal/payroll"
	"github.com/hitoshi/kintai/internal/worker/scheduler"
)

// ジョブ名
const (
	HourlyAggregation = "hourly_aggregation"
	NightlyStreak     = "nightly_streak"
	WeeklyUploadCheck = "weekly_upload_check"
	WeeklyPayroll     = "weekly_payroll"
	ExpiredCleanup    = "expired_cleanup"
	DeepCleanup       = "deep_cleanup"
)

// ReconcileLookback は毎時集計で最低限再計算する期間。
const ReconcileLookback = 48 * time.Hour

// ReconcileOverlap は前回完了時刻から遡って重ねる時間。
const ReconcileOverlap = 10 * time.Minute

// Aggregator は集計サービスのうちジョブが使う操作。
type Aggregator interface {
	ReconcileDaily(ctx context.Context, since time.Time) (*aggregate.ReconcileResult, error)
	ComputeStreaks(ctx context.Context, day time.Time) (*aggregate.StreakResult, error)
	CheckUploads(ctx context.Context, weekStart time.Time) (*aggregate.UploadCheckResult, error)
	Yesterday(now time.Time) time.Time
	PreviousWeekStart(now time.Time) time.Time
}

// PayrollComposer は給与サービスのうちジョブが使う操作。
type PayrollComposer interface {
	Compose(ctx context.Context, in payroll.ComposeInput) (*payroll.ComposeResult, error)
	PreviousWeek(now time.Time) (time.Time, time.Time)
}

// RunHistory はジョブ実行履歴のうちジョブが使う操作。
type RunHistory interface {
	FindLastCompleted(ctx context.Context, jobName string) (*model.JobRun, error)
}

// Cleaner は削除ジョブ。
type Cleaner interface {
	Run(ctx context.Context) (string, error)
}

// Deps はジョブの依存関係。
type Deps struct {
	Aggregator     Aggregator
	Payroll        PayrollComposer
	ExpiredCleanup Cleaner
	DeepCleanup    Cleaner
	Runs           RunHistory
	Metrics        metrics.MetricsCollector
	Now            func() time.Time
}

// Registry は登録するジョブ一覧を返す。cron式は業務タイムゾーンで評価される。
func Registry(d Deps) []scheduler.Job {
	now := d.Now
	if now == nil {
		now = time.Now
	}

	return []scheduler.Job{
		{
			Name:        HourlyAggregation,
			Spec:        "5 * * * *",
			Description: "前回の完了以降（最低48時間）に終了したセッションから日次集計を再計算する",
			Run: func(ctx context.Context) (string, error) {
				since, err := reconcileSince(ctx, d.Runs, now())
				if err != nil {
					return "", err
				}
				res, err := d.Aggregator.ReconcileDaily(ctx, since)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("days=%d meeting_minimum=%d", res.Days, res.MeetingMinimum), nil
			},
		},
		{
			Name:        NightlyStreak,
			Spec:        "15 0 * * *",
			Description: "前日の日次最低時間の達成判定と連続達成日数を更新する",
			Run: func(ctx context.Context) (string, error) {
				res, err := d.Aggregator.ComputeStreaks(ctx, d.Aggregator.Yesterday(now()))
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("day=%s users=%d refreshed=%d",
					res.Day.Format(time.DateOnly), res.Users, res.Refreshed), nil
			},
		},
		{
			Name:        WeeklyUploadCheck,
			Spec:        "0 1 * * 1",
			Description: "前週のアップロード未実施日にペナルティを付与する",
			Run: func(ctx context.Context) (string, error) {
				res, err := d.Aggregator.CheckUploads(ctx, d.Aggregator.PreviousWeekStart(now()))
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("week=%s missing=%d created=%d",
					res.WeekStart.Format(time.DateOnly), res.Missing, res.Created), nil
			},
		},
		{
			Name:        WeeklyPayroll,
			Spec:        "0 3 * * 1",
			Description: "前週の給与週を全従業員分作成する",
			Run: func(ctx context.Context) (string, error) {
				start, end := d.Payroll.PreviousWeek(now())
				res, err := d.Payroll.Compose(ctx, payroll.ComposeInput{WeekStart: start, WeekEnd: end})
				if err != nil {
					return "", err
				}
				if d.Metrics != nil {
					d.Metrics.RecordPayrollWeeksCreated(res.Totals.Created)
				}
				return fmt.Sprintf("week=%s users=%d created=%d existed=%d final=%s",
					start.Format(time.DateOnly), res.Totals.Users, res.Totals.Created,
					res.Totals.AlreadyExisted, res.Totals.FinalAmount), nil
			},
		},
		{
			Name:        ExpiredCleanup,
			Spec:        "30 2 * * *",
			Description: "期限切れのアップロード許可と保持期間を過ぎた監査ログを削除する",
			Run:         d.ExpiredCleanup.Run,
		},
		{
			Name:        DeepCleanup,
			Spec:        "0 4 * * 0",
			Description: "保持期間を過ぎたジョブ実行履歴とアクティビティバッチを削除する",
			Run:         d.DeepCleanup.Run,
		},
	}
}

// reconcileSince は毎時集計の再計算開始時刻を返す。
// 前回完了時刻から重なりを持たせて遡るが、ReconcileLookbackより短くはしない。
func reconcileSince(ctx context.Context, runs RunHistory, now time.Time) (time.Time, error) {
	since := now.Add(-ReconcileLookback)
	if runs == nil {
		return since, nil
	}
	last, err := runs.FindLastCompleted(ctx, HourlyAggregation)
	if err != nil {
		return time.Time{}, fmt.Errorf("前回の集計実行の取得に失敗しました: %w", err)
	}
	if last != nil && last.CompletedAt != nil {
		if from := last.CompletedAt.Add(-ReconcileOverlap); from.Before(since) {
			since = from
		}
	}
	return since, nil
}
