package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/kintai/internal/aggregate"
	"github.com/hitoshi/kintai/internal/model"
	"github.com/hitoshi/kintai/internal/payroll"
	"github.com/hitoshi/kintai/internal/worker/scheduler"
)

type mockAggregator struct {
	reconcileFn func(ctx context.Context, since time.Time) (*aggregate.ReconcileResult, error)
	streaksFn   func(ctx context.Context, day time.Time) (*aggregate.StreakResult, error)
	uploadsFn   func(ctx context.Context, weekStart time.Time) (*aggregate.UploadCheckResult, error)
}

func (m *mockAggregator) ReconcileDaily(ctx context.Context, since time.Time) (*aggregate.ReconcileResult, error) {
	return m.reconcileFn(ctx, since)
}

func (m *mockAggregator) ComputeStreaks(ctx context.Context, day time.Time) (*aggregate.StreakResult, error) {
	return m.streaksFn(ctx, day)
}

func (m *mockAggregator) CheckUploads(ctx context.Context, weekStart time.Time) (*aggregate.UploadCheckResult, error) {
	return m.uploadsFn(ctx, weekStart)
}

func (m *mockAggregator) Yesterday(now time.Time) time.Time {
	return model.DateOf(now, time.UTC).AddDate(0, 0, -1)
}

func (m *mockAggregator) PreviousWeekStart(now time.Time) time.Time {
	return model.PreviousWeekStart(now, time.UTC)
}

type mockComposer struct {
	composeFn func(ctx context.Context, in payroll.ComposeInput) (*payroll.ComposeResult, error)
}

func (m *mockComposer) Compose(ctx context.Context, in payroll.ComposeInput) (*payroll.ComposeResult, error) {
	return m.composeFn(ctx, in)
}

func (m *mockComposer) PreviousWeek(now time.Time) (time.Time, time.Time) {
	start := model.PreviousWeekStart(now, time.UTC)
	return start, start.AddDate(0, 0, 6)
}

type cleanerFunc func(ctx context.Context) (string, error)

func (f cleanerFunc) Run(ctx context.Context) (string, error) { return f(ctx) }

type payrollMetrics struct {
	created int
}

func (m *payrollMetrics) RecordHTTPStatus(int) {}
func (m *payrollMetrics) RecordAuthRejection(string) {}
func (m *payrollMetrics) RecordTimerTransition(string) {}
func (m *payrollMetrics) RecordActivityBatch(int, int, bool) {}
func (m *payrollMetrics) RecordPayrollWeeksCreated(count int) { m.created += count }
func (m *payrollMetrics) RecordJobRun(string, string, time.Duration) {}
func (m *payrollMetrics) RecordJobSkipped(string, string) {}

// 2024-06-12(水) 10:00 UTC
var fixedNow = time.Date(2024, 6, 12, 10, 0, 0, 0, time.UTC)

func newDeps() (Deps, *mockAggregator, *mockComposer, *payrollMetrics) {
	agg := &mockAggregator{}
	comp := &mockComposer{}
	m := &payrollMetrics{}
	return Deps{
		Aggregator:     agg,
		Payroll:        comp,
		ExpiredCleanup: cleanerFunc(func(context.Context) (string, error) { return "uploads=1 audit_logs=2", nil }),
		DeepCleanup:    cleanerFunc(func(context.Context) (string, error) { return "job_runs=0 activity_batches=0", nil }),
		Metrics:        m,
		Now:            func() time.Time { return fixedNow },
	}, agg, comp, m
}

func findJob(t *testing.T, jobs []scheduler.Job, name string) scheduler.Job {
	t.Helper()
	for _, j := range jobs {
		if j.Name == name {
			return j
		}
	}
	t.Fatalf("ジョブ %s が登録されていません", name)
	return scheduler.Job{}
}

func TestRegistry_NamesAndSpecs(t *testing.T) {
	deps, _, _, _ := newDeps()
	jobs := Registry(deps)

	want := map[string]string{
		HourlyAggregation: "5 * * * *",
		NightlyStreak:     "15 0 * * *",
		WeeklyUploadCheck: "0 1 * * 1",
		WeeklyPayroll:     "0 3 * * 1",
		ExpiredCleanup:    "30 2 * * *",
		DeepCleanup:       "0 4 * * 0",
	}
	if len(jobs) != len(want) {
		t.Fatalf("ジョブ数 = %d, want %d", len(jobs), len(want))
	}
	for _, j := range jobs {
		spec, ok := want[j.Name]
		if !ok {
			t.Errorf("想定外のジョブ: %s", j.Name)
			continue
		}
		if j.Spec != spec {
			t.Errorf("%s のSpec = %q, want %q", j.Name, j.Spec, spec)
		}
		if _, err := cron.ParseStandard(j.Spec); err != nil {
			t.Errorf("%s のSpecが解析できません: %v", j.Name, err)
		}
		if j.Run == nil || j.Description == "" {
			t.Errorf("%s のRun/Descriptionが未設定です", j.Name)
		}
	}
}

func TestHourlyAggregation_UsesLookback(t *testing.T) {
	deps, agg, _, _ := newDeps()
	var gotSince time.Time
	agg.reconcileFn = func(_ context.Context, since time.Time) (*aggregate.ReconcileResult, error) {
		gotSince = since
		return &aggregate.ReconcileResult{Days: 4, MeetingMinimum: 2}, nil
	}

	out, err := findJob(t, Registry(deps), HourlyAggregation).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !gotSince.Equal(fixedNow.Add(-48 * time.Hour)) {
		t.Errorf("since = %v, want %v", gotSince, fixedNow.Add(-48*time.Hour))
	}
	if out != "days=4 meeting_minimum=2" {
		t.Errorf("result = %q", out)
	}
}

type runHistoryFunc func(ctx context.Context, jobName string) (*model.JobRun, error)

func (f runHistoryFunc) FindLastCompleted(ctx context.Context, jobName string) (*model.JobRun, error) {
	return f(ctx, jobName)
}

func TestHourlyAggregation_SinceLastCompletedRun(t *testing.T) {
	completedAt := func(d time.Duration) *model.JobRun {
		at := fixedNow.Add(-d)
		return &model.JobRun{JobName: HourlyAggregation, Status: model.JobRunCompleted, CompletedAt: &at}
	}

	tests := []struct {
		name string
		last *model.JobRun
		want time.Time
	}{
		{"実行履歴なしは48時間", nil, fixedNow.Add(-48 * time.Hour)},
		{"直近の完了は48時間を下限とする", completedAt(time.Hour), fixedNow.Add(-48 * time.Hour)},
		{"停止期間があれば前回完了まで遡る", completedAt(72 * time.Hour), fixedNow.Add(-72*time.Hour - ReconcileOverlap)},
		{"完了時刻のない記録は無視する", &model.JobRun{JobName: HourlyAggregation}, fixedNow.Add(-48 * time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, agg, _, _ := newDeps()
			var gotName string
			deps.Runs = runHistoryFunc(func(_ context.Context, jobName string) (*model.JobRun, error) {
				gotName = jobName
				return tt.last, nil
			})
			var gotSince time.Time
			agg.reconcileFn = func(_ context.Context, since time.Time) (*aggregate.ReconcileResult, error) {
				gotSince = since
				return &aggregate.ReconcileResult{}, nil
			}

			if _, err := findJob(t, Registry(deps), HourlyAggregation).Run(context.Background()); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if gotName != HourlyAggregation {
				t.Errorf("jobName = %q, want %q", gotName, HourlyAggregation)
			}
			if !gotSince.Equal(tt.want) {
				t.Errorf("since = %v, want %v", gotSince, tt.want)
			}
		})
	}
}

func TestHourlyAggregation_HistoryError(t *testing.T) {
	deps, agg, _, _ := newDeps()
	deps.Runs = runHistoryFunc(func(context.Context, string) (*model.JobRun, error) {
		return nil, errors.New("connection refused")
	})
	agg.reconcileFn = func(context.Context, time.Time) (*aggregate.ReconcileResult, error) {
		t.Error("履歴の取得に失敗した場合は集計しないべきです")
		return &aggregate.ReconcileResult{}, nil
	}

	if _, err := findJob(t, Registry(deps), HourlyAggregation).Run(context.Background()); err == nil {
		t.Fatal("エラーが返されるべきです")
	}
}

func TestNightlyStreak_UsesYesterday(t *testing.T) {
	deps, agg, _, _ := newDeps()
	agg.streaksFn = func(_ context.Context, day time.Time) (*aggregate.StreakResult, error) {
		return &aggregate.StreakResult{Day: day, Users: 3, Refreshed: 1}, nil
	}

	out, err := findJob(t, Registry(deps), NightlyStreak).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != "day=2024-06-11 users=3 refreshed=1" {
		t.Errorf("result = %q", out)
	}
}

func TestWeeklyUploadCheck_UsesPreviousWeek(t *testing.T) {
	deps, agg, _, _ := newDeps()
	agg.uploadsFn = func(_ context.Context, weekStart time.Time) (*aggregate.UploadCheckResult, error) {
		return &aggregate.UploadCheckResult{WeekStart: weekStart, Missing: 2, Created: 1}, nil
	}

	out, err := findJob(t, Registry(deps), WeeklyUploadCheck).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != "week=2024-06-03 missing=2 created=1" {
		t.Errorf("result = %q", out)
	}
}

func TestWeeklyPayroll_ComposesPreviousWeekAndRecordsMetrics(t *testing.T) {
	deps, _, comp, m := newDeps()
	var got payroll.ComposeInput
	comp.composeFn = func(_ context.Context, in payroll.ComposeInput) (*payroll.ComposeResult, error) {
		got = in
		return &payroll.ComposeResult{
			WeekStart: in.WeekStart,
			WeekEnd:   in.WeekEnd,
			Totals: payroll.Totals{
				Users:          3,
				Created:        2,
				AlreadyExisted: 1,
				FinalAmount:    model.Money(952500),
			},
		}, nil
	}

	out, err := findJob(t, Registry(deps), WeeklyPayroll).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got.Preview || len(got.UserIDs) != 0 {
		t.Errorf("ComposeInput = %+v, want 全従業員・永続化あり", got)
	}
	if got.WeekStart.Format(time.DateOnly) != "2024-06-03" || got.WeekEnd.Format(time.DateOnly) != "2024-06-09" {
		t.Errorf("週 = %s..%s, want 2024-06-03..2024-06-09", got.WeekStart, got.WeekEnd)
	}
	if out != "week=2024-06-03 users=3 created=2 existed=1 final=9525.00" {
		t.Errorf("result = %q", out)
	}
	if m.created != 2 {
		t.Errorf("RecordPayrollWeeksCreated = %d, want 2", m.created)
	}
}

func TestJobs_PropagateErrors(t *testing.T) {
	deps, agg, comp, m := newDeps()
	boom := errors.New("boom")
	agg.reconcileFn = func(context.Context, time.Time) (*aggregate.ReconcileResult, error) { return nil, boom }
	comp.composeFn = func(context.Context, payroll.ComposeInput) (*payroll.ComposeResult, error) { return nil, boom }

	jobs := Registry(deps)
	for _, name := range []string{HourlyAggregation, WeeklyPayroll} {
		if _, err := findJob(t, jobs, name).Run(context.Background()); !errors.Is(err, boom) {
			t.Errorf("%s error = %v, want boom", name, err)
		}
	}
	if m.created != 0 {
		t.Errorf("失敗時にRecordPayrollWeeksCreatedが呼ばれました: %d", m.created)
	}
}

func TestCleanupJobs_DelegateToCleaner(t *testing.T) {
	deps, _, _, _ := newDeps()
	jobs := Registry(deps)

	out, err := findJob(t, jobs, ExpiredCleanup).Run(context.Background())
	if err != nil || out != "uploads=1 audit_logs=2" {
		t.Errorf("expired_cleanup = (%q, %v)", out, err)
	}
	out, err = findJob(t, jobs, DeepCleanup).Run(context.Background())
	if err != nil || out != "job_runs=0 activity_batches=0" {
		t.Errorf("deep_cleanup = (%q, %v)", out, err)
	}
}
