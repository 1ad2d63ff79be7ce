// Package scheduler は名前付きジョブの定期実行と手動実行を管理するスーパーバイザーを提供する。
//
// 実行はすべてjob_runsに記録され、RUNNING中の多重起動とクールダウン期間内の再実行を拒否する。
// 定期実行はscheduler_leasesのリースを保持しているインスタンスだけが行う。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/hitoshi/kintai/internal/metrics"
	"github.com/hitoshi/kintai/internal/model"
	"github.com/hitoshi/kintai/internal/repository"
)

// LeaseName はスーパーバイザーが取得するリース名。
const LeaseName = "job_supervisor"

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	supersededReason    = "superseded by forced run"
)

// JobFunc はジョブ本体。戻り値の文字列は実行結果の説明としてjob_runsに保存される。
type JobFunc func(ctx context.Context) (string, error)

// Job は登録するジョブの定義。
type Job struct {
	Name        string
	Spec        string // 5フィールドのcron式
	Description string
	Run         JobFunc
}

// JobInfo は登録済みジョブの参照情報。
type JobInfo struct {
	Name        string
	Spec        string
	Description string
	NextRun     *time.Time // 定期実行が有効な場合のみ
}

// History はジョブ実行履歴と集計値。
type History struct {
	Runs  []*model.JobRun
	Stats *model.JobRunStats
}

// Config はスーパーバイザーの設定。
type Config struct {
	Location *time.Location
	Cooldown time.Duration
	LeaseTTL time.Duration
	Holder   string // リース保持者の識別子（省略時はランダム）
}

// Supervisor はジョブの登録・定期実行・手動実行を管理する。
// プロセス起動時に1つだけ生成し、ハンドラーやワーカーから参照で共有する。
type Supervisor struct {
	jobs    map[string]Job
	order   []string
	runs    repository.JobRunRepository
	leases  repository.LeaseRepository
	metrics metrics.MetricsCollector
	config  Config
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	initialized bool
	cron        *cron.Cron
	entries     map[string]cron.EntryID
	baseCtx     context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewSupervisor はSupervisorを生成する。cron式の不正やジョブ名の重複はエラーとする。
func NewSupervisor(
	runs repository.JobRunRepository,
	leases repository.LeaseRepository,
	collector metrics.MetricsCollector,
	config Config,
	logger *slog.Logger,
	jobs ...Job,
) (*Supervisor, error) {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 15 * time.Minute
	}
	if config.Holder == "" {
		config.Holder = uuid.New().String()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		jobs:    make(map[string]Job, len(jobs)),
		runs:    runs,
		leases:  leases,
		metrics: collector,
		config:  config,
		logger:  logger.With(slog.String("component", "supervisor")),
		now:     time.Now,
		entries: make(map[string]cron.EntryID),
	}
	for _, j := range jobs {
		if j.Name == "" || j.Run == nil {
			return nil, errors.New("job name and run function are required")
		}
		if _, dup := s.jobs[j.Name]; dup {
			return nil, fmt.Errorf("duplicate job name: %s", j.Name)
		}
		if j.Spec != "" {
			if _, err := cron.ParseStandard(j.Spec); err != nil {
				return nil, fmt.Errorf("invalid cron spec for %s: %w", j.Name, err)
			}
		}
		s.jobs[j.Name] = j
		s.order = append(s.order, j.Name)
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Init は定期実行を登録して開始する。2回目以降の呼び出しは何もせずfalseを返す。
// 起動時にリースを取得し、以降はリースの更新を続ける。リースを保持していない間の定期実行はスキップされる。
func (s *Supervisor) Init(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return false, nil
	}

	held, err := s.leases.Acquire(ctx, LeaseName, s.config.Holder, s.config.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("failed to acquire scheduler lease: %w", err)
	}
	if !held {
		s.logger.Info("スケジューラのリースは別インスタンスが保持しています", slog.String("holder", s.config.Holder))
	}

	adapter := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLocation(s.config.Location),
		cron.WithLogger(adapter),
		cron.WithChain(cron.SkipIfStillRunning(adapter)),
	)
	for _, name := range s.order {
		job := s.jobs[name]
		if job.Spec == "" {
			continue
		}
		id, err := c.AddFunc(job.Spec, func() { s.runScheduled(job) })
		if err != nil {
			return false, fmt.Errorf("failed to schedule %s: %w", job.Name, err)
		}
		s.entries[job.Name] = id
		s.logger.Info("ジョブを登録しました", slog.String("job", job.Name), slog.String("spec", job.Spec))
	}
	c.Start()
	s.cron = c

	s.wg.Add(1)
	go s.renewLease()

	s.initialized = true
	s.logger.Info("ジョブスーパーバイザーを開始しました",
		slog.Int("jobs", len(s.entries)),
		slog.Bool("lease_held", held),
		slog.String("location", s.config.Location.String()),
	)
	return true, nil
}

// Initialized は定期実行が開始済みかどうかを返す。
func (s *Supervisor) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// renewLease はリースTTLの1/3間隔でリースを更新する。
func (s *Supervisor) renewLease() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			if _, err := s.leases.Acquire(s.baseCtx, LeaseName, s.config.Holder, s.config.LeaseTTL); err != nil && s.baseCtx.Err() == nil {
				s.logger.Warn("スケジューラのリース更新に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop は定期実行を止め、実行中のジョブの完了を待ってからリースを解放する。
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	go func() {
		s.cancel()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if c != nil {
		if err := s.leases.Release(ctx, LeaseName, s.config.Holder); err != nil {
			return fmt.Errorf("failed to release scheduler lease: %w", err)
		}
	}
	s.logger.Info("ジョブスーパーバイザーを停止しました")
	return nil
}

// Jobs は登録済みジョブを登録順で返す。
func (s *Supervisor) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.order))
	for _, name := range s.order {
		job := s.jobs[name]
		info := JobInfo{Name: job.Name, Spec: job.Spec, Description: job.Description}
		if id, ok := s.entries[name]; ok && s.cron != nil {
			next := s.cron.Entry(id).Next
			if !next.IsZero() {
				info.NextRun = &next
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// Trigger はジョブを非同期で実行する。ガードを通過した場合はRUNNINGの実行記録を返す。
func (s *Supervisor) Trigger(ctx context.Context, name string, force bool) (*model.JobRun, error) {
	job, run, err := s.begin(ctx, name, model.JobTriggerManual, force)
	if err != nil {
		return nil, err
	}
	started := *run
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.baseCtx, job, run)
	}()
	return &started, nil
}

// RunNow はジョブを同期的に実行し、確定した実行記録を返す。
// ジョブ自体の失敗は実行記録のFAILEDとして返し、エラーにはしない。
func (s *Supervisor) RunNow(ctx context.Context, name string, force bool) (*model.JobRun, error) {
	job, run, err := s.begin(ctx, name, model.JobTriggerManual, force)
	if err != nil {
		return nil, err
	}
	s.execute(ctx, job, run)
	return run, nil
}

// History はジョブ実行履歴を返す。nameが空の場合は全ジョブを対象とする。
func (s *Supervisor) History(ctx context.Context, name string, limit int) (*History, error) {
	if name != "" {
		if _, ok := s.jobs[name]; !ok {
			return nil, model.NewJobNotFoundError(name)
		}
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	runs, err := s.runs.List(ctx, name, limit)
	if err != nil {
		return nil, fmt.Errorf("ジョブ実行履歴の取得に失敗しました: %w", err)
	}
	stats, err := s.runs.Stats(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("ジョブ実行統計の取得に失敗しました: %w", err)
	}
	return &History{Runs: runs, Stats: stats}, nil
}

// runScheduled は定期実行のエントリポイント。リースを保持していない場合とガードに該当する場合はスキップする。
func (s *Supervisor) runScheduled(job Job) {
	ctx := s.baseCtx
	held, err := s.leases.Acquire(ctx, LeaseName, s.config.Holder, s.config.LeaseTTL)
	if err != nil {
		s.logger.Error("スケジューラのリース確認に失敗しました",
			slog.String("job", job.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if !held {
		s.logger.Debug("リース未保持のため定期実行をスキップしました", slog.String("job", job.Name))
		s.recordSkipped(job.Name, "lease")
		return
	}

	_, run, err := s.begin(ctx, job.Name, model.JobTriggerSchedule, false)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			s.logger.Info("定期実行をスキップしました",
				slog.String("job", job.Name),
				slog.String("code", apiErr.Code),
			)
			s.recordSkipped(job.Name, apiErr.Code)
			return
		}
		s.logger.Error("定期実行の開始に失敗しました",
			slog.String("job", job.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	s.execute(ctx, job, run)
}

// begin はガードを評価し、RUNNINGの実行記録を作成する。
func (s *Supervisor) begin(ctx context.Context, name string, trigger model.JobTrigger, force bool) (Job, *model.JobRun, error) {
	job, ok := s.jobs[name]
	if !ok {
		return Job{}, nil, model.NewJobNotFoundError(name)
	}
	now := s.now().UTC()

	running, err := s.runs.FindRunning(ctx, name)
	if err != nil {
		return Job{}, nil, fmt.Errorf("実行中ジョブの確認に失敗しました: %w", err)
	}
	if running != nil {
		if !force {
			return Job{}, nil, model.NewJobAlreadyRunningError(name)
		}
		n, err := s.runs.Supersede(ctx, name, supersededReason, now)
		if err != nil {
			return Job{}, nil, fmt.Errorf("実行中ジョブの置き換えに失敗しました: %w", err)
		}
		s.logger.Warn("実行中のジョブを強制実行で置き換えました",
			slog.String("job", name),
			slog.String("superseded_run_id", running.RunID),
			slog.Int64("count", n),
		)
	}

	if !force && s.config.Cooldown > 0 {
		last, err := s.runs.FindLastCompleted(ctx, name)
		if err != nil {
			return Job{}, nil, fmt.Errorf("直近の実行記録の取得に失敗しました: %w", err)
		}
		if last != nil && last.CompletedAt != nil {
			if elapsed := now.Sub(*last.CompletedAt); elapsed < s.config.Cooldown {
				remaining := int((s.config.Cooldown - elapsed + time.Second - 1) / time.Second)
				return Job{}, nil, model.NewJobCooldownError(name, remaining)
			}
		}
	}

	run := &model.JobRun{
		RunID:     uuid.New().String(),
		JobName:   name,
		Status:    model.JobRunRunning,
		Trigger:   trigger,
		Forced:    force,
		StartedAt: now,
	}
	if err := s.runs.Start(ctx, run); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return Job{}, nil, model.NewJobAlreadyRunningError(name)
		}
		return Job{}, nil, fmt.Errorf("実行記録の作成に失敗しました: %w", err)
	}
	return job, run, nil
}

// execute はジョブを実行し、結果を実行記録に確定する。panicはFAILEDとして記録する。
func (s *Supervisor) execute(ctx context.Context, job Job, run *model.JobRun) {
	s.logger.Info("ジョブを開始しました",
		slog.String("job", job.Name),
		slog.String("run_id", run.RunID),
		slog.String("trigger", string(run.Trigger)),
		slog.Bool("forced", run.Forced),
	)

	result, err := safeRun(ctx, job.Run)
	completedAt := s.now().UTC()
	status := model.JobRunCompleted
	if err != nil {
		status = model.JobRunFailed
		if result == "" {
			result = err.Error()
		} else {
			result = result + ": " + err.Error()
		}
	}

	// 呼び出し元のキャンセル後も実行記録は確定させる
	if ferr := s.runs.Finish(context.WithoutCancel(ctx), run.RunID, status, result, completedAt); ferr != nil {
		if errors.Is(ferr, repository.ErrNotFound) {
			s.logger.Warn("実行記録は強制実行により置き換え済みです",
				slog.String("job", job.Name),
				slog.String("run_id", run.RunID),
			)
		} else {
			s.logger.Error("実行記録の確定に失敗しました",
				slog.String("job", job.Name),
				slog.String("run_id", run.RunID),
				slog.String("error", ferr.Error()),
			)
		}
	}
	run.Status = status
	run.Result = result
	run.CompletedAt = &completedAt

	duration := completedAt.Sub(run.StartedAt)
	if s.metrics != nil {
		s.metrics.RecordJobRun(job.Name, string(status), duration)
	}
	if err != nil {
		s.logger.Error("ジョブが失敗しました",
			slog.String("job", job.Name),
			slog.String("run_id", run.RunID),
			slog.String("error", err.Error()),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		return
	}
	s.logger.Info("ジョブが完了しました",
		slog.String("job", job.Name),
		slog.String("run_id", run.RunID),
		slog.String("result", result),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

func safeRun(ctx context.Context, fn JobFunc) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

func (s *Supervisor) recordSkipped(name, reason string) {
	if s.metrics != nil {
		s.metrics.RecordJobSkipped(name, reason)
	}
}

// cronLogger はrobfig/cronのログをslogへ出力するアダプター。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{slog.String("error", err.Error())}, keysAndValues...)...)
}
