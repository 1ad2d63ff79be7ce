package timer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/kintai/internal/model"
	"github.com/hitoshi/kintai/internal/repository"
	"github.com/hitoshi/kintai/internal/security"
)

// memSessionRepo はTimerSessionRepositoryのインメモリ実装。
type memSessionRepo struct {
	sessions  map[string]*model.TimerSession
	summaries map[string]*model.DailySummary
	closeErr  error
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{
		sessions:  make(map[string]*model.TimerSession),
		summaries: make(map[string]*model.DailySummary),
	}
}

func summaryKey(userID string, d time.Time) string {
	return userID + "/" + d.Format(model.DateLayout)
}

func (r *memSessionRepo) Create(_ context.Context, session *model.TimerSession) error {
	for _, s := range r.sessions {
		if s.UserID == session.UserID && s.DeviceID == session.DeviceID && s.EndedAt == nil {
			return repository.ErrDuplicate
		}
	}
	cp := *session
	r.sessions[session.ID] = &cp
	return nil
}

func (r *memSessionRepo) FindOpen(_ context.Context, userID, deviceID string) (*model.TimerSession, error) {
	for _, s := range r.sessions {
		if s.UserID == userID && s.DeviceID == deviceID && s.EndedAt == nil {
			cp := *s
			cp.Pauses = append([]model.PauseEvent(nil), s.Pauses...)
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memSessionRepo) FindByID(_ context.Context, id string) (*model.TimerSession, error) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *memSessionRepo) AddPause(_ context.Context, pause *model.PauseEvent) error {
	s := r.sessions[pause.SessionID]
	if s.OpenPause() != nil {
		return repository.ErrDuplicate
	}
	s.Pauses = append(s.Pauses, *pause)
	return nil
}

func (r *memSessionRepo) EndPause(_ context.Context, sessionID string, endedAt time.Time) error {
	s := r.sessions[sessionID]
	p := s.OpenPause()
	if p == nil {
		return repository.ErrNotFound
	}
	p.EndedAt = &endedAt
	return nil
}

func (r *memSessionRepo) Close(_ context.Context, p repository.CloseSessionParams) (*model.DailySummary, error) {
	if r.closeErr != nil {
		return nil, r.closeErr
	}
	s, ok := r.sessions[p.SessionID]
	if !ok || s.EndedAt != nil {
		return nil, repository.ErrNotFound
	}
	if open := s.OpenPause(); open != nil {
		open.EndedAt = &p.EndedAt
	}
	s.EndedAt = &p.EndedAt
	s.ActiveSeconds = p.ActiveSeconds
	s.WorkDate = &p.WorkDate

	key := summaryKey(p.UserID, p.WorkDate)
	sum, ok := r.summaries[key]
	if !ok {
		sum = &model.DailySummary{UserID: p.UserID, WorkDate: p.WorkDate}
		r.summaries[key] = sum
	}
	sum.BillableSeconds += p.ActiveSeconds
	sum.MeetsDailyMinimum = sum.BillableSeconds >= p.DailyMinimum
	cp := *sum
	return &cp, nil
}

func (r *memSessionRepo) ListTouchedSince(_ context.Context, _ time.Time) ([]model.UserDay, error) {
	return nil, nil
}

// fakeClock はテスト用の進められる時計。
type fakeClock struct{ t time.Time }

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(repo *memSessionRepo, clock *fakeClock, cfg Config) *Service {
	svc := NewService(repo, security.NewTextSanitizer(), cfg, nil)
	svc.now = clock.Now
	return svc
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError %s", err, code)
	}
	if apiErr.Code != code {
		t.Errorf("code = %s, want %s", apiErr.Code, code)
	}
}

func int64p(v int64) *int64 { return &v }

func TestStart_SecondStartIsStateError(t *testing.T) {
	repo := newMemSessionRepo()
	svc := newTestService(repo, newFakeClock(time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)), Config{})

	if _, err := svc.Start(context.Background(), "u1", "d1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_, err := svc.Start(context.Background(), "u1", "d1")
	assertCode(t, err, model.ErrCodeSessionAlreadyOpen)

	// 別デバイスなら開始できる
	if _, err := svc.Start(context.Background(), "u1", "d2"); err != nil {
		t.Errorf("Start() on another device error = %v", err)
	}
}

func TestPauseResumeStop_ServerDerivedSeconds(t *testing.T) {
	repo := newMemSessionRepo()
	clock := newFakeClock(time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC))
	svc := newTestService(repo, clock, Config{})
	ctx := context.Background()

	if _, err := svc.Start(ctx, "u1", "d1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	clock.Advance(2 * time.Hour)

	sess, err := svc.Pause(ctx, "u1", "d1", PauseInput{Reason: "lunch", Note: "<b>昼食</b>", ExpectedDuration: 30 * time.Minute})
	if err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if sess.State() != model.TimerStatePaused {
		t.Errorf("state = %s, want PAUSED", sess.State())
	}
	if sess.Pauses[0].Note != "昼食" {
		t.Errorf("note = %q, want sanitized", sess.Pauses[0].Note)
	}

	_, err = svc.Pause(ctx, "u1", "d1", PauseInput{Reason: "break"})
	assertCode(t, err, model.ErrCodeSessionAlreadyPaused)

	clock.Advance(45 * time.Minute)
	status, err := svc.Current(ctx, "u1", "d1")
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if status.State != model.TimerStatePaused || status.PausedSeconds != 2700 {
		t.Errorf("status = %+v, want PAUSED with 2700 paused seconds", status)
	}

	if _, err := svc.Resume(ctx, "u1", "d1"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	_, err = svc.Resume(ctx, "u1", "d1")
	assertCode(t, err, model.ErrCodeSessionNotPaused)

	clock.Advance(1 * time.Hour)
	res, err := svc.Stop(ctx, "u1", "d1", StopInput{})
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// 経過3h45m - 一時停止45m = 3h
	if res.ActiveSeconds != 3*3600 {
		t.Errorf("ActiveSeconds = %d, want %d", res.ActiveSeconds, 3*3600)
	}
	if res.Summary.BillableSeconds != 3*3600 || res.Summary.MeetsDailyMinimum {
		t.Errorf("summary = %+v", res.Summary)
	}
	if res.Session.State() != model.TimerStateEnded {
		t.Errorf("state = %s, want ENDED", res.Session.State())
	}
}

func TestStop_AdditiveAcrossSessions(t *testing.T) {
	repo := newMemSessionRepo()
	clock := newFakeClock(time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC))
	svc := newTestService(repo, clock, Config{})
	ctx := context.Background()

	var last *StopResult
	for _, d := range []time.Duration{2 * time.Hour, 3 * time.Hour, 1 * time.Hour} {
		if _, err := svc.Start(ctx, "u1", "d1"); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		clock.Advance(d)
		res, err := svc.Stop(ctx, "u1", "d1", StopInput{})
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
		last = res
		clock.Advance(10 * time.Minute)
	}

	if last.Summary.BillableSeconds != 21600 {
		t.Errorf("BillableSeconds = %d, want 21600", last.Summary.BillableSeconds)
	}
	if !last.Summary.MeetsDailyMinimum {
		t.Error("6時間ちょうどで最低稼働を満たしていない")
	}
}

func TestStop_ClientTotals(t *testing.T) {
	tests := []struct {
		name   string
		trust  bool
		client *int64
		want   int64
	}{
		{"申告値を採用", true, int64p(3000), 3000},
		{"経過時間で頭打ち", true, int64p(999999), 3600},
		{"負数は0", true, int64p(-5), 0},
		{"申告なしはサーバー計算", true, nil, 3000},
		{"信頼しない設定ではサーバー計算", false, int64p(100), 3000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemSessionRepo()
			clock := newFakeClock(time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC))
			svc := newTestService(repo, clock, Config{TrustClientTotals: tt.trust})
			ctx := context.Background()

			if _, err := svc.Start(ctx, "u1", "d1"); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			clock.Advance(50 * time.Minute)
			if _, err := svc.Pause(ctx, "u1", "d1", PauseInput{Reason: "break"}); err != nil {
				t.Fatalf("Pause() error = %v", err)
			}
			// 一時停止したまま終了すると、終了時刻で一時停止も閉じる
			clock.Advance(10 * time.Minute)

			res, err := svc.Stop(ctx, "u1", "d1", StopInput{TotalActiveSeconds: tt.client})
			if err != nil {
				t.Fatalf("Stop() error = %v", err)
			}
			if res.ActiveSeconds != tt.want {
				t.Errorf("ActiveSeconds = %d, want %d", res.ActiveSeconds, tt.want)
			}
			if res.Session.OpenPause() != nil {
				t.Error("終了後も一時停止が開いたまま")
			}
		})
	}
}

func TestStop_WithoutStartIsNotFound(t *testing.T) {
	repo := newMemSessionRepo()
	svc := newTestService(repo, newFakeClock(time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)), Config{})

	_, err := svc.Stop(context.Background(), "u1", "d1", StopInput{})
	assertCode(t, err, model.ErrCodeSessionNotFound)
	if len(repo.summaries) != 0 {
		t.Error("日次集計が変更された")
	}

	_, err = svc.Pause(context.Background(), "u1", "d1", PauseInput{Reason: "break"})
	assertCode(t, err, model.ErrCodeSessionNotFound)
}

func TestStop_ConcurrentCloseIsNotFound(t *testing.T) {
	repo := newMemSessionRepo()
	svc := newTestService(repo, newFakeClock(time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)), Config{})
	if _, err := svc.Start(context.Background(), "u1", "d1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	repo.closeErr = repository.ErrNotFound

	_, err := svc.Stop(context.Background(), "u1", "d1", StopInput{})
	assertCode(t, err, model.ErrCodeSessionNotFound)
}

func TestStop_WorkDateUsesBusinessTimezone(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	repo := newMemSessionRepo()
	// UTC 1/6 20:00 = JST 1/7 05:00
	clock := newFakeClock(time.Date(2025, 1, 6, 20, 0, 0, 0, time.UTC))
	svc := newTestService(repo, clock, Config{Location: tokyo})
	ctx := context.Background()

	if _, err := svc.Start(ctx, "u1", "d1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	clock.Advance(time.Hour)
	res, err := svc.Stop(ctx, "u1", "d1", StopInput{})
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := res.Summary.WorkDate.Format(model.DateLayout); got != "2025-01-07" {
		t.Errorf("WorkDate = %s, want 2025-01-07", got)
	}
}

func TestPause_InvalidReason(t *testing.T) {
	repo := newMemSessionRepo()
	svc := newTestService(repo, newFakeClock(time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)), Config{})
	if _, err := svc.Start(context.Background(), "u1", "d1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, err := svc.Pause(context.Background(), "u1", "d1", PauseInput{Reason: "nap"})
	assertCode(t, err, model.ErrCodeInvalidRequest)

	_, err = svc.Pause(context.Background(), "u1", "d1", PauseInput{Reason: "break", ExpectedDuration: 13 * time.Hour})
	assertCode(t, err, model.ErrCodeInvalidRequest)
}

func TestCurrent_NoSession(t *testing.T) {
	svc := newTestService(newMemSessionRepo(), newFakeClock(time.Now()), Config{})
	status, err := svc.Current(context.Background(), "u1", "d1")
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if status.State != model.TimerStateNone || status.Session != nil {
		t.Errorf("status = %+v, want NONE", status)
	}
}
