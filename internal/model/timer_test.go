package model

import (
	"testing"
	"time"
)

func ptrTime(t time.Time) *time.Time { return &t }

func TestTimerSession_State(t *testing.T) {
	start := time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		session TimerSession
		want    TimerState
	}{
		{
			name:    "一時停止なしの計測中はACTIVE",
			session: TimerSession{StartedAt: start},
			want:    TimerStateActive,
		},
		{
			name: "終了していない一時停止があればPAUSED",
			session: TimerSession{StartedAt: start, Pauses: []PauseEvent{
				{StartedAt: start.Add(time.Hour)},
			}},
			want: TimerStatePaused,
		},
		{
			name: "一時停止が全て終了していればACTIVE",
			session: TimerSession{StartedAt: start, Pauses: []PauseEvent{
				{StartedAt: start.Add(time.Hour), EndedAt: ptrTime(start.Add(90 * time.Minute))},
			}},
			want: TimerStateActive,
		},
		{
			name:    "終了済みはENDED",
			session: TimerSession{StartedAt: start, EndedAt: ptrTime(start.Add(2 * time.Hour))},
			want:    TimerStateEnded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.session.State(); got != tt.want {
				t.Errorf("State() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTimerSession_ActiveSecondsSoFar(t *testing.T) {
	start := time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC)
	s := TimerSession{
		StartedAt: start,
		Pauses: []PauseEvent{
			{StartedAt: start.Add(time.Hour), EndedAt: ptrTime(start.Add(time.Hour + 15*time.Minute))},
			{StartedAt: start.Add(3 * time.Hour)},
		},
	}

	asOf := start.Add(3*time.Hour + 30*time.Minute)
	if got := s.ElapsedSeconds(asOf); got != 12600 {
		t.Errorf("ElapsedSeconds() = %d, want 12600", got)
	}
	// 15分 + 開いている一時停止の30分
	if got := s.PausedSeconds(asOf); got != 2700 {
		t.Errorf("PausedSeconds() = %d, want 2700", got)
	}
	if got := s.ActiveSecondsSoFar(asOf); got != 9900 {
		t.Errorf("ActiveSecondsSoFar() = %d, want 9900", got)
	}
}

func TestTimerSession_ActiveSecondsSoFar_NeverNegative(t *testing.T) {
	start := time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC)
	s := TimerSession{StartedAt: start}

	if got := s.ActiveSecondsSoFar(start.Add(-time.Minute)); got != 0 {
		t.Errorf("開始前の時刻では0を返すべきです: got %d", got)
	}
}

func TestPauseEvent_Seconds_EndBeforeStart(t *testing.T) {
	start := time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC)
	p := PauseEvent{StartedAt: start, EndedAt: ptrTime(start.Add(-time.Second))}
	if got := p.Seconds(start); got != 0 {
		t.Errorf("Seconds() = %d, want 0", got)
	}
}

func TestTimerSession_OpenPause_ReturnsLatest(t *testing.T) {
	start := time.Date(2024, 6, 12, 9, 0, 0, 0, time.UTC)
	s := TimerSession{
		StartedAt: start,
		Pauses: []PauseEvent{
			{ID: "p1", StartedAt: start, EndedAt: ptrTime(start.Add(time.Minute))},
			{ID: "p2", StartedAt: start.Add(time.Hour)},
		},
	}
	open := s.OpenPause()
	if open == nil || open.ID != "p2" {
		t.Fatalf("OpenPause() = %+v, want p2", open)
	}
	// 返されたポインタはセッション内のエントリを指す
	end := start.Add(2 * time.Hour)
	open.EndedAt = &end
	if s.OpenPause() != nil {
		t.Error("終了後はOpenPause()がnilを返すべきです")
	}
}

func TestParsePauseReason(t *testing.T) {
	tests := []struct {
		in      string
		want    PauseReason
		wantErr bool
	}{
		{"break", PauseReasonBreak, false},
		{"lunch", PauseReasonLunch, false},
		{"meeting", PauseReasonMeeting, false},
		{"personal", PauseReasonPersonal, false},
		{"other", PauseReasonOther, false},
		{"", PauseReasonOther, false},
		{"nap", "", true},
		{"BREAK", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePauseReason(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePauseReason(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePauseReason(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
