// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// TimerState はタイマーセッションの状態を表す。
type TimerState string

const (
	// TimerStateNone は計測中のセッションが存在しない状態。
	TimerStateNone TimerState = "NONE"
	// TimerStateActive は計測中の状態。
	TimerStateActive TimerState = "ACTIVE"
	// TimerStatePaused は一時停止中の状態。
	TimerStatePaused TimerState = "PAUSED"
	// TimerStateEnded は終了済みの状態。
	TimerStateEnded TimerState = "ENDED"
)

// PauseReason は一時停止理由の閉じた集合。
type PauseReason string

const (
	PauseReasonBreak    PauseReason = "break"
	PauseReasonLunch    PauseReason = "lunch"
	PauseReasonMeeting  PauseReason = "meeting"
	PauseReasonPersonal PauseReason = "personal"
	PauseReasonOther    PauseReason = "other"
)

// ParsePauseReason は文字列を一時停止理由に変換する。空文字はotherとして扱う。
func ParsePauseReason(s string) (PauseReason, error) {
	switch PauseReason(s) {
	case PauseReasonBreak, PauseReasonLunch, PauseReasonMeeting, PauseReasonPersonal, PauseReasonOther:
		return PauseReason(s), nil
	case "":
		return PauseReasonOther, nil
	default:
		return "", fmt.Errorf("unknown pause reason: %q", s)
	}
}

// PauseEvent は一時停止台帳の1エントリを表す。
// EndedAtがnilの間はセッションが一時停止中であることを示す。
type PauseEvent struct {
	ID               string
	SessionID        string
	StartedAt        time.Time
	Reason           PauseReason
	Note             string // サニタイズ済み
	ExpectedDuration time.Duration
	EndedAt          *time.Time
}

// Seconds はasOf時点までの一時停止秒数を返す。終了済みのエントリはEndedAtまでを数える。
func (p *PauseEvent) Seconds(asOf time.Time) int64 {
	end := asOf
	if p.EndedAt != nil {
		end = *p.EndedAt
	}
	if end.Before(p.StartedAt) {
		return 0
	}
	return int64(end.Sub(p.StartedAt) / time.Second)
}

// TimerSession は(ユーザー, デバイス)ごとの作業セッションを表す。
// EndedAtがnilのセッションは(ユーザー, デバイス)ごとに高々1件。
type TimerSession struct {
	ID            string
	UserID        string
	DeviceID      string
	StartedAt     time.Time
	EndedAt       *time.Time
	ActiveSeconds int64
	WorkDate      *time.Time // 終了時に確定する集計日
	Pauses        []PauseEvent
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsOpen はセッションが終了していないかどうかを返す。
func (s *TimerSession) IsOpen() bool {
	return s.EndedAt == nil
}

// OpenPause は終了していない一時停止エントリを返す。存在しない場合はnilを返す。
func (s *TimerSession) OpenPause() *PauseEvent {
	for i := len(s.Pauses) - 1; i >= 0; i-- {
		if s.Pauses[i].EndedAt == nil {
			return &s.Pauses[i]
		}
	}
	return nil
}

// State はセッションの現在状態を返す。
func (s *TimerSession) State() TimerState {
	if !s.IsOpen() {
		return TimerStateEnded
	}
	if s.OpenPause() != nil {
		return TimerStatePaused
	}
	return TimerStateActive
}

// PausedSeconds はasOf時点までの一時停止秒数の合計を返す。
func (s *TimerSession) PausedSeconds(asOf time.Time) int64 {
	var total int64
	for i := range s.Pauses {
		total += s.Pauses[i].Seconds(asOf)
	}
	return total
}

// ElapsedSeconds はasOf時点までの経過秒数を返す。
func (s *TimerSession) ElapsedSeconds(asOf time.Time) int64 {
	if asOf.Before(s.StartedAt) {
		return 0
	}
	return int64(asOf.Sub(s.StartedAt) / time.Second)
}

// ActiveSecondsSoFar は経過時間から一時停止時間を差し引いた参考値を返す。
// Stopまでは確定値ではない。
func (s *TimerSession) ActiveSecondsSoFar(asOf time.Time) int64 {
	active := s.ElapsedSeconds(asOf) - s.PausedSeconds(asOf)
	if active < 0 {
		return 0
	}
	return active
}
