// Package model はドメインモデルを定義する。
package model

import "time"

// ActivityType は入力デバイスイベントの種別を表す。
type ActivityType string

const (
	ActivityMouseMove   ActivityType = "mouse_move"
	ActivityMouseClick  ActivityType = "mouse_click"
	ActivityKeyPress    ActivityType = "key_press"
	ActivityWindowFocus ActivityType = "window_focus"
	ActivityAppSwitch   ActivityType = "app_switch"
	ActivityIdleStart   ActivityType = "idle_start"
	ActivityIdleEnd     ActivityType = "idle_end"
)

// IsValid は既知のイベント種別かどうかを返す。
func (t ActivityType) IsValid() bool {
	switch t {
	case ActivityMouseMove, ActivityMouseClick, ActivityKeyPress,
		ActivityWindowFocus, ActivityAppSwitch, ActivityIdleStart, ActivityIdleEnd:
		return true
	}
	return false
}

// ActivityEvent はエージェントが送信するタイムスタンプ付きのイベント。
type ActivityEvent struct {
	Type      ActivityType
	Timestamp time.Time
}

// ActivityMetrics はバッチ単位の集計値。時系列の明細は保存しない。
type ActivityMetrics struct {
	MouseEvents  int
	KeyEvents    int
	WindowEvents int
	IdleEvents   int
	TotalEvents  int
	FirstEventAt time.Time
	LastEventAt  time.Time
}

// ActivityBatch はセッションに紐付けて保存されたバッチ集計を表す。
// (UserID, BatchID)で一意であり、同一バッチの再送は冪等に扱う。
type ActivityBatch struct {
	ID            string
	UserID        string
	DeviceID      string
	SessionID     string
	BatchID       string
	Metrics       ActivityMetrics
	ActivityScore int
	DeviceInfo    string
	CreatedAt     time.Time
}
