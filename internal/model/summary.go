// Package model はドメインモデルを定義する。
package model

import "time"

// DateLayout は日付のみを扱うAPI/DBで使用するレイアウト。
const DateLayout = "2006-01-02"

// DefaultDailyMinimumSeconds は1日の最低稼働秒数（6時間）。
const DefaultDailyMinimumSeconds int64 = 21600

// DailySummary はユーザーごと・日ごとの稼働集計を表す。
// (UserID, WorkDate)で一意。
type DailySummary struct {
	UserID            string
	WorkDate          time.Time
	BillableSeconds   int64
	MeetsDailyMinimum bool
	UploadsDone       bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UserDay は集計対象の(ユーザー, 日付)の組を表す。
type UserDay struct {
	UserID   string
	WorkDate time.Time
}

// Streak はユーザーの連続達成日数を表す。
type Streak struct {
	UserID          string
	CurrentDays     int
	LastEvaluatedOn time.Time
	UpdatedAt       time.Time
}

// DateOf はtをlocにおける日付（00:00, UTC表現）に丸める。
// DBのDATE型と比較できるようUTCの0時で返す。
func DateOf(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysPerWeek は給与週の日数。
const DaysPerWeek = 7

// WeekStartOf はdを含む週の月曜日を返す。dはDateOfで丸めた日付を想定する。
func WeekStartOf(d time.Time) time.Time {
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// PreviousWeekStart はnowのloc上の日付から見た前週の月曜日を返す。
func PreviousWeekStart(now time.Time, loc *time.Location) time.Time {
	return WeekStartOf(DateOf(now, loc)).AddDate(0, 0, -DaysPerWeek)
}
