package activity

import "github.com/hitoshi/kintai/internal/model"

// MaxScore はアクティビティスコアの上限。
const MaxScore = 100

// Summarize はイベント列を種別ごとに集計する。
// マウス移動とクリックはマウス、フォーカスとアプリ切替はウィンドウとして数える。
func Summarize(events []model.ActivityEvent) model.ActivityMetrics {
	var m model.ActivityMetrics
	for i, e := range events {
		switch e.Type {
		case model.ActivityMouseMove, model.ActivityMouseClick:
			m.MouseEvents++
		case model.ActivityKeyPress:
			m.KeyEvents++
		case model.ActivityWindowFocus, model.ActivityAppSwitch:
			m.WindowEvents++
		case model.ActivityIdleStart, model.ActivityIdleEnd:
			m.IdleEvents++
		}
		if i == 0 || e.Timestamp.Before(m.FirstEventAt) {
			m.FirstEventAt = e.Timestamp
		}
		if i == 0 || e.Timestamp.After(m.LastEventAt) {
			m.LastEventAt = e.Timestamp
		}
	}
	m.TotalEvents = len(events)
	return m
}

// Score は min(100, round(0.5·mouse + 1.0·key + 0.3·window)) を返す。
// 浮動小数の誤差を避けるため0.1単位の整数で計算し、0.5は切り上げる。
func Score(m model.ActivityMetrics) int {
	tenths := 5*m.MouseEvents + 10*m.KeyEvents + 3*m.WindowEvents
	score := (tenths + 5) / 10
	if score > MaxScore {
		return MaxScore
	}
	return score
}
