package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kintai/internal/model"
	"github.com/hitoshi/kintai/internal/repository"
	"github.com/hitoshi/kintai/internal/security"
)

const minutesPerDay = 24 * 60

// TimeWindow は1日の中の時間帯を分単位で表す。
// Start > End の場合は日付をまたぐ時間帯（[Start, 24:00) ∪ [0:00, End]）として扱う。
type TimeWindow struct {
	Start int
	End   int
}

// ParseTimeWindow は "HH:MM-HH:MM" 形式の文字列を解析する。
func ParseTimeWindow(s string) (TimeWindow, error) {
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return TimeWindow{}, fmt.Errorf("invalid time window %q: expected HH:MM-HH:MM", s)
	}
	start, err := parseClock(startStr)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("invalid time window %q: %w", s, err)
	}
	end, err := parseClock(endStr)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("invalid time window %q: %w", s, err)
	}
	return TimeWindow{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// contains は1日の中の分minuteが時間帯に含まれるかを返す。終端を含む。
func (w TimeWindow) contains(minute int) bool {
	if w.Start <= w.End {
		return minute >= w.Start && minute <= w.End
	}
	return minute >= w.Start || minute <= w.End
}

// String は "HH:MM-HH:MM" 形式で返す。
func (w TimeWindow) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}

// OperationalWindows はエージェントのリクエストを受け付ける時間帯の集合。
// 通常の時間帯と特別時間帯のいずれかに含まれれば受け付ける。時間帯が1つもなければ常に受け付ける。
type OperationalWindows struct {
	windows  []TimeWindow
	location *time.Location
}

// NewOperationalWindows は設定文字列から時間帯を構築する。空文字列の時間帯は無視する。
func NewOperationalWindows(loc *time.Location, specs ...string) (*OperationalWindows, error) {
	if loc == nil {
		loc = time.UTC
	}
	ow := &OperationalWindows{location: loc}
	for _, spec := range specs {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		w, err := ParseTimeWindow(spec)
		if err != nil {
			return nil, err
		}
		ow.windows = append(ow.windows, w)
	}
	return ow, nil
}

// admits はnowが受付時間帯に含まれるかを返す。含まれない場合は理由を返す。
// 監査ログを伴わない判定のため、パッケージ外からはWindowGuard.Check経由でのみ使う。
func (o *OperationalWindows) admits(now time.Time) (bool, string) {
	if o == nil || len(o.windows) == 0 {
		return true, ""
	}
	local := now.In(o.location)
	minute := local.Hour()*60 + local.Minute()
	for _, w := range o.windows {
		if w.contains(minute) {
			return true, ""
		}
	}

	names := make([]string, len(o.windows))
	for i, w := range o.windows {
		names[i] = w.String()
	}
	return false, fmt.Sprintf("%s is outside operational windows [%s] (%s)",
		local.Format("15:04"), strings.Join(names, ", "), o.location)
}

// RequestMeta は監査ログに残すリクエスト情報。
type RequestMeta struct {
	Endpoint  string
	IP        string
	UserAgent string
	RawBody   []byte
	UserID    string
	DeviceID  string
}

// maxAuditBodyRunes は監査ログに保存するリクエストボディの最大長。ボディはサニタイズせず原文で残す。
const maxAuditBodyRunes = 4096

// WindowGuard は受付時間帯の判定と、拒否時の監査ログ書き込みを一体で行う。
// 拒否は必ず監査ログの書き込みを経てから返る。
type WindowGuard struct {
	windows   *OperationalWindows
	audit     repository.AuditRepository
	sanitizer security.TextSanitizer
	logger    *slog.Logger
}

// NewWindowGuard はWindowGuardを生成する。
func NewWindowGuard(windows *OperationalWindows, audit repository.AuditRepository, sanitizer security.TextSanitizer, logger *slog.Logger) *WindowGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &WindowGuard{
		windows:   windows,
		audit:     audit,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// Check はnowが受付時間帯に含まれるかを判定する。
// 時間帯外の場合は監査ログを書き込んでからOPERATIONAL_WINDOWエラーを返す。
// 監査ログの書き込みに失敗してもリクエストは拒否する。
func (g *WindowGuard) Check(ctx context.Context, now time.Time, meta RequestMeta) error {
	ok, reason := g.windows.admits(now)
	if ok {
		return nil
	}

	record := &model.AuditRecord{
		ID:        uuid.New().String(),
		UserID:    meta.UserID,
		DeviceID:  meta.DeviceID,
		Endpoint:  meta.Endpoint,
		IP:        meta.IP,
		UserAgent: g.sanitizer.Sanitize(meta.UserAgent, 512),
		RawBody:   security.RawText(meta.RawBody, maxAuditBodyRunes),
		Code:      model.ErrCodeOperationalWindow,
		Reason:    reason,
		CreatedAt: now,
	}
	if err := g.audit.Create(ctx, record); err != nil {
		g.logger.Error("監査ログの書き込みに失敗しました",
			slog.String("error", err.Error()),
			slog.String("endpoint", meta.Endpoint),
			slog.String("user_id", meta.UserID),
			slog.String("reason", reason),
		)
	} else {
		g.logger.Warn("稼働時間帯外のリクエストを拒否しました",
			slog.String("endpoint", meta.Endpoint),
			slog.String("user_id", meta.UserID),
			slog.String("device_id", meta.DeviceID),
			slog.String("reason", reason),
		)
	}

	return model.NewOperationalWindowError(reason)
}
