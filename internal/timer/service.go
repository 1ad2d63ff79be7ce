// Package timer は(ユーザー, デバイス)ごとの作業セッションの状態遷移を提供する。
//
// 状態は NONE → ACTIVE ⇄ PAUSED → ENDED の順に遷移する。
// 同一(ユーザー, デバイス)の未終了セッションが1件であることはDBの一意制約で保証する。
package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kintai/internal/model"
	"github.com/hitoshi/kintai/internal/repository"
	"github.com/hitoshi/kintai/internal/security"
)

const (
	maxNoteRunes = 500
	// maxExpectedDuration は一時停止の予定時間として受け付ける上限。
	maxExpectedDuration = 12 * time.Hour
)

// Config はタイマーサービスの設定。
type Config struct {
	DailyMinimumSeconds int64
	// TrustClientTotals がtrueの場合、クライアント申告の稼働秒数を[0, 経過秒数]に丸めて優先する。
	TrustClientTotals bool
	Location          *time.Location
}

// PauseInput は一時停止の要求。
type PauseInput struct {
	Reason           string
	Note             string
	ExpectedDuration time.Duration
}

// StopInput は終了の要求。TotalActiveSecondsはクライアントが集計した稼働秒数（任意）。
type StopInput struct {
	TotalActiveSeconds *int64
}

// StopResult は終了したセッションと、その日の累計。
type StopResult struct {
	Session       *model.TimerSession
	ActiveSeconds int64
	Summary       *model.DailySummary
}

// Status は計測中セッションの参照結果。SessionがnilならStateはNONE。
type Status struct {
	Session            *model.TimerSession
	State              model.TimerState
	ActiveSecondsSoFar int64
	PausedSeconds      int64
}

// Service はタイマーセッションのサービス層。
type Service struct {
	sessions  repository.TimerSessionRepository
	sanitizer security.TextSanitizer
	config    Config
	now       func() time.Time
	logger    *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(sessions repository.TimerSessionRepository, sanitizer security.TextSanitizer, config Config, logger *slog.Logger) *Service {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.DailyMinimumSeconds <= 0 {
		config.DailyMinimumSeconds = model.DefaultDailyMinimumSeconds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sessions:  sessions,
		sanitizer: sanitizer,
		config:    config,
		now:       time.Now,
		logger:    logger,
	}
}

// Start は新しいセッションを開始する。
// 同一(ユーザー, デバイス)に未終了セッションがある場合はSESSION_ALREADY_OPENを返す。
func (s *Service) Start(ctx context.Context, userID, deviceID string) (*model.TimerSession, error) {
	now := s.now().UTC()
	session := &model.TimerSession{
		ID:        uuid.New().String(),
		UserID:    userID,
		DeviceID:  deviceID,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewSessionAlreadyOpenError()
		}
		return nil, fmt.Errorf("セッションの作成に失敗しました: %w", err)
	}

	s.logger.Info("セッションを開始しました",
		slog.String("user_id", userID),
		slog.String("device_id", deviceID),
		slog.String("session_id", session.ID),
	)
	return session, nil
}

// Pause は計測中のセッションに一時停止エントリを追加する。セッションは閉じない。
func (s *Service) Pause(ctx context.Context, userID, deviceID string, in PauseInput) (*model.TimerSession, error) {
	reason, err := model.ParsePauseReason(strings.ToLower(strings.TrimSpace(in.Reason)))
	if err != nil {
		return nil, model.NewInvalidRequestError("reason は break, lunch, meeting, personal, other のいずれかです")
	}
	if in.ExpectedDuration < 0 || in.ExpectedDuration > maxExpectedDuration {
		return nil, model.NewInvalidRequestError("expectedDuration が範囲外です")
	}

	session, err := s.findOpen(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if session.OpenPause() != nil {
		return nil, model.NewSessionAlreadyPausedError()
	}

	pause := model.PauseEvent{
		ID:               uuid.New().String(),
		SessionID:        session.ID,
		StartedAt:        s.now().UTC(),
		Reason:           reason,
		Note:             s.sanitizer.Sanitize(in.Note, maxNoteRunes),
		ExpectedDuration: in.ExpectedDuration,
	}
	if err := s.sessions.AddPause(ctx, &pause); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewSessionAlreadyPausedError()
		}
		return nil, fmt.Errorf("一時停止の記録に失敗しました: %w", err)
	}
	session.Pauses = append(session.Pauses, pause)

	s.logger.Info("セッションを一時停止しました",
		slog.String("session_id", session.ID),
		slog.String("reason", string(reason)),
	)
	return session, nil
}

// Resume は一時停止中のセッションを再開する。
func (s *Service) Resume(ctx context.Context, userID, deviceID string) (*model.TimerSession, error) {
	session, err := s.findOpen(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	open := session.OpenPause()
	if open == nil {
		return nil, model.NewSessionNotPausedError()
	}

	now := s.now().UTC()
	if err := s.sessions.EndPause(ctx, session.ID, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewSessionNotPausedError()
		}
		return nil, fmt.Errorf("一時停止の終了に失敗しました: %w", err)
	}
	open.EndedAt = &now

	s.logger.Info("セッションを再開しました", slog.String("session_id", session.ID))
	return session, nil
}

// Stop は計測中のセッションを終了し、確定した稼働秒数をその日の日次集計に加算する。
// 一時停止中の場合は終了時刻で一時停止も閉じる。
func (s *Service) Stop(ctx context.Context, userID, deviceID string, in StopInput) (*StopResult, error) {
	session, err := s.findOpen(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	active := s.finalActiveSeconds(session, now, in.TotalActiveSeconds)
	workDate := model.DateOf(session.StartedAt, s.config.Location)

	summary, err := s.sessions.Close(ctx, repository.CloseSessionParams{
		SessionID:     session.ID,
		UserID:        userID,
		EndedAt:       now,
		ActiveSeconds: active,
		WorkDate:      workDate,
		DailyMinimum:  s.config.DailyMinimumSeconds,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// 並行したStopが先に終了させた
			return nil, model.NewSessionNotFoundError()
		}
		return nil, fmt.Errorf("セッションの終了に失敗しました: %w", err)
	}

	if open := session.OpenPause(); open != nil {
		open.EndedAt = &now
	}
	session.EndedAt = &now
	session.ActiveSeconds = active
	session.WorkDate = &workDate

	s.logger.Info("セッションを終了しました",
		slog.String("user_id", userID),
		slog.String("session_id", session.ID),
		slog.Int64("active_seconds", active),
		slog.Int64("billable_seconds", summary.BillableSeconds),
	)
	return &StopResult{Session: session, ActiveSeconds: active, Summary: summary}, nil
}

// finalActiveSeconds は確定稼働秒数を決定する。結果は常に[0, 経過秒数]に収まる。
func (s *Service) finalActiveSeconds(session *model.TimerSession, now time.Time, clientTotal *int64) int64 {
	elapsed := session.ElapsedSeconds(now)
	if clientTotal != nil && s.config.TrustClientTotals {
		v := *clientTotal
		if v < 0 {
			v = 0
		}
		if v > elapsed {
			s.logger.Warn("申告された稼働秒数が経過時間を超えています",
				slog.String("session_id", session.ID),
				slog.Int64("reported", *clientTotal),
				slog.Int64("elapsed", elapsed),
			)
			v = elapsed
		}
		return v
	}
	return session.ActiveSecondsSoFar(now)
}

// Current は計測中セッションの状態を返す。
func (s *Service) Current(ctx context.Context, userID, deviceID string) (*Status, error) {
	session, err := s.sessions.FindOpen(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if session == nil {
		return &Status{State: model.TimerStateNone}, nil
	}
	now := s.now().UTC()
	return &Status{
		Session:            session,
		State:              session.State(),
		ActiveSecondsSoFar: session.ActiveSecondsSoFar(now),
		PausedSeconds:      session.PausedSeconds(now),
	}, nil
}

func (s *Service) findOpen(ctx context.Context, userID, deviceID string) (*model.TimerSession, error) {
	session, err := s.sessions.FindOpen(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if session == nil {
		return nil, model.NewSessionNotFoundError()
	}
	return session, nil
}
