// Package activity はエージェントから送信される入力イベントのバッチを集計・保存する。
package activity

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

// MaxBatchSize は1バッチあたりのイベント数の上限。
const MaxBatchSize = 1000

const (
	maxBatchIDLen     = 128
	maxDeviceInfoRune = 512
)

// IngestInput はアクティビティバッチの送信内容。
type IngestInput struct {
	Activities []model.ActivityEvent
	BatchID    string // 省略時はサーバーで採番する
	SessionID  string // 省略時は計測中のセッション
	DeviceInfo string
}

// IngestResult はバッチ取り込みの結果。
// Duplicateがtrueの場合は同一バッチIDの再送であり、保存済みの集計を返す。
type IngestResult struct {
	Batch     *model.ActivityBatch
	Processed int
	Duplicate bool
}

// Service はアクティビティ取り込みのサービス層。
type Service struct {
	batches   repository.ActivityRepository
	sessions  repository.TimerSessionRepository
	sanitizer security.TextSanitizer
	now       func() time.Time
	logger    *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	batches repository.ActivityRepository,
	sessions repository.TimerSessionRepository,
	sanitizer security.TextSanitizer,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		batches:   batches,
		sessions:  sessions,
		sanitizer: sanitizer,
		now:       time.Now,
		logger:    logger,
	}
}

// Ingest はバッチを検証・集計し、対象セッションに紐付けて保存する。
func (s *Service) Ingest(ctx context.Context, userID, deviceID string, in IngestInput) (*IngestResult, error) {
	if err := validateEvents(in.Activities); err != nil {
		return nil, err
	}
	batchID := strings.TrimSpace(in.BatchID)
	if len(batchID) > maxBatchIDLen {
		return nil, model.NewInvalidRequestError("batchId が長すぎます")
	}

	if batchID != "" {
		existing, err := s.batches.FindByBatchID(ctx, userID, batchID)
		if err != nil {
			return nil, fmt.Errorf("バッチの取得に失敗しました: %w", err)
		}
		if existing != nil {
			return &IngestResult{Batch: existing, Processed: existing.Metrics.TotalEvents, Duplicate: true}, nil
		}
	} else {
		batchID = uuid.New().String()
	}

	session, err := s.resolveSession(ctx, userID, deviceID, strings.TrimSpace(in.SessionID))
	if err != nil {
		return nil, err
	}

	metrics := Summarize(in.Activities)
	batch := &model.ActivityBatch{
		ID:            uuid.New().String(),
		UserID:        userID,
		DeviceID:      deviceID,
		SessionID:     session.ID,
		BatchID:       batchID,
		Metrics:       metrics,
		ActivityScore: Score(metrics),
		DeviceInfo:    s.sanitizer.Sanitize(in.DeviceInfo, maxDeviceInfoRune),
		CreatedAt:     s.now().UTC(),
	}

	if err := s.batches.Create(ctx, batch); err != nil {
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("バッチの保存に失敗しました: %w", err)
		}
		// 同一バッチの同時送信に負けた場合は保存済みの集計を返す
		existing, ferr := s.batches.FindByBatchID(ctx, userID, batchID)
		if ferr != nil {
			return nil, fmt.Errorf("バッチの取得に失敗しました: %w", ferr)
		}
		if existing == nil {
			return nil, fmt.Errorf("バッチの保存に失敗しました: %w", err)
		}
		return &IngestResult{Batch: existing, Processed: existing.Metrics.TotalEvents, Duplicate: true}, nil
	}

	s.logger.Debug("アクティビティバッチを保存しました",
		slog.String("user_id", userID),
		slog.String("session_id", session.ID),
		slog.Int("events", metrics.TotalEvents),
		slog.Int("score", batch.ActivityScore),
	)
	return &IngestResult{Batch: batch, Processed: metrics.TotalEvents}, nil
}

// resolveSession は明示されたセッション、または計測中のセッションを返す。
// 他ユーザーのセッションは存在しないものとして扱う。
func (s *Service) resolveSession(ctx context.Context, userID, deviceID, sessionID string) (*model.TimerSession, error) {
	var (
		session *model.TimerSession
		err     error
	)
	if sessionID != "" {
		// uuid列に渡せない値は存在しないセッションとして扱う
		if _, perr := uuid.Parse(sessionID); perr != nil {
			return nil, model.NewSessionNotFoundError()
		}
		session, err = s.sessions.FindByID(ctx, sessionID)
	} else {
		session, err = s.sessions.FindOpen(ctx, userID, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if session == nil || session.UserID != userID {
		return nil, model.NewSessionNotFoundError()
	}
	return session, nil
}

func validateEvents(events []model.ActivityEvent) error {
	if len(events) == 0 {
		return model.NewEmptyBatchError()
	}
	if len(events) > MaxBatchSize {
		return model.NewBatchTooLargeError(MaxBatchSize)
	}
	for i, e := range events {
		if !e.Type.IsValid() {
			return model.NewInvalidActivityError(fmt.Sprintf("activities[%d].type %q", i, e.Type))
		}
		if e.Timestamp.IsZero() {
			return model.NewInvalidActivityError(fmt.Sprintf("activities[%d].timestamp がありません", i))
		}
	}
	return nil
}
