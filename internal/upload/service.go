// Package upload はスクリーンショット・録画の直接アップロード許可の発行と完了確認を提供する。
package upload

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
)

// ErrStorageNotConfigured はオブジェクトストレージが未設定の場合に返される。
var ErrStorageNotConfigured = errors.New("object storage is not configured")

// kindPolicy は種別ごとの有効期限・サイズ上限・許可するContent-Type。
type kindPolicy struct {
	ttl          time.Duration
	maxBytes     int64
	contentTypes map[string]string // Content-Type → 拡張子
}

var policies = map[model.UploadKind]kindPolicy{
	model.UploadKindScreenshot: {
		ttl:      5 * time.Minute,
		maxBytes: 10 << 20,
		contentTypes: map[string]string{
			"image/png":  ".png",
			"image/jpeg": ".jpg",
			"image/webp": ".webp",
		},
	},
	model.UploadKindRecording: {
		ttl:      time.Hour,
		maxBytes: 500 << 20,
		contentTypes: map[string]string{
			"video/mp4":  ".mp4",
			"video/webm": ".webm",
		},
	},
}

// Grant は発行したアップロード許可。
type Grant struct {
	UploadURL string
	Fields    map[string]string
	FileKey   string
	ExpiresIn int64 // 秒
	ExpiresAt time.Time
}

// Service はアップロード許可のサービス層。
type Service struct {
	uploads   repository.UploadRepository
	summaries repository.DailySummaryRepository
	presigner Presigner
	location  *time.Location
	now       func() time.Time
	logger    *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。presignerがnilの場合は許可の発行を拒否する。
func NewService(
	uploads repository.UploadRepository,
	summaries repository.DailySummaryRepository,
	presigner Presigner,
	location *time.Location,
	logger *slog.Logger,
) *Service {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		uploads:   uploads,
		summaries: summaries,
		presigner: presigner,
		location:  location,
		now:       time.Now,
		logger:    logger,
	}
}

// Presign は種別に応じた有効期限でアップロード許可を発行する。
// ファイルキーは kind/ユーザーID/日付/UUID.拡張子 の形式。
func (s *Service) Presign(ctx context.Context, userID, deviceID string, kind model.UploadKind, contentType string) (*Grant, error) {
	policy, ok := policies[kind]
	if !ok {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("不明なアップロード種別です: %s", kind))
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	ext, ok := policy.contentTypes[contentType]
	if !ok {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("contentType %q は %s では使用できません", contentType, kind))
	}
	if s.presigner == nil {
		return nil, ErrStorageNotConfigured
	}

	now := s.now().UTC()
	workDate := model.DateOf(now, s.location)
	key := fmt.Sprintf("%s/%s/%s/%s%s", kind, userID, workDate.Format(model.DateLayout), uuid.New().String(), ext)

	post, err := s.presigner.PresignPost(ctx, key, contentType, policy.maxBytes, policy.ttl)
	if err != nil {
		return nil, fmt.Errorf("署名付きURLの発行に失敗しました: %w", err)
	}

	expiresAt := now.Add(policy.ttl)
	if err := s.uploads.Create(ctx, &model.Upload{
		FileKey:   key,
		UserID:    userID,
		DeviceID:  deviceID,
		Kind:      kind,
		WorkDate:  workDate,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("アップロード許可の保存に失敗しました: %w", err)
	}

	s.logger.Info("アップロード許可を発行しました",
		slog.String("user_id", userID),
		slog.String("kind", string(kind)),
		slog.String("file_key", key),
	)
	return &Grant{
		UploadURL: post.URL,
		Fields:    post.Fields,
		FileKey:   key,
		ExpiresIn: int64(policy.ttl / time.Second),
		ExpiresAt: expiresAt,
	}, nil
}

// Confirm はアップロード完了を記録し、その日の日次集計のアップロード完了フラグを立てる。
// 他ユーザーの許可は存在しないものとして扱う。確認済みの許可を再度確認しても成功する。
func (s *Service) Confirm(ctx context.Context, userID, fileKey string) (*model.Upload, error) {
	upload, err := s.uploads.FindByFileKey(ctx, fileKey)
	if err != nil {
		return nil, fmt.Errorf("アップロード許可の取得に失敗しました: %w", err)
	}
	if upload == nil || upload.UserID != userID {
		return nil, model.NewUploadNotFoundError(fileKey)
	}

	now := s.now().UTC()
	if upload.ConfirmedAt == nil {
		if now.After(upload.ExpiresAt) {
			return nil, model.NewUploadExpiredError()
		}
		if err := s.uploads.Confirm(ctx, fileKey, now); err != nil {
			return nil, fmt.Errorf("アップロード完了の記録に失敗しました: %w", err)
		}
		upload.ConfirmedAt = &now
	}

	if err := s.summaries.MarkUploadsDone(ctx, userID, upload.WorkDate); err != nil {
		return nil, fmt.Errorf("日次集計の更新に失敗しました: %w", err)
	}
	return upload, nil
}
