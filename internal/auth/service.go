// Package auth はエージェントのデバイス認証、リクエスト署名検証、受付時間帯の制御を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/kintai/internal/model"
	"github.com/hitoshi/kintai/internal/repository"
	"github.com/hitoshi/kintai/internal/security"
)

// エージェントに付与する権限。現時点では全エージェント共通。
var agentPermissions = []string{"timer", "activity", "screenshots", "recordings"}

// maxDeviceInfoRunes はデバイス情報として保存する最大長。
const maxDeviceInfoRunes = 512

// ユーザーが存在しない場合も同等の計算量にするためのダミーハッシュ（パスワード "x"）。
var dummyPasswordHash string

func init() {
	h, err := security.HashPassword("x", nil)
	if err == nil {
		dummyPasswordHash = h
	}
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	EmployeeRoles []string      // エージェントを利用できるロール
	MaxClockSkew  time.Duration // X-Timestampの許容誤差（±）
}

// LoginInput はエージェントのログイン要求。
type LoginInput struct {
	Email      string
	Password   string
	DeviceID   string
	DeviceInfo string
}

// LoginResult はログイン成功時の応答。
type LoginResult struct {
	Token        string
	DeviceSecret string
	ExpiresIn    int64 // 秒
	ExpiresAt    time.Time
	Permissions  []string
	UserID       string
	DeviceID     string
	Role         string
}

// AgentIdentity は検証済みのエージェントリクエストの主体。
type AgentIdentity struct {
	UserID   string
	DeviceID string
	Role     string
}

// Service はデバイス認証に関するビジネスロジックを提供する。
type Service struct {
	users       repository.UserRepository
	employments repository.EmploymentRepository
	devices     repository.DeviceRepository
	tokens      *TokenManager
	sanitizer   security.TextSanitizer
	config      ServiceConfig
	now         func() time.Time
	logger      *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	users repository.UserRepository,
	employments repository.EmploymentRepository,
	devices repository.DeviceRepository,
	tokens *TokenManager,
	sanitizer security.TextSanitizer,
	config ServiceConfig,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:       users,
		employments: employments,
		devices:     devices,
		tokens:      tokens,
		sanitizer:   sanitizer,
		config:      config,
		now:         time.Now,
		logger:      logger,
	}
}

// Login は資格情報を検証し、デバイスを登録してトークンとデバイスシークレットを発行する。
// デバイスシークレットは初回ログイン時のみ生成し、以降は同じ値を返す。
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	email := strings.TrimSpace(in.Email)
	deviceID := strings.TrimSpace(in.DeviceID)
	if email == "" || in.Password == "" || deviceID == "" {
		return nil, model.NewInvalidRequestError("email, password, deviceId は必須です")
	}
	if len(deviceID) > 128 {
		return nil, model.NewInvalidRequestError("deviceId が長すぎます")
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		// ユーザーの存在有無を応答時間から推測されないようにする
		_, _ = security.VerifyPassword(in.Password, dummyPasswordHash)
		s.logger.Info("エージェントログイン失敗: ユーザーが存在しません")
		return nil, model.NewInvalidCredentialsError()
	}

	ok, err := security.VerifyPassword(in.Password, user.PasswordHash)
	if err != nil {
		s.logger.Warn("パスワードハッシュの検証に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
	if !ok {
		s.logger.Info("エージェントログイン失敗: パスワード不一致", slog.String("user_id", user.ID))
		return nil, model.NewInvalidCredentialsError()
	}

	if !s.isEmployeeRole(user.Role) {
		return nil, model.NewRoleNotEligibleError(user.Role)
	}

	employment, err := s.employments.FindByUserID(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to find employment: %w", err)
	}
	if employment == nil {
		return nil, model.NewNoEmploymentError()
	}

	device, err := s.registerDevice(ctx, user.ID, deviceID, in.DeviceInfo)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.tokens.Issue(user.ID, device.ID, user.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	s.logger.Info("エージェントがログインしました",
		slog.String("user_id", user.ID),
		slog.String("device_id", device.ID),
	)

	return &LoginResult{
		Token:        token,
		DeviceSecret: device.Secret,
		ExpiresIn:    int64(s.tokens.TTL() / time.Second),
		ExpiresAt:    expiresAt,
		Permissions:  agentPermissions,
		UserID:       user.ID,
		DeviceID:     device.ID,
		Role:         user.Role,
	}, nil
}

// registerDevice はデバイスを登録または更新する。既存デバイスのシークレットは再利用する。
func (s *Service) registerDevice(ctx context.Context, userID, deviceID, info string) (*model.Device, error) {
	existing, err := s.devices.FindByID(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to find device: %w", err)
	}
	if existing != nil && existing.UserID != userID {
		s.logger.Warn("他ユーザーのデバイスIDでログインが試行されました",
			slog.String("user_id", userID),
			slog.String("device_id", deviceID),
		)
		return nil, model.NewDeviceOwnedByOtherError()
	}

	now := s.now()
	device := &model.Device{
		ID:           deviceID,
		UserID:       userID,
		Info:         s.sanitizer.Sanitize(info, maxDeviceInfoRunes),
		RegisteredAt: now,
		LastLoginAt:  now,
	}
	if existing != nil {
		device.Secret = existing.Secret
		device.RegisteredAt = existing.RegisteredAt
	} else {
		secret, err := security.GenerateDeviceSecret()
		if err != nil {
			return nil, err
		}
		device.Secret = secret
	}

	saved, err := s.devices.Upsert(ctx, device)
	if err != nil {
		return nil, fmt.Errorf("failed to save device: %w", err)
	}
	if saved == nil {
		// 同時ログインで別ユーザーが先に登録した
		return nil, model.NewDeviceOwnedByOtherError()
	}
	return saved, nil
}

func (s *Service) isEmployeeRole(role string) bool {
	for _, r := range s.config.EmployeeRoles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// ValidateRequest はトークン・タイムスタンプ・署名を検証し、リクエストの主体を返す。
// どの検証に失敗しても応答は同一のUNAUTHORIZEDとし、理由はログにのみ残す。
func (s *Service) ValidateRequest(ctx context.Context, token, signature string, rawBody []byte, timestamp string) (*AgentIdentity, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, s.unauthorized("token", err)
	}

	if err := s.checkTimestamp(timestamp); err != nil {
		return nil, s.unauthorized("timestamp", err)
	}

	device, err := s.devices.FindByID(ctx, claims.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to find device: %w", err)
	}
	if device == nil || device.UserID != claims.UserID {
		return nil, s.unauthorized("device", errors.New("device not registered for token subject"))
	}

	if !security.VerifyRequestSignature(device.Secret, timestamp, rawBody, signature) {
		return nil, s.unauthorized("signature", errors.New("signature mismatch"))
	}

	return &AgentIdentity{
		UserID:   claims.UserID,
		DeviceID: claims.DeviceID,
		Role:     claims.Role,
	}, nil
}

// checkTimestamp はミリ秒Unix時刻のタイムスタンプが許容誤差内かを検証する。
func (s *Service) checkTimestamp(timestamp string) error {
	ms, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q", timestamp)
	}
	skew := s.now().Sub(time.UnixMilli(ms))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.config.MaxClockSkew {
		return fmt.Errorf("timestamp skew %s exceeds %s", skew.Round(time.Second), s.config.MaxClockSkew)
	}
	return nil
}

func (s *Service) unauthorized(check string, cause error) error {
	s.logger.Info("エージェントリクエストの認証に失敗しました",
		slog.String("check", check),
		slog.String("error", cause.Error()),
	)
	return model.NewUnauthorizedError()
}
