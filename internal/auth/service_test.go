package auth

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/kintai/internal/model"
	"github.com/hitoshi/kintai/internal/security"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn    func(ctx context.Context, id string) (*model.User, error)
	findByEmailFn func(ctx context.Context, email string) (*model.User, error)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

type mockEmploymentRepo struct {
	findByUserIDFn func(ctx context.Context, userID string) (*model.Employment, error)
}

func (m *mockEmploymentRepo) FindByUserID(ctx context.Context, userID string) (*model.Employment, error) {
	if m.findByUserIDFn != nil {
		return m.findByUserIDFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockEmploymentRepo) ListByRoles(_ context.Context, _ []string) ([]*model.Employment, error) {
	return nil, nil
}

// memDeviceRepo はデバイスをメモリ上に保持するフェイク。
type memDeviceRepo struct {
	devices   map[string]*model.Device
	upsertErr error
}

func newMemDeviceRepo() *memDeviceRepo {
	return &memDeviceRepo{devices: make(map[string]*model.Device)}
}

func (r *memDeviceRepo) FindByID(_ context.Context, id string) (*model.Device, error) {
	d, ok := r.devices[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (r *memDeviceRepo) Upsert(_ context.Context, device *model.Device) (*model.Device, error) {
	if r.upsertErr != nil {
		return nil, r.upsertErr
	}
	if existing, ok := r.devices[device.ID]; ok {
		if existing.UserID != device.UserID {
			return nil, nil
		}
		existing.Info = device.Info
		existing.LastLoginAt = device.LastLoginAt
		cp := *existing
		return &cp, nil
	}
	cp := *device
	r.devices[device.ID] = &cp
	return device, nil
}

// --- テストヘルパー ---

var testHashParams = &security.PasswordParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	h, err := security.HashPassword(password, testHashParams)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	return h
}

type loginFixture struct {
	service *Service
	devices *memDeviceRepo
	now     time.Time
}

func newLoginFixture(t *testing.T, user *model.User, employment *model.Employment) *loginFixture {
	t.Helper()

	now := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	users := &mockUserRepo{
		findByEmailFn: func(_ context.Context, email string) (*model.User, error) {
			if user != nil && email == user.Email {
				return user, nil
			}
			return nil, nil
		},
	}
	employments := &mockEmploymentRepo{
		findByUserIDFn: func(_ context.Context, _ string) (*model.Employment, error) {
			return employment, nil
		},
	}
	devices := newMemDeviceRepo()
	tokens := NewTokenManager("test-jwt-secret", 24*time.Hour)
	tokens.now = func() time.Time { return now }

	svc := NewService(users, employments, devices, tokens, security.NewTextSanitizer(), ServiceConfig{
		EmployeeRoles: []string{"employee", "intern"},
		MaxClockSkew:  5 * time.Minute,
	}, nil)
	svc.now = func() time.Time { return now }

	return &loginFixture{service: svc, devices: devices, now: now}
}

func employeeUser(t *testing.T) *model.User {
	return &model.User{ID: "user-1", Email: "worker@example.com", Name: "Worker", Role: "employee", PasswordHash: mustHash(t, "pass123")}
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *model.APIError with code %s", err, code)
	}
	if apiErr.Code != code {
		t.Errorf("error code = %s, want %s", apiErr.Code, code)
	}
}

// --- Login ---

func TestLogin_Success_RegistersDeviceAndIssuesToken(t *testing.T) {
	f := newLoginFixture(t, employeeUser(t), &model.Employment{UserID: "user-1"})

	res, err := f.service.Login(context.Background(), LoginInput{
		Email: "worker@example.com", Password: "pass123", DeviceID: "dev-1", DeviceInfo: "<b>macOS</b> 14",
	})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if res.Token == "" {
		t.Error("Token is empty")
	}
	if len(res.DeviceSecret) != 64 {
		t.Errorf("len(DeviceSecret) = %d, want 64", len(res.DeviceSecret))
	}
	if res.ExpiresIn != 86400 {
		t.Errorf("ExpiresIn = %d, want 86400", res.ExpiresIn)
	}
	if len(res.Permissions) == 0 {
		t.Error("Permissions is empty")
	}

	stored := f.devices.devices["dev-1"]
	if stored == nil {
		t.Fatal("device was not registered")
	}
	if stored.Info != "macOS 14" {
		t.Errorf("device info = %q, want sanitized %q", stored.Info, "macOS 14")
	}

	claims, err := f.service.tokens.Parse(res.Token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.UserID != "user-1" || claims.DeviceID != "dev-1" || claims.Role != "employee" {
		t.Errorf("claims = %+v, want user-1/dev-1/employee", claims)
	}
}

func TestLogin_ReusesDeviceSecret(t *testing.T) {
	f := newLoginFixture(t, employeeUser(t), &model.Employment{UserID: "user-1"})
	in := LoginInput{Email: "worker@example.com", Password: "pass123", DeviceID: "dev-1"}

	first, err := f.service.Login(context.Background(), in)
	if err != nil {
		t.Fatalf("Login() #1 error = %v", err)
	}
	second, err := f.service.Login(context.Background(), in)
	if err != nil {
		t.Fatalf("Login() #2 error = %v", err)
	}

	if first.DeviceSecret != second.DeviceSecret {
		t.Error("2回目のログインでデバイスシークレットが再発行された")
	}
}

func TestLogin_Rejections(t *testing.T) {
	intern := employeeUser(t)
	admin := employeeUser(t)
	admin.Role = "admin"

	tests := []struct {
		name       string
		user       *model.User
		employment *model.Employment
		input      LoginInput
		wantCode   string
	}{
		{
			name:     "必須項目不足",
			user:     intern,
			input:    LoginInput{Email: "worker@example.com", Password: "pass123"},
			wantCode: model.ErrCodeInvalidRequest,
		},
		{
			name:     "存在しないユーザー",
			user:     intern,
			input:    LoginInput{Email: "nobody@example.com", Password: "pass123", DeviceID: "dev-1"},
			wantCode: model.ErrCodeInvalidCredentials,
		},
		{
			name:       "パスワード不一致",
			user:       intern,
			employment: &model.Employment{UserID: "user-1"},
			input:      LoginInput{Email: "worker@example.com", Password: "wrong", DeviceID: "dev-1"},
			wantCode:   model.ErrCodeInvalidCredentials,
		},
		{
			name:       "従業員ロールでない",
			user:       admin,
			employment: &model.Employment{UserID: "user-1"},
			input:      LoginInput{Email: "worker@example.com", Password: "pass123", DeviceID: "dev-1"},
			wantCode:   model.ErrCodeRoleNotEligible,
		},
		{
			name:     "雇用情報なし",
			user:     intern,
			input:    LoginInput{Email: "worker@example.com", Password: "pass123", DeviceID: "dev-1"},
			wantCode: model.ErrCodeNoEmployment,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLoginFixture(t, tt.user, tt.employment)
			_, err := f.service.Login(context.Background(), tt.input)
			assertAPIErrorCode(t, err, tt.wantCode)
			if len(f.devices.devices) != 0 {
				t.Error("拒否されたログインでデバイスが登録された")
			}
		})
	}
}

func TestLogin_DeviceOwnedByOtherUser(t *testing.T) {
	f := newLoginFixture(t, employeeUser(t), &model.Employment{UserID: "user-1"})
	f.devices.devices["dev-1"] = &model.Device{ID: "dev-1", UserID: "user-2", Secret: "other"}

	_, err := f.service.Login(context.Background(), LoginInput{
		Email: "worker@example.com", Password: "pass123", DeviceID: "dev-1",
	})
	assertAPIErrorCode(t, err, model.ErrCodeDeviceOwnedByOther)
	if f.devices.devices["dev-1"].Secret != "other" {
		t.Error("他ユーザーのデバイスシークレットが上書きされた")
	}
}

// --- ValidateRequest ---

func TestValidateRequest(t *testing.T) {
	f := newLoginFixture(t, employeeUser(t), &model.Employment{UserID: "user-1"})
	res, err := f.service.Login(context.Background(), LoginInput{
		Email: "worker@example.com", Password: "pass123", DeviceID: "dev-1",
	})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	body := []byte(`{"reason":"lunch"}`)
	ts := strconv.FormatInt(f.now.UnixMilli(), 10)
	sig := security.SignRequest(res.DeviceSecret, ts, body)

	t.Run("正しい署名", func(t *testing.T) {
		id, err := f.service.ValidateRequest(context.Background(), res.Token, sig, body, ts)
		if err != nil {
			t.Fatalf("ValidateRequest() error = %v", err)
		}
		if id.UserID != "user-1" || id.DeviceID != "dev-1" {
			t.Errorf("identity = %+v", id)
		}
	})

	staleTS := strconv.FormatInt(f.now.Add(-6*time.Minute).UnixMilli(), 10)
	skewOKTS := strconv.FormatInt(f.now.Add(4*time.Minute).UnixMilli(), 10)

	tests := []struct {
		name      string
		token     string
		signature string
		body      []byte
		timestamp string
		wantErr   bool
	}{
		{"許容誤差内の未来時刻", res.Token, security.SignRequest(res.DeviceSecret, skewOKTS, body), body, skewOKTS, false},
		{"ボディ改ざん", res.Token, sig, []byte(`{"reason":"break"}`), ts, true},
		{"古いタイムスタンプ", res.Token, security.SignRequest(res.DeviceSecret, staleTS, body), body, staleTS, true},
		{"数値でないタイムスタンプ", res.Token, sig, body, "yesterday", true},
		{"不正なトークン", "not-a-jwt", sig, body, ts, true},
		{"別シークレットで署名", res.Token, security.SignRequest("other-secret", ts, body), body, ts, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.ValidateRequest(context.Background(), tt.token, tt.signature, tt.body, tt.timestamp)
			if !tt.wantErr {
				if err != nil {
					t.Errorf("ValidateRequest() error = %v", err)
				}
				return
			}
			assertAPIErrorCode(t, err, model.ErrCodeUnauthorized)
		})
	}
}

func TestValidateRequest_ExpiredToken(t *testing.T) {
	f := newLoginFixture(t, employeeUser(t), &model.Employment{UserID: "user-1"})
	res, err := f.service.Login(context.Background(), LoginInput{
		Email: "worker@example.com", Password: "pass123", DeviceID: "dev-1",
	})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	later := f.now.Add(25 * time.Hour)
	f.service.now = func() time.Time { return later }
	f.service.tokens.now = func() time.Time { return later }

	ts := strconv.FormatInt(later.UnixMilli(), 10)
	body := []byte(`{}`)
	_, err = f.service.ValidateRequest(context.Background(), res.Token, security.SignRequest(res.DeviceSecret, ts, body), body, ts)
	assertAPIErrorCode(t, err, model.ErrCodeUnauthorized)
}
