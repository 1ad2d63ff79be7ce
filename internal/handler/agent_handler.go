package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hitoshi/kintai/internal/activity"
	"github.com/hitoshi/kintai/internal/auth"
	"github.com/hitoshi/kintai/internal/metrics"
	"github.com/hitoshi/kintai/internal/middleware"
	"github.com/hitoshi/kintai/internal/model"
	"github.com/hitoshi/kintai/internal/timer"
	"github.com/hitoshi/kintai/internal/upload"
)

// AgentAuthServiceInterface はログインハンドラーが必要とするサービスインターフェース。
type AgentAuthServiceInterface interface {
	Login(ctx context.Context, in auth.LoginInput) (*auth.LoginResult, error)
}

// TimerServiceInterface はタイマーハンドラーが必要とするサービスインターフェース。
type TimerServiceInterface interface {
	Start(ctx context.Context, userID, deviceID string) (*model.TimerSession, error)
	Pause(ctx context.Context, userID, deviceID string, in timer.PauseInput) (*model.TimerSession, error)
	Resume(ctx context.Context, userID, deviceID string) (*model.TimerSession, error)
	Stop(ctx context.Context, userID, deviceID string, in timer.StopInput) (*timer.StopResult, error)
	Current(ctx context.Context, userID, deviceID string) (*timer.Status, error)
}

// ActivityServiceInterface はアクティビティハンドラーが必要とするサービスインターフェース。
type ActivityServiceInterface interface {
	Ingest(ctx context.Context, userID, deviceID string, in activity.IngestInput) (*activity.IngestResult, error)
}

// UploadServiceInterface はアップロードハンドラーが必要とするサービスインターフェース。
type UploadServiceInterface interface {
	Presign(ctx context.Context, userID, deviceID string, kind model.UploadKind, contentType string) (*upload.Grant, error)
	Confirm(ctx context.Context, userID, fileKey string) (*model.Upload, error)
}

// AgentHandler はエージェントAPIのHTTPハンドラー。
type AgentHandler struct {
	auth     AgentAuthServiceInterface
	timer    TimerServiceInterface
	activity ActivityServiceInterface
	uploads  UploadServiceInterface
	metrics  metrics.MetricsCollector
	now      func() time.Time
}

// NewAgentHandler はAgentHandlerを生成する。
func NewAgentHandler(
	authService AgentAuthServiceInterface,
	timerService TimerServiceInterface,
	activityService ActivityServiceInterface,
	uploadService UploadServiceInterface,
	collector metrics.MetricsCollector,
) *AgentHandler {
	return &AgentHandler{
		auth:     authService,
		timer:    timerService,
		activity: activityService,
		uploads:  uploadService,
		metrics:  collector,
		now:      time.Now,
	}
}

// --- リクエスト/レスポンス ---

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceID   string `json:"deviceId"`
	DeviceInfo string `json:"deviceInfo"`
}

type loginResponse struct {
	Token        string   `json:"token"`
	DeviceSecret string   `json:"deviceSecret"`
	ExpiresIn    int64    `json:"expiresIn"`
	Permissions  []string `json:"permissions"`
	UserID       string   `json:"userId"`
	DeviceID     string   `json:"deviceId"`
}

type pauseRequest struct {
	Reason                  string `json:"reason"`
	Note                    string `json:"note"`
	ExpectedDurationMinutes int    `json:"expectedDurationMinutes"`
}

type stopRequest struct {
	TotalActiveSeconds *int64 `json:"totalActiveSeconds"`
}

type pauseResponse struct {
	Reason                  string  `json:"reason"`
	Note                    string  `json:"note,omitempty"`
	StartedAt               string  `json:"startedAt"`
	EndedAt                 *string `json:"endedAt"`
	ExpectedDurationMinutes int     `json:"expectedDurationMinutes,omitempty"`
}

type sessionResponse struct {
	SessionID          string          `json:"sessionId"`
	State              string          `json:"state"`
	StartedAt          string          `json:"startedAt"`
	EndedAt            *string         `json:"endedAt"`
	ActiveSeconds      int64           `json:"activeSeconds"`
	PausedSeconds      int64           `json:"pausedSeconds"`
	Pauses             []pauseResponse `json:"pauses"`
	WorkDate           string          `json:"workDate,omitempty"`
	ActiveSecondsSoFar *int64          `json:"activeSecondsSoFar,omitempty"`
}

type dailySummaryResponse struct {
	WorkDate          string  `json:"workDate"`
	BillableSeconds   int64   `json:"billableSeconds"`
	BillableHours     float64 `json:"billableHours"`
	MeetsDailyMinimum bool    `json:"meetsDailyMinimum"`
	UploadsDone       bool    `json:"uploadsDone"`
}

type stopResponse struct {
	Session       sessionResponse       `json:"session"`
	ActiveSeconds int64                 `json:"activeSeconds"`
	Today         *dailySummaryResponse `json:"today"`
}

type currentResponse struct {
	State   string           `json:"state"`
	Session *sessionResponse `json:"session"`
}

type activityEventRequest struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type activityRequest struct {
	Activities []activityEventRequest `json:"activities"`
	BatchID    string                 `json:"batchId"`
	SessionID  string                 `json:"sessionId"`
	DeviceInfo string                 `json:"deviceInfo"`
}

type activityMetricsResponse struct {
	MouseEvents  int    `json:"mouseEvents"`
	KeyEvents    int    `json:"keyEvents"`
	WindowEvents int    `json:"windowEvents"`
	IdleEvents   int    `json:"idleEvents"`
	TotalEvents  int    `json:"totalEvents"`
	FirstEventAt string `json:"firstEventAt"`
	LastEventAt  string `json:"lastEventAt"`
}

type activityResponse struct {
	Processed     int                     `json:"processed"`
	BatchID       string                  `json:"batchId"`
	SessionID     string                  `json:"sessionId"`
	Metrics       activityMetricsResponse `json:"metrics"`
	ActivityScore int                     `json:"activityScore"`
	Duplicate     bool                    `json:"duplicate"`
}

type presignRequest struct {
	ContentType string `json:"contentType"`
}

type presignResponse struct {
	UploadURL string            `json:"uploadUrl"`
	Fields    map[string]string `json:"fields"`
	FileKey   string            `json:"fileKey"`
	ExpiresIn int64             `json:"expiresIn"`
}

type confirmUploadRequest struct {
	FileKey string `json:"fileKey"`
}

type confirmUploadResponse struct {
	FileKey     string  `json:"fileKey"`
	Kind        string  `json:"kind"`
	WorkDate    string  `json:"workDate"`
	ConfirmedAt *string `json:"confirmedAt"`
}

// --- ログイン ---

// Login はエージェントのログインを処理する。
// POST /agent/login
func (h *AgentHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	res, err := h.auth.Login(r.Context(), auth.LoginInput{
		Email:      req.Email,
		Password:   req.Password,
		DeviceID:   req.DeviceID,
		DeviceInfo: req.DeviceInfo,
	})
	if err != nil {
		h.recordLoginRejection(err)
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:        res.Token,
		DeviceSecret: res.DeviceSecret,
		ExpiresIn:    res.ExpiresIn,
		Permissions:  res.Permissions,
		UserID:       res.UserID,
		DeviceID:     res.DeviceID,
	})
}

func (h *AgentHandler) recordLoginRejection(err error) {
	var apiErr *model.APIError
	if h.metrics != nil && errors.As(err, &apiErr) {
		h.metrics.RecordAuthRejection("login_" + apiErr.Code)
	}
}

// --- タイマー ---

// StartTimer はセッションを開始する。
// POST /agent/timer/start
func (h *AgentHandler) StartTimer(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	session, err := h.timer.Start(r.Context(), id.UserID, id.DeviceID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	h.recordTransition("start")
	writeJSON(w, http.StatusCreated, toSessionResponse(session, h.now()))
}

// PauseTimer はセッションを一時停止する。
// POST /agent/timer/pause
func (h *AgentHandler) PauseTimer(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}
	if req.ExpectedDurationMinutes < 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("expectedDurationMinutes は0以上で指定してください"))
		return
	}

	id := identity(r)
	session, err := h.timer.Pause(r.Context(), id.UserID, id.DeviceID, timer.PauseInput{
		Reason:           req.Reason,
		Note:             req.Note,
		ExpectedDuration: time.Duration(req.ExpectedDurationMinutes) * time.Minute,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	h.recordTransition("pause")
	writeJSON(w, http.StatusOK, toSessionResponse(session, h.now()))
}

// ResumeTimer は一時停止中のセッションを再開する。
// POST /agent/timer/resume
func (h *AgentHandler) ResumeTimer(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	session, err := h.timer.Resume(r.Context(), id.UserID, id.DeviceID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	h.recordTransition("resume")
	writeJSON(w, http.StatusOK, toSessionResponse(session, h.now()))
}

// StopTimer はセッションを終了し、その日の累計を返す。
// POST /agent/timer/stop
func (h *AgentHandler) StopTimer(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	id := identity(r)
	res, err := h.timer.Stop(r.Context(), id.UserID, id.DeviceID, timer.StopInput{
		TotalActiveSeconds: req.TotalActiveSeconds,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	h.recordTransition("stop")

	resp := stopResponse{
		Session:       toSessionResponse(res.Session, h.now()),
		ActiveSeconds: res.ActiveSeconds,
	}
	if res.Summary != nil {
		resp.Today = toDailySummaryResponse(res.Summary)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CurrentTimer は計測中セッションの状態を返す。
// GET /agent/timer/current
func (h *AgentHandler) CurrentTimer(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	status, err := h.timer.Current(r.Context(), id.UserID, id.DeviceID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := currentResponse{State: string(status.State)}
	if status.Session != nil {
		s := toSessionResponse(status.Session, h.now())
		s.PausedSeconds = status.PausedSeconds
		soFar := status.ActiveSecondsSoFar
		s.ActiveSecondsSoFar = &soFar
		resp.Session = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AgentHandler) recordTransition(action string) {
	if h.metrics != nil {
		h.metrics.RecordTimerTransition(action)
	}
}

// --- アクティビティ ---

// IngestActivity はアクティビティバッチを取り込む。
// POST /agent/activity
func (h *AgentHandler) IngestActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	events := make([]model.ActivityEvent, len(req.Activities))
	for i, a := range req.Activities {
		events[i] = model.ActivityEvent{Type: model.ActivityType(a.Type), Timestamp: a.Timestamp}
	}

	id := identity(r)
	res, err := h.activity.Ingest(r.Context(), id.UserID, id.DeviceID, activity.IngestInput{
		Activities: events,
		BatchID:    req.BatchID,
		SessionID:  req.SessionID,
		DeviceInfo: req.DeviceInfo,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordActivityBatch(res.Processed, res.Batch.ActivityScore, res.Duplicate)
	}

	m := res.Batch.Metrics
	writeJSON(w, http.StatusOK, activityResponse{
		Processed: res.Processed,
		BatchID:   res.Batch.BatchID,
		SessionID: res.Batch.SessionID,
		Metrics: activityMetricsResponse{
			MouseEvents:  m.MouseEvents,
			KeyEvents:    m.KeyEvents,
			WindowEvents: m.WindowEvents,
			IdleEvents:   m.IdleEvents,
			TotalEvents:  m.TotalEvents,
			FirstEventAt: m.FirstEventAt.UTC().Format(time.RFC3339),
			LastEventAt:  m.LastEventAt.UTC().Format(time.RFC3339),
		},
		ActivityScore: res.Batch.ActivityScore,
		Duplicate:     res.Duplicate,
	})
}

// --- アップロード ---

// PresignScreenshot はスクリーンショットのアップロード許可を発行する。
// POST /agent/screenshot/presign
func (h *AgentHandler) PresignScreenshot(w http.ResponseWriter, r *http.Request) {
	h.presign(w, r, model.UploadKindScreenshot)
}

// PresignRecording は録画のアップロード許可を発行する。
// POST /agent/recordings/presign
func (h *AgentHandler) PresignRecording(w http.ResponseWriter, r *http.Request) {
	h.presign(w, r, model.UploadKindRecording)
}

func (h *AgentHandler) presign(w http.ResponseWriter, r *http.Request, kind model.UploadKind) {
	var req presignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	id := identity(r)
	grant, err := h.uploads.Presign(r.Context(), id.UserID, id.DeviceID, kind, req.ContentType)
	if err != nil {
		if errors.Is(err, upload.ErrStorageNotConfigured) {
			writeAPIErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
				Code:     "STORAGE_NOT_CONFIGURED",
				Message:  "アップロード先のストレージが設定されていません。",
				Category: model.CategorySystem,
				Action:   "管理者に連絡してください。",
			})
			return
		}
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, presignResponse{
		UploadURL: grant.UploadURL,
		Fields:    grant.Fields,
		FileKey:   grant.FileKey,
		ExpiresIn: grant.ExpiresIn,
	})
}

// ConfirmUpload はアップロード完了を記録する。
// POST /agent/uploads/confirm
func (h *AgentHandler) ConfirmUpload(w http.ResponseWriter, r *http.Request) {
	var req confirmUploadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}
	if req.FileKey == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("fileKey は必須です"))
		return
	}

	id := identity(r)
	u, err := h.uploads.Confirm(r.Context(), id.UserID, req.FileKey)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, confirmUploadResponse{
		FileKey:     u.FileKey,
		Kind:        string(u.Kind),
		WorkDate:    formatDate(u.WorkDate),
		ConfirmedAt: formatTime(u.ConfirmedAt),
	})
}

// --- 変換 ---

// identity はエージェント認証ミドルウェアが注入した主体を返す。
// ルーター上で認証ミドルウェアの内側にのみ登録するため、常に存在する。
func identity(r *http.Request) *auth.AgentIdentity {
	id, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		return &auth.AgentIdentity{}
	}
	return id
}

func toSessionResponse(s *model.TimerSession, now time.Time) sessionResponse {
	resp := sessionResponse{
		SessionID:     s.ID,
		State:         string(s.State()),
		StartedAt:     s.StartedAt.UTC().Format(time.RFC3339),
		EndedAt:       formatTime(s.EndedAt),
		ActiveSeconds: s.ActiveSeconds,
		Pauses:        make([]pauseResponse, len(s.Pauses)),
	}
	asOf := now
	if s.EndedAt != nil {
		asOf = *s.EndedAt
	}
	resp.PausedSeconds = s.PausedSeconds(asOf)
	if s.WorkDate != nil {
		resp.WorkDate = formatDate(*s.WorkDate)
	}
	for i, p := range s.Pauses {
		resp.Pauses[i] = pauseResponse{
			Reason:                  string(p.Reason),
			Note:                    p.Note,
			StartedAt:               p.StartedAt.UTC().Format(time.RFC3339),
			EndedAt:                 formatTime(p.EndedAt),
			ExpectedDurationMinutes: int(p.ExpectedDuration / time.Minute),
		}
	}
	return resp
}

func toDailySummaryResponse(s *model.DailySummary) *dailySummaryResponse {
	return &dailySummaryResponse{
		WorkDate:          formatDate(s.WorkDate),
		BillableSeconds:   s.BillableSeconds,
		BillableHours:     model.HoursFromSeconds(s.BillableSeconds).Float(),
		MeetsDailyMinimum: s.MeetsDailyMinimum,
		UploadsDone:       s.UploadsDone,
	}
}
