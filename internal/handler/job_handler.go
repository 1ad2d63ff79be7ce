package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/kintai/internal/model"
	"github.com/hitoshi/kintai/internal/worker/scheduler"
)

// JobSupervisorInterface はジョブ制御ハンドラーが必要とするスーパーバイザーのインターフェース。
type JobSupervisorInterface interface {
	Init(ctx context.Context) (bool, error)
	Initialized() bool
	Jobs() []scheduler.JobInfo
	Trigger(ctx context.Context, name string, force bool) (*model.JobRun, error)
	History(ctx context.Context, name string, limit int) (*scheduler.History, error)
}

// JobHandler はジョブ制御APIのHTTPハンドラー。
type JobHandler struct {
	supervisor JobSupervisorInterface
}

// NewJobHandler はJobHandlerを生成する。
func NewJobHandler(supervisor JobSupervisorInterface) *JobHandler {
	return &JobHandler{supervisor: supervisor}
}

type jobInfoResponse struct {
	Name        string  `json:"name"`
	Spec        string  `json:"spec"`
	Description string  `json:"description"`
	NextRun     *string `json:"nextRun"`
}

type initJobsResponse struct {
	Initialized bool              `json:"initialized"`
	Started     bool              `json:"started"`
	Jobs        []jobInfoResponse `json:"jobs"`
}

type listJobsResponse struct {
	Initialized bool              `json:"initialized"`
	Jobs        []jobInfoResponse `json:"jobs"`
}

type runJobRequest struct {
	JobName string `json:"jobName"`
	Force   bool   `json:"force"`
}

type jobRunResponse struct {
	RunID       string  `json:"runId"`
	JobName     string  `json:"jobName"`
	Status      string  `json:"status"`
	Trigger     string  `json:"trigger"`
	Forced      bool    `json:"forced"`
	StartedAt   string  `json:"startedAt"`
	CompletedAt *string `json:"completedAt"`
	DurationMs  int64   `json:"durationMs"`
	Result      string  `json:"result"`
}

type jobStatsResponse struct {
	Total             int     `json:"total"`
	Completed         int     `json:"completed"`
	Failed            int     `json:"failed"`
	Running           int     `json:"running"`
	AverageDurationMs int64   `json:"averageDurationMs"`
	LastCompletedAt   *string `json:"lastCompletedAt"`
}

type jobHistoryResponse struct {
	JobName string           `json:"jobName,omitempty"`
	Runs    []jobRunResponse `json:"runs"`
	Stats   jobStatsResponse `json:"stats"`
}

// InitJobs は定期実行を開始する。何度呼び出しても結果は同じ。
// POST /jobs/init
func (h *JobHandler) InitJobs(w http.ResponseWriter, r *http.Request) {
	started, err := h.supervisor.Init(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, initJobsResponse{
		Initialized: h.supervisor.Initialized(),
		Started:     started,
		Jobs:        h.jobInfos(),
	})
}

// ListJobs は登録済みジョブを返す。
// GET /jobs
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listJobsResponse{
		Initialized: h.supervisor.Initialized(),
		Jobs:        h.jobInfos(),
	})
}

// RunJob はジョブを手動で実行する。実行は非同期で、受け付けた実行記録を返す。
// POST /jobs/run
func (h *JobHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	var req runJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.JobName)
	if name == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("jobName は必須です"))
		return
	}

	run, err := h.supervisor.Trigger(r.Context(), name, req.Force)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobRunResponse(run))
}

// JobHistory はジョブ実行履歴と集計値を返す。
// GET /jobs/history?jobName=&limit=
func (h *JobHandler) JobHistory(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("jobName"))
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("limit は1以上の整数で指定してください"))
			return
		}
		limit = n
	}

	history, err := h.supervisor.History(r.Context(), name, limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := jobHistoryResponse{
		JobName: name,
		Runs:    make([]jobRunResponse, len(history.Runs)),
	}
	for i, run := range history.Runs {
		resp.Runs[i] = toJobRunResponse(run)
	}
	if st := history.Stats; st != nil {
		resp.Stats = jobStatsResponse{
			Total:             st.Total,
			Completed:         st.Completed,
			Failed:            st.Failed,
			Running:           st.Running,
			AverageDurationMs: st.AverageDurationMs,
			LastCompletedAt:   formatTime(st.LastCompletedAt),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *JobHandler) jobInfos() []jobInfoResponse {
	infos := h.supervisor.Jobs()
	resp := make([]jobInfoResponse, len(infos))
	for i, info := range infos {
		resp[i] = jobInfoResponse{
			Name:        info.Name,
			Spec:        info.Spec,
			Description: info.Description,
			NextRun:     formatTime(info.NextRun),
		}
	}
	return resp
}

func toJobRunResponse(run *model.JobRun) jobRunResponse {
	return jobRunResponse{
		RunID:       run.RunID,
		JobName:     run.JobName,
		Status:      string(run.Status),
		Trigger:     string(run.Trigger),
		Forced:      run.Forced,
		StartedAt:   run.StartedAt.UTC().Format(time.RFC3339),
		CompletedAt: formatTime(run.CompletedAt),
		DurationMs:  run.Duration().Milliseconds(),
		Result:      run.Result,
	}
}
