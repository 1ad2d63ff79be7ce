package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/kintai/internal/metrics"
	"github.com/hitoshi/kintai/internal/model"
	"github.com/hitoshi/kintai/internal/payroll"
)

// PayrollServiceInterface は給与ハンドラーが必要とするサービスインターフェース。
type PayrollServiceInterface interface {
	Compose(ctx context.Context, in payroll.ComposeInput) (*payroll.ComposeResult, error)
	List(ctx context.Context, weekStart time.Time) ([]*model.PayrollWeek, error)
	UpdateStatus(ctx context.Context, id string, to model.PayrollStatus) (*model.PayrollWeek, error)
}

// PayrollHandler は給与計算APIのHTTPハンドラー。
type PayrollHandler struct {
	service PayrollServiceInterface
	metrics metrics.MetricsCollector
}

// NewPayrollHandler はPayrollHandlerを生成する。
func NewPayrollHandler(service PayrollServiceInterface, collector metrics.MetricsCollector) *PayrollHandler {
	return &PayrollHandler{service: service, metrics: collector}
}

type runPayrollRequest struct {
	WeekStart string   `json:"weekStart"`
	WeekEnd   string   `json:"weekEnd"`
	UserIDs   []string `json:"userIds"`
	Preview   bool     `json:"preview"`
}

type deductionsResponse struct {
	SecurityFund float64 `json:"securityFund"`
	Penalties    float64 `json:"penalties"`
	Total        float64 `json:"total"`
}

type payrollWeekResponse struct {
	ID           string             `json:"id"`
	UserID       string             `json:"userId"`
	WeekStart    string             `json:"weekStart"`
	WeekEnd      string             `json:"weekEnd"`
	HoursDecimal float64            `json:"hoursDecimal"`
	BaseAmount   float64            `json:"baseAmount"`
	StreakBonus  float64            `json:"streakBonus"`
	Deductions   deductionsResponse `json:"deductions"`
	FinalAmount  float64            `json:"finalAmount"`
	Status       string             `json:"status"`
	CreatedAt    string             `json:"createdAt"`
}

type calculationResponse struct {
	UserID             string               `json:"userId"`
	Eligible           bool                 `json:"eligible"`
	Reason             string               `json:"reason,omitempty"`
	BillableSeconds    int64                `json:"billableSeconds"`
	DaysMeetingMinimum int                  `json:"daysMeetingMinimum"`
	HoursDecimal       float64              `json:"hoursDecimal"`
	BaseAmount         float64              `json:"baseAmount"`
	StreakBonus        float64              `json:"streakBonus"`
	Deductions         deductionsResponse   `json:"deductions"`
	FinalAmount        float64              `json:"finalAmount"`
	Created            bool                 `json:"created"`
	PayrollWeek        *payrollWeekResponse `json:"payrollWeek,omitempty"`
}

type totalsResponse struct {
	Users          int     `json:"users"`
	Eligible       int     `json:"eligible"`
	Created        int     `json:"created"`
	AlreadyExisted int     `json:"alreadyExisted"`
	HoursDecimal   float64 `json:"hoursDecimal"`
	BaseAmount     float64 `json:"baseAmount"`
	StreakBonus    float64 `json:"streakBonus"`
	Deductions     float64 `json:"deductions"`
	FinalAmount    float64 `json:"finalAmount"`
}

type runPayrollResponse struct {
	WeekStart    string                `json:"weekStart"`
	WeekEnd      string                `json:"weekEnd"`
	Preview      bool                  `json:"preview"`
	Calculations []calculationResponse `json:"calculations"`
	Summary      totalsResponse        `json:"summary"`
}

type listPayrollResponse struct {
	WeekStart string                `json:"weekStart"`
	Weeks     []payrollWeekResponse `json:"weeks"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// RunPayroll は指定週の給与を計算する。previewの場合は永続化しない。
// POST /payroll/run
func (h *PayrollHandler) RunPayroll(w http.ResponseWriter, r *http.Request) {
	var req runPayrollRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}

	weekStart, err := parseDate("weekStart", req.WeekStart)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	weekEnd, err := parseDate("weekEnd", req.WeekEnd)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	res, err := h.service.Compose(r.Context(), payroll.ComposeInput{
		WeekStart: weekStart,
		WeekEnd:   weekEnd,
		UserIDs:   req.UserIDs,
		Preview:   req.Preview,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if h.metrics != nil && !res.Preview {
		h.metrics.RecordPayrollWeeksCreated(res.Totals.Created)
	}

	resp := runPayrollResponse{
		WeekStart:    formatDate(res.WeekStart),
		WeekEnd:      formatDate(res.WeekEnd),
		Preview:      res.Preview,
		Calculations: make([]calculationResponse, len(res.Calculations)),
		Summary: totalsResponse{
			Users:          res.Totals.Users,
			Eligible:       res.Totals.Eligible,
			Created:        res.Totals.Created,
			AlreadyExisted: res.Totals.AlreadyExisted,
			HoursDecimal:   res.Totals.HoursDecimal.Float(),
			BaseAmount:     res.Totals.BaseAmount.Float(),
			StreakBonus:    res.Totals.StreakBonus.Float(),
			Deductions:     res.Totals.Deductions.Float(),
			FinalAmount:    res.Totals.FinalAmount.Float(),
		},
	}
	for i, c := range res.Calculations {
		resp.Calculations[i] = toCalculationResponse(c)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListWeeks は指定週の作成済み給与週を返す。
// GET /payroll/weeks?weekStart=YYYY-MM-DD
func (h *PayrollHandler) ListWeeks(w http.ResponseWriter, r *http.Request) {
	weekStart, err := parseDate("weekStart", r.URL.Query().Get("weekStart"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	weeks, err := h.service.List(r.Context(), weekStart)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := listPayrollResponse{
		WeekStart: formatDate(weekStart),
		Weeks:     make([]payrollWeekResponse, len(weeks)),
	}
	for i, week := range weeks {
		resp.Weeks[i] = toPayrollWeekResponse(week)
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdateStatus は給与週のステータスを遷移させる。
// POST /payroll/weeks/{id}/status
func (h *PayrollHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("給与週IDが指定されていません"))
		return
	}

	var req updateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}
	to, err := model.ParsePayrollStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("status は PENDING, PROCESSING, PAID, DELAYED のいずれかを指定してください"))
		return
	}

	week, err := h.service.UpdateStatus(r.Context(), id, to)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayrollWeekResponse(week))
}

func toDeductionsResponse(d model.DeductionBreakdown) deductionsResponse {
	return deductionsResponse{
		SecurityFund: d.SecurityFund.Float(),
		Penalties:    d.Penalties.Float(),
		Total:        d.Total().Float(),
	}
}

func toPayrollWeekResponse(w *model.PayrollWeek) payrollWeekResponse {
	return payrollWeekResponse{
		ID:           w.ID,
		UserID:       w.UserID,
		WeekStart:    formatDate(w.WeekStart),
		WeekEnd:      formatDate(w.WeekEnd),
		HoursDecimal: w.HoursDecimal.Float(),
		BaseAmount:   w.BaseAmount.Float(),
		StreakBonus:  w.StreakBonus.Float(),
		Deductions:   toDeductionsResponse(w.Deductions),
		FinalAmount:  w.FinalAmount.Float(),
		Status:       string(w.Status),
		CreatedAt:    w.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toCalculationResponse(c *payroll.Calculation) calculationResponse {
	resp := calculationResponse{
		UserID:             c.UserID,
		Eligible:           c.Eligible,
		Reason:             c.Reason,
		BillableSeconds:    c.BillableSeconds,
		DaysMeetingMinimum: c.DaysMeetingMinimum,
		HoursDecimal:       c.HoursDecimal.Float(),
		BaseAmount:         c.BaseAmount.Float(),
		StreakBonus:        c.StreakBonus.Float(),
		Deductions:         toDeductionsResponse(c.Deductions),
		FinalAmount:        c.FinalAmount.Float(),
		Created:            c.Created,
	}
	if c.Week != nil {
		week := toPayrollWeekResponse(c.Week)
		resp.PayrollWeek = &week
	}
	return resp
}
