package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensafety/vigia/internal/alerts"
	"github.com/opensafety/vigia/internal/analytics"
	"github.com/opensafety/vigia/internal/deliveries"
	"github.com/opensafety/vigia/internal/domain"
	"github.com/opensafety/vigia/internal/policies"
	"github.com/opensafety/vigia/internal/requisitions"
	"github.com/opensafety/vigia/internal/risk"
	"github.com/opensafety/vigia/internal/rules"
	"github.com/opensafety/vigia/internal/stats"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo       domain.Repository
	cache      domain.Cache
	recorder   *deliveries.Service
	reqSvc     *requisitions.Service
	alertSvc   *alerts.Service
	policySvc  *policies.Service
	analytics  *analytics.Service
	aggregator *stats.Aggregator
	scorer     *risk.Scorer
	engine     *rules.Engine
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(
	repo domain.Repository,
	cache domain.Cache,
	recorder *deliveries.Service,
	reqSvc *requisitions.Service,
	alertSvc *alerts.Service,
	policySvc *policies.Service,
	analyticsSvc *analytics.Service,
	aggregator *stats.Aggregator,
	scorer *risk.Scorer,
	engine *rules.Engine,
	version string,
) *Handler {
	return &Handler{
		repo:       repo,
		cache:      cache,
		recorder:   recorder,
		reqSvc:     reqSvc,
		alertSvc:   alertSvc,
		policySvc:  policySvc,
		analytics:  analyticsSvc,
		aggregator: aggregator,
		scorer:     scorer,
		engine:     engine,
		version:    version,
	}
}

// RecordDelivery handles POST /deliveries: persists the delivery and
// returns the alerts its evaluation raised.
func (h *Handler) RecordDelivery(w http.ResponseWriter, r *http.Request) {
	var in deliveries.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	d, raised, err := h.recorder.Record(r.Context(), &in, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"delivery": d,
		"alerts":   emptyIfNil(raised),
	})
}

// requisitionRequest is the body for POST /requisitions.
type requisitionRequest struct {
	EmployeeID string                   `json:"employeeId"`
	ProjectID  string                   `json:"projectId,omitempty"`
	Items      []domain.RequisitionItem `json:"items"`
}

// CreateRequisition handles POST /requisitions.
func (h *Handler) CreateRequisition(w http.ResponseWriter, r *http.Request) {
	var req requisitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	created, err := h.reqSvc.Create(r.Context(), req.EmployeeID, req.ProjectID, req.Items, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetRequisition handles GET /requisitions/{id}.
func (h *Handler) GetRequisition(w http.ResponseWriter, r *http.Request) {
	req, err := h.reqSvc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// reviewRequest is the shared body for review-style endpoints.
type reviewRequest struct {
	ReviewerID string `json:"reviewerId"`
	Notes      string `json:"notes,omitempty"`
}

// ApproveRequisition handles POST /requisitions/{id}/approve. The line
// evaluation runs as part of approval; raised alerts are returned.
func (h *Handler) ApproveRequisition(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	updated, raised, err := h.reqSvc.Approve(r.Context(), chi.URLParam(r, "id"), req.ReviewerID, req.Notes, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requisition": updated,
		"alerts":      emptyIfNil(raised),
	})
}

// RejectRequisition handles POST /requisitions/{id}/reject.
func (h *Handler) RejectRequisition(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	updated, err := h.reqSvc.Reject(r.Context(), chi.URLParam(r, "id"), req.ReviewerID, req.Notes, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeliverRequisition handles POST /requisitions/{id}/deliver.
func (h *Handler) DeliverRequisition(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	updated, raised, err := h.reqSvc.Deliver(r.Context(), chi.URLParam(r, "id"), req.ReviewerID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requisition": updated,
		"alerts":      emptyIfNil(raised),
	})
}

// ListAlerts handles GET /alerts with query-string filters.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := alertFilterFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	found, err := h.alertSvc.Find(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": emptyIfNil(found),
		"count":  len(found),
	})
}

// GetAlert handles GET /alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.alertSvc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// AlertSummary handles GET /alerts/summary.
func (h *Handler) AlertSummary(w http.ResponseWriter, r *http.Request) {
	filter, err := alertFilterFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	summary, err := h.alertSvc.Summary(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// alertReviewRequest is the body for POST /alerts/{id}/review.
type alertReviewRequest struct {
	State      domain.AlertState `json:"state"`
	ReviewerID string            `json:"reviewerId"`
	Notes      string            `json:"notes,omitempty"`
}

// ReviewAlert handles POST /alerts/{id}/review.
func (h *Handler) ReviewAlert(w http.ResponseWriter, r *http.Request) {
	var req alertReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	updated, err := h.alertSvc.Review(r.Context(), chi.URLParam(r, "id"), req.State, req.ReviewerID, req.Notes, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

// bulkReviewRequest is the body for POST /alerts/bulk-review.
type bulkReviewRequest struct {
	AlertIDs   []string          `json:"alertIds"`
	State      domain.AlertState `json:"state"`
	ReviewerID string            `json:"reviewerId"`
	Notes      string            `json:"notes,omitempty"`
}

// BulkReviewAlerts handles POST /alerts/bulk-review.
func (h *Handler) BulkReviewAlerts(w http.ResponseWriter, r *http.Request) {
	var req bulkReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	count, err := h.alertSvc.BulkReview(r.Context(), req.AlertIDs, req.State, req.ReviewerID, req.Notes, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviewed": count})
}

// GetPolicy handles GET /materials/{id}/policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.policySvc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

// SetPolicy handles PUT /materials/{id}/policy.
func (h *Handler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	var p domain.ConsumptionPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	saved, err := h.policySvc.Set(r.Context(), chi.URLParam(r, "id"), &p, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// ListRules returns the custom rules currently loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.LoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// CreateRule validates, persists, and loads a custom CEL rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var cfg domain.RuleConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}
	if cfg.Name == "" || cfg.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and expression are required"})
		return
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	cfg.Enabled = true

	if err := h.engine.ValidateRule(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.repo.SaveRuleConfig(r.Context(), &cfg); err != nil {
		writeError(w, err)
		return
	}
	if err := h.engine.LoadRule(&cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &cfg)
}

// ReloadRules reloads the engine from the persisted rule configs.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	configs, err := h.repo.ListRuleConfigs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.engine.ReloadRules(configs); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"loaded": h.engine.RulesCount(),
	})
}

// ExecutiveKPIs handles GET /analytics/kpis?year=&month=.
func (h *Handler) ExecutiveKPIs(w http.ResponseWriter, r *http.Request) {
	year, month, err := periodFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	kpis, err := h.analytics.GetExecutiveKPIs(r.Context(), year, month)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kpis)
}

// Ranking handles GET /analytics/ranking?year=&month=&projectId=&position=&jobRole=.
func (h *Handler) Ranking(w http.ResponseWriter, r *http.Request) {
	year, month, err := periodFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	filter := domain.StatFilter{
		ProjectID: r.URL.Query().Get("projectId"),
		Position:  r.URL.Query().Get("position"),
		JobRole:   r.URL.Query().Get("jobRole"),
	}

	ranking, err := h.analytics.GetRanking(r.Context(), year, month, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ranking)
}

// ProjectConsumption handles GET /analytics/projects/{id}/consumption.
func (h *Handler) ProjectConsumption(w http.ResponseWriter, r *http.Request) {
	year, month, err := periodFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	pc, err := h.analytics.GetProjectConsumption(r.Context(), chi.URLParam(r, "id"), year, month)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pc)
}

// EmployeeProfile handles GET /analytics/employees/{id}/profile.
func (h *Handler) EmployeeProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.analytics.GetEmployeeProfile(r.Context(), chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// ConsumptionTrend handles GET /analytics/trend?months=&projectId=.
func (h *Handler) ConsumptionTrend(w http.ResponseWriter, r *http.Request) {
	months := intQuery(r, "months", 6)
	trend, err := h.analytics.GetConsumptionTrend(r.Context(), months, r.URL.Query().Get("projectId"), time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trend)
}

// AlertTrend handles GET /analytics/alert-trend?months=&projectId=.
func (h *Handler) AlertTrend(w http.ResponseWriter, r *http.Request) {
	months := intQuery(r, "months", 6)
	trend, err := h.analytics.GetAlertTrend(r.Context(), months, r.URL.Query().Get("projectId"), time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trend)
}

// Heatmap handles GET /analytics/heatmap?projectId=&year=&month=.
func (h *Handler) Heatmap(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "projectId is required"})
		return
	}
	year, month, err := periodFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	hm, err := h.analytics.GetFrequencyHeatmap(r.Context(), projectID, year, month)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hm)
}

// recomputeRequest is the body for POST /statistics/recompute.
type recomputeRequest struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// RecomputeStatistics handles POST /statistics/recompute.
func (h *Handler) RecomputeStatistics(w http.ResponseWriter, r *http.Request) {
	var req recomputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}

	if err := h.aggregator.RecomputeAll(r.Context(), req.Year, req.Month, time.Now().UTC()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"year":  req.Year,
		"month": req.Month,
	})
}

// RecomputeRisk handles POST /risk/recompute.
func (h *Handler) RecomputeRisk(w http.ResponseWriter, r *http.Request) {
	updated, err := h.scorer.RecomputeAll(r.Context(), time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// alertFilterFromQuery parses the shared alert filter query parameters.
func alertFilterFromQuery(r *http.Request) (domain.AlertFilter, error) {
	q := r.URL.Query()
	f := domain.AlertFilter{
		Type:       domain.AlertType(q.Get("type")),
		Severity:   domain.Severity(q.Get("severity")),
		State:      domain.AlertState(q.Get("state")),
		EmployeeID: q.Get("employeeId"),
		MaterialID: q.Get("materialId"),
		ProjectID:  q.Get("projectId"),
		Limit:      intQuery(r, "limit", 0),
	}

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("from must be RFC3339")
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("to must be RFC3339")
		}
		f.To = t
	}
	return f, nil
}

// periodFromQuery reads year/month, defaulting to the current month.
func periodFromQuery(r *http.Request) (int, int, error) {
	now := time.Now().UTC()
	year := intQuery(r, "year", now.Year())
	month := intQuery(r, "month", int(now.Month()))
	if month < 1 || month > 12 {
		return 0, 0, errors.New("month must be 1-12")
	}
	return year, month, nil
}

func intQuery(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// writeError maps domain error kinds to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidState):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// emptyIfNil keeps JSON arrays non-null for empty results.
func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
