//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Vigia PPE
// consumption anomaly engine.
//
// These tests verify the COMPLETE pipeline over real HTTP:
//
//	Delivery → Built-in rules + Custom CEL rules → Alerts → Review →
//	Risk scoring → Monthly rollups → Analytics
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. DELIVERY: PPE handed to an employee (material, quantity, unit cost).
//
// 2. POLICY: Per-material consumption limits:
//   - UsefulLifeDays: expected lifetime of one unit
//   - AlertThresholdPercent: scales the life into the premature window
//   - MaxQtyPerDelivery / MaxQtyPerMonth: quantity caps
//
// 3. BUILT-IN RULES:
//   - PREMATURE_REQUEST: replacement before the threshold window elapsed
//   - EXCESS_QUANTITY: one delivery above the per-delivery cap
//   - EXCESS_FREQUENCY: calendar-month total above the monthly cap
//
// 4. CUSTOM RULES: CEL expressions over the delivery context, mapped
//    through severity bands to ANOMALOUS_PATTERN alerts.
//
// 5. ALERT LIFECYCLE: PENDING → IN_REVIEW / DISCARDED / CONFIRMED /
//    RESOLVED. Pending and confirmed alerts drive the employee risk score.
//
// Each test starts its own server over a fresh SQLite file, so scenarios
// never interfere. Employees, materials, and projects are master data
// managed outside the engine and are seeded directly; policies and custom
// rules go through the API like any operator would.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensafety/vigia/internal/alerts"
	"github.com/opensafety/vigia/internal/analytics"
	"github.com/opensafety/vigia/internal/api"
	"github.com/opensafety/vigia/internal/cache"
	"github.com/opensafety/vigia/internal/consumption"
	"github.com/opensafety/vigia/internal/deliveries"
	"github.com/opensafety/vigia/internal/domain"
	"github.com/opensafety/vigia/internal/policies"
	"github.com/opensafety/vigia/internal/repository"
	"github.com/opensafety/vigia/internal/requisitions"
	"github.com/opensafety/vigia/internal/risk"
	"github.com/opensafety/vigia/internal/rules"
	"github.com/opensafety/vigia/internal/stats"
)

// march anchors every scenario in a fixed calendar month so the
// month-window rules behave deterministically.
var march = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type vigia struct {
	t       *testing.T
	baseURL string
	client  *http.Client
}

// startVigia wires the full community-tier stack and serves it over a
// real listener.
func startVigia(t *testing.T) *vigia {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "vigia-e2e.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	seedMasterData(t, repo)

	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}

	history := consumption.NewHistory(repo)
	evaluator := rules.NewEvaluator(repo, history, engine, nil, nil)
	recorder := deliveries.NewService(repo, evaluator, nil, false, nil)
	reqSvc := requisitions.NewService(repo, evaluator, recorder, nil)
	scorer := risk.NewScorer(repo, nil, nil)
	alertSvc := alerts.NewService(repo, scorer, nil, nil)
	lru := cache.NewLRUCache(100)
	analyticsSvc := analytics.NewService(repo, history, lru, nil)
	aggregator := stats.NewAggregator(repo, history, evaluator, lru, nil, nil)

	handler := api.NewHandler(repo, lru, recorder, reqSvc, alertSvc,
		policies.NewService(repo), analyticsSvc, aggregator, scorer, engine, "e2e")
	server := api.NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, handler)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	v := &vigia{
		t:       t,
		baseURL: ts.URL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}

	// Glove policy goes through the API like an operator would set it.
	v.put("/materials/mat-gloves/policy", map[string]any{
		"usefulLifeDays":        30,
		"alertThresholdPercent": 70,
		"maxQtyPerDelivery":     5,
		"maxQtyPerMonth":        10,
	}, http.StatusOK)

	return v
}

// seedMasterData loads the employees, materials, and projects the engine
// reads but does not manage.
func seedMasterData(t *testing.T, repo *repository.SQLRepository) {
	t.Helper()
	ctx := context.Background()

	projects := []*domain.Project{
		{ID: "proj-site-001", Name: "North Tower", MonthlyBudget: decimal.NewFromInt(100), Active: true},
	}
	employees := []*domain.Employee{
		{ID: "emp-field-001", FirstName: "Ana", LastName: "Rios", Position: "Welder", ProjectID: "proj-site-001", Active: true},
		{ID: "emp-field-002", FirstName: "Luis", LastName: "Mora", Position: "Welder", ProjectID: "proj-site-001", Active: true},
		{ID: "emp-field-003", FirstName: "Carla", LastName: "Vega", Position: "Scaffolder", ProjectID: "proj-site-001", Active: true},
	}
	materials := []*domain.Material{
		{ID: "mat-gloves", Name: "Cut-Resistant Gloves", Group: "HAND_PROTECTION", UnitCost: decimal.RequireFromString("3.50"), Active: true},
		{ID: "mat-helmet", Name: "Safety Helmet", Group: "HEAD_PROTECTION", UnitCost: decimal.NewFromInt(25), Active: true},
	}

	for _, p := range projects {
		if err := repo.SaveProject(ctx, p); err != nil {
			t.Fatalf("failed to seed project: %v", err)
		}
	}
	for _, e := range employees {
		if err := repo.SaveEmployee(ctx, e); err != nil {
			t.Fatalf("failed to seed employee: %v", err)
		}
	}
	for _, m := range materials {
		if err := repo.SaveMaterial(ctx, m); err != nil {
			t.Fatalf("failed to seed material: %v", err)
		}
	}
}

func (v *vigia) do(method, path string, body any, wantStatus int) []byte {
	v.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			v.t.Fatalf("failed to marshal request: %v", err)
		}
	}
	req, err := http.NewRequest(method, v.baseURL+path, &buf)
	if err != nil {
		v.t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		v.t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		v.t.Fatalf("failed to read response: %v", err)
	}
	if resp.StatusCode != wantStatus {
		v.t.Fatalf("%s %s: expected status %d, got %d: %s",
			method, path, wantStatus, resp.StatusCode, string(respBody))
	}
	return respBody
}

func (v *vigia) post(path string, body any, wantStatus int) []byte {
	return v.do(http.MethodPost, path, body, wantStatus)
}

func (v *vigia) put(path string, body any, wantStatus int) []byte {
	return v.do(http.MethodPut, path, body, wantStatus)
}

func (v *vigia) get(path string, wantStatus int) []byte {
	return v.do(http.MethodGet, path, nil, wantStatus)
}

// deliveryResponse is what POST /deliveries returns.
type deliveryResponse struct {
	Delivery *domain.Delivery `json:"delivery"`
	Alerts   []*domain.Alert  `json:"alerts"`
}

func (v *vigia) recordDelivery(employeeID, materialID string, qty int, at time.Time) deliveryResponse {
	v.t.Helper()

	body := v.post("/deliveries", map[string]any{
		"employeeId":  employeeID,
		"materialId":  materialID,
		"projectId":   "proj-site-001",
		"quantity":    qty,
		"deliveredAt": at.Format(time.RFC3339),
	}, http.StatusCreated)

	var resp deliveryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		v.t.Fatalf("failed to parse delivery response: %v", err)
	}
	return resp
}

func findAlert(resp deliveryResponse, typ domain.AlertType) *domain.Alert {
	for _, a := range resp.Alerts {
		if a.Type == typ {
			return a
		}
	}
	return nil
}

// ============================================================================
// SCENARIO 1: First delivery (no history, no alerts)
// ============================================================================

func TestFirstDelivery_NoAlert(t *testing.T) {
	/*
	   SCENARIO: An employee receives gloves for the first time.

	   EXPECTED BEHAVIOR:
	   - PREMATURE_REQUEST: no prior delivery → rule cannot fire
	   - EXCESS_QUANTITY: 2 units ≤ cap of 5 → no alert
	   - EXCESS_FREQUENCY: month total 2 ≤ cap of 10 → no alert
	*/
	v := startVigia(t)

	resp := v.recordDelivery("emp-field-001", "mat-gloves", 2, march)

	if len(resp.Alerts) != 0 {
		t.Errorf("expected no alerts for first delivery, got %+v", resp.Alerts)
	}
	if !resp.Delivery.UnitCost.Equal(decimal.RequireFromString("3.50")) {
		t.Errorf("expected catalog unit cost 3.50, got %s", resp.Delivery.UnitCost)
	}

	t.Logf("✓ first delivery recorded clean: id=%s", resp.Delivery.ID)
}

// ============================================================================
// SCENARIO 2: Premature replacement
// ============================================================================

func TestPrematureReplacement_CriticalAlert(t *testing.T) {
	/*
	   SCENARIO: Gloves with a 30-day useful life are replaced after 5 days.

	   EXPECTED BEHAVIOR:
	   - Threshold window: 30 × 70% = 21 days; 5 < 21 → alert
	   - 5 days < 30% of life (9 days) → CRITICAL
	   - Deviation: (30 − 5) / 30 × 100 ≈ 83.33%
	*/
	v := startVigia(t)

	v.recordDelivery("emp-field-001", "mat-gloves", 1, march)
	resp := v.recordDelivery("emp-field-001", "mat-gloves", 1, march.AddDate(0, 0, 5))

	alert := findAlert(resp, domain.AlertPrematureRequest)
	if alert == nil {
		t.Fatalf("expected premature-request alert, got %+v", resp.Alerts)
	}
	if alert.Severity != domain.SeverityCritical {
		t.Errorf("expected CRITICAL, got %s", alert.Severity)
	}
	if !alert.DeviationPercent.Equal(decimal.RequireFromString("83.33")) {
		t.Errorf("expected deviation 83.33, got %s", alert.DeviationPercent)
	}
	if alert.State != domain.AlertPending {
		t.Errorf("expected PENDING, got %s", alert.State)
	}

	// The alert is queryable through the lifecycle API.
	var listed struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(v.get("/alerts?type=PREMATURE_REQUEST", http.StatusOK), &listed); err != nil {
		t.Fatalf("failed to parse alert list: %v", err)
	}
	if listed.Count != 1 {
		t.Errorf("expected 1 premature alert listed, got %d", listed.Count)
	}

	t.Logf("✓ premature replacement flagged: severity=%s deviation=%s", alert.Severity, alert.DeviationPercent)
}

// ============================================================================
// SCENARIO 3: Quantity caps
// ============================================================================

func TestQuantityCaps_QuantityAndFrequencyAlerts(t *testing.T) {
	/*
	   SCENARIO: One oversized delivery, then the month accumulates past
	   the monthly cap.

	   EXPECTED BEHAVIOR:
	   - 12 units vs cap 5: deviation 140% → EXCESS_QUANTITY HIGH,
	     impact (12−5) × 3.50 = 24.50; month total 12 > 10 also breaches
	     the monthly cap → EXCESS_FREQUENCY
	   - A later breach in the same calendar month is suppressed: one
	     frequency alert per employee, material, and month
	*/
	v := startVigia(t)

	resp := v.recordDelivery("emp-field-002", "mat-gloves", 12, march)

	qty := findAlert(resp, domain.AlertExcessQuantity)
	if qty == nil {
		t.Fatalf("expected excess-quantity alert, got %+v", resp.Alerts)
	}
	if qty.Severity != domain.SeverityHigh {
		t.Errorf("expected HIGH, got %s", qty.Severity)
	}
	if !qty.DeviationPercent.Equal(decimal.NewFromInt(140)) {
		t.Errorf("expected deviation 140, got %s", qty.DeviationPercent)
	}
	if qty.EstimatedCostImpact == nil || !qty.EstimatedCostImpact.Equal(decimal.RequireFromString("24.50")) {
		t.Errorf("expected cost impact 24.50, got %v", qty.EstimatedCostImpact)
	}

	if findAlert(resp, domain.AlertExcessFrequency) == nil {
		t.Fatalf("expected excess-frequency alert, got %+v", resp.Alerts)
	}

	// Second breach in the same month stays quiet on the frequency rule.
	later := v.recordDelivery("emp-field-002", "mat-gloves", 1, march.AddDate(0, 0, 10))
	if findAlert(later, domain.AlertExcessFrequency) != nil {
		t.Error("expected frequency alert to be suppressed within the month")
	}

	t.Logf("✓ quantity caps enforced: %d alerts on the oversized delivery", len(resp.Alerts))
}

// ============================================================================
// SCENARIO 4: Custom CEL rule
// ============================================================================

func TestCustomRule_AnomalousPattern(t *testing.T) {
	/*
	   SCENARIO: An operator adds a CEL rule flagging deliveries whose
	   total cost passes 100, then an employee draws five helmets (125).

	   EXPECTED BEHAVIOR:
	   - Boolean expression scores 1.0; the band [0.5, ∞) maps it to HIGH
	   - The alert carries the band's reason as its description
	*/
	v := startVigia(t)

	v.post("/rules", map[string]any{
		"name":       "expensive-draw",
		"expression": "total_cost > 100.0",
		"bands": []map[string]any{
			{"lowerLimit": 0.5, "severity": "HIGH", "reason": "single draw above cost watermark"},
		},
	}, http.StatusCreated)

	resp := v.recordDelivery("emp-field-001", "mat-helmet", 5, march)

	alert := findAlert(resp, domain.AlertAnomalousPattern)
	if alert == nil {
		t.Fatalf("expected anomalous-pattern alert, got %+v", resp.Alerts)
	}
	if alert.Severity != domain.SeverityHigh {
		t.Errorf("expected HIGH, got %s", alert.Severity)
	}
	if alert.Description != "single draw above cost watermark" {
		t.Errorf("expected band reason as description, got %q", alert.Description)
	}

	// A cheap draw stays below the watermark.
	clean := v.recordDelivery("emp-field-003", "mat-helmet", 1, march)
	if findAlert(clean, domain.AlertAnomalousPattern) != nil {
		t.Error("expected no pattern alert for a cheap draw")
	}

	t.Logf("✓ custom rule fired: %s", alert.Description)
}

// ============================================================================
// SCENARIO 5: Requisition workflow feeds the same pipeline
// ============================================================================

func TestRequisitionWorkflow_EndToEnd(t *testing.T) {
	/*
	   SCENARIO: A requisition is created, approved (which pre-screens the
	   lines for premature requests), and delivered.

	   EXPECTED BEHAVIOR:
	   - Approval of a too-early glove re-request raises a PREMATURE_REQUEST
	     alert referencing the requisition, not a delivery
	   - Delivery creates one delivery row per line and moves the
	     requisition to DELIVERED
	*/
	v := startVigia(t)

	// The approval screen measures elapsed days against the request time,
	// so the prior delivery has to sit inside the live threshold window.
	v.recordDelivery("emp-field-001", "mat-gloves", 1, time.Now().UTC().AddDate(0, 0, -2))

	var created domain.Requisition
	body := v.post("/requisitions", map[string]any{
		"employeeId": "emp-field-001",
		"projectId":  "proj-site-001",
		"items": []map[string]any{
			{"materialId": "mat-gloves", "quantity": 1},
		},
	}, http.StatusCreated)
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("failed to parse requisition: %v", err)
	}

	var approved struct {
		Requisition *domain.Requisition `json:"requisition"`
		Alerts      []*domain.Alert     `json:"alerts"`
	}
	body = v.post(fmt.Sprintf("/requisitions/%s/approve", created.ID), map[string]any{
		"reviewerId": "sup-001",
	}, http.StatusOK)
	if err := json.Unmarshal(body, &approved); err != nil {
		t.Fatalf("failed to parse approval: %v", err)
	}
	if approved.Requisition.Status != domain.RequisitionApproved {
		t.Errorf("expected APPROVED, got %s", approved.Requisition.Status)
	}
	if len(approved.Alerts) == 0 {
		t.Fatal("expected the approval screen to flag the premature re-request")
	}
	if approved.Alerts[0].RequisitionID != created.ID || approved.Alerts[0].DeliveryID != "" {
		t.Errorf("expected alert to reference the requisition, got %+v", approved.Alerts[0])
	}

	var delivered struct {
		Requisition *domain.Requisition `json:"requisition"`
	}
	body = v.post(fmt.Sprintf("/requisitions/%s/deliver", created.ID), map[string]any{
		"reviewerId": "sup-001",
	}, http.StatusOK)
	if err := json.Unmarshal(body, &delivered); err != nil {
		t.Fatalf("failed to parse delivery: %v", err)
	}
	if delivered.Requisition.Status != domain.RequisitionDelivered {
		t.Errorf("expected DELIVERED, got %s", delivered.Requisition.Status)
	}

	t.Logf("✓ requisition flow complete: %s", delivered.Requisition.Status)
}

// ============================================================================
// SCENARIO 6: Review and risk scoring
// ============================================================================

func TestAlertReview_DrivesRiskScore(t *testing.T) {
	/*
	   SCENARIO: A critical premature alert is raised, risk is recomputed,
	   the alert is confirmed, and risk is recomputed again.

	   EXPECTED BEHAVIOR:
	   - Pending critical: 10 (pending count) + 10 (severity weight) = 20
	   - After confirmation: 15 (confirmed count), no severity weight = 15
	*/
	v := startVigia(t)

	v.recordDelivery("emp-field-001", "mat-gloves", 1, march)
	resp := v.recordDelivery("emp-field-001", "mat-gloves", 1, march.AddDate(0, 0, 5))
	alert := findAlert(resp, domain.AlertPrematureRequest)
	if alert == nil {
		t.Fatalf("expected premature alert, got %+v", resp.Alerts)
	}

	v.post("/risk/recompute", nil, http.StatusOK)
	if got := v.riskScore("emp-field-001"); !got.Equal(decimal.NewFromInt(20)) {
		t.Errorf("expected risk score 20 with pending critical, got %s", got)
	}

	v.post(fmt.Sprintf("/alerts/%s/review", alert.ID), map[string]any{
		"state":      "CONFIRMED",
		"reviewerId": "sup-001",
		"notes":      "verified against stock count",
	}, http.StatusOK)

	v.post("/risk/recompute", nil, http.StatusOK)
	if got := v.riskScore("emp-field-001"); !got.Equal(decimal.NewFromInt(15)) {
		t.Errorf("expected risk score 15 after confirmation, got %s", got)
	}

	t.Logf("✓ risk score follows the alert lifecycle")
}

func (v *vigia) riskScore(employeeID string) decimal.Decimal {
	v.t.Helper()

	var profile struct {
		Employee *domain.Employee `json:"employee"`
	}
	body := v.get("/analytics/employees/"+employeeID+"/profile", http.StatusOK)
	if err := json.Unmarshal(body, &profile); err != nil {
		v.t.Fatalf("failed to parse profile: %v", err)
	}
	return profile.Employee.RiskScore
}

// ============================================================================
// SCENARIO 7: Rollups and analytics
// ============================================================================

func TestStatisticsRecompute_FeedsAnalytics(t *testing.T) {
	/*
	   SCENARIO: Three employees draw PPE in March; the monthly rollups are
	   recomputed and the analytics surfaces are queried.

	   EXPECTED BEHAVIOR:
	   - Ranking: the helmet drawer (125) leads the welder rollups
	   - Project spend 125 + 7 + 3.50 = 135.50 against a 100 budget →
	     the recompute raises a BUDGET_DEVIATION alert (35.5% over)
	   - Heatmap and KPIs respond for the period
	*/
	v := startVigia(t)

	v.recordDelivery("emp-field-001", "mat-helmet", 5, march)             // 125.00
	v.recordDelivery("emp-field-002", "mat-gloves", 2, march)             // 7.00
	v.recordDelivery("emp-field-003", "mat-gloves", 1, march.AddDate(0, 0, 2)) // 3.50

	v.post("/statistics/recompute", map[string]any{"year": 2026, "month": 3}, http.StatusOK)

	var ranking struct {
		Top []struct {
			EmployeeID string          `json:"employeeId"`
			Position   int             `json:"position"`
			TotalCost  decimal.Decimal `json:"totalCost"`
		} `json:"top"`
	}
	body := v.get("/analytics/ranking?year=2026&month=3", http.StatusOK)
	if err := json.Unmarshal(body, &ranking); err != nil {
		t.Fatalf("failed to parse ranking: %v", err)
	}
	if len(ranking.Top) != 3 {
		t.Fatalf("expected 3 ranked employees, got %d", len(ranking.Top))
	}
	if ranking.Top[0].EmployeeID != "emp-field-001" || ranking.Top[0].Position != 1 {
		t.Errorf("expected emp-field-001 at position 1, got %+v", ranking.Top[0])
	}
	if !ranking.Top[0].TotalCost.Equal(decimal.NewFromInt(125)) {
		t.Errorf("expected top cost 125, got %s", ranking.Top[0].TotalCost)
	}

	var budget struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(v.get("/alerts?type=BUDGET_DEVIATION", http.StatusOK), &budget); err != nil {
		t.Fatalf("failed to parse alert list: %v", err)
	}
	if budget.Count != 1 {
		t.Errorf("expected 1 budget-deviation alert, got %d", budget.Count)
	}

	v.get("/analytics/heatmap?projectId=proj-site-001&year=2026&month=3", http.StatusOK)
	v.get("/analytics/kpis?year=2026&month=3", http.StatusOK)

	t.Logf("✓ rollups feed ranking, budget alerts, heatmap, and KPIs")
}
