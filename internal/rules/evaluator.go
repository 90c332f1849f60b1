package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensafety/vigia/internal/consumption"
	"github.com/opensafety/vigia/internal/domain"
)

var (
	hundred = decimal.NewFromInt(100)

	// Premature-request severity cutoffs, as fractions of useful life.
	criticalLifeFraction = decimal.NewFromFloat(0.30)
	highLifeFraction     = decimal.NewFromFloat(0.50)

	// Deviation cutoffs for quantity and frequency severities.
	quantityHighDeviation  = decimal.NewFromInt(100)
	frequencyHighDeviation = decimal.NewFromInt(50)

	// Budget-deviation cutoffs, percent over budget.
	budgetHighDeviation     = decimal.NewFromInt(25)
	budgetCriticalDeviation = decimal.NewFromInt(50)

	topConsumerMultiplier = decimal.NewFromInt(2)
)

// Evaluator runs the built-in consumption rules and the custom CEL rules
// against deliveries and requisitions. It is the only writer of new alerts:
// every generated alert is persisted immediately and announced on the bus.
type Evaluator struct {
	repo    domain.Repository
	history *consumption.History
	engine  *Engine
	bus     domain.EventBus
	logger  *slog.Logger
}

// NewEvaluator creates an evaluator. engine and bus may be nil; custom
// rules and event publication are then skipped.
func NewEvaluator(repo domain.Repository, history *consumption.History, engine *Engine, bus domain.EventBus, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		repo:    repo,
		history: history,
		engine:  engine,
		bus:     bus,
		logger:  logger,
	}
}

// EvaluateDelivery runs every rule against a recorded delivery and returns
// the alerts it raised. now fixes the generation timestamp; the delivery's
// own DeliveredAt anchors all interval and calendar-month math.
//
// A material with no active policy fails open: the built-in rules are
// skipped, custom rules still run.
func (ev *Evaluator) EvaluateDelivery(ctx context.Context, d *domain.Delivery, now time.Time) ([]*domain.Alert, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: delivery is required", domain.ErrValidation)
	}
	if !d.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", domain.ErrValidation)
	}
	if _, err := ev.repo.GetEmployee(ctx, d.EmployeeID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown employee %s", domain.ErrValidation, d.EmployeeID)
		}
		return nil, err
	}
	material, err := ev.repo.GetMaterial(ctx, d.MaterialID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown material %s", domain.ErrValidation, d.MaterialID)
		}
		return nil, err
	}

	policy, err := ev.activePolicy(ctx, d.MaterialID)
	if err != nil {
		return nil, err
	}

	daysSince, prev, err := ev.history.DaysSinceLast(ctx, d.EmployeeID, d.MaterialID, d.DeliveredAt, d.ID)
	if err != nil {
		return nil, err
	}
	monthQty, monthCount, err := ev.history.MonthTotals(ctx, d.EmployeeID, d.MaterialID, d.DeliveredAt, d.ID, d.Quantity)
	if err != nil {
		return nil, err
	}

	src := sourceRef{
		employeeID: d.EmployeeID,
		materialID: d.MaterialID,
		projectID:  d.ProjectID,
		deliveryID: d.ID,
	}

	var alerts []*domain.Alert
	if policy != nil {
		if a := ev.prematureRule(policy, src, prev, daysSince, material.UnitCost, now); a != nil {
			alerts = append(alerts, a)
		}
		if a := ev.excessQuantityRule(policy, src, d.Quantity, d.UnitCost, now); a != nil {
			alerts = append(alerts, a)
		}
		freq, err := ev.excessFrequencyRule(ctx, policy, src, monthQty, d.UnitCost, d.DeliveredAt, now)
		if err != nil {
			return nil, err
		}
		if freq != nil {
			alerts = append(alerts, freq)
		}
	}

	alerts = append(alerts, ev.customRules(src, material, d.Quantity, d.UnitCost, daysSince, prev != nil, monthQty, monthCount, now)...)

	if err := ev.persist(ctx, alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// EvaluateRequisition runs the premature-request rule once per requested
// material line, so approvers see the anomalies a fulfillment would
// create. The quantity rules wait for the actual delivery. Raised alerts
// reference the requisition.
func (ev *Evaluator) EvaluateRequisition(ctx context.Context, r *domain.Requisition, now time.Time) ([]*domain.Alert, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: requisition is required", domain.ErrValidation)
	}
	if _, err := ev.repo.GetEmployee(ctx, r.EmployeeID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown employee %s", domain.ErrValidation, r.EmployeeID)
		}
		return nil, err
	}

	var alerts []*domain.Alert
	for _, item := range r.Items {
		if !item.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: item quantity must be positive", domain.ErrValidation)
		}
		material, err := ev.repo.GetMaterial(ctx, item.MaterialID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown material %s", domain.ErrValidation, item.MaterialID)
			}
			return nil, err
		}

		policy, err := ev.activePolicy(ctx, item.MaterialID)
		if err != nil {
			return nil, err
		}
		if policy == nil {
			continue
		}

		daysSince, prev, err := ev.history.DaysSinceLast(ctx, r.EmployeeID, item.MaterialID, r.RequestedAt, "")
		if err != nil {
			return nil, err
		}

		src := sourceRef{
			employeeID:    r.EmployeeID,
			materialID:    item.MaterialID,
			projectID:     r.ProjectID,
			requisitionID: r.ID,
		}
		if a := ev.prematureRule(policy, src, prev, daysSince, material.UnitCost, now); a != nil {
			alerts = append(alerts, a)
		}
	}

	if err := ev.persist(ctx, alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// EvaluateProjectBudget raises a BudgetDeviation alert when a project's
// monthly spend runs more than 25% over its assigned budget. At most one
// alert per project per month; projects without a budget are skipped.
func (ev *Evaluator) EvaluateProjectBudget(ctx context.Context, stat *domain.MonthlyProjectStat, now time.Time) (*domain.Alert, error) {
	if stat == nil || !stat.AssignedBudget.IsPositive() {
		return nil, nil
	}
	over := stat.TotalCost.Sub(stat.AssignedBudget)
	if !over.IsPositive() {
		return nil, nil
	}
	deviation := over.Div(stat.AssignedBudget).Mul(hundred)
	if deviation.LessThanOrEqual(budgetHighDeviation) {
		return nil, nil
	}

	// One budget alert per project per generation month, however often the
	// stat row is recomputed.
	from, to := domain.MonthWindow(now.Year(), int(now.Month()))
	dup, err := ev.repo.CountAlerts(ctx, domain.AlertFilter{
		Type:      domain.AlertBudgetDeviation,
		ProjectID: stat.ProjectID,
		From:      from,
		To:        to,
	})
	if err != nil {
		return nil, err
	}
	if dup > 0 {
		return nil, nil
	}

	severity := domain.SeverityHigh
	if deviation.GreaterThan(budgetCriticalDeviation) {
		severity = domain.SeverityCritical
	}
	impact := over
	a := &domain.Alert{
		ID:       uuid.New().String(),
		Type:     domain.AlertBudgetDeviation,
		Severity: severity,
		// Budget alerts belong to the project; there is no single employee.
		EmployeeID:          "",
		ProjectID:           stat.ProjectID,
		Description:         fmt.Sprintf("project spend exceeded monthly PPE budget for %04d-%02d", stat.Year, stat.Month),
		ExpectedValue:       fmt.Sprintf("%s budget", stat.AssignedBudget.StringFixed(2)),
		ActualValue:         fmt.Sprintf("%s spent", stat.TotalCost.StringFixed(2)),
		DeviationPercent:    deviation.Round(2),
		EstimatedCostImpact: &impact,
		GeneratedAt:         now,
		State:               domain.AlertPending,
	}

	if err := ev.persist(ctx, []*domain.Alert{a}); err != nil {
		return nil, err
	}
	return a, nil
}

// FlagTopConsumer raises a Low-severity TopConsumer alert when an
// employee's monthly PPE cost exceeds twice the peer average. One alert
// per employee per month.
func (ev *Evaluator) FlagTopConsumer(ctx context.Context, stat *domain.MonthlyEmployeeStat, peerAvg decimal.Decimal, now time.Time) (*domain.Alert, error) {
	if stat == nil || !peerAvg.IsPositive() {
		return nil, nil
	}
	threshold := peerAvg.Mul(topConsumerMultiplier)
	if stat.TotalCost.LessThanOrEqual(threshold) {
		return nil, nil
	}

	from, to := domain.MonthWindow(now.Year(), int(now.Month()))
	dup, err := ev.repo.CountAlerts(ctx, domain.AlertFilter{
		Type:       domain.AlertTopConsumer,
		EmployeeID: stat.EmployeeID,
		From:       from,
		To:         to,
	})
	if err != nil {
		return nil, err
	}
	if dup > 0 {
		return nil, nil
	}

	deviation := stat.TotalCost.Sub(peerAvg).Div(peerAvg).Mul(hundred)
	impact := stat.TotalCost.Sub(peerAvg)
	a := &domain.Alert{
		ID:                  uuid.New().String(),
		Type:                domain.AlertTopConsumer,
		Severity:            domain.SeverityLow,
		EmployeeID:          stat.EmployeeID,
		Description:         fmt.Sprintf("monthly PPE cost is more than double the peer average for %04d-%02d", stat.Year, stat.Month),
		ExpectedValue:       fmt.Sprintf("around %s (peer average)", peerAvg.StringFixed(2)),
		ActualValue:         stat.TotalCost.StringFixed(2),
		DeviationPercent:    deviation.Round(2),
		EstimatedCostImpact: &impact,
		GeneratedAt:         now,
		State:               domain.AlertPending,
	}

	if err := ev.persist(ctx, []*domain.Alert{a}); err != nil {
		return nil, err
	}
	return a, nil
}

// sourceRef ties a generated alert back to the event that produced it.
type sourceRef struct {
	employeeID    string
	materialID    string
	projectID     string
	deliveryID    string
	requisitionID string
}

func (ev *Evaluator) activePolicy(ctx context.Context, materialID string) (*domain.ConsumptionPolicy, error) {
	policy, err := ev.repo.GetActivePolicy(ctx, materialID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return policy, nil
}

// prematureRule flags a re-request arriving before the policy's threshold
// window of the material's useful life has elapsed. No prior delivery, no
// alert. The cost impact is the replacement unit cost.
func (ev *Evaluator) prematureRule(policy *domain.ConsumptionPolicy, src sourceRef, prev *domain.Delivery, daysSince decimal.Decimal, unitCost decimal.Decimal, now time.Time) *domain.Alert {
	if prev == nil {
		return nil
	}
	threshold := policy.ThresholdDays()
	if daysSince.GreaterThanOrEqual(threshold) {
		return nil
	}

	life := decimal.NewFromInt(int64(policy.UsefulLifeDays))
	severity := domain.SeverityMedium
	if daysSince.LessThan(life.Mul(criticalLifeFraction)) {
		severity = domain.SeverityCritical
	} else if daysSince.LessThan(life.Mul(highLifeFraction)) {
		severity = domain.SeverityHigh
	}

	deviation := life.Sub(daysSince).Div(life).Mul(hundred)
	impact := unitCost
	return ev.newAlert(domain.AlertPrematureRequest, severity, src,
		fmt.Sprintf("material requested after %s of its %d-day useful life", daysSince.Round(1).String()+" days", policy.UsefulLifeDays),
		fmt.Sprintf("at least %s days between deliveries", threshold.Round(1)),
		fmt.Sprintf("%s days", daysSince.Round(1)),
		deviation.Round(2), &impact, now)
}

// excessQuantityRule flags a single delivery above the per-delivery cap.
func (ev *Evaluator) excessQuantityRule(policy *domain.ConsumptionPolicy, src sourceRef, qty, unitCost decimal.Decimal, now time.Time) *domain.Alert {
	if policy.MaxQtyPerDelivery == nil {
		return nil
	}
	max := *policy.MaxQtyPerDelivery
	if qty.LessThanOrEqual(max) {
		return nil
	}

	excess := qty.Sub(max)
	deviation := excess.Div(max).Mul(hundred)
	severity := domain.SeverityMedium
	if deviation.GreaterThan(quantityHighDeviation) {
		severity = domain.SeverityHigh
	}

	impact := excess.Mul(unitCost)
	return ev.newAlert(domain.AlertExcessQuantity, severity, src,
		"delivered quantity exceeds the per-delivery cap",
		fmt.Sprintf("at most %s units", max),
		fmt.Sprintf("%s units", qty),
		deviation.Round(2), &impact, now)
}

// excessFrequencyRule flags a calendar month whose accumulated quantity
// passed the monthly cap. At most one alert per employee and material per
// generation month; alerts are stamped with now, so the duplicate check
// windows the same clock and backdated or replayed deliveries cannot
// re-raise a breach already alerted on.
func (ev *Evaluator) excessFrequencyRule(ctx context.Context, policy *domain.ConsumptionPolicy, src sourceRef, monthQty, unitCost decimal.Decimal, eventAt, now time.Time) (*domain.Alert, error) {
	if policy.MaxQtyPerMonth == nil {
		return nil, nil
	}
	max := *policy.MaxQtyPerMonth
	if monthQty.LessThanOrEqual(max) {
		return nil, nil
	}

	from, to := domain.MonthWindow(now.Year(), int(now.Month()))
	dup, err := ev.repo.CountAlerts(ctx, domain.AlertFilter{
		Type:       domain.AlertExcessFrequency,
		EmployeeID: src.employeeID,
		MaterialID: src.materialID,
		From:       from,
		To:         to,
	})
	if err != nil {
		return nil, err
	}
	if dup > 0 {
		return nil, nil
	}

	excess := monthQty.Sub(max)
	deviation := excess.Div(max).Mul(hundred)
	severity := domain.SeverityMedium
	if deviation.GreaterThan(frequencyHighDeviation) {
		severity = domain.SeverityHigh
	}

	impact := excess.Mul(unitCost)
	return ev.newAlert(domain.AlertExcessFrequency, severity, src,
		fmt.Sprintf("monthly accumulated quantity exceeds the cap for %04d-%02d", eventAt.Year(), int(eventAt.Month())),
		fmt.Sprintf("at most %s units per month", max),
		fmt.Sprintf("%s units this month", monthQty),
		deviation.Round(2), &impact, now), nil
}

// customRules evaluates the loaded CEL rules against the delivery context
// and converts band matches into AnomalousPattern alerts.
func (ev *Evaluator) customRules(src sourceRef, material *domain.Material, qty, unitCost, daysSince decimal.Decimal, hasPrior bool, monthQty decimal.Decimal, monthCount int, now time.Time) []*domain.Alert {
	if ev.engine == nil || ev.engine.RulesCount() == 0 {
		return nil
	}

	days := -1.0
	if hasPrior {
		days = daysSince.InexactFloat64()
	}
	activation := map[string]any{
		"quantity":           qty.InexactFloat64(),
		"unit_cost":          unitCost.InexactFloat64(),
		"total_cost":         qty.Mul(unitCost).InexactFloat64(),
		"days_since_last":    days,
		"monthly_qty":        monthQty.InexactFloat64(),
		"monthly_deliveries": int64(monthCount),
		"material_id":        src.materialID,
		"material_group":     material.Group,
		"project_id":         src.projectID,
	}

	var alerts []*domain.Alert
	for _, m := range ev.engine.EvaluateAll(activation) {
		reason := m.Reason
		if reason == "" {
			reason = fmt.Sprintf("custom rule %q matched", m.RuleName)
		}
		alerts = append(alerts, ev.newAlert(domain.AlertAnomalousPattern, m.Severity, src,
			reason,
			"", fmt.Sprintf("score %.2f", m.Score),
			decimal.Zero, nil, now))
	}
	return alerts
}

func (ev *Evaluator) newAlert(t domain.AlertType, sev domain.Severity, src sourceRef, desc, expected, actual string, deviation decimal.Decimal, impact *decimal.Decimal, now time.Time) *domain.Alert {
	return &domain.Alert{
		ID:                  uuid.New().String(),
		Type:                t,
		Severity:            sev,
		EmployeeID:          src.employeeID,
		MaterialID:          src.materialID,
		ProjectID:           src.projectID,
		DeliveryID:          src.deliveryID,
		RequisitionID:       src.requisitionID,
		Description:         desc,
		ExpectedValue:       expected,
		ActualValue:         actual,
		DeviationPercent:    deviation,
		EstimatedCostImpact: impact,
		GeneratedAt:         now,
		State:               domain.AlertPending,
	}
}

// persist saves every alert and announces it on the bus. A save failure
// aborts; publish failures are logged and swallowed.
func (ev *Evaluator) persist(ctx context.Context, alerts []*domain.Alert) error {
	for _, a := range alerts {
		if err := ev.repo.SaveAlert(ctx, a); err != nil {
			return fmt.Errorf("save alert: %w", err)
		}
		ev.publish(ctx, a)
	}
	return nil
}

func (ev *Evaluator) publish(ctx context.Context, a *domain.Alert) {
	if ev.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"alertId":    a.ID,
		"type":       a.Type,
		"severity":   a.Severity,
		"employeeId": a.EmployeeID,
	})
	if err != nil {
		return
	}
	if err := ev.bus.Publish(ctx, domain.TopicAlertRaised, payload); err != nil {
		ev.logger.Warn("failed to publish alert event", "alert_id", a.ID, "error", err)
	}
}
