// Package stats recomputes the monthly consumption rollups that feed
// rankings, trends, and the heatmap. Recomputation is idempotent: each
// run fully overwrites the row for its natural key.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensafety/vigia/internal/consumption"
	"github.com/opensafety/vigia/internal/domain"
	"github.com/opensafety/vigia/internal/rules"
)

var hundred = decimal.NewFromInt(100)

// CachePrefix is the key prefix invalidated after every recompute.
const CachePrefix = "analytics:"

// Aggregator builds the monthly employee and project rollups.
type Aggregator struct {
	repo      domain.Repository
	history   *consumption.History
	evaluator *rules.Evaluator
	cache     domain.Cache
	bus       domain.EventBus
	logger    *slog.Logger
}

// NewAggregator creates the aggregator. evaluator, cache, and bus may be
// nil; budget checks, invalidation, and events are then skipped.
func NewAggregator(repo domain.Repository, history *consumption.History, evaluator *rules.Evaluator, cache domain.Cache, bus domain.EventBus, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		repo:      repo,
		history:   history,
		evaluator: evaluator,
		cache:     cache,
		bus:       bus,
		logger:    logger,
	}
}

// RecomputeEmployeeMonth rebuilds one employee's rollup for a calendar
// month from the raw deliveries and alerts, and upserts it.
func (a *Aggregator) RecomputeEmployeeMonth(ctx context.Context, employeeID string, year, month int, now time.Time) (*domain.MonthlyEmployeeStat, error) {
	if err := validatePeriod(year, month); err != nil {
		return nil, err
	}
	employee, err := a.repo.GetEmployee(ctx, employeeID)
	if err != nil {
		return nil, err
	}

	from, to := domain.MonthWindow(year, month)
	deliveries, err := a.repo.FindDeliveries(ctx, domain.DeliveryFilter{
		EmployeeID: employeeID,
		From:       from,
		To:         to,
	})
	if err != nil {
		return nil, fmt.Errorf("find deliveries: %w", err)
	}

	stat := &domain.MonthlyEmployeeStat{
		EmployeeID: employeeID,
		Year:       year,
		Month:      month,
		RiskScore:  employee.RiskScore,
		UpdatedAt:  now,
	}

	materials := make(map[string]struct{})
	deviationSum := decimal.Zero
	deviationCount := 0
	for _, d := range deliveries {
		stat.TotalDeliveries++
		stat.TotalUnits = stat.TotalUnits.Add(d.Quantity)
		stat.TotalCost = stat.TotalCost.Add(d.Cost())
		materials[d.MaterialID] = struct{}{}

		dev, ok, err := a.lifeDeviation(ctx, d)
		if err != nil {
			return nil, err
		}
		if ok {
			deviationSum = deviationSum.Add(dev)
			deviationCount++
		}
	}
	stat.DistinctMaterials = len(materials)
	if deviationCount > 0 {
		stat.AvgUsefulLifeDeviation = deviationSum.Div(decimal.NewFromInt(int64(deviationCount))).Round(2)
	}

	stat.AlertsGenerated, err = a.repo.CountAlerts(ctx, domain.AlertFilter{
		EmployeeID: employeeID,
		From:       from,
		To:         to,
	})
	if err != nil {
		return nil, fmt.Errorf("count alerts: %w", err)
	}

	if err := a.repo.UpsertEmployeeStat(ctx, stat); err != nil {
		return nil, fmt.Errorf("upsert employee stat: %w", err)
	}
	return stat, nil
}

// RecomputeProjectMonth rebuilds one project's rollup for a calendar
// month, upserts it, and runs the budget check against the fresh row.
func (a *Aggregator) RecomputeProjectMonth(ctx context.Context, projectID string, year, month int, now time.Time) (*domain.MonthlyProjectStat, error) {
	if err := validatePeriod(year, month); err != nil {
		return nil, err
	}
	project, err := a.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	from, to := domain.MonthWindow(year, month)
	deliveries, err := a.repo.FindDeliveries(ctx, domain.DeliveryFilter{
		ProjectID: projectID,
		From:      from,
		To:        to,
	})
	if err != nil {
		return nil, fmt.Errorf("find deliveries: %w", err)
	}

	stat := &domain.MonthlyProjectStat{
		ProjectID:      projectID,
		Year:           year,
		Month:          month,
		AssignedBudget: project.MonthlyBudget,
		UpdatedAt:      now,
	}

	employees := make(map[string]struct{})
	for _, d := range deliveries {
		stat.TotalDeliveries++
		stat.TotalUnits = stat.TotalUnits.Add(d.Quantity)
		stat.TotalCost = stat.TotalCost.Add(d.Cost())
		employees[d.EmployeeID] = struct{}{}
	}
	stat.TotalEmployees = len(employees)

	if stat.TotalEmployees > 0 {
		stat.AvgCostPerEmployee = stat.TotalCost.Div(decimal.NewFromInt(int64(stat.TotalEmployees))).Round(2)
	}
	// Zero budget means no budget assigned; the deviation stays zero
	// rather than dividing by it.
	if stat.AssignedBudget.IsPositive() {
		stat.BudgetDeviationPercent = stat.TotalCost.Sub(stat.AssignedBudget).
			Div(stat.AssignedBudget).Mul(hundred).Round(2)
	}

	stat.TotalAlerts, err = a.repo.CountAlerts(ctx, domain.AlertFilter{
		ProjectID: projectID,
		From:      from,
		To:        to,
	})
	if err != nil {
		return nil, fmt.Errorf("count alerts: %w", err)
	}
	stat.CriticalAlerts, err = a.repo.CountAlerts(ctx, domain.AlertFilter{
		ProjectID: projectID,
		Severity:  domain.SeverityCritical,
		From:      from,
		To:        to,
	})
	if err != nil {
		return nil, fmt.Errorf("count critical alerts: %w", err)
	}

	if err := a.repo.UpsertProjectStat(ctx, stat); err != nil {
		return nil, fmt.Errorf("upsert project stat: %w", err)
	}

	if a.evaluator != nil {
		if _, err := a.evaluator.EvaluateProjectBudget(ctx, stat, now); err != nil {
			a.logger.Warn("budget check failed", "project_id", projectID, "error", err)
		}
	}
	return stat, nil
}

// RecomputeAll rebuilds every active employee and project rollup for the
// month, flags top consumers against the fresh peer average, invalidates
// cached analytics, and announces completion on the bus.
func (a *Aggregator) RecomputeAll(ctx context.Context, year, month int, now time.Time) error {
	if err := validatePeriod(year, month); err != nil {
		return err
	}

	employees, err := a.repo.ListEmployees(ctx, true)
	if err != nil {
		return fmt.Errorf("list employees: %w", err)
	}
	var employeeStats []*domain.MonthlyEmployeeStat
	for _, e := range employees {
		stat, err := a.RecomputeEmployeeMonth(ctx, e.ID, year, month, now)
		if err != nil {
			a.logger.Warn("employee recompute failed", "employee_id", e.ID, "error", err)
			continue
		}
		employeeStats = append(employeeStats, stat)
	}

	projects, err := a.repo.ListProjects(ctx, true)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	for _, p := range projects {
		if _, err := a.RecomputeProjectMonth(ctx, p.ID, year, month, now); err != nil {
			a.logger.Warn("project recompute failed", "project_id", p.ID, "error", err)
		}
	}

	a.flagTopConsumers(ctx, employeeStats, now)

	if a.cache != nil {
		if err := a.cache.DeletePrefix(ctx, CachePrefix); err != nil {
			a.logger.Warn("analytics cache invalidation failed", "error", err)
		}
	}
	a.publishRecomputed(ctx, year, month)
	return nil
}

// flagTopConsumers compares each employee's monthly cost to the average
// over employees with any spend in the month.
func (a *Aggregator) flagTopConsumers(ctx context.Context, statsList []*domain.MonthlyEmployeeStat, now time.Time) {
	if a.evaluator == nil {
		return
	}

	total := decimal.Zero
	spenders := 0
	for _, s := range statsList {
		if s.TotalCost.IsPositive() {
			total = total.Add(s.TotalCost)
			spenders++
		}
	}
	if spenders == 0 {
		return
	}
	peerAvg := total.Div(decimal.NewFromInt(int64(spenders)))

	for _, s := range statsList {
		if _, err := a.evaluator.FlagTopConsumer(ctx, s, peerAvg, now); err != nil {
			a.logger.Warn("top consumer check failed", "employee_id", s.EmployeeID, "error", err)
		}
	}
}

// lifeDeviation measures how early a delivery arrived relative to the
// material's useful life, as a percent. Deliveries without an active
// policy or a prior delivery contribute nothing.
func (a *Aggregator) lifeDeviation(ctx context.Context, d *domain.Delivery) (decimal.Decimal, bool, error) {
	policy, err := a.repo.GetActivePolicy(ctx, d.MaterialID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, err
	}
	if policy.UsefulLifeDays <= 0 {
		return decimal.Zero, false, nil
	}

	days, prev, err := a.history.DaysSinceLast(ctx, d.EmployeeID, d.MaterialID, d.DeliveredAt, d.ID)
	if err != nil {
		return decimal.Zero, false, err
	}
	if prev == nil {
		return decimal.Zero, false, nil
	}

	life := decimal.NewFromInt(int64(policy.UsefulLifeDays))
	return life.Sub(days).Div(life).Mul(hundred), true, nil
}

func (a *Aggregator) publishRecomputed(ctx context.Context, year, month int) {
	if a.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"year":  year,
		"month": month,
	})
	if err != nil {
		return
	}
	if err := a.bus.Publish(ctx, domain.TopicStatsRecomputed, payload); err != nil {
		a.logger.Warn("failed to publish stats event", "error", err)
	}
}

func validatePeriod(year, month int) error {
	if year < 2000 || year > 9999 {
		return fmt.Errorf("%w: year %d out of range", domain.ErrValidation, year)
	}
	if month < 1 || month > 12 {
		return fmt.Errorf("%w: month %d out of range", domain.ErrValidation, month)
	}
	return nil
}
