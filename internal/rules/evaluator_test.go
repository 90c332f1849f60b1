package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensafety/vigia/internal/consumption"
	"github.com/opensafety/vigia/internal/domain"
)

// fakeRepo implements the subset of domain.Repository the evaluator
// touches. Unimplemented methods panic via the embedded nil interface.
type fakeRepo struct {
	domain.Repository

	employees  map[string]*domain.Employee
	materials  map[string]*domain.Material
	policies   map[string]*domain.ConsumptionPolicy
	deliveries []*domain.Delivery
	alerts     []*domain.Alert
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		employees: make(map[string]*domain.Employee),
		materials: make(map[string]*domain.Material),
		policies:  make(map[string]*domain.ConsumptionPolicy),
	}
}

func (f *fakeRepo) GetEmployee(_ context.Context, id string) (*domain.Employee, error) {
	if e, ok := f.employees[id]; ok {
		return e, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRepo) GetMaterial(_ context.Context, id string) (*domain.Material, error) {
	if m, ok := f.materials[id]; ok {
		return m, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRepo) GetActivePolicy(_ context.Context, materialID string) (*domain.ConsumptionPolicy, error) {
	if p, ok := f.policies[materialID]; ok {
		return p, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRepo) LastDeliveryBefore(_ context.Context, employeeID, materialID string, before time.Time, excludeID string) (*domain.Delivery, error) {
	var best *domain.Delivery
	for _, d := range f.deliveries {
		if d.EmployeeID != employeeID || d.MaterialID != materialID {
			continue
		}
		if d.ID == excludeID || !d.DeliveredAt.Before(before) {
			continue
		}
		if best == nil || d.DeliveredAt.After(best.DeliveredAt) {
			best = d
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	return best, nil
}

func (f *fakeRepo) DeliveredTotals(_ context.Context, employeeID, materialID string, from, to time.Time, excludeID string) (decimal.Decimal, int, error) {
	sum := decimal.Zero
	count := 0
	for _, d := range f.deliveries {
		if d.EmployeeID != employeeID || d.MaterialID != materialID || d.ID == excludeID {
			continue
		}
		if d.DeliveredAt.Before(from) || !d.DeliveredAt.Before(to) {
			continue
		}
		sum = sum.Add(d.Quantity)
		count++
	}
	return sum, count, nil
}

func (f *fakeRepo) SaveAlert(_ context.Context, a *domain.Alert) error {
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeRepo) CountAlerts(_ context.Context, filter domain.AlertFilter) (int, error) {
	count := 0
	for _, a := range f.alerts {
		if filter.Type != "" && a.Type != filter.Type {
			continue
		}
		if filter.EmployeeID != "" && a.EmployeeID != filter.EmployeeID {
			continue
		}
		if filter.MaterialID != "" && a.MaterialID != filter.MaterialID {
			continue
		}
		if filter.ProjectID != "" && a.ProjectID != filter.ProjectID {
			continue
		}
		if !filter.From.IsZero() && a.GeneratedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !a.GeneratedAt.Before(filter.To) {
			continue
		}
		count++
	}
	return count, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var baseDay = time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)

func day(n int) time.Time { return baseDay.AddDate(0, 0, n) }

func seedRepo() *fakeRepo {
	repo := newFakeRepo()
	repo.employees["emp-1"] = &domain.Employee{ID: "emp-1", FirstName: "Ana", LastName: "Rios", Active: true}
	repo.materials["mat-gloves"] = &domain.Material{ID: "mat-gloves", Name: "Nitrile Gloves", Group: "hand", UnitCost: dec("3.50"), Active: true}
	return repo
}

func newTestEvaluator(repo *fakeRepo) *Evaluator {
	return NewEvaluator(repo, consumption.NewHistory(repo), nil, nil, nil)
}

func glovePolicy(life, thresholdPct int) *domain.ConsumptionPolicy {
	return &domain.ConsumptionPolicy{
		ID:                    "pol-1",
		MaterialID:            "mat-gloves",
		UsefulLifeDays:        life,
		AlertThresholdPercent: thresholdPct,
		Active:                true,
	}
}

func delivery(id string, qty string, at time.Time) *domain.Delivery {
	return &domain.Delivery{
		ID:          id,
		EmployeeID:  "emp-1",
		MaterialID:  "mat-gloves",
		Quantity:    dec(qty),
		UnitCost:    dec("3.50"),
		DeliveredAt: at,
	}
}

func TestPrematureRequestRule(t *testing.T) {
	ctx := context.Background()

	t.Run("HighSeverityAtTenOfThirtyDays", func(t *testing.T) {
		repo := seedRepo()
		repo.policies["mat-gloves"] = glovePolicy(30, 70) // threshold 21 days
		repo.deliveries = append(repo.deliveries, delivery("d-prior", "1", day(0)))

		ev := newTestEvaluator(repo)
		d := delivery("d-new", "1", day(10))
		repo.deliveries = append(repo.deliveries, d)

		alerts, err := ev.EvaluateDelivery(ctx, d, day(10))
		if err != nil {
			t.Fatalf("EvaluateDelivery failed: %v", err)
		}
		if len(alerts) != 1 {
			t.Fatalf("expected 1 alert, got %d", len(alerts))
		}

		a := alerts[0]
		if a.Type != domain.AlertPrematureRequest {
			t.Errorf("expected PrematureRequest, got %s", a.Type)
		}
		// 10 days is past 0.3*30=9 but under 0.5*30=15.
		if a.Severity != domain.SeverityHigh {
			t.Errorf("expected High severity, got %s", a.Severity)
		}
		if !a.DeviationPercent.Equal(dec("66.67")) {
			t.Errorf("expected deviation 66.67, got %s", a.DeviationPercent)
		}
		if a.EstimatedCostImpact == nil || !a.EstimatedCostImpact.Equal(dec("3.50")) {
			t.Errorf("expected cost impact 3.50, got %v", a.EstimatedCostImpact)
		}
		if a.State != domain.AlertPending {
			t.Errorf("expected Pending state, got %s", a.State)
		}
		if len(repo.alerts) != 1 {
			t.Errorf("alert was not persisted")
		}
	})

	t.Run("CriticalUnderThirtyPercentOfLife", func(t *testing.T) {
		repo := seedRepo()
		repo.policies["mat-gloves"] = glovePolicy(30, 70)
		repo.deliveries = append(repo.deliveries, delivery("d-prior", "1", day(0)))

		ev := newTestEvaluator(repo)
		d := delivery("d-new", "1", day(5))
		repo.deliveries = append(repo.deliveries, d)

		alerts, err := ev.EvaluateDelivery(ctx, d, day(5))
		if err != nil {
			t.Fatalf("EvaluateDelivery failed: %v", err)
		}
		if len(alerts) != 1 || alerts[0].Severity != domain.SeverityCritical {
			t.Fatalf("expected one Critical alert, got %+v", alerts)
		}
	})

	t.Run("NoAlertAtThreshold", func(t *testing.T) {
		repo := seedRepo()
		repo.policies["mat-gloves"] = glovePolicy(30, 70)
		repo.deliveries = append(repo.deliveries, delivery("d-prior", "1", day(0)))

		ev := newTestEvaluator(repo)
		d := delivery("d-new", "1", day(21))
		repo.deliveries = append(repo.deliveries, d)

		alerts, err := ev.EvaluateDelivery(ctx, d, day(21))
		if err != nil {
			t.Fatalf("EvaluateDelivery failed: %v", err)
		}
		if len(alerts) != 0 {
			t.Errorf("expected no alerts at exactly the threshold, got %d", len(alerts))
		}
	})

	t.Run("NoPriorDeliveryNoAlert", func(t *testing.T) {
		repo := seedRepo()
		repo.policies["mat-gloves"] = glovePolicy(30, 70)

		ev := newTestEvaluator(repo)
		d := delivery("d-first", "1", day(0))
		repo.deliveries = append(repo.deliveries, d)

		alerts, err := ev.EvaluateDelivery(ctx, d, day(0))
		if err != nil {
			t.Fatalf("EvaluateDelivery failed: %v", err)
		}
		if len(alerts) != 0 {
			t.Errorf("expected no alerts without a prior delivery, got %d", len(alerts))
		}
	})

	t.Run("NoPolicyFailsOpen", func(t *testing.T) {
		repo := seedRepo()
		repo.deliveries = append(repo.deliveries, delivery("d-prior", "1", day(0)))

		ev := newTestEvaluator(repo)
		d := delivery("d-new", "100", day(1))
		repo.deliveries = append(repo.deliveries, d)

		alerts, err := ev.EvaluateDelivery(ctx, d, day(1))
		if err != nil {
			t.Fatalf("expected fail-open without a policy, got error: %v", err)
		}
		if len(alerts) != 0 {
			t.Errorf("expected no alerts without a policy, got %d", len(alerts))
		}
	})
}

func TestExcessQuantityRule(t *testing.T) {
	ctx := context.Background()

	t.Run("HighAboveDoubleCap", func(t *testing.T) {
		repo := seedRepo()
		p := glovePolicy(30, 70)
		max := dec("5")
		p.MaxQtyPerDelivery = &max
		repo.policies["mat-gloves"] = p

		ev := newTestEvaluator(repo)
		d := delivery("d-big", "12", day(0))
		repo.deliveries = append(repo.deliveries, d)

		alerts, err := ev.EvaluateDelivery(ctx, d, day(0))
		if err != nil {
			t.Fatalf("EvaluateDelivery failed: %v", err)
		}
		if len(alerts) != 1 {
			t.Fatalf("expected 1 alert, got %d", len(alerts))
		}

		a := alerts[0]
		if a.Type != domain.AlertExcessQuantity {
			t.Errorf("expected ExcessQuantity, got %s", a.Type)
		}
		if a.Severity != domain.SeverityHigh {
			t.Errorf("expected High for deviation 140%%, got %s", a.Severity)
		}
		if !a.DeviationPercent.Equal(dec("140")) {
			t.Errorf("expected deviation 140, got %s", a.DeviationPercent)
		}
		// 7 excess units at 3.50 each.
		if a.EstimatedCostImpact == nil || !a.EstimatedCostImpact.Equal(dec("24.50")) {
			t.Errorf("expected cost impact 24.50, got %v", a.EstimatedCostImpact)
		}
	})

	t.Run("MediumUnderDoubleCap", func(t *testing.T) {
		repo := seedRepo()
		p := glovePolicy(30, 70)
		max := dec("5")
		p.MaxQtyPerDelivery = &max
		repo.policies["mat-gloves"] = p

		ev := newTestEvaluator(repo)
		d := delivery("d-mid", "9", day(0))
		repo.deliveries = append(repo.deliveries, d)

		alerts, err := ev.EvaluateDelivery(ctx, d, day(0))
		if err != nil {
			t.Fatalf("EvaluateDelivery failed: %v", err)
		}
		if len(alerts) != 1 || alerts[0].Severity != domain.SeverityMedium {
			t.Fatalf("expected one Medium alert for deviation 80%%, got %+v", alerts)
		}
	})

	t.Run("NoAlertAtCap", func(t *testing.T) {
		repo := seedRepo()
		p := glovePolicy(30, 70)
		max := dec("5")
		p.MaxQtyPerDelivery = &max
		repo.policies["mat-gloves"] = p

		ev := newTestEvaluator(repo)
		d := delivery("d-exact", "5", day(0))
		repo.deliveries = append(repo.deliveries, d)

		alerts, err := ev.EvaluateDelivery(ctx, d, day(0))
		if err != nil {
			t.Fatalf("EvaluateDelivery failed: %v", err)
		}
		if len(alerts) != 0 {
			t.Errorf("expected no alerts at the cap, got %d", len(alerts))
		}
	})
}

func TestExcessFrequencyRule(t *testing.T) {
	ctx := context.Background()

	setup := func() (*fakeRepo, *Evaluator) {
		repo := seedRepo()
		p := glovePolicy(30, 70)
		monthMax := dec("10")
		p.MaxQtyPerMonth = &monthMax
		repo.policies["mat-gloves"] = p
		return repo, newTestEvaluator(repo)
	}

	t.Run("MediumOverCap", func(t *testing.T) {
		repo, ev := setup()
		repo.deliveries = append(repo.deliveries, delivery("d-1", "8", day(2)))

		d := delivery("d-2", "5", day(25))
		repo.deliveries = append(repo.deliveries, d)

		alerts, err := ev.EvaluateDelivery(ctx, d, day(25))
		if err != nil {
			t.Fatalf("EvaluateDelivery failed: %v", err)
		}

		found := findByType(alerts, domain.AlertExcessFrequency)
		if found == nil {
			t.Fatalf("expected an ExcessFrequency alert, got %+v", alerts)
		}
		// 13 of 10: deviation 30%, under the 50% High cutoff.
		if found.Severity != domain.SeverityMedium {
			t.Errorf("expected Medium, got %s", found.Severity)
		}
		if !found.DeviationPercent.Equal(dec("30")) {
			t.Errorf("expected deviation 30, got %s", found.DeviationPercent)
		}
	})

	t.Run("HighAboveFiftyPercent", func(t *testing.T) {
		repo, ev := setup()
		repo.deliveries = append(repo.deliveries, delivery("d-1", "10", day(2)))

		d := delivery("d-2", "6", day(25))
		repo.deliveries = append(repo.deliveries, d)

		alerts, err := ev.EvaluateDelivery(ctx, d, day(25))
		if err != nil {
			t.Fatalf("EvaluateDelivery failed: %v", err)
		}

		found := findByType(alerts, domain.AlertExcessFrequency)
		if found == nil || found.Severity != domain.SeverityHigh {
			t.Fatalf("expected a High ExcessFrequency alert for deviation 60%%, got %+v", alerts)
		}
	})

	t.Run("SuppressedWithinSameMonth", func(t *testing.T) {
		repo, ev := setup()
		repo.deliveries = append(repo.deliveries, delivery("d-1", "8", day(2)))

		d2 := delivery("d-2", "5", day(20))
		repo.deliveries = append(repo.deliveries, d2)
		first, err := ev.EvaluateDelivery(ctx, d2, day(20))
		if err != nil {
			t.Fatalf("EvaluateDelivery failed: %v", err)
		}
		if findByType(first, domain.AlertExcessFrequency) == nil {
			t.Fatalf("expected the first breach to alert")
		}

		d3 := delivery("d-3", "2", day(26))
		repo.deliveries = append(repo.deliveries, d3)
		second, err := ev.EvaluateDelivery(ctx, d3, day(26))
		if err != nil {
			t.Fatalf("EvaluateDelivery failed: %v", err)
		}
		if findByType(second, domain.AlertExcessFrequency) != nil {
			t.Errorf("expected the second breach in the month to be suppressed")
		}
	})

	t.Run("SuppressedWhenEvaluatedMonthsLater", func(t *testing.T) {
		// Backdated deliveries: both breaches happened in March but are
		// only evaluated in May (replay or async catch-up). The second
		// evaluation must still see the first alert.
		repo, ev := setup()
		repo.deliveries = append(repo.deliveries, delivery("d-1", "8", day(2)))

		evalAt := day(70)
		d2 := delivery("d-2", "5", day(10))
		repo.deliveries = append(repo.deliveries, d2)
		first, err := ev.EvaluateDelivery(ctx, d2, evalAt)
		if err != nil {
			t.Fatalf("EvaluateDelivery failed: %v", err)
		}
		if findByType(first, domain.AlertExcessFrequency) == nil {
			t.Fatalf("expected the backdated breach to alert, got %+v", first)
		}

		d3 := delivery("d-3", "2", day(20))
		repo.deliveries = append(repo.deliveries, d3)
		second, err := ev.EvaluateDelivery(ctx, d3, evalAt.Add(time.Hour))
		if err != nil {
			t.Fatalf("EvaluateDelivery failed: %v", err)
		}
		if findByType(second, domain.AlertExcessFrequency) != nil {
			t.Errorf("expected the replayed breach of the same month to be suppressed")
		}
	})

	t.Run("NewMonthAlertsAgain", func(t *testing.T) {
		repo, ev := setup()
		repo.deliveries = append(repo.deliveries, delivery("d-1", "12", day(2)))
		d := delivery("d-2", "1", day(3))
		repo.deliveries = append(repo.deliveries, d)
		if _, err := ev.EvaluateDelivery(ctx, d, day(3)); err != nil {
			t.Fatalf("EvaluateDelivery failed: %v", err)
		}

		// Next calendar month, cap breached again.
		nextMonth := day(33)
		repo.deliveries = append(repo.deliveries, delivery("d-4", "9", nextMonth.Add(-24*time.Hour)))
		d5 := delivery("d-5", "4", nextMonth)
		repo.deliveries = append(repo.deliveries, d5)

		alerts, err := ev.EvaluateDelivery(ctx, d5, nextMonth)
		if err != nil {
			t.Fatalf("EvaluateDelivery failed: %v", err)
		}
		if findByType(alerts, domain.AlertExcessFrequency) == nil {
			t.Errorf("expected a fresh alert in the new month")
		}
	})
}

func TestEvaluateDeliveryValidation(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo()
	ev := newTestEvaluator(repo)

	t.Run("UnknownEmployee", func(t *testing.T) {
		d := delivery("d-1", "1", day(0))
		d.EmployeeID = "emp-missing"
		_, err := ev.EvaluateDelivery(ctx, d, day(0))
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("UnknownMaterial", func(t *testing.T) {
		d := delivery("d-1", "1", day(0))
		d.MaterialID = "mat-missing"
		_, err := ev.EvaluateDelivery(ctx, d, day(0))
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("NonPositiveQuantity", func(t *testing.T) {
		d := delivery("d-1", "0", day(0))
		_, err := ev.EvaluateDelivery(ctx, d, day(0))
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})
}

func TestEvaluateRequisition(t *testing.T) {
	ctx := context.Background()

	t.Run("PrematureRulePerLine", func(t *testing.T) {
		repo := seedRepo()
		repo.policies["mat-gloves"] = glovePolicy(30, 70)
		repo.materials["mat-helmet"] = &domain.Material{ID: "mat-helmet", Name: "Helmet", UnitCost: dec("25"), Active: true}
		repo.policies["mat-helmet"] = &domain.ConsumptionPolicy{
			ID: "pol-2", MaterialID: "mat-helmet", UsefulLifeDays: 180, AlertThresholdPercent: 70, Active: true,
		}
		repo.deliveries = append(repo.deliveries,
			delivery("d-gloves", "1", day(0)),
			&domain.Delivery{ID: "d-helmet", EmployeeID: "emp-1", MaterialID: "mat-helmet", Quantity: dec("1"), UnitCost: dec("25"), DeliveredAt: day(-170)},
		)

		ev := newTestEvaluator(repo)
		req := &domain.Requisition{
			ID:         "req-1",
			EmployeeID: "emp-1",
			Status:     domain.RequisitionApproved,
			Items: []domain.RequisitionItem{
				{MaterialID: "mat-gloves", Quantity: dec("50")}, // quantity rules do not run here
				{MaterialID: "mat-helmet", Quantity: dec("1")},
			},
			RequestedAt: day(10),
		}

		alerts, err := ev.EvaluateRequisition(ctx, req, day(10))
		if err != nil {
			t.Fatalf("EvaluateRequisition failed: %v", err)
		}
		// Gloves: 10 days of a 21-day threshold -> premature. Helmet: 180
		// days since last is past its threshold -> clean.
		if len(alerts) != 1 {
			t.Fatalf("expected 1 alert, got %d", len(alerts))
		}
		a := alerts[0]
		if a.Type != domain.AlertPrematureRequest {
			t.Errorf("expected PrematureRequest, got %s", a.Type)
		}
		if a.RequisitionID != "req-1" || a.DeliveryID != "" {
			t.Errorf("expected requisition source ref, got delivery=%q requisition=%q", a.DeliveryID, a.RequisitionID)
		}
	})

	t.Run("UnknownEmployee", func(t *testing.T) {
		repo := seedRepo()
		ev := newTestEvaluator(repo)
		req := &domain.Requisition{
			ID:          "req-1",
			EmployeeID:  "emp-missing",
			Items:       []domain.RequisitionItem{{MaterialID: "mat-gloves", Quantity: dec("1")}},
			RequestedAt: day(0),
		}
		_, err := ev.EvaluateRequisition(ctx, req, day(0))
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})
}

func TestCustomRulesRaiseAnomalousPattern(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo()

	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	lower := 0.5
	if err := engine.LoadRule(&domain.RuleConfig{
		ID:         "rule-qty",
		Name:       "bulk grab",
		Expression: "quantity > 10.0",
		Enabled:    true,
		Bands: []domain.RuleBand{
			{LowerLimit: &lower, Severity: domain.SeverityHigh, Reason: "unusually large grab"},
		},
	}); err != nil {
		t.Fatalf("LoadRule failed: %v", err)
	}

	ev := NewEvaluator(repo, consumption.NewHistory(repo), engine, nil, nil)
	d := delivery("d-1", "12", day(0))
	repo.deliveries = append(repo.deliveries, d)

	alerts, err := ev.EvaluateDelivery(ctx, d, day(0))
	if err != nil {
		t.Fatalf("EvaluateDelivery failed: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.Type != domain.AlertAnomalousPattern {
		t.Errorf("expected AnomalousPattern, got %s", a.Type)
	}
	if a.Severity != domain.SeverityHigh {
		t.Errorf("expected High, got %s", a.Severity)
	}
	if a.Description != "unusually large grab" {
		t.Errorf("expected band reason as description, got %q", a.Description)
	}
}

func TestEvaluateProjectBudget(t *testing.T) {
	ctx := context.Background()

	stat := func(budget, cost string) *domain.MonthlyProjectStat {
		return &domain.MonthlyProjectStat{
			ProjectID:      "proj-1",
			Year:           2026,
			Month:          3,
			AssignedBudget: dec(budget),
			TotalCost:      dec(cost),
		}
	}

	t.Run("HighOverTwentyFivePercent", func(t *testing.T) {
		repo := seedRepo()
		ev := newTestEvaluator(repo)

		a, err := ev.EvaluateProjectBudget(ctx, stat("1000", "1300"), day(25))
		if err != nil {
			t.Fatalf("EvaluateProjectBudget failed: %v", err)
		}
		if a == nil || a.Severity != domain.SeverityHigh {
			t.Fatalf("expected a High budget alert, got %+v", a)
		}
		if !a.DeviationPercent.Equal(dec("30")) {
			t.Errorf("expected deviation 30, got %s", a.DeviationPercent)
		}
	})

	t.Run("CriticalOverFiftyPercent", func(t *testing.T) {
		repo := seedRepo()
		ev := newTestEvaluator(repo)

		a, err := ev.EvaluateProjectBudget(ctx, stat("1000", "1600"), day(25))
		if err != nil {
			t.Fatalf("EvaluateProjectBudget failed: %v", err)
		}
		if a == nil || a.Severity != domain.SeverityCritical {
			t.Fatalf("expected a Critical budget alert, got %+v", a)
		}
	})

	t.Run("WithinBandNoAlert", func(t *testing.T) {
		repo := seedRepo()
		ev := newTestEvaluator(repo)

		a, err := ev.EvaluateProjectBudget(ctx, stat("1000", "1200"), day(25))
		if err != nil {
			t.Fatalf("EvaluateProjectBudget failed: %v", err)
		}
		if a != nil {
			t.Errorf("expected no alert at 20%% over, got %+v", a)
		}
	})

	t.Run("NoBudgetSkipped", func(t *testing.T) {
		repo := seedRepo()
		ev := newTestEvaluator(repo)

		a, err := ev.EvaluateProjectBudget(ctx, stat("0", "9999"), day(25))
		if err != nil {
			t.Fatalf("EvaluateProjectBudget failed: %v", err)
		}
		if a != nil {
			t.Errorf("expected no alert without a budget, got %+v", a)
		}
	})

	t.Run("SuppressedInSameMonth", func(t *testing.T) {
		repo := seedRepo()
		ev := newTestEvaluator(repo)

		first, err := ev.EvaluateProjectBudget(ctx, stat("1000", "1600"), day(25))
		if err != nil || first == nil {
			t.Fatalf("expected first alert, got %+v err=%v", first, err)
		}
		second, err := ev.EvaluateProjectBudget(ctx, stat("1000", "1600"), day(26))
		if err != nil {
			t.Fatalf("EvaluateProjectBudget failed: %v", err)
		}
		if second != nil {
			t.Errorf("expected duplicate suppression, got %+v", second)
		}
	})
}

func TestFlagTopConsumer(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo()
	ev := newTestEvaluator(repo)

	stat := &domain.MonthlyEmployeeStat{
		EmployeeID: "emp-1",
		Year:       2026,
		Month:      3,
		TotalCost:  dec("900"),
	}

	a, err := ev.FlagTopConsumer(ctx, stat, dec("400"), day(25))
	if err != nil {
		t.Fatalf("FlagTopConsumer failed: %v", err)
	}
	if a == nil || a.Type != domain.AlertTopConsumer || a.Severity != domain.SeverityLow {
		t.Fatalf("expected a Low TopConsumer alert, got %+v", a)
	}

	// Exactly double the average is not flagged.
	under := &domain.MonthlyEmployeeStat{EmployeeID: "emp-2", Year: 2026, Month: 3, TotalCost: dec("800")}
	b, err := ev.FlagTopConsumer(ctx, under, dec("400"), day(25))
	if err != nil {
		t.Fatalf("FlagTopConsumer failed: %v", err)
	}
	if b != nil {
		t.Errorf("expected no alert at exactly 2x average, got %+v", b)
	}
}

func findByType(alerts []*domain.Alert, t domain.AlertType) *domain.Alert {
	for _, a := range alerts {
		if a.Type == t {
			return a
		}
	}
	return nil
}
