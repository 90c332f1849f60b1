package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensafety/vigia/internal/domain"
)

func pending(sev domain.Severity) *domain.Alert {
	return &domain.Alert{Severity: sev, State: domain.AlertPending}
}

func inState(state domain.AlertState, sev domain.Severity) *domain.Alert {
	return &domain.Alert{Severity: sev, State: state}
}

func TestCompute(t *testing.T) {
	cases := []struct {
		name   string
		alerts []*domain.Alert
		want   string
	}{
		{"NoAlerts", nil, "0"},
		{
			// 10 points for the pending alert plus its severity weight.
			"SinglePendingMedium",
			[]*domain.Alert{pending(domain.SeverityMedium)},
			"14",
		},
		{
			// 5 pending caps the count component at 40; weights
			// 10+10+7+4+1 = 32 cap at 30.
			"PendingComponentsCapped",
			[]*domain.Alert{
				pending(domain.SeverityCritical),
				pending(domain.SeverityCritical),
				pending(domain.SeverityHigh),
				pending(domain.SeverityMedium),
				pending(domain.SeverityLow),
			},
			"70",
		},
		{
			// 3 confirmed -> min(45, 30) = 30. Confirmed alerts carry no
			// severity weight.
			"ConfirmedCapped",
			[]*domain.Alert{
				inState(domain.AlertConfirmed, domain.SeverityCritical),
				inState(domain.AlertConfirmed, domain.SeverityCritical),
				inState(domain.AlertConfirmed, domain.SeverityHigh),
			},
			"30",
		},
		{
			// All three components at their caps reach exactly 100.
			"FullyLoaded",
			[]*domain.Alert{
				pending(domain.SeverityCritical),
				pending(domain.SeverityCritical),
				pending(domain.SeverityCritical),
				pending(domain.SeverityCritical),
				pending(domain.SeverityCritical),
				inState(domain.AlertConfirmed, domain.SeverityLow),
				inState(domain.AlertConfirmed, domain.SeverityLow),
				inState(domain.AlertConfirmed, domain.SeverityLow),
			},
			"100",
		},
		{
			// Discarded and resolved alerts contribute nothing.
			"ReviewedAlertsIgnored",
			[]*domain.Alert{
				inState(domain.AlertDiscarded, domain.SeverityCritical),
				inState(domain.AlertResolved, domain.SeverityCritical),
				inState(domain.AlertInReview, domain.SeverityCritical),
			},
			"0",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Compute(tc.alerts)
			if !got.Equal(decimal.RequireFromString(tc.want)) {
				t.Errorf("Compute() = %s, want %s", got, tc.want)
			}
		})
	}
}

type fakeRepo struct {
	domain.Repository

	alerts    map[string][]*domain.Alert
	employees []*domain.Employee
	scores    map[string]decimal.Decimal
	failFor   string
}

func (f *fakeRepo) FindAlerts(_ context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	if f.failFor != "" && filter.EmployeeID == f.failFor {
		return nil, errors.New("boom")
	}
	return f.alerts[filter.EmployeeID], nil
}

func (f *fakeRepo) UpdateEmployeeRisk(_ context.Context, employeeID string, score decimal.Decimal, _ time.Time) error {
	if f.scores == nil {
		f.scores = make(map[string]decimal.Decimal)
	}
	f.scores[employeeID] = score
	return nil
}

func (f *fakeRepo) ListEmployees(_ context.Context, _ bool) ([]*domain.Employee, error) {
	return f.employees, nil
}

func TestRecomputeEmployee(t *testing.T) {
	repo := &fakeRepo{
		alerts: map[string][]*domain.Alert{
			"emp-1": {pending(domain.SeverityHigh)},
		},
	}
	s := NewScorer(repo, nil, nil)

	score, err := s.RecomputeEmployee(context.Background(), "emp-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("RecomputeEmployee failed: %v", err)
	}
	if !score.Equal(decimal.NewFromInt(17)) {
		t.Errorf("expected score 17, got %s", score)
	}
	if got, ok := repo.scores["emp-1"]; !ok || !got.Equal(score) {
		t.Errorf("expected persisted score %s, got %v", score, got)
	}

	if _, err := s.RecomputeEmployee(context.Background(), "", time.Now().UTC()); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation for empty id, got %v", err)
	}
}

func TestRecomputeAllSkipsFailures(t *testing.T) {
	repo := &fakeRepo{
		employees: []*domain.Employee{{ID: "emp-1"}, {ID: "emp-bad"}, {ID: "emp-2"}},
		alerts: map[string][]*domain.Alert{
			"emp-1": {pending(domain.SeverityLow)},
		},
		failFor: "emp-bad",
	}
	s := NewScorer(repo, nil, nil)

	updated, err := s.RecomputeAll(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("RecomputeAll failed: %v", err)
	}
	if updated != 2 {
		t.Errorf("expected 2 updated, got %d", updated)
	}
	if _, ok := repo.scores["emp-bad"]; ok {
		t.Errorf("failed employee should not have a persisted score")
	}
}
