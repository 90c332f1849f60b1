// Package risk aggregates an employee's alert history into a single
// bounded risk score used for prioritization and the exposure heatmap.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensafety/vigia/internal/domain"
)

// Score component caps. The three components sum to at most 100.
var (
	pendingCountCap   = decimal.NewFromInt(40)
	confirmedCountCap = decimal.NewFromInt(30)
	severityWeightCap = decimal.NewFromInt(30)
	maxScore          = decimal.NewFromInt(100)

	pendingPoints   = decimal.NewFromInt(10)
	confirmedPoints = decimal.NewFromInt(15)
)

// Scorer computes and persists employee risk scores.
type Scorer struct {
	repo   domain.Repository
	bus    domain.EventBus
	logger *slog.Logger
}

// NewScorer creates a risk scorer. bus may be nil.
func NewScorer(repo domain.Repository, bus domain.EventBus, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{repo: repo, bus: bus, logger: logger}
}

// Compute derives the risk score from the employee's alerts:
//
//	min(10 × pending alerts, 40)
//	+ min(15 × confirmed alerts, 30)
//	+ min(sum of severity weights over pending alerts, 30)
//
// The result is always within [0, 100].
func Compute(alerts []*domain.Alert) decimal.Decimal {
	pending := 0
	confirmed := 0
	weights := 0
	for _, a := range alerts {
		switch a.State {
		case domain.AlertPending:
			pending++
			weights += domain.SeverityWeight(a.Severity)
		case domain.AlertConfirmed:
			confirmed++
		}
	}

	score := minDec(pendingPoints.Mul(decimal.NewFromInt(int64(pending))), pendingCountCap)
	score = score.Add(minDec(confirmedPoints.Mul(decimal.NewFromInt(int64(confirmed))), confirmedCountCap))
	score = score.Add(minDec(decimal.NewFromInt(int64(weights)), severityWeightCap))

	return minDec(score, maxScore)
}

// RecomputeEmployee recomputes and persists one employee's score,
// returning the new value. now fixes the computed-at timestamp.
func (s *Scorer) RecomputeEmployee(ctx context.Context, employeeID string, now time.Time) (decimal.Decimal, error) {
	if employeeID == "" {
		return decimal.Zero, fmt.Errorf("%w: employeeId is required", domain.ErrValidation)
	}

	alerts, err := s.repo.FindAlerts(ctx, domain.AlertFilter{EmployeeID: employeeID})
	if err != nil {
		return decimal.Zero, fmt.Errorf("find alerts: %w", err)
	}

	score := Compute(alerts)
	if err := s.repo.UpdateEmployeeRisk(ctx, employeeID, score, now); err != nil {
		return decimal.Zero, fmt.Errorf("update risk: %w", err)
	}

	s.publish(ctx, employeeID, score)
	return score, nil
}

// RecomputeAll recomputes every active employee's score and returns the
// number updated. Individual failures are logged and skipped so one bad
// row cannot stall the sweep.
func (s *Scorer) RecomputeAll(ctx context.Context, now time.Time) (int, error) {
	employees, err := s.repo.ListEmployees(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("list employees: %w", err)
	}

	updated := 0
	for _, e := range employees {
		if _, err := s.RecomputeEmployee(ctx, e.ID, now); err != nil {
			s.logger.Warn("risk recompute failed", "employee_id", e.ID, "error", err)
			continue
		}
		updated++
	}
	return updated, nil
}

func (s *Scorer) publish(ctx context.Context, employeeID string, score decimal.Decimal) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"employeeId": employeeID,
		"riskScore":  score,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicRiskRecomputed, payload); err != nil {
		s.logger.Warn("failed to publish risk event", "employee_id", employeeID, "error", err)
	}
}

func minDec(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
