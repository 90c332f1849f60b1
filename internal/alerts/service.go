// Package alerts manages the review lifecycle of generated alerts.
// Alerts are append-plus-review only: the service mutates review fields
// and never deletes or regenerates.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensafety/vigia/internal/domain"
	"github.com/opensafety/vigia/internal/risk"
)

// Service is the alert lifecycle manager.
type Service struct {
	repo   domain.Repository
	scorer *risk.Scorer
	bus    domain.EventBus
	logger *slog.Logger
}

// NewService creates the lifecycle manager. scorer and bus may be nil.
func NewService(repo domain.Repository, scorer *risk.Scorer, bus domain.EventBus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, scorer: scorer, bus: bus, logger: logger}
}

// Get returns one alert by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.Alert, error) {
	return s.repo.GetAlert(ctx, id)
}

// Find returns alerts matching the filter, newest first.
func (s *Service) Find(ctx context.Context, f domain.AlertFilter) ([]*domain.Alert, error) {
	return s.repo.FindAlerts(ctx, f)
}

// Review moves an alert to a review state, stamping reviewer and time,
// and returns the updated alert. Review is a direct reassignment: a
// same-state review still refreshes reviewer, timestamp, and notes.
// Severity, type, and generation fields are never touched.
func (s *Service) Review(ctx context.Context, alertID string, state domain.AlertState, reviewerID, notes string, now time.Time) (*domain.Alert, error) {
	if !domain.ValidReviewState(state) {
		return nil, fmt.Errorf("%w: %q is not a reviewable state", domain.ErrValidation, state)
	}
	if reviewerID == "" {
		return nil, fmt.Errorf("%w: reviewerId is required", domain.ErrValidation)
	}

	alert, err := s.repo.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	alert.State = state
	alert.ReviewedAt = &now
	alert.ReviewerID = reviewerID
	if notes != "" {
		alert.Notes = notes
	}

	if err := s.repo.UpdateAlertReview(ctx, alert); err != nil {
		return nil, fmt.Errorf("update alert review: %w", err)
	}

	// Pending and confirmed counts feed the risk score, so any review
	// warrants a recompute for the alert's employee.
	if s.scorer != nil && alert.EmployeeID != "" {
		if _, err := s.scorer.RecomputeEmployee(ctx, alert.EmployeeID, now); err != nil {
			s.logger.Warn("risk recompute after review failed", "employee_id", alert.EmployeeID, "error", err)
		}
	}

	s.publishReviewed(ctx, alert)
	return alert, nil
}

// BulkReview applies the same review to many alerts and returns how many
// were updated. Missing alerts are skipped; any other failure aborts.
func (s *Service) BulkReview(ctx context.Context, alertIDs []string, state domain.AlertState, reviewerID, notes string, now time.Time) (int, error) {
	if !domain.ValidReviewState(state) {
		return 0, fmt.Errorf("%w: %q is not a reviewable state", domain.ErrValidation, state)
	}

	reviewed := 0
	for _, id := range alertIDs {
		if _, err := s.Review(ctx, id, state, reviewerID, notes, now); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return reviewed, err
		}
		reviewed++
	}
	return reviewed, nil
}

// Summary aggregates alerts matching the filter into dashboard counters.
func (s *Service) Summary(ctx context.Context, f domain.AlertFilter) (*domain.AlertSummary, error) {
	f.Limit = 0
	alerts, err := s.repo.FindAlerts(ctx, f)
	if err != nil {
		return nil, err
	}

	summary := &domain.AlertSummary{
		BySeverity: make(map[domain.Severity]int),
		ByType:     make(map[domain.AlertType]int),
		ByState:    make(map[domain.AlertState]int),
	}
	for _, a := range alerts {
		summary.Total++
		if a.State == domain.AlertPending {
			summary.Pending++
		}
		summary.BySeverity[a.Severity]++
		summary.ByType[a.Type]++
		summary.ByState[a.State]++
	}
	return summary, nil
}

func (s *Service) publishReviewed(ctx context.Context, a *domain.Alert) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"alertId":    a.ID,
		"state":      a.State,
		"reviewerId": a.ReviewerID,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicAlertReviewed, payload); err != nil {
		s.logger.Warn("failed to publish review event", "alert_id", a.ID, "error", err)
	}
}
