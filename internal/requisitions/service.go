// Package requisitions implements the PPE request-and-approval workflow.
// The state machine is Pending → Approved or Rejected → Delivered; any
// transition outside that order is ErrInvalidState.
package requisitions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensafety/vigia/internal/deliveries"
	"github.com/opensafety/vigia/internal/domain"
	"github.com/opensafety/vigia/internal/rules"
)

// Service manages requisitions.
type Service struct {
	repo      domain.Repository
	evaluator *rules.Evaluator
	recorder  *deliveries.Service
	logger    *slog.Logger
}

// NewService creates the requisition service.
func NewService(repo domain.Repository, evaluator *rules.Evaluator, recorder *deliveries.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		evaluator: evaluator,
		recorder:  recorder,
		logger:    logger,
	}
}

// Create validates and persists a new requisition in Pending state.
func (s *Service) Create(ctx context.Context, employeeID, projectID string, items []domain.RequisitionItem, now time.Time) (*domain.Requisition, error) {
	if employeeID == "" {
		return nil, fmt.Errorf("%w: employeeId is required", domain.ErrValidation)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", domain.ErrValidation)
	}
	for _, item := range items {
		if item.MaterialID == "" {
			return nil, fmt.Errorf("%w: item materialId is required", domain.ErrValidation)
		}
		if !item.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: item quantity must be positive", domain.ErrValidation)
		}
	}

	r := &domain.Requisition{
		ID:          uuid.New().String(),
		EmployeeID:  employeeID,
		ProjectID:   projectID,
		Status:      domain.RequisitionPending,
		Items:       items,
		RequestedAt: now,
	}
	if err := s.repo.SaveRequisition(ctx, r); err != nil {
		return nil, fmt.Errorf("save requisition: %w", err)
	}
	return r, nil
}

// Get returns one requisition by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.Requisition, error) {
	return s.repo.GetRequisition(ctx, id)
}

// Approve moves a pending requisition to Approved and evaluates its
// lines, so the anomalies a fulfillment would create are already on
// record. Returned alerts reference the requisition.
func (s *Service) Approve(ctx context.Context, id, reviewerID, notes string, now time.Time) (*domain.Requisition, []*domain.Alert, error) {
	r, err := s.transition(ctx, id, domain.RequisitionPending, domain.RequisitionApproved, reviewerID, notes, now)
	if err != nil {
		return nil, nil, err
	}

	alerts, err := s.evaluator.EvaluateRequisition(ctx, r, now)
	if err != nil {
		// The approval already happened; evaluation failure must not
		// roll it back silently.
		s.logger.Warn("requisition evaluation failed", "requisition_id", id, "error", err)
		return r, nil, nil
	}
	return r, alerts, nil
}

// Reject moves a pending requisition to Rejected.
func (s *Service) Reject(ctx context.Context, id, reviewerID, notes string, now time.Time) (*domain.Requisition, error) {
	return s.transition(ctx, id, domain.RequisitionPending, domain.RequisitionRejected, reviewerID, notes, now)
}

// Deliver fulfills an approved requisition: one delivery per line is
// recorded through the normal delivery path, then the requisition moves
// to Delivered. Alerts raised by the per-line evaluations are returned.
func (s *Service) Deliver(ctx context.Context, id, reviewerID string, now time.Time) (*domain.Requisition, []*domain.Alert, error) {
	r, err := s.repo.GetRequisition(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if r.Status != domain.RequisitionApproved {
		return nil, nil, fmt.Errorf("%w: cannot deliver requisition in state %s", domain.ErrInvalidState, r.Status)
	}

	var alerts []*domain.Alert
	for _, item := range r.Items {
		_, lineAlerts, err := s.recorder.Record(ctx, &deliveries.Input{
			EmployeeID:    r.EmployeeID,
			MaterialID:    item.MaterialID,
			ProjectID:     r.ProjectID,
			RequisitionID: r.ID,
			Quantity:      item.Quantity,
		}, now)
		if err != nil {
			return nil, nil, fmt.Errorf("deliver item %s: %w", item.MaterialID, err)
		}
		alerts = append(alerts, lineAlerts...)
	}

	r.Status = domain.RequisitionDelivered
	r.ReviewedAt = &now
	if reviewerID != "" {
		r.ReviewerID = reviewerID
	}
	if err := s.repo.UpdateRequisitionReview(ctx, r); err != nil {
		return nil, nil, fmt.Errorf("update requisition: %w", err)
	}
	return r, alerts, nil
}

func (s *Service) transition(ctx context.Context, id string, from, to domain.RequisitionStatus, reviewerID, notes string, now time.Time) (*domain.Requisition, error) {
	if reviewerID == "" {
		return nil, fmt.Errorf("%w: reviewerId is required", domain.ErrValidation)
	}

	r, err := s.repo.GetRequisition(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != from {
		return nil, fmt.Errorf("%w: cannot move requisition from %s to %s", domain.ErrInvalidState, r.Status, to)
	}

	r.Status = to
	r.ReviewedAt = &now
	r.ReviewerID = reviewerID
	if notes != "" {
		r.Notes = notes
	}
	if err := s.repo.UpdateRequisitionReview(ctx, r); err != nil {
		return nil, fmt.Errorf("update requisition: %w", err)
	}
	return r, nil
}
