// Package deliveries records PPE deliveries and drives their anomaly
// evaluation, synchronously on the request path or deferred to the
// async worker via the bus.
package deliveries

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensafety/vigia/internal/domain"
	"github.com/opensafety/vigia/internal/rules"
)

// Input is a delivery to record. UnitCost falls back to the material's
// catalog cost when zero.
type Input struct {
	EmployeeID    string          `json:"employeeId"`
	MaterialID    string          `json:"materialId"`
	ProjectID     string          `json:"projectId,omitempty"`
	RequisitionID string          `json:"requisitionId,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitCost      decimal.Decimal `json:"unitCost,omitempty"`
	DeliveredAt   *time.Time      `json:"deliveredAt,omitempty"`
}

// Service records deliveries.
type Service struct {
	repo      domain.Repository
	evaluator *rules.Evaluator
	bus       domain.EventBus
	async     bool
	logger    *slog.Logger
}

// NewService creates the delivery recorder. When async is true the
// delivery is only announced on the bus and the worker evaluates it.
func NewService(repo domain.Repository, evaluator *rules.Evaluator, bus domain.EventBus, async bool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		evaluator: evaluator,
		bus:       bus,
		async:     async,
		logger:    logger,
	}
}

// Record validates, persists, and evaluates a delivery. Returned alerts
// are empty in async mode; the worker raises them out of band.
func (s *Service) Record(ctx context.Context, in *Input, now time.Time) (*domain.Delivery, []*domain.Alert, error) {
	if in == nil {
		return nil, nil, fmt.Errorf("%w: delivery payload is required", domain.ErrValidation)
	}
	if in.EmployeeID == "" || in.MaterialID == "" {
		return nil, nil, fmt.Errorf("%w: employeeId and materialId are required", domain.ErrValidation)
	}
	if !in.Quantity.IsPositive() {
		return nil, nil, fmt.Errorf("%w: quantity must be positive", domain.ErrValidation)
	}

	material, err := s.repo.GetMaterial(ctx, in.MaterialID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: unknown material %s", domain.ErrValidation, in.MaterialID)
		}
		return nil, nil, err
	}

	unitCost := in.UnitCost
	if unitCost.IsZero() {
		unitCost = material.UnitCost
	}
	deliveredAt := now
	if in.DeliveredAt != nil {
		deliveredAt = *in.DeliveredAt
	}

	d := &domain.Delivery{
		ID:            uuid.New().String(),
		EmployeeID:    in.EmployeeID,
		MaterialID:    in.MaterialID,
		ProjectID:     in.ProjectID,
		RequisitionID: in.RequisitionID,
		Quantity:      in.Quantity,
		UnitCost:      unitCost,
		DeliveredAt:   deliveredAt,
		CreatedAt:     now,
	}
	if err := s.repo.SaveDelivery(ctx, d); err != nil {
		return nil, nil, fmt.Errorf("save delivery: %w", err)
	}

	s.publishRecorded(ctx, d)

	if s.async {
		return d, nil, nil
	}
	alerts, err := s.evaluator.EvaluateDelivery(ctx, d, now)
	if err != nil {
		return nil, nil, err
	}
	return d, alerts, nil
}

// Evaluate re-runs evaluation for a persisted delivery, used by the
// async worker when it picks a recorded delivery off the bus.
func (s *Service) Evaluate(ctx context.Context, deliveryID string, now time.Time) ([]*domain.Alert, error) {
	d, err := s.repo.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	return s.evaluator.EvaluateDelivery(ctx, d, now)
}

func (s *Service) publishRecorded(ctx context.Context, d *domain.Delivery) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"deliveryId": d.ID,
		"employeeId": d.EmployeeID,
		"materialId": d.MaterialID,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicDeliveryRecorded, payload); err != nil {
		s.logger.Warn("failed to publish delivery event", "delivery_id", d.ID, "error", err)
	}
}
