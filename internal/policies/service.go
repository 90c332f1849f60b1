// Package policies manages the per-material consumption policies read by
// the rule evaluator. A material has exactly zero or one active policy.
package policies

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensafety/vigia/internal/domain"
)

// Service reads and writes consumption policies.
type Service struct {
	repo domain.Repository
}

// NewService creates the policy service.
func NewService(repo domain.Repository) *Service {
	return &Service{repo: repo}
}

// Get returns the active policy for a material, or ErrNotFound.
func (s *Service) Get(ctx context.Context, materialID string) (*domain.ConsumptionPolicy, error) {
	if materialID == "" {
		return nil, fmt.Errorf("%w: materialId is required", domain.ErrValidation)
	}
	return s.repo.GetActivePolicy(ctx, materialID)
}

// Set activates a policy for the material, deactivating any prior active
// one. An existing policy's ID is reused so the upsert replaces it.
func (s *Service) Set(ctx context.Context, materialID string, p *domain.ConsumptionPolicy, now time.Time) (*domain.ConsumptionPolicy, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: policy payload is required", domain.ErrValidation)
	}
	p.MaterialID = materialID
	if p.AlertThresholdPercent == 0 {
		p.AlertThresholdPercent = domain.DefaultAlertThresholdPercent
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetMaterial(ctx, materialID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown material %s", domain.ErrValidation, materialID)
		}
		return nil, err
	}

	existing, err := s.repo.GetActivePolicy(ctx, materialID)
	switch {
	case err == nil:
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	case errors.Is(err, domain.ErrNotFound):
		p.ID = uuid.New().String()
		p.CreatedAt = now
	default:
		return nil, err
	}

	p.Active = true
	p.UpdatedAt = now
	if err := s.repo.SavePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}
	return p, nil
}
