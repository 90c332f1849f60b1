package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultAlertThresholdPercent is applied when a policy does not set one.
const DefaultAlertThresholdPercent = 70

// ConsumptionPolicy is the per-material consumption policy read by the rule
// evaluator. At most one active policy exists per material; saving a new
// active policy deactivates the prior one.
type ConsumptionPolicy struct {
	ID         string `json:"id"`
	MaterialID string `json:"materialId"`

	// UsefulLifeDays is the expected lifetime of one unit before a
	// replacement is normally needed.
	UsefulLifeDays int `json:"usefulLifeDays"`

	// MinFrequencyDays is the minimum interval between re-requests.
	MinFrequencyDays int `json:"minFrequencyDays"`

	// MaxQtyPerDelivery caps a single delivery; nil disables the
	// excess-quantity rule for this material.
	MaxQtyPerDelivery *decimal.Decimal `json:"maxQtyPerDelivery,omitempty"`

	// MaxQtyPerMonth caps the calendar-month total; nil disables the
	// excess-frequency rule for this material.
	MaxQtyPerMonth *decimal.Decimal `json:"maxQtyPerMonth,omitempty"`

	RequiresReturn bool `json:"requiresReturn"`

	// AlertThresholdPercent scales UsefulLifeDays into the premature-request
	// threshold window.
	AlertThresholdPercent int `json:"alertThresholdPercent"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks policy invariants before persistence.
func (p *ConsumptionPolicy) Validate() error {
	if p.MaterialID == "" {
		return fmt.Errorf("%w: materialId is required", ErrValidation)
	}
	if p.UsefulLifeDays <= 0 {
		return fmt.Errorf("%w: usefulLifeDays must be positive", ErrValidation)
	}
	if p.MinFrequencyDays < 0 {
		return fmt.Errorf("%w: minFrequencyDays must not be negative", ErrValidation)
	}
	if p.MaxQtyPerDelivery != nil && !p.MaxQtyPerDelivery.IsPositive() {
		return fmt.Errorf("%w: maxQtyPerDelivery must be positive", ErrValidation)
	}
	if p.MaxQtyPerMonth != nil && !p.MaxQtyPerMonth.IsPositive() {
		return fmt.Errorf("%w: maxQtyPerMonth must be positive", ErrValidation)
	}
	if p.AlertThresholdPercent <= 0 || p.AlertThresholdPercent > 100 {
		return fmt.Errorf("%w: alertThresholdPercent must be in (0,100]", ErrValidation)
	}
	return nil
}

// ThresholdDays is the premature-request window: a re-request earlier than
// this many days after the previous delivery raises an alert.
func (p *ConsumptionPolicy) ThresholdDays() decimal.Decimal {
	pct := p.AlertThresholdPercent
	if pct <= 0 {
		pct = DefaultAlertThresholdPercent
	}
	return decimal.NewFromInt(int64(p.UsefulLifeDays)).
		Mul(decimal.NewFromInt(int64(pct))).
		Div(decimal.NewFromInt(100))
}
