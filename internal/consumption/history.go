// Package consumption answers history questions about PPE deliveries:
// how long since an employee last received a material, and how much of
// it they have accumulated in a given month.
package consumption

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensafety/vigia/internal/domain"
)

const hoursPerDay = 24.0

// History reads delivery history for the rule evaluator and analytics.
type History struct {
	repo domain.Repository
}

// NewHistory creates a new history service.
func NewHistory(repo domain.Repository) *History {
	return &History{repo: repo}
}

// DaysSinceLast returns the elapsed days (fractional) between the most
// recent delivery of material to employee strictly before the reference
// time and the reference time itself. excludeID skips the delivery being
// evaluated so it never counts as its own predecessor.
//
// Returns (zero, nil, nil) when no prior delivery exists.
func (h *History) DaysSinceLast(ctx context.Context, employeeID, materialID string, ref time.Time, excludeID string) (decimal.Decimal, *domain.Delivery, error) {
	prev, err := h.repo.LastDeliveryBefore(ctx, employeeID, materialID, ref, excludeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return decimal.Zero, nil, nil
		}
		return decimal.Zero, nil, fmt.Errorf("last delivery lookup: %w", err)
	}

	days := ref.Sub(prev.DeliveredAt).Hours() / hoursPerDay
	if days < 0 {
		days = 0
	}
	return decimal.NewFromFloat(days), prev, nil
}

// MonthTotals sums quantity and counts deliveries of material to employee
// in the calendar month containing ref, counting the extra quantity as if
// it were already recorded and skipping any delivery with excludeID.
func (h *History) MonthTotals(ctx context.Context, employeeID, materialID string, ref time.Time, excludeID string, extra decimal.Decimal) (decimal.Decimal, int, error) {
	from, to := domain.MonthWindow(ref.Year(), int(ref.Month()))
	total, count, err := h.repo.DeliveredTotals(ctx, employeeID, materialID, from, to, excludeID)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("month totals: %w", err)
	}

	total = total.Add(extra)
	if extra.IsPositive() {
		count++
	}
	return total, count, nil
}
