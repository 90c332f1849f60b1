package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensafety/vigia/internal/domain"
)

// TrendDirection classifies a consumption series.
type TrendDirection string

const (
	TrendAscending  TrendDirection = "ASCENDING"
	TrendDescending TrendDirection = "DESCENDING"
	TrendStable     TrendDirection = "STABLE"
)

// Half-to-half change beyond ±5% leaves the stable band.
var stableBand = decimal.NewFromInt(5)

// TrendPoint is one month of a trend series.
type TrendPoint struct {
	Year       int             `json:"year"`
	Month      int             `json:"month"`
	Label      string          `json:"label"`
	TotalCost  decimal.Decimal `json:"totalCost"`
	Budget     decimal.Decimal `json:"budget,omitempty"`
	AlertCount int             `json:"alertCount,omitempty"`
}

// ConsumptionTrend is the cost series with its direction classification.
type ConsumptionTrend struct {
	Points          []TrendPoint    `json:"points"`
	AverageHistoric decimal.Decimal `json:"averageHistoric"`
	TrendPercent    decimal.Decimal `json:"trendPercent"`
	Direction       TrendDirection  `json:"direction"`
}

// AlertTrend is the monthly alert-count series. No direction is
// classified for alert counts.
type AlertTrend struct {
	Points          []TrendPoint    `json:"points"`
	AverageHistoric decimal.Decimal `json:"averageHistoric"`
}

// GetConsumptionTrend builds the cost series for the trailing months
// window ending at now's month, optionally scoped to one project, and
// classifies its direction by comparing half-means.
func (s *Service) GetConsumptionTrend(ctx context.Context, months int, projectID string, now time.Time) (*ConsumptionTrend, error) {
	if months < 1 {
		return nil, fmt.Errorf("%w: months must be positive", domain.ErrValidation)
	}
	key := periodKey("trend", now.Year(), int(now.Month()), fmt.Sprintf("%d|%s", months, projectID))
	return cached(ctx, s, key, func(ctx context.Context) (*ConsumptionTrend, error) {
		return s.computeConsumptionTrend(ctx, months, projectID, now)
	})
}

func (s *Service) computeConsumptionTrend(ctx context.Context, months int, projectID string, now time.Time) (*ConsumptionTrend, error) {
	points, err := s.monthlyPoints(ctx, months, projectID, now, false)
	if err != nil {
		return nil, err
	}

	if projectID != "" {
		project, err := s.repo.GetProject(ctx, projectID)
		if err != nil {
			return nil, err
		}
		for i := range points {
			points[i].Budget = project.MonthlyBudget
		}
	}

	trend := &ConsumptionTrend{Points: points}
	costs := make([]decimal.Decimal, len(points))
	for i, p := range points {
		costs[i] = p.TotalCost
	}
	trend.AverageHistoric = meanOf(costs)
	trend.TrendPercent = halfSplitChange(costs)
	trend.Direction = classify(trend.TrendPercent)
	return trend, nil
}

// GetAlertTrend builds the monthly alert-count series for the trailing
// window, optionally scoped to one project.
func (s *Service) GetAlertTrend(ctx context.Context, months int, projectID string, now time.Time) (*AlertTrend, error) {
	if months < 1 {
		return nil, fmt.Errorf("%w: months must be positive", domain.ErrValidation)
	}
	key := periodKey("alerttrend", now.Year(), int(now.Month()), fmt.Sprintf("%d|%s", months, projectID))
	return cached(ctx, s, key, func(ctx context.Context) (*AlertTrend, error) {
		points, err := s.monthlyPoints(ctx, months, projectID, now, true)
		if err != nil {
			return nil, err
		}
		counts := make([]decimal.Decimal, len(points))
		for i, p := range points {
			counts[i] = decimal.NewFromInt(int64(p.AlertCount))
		}
		return &AlertTrend{Points: points, AverageHistoric: meanOf(counts)}, nil
	})
}

// monthlyPoints builds the ordered month buckets, oldest first, ending
// with the month containing now.
func (s *Service) monthlyPoints(ctx context.Context, months int, projectID string, now time.Time, withAlerts bool) ([]TrendPoint, error) {
	current := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	start := current.AddDate(0, -(months - 1), 0)
	end := current.AddDate(0, 1, 0)

	points := make([]TrendPoint, 0, months)
	for m := start; m.Before(end); m = m.AddDate(0, 1, 0) {
		points = append(points, TrendPoint{
			Year:  m.Year(),
			Month: int(m.Month()),
			Label: m.Format("2006-01"),
		})
	}
	index := make(map[string]*TrendPoint, len(points))
	for i := range points {
		index[points[i].Label] = &points[i]
	}

	if withAlerts {
		alerts, err := s.repo.FindAlerts(ctx, domain.AlertFilter{
			ProjectID: projectID,
			From:      start,
			To:        end,
		})
		if err != nil {
			return nil, fmt.Errorf("find alerts: %w", err)
		}
		for _, a := range alerts {
			if p := index[a.GeneratedAt.UTC().Format("2006-01")]; p != nil {
				p.AlertCount++
			}
		}
		return points, nil
	}

	deliveries, err := s.repo.FindDeliveries(ctx, domain.DeliveryFilter{
		ProjectID: projectID,
		From:      start,
		To:        end,
	})
	if err != nil {
		return nil, fmt.Errorf("find deliveries: %w", err)
	}
	for _, d := range deliveries {
		if p := index[d.DeliveredAt.UTC().Format("2006-01")]; p != nil {
			p.TotalCost = p.TotalCost.Add(d.Cost())
		}
	}
	return points, nil
}

// halfSplitChange compares the mean of the second half of the series to
// the first, as a percent. Series shorter than two points, or with a
// zero first-half mean, read as no change.
func halfSplitChange(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}
	mid := len(values) / 2
	first := meanOf(values[:mid])
	if first.IsZero() {
		return decimal.Zero
	}
	second := meanOf(values[mid:])
	return second.Sub(first).Div(first).Mul(hundred).Round(2)
}

func classify(trendPercent decimal.Decimal) TrendDirection {
	switch {
	case trendPercent.GreaterThan(stableBand):
		return TrendAscending
	case trendPercent.LessThan(stableBand.Neg()):
		return TrendDescending
	default:
		return TrendStable
	}
}

func meanOf(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values)))).Round(2)
}
