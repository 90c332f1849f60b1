package analytics

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/opensafety/vigia/internal/domain"
)

// Relative-intensity thresholds against the global cell maximum, and the
// color token each bucket maps to.
var intensityBuckets = []struct {
	threshold decimal.Decimal
	color     string
}{
	{decimal.NewFromFloat(0.80), "red"},
	{decimal.NewFromFloat(0.60), "orange"},
	{decimal.NewFromFloat(0.40), "yellow"},
	{decimal.NewFromFloat(0.20), "green"},
	{decimal.Zero, "blue"},
}

// ColorEmpty marks a cell with no deliveries.
const ColorEmpty = "gray"

// HeatmapCell is one employee × material intensity cell.
type HeatmapCell struct {
	MaterialID string          `json:"materialId"`
	Quantity   decimal.Decimal `json:"quantity"`
	Color      string          `json:"color"`
}

// HeatmapRow is one employee's cells, ordered like the column labels.
type HeatmapRow struct {
	EmployeeID   string        `json:"employeeId"`
	EmployeeName string        `json:"employeeName"`
	Cells        []HeatmapCell `json:"cells"`
}

// Heatmap is the employee × material delivery-frequency matrix for one
// project and month, with relative-intensity coloring.
type Heatmap struct {
	Year         int             `json:"year"`
	Month        int             `json:"month"`
	ProjectID    string          `json:"projectId"`
	ColumnLabels []string        `json:"columnLabels"`
	Rows         []HeatmapRow    `json:"rows"`
	MaxValue     decimal.Decimal `json:"maxValue"`
}

// GetFrequencyHeatmap builds the matrix from the project's deliveries in
// the month window. Columns are materials, alphabetical by name; rows
// are employees, alphabetical by surname; cells are summed quantities
// bucketed against the global maximum.
func (s *Service) GetFrequencyHeatmap(ctx context.Context, projectID string, year, month int) (*Heatmap, error) {
	key := periodKey("heatmap", year, month, projectID)
	return cached(ctx, s, key, func(ctx context.Context) (*Heatmap, error) {
		return s.computeHeatmap(ctx, projectID, year, month)
	})
}

func (s *Service) computeHeatmap(ctx context.Context, projectID string, year, month int) (*Heatmap, error) {
	from, to := domain.MonthWindow(year, month)
	deliveries, err := s.repo.FindDeliveries(ctx, domain.DeliveryFilter{
		ProjectID: projectID,
		From:      from,
		To:        to,
	})
	if err != nil {
		return nil, fmt.Errorf("find deliveries: %w", err)
	}

	type axisEntry struct {
		id   string
		name string
	}
	materialSet := make(map[string]axisEntry)
	employeeSet := make(map[string]axisEntry)
	cells := make(map[string]map[string]decimal.Decimal) // employee -> material -> qty
	maxValue := decimal.Zero

	for _, d := range deliveries {
		if _, ok := materialSet[d.MaterialID]; !ok {
			m, err := s.repo.GetMaterial(ctx, d.MaterialID)
			if err != nil {
				return nil, err
			}
			materialSet[d.MaterialID] = axisEntry{id: m.ID, name: m.Name}
		}
		if _, ok := employeeSet[d.EmployeeID]; !ok {
			e, err := s.repo.GetEmployee(ctx, d.EmployeeID)
			if err != nil {
				return nil, err
			}
			employeeSet[d.EmployeeID] = axisEntry{id: e.ID, name: e.FullName()}
		}

		row := cells[d.EmployeeID]
		if row == nil {
			row = make(map[string]decimal.Decimal)
			cells[d.EmployeeID] = row
		}
		total := row[d.MaterialID].Add(d.Quantity)
		row[d.MaterialID] = total
		if total.GreaterThan(maxValue) {
			maxValue = total
		}
	}

	materials := make([]axisEntry, 0, len(materialSet))
	for _, m := range materialSet {
		materials = append(materials, m)
	}
	sort.Slice(materials, func(i, j int) bool { return materials[i].name < materials[j].name })

	employees := make([]axisEntry, 0, len(employeeSet))
	for _, e := range employeeSet {
		employees = append(employees, e)
	}
	// FullName is "Last, First", so this orders by surname.
	sort.Slice(employees, func(i, j int) bool { return employees[i].name < employees[j].name })

	hm := &Heatmap{
		Year:      year,
		Month:     month,
		ProjectID: projectID,
		MaxValue:  maxValue,
	}
	for _, m := range materials {
		hm.ColumnLabels = append(hm.ColumnLabels, m.name)
	}
	for _, e := range employees {
		row := HeatmapRow{EmployeeID: e.id, EmployeeName: e.name}
		for _, m := range materials {
			qty := cells[e.id][m.id]
			row.Cells = append(row.Cells, HeatmapCell{
				MaterialID: m.id,
				Quantity:   qty,
				Color:      bucketColor(qty, maxValue),
			})
		}
		hm.Rows = append(hm.Rows, row)
	}
	return hm, nil
}

// bucketColor maps a cell to its relative-intensity color token.
func bucketColor(qty, maxValue decimal.Decimal) string {
	if !qty.IsPositive() || !maxValue.IsPositive() {
		return ColorEmpty
	}
	ratio := qty.Div(maxValue)
	for _, b := range intensityBuckets {
		if b.threshold.IsZero() {
			// Anything positive lands in the lowest bucket.
			return b.color
		}
		if ratio.GreaterThanOrEqual(b.threshold) {
			return b.color
		}
	}
	return ColorEmpty
}
