package analytics

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/opensafety/vigia/internal/domain"
)

// RankSize is the cutoff for top and bottom rankings. Entries tied with
// the cost at the cutoff position are retained beyond it.
const RankSize = 10

var hundred = decimal.NewFromInt(100)

// RankedEmployee is one row of a consumer ranking.
type RankedEmployee struct {
	Position         int             `json:"position"`
	IsTie            bool            `json:"isTie"`
	EmployeeID       string          `json:"employeeId"`
	EmployeeName     string          `json:"employeeName"`
	TotalCost        decimal.Decimal `json:"totalCost"`
	TotalDeliveries  int             `json:"totalDeliveries"`
	TotalUnits       decimal.Decimal `json:"totalUnits"`
	DeviationPercent decimal.Decimal `json:"deviationPercent"`
}

// Ranking is the top/bottom consumer view for one month.
type Ranking struct {
	Year          int              `json:"year"`
	Month         int              `json:"month"`
	Top           []RankedEmployee `json:"top"`
	Bottom        []RankedEmployee `json:"bottom"`
	TotalAnalyzed int              `json:"totalAnalyzed"`
	AverageCost   decimal.Decimal  `json:"averageCost"`
}

// GetRanking ranks employees by monthly PPE cost. It reads the
// precomputed rollups and falls back to aggregating raw deliveries when
// no rollup rows exist for the period yet.
func (s *Service) GetRanking(ctx context.Context, year, month int, f domain.StatFilter) (*Ranking, error) {
	key := periodKey("ranking", year, month, f.ProjectID+"|"+f.Position+"|"+f.JobRole)
	return cached(ctx, s, key, func(ctx context.Context) (*Ranking, error) {
		return s.computeRanking(ctx, year, month, f)
	})
}

func (s *Service) computeRanking(ctx context.Context, year, month int, f domain.StatFilter) (*Ranking, error) {
	rows, err := s.repo.FindEmployeeStats(ctx, year, month, f)
	if err != nil {
		return nil, fmt.Errorf("find employee stats: %w", err)
	}
	if len(rows) == 0 {
		rows, err = s.statsFromRawDeliveries(ctx, year, month, f)
		if err != nil {
			return nil, err
		}
	}

	names, err := s.employeeNames(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]RankedEmployee, 0, len(rows))
	total := decimal.Zero
	for _, r := range rows {
		entries = append(entries, RankedEmployee{
			EmployeeID:      r.EmployeeID,
			EmployeeName:    names[r.EmployeeID],
			TotalCost:       r.TotalCost,
			TotalDeliveries: r.TotalDeliveries,
			TotalUnits:      r.TotalUnits,
		})
		total = total.Add(r.TotalCost)
	}

	average := decimal.Zero
	if len(entries) > 0 {
		average = total.Div(decimal.NewFromInt(int64(len(entries)))).Round(2)
	}
	for i := range entries {
		entries[i].DeviationPercent = deviationFrom(entries[i].TotalCost, average)
	}

	ranking := &Ranking{
		Year:          year,
		Month:         month,
		TotalAnalyzed: len(entries),
		AverageCost:   average,
	}

	desc := make([]RankedEmployee, len(entries))
	copy(desc, entries)
	sort.SliceStable(desc, func(i, j int) bool {
		if !desc[i].TotalCost.Equal(desc[j].TotalCost) {
			return desc[i].TotalCost.GreaterThan(desc[j].TotalCost)
		}
		return desc[i].EmployeeName < desc[j].EmployeeName
	})
	ranking.Top = takeRanked(desc, RankSize)

	asc := make([]RankedEmployee, len(entries))
	copy(asc, entries)
	sort.SliceStable(asc, func(i, j int) bool {
		if !asc[i].TotalCost.Equal(asc[j].TotalCost) {
			return asc[i].TotalCost.LessThan(asc[j].TotalCost)
		}
		return asc[i].EmployeeName < asc[j].EmployeeName
	})
	ranking.Bottom = takeRanked(asc, RankSize)

	return ranking, nil
}

// takeRanked assigns positions to the first n sorted entries, then keeps
// walking while the cost still equals the value at position n: those
// extras share position n and carry the tie flag.
func takeRanked(sorted []RankedEmployee, n int) []RankedEmployee {
	out := make([]RankedEmployee, 0, n)
	var boundary decimal.Decimal
	for i, e := range sorted {
		if i < n {
			e.Position = i + 1
			if i == n-1 {
				boundary = e.TotalCost
			}
			out = append(out, e)
			continue
		}
		if !e.TotalCost.Equal(boundary) {
			break
		}
		e.Position = n
		e.IsTie = true
		out = append(out, e)
	}
	return out
}

// statsFromRawDeliveries is the on-the-fly equivalent of the monthly
// rollup, used before the first recomputation of a period.
func (s *Service) statsFromRawDeliveries(ctx context.Context, year, month int, f domain.StatFilter) ([]*domain.MonthlyEmployeeStat, error) {
	from, to := domain.MonthWindow(year, month)
	deliveries, err := s.repo.FindDeliveries(ctx, domain.DeliveryFilter{
		ProjectID: f.ProjectID,
		From:      from,
		To:        to,
	})
	if err != nil {
		return nil, fmt.Errorf("find deliveries: %w", err)
	}

	byEmployee := make(map[string]*domain.MonthlyEmployeeStat)
	for _, d := range deliveries {
		st, ok := byEmployee[d.EmployeeID]
		if !ok {
			st = &domain.MonthlyEmployeeStat{EmployeeID: d.EmployeeID, Year: year, Month: month}
			byEmployee[d.EmployeeID] = st
		}
		st.TotalDeliveries++
		st.TotalUnits = st.TotalUnits.Add(d.Quantity)
		st.TotalCost = st.TotalCost.Add(d.Cost())
	}

	employees, err := s.repo.ListEmployees(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	index := make(map[string]*domain.Employee, len(employees))
	for _, e := range employees {
		index[e.ID] = e
	}

	rows := make([]*domain.MonthlyEmployeeStat, 0, len(byEmployee))
	for id, st := range byEmployee {
		e := index[id]
		if e == nil {
			continue
		}
		if f.Position != "" && e.Position != f.Position {
			continue
		}
		if f.JobRole != "" && e.JobRole != f.JobRole {
			continue
		}
		rows = append(rows, st)
	}
	return rows, nil
}

func (s *Service) employeeNames(ctx context.Context) (map[string]string, error) {
	employees, err := s.repo.ListEmployees(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	names := make(map[string]string, len(employees))
	for _, e := range employees {
		names[e.ID] = e.FullName()
	}
	return names, nil
}

// deviationFrom is the percent distance from the peer average, zero when
// the average itself is zero.
func deviationFrom(value, average decimal.Decimal) decimal.Decimal {
	if average.IsZero() {
		return decimal.Zero
	}
	return value.Sub(average).Div(average).Mul(hundred).Round(2)
}
