package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensafety/vigia/internal/domain"
)

// ExecutiveKPIs is the one-month management dashboard.
type ExecutiveKPIs struct {
	Year  int `json:"year"`
	Month int `json:"month"`

	TotalCost       decimal.Decimal `json:"totalCost"`
	TotalDeliveries int             `json:"totalDeliveries"`
	TotalUnits      decimal.Decimal `json:"totalUnits"`
	ActiveEmployees int             `json:"activeEmployees"`

	AssignedBudget     decimal.Decimal `json:"assignedBudget"`
	BudgetUtilization  decimal.Decimal `json:"budgetUtilizationPercent"`
	ProjectsOverBudget int             `json:"projectsOverBudget"`

	PendingAlerts  int `json:"pendingAlerts"`
	CriticalAlerts int `json:"criticalAlerts"`
	TotalAlerts    int `json:"totalAlerts"`

	TopProjectID   string          `json:"topProjectId,omitempty"`
	TopProjectCost decimal.Decimal `json:"topProjectCost"`
}

// GetExecutiveKPIs aggregates the month's project rollups and alerts
// into headline numbers.
func (s *Service) GetExecutiveKPIs(ctx context.Context, year, month int) (*ExecutiveKPIs, error) {
	key := periodKey("kpis", year, month, "")
	return cached(ctx, s, key, func(ctx context.Context) (*ExecutiveKPIs, error) {
		return s.computeKPIs(ctx, year, month)
	})
}

func (s *Service) computeKPIs(ctx context.Context, year, month int) (*ExecutiveKPIs, error) {
	rows, err := s.repo.FindProjectStats(ctx, year, month)
	if err != nil {
		return nil, fmt.Errorf("find project stats: %w", err)
	}

	k := &ExecutiveKPIs{Year: year, Month: month}
	employees := 0
	for _, r := range rows {
		k.TotalCost = k.TotalCost.Add(r.TotalCost)
		k.TotalDeliveries += r.TotalDeliveries
		k.TotalUnits = k.TotalUnits.Add(r.TotalUnits)
		k.AssignedBudget = k.AssignedBudget.Add(r.AssignedBudget)
		employees += r.TotalEmployees

		if r.AssignedBudget.IsPositive() && r.TotalCost.GreaterThan(r.AssignedBudget) {
			k.ProjectsOverBudget++
		}
		if r.TotalCost.GreaterThan(k.TopProjectCost) {
			k.TopProjectCost = r.TotalCost
			k.TopProjectID = r.ProjectID
		}
	}
	k.ActiveEmployees = employees
	if k.AssignedBudget.IsPositive() {
		k.BudgetUtilization = k.TotalCost.Div(k.AssignedBudget).Mul(hundred).Round(2)
	}

	from, to := domain.MonthWindow(year, month)
	k.TotalAlerts, err = s.repo.CountAlerts(ctx, domain.AlertFilter{From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("count alerts: %w", err)
	}
	k.PendingAlerts, err = s.repo.CountAlerts(ctx, domain.AlertFilter{State: domain.AlertPending, From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("count pending alerts: %w", err)
	}
	k.CriticalAlerts, err = s.repo.CountAlerts(ctx, domain.AlertFilter{Severity: domain.SeverityCritical, From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("count critical alerts: %w", err)
	}
	return k, nil
}

// MaterialConsumption is one material's share of a project's month.
type MaterialConsumption struct {
	MaterialID   string          `json:"materialId"`
	MaterialName string          `json:"materialName"`
	TotalUnits   decimal.Decimal `json:"totalUnits"`
	TotalCost    decimal.Decimal `json:"totalCost"`
}

// ProjectConsumption is the per-project monthly breakdown.
type ProjectConsumption struct {
	ProjectID   string                     `json:"projectId"`
	ProjectName string                     `json:"projectName"`
	Year        int                        `json:"year"`
	Month       int                        `json:"month"`
	Stat        *domain.MonthlyProjectStat `json:"stat,omitempty"`
	Materials   []MaterialConsumption      `json:"materials"`
}

// GetProjectConsumption breaks a project's month down by material,
// alongside the rollup row when one exists.
func (s *Service) GetProjectConsumption(ctx context.Context, projectID string, year, month int) (*ProjectConsumption, error) {
	key := periodKey("project", year, month, projectID)
	return cached(ctx, s, key, func(ctx context.Context) (*ProjectConsumption, error) {
		return s.computeProjectConsumption(ctx, projectID, year, month)
	})
}

func (s *Service) computeProjectConsumption(ctx context.Context, projectID string, year, month int) (*ProjectConsumption, error) {
	project, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	pc := &ProjectConsumption{
		ProjectID:   project.ID,
		ProjectName: project.Name,
		Year:        year,
		Month:       month,
	}
	if stat, err := s.repo.GetProjectStat(ctx, projectID, year, month); err == nil {
		pc.Stat = stat
	}

	from, to := domain.MonthWindow(year, month)
	deliveries, err := s.repo.FindDeliveries(ctx, domain.DeliveryFilter{
		ProjectID: projectID,
		From:      from,
		To:        to,
	})
	if err != nil {
		return nil, fmt.Errorf("find deliveries: %w", err)
	}

	byMaterial := make(map[string]*MaterialConsumption)
	for _, d := range deliveries {
		mc, ok := byMaterial[d.MaterialID]
		if !ok {
			material, err := s.repo.GetMaterial(ctx, d.MaterialID)
			if err != nil {
				return nil, err
			}
			mc = &MaterialConsumption{MaterialID: material.ID, MaterialName: material.Name}
			byMaterial[d.MaterialID] = mc
		}
		mc.TotalUnits = mc.TotalUnits.Add(d.Quantity)
		mc.TotalCost = mc.TotalCost.Add(d.Cost())
	}

	for _, mc := range byMaterial {
		pc.Materials = append(pc.Materials, *mc)
	}
	sort.Slice(pc.Materials, func(i, j int) bool {
		return pc.Materials[i].TotalCost.GreaterThan(pc.Materials[j].TotalCost)
	})
	return pc, nil
}

// EmployeeProfile is the single-employee drill-down.
type EmployeeProfile struct {
	Employee     *domain.Employee              `json:"employee"`
	RecentMonths []*domain.MonthlyEmployeeStat `json:"recentMonths"`
	OpenAlerts   int                           `json:"openAlerts"`
	RecentAlerts []*domain.Alert               `json:"recentAlerts"`
}

// profileMonths is how far back the profile's rollup history reaches.
const profileMonths = 6

// GetEmployeeProfile assembles an employee's recent rollups and alert
// standing. Not cached: reviewers expect it to reflect their own state
// changes immediately.
func (s *Service) GetEmployeeProfile(ctx context.Context, employeeID string, now time.Time) (*EmployeeProfile, error) {
	employee, err := s.repo.GetEmployee(ctx, employeeID)
	if err != nil {
		return nil, err
	}

	profile := &EmployeeProfile{Employee: employee}

	cursor := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < profileMonths; i++ {
		rows, err := s.repo.FindEmployeeStats(ctx, cursor.Year(), int(cursor.Month()), domain.StatFilter{})
		if err != nil {
			return nil, fmt.Errorf("find employee stats: %w", err)
		}
		for _, r := range rows {
			if r.EmployeeID == employeeID {
				profile.RecentMonths = append(profile.RecentMonths, r)
			}
		}
		cursor = cursor.AddDate(0, -1, 0)
	}

	profile.OpenAlerts, err = s.repo.CountAlerts(ctx, domain.AlertFilter{
		EmployeeID: employeeID,
		State:      domain.AlertPending,
	})
	if err != nil {
		return nil, fmt.Errorf("count alerts: %w", err)
	}
	profile.RecentAlerts, err = s.repo.FindAlerts(ctx, domain.AlertFilter{
		EmployeeID: employeeID,
		Limit:      10,
	})
	if err != nil {
		return nil, fmt.Errorf("find alerts: %w", err)
	}
	return profile, nil
}
