package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MonthlyEmployeeStat is the per-employee monthly rollup, keyed by
// (employeeID, year, month). Recomputation fully overwrites the row; a row
// is always the single authoritative snapshot for its period.
type MonthlyEmployeeStat struct {
	EmployeeID string `json:"employeeId"`
	Year       int    `json:"year"`
	Month      int    `json:"month"`

	TotalDeliveries   int             `json:"totalDeliveries"`
	TotalUnits        decimal.Decimal `json:"totalUnits"`
	TotalCost         decimal.Decimal `json:"totalCost"`
	DistinctMaterials int             `json:"distinctMaterials"`

	AvgUsefulLifeDeviation decimal.Decimal `json:"avgUsefulLifeDeviation"`
	AlertsGenerated        int             `json:"alertsGenerated"`
	RiskScore              decimal.Decimal `json:"riskScore"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// MonthlyProjectStat is the per-project monthly rollup, keyed by
// (projectID, year, month). Same upsert discipline as the employee rollup.
type MonthlyProjectStat struct {
	ProjectID string `json:"projectId"`
	Year      int    `json:"year"`
	Month     int    `json:"month"`

	TotalEmployees  int             `json:"totalEmployees"`
	TotalDeliveries int             `json:"totalDeliveries"`
	TotalUnits      decimal.Decimal `json:"totalUnits"`
	TotalCost       decimal.Decimal `json:"totalCost"`

	AvgCostPerEmployee     decimal.Decimal `json:"avgCostPerEmployee"`
	AssignedBudget         decimal.Decimal `json:"assignedBudget"`
	BudgetDeviationPercent decimal.Decimal `json:"budgetDeviationPercent"`

	CriticalAlerts int `json:"criticalAlerts"`
	TotalAlerts    int `json:"totalAlerts"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// StatFilter narrows employee-stat queries for ranking.
type StatFilter struct {
	ProjectID string
	Position  string
	JobRole   string
}

// MonthWindow returns the half-open window [firstOfMonth, firstOfNextMonth)
// in UTC for a calendar month.
func MonthWindow(year, month int) (time.Time, time.Time) {
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 1, 0)
}
