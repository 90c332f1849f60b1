package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opensafety/vigia/internal/domain"
)

// SaveAlert stores a newly generated alert.
func (r *SQLRepository) SaveAlert(ctx context.Context, a *domain.Alert) error {
	// Budget alerts are project-scoped; everything else names an employee.
	if a.EmployeeID == "" && a.ProjectID == "" {
		return fmt.Errorf("%w: alert requires an employee or project reference", domain.ErrValidation)
	}

	var costImpact decimal.NullDecimal
	if a.EstimatedCostImpact != nil {
		costImpact = decimal.NullDecimal{Decimal: *a.EstimatedCostImpact, Valid: true}
	}
	var reviewedAt sql.NullTime
	if a.ReviewedAt != nil {
		reviewedAt = sql.NullTime{Time: *a.ReviewedAt, Valid: true}
	}

	query := `
		INSERT INTO alerts (
			id, type, severity, employee_id, material_id, project_id,
			delivery_id, requisition_id, description, expected_value,
			actual_value, deviation_percent, estimated_cost_impact,
			generated_at, state, reviewed_at, reviewer_id, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		a.ID, string(a.Type), string(a.Severity), a.EmployeeID, a.MaterialID,
		a.ProjectID, a.DeliveryID, a.RequisitionID, a.Description,
		a.ExpectedValue, a.ActualValue, a.DeviationPercent, costImpact,
		a.GeneratedAt, string(a.State), reviewedAt, a.ReviewerID, a.Notes,
	)
	return err
}

const alertColumns = `
	id, type, severity, employee_id, material_id, project_id,
	delivery_id, requisition_id, description, expected_value,
	actual_value, deviation_percent, estimated_cost_impact,
	generated_at, state, reviewed_at, reviewer_id, notes
`

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var a domain.Alert
	var alertType, severity, state string
	var costImpact decimal.NullDecimal
	var reviewedAt sql.NullTime

	err := row.Scan(
		&a.ID, &alertType, &severity, &a.EmployeeID, &a.MaterialID,
		&a.ProjectID, &a.DeliveryID, &a.RequisitionID, &a.Description,
		&a.ExpectedValue, &a.ActualValue, &a.DeviationPercent, &costImpact,
		&a.GeneratedAt, &state, &reviewedAt, &a.ReviewerID, &a.Notes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Type = domain.AlertType(alertType)
	a.Severity = domain.Severity(severity)
	a.State = domain.AlertState(state)
	if costImpact.Valid {
		a.EstimatedCostImpact = &costImpact.Decimal
	}
	if reviewedAt.Valid {
		a.ReviewedAt = &reviewedAt.Time
	}
	return &a, nil
}

// GetAlert retrieves an alert by id.
func (r *SQLRepository) GetAlert(ctx context.Context, id string) (*domain.Alert, error) {
	query := `SELECT` + alertColumns + `FROM alerts WHERE id = ?`
	return scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), id))
}

// UpdateAlertReview writes the review fields of an alert. Only the lifecycle
// manager mutates alerts; the generation-time fields are never touched.
func (r *SQLRepository) UpdateAlertReview(ctx context.Context, a *domain.Alert) error {
	query := `
		UPDATE alerts
		SET state = ?, reviewed_at = ?, reviewer_id = ?, notes = ?
		WHERE id = ?
	`
	var reviewedAt sql.NullTime
	if a.ReviewedAt != nil {
		reviewedAt = sql.NullTime{Time: *a.ReviewedAt, Valid: true}
	}
	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(a.State), reviewedAt, a.ReviewerID, a.Notes, a.ID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func alertFilterClause(f domain.AlertFilter) (string, []any) {
	clause := ` WHERE 1 = 1`
	var args []any

	if f.Type != "" {
		clause += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.Severity != "" {
		clause += ` AND severity = ?`
		args = append(args, string(f.Severity))
	}
	if f.State != "" {
		clause += ` AND state = ?`
		args = append(args, string(f.State))
	}
	if f.EmployeeID != "" {
		clause += ` AND employee_id = ?`
		args = append(args, f.EmployeeID)
	}
	if f.MaterialID != "" {
		clause += ` AND material_id = ?`
		args = append(args, f.MaterialID)
	}
	if f.ProjectID != "" {
		clause += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if !f.From.IsZero() {
		clause += ` AND generated_at >= ?`
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		clause += ` AND generated_at < ?`
		args = append(args, f.To)
	}
	return clause, args
}

// FindAlerts retrieves alerts matching the filter, most recent first.
func (r *SQLRepository) FindAlerts(ctx context.Context, f domain.AlertFilter) ([]*domain.Alert, error) {
	clause, args := alertFilterClause(f)
	query := `SELECT` + alertColumns + `FROM alerts` + clause + ` ORDER BY generated_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// CountAlerts counts alerts matching the filter.
func (r *SQLRepository) CountAlerts(ctx context.Context, f domain.AlertFilter) (int, error) {
	clause, args := alertFilterClause(f)
	query := `SELECT COUNT(*) FROM alerts` + clause

	var count int
	if err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// upsertStat is the single upsert-by-natural-key routine shared by both
// monthly rollups; entity kind differs only in table, key column, and
// field list.
func (r *SQLRepository) upsertStat(ctx context.Context, query string, args []any) error {
	_, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	return err
}

// UpsertEmployeeStat overwrites the (employee, year, month) rollup row.
func (r *SQLRepository) UpsertEmployeeStat(ctx context.Context, s *domain.MonthlyEmployeeStat) error {
	query := `
		INSERT INTO employee_monthly_stats (
			employee_id, year, month, total_deliveries, total_units,
			total_cost, distinct_materials, avg_useful_life_deviation,
			alerts_generated, risk_score, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(employee_id, year, month) DO UPDATE SET
			total_deliveries = excluded.total_deliveries,
			total_units = excluded.total_units,
			total_cost = excluded.total_cost,
			distinct_materials = excluded.distinct_materials,
			avg_useful_life_deviation = excluded.avg_useful_life_deviation,
			alerts_generated = excluded.alerts_generated,
			risk_score = excluded.risk_score,
			updated_at = excluded.updated_at
	`
	return r.upsertStat(ctx, query, []any{
		s.EmployeeID, s.Year, s.Month, s.TotalDeliveries, s.TotalUnits,
		s.TotalCost, s.DistinctMaterials, s.AvgUsefulLifeDeviation,
		s.AlertsGenerated, s.RiskScore, s.UpdatedAt,
	})
}

// UpsertProjectStat overwrites the (project, year, month) rollup row.
func (r *SQLRepository) UpsertProjectStat(ctx context.Context, s *domain.MonthlyProjectStat) error {
	query := `
		INSERT INTO project_monthly_stats (
			project_id, year, month, total_employees, total_deliveries,
			total_units, total_cost, avg_cost_per_employee, assigned_budget,
			budget_deviation_percent, critical_alerts, total_alerts, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, year, month) DO UPDATE SET
			total_employees = excluded.total_employees,
			total_deliveries = excluded.total_deliveries,
			total_units = excluded.total_units,
			total_cost = excluded.total_cost,
			avg_cost_per_employee = excluded.avg_cost_per_employee,
			assigned_budget = excluded.assigned_budget,
			budget_deviation_percent = excluded.budget_deviation_percent,
			critical_alerts = excluded.critical_alerts,
			total_alerts = excluded.total_alerts,
			updated_at = excluded.updated_at
	`
	return r.upsertStat(ctx, query, []any{
		s.ProjectID, s.Year, s.Month, s.TotalEmployees, s.TotalDeliveries,
		s.TotalUnits, s.TotalCost, s.AvgCostPerEmployee, s.AssignedBudget,
		s.BudgetDeviationPercent, s.CriticalAlerts, s.TotalAlerts, s.UpdatedAt,
	})
}

// FindEmployeeStats retrieves the employee rollups for a period,
// optionally filtered by project, position, or job role.
func (r *SQLRepository) FindEmployeeStats(ctx context.Context, year, month int, f domain.StatFilter) ([]*domain.MonthlyEmployeeStat, error) {
	query := `
		SELECT s.employee_id, s.year, s.month, s.total_deliveries,
		       s.total_units, s.total_cost, s.distinct_materials,
		       s.avg_useful_life_deviation, s.alerts_generated,
		       s.risk_score, s.updated_at
		FROM employee_monthly_stats s
		JOIN employees e ON e.id = s.employee_id
		WHERE s.year = ? AND s.month = ?
	`
	args := []any{year, month}

	if f.ProjectID != "" {
		query += ` AND e.project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.Position != "" {
		query += ` AND e.position = ?`
		args = append(args, f.Position)
	}
	if f.JobRole != "" {
		query += ` AND e.job_role = ?`
		args = append(args, f.JobRole)
	}
	query += ` ORDER BY s.employee_id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*domain.MonthlyEmployeeStat
	for rows.Next() {
		var s domain.MonthlyEmployeeStat
		if err := rows.Scan(
			&s.EmployeeID, &s.Year, &s.Month, &s.TotalDeliveries,
			&s.TotalUnits, &s.TotalCost, &s.DistinctMaterials,
			&s.AvgUsefulLifeDeviation, &s.AlertsGenerated,
			&s.RiskScore, &s.UpdatedAt,
		); err != nil {
			return nil, err
		}
		stats = append(stats, &s)
	}
	return stats, rows.Err()
}

// FindProjectStats retrieves all project rollups for a period.
func (r *SQLRepository) FindProjectStats(ctx context.Context, year, month int) ([]*domain.MonthlyProjectStat, error) {
	query := `
		SELECT project_id, year, month, total_employees, total_deliveries,
		       total_units, total_cost, avg_cost_per_employee, assigned_budget,
		       budget_deviation_percent, critical_alerts, total_alerts, updated_at
		FROM project_monthly_stats
		WHERE year = ? AND month = ?
		ORDER BY project_id
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), year, month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*domain.MonthlyProjectStat
	for rows.Next() {
		s, err := scanProjectStat(rows)
		if err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// GetProjectStat retrieves one project rollup row.
func (r *SQLRepository) GetProjectStat(ctx context.Context, projectID string, year, month int) (*domain.MonthlyProjectStat, error) {
	query := `
		SELECT project_id, year, month, total_employees, total_deliveries,
		       total_units, total_cost, avg_cost_per_employee, assigned_budget,
		       budget_deviation_percent, critical_alerts, total_alerts, updated_at
		FROM project_monthly_stats
		WHERE project_id = ? AND year = ? AND month = ?
	`
	return scanProjectStat(r.db.QueryRowContext(ctx, r.rebind(query), projectID, year, month))
}

func scanProjectStat(row rowScanner) (*domain.MonthlyProjectStat, error) {
	var s domain.MonthlyProjectStat
	err := row.Scan(
		&s.ProjectID, &s.Year, &s.Month, &s.TotalEmployees, &s.TotalDeliveries,
		&s.TotalUnits, &s.TotalCost, &s.AvgCostPerEmployee, &s.AssignedBudget,
		&s.BudgetDeviationPercent, &s.CriticalAlerts, &s.TotalAlerts, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
