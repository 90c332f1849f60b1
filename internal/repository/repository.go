// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensafety/vigia/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// GetActivePolicy retrieves the single active consumption policy for a
// material. Returns domain.ErrNotFound when none exists.
func (r *SQLRepository) GetActivePolicy(ctx context.Context, materialID string) (*domain.ConsumptionPolicy, error) {
	if materialID == "" {
		return nil, fmt.Errorf("%w: materialID is required", domain.ErrValidation)
	}

	query := `
		SELECT id, material_id, useful_life_days, min_frequency_days,
		       max_qty_per_delivery, max_qty_per_month, requires_return,
		       alert_threshold_percent, active, created_at, updated_at
		FROM consumption_policies
		WHERE material_id = ? AND active = 1
		ORDER BY updated_at DESC
		LIMIT 1
	`

	var p domain.ConsumptionPolicy
	var maxPerDelivery, maxPerMonth decimal.NullDecimal
	var requiresReturn, active int

	err := r.db.QueryRowContext(ctx, r.rebind(query), materialID).Scan(
		&p.ID, &p.MaterialID, &p.UsefulLifeDays, &p.MinFrequencyDays,
		&maxPerDelivery, &maxPerMonth, &requiresReturn,
		&p.AlertThresholdPercent, &active, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if maxPerDelivery.Valid {
		p.MaxQtyPerDelivery = &maxPerDelivery.Decimal
	}
	if maxPerMonth.Valid {
		p.MaxQtyPerMonth = &maxPerMonth.Decimal
	}
	p.RequiresReturn = requiresReturn == 1
	p.Active = active == 1

	return &p, nil
}

// SavePolicy stores a consumption policy. When the policy is active, any
// prior active policy for the same material is deactivated first so that at
// most one active policy exists per material.
func (r *SQLRepository) SavePolicy(ctx context.Context, p *domain.ConsumptionPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if p.Active {
		deactivate := `UPDATE consumption_policies SET active = 0, updated_at = ? WHERE material_id = ? AND active = 1 AND id <> ?`
		if _, err := tx.ExecContext(ctx, r.rebind(deactivate), now, p.MaterialID, p.ID); err != nil {
			return err
		}
	}

	var maxPerDelivery, maxPerMonth decimal.NullDecimal
	if p.MaxQtyPerDelivery != nil {
		maxPerDelivery = decimal.NullDecimal{Decimal: *p.MaxQtyPerDelivery, Valid: true}
	}
	if p.MaxQtyPerMonth != nil {
		maxPerMonth = decimal.NullDecimal{Decimal: *p.MaxQtyPerMonth, Valid: true}
	}

	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	upsert := `
		INSERT INTO consumption_policies (
			id, material_id, useful_life_days, min_frequency_days,
			max_qty_per_delivery, max_qty_per_month, requires_return,
			alert_threshold_percent, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			useful_life_days = excluded.useful_life_days,
			min_frequency_days = excluded.min_frequency_days,
			max_qty_per_delivery = excluded.max_qty_per_delivery,
			max_qty_per_month = excluded.max_qty_per_month,
			requires_return = excluded.requires_return,
			alert_threshold_percent = excluded.alert_threshold_percent,
			active = excluded.active,
			updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, r.rebind(upsert),
		p.ID, p.MaterialID, p.UsefulLifeDays, p.MinFrequencyDays,
		maxPerDelivery, maxPerMonth, boolInt(p.RequiresReturn),
		p.AlertThresholdPercent, boolInt(p.Active), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// SaveEmployee stores or updates an employee. The engine itself only reads
// employees; this exists for the surrounding application and for seeding.
func (r *SQLRepository) SaveEmployee(ctx context.Context, e *domain.Employee) error {
	query := `
		INSERT INTO employees (id, first_name, last_name, position, job_role, project_id, active, risk_score, risk_computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			position = excluded.position,
			job_role = excluded.job_role,
			project_id = excluded.project_id,
			active = excluded.active
	`
	var computedAt sql.NullTime
	if e.RiskComputedAt != nil {
		computedAt = sql.NullTime{Time: *e.RiskComputedAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, e.FirstName, e.LastName, e.Position, e.JobRole, e.ProjectID,
		boolInt(e.Active), e.RiskScore, computedAt,
	)
	return err
}

// GetEmployee retrieves an employee by id.
func (r *SQLRepository) GetEmployee(ctx context.Context, id string) (*domain.Employee, error) {
	query := `
		SELECT id, first_name, last_name, position, job_role, project_id, active, risk_score, risk_computed_at
		FROM employees WHERE id = ?
	`
	row := r.db.QueryRowContext(ctx, r.rebind(query), id)
	return scanEmployee(row)
}

// ListEmployees retrieves employees, optionally only active ones.
func (r *SQLRepository) ListEmployees(ctx context.Context, activeOnly bool) ([]*domain.Employee, error) {
	query := `
		SELECT id, first_name, last_name, position, job_role, project_id, active, risk_score, risk_computed_at
		FROM employees
	`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY last_name, first_name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var employees []*domain.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		employees = append(employees, e)
	}
	return employees, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmployee(row rowScanner) (*domain.Employee, error) {
	var e domain.Employee
	var active int
	var computedAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.FirstName, &e.LastName, &e.Position, &e.JobRole,
		&e.ProjectID, &active, &e.RiskScore, &computedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Active = active == 1
	if computedAt.Valid {
		e.RiskComputedAt = &computedAt.Time
	}
	return &e, nil
}

// UpdateEmployeeRisk writes the computed risk score onto the employee row.
func (r *SQLRepository) UpdateEmployeeRisk(ctx context.Context, employeeID string, score decimal.Decimal, at time.Time) error {
	query := `UPDATE employees SET risk_score = ?, risk_computed_at = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), score, at, employeeID)
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

// SaveMaterial stores or updates a material.
func (r *SQLRepository) SaveMaterial(ctx context.Context, m *domain.Material) error {
	query := `
		INSERT INTO materials (id, name, material_group, unit_cost, active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			material_group = excluded.material_group,
			unit_cost = excluded.unit_cost,
			active = excluded.active
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), m.ID, m.Name, m.Group, m.UnitCost, boolInt(m.Active))
	return err
}

// GetMaterial retrieves a material by id.
func (r *SQLRepository) GetMaterial(ctx context.Context, id string) (*domain.Material, error) {
	query := `SELECT id, name, material_group, unit_cost, active FROM materials WHERE id = ?`

	var m domain.Material
	var active int
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(&m.ID, &m.Name, &m.Group, &m.UnitCost, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Active = active == 1
	return &m, nil
}

// SaveProject stores or updates a project.
func (r *SQLRepository) SaveProject(ctx context.Context, p *domain.Project) error {
	query := `
		INSERT INTO projects (id, name, monthly_budget, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			monthly_budget = excluded.monthly_budget,
			active = excluded.active
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), p.ID, p.Name, p.MonthlyBudget, boolInt(p.Active))
	return err
}

// GetProject retrieves a project by id.
func (r *SQLRepository) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	query := `SELECT id, name, monthly_budget, active FROM projects WHERE id = ?`

	var p domain.Project
	var active int
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(&p.ID, &p.Name, &p.MonthlyBudget, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Active = active == 1
	return &p, nil
}

// ListProjects retrieves projects, optionally only active ones.
func (r *SQLRepository) ListProjects(ctx context.Context, activeOnly bool) ([]*domain.Project, error) {
	query := `SELECT id, name, monthly_budget, active FROM projects`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		var p domain.Project
		var active int
		if err := rows.Scan(&p.ID, &p.Name, &p.MonthlyBudget, &active); err != nil {
			return nil, err
		}
		p.Active = active == 1
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// SaveDelivery stores a delivery record.
func (r *SQLRepository) SaveDelivery(ctx context.Context, d *domain.Delivery) error {
	if !d.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", domain.ErrValidation)
	}

	query := `
		INSERT INTO deliveries (id, employee_id, material_id, project_id, requisition_id, quantity, unit_cost, delivered_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		d.ID, d.EmployeeID, d.MaterialID, d.ProjectID, d.RequisitionID,
		d.Quantity, d.UnitCost, d.DeliveredAt, d.CreatedAt,
	)
	return err
}

// GetDelivery retrieves a delivery by id.
func (r *SQLRepository) GetDelivery(ctx context.Context, id string) (*domain.Delivery, error) {
	query := `
		SELECT id, employee_id, material_id, project_id, requisition_id, quantity, unit_cost, delivered_at, created_at
		FROM deliveries WHERE id = ?
	`
	var d domain.Delivery
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&d.ID, &d.EmployeeID, &d.MaterialID, &d.ProjectID, &d.RequisitionID,
		&d.Quantity, &d.UnitCost, &d.DeliveredAt, &d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// FindDeliveries retrieves deliveries matching the filter, most recent first.
func (r *SQLRepository) FindDeliveries(ctx context.Context, f domain.DeliveryFilter) ([]*domain.Delivery, error) {
	query := `
		SELECT id, employee_id, material_id, project_id, requisition_id, quantity, unit_cost, delivered_at, created_at
		FROM deliveries WHERE 1 = 1
	`
	var args []any

	if f.EmployeeID != "" {
		query += ` AND employee_id = ?`
		args = append(args, f.EmployeeID)
	}
	if f.MaterialID != "" {
		query += ` AND material_id = ?`
		args = append(args, f.MaterialID)
	}
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if !f.From.IsZero() {
		query += ` AND delivered_at >= ?`
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		query += ` AND delivered_at < ?`
		args = append(args, f.To)
	}
	query += ` ORDER BY delivered_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []*domain.Delivery
	for rows.Next() {
		var d domain.Delivery
		if err := rows.Scan(
			&d.ID, &d.EmployeeID, &d.MaterialID, &d.ProjectID, &d.RequisitionID,
			&d.Quantity, &d.UnitCost, &d.DeliveredAt, &d.CreatedAt,
		); err != nil {
			return nil, err
		}
		deliveries = append(deliveries, &d)
	}
	return deliveries, rows.Err()
}

// LastDeliveryBefore returns the most recent delivery of a material to an
// employee strictly before the given instant, excluding excludeID so an
// already-persisted event does not match itself.
func (r *SQLRepository) LastDeliveryBefore(ctx context.Context, employeeID, materialID string, before time.Time, excludeID string) (*domain.Delivery, error) {
	query := `
		SELECT id, employee_id, material_id, project_id, requisition_id, quantity, unit_cost, delivered_at, created_at
		FROM deliveries
		WHERE employee_id = ? AND material_id = ? AND delivered_at < ? AND id <> ?
		ORDER BY delivered_at DESC
		LIMIT 1
	`
	var d domain.Delivery
	err := r.db.QueryRowContext(ctx, r.rebind(query), employeeID, materialID, before, excludeID).Scan(
		&d.ID, &d.EmployeeID, &d.MaterialID, &d.ProjectID, &d.RequisitionID,
		&d.Quantity, &d.UnitCost, &d.DeliveredAt, &d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DeliveredTotals sums quantity and counts deliveries of a material to an
// employee in [from, to), skipping excludeID.
func (r *SQLRepository) DeliveredTotals(ctx context.Context, employeeID, materialID string, from, to time.Time, excludeID string) (decimal.Decimal, int, error) {
	query := `
		SELECT COALESCE(SUM(quantity), 0), COUNT(*)
		FROM deliveries
		WHERE employee_id = ? AND material_id = ? AND delivered_at >= ? AND delivered_at < ? AND id <> ?
	`
	var sum decimal.Decimal
	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(query), employeeID, materialID, from, to, excludeID).Scan(&sum, &count)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return sum, count, nil
}

// SaveRequisition stores a requisition with its item lines.
func (r *SQLRepository) SaveRequisition(ctx context.Context, req *domain.Requisition) error {
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: requisition requires at least one item", domain.ErrValidation)
	}
	for _, item := range req.Items {
		if !item.Quantity.IsPositive() {
			return fmt.Errorf("%w: item quantity must be positive", domain.ErrValidation)
		}
	}

	items, err := json.Marshal(req.Items)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO requisitions (id, employee_id, project_id, status, items, requested_at, reviewed_at, reviewer_id, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var reviewedAt sql.NullTime
	if req.ReviewedAt != nil {
		reviewedAt = sql.NullTime{Time: *req.ReviewedAt, Valid: true}
	}
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		req.ID, req.EmployeeID, req.ProjectID, string(req.Status),
		string(items), req.RequestedAt, reviewedAt, req.ReviewerID, req.Notes,
	)
	return err
}

// GetRequisition retrieves a requisition by id.
func (r *SQLRepository) GetRequisition(ctx context.Context, id string) (*domain.Requisition, error) {
	query := `
		SELECT id, employee_id, project_id, status, items, requested_at, reviewed_at, reviewer_id, notes
		FROM requisitions WHERE id = ?
	`
	var req domain.Requisition
	var status, items string
	var reviewedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&req.ID, &req.EmployeeID, &req.ProjectID, &status, &items,
		&req.RequestedAt, &reviewedAt, &req.ReviewerID, &req.Notes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	req.Status = domain.RequisitionStatus(status)
	if reviewedAt.Valid {
		req.ReviewedAt = &reviewedAt.Time
	}
	if err := json.Unmarshal([]byte(items), &req.Items); err != nil {
		return nil, fmt.Errorf("failed to parse requisition items: %w", err)
	}
	return &req, nil
}

// UpdateRequisitionReview writes the workflow fields of a requisition.
func (r *SQLRepository) UpdateRequisitionReview(ctx context.Context, req *domain.Requisition) error {
	query := `
		UPDATE requisitions
		SET status = ?, reviewed_at = ?, reviewer_id = ?, notes = ?
		WHERE id = ?
	`
	var reviewedAt sql.NullTime
	if req.ReviewedAt != nil {
		reviewedAt = sql.NullTime{Time: *req.ReviewedAt, Valid: true}
	}
	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(req.Status), reviewedAt, req.ReviewerID, req.Notes, req.ID,
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

// SaveRuleConfig stores a custom rule configuration.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, cfg *domain.RuleConfig) error {
	bands, err := json.Marshal(cfg.Bands)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (id, name, description, version, expression, bands, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			bands = excluded.bands,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		cfg.ID, cfg.Name, cfg.Description, cfg.Version, cfg.Expression,
		string(bands), boolInt(cfg.Enabled), now, now,
	)
	return err
}

// ListRuleConfigs retrieves all enabled custom rule configurations.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, version, expression, bands, enabled, created_at, updated_at
		FROM rule_configs
		WHERE enabled = 1
		ORDER BY name
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var bands string
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.Name, &cfg.Description, &cfg.Version,
			&cfg.Expression, &bands, &enabled, &cfg.CreatedAt, &cfg.UpdatedAt,
		); err != nil {
			return nil, err
		}
		cfg.Enabled = enabled == 1
		if err := json.Unmarshal([]byte(bands), &cfg.Bands); err != nil {
			return nil, fmt.Errorf("failed to parse rule bands for %s: %w", cfg.ID, err)
		}
		configs = append(configs, &cfg)
	}
	return configs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
