package repository

// Schema definitions for the Vigia database.
// Compatible with both SQLite and PostgreSQL.

const schemaEmployees = `
CREATE TABLE IF NOT EXISTS employees (
    id TEXT PRIMARY KEY,
    first_name TEXT NOT NULL,
    last_name TEXT NOT NULL,
    position TEXT,
    job_role TEXT,
    project_id TEXT,
    active INTEGER NOT NULL DEFAULT 1,
    risk_score NUMERIC NOT NULL DEFAULT 0,
    risk_computed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_employees_project ON employees(project_id);
CREATE INDEX IF NOT EXISTS idx_employees_active ON employees(active);
`

const schemaMaterials = `
CREATE TABLE IF NOT EXISTS materials (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    material_group TEXT,
    unit_cost NUMERIC NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1
);
`

const schemaProjects = `
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    monthly_budget NUMERIC NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1
);
`

const schemaPolicies = `
CREATE TABLE IF NOT EXISTS consumption_policies (
    id TEXT PRIMARY KEY,
    material_id TEXT NOT NULL,
    useful_life_days INTEGER NOT NULL,
    min_frequency_days INTEGER NOT NULL DEFAULT 0,
    max_qty_per_delivery NUMERIC,
    max_qty_per_month NUMERIC,
    requires_return INTEGER NOT NULL DEFAULT 0,
    alert_threshold_percent INTEGER NOT NULL DEFAULT 70,
    active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_policies_material ON consumption_policies(material_id, active);
`

const schemaDeliveries = `
CREATE TABLE IF NOT EXISTS deliveries (
    id TEXT PRIMARY KEY,
    employee_id TEXT NOT NULL,
    material_id TEXT NOT NULL,
    project_id TEXT,
    requisition_id TEXT,
    quantity NUMERIC NOT NULL,
    unit_cost NUMERIC NOT NULL,
    delivered_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deliveries_employee ON deliveries(employee_id, material_id, delivered_at);
CREATE INDEX IF NOT EXISTS idx_deliveries_project ON deliveries(project_id, delivered_at);
CREATE INDEX IF NOT EXISTS idx_deliveries_delivered ON deliveries(delivered_at);
`

const schemaRequisitions = `
CREATE TABLE IF NOT EXISTS requisitions (
    id TEXT PRIMARY KEY,
    employee_id TEXT NOT NULL,
    project_id TEXT,
    status TEXT NOT NULL,
    items TEXT NOT NULL,
    requested_at TIMESTAMP NOT NULL,
    reviewed_at TIMESTAMP,
    reviewer_id TEXT,
    notes TEXT
);

CREATE INDEX IF NOT EXISTS idx_requisitions_employee ON requisitions(employee_id);
CREATE INDEX IF NOT EXISTS idx_requisitions_status ON requisitions(status);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    employee_id TEXT NOT NULL,
    material_id TEXT,
    project_id TEXT,
    delivery_id TEXT,
    requisition_id TEXT,
    description TEXT NOT NULL,
    expected_value TEXT,
    actual_value TEXT,
    deviation_percent NUMERIC NOT NULL DEFAULT 0,
    estimated_cost_impact NUMERIC,
    generated_at TIMESTAMP NOT NULL,
    state TEXT NOT NULL,
    reviewed_at TIMESTAMP,
    reviewer_id TEXT,
    notes TEXT
);

CREATE INDEX IF NOT EXISTS idx_alerts_employee ON alerts(employee_id, generated_at);
CREATE INDEX IF NOT EXISTS idx_alerts_state ON alerts(state);
CREATE INDEX IF NOT EXISTS idx_alerts_type_month ON alerts(type, employee_id, material_id, generated_at);
CREATE INDEX IF NOT EXISTS idx_alerts_project ON alerts(project_id, generated_at);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaEmployeeStats = `
CREATE TABLE IF NOT EXISTS employee_monthly_stats (
    employee_id TEXT NOT NULL,
    year INTEGER NOT NULL,
    month INTEGER NOT NULL,
    total_deliveries INTEGER NOT NULL DEFAULT 0,
    total_units NUMERIC NOT NULL DEFAULT 0,
    total_cost NUMERIC NOT NULL DEFAULT 0,
    distinct_materials INTEGER NOT NULL DEFAULT 0,
    avg_useful_life_deviation NUMERIC NOT NULL DEFAULT 0,
    alerts_generated INTEGER NOT NULL DEFAULT 0,
    risk_score NUMERIC NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (employee_id, year, month)
);

CREATE INDEX IF NOT EXISTS idx_employee_stats_period ON employee_monthly_stats(year, month);
`

const schemaProjectStats = `
CREATE TABLE IF NOT EXISTS project_monthly_stats (
    project_id TEXT NOT NULL,
    year INTEGER NOT NULL,
    month INTEGER NOT NULL,
    total_employees INTEGER NOT NULL DEFAULT 0,
    total_deliveries INTEGER NOT NULL DEFAULT 0,
    total_units NUMERIC NOT NULL DEFAULT 0,
    total_cost NUMERIC NOT NULL DEFAULT 0,
    avg_cost_per_employee NUMERIC NOT NULL DEFAULT 0,
    assigned_budget NUMERIC NOT NULL DEFAULT 0,
    budget_deviation_percent NUMERIC NOT NULL DEFAULT 0,
    critical_alerts INTEGER NOT NULL DEFAULT 0,
    total_alerts INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (project_id, year, month)
);

CREATE INDEX IF NOT EXISTS idx_project_stats_period ON project_monthly_stats(year, month);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEmployees,
		schemaMaterials,
		schemaProjects,
		schemaPolicies,
		schemaDeliveries,
		schemaRequisitions,
		schemaAlerts,
		schemaRuleConfigs,
		schemaEmployeeStats,
		schemaProjectStats,
	}
}
