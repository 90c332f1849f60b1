// Package domain defines the core interfaces and types for Vigia.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository defines the interface for data persistence. The engine treats
// it as a black box; persistence failures propagate unchanged and are never
// retried here.
type Repository interface {
	// Consumption policies. GetActivePolicy returns ErrNotFound when no
	// active policy exists for the material; SavePolicy deactivates any
	// prior active policy of the same material.
	GetActivePolicy(ctx context.Context, materialID string) (*ConsumptionPolicy, error)
	SavePolicy(ctx context.Context, p *ConsumptionPolicy) error

	// Reference entities.
	GetEmployee(ctx context.Context, id string) (*Employee, error)
	ListEmployees(ctx context.Context, activeOnly bool) ([]*Employee, error)
	UpdateEmployeeRisk(ctx context.Context, employeeID string, score decimal.Decimal, at time.Time) error
	GetMaterial(ctx context.Context, id string) (*Material, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context, activeOnly bool) ([]*Project, error)

	// Deliveries.
	SaveDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	FindDeliveries(ctx context.Context, f DeliveryFilter) ([]*Delivery, error)
	// LastDeliveryBefore returns the most recent delivery of a material to
	// an employee strictly before the given instant, excluding excludeID.
	// ErrNotFound when none exists.
	LastDeliveryBefore(ctx context.Context, employeeID, materialID string, before time.Time, excludeID string) (*Delivery, error)
	// DeliveredTotals returns the quantity sum and delivery count of a
	// material to an employee in [from, to), skipping excludeID.
	DeliveredTotals(ctx context.Context, employeeID, materialID string, from, to time.Time, excludeID string) (decimal.Decimal, int, error)

	// Requisitions.
	SaveRequisition(ctx context.Context, r *Requisition) error
	GetRequisition(ctx context.Context, id string) (*Requisition, error)
	UpdateRequisitionReview(ctx context.Context, r *Requisition) error

	// Alerts. Alerts are append-plus-review only; there is no delete.
	SaveAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, error)
	UpdateAlertReview(ctx context.Context, a *Alert) error
	FindAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error)
	CountAlerts(ctx context.Context, f AlertFilter) (int, error)

	// Custom rule configurations.
	SaveRuleConfig(ctx context.Context, cfg *RuleConfig) error
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	// Monthly rollups. Upserts overwrite every field of the row keyed by
	// its natural key, so recomputation is idempotent.
	UpsertEmployeeStat(ctx context.Context, s *MonthlyEmployeeStat) error
	UpsertProjectStat(ctx context.Context, s *MonthlyProjectStat) error
	FindEmployeeStats(ctx context.Context, year, month int, f StatFilter) ([]*MonthlyEmployeeStat, error)
	FindProjectStats(ctx context.Context, year, month int) ([]*MonthlyProjectStat, error)
	GetProjectStat(ctx context.Context, projectID string, year, month int) (*MonthlyProjectStat, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
