package domain

import "time"

// RuleConfig defines an administrator-authored anomaly rule. The expression
// is a CEL program evaluated against the delivery context; a numeric or
// boolean result is mapped through the bands to a severity. Matches are
// raised as AnomalousPattern alerts.
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// Expression is the CEL source. Available variables: quantity,
	// unit_cost, total_cost, days_since_last, monthly_qty,
	// monthly_deliveries, material_id, material_group, project_id.
	Expression string `json:"expression"`

	// Bands map the expression score to a severity. A score matching no
	// band raises no alert.
	Bands []RuleBand `json:"bands"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// RuleBand maps a score range to an alert severity. Lower bound inclusive,
// upper bound exclusive; a nil bound is unbounded on that side.
type RuleBand struct {
	LowerLimit *float64 `json:"lowerLimit,omitempty"`
	UpperLimit *float64 `json:"upperLimit,omitempty"`
	Severity   Severity `json:"severity"`
	Reason     string   `json:"reason"`
}
