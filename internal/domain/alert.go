package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertType identifies which rule produced an alert.
type AlertType string

const (
	AlertPrematureRequest AlertType = "PREMATURE_REQUEST"
	AlertExcessFrequency  AlertType = "EXCESS_FREQUENCY"
	AlertExcessQuantity   AlertType = "EXCESS_QUANTITY"
	AlertAnomalousPattern AlertType = "ANOMALOUS_PATTERN"
	AlertBudgetDeviation  AlertType = "BUDGET_DEVIATION"
	AlertTopConsumer      AlertType = "TOP_CONSUMER"
)

// Severity is the alert severity tier used for prioritization and risk
// weighting. Fixed at generation time, never recomputed after persistence.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityWeight returns the risk-score contribution of a severity.
func SeverityWeight(s Severity) int {
	switch s {
	case SeverityCritical:
		return 10
	case SeverityHigh:
		return 7
	case SeverityMedium:
		return 4
	default:
		return 1
	}
}

// AlertState is the review state of an alert.
// Pending is the initial state; the other four are assigned by review.
type AlertState string

const (
	AlertPending   AlertState = "PENDING"
	AlertInReview  AlertState = "IN_REVIEW"
	AlertDiscarded AlertState = "DISCARDED"
	AlertConfirmed AlertState = "CONFIRMED"
	AlertResolved  AlertState = "RESOLVED"
)

// ValidReviewState reports whether s is a state a reviewer may assign.
func ValidReviewState(s AlertState) bool {
	switch s {
	case AlertInReview, AlertDiscarded, AlertConfirmed, AlertResolved:
		return true
	}
	return false
}

// Alert is a typed, severity-ranked anomaly raised by the rule evaluator.
// Created only by the evaluator, mutated only by the lifecycle manager,
// never deleted.
type Alert struct {
	ID       string    `json:"id"`
	Type     AlertType `json:"type"`
	Severity Severity  `json:"severity"`

	EmployeeID string `json:"employeeId"`
	MaterialID string `json:"materialId,omitempty"`
	ProjectID  string `json:"projectId,omitempty"`

	// Source references; at most one is set.
	DeliveryID    string `json:"deliveryId,omitempty"`
	RequisitionID string `json:"requisitionId,omitempty"`

	Description   string `json:"description"`
	ExpectedValue string `json:"expectedValue,omitempty"`
	ActualValue   string `json:"actualValue,omitempty"`

	DeviationPercent    decimal.Decimal  `json:"deviationPercent"`
	EstimatedCostImpact *decimal.Decimal `json:"estimatedCostImpact,omitempty"`

	GeneratedAt time.Time `json:"generatedAt"`

	State      AlertState `json:"state"`
	ReviewedAt *time.Time `json:"reviewedAt,omitempty"`
	ReviewerID string     `json:"reviewerId,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// AlertFilter narrows alert queries. Zero values mean "any".
type AlertFilter struct {
	Type       AlertType
	Severity   Severity
	State      AlertState
	EmployeeID string
	MaterialID string
	ProjectID  string
	From       time.Time
	To         time.Time
	Limit      int
}

// AlertSummary is the aggregate view consumed by dashboards.
type AlertSummary struct {
	Total      int                `json:"total"`
	Pending    int                `json:"pending"`
	BySeverity map[Severity]int   `json:"bySeverity"`
	ByType     map[AlertType]int  `json:"byType"`
	ByState    map[AlertState]int `json:"byState"`
}
