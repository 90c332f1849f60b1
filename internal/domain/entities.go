package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Employee is a PPE recipient. The engine reads employees and writes back
// only the risk score fields.
type Employee struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Position  string `json:"position,omitempty"`
	JobRole   string `json:"jobRole,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	Active    bool   `json:"active"`

	RiskScore      decimal.Decimal `json:"riskScore"`
	RiskComputedAt *time.Time      `json:"riskComputedAt,omitempty"`
}

// FullName returns "Last, First" for ranking and heatmap display.
func (e *Employee) FullName() string {
	if e.FirstName == "" {
		return e.LastName
	}
	return e.LastName + ", " + e.FirstName
}

// Material is a PPE item class (helmet, gloves, harness...).
type Material struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Group    string          `json:"group,omitempty"`
	UnitCost decimal.Decimal `json:"unitCost"`
	Active   bool            `json:"active"`
}

// Project is a cost center with an optional monthly PPE budget.
type Project struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	MonthlyBudget decimal.Decimal `json:"monthlyBudget"`
	Active        bool            `json:"active"`
}

// Delivery records PPE handed to an employee. Quantity and UnitCost are
// captured at delivery time; cost is Quantity × UnitCost.
type Delivery struct {
	ID            string          `json:"id"`
	EmployeeID    string          `json:"employeeId"`
	MaterialID    string          `json:"materialId"`
	ProjectID     string          `json:"projectId,omitempty"`
	RequisitionID string          `json:"requisitionId,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitCost      decimal.Decimal `json:"unitCost"`
	DeliveredAt   time.Time       `json:"deliveredAt"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Cost is the total cost of the delivery.
func (d *Delivery) Cost() decimal.Decimal {
	return d.Quantity.Mul(d.UnitCost)
}

// DeliveryFilter narrows delivery queries. Zero values mean "any".
type DeliveryFilter struct {
	EmployeeID string
	MaterialID string
	ProjectID  string
	From       time.Time
	To         time.Time
	Limit      int
}

// RequisitionStatus is the workflow state of a requisition.
type RequisitionStatus string

const (
	RequisitionPending   RequisitionStatus = "PENDING"
	RequisitionApproved  RequisitionStatus = "APPROVED"
	RequisitionRejected  RequisitionStatus = "REJECTED"
	RequisitionDelivered RequisitionStatus = "DELIVERED"
)

// Requisition is an internal multi-line request-and-approval workflow for
// issuing PPE to an employee, distinct from a direct delivery record.
type Requisition struct {
	ID         string            `json:"id"`
	EmployeeID string            `json:"employeeId"`
	ProjectID  string            `json:"projectId,omitempty"`
	Status     RequisitionStatus `json:"status"`

	Items []RequisitionItem `json:"items"`

	RequestedAt time.Time  `json:"requestedAt"`
	ReviewedAt  *time.Time `json:"reviewedAt,omitempty"`
	ReviewerID  string     `json:"reviewerId,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// RequisitionItem is one requested material line.
type RequisitionItem struct {
	MaterialID string          `json:"materialId"`
	Quantity   decimal.Decimal `json:"quantity"`
}
