package requisitions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensafety/vigia/internal/consumption"
	"github.com/opensafety/vigia/internal/deliveries"
	"github.com/opensafety/vigia/internal/domain"
	"github.com/opensafety/vigia/internal/rules"
)

type fakeRepo struct {
	domain.Repository

	requisitions map[string]*domain.Requisition
	deliveries   []*domain.Delivery
	alerts       []*domain.Alert
	employees    map[string]*domain.Employee
	materials    map[string]*domain.Material
	policies     map[string]*domain.ConsumptionPolicy
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		requisitions: make(map[string]*domain.Requisition),
		employees:    map[string]*domain.Employee{"emp-1": {ID: "emp-1", Active: true}},
		materials: map[string]*domain.Material{
			"mat-1": {ID: "mat-1", Name: "Safety Goggles", UnitCost: decimal.NewFromInt(12), Active: true},
		},
		policies: make(map[string]*domain.ConsumptionPolicy),
	}
}

func (f *fakeRepo) SaveRequisition(_ context.Context, r *domain.Requisition) error {
	f.requisitions[r.ID] = r
	return nil
}

func (f *fakeRepo) GetRequisition(_ context.Context, id string) (*domain.Requisition, error) {
	if r, ok := f.requisitions[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRepo) UpdateRequisitionReview(_ context.Context, r *domain.Requisition) error {
	if _, ok := f.requisitions[r.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *r
	f.requisitions[r.ID] = &cp
	return nil
}

func (f *fakeRepo) GetEmployee(_ context.Context, id string) (*domain.Employee, error) {
	if e, ok := f.employees[id]; ok {
		return e, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRepo) GetMaterial(_ context.Context, id string) (*domain.Material, error) {
	if m, ok := f.materials[id]; ok {
		return m, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRepo) GetActivePolicy(_ context.Context, materialID string) (*domain.ConsumptionPolicy, error) {
	if p, ok := f.policies[materialID]; ok {
		return p, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeRepo) LastDeliveryBefore(_ context.Context, employeeID, materialID string, before time.Time, excludeID string) (*domain.Delivery, error) {
	var best *domain.Delivery
	for _, d := range f.deliveries {
		if d.EmployeeID != employeeID || d.MaterialID != materialID || d.ID == excludeID {
			continue
		}
		if !d.DeliveredAt.Before(before) {
			continue
		}
		if best == nil || d.DeliveredAt.After(best.DeliveredAt) {
			best = d
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	return best, nil
}

func (f *fakeRepo) DeliveredTotals(_ context.Context, employeeID, materialID string, from, to time.Time, excludeID string) (decimal.Decimal, int, error) {
	sum := decimal.Zero
	count := 0
	for _, d := range f.deliveries {
		if d.EmployeeID != employeeID || d.MaterialID != materialID || d.ID == excludeID {
			continue
		}
		if d.DeliveredAt.Before(from) || !d.DeliveredAt.Before(to) {
			continue
		}
		sum = sum.Add(d.Quantity)
		count++
	}
	return sum, count, nil
}

func (f *fakeRepo) SaveDelivery(_ context.Context, d *domain.Delivery) error {
	f.deliveries = append(f.deliveries, d)
	return nil
}

func (f *fakeRepo) SaveAlert(_ context.Context, a *domain.Alert) error {
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeRepo) CountAlerts(_ context.Context, _ domain.AlertFilter) (int, error) {
	return 0, nil
}

func newTestService(repo *fakeRepo) *Service {
	evaluator := rules.NewEvaluator(repo, consumption.NewHistory(repo), nil, nil, nil)
	recorder := deliveries.NewService(repo, evaluator, nil, false, nil)
	return NewService(repo, evaluator, recorder, nil)
}

func item(qty string) domain.RequisitionItem {
	return domain.RequisitionItem{MaterialID: "mat-1", Quantity: decimal.RequireFromString(qty)}
}

var testNow = time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("PendingWithItems", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)

		r, err := svc.Create(ctx, "emp-1", "proj-1", []domain.RequisitionItem{item("2")}, testNow)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if r.Status != domain.RequisitionPending {
			t.Errorf("expected Pending, got %s", r.Status)
		}
		if r.ID == "" || !r.RequestedAt.Equal(testNow) {
			t.Errorf("identity fields not set: %+v", r)
		}
		if _, ok := repo.requisitions[r.ID]; !ok {
			t.Errorf("requisition not persisted")
		}
	})

	t.Run("Validation", func(t *testing.T) {
		svc := newTestService(newFakeRepo())
		cases := []struct {
			name       string
			employeeID string
			items      []domain.RequisitionItem
		}{
			{"NoEmployee", "", []domain.RequisitionItem{item("1")}},
			{"NoItems", "emp-1", nil},
			{"ZeroQuantity", "emp-1", []domain.RequisitionItem{item("0")}},
			{"NoMaterial", "emp-1", []domain.RequisitionItem{{Quantity: decimal.NewFromInt(1)}}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := svc.Create(ctx, tc.employeeID, "", tc.items, testNow)
				if !errors.Is(err, domain.ErrValidation) {
					t.Errorf("expected ErrValidation, got %v", err)
				}
			})
		}
	})
}

func TestApproveAndReject(t *testing.T) {
	ctx := context.Background()

	t.Run("ApproveEvaluatesLines", func(t *testing.T) {
		repo := newFakeRepo()
		repo.policies["mat-1"] = &domain.ConsumptionPolicy{
			ID: "pol-1", MaterialID: "mat-1", UsefulLifeDays: 30, AlertThresholdPercent: 70, Active: true,
		}
		repo.deliveries = append(repo.deliveries, &domain.Delivery{
			ID: "d-old", EmployeeID: "emp-1", MaterialID: "mat-1",
			Quantity: decimal.NewFromInt(1), DeliveredAt: testNow.AddDate(0, 0, -5),
		})
		svc := newTestService(repo)

		r, err := svc.Create(ctx, "emp-1", "", []domain.RequisitionItem{item("1")}, testNow)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		approved, alerts, err := svc.Approve(ctx, r.ID, "supervisor-9", "ok", testNow)
		if err != nil {
			t.Fatalf("Approve failed: %v", err)
		}
		if approved.Status != domain.RequisitionApproved || approved.ReviewerID != "supervisor-9" {
			t.Errorf("approval fields wrong: %+v", approved)
		}
		// 5 days into a 21-day threshold window is a premature request.
		if len(alerts) != 1 || alerts[0].Type != domain.AlertPrematureRequest {
			t.Errorf("expected a premature-request alert, got %+v", alerts)
		}
	})

	t.Run("RejectRequiresPending", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)

		r, err := svc.Create(ctx, "emp-1", "", []domain.RequisitionItem{item("1")}, testNow)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if _, err := svc.Reject(ctx, r.ID, "supervisor-9", "budget hold", testNow); err != nil {
			t.Fatalf("Reject failed: %v", err)
		}
		if _, _, err := svc.Approve(ctx, r.ID, "supervisor-9", "", testNow); !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("expected ErrInvalidState approving a rejected requisition, got %v", err)
		}
	})

	t.Run("ReviewerRequired", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)
		r, _ := svc.Create(ctx, "emp-1", "", []domain.RequisitionItem{item("1")}, testNow)

		if _, _, err := svc.Approve(ctx, r.ID, "", "", testNow); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected ErrValidation without reviewer, got %v", err)
		}
	})

	t.Run("MissingRequisition", func(t *testing.T) {
		svc := newTestService(newFakeRepo())
		if _, _, err := svc.Approve(ctx, "nope", "supervisor-9", "", testNow); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestDeliver(t *testing.T) {
	ctx := context.Background()

	t.Run("RecordsOneDeliveryPerLine", func(t *testing.T) {
		repo := newFakeRepo()
		repo.materials["mat-2"] = &domain.Material{ID: "mat-2", Name: "Ear Plugs", UnitCost: decimal.NewFromInt(2), Active: true}
		svc := newTestService(repo)

		r, err := svc.Create(ctx, "emp-1", "proj-1", []domain.RequisitionItem{
			item("2"),
			{MaterialID: "mat-2", Quantity: decimal.NewFromInt(4)},
		}, testNow)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if _, _, err := svc.Approve(ctx, r.ID, "supervisor-9", "", testNow); err != nil {
			t.Fatalf("Approve failed: %v", err)
		}

		delivered, _, err := svc.Deliver(ctx, r.ID, "storekeeper-1", testNow.Add(time.Hour))
		if err != nil {
			t.Fatalf("Deliver failed: %v", err)
		}
		if delivered.Status != domain.RequisitionDelivered {
			t.Errorf("expected Delivered, got %s", delivered.Status)
		}
		if len(repo.deliveries) != 2 {
			t.Fatalf("expected 2 recorded deliveries, got %d", len(repo.deliveries))
		}
		for _, d := range repo.deliveries {
			if d.RequisitionID != r.ID {
				t.Errorf("delivery not linked to requisition: %+v", d)
			}
		}
		// Unit cost falls back to the catalog.
		if !repo.deliveries[0].UnitCost.Equal(decimal.NewFromInt(12)) {
			t.Errorf("expected catalog unit cost 12, got %s", repo.deliveries[0].UnitCost)
		}
	})

	t.Run("RequiresApproved", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)
		r, _ := svc.Create(ctx, "emp-1", "", []domain.RequisitionItem{item("1")}, testNow)

		if _, _, err := svc.Deliver(ctx, r.ID, "storekeeper-1", testNow); !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("expected ErrInvalidState delivering a pending requisition, got %v", err)
		}
	})
}
