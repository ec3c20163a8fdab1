package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"nct/api/internal/rbac"
	"nct/api/internal/store"
)

type fakeSubStore struct {
	plans         map[string]store.Plan
	subscriptions map[string]store.Subscription // by workspace ID
	usage         store.SeatCounts
}

func newFakeSubStore() *fakeSubStore {
	return &fakeSubStore{
		plans:         make(map[string]store.Plan),
		subscriptions: make(map[string]store.Subscription),
	}
}

func (f *fakeSubStore) GetPlan(ctx context.Context, planID string) (store.Plan, error) {
	if plan, ok := f.plans[planID]; ok {
		return plan, nil
	}
	return store.Plan{}, sql.ErrNoRows
}

func (f *fakeSubStore) ListPlans(ctx context.Context) ([]store.Plan, error) {
	items := make([]store.Plan, 0, len(f.plans))
	for _, plan := range f.plans {
		items = append(items, plan)
	}
	return items, nil
}

func (f *fakeSubStore) GetSubscription(ctx context.Context, workspaceID string) (store.Subscription, error) {
	if sub, ok := f.subscriptions[workspaceID]; ok {
		return sub, nil
	}
	return store.Subscription{}, sql.ErrNoRows
}

func (f *fakeSubStore) UpsertSubscription(ctx context.Context, sub store.Subscription) error {
	f.subscriptions[sub.WorkspaceID] = sub
	return nil
}

func (f *fakeSubStore) UpdateSubscriptionStatus(ctx context.Context, providerSubID, status string, periodEnd *time.Time) error {
	for wsID, sub := range f.subscriptions {
		if sub.ProviderSubscriptionID == providerSubID {
			sub.Status = status
			if periodEnd != nil {
				sub.CurrentPeriodEnd = periodEnd
			}
			f.subscriptions[wsID] = sub
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeSubStore) SeatUsage(ctx context.Context, workspaceID string) (store.SeatCounts, error) {
	return f.usage, nil
}

var secret = []byte("whsec_test")

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event_type":"subscription.created"}`)
	now := time.Now()

	t.Run("valid", func(t *testing.T) {
		header := Sign(secret, body, now)
		if err := VerifySignature(secret, header, body, now); err != nil {
			t.Fatalf("VerifySignature failed: %v", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		header := Sign([]byte("other"), body, now)
		if err := VerifySignature(secret, header, body, now); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("expected ErrInvalidSignature, got %v", err)
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		header := Sign(secret, body, now)
		if err := VerifySignature(secret, header, []byte(`{}`), now); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("expected ErrInvalidSignature, got %v", err)
		}
	})

	t.Run("stale timestamp", func(t *testing.T) {
		header := Sign(secret, body, now.Add(-10*time.Minute))
		if err := VerifySignature(secret, header, body, now); !errors.Is(err, ErrStaleTimestamp) {
			t.Fatalf("expected ErrStaleTimestamp, got %v", err)
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		for _, header := range []string{"", "ts=1", "h1=abc", "garbage"} {
			if err := VerifySignature(secret, header, body, now); !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("VerifySignature(%q) = %v, want ErrInvalidSignature", header, err)
			}
		}
	})
}

func subscriptionEvent(t *testing.T, eventType string, data map[string]any) Event {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal event data: %v", err)
	}
	return Event{EventID: "evt_1", EventType: eventType, Data: raw}
}

func TestApplyEventStoresSubscription(t *testing.T) {
	fake := newFakeSubStore()
	svc := NewService(fake, map[string]string{"pri_team": "plan_team"})

	event := subscriptionEvent(t, EventSubscriptionActivated, map[string]any{
		"id":          "psub_1",
		"status":      "active",
		"customer_id": "cus_1",
		"items":       []map[string]any{{"price_id": "pri_team"}},
		"custom_data": map[string]any{"workspace_id": "ws_1"},
	})

	if err := svc.ApplyEvent(context.Background(), event); err != nil {
		t.Fatalf("ApplyEvent failed: %v", err)
	}

	sub, ok := fake.subscriptions["ws_1"]
	if !ok {
		t.Fatal("subscription not stored")
	}
	if sub.PlanID != "plan_team" || sub.Status != "active" || sub.ProviderSubscriptionID != "psub_1" {
		t.Errorf("unexpected subscription: %+v", sub)
	}
}

func TestApplyEventUnknownPrice(t *testing.T) {
	fake := newFakeSubStore()
	svc := NewService(fake, map[string]string{"pri_team": "plan_team"})

	event := subscriptionEvent(t, EventSubscriptionCreated, map[string]any{
		"id":          "psub_2",
		"status":      "active",
		"items":       []map[string]any{{"price_id": "pri_unknown"}},
		"custom_data": map[string]any{"workspace_id": "ws_1"},
	})

	// Unmapped prices are acknowledged as no-ops, otherwise the provider
	// keeps redelivering the event.
	if err := svc.ApplyEvent(context.Background(), event); err != nil {
		t.Fatalf("ApplyEvent() error = %v", err)
	}
	if len(fake.subscriptions) != 0 {
		t.Errorf("no subscription should be stored, got %+v", fake.subscriptions)
	}
}

func TestApplyEventMissingWorkspace(t *testing.T) {
	svc := NewService(newFakeSubStore(), map[string]string{"pri_team": "plan_team"})

	event := subscriptionEvent(t, EventSubscriptionCreated, map[string]any{
		"id":     "psub_3",
		"status": "active",
		"items":  []map[string]any{{"price_id": "pri_team"}},
	})

	if err := svc.ApplyEvent(context.Background(), event); err == nil {
		t.Error("expected error for missing workspace_id")
	}
}

func TestApplyEventCancel(t *testing.T) {
	fake := newFakeSubStore()
	fake.subscriptions["ws_1"] = store.Subscription{
		WorkspaceID:            "ws_1",
		PlanID:                 "plan_team",
		ProviderSubscriptionID: "psub_1",
		Status:                 "active",
	}
	svc := NewService(fake, nil)

	event := subscriptionEvent(t, EventSubscriptionCanceled, map[string]any{"id": "psub_1"})
	if err := svc.ApplyEvent(context.Background(), event); err != nil {
		t.Fatalf("ApplyEvent failed: %v", err)
	}
	if fake.subscriptions["ws_1"].Status != "canceled" {
		t.Errorf("expected canceled status, got %s", fake.subscriptions["ws_1"].Status)
	}
}

func TestApplyEventCancelUnknownSubscription(t *testing.T) {
	svc := NewService(newFakeSubStore(), nil)
	event := subscriptionEvent(t, EventSubscriptionCanceled, map[string]any{"id": "psub_missing"})
	if err := svc.ApplyEvent(context.Background(), event); err != nil {
		t.Errorf("cancel for unknown subscription should be a no-op, got %v", err)
	}
}

func TestApplyEventIgnoresUnknownTypes(t *testing.T) {
	svc := NewService(newFakeSubStore(), nil)
	if err := svc.ApplyEvent(context.Background(), Event{EventType: "transaction.completed"}); err != nil {
		t.Errorf("unknown event type should be ignored, got %v", err)
	}
}

func TestPlanForDefaultsToFree(t *testing.T) {
	svc := NewService(newFakeSubStore(), nil)

	plan, err := svc.PlanFor(context.Background(), "ws_1")
	if err != nil {
		t.Fatalf("PlanFor failed: %v", err)
	}
	if plan.ID != FreePlanID {
		t.Errorf("expected free plan, got %s", plan.ID)
	}
}

func TestPlanForInactiveSubscriptionFallsBackToFree(t *testing.T) {
	fake := newFakeSubStore()
	fake.plans["plan_team"] = store.Plan{ID: "plan_team", EditorSeats: 25, ViewerSeats: -1}
	fake.subscriptions["ws_1"] = store.Subscription{
		WorkspaceID: "ws_1", PlanID: "plan_team", Status: "canceled",
	}
	svc := NewService(fake, nil)

	plan, err := svc.PlanFor(context.Background(), "ws_1")
	if err != nil {
		t.Fatalf("PlanFor failed: %v", err)
	}
	if plan.ID != FreePlanID {
		t.Errorf("canceled subscription should fall back to free plan, got %s", plan.ID)
	}
}

func TestCheckSeatAvailable(t *testing.T) {
	fake := newFakeSubStore()
	fake.plans["plan_team"] = store.Plan{ID: "plan_team", EditorSeats: 5, ViewerSeats: -1}
	fake.subscriptions["ws_1"] = store.Subscription{
		WorkspaceID: "ws_1", PlanID: "plan_team", Status: "active",
	}
	svc := NewService(fake, nil)
	ctx := context.Background()

	t.Run("editor seat free", func(t *testing.T) {
		fake.usage = store.SeatCounts{Editors: 4}
		if err := svc.CheckSeatAvailable(ctx, "ws_1", rbac.RoleEditor); err != nil {
			t.Errorf("expected seat available, got %v", err)
		}
	})

	t.Run("editor seats exhausted", func(t *testing.T) {
		fake.usage = store.SeatCounts{Editors: 5}
		if err := svc.CheckSeatAvailable(ctx, "ws_1", rbac.RoleEditor); !errors.Is(err, ErrSeatLimitReached) {
			t.Errorf("expected ErrSeatLimitReached, got %v", err)
		}
	})

	t.Run("unlimited viewer seats", func(t *testing.T) {
		fake.usage = store.SeatCounts{Viewers: 100000}
		if err := svc.CheckSeatAvailable(ctx, "ws_1", rbac.RoleViewer); err != nil {
			t.Errorf("expected unlimited viewer seats, got %v", err)
		}
	})

	t.Run("admin seats never gated", func(t *testing.T) {
		fake.usage = store.SeatCounts{Editors: 5, Viewers: 5}
		if err := svc.CheckSeatAvailable(ctx, "ws_1", rbac.RoleAdmin); err != nil {
			t.Errorf("admin seats should not be gated, got %v", err)
		}
	})

	t.Run("free plan viewer cap", func(t *testing.T) {
		fake.usage = store.SeatCounts{Viewers: 10}
		if err := svc.CheckSeatAvailable(ctx, "ws_free", rbac.RoleViewer); !errors.Is(err, ErrSeatLimitReached) {
			t.Errorf("expected ErrSeatLimitReached on free plan, got %v", err)
		}
	})
}
