// Package billing maps provider subscriptions onto workspace plans and
// enforces per-plan seat limits.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"nct/api/internal/rbac"
	"nct/api/internal/store"
	"nct/api/internal/util"
)

// FreePlanID is the plan every workspace starts on. Workspaces without a
// subscription row are treated as free.
const FreePlanID = "plan_free"

// freePlan mirrors the seeded free plan row so seat checks work even when
// the catalog has not been loaded.
var freePlan = store.Plan{
	ID:          FreePlanID,
	Name:        "Free",
	EditorSeats: 3,
	ViewerSeats: 10,
}

var ErrSeatLimitReached = errors.New("plan seat limit reached")

// SubscriptionStore is the storage surface billing needs.
type SubscriptionStore interface {
	GetPlan(ctx context.Context, planID string) (store.Plan, error)
	ListPlans(ctx context.Context) ([]store.Plan, error)
	GetSubscription(ctx context.Context, workspaceID string) (store.Subscription, error)
	UpsertSubscription(ctx context.Context, sub store.Subscription) error
	UpdateSubscriptionStatus(ctx context.Context, providerSubscriptionID, status string, periodEnd *time.Time) error
	SeatUsage(ctx context.Context, workspaceID string) (store.SeatCounts, error)
}

// Service resolves workspace plans and applies webhook events.
type Service struct {
	store SubscriptionStore
	// priceToPlan maps provider price IDs to plan IDs.
	priceToPlan map[string]string
}

func NewService(store SubscriptionStore, priceToPlan map[string]string) *Service {
	if priceToPlan == nil {
		priceToPlan = map[string]string{}
	}
	return &Service{store: store, priceToPlan: priceToPlan}
}

// PlanFor returns the workspace's effective plan. Workspaces without an
// active subscription are on the free plan.
func (s *Service) PlanFor(ctx context.Context, workspaceID string) (store.Plan, error) {
	sub, err := s.store.GetSubscription(ctx, workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return freePlan, nil
	}
	if err != nil {
		return store.Plan{}, fmt.Errorf("get subscription: %w", err)
	}
	if sub.Status != "active" && sub.Status != "trialing" {
		return freePlan, nil
	}

	plan, err := s.store.GetPlan(ctx, sub.PlanID)
	if errors.Is(err, sql.ErrNoRows) {
		return freePlan, nil
	}
	if err != nil {
		return store.Plan{}, fmt.Errorf("get plan: %w", err)
	}
	return plan, nil
}

// CheckSeatAvailable reports whether the workspace's plan has a free seat
// for the given role. Owner and admin seats are never gated; pending
// invitations count against the limit.
func (s *Service) CheckSeatAvailable(ctx context.Context, workspaceID string, role rbac.Role) error {
	if role != rbac.RoleEditor && role != rbac.RoleViewer {
		return nil
	}

	plan, err := s.PlanFor(ctx, workspaceID)
	if err != nil {
		return err
	}
	usage, err := s.store.SeatUsage(ctx, workspaceID)
	if err != nil {
		return err
	}

	switch role {
	case rbac.RoleEditor:
		if plan.EditorSeats >= 0 && usage.Editors >= plan.EditorSeats {
			return ErrSeatLimitReached
		}
	case rbac.RoleViewer:
		if plan.ViewerSeats >= 0 && usage.Viewers >= plan.ViewerSeats {
			return ErrSeatLimitReached
		}
	}
	return nil
}

// ApplyEvent applies a verified, parsed webhook event to stored state.
// Unknown event types are ignored without error so the provider does not
// retry them forever.
func (s *Service) ApplyEvent(ctx context.Context, event Event) error {
	switch event.EventType {
	case EventSubscriptionCreated, EventSubscriptionActivated, EventSubscriptionUpdated:
		return s.applySubscription(ctx, event)
	case EventSubscriptionCanceled:
		return s.cancelSubscription(ctx, event)
	default:
		return nil
	}
}

func (s *Service) applySubscription(ctx context.Context, event Event) error {
	data, err := event.Subscription()
	if err != nil {
		return err
	}
	workspaceID, err := data.WorkspaceID()
	if err != nil {
		return err
	}

	planID := s.planForPrices(data.Items)
	if planID == "" {
		// An unmapped price means no plan change. Acknowledge instead of
		// erroring so the provider does not retry the same event forever.
		log.Printf("billing: subscription %s matches no known price, ignoring", data.ID)
		return nil
	}

	sub := store.Subscription{
		ID:                     util.NewID("sub"),
		WorkspaceID:            workspaceID,
		PlanID:                 planID,
		ProviderCustomerID:     data.CustomerID,
		ProviderSubscriptionID: data.ID,
		Status:                 data.Status,
		CurrentPeriodEnd:       data.CurrentPeriodEnd,
	}
	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("apply subscription %s: %w", data.ID, err)
	}
	return nil
}

func (s *Service) cancelSubscription(ctx context.Context, event Event) error {
	data, err := event.Subscription()
	if err != nil {
		return err
	}
	err = s.store.UpdateSubscriptionStatus(ctx, data.ID, "canceled", data.CurrentPeriodEnd)
	if errors.Is(err, sql.ErrNoRows) {
		// Cancellation for a subscription we never stored; nothing to do.
		return nil
	}
	return err
}

func (s *Service) planForPrices(items []ItemData) string {
	for _, item := range items {
		if planID, ok := s.priceToPlan[item.PriceID]; ok {
			return planID
		}
	}
	return ""
}
