package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"nct/api/internal/billing"
	"nct/api/internal/export"
	"nct/api/internal/health"
	"nct/api/internal/search"
	"nct/api/internal/store"
)

// workspaceSnapshot loads the full tenant dataset the health scorer needs.
// The four lists are independent, so they are fetched concurrently.
func (s *Service) workspaceSnapshot(ctx context.Context, workspaceID string) (health.Snapshot, []store.Narrative, []store.Commitment, error) {
	var (
		narratives  []store.Narrative
		commitments []store.Commitment
		tasks       []store.Task
		pillars     []store.Pillar
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		narratives, err = s.store.ListNarratives(gctx, workspaceID)
		return err
	})
	g.Go(func() error {
		var err error
		commitments, err = s.store.ListCommitments(gctx, workspaceID)
		return err
	})
	g.Go(func() error {
		var err error
		tasks, err = s.store.ListTasks(gctx, workspaceID)
		return err
	})
	g.Go(func() error {
		var err error
		pillars, err = s.store.ListPillars(gctx, workspaceID)
		return err
	})
	if err := g.Wait(); err != nil {
		return health.Snapshot{}, nil, nil, err
	}

	snap := health.Snapshot{
		Narratives:  make([]health.Narrative, 0, len(narratives)),
		Commitments: make([]health.Commitment, 0, len(commitments)),
		Tasks:       make([]health.Task, 0, len(tasks)),
		Pillars:     make([]health.Pillar, 0, len(pillars)),
	}
	for _, n := range narratives {
		snap.Narratives = append(snap.Narratives, health.Narrative{
			ID:        n.ID,
			PillarID:  n.PillarID,
			Status:    n.Status,
			UpdatedAt: n.UpdatedAt,
		})
	}
	for _, c := range commitments {
		snap.Commitments = append(snap.Commitments, health.Commitment{
			ID:          c.ID,
			NarrativeID: c.NarrativeID,
			Status:      c.Status,
		})
	}
	for _, t := range tasks {
		snap.Tasks = append(snap.Tasks, health.Task{
			ID:           t.ID,
			CommitmentID: t.CommitmentID,
			Status:       t.Status,
			DueAt:        t.DueAt,
		})
	}
	for _, p := range pillars {
		snap.Pillars = append(snap.Pillars, health.Pillar{ID: p.ID, Status: p.Status})
	}
	return snap, narratives, commitments, nil
}

// HealthReport scores the workspace. The report is computed fresh on every
// call; nothing is cached or persisted.
func (s *Service) HealthReport(ctx context.Context, session Session, workspaceID string) (health.Report, error) {
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return health.Report{}, err
	}
	snap, _, _, err := s.workspaceSnapshot(ctx, workspaceID)
	if err != nil {
		return health.Report{}, err
	}
	return health.Score(time.Now(), snap), nil
}

// ExportHealthReport renders the workspace health report to PDF.
func (s *Service) ExportHealthReport(ctx context.Context, session Session, workspaceID string) (*export.Result, error) {
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return nil, err
	}
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export service not configured", nil)
	}

	workspace, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	snap, narratives, commitments, err := s.workspaceSnapshot(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	data := buildHealthReportData(time.Now(), workspace.Name, snap, narratives, commitments)
	result, err := s.export.HealthReportPDF(data)
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF renderer not installed", nil)
	}
	return result, err
}

// buildHealthReportData assembles the PDF payload. A single instant stamps
// the report header and drives scoring so the two agree.
func buildHealthReportData(now time.Time, workspaceName string, snap health.Snapshot, narratives []store.Narrative, commitments []store.Commitment) export.ReportData {
	commitmentsByNarrative := make(map[string]int, len(commitments))
	for _, c := range commitments {
		commitmentsByNarrative[c.NarrativeID]++
	}
	rows := make([]export.NarrativeRow, 0, len(narratives))
	for _, n := range narratives {
		rows = append(rows, export.NarrativeRow{
			Title:       n.Title,
			Status:      n.Status,
			Commitments: commitmentsByNarrative[n.ID],
			UpdatedAt:   n.UpdatedAt,
		})
	}
	return export.ReportData{
		WorkspaceName: workspaceName,
		GeneratedAt:   now,
		Report:        health.Score(now, snap),
		Narratives:    rows,
	}
}

// Search runs a workspace-scoped full-text search.
func (s *Service) Search(ctx context.Context, session Session, workspaceID string, q search.Query) (search.Response, error) {
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	q.WorkspaceID = workspaceID
	return s.search.Search(q), nil
}

// ---- billing ----

func (s *Service) BillingWebhookSecret() []byte {
	return []byte(s.cfg.BillingWebhookSecret)
}

// ApplyBillingWebhook applies a verified webhook payload to stored state.
func (s *Service) ApplyBillingWebhook(ctx context.Context, body []byte) error {
	if s.billing == nil {
		return domainError(http.StatusServiceUnavailable, "BILLING_UNAVAILABLE", "Billing not configured", nil)
	}
	event, err := billing.ParseEvent(body)
	if err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
	}
	return s.billing.ApplyEvent(ctx, event)
}

// BillingSummary describes the workspace's effective plan and seat usage.
type BillingSummary struct {
	Plan         store.Plan          `json:"plan"`
	Seats        store.SeatCounts    `json:"seats"`
	Subscription *store.Subscription `json:"subscription,omitempty"`
}

func (s *Service) GetBillingSummary(ctx context.Context, session Session, workspaceID string) (BillingSummary, error) {
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return BillingSummary{}, err
	}
	if s.billing == nil {
		return BillingSummary{}, domainError(http.StatusServiceUnavailable, "BILLING_UNAVAILABLE", "Billing not configured", nil)
	}

	plan, err := s.billing.PlanFor(ctx, workspaceID)
	if err != nil {
		return BillingSummary{}, err
	}
	summary := BillingSummary{Plan: plan}

	sub, err := s.store.GetSubscription(ctx, workspaceID)
	if err == nil {
		summary.Subscription = &sub
	} else if !errors.Is(err, sql.ErrNoRows) {
		return BillingSummary{}, err
	}

	counts, err := s.store.SeatUsage(ctx, workspaceID)
	if err != nil {
		return BillingSummary{}, err
	}
	summary.Seats = counts

	return summary, nil
}

func (s *Service) ListPlans(ctx context.Context) ([]store.Plan, error) {
	return s.store.ListPlans(ctx)
}
