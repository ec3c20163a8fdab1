package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"nct/api/internal/gitrepo"
	"nct/api/internal/rbac"
	"nct/api/internal/search"
	"nct/api/internal/store"
	"nct/api/internal/util"
)

// requireEditor gates record creation; requireModify gates mutation of an
// existing record (editors may only touch their own).
func (s *Service) requireEditor(ctx context.Context, workspaceID, userID string) (rbac.Role, error) {
	role, err := s.requireMember(ctx, workspaceID, userID)
	if err != nil {
		return "", err
	}
	if !rbac.CanEdit(role) {
		return "", domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return role, nil
}

func requireModify(role rbac.Role, userID, ownerID string) error {
	if !rbac.CanModify(role, userID, ownerID) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

func validateTitle(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", field+" is required", nil)
	}
	return value, nil
}

// ---- pillars ----

func (s *Service) ListPillars(ctx context.Context, session Session, workspaceID string) ([]store.Pillar, error) {
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return nil, err
	}
	return s.store.ListPillars(ctx, workspaceID)
}

func (s *Service) GetPillar(ctx context.Context, session Session, workspaceID, pillarID string) (store.Pillar, error) {
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return store.Pillar{}, err
	}
	return s.store.GetPillar(ctx, workspaceID, pillarID)
}

func (s *Service) CreatePillar(ctx context.Context, session Session, workspaceID, name, status string) (store.Pillar, error) {
	if _, err := s.requireEditor(ctx, workspaceID, session.UserID); err != nil {
		return store.Pillar{}, err
	}
	name, err := validateTitle("name", name)
	if err != nil {
		return store.Pillar{}, err
	}
	item := store.Pillar{
		ID:          util.NewID("pil"),
		WorkspaceID: workspaceID,
		Name:        name,
		Status:      defaultStatus(status),
		OwnerID:     session.UserID,
	}
	if err := s.store.InsertPillar(ctx, item); err != nil {
		return store.Pillar{}, err
	}
	return s.store.GetPillar(ctx, workspaceID, item.ID)
}

func (s *Service) UpdatePillar(ctx context.Context, session Session, workspaceID, pillarID, name, status string) (store.Pillar, error) {
	role, err := s.requireMember(ctx, workspaceID, session.UserID)
	if err != nil {
		return store.Pillar{}, err
	}
	existing, err := s.store.GetPillar(ctx, workspaceID, pillarID)
	if err != nil {
		return store.Pillar{}, err
	}
	if err := requireModify(role, session.UserID, existing.OwnerID); err != nil {
		return store.Pillar{}, err
	}
	name, err = validateTitle("name", name)
	if err != nil {
		return store.Pillar{}, err
	}
	existing.Name = name
	existing.Status = defaultStatus(status)
	if err := s.store.UpdatePillar(ctx, existing); err != nil {
		return store.Pillar{}, err
	}
	return s.store.GetPillar(ctx, workspaceID, pillarID)
}

func (s *Service) DeletePillar(ctx context.Context, session Session, workspaceID, pillarID string) error {
	role, err := s.requireMember(ctx, workspaceID, session.UserID)
	if err != nil {
		return err
	}
	existing, err := s.store.GetPillar(ctx, workspaceID, pillarID)
	if err != nil {
		return err
	}
	if err := requireModify(role, session.UserID, existing.OwnerID); err != nil {
		return err
	}
	return s.store.DeletePillar(ctx, workspaceID, pillarID)
}

// ---- narratives ----

// NarrativeInput is the write payload for a narrative.
type NarrativeInput struct {
	Title    string
	Body     string
	Status   string
	PillarID string
}

func (s *Service) ListNarratives(ctx context.Context, session Session, workspaceID string) ([]store.Narrative, error) {
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return nil, err
	}
	return s.store.ListNarratives(ctx, workspaceID)
}

func (s *Service) GetNarrative(ctx context.Context, session Session, workspaceID, narrativeID string) (store.Narrative, error) {
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return store.Narrative{}, err
	}
	return s.store.GetNarrative(ctx, workspaceID, narrativeID)
}

func (s *Service) CreateNarrative(ctx context.Context, session Session, workspaceID string, input NarrativeInput) (store.Narrative, error) {
	if _, err := s.requireEditor(ctx, workspaceID, session.UserID); err != nil {
		return store.Narrative{}, err
	}
	title, err := validateTitle("title", input.Title)
	if err != nil {
		return store.Narrative{}, err
	}
	if input.PillarID != "" {
		if _, err := s.store.GetPillar(ctx, workspaceID, input.PillarID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.Narrative{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "pillar not found in workspace", nil)
			}
			return store.Narrative{}, err
		}
	}

	item := store.Narrative{
		ID:          util.NewID("nar"),
		WorkspaceID: workspaceID,
		PillarID:    input.PillarID,
		Title:       title,
		Body:        input.Body,
		Status:      defaultStatus(input.Status),
		OwnerID:     session.UserID,
	}
	if err := s.store.InsertNarrative(ctx, item); err != nil {
		return store.Narrative{}, err
	}

	if s.git != nil {
		if err := s.git.EnsureRepo(item.ID, narrativeContent(item), session.UserName); err != nil {
			log.Printf("init narrative history %s: %v", item.ID, err)
		}
	}
	s.indexNarrative(item)

	return s.store.GetNarrative(ctx, workspaceID, item.ID)
}

func (s *Service) UpdateNarrative(ctx context.Context, session Session, workspaceID, narrativeID string, input NarrativeInput) (store.Narrative, error) {
	role, err := s.requireMember(ctx, workspaceID, session.UserID)
	if err != nil {
		return store.Narrative{}, err
	}
	existing, err := s.store.GetNarrative(ctx, workspaceID, narrativeID)
	if err != nil {
		return store.Narrative{}, err
	}
	if err := requireModify(role, session.UserID, existing.OwnerID); err != nil {
		return store.Narrative{}, err
	}
	title, err := validateTitle("title", input.Title)
	if err != nil {
		return store.Narrative{}, err
	}
	if input.PillarID != "" && input.PillarID != existing.PillarID {
		if _, err := s.store.GetPillar(ctx, workspaceID, input.PillarID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.Narrative{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "pillar not found in workspace", nil)
			}
			return store.Narrative{}, err
		}
	}

	existing.Title = title
	existing.Body = input.Body
	existing.Status = defaultStatus(input.Status)
	existing.PillarID = input.PillarID
	if err := s.store.UpdateNarrative(ctx, existing); err != nil {
		return store.Narrative{}, err
	}

	if s.git != nil {
		if err := s.git.EnsureRepo(narrativeID, narrativeContent(existing), session.UserName); err != nil {
			log.Printf("init narrative history %s: %v", narrativeID, err)
		} else if _, err := s.git.CommitContent(narrativeID, narrativeContent(existing), session.UserName, "Update narrative"); err != nil {
			log.Printf("record narrative revision %s: %v", narrativeID, err)
		}
	}
	s.indexNarrative(existing)

	return s.store.GetNarrative(ctx, workspaceID, narrativeID)
}

func (s *Service) DeleteNarrative(ctx context.Context, session Session, workspaceID, narrativeID string) error {
	role, err := s.requireMember(ctx, workspaceID, session.UserID)
	if err != nil {
		return err
	}
	existing, err := s.store.GetNarrative(ctx, workspaceID, narrativeID)
	if err != nil {
		return err
	}
	if err := requireModify(role, session.UserID, existing.OwnerID); err != nil {
		return err
	}
	if err := s.store.DeleteNarrative(ctx, workspaceID, narrativeID); err != nil {
		return err
	}
	if s.git != nil {
		if err := s.git.Remove(narrativeID); err != nil {
			log.Printf("remove narrative history %s: %v", narrativeID, err)
		}
	}
	if s.search != nil {
		s.search.DeleteNarrative(narrativeID)
	}
	return nil
}

// NarrativeHistory lists the narrative's revisions, newest first.
func (s *Service) NarrativeHistory(ctx context.Context, session Session, workspaceID, narrativeID string, limit int) ([]gitrepo.CommitInfo, error) {
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetNarrative(ctx, workspaceID, narrativeID); err != nil {
		return nil, err
	}
	if s.git == nil {
		return []gitrepo.CommitInfo{}, nil
	}
	history, err := s.git.History(narrativeID, limit)
	if err != nil {
		return nil, err
	}
	return history, nil
}

// NarrativeAtRevision returns the narrative content at a specific revision.
func (s *Service) NarrativeAtRevision(ctx context.Context, session Session, workspaceID, narrativeID, hash string) (gitrepo.Content, error) {
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return gitrepo.Content{}, err
	}
	if _, err := s.store.GetNarrative(ctx, workspaceID, narrativeID); err != nil {
		return gitrepo.Content{}, err
	}
	if s.git == nil {
		return gitrepo.Content{}, domainError(http.StatusNotFound, "NOT_FOUND", "Revision history unavailable", nil)
	}
	content, err := s.git.ContentAt(narrativeID, hash)
	if err != nil {
		return gitrepo.Content{}, domainError(http.StatusNotFound, "NOT_FOUND", "Revision not found", nil)
	}
	return content, nil
}

// ---- commitments ----

func (s *Service) ListCommitments(ctx context.Context, session Session, workspaceID string) ([]store.Commitment, error) {
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return nil, err
	}
	return s.store.ListCommitments(ctx, workspaceID)
}

func (s *Service) GetCommitment(ctx context.Context, session Session, workspaceID, commitmentID string) (store.Commitment, error) {
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return store.Commitment{}, err
	}
	return s.store.GetCommitment(ctx, workspaceID, commitmentID)
}

func (s *Service) CreateCommitment(ctx context.Context, session Session, workspaceID, narrativeID, title, status string) (store.Commitment, error) {
	if _, err := s.requireEditor(ctx, workspaceID, session.UserID); err != nil {
		return store.Commitment{}, err
	}
	title, err := validateTitle("title", title)
	if err != nil {
		return store.Commitment{}, err
	}
	if _, err := s.store.GetNarrative(ctx, workspaceID, narrativeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Commitment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "narrative not found in workspace", nil)
		}
		return store.Commitment{}, err
	}

	item := store.Commitment{
		ID:          util.NewID("com"),
		WorkspaceID: workspaceID,
		NarrativeID: narrativeID,
		Title:       title,
		Status:      defaultStatus(status),
		OwnerID:     session.UserID,
	}
	if err := s.store.InsertCommitment(ctx, item); err != nil {
		return store.Commitment{}, err
	}
	s.indexCommitment(item)
	return s.store.GetCommitment(ctx, workspaceID, item.ID)
}

func (s *Service) UpdateCommitment(ctx context.Context, session Session, workspaceID, commitmentID, narrativeID, title, status string) (store.Commitment, error) {
	role, err := s.requireMember(ctx, workspaceID, session.UserID)
	if err != nil {
		return store.Commitment{}, err
	}
	existing, err := s.store.GetCommitment(ctx, workspaceID, commitmentID)
	if err != nil {
		return store.Commitment{}, err
	}
	if err := requireModify(role, session.UserID, existing.OwnerID); err != nil {
		return store.Commitment{}, err
	}
	title, err = validateTitle("title", title)
	if err != nil {
		return store.Commitment{}, err
	}
	if narrativeID != "" && narrativeID != existing.NarrativeID {
		if _, err := s.store.GetNarrative(ctx, workspaceID, narrativeID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.Commitment{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "narrative not found in workspace", nil)
			}
			return store.Commitment{}, err
		}
		existing.NarrativeID = narrativeID
	}

	existing.Title = title
	existing.Status = defaultStatus(status)
	if err := s.store.UpdateCommitment(ctx, existing); err != nil {
		return store.Commitment{}, err
	}
	s.indexCommitment(existing)
	return s.store.GetCommitment(ctx, workspaceID, commitmentID)
}

func (s *Service) DeleteCommitment(ctx context.Context, session Session, workspaceID, commitmentID string) error {
	role, err := s.requireMember(ctx, workspaceID, session.UserID)
	if err != nil {
		return err
	}
	existing, err := s.store.GetCommitment(ctx, workspaceID, commitmentID)
	if err != nil {
		return err
	}
	if err := requireModify(role, session.UserID, existing.OwnerID); err != nil {
		return err
	}
	if err := s.store.DeleteCommitment(ctx, workspaceID, commitmentID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteCommitment(commitmentID)
	}
	return nil
}

// ---- tasks ----

// TaskInput is the write payload for a task.
type TaskInput struct {
	CommitmentID string
	Title        string
	Status       string
	DueAt        *time.Time
}

func (s *Service) ListTasks(ctx context.Context, session Session, workspaceID string) ([]store.Task, error) {
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return nil, err
	}
	return s.store.ListTasks(ctx, workspaceID)
}

func (s *Service) GetTask(ctx context.Context, session Session, workspaceID, taskID string) (store.Task, error) {
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return store.Task{}, err
	}
	return s.store.GetTask(ctx, workspaceID, taskID)
}

func (s *Service) CreateTask(ctx context.Context, session Session, workspaceID string, input TaskInput) (store.Task, error) {
	if _, err := s.requireEditor(ctx, workspaceID, session.UserID); err != nil {
		return store.Task{}, err
	}
	title, err := validateTitle("title", input.Title)
	if err != nil {
		return store.Task{}, err
	}
	if _, err := s.store.GetCommitment(ctx, workspaceID, input.CommitmentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Task{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "commitment not found in workspace", nil)
		}
		return store.Task{}, err
	}

	item := store.Task{
		ID:           util.NewID("tsk"),
		WorkspaceID:  workspaceID,
		CommitmentID: input.CommitmentID,
		Title:        title,
		Status:       defaultTaskStatus(input.Status),
		DueAt:        input.DueAt,
		OwnerID:      session.UserID,
	}
	if err := s.store.InsertTask(ctx, item); err != nil {
		return store.Task{}, err
	}
	s.indexTask(item)
	return s.store.GetTask(ctx, workspaceID, item.ID)
}

func (s *Service) UpdateTask(ctx context.Context, session Session, workspaceID, taskID string, input TaskInput) (store.Task, error) {
	role, err := s.requireMember(ctx, workspaceID, session.UserID)
	if err != nil {
		return store.Task{}, err
	}
	existing, err := s.store.GetTask(ctx, workspaceID, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if err := requireModify(role, session.UserID, existing.OwnerID); err != nil {
		return store.Task{}, err
	}
	title, err := validateTitle("title", input.Title)
	if err != nil {
		return store.Task{}, err
	}
	if input.CommitmentID != "" && input.CommitmentID != existing.CommitmentID {
		if _, err := s.store.GetCommitment(ctx, workspaceID, input.CommitmentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.Task{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "commitment not found in workspace", nil)
			}
			return store.Task{}, err
		}
		existing.CommitmentID = input.CommitmentID
	}

	existing.Title = title
	existing.Status = defaultTaskStatus(input.Status)
	existing.DueAt = input.DueAt
	if err := s.store.UpdateTask(ctx, existing); err != nil {
		return store.Task{}, err
	}
	s.indexTask(existing)
	return s.store.GetTask(ctx, workspaceID, taskID)
}

func (s *Service) DeleteTask(ctx context.Context, session Session, workspaceID, taskID string) error {
	role, err := s.requireMember(ctx, workspaceID, session.UserID)
	if err != nil {
		return err
	}
	existing, err := s.store.GetTask(ctx, workspaceID, taskID)
	if err != nil {
		return err
	}
	if err := requireModify(role, session.UserID, existing.OwnerID); err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, workspaceID, taskID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteTask(taskID)
	}
	return nil
}

// ---- helpers ----

func defaultStatus(status string) string {
	if strings.TrimSpace(status) == "" {
		return "active"
	}
	return strings.TrimSpace(status)
}

func defaultTaskStatus(status string) string {
	if strings.TrimSpace(status) == "" {
		return "todo"
	}
	return strings.TrimSpace(status)
}

func narrativeContent(n store.Narrative) gitrepo.Content {
	return gitrepo.Content{
		Title:    n.Title,
		Body:     n.Body,
		Status:   n.Status,
		PillarID: n.PillarID,
	}
}

func (s *Service) indexNarrative(n store.Narrative) {
	if s.search == nil {
		return
	}
	s.search.IndexNarrative(search.NarrativeRecord{
		ID:          n.ID,
		Title:       n.Title,
		Body:        n.Body,
		Status:      n.Status,
		WorkspaceID: n.WorkspaceID,
		PillarID:    n.PillarID,
	})
}

func (s *Service) indexCommitment(c store.Commitment) {
	if s.search == nil {
		return
	}
	s.search.IndexCommitment(search.CommitmentRecord{
		ID:          c.ID,
		Title:       c.Title,
		Status:      c.Status,
		WorkspaceID: c.WorkspaceID,
		NarrativeID: c.NarrativeID,
	})
}

func (s *Service) indexTask(t store.Task) {
	if s.search == nil {
		return
	}
	s.search.IndexTask(search.TaskRecord{
		ID:           t.ID,
		Title:        t.Title,
		Status:       t.Status,
		WorkspaceID:  t.WorkspaceID,
		CommitmentID: t.CommitmentID,
	})
}
