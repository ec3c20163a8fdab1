// Package search provides workspace-scoped full-text search over
// narratives, commitments, and tasks, backed by Meilisearch with a
// PostgreSQL FTS fallback.
package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexNarrative indexes a narrative (fire-and-forget to Meilisearch).
func (s *Service) IndexNarrative(rec NarrativeRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexNarrative(rec); err != nil {
			log.Printf("search: index narrative %s: %v", rec.ID, err)
		}
	}()
}

// IndexCommitment indexes a commitment (fire-and-forget to Meilisearch).
func (s *Service) IndexCommitment(rec CommitmentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexCommitment(rec); err != nil {
			log.Printf("search: index commitment %s: %v", rec.ID, err)
		}
	}()
}

// IndexTask indexes a task (fire-and-forget to Meilisearch).
func (s *Service) IndexTask(rec TaskRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexTask(rec); err != nil {
			log.Printf("search: index task %s: %v", rec.ID, err)
		}
	}()
}

// DeleteNarrative removes a narrative from the search index (fire-and-forget).
func (s *Service) DeleteNarrative(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteNarrative(id); err != nil {
			log.Printf("search: delete narrative %s: %v", id, err)
		}
	}()
}

// DeleteCommitment removes a commitment from the search index (fire-and-forget).
func (s *Service) DeleteCommitment(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteCommitment(id); err != nil {
			log.Printf("search: delete commitment %s: %v", id, err)
		}
	}()
}

// DeleteTask removes a task from the search index (fire-and-forget).
func (s *Service) DeleteTask(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteTask(id); err != nil {
			log.Printf("search: delete task %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	narratives, commitments, tasks, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexNarratives(narratives); err != nil {
		log.Printf("search: reindex narratives: %v", err)
	}
	if err := s.meili.IndexCommitments(commitments); err != nil {
		log.Printf("search: reindex commitments: %v", err)
	}
	if err := s.meili.IndexTasks(tasks); err != nil {
		log.Printf("search: reindex tasks: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
