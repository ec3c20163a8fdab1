// Package health computes a workspace health report from a snapshot of its
// strategy data. The score is recomputed fresh on every call; nothing here
// persists state.
package health

import (
	"fmt"
	"time"
)

const (
	StatusHealthy        = "healthy"
	StatusNeedsAttention = "needs_attention"
	StatusAtRisk         = "at_risk"
)

const staleNarrativeAge = 30 * 24 * time.Hour

// Fixed per-item penalties. These constants mirror the product's scoring
// rules and are not tunable at runtime.
const (
	penaltyOrphanPillar       = 5
	penaltyEmptyNarrative     = 10
	penaltyAtRiskCommitment   = 5
	penaltyArchivedCommitment = 2
	penaltyOrphanTask         = 3
	penaltyStaleNarrative     = 5
	penaltyOverdueTask        = 2
)

type Pillar struct {
	ID     string
	Status string
}

type Narrative struct {
	ID        string
	PillarID  string
	Status    string
	UpdatedAt time.Time
}

type Commitment struct {
	ID          string
	NarrativeID string
	Status      string
}

type Task struct {
	ID           string
	CommitmentID string
	Status       string
	DueAt        *time.Time
}

// Snapshot holds the full tenant dataset the scorer runs over.
type Snapshot struct {
	Narratives  []Narrative
	Commitments []Commitment
	Tasks       []Task
	Pillars     []Pillar
}

type Stats struct {
	Narratives                   int `json:"narratives"`
	Commitments                  int `json:"commitments"`
	Tasks                        int `json:"tasks"`
	Pillars                      int `json:"pillars"`
	OrphanedPillars              int `json:"orphanedPillars"`
	NarrativesWithoutCommitments int `json:"narrativesWithoutCommitments"`
	AtRiskCommitments            int `json:"atRiskCommitments"`
	ArchivedCommitments          int `json:"archivedCommitments"`
	OrphanedTasks                int `json:"orphanedTasks"`
	StaleNarratives              int `json:"staleNarratives"`
	OverdueTasks                 int `json:"overdueTasks"`
}

type Report struct {
	Score  int      `json:"score"`
	Status string   `json:"status"`
	Issues []string `json:"issues"`
	Stats  Stats    `json:"stats"`
}

// Score aggregates fixed penalties over the snapshot. It starts from 100,
// subtracts per-item penalties, clamps to [0,100], and bands the result.
// Empty input yields 100/healthy with no issues.
func Score(now time.Time, snap Snapshot) Report {
	stats := Stats{
		Narratives:  len(snap.Narratives),
		Commitments: len(snap.Commitments),
		Tasks:       len(snap.Tasks),
		Pillars:     len(snap.Pillars),
	}

	narrativesByPillar := make(map[string]int)
	commitmentsByNarrative := make(map[string]int)
	commitmentIDs := make(map[string]struct{}, len(snap.Commitments))

	for _, n := range snap.Narratives {
		if n.PillarID != "" {
			narrativesByPillar[n.PillarID]++
		}
	}
	for _, c := range snap.Commitments {
		commitmentIDs[c.ID] = struct{}{}
		commitmentsByNarrative[c.NarrativeID]++
	}

	for _, p := range snap.Pillars {
		if p.Status == "active" && narrativesByPillar[p.ID] == 0 {
			stats.OrphanedPillars++
		}
	}

	for _, n := range snap.Narratives {
		if commitmentsByNarrative[n.ID] == 0 {
			stats.NarrativesWithoutCommitments++
		}
		if n.Status == "active" && now.Sub(n.UpdatedAt) >= staleNarrativeAge {
			stats.StaleNarratives++
		}
	}

	for _, c := range snap.Commitments {
		switch c.Status {
		case "at_risk":
			stats.AtRiskCommitments++
		case "archived":
			stats.ArchivedCommitments++
		}
	}

	for _, task := range snap.Tasks {
		if _, ok := commitmentIDs[task.CommitmentID]; !ok {
			stats.OrphanedTasks++
		}
		if task.Status != "done" && task.DueAt != nil && now.After(*task.DueAt) {
			stats.OverdueTasks++
		}
	}

	score := 100
	score -= stats.OrphanedPillars * penaltyOrphanPillar
	score -= stats.NarrativesWithoutCommitments * penaltyEmptyNarrative
	score -= stats.AtRiskCommitments * penaltyAtRiskCommitment
	score -= stats.ArchivedCommitments * penaltyArchivedCommitment
	score -= stats.OrphanedTasks * penaltyOrphanTask
	score -= stats.StaleNarratives * penaltyStaleNarrative
	score -= stats.OverdueTasks * penaltyOverdueTask

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	issues := make([]string, 0)
	if stats.OrphanedPillars > 0 {
		issues = append(issues, fmt.Sprintf("%d active %s no narratives", stats.OrphanedPillars, plural(stats.OrphanedPillars, "pillar has", "pillars have")))
	}
	if stats.NarrativesWithoutCommitments > 0 {
		issues = append(issues, fmt.Sprintf("%d %s without commitments", stats.NarrativesWithoutCommitments, plural(stats.NarrativesWithoutCommitments, "narrative", "narratives")))
	}
	if stats.AtRiskCommitments > 0 {
		issues = append(issues, fmt.Sprintf("%d %s at risk", stats.AtRiskCommitments, plural(stats.AtRiskCommitments, "commitment is", "commitments are")))
	}
	if stats.ArchivedCommitments > 0 {
		issues = append(issues, fmt.Sprintf("%d archived %s still attached to narratives", stats.ArchivedCommitments, plural(stats.ArchivedCommitments, "commitment", "commitments")))
	}
	if stats.OrphanedTasks > 0 {
		issues = append(issues, fmt.Sprintf("%d %s a missing commitment", stats.OrphanedTasks, plural(stats.OrphanedTasks, "task references", "tasks reference")))
	}
	if stats.StaleNarratives > 0 {
		issues = append(issues, fmt.Sprintf("%d active %s not been updated in over 30 days", stats.StaleNarratives, plural(stats.StaleNarratives, "narrative has", "narratives have")))
	}
	if stats.OverdueTasks > 0 {
		issues = append(issues, fmt.Sprintf("%d open %s past the due date", stats.OverdueTasks, plural(stats.OverdueTasks, "task is", "tasks are")))
	}

	return Report{
		Score:  score,
		Status: band(score),
		Issues: issues,
		Stats:  stats,
	}
}

func band(score int) string {
	switch {
	case score >= 80:
		return StatusHealthy
	case score >= 60:
		return StatusNeedsAttention
	default:
		return StatusAtRisk
	}
}

func plural(n int, singular, pluralForm string) string {
	if n == 1 {
		return singular
	}
	return pluralForm
}
