package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across narratives, commitments, and tasks
// using plainto_tsquery and ts_rank, with ts_headline for snippets. Every
// sub-query carries the workspace filter.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.WorkspaceID == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const tsQuery = "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.WorkspaceID}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultNarrative {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'narrative'::text AS type, n.id, n.title,
				ts_headline('english', coalesce(n.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				n.workspace_id, coalesce(n.pillar_id, '') AS parent_id, n.status,
				ts_rank(n.fts, %s) AS rank
			FROM narratives n
			WHERE n.fts @@ %s AND n.workspace_id = $2`, tsQuery, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultCommitment {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'commitment'::text AS type, c.id, c.title,
				''::text AS snippet,
				c.workspace_id, c.narrative_id AS parent_id, c.status,
				ts_rank(c.fts, %s) AS rank
			FROM commitments c
			WHERE c.fts @@ %s AND c.workspace_id = $2`, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultTask {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'task'::text AS type, t.id, t.title,
				''::text AS snippet,
				t.workspace_id, t.commitment_id AS parent_id, t.status,
				ts_rank(t.fts, %s) AS rank
			FROM tasks t
			WHERE t.fts @@ %s AND t.workspace_id = $2`, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, workspace_id, parent_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.WorkspaceID, &r.ParentID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]NarrativeRecord, []CommitmentRecord, []TaskRecord, error) {
	narrativeRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, body, status, workspace_id, coalesce(pillar_id, '')
		FROM narratives
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load narratives: %w", err)
	}
	defer narrativeRows.Close()

	narratives := make([]NarrativeRecord, 0)
	for narrativeRows.Next() {
		var n NarrativeRecord
		if err := narrativeRows.Scan(&n.ID, &n.Title, &n.Body, &n.Status, &n.WorkspaceID, &n.PillarID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan narrative: %w", err)
		}
		narratives = append(narratives, n)
	}
	if err := narrativeRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate narratives: %w", err)
	}

	commitmentRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, status, workspace_id, narrative_id
		FROM commitments
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load commitments: %w", err)
	}
	defer commitmentRows.Close()

	commitments := make([]CommitmentRecord, 0)
	for commitmentRows.Next() {
		var c CommitmentRecord
		if err := commitmentRows.Scan(&c.ID, &c.Title, &c.Status, &c.WorkspaceID, &c.NarrativeID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan commitment: %w", err)
		}
		commitments = append(commitments, c)
	}
	if err := commitmentRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate commitments: %w", err)
	}

	taskRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, status, workspace_id, commitment_id
		FROM tasks
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load tasks: %w", err)
	}
	defer taskRows.Close()

	tasks := make([]TaskRecord, 0)
	for taskRows.Next() {
		var t TaskRecord
		if err := taskRows.Scan(&t.ID, &t.Title, &t.Status, &t.WorkspaceID, &t.CommitmentID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := taskRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate tasks: %w", err)
	}

	return narratives, commitments, tasks, nil
}
