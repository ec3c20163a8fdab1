package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxNarratives  = "nct_narratives"
	idxCommitments = "nct_commitments"
	idxTasks       = "nct_tasks"
)

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable Meilisearch is tolerated: the health loop keeps probing and
// reconfigures the indexes once it comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxNarratives,
			filterable: []string{"workspaceId", "status", "pillarId"},
			searchable: []string{"title", "body"},
		},
		{
			uid:        idxCommitments,
			filterable: []string{"workspaceId", "status", "narrativeId"},
			searchable: []string{"title"},
		},
		{
			uid:        idxTasks,
			filterable: []string{"workspaceId", "status", "commitmentId"},
			searchable: []string{"title"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries all three indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if q.WorkspaceID == "" {
		return nil, 0, fmt.Errorf("search requires a workspace")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxNarratives, ResultNarrative},
		{idxCommitments, ResultCommitment},
		{idxTasks, ResultTask},
	}

	var queries []*meili.SearchRequest
	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              ti.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			Filter:                []string{fmt.Sprintf("workspaceId = %q", q.WorkspaceID)},
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		})
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxNarratives:
		return ResultNarrative
	case idxCommitments:
		return ResultCommitment
	case idxTasks:
		return ResultTask
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.WorkspaceID = decodeString(hit, "workspaceId")
	r.Status = decodeString(hit, "status")
	r.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))

	switch rtyp {
	case ResultNarrative:
		r.ParentID = decodeString(hit, "pillarId")
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body"))
	case ResultCommitment:
		r.ParentID = decodeString(hit, "narrativeId")
	case ResultTask:
		r.ParentID = decodeString(hit, "commitmentId")
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexNarrative adds or updates a narrative in the search index.
func (m *Meili) IndexNarrative(rec NarrativeRecord) error {
	_, err := m.client.Index(idxNarratives).AddDocuments([]NarrativeRecord{rec}, nil)
	return err
}

// IndexCommitment adds or updates a commitment in the search index.
func (m *Meili) IndexCommitment(rec CommitmentRecord) error {
	_, err := m.client.Index(idxCommitments).AddDocuments([]CommitmentRecord{rec}, nil)
	return err
}

// IndexTask adds or updates a task in the search index.
func (m *Meili) IndexTask(rec TaskRecord) error {
	_, err := m.client.Index(idxTasks).AddDocuments([]TaskRecord{rec}, nil)
	return err
}

// DeleteNarrative removes a narrative from the search index.
func (m *Meili) DeleteNarrative(id string) error {
	_, err := m.client.Index(idxNarratives).DeleteDocument(id, nil)
	return err
}

// DeleteCommitment removes a commitment from the search index.
func (m *Meili) DeleteCommitment(id string) error {
	_, err := m.client.Index(idxCommitments).DeleteDocument(id, nil)
	return err
}

// DeleteTask removes a task from the search index.
func (m *Meili) DeleteTask(id string) error {
	_, err := m.client.Index(idxTasks).DeleteDocument(id, nil)
	return err
}

// IndexNarratives bulk-indexes narratives.
func (m *Meili) IndexNarratives(records []NarrativeRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxNarratives).AddDocuments(records, nil)
	return err
}

// IndexCommitments bulk-indexes commitments.
func (m *Meili) IndexCommitments(records []CommitmentRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxCommitments).AddDocuments(records, nil)
	return err
}

// IndexTasks bulk-indexes tasks.
func (m *Meili) IndexTasks(records []TaskRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxTasks).AddDocuments(records, nil)
	return err
}
