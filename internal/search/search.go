package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultNarrative  ResultType = "narrative"
	ResultCommitment ResultType = "commitment"
	ResultTask       ResultType = "task"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type        ResultType `json:"type"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet"`
	WorkspaceID string     `json:"workspaceId"`
	ParentID    string     `json:"parentId,omitempty"`
	Status      string     `json:"status,omitempty"`
}

// Query describes a search request. WorkspaceID is mandatory: results never
// cross the tenant boundary.
type Query struct {
	Text        string
	FilterType  ResultType // empty = all types
	WorkspaceID string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// NarrativeRecord is the data we index for a narrative.
type NarrativeRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	Status      string `json:"status"`
	WorkspaceID string `json:"workspaceId"`
	PillarID    string `json:"pillarId"`
}

// CommitmentRecord is the data we index for a commitment.
type CommitmentRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	WorkspaceID string `json:"workspaceId"`
	NarrativeID string `json:"narrativeId"`
}

// TaskRecord is the data we index for a task.
type TaskRecord struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	WorkspaceID  string `json:"workspaceId"`
	CommitmentID string `json:"commitmentId"`
}
