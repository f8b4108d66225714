package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultThread  ResultType = "thread"
	ResultCatalog ResultType = "catalog"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
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

// Indexer can push entities into a search index.
type Indexer interface {
	IndexThread(t ThreadRecord) error
	IndexCatalogEntry(c CatalogRecord) error
	DeleteThread(id string) error
}

// ThreadRecord is the data we index for a forum thread.
type ThreadRecord struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	IsArchived bool   `json:"isArchived"`
}

// CatalogRecord is the data we index for a skill-point catalog entry.
type CatalogRecord struct {
	ID          string `json:"id"`
	Category    string `json:"category"`
	Action      string `json:"action"`
	Description string `json:"description"`
}
