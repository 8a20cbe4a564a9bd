package search

// Result is a single search hit returned to the caller.
type Result struct {
	Thread    string `json:"thread"`
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Snippet   string `json:"snippet"`
	Permalink string `json:"permalink"`
}

// Query describes a search over one thread's comments.
type Query struct {
	Thread         string
	Text           string
	Limit          int
	Offset         int
	IncludePending bool
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

// Indexer can push comments into a search index.
type Indexer interface {
	IndexComment(rec CommentRecord) error
	DeleteComment(thread, id string) error
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	Key    string `json:"key"` // thread and id joined, index primary key
	Thread string `json:"thread"`
	ID     string `json:"id"`
	Body   string `json:"body"`
	Name   string `json:"name"`
	Status string `json:"status"`
}
