package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultProcedure  ResultType = "procedure"
	ResultResolution ResultType = "resolution"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type           ResultType `json:"type"`
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Snippet        string     `json:"snippet"`
	Folio          string     `json:"folio"`
	MunicipalityID string     `json:"municipalityId"`
	Status         string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text                 string
	FilterType           ResultType // empty = all types
	FilterMunicipalityID string
	Limit                int
	Offset               int
	// IsCitizen hides reviewer-internal resolution text from results.
	IsCitizen bool
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
	IndexProcedure(p ProcedureRecord) error
	IndexResolution(r ResolutionRecord) error
	DeleteProcedure(id string) error
}

// ProcedureRecord is the data we index for a procedure.
type ProcedureRecord struct {
	ID             string `json:"id"`
	Folio          string `json:"folio"`
	ApplicantName  string `json:"applicantName"`
	ProcedureType  string `json:"procedureType"`
	MunicipalityID string `json:"municipalityId"`
	Status         string `json:"status"`
}

// ResolutionRecord is the data we index for a reviewer resolution.
type ResolutionRecord struct {
	ID             string `json:"id"`
	Folio          string `json:"folio"`
	Text           string `json:"text"`
	ProcedureID    string `json:"procedureId"`
	MunicipalityID string `json:"municipalityId"`
	Role           int    `json:"role"`
}
