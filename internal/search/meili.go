package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const (
	idxProcedures  = "permitdesk_procedures"
	idxResolutions = "permitdesk_resolutions"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     zerolog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. The
// instance starts unhealthy if the initial connection fails; the health
// loop picks it up later.
func NewMeili(url, apiKey string, log zerolog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		log:    log,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
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
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxProcedures,
			primaryKey: "id",
			filterable: []string{"municipalityId", "status", "procedureType"},
			searchable: []string{"folio", "applicantName", "procedureType"},
		},
		{
			uid:        idxResolutions,
			primaryKey: "id",
			filterable: []string{"municipalityId", "procedureId", "role"},
			searchable: []string{"text", "folio"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			m.log.Debug().Err(err).Str("index", idx.uid).Msg("create index (may already exist)")
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			m.log.Warn().Err(err).Str("index", idx.uid).Msg("update filterable attrs failed")
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.log.Warn().Err(err).Str("index", idx.uid).Msg("update searchable attrs failed")
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
				m.log.Info().Msg("meilisearch recovered, reconfiguring indexes")
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

// Search queries both indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxProcedures, ResultProcedure},
		{idxResolutions, ResultResolution},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		if q.IsCitizen && ti.rtyp == ResultResolution {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}

		var filters []string
		if q.FilterMunicipalityID != "" {
			filters = append(filters, fmt.Sprintf("municipalityId = %q", q.FilterMunicipalityID))
		}
		if len(filters) > 0 {
			sr.Filter = filters
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
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
	case idxProcedures:
		return ResultProcedure
	case idxResolutions:
		return ResultResolution
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.Folio = decodeString(hit, "folio")
	r.MunicipalityID = decodeString(hit, "municipalityId")
	r.Status = decodeString(hit, "status")

	switch rtyp {
	case ResultProcedure:
		r.Title = firstNonBlank(decodeFormattedString(hit, "folio"), decodeString(hit, "folio"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "applicantName"), decodeString(hit, "applicantName"))
	case ResultResolution:
		r.Title = firstNonBlank(decodeFormattedString(hit, "folio"), decodeString(hit, "folio"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "text"), decodeString(hit, "text"))
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

// IndexProcedure adds or updates a procedure in the search index.
func (m *Meili) IndexProcedure(p ProcedureRecord) error {
	_, err := m.client.Index(idxProcedures).AddDocuments([]ProcedureRecord{p}, nil)
	return err
}

// IndexResolution adds or updates a resolution in the search index.
func (m *Meili) IndexResolution(r ResolutionRecord) error {
	_, err := m.client.Index(idxResolutions).AddDocuments([]ResolutionRecord{r}, nil)
	return err
}

// DeleteProcedure removes a procedure from the search index.
func (m *Meili) DeleteProcedure(id string) error {
	_, err := m.client.Index(idxProcedures).DeleteDocument(id, nil)
	return err
}

// IndexProcedures bulk-indexes procedures.
func (m *Meili) IndexProcedures(procedures []ProcedureRecord) error {
	if len(procedures) == 0 {
		return nil
	}
	_, err := m.client.Index(idxProcedures).AddDocuments(procedures, nil)
	return err
}

// IndexResolutions bulk-indexes resolutions.
func (m *Meili) IndexResolutions(resolutions []ResolutionRecord) error {
	if len(resolutions) == 0 {
		return nil
	}
	_, err := m.client.Index(idxResolutions).AddDocuments(resolutions, nil)
	return err
}
