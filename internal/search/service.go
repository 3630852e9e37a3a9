package search

import (
	"context"

	"github.com/rs/zerolog"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	log   zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, log zerolog.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, log: log}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: sanitizeResults(nonNil(results), q.IsCitizen), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.log.Error().Err(err).Msg("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: sanitizeResults(nonNil(results), q.IsCitizen), Total: total, Query: q.Text}
}

// IndexProcedure indexes a procedure (fire-and-forget to Meilisearch).
func (s *Service) IndexProcedure(p ProcedureRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexProcedure(p); err != nil {
			s.log.Warn().Err(err).Str("procedure_id", p.ID).Msg("index procedure failed")
		}
	}()
}

// IndexResolution indexes a reviewer resolution (fire-and-forget to Meilisearch).
func (s *Service) IndexResolution(r ResolutionRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexResolution(r); err != nil {
			s.log.Warn().Err(err).Str("resolution_id", r.ID).Msg("index resolution failed")
		}
	}()
}

// DeleteProcedure removes a procedure from the search index (fire-and-forget).
func (s *Service) DeleteProcedure(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteProcedure(id); err != nil {
			s.log.Warn().Err(err).Str("procedure_id", id).Msg("delete procedure from index failed")
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into
// Meilisearch. Called at startup when Meilisearch is configured.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	procedures, resolutions, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reindex load failed")
		return
	}
	if len(procedures) > 0 {
		if err := s.meili.IndexProcedures(procedures); err != nil {
			s.log.Error().Err(err).Msg("reindex procedures failed")
		}
	}
	if len(resolutions) > 0 {
		if err := s.meili.IndexResolutions(resolutions); err != nil {
			s.log.Error().Err(err).Msg("reindex resolutions failed")
		}
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

// sanitizeResults strips reviewer-internal resolution hits for citizen
// callers: they see their procedure, not the inter-department notes.
func sanitizeResults(results []Result, isCitizen bool) []Result {
	if !isCitizen {
		return results
	}
	filtered := make([]Result, 0, len(results))
	for _, result := range results {
		if result.Type == ResultResolution {
			continue
		}
		filtered = append(filtered, result)
	}
	return filtered
}
