package search

import (
	"github.com/rs/zerolog"

	"murmur/api/internal/thread"
)

// Service is the facade that tries Meilisearch first and falls back to
// Postgres full-text search.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	log   zerolog.Logger
}

// NewService creates a search service. meili may be nil when Meilisearch
// is not configured.
func NewService(meili *Meili, pgfts *PgFTS, log zerolog.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, log: log}
}

// Search tries Meilisearch when healthy, otherwise Postgres FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: withPermalinks(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.log.Error().Err(err).Msg("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: withPermalinks(results), Total: total, Query: q.Text}
}

// IndexComment pushes a comment into Meilisearch, fire-and-forget.
// Postgres needs no indexing step.
func (s *Service) IndexComment(rec CommentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexComment(rec); err != nil {
			s.log.Warn().Err(err).Str("comment", rec.ID).Msg("index comment failed")
		}
	}()
}

// DeleteComment removes a comment from Meilisearch, fire-and-forget.
func (s *Service) DeleteComment(threadName, id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteComment(threadName, id); err != nil {
			s.log.Warn().Err(err).Str("comment", id).Msg("unindex comment failed")
		}
	}()
}

func withPermalinks(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	for i := range results {
		if results[i].Permalink == "" {
			results[i].Permalink = thread.Permalink(results[i].ID)
		}
	}
	return results
}
