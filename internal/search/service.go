package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG
// FTS. It is the live execution path behind the background orchestrator.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// ExecuteSearch runs one search to completion. Unlike a best-effort UI
// search this returns an error when both engines fail, so the orchestrator
// can apply its retry policy.
func (s *Service) ExecuteSearch(ctx context.Context, p Params, userID string) (*Response, error) {
	var primary Searcher
	if s.meili != nil {
		primary = s.meili
	}
	return executeSearch(ctx, primary, s.pgfts, p, userID)
}

func executeSearch(ctx context.Context, primary, fallback Searcher, p Params, userID string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if primary != nil && primary.Healthy() {
		hits, total, err := primary.Search(ctx, p, userID)
		if err == nil {
			return &Response{Hits: nonNil(hits), Total: total, Query: p.Query}, nil
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	hits, total, err := fallback.Search(ctx, p, userID)
	if err != nil {
		return nil, err
	}
	return &Response{Hits: nonNil(hits), Total: total, Query: p.Query}, nil
}

// IndexReceipt indexes a receipt (fire-and-forget to Meilisearch).
func (s *Service) IndexReceipt(r ReceiptRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexReceipt(r); err != nil {
			log.Printf("search: index receipt %s: %v", r.ID, err)
		}
	}()
}

// IndexLineItems indexes a receipt's line items (fire-and-forget).
func (s *Service) IndexLineItems(items []LineItemRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(items) == 0 {
		return
	}
	go func() {
		if err := s.meili.IndexLineItems(items); err != nil {
			log.Printf("search: index line items: %v", err)
		}
	}()
}

// IndexClaim indexes an expense claim (fire-and-forget).
func (s *Service) IndexClaim(c ClaimRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexClaim(c); err != nil {
			log.Printf("search: index claim %s: %v", c.ID, err)
		}
	}()
}

// DeleteReceipt removes a receipt from the search index (fire-and-forget).
func (s *Service) DeleteReceipt(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteReceipt(id); err != nil {
			log.Printf("search: delete receipt %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into
// Meilisearch. Called during bootstrap if Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	receipts, items, claims, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexReceipts(receipts); err != nil {
		log.Printf("search: reindex receipts: %v", err)
	}
	if err := s.meili.IndexLineItems(items); err != nil {
		log.Printf("search: reindex line items: %v", err)
	}
	if err := s.meili.IndexClaims(claims); err != nil {
		log.Printf("search: reindex claims: %v", err)
	}
}

func nonNil(hits []Hit) []Hit {
	if hits == nil {
		return []Hit{}
	}
	return hits
}
