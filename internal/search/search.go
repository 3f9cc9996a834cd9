// Package search provides receipt search over Meilisearch with a
// PostgreSQL full-text fallback.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// SourceType identifies the kind of entity in a search hit.
type SourceType string

const (
	SourceReceipt  SourceType = "receipt"
	SourceLineItem SourceType = "line_item"
	SourceClaim    SourceType = "claim"
)

// Hit is a single search result returned to the caller.
type Hit struct {
	Type      SourceType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ReceiptID string     `json:"receiptId,omitempty"`
	Merchant  string     `json:"merchant,omitempty"`
	Date      string     `json:"date,omitempty"`
	Total     float64    `json:"total,omitempty"`
	Currency  string     `json:"currency,omitempty"`
	Category  string     `json:"category,omitempty"`
}

// Params describes a search request. The zero value means "everything".
type Params struct {
	Query      string     `json:"query"`
	Sources    []string   `json:"sources,omitempty"` // receipt, line_item, claim; empty = all
	Merchants  []string   `json:"merchants,omitempty"`
	Categories []string   `json:"categories,omitempty"`
	TeamID     string     `json:"teamId,omitempty"`
	Currency   string     `json:"currency,omitempty"`
	DateFrom   *time.Time `json:"dateFrom,omitempty"`
	DateTo     *time.Time `json:"dateTo,omitempty"`
	MinAmount  *float64   `json:"minAmount,omitempty"`
	MaxAmount  *float64   `json:"maxAmount,omitempty"`
	SortBy     string     `json:"sortBy,omitempty"` // relevance (default), date, amount
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}

// FilterCount reports how many filter dimensions are set. The background
// prioritizer treats requests with many filters as complex.
func (p Params) FilterCount() int {
	n := 0
	if len(p.Sources) > 0 {
		n++
	}
	if len(p.Merchants) > 0 {
		n++
	}
	if len(p.Categories) > 0 {
		n++
	}
	if p.TeamID != "" {
		n++
	}
	if p.Currency != "" {
		n++
	}
	if p.DateFrom != nil || p.DateTo != nil {
		n++
	}
	if p.MinAmount != nil || p.MaxAmount != nil {
		n++
	}
	return n
}

// CacheKey derives a stable key for a user's search so identical requests
// share one cache entry. Params is marshalled canonically (struct field
// order), so equal values always produce equal keys.
func (p Params) CacheKey(userID string) string {
	raw, _ := json.Marshal(p)
	sum := sha256.Sum256(append([]byte(userID+"|"), raw...))
	return hex.EncodeToString(sum[:])
}

// Response is the envelope returned for a search.
type Response struct {
	Hits  []Hit  `json:"hits"`
	Total int    `json:"total"`
	Query string `json:"query"`
}

// Searcher can execute a receipt search for one user. Implementations
// must honor ctx cancellation so a timed-out search releases its
// connection instead of running to completion.
type Searcher interface {
	Search(ctx context.Context, p Params, userID string) ([]Hit, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexReceipt(r ReceiptRecord) error
	IndexLineItem(li LineItemRecord) error
	IndexClaim(c ClaimRecord) error
	DeleteReceipt(id string) error
	DeleteClaim(id string) error
}

// ReceiptRecord is the data we index for a receipt.
type ReceiptRecord struct {
	ID       string  `json:"id"`
	UserID   string  `json:"userId"`
	TeamID   string  `json:"teamId"`
	Merchant string  `json:"merchant"`
	FullText string  `json:"fullText"`
	Date     string  `json:"date"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency"`
	Category string  `json:"category"`
	Status   string  `json:"status"`
}

// LineItemRecord is the data we index for a receipt line item.
type LineItemRecord struct {
	ID          string  `json:"id"`
	ReceiptID   string  `json:"receiptId"`
	UserID      string  `json:"userId"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	Merchant    string  `json:"merchant"`
	Date        string  `json:"date"`
}

// ClaimRecord is the data we index for an expense claim.
type ClaimRecord struct {
	ID          string  `json:"id"`
	UserID      string  `json:"userId"`
	TeamID      string  `json:"teamId"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Status      string  `json:"status"`
}
