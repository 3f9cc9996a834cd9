package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxReceipts  = "mataresit_receipts"
	idxLineItems = "mataresit_line_items"
	idxClaims    = "mataresit_claims"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes.
// The client starts unhealthy if the initial connection fails; the health
// loop keeps probing and reconfigures indexes on recovery.
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
		primaryKey string
		filterable []string
		searchable []string
		sortable   []string
	}{
		{
			uid:        idxReceipts,
			primaryKey: "id",
			filterable: []string{"userId", "teamId", "merchant", "category", "currency", "status", "date", "total"},
			searchable: []string{"merchant", "fullText"},
			sortable:   []string{"date", "total"},
		},
		{
			uid:        idxLineItems,
			primaryKey: "id",
			filterable: []string{"userId", "receiptId", "merchant", "date", "amount"},
			searchable: []string{"description", "merchant"},
			sortable:   []string{"date", "amount"},
		},
		{
			uid:        idxClaims,
			primaryKey: "id",
			filterable: []string{"userId", "teamId", "currency", "status", "amount"},
			searchable: []string{"title", "description"},
			sortable:   []string{"amount"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSortableAttributes(&idx.sortable); err != nil {
			log.Printf("search: update sortable attrs for %s: %v", idx.uid, err)
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

// Search queries all three indexes (or the requested subset) scoped to one
// user and merges results. The multi-search call is cancelled with ctx.
func (m *Meili) Search(ctx context.Context, p Params, userID string) ([]Hit, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(p.Limit)
	if limit == 0 {
		limit = 20
	}

	targetIndexes := []struct {
		uid  string
		styp SourceType
	}{
		{idxReceipts, SourceReceipt},
		{idxLineItems, SourceLineItem},
		{idxClaims, SourceClaim},
	}

	var queries []*meili.SearchRequest
	for _, ti := range targetIndexes {
		if !sourceWanted(p.Sources, ti.styp) {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			Offset:                int64(p.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
			Filter:                buildFilters(p, userID, ti.styp),
		}
		switch p.SortBy {
		case "date":
			if ti.styp != SourceClaim {
				sr.Sort = []string{"date:desc"}
			}
		case "amount":
			if ti.styp == SourceClaim {
				sr.Sort = []string{"amount:desc"}
			} else if ti.styp == SourceLineItem {
				sr.Sort = []string{"amount:desc"}
			} else {
				sr.Sort = []string{"total:desc"}
			}
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearchWithContext(ctx, &meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var hits []Hit
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		styp := indexToSourceType(sr.IndexUID)
		for _, hit := range sr.Hits {
			hits = append(hits, hitToResult(hit, styp))
		}
	}

	return hits, total, nil
}

func sourceWanted(sources []string, styp SourceType) bool {
	if len(sources) == 0 {
		return true
	}
	for _, s := range sources {
		if SourceType(s) == styp {
			return true
		}
	}
	return false
}

func buildFilters(p Params, userID string, styp SourceType) []string {
	filters := []string{fmt.Sprintf("userId = %q", userID)}

	if p.TeamID != "" && styp != SourceLineItem {
		filters = append(filters, fmt.Sprintf("teamId = %q", p.TeamID))
	}
	if len(p.Merchants) > 0 && styp != SourceClaim {
		quoted := make([]string, len(p.Merchants))
		for i, merchant := range p.Merchants {
			quoted[i] = fmt.Sprintf("merchant = %q", merchant)
		}
		filters = append(filters, "("+strings.Join(quoted, " OR ")+")")
	}
	if len(p.Categories) > 0 && styp == SourceReceipt {
		quoted := make([]string, len(p.Categories))
		for i, category := range p.Categories {
			quoted[i] = fmt.Sprintf("category = %q", category)
		}
		filters = append(filters, "("+strings.Join(quoted, " OR ")+")")
	}
	if p.Currency != "" && styp != SourceLineItem {
		filters = append(filters, fmt.Sprintf("currency = %q", p.Currency))
	}
	if p.DateFrom != nil && styp != SourceClaim {
		filters = append(filters, fmt.Sprintf("date >= %q", p.DateFrom.Format("2006-01-02")))
	}
	if p.DateTo != nil && styp != SourceClaim {
		filters = append(filters, fmt.Sprintf("date <= %q", p.DateTo.Format("2006-01-02")))
	}

	amountField := "total"
	if styp == SourceLineItem || styp == SourceClaim {
		amountField = "amount"
	}
	if p.MinAmount != nil {
		filters = append(filters, fmt.Sprintf("%s >= %v", amountField, *p.MinAmount))
	}
	if p.MaxAmount != nil {
		filters = append(filters, fmt.Sprintf("%s <= %v", amountField, *p.MaxAmount))
	}

	return filters
}

func indexToSourceType(uid string) SourceType {
	switch uid {
	case idxReceipts:
		return SourceReceipt
	case idxLineItems:
		return SourceLineItem
	case idxClaims:
		return SourceClaim
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, styp SourceType) Hit {
	h := Hit{Type: styp}
	h.ID = decodeString(hit, "id")
	h.Date = decodeString(hit, "date")
	h.Currency = decodeString(hit, "currency")
	h.Merchant = decodeString(hit, "merchant")
	h.Category = decodeString(hit, "category")

	switch styp {
	case SourceReceipt:
		h.ReceiptID = h.ID
		h.Title = firstNonBlank(decodeFormattedString(hit, "merchant"), decodeString(hit, "merchant"))
		h.Snippet = firstNonBlank(decodeFormattedString(hit, "fullText"), decodeString(hit, "fullText"))
		h.Total = decodeFloat(hit, "total")
	case SourceLineItem:
		h.ReceiptID = decodeString(hit, "receiptId")
		h.Title = firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description"))
		h.Snippet = decodeString(hit, "merchant")
		h.Total = decodeFloat(hit, "amount")
	case SourceClaim:
		h.Title = firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title"))
		h.Snippet = firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description"))
		h.Total = decodeFloat(hit, "amount")
	}
	return h
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

func decodeFloat(hit meili.Hit, key string) float64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	return 0
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

// IndexReceipt adds or updates a receipt in the search index.
func (m *Meili) IndexReceipt(r ReceiptRecord) error {
	_, err := m.client.Index(idxReceipts).AddDocuments([]ReceiptRecord{r}, nil)
	return err
}

// IndexLineItem adds or updates a line item in the search index.
func (m *Meili) IndexLineItem(li LineItemRecord) error {
	_, err := m.client.Index(idxLineItems).AddDocuments([]LineItemRecord{li}, nil)
	return err
}

// IndexClaim adds or updates a claim in the search index.
func (m *Meili) IndexClaim(c ClaimRecord) error {
	_, err := m.client.Index(idxClaims).AddDocuments([]ClaimRecord{c}, nil)
	return err
}

// DeleteReceipt removes a receipt from the search index.
func (m *Meili) DeleteReceipt(id string) error {
	_, err := m.client.Index(idxReceipts).DeleteDocument(id, nil)
	return err
}

// DeleteClaim removes a claim from the search index.
func (m *Meili) DeleteClaim(id string) error {
	_, err := m.client.Index(idxClaims).DeleteDocument(id, nil)
	return err
}

// IndexReceipts bulk-indexes receipts.
func (m *Meili) IndexReceipts(receipts []ReceiptRecord) error {
	if len(receipts) == 0 {
		return nil
	}
	_, err := m.client.Index(idxReceipts).AddDocuments(receipts, nil)
	return err
}

// IndexLineItems bulk-indexes line items.
func (m *Meili) IndexLineItems(items []LineItemRecord) error {
	if len(items) == 0 {
		return nil
	}
	_, err := m.client.Index(idxLineItems).AddDocuments(items, nil)
	return err
}

// IndexClaims bulk-indexes claims.
func (m *Meili) IndexClaims(claims []ClaimRecord) error {
	if len(claims) == 0 {
		return nil
	}
	_, err := m.client.Index(idxClaims).AddDocuments(claims, nil)
	return err
}
