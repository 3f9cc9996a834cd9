package app

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/noa10/mataresit-app-sub010/internal/background"
	"github.com/noa10/mataresit-app-sub010/internal/export"
	"github.com/noa10/mataresit-app-sub010/internal/search"
	"github.com/noa10/mataresit-app-sub010/internal/searchcache"
	"github.com/noa10/mataresit-app-sub010/internal/store"
	"github.com/noa10/mataresit-app-sub010/internal/util"
)

type dataStore interface {
	Ping(context.Context) error
	InsertReceipt(context.Context, store.Receipt) error
	GetReceipt(ctx context.Context, userID, id string) (store.Receipt, error)
	ListReceipts(ctx context.Context, userID string, f store.ReceiptFilter) ([]store.Receipt, error)
	UpdateReceiptStatus(ctx context.Context, userID, id, status string) error
	DeleteReceipt(ctx context.Context, userID, id string) error
	InsertLineItems(context.Context, []store.LineItem) error
	ListLineItems(ctx context.Context, receiptID string) ([]store.LineItem, error)
	InsertClaim(context.Context, store.Claim) error
	ListClaims(ctx context.Context, userID string, limit, offset int) ([]store.Claim, error)
	SummaryCounts(ctx context.Context, userID string) (receipts int, claims int, spend float64, err error)
}

type imageStore interface {
	Put(ctx context.Context, userID string, r io.Reader, size int64, contentType string) (string, error)
	PresignedURL(ctx context.Context, key string) (string, error)
	Remove(ctx context.Context, key string) error
}

type searchIndex interface {
	IndexReceipt(r search.ReceiptRecord)
	IndexLineItems(items []search.LineItemRecord)
	IndexClaim(c search.ClaimRecord)
	DeleteReceipt(id string)
}

type resultCache interface {
	Invalidate(ctx context.Context, userID string) error
	Stats() searchcache.Stats
}

type reportExporter interface {
	ExpenseReport(ctx context.Context, req export.Request) (*export.Result, error)
}

// Service is the application layer behind the HTTP handlers. images, index,
// cache and exporter may be nil when the corresponding backend is not
// configured; the affected features degrade instead of failing startup.
type Service struct {
	store    dataStore
	images   imageStore
	index    searchIndex
	cache    resultCache
	exporter reportExporter
	orch     *background.Orchestrator
}

func NewService(st dataStore, images imageStore, index searchIndex, cache resultCache, exporter reportExporter, orch *background.Orchestrator) *Service {
	return &Service{
		store:    st,
		images:   images,
		index:    index,
		cache:    cache,
		exporter: exporter,
		orch:     orch,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

var allowedReceiptStatuses = map[string]struct{}{
	"unreviewed": {},
	"reviewed":   {},
	"archived":   {},
}

type LineItemInput struct {
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

type CreateReceiptInput struct {
	Merchant      string          `json:"merchant"`
	Date          string          `json:"date"` // 2006-01-02
	Total         float64         `json:"total"`
	Tax           float64         `json:"tax"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"paymentMethod"`
	Category      string          `json:"category"`
	TeamID        string          `json:"teamId"`
	FullText      string          `json:"fullText"`
	LineItems     []LineItemInput `json:"lineItems"`
}

type LineItemPayload struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

type ReceiptPayload struct {
	ID            string            `json:"id"`
	Merchant      string            `json:"merchant"`
	Date          string            `json:"date"`
	Total         float64           `json:"total"`
	Tax           float64           `json:"tax,omitempty"`
	Currency      string            `json:"currency"`
	PaymentMethod string            `json:"paymentMethod,omitempty"`
	Category      string            `json:"category,omitempty"`
	Status        string            `json:"status"`
	TeamID        string            `json:"teamId,omitempty"`
	ImageURL      string            `json:"imageUrl,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	Items         []LineItemPayload `json:"items,omitempty"`
}

// CreateReceipt stores a receipt plus its line items and optional image,
// then refreshes the search index and drops the user's cached searches.
func (s *Service) CreateReceipt(ctx context.Context, userID string, in CreateReceiptInput, image io.Reader, imageSize int64, imageType string) (ReceiptPayload, error) {
	if strings.TrimSpace(in.Merchant) == "" {
		return ReceiptPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "merchant is required", nil)
	}
	date, err := time.Parse("2006-01-02", in.Date)
	if err != nil {
		return ReceiptPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "date must be YYYY-MM-DD", nil)
	}
	if in.Currency == "" {
		in.Currency = "MYR"
	}

	imageKey := ""
	if image != nil && s.images != nil {
		imageKey, err = s.images.Put(ctx, userID, image, imageSize, imageType)
		if err != nil {
			return ReceiptPayload{}, err
		}
	}

	now := time.Now().UTC()
	r := store.Receipt{
		ID:            util.NewID("rcpt"),
		UserID:        userID,
		Merchant:      in.Merchant,
		Date:          date,
		Total:         in.Total,
		Tax:           in.Tax,
		Currency:      in.Currency,
		PaymentMethod: in.PaymentMethod,
		Category:      in.Category,
		Status:        "unreviewed",
		ImageKey:      imageKey,
		FullText:      in.FullText,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.TeamID != "" {
		r.TeamID = &in.TeamID
	}
	if err := s.store.InsertReceipt(ctx, r); err != nil {
		return ReceiptPayload{}, err
	}

	items := make([]store.LineItem, 0, len(in.LineItems))
	for _, li := range in.LineItems {
		items = append(items, store.LineItem{
			ID:          util.NewID("item"),
			ReceiptID:   r.ID,
			Description: li.Description,
			Amount:      li.Amount,
			CreatedAt:   now,
		})
	}
	if len(items) > 0 {
		if err := s.store.InsertLineItems(ctx, items); err != nil {
			return ReceiptPayload{}, err
		}
	}

	s.indexReceipt(r, items)
	s.invalidateCache(ctx, userID)

	return s.receiptPayload(ctx, r, items), nil
}

func (s *Service) GetReceipt(ctx context.Context, userID, id string) (ReceiptPayload, error) {
	r, err := s.store.GetReceipt(ctx, userID, id)
	if err != nil {
		return ReceiptPayload{}, err
	}
	items, err := s.store.ListLineItems(ctx, r.ID)
	if err != nil {
		return ReceiptPayload{}, err
	}
	return s.receiptPayload(ctx, r, items), nil
}

func (s *Service) ListReceipts(ctx context.Context, userID string, f store.ReceiptFilter) ([]ReceiptPayload, error) {
	receipts, err := s.store.ListReceipts(ctx, userID, f)
	if err != nil {
		return nil, err
	}
	payloads := make([]ReceiptPayload, 0, len(receipts))
	for _, r := range receipts {
		payloads = append(payloads, s.receiptPayload(ctx, r, nil))
	}
	return payloads, nil
}

func (s *Service) UpdateReceiptStatus(ctx context.Context, userID, id, status string) (ReceiptPayload, error) {
	if _, ok := allowedReceiptStatuses[status]; !ok {
		return ReceiptPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown status", nil)
	}
	if err := s.store.UpdateReceiptStatus(ctx, userID, id, status); err != nil {
		return ReceiptPayload{}, err
	}
	r, err := s.store.GetReceipt(ctx, userID, id)
	if err != nil {
		return ReceiptPayload{}, err
	}
	s.indexReceipt(r, nil)
	s.invalidateCache(ctx, userID)
	return s.receiptPayload(ctx, r, nil), nil
}

func (s *Service) DeleteReceipt(ctx context.Context, userID, id string) error {
	r, err := s.store.GetReceipt(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteReceipt(ctx, userID, id); err != nil {
		return err
	}
	if r.ImageKey != "" && s.images != nil {
		if err := s.images.Remove(ctx, r.ImageKey); err != nil {
			log.Printf("app: remove image for %s: %v", id, err)
		}
	}
	if s.index != nil {
		s.index.DeleteReceipt(id)
	}
	s.invalidateCache(ctx, userID)
	return nil
}

type CreateClaimInput struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	TeamID      string  `json:"teamId"`
}

type ClaimPayload struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	TeamID      string    `json:"teamId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Service) CreateClaim(ctx context.Context, userID string, in CreateClaimInput) (ClaimPayload, error) {
	if strings.TrimSpace(in.Title) == "" {
		return ClaimPayload{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if in.Currency == "" {
		in.Currency = "MYR"
	}
	now := time.Now().UTC()
	c := store.Claim{
		ID:          util.NewID("clm"),
		TeamID:      in.TeamID,
		UserID:      userID,
		Title:       in.Title,
		Description: in.Description,
		Amount:      in.Amount,
		Currency:    in.Currency,
		Status:      "pending",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertClaim(ctx, c); err != nil {
		return ClaimPayload{}, err
	}
	if s.index != nil {
		s.index.IndexClaim(search.ClaimRecord{
			ID:          c.ID,
			UserID:      c.UserID,
			TeamID:      c.TeamID,
			Title:       c.Title,
			Description: c.Description,
			Amount:      c.Amount,
			Currency:    c.Currency,
			Status:      c.Status,
		})
	}
	s.invalidateCache(ctx, userID)
	return claimPayload(c), nil
}

func (s *Service) ListClaims(ctx context.Context, userID string, limit, offset int) ([]ClaimPayload, error) {
	claims, err := s.store.ListClaims(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	payloads := make([]ClaimPayload, 0, len(claims))
	for _, c := range claims {
		payloads = append(payloads, claimPayload(c))
	}
	return payloads, nil
}

type SummaryPayload struct {
	Receipts   int     `json:"receipts"`
	Claims     int     `json:"claims"`
	TotalSpend float64 `json:"totalSpend"`
}

func (s *Service) Summary(ctx context.Context, userID string) (SummaryPayload, error) {
	receipts, claims, spend, err := s.store.SummaryCounts(ctx, userID)
	if err != nil {
		return SummaryPayload{}, err
	}
	return SummaryPayload{Receipts: receipts, Claims: claims, TotalSpend: spend}, nil
}

// StartSearch hands the query to the background orchestrator.
func (s *Service) StartSearch(conversationID, query string, params search.Params, userID string, priority string) (string, error) {
	opts := background.StartOptions{}
	if priority != "" {
		p, ok := background.ParsePriority(priority)
		if !ok {
			return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown priority", nil)
		}
		opts.Priority = &p
	}
	return s.orch.StartSearch(conversationID, query, params, userID, opts)
}

func (s *Service) SearchStatus(conversationID string) background.StatusInfo {
	return s.orch.SearchStatus(conversationID)
}

func (s *Service) SearchResults(ctx context.Context, conversationID string) (*search.Response, error) {
	return s.orch.SearchResults(ctx, conversationID)
}

func (s *Service) CancelSearch(conversationID string) {
	s.orch.CancelSearch(conversationID)
}

func (s *Service) SearchMetrics() background.Metrics {
	return s.orch.Metrics()
}

func (s *Service) QueueStatus() background.QueueInfo {
	return s.orch.QueueStatus()
}

func (s *Service) SearchConfig() background.Config {
	return s.orch.Config()
}

func (s *Service) UpdateSearchConfig(u background.ConfigUpdate) background.Config {
	s.orch.UpdateConfig(u)
	return s.orch.Config()
}

func (s *Service) CacheStats() searchcache.Stats {
	if s.cache == nil {
		return searchcache.Stats{}
	}
	return s.cache.Stats()
}

// ExpenseReport renders the user's receipts as a PDF.
func (s *Service) ExpenseReport(ctx context.Context, userID string, from, to *time.Time, category string) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Report export not configured", nil)
	}
	result, err := s.exporter.ExpenseReport(ctx, export.Request{
		UserID:   userID,
		From:     from,
		To:       to,
		Category: category,
	})
	if errors.Is(err, export.ErrNoReceipts) {
		return nil, domainError(http.StatusNotFound, "NO_RECEIPTS", "No receipts in the requested period", nil)
	}
	return result, err
}

func (s *Service) receiptPayload(ctx context.Context, r store.Receipt, items []store.LineItem) ReceiptPayload {
	p := ReceiptPayload{
		ID:            r.ID,
		Merchant:      r.Merchant,
		Date:          r.Date.Format("2006-01-02"),
		Total:         r.Total,
		Tax:           r.Tax,
		Currency:      r.Currency,
		PaymentMethod: r.PaymentMethod,
		Category:      r.Category,
		Status:        r.Status,
		CreatedAt:     r.CreatedAt,
	}
	if r.TeamID != nil {
		p.TeamID = *r.TeamID
	}
	if r.ImageKey != "" && s.images != nil {
		url, err := s.images.PresignedURL(ctx, r.ImageKey)
		if err != nil {
			log.Printf("app: presign image for %s: %v", r.ID, err)
		} else {
			p.ImageURL = url
		}
	}
	for _, li := range items {
		p.Items = append(p.Items, LineItemPayload{
			ID:          li.ID,
			Description: li.Description,
			Amount:      li.Amount,
		})
	}
	return p
}

func (s *Service) indexReceipt(r store.Receipt, items []store.LineItem) {
	if s.index == nil {
		return
	}
	teamID := ""
	if r.TeamID != nil {
		teamID = *r.TeamID
	}
	s.index.IndexReceipt(search.ReceiptRecord{
		ID:       r.ID,
		UserID:   r.UserID,
		TeamID:   teamID,
		Merchant: r.Merchant,
		FullText: r.FullText,
		Date:     r.Date.Format("2006-01-02"),
		Total:    r.Total,
		Currency: r.Currency,
		Category: r.Category,
		Status:   r.Status,
	})
	if len(items) > 0 {
		records := make([]search.LineItemRecord, 0, len(items))
		for _, li := range items {
			records = append(records, search.LineItemRecord{
				ID:          li.ID,
				ReceiptID:   li.ReceiptID,
				UserID:      r.UserID,
				Description: li.Description,
				Amount:      li.Amount,
				Merchant:    r.Merchant,
				Date:        r.Date.Format("2006-01-02"),
			})
		}
		s.index.IndexLineItems(records)
	}
}

func (s *Service) invalidateCache(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		log.Printf("app: invalidate search cache for %s: %v", userID, err)
	}
}

func claimPayload(c store.Claim) ClaimPayload {
	return ClaimPayload{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		Amount:      c.Amount,
		Currency:    c.Currency,
		Status:      c.Status,
		TeamID:      c.TeamID,
		CreatedAt:   c.CreatedAt,
	}
}
