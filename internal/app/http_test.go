package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/noa10/mataresit-app-sub010/internal/background"
	"github.com/noa10/mataresit-app-sub010/internal/export"
	"github.com/noa10/mataresit-app-sub010/internal/search"
	"github.com/noa10/mataresit-app-sub010/internal/searchcache"
	"github.com/noa10/mataresit-app-sub010/internal/store"
)

type fakeStore struct {
	pingFn                func(context.Context) error
	insertReceiptFn       func(context.Context, store.Receipt) error
	getReceiptFn          func(ctx context.Context, userID, id string) (store.Receipt, error)
	listReceiptsFn        func(ctx context.Context, userID string, f store.ReceiptFilter) ([]store.Receipt, error)
	updateReceiptStatusFn func(ctx context.Context, userID, id, status string) error
	deleteReceiptFn       func(ctx context.Context, userID, id string) error
	insertLineItemsFn     func(context.Context, []store.LineItem) error
	listLineItemsFn       func(ctx context.Context, receiptID string) ([]store.LineItem, error)
	insertClaimFn         func(context.Context, store.Claim) error
	listClaimsFn          func(ctx context.Context, userID string, limit, offset int) ([]store.Claim, error)
	summaryCountsFn       func(ctx context.Context, userID string) (int, int, float64, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) InsertReceipt(ctx context.Context, r store.Receipt) error {
	if f.insertReceiptFn != nil {
		return f.insertReceiptFn(ctx, r)
	}
	return nil
}

func (f *fakeStore) GetReceipt(ctx context.Context, userID, id string) (store.Receipt, error) {
	if f.getReceiptFn != nil {
		return f.getReceiptFn(ctx, userID, id)
	}
	return store.Receipt{}, store.ErrNotFound
}

func (f *fakeStore) ListReceipts(ctx context.Context, userID string, filter store.ReceiptFilter) ([]store.Receipt, error) {
	if f.listReceiptsFn != nil {
		return f.listReceiptsFn(ctx, userID, filter)
	}
	return nil, nil
}

func (f *fakeStore) UpdateReceiptStatus(ctx context.Context, userID, id, status string) error {
	if f.updateReceiptStatusFn != nil {
		return f.updateReceiptStatusFn(ctx, userID, id, status)
	}
	return nil
}

func (f *fakeStore) DeleteReceipt(ctx context.Context, userID, id string) error {
	if f.deleteReceiptFn != nil {
		return f.deleteReceiptFn(ctx, userID, id)
	}
	return nil
}

func (f *fakeStore) InsertLineItems(ctx context.Context, items []store.LineItem) error {
	if f.insertLineItemsFn != nil {
		return f.insertLineItemsFn(ctx, items)
	}
	return nil
}

func (f *fakeStore) ListLineItems(ctx context.Context, receiptID string) ([]store.LineItem, error) {
	if f.listLineItemsFn != nil {
		return f.listLineItemsFn(ctx, receiptID)
	}
	return nil, nil
}

func (f *fakeStore) InsertClaim(ctx context.Context, c store.Claim) error {
	if f.insertClaimFn != nil {
		return f.insertClaimFn(ctx, c)
	}
	return nil
}

func (f *fakeStore) ListClaims(ctx context.Context, userID string, limit, offset int) ([]store.Claim, error) {
	if f.listClaimsFn != nil {
		return f.listClaimsFn(ctx, userID, limit, offset)
	}
	return nil, nil
}

func (f *fakeStore) SummaryCounts(ctx context.Context, userID string) (int, int, float64, error) {
	if f.summaryCountsFn != nil {
		return f.summaryCountsFn(ctx, userID)
	}
	return 0, 0, 0, nil
}

type fakeImages struct {
	putFn func(ctx context.Context, userID string, r io.Reader, size int64, contentType string) (string, error)
}

func (f *fakeImages) Put(ctx context.Context, userID string, r io.Reader, size int64, contentType string) (string, error) {
	if f.putFn != nil {
		return f.putFn(ctx, userID, r, size, contentType)
	}
	return "key", nil
}

func (f *fakeImages) PresignedURL(ctx context.Context, key string) (string, error) {
	return "https://storage.example/" + key, nil
}

func (f *fakeImages) Remove(ctx context.Context, key string) error { return nil }

type fakeIndex struct {
	mu       sync.Mutex
	receipts []search.ReceiptRecord
	deleted  []string
}

func (f *fakeIndex) IndexReceipt(r search.ReceiptRecord) {
	f.mu.Lock()
	f.receipts = append(f.receipts, r)
	f.mu.Unlock()
}

func (f *fakeIndex) IndexLineItems(items []search.LineItemRecord) {}
func (f *fakeIndex) IndexClaim(c search.ClaimRecord)             {}

func (f *fakeIndex) DeleteReceipt(id string) {
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
}

type fakeResultCache struct {
	mu          sync.Mutex
	entries     map[string]*search.Response
	invalidated []string
}

func newFakeResultCache() *fakeResultCache {
	return &fakeResultCache{entries: make(map[string]*search.Response)}
}

func (f *fakeResultCache) Get(ctx context.Context, p search.Params, userID string) (*search.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[p.CacheKey(userID)], nil
}

func (f *fakeResultCache) Peek(ctx context.Context, p search.Params, userID string) (*search.Response, error) {
	return f.Get(ctx, p, userID)
}

func (f *fakeResultCache) Put(ctx context.Context, p search.Params, userID string, resp *search.Response) error {
	f.mu.Lock()
	f.entries[p.CacheKey(userID)] = resp
	f.mu.Unlock()
	return nil
}

func (f *fakeResultCache) HitRate() float64 { return 0 }

func (f *fakeResultCache) Invalidate(ctx context.Context, userID string) error {
	f.mu.Lock()
	f.invalidated = append(f.invalidated, userID)
	f.mu.Unlock()
	return nil
}

func (f *fakeResultCache) Stats() searchcache.Stats { return searchcache.Stats{} }

type fakeSearchExec struct {
	fn func(ctx context.Context, p search.Params, userID string) (*search.Response, error)
}

func (f *fakeSearchExec) ExecuteSearch(ctx context.Context, p search.Params, userID string) (*search.Response, error) {
	if f.fn != nil {
		return f.fn(ctx, p, userID)
	}
	return &search.Response{Hits: []search.Hit{}, Total: 0, Query: p.Query}, nil
}

type fakeExporter struct {
	fn func(ctx context.Context, req export.Request) (*export.Result, error)
}

func (f *fakeExporter) ExpenseReport(ctx context.Context, req export.Request) (*export.Result, error) {
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return &export.Result{Data: []byte("%PDF-1.4"), Filename: "Expense-Report.pdf", MimeType: "application/pdf"}, nil
}

type testEnv struct {
	store    *fakeStore
	images   *fakeImages
	index    *fakeIndex
	cache    *fakeResultCache
	exporter *fakeExporter
	orch     *background.Orchestrator
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    &fakeStore{},
		images:   &fakeImages{},
		index:    &fakeIndex{},
		cache:    newFakeResultCache(),
		exporter: &fakeExporter{},
	}
	env.orch = background.New(background.Config{
		MaxConcurrent: 2,
		MaxQueueSize:  5,
		SearchTimeout: time.Second,
		RetryDelay:    10 * time.Millisecond,
		MaxRetries:    1,
		DrainInterval: 10 * time.Millisecond,
	}, env.cache, &fakeSearchExec{})
	t.Cleanup(env.orch.Close)

	service := NewService(env.store, env.images, env.index, env.cache, env.exporter, env.orch)
	env.handler = NewHTTPServer(service, "*").Handler()
	return env
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any, userID string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env.handler, http.MethodGet, "/api/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.pingFn = func(context.Context) error { return errors.New("connection refused") }

	rec := doRequest(t, env.handler, http.MethodGet, "/api/ready", nil, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		OK bool `json:"ok"`
	}
	decodeResponse(t, rec, &body)
	if body.OK {
		t.Error("expected ok=false")
	}
}

func TestMissingUserHeader(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env.handler, http.MethodGet, "/api/receipts", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateReceiptJSON(t *testing.T) {
	env := newTestEnv(t)
	var inserted store.Receipt
	env.store.insertReceiptFn = func(_ context.Context, r store.Receipt) error {
		inserted = r
		return nil
	}

	rec := doRequest(t, env.handler, http.MethodPost, "/api/receipts", CreateReceiptInput{
		Merchant: "Starbucks",
		Date:     "2026-08-20",
		Total:    21.50,
		Category: "Food",
		LineItems: []LineItemInput{
			{Description: "Latte", Amount: 15.00},
			{Description: "Muffin", Amount: 6.50},
		},
	}, "user-1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	if inserted.Merchant != "Starbucks" || inserted.UserID != "user-1" {
		t.Errorf("unexpected inserted receipt: %+v", inserted)
	}
	if inserted.Status != "unreviewed" {
		t.Errorf("new receipts start unreviewed, got %s", inserted.Status)
	}
	if inserted.Currency != "MYR" {
		t.Errorf("expected default currency MYR, got %s", inserted.Currency)
	}

	env.index.mu.Lock()
	indexed := len(env.index.receipts)
	env.index.mu.Unlock()
	if indexed != 1 {
		t.Errorf("expected 1 indexed receipt, got %d", indexed)
	}

	env.cache.mu.Lock()
	invalidated := env.cache.invalidated
	env.cache.mu.Unlock()
	if len(invalidated) != 1 || invalidated[0] != "user-1" {
		t.Errorf("expected cache invalidation for user-1, got %v", invalidated)
	}
}

func TestCreateReceiptRejectsBadDate(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env.handler, http.MethodPost, "/api/receipts", CreateReceiptInput{
		Merchant: "Starbucks",
		Date:     "20/08/2026",
	}, "user-1")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestGetReceiptNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env.handler, http.MethodGet, "/api/receipts/rcpt_missing", nil, "user-1")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetReceiptIncludesImageURL(t *testing.T) {
	env := newTestEnv(t)
	env.store.getReceiptFn = func(_ context.Context, userID, id string) (store.Receipt, error) {
		return store.Receipt{ID: id, UserID: userID, Merchant: "Grab", Date: time.Now(), ImageKey: "user-1/img_1"}, nil
	}

	rec := doRequest(t, env.handler, http.MethodGet, "/api/receipts/rcpt_1", nil, "user-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body ReceiptPayload
	decodeResponse(t, rec, &body)
	if body.ImageURL != "https://storage.example/user-1/img_1" {
		t.Errorf("unexpected image url %q", body.ImageURL)
	}
}

func TestListReceiptsParsesFilters(t *testing.T) {
	env := newTestEnv(t)
	var gotFilter store.ReceiptFilter
	env.store.listReceiptsFn = func(_ context.Context, _ string, f store.ReceiptFilter) ([]store.Receipt, error) {
		gotFilter = f
		return nil, nil
	}

	rec := doRequest(t, env.handler, http.MethodGet,
		"/api/receipts?category=Food&status=reviewed&from=2026-08-01&to=2026-08-31&limit=10", nil, "user-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotFilter.Category != "Food" || gotFilter.Status != "reviewed" || gotFilter.Limit != 10 {
		t.Errorf("unexpected filter: %+v", gotFilter)
	}
	if gotFilter.DateFrom == nil || gotFilter.DateFrom.Format("2006-01-02") != "2026-08-01" {
		t.Errorf("from not parsed: %v", gotFilter.DateFrom)
	}
}

func TestUpdateReceiptStatusRejectsUnknown(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env.handler, http.MethodPatch, "/api/receipts/rcpt_1",
		map[string]string{"status": "bogus"}, "user-1")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestDeleteReceiptDeindexes(t *testing.T) {
	env := newTestEnv(t)
	env.store.getReceiptFn = func(_ context.Context, userID, id string) (store.Receipt, error) {
		return store.Receipt{ID: id, UserID: userID, Merchant: "Grab", Date: time.Now()}, nil
	}

	rec := doRequest(t, env.handler, http.MethodDelete, "/api/receipts/rcpt_1", nil, "user-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	env.index.mu.Lock()
	deleted := env.index.deleted
	env.index.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "rcpt_1" {
		t.Errorf("expected rcpt_1 deindexed, got %v", deleted)
	}
}

func TestStartSearchLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := doRequest(t, env.handler, http.MethodPost, "/api/search", startSearchRequest{
		ConversationID: "conv-1",
		Query:          "coffee receipts",
	}, "user-1")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var started struct {
		TaskID string `json:"taskId"`
	}
	decodeResponse(t, rec, &started)
	if started.TaskID == "" {
		t.Fatal("expected a task id")
	}

	// Poll until the background search completes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec = doRequest(t, env.handler, http.MethodGet, "/api/search/status?conversationId=conv-1", nil, "user-1")
		var status struct {
			Status string `json:"status"`
		}
		decodeResponse(t, rec, &status)
		if status.Status == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("search never completed, last status %q", status.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec = doRequest(t, env.handler, http.MethodGet, "/api/search/results?conversationId=conv-1", nil, "user-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for results, got %d: %s", rec.Code, rec.Body.String())
	}
	var results search.Response
	decodeResponse(t, rec, &results)
	if results.Query != "coffee receipts" {
		t.Errorf("unexpected results payload: %+v", results)
	}
}

func TestStartSearchRequiresConversation(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env.handler, http.MethodPost, "/api/search", startSearchRequest{
		Query: "coffee",
	}, "user-1")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestStartSearchRejectsUnknownPriority(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env.handler, http.MethodPost, "/api/search", startSearchRequest{
		ConversationID: "conv-1",
		Query:          "coffee",
		Priority:       "whenever",
	}, "user-1")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestSearchResultsMissing(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env.handler, http.MethodGet, "/api/search/results?conversationId=conv-nope", nil, "user-1")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCancelSearch(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env.handler, http.MethodDelete, "/api/search?conversationId=conv-1", nil, "user-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestSearchConfigRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	newMax := 5
	rec := doRequest(t, env.handler, http.MethodPatch, "/api/search/config",
		background.ConfigUpdate{MaxConcurrent: &newMax}, "user-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		MaxConcurrent int `json:"maxConcurrent"`
	}
	decodeResponse(t, rec, &body)
	if body.MaxConcurrent != 5 {
		t.Errorf("expected maxConcurrent 5, got %d", body.MaxConcurrent)
	}

	rec = doRequest(t, env.handler, http.MethodGet, "/api/search/config", nil, "user-1")
	decodeResponse(t, rec, &body)
	if body.MaxConcurrent != 5 {
		t.Errorf("config read-back: expected 5, got %d", body.MaxConcurrent)
	}
}

func TestSearchMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env.handler, http.MethodGet, "/api/search/metrics", nil, "user-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Metrics background.Metrics `json:"metrics"`
	}
	decodeResponse(t, rec, &body)
	if body.Metrics.TotalSearches != 0 {
		t.Errorf("expected zero searches, got %d", body.Metrics.TotalSearches)
	}
}

func TestCreateClaim(t *testing.T) {
	env := newTestEnv(t)
	var inserted store.Claim
	env.store.insertClaimFn = func(_ context.Context, c store.Claim) error {
		inserted = c
		return nil
	}

	rec := doRequest(t, env.handler, http.MethodPost, "/api/claims", CreateClaimInput{
		Title:  "Team lunch",
		Amount: 180.00,
	}, "user-1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if inserted.Title != "Team lunch" || inserted.Status != "pending" {
		t.Errorf("unexpected claim: %+v", inserted)
	}
}

func TestSummary(t *testing.T) {
	env := newTestEnv(t)
	env.store.summaryCountsFn = func(_ context.Context, _ string) (int, int, float64, error) {
		return 12, 3, 1450.75, nil
	}

	rec := doRequest(t, env.handler, http.MethodGet, "/api/summary", nil, "user-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body SummaryPayload
	decodeResponse(t, rec, &body)
	if body.Receipts != 12 || body.Claims != 3 || body.TotalSpend != 1450.75 {
		t.Errorf("unexpected summary: %+v", body)
	}
}

func TestExpenseReportDownload(t *testing.T) {
	env := newTestEnv(t)
	var gotReq export.Request
	env.exporter.fn = func(_ context.Context, req export.Request) (*export.Result, error) {
		gotReq = req
		return &export.Result{Data: []byte("%PDF-1.4 fake"), Filename: "Expense-Report.pdf", MimeType: "application/pdf"}, nil
	}

	rec := doRequest(t, env.handler, http.MethodGet,
		"/api/reports/expenses?from=2026-08-01&to=2026-08-31&category=Food", nil, "user-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("expected pdf content type, got %s", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "Expense-Report.pdf") {
		t.Errorf("unexpected content disposition %q", cd)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")) {
		t.Error("body does not look like a PDF")
	}
	if gotReq.UserID != "user-1" || gotReq.Category != "Food" || gotReq.From == nil || gotReq.To == nil {
		t.Errorf("unexpected export request: %+v", gotReq)
	}
}

func TestExpenseReportEmpty(t *testing.T) {
	env := newTestEnv(t)
	env.exporter.fn = func(_ context.Context, _ export.Request) (*export.Result, error) {
		return nil, export.ErrNoReceipts
	}
	rec := doRequest(t, env.handler, http.MethodGet, "/api/reports/expenses", nil, "user-1")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("expected request id echoed, got %q", got)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	rec := doRequest(t, env.handler, http.MethodGet, "/api/nope", nil, "user-1")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
