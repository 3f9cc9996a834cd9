package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/noa10/mataresit-app-sub010/internal/background"
	"github.com/noa10/mataresit-app-sub010/internal/search"
	"github.com/noa10/mataresit-app-sub010/internal/store"
)

const maxUploadBytes = 16 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/search" {
		s.handleStartSearch(w, r, userID)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search/status" {
		conversationID := strings.TrimSpace(r.URL.Query().Get("conversationId"))
		if conversationID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "conversationId is required", nil)
			return
		}
		writeJSON(w, http.StatusOK, s.service.SearchStatus(conversationID))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search/results" {
		conversationID := strings.TrimSpace(r.URL.Query().Get("conversationId"))
		if conversationID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "conversationId is required", nil)
			return
		}
		resp, err := s.service.SearchResults(r.Context(), conversationID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		if resp == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "No results for this conversation", nil)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if r.Method == http.MethodDelete && r.URL.Path == "/api/search" {
		conversationID := strings.TrimSpace(r.URL.Query().Get("conversationId"))
		if conversationID == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "conversationId is required", nil)
			return
		}
		s.service.CancelSearch(conversationID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search/metrics" {
		writeJSON(w, http.StatusOK, map[string]any{
			"metrics": s.service.SearchMetrics(),
			"cache":   s.service.CacheStats(),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search/queue" {
		writeJSON(w, http.StatusOK, s.service.QueueStatus())
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search/config" {
		writeJSON(w, http.StatusOK, configPayload(s.service.SearchConfig()))
		return
	}

	if r.Method == http.MethodPatch && r.URL.Path == "/api/search/config" {
		var body background.ConfigUpdate
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, configPayload(s.service.UpdateSearchConfig(body)))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/receipts" {
		s.handleCreateReceipt(w, r, userID)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/receipts" {
		filter, err := receiptFilterFromQuery(r)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		receipts, err := s.service.ListReceipts(r.Context(), userID, filter)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"receipts": receipts})
		return
	}

	if parts := splitPath(r.URL.Path); len(parts) == 3 && parts[0] == "api" && parts[1] == "receipts" {
		id := parts[2]
		switch r.Method {
		case http.MethodGet:
			receipt, err := s.service.GetReceipt(r.Context(), userID, id)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, receipt)
			return
		case http.MethodPatch:
			var body struct {
				Status string `json:"status"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			receipt, err := s.service.UpdateReceiptStatus(r.Context(), userID, id, body.Status)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, receipt)
			return
		case http.MethodDelete:
			if err := s.service.DeleteReceipt(r.Context(), userID, id); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/claims" {
		var body CreateClaimInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		claim, err := s.service.CreateClaim(r.Context(), userID, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, claim)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/claims" {
		limit := intQuery(r, "limit", 50)
		offset := intQuery(r, "offset", 0)
		claims, err := s.service.ListClaims(r.Context(), userID, limit, offset)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"claims": claims})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/summary" {
		summary, err := s.service.Summary(r.Context(), userID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/reports/expenses" {
		s.handleExpenseReport(w, r, userID)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

type startSearchRequest struct {
	ConversationID string        `json:"conversationId"`
	Query          string        `json:"query"`
	Priority       string        `json:"priority"`
	Params         search.Params `json:"params"`
}

func (s *HTTPServer) handleStartSearch(w http.ResponseWriter, r *http.Request, userID string) {
	var body startSearchRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.ConversationID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "conversationId is required", nil)
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "query is required", nil)
		return
	}

	taskID, err := s.service.StartSearch(body.ConversationID, body.Query, body.Params, userID, body.Priority)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"taskId": taskID,
		"status": s.service.SearchStatus(body.ConversationID),
	})
}

func (s *HTTPServer) handleCreateReceipt(w http.ResponseWriter, r *http.Request, userID string) {
	contentType := r.Header.Get("Content-Type")

	var input CreateReceiptInput
	var payload ReceiptPayload
	var err error

	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
			return
		}
		if raw := r.FormValue("receipt"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &input); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", "receipt part must be JSON", nil)
				return
			}
		}
		file, header, fileErr := r.FormFile("image")
		if fileErr != nil && !errors.Is(fileErr, http.ErrMissingFile) {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid image part", nil)
			return
		}
		if fileErr == nil {
			defer file.Close()
			payload, err = s.service.CreateReceipt(r.Context(), userID, input, file, header.Size, header.Header.Get("Content-Type"))
		} else {
			payload, err = s.service.CreateReceipt(r.Context(), userID, input, nil, 0, "")
		}
	} else {
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err = s.service.CreateReceipt(r.Context(), userID, input, nil, 0, "")
	}

	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleExpenseReport(w http.ResponseWriter, r *http.Request, userID string) {
	var from, to *time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "from must be YYYY-MM-DD", nil)
			return
		}
		from = &parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "to must be YYYY-MM-DD", nil)
			return
		}
		to = &parsed
	}

	result, err := s.service.ExpenseReport(r.Context(), userID, from, to, strings.TrimSpace(r.URL.Query().Get("category")))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// requireUser reads the caller's identity. Authentication itself is handled
// upstream; this service trusts the X-User-ID header set by the gateway.
func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "X-User-ID header required", nil)
		return "", false
	}
	return userID, true
}

func receiptFilterFromQuery(r *http.Request) (store.ReceiptFilter, error) {
	f := store.ReceiptFilter{
		TeamID:   strings.TrimSpace(r.URL.Query().Get("teamId")),
		Category: strings.TrimSpace(r.URL.Query().Get("category")),
		Status:   strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:    intQuery(r, "limit", 50),
		Offset:   intQuery(r, "offset", 0),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return f, fmt.Errorf("from must be YYYY-MM-DD")
		}
		f.DateFrom = &parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("to")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return f, fmt.Errorf("to must be YYYY-MM-DD")
		}
		f.DateTo = &parsed
	}
	return f, nil
}

func intQuery(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

// configPayload flattens durations to milliseconds for the admin UI.
func configPayload(c background.Config) map[string]any {
	return map[string]any{
		"maxConcurrent":        c.MaxConcurrent,
		"maxQueueSize":         c.MaxQueueSize,
		"searchTimeoutMs":      c.SearchTimeout.Milliseconds(),
		"retryDelayMs":         c.RetryDelay.Milliseconds(),
		"maxRetries":           c.MaxRetries,
		"priorityBoostAfterMs": c.PriorityBoostAfter.Milliseconds(),
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, background.ErrClosed) {
		return http.StatusServiceUnavailable, "SHUTTING_DOWN", "Service is shutting down", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
