package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/profilesync/internal/docstore"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	JWTSecret string
	// Verifier replaces the HS256 verifier built from JWTSecret.
	Verifier           TokenVerifier
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	StreamPingInterval time.Duration
	StreamWriteTimeout time.Duration
	Logger             Logger
}

type Server struct {
	store       *docstore.Store
	cfg         ServerConfig
	verifier    TokenVerifier
	rateLimiter *rateLimiter
	logger      Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type documentResponse struct {
	UserID    string          `json:"userId"`
	Revision  int64           `json:"revision"`
	UpdatedAt string          `json:"updatedAt"`
	Record    json.RawMessage `json:"record,omitempty"`
}

type streamMessage struct {
	Type      string          `json:"type"`
	Revision  int64           `json:"revision"`
	UpdatedAt string          `json:"updatedAt,omitempty"`
	Record    json.RawMessage `json:"record,omitempty"`
}

func NewServer(store *docstore.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *docstore.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.StreamPingInterval <= 0 {
		cfg.StreamPingInterval = 30 * time.Second
	}
	if cfg.StreamWriteTimeout <= 0 {
		cfg.StreamWriteTimeout = 10 * time.Second
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = NewHS256Verifier(cfg.JWTSecret)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		verifier:    verifier,
		rateLimiter: limiter,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts, ok := splitPath(r.URL.EscapedPath())
	if !ok || len(parts) < 4 || parts[0] != "v1" || parts[1] != "users" || parts[3] != "profile-sync" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	userID := parts[2]

	var route string
	switch {
	case len(parts) == 4 && r.Method == http.MethodGet:
		route = "get_document"
	case len(parts) == 4 && r.Method == http.MethodPut:
		route = "put_document"
	case len(parts) == 5 && parts[4] == "stream" && r.Method == http.MethodGet:
		route = "stream"
	case len(parts) == 4 || (len(parts) == 5 && parts[4] == "stream"):
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
		return
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if _, authErr := authorizeBearer(r.Context(), r.Header.Get("Authorization"), s.verifier, userID); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if route == "put_document" && s.rateLimiter != nil {
		if !s.rateLimiter.allow(userID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "get_document":
		s.handleGetDocument(w, r, userID, correlationID)
	case "put_document":
		s.handlePutDocument(w, r, userID, correlationID)
	case "stream":
		s.handleStream(w, r, userID, correlationID)
	}
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	doc, err := s.store.Get(r.Context(), userID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	etag := revisionETag(doc.Revision)
	w.Header().Set("ETag", etag)
	if match := normalizeIfMatchHeader(r.Header.Get("If-None-Match")); match != "" && match == strconv.FormatInt(doc.Revision, 10) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, newDocumentResponse(doc, true))
}

func (s *Server) handlePutDocument(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	doc, err := s.store.Put(r.Context(), userID, body)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", revisionETag(doc.Revision))
	writeJSON(w, http.StatusOK, newDocumentResponse(doc, false))
}

// handleStream subscribes before reading the current document so a write
// landing between the two is still delivered; the revision check drops the
// duplicate when it is.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	changes, unsubscribe, err := s.store.Subscribe(r.Context(), userID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("httpapi: stream accept for %s failed: %v", userID, err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	ctx := conn.CloseRead(r.Context())

	var lastRevision int64
	current, err := s.store.Get(ctx, userID)
	switch {
	case err == nil:
		lastRevision = current.Revision
		if err := s.writeStream(ctx, conn, streamMessageFor("snapshot", current)); err != nil {
			return
		}
	case errors.Is(err, docstore.ErrNotFound):
		if err := s.writeStream(ctx, conn, streamMessage{Type: "empty"}); err != nil {
			return
		}
	default:
		s.logger.Printf("httpapi: stream snapshot for %s failed: %v", userID, err)
		_ = conn.Close(websocket.StatusInternalError, "snapshot unavailable")
		return
	}

	ping := time.NewTicker(s.cfg.StreamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case doc, ok := <-changes:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "subscription closed")
				return
			}
			if doc.Revision <= lastRevision {
				continue
			}
			lastRevision = doc.Revision
			if err := s.writeStream(ctx, conn, streamMessageFor("change", doc)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeStream(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.StreamWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, msg)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "document not found", correlationID)
	case errors.Is(err, docstore.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		s.logger.Printf("httpapi: store error (correlation %s): %v", correlationID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func newDocumentResponse(doc docstore.Document, withRecord bool) documentResponse {
	resp := documentResponse{
		UserID:    doc.UserID,
		Revision:  doc.Revision,
		UpdatedAt: formatTimestamp(doc.UpdatedAt),
	}
	if withRecord {
		resp.Record = doc.Record
	}
	return resp
}

func streamMessageFor(kind string, doc docstore.Document) streamMessage {
	return streamMessage{
		Type:      kind,
		Revision:  doc.Revision,
		UpdatedAt: formatTimestamp(doc.UpdatedAt),
		Record:    doc.Record,
	}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func revisionETag(revision int64) string {
	return `"` + strconv.FormatInt(revision, 10) + `"`
}

func splitPath(escaped string) ([]string, bool) {
	raw := strings.Split(strings.Trim(escaped, "/"), "/")
	parts := make([]string, len(raw))
	for i, part := range raw {
		decoded, err := url.PathUnescape(part)
		if err != nil || decoded == "" {
			return nil, false
		}
		parts[i] = decoded
	}
	return parts, true
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "corr_" + uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func normalizeIfMatchHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "W/") || strings.HasPrefix(value, "w/") {
		value = strings.TrimSpace(value[2:])
	}
	if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
}
