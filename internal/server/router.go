package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gramsetu/syncache/internal/connectivity"
	"github.com/gramsetu/syncache/internal/engine"
	"github.com/gramsetu/syncache/internal/queue"
	"github.com/gramsetu/syncache/internal/store"
)

// maxEnqueueBody bounds a deferred query document.
const maxEnqueueBody = 1 << 20

// Facade is the engine surface the HTTP layer needs. Keeping it an
// interface leaves the engine transport-agnostic and lets handler tests
// run against a stub.
type Facade interface {
	Read(ctx context.Context, key store.EntryKey) (store.CacheEntry, error)
	Search(ctx context.Context, query engine.SearchQuery) ([]engine.Match, error)
	Enqueue(ctx context.Context, payload json.RawMessage, language, sessionID string) (queue.Request, error)
	QueueStatus(ctx context.Context, id string) (queue.Request, error)
	TakeResult(ctx context.Context, id string) (queue.Outcome, error)
	EndSession(ctx context.Context, sessionID string) (engine.SessionPurge, error)
	Status(ctx context.Context) (engine.Status, error)
	Tier() connectivity.Tier
	TriggerSync()
}

type handler struct {
	facade Facade
	logger *slog.Logger
}

// NewHandler builds the route table. The metrics handler is mounted when
// provided; everything else dispatches through the facade.
func NewHandler(facade Facade, metricsHandler http.Handler, logger *slog.Logger) (http.Handler, error) {
	if facade == nil {
		return nil, errors.New("server: facade required")
	}
	h := &handler{facade: facade, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /content/{kind}/{id}", h.handleContent)
	mux.HandleFunc("GET /search", h.handleSearch)
	mux.HandleFunc("POST /queue", h.handleEnqueue)
	mux.HandleFunc("GET /queue/{id}", h.handleQueueStatus)
	mux.HandleFunc("POST /queue/{id}/result", h.handleTakeResult)
	mux.HandleFunc("POST /sessions/{id}/end", h.handleEndSession)
	mux.HandleFunc("POST /sync", h.handleTriggerSync)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	return mux, nil
}

func (h *handler) handleContent(w http.ResponseWriter, r *http.Request) {
	kind := store.Kind(strings.ToLower(r.PathValue("kind")))
	if !kind.Valid() {
		h.writeError(w, http.StatusBadRequest, "unknown content kind "+strconv.Quote(r.PathValue("kind")))
		return
	}
	language := strings.TrimSpace(r.URL.Query().Get("lang"))
	if language == "" {
		h.writeError(w, http.StatusBadRequest, "lang query parameter is required")
		return
	}

	entry, err := h.facade.Read(r.Context(), store.EntryKey{
		ID:       r.PathValue("id"),
		Kind:     kind,
		Language: language,
	})
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "entry not cached")
			return
		}
		h.serveFailure(w, "content read failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	kind := store.Kind(strings.ToLower(params.Get("kind")))
	if !kind.Valid() {
		h.writeError(w, http.StatusBadRequest, "kind query parameter is required")
		return
	}

	query := engine.SearchQuery{
		Kind:     kind,
		Language: strings.TrimSpace(params.Get("lang")),
		Text:     params.Get("q"),
		Category: strings.TrimSpace(params.Get("category")),
	}

	latRaw, lonRaw := params.Get("lat"), params.Get("lon")
	if (latRaw == "") != (lonRaw == "") {
		h.writeError(w, http.StatusBadRequest, "lat and lon must be provided together")
		return
	}
	if latRaw != "" {
		lat, latErr := strconv.ParseFloat(latRaw, 64)
		lon, lonErr := strconv.ParseFloat(lonRaw, 64)
		if latErr != nil || lonErr != nil {
			h.writeError(w, http.StatusBadRequest, "lat and lon must be decimal degrees")
			return
		}
		query.Location = &store.GeoPoint{Lat: lat, Lon: lon}
	}
	if limitRaw := params.Get("limit"); limitRaw != "" {
		limit, err := strconv.Atoi(limitRaw)
		if err != nil || limit < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		query.Limit = limit
	}

	matches, err := h.facade.Search(r.Context(), query)
	if err != nil {
		h.serveFailure(w, "search failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, struct {
		Matches []engine.Match `json:"matches"`
	}{Matches: matches})
}

type enqueueRequest struct {
	Payload   json.RawMessage `json:"payload"`
	Language  string          `json:"language"`
	SessionID string          `json:"sessionId"`
}

// requestDocument is the wire shape of a queued request. The result
// itself is deliberately absent: it leaves through the takeout endpoint
// exactly once.
type requestDocument struct {
	ID            string       `json:"id"`
	Status        queue.Status `json:"status"`
	Language      string       `json:"language,omitempty"`
	SessionID     string       `json:"sessionId,omitempty"`
	EnqueuedAt    time.Time    `json:"enqueuedAt"`
	LastAttemptAt time.Time    `json:"lastAttemptAt"`
	NextAttemptAt time.Time    `json:"nextAttemptAt"`
	RetryCount    int          `json:"retryCount"`
	Reason        string       `json:"reason,omitempty"`
	ResultReady   bool         `json:"resultReady"`
}

func documentFor(request queue.Request) requestDocument {
	return requestDocument{
		ID:            request.ID,
		Status:        request.Status,
		Language:      request.Language,
		SessionID:     request.SessionID,
		EnqueuedAt:    request.EnqueuedAt,
		LastAttemptAt: request.LastAttemptAt,
		NextAttemptAt: request.NextAttemptAt,
		RetryCount:    request.RetryCount,
		Reason:        request.Reason,
		ResultReady:   request.Status == queue.StatusCompleted,
	}
}

func (h *handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxEnqueueBody))
	if err := decoder.Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "request body must be json")
		return
	}
	if len(body.Payload) == 0 || !json.Valid(body.Payload) {
		h.writeError(w, http.StatusBadRequest, "payload must be a json document")
		return
	}

	request, err := h.facade.Enqueue(r.Context(), body.Payload, body.Language, body.SessionID)
	if err != nil {
		h.serveFailure(w, "enqueue failed", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, documentFor(request))
}

func (h *handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	request, err := h.facade.QueueStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "request not found")
			return
		}
		h.serveFailure(w, "queue status failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, documentFor(request))
}

func (h *handler) handleTakeResult(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.facade.TakeResult(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrNotTerminal):
			h.writeError(w, http.StatusConflict, "request is still in progress")
		case errors.Is(err, queue.ErrNotFound):
			// The row is destroyed on delivery, so a repeat takeout and a
			// never-enqueued id are indistinguishable.
			h.writeError(w, http.StatusGone, "result already taken or request unknown")
		default:
			h.serveFailure(w, "result takeout failed", err)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, struct {
		Status queue.Status    `json:"status"`
		Result json.RawMessage `json:"result,omitempty"`
		Reason string          `json:"reason,omitempty"`
	}{Status: outcome.Status, Result: outcome.Result, Reason: outcome.Reason})
}

func (h *handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("id"))
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, "session id is required")
		return
	}
	purge, err := h.facade.EndSession(r.Context(), sessionID)
	if err != nil {
		h.serveFailure(w, "session teardown failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, purge)
}

func (h *handler) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	h.facade.TriggerSync()
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"triggered": true,
		"tier":      h.facade.Tier(),
	})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.facade.Status(r.Context())
	if err != nil {
		h.serveFailure(w, "status failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// handleHealthz is liveness, not connectivity: serving cached content
// while offline is the engine working as designed.
func (h *handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"tier":       h.facade.Tier(),
		"observedAt": time.Now().UTC(),
	})
}

func (h *handler) serveFailure(w http.ResponseWriter, message string, err error) {
	if h.logger != nil {
		h.logger.Error(message, slog.Any("error", err))
	}
	h.writeError(w, http.StatusInternalServerError, message)
}

func (h *handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil && h.logger != nil {
		h.logger.Error("error response encode failed", slog.Any("error", err))
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && h.logger != nil {
		h.logger.Error("response encode failed", slog.Any("error", err))
	}
}
