// Package server exposes the memory service over HTTP. Every data route
// is tenant-scoped through the X-Organization-ID and X-Space-ID headers;
// errors leave as {"status":"failed","code":...,"message":...} with the
// status code matching the failure class.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evermem/evermem/pkg/extract"
	"github.com/evermem/evermem/pkg/kv"
	"github.com/evermem/evermem/pkg/memory"
	"github.com/evermem/evermem/pkg/memstore"
	"github.com/evermem/evermem/pkg/recall"
	"github.com/evermem/evermem/pkg/tenant"
)

// Tenant envelope headers. Org and space are required on every data
// route; the hash key is an opaque routing hint forwarded as-is.
const (
	HeaderOrg     = "X-Organization-ID"
	HeaderSpace   = "X-Space-ID"
	HeaderHashKey = "X-Hash-Key"
)

// Config assembles a [Server].
type Config struct {
	// Service is the memory façade all routes delegate to. Required.
	Service *memory.Service

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// RecentLogs supplies buffered log lines for GET /debug/logs.
	// Optional; nil disables the route.
	RecentLogs func() []string
}

// Server handles the HTTP and WebSocket API.
type Server struct {
	svc        *memory.Service
	log        *slog.Logger
	recentLogs func() []string
	upgrader   websocket.Upgrader
	started    time.Time
}

// New validates cfg and returns a ready server.
func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("server: Config.Service is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		svc:        cfg.Service,
		log:        log,
		recentLogs: cfg.RecentLogs,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}, nil
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/memories", s.tenanted(s.handleIngest))
	mux.HandleFunc("GET /v1/memories/stream", s.tenanted(s.handleStream))
	mux.HandleFunc("POST /v1/memories/search", s.tenanted(s.handleSearch))
	mux.HandleFunc("POST /v1/memories/fetch", s.tenanted(s.handleFetch))
	mux.HandleFunc("DELETE /v1/memories", s.tenanted(s.handleDelete))
	mux.HandleFunc("PUT /v1/conversations/{group}", s.tenanted(s.handleUpsertMeta))
	mux.HandleFunc("GET /v1/conversations/{group}", s.tenanted(s.handleGetMeta))
	mux.HandleFunc("GET /v1/conversations/{group}/pending", s.tenanted(s.handlePending))
	mux.HandleFunc("GET /v1/dead-letters", s.tenanted(s.handleDeadLetters))
	mux.HandleFunc("POST /v1/dead-letters/requeue", s.tenanted(s.handleRequeue))
	if s.recentLogs != nil {
		mux.HandleFunc("GET /debug/logs", s.handleLogs)
	}
	return mux
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, line := range s.recentLogs() {
		fmt.Fprintln(w, line)
	}
}

// tenanted resolves the tenant envelope from the request headers before
// handing off.
func (s *Server) tenanted(h func(http.ResponseWriter, *http.Request, tenant.Tenant)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := tenant.Tenant{
			Org:     r.Header.Get(HeaderOrg),
			Space:   r.Header.Get(HeaderSpace),
			HashKey: r.Header.Get(HeaderHashKey),
		}
		if err := t.Validate(); err != nil {
			s.writeError(w, r, err)
			return
		}
		h(w, r, t)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// ingestRequest accepts a single turn or an ordered batch for one
// conversation. sync_mode blocks until extraction finishes when a
// message closes an episode.
type ingestRequest struct {
	GroupID  string             `json:"group_id"`
	Message  *memstore.Message  `json:"message,omitempty"`
	Messages []memstore.Message `json:"messages,omitempty"`
	SyncMode bool               `json:"sync_mode,omitempty"`
}

type ingestBatchResult struct {
	GroupID string                 `json:"group_id"`
	Results []*memory.IngestResult `json:"results"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request, t tenant.Tenant) {
	var req ingestRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.GroupID == "" {
		s.writeError(w, r, badRequestf("group_id is required"))
		return
	}
	if req.Message == nil && len(req.Messages) == 0 {
		s.writeError(w, r, badRequestf("message or messages is required"))
		return
	}
	if req.Message != nil && len(req.Messages) > 0 {
		s.writeError(w, r, badRequestf("message and messages are mutually exclusive"))
		return
	}

	if req.Message != nil {
		res, err := s.svc.Ingest(r.Context(), t, &memory.IngestRequest{
			GroupID:  req.GroupID,
			Message:  *req.Message,
			SyncMode: req.SyncMode,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logBoundary(t, req.GroupID, res)
		s.writeJSON(w, http.StatusOK, res)
		return
	}

	batch := ingestBatchResult{GroupID: req.GroupID, Results: make([]*memory.IngestResult, 0, len(req.Messages))}
	for i, msg := range req.Messages {
		res, err := s.svc.Ingest(r.Context(), t, &memory.IngestRequest{
			GroupID:  req.GroupID,
			Message:  msg,
			SyncMode: req.SyncMode,
		})
		if err != nil {
			s.writeError(w, r, fmt.Errorf("message %d/%d: %w", i+1, len(req.Messages), err))
			return
		}
		s.logBoundary(t, req.GroupID, res)
		batch.Results = append(batch.Results, res)
	}
	s.writeJSON(w, http.StatusOK, batch)
}

func (s *Server) logBoundary(t tenant.Tenant, group string, res *memory.IngestResult) {
	if res.Status == memory.StatusAccumulated {
		return
	}
	s.log.Info("episode closed",
		"tenant", t, "conversation", group,
		"request_id", res.RequestID, "reason", res.Reason,
		"queued", res.Queued, "depth", res.Depth)
}

// searchRequest mirrors [recall.Query] on the wire.
type searchRequest struct {
	Query   string                `json:"query"`
	UserID  *string               `json:"user_id,omitempty"`
	GroupID *string               `json:"group_id,omitempty"`
	Types   []memstore.MemoryType `json:"memory_types,omitempty"`
	Method  recall.Method         `json:"method,omitempty"`
	TopK    int                   `json:"top_k,omitempty"`
	From    int64                 `json:"from,omitempty"`
	To      int64                 `json:"to,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, t tenant.Tenant) {
	var req searchRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Query == "" {
		s.writeError(w, r, badRequestf("query is required"))
		return
	}
	if req.Method != "" && !req.Method.Valid() {
		s.writeError(w, r, badRequestf("unknown method %q", req.Method))
		return
	}
	if err := validTypes(req.Types); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Search(r.Context(), t, &recall.Query{
		Text:    req.Query,
		UserID:  req.UserID,
		GroupID: req.GroupID,
		Types:   req.Types,
		Method:  req.Method,
		TopK:    req.TopK,
		From:    req.From,
		To:      req.To,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// fetchRequest mirrors [memory.FetchRequest] on the wire.
type fetchRequest struct {
	Types   []memstore.MemoryType `json:"memory_types,omitempty"`
	UserID  *string               `json:"user_id,omitempty"`
	GroupID *string               `json:"group_id,omitempty"`
	EventID string                `json:"event_id,omitempty"`
	From    int64                 `json:"from,omitempty"`
	To      int64                 `json:"to,omitempty"`
	Start   string                `json:"start,omitempty"`
	End     string                `json:"end,omitempty"`
	Limit   int                   `json:"limit,omitempty"`
	Offset  int                   `json:"offset,omitempty"`
	SortAsc bool                  `json:"sort_asc,omitempty"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request, t tenant.Tenant) {
	var req fetchRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validTypes(req.Types); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Fetch(r.Context(), t, &memory.FetchRequest{
		Types:   req.Types,
		UserID:  req.UserID,
		GroupID: req.GroupID,
		EventID: req.EventID,
		From:    req.From,
		To:      req.To,
		Start:   req.Start,
		End:     req.End,
		Limit:   req.Limit,
		Offset:  req.Offset,
		SortAsc: req.SortAsc,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// deleteRequest mirrors [memory.DeleteRequest] on the wire.
type deleteRequest struct {
	UserID  *string `json:"user_id,omitempty"`
	GroupID *string `json:"group_id,omitempty"`
	EventID string  `json:"event_id,omitempty"`
	From    int64   `json:"from,omitempty"`
	To      int64   `json:"to,omitempty"`
	By      string  `json:"deleted_by,omitempty"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, t tenant.Tenant) {
	var req deleteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Delete(r.Context(), t, &memory.DeleteRequest{
		UserID:  req.UserID,
		GroupID: req.GroupID,
		EventID: req.EventID,
		From:    req.From,
		To:      req.To,
		By:      req.By,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("memories deleted", "tenant", t, "count", res.Deleted, "deletion_id", res.DeletionID, "by", req.By)
	s.writeJSON(w, http.StatusOK, res)
}

// metaRequest is the conversation settings body. The group comes from
// the URL; empty fields keep their stored values.
type metaRequest struct {
	Scene       memstore.Scene                 `json:"scene,omitempty"`
	Timezone    string                         `json:"timezone,omitempty"`
	UserDetails map[string]memstore.UserDetail `json:"user_details,omitempty"`
}

func (s *Server) handleUpsertMeta(w http.ResponseWriter, r *http.Request, t tenant.Tenant) {
	group := r.PathValue("group")
	var req metaRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch req.Scene {
	case "", memstore.SceneAssistant, memstore.SceneCompanion, memstore.SceneGroup:
	default:
		s.writeError(w, r, badRequestf("unknown scene %q", req.Scene))
		return
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			s.writeError(w, r, badRequestf("invalid timezone %q", req.Timezone))
			return
		}
	}
	err := s.svc.UpsertConversationMeta(r.Context(), t, &memstore.ConversationMeta{
		GroupID:     group,
		Scene:       req.Scene,
		Timezone:    req.Timezone,
		UserDetails: req.UserDetails,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	meta, err := s.svc.ConversationMeta(r.Context(), t, group)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleGetMeta(w http.ResponseWriter, r *http.Request, t tenant.Tenant) {
	meta, err := s.svc.ConversationMeta(r.Context(), t, r.PathValue("group"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request, t tenant.Tenant) {
	group := r.PathValue("group")
	msgs, err := s.svc.Pending(r.Context(), t, group)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"group_id": group,
		"count":    len(msgs),
		"messages": msgs,
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request, t tenant.Tenant) {
	dls, err := s.svc.DeadLetters(r.Context(), t)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":        len(dls),
		"dead_letters": dls,
	})
}

type requeueRequest struct {
	ConversationID string `json:"conversation_id"`
	FailedAt       int64  `json:"failed_at"`
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request, t tenant.Tenant) {
	var req requeueRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ConversationID == "" || req.FailedAt == 0 {
		s.writeError(w, r, badRequestf("conversation_id and failed_at are required"))
		return
	}
	id, err := s.svc.RequeueDeadLetter(r.Context(), t, req.ConversationID, req.FailedAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("dead letter requeued", "tenant", t, "conversation", req.ConversationID, "request_id", id)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     string(memory.StatusProcessing),
		"request_id": id,
	})
}

// apiError pins an HTTP status and stable code to a message. Handlers
// use it for request validation failures.
type apiError struct {
	status  int
	code    string
	message string
}

func (e *apiError) Error() string { return e.message }

func badRequestf(format string, args ...any) *apiError {
	return &apiError{status: http.StatusBadRequest, code: "bad_request", message: fmt.Sprintf(format, args...)}
}

func validTypes(types []memstore.MemoryType) error {
	for _, mt := range types {
		if !mt.Valid() {
			return badRequestf("unknown memory type %q", mt)
		}
	}
	return nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequestf("decode request body: %v", err)
	}
	return nil
}

type errorBody struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps err onto an HTTP status and stable error code.
func classify(err error) (int, string) {
	var ae *apiError
	switch {
	case errors.As(err, &ae):
		return ae.status, ae.code
	case errors.Is(err, tenant.ErrUnresolved):
		return http.StatusBadRequest, "tenant_unresolved"
	case errors.Is(err, memstore.ErrScopeTooBroad):
		return http.StatusBadRequest, "scope_too_broad"
	case errors.Is(err, memory.ErrUnscopedDelete):
		return http.StatusBadRequest, "unscoped_delete"
	case errors.Is(err, kv.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, memory.ErrBusy):
		return http.StatusServiceUnavailable, "busy"
	case errors.Is(err, extract.ErrExtractionFailed):
		return http.StatusBadGateway, "extraction_failed"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, errorBody{Status: "failed", Code: code, Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "error", err)
	}
}
