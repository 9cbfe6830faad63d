// Package api exposes the reasoning service over HTTP. A chat run streams
// newline-delimited JSON: one event per emitted message, terminated by a
// final-answer or failure event.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/cogito/internal/cot"
	"github.com/nidhogg/cogito/internal/gateway"
	"github.com/nidhogg/cogito/internal/message"
	"github.com/nidhogg/cogito/internal/router"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	service *router.Service
	tools   cot.ToolProvider
	restGW  *gateway.RESTAdapter
	logger  *zap.Logger
}

// NewHandler creates a new API handler. restGW is optional.
func NewHandler(svc *router.Service, tools cot.ToolProvider, restGW *gateway.RESTAdapter, logger *zap.Logger) *Handler {
	return &Handler{
		service: svc,
		tools:   tools,
		restGW:  restGW,
		logger:  logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/chat", h.chat)
		r.Get("/chat/{sessionID}", h.history)
		r.Get("/trace/{sessionID}/plan", h.plan)
		r.Get("/tools", h.listTools)
		if h.restGW != nil {
			r.Mount("/gateway/rest", h.restGW.Routes())
		}
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "cogito"})
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

// chat runs one reasoning turn, streaming emitted messages as NDJSON
// while the run is in flight.
func (h *Handler) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, canFlush := w.(http.Flusher)
	enc := json.NewEncoder(w)
	writeLine := func(v any) {
		if err := enc.Encode(v); err != nil {
			h.logger.Debug("stream write failed", zap.Error(err))
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}

	result, err := h.service.Run(r.Context(), req.SessionID, req.Query, func(m message.Message) {
		writeLine(map[string]any{
			"event":      "message",
			"session_id": req.SessionID,
			"message":    message.ToChat(m),
		})
	})
	if err != nil {
		writeLine(map[string]any{
			"event":      "failure",
			"session_id": req.SessionID,
			"error":      err.Error(),
		})
		return
	}
	writeLine(map[string]any{
		"event":      "final",
		"session_id": req.SessionID,
		"answer":     result.Answer,
		"view_hint":  result.ViewHint,
	})
}

// history returns a session's full message log in chat shape.
func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	msgs, err := h.service.History(r.Context(), sessionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]message.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, message.ToChat(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   out,
	})
}

// plan exposes the cached tool plan for a query, mainly for debugging
// trace recall.
func (h *Handler) plan(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}
	plan, err := h.service.Plan(r.Context(), sessionID, query)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"query":      query,
		"plan":       plan,
	})
}

func (h *Handler) listTools(w http.ResponseWriter, r *http.Request) {
	tools, err := h.tools.ListTools(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, tools)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
