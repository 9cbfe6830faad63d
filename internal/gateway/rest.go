package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RESTAdapter implements Adapter for HTTP-based query ingestion: a caller
// posts a query and blocks until the final answer arrives. For streaming
// output the main API's chat endpoint is the better fit.
type RESTAdapter struct {
	handler  QueryHandler
	channels map[string]chan *OutboundAnswer // channelID -> pending answer
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewRESTAdapter creates a REST gateway adapter.
func NewRESTAdapter(logger *zap.Logger) *RESTAdapter {
	return &RESTAdapter{
		channels: make(map[string]chan *OutboundAnswer),
		logger:   logger,
	}
}

func (a *RESTAdapter) Platform() string { return "rest" }

func (a *RESTAdapter) Connect(_ context.Context) error { return nil }

func (a *RESTAdapter) OnQuery(h QueryHandler) { a.handler = h }

func (a *RESTAdapter) Close() error { return nil }

// Send delivers an answer to a waiting REST channel.
func (a *RESTAdapter) Send(_ context.Context, ans *OutboundAnswer) error {
	a.mu.RLock()
	ch, ok := a.channels[ans.ChannelID]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no active channel: %s", ans.ChannelID)
	}
	select {
	case ch <- ans:
		return nil
	default:
		return fmt.Errorf("channel %s buffer full", ans.ChannelID)
	}
}

// Routes returns a chi router with REST gateway endpoints.
func (a *RESTAdapter) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/query", a.handleQuery)
	return r
}

// handleQuery accepts a query via HTTP and waits for the final answer.
func (a *RESTAdapter) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		UserID    string `json:"user_id"`
		UserName  string `json:"user_name"`
		Query     string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, `{"error":"query is required"}`, http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	channelID := uuid.New().String()
	ch := make(chan *OutboundAnswer, 1)

	a.mu.Lock()
	a.channels[channelID] = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.channels, channelID)
		a.mu.Unlock()
	}()

	if a.handler != nil {
		a.handler(&InboundQuery{
			Platform:  "rest",
			SessionID: req.SessionID,
			ChannelID: channelID,
			UserID:    req.UserID,
			UserName:  req.UserName,
			Query:     req.Query,
			Timestamp: time.Now(),
		})
	}

	select {
	case ans := <-ch:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"session_id": req.SessionID,
			"answer":     ans.Text,
			"view_hint":  ans.ViewHint,
			"failed":     ans.Failed,
		})
	case <-time.After(120 * time.Second):
		http.Error(w, `{"error":"response timeout"}`, http.StatusGatewayTimeout)
	case <-r.Context().Done():
		return
	}
}
