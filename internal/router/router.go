// Package router wires queries from any surface into reasoning runs. The
// Service owns the full run lifecycle: session lookup, controller
// execution, persistence, and event publication. QueryRouter adapts the
// gateway's inbound queries onto the Service.
package router

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/cogito/internal/bus"
	"github.com/nidhogg/cogito/internal/cot"
	"github.com/nidhogg/cogito/internal/gateway"
	"github.com/nidhogg/cogito/internal/message"
	"github.com/nidhogg/cogito/internal/provider"
	"github.com/nidhogg/cogito/internal/registry"
	"github.com/nidhogg/cogito/internal/sandbox"
	"github.com/nidhogg/cogito/internal/store"
	"github.com/nidhogg/cogito/internal/trace"
)

// Service executes reasoning runs end to end. Store, event bus, and
// archive are optional; the run degrades gracefully without them.
type Service struct {
	registry  *registry.Registry
	providers *provider.Router
	tools     cot.ToolProvider
	store     *store.Store
	bus       *bus.EventBus
	archive   *trace.Archive
	cotConfig cot.Config
	compactor *sandbox.Compactor
	logger    *zap.Logger
}

// NewService creates the run service.
func NewService(reg *registry.Registry, providers *provider.Router, tools cot.ToolProvider,
	st *store.Store, eb *bus.EventBus, archive *trace.Archive,
	cfg cot.Config, logger *zap.Logger) *Service {
	s := &Service{
		registry:  reg,
		providers: providers,
		tools:     tools,
		store:     st,
		bus:       eb,
		archive:   archive,
		cotConfig: cfg,
		logger:    logger,
	}
	s.compactor = sandbox.NewCompactor(sandbox.DefaultCompactBudget, s.summarizeHistory, logger)
	return s
}

// summarizeHistory backs the sandbox compactor with the default provider.
func (s *Service) summarizeHistory(ctx context.Context, text string) (string, error) {
	resp, err := s.providers.Route(ctx, "", &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: "user", Content: "Condense this conversation history into a short digest, keeping facts, tool results, and open questions:\n\n" + text},
		},
		MaxTokens: 512,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// RunResult is the outcome of one reasoning run.
type RunResult struct {
	Answer   string
	ViewHint string
}

// Run executes one reasoning run for a session. onMessage, when non-nil,
// observes every emitted message in order, so the caller can stream
// chat-shaped output while the run is in flight. Concurrent runs for the
// same session are serialized on the session lock.
func (s *Service) Run(ctx context.Context, sessionID, query string, onMessage func(message.Message)) (RunResult, error) {
	sess, err := s.registry.Get(ctx, sessionID)
	if err != nil {
		return RunResult{}, err
	}
	sess.Lock()
	defer sess.Unlock()

	// Long-lived topics accumulate messages across turns; fold old
	// history before the run so the prompt stays within budget.
	s.compactor.Compact(ctx, sess.Sandbox)

	gen := &streamAdapter{providers: s.providers, sessionID: sessionID}
	ctrl := cot.New(query, sessionID, sess.Sandbox, sess.Graph, s.tools, gen, s.cotConfig, s.logger)

	var emitted []message.Message
	ctrl.OnMessage = func(m message.Message) {
		emitted = append(emitted, m)
		s.publish(ctx, sessionID, "message", m)
		if onMessage != nil {
			onMessage(m)
		}
	}
	ctrl.Checkpoint = func() {
		if err := s.registry.Persist(sess); err != nil {
			s.logger.Warn("mid-run persist failed", zap.String("session", sessionID), zap.Error(err))
		}
	}

	answer, runErr := ctrl.Run(ctx)

	if err := s.registry.Persist(sess); err != nil {
		s.logger.Warn("end-of-turn persist failed", zap.String("session", sessionID), zap.Error(err))
	}
	s.appendToLog(ctx, sessionID, emitted)

	if runErr != nil {
		if s.bus != nil {
			_ = s.bus.Publish(ctx, &bus.Event{
				SessionID: sessionID,
				Type:      "failure",
				Text:      runErr.Error(),
			})
		}
		return RunResult{}, fmt.Errorf("run session %s: %w", sessionID, runErr)
	}

	s.archiveTrace(ctx, sessionID, query, emitted, answer)
	if s.bus != nil {
		_ = s.bus.Publish(ctx, &bus.Event{
			SessionID: sessionID,
			Type:      "final_answer",
			Text:      answer,
			ViewHint:  sess.Sandbox.LatestView,
		})
	}
	return RunResult{Answer: answer, ViewHint: sess.Sandbox.LatestView}, nil
}

// History returns a session's full persisted message log.
func (s *Service) History(ctx context.Context, sessionID string) ([]message.Message, error) {
	if s.store == nil {
		sess, err := s.registry.Get(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		sess.Lock()
		defer sess.Unlock()
		return append([]message.Message(nil), sess.Sandbox.Messages...), nil
	}
	return s.store.ReadAll(ctx, sessionID)
}

// Plan returns the cached tool plan for a query, if a similar prior query
// was recorded in the session's trace.
func (s *Service) Plan(ctx context.Context, sessionID, query string) ([]string, error) {
	sess, err := s.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Lock()
	defer sess.Unlock()
	return sess.Graph.GetPlan(ctx, query, trace.DefaultMatchThreshold), nil
}

func (s *Service) publish(ctx context.Context, sessionID, typ string, m message.Message) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(ctx, &bus.Event{
		SessionID: sessionID,
		Type:      typ,
		Kind:      string(m.Kind),
		Text:      m.Text,
		ViewHint:  m.ViewHint,
		Timestamp: m.Timestamp,
	})
}

func (s *Service) appendToLog(ctx context.Context, sessionID string, msgs []message.Message) {
	if s.store == nil || len(msgs) == 0 {
		return
	}
	batch, err := message.EncodeBatch(msgs)
	if err != nil {
		s.logger.Warn("encode chat batch", zap.Error(err))
		return
	}
	if err := s.store.AppendBatch(ctx, sessionID, batch); err != nil {
		s.logger.Warn("append chat batch", zap.String("session", sessionID), zap.Error(err))
	}
}

func (s *Service) archiveTrace(ctx context.Context, sessionID, query string, msgs []message.Message, answer string) {
	if s.archive == nil {
		return
	}
	var steps []trace.ToolStep
	for _, m := range msgs {
		if m.Kind == message.KindTool {
			steps = append(steps, trace.ToolStep{
				Name: m.ToolName,
				Args: map[string]any{"raw_text": m.Text},
			})
		}
	}
	if err := s.archive.Record(ctx, sessionID, query, steps, answer); err != nil {
		s.logger.Warn("archive trace", zap.String("session", sessionID), zap.Error(err))
	}
}

// streamAdapter bridges the provider router onto the controller's
// generator interface, projecting the message log into chat roles.
type streamAdapter struct {
	providers *provider.Router
	sessionID string
}

func (a *streamAdapter) Generate(ctx context.Context, systemPrompt string, history []message.Message) (<-chan cot.StreamChunk, error) {
	req := &provider.ChatRequest{
		Messages: chatHistory(systemPrompt, history),
	}
	src, err := a.providers.RouteStream(ctx, a.sessionID, req)
	if err != nil {
		return nil, err
	}

	out := make(chan cot.StreamChunk, 64)
	go func() {
		defer close(out)
		for chunk := range src {
			if chunk.Done {
				return
			}
			out <- cot.StreamChunk{
				Content:    chunk.Content,
				Cumulative: chunk.Cumulative,
			}
		}
	}()
	return out, nil
}

// chatHistory flattens the session log into provider messages. Model and
// tool messages both travel as assistant turns; tool output is labeled so
// the model can tell it apart from its own reasoning.
func chatHistory(systemPrompt string, history []message.Message) []provider.Message {
	msgs := make([]provider.Message, 0, len(history)+1)
	msgs = append(msgs, provider.Message{Role: "system", Content: systemPrompt})
	for _, m := range history {
		switch m.Kind {
		case message.KindUser:
			msgs = append(msgs, provider.Message{Role: "user", Content: m.Text})
		case message.KindTool:
			msgs = append(msgs, provider.Message{
				Role:    "assistant",
				Content: fmt.Sprintf("[tool %s output] %s", m.ToolName, m.Text),
			})
		default:
			msgs = append(msgs, provider.Message{Role: "assistant", Content: m.Text})
		}
	}
	return msgs
}

// QueryRouter adapts gateway queries onto the run service. Signature
// matches gateway.QueryHandler.
type QueryRouter struct {
	service *Service
	gw      *gateway.Gateway
	logger  *zap.Logger
}

// NewQueryRouter creates the gateway bridge.
func NewQueryRouter(svc *Service, gw *gateway.Gateway, logger *zap.Logger) *QueryRouter {
	return &QueryRouter{service: svc, gw: gw, logger: logger}
}

// Handle runs a reasoning turn for an inbound query and sends the answer
// back to the originating platform.
func (qr *QueryRouter) Handle(q *gateway.InboundQuery) {
	ctx := context.Background()
	qr.logger.Info("routing query",
		zap.String("platform", q.Platform),
		zap.String("session", q.SessionID),
		zap.String("user", q.UserName),
	)

	result, err := qr.service.Run(ctx, q.SessionID, q.Query, nil)
	ans := &gateway.OutboundAnswer{
		Platform:  q.Platform,
		ChannelID: q.ChannelID,
		Text:      result.Answer,
		ViewHint:  result.ViewHint,
		ReplyTo:   q.ReplyTo,
	}
	if err != nil {
		qr.logger.Error("run failed", zap.String("session", q.SessionID), zap.Error(err))
		ans.Text = "Reasoning failed: " + err.Error()
		ans.Failed = true
	}
	if err := qr.gw.Send(ctx, ans); err != nil {
		qr.logger.Error("gateway send failed", zap.String("platform", q.Platform), zap.Error(err))
	}
}
