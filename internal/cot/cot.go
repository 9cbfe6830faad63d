// Package cot implements the chain-of-thought reasoning controller: a
// bounded iterative state machine that drives a model generation stream,
// detects and executes tool calls, blocks duplicates, and steers the model
// toward a terminating final answer.
package cot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/cogito/internal/message"
	"github.com/nidhogg/cogito/internal/sandbox"
	"github.com/nidhogg/cogito/internal/trace"
)

// Mode is the high-level controller mode.
type Mode int

const (
	// ModeInteractive allows tool calls.
	ModeInteractive Mode = iota
	// ModeFinalizing forbids tools; the model must produce a final answer.
	ModeFinalizing
)

func (m Mode) String() string {
	if m == ModeFinalizing {
		return "FINALIZING"
	}
	return "INTERACTIVE"
}

// ErrNoFinalAnswer is returned when the iteration budget is exhausted
// without the sentinel appearing. It is the only fatal run outcome.
var ErrNoFinalAnswer = errors.New("exceeded max iterations without final answer")

// Config holds the controller's limits and knobs.
type Config struct {
	MaxIters               int
	MaxToolSteps           int
	MaxFinalizeNudges      int
	MaxJustificationNudges int

	// AutoFinalizeAfterTool switches to finalize mode after the first
	// successful tool execution, trading multi-tool plans for guaranteed
	// quick termination.
	AutoFinalizeAfterTool bool

	// DumpDir receives the diagnostic message dump written before a
	// fatal exit. Empty disables the dump.
	DumpDir string
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxIters:               5,
		MaxToolSteps:           5,
		MaxFinalizeNudges:      2,
		MaxJustificationNudges: 3,
	}
}

// minJustification is the shortest explanation accepted before a tool
// call; anything shorter earns a justification nudge.
const minJustification = 12

const (
	producerModel = "cot:model"
	producerNote  = "cot:note"
)

// Generator opens one model generation stream per iteration. The chunk
// sequence is finite; chunks may be incremental or cumulative per the
// stream contract.
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, history []message.Message) (<-chan StreamChunk, error)
}

// StreamChunk is one item of a generation stream as the controller sees
// it. Cumulative marks chunks that carry the full accumulated text so far
// instead of an increment.
type StreamChunk struct {
	Content    string
	Cumulative bool
	Done       bool
}

// runState is the mutable per-run state. Owned by exactly one Run call.
type runState struct {
	iteration           int
	toolsRun            int
	mode                Mode
	finalizeNudges      int
	justificationNudges int
	executed            map[string]struct{}
	lastToolID          string
}

// Controller orchestrates one reasoning run for one session. It is not
// safe for concurrent use; the registry serializes access per session.
type Controller struct {
	query   string
	session string
	sandbox *sandbox.Sandbox
	graph   *trace.Graph
	tools   ToolProvider
	model   Generator
	config  Config
	logger  *zap.Logger

	chain         []message.Message
	toolSummaries string
	plan          []string

	// OnMessage, when set, observes every message the run emits, in
	// order. Used by the transport layer to stream chat-shaped output.
	OnMessage func(message.Message)

	// Checkpoint, when set, runs after each completed tool round so the
	// owner can persist session state mid-run.
	Checkpoint func()
}

// New prepares a controller for one query. Set OnMessage and Checkpoint
// before calling Run.
func New(query, sessionID string, sb *sandbox.Sandbox, graph *trace.Graph, tools ToolProvider, model Generator, cfg Config, logger *zap.Logger) *Controller {
	return &Controller{
		query:   query,
		session: sessionID,
		sandbox: sb,
		graph:   graph,
		tools:   tools,
		model:   model,
		config:  cfg,
		logger:  logger,
	}
}

// Run drives the reasoning loop until a final answer is emitted or a
// budget forces termination. It returns the final answer text. The only
// error it returns wraps ErrNoFinalAnswer, after writing a diagnostic
// dump of the session messages.
func (c *Controller) Run(ctx context.Context) (string, error) {
	// Reset session memory on topic drift; seed the user message at most
	// once per topic.
	if !c.sandbox.IsSameTopic(c.query, sandbox.DefaultTopicThreshold) {
		c.sandbox.Reset(c.query)
	}
	if !c.sandbox.HasUserQuery(c.query) {
		c.append(message.User(c.query))
	}

	c.loadPlan(ctx)

	base, err := c.buildSystemPrompt(ctx)
	if err != nil {
		return "", err
	}
	st := &runState{executed: make(map[string]struct{})}

	for st.iteration = 0; st.iteration < c.config.MaxIters; st.iteration++ {
		prompt := attachTurnState(base, st)
		c.logger.Debug("cot iteration",
			zap.Int("iter", st.iteration),
			zap.String("mode", st.mode.String()),
			zap.Int("tools_run", st.toolsRun))

		text, err := c.streamText(ctx, prompt)
		if err != nil {
			return "", err
		}
		c.logger.Debug("model response", zap.String("text", text))

		if strings.Contains(text, Sentinel) {
			final := c.emitFinalAnswer(text)
			c.persistTrace(ctx, final)
			return final, nil
		}

		if st.mode == ModeFinalizing {
			if looksLikeToolJSON(text) {
				st.finalizeNudges++
				if st.finalizeNudges > c.config.MaxFinalizeNudges {
					return c.forceSummarizedExit(ctx, text), nil
				}
				c.appendNote("Do not call tools in finalize mode. Provide final answer ending with " + Sentinel + ".")
				continue
			}
			c.appendModelText(text)
			continue
		}

		detected := Detect(text)
		if len(detected) == 0 {
			c.appendNote("No tool JSON detected. Either answer with " + Sentinel + " or output a single tool JSON.")
			continue
		}

		// Only the first call is honored.
		call := detected[0]
		toolID := CanonicalID(call.Name, call.Args)

		if c.needsJustification(text, st) {
			st.justificationNudges++
			c.appendNote("Provide a brief natural language justification (one sentence) before the tool JSON call explaining why the tool is needed, then repeat the tool JSON.")
			continue
		}

		if _, dup := st.executed[toolID]; dup || toolID == st.lastToolID {
			st.mode = ModeFinalizing
			c.appendNote(fmt.Sprintf("Duplicate tool call blocked (%s). Move to final answer with %s.", call.Name, Sentinel))
			continue
		}

		c.recordReasoning(text)

		if !c.executeTool(ctx, call, toolID, st) {
			c.appendNote("Tool returned no result; attempt final answer or different tool.")
			continue
		}

		st.toolsRun++
		if c.config.AutoFinalizeAfterTool {
			st.mode = ModeFinalizing
			c.appendNote("Tool step complete. Use the tool output above. Provide final answer ending with " + Sentinel + " or justify ONE new tool if truly needed.")
			continue
		}
		if len(c.plan) > 0 && st.toolsRun >= len(c.plan) {
			st.mode = ModeFinalizing
			c.appendNote("Plan complete. Provide the final answer ending with " + Sentinel + ".")
			continue
		}
		if st.toolsRun >= c.config.MaxToolSteps {
			st.mode = ModeFinalizing
			c.appendNote("Max tool steps reached. Provide final answer ending with " + Sentinel + ".")
			continue
		}
	}

	c.dumpHistory()
	return "", fmt.Errorf("%w after %d iterations", ErrNoFinalAnswer, c.config.MaxIters)
}

// loadPlan fetches the cached tool plan for a similar prior query, if
// any. Blank entries are dropped; an empty result disables the hint.
func (c *Controller) loadPlan(ctx context.Context) {
	if c.graph == nil {
		return
	}
	raw := c.graph.GetPlan(ctx, c.query, trace.DefaultMatchThreshold)
	var cleaned []string
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	c.plan = cleaned
}

func (c *Controller) buildSystemPrompt(ctx context.Context) (string, error) {
	if c.toolSummaries == "" {
		tools, err := c.tools.ListTools(ctx)
		if err != nil {
			c.logger.Warn("list tools failed", zap.Error(err))
		}
		var lines []string
		for _, t := range tools {
			lines = append(lines, t.Name+": "+t.Description)
		}
		c.toolSummaries = strings.Join(lines, "\n")
	}
	return systemPrompt(c.query, c.toolSummaries, c.plan), nil
}

// streamText accumulates one iteration's generation into a single string,
// computing true deltas when the source re-emits cumulative text.
func (c *Controller) streamText(ctx context.Context, prompt string) (string, error) {
	ch, err := c.model.Generate(ctx, prompt, c.sandbox.Messages)
	if err != nil {
		return "", fmt.Errorf("open model stream: %w", err)
	}
	acc := ""
	for chunk := range ch {
		if chunk.Content == "" {
			continue
		}
		switch {
		case chunk.Cumulative && strings.HasPrefix(chunk.Content, acc):
			acc = chunk.Content
		case chunk.Cumulative:
			acc += chunk.Content
		case acc != "" && strings.HasPrefix(chunk.Content, acc):
			// Some sources re-emit the whole text so far without
			// setting the flag; treat that as a cumulative chunk.
			acc = chunk.Content
		default:
			acc += chunk.Content
		}
	}
	return acc, nil
}

// needsJustification checks for a minimal explanation preceding the tool
// call, while the nudge budget lasts.
func (c *Controller) needsJustification(text string, st *runState) bool {
	if st.justificationNudges >= c.config.MaxJustificationNudges {
		return false
	}
	start, _, ok := callSpan(text)
	if !ok {
		return false
	}
	prefix := strings.TrimSpace(text[:start])
	return len(prefix) < minJustification
}

// recordReasoning splits model text into the explanatory prefix and the
// isolated tool-call fragment and appends each as its own message. This
// is for audit legibility only; control flow never depends on it.
func (c *Controller) recordReasoning(text string) {
	start, end, ok := callSpan(text)
	if !ok {
		if cleaned := strings.TrimSpace(text); cleaned != "" && cleaned != c.lastModelText() {
			c.appendModelText(cleaned)
		}
		return
	}
	prefix := strings.Trim(text[:start], "\n ")
	if len(prefix) > 8 && prefix != c.lastModelText() {
		c.appendModelText(prefix)
	}
	block := strings.TrimSpace(text[start:end])
	if block != "" && block != c.lastModelText() {
		c.appendModelText(block)
	}
}

// executeTool runs one tool call and appends its outcomes. The canonical
// id is marked executed even on failure so a retry counts as a duplicate.
// Returns false when the call produced no outcomes.
func (c *Controller) executeTool(ctx context.Context, call Call, toolID string, st *runState) bool {
	outcomes, err := c.tools.CallTool(ctx, call.Name, call.Args)
	st.executed[toolID] = struct{}{}
	st.lastToolID = toolID

	if err != nil {
		c.logger.Warn("tool call failed", zap.String("tool", call.Name), zap.Error(err))
		return false
	}
	if len(outcomes) == 0 {
		return false
	}

	for _, out := range outcomes {
		c.append(message.Tool(out.Response, call.Name, out.View))
	}
	c.appendNote("Summarize or proceed. If the above tool output answers the user, provide the final answer ending with " +
		Sentinel + ". Otherwise justify the next distinct tool (do not repeat the same one).")

	if c.Checkpoint != nil {
		c.Checkpoint()
	}
	return true
}

// emitFinalAnswer appends the text preceding the sentinel as the final
// answer message and returns it.
func (c *Controller) emitFinalAnswer(text string) string {
	idx := strings.Index(text, Sentinel)
	final := strings.TrimRight(text[:idx], " \t\n")
	c.append(message.Model(final, producerModel))
	return final
}

// forceSummarizedExit synthesizes a truncated best-effort answer from the
// raw model text after the finalize-nudge budget is exhausted. Not an
// error to the caller.
func (c *Controller) forceSummarizedExit(ctx context.Context, text string) string {
	raw := []rune(strings.TrimSpace(text))
	if len(raw) > 500 {
		raw = raw[:500]
	}
	final := "Final answer unavailable from model after multiple finalize nudges; summarizing best effort: " + string(raw)
	c.append(message.Model(final, producerModel))
	c.persistTrace(ctx, final)
	return final
}

// persistTrace records this run's query, executed tool sequence, and
// final answer into the reasoning graph. Best effort.
func (c *Controller) persistTrace(ctx context.Context, finalAnswer string) {
	if c.graph == nil {
		return
	}
	var steps []trace.ToolStep
	for _, m := range c.chain {
		if m.Kind == message.KindTool {
			steps = append(steps, trace.ToolStep{
				Name: m.ToolName,
				Args: map[string]any{"raw_text": m.Text},
			})
		}
	}
	if err := c.graph.AddTrace(ctx, c.query, steps, finalAnswer); err != nil {
		c.logger.Warn("record reasoning trace", zap.Error(err))
	}
}

// dumpHistory writes the session's message contents to a diagnostic file
// before the fatal exit.
func (c *Controller) dumpHistory() {
	c.logger.Warn("no final answer within iteration budget",
		zap.String("session", c.session),
		zap.Int("max_iters", c.config.MaxIters))
	if c.config.DumpDir == "" {
		return
	}
	var lines []string
	for _, m := range c.sandbox.Messages {
		lines = append(lines, m.Text)
	}
	path := filepath.Join(c.config.DumpDir, c.session+".dump.txt")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		c.logger.Warn("write diagnostic dump", zap.String("path", path), zap.Error(err))
	}
}

func (c *Controller) lastModelText() string {
	for i := len(c.sandbox.Messages) - 1; i >= 0; i-- {
		if c.sandbox.Messages[i].Kind == message.KindModel {
			return c.sandbox.Messages[i].Text
		}
	}
	return ""
}

// append records a message in the run chain and the sandbox, and notifies
// the observer.
func (c *Controller) append(msg message.Message) {
	c.chain = append(c.chain, msg)
	c.sandbox.Extend(msg, msg.ViewHint)
	if c.OnMessage != nil {
		c.OnMessage(msg)
	}
}

func (c *Controller) appendModelText(text string) {
	c.append(message.Model(text, producerModel))
}

func (c *Controller) appendNote(note string) {
	c.append(message.Model(note, producerNote))
}
