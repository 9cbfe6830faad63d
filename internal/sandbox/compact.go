package sandbox

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/cogito/internal/message"
)

// Summarizer condenses conversation text into a short digest. The
// compactor degrades to truncation when it is nil or fails.
type Summarizer func(ctx context.Context, text string) (string, error)

// Compactor bounds a long-lived sandbox. Sessions that survive many turns
// on one topic accumulate messages without limit; before a new run the
// compactor folds the oldest half of the log into a single digest message
// and clips oversized tool outputs.
type Compactor struct {
	maxTokens int
	summarize Summarizer
	logger    *zap.Logger
}

// DefaultCompactBudget is the token estimate above which a sandbox log is
// compacted.
const DefaultCompactBudget = 8000

const maxToolOutput = 500

const digestProducer = "sandbox:digest"

func NewCompactor(maxTokens int, summarize Summarizer, logger *zap.Logger) *Compactor {
	if maxTokens <= 0 {
		maxTokens = DefaultCompactBudget
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{maxTokens: maxTokens, summarize: summarize, logger: logger}
}

// Compact shrinks the sandbox log when it exceeds the token budget. The
// seeded user query always survives, so topic continuity checks keep
// working after compaction.
func (c *Compactor) Compact(ctx context.Context, s *Sandbox) {
	total := estimateTokens(s.Messages)
	if total <= c.maxTokens {
		return
	}
	c.logger.Info("sandbox exceeds budget, compacting",
		zap.Int("tokens", total),
		zap.Int("budget", c.maxTokens),
		zap.Int("messages", len(s.Messages)))

	c.clipToolOutputs(s)

	if estimateTokens(s.Messages) <= c.maxTokens || len(s.Messages) <= 2 {
		return
	}

	// The seeded user query stays at the head so topic seeding is not
	// repeated on the next run.
	var head []message.Message
	rest := s.Messages
	if rest[0].Kind == message.KindUser {
		head = rest[:1]
		rest = rest[1:]
	}

	cut := len(rest) / 2
	old := rest[:cut]
	if len(old) == 0 {
		return
	}

	var b strings.Builder
	for _, m := range old {
		fmt.Fprintf(&b, "[%s] %s\n", m.Kind, m.Text)
	}

	compacted := make([]message.Message, 0, len(head)+len(rest)-cut+1)
	compacted = append(compacted, head...)

	digest, err := c.digest(ctx, b.String())
	if err != nil {
		c.logger.Warn("digest failed, truncating history", zap.Error(err))
	} else {
		compacted = append(compacted, message.Model("[Earlier conversation digest]\n"+digest, digestProducer))
	}
	compacted = append(compacted, rest[cut:]...)
	s.Messages = compacted
}

// clipToolOutputs truncates tool responses past the per-message cap. Tool
// output dominates log size; clipping it often avoids a digest round-trip.
func (c *Compactor) clipToolOutputs(s *Sandbox) {
	for i, m := range s.Messages {
		if m.Kind != message.KindTool {
			continue
		}
		if r := []rune(m.Text); len(r) > maxToolOutput {
			s.Messages[i].Text = string(r[:maxToolOutput]) + "\n...[truncated]"
		}
	}
}

func (c *Compactor) digest(ctx context.Context, text string) (string, error) {
	if c.summarize == nil {
		return "", fmt.Errorf("no summarizer configured")
	}
	return c.summarize(ctx, text)
}

// estimateTokens is a rough heuristic, about 4 chars per token.
func estimateTokens(msgs []message.Message) int {
	total := 0
	for _, m := range msgs {
		n := len(m.Text)
		if n > 0 {
			total += (n + 3) / 4
		}
	}
	return total
}
