// Package sandbox holds per-session conversational state: the ordered
// message log, the topic anchor used for continuity detection, and the most
// recent view hint produced by a tool.
package sandbox

import (
	"go.uber.org/zap"

	"github.com/nidhogg/cogito/internal/message"
)

// DefaultTopicThreshold is the similarity ratio at or above which a new
// query is considered a continuation of the current topic.
const DefaultTopicThreshold = 0.65

// Sandbox is the session memory. It is not safe for concurrent use; the
// owning registry serializes access per session.
type Sandbox struct {
	TopicAnchor string
	Messages    []message.Message
	LatestView  string

	logger *zap.Logger
}

// New creates an empty sandbox.
func New(logger *zap.Logger) *Sandbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sandbox{logger: logger}
}

// IsSameTopic reports whether newQuery continues the anchored topic, using a
// character-level sequence-matching ratio. An unset anchor never matches.
func (s *Sandbox) IsSameTopic(newQuery string, threshold float64) bool {
	if s.TopicAnchor == "" {
		return false
	}
	sim := Ratio(s.TopicAnchor, newQuery)
	s.logger.Debug("topic similarity", zap.Float64("ratio", sim), zap.Float64("threshold", threshold))
	return sim >= threshold
}

// Reset clears the message log and view and re-anchors the topic on query.
func (s *Sandbox) Reset(query string) {
	s.logger.Info("sandbox reset", zap.String("topic", query))
	s.TopicAnchor = query
	s.Messages = nil
	s.LatestView = ""
}

// Extend appends a message; a non-empty view overwrites the latest view hint.
func (s *Sandbox) Extend(msg message.Message, view string) {
	s.Messages = append(s.Messages, msg)
	if view != "" {
		s.LatestView = view
	}
}

// HasUserQuery reports whether the exact query text is already seeded as a
// user message. The controller uses this to seed each topic at most once.
func (s *Sandbox) HasUserQuery(query string) bool {
	for _, m := range s.Messages {
		if m.Kind == message.KindUser && m.Text == query {
			return true
		}
	}
	return false
}
