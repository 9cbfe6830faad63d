package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/nidhogg/cogito/internal/message"
)

// snapshotVersion identifies the on-disk schema.
const snapshotVersion = 1

// Snapshot is the serializable form of a Sandbox.
type Snapshot struct {
	Version     int               `json:"version"`
	TopicAnchor string            `json:"topic_anchor,omitempty"`
	LatestView  string            `json:"latest_view,omitempty"`
	Messages    []message.Message `json:"messages"`
}

// Snapshot returns the serializable state of the sandbox.
func (s *Sandbox) Snapshot() Snapshot {
	return Snapshot{
		Version:     snapshotVersion,
		TopicAnchor: s.TopicAnchor,
		LatestView:  s.LatestView,
		Messages:    s.Messages,
	}
}

// FromSnapshot rebuilds a sandbox. Messages that fail validation degrade to
// an empty log rather than an error; the anchor and view survive.
func FromSnapshot(snap Snapshot, logger *zap.Logger) *Sandbox {
	s := New(logger)
	s.TopicAnchor = snap.TopicAnchor
	s.LatestView = snap.LatestView
	for i, m := range snap.Messages {
		if err := m.Validate(); err != nil {
			s.logger.Error("sandbox snapshot contains invalid message, dropping message log",
				zap.Int("index", i), zap.Error(err))
			s.Messages = nil
			return s
		}
		s.Messages = append(s.Messages, m)
	}
	return s
}

// Save writes the sandbox for a session atomically (temp file, then rename)
// so a crash mid-write leaves the previous snapshot intact.
func Save(dir, sessionID string, s *Sandbox, logger *zap.Logger) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sandbox: create dir: %w", err)
	}
	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("sandbox: marshal snapshot: %w", err)
	}

	tmp := filepath.Join(dir, sessionID+".tmp")
	final := filepath.Join(dir, sessionID+".json")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("sandbox: write temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sandbox: rename snapshot: %w", err)
	}
	logger.Debug("sandbox saved", zap.String("session", sessionID), zap.Int("messages", len(s.Messages)))
	return nil
}

// Load reads a persisted sandbox. A missing file returns (nil, nil). A file
// that cannot be parsed at all is logged and treated as missing; invalid
// messages inside a parseable file degrade per FromSnapshot.
func Load(dir, sessionID string, logger *zap.Logger) (*Sandbox, error) {
	path := filepath.Join(dir, sessionID+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sandbox: read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.Error("sandbox snapshot unreadable, starting fresh",
			zap.String("session", sessionID), zap.Error(err))
		return nil, nil
	}
	if snap.Version != snapshotVersion {
		logger.Warn("sandbox snapshot has unknown schema version, starting fresh",
			zap.String("session", sessionID), zap.Int("version", snap.Version))
		return nil, nil
	}
	return FromSnapshot(snap, logger), nil
}
