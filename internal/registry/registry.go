// Package registry owns the per-session reasoning state: each session id
// maps to a sandbox and a reasoning-trace graph, loaded lazily from disk
// and evicted under a bounded size and TTL policy. Evicted sessions are
// persisted first, so eviction is invisible apart from a reload cost.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/cogito/internal/sandbox"
	"github.com/nidhogg/cogito/internal/trace"
)

// Config holds the registry's storage location and eviction policy.
type Config struct {
	DataDir string `json:"data_dir"`

	// MaxSessions bounds resident sessions; the least recently used is
	// evicted when the bound is exceeded.
	MaxSessions int `json:"max_sessions"`

	// TTL evicts sessions idle longer than this. Zero disables the
	// idle check; the size bound still applies.
	TTL time.Duration `json:"ttl"`
}

// DefaultConfig returns the stock eviction policy.
func DefaultConfig() Config {
	return Config{MaxSessions: 128, TTL: time.Hour}
}

// Session is one resident session. Callers must hold Lock for the
// duration of a reasoning run: the registry serializes per-session access
// so concurrent requests for the same id cannot interleave state.
type Session struct {
	ID      string
	Sandbox *sandbox.Sandbox
	Graph   *trace.Graph

	mu       sync.Mutex
	lastUsed time.Time
}

// Lock acquires exclusive use of the session.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session.
func (s *Session) Unlock() { s.mu.Unlock() }

// Registry is the process-wide session table.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	config   Config

	// newMatcher builds a fresh similarity matcher for each loaded
	// graph; the embedding model is never persisted.
	newMatcher func() trace.Matcher
	logger     *zap.Logger
}

// New creates a session registry.
func New(cfg Config, newMatcher func() trace.Matcher, logger *zap.Logger) *Registry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultConfig().MaxSessions
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		config:     cfg,
		newMatcher: newMatcher,
		logger:     logger,
	}
}

// Get returns the session for id, loading persisted state on first use
// and creating fresh state when none exists.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.evictExpired(now)

	if s, ok := r.sessions[id]; ok {
		s.lastUsed = now
		return s, nil
	}

	s, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.lastUsed = now
	r.sessions[id] = s

	for len(r.sessions) > r.config.MaxSessions {
		if !r.evictOldest(id) {
			break
		}
	}
	return s, nil
}

func (r *Registry) load(ctx context.Context, id string) (*Session, error) {
	sb, err := sandbox.Load(r.config.DataDir, id, r.logger)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if sb == nil {
		sb = sandbox.New(r.logger)
	}

	var matcher trace.Matcher
	if r.newMatcher != nil {
		matcher = r.newMatcher()
	}
	g, err := trace.Load(ctx, r.config.DataDir, id, matcher, r.logger)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if g == nil {
		g = trace.NewGraph(matcher, r.logger)
	}

	return &Session{ID: id, Sandbox: sb, Graph: g}, nil
}

// Persist writes the session's sandbox and trace snapshots to disk.
func (r *Registry) Persist(s *Session) error {
	if err := sandbox.Save(r.config.DataDir, s.ID, s.Sandbox, r.logger); err != nil {
		return err
	}
	return trace.Save(r.config.DataDir, s.ID, s.Graph, r.logger)
}

// evictExpired drops sessions idle past the TTL. Callers hold r.mu.
func (r *Registry) evictExpired(now time.Time) {
	if r.config.TTL <= 0 {
		return
	}
	for id, s := range r.sessions {
		if now.Sub(s.lastUsed) > r.config.TTL {
			r.evict(id, s)
		}
	}
}

// evictOldest drops the least recently used session, sparing keep.
// Callers hold r.mu. Reports false when every candidate is busy.
func (r *Registry) evictOldest(keep string) bool {
	var oldest *Session
	var oldestID string
	for id, s := range r.sessions {
		if id == keep {
			continue
		}
		if oldest == nil || s.lastUsed.Before(oldest.lastUsed) {
			oldest, oldestID = s, id
		}
	}
	if oldest == nil {
		return false
	}
	return r.evict(oldestID, oldest)
}

// evict persists and drops a session. A session whose lock is held has
// a run in flight; it must not be snapshotted or orphaned mid-mutation,
// so eviction skips it and reports false.
func (r *Registry) evict(id string, s *Session) bool {
	if !s.mu.TryLock() {
		r.logger.Debug("session busy, eviction skipped", zap.String("session", id))
		return false
	}
	defer s.mu.Unlock()
	if err := r.Persist(s); err != nil {
		r.logger.Error("persist on evict failed", zap.String("session", id), zap.Error(err))
	}
	delete(r.sessions, id)
	r.logger.Debug("session evicted", zap.String("session", id))
	return true
}

// Close persists every resident session. Called on shutdown.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, s := range r.sessions {
		s.mu.Lock()
		err := r.Persist(s)
		s.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("persist session %s: %w", id, err)
		}
	}
	return firstErr
}

// Len reports resident session count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
