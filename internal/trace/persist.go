package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// snapshotVersion identifies the on-disk schema: explicit node and edge
// lists plus the exemplar index, one artifact per session.
const snapshotVersion = 1

type snapshot struct {
	Version    int               `json:"version"`
	Nodes      []Node            `json:"nodes"`
	Edges      []edge            `json:"edges"`
	QueryIndex map[string]string `json:"query_index"`
}

type edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Save writes the graph and query index together, atomically.
func Save(dir, sessionID string, g *Graph, logger *zap.Logger) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("trace: create dir: %w", err)
	}

	snap := snapshot{
		Version:    snapshotVersion,
		QueryIndex: g.queryIndex,
	}
	for _, n := range g.nodes {
		snap.Nodes = append(snap.Nodes, n)
	}
	// Successor order is the plan order; edges are written in list order per
	// source node so load reconstructs it exactly.
	for src, dsts := range g.successors {
		for _, dst := range dsts {
			snap.Edges = append(snap.Edges, edge{From: src, To: dst})
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("trace: marshal snapshot: %w", err)
	}

	tmp := filepath.Join(dir, sessionID+".trace.tmp")
	final := filepath.Join(dir, sessionID+".trace.json")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("trace: write temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("trace: rename snapshot: %w", err)
	}
	logger.Debug("trace saved", zap.String("session", sessionID), zap.Int("nodes", len(snap.Nodes)))
	return nil
}

// Load reads a persisted graph onto a fresh matcher (the embedding model is
// never persisted). A missing file returns (nil, nil); an unreadable one is
// logged and treated as missing.
func Load(ctx context.Context, dir, sessionID string, matcher Matcher, logger *zap.Logger) (*Graph, error) {
	path := filepath.Join(dir, sessionID+".trace.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trace: read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.Error("trace snapshot unreadable, starting fresh",
			zap.String("session", sessionID), zap.Error(err))
		return nil, nil
	}
	if snap.Version != snapshotVersion {
		logger.Warn("trace snapshot has unknown schema version, starting fresh",
			zap.String("session", sessionID), zap.Int("version", snap.Version))
		return nil, nil
	}

	g := NewGraph(matcher, logger)
	for _, n := range snap.Nodes {
		g.nodes[n.ID] = n
	}
	for _, e := range snap.Edges {
		g.successors[e.From] = append(g.successors[e.From], e.To)
	}
	for id, text := range snap.QueryIndex {
		g.queryIndex[id] = text
		if matcher != nil {
			if err := matcher.Index(ctx, id, text); err != nil {
				logger.Warn("trace: re-indexing exemplar failed", zap.String("id", id), zap.Error(err))
			}
		}
	}
	return g, nil
}
