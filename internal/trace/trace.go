// Package trace records query → tool-sequence → answer reasoning paths in a
// directed graph and recalls them as plan hints for similar future queries.
package trace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// NodeType tags graph nodes.
type NodeType string

const (
	NodeQuery  NodeType = "query"
	NodeTool   NodeType = "tool"
	NodeAnswer NodeType = "answer"
)

// Node is one vertex of the reasoning graph.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	// Text holds the original query or answer text; Tool/Args describe a
	// tool step.
	Text string `json:"text,omitempty"`
	Tool string `json:"tool,omitempty"`
	Args string `json:"args,omitempty"`
}

// ToolStep is one executed tool call recorded in a trace.
type ToolStep struct {
	Name string
	Args map[string]any
}

// Graph is the reasoning trace graph plus the exemplar index used for
// similarity lookup. Not safe for concurrent use; the registry serializes
// access per session.
type Graph struct {
	nodes      map[string]Node
	successors map[string][]string
	queryIndex map[string]string // canonical id -> exemplar query text

	matcher Matcher
	logger  *zap.Logger
}

// NewGraph creates an empty graph backed by the given matcher.
func NewGraph(matcher Matcher, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		nodes:      make(map[string]Node),
		successors: make(map[string][]string),
		queryIndex: make(map[string]string),
		matcher:    matcher,
		logger:     logger,
	}
}

// CanonicalQueryID hashes the sorted lowercase tokens of a query, so token
// order and whitespace do not produce distinct ids.
func CanonicalQueryID(query string) string {
	tokens := strings.Fields(strings.ToLower(query))
	sort.Strings(tokens)
	sum := sha256.Sum256([]byte(strings.Join(tokens, " ")))
	return hex.EncodeToString(sum[:])
}

func toolNodeID(name string, args map[string]any) string {
	serialized := canonicalArgs(args)
	sum := sha256.Sum256([]byte(serialized))
	return name + ":" + hex.EncodeToString(sum[:])
}

func answerNodeID(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "answer:" + hex.EncodeToString(sum[:])
}

// canonicalArgs serializes an argument map with sorted keys and no
// incidental whitespace. encoding/json already sorts map keys.
func canonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(b)
}

func (g *Graph) addNode(n Node) {
	g.nodes[n.ID] = n
}

// addEdge appends dst to src's successor list once; a query node re-traced
// later grows additional successor paths from the same node.
func (g *Graph) addEdge(src, dst string) {
	for _, s := range g.successors[src] {
		if s == dst {
			return
		}
	}
	g.successors[src] = append(g.successors[src], dst)
}

// AddTrace records one query → tools → answer path. The query node is found
// or created; it is never deleted once present.
func (g *Graph) AddTrace(ctx context.Context, query string, tools []ToolStep, finalAnswer string) error {
	qid := CanonicalQueryID(query)
	if _, seen := g.queryIndex[qid]; !seen {
		g.queryIndex[qid] = query
		if g.matcher != nil {
			if err := g.matcher.Index(ctx, qid, query); err != nil {
				// Lookup becomes best-effort for this exemplar; the trace
				// itself is still recorded.
				g.logger.Warn("trace: exemplar indexing failed", zap.Error(err))
			}
		}
	}
	g.addNode(Node{ID: qid, Type: NodeQuery, Text: query})

	prev := qid
	for _, step := range tools {
		tid := toolNodeID(step.Name, step.Args)
		g.addNode(Node{ID: tid, Type: NodeTool, Tool: step.Name, Args: canonicalArgs(step.Args)})
		g.addEdge(prev, tid)
		prev = tid
	}

	if finalAnswer != "" {
		aid := answerNodeID(finalAnswer)
		g.addNode(Node{ID: aid, Type: NodeAnswer, Text: finalAnswer})
		g.addEdge(prev, aid)
	}

	g.logger.Debug("trace recorded",
		zap.String("query_id", qid[:12]),
		zap.Int("tool_steps", len(tools)),
		zap.Bool("answered", finalAnswer != ""))
	return nil
}

// MatchQuery returns the canonical id of the most similar indexed exemplar
// at or above threshold, or ("", false) when nothing qualifies.
func (g *Graph) MatchQuery(ctx context.Context, query string, threshold float64) (string, bool) {
	if g.matcher == nil || len(g.queryIndex) == 0 {
		return "", false
	}
	id, ok, err := g.matcher.Match(ctx, query, threshold)
	if err != nil {
		g.logger.Warn("trace: query match failed", zap.Error(err))
		return "", false
	}
	return id, ok
}

// GetPlan recalls the ordered tool names of the first recorded path for a
// similarity-matched prior query. Returns nil when no exemplar matches.
func (g *Graph) GetPlan(ctx context.Context, query string, threshold float64) []string {
	qid, ok := g.MatchQuery(ctx, query, threshold)
	if !ok {
		return nil
	}

	var plan []string
	current := qid
	for {
		next := g.successors[current]
		if len(next) == 0 {
			break
		}
		node := g.nodes[next[0]]
		if node.Type == NodeTool {
			plan = append(plan, node.Tool)
		}
		current = next[0]
	}
	return plan
}

// QueryCount returns the number of distinct canonical queries recorded.
func (g *Graph) QueryCount() int { return len(g.queryIndex) }
