package trace

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Archive mirrors recorded traces into Neo4j for cross-session inspection.
// The per-session snapshot files remain the source of truth; archiving is
// best-effort and the service runs without it.
type Archive struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewArchive creates a Neo4j-backed trace archive.
func NewArchive(uri, user, password string, logger *zap.Logger) (*Archive, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("trace: create neo4j driver: %w", err)
	}
	return &Archive{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (a *Archive) Ping(ctx context.Context) error {
	return a.driver.VerifyConnectivity(ctx)
}

// Close shuts down the Neo4j driver.
func (a *Archive) Close(ctx context.Context) error {
	return a.driver.Close(ctx)
}

// Record mirrors one trace path. Query and tool nodes are merged by id so
// repeated traces share structure, matching the in-memory graph.
func (a *Archive) Record(ctx context.Context, sessionID, query string, tools []ToolStep, finalAnswer string) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	qid := CanonicalQueryID(query)
	_, err := session.Run(ctx,
		`MERGE (q:Query {id: $id})
		 ON CREATE SET q.text = $text, q.session_id = $session, q.created_at = datetime()`,
		map[string]any{"id": qid, "text": query, "session": sessionID})
	if err != nil {
		return fmt.Errorf("trace: archive query node: %w", err)
	}

	prevID, prevLabel := qid, "Query"
	for _, step := range tools {
		tid := toolNodeID(step.Name, step.Args)
		_, err := session.Run(ctx,
			fmt.Sprintf(`MATCH (p:%s {id: $prev})
			 MERGE (t:ToolStep {id: $id})
			 ON CREATE SET t.tool = $tool, t.args = $args
			 MERGE (p)-[:CALLS]->(t)`, prevLabel),
			map[string]any{
				"prev": prevID,
				"id":   tid,
				"tool": step.Name,
				"args": canonicalArgs(step.Args),
			})
		if err != nil {
			return fmt.Errorf("trace: archive tool step %s: %w", step.Name, err)
		}
		prevID, prevLabel = tid, "ToolStep"
	}

	if finalAnswer != "" {
		aid := answerNodeID(finalAnswer)
		_, err := session.Run(ctx,
			fmt.Sprintf(`MATCH (p:%s {id: $prev})
			 MERGE (ans:Answer {id: $id})
			 ON CREATE SET ans.text = $text
			 MERGE (p)-[:ANSWERS]->(ans)`, prevLabel),
			map[string]any{"prev": prevID, "id": aid, "text": finalAnswer})
		if err != nil {
			return fmt.Errorf("trace: archive answer: %w", err)
		}
	}

	a.logger.Debug("trace archived",
		zap.String("session", sessionID),
		zap.Int("tool_steps", len(tools)))
	return nil
}
