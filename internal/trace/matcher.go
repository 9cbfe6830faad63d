package trace

import (
	"context"
	"fmt"

	"github.com/nidhogg/cogito/internal/embedding"
	"github.com/nidhogg/cogito/internal/vectorstore"
)

// DefaultMatchThreshold is the cosine similarity a prior query must reach to
// be considered the same question.
const DefaultMatchThreshold = 0.85

// Matcher finds the indexed exemplar most similar to a query. Index is
// called once per new canonical query; Match returns the best id at or above
// threshold.
type Matcher interface {
	Index(ctx context.Context, id, text string) error
	Match(ctx context.Context, query string, threshold float64) (id string, ok bool, err error)
}

// LinearMatcher embeds the query and every exemplar on each Match call.
// O(indexed queries) per lookup, which is fine at session scale.
type LinearMatcher struct {
	embedder  embedding.Provider
	exemplars map[string]string
}

// NewLinearMatcher creates a LinearMatcher on the given embedder.
func NewLinearMatcher(embedder embedding.Provider) *LinearMatcher {
	return &LinearMatcher{
		embedder:  embedder,
		exemplars: make(map[string]string),
	}
}

// Index remembers the exemplar text; embedding happens lazily at match time,
// so the embedding model never needs persisting.
func (m *LinearMatcher) Index(_ context.Context, id, text string) error {
	m.exemplars[id] = text
	return nil
}

// Match embeds query and all exemplars, returning the highest-cosine id if
// it meets threshold.
func (m *LinearMatcher) Match(ctx context.Context, query string, threshold float64) (string, bool, error) {
	if len(m.exemplars) == 0 {
		return "", false, nil
	}

	texts := make([]string, 0, len(m.exemplars)+1)
	ids := make([]string, 0, len(m.exemplars))
	texts = append(texts, query)
	for id, text := range m.exemplars {
		ids = append(ids, id)
		texts = append(texts, text)
	}

	vectors, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		return "", false, fmt.Errorf("trace: embed queries: %w", err)
	}
	if len(vectors) != len(texts) {
		return "", false, fmt.Errorf("trace: embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}

	qvec := vectors[0]
	bestID, bestScore := "", 0.0
	for i, id := range ids {
		score := embedding.Cosine(qvec, vectors[i+1])
		if score > bestScore {
			bestScore = score
			bestID = id
		}
	}
	if bestScore < threshold {
		return "", false, nil
	}
	return bestID, true, nil
}

// QdrantMatcher keeps exemplar vectors in a Qdrant collection so lookup cost
// stays flat as the trace corpus grows.
type QdrantMatcher struct {
	embedder   embedding.Provider
	store      *vectorstore.Client
	collection string
}

// NewQdrantMatcher creates the matcher and ensures its collection exists.
func NewQdrantMatcher(ctx context.Context, embedder embedding.Provider, store *vectorstore.Client, collection string) (*QdrantMatcher, error) {
	dim := uint64(embedder.Dimension())
	if dim == 0 {
		dim = 1024
	}
	if err := store.EnsureCollection(ctx, collection, dim); err != nil {
		return nil, fmt.Errorf("trace: ensure collection: %w", err)
	}
	return &QdrantMatcher{embedder: embedder, store: store, collection: collection}, nil
}

// Index embeds the exemplar and upserts it keyed by a UUID derived from the
// canonical id, carrying the id in the payload.
func (m *QdrantMatcher) Index(ctx context.Context, id, text string) error {
	vectors, err := m.embedder.Embed(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("trace: embed exemplar: %w", err)
	}
	if len(vectors) == 0 {
		return fmt.Errorf("trace: empty embedding for exemplar")
	}
	return m.store.Upsert(ctx, m.collection, vectorstore.DeterministicID(id), vectors[0], map[string]string{
		"query_id": id,
		"text":     text,
	})
}

// Match embeds the query and searches the collection for the top hit.
func (m *QdrantMatcher) Match(ctx context.Context, query string, threshold float64) (string, bool, error) {
	vectors, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return "", false, fmt.Errorf("trace: embed query: %w", err)
	}
	if len(vectors) == 0 {
		return "", false, nil
	}

	hits, err := m.store.Search(ctx, m.collection, vectors[0], 1)
	if err != nil {
		return "", false, fmt.Errorf("trace: vector search: %w", err)
	}
	if len(hits) == 0 || float64(hits[0].Score) < threshold {
		return "", false, nil
	}
	return hits[0].Payload["query_id"], true, nil
}
