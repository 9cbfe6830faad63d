package e2e

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/cogito/internal/bus"
	"github.com/nidhogg/cogito/internal/cot"
	"github.com/nidhogg/cogito/internal/mcp"
	"github.com/nidhogg/cogito/internal/provider"
	"github.com/nidhogg/cogito/internal/registry"
	svcrouter "github.com/nidhogg/cogito/internal/router"
	pgstore "github.com/nidhogg/cogito/internal/store"
	"github.com/nidhogg/cogito/internal/trace"
)

// Suppress unused import warning for testcontainers base package.
var _ = testcontainers.GenericContainerRequest{}

// Package-level shared state — set by TestMain, used by all subtests.
var (
	testLogger   *zap.Logger
	testPGStore  *pgstore.Store
	testArchive  *trace.Archive
	testRedisURL string
)

// startNeo4j starts a Neo4j testcontainer, returns URI + cleanup func.
func startNeo4j(ctx context.Context) (string, func(), error) {
	container, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start neo4j: %w", err)
	}
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("neo4j bolt url: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return uri, cleanup, nil
}

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("cogito_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

// newScriptedBackend starts an OpenAI-compatible SSE server that plays a
// fixed sequence of completions, one per request. The last entry repeats
// once the script runs out.
func newScriptedBackend(t *testing.T, responses []string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		idx := calls
		calls++
		mu.Unlock()
		if idx >= len(responses) {
			idx = len(responses) - 1
		}
		text := responses[idx]

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		// Split each completion into two deltas so the client exercises
		// its chunk reassembly.
		half := len(text) / 2
		for _, part := range []string{text[:half], text[half:]} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%s}}]}\n\n", jsonString(part))
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func jsonString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// directoryTools is a deterministic in-process toolset exposing a single
// company directory lookup.
type directoryTools struct {
	mu    sync.Mutex
	calls []string
}

func (d *directoryTools) ListTools(_ context.Context) ([]mcp.ToolInfo, error) {
	return []mcp.ToolInfo{
		{Name: "list_companies", Description: "List companies in the directory"},
	}, nil
}

func (d *directoryTools) CallTool(_ context.Context, name string, _ map[string]any) ([]mcp.Outcome, error) {
	d.mu.Lock()
	d.calls = append(d.calls, name)
	d.mu.Unlock()
	if name != "list_companies" {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return []mcp.Outcome{{View: "table", Response: "Acme | Globex"}}, nil
}

func (d *directoryTools) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]string, len(d.calls))
	copy(cp, d.calls)
	return cp
}

// nilEmbedder produces zero vectors so the linear matcher never recalls
// a plan. Keeps reasoning runs deterministic.
type nilEmbedder struct{}

func (nilEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, 4)
	}
	return out, nil
}

func (nilEmbedder) Dimension() int { return 4 }

type serviceDeps struct {
	Service  *svcrouter.Service
	Registry *registry.Registry
	Tools    *directoryTools
	Bus      *bus.EventBus
}

// newTestService wires a full reasoning service against the scripted LLM
// backend and the shared containers. dataDir carries sandbox state across
// instances when subtests simulate restarts.
func newTestService(t *testing.T, backendURL, dataDir string) *serviceDeps {
	t.Helper()

	providers := provider.NewRouter(testLogger)
	providers.Register(provider.NewOpenAIProvider(provider.Config{
		ID:       "scripted",
		Type:     "openai",
		Name:     "Scripted LLM",
		Endpoint: backendURL,
		APIKey:   "test",
		Model:    "scripted-1",
	}, testLogger))

	regCfg := registry.DefaultConfig()
	regCfg.DataDir = dataDir
	reg := registry.New(regCfg, func() trace.Matcher {
		return trace.NewLinearMatcher(nilEmbedder{})
	}, testLogger)
	t.Cleanup(func() { reg.Close() })

	eventBus, err := bus.NewEventBus(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("create event bus: %v", err)
	}
	t.Cleanup(func() { eventBus.Close() })

	tools := &directoryTools{}
	svc := svcrouter.NewService(reg, providers, tools, testPGStore, eventBus, testArchive,
		cot.DefaultConfig(), testLogger)

	return &serviceDeps{Service: svc, Registry: reg, Tools: tools, Bus: eventBus}
}
