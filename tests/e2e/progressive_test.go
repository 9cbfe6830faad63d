package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/cogito/internal/api"
	"github.com/nidhogg/cogito/internal/gateway"
	"github.com/nidhogg/cogito/internal/message"
	"github.com/nidhogg/cogito/internal/registry"
	svcrouter "github.com/nidhogg/cogito/internal/router"
	pgstore "github.com/nidhogg/cogito/internal/store"
	"github.com/nidhogg/cogito/internal/trace"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	// 1. Start Neo4j
	neo4jURI, neo4jCleanup, err := startNeo4j(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "neo4j: %v\n", err)
		os.Exit(1)
	}
	defer neo4jCleanup()

	testArchive, err = trace.NewArchive(neo4jURI, "", "", testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trace archive: %v\n", err)
		os.Exit(1)
	}
	defer testArchive.Close(ctx)

	// 2. Start PostgreSQL
	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testPGStore, err = pgstore.New(pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	defer testPGStore.Close()

	// Run migrations
	if err := testPGStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	// 3. Start Redis
	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	os.Exit(m.Run())
}

// directoryScript is the canonical two-turn completion sequence: justify
// and call the directory tool, then close with the sentinel.
func directoryScript() []string {
	return []string{
		"The company directory tool can answer this directly. " +
			"`{\"name\": \"list_companies\", \"arguments\": {}}`",
		"There are two companies: Acme and Globex. [END OF REASONING]",
	}
}

func TestProgressiveFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("L1_ReasoningRun", func(t *testing.T) {
		backend := newScriptedBackend(t, directoryScript())
		deps := newTestService(t, backend.URL, t.TempDir())

		var emitted []message.Message
		result, err := deps.Service.Run(ctx, "e2e-l1", "How many companies are listed?",
			func(m message.Message) { emitted = append(emitted, m) })
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if want := "There are two companies: Acme and Globex."; result.Answer != want {
			t.Errorf("answer = %q, want %q", result.Answer, want)
		}
		if result.ViewHint != "table" {
			t.Errorf("view hint = %q, want table", result.ViewHint)
		}
		if calls := deps.Tools.Calls(); len(calls) != 1 || calls[0] != "list_companies" {
			t.Errorf("tool calls = %v, want exactly one list_companies", calls)
		}
		if len(emitted) < 3 {
			t.Fatalf("emitted %d messages, want >= 3", len(emitted))
		}
		if emitted[0].Kind != message.KindUser {
			t.Errorf("first emitted kind = %s, want user", emitted[0].Kind)
		}
		t.Logf("Run emitted %d messages", len(emitted))
	})

	t.Run("L2_Persistence", func(t *testing.T) {
		dataDir := t.TempDir()

		t.Run("ChatLog", func(t *testing.T) {
			backend := newScriptedBackend(t, directoryScript())
			deps := newTestService(t, backend.URL, dataDir)

			if _, err := deps.Service.Run(ctx, "e2e-l2", "How many companies are listed?", nil); err != nil {
				t.Fatalf("Run: %v", err)
			}

			msgs, err := testPGStore.ReadAll(ctx, "e2e-l2")
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if len(msgs) < 3 {
				t.Fatalf("chat log has %d messages, want >= 3", len(msgs))
			}
			if msgs[0].Kind != message.KindUser {
				t.Errorf("first logged kind = %s, want user", msgs[0].Kind)
			}
			hasTool := false
			for _, m := range msgs {
				if m.Kind == message.KindTool && m.ViewHint == "table" {
					hasTool = true
				}
			}
			if !hasTool {
				t.Error("missing tool message with table view in chat log")
			}
			last := msgs[len(msgs)-1]
			if !strings.Contains(last.Text, "two companies") {
				t.Errorf("last logged message = %q, want final answer", last.Text)
			}
		})

		t.Run("SandboxReload", func(t *testing.T) {
			regCfg := registry.DefaultConfig()
			regCfg.DataDir = dataDir
			reg2 := registry.New(regCfg, func() trace.Matcher {
				return trace.NewLinearMatcher(nilEmbedder{})
			}, testLogger)
			defer reg2.Close()

			sess, err := reg2.Get(ctx, "e2e-l2")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if sess.Sandbox.TopicAnchor != "How many companies are listed?" {
				t.Errorf("topic anchor = %q after reload", sess.Sandbox.TopicAnchor)
			}
			if len(sess.Sandbox.Messages) == 0 {
				t.Error("expected reloaded sandbox messages, got 0")
			}
			t.Logf("Reloaded %d sandbox messages", len(sess.Sandbox.Messages))
		})

		t.Run("HistoryAcrossRestart", func(t *testing.T) {
			backend := newScriptedBackend(t, directoryScript())
			deps := newTestService(t, backend.URL, t.TempDir())

			msgs, err := deps.Service.History(ctx, "e2e-l2")
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(msgs) < 3 {
				t.Fatalf("history has %d messages, want >= 3", len(msgs))
			}
			if msgs[0].Kind != message.KindUser {
				t.Errorf("first history kind = %s, want user", msgs[0].Kind)
			}
		})

		t.Run("TraceArchive", func(t *testing.T) {
			if err := testArchive.Ping(ctx); err != nil {
				t.Fatalf("Ping: %v", err)
			}
			err := testArchive.Record(ctx, "e2e-l2", "How many companies are listed?",
				[]trace.ToolStep{{Name: "list_companies", Args: map[string]any{}}},
				"There are two companies: Acme and Globex.")
			if err != nil {
				t.Fatalf("Record: %v", err)
			}
		})
	})

	t.Run("L3_EventStream", func(t *testing.T) {
		backend := newScriptedBackend(t, directoryScript())
		deps := newTestService(t, backend.URL, t.TempDir())

		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		events := deps.Bus.Subscribe(subCtx, "e2e-l3")

		// Give the subscriber a moment to attach before publishing.
		time.Sleep(200 * time.Millisecond)

		if _, err := deps.Service.Run(ctx, "e2e-l3", "How many companies are listed?", nil); err != nil {
			t.Fatalf("Run: %v", err)
		}

		sawMessage := false
		sawFinal := false
		deadline := time.After(10 * time.Second)
	loop:
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					break loop
				}
				switch ev.Type {
				case "message":
					sawMessage = true
				case "final_answer":
					sawFinal = true
					if !strings.Contains(ev.Text, "two companies") {
						t.Errorf("final event text = %q", ev.Text)
					}
					break loop
				}
			case <-deadline:
				break loop
			}
		}
		if !sawMessage {
			t.Error("no message events on the bus")
		}
		if !sawFinal {
			t.Error("no final_answer event on the bus")
		}
	})

	t.Run("L4_GatewayAndAPI", func(t *testing.T) {
		backend := newScriptedBackend(t, directoryScript())
		deps := newTestService(t, backend.URL, t.TempDir())

		gw := gateway.New(testLogger)
		queryRouter := svcrouter.NewQueryRouter(deps.Service, gw, testLogger)
		gw.SetHandler(queryRouter.Handle)

		restAdapter := gateway.NewRESTAdapter(testLogger)
		gw.Register(restAdapter)

		handler := api.NewHandler(deps.Service, deps.Tools, restAdapter, testLogger)
		srv := httptest.NewServer(handler.Router())
		defer srv.Close()

		t.Run("RESTQuery", func(t *testing.T) {
			body, _ := json.Marshal(map[string]string{
				"session_id": "e2e-l4-rest",
				"user_id":    "tester",
				"query":      "How many companies are listed?",
			})
			resp, err := http.Post(srv.URL+"/api/gateway/rest/query", "application/json", bytes.NewReader(body))
			if err != nil {
				t.Fatalf("POST query: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			var out struct {
				Answer   string `json:"answer"`
				ViewHint string `json:"view_hint"`
				Failed   bool   `json:"failed"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if out.Failed {
				t.Fatalf("query failed: %s", out.Answer)
			}
			if !strings.Contains(out.Answer, "two companies") {
				t.Errorf("answer = %q", out.Answer)
			}
			if out.ViewHint != "table" {
				t.Errorf("view hint = %q, want table", out.ViewHint)
			}
		})

		t.Run("ChatStream", func(t *testing.T) {
			backend2 := newScriptedBackend(t, directoryScript())
			deps2 := newTestService(t, backend2.URL, t.TempDir())
			handler2 := api.NewHandler(deps2.Service, deps2.Tools, nil, testLogger)
			srv2 := httptest.NewServer(handler2.Router())
			defer srv2.Close()

			body, _ := json.Marshal(map[string]string{
				"session_id": "e2e-l4-chat",
				"query":      "How many companies are listed?",
			})
			resp, err := http.Post(srv2.URL+"/api/chat", "application/json", bytes.NewReader(body))
			if err != nil {
				t.Fatalf("POST chat: %v", err)
			}
			defer resp.Body.Close()

			dec := json.NewDecoder(resp.Body)
			var finalAnswer string
			eventCount := 0
			for dec.More() {
				var ev struct {
					Event  string `json:"event"`
					Answer string `json:"answer"`
					Error  string `json:"error"`
				}
				if err := dec.Decode(&ev); err != nil {
					t.Fatalf("decode event: %v", err)
				}
				eventCount++
				switch ev.Event {
				case "final":
					finalAnswer = ev.Answer
				case "failure":
					t.Fatalf("stream failed: %s", ev.Error)
				}
			}
			if eventCount < 4 {
				t.Errorf("got %d events, want >= 4", eventCount)
			}
			if !strings.Contains(finalAnswer, "two companies") {
				t.Errorf("final answer = %q", finalAnswer)
			}
		})
	})
}
