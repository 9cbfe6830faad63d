package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeServer implements just enough of the MCP SSE handshake: the SSE stream
// announces the RPC endpoint, then echoes JSON-RPC responses for requests
// posted to it.
type fakeServer struct {
	responses chan []byte
}

func (f *fakeServer) sse(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "no flush", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprint(w, "event: endpoint\ndata: /rpc\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-f.responses:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (f *fakeServer) rpc(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int    `json:"id"`
		Method string `json:"method"`
		Params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var result string
	switch req.Method {
	case "tools/list":
		result = `{"tools":[{"name":"list_nodes","description":"List graph nodes"}]}`
	case "tools/call":
		if req.Params.Name == "silent_tool" {
			result = `{"content":[]}`
		} else {
			result = `{"content":[{"type":"text","text":"{\"view\":\"table\",\"response\":\"3 rows\"}"}]}`
		}
	default:
		http.Error(w, "unknown method", http.StatusBadRequest)
		return
	}

	f.responses <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, result))
	w.WriteHeader(http.StatusAccepted)
}

func newFakeMCP(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	fs := &fakeServer{responses: make(chan []byte, 8)}
	mux := http.NewServeMux()
	mux.HandleFunc("/sse", fs.sse)
	mux.HandleFunc("/rpc", fs.rpc)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient("fake", srv.URL+"/sse", zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return srv, c
}

func TestConnectDiscoversTools(t *testing.T) {
	_, c := newFakeMCP(t)

	tools := c.Tools()
	if len(tools) != 1 {
		t.Fatalf("got %d tools, want 1", len(tools))
	}
	if tools[0].Name != "list_nodes" {
		t.Errorf("got tool %q, want list_nodes", tools[0].Name)
	}
}

func TestCallToolDecodesOutcome(t *testing.T) {
	_, c := newFakeMCP(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcomes, err := c.CallTool(ctx, "list_nodes", map[string]any{"label": "Company"})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(outcomes))
	}
	if outcomes[0].View != "table" {
		t.Errorf("got view %q, want table", outcomes[0].View)
	}
	if outcomes[0].Response != "3 rows" {
		t.Errorf("got response %q, want 3 rows", outcomes[0].Response)
	}
}

func TestCallToolEmptyContent(t *testing.T) {
	_, c := newFakeMCP(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outcomes, err := c.CallTool(ctx, "silent_tool", nil)
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("got %d outcomes, want 0", len(outcomes))
	}
}
