//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

var baseURL string

func TestMain(m *testing.M) {
	baseURL = os.Getenv("COGITO_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:3210"
	}

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "server at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// queryRequest is the payload sent to the REST gateway.
type queryRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Query     string `json:"query"`
}

// queryResponse is the final answer returned by the REST gateway.
type queryResponse struct {
	SessionID string `json:"session_id"`
	Answer    string `json:"answer"`
	ViewHint  string `json:"view_hint,omitempty"`
	Failed    bool   `json:"failed"`
}

// sendQuery POSTs a query through the REST gateway and returns the answer.
func sendQuery(t *testing.T, sessionID, query string) queryResponse {
	t.Helper()

	body, err := json.Marshal(queryRequest{
		SessionID: sessionID,
		UserID:    "smoke-test",
		Query:     query,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	client := &http.Client{Timeout: 180 * time.Second}
	resp, err := client.Post(
		baseURL+"/api/gateway/rest/query",
		"application/json",
		bytes.NewReader(body),
	)
	if err != nil {
		t.Fatalf("POST /api/gateway/rest/query: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, string(raw))
	}

	var out queryResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal response: %v (body: %s)", err, string(raw))
	}
	return out
}

func TestHealth(t *testing.T) {
	resp, err := http.Get(baseURL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestToolsListed(t *testing.T) {
	resp, err := http.Get(baseURL + "/api/tools")
	if err != nil {
		t.Fatalf("GET /api/tools: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var tools []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&tools); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	t.Logf("%d tools", len(tools))
}

func TestPlainQuery(t *testing.T) {
	out := sendQuery(t, "smoke-plain", "Briefly, what kinds of questions can you answer?")
	if out.Failed {
		t.Fatalf("query failed: %s", out.Answer)
	}
	if len(out.Answer) <= 10 {
		t.Errorf("expected meaningful answer (len > 10), got len=%d: %s", len(out.Answer), out.Answer)
	}
	t.Logf("answer: %.300s", out.Answer)
}

func TestFollowUpSameSession(t *testing.T) {
	first := sendQuery(t, "smoke-follow", "Say the word ready and nothing else.")
	if first.Failed {
		t.Fatalf("first query failed: %s", first.Answer)
	}

	second := sendQuery(t, "smoke-follow", "Repeat what you just said.")
	if second.Failed {
		t.Fatalf("follow-up failed: %s", second.Answer)
	}
	if !strings.Contains(strings.ToLower(second.Answer), "ready") {
		t.Logf("follow-up did not echo prior turn: %s", second.Answer)
	}

	// History should show both turns.
	resp, err := http.Get(baseURL + "/api/chat/smoke-follow")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()
	var hist struct {
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	userTurns := 0
	for _, m := range hist.Messages {
		if m.Role == "user" {
			userTurns++
		}
	}
	if userTurns < 2 {
		t.Errorf("history shows %d user turns, want >= 2", userTurns)
	}
}
