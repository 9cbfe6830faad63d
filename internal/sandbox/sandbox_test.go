package sandbox

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/cogito/internal/message"
)

func TestRatio(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"", "", 1},
		{"abc", "", 0},
		{"abc", "abc", 1},
		{"abcd", "bcde", 0.75},
	}
	for _, c := range cases {
		if got := Ratio(c.a, c.b); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("Ratio(%q, %q) = %f, want %f", c.a, c.b, got, c.want)
		}
	}
}

func TestIsSameTopic(t *testing.T) {
	s := New(zap.NewNop())

	// No anchor set yet: never the same topic.
	if s.IsSameTopic("anything", DefaultTopicThreshold) {
		t.Error("unset anchor must not match")
	}

	s.Reset("list all companies")
	if !s.IsSameTopic("list all companies", DefaultTopicThreshold) {
		t.Error("identical query must match its own anchor")
	}
	if s.IsSameTopic("what is the weather on mars", DefaultTopicThreshold) {
		t.Error("unrelated query should not match")
	}
}

func TestResetClearsState(t *testing.T) {
	s := New(zap.NewNop())
	s.Reset("first topic")
	s.Extend(message.User("first topic"), "")
	s.Extend(message.Tool("result", "list_nodes", "table"), "table")
	if s.LatestView != "table" {
		t.Fatalf("got view %q, want table", s.LatestView)
	}

	s.Reset("second topic")
	if len(s.Messages) != 0 {
		t.Errorf("reset left %d messages", len(s.Messages))
	}
	if s.LatestView != "" {
		t.Errorf("reset left view %q", s.LatestView)
	}
	if s.TopicAnchor != "second topic" {
		t.Errorf("got anchor %q", s.TopicAnchor)
	}
}

func TestHasUserQuery(t *testing.T) {
	s := New(zap.NewNop())
	s.Extend(message.User("list all companies"), "")
	if !s.HasUserQuery("list all companies") {
		t.Error("seeded query not found")
	}
	if s.HasUserQuery("other query") {
		t.Error("unseeded query reported as present")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := New(zap.NewNop())
	s.Reset("list all companies")
	s.Extend(message.User("list all companies"), "")
	s.Extend(message.Model("thinking", "cot:model:test"), "")
	s.Extend(message.Tool("rows", "list_nodes", "table"), "table")

	got := FromSnapshot(s.Snapshot(), zap.NewNop())
	if got.TopicAnchor != s.TopicAnchor {
		t.Errorf("anchor: got %q, want %q", got.TopicAnchor, s.TopicAnchor)
	}
	if got.LatestView != s.LatestView {
		t.Errorf("view: got %q, want %q", got.LatestView, s.LatestView)
	}
	if len(got.Messages) != len(s.Messages) {
		t.Fatalf("got %d messages, want %d", len(got.Messages), len(s.Messages))
	}
	for i := range s.Messages {
		if got.Messages[i].Kind != s.Messages[i].Kind || got.Messages[i].Text != s.Messages[i].Text {
			t.Errorf("message %d mismatch: %+v vs %+v", i, got.Messages[i], s.Messages[i])
		}
	}
}

func TestFromSnapshotDegradesOnBadMessage(t *testing.T) {
	snap := Snapshot{
		Version:     1,
		TopicAnchor: "topic",
		LatestView:  "table",
		Messages: []message.Message{
			message.User("ok"),
			{Kind: "mystery", Text: "bad"},
		},
	}
	s := FromSnapshot(snap, zap.NewNop())
	if len(s.Messages) != 0 {
		t.Errorf("expected empty message log, got %d", len(s.Messages))
	}
	if s.TopicAnchor != "topic" || s.LatestView != "table" {
		t.Errorf("anchor/view should survive: %+v", s)
	}
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop()

	s := New(logger)
	s.Reset("persist me")
	s.Extend(message.User("persist me"), "")

	if err := Save(dir, "sess-1", s, logger); err != nil {
		t.Fatalf("save: %v", err)
	}
	// No stray temp file after a successful save.
	if _, err := os.Stat(filepath.Join(dir, "sess-1.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	got, err := Load(dir, "sess-1", logger)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || got.TopicAnchor != "persist me" || len(got.Messages) != 1 {
		t.Errorf("unexpected loaded state: %+v", got)
	}
}

func TestLoadMissing(t *testing.T) {
	got, err := Load(t.TempDir(), "absent", zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing session, got %+v", got)
	}
}

func TestLoadUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`{"version": 99, "topic_anchor": "old", "messages": [{"kind": "user", "text": "hi"}]}`)
	if err := os.WriteFile(filepath.Join(dir, "future.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(dir, "future", zap.NewNop())
	if err != nil {
		t.Fatalf("unknown version must not error: %v", err)
	}
	if got != nil {
		t.Errorf("unknown version should load as missing, got %+v", got)
	}
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(dir, "bad", zap.NewNop())
	if err != nil {
		t.Fatalf("corrupt snapshot must not error: %v", err)
	}
	if got != nil {
		t.Errorf("corrupt snapshot should load as missing, got %+v", got)
	}
}
