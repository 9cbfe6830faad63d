package message

import (
	"testing"
)

func TestBatchRoundTrip(t *testing.T) {
	msgs := []Message{
		User("list all companies"),
		Model("Calling the graph tool.", "cot:model:test"),
		Tool(`{"rows": 3}`, "list_nodes", "table"),
	}

	data, err := EncodeBatch(msgs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeBatch(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(got), len(msgs))
	}
	for i := range msgs {
		if got[i].Kind != msgs[i].Kind || got[i].Text != msgs[i].Text {
			t.Errorf("entry %d: got %+v, want %+v", i, got[i], msgs[i])
		}
	}
	if got[2].ViewHint != "table" {
		t.Errorf("tool view hint lost: %+v", got[2])
	}
}

func TestDecodeBatchRejectsUnknownKind(t *testing.T) {
	_, err := DecodeBatch([]byte(`[{"kind":"oracle","text":"hm"}]`))
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestToChat(t *testing.T) {
	cm := ToChat(Tool("result", "list_nodes", "table"))
	if cm.Role != "tool" {
		t.Errorf("got role %q, want tool", cm.Role)
	}
	if cm.View != "table" {
		t.Errorf("got view %q, want table", cm.View)
	}

	cm = ToChat(User("hello"))
	if cm.Role != "user" || cm.View != "" {
		t.Errorf("unexpected user projection: %+v", cm)
	}
}
