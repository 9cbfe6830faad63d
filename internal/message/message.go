package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the message union. Every consumer switches on it
// exhaustively; there is no untyped fallthrough.
type Kind string

const (
	KindUser  Kind = "user"
	KindModel Kind = "model"
	KindTool  Kind = "tool"
)

// Message is one entry in a session's conversation log. Messages are
// immutable once created; ordering is insertion order.
type Message struct {
	Kind      Kind      `json:"kind"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`

	// Producer tags the origin of a model message, e.g. "cot:model:gpt-4o".
	// Empty for user messages.
	Producer string `json:"producer,omitempty"`

	// ToolName and ViewHint are set only on tool messages. ViewHint is a
	// rendering hint for the presentation layer ("table", "graph", ...);
	// the controller never branches on it.
	ToolName string `json:"tool_name,omitempty"`
	ViewHint string `json:"view_hint,omitempty"`
}

// User builds a user message stamped now.
func User(text string) Message {
	return Message{Kind: KindUser, Text: text, Timestamp: time.Now().UTC()}
}

// Model builds a model message with the given producer tag.
func Model(text, producer string) Message {
	return Message{Kind: KindModel, Text: text, Producer: producer, Timestamp: time.Now().UTC()}
}

// Tool builds a tool-result message.
func Tool(text, toolName, viewHint string) Message {
	return Message{
		Kind:      KindTool,
		Text:      text,
		ToolName:  toolName,
		ViewHint:  viewHint,
		Timestamp: time.Now().UTC(),
	}
}

// Validate rejects messages with an unknown kind. Used on deserialization
// paths so a corrupt log entry surfaces as an error instead of a silent
// mystery value.
func (m Message) Validate() error {
	switch m.Kind {
	case KindUser, KindModel, KindTool:
		return nil
	default:
		return fmt.Errorf("message: unknown kind %q", m.Kind)
	}
}

// ChatMessage is the browser/gateway-facing projection of a Message.
type ChatMessage struct {
	Role      string `json:"role"`
	Timestamp string `json:"timestamp"`
	Content   string `json:"content"`
	View      string `json:"view,omitempty"`
}

// ToChat projects a Message into its chat-shaped form.
func ToChat(m Message) ChatMessage {
	cm := ChatMessage{
		Timestamp: m.Timestamp.Format(time.RFC3339Nano),
		Content:   m.Text,
	}
	switch m.Kind {
	case KindUser:
		cm.Role = "user"
	case KindModel:
		cm.Role = "model"
	case KindTool:
		cm.Role = "tool"
		cm.View = m.ViewHint
	}
	return cm
}

// EncodeBatch serializes messages for the append-only chat log. The store
// treats the result as opaque bytes.
func EncodeBatch(msgs []Message) ([]byte, error) {
	b, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("message: encode batch: %w", err)
	}
	return b, nil
}

// DecodeBatch reverses EncodeBatch, validating each entry.
func DecodeBatch(data []byte) ([]Message, error) {
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("message: decode batch: %w", err)
	}
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("message: entry %d: %w", i, err)
		}
	}
	return msgs, nil
}
