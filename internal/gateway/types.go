package gateway

import (
	"context"
	"time"
)

// Adapter defines the interface for platform adapters. Each adapter turns
// platform traffic into reasoning queries and renders answers back.
type Adapter interface {
	Platform() string
	Connect(ctx context.Context) error
	Send(ctx context.Context, ans *OutboundAnswer) error
	OnQuery(handler QueryHandler)
	Close() error
}

// QueryHandler processes inbound queries from any platform.
type QueryHandler func(q *InboundQuery)

// InboundQuery is a normalized user query from any platform. SessionID
// keys the reasoning state; adapters derive it from their channel/user
// identifiers so a conversation keeps its context.
type InboundQuery struct {
	Platform  string    `json:"platform"`
	SessionID string    `json:"session_id"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Query     string    `json:"query"`
	Timestamp time.Time `json:"timestamp"`
	ReplyTo   string    `json:"reply_to,omitempty"`
}

// OutboundAnswer is a final answer delivered back to a platform channel.
// ViewHint is the latest rendering hint from the run ("table", "graph");
// adapters may use it to pick a presentation format.
type OutboundAnswer struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
	ViewHint  string `json:"view_hint,omitempty"`
	Failed    bool   `json:"failed,omitempty"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

// AdapterStatus reports an adapter's connection health.
type AdapterStatus struct {
	Platform    string     `json:"platform"`
	Connected   bool       `json:"connected"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Details     string     `json:"details,omitempty"`
}
