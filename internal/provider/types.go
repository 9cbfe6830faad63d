// Package provider abstracts LLM backends behind a common chat-and-stream
// interface. The reasoning controller only ever sees accumulated text; tool
// requests arrive inline in the text per the prompt contract.
package provider

import (
	"context"
	"time"
)

// Provider defines the interface for LLM backends.
type Provider interface {
	ID() string
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan *StreamChunk, error)
	HealthCheck(ctx context.Context) error
}

// ChatRequest represents a request to an LLM backend.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Message is one chat history entry ("system", "user", "assistant", "tool").
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse represents a non-streaming response.
type ChatResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// StreamChunk is one item of a model generation stream. The sequence is
// finite and ends with Done (or channel close on transport error).
//
// Cumulative marks backends that re-emit the full accumulated text on every
// chunk instead of an increment; consumers must strip the previously seen
// prefix themselves. Both shapes are part of the stream contract rather
// than something to sniff heuristically.
type StreamChunk struct {
	Content      string `json:"content,omitempty"`
	Cumulative   bool   `json:"cumulative,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Done         bool   `json:"done"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Config holds configuration for a provider instance.
type Config struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Name     string        `json:"name"`
	Endpoint string        `json:"endpoint"`
	APIKey   string        `json:"api_key"`
	Model    string        `json:"model,omitempty"` // default model for this backend
	Timeout  time.Duration `json:"timeout,omitempty"`
}
