// Package bus publishes reasoning events over Redis Streams so gateways
// and other consumers can observe runs without holding the HTTP stream
// open. Best effort: a run is never blocked on the bus.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventBus publishes per-session reasoning events via Redis Streams.
type EventBus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewEventBus creates a Redis-backed event bus.
func NewEventBus(redisURL string, logger *zap.Logger) (*EventBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &EventBus{rdb: rdb, logger: logger}, nil
}

// Event is one reasoning event on a session stream.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"` // "message", "final_answer", "failure"
	Kind      string    `json:"kind,omitempty"`
	Text      string    `json:"text"`
	ViewHint  string    `json:"view_hint,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const streamPrefix = "cogito:session:"

// Publish appends an event to the session's stream.
func (b *EventBus) Publish(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	stream := streamPrefix + ev.SessionID
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 1024,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()

	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}

	b.logger.Debug("published event",
		zap.String("session", ev.SessionID),
		zap.String("type", ev.Type))
	return nil
}

// Subscribe listens for events on a session's stream, starting from new
// entries. Returns a channel that emits events. Cancel the context to stop.
func (b *EventBus) Subscribe(ctx context.Context, sessionID string) <-chan *Event {
	ch := make(chan *Event, 16)
	stream := streamPrefix + sessionID

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				// A blocked read timing out is normal; anything else
				// (connection down) gets a pause before the retry.
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("event stream read failed",
						zap.String("session", sessionID), zap.Error(err))
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- &ev
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *EventBus) Close() error {
	return b.rdb.Close()
}
