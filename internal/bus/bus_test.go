package bus

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// With Redis unreachable the subscriber must not spin on read errors, and
// cancelling the context must end the loop even mid-backoff.
func TestSubscribeStopsOnCancelWithDeadRedis(t *testing.T) {
	b := &EventBus{
		rdb:    redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond}),
		logger: zap.NewNop(),
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx, "dead")

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Fatal("expected closed channel, got event")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber did not stop after cancel")
	}
}
