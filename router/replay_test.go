package router

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"boardsync-api/domain"
)

func newTestReplayRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestReplayDeduperAddIsIdempotent(t *testing.T) {
	client := newTestReplayRedis(t)
	d := NewReplayDeduper(client, time.Minute)
	ctx := context.Background()

	op := domain.QueuedOperation{Type: domain.MsgUpdateTask, Payload: []byte(`{"title":"x"}`), EnqueuedAt: 1000}

	first, err := d.Add(ctx, "c1", op)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !first {
		t.Fatalf("expected first add to report newly seen")
	}

	second, err := d.Add(ctx, "c1", op)
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if second {
		t.Fatalf("expected second add of the same op to report already seen")
	}
}

func TestReplayDeduperDistinguishesPayloadAndClient(t *testing.T) {
	client := newTestReplayRedis(t)
	d := NewReplayDeduper(client, time.Minute)
	ctx := context.Background()

	opA := domain.QueuedOperation{Type: domain.MsgUpdateTask, Payload: []byte(`{"title":"x"}`), EnqueuedAt: 1000}
	opB := domain.QueuedOperation{Type: domain.MsgUpdateTask, Payload: []byte(`{"title":"y"}`), EnqueuedAt: 1000}

	if _, err := d.Add(ctx, "c1", opA); err != nil {
		t.Fatalf("add opA: %v", err)
	}
	seen, err := d.Add(ctx, "c1", opB)
	if err != nil {
		t.Fatalf("add opB: %v", err)
	}
	if !seen {
		t.Fatalf("expected a different payload to be treated as a distinct operation")
	}

	seen, err = d.Add(ctx, "c2", opA)
	if err != nil {
		t.Fatalf("add opA for c2: %v", err)
	}
	if !seen {
		t.Fatalf("expected the same op from a different client to be treated as distinct")
	}
}

func TestReplayDeduperNilClientAlwaysFailsOpen(t *testing.T) {
	d := NewReplayDeduper(nil, time.Minute)
	ctx := context.Background()
	op := domain.QueuedOperation{Type: domain.MsgUpdateTask, Payload: []byte(`{}`), EnqueuedAt: 1}

	for i := 0; i < 3; i++ {
		seen, err := d.Add(ctx, "c1", op)
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		if !seen {
			t.Fatalf("expected fail-open deduper to always report newly seen")
		}
	}
}
