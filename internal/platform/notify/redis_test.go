package notify

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/clinexam/internal/engine"
	"github.com/ehr/clinexam/internal/session"
)

// unreachable returns a client whose every command fails fast.
func unreachable(t *testing.T) *redis.Client {
	t.Helper()
	c := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func TestKeys(t *testing.T) {
	id := uuid.MustParse("6f1c2a8e-7c53-4c43-9f7e-2d4a7f0b9a11")
	if got := SnapshotKey(id); got != "session:6f1c2a8e-7c53-4c43-9f7e-2d4a7f0b9a11:snapshot" {
		t.Errorf("unexpected key %s", got)
	}
	if got := Channel(id); got != "clinexam:session:6f1c2a8e-7c53-4c43-9f7e-2d4a7f0b9a11" {
		t.Errorf("unexpected channel %s", got)
	}
}

func TestRedisPublisher_ListenersNeverBlock(t *testing.T) {
	p := NewRedisPublisher(unreachable(t), time.Minute, zerolog.Nop())
	p.queue = make(chan Message, 2)
	id := uuid.New()
	snap := &engine.Snapshot{FormID: "vitals"}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			p.OnSnapshotChanged(context.Background(), id, snap)
		}
		if err := p.OnComplete(context.Background(), session.Completion{SessionID: id, Snapshot: snap}); err != nil {
			t.Errorf("OnComplete: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener blocked on a full queue")
	}
	if p.Dropped() != 4 {
		t.Errorf("expected 4 dropped messages, got %d", p.Dropped())
	}
	m := <-p.queue
	if m.Kind != kindSnapshot || m.SessionID != id {
		t.Errorf("unexpected first message %+v", m)
	}
}

func TestRedisPublisher_RunSurvivesRedisErrors(t *testing.T) {
	p := NewRedisPublisher(unreachable(t), time.Minute, zerolog.Nop())
	p.OnSnapshotChanged(context.Background(), uuid.New(), &engine.Snapshot{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(p.queue) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(p.queue) != 0 {
		t.Fatal("queue was not drained")
	}
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestRedisPublisher_LastSnapshotError(t *testing.T) {
	p := NewRedisPublisher(unreachable(t), time.Minute, zerolog.Nop())
	if _, err := p.LastSnapshot(context.Background(), uuid.New()); err == nil || err == ErrNotCached {
		t.Fatalf("expected a connection error, got %v", err)
	}
	if err := p.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to fail")
	}
}
