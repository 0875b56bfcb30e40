// Package notify exports session snapshots to Redis for out-of-process
// readers: the latest snapshot of every session is cached under a TTL and
// each change is published on a per-session channel.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/clinexam/internal/engine"
	"github.com/ehr/clinexam/internal/session"
)

var ErrNotCached = errors.New("no cached snapshot for session")

const (
	kindSnapshot  = "snapshot"
	kindCompleted = "completed"
)

// SnapshotKey is the cache key of a session's latest snapshot.
func SnapshotKey(id uuid.UUID) string { return fmt.Sprintf("session:%s:snapshot", id) }

// Channel is the pub/sub channel of a session's changes.
func Channel(id uuid.UUID) string { return fmt.Sprintf("clinexam:session:%s", id) }

// Message is what subscribers of Channel receive.
type Message struct {
	Kind      string           `json:"kind"`
	SessionID uuid.UUID        `json:"session_id"`
	Snapshot  *engine.Snapshot `json:"snapshot"`
	At        time.Time        `json:"at"`
}

// RedisPublisher is a snapshot and completion listener. Listeners run inside
// the session's critical section, so messages are queued and written by Run.
// When the queue is full the message is dropped and counted.
type RedisPublisher struct {
	client  *redis.Client
	ttl     time.Duration
	queue   chan Message
	dropped atomic.Int64
	logger  zerolog.Logger
	now     func() time.Time
}

func NewRedisPublisher(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		ttl:    ttl,
		queue:  make(chan Message, 1024),
		logger: logger,
		now:    time.Now,
	}
}

var (
	_ session.SnapshotListener   = (*RedisPublisher)(nil)
	_ session.CompletionListener = (*RedisPublisher)(nil)
)

func (p *RedisPublisher) enqueue(m Message) {
	select {
	case p.queue <- m:
	default:
		p.dropped.Add(1)
		p.logger.Warn().Str("session_id", m.SessionID.String()).Str("kind", m.Kind).Msg("redis publish queue full, message dropped")
	}
}

func (p *RedisPublisher) OnSnapshotChanged(_ context.Context, sessionID uuid.UUID, snap *engine.Snapshot) {
	p.enqueue(Message{Kind: kindSnapshot, SessionID: sessionID, Snapshot: snap, At: p.now().UTC()})
}

func (p *RedisPublisher) OnComplete(_ context.Context, c session.Completion) error {
	p.enqueue(Message{Kind: kindCompleted, SessionID: c.SessionID, Snapshot: c.Snapshot, At: c.CompletedAt})
	return nil
}

// Dropped is the number of messages lost to a full queue.
func (p *RedisPublisher) Dropped() int64 { return p.dropped.Load() }

// Run writes queued messages until ctx is done. Redis errors are logged and
// do not stop the loop.
func (p *RedisPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-p.queue:
			if err := p.write(ctx, m); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Str("session_id", m.SessionID.String()).Msg("redis publish failed")
			}
		}
	}
}

func (p *RedisPublisher) write(ctx context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	snap, err := json.Marshal(m.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, SnapshotKey(m.SessionID), snap, p.ttl)
	pipe.Publish(ctx, Channel(m.SessionID), data)
	_, err = pipe.Exec(ctx)
	return err
}

// LastSnapshot reads the cached snapshot of a session.
func (p *RedisPublisher) LastSnapshot(ctx context.Context, sessionID uuid.UUID) (json.RawMessage, error) {
	data, err := p.client.Get(ctx, SnapshotKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Ping checks the connection; used at startup and by the health endpoint.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
