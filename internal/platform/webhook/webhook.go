// Package webhook delivers completed examinations to downstream systems.
// Each delivery is a JSON POST signed with HMAC-SHA256 and retried with
// backoff on transport errors and non-2xx responses.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinexam/internal/engine"
	"github.com/ehr/clinexam/internal/session"
)

const EventExamCompleted = "exam.completed"

// Header names set on every delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventID   = "X-Webhook-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Endpoint is one delivery target. An empty secret sends unsigned payloads.
type Endpoint struct {
	URL    string
	Secret string
}

// ValidateURL checks that raw is an absolute http or https URL.
func ValidateURL(raw string) error {
	if raw == "" {
		return errors.New("webhook url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("webhook url has no host")
	}
	return nil
}

// Event is the delivered body.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SessionID uuid.UUID       `json:"session_id"`
	Form      engine.FormInfo `json:"form"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type completionPayload struct {
	Policy          session.CompletionPolicy `json:"policy"`
	HighestSeverity engine.Severity          `json:"highest_severity,omitempty"`
	Answers         engine.AnswerStore       `json:"answers"`
	Snapshot        *engine.Snapshot         `json:"snapshot"`
	StartedAt       time.Time                `json:"started_at"`
	CompletedAt     time.Time                `json:"completed_at"`
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is the receiving side of SignPayload. The "sha256="
// prefix of the header value is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	const prefix = "sha256="
	if len(signature) > len(prefix) && signature[:len(prefix)] == prefix {
		signature = signature[len(prefix):]
	}
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithRetryDelays sets the waits between attempts. The number of attempts
// is len(delays)+1.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.delays = delays }
}

// WithQueueSize bounds the number of pending events.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) { d.queue = make(chan Event, n) }
}

// Dispatcher is a session.CompletionListener. OnComplete only enqueues;
// Run performs the deliveries.
type Dispatcher struct {
	endpoints []Endpoint
	client    *http.Client
	delays    []time.Duration
	queue     chan Event
	logger    zerolog.Logger
	now       func() time.Time

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

var _ session.CompletionListener = (*Dispatcher)(nil)

func NewDispatcher(endpoints []Endpoint, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
		delays:    []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute},
		queue:     make(chan Event, 256),
		logger:    logger.With().Str("component", "webhook").Logger(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// OnComplete queues an exam.completed event. A full queue drops the event
// and logs it; the session has already completed.
func (d *Dispatcher) OnComplete(_ context.Context, c session.Completion) error {
	p := completionPayload{
		Policy:      c.Policy,
		Answers:     c.Answers,
		Snapshot:    c.Snapshot,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
	}
	if c.Snapshot != nil {
		p.HighestSeverity = c.Snapshot.HighestSeverity()
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	ev := Event{
		ID:        uuid.NewString(),
		Type:      EventExamCompleted,
		SessionID: c.SessionID,
		Form:      c.Form,
		Timestamp: d.now().UTC(),
		Payload:   raw,
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
		d.logger.Error().Str("session_id", c.SessionID.String()).Msg("webhook queue full; event dropped")
	}
	return nil
}

// Run delivers queued events to every endpoint until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.queue:
			for _, ep := range d.endpoints {
				if err := d.deliverWithRetry(ctx, ep, ev); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					d.failed.Add(1)
					d.logger.Error().Err(err).
						Str("event_id", ev.ID).
						Str("session_id", ev.SessionID.String()).
						Str("url", ep.URL).
						Msg("webhook delivery failed")
					continue
				}
				d.delivered.Add(1)
			}
		}
	}
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, ep Endpoint, ev Event) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = d.Deliver(ctx, ep, ev); err == nil {
			return nil
		}
		if attempt >= len(d.delays) {
			return fmt.Errorf("after %d attempt(s): %w", attempt+1, err)
		}
		d.logger.Warn().Err(err).Int("attempt", attempt+1).Str("url", ep.URL).Msg("webhook delivery will be retried")
		t := time.NewTimer(d.delays[attempt])
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Deliver makes one signed POST of ev to ep.
func (d *Dispatcher) Deliver(ctx context.Context, ep Endpoint, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventID, ev.ID)
	req.Header.Set(HeaderTimestamp, ev.Timestamp.Format(time.RFC3339))
	if ep.Secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+SignPayload(payload, ep.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// Stats reports delivered, failed and dropped event counts.
func (d *Dispatcher) Stats() (delivered, failed, dropped int64) {
	return d.delivered.Load(), d.failed.Load(), d.dropped.Load()
}
