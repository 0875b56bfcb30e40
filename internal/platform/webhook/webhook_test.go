package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/ehr/clinexam/internal/engine"
	"github.com/ehr/clinexam/internal/session"
)

func completion() session.Completion {
	return session.Completion{
		SessionID: uuid.New(),
		Form:      engine.FormInfo{ID: "triage", Version: "1"},
		Answers: engine.AnswersOf(map[engine.FieldKey]engine.Value{
			engine.Key("exam", "spo2"): engine.Number(90),
		}),
		Policy:      session.PolicyStrict,
		StartedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		CompletedAt: time.Date(2026, 3, 1, 9, 20, 0, 0, time.UTC),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSignPayload_RoundTrip(t *testing.T) {
	payload := []byte(`{"type":"exam.completed"}`)
	sig := SignPayload(payload, "s3cret")

	if !VerifySignature(payload, "s3cret", sig) {
		t.Error("expected signature to verify")
	}
	if !VerifySignature(payload, "s3cret", "sha256="+sig) {
		t.Error("expected prefixed signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected wrong secret to fail")
	}
	if VerifySignature([]byte(`{}`), "s3cret", sig) {
		t.Error("expected tampered payload to fail")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://hooks.example.org/exams", false},
		{"http://localhost:9000/in", false},
		{"", true},
		{"ftp://example.org", true},
		{"https://", true},
		{"://bad", true},
	}
	for _, tt := range tests {
		if err := ValidateURL(tt.url); (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}

func TestDeliver_Signed(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !VerifySignature(body, "s3cret", r.Header.Get(HeaderSignature)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.Unmarshal(body, &got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewDispatcher(nil, zerolog.Nop())
	ev := Event{ID: "ev-1", Type: EventExamCompleted, SessionID: uuid.New(), Timestamp: time.Now().UTC(), Payload: json.RawMessage(`{}`)}
	if err := d.Deliver(context.Background(), Endpoint{URL: srv.URL, Secret: "s3cret"}, ev); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.ID != "ev-1" || got.SessionID != ev.SessionID {
		t.Errorf("unexpected event received: %+v", got)
	}

	if err := d.Deliver(context.Background(), Endpoint{URL: srv.URL, Secret: "wrong"}, ev); err == nil {
		t.Error("expected a non-2xx error for a bad signature")
	}
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var calls atomic.Int32
	var mu sync.Mutex
	var received Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		mu.Lock()
		json.NewDecoder(r.Body).Decode(&received)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]Endpoint{{URL: srv.URL, Secret: "k"}}, zerolog.Nop(),
		WithRetryDelays(time.Millisecond, time.Millisecond, time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	c := completion()
	if err := d.OnComplete(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { delivered, _, _ := d.Stats(); return delivered == 1 })

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	srv.CloseClientConnections()

	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if received.Type != EventExamCompleted || received.SessionID != c.SessionID || received.Form.ID != "triage" {
		t.Errorf("unexpected event %+v", received)
	}
	var p struct {
		Policy  string             `json:"policy"`
		Answers engine.AnswerStore `json:"answers"`
	}
	if err := json.Unmarshal(received.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Policy != "strict" || p.Answers.Len() != 1 {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestDispatcher_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher([]Endpoint{{URL: srv.URL}}, zerolog.Nop(), WithRetryDelays(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.OnComplete(context.Background(), completion())
	waitFor(t, func() bool { _, failed, _ := d.Stats(); return failed == 1 })
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	d := NewDispatcher([]Endpoint{{URL: "http://127.0.0.1:1"}}, zerolog.Nop(), WithQueueSize(1))

	for i := 0; i < 3; i++ {
		if err := d.OnComplete(context.Background(), completion()); err != nil {
			t.Fatalf("OnComplete must not fail on a full queue: %v", err)
		}
	}
	if _, _, dropped := d.Stats(); dropped != 2 {
		t.Errorf("expected 2 dropped, got %d", dropped)
	}
}
