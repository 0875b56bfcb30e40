// Package telemetry exposes request and examination metrics in the
// Prometheus text exposition format.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinexam/internal/engine"
	"github.com/ehr/clinexam/internal/session"
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram keeps non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	bounds []float64
	counts []uint64
	count  uint64
	sum    float64
}

func newHistogram(bounds []float64) *histogram {
	return &histogram{bounds: bounds, counts: make([]uint64, len(bounds))}
}

func (h *histogram) observe(v float64) {
	h.count++
	h.sum += v
	for i, b := range h.bounds {
		if v <= b {
			h.counts[i]++
			return
		}
	}
}

type requestKey struct {
	method, route, status string
}

type completionKey struct {
	form, severity string
}

// Metrics collects HTTP and session metrics. It is a snapshot listener and
// a completion listener; both callbacks only bump counters.
type Metrics struct {
	active    atomic.Int64
	snapshots atomic.Int64

	mu          sync.Mutex
	requests    map[requestKey]*histogram
	completions map[completionKey]int64
	alerts      map[engine.Severity]int64
}

var (
	_ session.SnapshotListener   = (*Metrics)(nil)
	_ session.CompletionListener = (*Metrics)(nil)
)

func New() *Metrics {
	return &Metrics{
		requests:    make(map[requestKey]*histogram),
		completions: make(map[completionKey]int64),
		alerts:      make(map[engine.Severity]int64),
	}
}

// Middleware records request duration by method, route pattern and status.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.active.Add(1)
			start := time.Now()
			err := next(c)
			m.active.Add(-1)

			status := c.Response().Status
			if err != nil {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.observeRequest(requestKey{c.Request().Method, route, strconv.Itoa(status)}, time.Since(start))
			return err
		}
	}
}

func (m *Metrics) observeRequest(k requestKey, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.requests[k]
	if !ok {
		h = newHistogram(durationBuckets)
		m.requests[k] = h
	}
	h.observe(d.Seconds())
}

func (m *Metrics) OnSnapshotChanged(context.Context, uuid.UUID, *engine.Snapshot) {
	m.snapshots.Add(1)
}

func (m *Metrics) OnComplete(_ context.Context, c session.Completion) error {
	sev := "none"
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Snapshot != nil {
		if s := c.Snapshot.HighestSeverity(); s != "" {
			sev = string(s)
		}
		for _, a := range c.Snapshot.Alerts {
			m.alerts[a.Severity]++
		}
	}
	m.completions[completionKey{c.Form.ID, sev}]++
	return nil
}

// Handler serves the exposition at /metrics.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
		c.Response().WriteHeader(http.StatusOK)
		return m.Write(c.Response())
	}
}

// Write renders every metric. Series are sorted so output is stable.
func (m *Metrics) Write(w io.Writer) error {
	var b strings.Builder

	m.mu.Lock()
	reqKeys := make([]requestKey, 0, len(m.requests))
	for k := range m.requests {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		a, c := reqKeys[i], reqKeys[j]
		if a.route != c.route {
			return a.route < c.route
		}
		if a.method != c.method {
			return a.method < c.method
		}
		return a.status < c.status
	})
	b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
	b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
	for _, k := range reqKeys {
		h := m.requests[k]
		labels := fmt.Sprintf("method=%q,route=%q,status=%q", k.method, k.route, k.status)
		var cum uint64
		for i, bound := range h.bounds {
			cum += h.counts[i]
			fmt.Fprintf(&b, "http_server_request_duration_seconds_bucket{%s,le=%q} %d\n", labels, strconv.FormatFloat(bound, 'g', -1, 64), cum)
		}
		fmt.Fprintf(&b, "http_server_request_duration_seconds_bucket{%s,le=\"+Inf\"} %d\n", labels, h.count)
		fmt.Fprintf(&b, "http_server_request_duration_seconds_sum{%s} %g\n", labels, h.sum)
		fmt.Fprintf(&b, "http_server_request_duration_seconds_count{%s} %d\n", labels, h.count)
	}

	compKeys := make([]completionKey, 0, len(m.completions))
	for k := range m.completions {
		compKeys = append(compKeys, k)
	}
	sort.Slice(compKeys, func(i, j int) bool {
		if compKeys[i].form != compKeys[j].form {
			return compKeys[i].form < compKeys[j].form
		}
		return compKeys[i].severity < compKeys[j].severity
	})
	b.WriteString("# HELP clinexam_completions_total Completed examinations by form and highest alert severity.\n")
	b.WriteString("# TYPE clinexam_completions_total counter\n")
	for _, k := range compKeys {
		fmt.Fprintf(&b, "clinexam_completions_total{form_id=%q,severity=%q} %d\n", k.form, k.severity, m.completions[k])
	}

	b.WriteString("# HELP clinexam_alerts_total Alerts present at completion by severity.\n")
	b.WriteString("# TYPE clinexam_alerts_total counter\n")
	for _, sev := range []engine.Severity{engine.SeverityCritical, engine.SeverityWarning, engine.SeverityInfo} {
		fmt.Fprintf(&b, "clinexam_alerts_total{severity=%q} %d\n", sev, m.alerts[sev])
	}
	m.mu.Unlock()

	b.WriteString("# HELP clinexam_snapshots_total Snapshots recomputed after a mutation.\n")
	b.WriteString("# TYPE clinexam_snapshots_total counter\n")
	fmt.Fprintf(&b, "clinexam_snapshots_total %d\n", m.snapshots.Load())

	b.WriteString("# HELP http_server_active_requests Requests in flight.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(&b, "http_server_active_requests %d\n", m.active.Load())

	_, err := io.WriteString(w, b.String())
	return err
}
