package relay

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"orchard/internal/trace"
)

// TracingRelay mirrors session events into OTLP spans: one root span per
// run, one child span per turn, and an instant span per rendered tool
// status line. The configured OTLP endpoint (or OTEL_EXPORTER_OTLP_ENDPOINT)
// enables export; without either the manager keeps traces in memory only.
type TracingRelay struct {
	manager *trace.Manager

	mu   sync.Mutex
	runs map[string]*runTrace
}

type runTrace struct {
	traceID       string
	sessionSpanID string
	turnSpanID    string
	turnNum       int
	lastErr       string
}

// NewTracingRelay creates a TracingRelay backed by a fresh trace manager
// exporting to otlpEndpoint (empty: env-configured or in-memory only).
func NewTracingRelay(otlpEndpoint string) *TracingRelay {
	return &TracingRelay{
		manager: trace.NewManager(10, otlpEndpoint),
		runs:    make(map[string]*runTrace),
	}
}

// Manager exposes the underlying trace manager for shutdown wiring.
func (r *TracingRelay) Manager() *trace.Manager {
	return r.manager
}

// runState returns the per-run trace state, opening a session span on
// first sight of the run.
func (r *TracingRelay) runState(runID string) *runTrace {
	if rt, ok := r.runs[runID]; ok {
		return rt
	}

	rt := &runTrace{
		traceID:       trace.NewTraceID(),
		sessionSpanID: trace.NewSpanID(),
	}
	r.runs[runID] = rt

	r.manager.HandleEvent(trace.TraceEvent{
		TraceID:   rt.traceID,
		SpanID:    rt.sessionSpanID,
		Type:      trace.EventSessionStart,
		Name:      "work-session",
		Timestamp: time.Now(),
		Attributes: map[string]string{
			"run_id": runID,
		},
	})
	return rt
}

// ThinkingStart opens a turn span.
func (r *TracingRelay) ThinkingStart(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt := r.runState(runID)
	rt.turnNum++
	rt.turnSpanID = trace.NewSpanID()

	r.manager.HandleEvent(trace.TraceEvent{
		TraceID:   rt.traceID,
		SpanID:    rt.turnSpanID,
		ParentID:  rt.sessionSpanID,
		Type:      trace.EventTurnStart,
		Name:      fmt.Sprintf("turn-%d", rt.turnNum),
		Timestamp: time.Now(),
		Attributes: map[string]string{
			"run_id": runID,
			"turn":   fmt.Sprintf("%d", rt.turnNum),
		},
	})
}

// Token records rendered tool status lines as instant spans under the
// current turn. Plain assistant text is too high-volume to trace and is
// ignored.
func (r *TracingRelay) Token(runID, token string) {
	tool, ok := toolName(token)
	if !ok {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rt := r.runState(runID)
	parent := rt.turnSpanID
	if parent == "" {
		parent = rt.sessionSpanID
	}

	spanID := trace.NewSpanID()
	now := time.Now()
	attrs := map[string]string{
		"run_id": runID,
		"tool":   tool,
	}
	r.manager.HandleEvent(trace.TraceEvent{
		TraceID:    rt.traceID,
		SpanID:     spanID,
		ParentID:   parent,
		Type:       trace.EventToolStart,
		Name:       tool,
		Timestamp:  now,
		Attributes: attrs,
	})
	r.manager.HandleEvent(trace.TraceEvent{
		TraceID:    rt.traceID,
		SpanID:     spanID,
		ParentID:   parent,
		Type:       trace.EventToolEnd,
		Name:       tool,
		Timestamp:  now,
		Attributes: attrs,
	})
}

// ThinkingEnd closes the current turn span.
func (r *TracingRelay) ThinkingEnd(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt := r.runState(runID)
	if rt.turnSpanID == "" {
		return
	}

	attrs := map[string]string{
		"run_id": runID,
	}
	if rt.lastErr != "" {
		attrs["error"] = rt.lastErr
		rt.lastErr = ""
	}
	r.manager.HandleEvent(trace.TraceEvent{
		TraceID:    rt.traceID,
		SpanID:     rt.turnSpanID,
		ParentID:   rt.sessionSpanID,
		Type:       trace.EventTurnEnd,
		Name:       fmt.Sprintf("turn-%d", rt.turnNum),
		Timestamp:  time.Now(),
		Attributes: attrs,
	})
	rt.turnSpanID = ""
}

// StreamError stashes the error so the next closing span carries it.
func (r *TracingRelay) StreamError(runID string, err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runState(runID).lastErr = err.Error()
}

// Close ends the session span, which triggers OTLP export.
func (r *TracingRelay) Close(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.runs[runID]
	if !ok {
		return
	}
	delete(r.runs, runID)

	attrs := map[string]string{
		"run_id": runID,
		"turns":  fmt.Sprintf("%d", rt.turnNum),
	}
	if rt.lastErr != "" {
		attrs["error"] = rt.lastErr
	}
	r.manager.HandleEvent(trace.TraceEvent{
		TraceID:    rt.traceID,
		SpanID:     rt.sessionSpanID,
		Type:       trace.EventSessionEnd,
		Name:       "work-session",
		Timestamp:  time.Now(),
		Attributes: attrs,
	})
}

// toolName extracts the tool from a rendered status line like
// "[shell] go test ./...". Returns false for plain text tokens.
func toolName(token string) (string, bool) {
	if !strings.HasPrefix(token, "[") {
		return "", false
	}
	end := strings.IndexByte(token, ']')
	if end <= 1 {
		return "", false
	}
	name := token[1:end]
	if strings.ContainsAny(name, " \n") {
		return "", false
	}
	return name, true
}
