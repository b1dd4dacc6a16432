package trace

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// EventType identifies the kind of trace event
type EventType string

const (
	EventSessionStart EventType = "session_start" // Work session spawned
	EventSessionEnd   EventType = "session_end"   // Work session ended
	EventTurnStart    EventType = "turn_start"    // One request/response turn begins
	EventTurnEnd      EventType = "turn_end"      // Turn's result arrived
	EventToolStart    EventType = "tool_start"    // Agent tool call started
	EventToolEnd      EventType = "tool_end"      // Agent tool call completed
)

// TraceEvent represents a single event in a work-session trace
type TraceEvent struct {
	TraceID    string            `json:"trace_id"`   // Unique ID for the entire session
	SpanID     string            `json:"span_id"`    // Unique ID for this span
	ParentID   string            `json:"parent_id"`  // Parent span ID (empty for root)
	Type       EventType         `json:"type"`       // Event type
	Name       string            `json:"name"`       // Human-readable name (run ID, tool name, etc.)
	Timestamp  time.Time         `json:"timestamp"`  // When the event occurred
	Attributes map[string]string `json:"attributes"` // Additional metadata
}

// NewTraceID generates a random 16-byte trace ID as hex string (32 characters)
func NewTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// NewSpanID generates a random 8-byte span ID as hex string (16 characters)
func NewSpanID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
