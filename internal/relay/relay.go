// Package relay delivers work-session events to live subscribers. The
// supervisor emits discrete events (thinking_start, token, thinking_end,
// stream_error, close); implementations push them to whatever transport
// the caller wires in.
package relay

import "log"

// Relay receives supervisor events for one or more sessions. Methods must
// be safe for concurrent use; within one turn, Token calls preserve
// protocol-arrival order.
type Relay interface {
	// ThinkingStart signals that a turn began streaming.
	ThinkingStart(runID string)

	// Token delivers one incremental output chunk: assistant text, a
	// rendered tool status line, or a block separator.
	Token(runID, token string)

	// ThinkingEnd signals that the turn's final result arrived.
	ThinkingEnd(runID string)

	// StreamError reports an abnormal subprocess exit or spawn failure.
	StreamError(runID string, err error)

	// Close signals that the session ended and no more events will follow.
	Close(runID string)
}

// NoopRelay is an embeddable no-op implementation. Embed it to implement
// only the events you care about.
type NoopRelay struct{}

func (NoopRelay) ThinkingStart(string)      {}
func (NoopRelay) Token(string, string)      {}
func (NoopRelay) ThinkingEnd(string)        {}
func (NoopRelay) StreamError(string, error) {}
func (NoopRelay) Close(string)              {}

// LogRelay writes events to the process log. Useful for headless runs and
// debugging; tokens are suppressed unless Verbose is set because they are
// high-volume.
type LogRelay struct {
	Verbose bool
}

func (r *LogRelay) ThinkingStart(runID string) {
	log.Printf("relay: run %s thinking", runID)
}

func (r *LogRelay) Token(runID, token string) {
	if r.Verbose {
		log.Printf("relay: run %s token %q", runID, token)
	}
}

func (r *LogRelay) ThinkingEnd(runID string) {
	log.Printf("relay: run %s done thinking", runID)
}

func (r *LogRelay) StreamError(runID string, err error) {
	log.Printf("relay: run %s stream error: %v", runID, err)
}

func (r *LogRelay) Close(runID string) {
	log.Printf("relay: run %s closed", runID)
}
