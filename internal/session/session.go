// Package session supervises live work sessions: the 1:1 mapping between a
// logical (agent, project-or-thread) identity and a spawned coding-assistant
// subprocess. Each turn is a fresh subprocess invocation carrying the
// session's resume token; the supervisor enforces at most one active session
// per project, guards against interleaved turns, and tears the session down
// on explicit end, abnormal subprocess exit, or inactivity.
package session

import (
	"fmt"
	"time"
)

// DefaultInactivityTimeout is how long a session may sit idle before the
// watchdog force-ends it.
const DefaultInactivityTimeout = 30 * time.Minute

// DefaultTurnTimeout is the per-turn subprocess deadline.
const DefaultTurnTimeout = 10 * time.Minute

// EndReason records why a session ended.
type EndReason string

const (
	EndReasonExplicit   EndReason = "explicit"
	EndReasonSubprocess EndReason = "subprocess_exit"
	EndReasonInactivity EndReason = "inactivity_timeout"
	EndReasonShutdown   EndReason = "shutdown"
)

// WorkSession is the durable record of one active session. It is written to
// the store on start, updated as turns complete, and deleted when the
// session ends.
type WorkSession struct {
	RunID        string    `json:"id"`
	AgentName    string    `json:"agent_name"`
	ProjectID    string    `json:"project_id,omitempty"`
	ThreadID     string    `json:"thread_id,omitempty"`
	ResumeToken  string    `json:"resume_token,omitempty"`
	Busy         bool      `json:"busy"`
	Workspace    string    `json:"workspace,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Key returns the registry key enforcing the one-session invariant: the
// project when one applies, otherwise the thread.
func (ws *WorkSession) Key() string {
	return sessionKey(ws.ProjectID, ws.ThreadID)
}

func sessionKey(projectID, threadID string) string {
	if projectID != "" {
		return "project:" + projectID
	}
	return "thread:" + threadID
}

// summaryFor renders the ledger summary line for a session end.
func summaryFor(reason EndReason, turns int) string {
	return fmt.Sprintf("session ended (%s) after %d turn(s)", reason, turns)
}
