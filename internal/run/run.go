// Package run implements the agent run ledger: one lifecycle record per
// (agent, feature) claim, driven through a small state machine that is
// terminal exactly once.
package run

import (
	"time"
)

// Status is the lifecycle state of an agent run.
type Status string

const (
	StatusStarted   Status = "started"
	StatusThinking  Status = "thinking"
	StatusCoding    Status = "coding"
	StatusTesting   Status = "testing"
	StatusReviewing Status = "reviewing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// valid reports whether s is a known status value.
func (s Status) valid() bool {
	switch s {
	case StatusStarted, StatusThinking, StatusCoding, StatusTesting,
		StatusReviewing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// PhaseLabel returns the human-readable label relayed to subscribers when
// a run enters this status.
func (s Status) PhaseLabel() string {
	switch s {
	case StatusStarted:
		return "Starting up"
	case StatusThinking:
		return "Thinking"
	case StatusCoding:
		return "Writing code"
	case StatusTesting:
		return "Running tests"
	case StatusReviewing:
		return "Reviewing changes"
	case StatusCompleted:
		return "Done"
	case StatusFailed:
		return "Failed"
	default:
		return string(s)
	}
}

// AgentRun records one execution of an agent role against one claimed
// feature. Created exactly once per claim; terminal once completed or
// failed.
type AgentRun struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	ProjectID   string     `json:"project_id"`
	FeatureID   string     `json:"feature_id"`
	Role        string     `json:"role"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
	Output      string     `json:"output,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Error       string     `json:"error,omitempty"`
}
