// Package feature implements the project backlog: the feature dependency
// graph with cycle-safe mutation and the atomic claim engine.
package feature

import (
	"time"
)

// Status is the lifecycle state of a feature.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusReviewReady Status = "review_ready"
	StatusPassing     Status = "passing"
	StatusFailing     Status = "failing"
)

// Feature is one backlog work item. The dependency relation within a
// project must stay acyclic; AddDependency enforces that.
type Feature struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	Name            string     `json:"name"`
	Priority        int        `json:"priority"` // lower = more urgent
	Status          Status     `json:"status"`
	Dependencies    []string   `json:"dependencies"`
	AssignedAgentID *string    `json:"assigned_agent_id"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Spec describes one feature to create at project setup.
type Spec struct {
	Name         string
	Priority     int
	Dependencies []string
}

// dependsOn reports whether the feature already lists depID.
func (f *Feature) dependsOn(depID string) bool {
	for _, d := range f.Dependencies {
		if d == depID {
			return true
		}
	}
	return false
}
