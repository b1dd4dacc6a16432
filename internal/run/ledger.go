package run

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"orchard/internal/oerr"
	"orchard/internal/store"
)

// PhaseNotifier receives a human-readable phase label whenever a run's
// status changes. It is a side-effect hook for the session's event relay,
// not part of the ledger's core logic; a nil notifier disables it.
type PhaseNotifier func(runID, label string)

// Ledger persists and transitions agent runs.
type Ledger struct {
	store  store.Store
	notify PhaseNotifier
	now    func() time.Time // test hook
}

// NewLedger creates a run ledger over the given store.
func NewLedger(s store.Store, notify PhaseNotifier) *Ledger {
	return &Ledger{store: s, notify: notify, now: time.Now}
}

// Create records a new run in the started state.
func (l *Ledger) Create(ctx context.Context, agentID, projectID, featureID, role string) (*AgentRun, error) {
	if agentID == "" {
		return nil, oerr.Validationf("agentID is required")
	}
	r := &AgentRun{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		ProjectID: projectID,
		FeatureID: featureID,
		Role:      role,
		Status:    StatusStarted,
		StartedAt: l.now().UTC(),
	}
	if err := l.store.Put(ctx, store.Runs, r.ID, r); err != nil {
		return nil, fmt.Errorf("creating run for agent %s: %w", agentID, err)
	}
	return r, nil
}

// Get loads one run by id.
func (l *Ledger) Get(ctx context.Context, runID string) (*AgentRun, error) {
	var r AgentRun
	if err := l.store.Get(ctx, store.Runs, runID, &r); err != nil {
		if err == store.ErrNotFound {
			return nil, oerr.NotFoundf("run %s", runID)
		}
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	return &r, nil
}

// UpdateStatus moves a run to a non-terminal phase, optionally appending
// output. Valid only pre-terminal: updates against a completed or failed
// run are rejected without touching the terminal record. Terminal statuses
// must go through CompleteRun.
func (l *Ledger) UpdateStatus(ctx context.Context, runID string, status Status, outputAppend string) error {
	if !status.valid() || status.IsTerminal() {
		return oerr.Validationf("invalid phase %q for UpdateStatus", status)
	}
	r, err := l.Get(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return oerr.Conflictf("run %s is already %s", runID, r.Status)
	}

	prev := r.Status
	r.Status = status
	if outputAppend != "" {
		r.Output += outputAppend
	}
	// Guard on the pre-update status so a concurrent completion wins.
	err = l.store.ConditionalPut(ctx, store.Runs, r.ID, r, store.Cond{"status": string(prev)})
	if err == store.ErrConditionFailed {
		return oerr.Conflictf("run %s changed status concurrently", runID)
	}
	if err != nil {
		return fmt.Errorf("updating run %s: %w", runID, err)
	}

	if l.notify != nil {
		l.notify(runID, status.PhaseLabel())
	}
	return nil
}

// CompleteRun writes the terminal status idempotently. The first call
// stamps CompletedAt and DurationMs and records the summary (on success)
// or error text (on failure); any later call is a no-op, keeping
// DurationMs well-defined.
func (l *Ledger) CompleteRun(ctx context.Context, runID string, status Status, message string) error {
	if !status.IsTerminal() {
		return oerr.Validationf("CompleteRun requires a terminal status, got %q", status)
	}
	r, err := l.Get(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return nil
	}

	prev := r.Status
	now := l.now().UTC()
	r.Status = status
	r.CompletedAt = &now
	r.DurationMs = now.Sub(r.StartedAt).Milliseconds()
	if status == StatusCompleted {
		r.Summary = message
	} else {
		r.Error = message
	}

	err = l.store.ConditionalPut(ctx, store.Runs, r.ID, r, store.Cond{"status": string(prev)})
	if err == store.ErrConditionFailed {
		// Lost the race; if the winner completed the run we are done.
		current, getErr := l.Get(ctx, runID)
		if getErr == nil && current.Status.IsTerminal() {
			return nil
		}
		return l.CompleteRun(ctx, runID, status, message)
	}
	if err != nil {
		return fmt.Errorf("completing run %s: %w", runID, err)
	}

	if l.notify != nil {
		l.notify(runID, status.PhaseLabel())
	}
	return nil
}

// ListActive returns the project's runs that have not reached a terminal
// status.
func (l *Ledger) ListActive(ctx context.Context, projectID string) ([]AgentRun, error) {
	raws, err := l.store.Query(ctx, store.Runs, "project_id", projectID)
	if err != nil {
		return nil, fmt.Errorf("querying runs for project %s: %w", projectID, err)
	}
	all := store.DecodeAll[AgentRun](raws)
	active := make([]AgentRun, 0, len(all))
	for _, r := range all {
		if !r.Status.IsTerminal() {
			active = append(active, r)
		}
	}
	sortByStart(active)
	return active, nil
}

// Logs returns runs for exactly one of featureID or agentID, ordered
// ascending by start time. Supplying both keys or neither fails with a
// validation error.
func (l *Ledger) Logs(ctx context.Context, featureID, agentID string) ([]AgentRun, error) {
	var field, value string
	switch {
	case featureID != "" && agentID != "":
		return nil, oerr.Validationf("supply featureID or agentID, not both")
	case featureID != "":
		field, value = "feature_id", featureID
	case agentID != "":
		field, value = "agent_id", agentID
	default:
		return nil, oerr.Validationf("featureID or agentID is required")
	}

	raws, err := l.store.Query(ctx, store.Runs, field, value)
	if err != nil {
		return nil, fmt.Errorf("querying runs by %s: %w", field, err)
	}
	runs := store.DecodeAll[AgentRun](raws)
	sortByStart(runs)
	return runs, nil
}

func sortByStart(runs []AgentRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.Before(runs[j].StartedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}
