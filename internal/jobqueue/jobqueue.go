// Package jobqueue implements the per-agent FIFO backlog of pending work
// requests. Ordering uses sparse integer positions (gap numbering) so an
// append never rewrites existing items, and dequeue is a conditional write
// so two workers can never pull the same job.
package jobqueue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"orchard/internal/oerr"
	"orchard/internal/store"
)

// Gap is the spacing between consecutive queue positions. The first job in
// a queue gets position Gap; every later append gets max+Gap. Reordering
// re-keys into the gaps.
const Gap = 10

// Status is the lifecycle state of a queued job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one queued work request for an agent. Terminal jobs are retained
// for audit and filtered out of active views.
type Job struct {
	ID          string     `json:"id"`
	AgentName   string     `json:"agent_name"`
	ProjectID   string     `json:"project_id"`
	Prompt      string     `json:"prompt"`
	Position    int        `json:"position"`
	Status      Status     `json:"status"`
	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Queue manages per-agent job queues over the shared store.
type Queue struct {
	store store.Store
	now   func() time.Time // test hook
}

// New creates a queue over the given store.
func New(s store.Store) *Queue {
	return &Queue{store: s, now: time.Now}
}

// Enqueue appends a job to the agent's queue. Position assignment is O(1)
// append: max over existing positions plus Gap, regardless of status, so a
// re-enqueued agent never interleaves with retained history.
func (q *Queue) Enqueue(ctx context.Context, agentName, projectID, prompt string) (*Job, error) {
	if agentName == "" {
		return nil, oerr.Validationf("agentName must not be empty")
	}
	jobs, err := q.agentJobs(ctx, agentName)
	if err != nil {
		return nil, err
	}

	maxPos := 0
	for _, j := range jobs {
		if j.Position > maxPos {
			maxPos = j.Position
		}
	}

	job := &Job{
		ID:        uuid.NewString(),
		AgentName: agentName,
		ProjectID: projectID,
		Prompt:    prompt,
		Position:  maxPos + Gap,
		Status:    StatusQueued,
		QueuedAt:  q.now().UTC(),
	}
	if err := q.store.Put(ctx, store.Jobs, job.ID, job); err != nil {
		return nil, fmt.Errorf("enqueueing job for %s: %w", agentName, err)
	}
	return job, nil
}

// Dequeue pulls the lowest-position queued job for the agent, transitioning
// it to processing with a conditional write guarded by "still queued". A
// lost race re-selects until the queue is drained. Returns nil when the
// queue is empty.
func (q *Queue) Dequeue(ctx context.Context, agentName string) (*Job, error) {
	for {
		job, err := q.Peek(ctx, agentName)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, nil
		}

		now := q.now().UTC()
		job.Status = StatusProcessing
		job.StartedAt = &now

		err = q.store.ConditionalPut(ctx, store.Jobs, job.ID, job, store.Cond{
			"status": string(StatusQueued),
		})
		switch err {
		case nil:
			return job, nil
		case store.ErrConditionFailed, store.ErrNotFound:
			// Another worker got there first (or the job was removed);
			// select again.
			continue
		default:
			return nil, fmt.Errorf("dequeuing job %s: %w", job.ID, err)
		}
	}
}

// Peek returns the lowest-position queued job without mutating it, or nil
// if the queue is empty.
func (q *Queue) Peek(ctx context.Context, agentName string) (*Job, error) {
	jobs, err := q.Pending(ctx, agentName)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	job := jobs[0]
	return &job, nil
}

// Pending returns the agent's queued jobs in dequeue order (position
// ascending). This is the active view; terminal and processing jobs are
// filtered out.
func (q *Queue) Pending(ctx context.Context, agentName string) ([]Job, error) {
	jobs, err := q.agentJobs(ctx, agentName)
	if err != nil {
		return nil, err
	}
	pending := jobs[:0]
	for _, j := range jobs {
		if j.Status == StatusQueued {
			pending = append(pending, j)
		}
	}
	sortByPosition(pending)
	return pending, nil
}

// Depth returns the number of queued jobs for the agent.
func (q *Queue) Depth(ctx context.Context, agentName string) (int, error) {
	pending, err := q.Pending(ctx, agentName)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

// Remove deletes a job regardless of status. This is the cancellation path.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	if err := q.store.Delete(ctx, store.Jobs, jobID); err != nil {
		return fmt.Errorf("removing job %s: %w", jobID, err)
	}
	return nil
}

// Reorder re-keys a job to a new position. Since position is embedded in
// the sort key, this is a delete + reinsert of the document.
func (q *Queue) Reorder(ctx context.Context, jobID string, newPosition int) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusQueued {
		return oerr.Conflictf("job %s is %s, only queued jobs can be reordered", jobID, job.Status)
	}
	if err := q.store.Delete(ctx, store.Jobs, jobID); err != nil {
		return fmt.Errorf("reordering job %s: %w", jobID, err)
	}
	job.Position = newPosition
	if err := q.store.Put(ctx, store.Jobs, jobID, job); err != nil {
		return fmt.Errorf("reinserting job %s: %w", jobID, err)
	}
	return nil
}

// FrontPosition returns a position that sorts before every queued job for
// the agent. Positions are signed, so this can go negative.
func (q *Queue) FrontPosition(ctx context.Context, agentName string) (int, error) {
	pending, err := q.Pending(ctx, agentName)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return Gap, nil
	}
	return pending[0].Position - Gap, nil
}

// MarkCompleted stamps a processing job completed. The record is retained
// for audit.
func (q *Queue) MarkCompleted(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, StatusCompleted, "")
}

// MarkFailed stamps a processing job failed with the given error text.
func (q *Queue) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	return q.finish(ctx, jobID, StatusFailed, errMsg)
}

// Get loads one job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := q.store.Get(ctx, store.Jobs, jobID, &job); err != nil {
		if err == store.ErrNotFound {
			return nil, oerr.NotFoundf("job %s", jobID)
		}
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	return &job, nil
}

func (q *Queue) finish(ctx context.Context, jobID string, status Status, errMsg string) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	now := q.now().UTC()
	job.Status = status
	job.CompletedAt = &now
	job.Error = errMsg
	if err := q.store.Put(ctx, store.Jobs, jobID, job); err != nil {
		return fmt.Errorf("finishing job %s: %w", jobID, err)
	}
	return nil
}

func (q *Queue) agentJobs(ctx context.Context, agentName string) ([]Job, error) {
	raws, err := q.store.Query(ctx, store.Jobs, "agent_name", agentName)
	if err != nil {
		return nil, fmt.Errorf("querying jobs for %s: %w", agentName, err)
	}
	return store.DecodeAll[Job](raws), nil
}

func sortByPosition(jobs []Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Position != jobs[j].Position {
			return jobs[i].Position < jobs[j].Position
		}
		return jobs[i].QueuedAt.Before(jobs[j].QueuedAt)
	})
}
