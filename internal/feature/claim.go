package feature

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"orchard/internal/oerr"
	"orchard/internal/store"
)

// Engine coordinates feature persistence, graph mutation, and claiming.
type Engine struct {
	store store.Store
}

// NewEngine creates a feature engine over the given store.
func NewEngine(s store.Store) *Engine {
	return &Engine{store: s}
}

// CreateFeatures bulk-inserts a project's backlog at setup time. Specs may
// reference each other by name in Dependencies; names are resolved to the
// generated ids. Returns the created features in spec order.
func (e *Engine) CreateFeatures(ctx context.Context, projectID string, specs []Spec) ([]Feature, error) {
	now := time.Now().UTC()
	idByName := make(map[string]string, len(specs))
	features := make([]Feature, 0, len(specs))

	for _, spec := range specs {
		id := uuid.NewString()
		idByName[spec.Name] = id
		features = append(features, Feature{
			ID:           id,
			ProjectID:    projectID,
			Name:         spec.Name,
			Priority:     spec.Priority,
			Status:       StatusPending,
			Dependencies: []string{},
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	for i, spec := range specs {
		for _, depName := range spec.Dependencies {
			depID, ok := idByName[depName]
			if !ok {
				return nil, oerr.Validationf("feature %q depends on unknown feature %q", spec.Name, depName)
			}
			if depID == features[i].ID {
				return nil, oerr.Validationf("feature %q cannot depend on itself", spec.Name)
			}
			features[i].Dependencies = append(features[i].Dependencies, depID)
		}
	}

	docs := make(map[string]any, len(features))
	for _, f := range features {
		docs[f.ID] = f
	}
	if err := e.store.BatchPut(ctx, store.Features, docs); err != nil {
		return nil, fmt.Errorf("creating %d features for project %s: %w", len(features), projectID, err)
	}
	return features, nil
}

// Get loads one feature by id.
func (e *Engine) Get(ctx context.Context, featureID string) (*Feature, error) {
	var f Feature
	if err := e.store.Get(ctx, store.Features, featureID, &f); err != nil {
		if err == store.ErrNotFound {
			return nil, oerr.NotFoundf("feature %s", featureID)
		}
		return nil, fmt.Errorf("loading feature %s: %w", featureID, err)
	}
	return &f, nil
}

// ClaimFeature atomically assigns the highest-priority ready feature to the
// agent. Each candidate is claimed with a conditional write guarded by
// "still pending and still unassigned"; losing a race to a concurrent
// caller just moves on to the next candidate. Returns nil with no error
// when nothing is available — an empty backlog is not a failure.
func (e *Engine) ClaimFeature(ctx context.Context, projectID, agentID string) (*Feature, error) {
	if agentID == "" {
		return nil, oerr.Validationf("agentID must not be empty")
	}

	ready, err := e.ReadyFeatures(ctx, projectID)
	if err != nil {
		return nil, err
	}

	for _, candidate := range ready {
		claimed := candidate
		claimed.Status = StatusInProgress
		claimed.AssignedAgentID = &agentID
		claimed.UpdatedAt = time.Now().UTC()

		err := e.store.ConditionalPut(ctx, store.Features, claimed.ID, claimed, store.Cond{
			"status":            string(StatusPending),
			"assigned_agent_id": nil,
		})
		switch err {
		case nil:
			return &claimed, nil
		case store.ErrConditionFailed, store.ErrNotFound:
			// Lost the race; try the next candidate.
			continue
		default:
			return nil, fmt.Errorf("claiming feature %s: %w", claimed.ID, err)
		}
	}
	return nil, nil
}

// MarkFeaturePassing records a successful completion: status passing,
// completion stamped, assignment cleared.
func (e *Engine) MarkFeaturePassing(ctx context.Context, featureID string) error {
	return e.finish(ctx, featureID, StatusPassing)
}

// MarkFeatureFailing records a failed attempt. The feature stays failing
// until someone explicitly re-queues it; the engine never retries on its
// own.
func (e *Engine) MarkFeatureFailing(ctx context.Context, featureID string) error {
	return e.finish(ctx, featureID, StatusFailing)
}

// MarkFeatureInProgress directly assigns a feature to an agent, bypassing
// ready-set ordering. This is the manual, user-driven assignment path and
// the re-queue path for failing features.
func (e *Engine) MarkFeatureInProgress(ctx context.Context, featureID, agentID string) error {
	if agentID == "" {
		return oerr.Validationf("agentID must not be empty")
	}
	f, err := e.Get(ctx, featureID)
	if err != nil {
		return err
	}
	f.Status = StatusInProgress
	f.AssignedAgentID = &agentID
	f.CompletedAt = nil
	f.UpdatedAt = time.Now().UTC()
	if err := e.store.Put(ctx, store.Features, f.ID, f); err != nil {
		return fmt.Errorf("saving feature %s: %w", f.ID, err)
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, featureID string, status Status) error {
	f, err := e.Get(ctx, featureID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	f.Status = status
	f.AssignedAgentID = nil
	f.UpdatedAt = now
	if status == StatusPassing {
		f.CompletedAt = &now
	}
	if err := e.store.Put(ctx, store.Features, f.ID, f); err != nil {
		return fmt.Errorf("saving feature %s: %w", f.ID, err)
	}
	return nil
}
