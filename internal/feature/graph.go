package feature

import (
	"context"
	"fmt"
	"sort"
	"time"

	"orchard/internal/oerr"
	"orchard/internal/store"
)

// AddDependency records that featureID depends on dependsOnID. Self-loops
// are rejected immediately; other insertions run a breadth-first search
// over the project's existing edges starting at dependsOnID — if featureID
// is reachable, the new edge would close a cycle and the call fails with a
// conflict before any mutation happens. The write is a conditional put
// guarded on the feature's pre-read timestamp, so an edge added by a
// concurrent caller is never clobbered: losing the race re-reads and
// re-runs the cycle check.
func (e *Engine) AddDependency(ctx context.Context, featureID, dependsOnID string) error {
	if featureID == dependsOnID {
		return oerr.Validationf("feature %s cannot depend on itself", featureID)
	}

	for attempt := 0; attempt < 3; attempt++ {
		var feat Feature
		if err := e.store.Get(ctx, store.Features, featureID, &feat); err != nil {
			if err == store.ErrNotFound {
				return oerr.NotFoundf("feature %s", featureID)
			}
			return fmt.Errorf("loading feature %s: %w", featureID, err)
		}
		var dep Feature
		if err := e.store.Get(ctx, store.Features, dependsOnID, &dep); err != nil {
			if err == store.ErrNotFound {
				return oerr.NotFoundf("feature %s", dependsOnID)
			}
			return fmt.Errorf("loading feature %s: %w", dependsOnID, err)
		}

		if feat.dependsOn(dependsOnID) {
			return nil
		}

		adjacency, err := e.projectAdjacency(ctx, feat.ProjectID)
		if err != nil {
			return err
		}
		if reachable(adjacency, dependsOnID, featureID) {
			return oerr.Conflictf("dependency %s -> %s would create a cycle", featureID, dependsOnID)
		}

		prev := feat.UpdatedAt
		feat.Dependencies = append(feat.Dependencies, dependsOnID)
		feat.UpdatedAt = time.Now().UTC()
		err = e.store.ConditionalPut(ctx, store.Features, feat.ID, feat, store.Cond{
			"updated_at": prev.Format(time.RFC3339Nano),
		})
		switch err {
		case nil:
			return nil
		case store.ErrConditionFailed:
			// The feature changed underneath us; re-validate from scratch.
			continue
		case store.ErrNotFound:
			return oerr.NotFoundf("feature %s", featureID)
		default:
			return fmt.Errorf("saving feature %s: %w", feat.ID, err)
		}
	}
	return oerr.Conflictf("feature %s is changing concurrently, retry", featureID)
}

// RemoveDependency deletes the edge unconditionally. Removing an edge can
// never create a cycle, so no reachability check is needed.
func (e *Engine) RemoveDependency(ctx context.Context, featureID, dependsOnID string) error {
	var feat Feature
	if err := e.store.Get(ctx, store.Features, featureID, &feat); err != nil {
		if err == store.ErrNotFound {
			return oerr.NotFoundf("feature %s", featureID)
		}
		return fmt.Errorf("loading feature %s: %w", featureID, err)
	}

	kept := feat.Dependencies[:0]
	for _, d := range feat.Dependencies {
		if d != dependsOnID {
			kept = append(kept, d)
		}
	}
	feat.Dependencies = kept
	feat.UpdatedAt = time.Now().UTC()
	if err := e.store.Put(ctx, store.Features, feat.ID, feat); err != nil {
		return fmt.Errorf("saving feature %s: %w", feat.ID, err)
	}
	return nil
}

// ReadyFeatures returns the project's claimable features: pending, with
// every dependency passing. A dependency that is missing or in any other
// status blocks the feature. The result is sorted by priority ascending,
// then by creation time (oldest first), then by ID for stability.
func (e *Engine) ReadyFeatures(ctx context.Context, projectID string) ([]Feature, error) {
	features, err := e.projectFeatures(ctx, projectID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Feature, len(features))
	for i := range features {
		byID[features[i].ID] = &features[i]
	}

	var ready []Feature
	for _, f := range features {
		if f.Status != StatusPending {
			continue
		}
		if !depsAllPassing(f, byID) {
			continue
		}
		ready = append(ready, f)
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready, nil
}

// depsAllPassing reports whether every dependency maps to a passing
// feature. Unknown dependency ids fail closed toward "blocked".
func depsAllPassing(f Feature, byID map[string]*Feature) bool {
	for _, depID := range f.Dependencies {
		dep, ok := byID[depID]
		if !ok || dep.Status != StatusPassing {
			return false
		}
	}
	return true
}

// projectAdjacency builds the feature id -> dependency ids map for one
// project.
func (e *Engine) projectAdjacency(ctx context.Context, projectID string) (map[string][]string, error) {
	features, err := e.projectFeatures(ctx, projectID)
	if err != nil {
		return nil, err
	}
	adjacency := make(map[string][]string, len(features))
	for _, f := range features {
		adjacency[f.ID] = f.Dependencies
	}
	return adjacency, nil
}

// reachable runs a breadth-first search from start following dependency
// edges and reports whether target is reachable.
func reachable(adjacency map[string][]string, start, target string) bool {
	if start == target {
		return true
	}
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[current] {
			if next == target {
				return true
			}
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

func (e *Engine) projectFeatures(ctx context.Context, projectID string) ([]Feature, error) {
	raws, err := e.store.Query(ctx, store.Features, "project_id", projectID)
	if err != nil {
		return nil, fmt.Errorf("querying features for project %s: %w", projectID, err)
	}
	return store.DecodeAll[Feature](raws), nil
}
