package feature

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchard/internal/oerr"
	"orchard/internal/store"
)

func TestClaimFeature_PicksLowestPriority(t *testing.T) {
	e := NewEngine(store.NewMemoryStore())
	fs := seedProject(t, e, []Spec{
		{Name: "later", Priority: 5},
		{Name: "first", Priority: 1},
	})

	claimed, err := e.ClaimFeature(context.Background(), "p1", "agent-a")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, fs["first"].ID, claimed.ID)
	assert.Equal(t, StatusInProgress, claimed.Status)
	require.NotNil(t, claimed.AssignedAgentID)
	assert.Equal(t, "agent-a", *claimed.AssignedAgentID)
}

func TestClaimFeature_NothingAvailable(t *testing.T) {
	e := NewEngine(store.NewMemoryStore())

	claimed, err := e.ClaimFeature(context.Background(), "empty-project", "agent-a")
	require.NoError(t, err)
	assert.Nil(t, claimed, "empty backlog is not an error")
}

func TestClaimFeature_RequiresAgent(t *testing.T) {
	e := NewEngine(store.NewMemoryStore())
	_, err := e.ClaimFeature(context.Background(), "p1", "")
	assert.True(t, oerr.IsValidation(err))
}

func TestClaimFeature_NeverDoubleAssigns(t *testing.T) {
	e := NewEngine(store.NewMemoryStore())
	fs := seedProject(t, e, []Spec{{Name: "only", Priority: 1}})

	const callers = 16
	var wg sync.WaitGroup
	winners := make(chan string, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agent := string(rune('a' + n))
			claimed, err := e.ClaimFeature(context.Background(), "p1", agent)
			if err != nil {
				t.Errorf("caller %d: %v", n, err)
				return
			}
			if claimed != nil {
				winners <- agent
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var won []string
	for agent := range winners {
		won = append(won, agent)
	}
	require.Len(t, won, 1, "exactly one caller must win the claim")

	final, err := e.Get(context.Background(), fs["only"].ID)
	require.NoError(t, err)
	require.NotNil(t, final.AssignedAgentID)
	assert.Equal(t, won[0], *final.AssignedAgentID)
	assert.Equal(t, StatusInProgress, final.Status)
}

func TestClaimFeature_RacersFallThroughToNextCandidate(t *testing.T) {
	e := NewEngine(store.NewMemoryStore())
	seedProject(t, e, []Spec{
		{Name: "one", Priority: 1},
		{Name: "two", Priority: 2},
	})
	ctx := context.Background()

	first, err := e.ClaimFeature(ctx, "p1", "agent-a")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := e.ClaimFeature(ctx, "p1", "agent-b")
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestMarkFeaturePassing(t *testing.T) {
	e := NewEngine(store.NewMemoryStore())
	fs := seedProject(t, e, []Spec{{Name: "a"}})
	ctx := context.Background()

	_, err := e.ClaimFeature(ctx, "p1", "agent-a")
	require.NoError(t, err)
	require.NoError(t, e.MarkFeaturePassing(ctx, fs["a"].ID))

	f, err := e.Get(ctx, fs["a"].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPassing, f.Status)
	assert.Nil(t, f.AssignedAgentID)
	assert.NotNil(t, f.CompletedAt)
}

func TestMarkFeatureFailing_StaysFailing(t *testing.T) {
	e := NewEngine(store.NewMemoryStore())
	fs := seedProject(t, e, []Spec{{Name: "a"}})
	ctx := context.Background()

	require.NoError(t, e.MarkFeatureFailing(ctx, fs["a"].ID))

	f, err := e.Get(ctx, fs["a"].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailing, f.Status)
	assert.Nil(t, f.AssignedAgentID)

	// A failing feature is not ready and is never auto-requeued.
	ready, err := e.ReadyFeatures(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, containsID(ready, fs["a"].ID))
}

func TestMarkFeatureInProgress_ManualAssignment(t *testing.T) {
	e := NewEngine(store.NewMemoryStore())
	fs := seedProject(t, e, []Spec{{Name: "a"}})
	ctx := context.Background()

	// Manual path works even for a failing feature (explicit re-queue).
	require.NoError(t, e.MarkFeatureFailing(ctx, fs["a"].ID))
	require.NoError(t, e.MarkFeatureInProgress(ctx, fs["a"].ID, "agent-z"))

	f, err := e.Get(ctx, fs["a"].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, f.Status)
	require.NotNil(t, f.AssignedAgentID)
	assert.Equal(t, "agent-z", *f.AssignedAgentID)
}

func TestClaimThenPassUnblocksDependent(t *testing.T) {
	e := NewEngine(store.NewMemoryStore())
	fs := seedProject(t, e, []Spec{
		{Name: "f1", Priority: 1},
		{Name: "f2", Priority: 1, Dependencies: []string{"f1"}},
	})
	ctx := context.Background()

	ready, err := e.ReadyFeatures(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, fs["f1"].ID, ready[0].ID)

	claimed, err := e.ClaimFeature(ctx, "p1", "agent-a")
	require.NoError(t, err)
	require.Equal(t, fs["f1"].ID, claimed.ID)
	require.NoError(t, e.MarkFeaturePassing(ctx, fs["f1"].ID))

	ready, err = e.ReadyFeatures(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, fs["f2"].ID, ready[0].ID)
}
