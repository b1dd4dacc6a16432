package run

import (
	"context"
	"testing"
	"time"

	"orchard/internal/oerr"
	"orchard/internal/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return NewLedger(store.NewMemoryStore(), nil)
}

func mustCreate(t *testing.T, l *Ledger, agent, project, feature string) *AgentRun {
	t.Helper()
	r, err := l.Create(context.Background(), agent, project, feature, "coder")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func TestCreateStartsInStarted(t *testing.T) {
	l := newTestLedger(t)
	r := mustCreate(t, l, "agent-a", "p1", "f1")

	if r.Status != StatusStarted {
		t.Errorf("status = %s, want started", r.Status)
	}
	if r.StartedAt.IsZero() {
		t.Error("StartedAt not stamped")
	}
}

func TestUpdateStatusAppendsOutput(t *testing.T) {
	l := newTestLedger(t)
	r := mustCreate(t, l, "agent-a", "p1", "f1")
	ctx := context.Background()

	if err := l.UpdateStatus(ctx, r.ID, StatusCoding, "chunk1\n"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := l.UpdateStatus(ctx, r.ID, StatusTesting, "chunk2\n"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	got, err := l.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusTesting {
		t.Errorf("status = %s, want testing", got.Status)
	}
	if got.Output != "chunk1\nchunk2\n" {
		t.Errorf("output = %q", got.Output)
	}
}

func TestUpdateStatusRejectsTerminalPhase(t *testing.T) {
	l := newTestLedger(t)
	r := mustCreate(t, l, "agent-a", "p1", "f1")

	err := l.UpdateStatus(context.Background(), r.ID, StatusCompleted, "")
	if !oerr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdateStatusPostTerminalDoesNotCorrupt(t *testing.T) {
	l := newTestLedger(t)
	r := mustCreate(t, l, "agent-a", "p1", "f1")
	ctx := context.Background()

	if err := l.CompleteRun(ctx, r.ID, StatusCompleted, "all done"); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	err := l.UpdateStatus(ctx, r.ID, StatusCoding, "late output")
	if !oerr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	got, _ := l.Get(ctx, r.ID)
	if got.Status != StatusCompleted || got.Summary != "all done" {
		t.Errorf("terminal record corrupted: %+v", got)
	}
	if got.Output != "" {
		t.Errorf("post-terminal output leaked: %q", got.Output)
	}
}

func TestCompleteRunStampsDuration(t *testing.T) {
	l := newTestLedger(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return start }
	r := mustCreate(t, l, "agent-a", "p1", "f1")

	l.now = func() time.Time { return start.Add(90 * time.Second) }
	if err := l.CompleteRun(context.Background(), r.ID, StatusCompleted, "summary"); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	got, _ := l.Get(context.Background(), r.ID)
	if got.DurationMs != 90_000 {
		t.Errorf("DurationMs = %d, want 90000", got.DurationMs)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}
}

func TestCompleteRunIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return start }
	r := mustCreate(t, l, "agent-a", "p1", "f1")

	l.now = func() time.Time { return start.Add(time.Minute) }
	if err := l.CompleteRun(context.Background(), r.ID, StatusFailed, "boom"); err != nil {
		t.Fatalf("first CompleteRun: %v", err)
	}

	// A later, different completion must be a no-op.
	l.now = func() time.Time { return start.Add(time.Hour) }
	if err := l.CompleteRun(context.Background(), r.ID, StatusCompleted, "never mind"); err != nil {
		t.Fatalf("second CompleteRun: %v", err)
	}

	got, _ := l.Get(context.Background(), r.ID)
	if got.Status != StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Error != "boom" {
		t.Errorf("error = %q, want boom", got.Error)
	}
	if got.DurationMs != 60_000 {
		t.Errorf("DurationMs = %d, want the first completion's 60000", got.DurationMs)
	}
}

func TestListActiveExcludesTerminal(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	r1 := mustCreate(t, l, "agent-a", "p1", "f1")
	r2 := mustCreate(t, l, "agent-b", "p1", "f2")
	mustCreate(t, l, "agent-c", "other", "f9")

	if err := l.CompleteRun(ctx, r2.ID, StatusCompleted, ""); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	active, err := l.ListActive(ctx, "p1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].ID != r1.ID {
		t.Errorf("active = %+v, want just %s", active, r1.ID)
	}
}

func TestLogsRequiresExactlyOneKey(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Logs(ctx, "", ""); !oerr.IsValidation(err) {
		t.Errorf("no keys: expected validation error, got %v", err)
	}
	if _, err := l.Logs(ctx, "f1", "agent-a"); !oerr.IsValidation(err) {
		t.Errorf("both keys: expected validation error, got %v", err)
	}
}

func TestLogsOrderedByStart(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	l.now = func() time.Time { return base.Add(2 * time.Hour) }
	late := mustCreate(t, l, "agent-a", "p1", "f1")
	l.now = func() time.Time { return base }
	early := mustCreate(t, l, "agent-a", "p1", "f2")

	byAgent, err := l.Logs(ctx, "", "agent-a")
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(byAgent) != 2 || byAgent[0].ID != early.ID || byAgent[1].ID != late.ID {
		t.Errorf("logs not ascending by start: %+v", byAgent)
	}

	byFeature, err := l.Logs(ctx, "f1", "")
	if err != nil {
		t.Fatalf("Logs by feature: %v", err)
	}
	if len(byFeature) != 1 || byFeature[0].ID != late.ID {
		t.Errorf("logs by feature = %+v", byFeature)
	}
}

func TestPhaseNotifierFires(t *testing.T) {
	var labels []string
	s := store.NewMemoryStore()
	l := NewLedger(s, func(runID, label string) { labels = append(labels, label) })

	r := mustCreate(t, l, "agent-a", "p1", "f1")
	ctx := context.Background()
	if err := l.UpdateStatus(ctx, r.ID, StatusThinking, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := l.CompleteRun(ctx, r.ID, StatusCompleted, ""); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	want := []string{"Thinking", "Done"}
	if len(labels) != len(want) {
		t.Fatalf("labels = %v, want %v", labels, want)
	}
	for i := range want {
		if labels[i] != want[i] {
			t.Errorf("label %d = %q, want %q", i, labels[i], want[i])
		}
	}
}
