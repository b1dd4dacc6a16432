package session

import (
	"context"
	"log"
	"os/exec"
	"sync"
	"time"

	"orchard/internal/jobqueue"
	"orchard/internal/oerr"
	"orchard/internal/relay"
	"orchard/internal/run"
	"orchard/internal/store"
)

// Provisioner prepares an isolated workspace directory for a session and
// tears it down afterwards. The worktree-backed implementation lives in
// internal/workspace; tests inject stubs.
type Provisioner interface {
	Provision(ctx context.Context, projectID string) (string, error)
	Teardown(ctx context.Context, projectID string) error
}

// CommandFactory builds an *exec.Cmd for one turn. The default factory uses
// exec.CommandContext with the configured assistant binary. Tests inject a
// factory that re-invokes the test binary as a helper process.
type CommandFactory func(ctx context.Context, workDir string, args ...string) *exec.Cmd

// IdleFunc is invoked after a session ends and its agent slot is free, so
// the owner can start the next queued job. Called on its own goroutine.
type IdleFunc func(agentName string)

// Options configures a Supervisor. Zero values take defaults.
type Options struct {
	Binary            string // assistant CLI binary, default "agent"
	TurnTimeout       time.Duration
	InactivityTimeout time.Duration
	CommandFactory    CommandFactory
	Provisioner       Provisioner // nil: sessions run in the current directory
	Queue             *jobqueue.Queue
	OnIdle            IdleFunc
}

// Supervisor owns the active-session registry and drives subprocess turns.
// All exported methods are safe for concurrent use.
type Supervisor struct {
	store  store.Store
	ledger *run.Ledger
	relay  relay.Relay
	opts   Options

	mu       sync.Mutex
	byKey    map[string]*active // project/thread key -> session
	byRun    map[string]*active // run id -> session
	starting map[string]bool    // keys with a Start in flight
	closed   bool
}

// active is the in-memory state of one live session. Guarded by the
// supervisor mutex; the control plane is small enough that one lock
// serializes all session transitions.
type active struct {
	ws       WorkSession
	turns    int
	ended    bool
	cancel   context.CancelFunc // kills the in-flight turn subprocess
	watchdog *time.Timer
}

// NewSupervisor creates a supervisor over the given collaborators. relay
// may be nil; a NoopRelay is substituted.
func NewSupervisor(s store.Store, ledger *run.Ledger, r relay.Relay, opts Options) *Supervisor {
	if r == nil {
		r = relay.NoopRelay{}
	}
	if opts.Binary == "" {
		opts.Binary = "agent"
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = DefaultInactivityTimeout
	}
	if opts.CommandFactory == nil {
		binary := opts.Binary
		opts.CommandFactory = func(ctx context.Context, workDir string, args ...string) *exec.Cmd {
			cmd := exec.CommandContext(ctx, binary, args...)
			cmd.Dir = workDir
			return cmd
		}
	}
	return &Supervisor{
		store:    s,
		ledger:   ledger,
		relay:    r,
		opts:     opts,
		byKey:    make(map[string]*active),
		byRun:    make(map[string]*active),
		starting: make(map[string]bool),
	}
}

// StartParams names the inputs to Start.
type StartParams struct {
	AgentName     string
	ProjectID     string // optional; ThreadID required when empty
	ThreadID      string
	FeatureID     string // optional, recorded on the run ledger entry
	Role          string // optional, default "coder"
	InitialPrompt string
}

// Start begins a work session, or returns the existing one unchanged when
// a session is already active for the same project/thread. A new session
// provisions its workspace, creates a run ledger entry, and spawns the
// first turn with the initial prompt. A second Start for the same key while
// provisioning is still in flight fails busy.
func (s *Supervisor) Start(ctx context.Context, p StartParams) (*WorkSession, error) {
	if p.AgentName == "" {
		return nil, oerr.Validationf("agent name is required")
	}
	if p.InitialPrompt == "" {
		return nil, oerr.Validationf("initial prompt is required")
	}
	if p.ProjectID == "" && p.ThreadID == "" {
		return nil, oerr.Validationf("either project id or thread id is required")
	}
	if p.Role == "" {
		p.Role = "coder"
	}

	key := sessionKey(p.ProjectID, p.ThreadID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, oerr.Validationf("supervisor is shut down")
	}
	if existing, ok := s.byKey[key]; ok {
		ws := existing.ws
		s.mu.Unlock()
		return &ws, nil
	}
	if s.starting[key] {
		s.mu.Unlock()
		return nil, oerr.Busyf("session for %s is already starting", key)
	}
	s.starting[key] = true
	s.mu.Unlock()

	// Provisioning shells out to git and can be slow; it and the ledger
	// write run outside the lock so other sessions keep moving. The
	// starting flag keeps a duplicate Start from provisioning twice.
	workDir := ""
	provisioned := false
	if s.opts.Provisioner != nil {
		dir, err := s.opts.Provisioner.Provision(ctx, p.ProjectID)
		if err != nil {
			s.abortStart(ctx, key, false, p.ProjectID)
			return nil, oerr.Subprocess("provision workspace", err)
		}
		workDir = dir
		provisioned = true
	}

	entry, err := s.ledger.Create(ctx, p.AgentName, p.ProjectID, p.FeatureID, p.Role)
	if err != nil {
		s.abortStart(ctx, key, provisioned, p.ProjectID)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.starting, key)
	if s.closed {
		s.releaseLocked(ctx, provisioned, p.ProjectID)
		if cerr := s.ledger.CompleteRun(ctx, entry.ID, run.StatusFailed, "supervisor shut down"); cerr != nil {
			log.Printf("session: complete run %s: %v", entry.ID, cerr)
		}
		return nil, oerr.Validationf("supervisor is shut down")
	}

	now := time.Now()
	a := &active{
		ws: WorkSession{
			RunID:        entry.ID,
			AgentName:    p.AgentName,
			ProjectID:    p.ProjectID,
			ThreadID:     p.ThreadID,
			Workspace:    workDir,
			StartedAt:    now,
			LastActivity: now,
		},
	}
	s.byKey[key] = a
	s.byRun[entry.ID] = a
	a.watchdog = time.AfterFunc(s.opts.InactivityTimeout, func() {
		s.watchdogFired(entry.ID)
	})

	if err := s.store.Put(ctx, store.Sessions, entry.ID, a.ws); err != nil {
		log.Printf("session: persist %s: %v", entry.ID, err)
	}

	s.spawnTurnLocked(a, p.InitialPrompt, "")
	ws := a.ws
	return &ws, nil
}

// abortStart clears the in-flight marker and releases anything a failed
// Start already built.
func (s *Supervisor) abortStart(ctx context.Context, key string, provisioned bool, projectID string) {
	s.mu.Lock()
	delete(s.starting, key)
	s.releaseLocked(ctx, provisioned, projectID)
	s.mu.Unlock()
}

// releaseLocked tears down a workspace provisioned by a Start that will not
// register a session. Caller holds s.mu.
func (s *Supervisor) releaseLocked(ctx context.Context, provisioned bool, projectID string) {
	if !provisioned || projectID == "" {
		return
	}
	if err := s.opts.Provisioner.Teardown(ctx, projectID); err != nil {
		log.Printf("session: teardown workspace %s: %v", projectID, err)
	}
}

// SendMessage runs one more turn on an existing session. It refuses while
// a turn is streaming (callers should enqueue instead) and before the first
// turn has delivered a resume token.
func (s *Supervisor) SendMessage(ctx context.Context, runID, message string) error {
	if message == "" {
		return oerr.Validationf("message is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byRun[runID]
	if !ok {
		return oerr.NotFoundf("no active session for run %s", runID)
	}
	if a.ws.Busy {
		return oerr.Busyf("session %s is mid-turn", runID)
	}
	if a.ws.ResumeToken == "" {
		return oerr.Conflictf("session %s is not ready: first turn has not produced a resume token", runID)
	}

	s.spawnTurnLocked(a, message, "")
	return nil
}

// End terminates a session: kills any in-flight subprocess, completes the
// ledger entry, removes the registry slot, and notifies the idle callback.
// Ending an unknown or already-ended session is a no-op.
func (s *Supervisor) End(ctx context.Context, runID string) error {
	s.mu.Lock()
	a, ok := s.byRun[runID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	s.endLocked(a, EndReasonExplicit, nil)
	s.mu.Unlock()
	return nil
}

// Get returns a snapshot of an active session.
func (s *Supervisor) Get(runID string) (*WorkSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byRun[runID]
	if !ok {
		return nil, oerr.NotFoundf("no active session for run %s", runID)
	}
	ws := a.ws
	return &ws, nil
}

// Active returns snapshots of every live session.
func (s *Supervisor) Active() []WorkSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkSession, 0, len(s.byRun))
	for _, a := range s.byRun {
		out = append(out, a.ws)
	}
	return out
}

// Shutdown ends every live session and refuses further starts.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	for _, a := range s.byRun {
		s.endLocked(a, EndReasonShutdown, nil)
	}
	s.mu.Unlock()
}

// watchdogFired force-ends a session that has sat idle past the deadline.
// A busy session is left alone; the timer is re-armed from last activity.
func (s *Supervisor) watchdogFired(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byRun[runID]
	if !ok || a.ended {
		return
	}
	if a.ws.Busy {
		a.watchdog.Reset(s.opts.InactivityTimeout)
		return
	}
	idle := time.Since(a.ws.LastActivity)
	if idle < s.opts.InactivityTimeout {
		a.watchdog.Reset(s.opts.InactivityTimeout - idle)
		return
	}

	log.Printf("session: %s idle for %s, force-ending", runID, idle.Round(time.Second))
	s.endLocked(a, EndReasonInactivity,
		oerr.Timeoutf("session %s inactive for %s", runID, idle.Round(time.Second)))
}

// endLocked tears the session down on any exit path. err non-nil marks the
// run failed and is relayed as a stream error first. Caller holds s.mu.
func (s *Supervisor) endLocked(a *active, reason EndReason, err error) {
	if a.ended {
		return
	}
	a.ended = true

	if a.cancel != nil {
		a.cancel()
	}
	a.watchdog.Stop()
	delete(s.byKey, a.ws.Key())
	delete(s.byRun, a.ws.RunID)

	if err != nil {
		s.relay.StreamError(a.ws.RunID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := run.StatusCompleted
	message := summaryFor(reason, a.turns)
	if err != nil {
		status = run.StatusFailed
		message = err.Error()
	}
	if cerr := s.ledger.CompleteRun(ctx, a.ws.RunID, status, message); cerr != nil {
		log.Printf("session: complete run %s: %v", a.ws.RunID, cerr)
	}
	if derr := s.store.Delete(ctx, store.Sessions, a.ws.RunID); derr != nil {
		log.Printf("session: delete record %s: %v", a.ws.RunID, derr)
	}
	if s.opts.Provisioner != nil && a.ws.ProjectID != "" {
		if terr := s.opts.Provisioner.Teardown(ctx, a.ws.ProjectID); terr != nil {
			log.Printf("session: teardown workspace %s: %v", a.ws.ProjectID, terr)
		}
	}

	s.relay.Close(a.ws.RunID)

	if s.opts.OnIdle != nil {
		agent := a.ws.AgentName
		go s.opts.OnIdle(agent)
	}
}
