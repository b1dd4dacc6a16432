package session

import (
	"context"
	"log"
	"strings"
	"time"

	"orchard/internal/oerr"
	"orchard/internal/run"
	"orchard/internal/store"
	"orchard/internal/stream"
)

// maxStderr caps how much subprocess stderr is retained for diagnostics.
const maxStderr = 8 << 10

// spawnTurnLocked launches one subprocess turn: marks the session busy,
// builds the command line (with --resume after the first turn), wires
// stdout into the protocol parser, and runs the process on its own
// goroutine. jobID is non-empty when the prompt came off the job queue.
// Caller holds s.mu.
func (s *Supervisor) spawnTurnLocked(a *active, prompt, jobID string) {
	runID := a.ws.RunID
	a.ws.Busy = true
	a.ws.LastActivity = time.Now()
	a.turns++
	s.persistLocked(a)

	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if a.ws.ResumeToken != "" {
		args = append(args, "--resume", a.ws.ResumeToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.TurnTimeout)
	a.cancel = cancel

	cmd := s.opts.CommandFactory(ctx, a.ws.Workspace, args...)

	parser := stream.NewParser(stream.Events{
		Init: func(sessionID string) {
			s.setResumeToken(runID, sessionID)
		},
		Token: func(token string) {
			s.relay.Token(runID, token)
		},
		Result: func(text string) {
			s.turnResult(runID, text)
		},
	})
	cmd.Stdout = parser

	stderr := &limitBuffer{max: maxStderr}
	cmd.Stderr = stderr

	s.relay.ThinkingStart(runID)
	if err := s.ledger.UpdateStatus(ctx, runID, run.StatusThinking, ""); err != nil {
		log.Printf("session: run %s status update: %v", runID, err)
	}

	go func() {
		err := cmd.Run()
		parser.Flush()
		timedOut := ctx.Err() == context.DeadlineExceeded
		cancel()
		s.finishTurn(runID, jobID, err, stderr.String(), timedOut)
	}()
}

// setResumeToken captures the token from the turn's system/init event.
func (s *Supervisor) setResumeToken(runID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byRun[runID]
	if !ok || a.ended {
		return
	}
	a.ws.ResumeToken = token
	s.persistLocked(a)
}

// turnResult persists the final response text on the run ledger entry and
// signals end of streaming. Runs on the subprocess goroutine, before the
// process exits.
func (s *Supervisor) turnResult(runID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.ledger.UpdateStatus(ctx, runID, run.StatusThinking, text); err != nil {
		log.Printf("session: run %s persist result: %v", runID, err)
	}
	s.relay.ThinkingEnd(runID)
}

// finishTurn handles subprocess exit. A clean exit returns the session to
// idle and advances the agent's job queue; an abnormal exit (or turn
// timeout) surfaces a stream error and ends the session so the slot is
// released on every exit path.
func (s *Supervisor) finishTurn(runID, jobID string, runErr error, stderr string, timedOut bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byRun[runID]
	if !ok || a.ended {
		// End raced the turn; settle the queue entry and stop.
		s.settleJobLocked(ctx, jobID, runErr)
		return
	}

	a.ws.Busy = false
	a.ws.LastActivity = time.Now()
	a.cancel = nil
	a.watchdog.Reset(s.opts.InactivityTimeout)

	s.settleJobLocked(ctx, jobID, runErr)

	if runErr != nil {
		var err error
		if timedOut {
			err = oerr.Timeoutf("run %s: turn exceeded %s", runID, s.opts.TurnTimeout)
		} else {
			err = oerr.Subprocess(subprocessDetail(runID, stderr), runErr)
		}
		s.endLocked(a, EndReasonSubprocess, err)
		return
	}

	s.persistLocked(a)
	s.advanceQueueLocked(ctx, a)
}

// advanceQueueLocked pulls the next queued job for the session's agent and
// runs it as the next turn. Caller holds s.mu; the session is idle.
func (s *Supervisor) advanceQueueLocked(ctx context.Context, a *active) {
	if s.opts.Queue == nil || a.ws.ResumeToken == "" {
		return
	}
	job, err := s.opts.Queue.Dequeue(ctx, a.ws.AgentName)
	if err != nil {
		log.Printf("session: dequeue for %s: %v", a.ws.AgentName, err)
		return
	}
	if job == nil {
		return
	}
	s.spawnTurnLocked(a, job.Prompt, job.ID)
}

// settleJobLocked stamps the queue entry this turn was serving, if any.
func (s *Supervisor) settleJobLocked(ctx context.Context, jobID string, runErr error) {
	if jobID == "" || s.opts.Queue == nil {
		return
	}
	var err error
	if runErr != nil {
		err = s.opts.Queue.MarkFailed(ctx, jobID, runErr.Error())
	} else {
		err = s.opts.Queue.MarkCompleted(ctx, jobID)
	}
	if err != nil {
		log.Printf("session: settle job %s: %v", jobID, err)
	}
}

// persistLocked writes the session snapshot to the store, best effort.
func (s *Supervisor) persistLocked(a *active) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Put(ctx, store.Sessions, a.ws.RunID, a.ws); err != nil {
		log.Printf("session: persist %s: %v", a.ws.RunID, err)
	}
}

func subprocessDetail(runID, stderr string) string {
	detail := "run " + runID + ": agent exited abnormally"
	if trimmed := strings.TrimSpace(stderr); trimmed != "" {
		detail += ": " + trimmed
	}
	return detail
}

// limitBuffer retains at most max bytes of written data, dropping the rest.
type limitBuffer struct {
	buf []byte
	max int
}

func (b *limitBuffer) Write(p []byte) (int, error) {
	if room := b.max - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *limitBuffer) String() string { return string(b.buf) }
