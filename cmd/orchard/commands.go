package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"orchard/internal/feature"
	"orchard/internal/jobqueue"
	"orchard/internal/oerr"
	"orchard/internal/relay"
	"orchard/internal/run"
	"orchard/internal/session"
	"orchard/internal/store"
	"orchard/internal/workspace"
)

type handler func(ctx context.Context, a *app, args []string) error

var commands = map[string]handler{
	"features create": cmdFeaturesCreate,
	"ready":           cmdReady,
	"claim":           cmdClaim,
	"mark":            cmdMark,
	"dep add":         cmdDepAdd,
	"dep rm":          cmdDepRemove,
	"enqueue":         cmdEnqueue,
	"queue list":      cmdQueueList,
	"queue peek":      cmdQueuePeek,
	"queue next":      cmdQueueNext,
	"queue rm":        cmdQueueRemove,
	"queue reorder":   cmdQueueReorder,
	"session start":   cmdSessionStart,
	"session send":    cmdSessionSend,
	"session end":     cmdSessionEnd,
	"runs active":     cmdRunsActive,
	"runs update":     cmdRunsUpdate,
	"runs complete":   cmdRunsComplete,
	"runs logs":       cmdRunsLogs,
}

func cmdFeaturesCreate(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("features create", flag.ExitOnError)
	project := fs.String("project", "", "project id (required)")
	file := fs.String("file", "", "JSON file with feature specs (default stdin)")
	fs.Parse(args)
	if *project == "" {
		return oerr.Validationf("-project is required")
	}

	var data []byte
	var err error
	if *file == "" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*file)
	}
	if err != nil {
		return fmt.Errorf("reading specs: %w", err)
	}

	var specs []feature.Spec
	if err := json.Unmarshal(data, &specs); err != nil {
		return oerr.Validationf("parsing specs: %v", err)
	}

	created, err := feature.NewEngine(a.store).CreateFeatures(ctx, *project, specs)
	if err != nil {
		return err
	}
	for _, f := range created {
		fmt.Printf("%s\t%d\t%s\n", f.ID, f.Priority, f.Name)
	}
	return nil
}

func cmdReady(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("ready", flag.ExitOnError)
	project := fs.String("project", "", "project id (required)")
	fs.Parse(args)
	if *project == "" {
		return oerr.Validationf("-project is required")
	}

	ready, err := feature.NewEngine(a.store).ReadyFeatures(ctx, *project)
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		fmt.Println("no ready features")
		return nil
	}
	for _, f := range ready {
		fmt.Printf("%s\tpriority=%d\t%s\n", f.ID, f.Priority, f.Name)
	}
	return nil
}

func cmdClaim(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("claim", flag.ExitOnError)
	project := fs.String("project", "", "project id (required)")
	agent := fs.String("agent", "", "claiming agent id (required)")
	fs.Parse(args)
	if *project == "" || *agent == "" {
		return oerr.Validationf("-project and -agent are required")
	}

	f, err := feature.NewEngine(a.store).ClaimFeature(ctx, *project, *agent)
	if err != nil {
		return err
	}
	if f == nil {
		fmt.Println("nothing available")
		return nil
	}
	fmt.Printf("claimed %s\t%s\n", f.ID, f.Name)
	return nil
}

func cmdMark(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("mark", flag.ExitOnError)
	id := fs.String("id", "", "feature id (required)")
	status := fs.String("status", "", "passing | failing | in-progress")
	agent := fs.String("agent", "", "agent id (for in-progress)")
	fs.Parse(args)
	if *id == "" {
		return oerr.Validationf("-id is required")
	}

	eng := feature.NewEngine(a.store)
	switch *status {
	case "passing":
		return eng.MarkFeaturePassing(ctx, *id)
	case "failing":
		return eng.MarkFeatureFailing(ctx, *id)
	case "in-progress":
		if *agent == "" {
			return oerr.Validationf("-agent is required for in-progress")
		}
		return eng.MarkFeatureInProgress(ctx, *id, *agent)
	default:
		return oerr.Validationf("-status must be passing, failing, or in-progress")
	}
}

func cmdDepAdd(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("dep add", flag.ExitOnError)
	id := fs.String("feature", "", "feature id (required)")
	on := fs.String("on", "", "dependency feature id (required)")
	fs.Parse(args)
	if *id == "" || *on == "" {
		return oerr.Validationf("-feature and -on are required")
	}
	return feature.NewEngine(a.store).AddDependency(ctx, *id, *on)
}

func cmdDepRemove(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("dep rm", flag.ExitOnError)
	id := fs.String("feature", "", "feature id (required)")
	on := fs.String("on", "", "dependency feature id (required)")
	fs.Parse(args)
	if *id == "" || *on == "" {
		return oerr.Validationf("-feature and -on are required")
	}
	return feature.NewEngine(a.store).RemoveDependency(ctx, *id, *on)
}

func cmdEnqueue(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	agent := fs.String("agent", "", "agent name (required)")
	project := fs.String("project", "", "project id")
	prompt := fs.String("prompt", "", "prompt text (required)")
	fs.Parse(args)
	if *agent == "" || *prompt == "" {
		return oerr.Validationf("-agent and -prompt are required")
	}

	job, err := jobqueue.New(a.store).Enqueue(ctx, *agent, *project, *prompt)
	if err != nil {
		return err
	}
	fmt.Printf("queued %s at position %d\n", job.ID, job.Position)
	return nil
}

func cmdQueueList(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("queue list", flag.ExitOnError)
	agent := fs.String("agent", "", "agent name (required)")
	fs.Parse(args)
	if *agent == "" {
		return oerr.Validationf("-agent is required")
	}

	jobs, err := jobqueue.New(a.store).Pending(ctx, *agent)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("queue is empty")
		return nil
	}
	for _, j := range jobs {
		fmt.Printf("%s\tpos=%d\t%s\n", j.ID, j.Position, truncate(j.Prompt, 60))
	}
	return nil
}

func cmdQueuePeek(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("queue peek", flag.ExitOnError)
	agent := fs.String("agent", "", "agent name (required)")
	fs.Parse(args)
	if *agent == "" {
		return oerr.Validationf("-agent is required")
	}

	job, err := jobqueue.New(a.store).Peek(ctx, *agent)
	if err != nil {
		return err
	}
	if job == nil {
		fmt.Println("queue is empty")
		return nil
	}
	fmt.Printf("%s\tpos=%d\t%s\n", job.ID, job.Position, truncate(job.Prompt, 60))
	return nil
}

func cmdQueueNext(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("queue next", flag.ExitOnError)
	agent := fs.String("agent", "", "agent name (required)")
	fs.Parse(args)
	if *agent == "" {
		return oerr.Validationf("-agent is required")
	}

	job, err := jobqueue.New(a.store).Dequeue(ctx, *agent)
	if err != nil {
		return err
	}
	if job == nil {
		fmt.Println("queue is empty")
		return nil
	}
	fmt.Printf("processing %s\t%s\n", job.ID, truncate(job.Prompt, 60))
	return nil
}

func cmdQueueRemove(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("queue rm", flag.ExitOnError)
	id := fs.String("id", "", "job id (required)")
	fs.Parse(args)
	if *id == "" {
		return oerr.Validationf("-id is required")
	}
	return jobqueue.New(a.store).Remove(ctx, *id)
}

func cmdQueueReorder(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("queue reorder", flag.ExitOnError)
	id := fs.String("id", "", "job id (required)")
	agent := fs.String("agent", "", "agent name (required with -front)")
	front := fs.Bool("front", false, "move the job to the front of the queue")
	position := fs.Int("position", 0, "explicit new position")
	fs.Parse(args)
	if *id == "" {
		return oerr.Validationf("-id is required")
	}

	q := jobqueue.New(a.store)
	pos := *position
	if *front {
		if *agent == "" {
			return oerr.Validationf("-agent is required with -front")
		}
		var err error
		pos, err = q.FrontPosition(ctx, *agent)
		if err != nil {
			return err
		}
	} else if pos == 0 {
		return oerr.Validationf("either -front or -position is required")
	}
	return q.Reorder(ctx, *id, pos)
}

func cmdSessionStart(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("session start", flag.ExitOnError)
	agent := fs.String("agent", "", "agent name (required)")
	project := fs.String("project", "", "project id")
	thread := fs.String("thread", "", "thread id (when no project applies)")
	featureID := fs.String("feature", "", "feature id recorded on the run")
	prompt := fs.String("prompt", "", "initial prompt (required)")
	fs.Parse(args)
	if *agent == "" || *prompt == "" {
		return oerr.Validationf("-agent and -prompt are required")
	}

	ledger := run.NewLedger(a.store, func(runID, label string) {
		fmt.Printf("\n[%s] %s\n", runID[:8], label)
	})

	var prov session.Provisioner
	if a.cfg.Repo != "" {
		m, err := workspace.NewManager(a.cfg.Repo, "", a.cfg.BaseBranch)
		if err != nil {
			return err
		}
		prov = m
	}

	tracing := relay.NewTracingRelay(a.cfg.OTLPEndpoint)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tracing.Manager().Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "orchard: trace shutdown: %v\n", err)
		}
	}()

	subscribers := []relay.Relay{&consoleRelay{}, tracing}
	if a.cfg.Verbose {
		subscribers = append(subscribers, &relay.LogRelay{Verbose: true})
	}

	queue := jobqueue.New(a.store)
	sup := session.NewSupervisor(a.store, ledger, relay.NewMulti(subscribers...), session.Options{
		Binary:            a.cfg.AgentBin,
		TurnTimeout:       a.cfg.TurnTimeout,
		InactivityTimeout: a.cfg.InactivityTimeout,
		Provisioner:       prov,
		Queue:             queue,
	})
	defer sup.Shutdown(context.Background())

	ws, err := sup.Start(ctx, session.StartParams{
		AgentName:     *agent,
		ProjectID:     *project,
		ThreadID:      *thread,
		FeatureID:     *featureID,
		InitialPrompt: *prompt,
	})
	if err != nil {
		return err
	}
	fmt.Printf("session %s started (agent %s)\n", ws.RunID, ws.AgentName)

	waitIdle(sup, ws.RunID)

	// Read follow-up messages until EOF; each line is one turn.
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		msg := strings.TrimSpace(scanner.Text())
		if msg == "" {
			continue
		}
		if err := sup.SendMessage(ctx, ws.RunID, msg); err != nil {
			if oerr.IsNotFound(err) {
				// Session ended underneath us (watchdog or exit).
				return err
			}
			fmt.Fprintf(os.Stderr, "orchard: %v\n", err)
			continue
		}
		waitIdle(sup, ws.RunID)
	}

	return sup.End(ctx, ws.RunID)
}

func cmdSessionSend(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("session send", flag.ExitOnError)
	runID := fs.String("run", "", "session run id (required)")
	message := fs.String("message", "", "message text (required)")
	fs.Parse(args)
	if *runID == "" || *message == "" {
		return oerr.Validationf("-run and -message are required")
	}

	// The live registry is owned by the hosting process; from here the
	// message lands on the agent's queue and runs when the session idles.
	var ws session.WorkSession
	if err := a.store.Get(ctx, store.Sessions, *runID, &ws); err != nil {
		if err == store.ErrNotFound {
			return oerr.NotFoundf("no session record for run %s", *runID)
		}
		return err
	}

	job, err := jobqueue.New(a.store).Enqueue(ctx, ws.AgentName, ws.ProjectID, *message)
	if err != nil {
		return err
	}
	fmt.Printf("queued %s for agent %s\n", job.ID, ws.AgentName)
	return nil
}

func cmdSessionEnd(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("session end", flag.ExitOnError)
	runID := fs.String("run", "", "session run id (required)")
	fs.Parse(args)
	if *runID == "" {
		return oerr.Validationf("-run is required")
	}

	// Closes out a session record left behind by a dead host process: the
	// run is completed and the record removed. A live session is ended by
	// its own supervisor.
	var ws session.WorkSession
	if err := a.store.Get(ctx, store.Sessions, *runID, &ws); err != nil {
		if err == store.ErrNotFound {
			return oerr.NotFoundf("no session record for run %s", *runID)
		}
		return err
	}

	ledger := run.NewLedger(a.store, nil)
	if err := ledger.CompleteRun(ctx, *runID, run.StatusCompleted, "session ended"); err != nil {
		return err
	}
	if err := a.store.Delete(ctx, store.Sessions, *runID); err != nil {
		return err
	}
	fmt.Printf("session %s ended\n", *runID)
	return nil
}

func cmdRunsActive(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("runs active", flag.ExitOnError)
	project := fs.String("project", "", "project id (required)")
	fs.Parse(args)
	if *project == "" {
		return oerr.Validationf("-project is required")
	}

	runs, err := run.NewLedger(a.store, nil).ListActive(ctx, *project)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no active runs")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%s\t%s\t%s\t%s\n", r.ID, r.AgentID, r.Status, r.Status.PhaseLabel())
	}
	return nil
}

func cmdRunsUpdate(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("runs update", flag.ExitOnError)
	runID := fs.String("run", "", "run id (required)")
	status := fs.String("status", "", "thinking | coding | testing | reviewing")
	output := fs.String("output", "", "output text to append")
	fs.Parse(args)
	if *runID == "" || *status == "" {
		return oerr.Validationf("-run and -status are required")
	}

	return run.NewLedger(a.store, nil).UpdateStatus(ctx, *runID, run.Status(*status), *output)
}

func cmdRunsComplete(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("runs complete", flag.ExitOnError)
	runID := fs.String("run", "", "run id (required)")
	failed := fs.Bool("failed", false, "record the run as failed")
	message := fs.String("message", "", "summary (or error text with -failed)")
	fs.Parse(args)
	if *runID == "" {
		return oerr.Validationf("-run is required")
	}

	status := run.StatusCompleted
	if *failed {
		status = run.StatusFailed
	}
	return run.NewLedger(a.store, nil).CompleteRun(ctx, *runID, status, *message)
}

func cmdRunsLogs(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("runs logs", flag.ExitOnError)
	featureID := fs.String("feature", "", "feature id")
	agent := fs.String("agent", "", "agent id")
	fs.Parse(args)

	runs, err := run.NewLedger(a.store, nil).Logs(ctx, *featureID, *agent)
	if err != nil {
		return err
	}
	for _, r := range runs {
		line := fmt.Sprintf("%s\t%s\t%s\tstarted=%s", r.ID, r.AgentID, r.Status,
			r.StartedAt.Format(time.RFC3339))
		if r.DurationMs > 0 {
			line += fmt.Sprintf("\t%dms", r.DurationMs)
		}
		fmt.Println(line)
		if r.Summary != "" {
			fmt.Printf("  %s\n", r.Summary)
		}
		if r.Error != "" {
			fmt.Printf("  error: %s\n", r.Error)
		}
	}
	return nil
}

// consoleRelay streams session events to stdout for foreground sessions.
type consoleRelay struct{}

func (consoleRelay) ThinkingStart(string) {}

func (consoleRelay) Token(_, token string) {
	fmt.Print(token)
}

func (consoleRelay) ThinkingEnd(string) {
	fmt.Println()
}

func (consoleRelay) StreamError(_ string, err error) {
	fmt.Fprintf(os.Stderr, "\norchard: stream error: %v\n", err)
}

func (consoleRelay) Close(string) {
	fmt.Println("session closed")
}

// waitIdle blocks until the session finishes its current turn or ends.
func waitIdle(sup *session.Supervisor, runID string) {
	for {
		ws, err := sup.Get(runID)
		if err != nil || !ws.Busy {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
