// Command orchard is the agent-orchestration CLI: feature graph and claim
// management, per-agent job queues, run inspection, and foreground work
// sessions against the configured coding-assistant binary.
package main

import (
	"context"
	"fmt"
	"os"

	"orchard/internal/oconf"
	"orchard/internal/oerr"
	"orchard/internal/store"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: orchard <command> [flags]

Commands:
  features create   bulk-create features from a JSON file
  ready             list features ready to be claimed
  claim             claim the highest-priority ready feature
  mark              set a feature passing/failing/in-progress
  dep add           add a dependency edge (cycle-checked)
  dep rm            remove a dependency edge
  enqueue           queue a prompt for an agent
  queue list        show an agent's pending jobs
  queue peek        show the job at the front of the queue
  queue next        dequeue the front job for processing
  queue rm          remove a job
  queue reorder     move a job to a new position
  session start     run a foreground work session
  session send      queue a message for a stored session's agent
  session end       close out a stale session record
  runs active       list non-terminal runs for a project
  runs update       move a run to a non-terminal phase
  runs complete     finish a run (completed, or -failed)
  runs logs         show run history for a feature or agent

Run "orchard <command> -h" for command flags.
`)
}

// exitCode maps the error taxonomy onto distinct process exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case oerr.IsValidation(err):
		return 2
	case oerr.IsConflict(err):
		return 3
	case oerr.IsBusy(err):
		return 4
	case oerr.IsNotFound(err):
		return 5
	case oerr.IsSubprocess(err):
		return 6
	case oerr.IsTimeout(err):
		return 7
	default:
		return 1
	}
}

// app bundles the CLI's shared collaborators.
type app struct {
	cfg   oconf.Config
	store store.Store
}

func newApp() (*app, error) {
	path := os.Getenv("ORCHARD_CONFIG")
	if path == "" {
		path = "orchard.yaml"
	}
	cfg, err := oconf.Load(path)
	if err != nil {
		return nil, err
	}
	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, store: st}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "orchard: closing store: %v\n", err)
	}
}

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	// Two-word commands: "dep add", "queue list", "session start", ...
	if len(args) > 0 {
		switch cmd {
		case "dep", "queue", "session", "runs", "features":
			cmd = cmd + " " + args[0]
			args = args[1:]
		}
	}

	handler, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "orchard: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	a, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchard: %v\n", err)
		os.Exit(exitCode(err))
	}
	defer a.close()

	if err := handler(context.Background(), a, args); err != nil {
		fmt.Fprintf(os.Stderr, "orchard: %v\n", err)
		a.close()
		os.Exit(exitCode(err))
	}
}
