// Package run implements "wonder run": execute a workflow definition file
// locally and stream its events.
package run

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonderhq/wonder/internal/actions"
	"github.com/wonderhq/wonder/internal/commands/shared"
	wonderlog "github.com/wonderhq/wonder/internal/log"
	"github.com/wonderhq/wonder/internal/resource"
	"github.com/wonderhq/wonder/pkg/coordinator"
	"github.com/wonderhq/wonder/pkg/errors"
	"github.com/wonderhq/wonder/pkg/workflow"
)

type options struct {
	inputs    []string
	inputFile string
	trace     bool
	timeout   time.Duration
	dbPath    string
	seed      int64
	quiet     bool
}

// NewCommand creates the run command.
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Run a workflow definition locally",
		Long: `Run validates a workflow definition file, executes it with the built-in
action executors, and streams run events to stdout as NDJSON. The final
workflow output document is printed last.

The process exit code reflects the run outcome: 0 completed, 1 failed,
2 cancelled, 3 usage error. Interrupting with Ctrl-C cancels the run.`,
		Example: `  # Run with inline inputs
  wonder run workflow.yaml --input orderId=A-17 --input amount=41.5

  # Run with a JSON input document and the trace stream
  wonder run workflow.yaml --input-file input.json --trace

  # Persist the run log to a database file
  wonder run workflow.yaml --db runs.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, args[0], opts)
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&opts.inputs, "input", "i", nil, "Input field as key=value (repeatable)")
	f.StringVar(&opts.inputFile, "input-file", "", "JSON file with the run input document")
	f.BoolVar(&opts.trace, "trace", false, "Stream the fine-grained trace events too")
	f.DurationVar(&opts.timeout, "timeout", 0, "Bound the whole run (0 = unbounded)")
	f.StringVar(&opts.dbPath, "db", "", "SQLite file for run persistence (default: in-memory)")
	f.Int64Var(&opts.seed, "seed", 1, "Seed for mock action sampling")
	f.BoolVar(&opts.quiet, "quiet", false, "Suppress the event stream, print only the output")
	return cmd
}

func runWorkflow(cmd *cobra.Command, path string, opts options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return shared.Failf(shared.ExitUsage, "failed to read %s: %v", path, err)
	}
	def, err := workflow.ParseDefinition(data)
	if err != nil {
		return shared.Failf(shared.ExitUsage, "failed to parse %s: %v", path, err)
	}

	input, err := buildInput(opts.inputFile, opts.inputs)
	if err != nil {
		return shared.Failf(shared.ExitUsage, "%v", err)
	}

	store, err := openStore(opts.dbPath)
	if err != nil {
		return shared.Failf(shared.ExitFailed, "%v", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	if err := store.SaveDefinition(ctx, def); err != nil {
		return shared.Failf(shared.ExitFailed, "failed to store definition: %v", err)
	}

	logger := wonderlog.New(wonderlog.FromEnv())
	coord, err := coordinator.New(coordinator.Config{
		Loader:  workflow.NewLoader(store),
		Actions: actions.NewDefaultRegistry(opts.seed),
		Store:   store,
		Logger:  logger,
	})
	if err != nil {
		return shared.Failf(shared.ExitFailed, "%v", err)
	}
	defer coord.Close()

	out := cmd.OutOrStdout()
	stop := streamEvents(coord, out, opts)
	defer stop()

	runID, err := coord.StartRun(ctx, workflow.Ref{Reference: def.Reference, Version: def.Version}, input, coordinator.StartOptions{
		EnableTrace: opts.trace,
		Timeout:     opts.timeout,
	})
	if err != nil {
		if errors.KindOf(err) == errors.KindValidation {
			return shared.Failf(shared.ExitUsage, "%v", err)
		}
		return shared.Failf(shared.ExitFailed, "%v", err)
	}

	// Ctrl-C cancels the run; the run then finishes as cancelled.
	signalCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	go func() {
		<-signalCtx.Done()
		if ctx.Err() == nil && signalCtx.Err() != nil {
			coord.CancelRun(runID)
		}
	}()

	info, err := coord.Wait(context.Background(), runID)
	if err != nil {
		return shared.Failf(shared.ExitFailed, "%v", err)
	}
	stop()

	return printOutcome(coord, out, info)
}

func openStore(path string) (resource.Store, error) {
	if path == "" {
		return resource.NewMemoryStore(), nil
	}
	return resource.OpenSQLite(resource.SQLiteConfig{Path: path, WAL: true})
}

// streamEvents mirrors the run's events onto out as NDJSON. The returned
// stop function drains whatever is still buffered.
func streamEvents(coord *coordinator.Coordinator, out io.Writer, opts options) func() {
	if opts.quiet {
		return func() {}
	}

	subs := []*coordinator.Subscription{
		coord.Subscribe(coordinator.StreamEvents, coordinator.Filter{}),
	}
	if opts.trace {
		subs = append(subs, coord.Subscribe(coordinator.StreamTrace, coordinator.Filter{}))
	}

	enc := json.NewEncoder(out)
	done := make(chan struct{})
	go func() {
		defer close(done)
		remaining := len(subs)
		merged := make(chan coordinator.Event, 64)
		for _, sub := range subs {
			go func(sub *coordinator.Subscription) {
				for ev := range sub.Events() {
					merged <- ev
				}
				merged <- coordinator.Event{}
			}(sub)
		}
		for ev := range merged {
			if ev.Type == "" {
				remaining--
				if remaining == 0 {
					return
				}
				continue
			}
			enc.Encode(ev)
		}
	}()

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		for _, sub := range subs {
			coord.Unsubscribe(sub.ID())
		}
		<-done
	}
}

func printOutcome(coord *coordinator.Coordinator, out io.Writer, info coordinator.RunInfo) error {
	snapshot, err := coord.Snapshot(info.RunID)
	if err == nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		enc.Encode(map[string]any{
			"runId":  info.RunID,
			"status": info.Status,
			"output": snapshot[coordinator.ScopeOutput],
		})
	}

	switch {
	case info.Status == coordinator.RunCompleted:
		return nil
	case info.Failure != nil && info.Failure.Kind == errors.KindCancelled:
		return &shared.ExitError{Code: shared.ExitCancelled, Err: fmt.Errorf("run cancelled")}
	default:
		msg := "run failed"
		if info.Failure != nil {
			msg = fmt.Sprintf("run failed at %s: %s", info.Failure.NodeRef, info.Failure.Message)
		}
		return shared.Failf(shared.ExitFailed, "%s", msg)
	}
}
