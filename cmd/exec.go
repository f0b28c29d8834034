package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalundhe/agentgate/core/archive"
	"github.com/adalundhe/agentgate/core/config"
	"github.com/adalundhe/agentgate/core/events"
	"github.com/adalundhe/agentgate/core/gate"
	"github.com/adalundhe/agentgate/core/metrics"
	"github.com/adalundhe/agentgate/core/procgroup"
	"github.com/adalundhe/agentgate/core/registry"
)

var (
	execType          string
	execMaxConcurrent int
	execMetricsAddr   string
	execWatchConfig   bool
	execFormat        string
	execQuiet         bool
	execReport        bool
)

var execCmd = &cobra.Command{
	Use:   `exec [flags] -- "command" ["command" ...]`,
	Short: "Run shell commands as throttled, monitored agent tasks",
	Long: `Run each argument as a shell command under agentgate. Commands wait for a
slot, run in their own process group, and report every line of output as
progress. A command that goes quiet past the stall threshold is released; one
that runs past the timeout threshold has its process group terminated.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	rootCmd.AddCommand(execCmd)

	execCmd.Flags().StringVar(&execType, "type", "shell", "Agent type (selects the circuit breaker)")
	execCmd.Flags().IntVar(&execMaxConcurrent, "max-concurrent", 0, "Override throttle.max_concurrent_agents")
	execCmd.Flags().StringVar(&execMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides config)")
	execCmd.Flags().BoolVar(&execWatchConfig, "watch-config", false, "Reload the config file when it changes")
	execCmd.Flags().StringVar(&execFormat, "format", "table", "Summary format: table or json")
	execCmd.Flags().BoolVarP(&execQuiet, "quiet", "q", false, "Do not echo command output")
	execCmd.Flags().BoolVar(&execReport, "report", false, "Print the final gate status report as JSON")
}

// execResult is one line of the exec summary.
type execResult struct {
	AgentID    string          `json:"agent_id"`
	Command    string          `json:"command"`
	Status     registry.Status `json:"status"`
	Kind       string          `json:"kind"`
	QueueWait  time.Duration   `json:"queue_wait"`
	Duration   time.Duration   `json:"duration"`
	Error      string          `json:"error,omitempty"`
	Successful bool            `json:"successful"`
}

func runExec(cmd *cobra.Command, args []string) error {
	format, err := parseOutputFormat(execFormat)
	if err != nil {
		return err
	}

	mgr, logger, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := mgr.Get().Clone()
	if execMaxConcurrent > 0 {
		cfg.Throttle.MaxConcurrentAgents = execMaxConcurrent
	}
	if execMetricsAddr != "" {
		cfg.Metrics.Addr = execMetricsAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notices := cmd.ErrOrStderr()
	if execQuiet {
		notices = io.Discard
	}
	rt, err := newRuntime(ctx, cfg, logger, notices)
	if err != nil {
		return err
	}
	defer rt.close()

	if execWatchConfig {
		mgr.OnChange(func(next *config.Config) {
			next = next.Clone()
			if execMaxConcurrent > 0 {
				next.Throttle.MaxConcurrentAgents = execMaxConcurrent
			}
			if err := rt.gate.ApplyConfig(next); err != nil {
				logger.Warn("config change rejected", "error", err)
			}
		})
		if err := mgr.Watch(ctx); err != nil {
			logger.Warn("config watch unavailable", "error", err)
		}
	}

	rt.gate.Start(ctx)

	echo := cmd.OutOrStdout()
	if execQuiet {
		echo = io.Discard
	}

	results := make([]execResult, len(args))
	var wg sync.WaitGroup
	for i, command := range args {
		wg.Add(1)
		go func(i int, command string) {
			defer wg.Done()
			results[i] = runCommand(ctx, rt.gate, command, echo)
		}(i, command)
	}
	wg.Wait()

	if execReport {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(rt.gate.Status(ctx)); err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}

	if err := printExecResults(cmd.OutOrStdout(), results, format); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if !r.Successful {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d commands did not complete", failed, len(results))
	}
	return nil
}

func runCommand(ctx context.Context, g *gate.Gate, command string, echo io.Writer) execResult {
	c := exec.Command(shell(), shellFlag(), command)
	c.WaitDelay = time.Second
	grp := procgroup.New(c)

	out := g.Submit(ctx, gate.Task{
		Type: execType,
		Run: func(ctx context.Context, p *gate.Progress) (any, error) {
			lines := newLineRecorder(p, echo, shortID(p.AgentID()))
			c.Stdout = lines
			c.Stderr = lines
			defer lines.Flush()

			if err := grp.Start(); err != nil {
				return nil, fmt.Errorf("start %q: %w", command, err)
			}
			select {
			case <-grp.Done():
			case <-ctx.Done():
				_ = grp.Terminate(procgroup.DefaultGrace)
				<-grp.Done()
				return nil, ctx.Err()
			}
			if err := grp.Wait(); err != nil {
				return nil, err
			}
			return 0, nil
		},
		Terminate: func(ctx context.Context, reason string) error {
			return grp.Terminate(procgroup.DefaultGrace)
		},
	})

	res := execResult{
		AgentID:    out.AgentID,
		Command:    command,
		Status:     out.Status,
		Kind:       out.Kind.String(),
		QueueWait:  out.QueueWait,
		Duration:   out.ExecutionTime,
		Successful: out.Status == registry.StatusCompleted,
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
	}
	if res.Status == "" {
		res.Status = "rejected"
	}
	return res
}

func shell() string {
	if runtime.GOOS == "windows" {
		return "cmd"
	}
	return "sh"
}

func shellFlag() string {
	if runtime.GOOS == "windows" {
		return "/C"
	}
	return "-c"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printExecResults(w io.Writer, results []execResult, format OutputFormat) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tSTATUS\tKIND\tWAIT\tDURATION\tCOMMAND\tERROR")
	fmt.Fprintln(tw, "-----\t------\t----\t----\t--------\t-------\t-----")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.AgentID), r.Status, r.Kind,
			r.QueueWait.Round(time.Millisecond), r.Duration.Round(time.Millisecond),
			truncate(r.Command, 40), truncate(r.Error, 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// gateRuntime bundles the gate with the sinks and stores it owns for one
// CLI invocation.
type gateRuntime struct {
	gate     *gate.Gate
	writer   *events.Writer
	bus      *events.Bus
	store    *archive.Store
	recorder *metrics.PrometheusRecorder
	logger   *slog.Logger
}

func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, notices io.Writer) (*gateRuntime, error) {
	rt := &gateRuntime{
		logger:   logger,
		recorder: metrics.NewPrometheusRecorder(),
		bus:      events.NewBus(0),
	}
	rt.bus.Subscribe(noticeSubscriber(notices))

	opts := []gate.Option{
		gate.WithLogger(logger),
		gate.WithRecorder(rt.recorder),
	}

	sinks := events.MultiSink{rt.bus}
	if cfg.Events.Enabled {
		w, err := events.NewWriter(cfg.Events.Path)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("open event log: %w", err)
		}
		rt.writer = w
		sinks = append(sinks, w)
	}
	opts = append(opts, gate.WithEventSink(sinks))

	if cfg.Archive.Enabled {
		store, err := archive.Open(archive.Config{Path: cfg.Archive.Path, CacheEntries: cfg.Archive.CacheEntries}, logger)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("open archive: %w", err)
		}
		rt.store = store
		opts = append(opts, gate.WithArchiver(store))
	}

	g, err := gate.New(cfg, opts...)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.gate = g

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := rt.recorder.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
				logger.Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
	}
	return rt, nil
}

// shutdown stops the gate and archives every finished record so the run
// shows up in history.
func (rt *gateRuntime) shutdown(ctx context.Context) error {
	err := rt.gate.Shutdown(ctx)
	if rt.store != nil {
		if _, cerr := rt.gate.Registry().CleanupCompleted(ctx, 0); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

func (rt *gateRuntime) close() {
	rt.bus.Close()
	if rt.writer != nil {
		if err := rt.writer.Close(); err != nil {
			rt.logger.Warn("close event log", "error", err)
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("close archive", "error", err)
		}
	}
}

// noticeSubscriber prints recovery and breaker events as they happen.
func noticeSubscriber(w io.Writer) events.Subscriber {
	return events.SubscriberFunc{
		Name:   "notices",
		Filter: []events.Type{events.TypeStalled, events.TypeTimeout, events.TypeFailed, events.TypeCircuitState},
		Fn: func(ev events.Event) {
			fmt.Fprintf(w, "agentgate: %s %s %s\n", ev.Type, eventSubject(ev), eventDetail(ev))
		},
	}
}
