package main

import (
	"context"
	"fmt"
	"net/http"
	neturl "net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lewta/dispatchd/internal/bus"
	"github.com/lewta/dispatchd/internal/config"
	"github.com/lewta/dispatchd/internal/control"
	"github.com/lewta/dispatchd/internal/dispatcher"
	"github.com/lewta/dispatchd/internal/invoker"
	"github.com/lewta/dispatchd/internal/queue"
	"github.com/lewta/dispatchd/internal/ratelimit"
	"github.com/lewta/dispatchd/internal/request"
	"github.com/lewta/dispatchd/internal/resource"
	"github.com/lewta/dispatchd/internal/session"
	"github.com/lewta/dispatchd/internal/usage"
)

// Set by goreleaser via -ldflags at build time; fallback to "dev" for local builds.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "Centralized dispatch daemon for a single generative Engine",
	Long: `dispatchd accepts requests from a shared message bus, tagged by origin
agent and priority, and schedules them across a bounded pool of concurrent
invocations of an external Engine process.

It detects rate-limit exhaustion and session/credential expiry from the
Engine's exit code and output, reacting with pausing, persistence, and
operator notifications, and exposes an HTTP control surface for
introspection and manual intervention.

Use 'dispatchd validate' to check a config before running.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(reloadCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(emergencyStopCmd())
	rootCmd.AddCommand(watchCmd())
}

// --- start ---

func startCmd() *cobra.Command {
	var (
		cfgPath    string
		foreground bool
		logLevel   string
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the dispatch daemon",
		Long: `Start the dispatch daemon: opens the bus, restores the queue
snapshot, and begins dispatching queued requests to the Engine. Session
state is not persisted; it starts as ok on every start.

On SIGINT or SIGTERM the daemon stops dispatching, cancels in-flight
Engine invocations, and exits without waiting for them to finish.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			if dryRun {
				printDryRun(cfgPath, cfg)
				return nil
			}

			lvl := cfg.Daemon.LogLevel
			if logLevel != "" {
				lvl = logLevel
			}
			initLogger(lvl, cfg.Daemon.LogFormat)

			if !foreground {
				if err := writePID(cfg.Daemon.PIDFile); err != nil {
					log.Warn().Err(err).Msg("could not write PID file")
				}
				defer os.Remove(cfg.Daemon.PIDFile) //nolint:errcheck
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config/example.yaml", "Path to YAML config file")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Skip writing the PID file (process always runs in foreground)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override log level (debug|info|warn|error)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print config summary and exit without starting the daemon")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	b, err := bus.Open(cfg.Bus.DSN, log.Logger)
	if err != nil {
		return fmt.Errorf("opening bus: %w", err)
	}
	defer b.Close()

	q, err := queue.New(cfg.Queue.MaxSize, cfg.Queue.SnapshotPath, log.Logger)
	if err != nil {
		return fmt.Errorf("opening queue manager: %w", err)
	}

	promoter := queue.NewPromoter(q, cfg.Queue.SchedulerIntervalMs, log.Logger)
	promoter.Start()
	defer promoter.Stop()

	inv := invoker.New(cfg.Engine.CommandPath, cfg.Engine.Args, time.Duration(cfg.Engine.TimeoutMs)*time.Millisecond)

	rl := ratelimit.New(ratelimit.Caps{
		TokensPerMinute:   cfg.RateLimits.TokensPerMinute,
		RequestsPerMinute: cfg.RateLimits.RequestsPerMinute,
		TokensPerDay:      cfg.RateLimits.TokensPerDay,
		TokensPerMonth:    cfg.RateLimits.TokensPerMonth,
	})

	um := usage.New(cfg.Usage.HistorySize, cfg.Usage.AlertThresholdRatio, cfg.RateLimits.RequestsPerMinute)
	usageMetrics := usage.NewMetrics()

	sm := session.New(ticketSink{}, probeCommand{commandPath: cfg.Engine.CommandPath}, log.Logger, nil)

	d := dispatcher.New(log.Logger, b, q, inv, rl, um, sm, dispatcher.Config{
		MaxConcurrent: cfg.MaxConcurrentRequests,
		Throttle: dispatcher.ThrottleState{
			Enabled:     cfg.Throttle.Enabled,
			Mode:        dispatcher.ThrottleMode(cfg.Throttle.Mode),
			BaseDelayMs: cfg.Throttle.BaseDelayMs,
		},
		EngineTimeout: time.Duration(cfg.Engine.TimeoutMs) * time.Millisecond,
		AutoOptimize:  cfg.AutoOptimize.Enabled,
	})

	ctrl := control.New(cfg.Control.Addr, control.Deps{
		Dispatcher:   d,
		Queue:        q,
		Usage:        um,
		UsageMetrics: usageMetrics,
		RateLimit:    rl,
		Session:      sm,
	}, log.Logger)

	var sampler *resource.Sampler
	if cfg.AutoOptimize.Enabled {
		sampler = resource.New(0, log.Logger)
		sampler.Start(ctx)
		go runAutoOptimizeLoop(ctx, d, q, um, sampler)
	}

	go runIntakeLoop(ctx, b, q)
	go runWindowRotationLoop(ctx, um, cfg.Usage.WindowMs)

	errCh := make(chan error, 1)
	go func() { errCh <- ctrl.ListenAndServe() }()
	go func() { errCh <- d.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("component exited unexpectedly")
		}
	}

	_ = ctrl.Shutdown(5 * time.Second)

	return nil
}

// runAutoOptimizeLoop drives Dispatcher.AutoOptimize on a fixed cadence
// until ctx is cancelled, feeding it the current queue depth, recent
// error rate, and host resource pressure.
func runAutoOptimizeLoop(ctx context.Context, d *dispatcher.Dispatcher, q *queue.Manager, um *usage.Monitor, sampler *resource.Sampler) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			window := um.CurrentWindow()
			errorRate := 0.0
			if window.Requests > 0 {
				errorRate = float64(window.Errors) / float64(window.Requests)
			}
			d.AutoOptimize(q.Status(), errorRate, sampler.Pressure())
		}
	}
}

// runIntakeLoop moves inbound requests from the bus into the queue manager
// until ctx is cancelled, pausing briefly whenever the bus is empty or
// errors. A request the full queue rejects gets a queue_full response.
func runIntakeLoop(ctx context.Context, b *bus.Bus, q *queue.Manager) {
	for ctx.Err() == nil {
		req, ok, err := b.PollRequest(ctx)
		if err != nil || !ok {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
			}
			continue
		}
		if err := q.Enqueue(req); err != nil {
			if _, full := err.(*queue.ErrQueueFull); full {
				_ = b.EmitResponse(ctx, req.OriginAgent, request.Response{RequestID: req.ID, OriginAgent: req.OriginAgent, Status: request.StatusFailed, ErrorKind: request.ErrorKindQueueFull, ErrorDetail: err.Error(), CompletedAt: time.Now()})
			}
		}
	}
}

// runWindowRotationLoop closes the usage monitor's current window every
// windowMs milliseconds until ctx is cancelled.
func runWindowRotationLoop(ctx context.Context, um *usage.Monitor, windowMs int) {
	ticker := time.NewTicker(time.Duration(windowMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			um.RotateWindow()
		}
	}
}

type ticketSink struct{}

func (ticketSink) Open(ctx context.Context, record session.OutageRecord) (string, error) {
	log.Warn().Str("reason", record.Reason).Msg("session expired: manual intervention required, no ticket backend configured")
	return "", nil
}
func (ticketSink) IsClosed(ctx context.Context, ticketRef string) (bool, error) { return false, nil }
func (ticketSink) Reopen(ctx context.Context, ticketRef string) error           { return nil }

// probeCommand runs the Engine with a trivial health-check payload to test
// whether credentials have recovered after an expiry.
type probeCommand struct {
	commandPath string
}

func (p probeCommand) Probe(ctx context.Context) error {
	inv := invoker.New(p.commandPath, nil, 10*time.Second)
	probeReq := request.Request{ID: "session-probe", OriginAgent: "dispatchd", Priority: request.PriorityUrgent, Payload: "ping"}
	outcome, err := inv.Run(ctx, probeReq, 10*time.Second)
	if err != nil {
		return err
	}
	if outcome.ExitCode != 0 {
		return fmt.Errorf("probe exited %d", outcome.ExitCode)
	}
	return nil
}

// --- stop ---

func stopCmd() *cobra.Command {
	var pidFile string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running dispatch daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readPID(pidFile)
			if err != nil {
				return fmt.Errorf("reading PID file %s: %w", pidFile, err)
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("finding process %d: %w", pid, err)
			}

			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("sending SIGTERM to %d: %w", pid, err)
			}

			fmt.Printf("Sent SIGTERM to process %d\n", pid)
			return nil
		},
	}

	cmd.Flags().StringVar(&pidFile, "pid-file", "/tmp/dispatchd.pid", "Path to PID file")
	return cmd
}

// --- reload ---

func reloadCmd() *cobra.Command {
	var pidFile string

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Reload the config of a running dispatchd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readPID(pidFile)
			if err != nil {
				return fmt.Errorf("reading PID file %s: %w", pidFile, err)
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("finding process %d: %w", pid, err)
			}

			if err := proc.Signal(syscall.SIGHUP); err != nil {
				return fmt.Errorf("sending SIGHUP to pid %d: %w", pid, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Sent reload signal to pid %d\n", pid)
			return nil
		},
	}

	cmd.Flags().StringVar(&pidFile, "pid-file", "/tmp/dispatchd.pid", "Path to PID file")
	return cmd
}

// --- status ---

func statusCmd() *cobra.Command {
	var pidFile string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check whether the dispatch daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readPID(pidFile)
			if err != nil {
				fmt.Printf("Not running (no PID file at %s)\n", pidFile)
				return nil
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				fmt.Printf("Not running (process %d not found)\n", pid)
				return nil
			}

			if err := proc.Signal(syscall.Signal(0)); err != nil {
				fmt.Printf("Not running (process %d: %v)\n", pid, err)
				return nil
			}

			fmt.Printf("Running (PID %d)\n", pid)
			return nil
		},
	}

	cmd.Flags().StringVar(&pidFile, "pid-file", "/tmp/dispatchd.pid", "Path to PID file")
	return cmd
}

// --- validate ---

func validateCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		Long: `Parse and validate a config file without starting the daemon.

Checks the Engine command path, queue sizing, throttle mode, rate-limit
caps, bus DSN, and control surface address.

Exits 0 and prints "config valid" on success.
Exits non-zero and prints the validation error on failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			fmt.Println("config valid")
			return nil
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "config/example.yaml", "Path to YAML config file")
	return cmd
}

// --- version ---

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("dispatchd %s (commit %s, built %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

// --- control-surface client commands ---

func pauseCmd() *cobra.Command {
	var addr, reason string
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause the queue of a running dispatchd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("http://%s/pause", addr)
			if reason != "" {
				url += "?reason=" + neturl.QueryEscape(reason)
			}
			return postControl(url)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8088", "Control surface address")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded alongside the pause")
	return cmd
}

func resumeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume the queue of a running dispatchd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postControl(fmt.Sprintf("http://%s/resume", addr))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8088", "Control surface address")
	return cmd
}

func emergencyStopCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "emergency-stop",
		Short: "Trigger an emergency stop on a running dispatchd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postControl(fmt.Sprintf("http://%s/emergency-stop", addr))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8088", "Control surface address")
	return cmd
}

func postControl(url string) error {
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("control surface returned status %d", resp.StatusCode)
	}
	fmt.Println("ok")
	return nil
}

// --- watch (TUI) ---

func watchCmd() *cobra.Command {
	var addr string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live status view of a running dispatchd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := control.NewTUI("http://"+addr, interval).Run()
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8088", "Control surface address")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Poll interval")
	return cmd
}

// --- helpers ---

func printDryRun(path string, cfg *config.Config) {
	fmt.Printf("Config: %s  valid\n\n", path)
	fmt.Printf("Engine:\n  command: %s %s\n", cfg.Engine.CommandPath, strings.Join(cfg.Engine.Args, " "))
	fmt.Printf("Queue:\n  max_size: %d | scheduler_interval_ms: %d\n", cfg.Queue.MaxSize, cfg.Queue.SchedulerIntervalMs)
	fmt.Printf("Concurrency:\n  max_concurrent_requests: %d\n", cfg.MaxConcurrentRequests)
	fmt.Printf("Throttle:\n  enabled: %v | mode: %s | base_delay_ms: %d\n", cfg.Throttle.Enabled, cfg.Throttle.Mode, cfg.Throttle.BaseDelayMs)
	fmt.Printf("Rate limits:\n  requests_per_minute: %d | tokens_per_minute: %d\n", cfg.RateLimits.RequestsPerMinute, cfg.RateLimits.TokensPerMinute)
	fmt.Printf("Bus:\n  dsn: %s\n", cfg.Bus.DSN)
	fmt.Printf("Control:\n  addr: %s\n", cfg.Control.Addr)
}

func initLogger(level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}
}

func writePID(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}
