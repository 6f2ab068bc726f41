// Package main provides the delve-worker CLI entrypoint.
//
// Usage:
//
//	delve-worker serve [options]
//	delve-worker step --tenant <t> --execution <id> --code-file <path> [options]
//
// Exit codes:
//   - 0: success
//   - 1: runtime failure
//   - 2: configuration error
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/delve/blob"
	"github.com/pithecene-io/delve/config"
	"github.com/pithecene-io/delve/log"
	"github.com/pithecene-io/delve/metrics"
	"github.com/pithecene-io/delve/provider"
	"github.com/pithecene-io/delve/record"
	"github.com/pithecene-io/delve/runtime"
	"github.com/pithecene-io/delve/search"
)

const (
	exitSuccess     = 0
	exitRunFailure  = 1
	exitConfigError = 2
)

func main() {
	app := &cli.App{
		Name:    "delve-worker",
		Usage:   "Delve worker - drives answerer executions and single-step runs",
		Version: "0.1.0",
		Commands: []*cli.Command{
			serveCommand(),
			stepCommand(),
		},
		ExitErrHandler: exitErrHandler,
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(exitRunFailure)
	}
}

// exitErrHandler handles errors from the CLI, respecting cli.ExitCoder.
func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitRunFailure)
}

// commonFlags are shared by serve and step. CLI flags override config values.
func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to delve.yaml config file",
		},
		&cli.StringFlag{
			Name:  "redis-url",
			Usage: "Redis URL for the record store (e.g. redis://localhost:6379/0)",
		},
		&cli.StringFlag{
			Name:  "worker-id",
			Usage: "Worker replica identity (defaults to a fresh UUID)",
		},
		&cli.StringFlag{
			Name:  "storage-backend",
			Usage: "Blob storage backend: s3 or memory",
		},
		&cli.StringFlag{
			Name:  "s3-bucket",
			Usage: "S3 bucket for parsed text, offloaded state, caches, traces",
		},
		&cli.StringFlag{
			Name:  "s3-prefix",
			Usage: "S3 key prefix",
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the answerer tick loop until interrupted",
		Flags: append(commonFlags(),
			&cli.IntFlag{
				Name:  "capacity",
				Usage: "Max concurrent executions per tick",
			},
			&cli.DurationFlag{
				Name:  "tick-interval",
				Usage: "Pause between runnable scans",
			},
			&cli.DurationFlag{
				Name:  "lease-duration",
				Usage: "Execution lease lifetime",
			},
		),
		Action: serveAction,
	}
}

func stepCommand() *cli.Command {
	return &cli.Command{
		Name:  "step",
		Usage: "Execute one program against a runtime-mode execution",
		Flags: append(commonFlags(),
			&cli.StringFlag{
				Name:     "tenant",
				Usage:    "Tenant identifier",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "execution",
				Usage:    "Execution identifier",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "code-file",
				Usage: "Path to the Lua program (- reads stdin)",
				Value: "-",
			},
			&cli.BoolFlag{
				Name:  "resolve-tools",
				Usage: "Resolve queued tool requests after the step",
			},
		),
		Action: stepAction,
	}
}

// loadConfig reads the optional config file and applies flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := &config.Config{}
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.IsSet("redis-url") {
		cfg.Redis.URL = c.String("redis-url")
	}
	if c.IsSet("worker-id") {
		cfg.Worker.ID = c.String("worker-id")
	}
	if c.IsSet("storage-backend") {
		cfg.Storage.Backend = c.String("storage-backend")
	}
	if c.IsSet("s3-bucket") {
		cfg.Storage.Bucket = c.String("s3-bucket")
	}
	if c.IsSet("s3-prefix") {
		cfg.Storage.Prefix = c.String("s3-prefix")
	}
	if c.IsSet("capacity") {
		cfg.Worker.Capacity = c.Int("capacity")
	}
	if c.IsSet("tick-interval") {
		cfg.Worker.TickInterval.Duration = c.Duration("tick-interval")
	}
	if c.IsSet("lease-duration") {
		cfg.Worker.LeaseDuration.Duration = c.Duration("lease-duration")
	}

	if cfg.Worker.ID == "" {
		cfg.Worker.ID = uuid.NewString()
	}
	return cfg, nil
}

// buildDeps wires the orchestrator collaborators from the resolved config.
func buildDeps(ctx context.Context, cfg *config.Config) (runtime.Config, runtime.Deps, error) {
	var deps runtime.Deps

	if cfg.Redis.URL == "" {
		return runtime.Config{}, deps, errors.New("redis url is required (--redis-url or redis.url)")
	}
	records, err := record.NewRedisStore(cfg.Redis.URL)
	if err != nil {
		return runtime.Config{}, deps, fmt.Errorf("record store: %w", err)
	}
	deps.Records = records

	var blobs blob.Store
	switch cfg.Storage.Backend {
	case "", "s3":
		blobs, err = blob.NewS3Store(ctx, cfg.Storage.S3())
		if err != nil {
			return runtime.Config{}, deps, fmt.Errorf("blob store: %w", err)
		}
	case "memory":
		blobs = blob.NewMemoryStore()
	default:
		return runtime.Config{}, deps, fmt.Errorf("unknown storage backend: %s (must be s3 or memory)", cfg.Storage.Backend)
	}
	deps.Blobs = blobs

	logger := log.NewLogger(log.Context{Worker: cfg.Worker.ID})
	collector := metrics.NewCollector(cfg.Worker.ID, cfg.Providers.Root.Type, cfg.Storage.Backend)
	deps.Logger = logger
	deps.Metrics = collector

	rootBackend, err := cfg.Providers.Root.Backend()
	if err != nil {
		return runtime.Config{}, deps, fmt.Errorf("root provider: %w", err)
	}
	deps.Root = provider.New(rootBackend, provider.Options{
		Logger:  logger,
		Metrics: collector,
	})

	subBackend, err := cfg.Providers.Sub.Backend()
	if err != nil {
		return runtime.Config{}, deps, fmt.Errorf("sub provider: %w", err)
	}
	subOpts := provider.Options{Logger: logger, Metrics: collector}
	if cfg.Providers.CacheSubcalls {
		subOpts.CacheStore = blobs
		subOpts.CachePrefix = cfg.Providers.CachePrefix
	}
	deps.Sub = provider.New(subBackend, subOpts)

	deps.Search = search.NewCache(search.NewStub(), blobs, cfg.Providers.CachePrefix, logger, collector)

	rc := runtime.Config{
		Worker:          cfg.Worker.ID,
		LeaseDuration:   cfg.Worker.LeaseDuration.Duration,
		Capacity:        cfg.Worker.Capacity,
		ToolConcurrency: cfg.Worker.ToolConcurrency,
		MergeGapChars:   cfg.Worker.MergeGapChars,
		InlineMaxBytes:  cfg.Worker.InlineMaxBytes,
	}
	return rc, deps, nil
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
	}

	ctx, cancel := signalContext()
	defer cancel()

	rc, deps, err := buildDeps(ctx, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
	}

	orchestrator := runtime.NewOrchestrator(rc, deps)
	deps.Logger.Info("worker serving", map[string]any{
		"worker":   orchestrator.Worker(),
		"capacity": rc.Capacity,
	})

	err = orchestrator.Serve(ctx, cfg.Worker.TickInterval.Duration)
	if err != nil && !errors.Is(err, context.Canceled) {
		return cli.Exit(fmt.Sprintf("serve failed: %v", err), exitRunFailure)
	}
	deps.Logger.Info("worker stopped", nil)
	return cli.Exit("", exitSuccess)
}

// stepOutput is the JSON result printed by the step command.
type stepOutput struct {
	TurnIndex int            `json:"turn_index"`
	Status    string         `json:"status"`
	Success   bool           `json:"success"`
	Stdout    string         `json:"stdout,omitempty"`
	Error     any            `json:"error,omitempty"`
	Citations any            `json:"citations,omitempty"`
	Tools     map[string]any `json:"tools,omitempty"`
}

func stepAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
	}

	code, err := readCode(c.String("code-file"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot read program: %v", err), exitConfigError)
	}

	ctx, cancel := signalContext()
	defer cancel()

	rc, deps, err := buildDeps(ctx, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfigError)
	}

	rt := runtime.NewRuntime(rc, deps)

	start := time.Now()
	outcome, err := rt.Step(ctx, c.String("tenant"), c.String("execution"), code, nil)
	if err != nil {
		return cli.Exit(fmt.Sprintf("step failed: %v", err), exitRunFailure)
	}

	out := stepOutput{
		TurnIndex: outcome.TurnIndex,
		Status:    string(outcome.Status),
		Success:   outcome.Result.Success,
		Stdout:    outcome.Result.Stdout,
	}
	if outcome.Result.Err != nil {
		out.Error = outcome.Result.Err
	}
	if len(outcome.Citations) > 0 {
		out.Citations = outcome.Citations
	}

	if c.Bool("resolve-tools") && !outcome.Result.ToolRequests.Empty() {
		statuses, rerr := rt.ResolveTools(ctx, c.String("tenant"), c.String("execution"))
		if rerr != nil {
			return cli.Exit(fmt.Sprintf("tool resolution failed: %v", rerr), exitRunFailure)
		}
		out.Tools = map[string]any{}
		for key, status := range statuses {
			out.Tools[key] = string(status)
		}
	}

	body, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return cli.Exit(fmt.Sprintf("encode result: %v", err), exitRunFailure)
	}
	fmt.Println(string(body))
	deps.Logger.Debug("step finished", map[string]any{
		"turn":     outcome.TurnIndex,
		"duration": time.Since(start).Round(time.Millisecond).String(),
	})

	if !outcome.Result.Success {
		return cli.Exit("", exitRunFailure)
	}
	return cli.Exit("", exitSuccess)
}

// readCode reads the program from a file, or stdin when path is "-".
func readCode(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
