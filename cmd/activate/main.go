package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nomis52/goactivate/app"
	"github.com/nomis52/goactivate/buildinfo"
	"github.com/nomis52/goactivate/config"
	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/logging"
	"github.com/nomis52/goactivate/metrics"
	"github.com/nomis52/goactivate/orchestrator"
)

const defaultRefreshInterval = time.Second

type Args struct {
	ConfigPath  string
	Topology    string
	Operation   string
	Plan        bool
	ShowVersion bool
	Validate    bool
	Interval    time.Duration
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := parseArgs()

	if args.ShowVersion {
		showVersion()
		return nil
	}

	if args.ConfigPath == "" {
		return fmt.Errorf("config flag (-c or --config) is required")
	}

	cfg, err := config.LoadConfig(args.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if args.Validate {
		fmt.Printf("Configuration validation successful: %s\n", args.ConfigPath)
		return nil
	}

	if args.Topology == "" {
		return fmt.Errorf("topology flag (-t or --topology) is required")
	}
	op, err := lifecycle.ParseOperation(args.Operation)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	props := buildinfo.Get()
	logger.Info("activate started",
		"version", props.Version,
		"build_time", props.BuildTime,
		"git_commit", props.GitCommit,
		"config_path", args.ConfigPath,
		"topology", args.Topology,
		"operation", op,
	)

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}

	// The CLI is short-lived, so metrics are pushed rather than scraped.
	registry := metrics.NewPushRegistry(metrics.PushConfig{
		URL:      cfg.Monitoring.VictoriaMetricsURL,
		Prefix:   cfg.Monitoring.MetricsPrefix,
		Job:      cfg.Monitoring.JobName,
		Instance: hostname,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.WithLogger(logger), app.WithMetricsRegistry(registry))
	if err != nil {
		return err
	}
	defer a.Close()

	if args.Plan {
		g, err := a.Orchestrator.Plan(ctx, args.Topology, op)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(g)
	}

	status, err := execute(ctx, a, args.Topology, op, args.Interval)
	printStatus(os.Stdout, status)

	if cfg.Monitoring.VictoriaMetricsURL != "" {
		if ferr := flush(registry, logger); ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}

// execute submits the operation and waits for it to end, polling pending
// handlers on the way.
func execute(ctx context.Context, a *app.App, topologyID string, op lifecycle.Operation, interval time.Duration) (orchestrator.AggregateStatus, error) {
	sweeper, err := a.NewSweeper()
	if err != nil {
		return orchestrator.AggregateStatus{}, err
	}
	if err := sweeper.Start(ctx); err != nil {
		return orchestrator.AggregateStatus{}, err
	}
	defer sweeper.Stop()

	status, err := a.Orchestrator.Run(topologyID, op)
	if err != nil {
		return status, err
	}
	status, err = a.Orchestrator.Await(ctx, status.ID, interval)
	if err != nil {
		return status, err
	}
	if status.State == orchestrator.Failed {
		return status, fmt.Errorf("%s failed: %s", status.Title, status.Message)
	}
	return status, nil
}

func flush(registry *metrics.PushRegistry, logger *slog.Logger) error {
	// The run context may already be cancelled; pushing is still wanted.
	ctx, cancel := context.WithTimeout(context.Background(), metrics.DefaultPushTimeout)
	defer cancel()
	if err := registry.Flush(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	logger.Info("metrics pushed")
	return nil
}

func printStatus(w io.Writer, s orchestrator.AggregateStatus) {
	if s.ID == "" {
		return
	}
	fmt.Fprintf(w, "%s\n", s.Title)
	fmt.Fprintf(w, "  id:       %s\n", s.ID)
	fmt.Fprintf(w, "  state:    %s\n", s.State)
	fmt.Fprintf(w, "  progress: %d%%\n", s.Percent)
	if s.Subtitle != "" {
		fmt.Fprintf(w, "  last:     %s\n", s.Subtitle)
	}
	if s.Message != "" {
		fmt.Fprintf(w, "  message:  %s\n", s.Message)
	}
	if s.EndedAt != nil {
		fmt.Fprintf(w, "  duration: %s\n", s.Duration(*s.EndedAt).Round(time.Millisecond))
	}
}

func showVersion() {
	props := buildinfo.Get()
	fmt.Printf("activate %s\n", props.Version)
	fmt.Printf("Built: %s\n", props.BuildTime)
	fmt.Printf("Commit: %s\n", props.GitCommit)
	fmt.Printf("Go: %s\n", props.GoVersion)
}

func parseArgs() Args {
	configPath := flag.String("config", "", "Path to config file")
	configPathShort := flag.String("c", "", "Path to config file (shorthand)")
	topologyID := flag.String("topology", "", "Topology to operate on")
	topologyShort := flag.String("t", "", "Topology to operate on (shorthand)")
	operation := flag.String("operation", string(lifecycle.OperationActivate), "Operation: activate, start, stop or delete")
	operationShort := flag.String("o", "", "Operation (shorthand)")
	plan := flag.Bool("plan", false, "Print the process graph and exit without running it")
	interval := flag.Duration("interval", defaultRefreshInterval, "Status refresh interval")
	showVersion := flag.Bool("version", false, "Show version information")
	versionShort := flag.Bool("v", false, "Show version information (shorthand)")
	validate := flag.Bool("validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nRuns one lifecycle operation on a topology and waits for it to end\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -c config.yaml -t shop\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -c config.yaml -t shop -o stop\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -c config.yaml -t shop -plan\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config config.yaml --validate\n", os.Args[0])
	}

	flag.Parse()

	path := *configPath
	if path == "" && *configPathShort != "" {
		path = *configPathShort
	}
	topo := *topologyID
	if topo == "" {
		topo = *topologyShort
	}
	op := *operation
	if *operationShort != "" {
		op = *operationShort
	}

	return Args{
		ConfigPath:  path,
		Topology:    topo,
		Operation:   op,
		Plan:        *plan,
		ShowVersion: *showVersion || *versionShort,
		Validate:    *validate,
		Interval:    *interval,
	}
}
