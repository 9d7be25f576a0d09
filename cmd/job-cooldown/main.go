package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jobcooldown/jobcooldown/pkg/config"
	"github.com/jobcooldown/jobcooldown/pkg/execution"
	"github.com/jobcooldown/jobcooldown/pkg/gate"
	"github.com/jobcooldown/jobcooldown/pkg/observability"
	"github.com/jobcooldown/jobcooldown/pkg/script"
	"github.com/jobcooldown/jobcooldown/pkg/version"
)

const (
	exitOK           = 0
	exitUsage        = 64
	exitConfigError  = 65
	exitHistoryError = 66
	exitHostError    = 67
	exitCooldown     = 68
)

func main() {
	exitCode := run(os.Args[1:])
	os.Exit(exitCode)
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "check":
		return commandCheck(args[1:])
	case "record":
		return commandRecord(args[1:])
	case "simulate":
		return commandSimulate(args[1:])
	case "validate-config":
		return commandValidate(args[1:])
	case "version":
		fmt.Println(version.Get().String())
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: job-cooldown <command> [options]
Commands:
  check              Gate an execution; stops it when the job is cooling down
  record             Store an execution record in the shared history
  simulate           Evaluate the gate without side effects
  validate-config    Validate the configuration file
  version            Print build version
`)
}

// historyStore is the execution history the CLI talks to.
type historyStore interface {
	execution.Scheduler
	Append(ctx context.Context, record execution.Record) error
	Get(ctx context.Context, job string, number int64) (execution.Record, error)
	Close() error
}

func openStore(cfg *config.Config) (historyStore, error) {
	tlsConfig, err := cfg.EtcdTLS.Build()
	if err != nil {
		return nil, err
	}
	return execution.NewEtcdScheduler(execution.EtcdSchedulerOptions{
		Endpoints:   cfg.EtcdEndpoints,
		DialTimeout: cfg.EtcdDialTimeout(),
		Namespace:   cfg.EtcdNamespace,
		TLS:         tlsConfig,
		Requester:   version.UserAgent(),
	})
}

func newLogger(cfg *config.Config, stdout, stderr io.Writer) observability.Logger {
	console := observability.NewConsoleLogger(stdout)
	if cfg.LogFormat == config.LogFormatJSON {
		return observability.MultiLogger{console, observability.NewJSONLogger(stderr)}
	}
	return console
}

func commandCheck(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return commandCheckWithWriters(ctx, args, os.Stdout, os.Stderr)
}

func commandCheckWithWriters(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	build := fs.Int64("build", 0, "number of the execution to gate")
	platformName := fs.String("platform", "", "script dialect (posix or windows); defaults to the host")
	dryRun := fs.Bool("dry-run", false, "evaluate without stopping the execution or running the script")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *build <= 0 {
		fmt.Fprintln(stderr, "--build must be a positive execution number")
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	if *dryRun {
		cfg.DryRun = true
	}
	platform, err := resolvePlatform(*platformName)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	return evaluate(ctx, cfg, *build, platform, stdout, stderr, func(out gate.Outcome) int {
		fmt.Fprintf(stdout, "outcome: %s (%s)\n", out.Status, out.Message)
		if out.Blocked() && !out.DryRun {
			return exitCooldown
		}
		return exitOK
	})
}

func commandSimulate(args []string) int {
	return commandSimulateWithWriters(context.Background(), args, os.Stdout, os.Stderr)
}

func commandSimulateWithWriters(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	build := fs.Int64("build", 0, "number of the execution to evaluate")
	platformName := fs.String("platform", "", "script dialect (posix or windows); defaults to the host")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *build <= 0 {
		fmt.Fprintln(stderr, "--build must be a positive execution number")
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	cfg.DryRun = true
	platform, err := resolvePlatform(*platformName)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	return evaluate(ctx, cfg, *build, platform, stdout, stderr, func(out gate.Outcome) int {
		printSummary(stdout, cfg, out)
		fmt.Fprintln(stdout, "no actions performed in simulation mode")
		return exitOK
	})
}

func evaluate(ctx context.Context, cfg *config.Config, build int64, platform script.Platform, stdout, stderr io.Writer, finish func(gate.Outcome) int) int {
	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to connect to execution history: %v\n", err)
		return exitConfigError
	}
	defer store.Close()

	current, err := store.Get(ctx, cfg.Job, build)
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			fmt.Fprintf(stderr, "execution %s#%d is not recorded; run the record command first\n", cfg.Job, build)
		} else {
			fmt.Fprintf(stderr, "failed to read execution %s#%d: %v\n", cfg.Job, build, err)
		}
		return exitHistoryError
	}

	var launcher script.Launcher
	if !cfg.DryRun {
		shell := cfg.Shell.Posix
		if platform == script.PlatformWindows {
			shell = cfg.Shell.Windows
		}
		launcher, err = script.NewShellLauncher(script.ShellOptions{
			Platform: platform,
			Shell:    shell,
			Timeout:  cfg.ScriptTimeout(),
			Env:      cfg.BaseEnvironment(),
			Output:   stdout,
		})
		if err != nil {
			fmt.Fprintf(stderr, "failed to prepare script launcher: %v\n", err)
			return exitConfigError
		}
	}

	metrics := observability.NewPrometheusCollector()
	reporter := gate.NewStructuredReporter(newLogger(cfg, stdout, stderr), metrics)
	g, err := gate.New(cfg.Policy(), store, launcher,
		gate.WithReporter(reporter),
		gate.WithMaxDepth(cfg.MaxDepth),
		gate.WithDefaultCooldown(cfg.DefaultCooldown()),
		gate.WithWorkspace(cfg.Workspace),
		gate.WithDryRun(cfg.DryRun),
		gate.WithPlatform(platform),
	)
	if err != nil {
		fmt.Fprintf(stderr, "failed to construct gate: %v\n", err)
		return exitConfigError
	}

	out, err := g.Check(ctx, current)
	if path := strings.TrimSpace(cfg.Metrics.Textfile); path != "" {
		if werr := metrics.WriteTextfile(path); werr != nil {
			fmt.Fprintf(stderr, "failed to write metrics: %v\n", werr)
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "gate evaluation failed: %v\n", err)
		return exitHostError
	}
	return finish(out)
}

func printSummary(w io.Writer, cfg *config.Config, out gate.Outcome) {
	policy := cfg.Policy()
	cooldown := "default"
	if policy.CooldownSeconds != nil && *policy.CooldownSeconds > 0 {
		cooldown = fmt.Sprintf("%ds", *policy.CooldownSeconds)
	}

	fmt.Fprintf(w, "job %s cooldown summary:\n", cfg.Job)
	fmt.Fprintf(w, "  enabled: %v\n", policy.Enabled)
	fmt.Fprintf(w, "  cooldown: %s (default %ds)\n", cooldown, cfg.DefaultCooldownSec)
	fmt.Fprintf(w, "  max depth: %d\n", cfg.MaxDepth)
	fmt.Fprintf(w, "  evaluation id: %s\n", out.EvaluationID)
	fmt.Fprintf(w, "  outcome: %s\n", out.Status)
	if out.Walk.Found {
		fmt.Fprintf(w, "  nearest success: #%d (visited %d)\n", out.Walk.Record.Number, out.Walk.Visited)
	}
	if out.Decision != nil {
		fmt.Fprintf(w, "  elapsed: %ds of %ds\n", out.Decision.ElapsedSeconds, out.Decision.CooldownSeconds)
		if out.Decision.InCooldown {
			fmt.Fprintf(w, "  remaining: %ds\n", out.Decision.RemainingSeconds)
		}
	}
	if len(out.Actions) > 0 {
		fmt.Fprintln(w, "planned actions:")
		for _, rec := range out.Actions {
			fmt.Fprintf(w, "  - %s\n", rec.Action.Kind)
		}
	}
	if out.Script != "" {
		fmt.Fprintln(w, "script:")
		for _, line := range strings.Split(strings.TrimRight(out.Script, "\n"), "\n") {
			fmt.Fprintf(w, "  | %s\n", line)
		}
	}
}

func resolvePlatform(name string) (script.Platform, error) {
	if strings.TrimSpace(name) == "" {
		return script.HostPlatform(), nil
	}
	return script.ParsePlatform(name)
}

func commandRecord(args []string) int {
	return commandRecordWithWriters(context.Background(), args, os.Stdout, os.Stderr)
}

func commandRecordWithWriters(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	build := fs.Int64("build", 0, "execution number")
	resultName := fs.String("result", string(execution.ResultUnknown), "execution result (SUCCESS, FAILURE, ABORTED, UNKNOWN)")
	started := fs.String("started", "", "start time in RFC3339; defaults to now")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *build <= 0 {
		fmt.Fprintln(stderr, "--build must be a positive execution number")
		return exitUsage
	}
	result, err := execution.ParseResult(*resultName)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	startedAt := time.Now()
	if *started != "" {
		startedAt, err = time.Parse(time.RFC3339, *started)
		if err != nil {
			fmt.Fprintf(stderr, "invalid --started: %v\n", err)
			return exitUsage
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}
	store, err := openStore(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to connect to execution history: %v\n", err)
		return exitConfigError
	}
	defer store.Close()

	rec := execution.Record{Job: cfg.Job, Number: *build, StartedAt: startedAt, Result: result}
	if err := store.Append(ctx, rec); err != nil {
		fmt.Fprintf(stderr, "failed to record execution: %v\n", err)
		return exitHistoryError
	}
	fmt.Fprintf(stdout, "recorded %s started %s result %s\n", rec, startedAt.UTC().Format(time.RFC3339), result)
	return exitOK
}

func commandValidate(args []string) int {
	return commandValidateWithWriters(args, os.Stdout, os.Stderr)
}

func commandValidateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}
	for _, warning := range cfg.Warnings() {
		fmt.Fprintf(stderr, "warning: %s\n", warning)
	}

	fmt.Fprintf(stdout, "configuration at %s is valid\n", *configPath)
	return exitOK
}
