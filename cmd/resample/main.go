package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/resample/internal/config"
	"github.com/banshee-data/resample/internal/fsutil"
	"github.com/banshee-data/resample/internal/monitoring"
	"github.com/banshee-data/resample/internal/timeutil"
	"github.com/banshee-data/resample/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := newApp().run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// app holds the process-wide collaborators so tests can swap them.
type app struct {
	stdout   io.Writer
	stderr   io.Writer
	fs       fsutil.FileSystem
	progress progressFactory
	useZap   func(verbose bool)
	clock    timeutil.Clock
}

func newApp() *app {
	return &app{
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		fs:       fsutil.OSFileSystem{},
		progress: ptermProgress,
		useZap:   monitoring.UseZap,
		clock:    timeutil.RealClock{},
	}
}

func (a *app) run(ctx context.Context, args []string) int {
	if len(args) < 1 {
		a.printUsage()
		return 1
	}

	command, rest := args[0], args[1:]
	var err error
	switch command {
	case "evaluate":
		err = a.handleEvaluate(ctx, rest)
	case "weights":
		err = a.handleWeights(ctx, rest)
	case "summary":
		err = a.handleSummary(ctx, rest)
	case "materialize":
		err = a.handleMaterialize(ctx, rest)
	case "pipeline":
		err = a.handlePipeline(ctx, rest)
	case "runs":
		err = a.handleRuns(ctx, rest)
	case "migrate":
		err = a.handleMigrate(ctx, rest)
	case "version":
		fmt.Fprintln(a.stdout, version.Get())
	case "help", "-h", "--help":
		a.printUsage()
	default:
		fmt.Fprintf(a.stderr, "Unknown command: %s\n\n", command)
		a.printUsage()
		return 1
	}

	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(a.stderr, "%s failed: %v\n", command, err)
		return 1
	}
	return 0
}

func (a *app) printUsage() {
	fmt.Fprintln(a.stdout, `resample - difficulty-weighted resampling for object-detection datasets

Usage: resample <command> [options]

Commands:
  evaluate     Derive per-image statistics from labels and saved predictions
  weights      Score every image and write its resampling weight
  summary      Aggregate a stats table into the error summary and overview
  materialize  Build a weighted copy of a dataset from a weights table
  pipeline     Run weights, summary and materialize in one pass
  runs         List, show or delete recorded runs (requires -db)
  migrate      Apply or inspect run database migrations (requires -db)
  version      Show resample version
  help         Show this help message

Common Flags:
  -config <file>   JSON configuration (default: built-in defaults)
  -db <file>       sqlite database to record runs in (default: none)
  -v               Verbose development logging

Run "resample <command> -h" for the options of a command.

Examples:
  resample evaluate -dataset dataset -predictions runs/predict/labels -out state.csv
  resample weights -in state.csv -out weights.csv -with-difficulty
  resample summary -in state.csv -out error_summary.csv -overview error_overview.txt
  resample materialize -weights weights.csv -source dataset -out dataset_weighted
  resample pipeline -in state.csv -source dataset -workdir out -db runs.db
  resample runs -db runs.db list`)
}

// commonFlags are registered on every subcommand.
type commonFlags struct {
	configPath string
	dbPath     string
	verbose    bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "JSON configuration file")
	fs.StringVar(&c.dbPath, "db", "", "sqlite database to record runs in")
	fs.BoolVar(&c.verbose, "v", false, "verbose logging")
}

// setup configures logging and loads the configuration named by -config.
func (a *app) setup(c *commonFlags) (*config.ResampleConfig, error) {
	a.useZap(c.verbose)
	if c.configPath == "" {
		return config.EmptyConfig(), nil
	}
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("[config] loaded %s", c.configPath)
	return cfg, nil
}

func (a *app) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}
