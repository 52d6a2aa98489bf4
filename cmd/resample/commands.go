package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/banshee-data/resample/internal/config"
	"github.com/banshee-data/resample/internal/dataset"
	"github.com/banshee-data/resample/internal/db"
	"github.com/banshee-data/resample/internal/difficulty"
	"github.com/banshee-data/resample/internal/evaluate"
	"github.com/banshee-data/resample/internal/monitoring"
	"github.com/banshee-data/resample/internal/report"
	"github.com/banshee-data/resample/internal/security"
	"github.com/banshee-data/resample/internal/stats"
)

var errUsage = errors.New("invalid arguments")

func (a *app) handleEvaluate(ctx context.Context, args []string) error {
	fs := a.newFlagSet("evaluate")
	var c commonFlags
	c.register(fs)
	root := fs.String("dataset", "", "dataset root holding the images and labels subdirectories (required)")
	preds := fs.String("predictions", "", "directory of saved prediction label files (required)")
	out := fs.String("out", "state.csv", "stats table to write")
	minConf := fs.Float64("min-conf", -1, "drop predictions below this confidence (default: config min_confidence)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *root == "" || *preds == "" {
		fs.Usage()
		return fmt.Errorf("%w: -dataset and -predictions are required", errUsage)
	}

	cfg, err := a.setup(&c)
	if err != nil {
		return err
	}
	rows, err := a.evaluate(ctx, cfg, *root, *preds, *minConf)
	if err != nil {
		return err
	}
	if err := a.save(*out, func(path string) error { return stats.SaveTable(a.fs, path, rows) }); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Wrote statistics for %d images to %s\n", len(rows), *out)

	return a.record(&c, &db.Run{
		Kind:        db.KindEvaluate,
		ImageCount:  len(rows),
		ConfigJSON:  mustJSON(cfg.Resolved()),
		SummaryJSON: mustJSON(report.Summarise(rows)),
	}, nil)
}

func (a *app) evaluate(ctx context.Context, cfg *config.ResampleConfig, root, preds string, minConf float64) ([]stats.PerImageStats, error) {
	if minConf < 0 {
		minConf = cfg.GetMinConfidence()
	}
	ev := evaluate.New(a.fs, evaluate.Options{
		DatasetRoot:    root,
		ImagesSubdir:   cfg.GetImagesSubdir(),
		LabelsSubdir:   cfg.GetLabelsSubdir(),
		PredictionsDir: preds,
		MinConfidence:  minConf,
	})
	return ev.Evaluate(ctx)
}

func (a *app) handleWeights(ctx context.Context, args []string) error {
	fs := a.newFlagSet("weights")
	var c commonFlags
	c.register(fs)
	in := fs.String("in", "state.csv", "stats table to score")
	out := fs.String("out", "weights.csv", "weights table to write")
	withDifficulty := fs.Bool("with-difficulty", false, "add the difficulty score as a third column")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := a.setup(&c)
	if err != nil {
		return err
	}
	rows, err := a.loadStats(*in)
	if err != nil {
		return err
	}
	assessments, diag, err := a.assess(cfg, rows)
	if err != nil {
		return err
	}
	if err := a.save(*out, func(path string) error {
		return difficulty.SaveWeights(a.fs, path, assessments, *withDifficulty)
	}); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Wrote %d weights to %s\n", len(assessments), *out)

	return a.record(&c, &db.Run{
		Kind:        db.KindWeights,
		ImageCount:  len(assessments),
		ConfigJSON:  mustJSON(cfg.Resolved()),
		SummaryJSON: mustJSON(diag),
	}, runWeights(assessments))
}

func (a *app) handleSummary(ctx context.Context, args []string) error {
	fs := a.newFlagSet("summary")
	var c commonFlags
	c.register(fs)
	in := fs.String("in", "state.csv", "stats table to aggregate")
	out := fs.String("out", "error_summary.csv", "one-row summary table to write")
	overview := fs.String("overview", "", "also write the plain-text overview to this file")
	histogram := fs.String("histogram", "", "also write a difficulty histogram PNG to this file")
	chart := fs.String("chart", "", "also write an HTML weight chart to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := a.setup(&c)
	if err != nil {
		return err
	}
	for _, path := range []string{*histogram, *chart} {
		if path == "" {
			continue
		}
		if err := security.ValidateExportPath(path); err != nil {
			return err
		}
	}
	rows, err := a.loadStats(*in)
	if err != nil {
		return err
	}

	s := report.Summarise(rows)
	if err := a.save(*out, func(path string) error { return report.SaveSummary(a.fs, path, s) }); err != nil {
		return err
	}
	if *overview != "" {
		if err := a.save(*overview, func(path string) error { return report.SaveOverview(a.fs, path, s) }); err != nil {
			return err
		}
	}
	if err := report.WriteOverview(a.stdout, s); err != nil {
		return err
	}

	if *histogram != "" || *chart != "" {
		assessments, diag, err := a.assess(cfg, rows)
		if err != nil {
			return err
		}
		if err := a.writeCharts(cfg, assessments, diag, s, *histogram, *chart); err != nil {
			return err
		}
	}

	return a.record(&c, &db.Run{
		Kind:        db.KindSummary,
		ImageCount:  s.TotalImages,
		ConfigJSON:  mustJSON(cfg.Resolved()),
		SummaryJSON: mustJSON(s),
	}, nil)
}

func (a *app) handleMaterialize(ctx context.Context, args []string) error {
	fs := a.newFlagSet("materialize")
	var c commonFlags
	c.register(fs)
	weightsPath := fs.String("weights", "weights.csv", "weights table to apply")
	source := fs.String("source", "", "source dataset root (required)")
	out := fs.String("out", "dataset_weighted", "output dataset root, replaced on every run")
	staged := fs.Bool("staged", true, "build in a staging directory and swap it in on success")
	progress := fs.Bool("progress", true, "show a progress bar")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *source == "" {
		fs.Usage()
		return fmt.Errorf("%w: -source is required", errUsage)
	}

	cfg, err := a.setup(&c)
	if err != nil {
		return err
	}
	weights, err := difficulty.LoadWeights(a.fs, *weightsPath)
	if err != nil {
		return err
	}
	rep, err := a.materialize(ctx, cfg, weights, *source, *out, *staged, *progress)
	if err != nil {
		return err
	}

	recorded := lo.Map(weights, func(w difficulty.ResamplingWeight, _ int) db.RunWeight {
		return db.RunWeight{Filename: w.Filename, Weight: w.Weight}
	})
	return a.record(&c, &db.Run{
		Kind:        db.KindMaterialize,
		ImageCount:  len(weights),
		ConfigJSON:  mustJSON(cfg.Resolved()),
		SummaryJSON: mustJSON(rep),
	}, recorded)
}

func (a *app) materialize(ctx context.Context, cfg *config.ResampleConfig, weights []difficulty.ResamplingWeight, source, out string, staged, showProgress bool) (dataset.Report, error) {
	progress := a.progress
	if !showProgress {
		progress = noProgress
	}
	step, done := progress("Materializing", len(weights))
	defer done()

	m := dataset.New(a.fs, dataset.Options{
		SourceRoot:   source,
		OutputDir:    out,
		ImagesSubdir: cfg.GetImagesSubdir(),
		LabelsSubdir: cfg.GetLabelsSubdir(),
		Staged:       staged,
		Progress:     step,
	})
	rep, err := m.Materialize(ctx, weights)
	if err != nil {
		return rep, err
	}
	fmt.Fprintf(a.stdout, "Materialized %d rows into %s: %d images, %d labels (%d missing images, %d without labels)\n",
		rep.Rows, out, rep.Images, rep.Labels, rep.MissingImages, rep.MissingLabels)
	return rep, nil
}

// pipelineSummary is the summary recorded for a pipeline run.
type pipelineSummary struct {
	Summary     report.Summary         `json:"summary"`
	Diagnostics difficulty.Diagnostics `json:"diagnostics"`
	Materialize dataset.Report         `json:"materialize"`
}

func (a *app) handlePipeline(ctx context.Context, args []string) error {
	fs := a.newFlagSet("pipeline")
	var c commonFlags
	c.register(fs)
	in := fs.String("in", "", "stats table to start from")
	preds := fs.String("predictions", "", "evaluate these saved predictions instead of reading -in")
	source := fs.String("source", "", "source dataset root (required)")
	workdir := fs.String("workdir", ".", "directory receiving every output")
	withDifficulty := fs.Bool("with-difficulty", false, "add the difficulty score to weights.csv")
	staged := fs.Bool("staged", true, "build the weighted dataset in a staging directory")
	progress := fs.Bool("progress", true, "show a progress bar")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *source == "" || (*in == "") == (*preds == "") {
		fs.Usage()
		return fmt.Errorf("%w: -source and exactly one of -in or -predictions are required", errUsage)
	}

	cfg, err := a.setup(&c)
	if err != nil {
		return err
	}
	started := a.clock.Now()
	out := func(name string) string { return filepath.Join(*workdir, name) }

	// Every output stays inside the workdir, wherever that is.
	if err := a.fs.MkdirAll(*workdir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", *workdir, err)
	}
	for _, name := range []string{"difficulty.png", "weights.html"} {
		if err := security.ValidatePathWithinDirectory(out(name), *workdir); err != nil {
			return err
		}
	}

	var rows []stats.PerImageStats
	if *preds != "" {
		if rows, err = a.evaluate(ctx, cfg, *source, *preds, -1); err != nil {
			return err
		}
		if err := a.save(out("state.csv"), func(path string) error { return stats.SaveTable(a.fs, path, rows) }); err != nil {
			return err
		}
	} else if rows, err = a.loadStats(*in); err != nil {
		return err
	}

	assessments, diag, err := a.assess(cfg, rows)
	if err != nil {
		return err
	}
	if err := a.save(out("weights.csv"), func(path string) error {
		return difficulty.SaveWeights(a.fs, path, assessments, *withDifficulty)
	}); err != nil {
		return err
	}

	s := report.Summarise(rows)
	if err := a.save(out("error_summary.csv"), func(path string) error { return report.SaveSummary(a.fs, path, s) }); err != nil {
		return err
	}
	if err := a.save(out("error_overview.txt"), func(path string) error { return report.SaveOverview(a.fs, path, s) }); err != nil {
		return err
	}
	if len(assessments) > 0 {
		if err := a.writeCharts(cfg, assessments, diag, s, out("difficulty.png"), out("weights.html")); err != nil {
			return err
		}
	}

	weights := lo.Map(assessments, func(as difficulty.Assessment, _ int) difficulty.ResamplingWeight {
		return difficulty.ResamplingWeight{Filename: as.Filename, Weight: as.Weight}
	})
	rep, err := a.materialize(ctx, cfg, weights, *source, out("dataset_weighted"), *staged, *progress)
	if err != nil {
		return err
	}
	monitoring.Logf("[pipeline] %d images processed in %s", len(rows), a.clock.Since(started).Round(time.Millisecond))

	return a.record(&c, &db.Run{
		Kind:        db.KindPipeline,
		ImageCount:  len(rows),
		ConfigJSON:  mustJSON(cfg.Resolved()),
		SummaryJSON: mustJSON(pipelineSummary{Summary: s, Diagnostics: diag, Materialize: rep}),
	}, runWeights(assessments))
}

func (a *app) handleRuns(ctx context.Context, args []string) error {
	fs := a.newFlagSet("runs")
	var c commonFlags
	c.register(fs)
	limit := fs.Int("limit", 20, "number of runs to list (0 for all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if c.dbPath == "" || fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("%w: usage: resample runs -db <file> list|show <id>|delete <id>", errUsage)
	}
	action := fs.Arg(0)
	if action != "list" && fs.NArg() < 2 {
		return fmt.Errorf("%w: %s needs a run ID", errUsage, action)
	}
	a.useZap(c.verbose)

	store, err := db.NewDB(c.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	switch action {
	case "list":
		runs, err := store.ListRuns(*limit)
		if err != nil {
			return err
		}
		return a.printRuns(runs)
	case "show":
		return a.showRun(store, fs.Arg(1))
	case "delete":
		if err := store.DeleteRun(fs.Arg(1)); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Deleted run %s\n", fs.Arg(1))
		return nil
	default:
		return fmt.Errorf("%w: unknown runs action %q", errUsage, action)
	}
}

func (a *app) printRuns(runs []*db.Run) error {
	if len(runs) == 0 {
		fmt.Fprintln(a.stdout, "No runs recorded")
		return nil
	}
	data := pterm.TableData{{"RUN ID", "KIND", "CREATED", "IMAGES"}}
	for _, r := range runs {
		data = append(data, []string{
			r.RunID,
			r.Kind,
			time.Unix(0, r.CreatedAt).UTC().Format(time.RFC3339),
			strconv.Itoa(r.ImageCount),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).WithWriter(a.stdout).Render()
}

func (a *app) showRun(store *db.DB, runID string) error {
	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	weights, err := store.RunWeights(runID)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "%s\n", out)
	if len(weights) == 0 {
		return nil
	}
	fmt.Fprintln(a.stdout)
	assessments := lo.Map(weights, func(w db.RunWeight, _ int) difficulty.Assessment {
		return difficulty.Assessment{Filename: w.Filename, Difficulty: w.Difficulty, Weight: w.Weight}
	})
	return difficulty.WriteWeights(a.stdout, assessments, run.Kind != db.KindMaterialize)
}

func (a *app) handleMigrate(ctx context.Context, args []string) error {
	fs := a.newFlagSet("migrate")
	var c commonFlags
	c.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if c.dbPath == "" || fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("%w: usage: resample migrate -db <file> up|down|status|version <n>", errUsage)
	}
	a.useZap(c.verbose)

	// Open without migrating so the schema is managed by the action alone.
	store, err := db.OpenDB(c.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	migrations := db.MigrationsFS()

	switch action := fs.Arg(0); action {
	case "up":
		if err := store.MigrateUp(migrations); err != nil {
			return fmt.Errorf("migration up: %w", err)
		}
	case "down":
		if err := store.MigrateDown(migrations); err != nil {
			return fmt.Errorf("migration down: %w", err)
		}
	case "version":
		if fs.NArg() < 2 {
			return fmt.Errorf("%w: version needs a version number", errUsage)
		}
		target, err := strconv.ParseUint(fs.Arg(1), 10, 32)
		if err != nil {
			return fmt.Errorf("%w: invalid version number %q", errUsage, fs.Arg(1))
		}
		if err := store.MigrateTo(migrations, uint(target)); err != nil {
			return fmt.Errorf("migrate to %d: %w", target, err)
		}
	case "status":
	default:
		return fmt.Errorf("%w: unknown migrate action %q", errUsage, action)
	}

	version, dirty, err := store.MigrateVersion(migrations)
	if err != nil {
		return err
	}
	latest, err := db.LatestMigrationVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Current version: %d (latest %d, dirty: %v)\n", version, latest, dirty)
	if dirty {
		fmt.Fprintln(a.stdout, "WARNING: a migration failed mid-execution; inspect the database before retrying")
	}
	return nil
}

// loadStats reads and resolves a stats table.
func (a *app) loadStats(path string) ([]stats.PerImageStats, error) {
	records, err := stats.LoadTable(a.fs, path)
	if err != nil {
		return nil, err
	}
	return stats.ResolveAll(records), nil
}

// assess scores rows under the configured policy and reports the band
// diagnostics, warning when the share of up-weighted images looks off.
func (a *app) assess(cfg *config.ResampleConfig, rows []stats.PerImageStats) ([]difficulty.Assessment, difficulty.Diagnostics, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, difficulty.Diagnostics{}, err
	}
	assessments := policy.AssessAll(rows)
	diag := difficulty.Diagnose(assessments, cfg.DiagnosticLimits())

	fmt.Fprintf(a.stdout, "Hard samples: %d of %d (%.1f%%), mean difficulty %.3f (stddev %.3f)\n",
		diag.HardSamples, diag.TotalImages, 100*diag.HardRatio, diag.MeanDifficulty, diag.StddevDifficulty)
	switch diag.Advice {
	case difficulty.AdviceTooMany:
		fmt.Fprintln(a.stdout, "Warning: too many hard samples, consider raising the band thresholds")
	case difficulty.AdviceTooFew:
		fmt.Fprintln(a.stdout, "Warning: too few hard samples, consider lowering the band thresholds")
	}
	return assessments, diag, nil
}

func (a *app) writeCharts(cfg *config.ResampleConfig, assessments []difficulty.Assessment, diag difficulty.Diagnostics, s report.Summary, histogram, chart string) error {
	if histogram != "" {
		if err := a.export(histogram, func(w io.Writer) error {
			return report.WriteDifficultyHistogram(w, assessments, cfg.GetBands())
		}); err != nil {
			return err
		}
	}
	if chart != "" {
		if err := a.export(chart, func(w io.Writer) error {
			return report.WriteWeightChart(w, assessments, diag, s)
		}); err != nil {
			return err
		}
	}
	return nil
}

// export writes a chart. Callers validate path before any output is written.
func (a *app) export(path string, write func(io.Writer) error) error {
	return a.save(path, func(path string) (err error) {
		f, err := a.fs.Create(path)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, f.Close()) }()
		return write(f)
	})
}

// save creates the parent directory of path and then calls write.
func (a *app) save(path string, write func(path string) error) error {
	if err := a.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := write(path); err != nil {
		return err
	}
	monitoring.Logf("[output] wrote %s", path)
	return nil
}

// record stores run in the -db database, if one was given.
func (a *app) record(c *commonFlags, run *db.Run, weights []db.RunWeight) error {
	if c.dbPath == "" {
		return nil
	}
	store, err := db.NewDB(c.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RecordRun(run, weights); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	fmt.Fprintf(a.stdout, "Recorded %s run %s\n", run.Kind, run.RunID)
	return nil
}

func runWeights(assessments []difficulty.Assessment) []db.RunWeight {
	return lo.Map(assessments, func(as difficulty.Assessment, _ int) db.RunWeight {
		return db.RunWeight{Filename: as.Filename, Difficulty: as.Difficulty, Weight: as.Weight}
	})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal %T: %v", v, err))
	}
	return data
}
