// Command tuner runs coefficient searches and reports from the command line,
// without the web server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"platecal/internal/backend"
	"platecal/internal/config"
	"platecal/internal/rollup"
	"platecal/internal/tuning"
)

func main() {
	mode := flag.String("mode", "sweep", "sweep | precise | refine | estimate | stage-split")
	deviceID := flag.String("device", "", "device ID")
	inputCSV := flag.String("input", "", "raw capture CSV path (sweep/precise/refine)")
	budget := flag.Int("budget", 50, "new-evaluation budget")
	originX := flag.Float64("x", 0, "origin/start x coefficient")
	originY := flag.Float64("y", 0, "origin/start y coefficient")
	originZ := flag.Float64("z", 0, "origin/start z coefficient")
	plateType := flag.String("plate-type", "", "plate type (stage-split)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, runOptions{
		mode:      *mode,
		deviceID:  *deviceID,
		inputCSV:  *inputCSV,
		budget:    *budget,
		coeffs:    tuning.Coeffs{X: *originX, Y: *originY, Z: *originZ},
		plateType: *plateType,
	}); err != nil {
		logger.Error("tuner failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type runOptions struct {
	mode      string
	deviceID  string
	inputCSV  string
	budget    int
	coeffs    tuning.Coeffs
	plateType string
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, opts runOptions) error {
	proc := backend.NewHTTPProcessor(cfg.Backend, logger)

	switch opts.mode {
	case "sweep", "precise", "refine":
		if opts.deviceID == "" || opts.inputCSV == "" {
			return fmt.Errorf("-device and -input are required for %s", opts.mode)
		}
		session, err := tuning.OpenSession(ctx, tuning.SessionOptions{
			Logger:     logger,
			Config:     cfg.Calibration,
			Processor:  proc,
			DeviceID:   opts.deviceID,
			InputCSV:   opts.inputCSV,
			TestFolder: filepath.Dir(opts.inputCSV),
			Budget:     opts.budget,
			Progress:   printProgress(logger),
		})
		if err != nil {
			return err
		}

		var rec *tuning.BestRecord
		switch opts.mode {
		case "sweep":
			rec, err = tuning.NewPairSweep(session).Run(ctx, tuning.PairSweepOptions{})
		case "precise":
			origin := opts.coeffs
			rec, err = tuning.NewPairSweep(session).Run(ctx, tuning.PairSweepOptions{PreciseOrigin: &origin})
		case "refine":
			var start *tuning.Coeffs
			if opts.coeffs != (tuning.Coeffs{}) {
				c := opts.coeffs
				start = &c
			}
			rec, err = tuning.NewLocalRefine(session).Run(ctx, start)
		}
		if err != nil {
			return err
		}
		return printJSON(rec)

	case "estimate":
		if opts.inputCSV == "" {
			return fmt.Errorf("-input (correction-off processed CSV) is required for estimate")
		}
		suggestion, err := tuning.SuggestOrigin(opts.inputCSV, cfg.Calibration)
		if err != nil {
			return err
		}
		return printJSON(suggestion)

	case "stage-split":
		if opts.plateType == "" {
			return fmt.Errorf("-plate-type is required for stage-split")
		}
		repo := backend.NewFileRepository(cfg.Paths.TestLibraryDir)
		svc := rollup.NewService(logger, cfg, repo, proc)
		report, err := svc.ExportStageSplitReport(ctx, opts.plateType, "")
		if err != nil {
			return err
		}
		if _, err := svc.ExportStageSplitXLSX(opts.plateType, report); err != nil {
			logger.Warn("xlsx export failed", slog.String("error", err.Error()))
		}
		return printJSON(report)

	default:
		return fmt.Errorf("unknown mode %q", opts.mode)
	}
}

func printProgress(logger *slog.Logger) func(tuning.Progress) {
	return func(p tuning.Progress) {
		if p.Run != nil {
			logger.Info("run complete",
				slog.Int("run_index", p.Run.RunIndex),
				slog.Any("coeffs", p.Run.Coeffs))
		}
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
