package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go-stackblur/pkg/config"
	"go-stackblur/pkg/logging"
	"go-stackblur/pkg/stats"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "stackblur:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, closer := logging.New(cfg.Logging)
	defer closer.Close() //nolint:errcheck
	slog.SetDefault(logger)

	plan, err := cfg.Plan()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting stack blur", "mode", cfg.Mode, "effect", cfg.Blur.Effect,
		"radii", plan, "logging", cfg.Logging.String())

	var result *stats.PerformanceData
	switch cfg.Mode {
	case config.ModeLocal, config.ModeParallel:
		result, err = runLocal(ctx, cfg, plan, logger)
	default:
		result, err = runDistributed(ctx, cfg, plan, logger)
	}
	if errors.Is(err, context.Canceled) {
		logger.Info("interrupted")
		return nil
	}
	if err != nil {
		return err
	}

	if result != nil {
		path, err := stats.WritePerformanceResults(cfg.Paths.Stats, []stats.PerformanceData{*result})
		if err != nil {
			return err
		}
		logger.Info("results written", "path", path)
	}
	return nil
}

// cliFlags mirrors the config keys that can be overridden on the command
// line.
type cliFlags struct {
	config   string
	mode     string
	input    string
	output   string
	effect   string
	redis    string
	radius   int
	steps    int
	workers  int
	tileSize int
	maxDim   int
}

// loadConfig layers defaults, the config file, SB_* env and finally any
// flags given explicitly.
func loadConfig(args []string) (*config.Config, error) {
	var f cliFlags
	fs := flag.NewFlagSet("stackblur", flag.ContinueOnError)
	fs.StringVar(&f.config, "config", "", "Path to YAML config file")
	fs.StringVar(&f.mode, "mode", "", "Mode: local, parallel, coordinator, worker, assembler or all")
	fs.StringVar(&f.input, "input", "", "Input directory")
	fs.StringVar(&f.output, "output", "", "Output directory")
	fs.StringVar(&f.effect, "effect", "", "Effect: custom, light, medium, heavy or progressive")
	fs.StringVar(&f.redis, "redis", "", "Redis address")
	fs.IntVar(&f.radius, "radius", 0, "Blur radius for the custom effect (1-254)")
	fs.IntVar(&f.steps, "steps", 0, "Number of progressive steps")
	fs.IntVar(&f.workers, "workers", 0, "Number of worker goroutines (0 = number of CPUs)")
	fs.IntVar(&f.tileSize, "tile", 0, "Tile size in pixels")
	fs.IntVar(&f.maxDim, "max-dim", 0, "Downscale images whose longer side exceeds this (0 = never)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Read(f.config)
	if err != nil {
		return nil, err
	}

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "mode":
			cfg.Mode = f.mode
		case "input":
			cfg.Paths.Input = f.input
		case "output":
			cfg.Paths.Output = f.output
		case "effect":
			cfg.Blur.Effect = f.effect
		case "redis":
			cfg.Redis.Addr = f.redis
		case "radius":
			cfg.Blur.Radius = f.radius
		case "steps":
			cfg.Blur.Steps = f.steps
		case "workers":
			cfg.Blur.Workers = f.workers
		case "tile":
			cfg.Blur.TileSize = f.tileSize
		case "max-dim":
			cfg.Blur.MaxDimension = f.maxDim
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func workerCount(cfg *config.Config) int {
	if cfg.Blur.Workers > 0 {
		return cfg.Blur.Workers
	}
	return runtime.NumCPU()
}
