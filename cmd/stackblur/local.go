package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go-stackblur/pkg/config"
	"go-stackblur/pkg/effects"
	"go-stackblur/pkg/imageio"
	"go-stackblur/pkg/processor"
	"go-stackblur/pkg/stackblur"
	"go-stackblur/pkg/stats"
)

// runLocal blurs every image in the input directory inside this process,
// one image at a time. In parallel mode each image is split across a
// goroutine pool.
func runLocal(ctx context.Context, cfg *config.Config, plan []int, log *slog.Logger) (*stats.PerformanceData, error) {
	inputs, err := findInputs(cfg.Paths.Input)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Paths.Output, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	log.Info("blurring images", "count", len(inputs), "input", cfg.Paths.Input, "output", cfg.Paths.Output)

	startTime := time.Now()
	var blurTime time.Duration
	outputs := make([]string, 0, len(inputs))

	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := imageio.OutputPath(cfg.Paths.Output, in)
		d, err := blurFile(ctx, cfg, plan, in, out)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", in, err)
		}
		log.Info("image blurred", "input", in, "output", out, "blur_time", d)
		blurTime += d
		outputs = append(outputs, out)
	}

	totalTime := time.Since(startTime).Seconds()
	totalBlur := blurTime.Seconds()
	result := &stats.PerformanceData{
		Mode:            cfg.Mode,
		Effect:          cfg.Blur.Effect,
		Radii:           plan,
		ImagesProcessed: len(inputs),
		TotalTime:       totalTime,
		AverageTime:     totalTime / float64(len(inputs)),
		InputPaths:      inputs,
		OutputPaths:     outputs,
		Timestamp:       startTime,
		TotalBlurTime:   &totalBlur,
	}
	if cfg.Mode == config.ModeParallel {
		workers, tileSize := workerCount(cfg), cfg.Blur.TileSize
		result.Workers = &workers
		result.TileSize = &tileSize
	}

	log.Info("all images blurred", "count", len(inputs), "total_time", totalTime, "blur_time", totalBlur)
	return result, nil
}

// blurFile loads, blurs and saves one image, returning the time spent in
// the blur itself.
func blurFile(ctx context.Context, cfg *config.Config, plan []int, inputPath, outputPath string) (time.Duration, error) {
	img, err := imageio.Load(inputPath, cfg.Blur.MaxDimension)
	if err != nil {
		return 0, err
	}
	pixels, width, height := stackblur.FromImage(img)

	start := time.Now()
	var blurred []uint32
	if cfg.Mode == config.ModeParallel {
		blurred, err = processor.BlurParallel(ctx, pixels, width, height, plan, processor.ParallelOptions{
			Workers:  workerCount(cfg),
			TileSize: cfg.Blur.TileSize,
		})
	} else {
		blurred, err = effects.ApplyPlan(pixels, width, height, plan)
	}
	if err != nil {
		return 0, err
	}
	d := time.Since(start)

	out, err := stackblur.ToImage(blurred, width, height)
	if err != nil {
		return 0, err
	}
	return d, imageio.Save(outputPath, out)
}

func findInputs(dir string) ([]string, error) {
	inputs, err := imageio.FindImages(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list input directory: %w", err)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}
	return inputs, nil
}
