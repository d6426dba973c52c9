package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"go-stackblur/pkg/assembler"
	"go-stackblur/pkg/config"
	"go-stackblur/pkg/coordinator"
	"go-stackblur/pkg/effects"
	"go-stackblur/pkg/processor"
	"go-stackblur/pkg/queue"
	"go-stackblur/pkg/stats"
)

// runDistributed runs the Redis-backed components selected by cfg.Mode.
// Only the all mode produces a performance report.
func runDistributed(ctx context.Context, cfg *config.Config, plan []int, log *slog.Logger) (*stats.PerformanceData, error) {
	client, err := queue.NewRedisClient(ctx, queue.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer client.Close()

	if err := client.EnsureGroups(ctx); err != nil {
		return nil, err
	}

	id := serviceID(cfg.Worker.ID)
	log.Info("starting blur service", "mode", cfg.Mode, "service_id", id,
		"redis", cfg.Redis.Addr, "workers", workerCount(cfg))

	switch cfg.Mode {
	case config.ModeCoordinator:
		return nil, runCoordinator(ctx, client, cfg, plan, log)

	case config.ModeWorker:
		newWorkerPool(client, cfg, id, log).Start(ctx)

	case config.ModeAssembler:
		assembler.NewAssembler(client, assembler.Options{
			AssemblerID: id,
			StaleAfter:  cfg.Worker.StaleAfter,
			Logger:      log,
		}).Start(ctx)

	case config.ModeAll:
		return runAll(ctx, client, cfg, plan, id, log)

	default:
		return nil, fmt.Errorf("invalid mode: %s", cfg.Mode)
	}

	log.Info("service shutdown complete")
	return nil, nil
}

func serviceID(configured string) string {
	if configured != "" {
		return configured
	}
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, time.Now().Unix())
}

func newCoordinator(client *queue.RedisClient, cfg *config.Config, plan []int, log *slog.Logger) (*coordinator.Coordinator, error) {
	return coordinator.NewCoordinator(client, coordinator.Options{
		Effect:       effects.Effect(cfg.Blur.Effect),
		Radii:        plan,
		TileSize:     cfg.Blur.TileSize,
		MaxDimension: cfg.Blur.MaxDimension,
		Logger:       log,
	})
}

func newWorkerPool(client *queue.RedisClient, cfg *config.Config, id string, log *slog.Logger) *processor.WorkerPool {
	return processor.NewWorkerPool(client, processor.WorkerPoolOptions{
		Workers:    workerCount(cfg),
		WorkerID:   id,
		StaleAfter: cfg.Worker.StaleAfter,
		Logger:     log,
	})
}

func runCoordinator(ctx context.Context, client *queue.RedisClient, cfg *config.Config, plan []int, log *slog.Logger) error {
	inputs, err := findInputs(cfg.Paths.Input)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Paths.Output, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	coord, err := newCoordinator(client, cfg, plan, log)
	if err != nil {
		return err
	}

	startTime := time.Now()
	ids, err := coord.ProcessImages(ctx, inputs, cfg.Paths.Output)
	if err != nil {
		return err
	}
	log.Info("all images queued", "count", len(ids), "duration", time.Since(startTime))
	return nil
}

// runAll runs coordinator, workers and assembler in one process and returns
// once every image it queued has been written.
func runAll(ctx context.Context, client *queue.RedisClient, cfg *config.Config, plan []int, id string, log *slog.Logger) (*stats.PerformanceData, error) {
	inputs, err := findInputs(cfg.Paths.Input)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Paths.Output, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	coord, err := newCoordinator(client, cfg, plan, log)
	if err != nil {
		return nil, err
	}

	tracker := newCompletionTracker()
	pool := newWorkerPool(client, cfg, id, log)
	asm := assembler.NewAssembler(client, assembler.Options{
		AssemblerID: id,
		StaleAfter:  cfg.Worker.StaleAfter,
		OnComplete:  tracker.record,
		Logger:      log,
	})

	runCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Start(runCtx)
	}()
	go func() {
		defer wg.Done()
		asm.Start(runCtx)
	}()
	defer func() {
		log.Info("shutting down all components")
		stop()
		wg.Wait()
	}()

	startTime := time.Now()
	ids, err := coord.ProcessImages(ctx, inputs, cfg.Paths.Output)
	if err != nil {
		return nil, err
	}
	log.Info("all images queued", "count", len(ids), "duration", time.Since(startTime))

	done, err := tracker.wait(ctx, ids)
	if err != nil {
		return nil, err
	}

	totalTime := time.Since(startTime).Seconds()
	outputs := make([]string, len(done))
	for i, c := range done {
		outputs[i] = c.OutputPath
	}
	workers, tileSize := workerCount(cfg), cfg.Blur.TileSize
	return &stats.PerformanceData{
		Mode:            cfg.Mode,
		Effect:          cfg.Blur.Effect,
		Radii:           plan,
		ImagesProcessed: len(done),
		TotalTime:       totalTime,
		AverageTime:     totalTime / float64(len(done)),
		InputPaths:      inputs,
		OutputPaths:     outputs,
		Timestamp:       startTime,
		Workers:         &workers,
		TileSize:        &tileSize,
	}, nil
}

// completionTracker collects assembler completions so a caller can wait
// for a known set of images.
type completionTracker struct {
	mu     sync.Mutex
	done   map[int]assembler.Completion
	notify chan struct{}
}

func newCompletionTracker() *completionTracker {
	return &completionTracker{
		done:   make(map[int]assembler.Completion),
		notify: make(chan struct{}, 1),
	}
}

func (t *completionTracker) record(c assembler.Completion) {
	t.mu.Lock()
	t.done[c.ImageID] = c
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// wait blocks until every id has completed and returns their completions in
// the order of ids.
func (t *completionTracker) wait(ctx context.Context, ids []int) ([]assembler.Completion, error) {
	for {
		if done, ok := t.collect(ids); ok {
			return done, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.notify:
		}
	}
}

func (t *completionTracker) collect(ids []int) ([]assembler.Completion, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if slices.ContainsFunc(ids, func(id int) bool {
		_, ok := t.done[id]
		return !ok
	}) {
		return nil, false
	}
	done := make([]assembler.Completion, len(ids))
	for i, id := range ids {
		done[i] = t.done[id]
	}
	return done, true
}

var (
	_ coordinator.JobQueue  = (*queue.RedisClient)(nil)
	_ processor.JobQueue    = (*queue.RedisClient)(nil)
	_ assembler.ResultQueue = (*queue.RedisClient)(nil)
)
