package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go-stackblur/pkg/common"
	"go-stackblur/pkg/tile"
)

// JobQueue is the part of the queue client a WorkerPool uses.
type JobQueue interface {
	ReadJob(ctx context.Context, consumer string, block time.Duration) (string, *common.JobMessage, error)
	AckJob(ctx context.Context, id string) error
	AddResult(ctx context.Context, res *common.ResultMessage) (string, error)
	ClaimStaleJobs(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]common.ClaimedJob, error)
	DeadLetterJob(ctx context.Context, id, reason string) error
}

// DefaultMaxDeliveries bounds how often a failing message is retried.
const DefaultMaxDeliveries = 5

type WorkerPoolOptions struct {
	Workers  int
	WorkerID string

	// Block bounds each blocking read so workers notice cancellation.
	Block time.Duration
	// Stale jobs pending longer than StaleAfter are reclaimed every
	// RetryInterval.
	RetryInterval time.Duration
	StaleAfter    time.Duration
	// A reclaimed job delivered more than MaxDeliveries times is moved to
	// the dead-letter stream.
	MaxDeliveries int64

	Logger *slog.Logger
}

type WorkerPool struct {
	queue          JobQueue
	opts           WorkerPoolOptions
	log            *slog.Logger
	tilesProcessed atomic.Int64
	tilesFailed    atomic.Int64
}

func NewWorkerPool(queue JobQueue, opts WorkerPoolOptions) *WorkerPool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 30 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Second
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = DefaultMaxDeliveries
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &WorkerPool{
		queue: queue,
		opts:  opts,
		log:   log.With("component", "worker_pool", "worker_id", opts.WorkerID),
	}
}

// Start runs the workers and the retry monitor until ctx is cancelled.
func (wp *WorkerPool) Start(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < wp.opts.Workers; i++ {
		wg.Add(1)
		go wp.worker(ctx, i, &wg)
	}

	wg.Add(1)
	go wp.retryMonitor(ctx, &wg)

	wp.log.Info("worker pool started", "workers", wp.opts.Workers)
	wg.Wait()
	wp.log.Info("worker pool stopped",
		"tiles_processed", wp.tilesProcessed.Load(),
		"tiles_failed", wp.tilesFailed.Load())
}

// TilesProcessed returns the number of tiles blurred and acked so far.
func (wp *WorkerPool) TilesProcessed() int64 {
	return wp.tilesProcessed.Load()
}

// TilesFailed returns the number of failed tile attempts, including jobs
// dead-lettered by the retry monitor.
func (wp *WorkerPool) TilesFailed() int64 {
	return wp.tilesFailed.Load()
}

func (wp *WorkerPool) worker(ctx context.Context, id int, wg *sync.WaitGroup) {
	defer wg.Done()

	consumer := fmt.Sprintf("%s-worker-%d", wp.opts.WorkerID, id)
	log := wp.log.With("consumer", consumer)
	log.Debug("worker started")

	for {
		if ctx.Err() != nil {
			log.Debug("worker shutting down")
			return
		}

		msgID, job, err := wp.queue.ReadJob(ctx, consumer, wp.opts.Block)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("read job failed", "error", err)
				sleepCtx(ctx, time.Second)
			}
			continue
		}
		if job == nil {
			continue
		}

		wp.handle(ctx, log, msgID, job)
	}
}

// handle blurs one job. A job that fails is left unacked so the retry
// monitor can reclaim it later; malformed jobs are acked and dropped.
func (wp *WorkerPool) handle(ctx context.Context, log *slog.Logger, msgID string, job *common.JobMessage) {
	if job.Type != common.JobTypeTile || job.ImageTile == nil {
		log.Warn("dropping invalid job", "msg_id", msgID, "type", job.Type)
		if err := wp.queue.AckJob(ctx, msgID); err != nil {
			log.Warn("ack invalid job failed", "msg_id", msgID, "error", err)
		}
		return
	}

	if err := wp.processTile(ctx, job.ImageTile); err != nil {
		wp.tilesFailed.Add(1)
		log.Error("tile failed", "msg_id", msgID,
			"image_id", job.ImageTile.ImageID, "tile_id", job.ImageTile.TileID, "error", err)
		return
	}

	if err := wp.queue.AckJob(ctx, msgID); err != nil {
		log.Warn("ack job failed", "msg_id", msgID, "error", err)
		return
	}
	if count := wp.tilesProcessed.Add(1); count%100 == 0 {
		wp.log.Info("tiles processed", "total", count)
	}
}

func (wp *WorkerPool) processTile(ctx context.Context, t *common.ImageTile) error {
	startTime := time.Now()

	processed, err := tile.Process(t)
	if err != nil {
		return err
	}

	result := &common.ResultMessage{
		ProcessedTile: processed,
		WorkerID:      wp.opts.WorkerID,
		ProcessTime:   time.Since(startTime).Seconds(),
	}
	if _, err := wp.queue.AddResult(ctx, result); err != nil {
		return fmt.Errorf("failed to add result: %w", err)
	}
	return nil
}

func (wp *WorkerPool) retryMonitor(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(wp.opts.RetryInterval)
	defer ticker.Stop()

	consumer := fmt.Sprintf("%s-retry-monitor", wp.opts.WorkerID)
	log := wp.log.With("consumer", consumer)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wp.retryStale(ctx, log, consumer)
		}
	}
}

// retryStale claims jobs idle for longer than StaleAfter and processes
// each one by id on the monitor's own consumer. A job that still fails
// stays pending until it exceeds MaxDeliveries and is dead-lettered.
func (wp *WorkerPool) retryStale(ctx context.Context, log *slog.Logger, consumer string) {
	claimed, err := wp.queue.ClaimStaleJobs(ctx, consumer, wp.opts.StaleAfter, 50)
	if err != nil {
		log.Warn("claim stale jobs failed", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}
	log.Info("claimed stale jobs", "count", len(claimed))

	for _, c := range claimed {
		if ctx.Err() != nil {
			return
		}
		if c.Deliveries > wp.opts.MaxDeliveries {
			wp.tilesFailed.Add(1)
			log.Error("dead-lettering job", "msg_id", c.MsgID, "deliveries", c.Deliveries)
			if err := wp.queue.DeadLetterJob(ctx, c.MsgID, fmt.Sprintf("failed after %d deliveries", c.Deliveries)); err != nil {
				log.Warn("dead-letter job failed", "msg_id", c.MsgID, "error", err)
			}
			continue
		}
		job := c.Job
		if job == nil {
			job = &common.JobMessage{}
		}
		wp.handle(ctx, log, c.MsgID, job)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
