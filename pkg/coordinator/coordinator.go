package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go-stackblur/pkg/common"
	"go-stackblur/pkg/effects"
	"go-stackblur/pkg/imageio"
	"go-stackblur/pkg/stackblur"
	"go-stackblur/pkg/tile"
)

// JobQueue is the part of the queue client the coordinator writes to.
type JobQueue interface {
	StoreImageInfo(ctx context.Context, info *common.ImageInfo) error
	AddJob(ctx context.Context, job *common.JobMessage) (string, error)
	NextImageID(ctx context.Context) (int, error)
}

type Options struct {
	Effect   effects.Effect
	Radii    []int
	TileSize int
	// MaxDimension caps the longer side of each loaded image; 0 keeps the
	// original size.
	MaxDimension int
	Logger       *slog.Logger
}

type Coordinator struct {
	queue JobQueue
	opts  Options
	log   *slog.Logger
}

func NewCoordinator(queue JobQueue, opts Options) (*Coordinator, error) {
	if err := effects.ValidatePlan(opts.Radii); err != nil {
		return nil, err
	}
	if len(opts.Radii) == 0 {
		return nil, fmt.Errorf("coordinator: empty radius plan for effect %q", opts.Effect)
	}
	if opts.TileSize <= 0 {
		opts.TileSize = common.DefaultTileSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Coordinator{
		queue: queue,
		opts:  opts,
		log:   log.With("component", "coordinator"),
	}, nil
}

// ProcessImage loads one image, records its metadata and queues one job
// per tile.
func (c *Coordinator) ProcessImage(ctx context.Context, imageID int, inputPath, outputPath string) error {
	startTime := time.Now()
	c.log.Info("processing image", "image_id", imageID, "path", inputPath)

	img, err := imageio.Load(inputPath, c.opts.MaxDimension)
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}
	loadTime := time.Now()

	pixels, width, height := stackblur.FromImage(img)
	tiles, err := tile.Split(imageID, pixels, width, height, c.opts.TileSize, c.opts.Radii)
	if err != nil {
		return fmt.Errorf("failed to partition image: %w", err)
	}

	info := &common.ImageInfo{
		ID:            imageID,
		InputPath:     inputPath,
		OutputPath:    outputPath,
		Width:         width,
		Height:        height,
		ExpectedTiles: len(tiles),
		Effect:        string(c.opts.Effect),
		Radii:         c.opts.Radii,
		LoadTime:      loadTime,
		StartTime:     startTime,
	}
	if err := c.queue.StoreImageInfo(ctx, info); err != nil {
		return fmt.Errorf("failed to store image info: %w", err)
	}

	c.log.Info("queuing tiles", "image_id", imageID, "width", width, "height", height,
		"tiles", len(tiles), "padding", effects.Padding(c.opts.Radii))

	for _, t := range tiles {
		job := &common.JobMessage{Type: common.JobTypeTile, ImageTile: t}
		if _, err := c.queue.AddJob(ctx, job); err != nil {
			return fmt.Errorf("failed to queue tile %d: %w", t.TileID, err)
		}
	}

	c.log.Info("image queued", "image_id", imageID, "duration", time.Since(startTime))
	return nil
}

// ProcessImages queues every image concurrently and returns the ids it
// assigned, in the order of inputPaths. Ids are reserved from the queue
// before any image is loaded. Output paths are derived with
// imageio.OutputPath.
func (c *Coordinator) ProcessImages(ctx context.Context, inputPaths []string, outputDir string) ([]int, error) {
	ids := make([]int, len(inputPaths))
	for i := range inputPaths {
		id, err := c.queue.NextImageID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to reserve image id: %w", err)
		}
		ids[i] = id
	}

	var wg sync.WaitGroup
	errs := make([]error, len(inputPaths))

	for i, inputPath := range inputPaths {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			if err := c.ProcessImage(ctx, ids[i], path, imageio.OutputPath(outputDir, path)); err != nil {
				errs[i] = fmt.Errorf("image %d (%s): %w", ids[i], path, err)
			}
		}(i, inputPath)
	}
	wg.Wait()

	return ids, errors.Join(errs...)
}
