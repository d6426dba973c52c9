package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go-stackblur/pkg/common"
	"go-stackblur/pkg/imageio"
	"go-stackblur/pkg/stackblur"
	"go-stackblur/pkg/tile"
)

// ResultQueue is the part of the queue client the assembler reads from.
type ResultQueue interface {
	ReadResult(ctx context.Context, consumer string, block time.Duration) (string, *common.ResultMessage, error)
	AckResult(ctx context.Context, id string) error
	GetImageInfo(ctx context.Context, imageID int) (*common.ImageInfo, error)
	MarkImageCompleted(ctx context.Context, imageID int) error
	ClaimStaleResults(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]common.ClaimedResult, error)
	DeadLetterResult(ctx context.Context, id, reason string) error
}

// DefaultMaxDeliveries bounds how often a result that cannot be assembled
// is retried.
const DefaultMaxDeliveries = 5

// Completion describes an image that has been fully assembled and saved.
type Completion struct {
	ImageID    int
	OutputPath string
	Tiles      int
	Duration   time.Duration
}

type Options struct {
	AssemblerID    string
	Block          time.Duration
	StatusInterval time.Duration
	// Results pending longer than StaleAfter are reclaimed every
	// RetryInterval. One delivered more than MaxDeliveries times is
	// dead-lettered.
	RetryInterval time.Duration
	StaleAfter    time.Duration
	MaxDeliveries int64
	// OnComplete, if set, is called after each image is written.
	OnComplete func(Completion)
	Logger     *slog.Logger
}

type Assembler struct {
	queue    ResultQueue
	opts     Options
	log      *slog.Logger
	imageMap map[int]*ImageAssembly
	mutex    sync.RWMutex
}

type ImageAssembly struct {
	info           *common.ImageInfo
	pixels         []uint32
	tilesReceived  int
	processedTiles map[int]bool
	completed      bool
	mutex          sync.Mutex
}

func NewAssembler(queue ResultQueue, opts Options) *Assembler {
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 10 * time.Second
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

	return &Assembler{
		queue:    queue,
		opts:     opts,
		log:      log.With("component", "assembler", "assembler_id", opts.AssemblerID),
		imageMap: make(map[int]*ImageAssembly),
	}
}

// Start consumes results until ctx is cancelled.
func (a *Assembler) Start(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go a.resultProcessor(ctx, &wg)

	wg.Add(1)
	go a.statusMonitor(ctx, &wg)

	wg.Add(1)
	go a.retryMonitor(ctx, &wg)

	a.log.Info("assembler started")
	wg.Wait()
	a.log.Info("assembler stopped")
}

func (a *Assembler) resultProcessor(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	consumer := fmt.Sprintf("assembler-%s", a.opts.AssemblerID)

	for ctx.Err() == nil {
		msgID, result, err := a.queue.ReadResult(ctx, consumer, a.opts.Block)
		if err != nil {
			if ctx.Err() == nil {
				a.log.Warn("read result failed", "error", err)
			}
			continue
		}
		if result == nil {
			continue
		}
		a.handle(ctx, a.log, msgID, result)
	}
}

// handle assembles one result and acks it. A result that fails stays
// pending for the retry monitor.
func (a *Assembler) handle(ctx context.Context, log *slog.Logger, msgID string, result *common.ResultMessage) {
	if result.ProcessedTile == nil {
		log.Warn("dropping result without tile", "msg_id", msgID)
		if err := a.queue.AckResult(ctx, msgID); err != nil {
			log.Warn("ack result failed", "msg_id", msgID, "error", err)
		}
		return
	}

	if err := a.ProcessTile(ctx, result.ProcessedTile); err != nil {
		log.Error("failed to process tile", "msg_id", msgID,
			"image_id", result.ProcessedTile.ImageID, "tile_id", result.ProcessedTile.TileID, "error", err)
		return
	}
	if err := a.queue.AckResult(ctx, msgID); err != nil {
		log.Warn("ack result failed", "msg_id", msgID, "error", err)
	}
}

func (a *Assembler) retryMonitor(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(a.opts.RetryInterval)
	defer ticker.Stop()

	consumer := fmt.Sprintf("assembler-%s-retry", a.opts.AssemblerID)
	log := a.log.With("consumer", consumer)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.retryStale(ctx, log, consumer)
		}
	}
}

// retryStale reclaims results that no assembler acked, typically because
// saving their image failed, and handles each one again.
func (a *Assembler) retryStale(ctx context.Context, log *slog.Logger, consumer string) {
	claimed, err := a.queue.ClaimStaleResults(ctx, consumer, a.opts.StaleAfter, 50)
	if err != nil {
		log.Warn("claim stale results failed", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}
	log.Info("claimed stale results", "count", len(claimed))

	for _, c := range claimed {
		if ctx.Err() != nil {
			return
		}
		if c.Deliveries > a.opts.MaxDeliveries {
			log.Error("dead-lettering result", "msg_id", c.MsgID, "deliveries", c.Deliveries)
			if err := a.queue.DeadLetterResult(ctx, c.MsgID, fmt.Sprintf("failed after %d deliveries", c.Deliveries)); err != nil {
				log.Warn("dead-letter result failed", "msg_id", c.MsgID, "error", err)
			}
			continue
		}
		result := c.Result
		if result == nil {
			result = &common.ResultMessage{}
		}
		a.handle(ctx, log, c.MsgID, result)
	}
}

// ProcessTile pastes one processed tile into its image. Duplicate tiles
// are not pasted twice. Once every tile has arrived the image is written
// to its output path and marked completed; if writing fails, the next
// delivery of any of its tiles tries again.
func (a *Assembler) ProcessTile(ctx context.Context, t *common.ProcessedImageTile) error {
	assembly, err := a.getOrCreateAssembly(ctx, t.ImageID)
	if err != nil {
		return fmt.Errorf("failed to get assembly: %w", err)
	}

	assembly.mutex.Lock()
	defer assembly.mutex.Unlock()

	if assembly.completed {
		return nil
	}
	if assembly.processedTiles[t.TileID] {
		a.log.Debug("duplicate tile", "image_id", t.ImageID, "tile_id", t.TileID)
		if assembly.tilesReceived < assembly.info.ExpectedTiles {
			return nil
		}
	} else {
		if err := tile.PasteProcessed(assembly.pixels, assembly.info.Width, assembly.info.Height, t); err != nil {
			return err
		}
		assembly.processedTiles[t.TileID] = true
		assembly.tilesReceived++
	}

	if assembly.tilesReceived < assembly.info.ExpectedTiles {
		if assembly.tilesReceived%10 == 0 {
			a.log.Info("image progress", "image_id", t.ImageID,
				"tiles", assembly.tilesReceived, "expected", assembly.info.ExpectedTiles)
		}
		return nil
	}

	// Every tile is in. A previous save may have failed, in which case any
	// redelivered tile retries it.
	if err := a.saveImage(assembly); err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}
	assembly.completed = true
	assembly.pixels = nil

	if err := a.queue.MarkImageCompleted(ctx, t.ImageID); err != nil {
		a.log.Warn("failed to mark image completed", "image_id", t.ImageID, "error", err)
	}

	done := Completion{
		ImageID:    t.ImageID,
		OutputPath: assembly.info.OutputPath,
		Tiles:      assembly.tilesReceived,
		Duration:   time.Since(assembly.info.StartTime),
	}
	a.log.Info("image assembled", "image_id", done.ImageID, "tiles", done.Tiles,
		"duration", done.Duration, "output", done.OutputPath)
	if a.opts.OnComplete != nil {
		a.opts.OnComplete(done)
	}
	return nil
}

func (a *Assembler) getOrCreateAssembly(ctx context.Context, imageID int) (*ImageAssembly, error) {
	a.mutex.RLock()
	if assembly, exists := a.imageMap[imageID]; exists {
		a.mutex.RUnlock()
		return assembly, nil
	}
	a.mutex.RUnlock()

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if assembly, exists := a.imageMap[imageID]; exists {
		return assembly, nil
	}

	info, err := a.queue.GetImageInfo(ctx, imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get image info: %w", err)
	}
	if info.Width <= 0 || info.Height <= 0 || info.ExpectedTiles <= 0 {
		return nil, fmt.Errorf("image %d: invalid info %dx%d with %d tiles", imageID, info.Width, info.Height, info.ExpectedTiles)
	}

	assembly := &ImageAssembly{
		info:           info,
		pixels:         make([]uint32, info.Width*info.Height),
		processedTiles: make(map[int]bool),
	}
	a.imageMap[imageID] = assembly

	a.log.Debug("created assembly", "image_id", imageID,
		"width", info.Width, "height", info.Height, "expected", info.ExpectedTiles)
	return assembly, nil
}

func (a *Assembler) saveImage(assembly *ImageAssembly) error {
	img, err := stackblur.ToImage(assembly.pixels, assembly.info.Width, assembly.info.Height)
	if err != nil {
		return err
	}
	return imageio.Save(assembly.info.OutputPath, img)
}

func (a *Assembler) statusMonitor(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(a.opts.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.logStatus()
		}
	}
}

func (a *Assembler) logStatus() {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	active := len(a.imageMap)
	incomplete := 0
	for _, assembly := range a.imageMap {
		assembly.mutex.Lock()
		if !assembly.completed {
			incomplete++
			a.log.Info("image progress", "image_id", assembly.info.ID,
				"tiles", assembly.tilesReceived, "expected", assembly.info.ExpectedTiles)
		}
		assembly.mutex.Unlock()
	}

	if active > 0 {
		a.log.Info("assembler status", "active", active, "incomplete", incomplete)
	}
}
