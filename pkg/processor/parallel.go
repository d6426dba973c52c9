package processor

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go-stackblur/pkg/common"
	"go-stackblur/pkg/effects"
	"go-stackblur/pkg/tile"
)

// ParallelOptions configures BlurParallel.
type ParallelOptions struct {
	Workers  int // defaults to runtime.NumCPU()
	TileSize int // defaults to common.DefaultTileSize
}

// BlurParallel applies plan to pixels by splitting the image into padded
// tiles and blurring them on a pool of goroutines. The result is identical
// to effects.ApplyPlan on the whole buffer.
//
// Cancelling ctx stops the pool between tiles; BlurParallel then returns
// ctx.Err().
func BlurParallel(ctx context.Context, pixels []uint32, width, height int, plan []int, opts ParallelOptions) ([]uint32, error) {
	if err := effects.ValidatePlan(plan); err != nil {
		return nil, err
	}
	if len(plan) == 0 {
		return effects.ApplyPlan(pixels, width, height, plan)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	tileSize := opts.TileSize
	if tileSize <= 0 {
		tileSize = common.DefaultTileSize
	}

	tiles, err := tile.Split(0, pixels, width, height, tileSize, plan)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tileQueue := make(chan *common.ImageTile, workers)
	results := make(chan *common.ProcessedImageTile, workers)
	errc := make(chan error, 1)

	go func() {
		defer close(tileQueue)
		for _, t := range tiles {
			select {
			case tileQueue <- t:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tileQueue {
				done, err := tile.Process(t)
				if err != nil {
					select {
					case errc <- err:
					default:
					}
					cancel()
					return
				}
				select {
				case results <- done:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]uint32, len(pixels))
	received := 0
	for done := range results {
		if err := tile.PasteProcessed(out, width, height, done); err != nil {
			cancel()
			return nil, err
		}
		received++
	}

	select {
	case err := <-errc:
		return nil, err
	default:
	}
	if err := ctx.Err(); err != nil && received < len(tiles) {
		return nil, err
	}
	if received != len(tiles) {
		return nil, fmt.Errorf("received %d of %d tiles", received, len(tiles))
	}
	return out, nil
}
