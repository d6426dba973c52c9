package assembler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"go-stackblur/pkg/common"
	"go-stackblur/pkg/coordinator"
	"go-stackblur/pkg/effects"
	"go-stackblur/pkg/imageio"
	"go-stackblur/pkg/processor"
	"go-stackblur/pkg/queue"
	"go-stackblur/pkg/stackblur"
	"go-stackblur/pkg/tile"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeQueue struct {
	mu        sync.Mutex
	infos     map[int]*common.ImageInfo
	completed []int
}

func (q *fakeQueue) ReadResult(ctx context.Context, _ string, block time.Duration) (string, *common.ResultMessage, error) {
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-time.After(block):
		return "", nil, nil
	}
}

func (q *fakeQueue) AckResult(context.Context, string) error { return nil }

func (q *fakeQueue) GetImageInfo(_ context.Context, id int) (*common.ImageInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	info, ok := q.infos[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return info, nil
}

func (q *fakeQueue) MarkImageCompleted(_ context.Context, id int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return nil
}

func (q *fakeQueue) ClaimStaleResults(context.Context, string, time.Duration, int) ([]common.ClaimedResult, error) {
	return nil, nil
}

func (q *fakeQueue) DeadLetterResult(context.Context, string, string) error { return nil }

func randomPixels(seed int64, n int) []uint32 {
	rng := rand.New(rand.NewSource(seed))
	pixels := make([]uint32, n)
	for i := range pixels {
		pixels[i] = rng.Uint32() | 0xff000000
	}
	return pixels
}

func TestProcessTileAssemblesImage(t *testing.T) {
	const width, height = 30, 20
	src := randomPixels(1, width*height)
	plan := []int{2}

	jobs, err := tile.Split(7, src, width, height, 16, plan)
	if err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "out.png")
	q := &fakeQueue{infos: map[int]*common.ImageInfo{
		7: {ID: 7, OutputPath: out, Width: width, Height: height, ExpectedTiles: len(jobs), StartTime: time.Now()},
	}}

	var completions []Completion
	a := NewAssembler(q, Options{
		AssemblerID: "t",
		Logger:      quietLogger(),
		OnComplete:  func(c Completion) { completions = append(completions, c) },
	})

	ctx := context.Background()
	for i, job := range jobs {
		done, err := tile.Process(job)
		if err != nil {
			t.Fatal(err)
		}
		if err := a.ProcessTile(ctx, done); err != nil {
			t.Fatal(err)
		}
		// Re-delivered tiles are ignored.
		if err := a.ProcessTile(ctx, done); err != nil {
			t.Fatal(err)
		}
		if i < len(jobs)-1 && len(completions) != 0 {
			t.Fatalf("completed after %d of %d tiles", i+1, len(jobs))
		}
	}

	if len(completions) != 1 || completions[0].ImageID != 7 || completions[0].Tiles != len(jobs) {
		t.Fatalf("completions = %+v", completions)
	}
	if !slices.Equal(q.completed, []int{7}) {
		t.Errorf("marked completed = %v", q.completed)
	}

	img, err := imageio.Load(out, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, _, _ := stackblur.FromImage(img)
	want, _ := stackblur.Blur(src, width, height, 2)
	if !slices.Equal(got, want) {
		t.Error("assembled image differs from whole-image blur")
	}
}

func TestProcessTileErrors(t *testing.T) {
	q := &fakeQueue{infos: map[int]*common.ImageInfo{
		1: {ID: 1, Width: 4, Height: 4, ExpectedTiles: 1},
		2: {ID: 2, Width: 0, Height: 4, ExpectedTiles: 1},
	}}
	a := NewAssembler(q, Options{Logger: quietLogger()})
	ctx := context.Background()

	if err := a.ProcessTile(ctx, &common.ProcessedImageTile{ImageID: 9}); err == nil {
		t.Error("unknown image: expected error")
	}
	if err := a.ProcessTile(ctx, &common.ProcessedImageTile{ImageID: 2}); err == nil {
		t.Error("invalid info: expected error")
	}
	bad := &common.ProcessedImageTile{ImageID: 1, X: 2, Width: 4, Height: 4, Data: make([]uint32, 16)}
	if err := a.ProcessTile(ctx, bad); err == nil {
		t.Error("out of bounds tile: expected error")
	}
}

func TestProcessTileRetriesFailedSave(t *testing.T) {
	const width, height = 6, 5
	src := randomPixels(3, width*height)
	jobs, err := tile.Split(1, src, width, height, 16, []int{1})
	if err != nil {
		t.Fatal(err)
	}
	done, err := tile.Process(jobs[0])
	if err != nil {
		t.Fatal(err)
	}

	outDir := filepath.Join(t.TempDir(), "later")
	out := filepath.Join(outDir, "img.png")
	q := &fakeQueue{infos: map[int]*common.ImageInfo{
		1: {ID: 1, OutputPath: out, Width: width, Height: height, ExpectedTiles: 1},
	}}
	var completions []Completion
	a := NewAssembler(q, Options{
		Logger:     quietLogger(),
		OnComplete: func(c Completion) { completions = append(completions, c) },
	})

	ctx := context.Background()
	if err := a.ProcessTile(ctx, done); err == nil {
		t.Fatal("expected save into a missing directory to fail")
	}
	if len(completions) != 0 {
		t.Fatal("completed despite failed save")
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := a.ProcessTile(ctx, done); err != nil {
		t.Fatalf("redelivered tile: %v", err)
	}
	if len(completions) != 1 {
		t.Fatalf("completions = %d, want 1", len(completions))
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("output not written: %v", err)
	}
}

// TestAssemblerReclaimsStaleResults leaves a result pending on a consumer
// that never acks it and checks that the retry monitor finishes the image.
func TestAssemblerReclaimsStaleResults(t *testing.T) {
	const width, height = 9, 7
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mr := miniredis.RunT(t)
	client, err := queue.NewRedisClient(ctx, queue.Options{Addr: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if err := client.EnsureGroups(ctx); err != nil {
		t.Fatal(err)
	}

	src := randomPixels(4, width*height)
	jobs, err := tile.Split(2, src, width, height, 16, []int{2})
	if err != nil {
		t.Fatal(err)
	}
	done, err := tile.Process(jobs[0])
	if err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "img.png")
	info := &common.ImageInfo{ID: 2, OutputPath: out, Width: width, Height: height, ExpectedTiles: 1}
	if err := client.StoreImageInfo(ctx, info); err != nil {
		t.Fatal(err)
	}
	if _, err := client.AddResult(ctx, &common.ResultMessage{ProcessedTile: done}); err != nil {
		t.Fatal(err)
	}
	if _, res, err := client.ReadResult(ctx, "crashed", 10*time.Millisecond); err != nil || res == nil {
		t.Fatalf("ReadResult = %v, %v", res, err)
	}

	completed := make(chan Completion, 1)
	a := NewAssembler(client, Options{
		AssemblerID:   "test",
		Block:         20 * time.Millisecond,
		RetryInterval: 20 * time.Millisecond,
		StaleAfter:    time.Millisecond,
		Logger:        quietLogger(),
		OnComplete:    func(c Completion) { completed <- c },
	})
	runCtx, stop := context.WithCancel(ctx)
	finished := make(chan struct{})
	go func() {
		a.Start(runCtx)
		close(finished)
	}()
	defer func() {
		stop()
		<-finished
	}()

	select {
	case c := <-completed:
		if c.ImageID != 2 {
			t.Errorf("completed image %d", c.ImageID)
		}
	case <-ctx.Done():
		t.Fatal("stale result was not reclaimed")
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("output not written: %v", err)
	}
}

func TestAssemblerStopsOnCancel(t *testing.T) {
	a := NewAssembler(&fakeQueue{}, Options{Block: 5 * time.Millisecond, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("assembler did not stop")
	}
}

// TestDistributedPipeline runs coordinator, workers and assembler against
// an in-process Redis and checks the saved image against a local blur.
func TestDistributedPipeline(t *testing.T) {
	const width, height = 45, 37
	dir := t.TempDir()
	in := filepath.Join(dir, "input.png")

	src := randomPixels(2, width*height)
	srcImg, err := stackblur.ToImage(src, width, height)
	if err != nil {
		t.Fatal(err)
	}
	if err := imageio.Save(in, srcImg); err != nil {
		t.Fatal(err)
	}

	mr := miniredis.RunT(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	client, err := queue.NewRedisClient(ctx, queue.Options{Addr: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if err := client.EnsureGroups(ctx); err != nil {
		t.Fatal(err)
	}

	plan := effects.ProgressivePlan(2)
	coord, err := coordinator.NewCoordinator(client, coordinator.Options{
		Effect:   effects.Progressive,
		Radii:    plan,
		TileSize: 16,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	completed := make(chan Completion, 1)
	asm := NewAssembler(client, Options{
		AssemblerID: "test",
		Block:       20 * time.Millisecond,
		Logger:      quietLogger(),
		OnComplete:  func(c Completion) { completed <- c },
	})
	pool := processor.NewWorkerPool(client, processor.WorkerPoolOptions{
		Workers:  3,
		WorkerID: "test",
		Block:    20 * time.Millisecond,
		Logger:   quietLogger(),
	})

	runCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); pool.Start(runCtx) }()
	go func() { defer wg.Done(); asm.Start(runCtx) }()
	defer func() {
		stop()
		wg.Wait()
	}()

	ids, err := coord.ProcessImages(ctx, []string{in}, dir)
	if err != nil {
		t.Fatal(err)
	}

	var done Completion
	select {
	case done = <-completed:
	case <-ctx.Done():
		t.Fatal("image was not assembled in time")
	}

	if done.OutputPath != filepath.Join(dir, "input_blurred.png") {
		t.Errorf("output path = %q", done.OutputPath)
	}
	if done.ImageID != ids[0] {
		t.Errorf("completed image %d, want %d", done.ImageID, ids[0])
	}
	if ok, err := client.IsImageCompleted(ctx, ids[0]); err != nil || !ok {
		t.Errorf("IsImageCompleted = %v, %v", ok, err)
	}

	img, err := imageio.Load(done.OutputPath, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, _, _ := stackblur.FromImage(img)
	want, err := effects.ApplyPlan(src, width, height, plan)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, want) {
		t.Error("distributed result differs from local blur")
	}
}
