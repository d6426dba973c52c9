package queue

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"go-stackblur/pkg/common"
)

func newTestClient(t *testing.T, prefix string) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), Options{Addr: mr.Addr(), Prefix: prefix})
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if err := client.EnsureGroups(context.Background()); err != nil {
		t.Fatalf("EnsureGroups: %v", err)
	}
	return client, mr
}

func TestNewRedisClientPingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewRedisClient(ctx, Options{Addr: addr}); err == nil {
		t.Fatal("expected ping error")
	}
}

func TestEnsureGroupsIdempotent(t *testing.T) {
	client, _ := newTestClient(t, "")
	if err := client.EnsureGroups(context.Background()); err != nil {
		t.Fatalf("second EnsureGroups: %v", err)
	}
}

func TestJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t, "test")

	job := &common.JobMessage{
		Type: common.JobTypeTile,
		ImageTile: &common.ImageTile{
			ImageID:   3,
			TileID:    7,
			Width:     2,
			Height:    1,
			PadWidth:  2,
			PadHeight: 1,
			Data:      []uint32{0xff102030, 0x80405060},
			Radii:     []int{5, 10},
		},
	}
	if _, err := client.AddJob(ctx, job); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if !mr.Exists("test:jobs") {
		t.Fatal("jobs stream not created under prefix")
	}

	id, got, err := client.ReadJob(ctx, "w1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadJob: %v", err)
	}
	if got == nil || got.ImageTile == nil {
		t.Fatal("no job read")
	}
	if got.ImageTile.TileID != 7 || !slices.Equal(got.ImageTile.Data, job.ImageTile.Data) || !slices.Equal(got.ImageTile.Radii, job.ImageTile.Radii) {
		t.Errorf("job = %+v", got.ImageTile)
	}

	if err := client.AckJob(ctx, id); err != nil {
		t.Fatalf("AckJob: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if claimed, err := client.ClaimStaleJobs(ctx, "w2", time.Millisecond, 10); err != nil || len(claimed) != 0 {
		t.Errorf("after ack: claimed = %v, err = %v", claimed, err)
	}
}

func TestClaimStaleJobs(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, "")

	first, _ := client.AddJob(ctx, &common.JobMessage{Type: common.JobTypeTile, ImageTile: &common.ImageTile{TileID: 1}})
	second, _ := client.AddJob(ctx, &common.JobMessage{Type: common.JobTypeTile, ImageTile: &common.ImageTile{TileID: 2}})
	for i := 0; i < 2; i++ {
		if _, job, err := client.ReadJob(ctx, "crashed", 10*time.Millisecond); err != nil || job == nil {
			t.Fatalf("ReadJob = %v, %v", job, err)
		}
	}

	if claimed, err := client.ClaimStaleJobs(ctx, "w1", time.Hour, 10); err != nil || len(claimed) != 0 {
		t.Fatalf("fresh jobs claimed: %v, %v", claimed, err)
	}

	time.Sleep(5 * time.Millisecond)
	claimed, err := client.ClaimStaleJobs(ctx, "w1", time.Millisecond, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 2 || claimed[0].MsgID != first || claimed[1].MsgID != second {
		t.Fatalf("claimed = %+v", claimed)
	}
	for i, c := range claimed {
		if c.Job == nil || c.Job.ImageTile.TileID != i+1 || c.Deliveries != 2 {
			t.Errorf("claimed[%d] = %+v", i, c)
		}
	}

	time.Sleep(5 * time.Millisecond)
	again, err := client.ClaimStaleJobs(ctx, "w2", time.Millisecond, 10)
	if err != nil || len(again) != 2 || again[0].Deliveries != 3 {
		t.Errorf("second claim = %+v, %v", again, err)
	}
}

func TestDeadLetterResult(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, "")

	if _, err := client.AddResult(ctx, &common.ResultMessage{WorkerID: "w"}); err != nil {
		t.Fatal(err)
	}
	id, res, err := client.ReadResult(ctx, "a1", 10*time.Millisecond)
	if err != nil || res == nil {
		t.Fatalf("ReadResult = %v, %v", res, err)
	}

	time.Sleep(5 * time.Millisecond)
	claimed, err := client.ClaimStaleResults(ctx, "a2", time.Millisecond, 10)
	if err != nil || len(claimed) != 1 || claimed[0].Result == nil || claimed[0].Result.WorkerID != "w" {
		t.Fatalf("claimed = %+v, %v", claimed, err)
	}

	if err := client.DeadLetterResult(ctx, id, "save failed"); err != nil {
		t.Fatal(err)
	}
	if n, err := client.DeadLetters(ctx); err != nil || n != 1 {
		t.Errorf("DeadLetters = %d, %v", n, err)
	}
	time.Sleep(5 * time.Millisecond)
	if claimed, err := client.ClaimStaleResults(ctx, "a2", time.Millisecond, 10); err != nil || len(claimed) != 0 {
		t.Errorf("dead-lettered result still pending: %v, %v", claimed, err)
	}
}

func TestReadJobTimeout(t *testing.T) {
	client, _ := newTestClient(t, "")

	id, job, err := client.ReadJob(context.Background(), "w1", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadJob: %v", err)
	}
	if id != "" || job != nil {
		t.Errorf("got %q %v, want nothing", id, job)
	}
}

func TestResultRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, "")

	res := &common.ResultMessage{
		WorkerID:    "w9",
		ProcessTime: 0.25,
		ProcessedTile: &common.ProcessedImageTile{
			ImageID: 1,
			TileID:  2,
			X:       256,
			Width:   1,
			Height:  1,
			Data:    []uint32{42},
		},
	}
	if _, err := client.AddResult(ctx, res); err != nil {
		t.Fatalf("AddResult: %v", err)
	}

	id, got, err := client.ReadResult(ctx, "a1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadResult: %v", err)
	}
	if got == nil || got.WorkerID != "w9" || got.ProcessedTile.X != 256 || got.ProcessedTile.Data[0] != 42 {
		t.Fatalf("result = %+v", got)
	}
	if err := client.AckResult(ctx, id); err != nil {
		t.Fatalf("AckResult: %v", err)
	}
}

func TestImageInfoAndStatus(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t, "")

	info := &common.ImageInfo{
		ID:            4,
		InputPath:     "in/a.png",
		OutputPath:    "out/a_blurred.png",
		Width:         640,
		Height:        480,
		ExpectedTiles: 6,
		Effect:        "progressive",
		Radii:         []int{5, 10, 15},
	}
	if err := client.StoreImageInfo(ctx, info); err != nil {
		t.Fatalf("StoreImageInfo: %v", err)
	}
	if ttl := mr.TTL("sb:image:4:info"); ttl != imageInfoTTL {
		t.Errorf("ttl = %v, want %v", ttl, imageInfoTTL)
	}

	got, err := client.GetImageInfo(ctx, 4)
	if err != nil {
		t.Fatalf("GetImageInfo: %v", err)
	}
	if got.OutputPath != info.OutputPath || got.ExpectedTiles != 6 || !slices.Equal(got.Radii, info.Radii) {
		t.Errorf("info = %+v", got)
	}

	if _, err := client.GetImageInfo(ctx, 5); err == nil {
		t.Error("expected error for missing image info")
	}

	done, err := client.IsImageCompleted(ctx, 4)
	if err != nil || done {
		t.Fatalf("before mark: done = %v, err = %v", done, err)
	}
	if err := client.MarkImageCompleted(ctx, 4); err != nil {
		t.Fatal(err)
	}
	if done, err := client.IsImageCompleted(ctx, 4); err != nil || !done {
		t.Errorf("after mark: done = %v, err = %v", done, err)
	}
}

func TestNextImageID(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t, "")
	other, err := NewRedisClient(ctx, Options{Addr: mr.Addr(), Prefix: "other"})
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	for want := 0; want < 3; want++ {
		got, err := client.NextImageID(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("NextImageID = %d, want %d", got, want)
		}
	}
	if got, _ := other.NextImageID(ctx); got != 0 {
		t.Errorf("separate prefix: NextImageID = %d, want 0", got)
	}
}
