package common

import (
	"time"
)

const (
	DefaultTileSize = 256
	JobTypeTile     = "tile"
)

// ImageTile is a unit of work: a tile of an image plus enough surrounding
// pixels for every blur in Radii to be exact inside the tile.
type ImageTile struct {
	ImageID int `json:"image_id"`
	TileID  int `json:"tile_id"`

	// Tile rectangle in image coordinates.
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`

	// Padded region carried in Data, in image coordinates.
	PadX      int      `json:"pad_x"`
	PadY      int      `json:"pad_y"`
	PadWidth  int      `json:"pad_width"`
	PadHeight int      `json:"pad_height"`
	Data      []uint32 `json:"data"`

	Radii []int `json:"radii"`
}

// ProcessedImageTile holds the blurred pixels of a tile, padding removed.
type ProcessedImageTile struct {
	ImageID int      `json:"image_id"`
	TileID  int      `json:"tile_id"`
	X       int      `json:"x"`
	Y       int      `json:"y"`
	Width   int      `json:"width"`
	Height  int      `json:"height"`
	Data    []uint32 `json:"data"`
}

type ImageInfo struct {
	ID            int       `json:"id"`
	InputPath     string    `json:"input_path"`
	OutputPath    string    `json:"output_path"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	ExpectedTiles int       `json:"expected_tiles"`
	Effect        string    `json:"effect"`
	Radii         []int     `json:"radii"`
	LoadTime      time.Time `json:"load_time"`
	StartTime     time.Time `json:"start_time"`
}

type JobMessage struct {
	Type      string     `json:"type"`
	ImageTile *ImageTile `json:"image_tile,omitempty"`
}

type ResultMessage struct {
	ProcessedTile *ProcessedImageTile `json:"processed_tile"`
	WorkerID      string              `json:"worker_id"`
	ProcessTime   float64             `json:"process_time"`
}

// ClaimedJob is a stale job moved to a new consumer. Deliveries counts the
// claim itself. Job is nil when the message body could not be decoded.
type ClaimedJob struct {
	MsgID      string
	Deliveries int64
	Job        *JobMessage
}

// ClaimedResult is the results-stream counterpart of ClaimedJob.
type ClaimedResult struct {
	MsgID      string
	Deliveries int64
	Result     *ResultMessage
}
