package stats

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// PerformanceData holds timing and metadata for one processing run.
type PerformanceData struct {
	Mode            string
	Effect          string
	Radii           []int
	ImagesProcessed int
	TotalTime       float64
	AverageTime     float64
	InputPaths      []string
	OutputPaths     []string
	Timestamp       time.Time

	// Mode-specific data
	TotalBlurTime *float64
	Workers       *int
	TileSize      *int
}

// WritePerformanceResults writes results to dir/stackblur_<timestamp>.txt
// and returns the file path.
func WritePerformanceResults(dir string, results []PerformanceData) (string, error) {
	return WritePerformanceResultsWithPrefix(dir, "stackblur_", results)
}

// WritePerformanceResultsWithPrefix writes results file with custom prefix
func WritePerformanceResultsWithPrefix(dir, prefix string, results []PerformanceData) (string, error) {
	if len(results) == 0 {
		return "", nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create results directory: %w", err)
	}

	timestamp := results[0].Timestamp.Format("2006-01-02_15-04-05")
	path := filepath.Join(dir, prefix+timestamp+".txt")

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create results file: %w", err)
	}

	if err := Format(file, results); err != nil {
		file.Close()
		return "", err
	}
	return path, file.Close()
}

// Format renders results as the plain-text report.
func Format(w io.Writer, results []PerformanceData) error {
	if len(results) == 0 {
		return nil
	}

	ew := &errWriter{w: w}
	ew.printf("=== Stack Blur Results ===\n")
	ew.printf("Timestamp: %s\n\n", results[0].Timestamp.Format("2006-01-02 15:04:05"))

	for _, result := range results {
		ew.printf("=== %s Results ===\n", result.Mode)
		ew.printf("Effect: %s\n", result.Effect)
		ew.printf("Radii: %v\n", result.Radii)
		ew.printf("Images processed: %d\n", result.ImagesProcessed)

		if result.TotalBlurTime != nil {
			ew.printf("Total blur time: %.2fs\n", *result.TotalBlurTime)
		}

		ew.printf("Total execution time: %.2fs\n", result.TotalTime)
		ew.printf("Average time per image: %.2fs\n", result.AverageTime)

		if result.Workers != nil {
			ew.printf("Workers: %d\n", *result.Workers)
		}
		if result.TileSize != nil {
			ew.printf("Tile size: %d\n", *result.TileSize)
		}

		ew.printf("\nInput files:\n")
		for i, path := range result.InputPaths {
			ew.printf("  %d. %s\n", i+1, path)
		}

		ew.printf("\nOutput files:\n")
		for i, path := range result.OutputPaths {
			ew.printf("  %d. %s\n", i+1, path)
		}

		ew.printf("\n")
	}
	return ew.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
