package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
	"github.com/knpwrs/hlsarchiver/internal/model"
)

// BatchFailure describes one failed asset of a batch.
type BatchFailure struct {
	AssetID  int64  `json:"assetId"`
	Error    string `json:"error"`
	LastStep string `json:"lastStep"`
}

// BatchSummary aggregates the results of ProcessBatch.
// Succeeded + Failed + Skipped always equals Total.
type BatchSummary struct {
	Total               int                 `json:"total"`
	Succeeded           int                 `json:"succeeded"`
	Failed              int                 `json:"failed"`
	Skipped             int                 `json:"skipped"`
	Duration            time.Duration       `json:"duration"`
	ThroughputPerSecond float64             `json:"throughputPerSecond"`
	Failures            []BatchFailure      `json:"failures,omitempty"`
	Results             []*ProcessingResult `json:"-"`
}

// ProcessBatch processes assetIDs with a pool of maxConcurrent workers.
//
// Each asset is processed independently; an error or panic in one is
// recorded as a failure of that asset and the batch continues.
//
// Parameters:
//   - ctx: Context for cancellation
//   - assetIDs: The assets to process
//   - maxConcurrent: Worker pool size; values below 1 use the configured default
//   - opts: Options applied to every asset of the batch
//
// See: https://context7.com/golang/go for Go concurrency documentation
func (o *Orchestrator) ProcessBatch(ctx context.Context, assetIDs []int64, maxConcurrent int, opts Options) BatchSummary {
	start := time.Now()
	if maxConcurrent < 1 {
		maxConcurrent = max(o.cfg.Processing.MaxConcurrent, 1)
	}

	results := make([]*ProcessingResult, len(assetIDs))

	// Create worker pool
	type task struct {
		index int
		id    int64
	}
	taskChan := make(chan task, len(assetIDs))
	var wg sync.WaitGroup

	for i := 0; i < min(maxConcurrent, len(assetIDs)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range taskChan {
				results[t.index] = o.processSafely(ctx, t.id, opts)
			}
		}()
	}

	// Send tasks to workers
	for i, id := range assetIDs {
		taskChan <- task{index: i, id: id}
	}
	close(taskChan)

	wg.Wait()

	summary := BatchSummary{Total: len(assetIDs), Results: results}
	for _, r := range results {
		switch r.Status {
		case model.StatusCompleted:
			summary.Succeeded++
		case model.StatusSkipped:
			summary.Skipped++
		default:
			summary.Failed++
			msg := "unknown error"
			if r.Err != nil {
				msg = r.Err.Error()
			}
			summary.Failures = append(summary.Failures, BatchFailure{AssetID: r.AssetID, Error: msg, LastStep: r.LastStep})
		}
	}
	summary.Duration = time.Since(start)
	if secs := summary.Duration.Seconds(); secs > 0 {
		summary.ThroughputPerSecond = float64(summary.Total) / secs
	}

	o.log.Infof("Batch finished: %d total, %d succeeded, %d failed, %d skipped in %s",
		summary.Total, summary.Succeeded, summary.Failed, summary.Skipped, summary.Duration.Round(time.Millisecond))
	return summary
}

// processSafely runs ProcessAsset and turns a panic into a failed result.
func (o *Orchestrator) processSafely(ctx context.Context, id int64, opts Options) (result *ProcessingResult) {
	defer func() {
		if p := recover(); p != nil {
			o.failed.Add(1)
			o.errors.Add(1)
			o.log.Errorf("Asset %d panicked: %v", id, p)
			result = &ProcessingResult{
				AssetID: id,
				Status:  model.StatusFailed,
				Err:     apperr.Processing("process asset", fmt.Errorf("panic: %v", p)),
			}
		}
	}()

	result, _ = o.ProcessAssetWith(ctx, id, opts)
	return result
}
