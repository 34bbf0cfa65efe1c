package downloader

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Progress is a point-in-time snapshot of one playlist download.
//
// Snapshots are published on a channel at a fixed interval. They are
// eventually consistent with the job state, not linearizable with it.
type Progress struct {
	JobID              string
	TotalFragments     int
	CompletedFragments int
	FailedFragments    int
	DownloadedBytes    int64
	Percent            float64
	SpeedMbps          float64
	ETASeconds         float64
	Elapsed            time.Duration
	Done               bool
}

// String formats the snapshot as a single progress line.
func (p Progress) String() string {
	return fmt.Sprintf("Progress: %d/%d fragments (%.1f%%) | %d failed | %s | %.2f Mbps | ETA %s",
		p.CompletedFragments, p.TotalFragments, p.Percent, p.FailedFragments,
		humanize.Bytes(uint64(p.DownloadedBytes)), p.SpeedMbps, formatDuration(time.Duration(p.ETASeconds*float64(time.Second))))
}

// ProgressTracker holds the counters shared by the fragment workers of one
// download. All counters are updated atomically.
//
// See: https://context7.com/golang/go for Go sync/atomic documentation
type ProgressTracker struct {
	jobID     string
	total     int64
	completed atomic.Int64
	failed    atomic.Int64
	resumed   atomic.Int64
	bytes     atomic.Int64
	startTime time.Time
}

// NewProgressTracker creates a tracker for total fragments.
func NewProgressTracker(jobID string, total int) *ProgressTracker {
	return &ProgressTracker{
		jobID:     jobID,
		total:     int64(total),
		startTime: time.Now(),
	}
}

// IncrementCompleted records a fragment that is on disk.
func (p *ProgressTracker) IncrementCompleted() {
	p.completed.Add(1)
}

// IncrementResumed records a fragment that was already on disk.
func (p *ProgressTracker) IncrementResumed() {
	p.resumed.Add(1)
	p.completed.Add(1)
}

// IncrementFailed records a fragment that exhausted its retries.
func (p *ProgressTracker) IncrementFailed() {
	p.failed.Add(1)
}

// AddBytes adds to the downloaded byte counter.
func (p *ProgressTracker) AddBytes(n int) {
	p.bytes.Add(int64(n))
}

// Snapshot computes percentage, speed and ETA from the current counters.
func (p *ProgressTracker) Snapshot() Progress {
	elapsed := time.Since(p.startTime)
	completed := p.completed.Load()
	bytes := p.bytes.Load()

	snap := Progress{
		JobID:              p.jobID,
		TotalFragments:     int(p.total),
		CompletedFragments: int(completed),
		FailedFragments:    int(p.failed.Load()),
		DownloadedBytes:    bytes,
		Elapsed:            elapsed,
	}
	if p.total > 0 {
		snap.Percent = float64(completed) / float64(p.total) * 100
	}
	if secs := elapsed.Seconds(); secs > 0 {
		snap.SpeedMbps = float64(bytes) * 8 / (secs * 1e6)
	}
	if completed > 0 {
		avg := elapsed.Seconds() / float64(completed)
		snap.ETASeconds = avg * float64(p.total-completed)
	}
	return snap
}

// report publishes snapshots on out every interval until done is closed,
// then publishes a final snapshot with Done set. Sends never block; a slow
// consumer simply misses intermediate snapshots.
func (p *ProgressTracker) report(interval time.Duration, out chan<- Progress, logf func(string, ...interface{}), done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snap := p.Snapshot()
			publish(out, snap)
			logf("%s", snap)
		case <-done:
			snap := p.Snapshot()
			snap.Done = true
			publish(out, snap)
			return
		}
	}
}

func publish(out chan<- Progress, snap Progress) {
	if out == nil {
		return
	}
	select {
	case out <- snap:
	default:
	}
}

// formatDuration formats a duration into a human-readable string.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	} else if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
