package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
	"github.com/knpwrs/hlsarchiver/internal/fetcher"
	"github.com/knpwrs/hlsarchiver/internal/logger"
	"github.com/knpwrs/hlsarchiver/internal/model"
	"github.com/knpwrs/hlsarchiver/internal/playlist"
)

// ErrCancelled is returned when a download stops because it was cancelled.
var ErrCancelled = errors.New("download cancelled")

// Downloader fetches the fragments of media playlists and combines them.
//
// This structure manages:
// - Fetching and parsing media playlists
// - Concurrent fragment downloads with a bounded worker pool
// - Resuming from fragments already verified on disk
// - Combining fragments in playlist order
// - Cancelling running jobs
//
// See: https://context7.com/golang/go for Go concurrency documentation
type Downloader struct {
	fetcher *fetcher.Fetcher
	cfg     Config
	log     *logger.Logger

	mu     sync.Mutex
	active map[string]*activeJob
}

// Config holds configuration for the Downloader.
type Config struct {
	// ConcurrentFragments is the size of the fragment worker pool
	ConcurrentFragments int
	// PlaylistTimeout bounds a whole playlist download
	PlaylistTimeout time.Duration
	// ProgressInterval is the period between progress snapshots
	ProgressInterval time.Duration
	// KeepSegments keeps fragment files and a local playlist after combine
	KeepSegments bool
}

// Target describes where one playlist is downloaded to.
type Target struct {
	// PlaylistURL is the absolute media playlist URL
	PlaylistURL string
	// OutputPath receives the combined file; fragments go next to it
	OutputPath string
	// SegmentPrefix names fragment files, "video" by default
	SegmentPrefix string
	// SegmentExt overrides the fragment extension derived from the URL
	SegmentExt string
	// PlaylistName is the local playlist written when segments are kept
	PlaylistName string
}

// Result summarises a finished playlist download.
type Result struct {
	OutputPath         string
	TotalFragments     int
	CompletedFragments int
	FailedFragments    int
	ResumedFragments   int
	MissingIndexes     []int
	DownloadedBytes    int64
	CombinedBytes      int64
	Duration           time.Duration
}

type activeJob struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

type fragmentTask struct {
	fragment model.Fragment
	path     string
}

// New creates a new Downloader.
func New(cfg Config, f *fetcher.Fetcher, log *logger.Logger) *Downloader {
	if cfg.ConcurrentFragments < 1 {
		cfg.ConcurrentFragments = 1
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = time.Second
	}
	if cfg.PlaylistTimeout <= 0 {
		cfg.PlaylistTimeout = 5 * time.Minute
	}
	return &Downloader{
		fetcher: f,
		cfg:     cfg,
		log:     log,
		active:  make(map[string]*activeJob),
	}
}

// DownloadPlaylist downloads every fragment of the media playlist at
// playlistURL and combines them into outputPath.
//
// Fragments already present and verified next to outputPath are not fetched
// again. A fragment that exhausts its retries is counted as failed and
// skipped; the download still succeeds as long as Combine's threshold holds.
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - playlistURL: The media playlist URL
//   - outputPath: Path of the combined file
//   - progress: Optional channel receiving periodic snapshots
//
// See: https://context7.com/golang/go for Go context documentation
func (d *Downloader) DownloadPlaylist(ctx context.Context, playlistURL, outputPath string, progress chan<- Progress) (*Result, error) {
	return d.download(ctx, "", Target{PlaylistURL: playlistURL, OutputPath: outputPath}, progress)
}

// Run downloads target on behalf of job, driving its status through
// DOWNLOADING to COMPLETED, FAILED or CANCELLED. The job must be PENDING.
// Run owns the job until it returns.
func (d *Downloader) Run(ctx context.Context, job *model.DownloadJob, target Target, progress chan<- Progress) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entry := &activeJob{cancel: cancel}
	d.mu.Lock()
	d.active[job.JobID] = entry
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, job.JobID)
		d.mu.Unlock()
	}()

	if err := job.Transition(model.JobDownloading); err != nil {
		return nil, err
	}

	result, err := d.download(ctx, job.JobID, target, progress)
	if result != nil && result.TotalFragments > 0 {
		job.ProgressPercent = float64(result.CompletedFragments) / float64(result.TotalFragments) * 100
	}

	switch {
	case err == nil:
		job.Transition(model.JobCompleted)
	case errors.Is(err, ErrCancelled):
		job.ErrorMessage = err.Error()
		job.Transition(model.JobCancelled)
	default:
		job.ErrorMessage = err.Error()
		job.Transition(model.JobFailed)
	}
	return result, err
}

// Cancel stops scheduling new fragment fetches for a running job and aborts
// the ones in flight. It reports whether the job was running.
func (d *Downloader) Cancel(jobID string) bool {
	d.mu.Lock()
	entry, ok := d.active[jobID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	entry.cancelled.Store(true)
	entry.cancel()
	return true
}

// ActiveJobs returns the ids of the jobs currently running.
func (d *Downloader) ActiveJobs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	return ids
}

func (d *Downloader) download(ctx context.Context, jobID string, target Target, progress chan<- Progress) (*Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.PlaylistTimeout)
	defer cancel()

	baseURL, err := url.Parse(target.PlaylistURL)
	if err != nil {
		return nil, apperr.Playlist("parse url "+target.PlaylistURL, err)
	}

	d.log.Debugf("Fetching media playlist: %s", target.PlaylistURL)
	content, err := d.fetcher.Fetch(ctx, target.PlaylistURL)
	if err != nil {
		return nil, d.interrupted(ctx, err)
	}

	media, err := playlist.ParseMediaPlaylist(string(content), baseURL)
	if err != nil {
		return nil, err
	}

	segmentDir := filepath.Dir(target.OutputPath)
	if err := os.MkdirAll(segmentDir, 0755); err != nil {
		return nil, apperr.Storage("create "+segmentDir, err)
	}

	prefix := target.SegmentPrefix
	if prefix == "" {
		prefix = "video"
	}
	tracker := NewProgressTracker(jobID, len(media.Fragments))
	localNames := make(map[string]string, len(media.Fragments)+1)

	initPath := ""
	if media.InitURL != "" {
		initPath = filepath.Join(segmentDir, "init.mp4")
		localNames[media.InitURL] = "init.mp4"
		if !verifyFragment(initPath, false) {
			os.Remove(initPath)
			if err := d.fetchToFile(ctx, media.InitURL, initPath, tracker); err != nil {
				return nil, d.interrupted(ctx, apperr.Fragment("fetch init segment", err))
			}
		}
	}

	paths := make([]string, len(media.Fragments))
	pending := make([]fragmentTask, 0, len(media.Fragments))
	for i, f := range media.Fragments {
		name := fmt.Sprintf("%s%d%s", prefix, f.Index+1, segmentExt(f.URL, target.SegmentExt))
		paths[i] = filepath.Join(segmentDir, name)
		localNames[f.URL] = name

		if verifyFragment(paths[i], f.EncryptionKeyURL != "") {
			tracker.IncrementResumed()
			continue
		}
		os.Remove(paths[i])
		pending = append(pending, fragmentTask{fragment: f, path: paths[i]})
	}

	if resumed := len(media.Fragments) - len(pending); resumed > 0 {
		d.log.Infof("Resuming %s: %d/%d fragments already on disk", target.PlaylistURL, resumed, len(media.Fragments))
	}

	done := make(chan struct{})
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		tracker.report(d.cfg.ProgressInterval, progress, d.log.Debugf, done)
	}()

	d.downloadFragments(ctx, pending, tracker)

	close(done)
	<-reporterDone

	snap := tracker.Snapshot()
	result := &Result{
		OutputPath:         target.OutputPath,
		TotalFragments:     snap.TotalFragments,
		CompletedFragments: snap.CompletedFragments,
		FailedFragments:    snap.FailedFragments,
		ResumedFragments:   int(tracker.resumed.Load()),
		DownloadedBytes:    snap.DownloadedBytes,
	}

	if ctx.Err() != nil {
		result.Duration = time.Since(start)
		return result, d.interrupted(ctx, ctx.Err())
	}

	combined, err := d.combine(initPath, paths, target.OutputPath)
	result.Duration = time.Since(start)
	if err != nil {
		return result, err
	}
	result.CombinedBytes = combined.Bytes
	result.MissingIndexes = combined.Missing

	if d.cfg.KeepSegments {
		if err := d.writeLocalPlaylist(content, baseURL, localNames, segmentDir, target.PlaylistName); err != nil {
			d.log.Warnf("Failed to write local playlist for %s: %v", target.PlaylistURL, err)
		}
	} else {
		d.removeSegments(initPath, paths)
	}

	d.log.Infof("Downloaded %d/%d fragments of %s (%s) in %s",
		result.CompletedFragments, result.TotalFragments, target.PlaylistURL,
		humanize.Bytes(uint64(result.CombinedBytes)), formatDuration(result.Duration))

	return result, nil
}

// downloadFragments fetches tasks using a bounded worker pool. Once ctx is
// done, workers drain the queue without fetching.
func (d *Downloader) downloadFragments(ctx context.Context, tasks []fragmentTask, tracker *ProgressTracker) {
	if len(tasks) == 0 {
		return
	}

	// Create worker pool
	taskChan := make(chan fragmentTask, len(tasks))
	var wg sync.WaitGroup

	workers := min(d.cfg.ConcurrentFragments, len(tasks))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				if ctx.Err() != nil {
					continue
				}
				if err := d.fetchToFile(ctx, task.fragment.URL, task.path, tracker); err != nil {
					if ctx.Err() != nil {
						continue
					}
					tracker.IncrementFailed()
					d.log.Warnf("Fragment %d failed after retries: %v", task.fragment.Index, err)
					continue
				}
				tracker.IncrementCompleted()
			}
		}()
	}

	// Send tasks to workers
	for _, task := range tasks {
		taskChan <- task
	}
	close(taskChan)

	wg.Wait()
}

// fetchToFile downloads url into path through a temporary file.
//
// Failures before the response headers are retried by the fetcher itself. A
// transfer cut off mid-body is retried here with the same backoff, up to the
// fetcher's attempt limit; bytes of an abandoned attempt are taken back out
// of the progress counter.
func (d *Downloader) fetchToFile(ctx context.Context, rawURL, path string, tracker *ProgressTracker) error {
	var err error
	for attempt := 0; attempt < d.fetcher.MaxAttempts(); attempt++ {
		if attempt > 0 {
			wait := d.fetcher.Backoff(attempt - 1)
			d.log.Debugf("Retry %d for %s in %s: %v", attempt, rawURL, wait, err)
			select {
			case <-ctx.Done():
				return err
			case <-time.After(wait):
			}
		}

		err = d.fetchAttempt(ctx, rawURL, path, tracker)
		if err == nil || ctx.Err() != nil || !fetcher.IsInterrupted(err) {
			return err
		}
	}
	return err
}

func (d *Downloader) fetchAttempt(ctx context.Context, rawURL, path string, tracker *ProgressTracker) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return apperr.Storage("create "+tmpPath, err)
	}

	written, err := d.fetcher.FetchToWriter(ctx, rawURL, file, tracker.AddBytes)
	closeErr := file.Close()
	if err == nil && closeErr != nil {
		err = apperr.Storage("close "+tmpPath, closeErr)
	}
	if err != nil {
		tracker.AddBytes(-int(written))
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return apperr.Storage("rename "+tmpPath, err)
	}
	return nil
}

func (d *Downloader) writeLocalPlaylist(content []byte, baseURL *url.URL, names map[string]string, dir, name string) error {
	if name == "" {
		name = "video.m3u8"
	}
	rewritten, err := playlist.Rewrite(content, baseURL, func(u string) (string, bool) {
		local, ok := names[u]
		return local, ok
	})
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, name), rewritten)
}

func (d *Downloader) removeSegments(initPath string, paths []string) {
	if initPath != "" {
		os.Remove(initPath)
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.log.Warnf("Failed to remove fragment %s: %v", p, err)
		}
	}
}

// interrupted maps context failures to ErrCancelled or a network timeout.
func (d *Downloader) interrupted(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperr.Network("playlist timeout", err)
	}
	return err
}

// segmentExt picks the local extension for a fragment URL.
func segmentExt(rawURL, override string) string {
	if override != "" {
		return override
	}
	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	switch ext {
	case ".ts", ".aac", ".m4a", ".mp4", ".m4v", ".cmfv", ".cmfa":
		return ext
	}
	return ".m4s"
}

func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s to %s: %w", tmpPath, path, err)
	}
	return nil
}
