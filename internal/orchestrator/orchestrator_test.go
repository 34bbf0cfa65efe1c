package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
	"github.com/knpwrs/hlsarchiver/internal/config"
	"github.com/knpwrs/hlsarchiver/internal/downloader"
	"github.com/knpwrs/hlsarchiver/internal/fetcher"
	"github.com/knpwrs/hlsarchiver/internal/filesystem"
	"github.com/knpwrs/hlsarchiver/internal/history"
	"github.com/knpwrs/hlsarchiver/internal/logger"
	"github.com/knpwrs/hlsarchiver/internal/model"
	"github.com/knpwrs/hlsarchiver/internal/monitor"
)

const masterPlaylist = `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English",DEFAULT=YES,URI="audio/audio.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080,CODECS="avc1.640028,mp4a.40.2",AUDIO="aud"
1080p/video.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,CODECS="avc1.64001f,mp4a.40.2",AUDIO="aud"
720p/video.m3u8
`

// cdn serves a master playlist, media playlists of three MPEG-TS fragments
// and the fragments themselves.
type cdn struct {
	*httptest.Server
	fail  sync.Map // path -> struct{}
	block chan struct{}
	hits  atomic.Int64
}

func newCDN(t *testing.T) *cdn {
	t.Helper()
	c := &cdn{}
	c.Server = httptest.NewServer(http.HandlerFunc(c.handle))
	t.Cleanup(c.Close)
	return c
}

func (c *cdn) handle(w http.ResponseWriter, r *http.Request) {
	if _, failing := c.fail.Load(r.URL.Path); failing {
		http.NotFound(w, r)
		return
	}
	switch {
	case strings.HasSuffix(r.URL.Path, "/playlist.m3u8"):
		w.Write([]byte(masterPlaylist))
	case strings.HasSuffix(r.URL.Path, ".m3u8"):
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:4\n")
		for i := 0; i < 3; i++ {
			fmt.Fprintf(&b, "#EXTINF:4.0,\nseg%d.ts\n", i)
		}
		b.WriteString("#EXT-X-ENDLIST\n")
		w.Write([]byte(b.String()))
	case strings.HasSuffix(r.URL.Path, ".ts"):
		c.hits.Add(1)
		if c.block != nil {
			select {
			case <-c.block:
			case <-r.Context().Done():
				return
			}
		}
		w.Write(append([]byte{0x47}, []byte(r.URL.Path)...))
	default:
		http.NotFound(w, r)
	}
}

type fakeExtractor struct {
	streamBase string
	mu         sync.Mutex
	missing    map[int64]bool
	calls      atomic.Int64
}

func (f *fakeExtractor) FetchAsset(_ context.Context, id int64) (*model.AssetDescriptor, error) {
	f.calls.Add(1)
	if id == 99 {
		panic("descriptor source exploded")
	}
	f.mu.Lock()
	missing := f.missing[id]
	f.mu.Unlock()
	if missing || id >= 1000 {
		return nil, apperr.Extraction("fetch asset", fmt.Errorf("asset %d not found", id))
	}
	return &model.AssetDescriptor{
		ID:          id,
		Title:       "Harbour",
		StreamURL:   fmt.Sprintf("%s/%d/playlist.m3u8", f.streamBase, id),
		PublishedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Tags:        []string{"harbour"},
		Owner:       &model.Author{ID: "u-7", Username: "sky.watcher"},
	}, nil
}

type fakeProbe struct{ diskBytes uint64 }

func (p fakeProbe) DiskFreeBytes(string) (uint64, error) { return p.diskBytes, nil }
func (p fakeProbe) MemoryPercent() (float64, error)      { return 10, nil }
func (p fakeProbe) CPUPercent() (float64, error)         { return 10, nil }

type harness struct {
	orch      *Orchestrator
	cfg       *config.Config
	cdn       *cdn
	extractor *fakeExtractor
	records   *history.RecordStore
}

func newHarness(t *testing.T, mutate func(*config.Config), diskBytes uint64) *harness {
	t.Helper()
	base := t.TempDir()

	cfg := config.Default()
	cfg.Storage.BasePath = base
	cfg.Storage.ProgressFile = filepath.Join(base, ".metadata", "progress.json")
	cfg.Storage.DatabasePath = filepath.Join(base, ".metadata", "records.db")
	cfg.Monitoring.MinDiskSpaceGB = 1.0
	cfg.Processing.ShutdownTimeoutSec = 1
	if mutate != nil {
		mutate(cfg)
	}

	c := newCDN(t)
	opts := fetcher.DefaultOptions()
	opts.MaxAttempts = 1
	opts.BackoffBase = time.Millisecond
	f := fetcher.New(opts)
	log := logger.Discard()

	records, err := history.OpenRecordStore(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatalf("OpenRecordStore failed: %v", err)
	}

	ext := &fakeExtractor{streamBase: c.URL, missing: map[int64]bool{}}
	orch := New(Deps{
		Config:    cfg,
		Extractor: ext,
		Fetcher:   f,
		Downloader: downloader.New(downloader.Config{
			ConcurrentFragments: 2,
			PlaylistTimeout:     10 * time.Second,
			ProgressInterval:    10 * time.Millisecond,
		}, f, log),
		Storage: filesystem.New(cfg.Storage, log),
		Monitor: monitor.New(fakeProbe{diskBytes: diskBytes}, base, monitor.ThresholdsFromConfig(cfg.Monitoring), log),
		Records: records,
		Logger:  log,
	})
	if err := orch.Startup(context.Background()); err != nil {
		t.Fatalf("Startup failed: %v", err)
	}

	h := &harness{orch: orch, cfg: cfg, cdn: c, extractor: ext, records: records}
	t.Cleanup(func() { orch.Shutdown(context.Background()) })
	return h
}

const plentyOfDisk = 100 << 30

// snapshotTree maps every path under root to its size and modification time.
func snapshotTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || strings.Contains(path, ".metadata") {
			return nil
		}
		out[path] = fmt.Sprintf("%d/%d", info.Size(), info.ModTime().UnixNano())
		return nil
	})
	return out
}

func TestProcessAssetCompletesAndSkipsRepeat(t *testing.T) {
	h := newHarness(t, nil, plentyOfDisk)
	ctx := context.Background()

	result, err := h.orch.ProcessAsset(ctx, 42)
	if err != nil {
		t.Fatalf("ProcessAsset failed: %v", err)
	}
	if result.Status != model.StatusCompleted || result.LastStep != StepComplete {
		t.Fatalf("Unexpected result %+v", result)
	}
	if len(result.Files) != 2 {
		t.Fatalf("Expected 2 stored files, got %d", len(result.Files))
	}

	assetDir := filepath.Join(h.cfg.Storage.BasePath, "sky.watcher", "post_42")
	for _, rel := range []string{
		"data.json",
		"metadata.json",
		"m3u8/playlist.m3u8",
		"m3u8/1080p/sky.watcher_Harbour_1080p_42.mp4",
		"m3u8/720p/sky.watcher_Harbour_720p_42.mp4",
		"m3u8/audio/audio.m4a",
	} {
		if _, err := os.Stat(filepath.Join(assetDir, rel)); err != nil {
			t.Errorf("Expected %s: %v", rel, err)
		}
	}
	if _, err := os.Stat(filepath.Join(assetDir, "m3u8/1080p/video.mp4.downloading")); !os.IsNotExist(err) {
		t.Error("Combined temporary file should have been moved into place")
	}

	record, err := h.records.GetRecord(ctx, 42)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if record.Status != model.StatusCompleted || record.Attempts != 1 || len(record.StoredFilePaths) != 3 || len(record.DownloadJobIDs) != 3 {
		t.Errorf("Unexpected record %+v", record)
	}
	jobs, _ := h.records.ListJobs(ctx, 42)
	for _, job := range jobs {
		if job.Status != model.JobCompleted {
			t.Errorf("Job %s for %s ended %s", job.JobID, job.Quality, job.Status)
		}
	}

	progress, _ := os.ReadFile(h.cfg.Storage.ProgressFile)
	if !strings.Contains(string(progress), `"42"`) {
		t.Errorf("progress.json should list asset 42:\n%s", progress)
	}

	before := snapshotTree(t, h.cfg.Storage.BasePath)
	calls := h.extractor.calls.Load()
	hits := h.cdn.hits.Load()

	again, err := h.orch.ProcessAsset(ctx, 42)
	if err != nil {
		t.Fatalf("Second ProcessAsset failed: %v", err)
	}
	if again.Status != model.StatusSkipped {
		t.Errorf("Expected SKIPPED, got %s", again.Status)
	}
	if h.extractor.calls.Load() != calls || h.cdn.hits.Load() != hits {
		t.Error("A skipped asset must not be extracted or downloaded")
	}
	after := snapshotTree(t, h.cfg.Storage.BasePath)
	if len(before) != len(after) {
		t.Fatalf("Skipped asset changed the tree: %d -> %d entries", len(before), len(after))
	}
	for path, stamp := range before {
		if after[path] != stamp {
			t.Errorf("Skipped asset touched %s", path)
		}
	}

	stats := h.orch.Stats()
	if stats.Processed != 1 || stats.Skipped != 1 || stats.Bytes == 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestProcessAssetUnhealthyAbortsBeforeExtraction(t *testing.T) {
	h := newHarness(t, nil, 1<<29) // 0.5 GB free, 1.0 GB required

	result, err := h.orch.ProcessAsset(context.Background(), 42)
	if !apperr.IsKind(err, apperr.KindProcessing) {
		t.Fatalf("Expected processing error, got %v", err)
	}
	if !strings.Contains(err.Error(), "low disk space") {
		t.Errorf("Error should name the violation: %v", err)
	}
	if result.Status != model.StatusFailed || result.LastStep != StepHealthCheck {
		t.Errorf("Unexpected result %+v", result)
	}
	if h.extractor.calls.Load() != 0 {
		t.Error("Extractor must not be called when unhealthy")
	}
	if _, err := h.records.GetRecord(context.Background(), 42); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("No record should be written, got %v", err)
	}
}

func TestProcessAssetExtractionFailureAllowsRetry(t *testing.T) {
	h := newHarness(t, nil, plentyOfDisk)
	ctx := context.Background()
	h.extractor.missing[7] = true

	result, err := h.orch.ProcessAsset(ctx, 7)
	if !apperr.IsKind(err, apperr.KindExtraction) {
		t.Fatalf("Expected extraction error, got %v", err)
	}
	if result.LastStep != StepExtract {
		t.Errorf("Expected last step %s, got %s", StepExtract, result.LastStep)
	}

	record, err := h.orch.Record(ctx, 7)
	if err != nil || record.Status != model.StatusFailed || record.LastError == "" {
		t.Fatalf("Expected FAILED record with cause, got %+v (%v)", record, err)
	}

	h.extractor.mu.Lock()
	delete(h.extractor.missing, 7)
	h.extractor.mu.Unlock()

	result, err = h.orch.ProcessAsset(ctx, 7)
	if err != nil || result.Status != model.StatusCompleted {
		t.Fatalf("Retry should succeed, got %v", err)
	}
	record, _ = h.records.GetRecord(ctx, 7)
	if record.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", record.Attempts)
	}
}

func TestProcessAssetQualityNotFound(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Quality.MinResolution = "2160p"; c.Quality.MaxResolution = "4320p" }, plentyOfDisk)

	_, err := h.orch.ProcessAsset(context.Background(), 42)
	if !apperr.IsKind(err, apperr.KindQualityNotFound) {
		t.Fatalf("Expected quality-not-found error, got %v", err)
	}
	if h.cdn.hits.Load() != 0 {
		t.Error("No fragment should be fetched")
	}
}

func TestProcessAssetPartialQualityFailure(t *testing.T) {
	h := newHarness(t, nil, plentyOfDisk)
	h.cdn.fail.Store("/42/720p/video.m3u8", struct{}{})

	result, err := h.orch.ProcessAsset(context.Background(), 42)
	if err != nil {
		t.Fatalf("A failing sibling quality must not fail the asset: %v", err)
	}
	if len(result.Files) != 1 || result.Files[0].Quality != "1080p" {
		t.Errorf("Expected only 1080p stored, got %+v", result.Files)
	}
	if _, ok := result.QualityErrors["720p"]; !ok {
		t.Errorf("Expected the 720p failure to be reported, got %v", result.QualityErrors)
	}
}

func TestConcurrentProcessAssetCompletesOnce(t *testing.T) {
	h := newHarness(t, nil, plentyOfDisk)

	var wg sync.WaitGroup
	var completed, skipped atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.orch.ProcessAsset(context.Background(), 42)
			if err != nil {
				t.Errorf("ProcessAsset failed: %v", err)
				return
			}
			switch result.Status {
			case model.StatusCompleted:
				completed.Add(1)
			case model.StatusSkipped:
				skipped.Add(1)
			}
		}()
	}
	wg.Wait()

	if completed.Load() != 1 || skipped.Load() != 7 {
		t.Errorf("Expected 1 completed and 7 skipped, got %d and %d", completed.Load(), skipped.Load())
	}
}

func TestProcessBatch(t *testing.T) {
	h := newHarness(t, nil, plentyOfDisk)

	ids := []int64{42, 1001, 42, 99, 43}
	summary := h.orch.ProcessBatch(context.Background(), ids, 2, Options{})

	if summary.Total != len(ids) {
		t.Fatalf("Expected total %d, got %d", len(ids), summary.Total)
	}
	if summary.Succeeded+summary.Failed+summary.Skipped != summary.Total {
		t.Errorf("Counts do not add up: %+v", summary)
	}
	if summary.Succeeded != 2 || summary.Failed != 2 || summary.Skipped != 1 {
		t.Errorf("Expected 2/2/1, got %d/%d/%d", summary.Succeeded, summary.Failed, summary.Skipped)
	}

	var sawPanic bool
	for _, f := range summary.Failures {
		if f.AssetID == 99 && strings.Contains(f.Error, "panic") {
			sawPanic = true
		}
	}
	if !sawPanic {
		t.Errorf("Panicking asset should be reported as a failure: %+v", summary.Failures)
	}
	if summary.ThroughputPerSecond <= 0 {
		t.Error("Throughput should be positive")
	}
}

func TestShutdownCancelsInFlightWork(t *testing.T) {
	h := newHarness(t, nil, plentyOfDisk)
	h.cdn.block = make(chan struct{})
	defer close(h.cdn.block)

	done := make(chan *ProcessingResult, 1)
	go func() {
		result, _ := h.orch.ProcessAsset(context.Background(), 42)
		done <- result
	}()

	deadline := time.Now().Add(5 * time.Second)
	for h.cdn.hits.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Download never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := h.orch.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	select {
	case result := <-done:
		if result.Status != model.StatusFailed {
			t.Errorf("Expected FAILED after forced cancel, got %s", result.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ProcessAsset did not return after shutdown")
	}

	if h.orch.deps.Processed.Contains(42) {
		t.Error("Cancelled asset must not be marked processed")
	}
	if _, err := h.orch.ProcessAsset(context.Background(), 43); !apperr.IsKind(err, apperr.KindProcessing) {
		t.Errorf("Expected processing error after shutdown, got %v", err)
	}
}

func TestProcessAssetStoreFailureKeepsSiblings(t *testing.T) {
	h := newHarness(t, nil, plentyOfDisk)
	assetDir := filepath.Join(h.cfg.Storage.BasePath, "sky.watcher", "post_42")
	blocked := filepath.Join(assetDir, "m3u8", "720p", "sky.watcher_Harbour_720p_42.mp4")
	if err := os.MkdirAll(blocked, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(blocked, "x"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	result, err := h.orch.ProcessAsset(context.Background(), 42)
	if err != nil {
		t.Fatalf("One unstorable quality must not fail the asset: %v", err)
	}
	if result.Status != model.StatusCompleted {
		t.Fatalf("Expected COMPLETED, got %s", result.Status)
	}
	if len(result.Files) != 1 || result.Files[0].Quality != "1080p" {
		t.Errorf("Expected only 1080p stored, got %+v", result.Files)
	}
	if _, ok := result.QualityErrors["720p"]; !ok {
		t.Errorf("Expected the 720p store failure to be reported, got %v", result.QualityErrors)
	}
	if _, err := os.Stat(filepath.Join(assetDir, "metadata.json")); err != nil {
		t.Errorf("metadata.json should be written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(assetDir, "m3u8/720p/video.mp4.downloading")); err != nil {
		t.Errorf("Unstored download should be left in place: %v", err)
	}

	record, err := h.records.GetRecord(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if record.Status != model.StatusCompleted || !strings.Contains(record.LastError, "not stored") {
		t.Errorf("Unexpected record %+v", record)
	}
}

func TestProcessAssetWithQualityOverride(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Quality.Selection = config.SelectionBest }, plentyOfDisk)

	result, err := h.orch.ProcessAssetWith(context.Background(), 42, Options{Qualities: []string{"720p"}})
	if err != nil {
		t.Fatalf("ProcessAssetWith failed: %v", err)
	}
	if len(result.Files) != 1 || result.Files[0].Quality != "720p" {
		t.Fatalf("Expected only 720p stored, got %+v", result.Files)
	}
	assetDir := filepath.Join(h.cfg.Storage.BasePath, "sky.watcher", "post_42")
	if _, err := os.Stat(filepath.Join(assetDir, "m3u8", "1080p")); !os.IsNotExist(err) {
		t.Error("1080p should not be selected")
	}
}

func TestProcessBatchAppliesOptions(t *testing.T) {
	h := newHarness(t, nil, plentyOfDisk)

	summary := h.orch.ProcessBatch(context.Background(), []int64{42, 43}, 2, Options{Qualities: []string{"1080p"}})
	if summary.Succeeded != 2 {
		t.Fatalf("Expected 2 succeeded, got %+v", summary)
	}
	for _, r := range summary.Results {
		if len(r.Files) != 1 || r.Files[0].Quality != "1080p" {
			t.Errorf("Asset %d: expected only 1080p, got %+v", r.AssetID, r.Files)
		}
	}
}

func TestProcessAssetPanicMarksRecordFailed(t *testing.T) {
	h := newHarness(t, nil, plentyOfDisk)

	result, err := h.orch.ProcessAsset(context.Background(), 99)
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("Expected panic error, got %v", err)
	}
	if result.Status != model.StatusFailed {
		t.Errorf("Expected FAILED, got %s", result.Status)
	}
	record, err := h.records.GetRecord(context.Background(), 99)
	if err != nil || record.Status != model.StatusFailed {
		t.Errorf("Expected FAILED record, got %+v (%v)", record, err)
	}
}

func TestQualityPanicFailsAssetWithoutCrashing(t *testing.T) {
	h := newHarness(t, nil, plentyOfDisk)
	h.orch.deps.Downloader = nil // every quality download panics

	result, err := h.orch.ProcessAsset(context.Background(), 42)
	if !apperr.IsKind(err, apperr.KindProcessing) || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("Expected processing error from panic, got %v", err)
	}
	if result.Status != model.StatusFailed || result.LastStep != StepDownload {
		t.Errorf("Unexpected result %+v", result)
	}
	if len(result.QualityErrors) != 2 {
		t.Errorf("Expected both qualities reported, got %v", result.QualityErrors)
	}

	ctx := context.Background()
	record, err := h.records.GetRecord(ctx, 42)
	if err != nil || record.Status != model.StatusFailed {
		t.Fatalf("Record should be FAILED, got %+v (%v)", record, err)
	}
	jobs, _ := h.records.ListJobs(ctx, 42)
	for _, job := range jobs {
		if job.Status != model.JobFailed {
			t.Errorf("Job %s for %s ended %s", job.JobID, job.Quality, job.Status)
		}
	}
}
