// Package orchestrator drives assets through extraction, quality selection,
// download and storage, and keeps the bookkeeping that makes re-runs safe.
package orchestrator

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	cron "github.com/robfig/cron/v3"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
	"github.com/knpwrs/hlsarchiver/internal/config"
	"github.com/knpwrs/hlsarchiver/internal/downloader"
	"github.com/knpwrs/hlsarchiver/internal/fetcher"
	"github.com/knpwrs/hlsarchiver/internal/filesystem"
	"github.com/knpwrs/hlsarchiver/internal/history"
	"github.com/knpwrs/hlsarchiver/internal/logger"
	"github.com/knpwrs/hlsarchiver/internal/model"
	"github.com/knpwrs/hlsarchiver/internal/monitor"
	"github.com/knpwrs/hlsarchiver/internal/quality"
)

// Extractor supplies asset descriptors. It is implemented outside the
// orchestrator; see package extractor.
type Extractor interface {
	FetchAsset(ctx context.Context, id int64) (*model.AssetDescriptor, error)
}

// HealthGate decides whether new work may start.
type HealthGate interface {
	Check() (monitor.SystemStatus, bool, []string)
}

// Deps are the collaborators of an Orchestrator. Records, Monitor and
// Progress are optional.
type Deps struct {
	Config     *config.Config
	Extractor  Extractor
	Fetcher    *fetcher.Fetcher
	Downloader *downloader.Downloader
	Storage    *filesystem.FileSystem
	Monitor    HealthGate
	Processed  *history.ProcessedSet
	Records    *history.RecordStore
	Logger     *logger.Logger
	// Progress receives download snapshots of every job
	Progress chan<- downloader.Progress
}

// Stats are the counters of the current run.
type Stats struct {
	StartedAt time.Time     `json:"startedAt"`
	Uptime    time.Duration `json:"uptime"`
	Processed int64         `json:"processed"`
	Failed    int64         `json:"failed"`
	Skipped   int64         `json:"skipped"`
	Bytes     int64         `json:"bytes"`
	Errors    int64         `json:"errors"`
	InFlight  int           `json:"inFlight"`
	Known     int           `json:"knownAssets"`
}

// Orchestrator runs the per-asset workflow and batch scheduling.
//
// This structure manages:
// - Duplicate suppression across restarts and concurrent callers
// - The processing record of each asset
// - Background persistence and health checks
// - Graceful shutdown of in-flight work
//
// See: https://context7.com/golang/go for Go concurrency documentation
type Orchestrator struct {
	deps   Deps
	cfg    *config.Config
	policy quality.Policy
	log    *logger.Logger

	// mu guards the claim on an asset: the processed set check, inFlight
	// and accepting change together.
	mu        sync.Mutex
	inFlight  map[int64]struct{}
	records   map[int64]*model.ProcessingRecord
	accepting bool
	running   sync.WaitGroup

	baseCtx   context.Context
	cancelAll context.CancelFunc
	scheduler *cron.Cron

	startedAt time.Time
	processed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	bytes     atomic.Int64
	errors    atomic.Int64
}

// New creates an Orchestrator. Startup must be called before processing.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	if deps.Processed == nil {
		deps.Processed = history.NewProcessedSet(deps.Config.Storage.ProgressFile)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:      deps,
		cfg:       deps.Config,
		policy:    quality.PolicyFromConfig(deps.Config.Quality),
		log:       deps.Logger,
		inFlight:  make(map[int64]struct{}),
		records:   make(map[int64]*model.ProcessingRecord),
		baseCtx:   ctx,
		cancelAll: cancel,
		startedAt: time.Now(),
	}
}

// Startup runs health checks, prepares storage, loads the processed set and
// starts the background tasks. The orchestrator accepts work afterwards.
func (o *Orchestrator) Startup(ctx context.Context) error {
	if o.deps.Monitor != nil {
		if _, healthy, violations := o.deps.Monitor.Check(); !healthy {
			o.log.Warnf("Starting with unhealthy system: %v", violations)
		}
	}

	if err := os.MkdirAll(o.cfg.Storage.BasePath, 0755); err != nil {
		return apperr.Storage("create base path", err)
	}
	if err := o.deps.Processed.Load(); err != nil {
		return err
	}
	o.log.Infof("Loaded %d processed assets", o.deps.Processed.Len())

	if err := o.startScheduler(); err != nil {
		return err
	}

	o.mu.Lock()
	o.accepting = true
	o.mu.Unlock()
	return ctx.Err()
}

func (o *Orchestrator) startScheduler() error {
	o.scheduler = cron.New()

	if _, err := o.scheduler.AddFunc("@every "+o.cfg.Processing.PersistInterval, o.persist); err != nil {
		return apperr.Configuration("schedule persist", err)
	}
	if o.deps.Monitor != nil {
		if _, err := o.scheduler.AddFunc("@every "+o.cfg.Monitoring.CheckInterval, func() { o.deps.Monitor.Check() }); err != nil {
			return apperr.Configuration("schedule health check", err)
		}
	}

	o.scheduler.Start()
	o.log.Debugf("Background tasks scheduled (persist every %s, health every %s)",
		o.cfg.Processing.PersistInterval, o.cfg.Monitoring.CheckInterval)
	return nil
}

// Shutdown stops accepting work and waits for in-flight assets up to the
// configured timeout, then cancels the rest. It persists the processed set
// and run statistics and closes the record store.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.accepting = false
	o.mu.Unlock()

	timeout := o.cfg.Processing.ShutdownTimeout()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		o.running.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-waitCtx.Done():
		o.log.Warnf("Shutdown timeout reached, cancelling in-flight assets")
		o.cancelAll()
		<-done
	}
	o.cancelAll()

	if o.scheduler != nil {
		<-o.scheduler.Stop().Done()
	}

	var errs []error
	if err := o.deps.Processed.Save(); err != nil {
		errs = append(errs, err)
	}

	stats := o.Stats()
	o.log.Infof("Run finished: %d processed, %d failed, %d skipped, %s in %s",
		stats.Processed, stats.Failed, stats.Skipped, humanize.Bytes(uint64(stats.Bytes)), stats.Uptime.Round(time.Second))

	if o.deps.Records != nil {
		err := o.deps.Records.RecordRunStats(context.Background(), history.RunStats{
			StartedAt: stats.StartedAt,
			EndedAt:   time.Now(),
			Processed: int(stats.Processed),
			Failed:    int(stats.Failed),
			Skipped:   int(stats.Skipped),
			Bytes:     stats.Bytes,
			Errors:    int(stats.Errors),
			Duration:  stats.Uptime,
		})
		if err != nil {
			errs = append(errs, err)
		}
		if err := o.deps.Records.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// persist saves the processed set; run periodically in the background.
func (o *Orchestrator) persist() {
	if err := o.deps.Processed.Save(); err != nil {
		o.log.Errorf("Failed to persist processed assets: %v", err)
	}
}

// Stats returns a snapshot of the run counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	inFlight := len(o.inFlight)
	o.mu.Unlock()

	return Stats{
		StartedAt: o.startedAt,
		Uptime:    time.Since(o.startedAt),
		Processed: o.processed.Load(),
		Failed:    o.failed.Load(),
		Skipped:   o.skipped.Load(),
		Bytes:     o.bytes.Load(),
		Errors:    o.errors.Load(),
		InFlight:  inFlight,
		Known:     o.deps.Processed.Len(),
	}
}

// Record returns the latest processing record of an asset.
func (o *Orchestrator) Record(ctx context.Context, assetID int64) (*model.ProcessingRecord, error) {
	o.mu.Lock()
	r, ok := o.records[assetID]
	if ok {
		copied := *r
		o.mu.Unlock()
		return &copied, nil
	}
	o.mu.Unlock()

	if o.deps.Records != nil {
		return o.deps.Records.GetRecord(ctx, assetID)
	}
	return nil, history.ErrNotFound
}

// claim atomically checks that id is neither processed nor in flight and
// marks it in flight. ok is false when the asset must be skipped; err is set
// when the orchestrator does not accept work.
func (o *Orchestrator) claim(id int64) (ok bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.accepting {
		return false, apperr.Processing("claim", errors.New("orchestrator is not accepting work"))
	}
	if o.deps.Processed.Contains(id) {
		return false, nil
	}
	if _, busy := o.inFlight[id]; busy {
		return false, nil
	}
	o.inFlight[id] = struct{}{}
	o.running.Add(1)
	return true, nil
}

func (o *Orchestrator) release(id int64) {
	o.mu.Lock()
	delete(o.inFlight, id)
	o.mu.Unlock()
	o.running.Done()
}
