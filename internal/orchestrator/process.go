package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
	"github.com/knpwrs/hlsarchiver/internal/downloader"
	"github.com/knpwrs/hlsarchiver/internal/filesystem"
	"github.com/knpwrs/hlsarchiver/internal/model"
	"github.com/knpwrs/hlsarchiver/internal/playlist"
	"github.com/knpwrs/hlsarchiver/internal/quality"
)

// Workflow steps, in order.
const (
	StepDuplicateCheck = "duplicate_check"
	StepHealthCheck    = "health_check"
	StepExtract        = "extract"
	StepSelectQuality  = "select_quality"
	StepCreateLayout   = "create_layout"
	StepCreateRecord   = "create_record"
	StepDownload       = "download"
	StepStore          = "store"
	StepMetadata       = "metadata"
	StepComplete       = "complete"
)

// combinedSuffix marks a combined file that has not been stored yet.
const combinedSuffix = ".downloading"

// ProcessingResult is the outcome of one ProcessAsset call.
type ProcessingResult struct {
	AssetID        int64
	ProcessingID   string
	Status         model.ProcessingStatus
	StepsCompleted []string
	LastStep       string
	Err            error
	Files          []model.StorageMetadata
	// QualityErrors holds the failures of individual qualities that did
	// not fail the asset
	QualityErrors map[string]string
	Duration      time.Duration
}

func (r *ProcessingResult) step(name string) {
	r.StepsCompleted = append(r.StepsCompleted, name)
	r.LastStep = name
}

// Options adjust one ProcessAsset call.
type Options struct {
	// Qualities, when set, replaces the configured preferred qualities and
	// selects one variant per listed label, in order. Resolution and codec
	// filters still apply.
	Qualities []string
}

// policyFor returns the quality policy of one call.
func (o *Orchestrator) policyFor(opts Options) quality.Policy {
	p := o.policy
	if len(opts.Qualities) > 0 {
		p.PreferredQualities = opts.Qualities
		p.Mode = quality.ModePreferredList
	}
	return p
}

// run carries the state of one asset through the workflow.
type run struct {
	policy   quality.Policy
	result   *ProcessingResult
	record   *model.ProcessingRecord
	asset    *model.AssetDescriptor
	master   []byte
	audio    []playlist.AudioRendition
	variants []model.QualityVariant
	layout   *model.DirectoryStructure
}

// ProcessAsset archives one asset.
//
// The workflow is: duplicate check, health gate, extraction, quality
// selection, layout, processing record, download of every selected quality,
// storage with checksum verification, metadata, completion. An asset that
// already completed, or is being processed by another caller, is SKIPPED
// without side effects. Any unrecovered failure marks the record FAILED and
// leaves the asset out of the processed set so it can be retried.
//
// Parameters:
//   - ctx: Context for cancellation
//   - assetID: The asset to process
//
// Returns the result, whose Err is also returned.
func (o *Orchestrator) ProcessAsset(ctx context.Context, assetID int64) (*ProcessingResult, error) {
	return o.ProcessAssetWith(ctx, assetID, Options{})
}

// ProcessAssetWith is ProcessAsset with per-call options. A panic anywhere in
// the workflow fails the asset like any other error.
func (o *Orchestrator) ProcessAssetWith(ctx context.Context, assetID int64, opts Options) (res *ProcessingResult, err error) {
	start := time.Now()
	result := &ProcessingResult{AssetID: assetID, Status: model.StatusNew}

	claimed, err := o.claim(assetID)
	if err != nil {
		return o.fail(ctx, &run{result: result}, StepDuplicateCheck, err, start)
	}
	if !claimed {
		result.Status = model.StatusSkipped
		result.step(StepDuplicateCheck)
		result.Duration = time.Since(start)
		o.skipped.Add(1)
		o.log.Infof("Skipping asset %d: already processed or in progress", assetID)
		return result, nil
	}
	defer o.release(assetID)
	result.step(StepDuplicateCheck)

	// Force-cancel on shutdown reaches every asset through its context.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.baseCtx, cancel)
	defer stop()

	r := &run{result: result, policy: o.policyFor(opts)}

	defer func() {
		p := recover()
		if p == nil {
			return
		}
		perr := apperr.Processing("process asset", fmt.Errorf("panic: %v", p))
		if r.record == nil {
			res, err = o.failWithRecord(ctx, r, r.result.LastStep, perr, start)
			return
		}
		res, err = o.fail(ctx, r, r.result.LastStep, perr, start)
	}()

	if o.deps.Monitor != nil {
		if _, healthy, violations := o.deps.Monitor.Check(); !healthy {
			err := apperr.Processing("health check", fmt.Errorf("system unhealthy: %s", strings.Join(violations, ", ")))
			return o.fail(ctx, r, StepHealthCheck, err, start)
		}
	}
	result.step(StepHealthCheck)

	asset, err := o.deps.Extractor.FetchAsset(ctx, assetID)
	if err == nil && asset.ID != assetID {
		err = fmt.Errorf("extractor returned asset %d", asset.ID)
	}
	if err != nil {
		if !apperr.IsKind(err, apperr.KindExtraction) {
			err = apperr.Extraction("fetch asset", err)
		}
		return o.failWithRecord(ctx, r, StepExtract, err, start)
	}
	r.asset = asset
	result.step(StepExtract)

	if err := o.selectQualities(ctx, r); err != nil {
		return o.failWithRecord(ctx, r, StepSelectQuality, err, start)
	}
	result.step(StepSelectQuality)

	r.layout, err = o.deps.Storage.CreateLayout(asset, r.variants)
	if err != nil {
		return o.failWithRecord(ctx, r, StepCreateLayout, err, start)
	}
	result.step(StepCreateLayout)

	if err := o.createRecord(ctx, r); err != nil {
		return o.fail(ctx, r, StepCreateRecord, err, start)
	}
	result.step(StepCreateRecord)

	downloads, err := o.downloadQualities(ctx, r)
	if err != nil {
		return o.fail(ctx, r, StepDownload, err, start)
	}
	o.downloadAudio(ctx, r)
	result.step(StepDownload)

	if err := o.storeDownloads(ctx, r, downloads); err != nil {
		return o.fail(ctx, r, StepStore, err, start)
	}
	result.step(StepStore)

	if err := o.deps.Storage.WriteJSON(r.layout.MetadataPath, result.Files); err != nil {
		return o.fail(ctx, r, StepMetadata, err, start)
	}
	result.step(StepMetadata)

	if err := r.record.Transition(model.StatusCompleted); err != nil {
		return o.fail(ctx, r, StepComplete, apperr.Processing("complete", err), start)
	}
	r.record.LastStep = StepComplete
	o.saveRecord(ctx, r.record)

	o.deps.Processed.Add(assetID)
	if err := o.deps.Processed.Save(); err != nil {
		o.log.Errorf("Failed to persist processed assets: %v", err)
	}

	result.Status = model.StatusCompleted
	result.step(StepComplete)
	result.Duration = time.Since(start)
	o.processed.Add(1)
	o.log.Infof("Completed asset %d: %d files in %s", assetID, len(result.Files), result.Duration.Round(time.Millisecond))
	return result, nil
}

// storeDownloads stores every downloaded quality under its generated name.
// A quality that fails to store is reported like a failed download; the step
// fails only when nothing could be stored.
func (o *Orchestrator) storeDownloads(ctx context.Context, r *run, downloads []qualityDownload) error {
	var firstErr error
	for _, d := range downloads {
		name := o.deps.Storage.GenerateFilename(r.asset, d.variant.ResolutionLabel, string(d.variant.Codec), "")
		dst := filepath.Join(filepath.Dir(d.output), name)
		variant := d.variant
		meta, err := o.deps.Storage.Store(ctx, d.output, dst, filesystem.StoreOptions{Asset: r.asset, Variant: &variant})
		if err != nil {
			o.qualityFailed(r, variant, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.result.Files = append(r.result.Files, *meta)
		r.record.StoredFilePaths = append(r.record.StoredFilePaths, meta.FilePath)
		o.bytes.Add(meta.FileSizeBytes)
	}

	if len(r.result.Files) == 0 {
		return firstErr
	}
	if firstErr != nil {
		r.record.LastError = fmt.Sprintf("%d of %d qualities not stored: %v", len(downloads)-len(r.result.Files), len(downloads), firstErr)
	}
	return nil
}

// qualityFailed records the failure of one quality that does not, by itself,
// fail the asset.
func (o *Orchestrator) qualityFailed(r *run, v model.QualityVariant, err error) {
	o.errors.Add(1)
	if r.result.QualityErrors == nil {
		r.result.QualityErrors = make(map[string]string)
	}
	r.result.QualityErrors[v.DirName()] = err.Error()
	o.log.Errorf("Asset %d quality %s failed: %v", r.asset.ID, v.DirName(), err)
}

// selectQualities fetches the master playlist, resolves the candidate
// variants and applies the quality policy.
func (o *Orchestrator) selectQualities(ctx context.Context, r *run) error {
	candidates := r.asset.AvailableQualities

	master, err := o.deps.Fetcher.Fetch(ctx, r.asset.StreamURL)
	switch {
	case err != nil && len(candidates) == 0:
		return err
	case err != nil:
		o.log.Warnf("Master playlist of asset %d unavailable: %v", r.asset.ID, err)
	default:
		r.master = master
		parsed, err := o.parseMaster(r.asset.StreamURL, string(master))
		if err != nil && len(candidates) == 0 {
			return err
		}
		if parsed != nil {
			r.audio = parsed.Audio
			if len(candidates) == 0 {
				candidates = parsed.Variants
			}
		}
	}

	r.variants, err = quality.Choose(candidates, r.policy)
	if err != nil {
		return err
	}
	labels := make([]string, len(r.variants))
	for i, v := range r.variants {
		labels[i] = v.DirName()
	}
	o.log.Infof("Asset %d: selected %s", r.asset.ID, strings.Join(labels, ", "))
	return nil
}

// parseMaster parses a master playlist. A media playlist served in its place
// becomes a single variant labelled from its URL.
func (o *Orchestrator) parseMaster(streamURL, content string) (*playlist.Master, error) {
	base, err := url.Parse(streamURL)
	if err != nil {
		return nil, apperr.Playlist("parse url "+streamURL, err)
	}
	if playlist.IsMediaPlaylist(content) {
		return &playlist.Master{Variants: []model.QualityVariant{{
			ResolutionLabel: playlist.LabelFromURL(streamURL),
			Codec:           model.CodecH264,
			PlaylistURL:     streamURL,
		}}}, nil
	}
	return playlist.ParseMasterPlaylist(content, base, o.cfg.Quality.VP9Patterns...)
}

// createRecord opens the processing record and writes data.json and the
// master playlist into the layout.
func (o *Orchestrator) createRecord(ctx context.Context, r *run) error {
	r.record = o.newRecord(ctx, r.asset.ID)
	if err := r.record.Transition(model.StatusProcessing); err != nil {
		return apperr.Processing("create record", err)
	}
	r.result.ProcessingID = r.record.ProcessingID
	r.record.LastStep = StepCreateRecord
	o.saveRecord(ctx, r.record)

	if err := o.deps.Storage.WriteAssetData(r.layout, r.asset); err != nil {
		return err
	}
	if r.master != nil {
		if err := o.deps.Storage.WriteFile(filepath.Join(r.layout.PlaylistRootPath, "playlist.m3u8"), r.master); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) newRecord(ctx context.Context, assetID int64) *model.ProcessingRecord {
	attempts := 1
	if prev, err := o.Record(ctx, assetID); err == nil {
		attempts = prev.Attempts + 1
	}
	return &model.ProcessingRecord{
		AssetID:         assetID,
		ProcessingID:    uuid.NewString(),
		Status:          model.StatusNew,
		StartedAt:       time.Now(),
		Attempts:        attempts,
		DownloadJobIDs:  []string{},
		StoredFilePaths: []string{},
	}
}

type qualityDownload struct {
	variant model.QualityVariant
	output  string
}

// downloadQualities downloads every selected variant with at most
// processing.concurrentQualities running at once. A failing quality does
// not stop its siblings; the step fails only when none succeeds.
func (o *Orchestrator) downloadQualities(ctx context.Context, r *run) ([]qualityDownload, error) {
	type outcome struct {
		download qualityDownload
		err      error
	}

	outcomes := make([]outcome, len(r.variants))
	jobs := make([]*model.DownloadJob, len(r.variants))
	for i, v := range r.variants {
		dir := r.layout.QualityPaths[v.DirName()]
		jobs[i] = &model.DownloadJob{
			JobID:      uuid.NewString(),
			AssetID:    r.asset.ID,
			Quality:    v.DirName(),
			SourceURL:  v.PlaylistURL,
			OutputPath: filepath.Join(dir, "video.mp4"+combinedSuffix),
			Status:     model.JobPending,
			CreatedAt:  time.Now(),
		}
		r.record.DownloadJobIDs = append(r.record.DownloadJobIDs, jobs[i].JobID)
		o.saveJob(ctx, jobs[i])
	}
	r.record.LastStep = StepDownload
	o.saveRecord(ctx, r.record)

	sem := make(chan struct{}, max(o.cfg.Processing.ConcurrentQualities, 1))
	var wg sync.WaitGroup
	for i, v := range r.variants {
		wg.Add(1)
		go func(i int, v model.QualityVariant) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			job := jobs[i]
			defer func() {
				if p := recover(); p != nil {
					err := apperr.Processing("download "+v.DirName(), fmt.Errorf("panic: %v", p))
					if !job.Status.IsTerminal() {
						job.ErrorMessage = err.Error()
						_ = job.Transition(model.JobFailed)
					}
					o.saveJob(ctx, job)
					outcomes[i] = outcome{download: qualityDownload{variant: v, output: job.OutputPath}, err: err}
				}
			}()
			_, err := o.deps.Downloader.Run(ctx, job, downloader.Target{
				PlaylistURL: v.PlaylistURL,
				OutputPath:  job.OutputPath,
			}, o.deps.Progress)
			o.saveJob(ctx, job)
			outcomes[i] = outcome{download: qualityDownload{variant: v, output: job.OutputPath}, err: err}
		}(i, v)
	}
	wg.Wait()

	var succeeded []qualityDownload
	var firstErr error
	for _, out := range outcomes {
		if out.err == nil {
			succeeded = append(succeeded, out.download)
			continue
		}
		if firstErr == nil {
			firstErr = out.err
		}
		o.qualityFailed(r, out.download.variant, out.err)
	}

	if len(succeeded) == 0 {
		return nil, firstErr
	}
	if firstErr != nil {
		r.record.LastError = fmt.Sprintf("%d of %d qualities failed: %v", len(r.variants)-len(succeeded), len(r.variants), firstErr)
	}
	return succeeded, nil
}

// downloadAudio downloads the first audio rendition of the master playlist
// into the layout's audio directory. Failures are logged only.
func (o *Orchestrator) downloadAudio(ctx context.Context, r *run) {
	if len(r.audio) == 0 {
		return
	}
	rendition := r.audio[0]
	job := &model.DownloadJob{
		JobID:      uuid.NewString(),
		AssetID:    r.asset.ID,
		Quality:    "audio",
		SourceURL:  rendition.URL,
		OutputPath: filepath.Join(r.layout.AudioPath, "audio.m4a"),
		Status:     model.JobPending,
		CreatedAt:  time.Now(),
	}
	r.record.DownloadJobIDs = append(r.record.DownloadJobIDs, job.JobID)

	_, err := o.deps.Downloader.Run(ctx, job, downloader.Target{
		PlaylistURL:   rendition.URL,
		OutputPath:    job.OutputPath,
		SegmentPrefix: "audio",
		SegmentExt:    ".m4a",
		PlaylistName:  "audio.m3u8",
	}, o.deps.Progress)
	o.saveJob(ctx, job)
	if err != nil {
		o.log.Warnf("Audio of asset %d not downloaded: %v", r.asset.ID, err)
		return
	}
	r.record.StoredFilePaths = append(r.record.StoredFilePaths, o.relative(job.OutputPath))
}

func (o *Orchestrator) relative(path string) string {
	rel, err := filepath.Rel(o.cfg.Storage.BasePath, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// failWithRecord fails an asset before its record exists, saving a FAILED
// record so the cause can be inspected.
func (o *Orchestrator) failWithRecord(ctx context.Context, r *run, step string, err error, start time.Time) (*ProcessingResult, error) {
	r.record = o.newRecord(ctx, r.result.AssetID)
	r.result.ProcessingID = r.record.ProcessingID
	return o.fail(ctx, r, step, err, start)
}

// fail marks the asset FAILED at step with err.
func (o *Orchestrator) fail(ctx context.Context, r *run, step string, err error, start time.Time) (*ProcessingResult, error) {
	r.result.Status = model.StatusFailed
	r.result.Err = err
	r.result.Duration = time.Since(start)
	r.result.LastStep = step

	if r.record != nil {
		r.record.LastError = err.Error()
		r.record.LastStep = step
		if terr := r.record.Transition(model.StatusFailed); terr != nil {
			o.log.Errorf("Asset %d: %v", r.result.AssetID, terr)
		}
		o.saveRecord(ctx, r.record)
	}

	o.failed.Add(1)
	o.errors.Add(1)
	o.log.Errorf("Asset %d failed at %s: %v", r.result.AssetID, step, err)
	return r.result, err
}

func (o *Orchestrator) saveRecord(ctx context.Context, record *model.ProcessingRecord) {
	copied := *record
	copied.DownloadJobIDs = append([]string(nil), record.DownloadJobIDs...)
	copied.StoredFilePaths = append([]string(nil), record.StoredFilePaths...)

	o.mu.Lock()
	o.records[record.AssetID] = &copied
	o.mu.Unlock()

	if o.deps.Records == nil {
		return
	}
	if err := o.deps.Records.SaveRecord(context.WithoutCancel(ctx), &copied); err != nil {
		o.log.Errorf("Failed to save record of asset %d: %v", record.AssetID, err)
	}
}

func (o *Orchestrator) saveJob(ctx context.Context, job *model.DownloadJob) {
	if o.deps.Records == nil {
		return
	}
	if err := o.deps.Records.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		o.log.Errorf("Failed to save job %s: %v", job.JobID, err)
	}
}
