package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/knpwrs/hlsarchiver/internal/config"
	"github.com/knpwrs/hlsarchiver/internal/downloader"
	"github.com/knpwrs/hlsarchiver/internal/extractor"
	"github.com/knpwrs/hlsarchiver/internal/fetcher"
	"github.com/knpwrs/hlsarchiver/internal/filesystem"
	"github.com/knpwrs/hlsarchiver/internal/history"
	"github.com/knpwrs/hlsarchiver/internal/logger"
	"github.com/knpwrs/hlsarchiver/internal/monitor"
	"github.com/knpwrs/hlsarchiver/internal/orchestrator"
)

// app holds the components shared by the subcommands.
type app struct {
	cfg        *config.Config
	log        *logger.Logger
	fetcher    *fetcher.Fetcher
	downloader *downloader.Downloader
	storage    *filesystem.FileSystem
	monitor    *monitor.Monitor
}

// loadApp reads the configuration and builds the components that need no
// persistent state.
func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Verbose = true
	}

	log, err := logger.New(logger.Options{File: cfg.Logging.File, Verbose: cfg.Logging.Verbose})
	if err != nil {
		return nil, err
	}

	opts := fetcher.DefaultOptions()
	opts.UserAgent = cfg.Download.UserAgent
	opts.MaxAttempts = cfg.Download.MaxFragmentRetries
	opts.BackoffBase = cfg.Download.RetryBackoff()
	opts.Timeout = cfg.Download.FragmentTimeout()
	opts.MaxConnsPerHost = cfg.Download.ConcurrentDownloads
	opts.Logger = log
	f := fetcher.New(opts)

	mon := monitor.New(monitor.HostProbe(), cfg.Storage.BasePath, monitor.ThresholdsFromConfig(cfg.Monitoring), log)
	mon.OnAlert(func(status monitor.SystemStatus, violations []string) {
		log.Warnf("Health alert: %v (disk %.1f GB free)", violations, status.FreeDiskGB)
	})

	return &app{
		cfg:     cfg,
		log:     log,
		fetcher: f,
		downloader: downloader.New(downloader.Config{
			ConcurrentFragments: cfg.Download.ConcurrentFragments,
			PlaylistTimeout:     cfg.Download.PlaylistTimeout(),
			ProgressInterval:    cfg.Download.ProgressInterval(),
			KeepSegments:        cfg.Download.KeepSegments,
		}, f, log),
		storage: filesystem.New(cfg.Storage, log),
		monitor: mon,
	}, nil
}

// openRecords opens the sqlite record store.
func (a *app) openRecords() (*history.RecordStore, error) {
	return history.OpenRecordStore(a.cfg.Storage.DatabasePath)
}

// startOrchestrator wires an orchestrator and runs its startup sequence.
// The record store is owned by the orchestrator and closed on Shutdown.
func (a *app) startOrchestrator(ctx context.Context) (*orchestrator.Orchestrator, *history.RecordStore, error) {
	source, err := extractor.FromConfig(a.cfg.Extractor, a.fetcher)
	if err != nil {
		return nil, nil, err
	}
	records, err := a.openRecords()
	if err != nil {
		return nil, nil, err
	}

	orch := orchestrator.New(orchestrator.Deps{
		Config:     a.cfg,
		Extractor:  source,
		Fetcher:    a.fetcher,
		Downloader: a.downloader,
		Storage:    a.storage,
		Monitor:    a.monitor,
		Records:    records,
		Logger:     a.log,
	})
	if err := orch.Startup(ctx); err != nil {
		records.Close()
		return nil, nil, fmt.Errorf("startup failed: %w", err)
	}
	return orch, records, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
