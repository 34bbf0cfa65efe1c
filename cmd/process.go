package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/knpwrs/hlsarchiver/internal/orchestrator"
)

var (
	processConcurrency int
	processQualities   []string
)

var processCmd = &cobra.Command{
	Use:   "process ID...",
	Short: "Archive the given assets",
	Long: `process archives every asset ID given on the command line.

Assets are processed by a worker pool. Assets that were archived before are skipped.
On SIGINT or SIGTERM the running assets are cancelled and the processed set is saved.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProcess,
}

func init() {
	processCmd.Flags().IntVarP(&processConcurrency, "concurrency", "c", 0, "Assets processed at once (default processing.maxConcurrent)")
	processCmd.Flags().StringSliceVarP(&processQualities, "quality", "q", nil, "Qualities to download, e.g. 720p,1080p (overrides quality.selection)")
}

func runProcess(cmd *cobra.Command, args []string) error {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid asset id %q", arg)
		}
		ids = append(ids, id)
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.log.Close()

	ctx, stop := signalContext()
	defer stop()

	orch, _, err := a.startOrchestrator(ctx)
	if err != nil {
		return err
	}

	summary := orch.ProcessBatch(ctx, ids, processConcurrency, orchestrator.Options{Qualities: processQualities})

	if err := orch.Shutdown(context.Background()); err != nil {
		a.log.Errorf("Shutdown: %v", err)
	}

	fmt.Printf("Processed %d assets: %d succeeded, %d failed, %d skipped (%.2f assets/s)\n",
		summary.Total, summary.Succeeded, summary.Failed, summary.Skipped, summary.ThroughputPerSecond)
	for _, f := range summary.Failures {
		fmt.Printf("  asset %d failed at %s: %s\n", f.AssetID, f.LastStep, f.Error)
	}

	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d assets failed", summary.Failed, summary.Total)
	}
	return nil
}
