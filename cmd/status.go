package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/knpwrs/hlsarchiver/internal/history"
	"github.com/knpwrs/hlsarchiver/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show system health and archive statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.log.Close()

		status, healthy, violations := a.monitor.Check()
		fmt.Printf("Health: %s\n", healthLabel(healthy, violations))
		fmt.Printf("  free disk: %.1f GB  memory: %.1f%%  cpu: %.1f%%\n", status.FreeDiskGB, status.MemoryPercent, status.CPUPercent)

		processed := history.NewProcessedSet(a.cfg.Storage.ProgressFile)
		if err := processed.Load(); err != nil {
			return err
		}
		fmt.Printf("Processed assets: %d\n", processed.Len())

		records, err := a.openRecords()
		if err != nil {
			return err
		}
		defer records.Close()

		ctx := context.Background()
		counts, err := records.CountByStatus(ctx)
		if err != nil {
			return err
		}
		for _, s := range []model.ProcessingStatus{model.StatusCompleted, model.StatusFailed, model.StatusProcessing, model.StatusNew} {
			fmt.Printf("  %-10s %d\n", s, counts[s])
		}

		last, err := records.LatestRunStats(ctx)
		switch {
		case errors.Is(err, history.ErrNotFound):
			fmt.Println("No runs recorded")
		case err != nil:
			return err
		default:
			fmt.Printf("Last run %s: %d processed, %d failed, %d skipped, %s in %s\n",
				humanize.Time(last.EndedAt), last.Processed, last.Failed, last.Skipped,
				humanize.Bytes(uint64(last.Bytes)), last.Duration.Round(time.Second))
		}
		return nil
	},
}

func healthLabel(healthy bool, violations []string) string {
	if healthy {
		return "ok"
	}
	return fmt.Sprintf("unhealthy %v", violations)
}
