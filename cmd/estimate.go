package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var estimateCmd = &cobra.Command{
	Use:   "estimate URL",
	Short: "Estimate the size of a media playlist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.log.Close()

		ctx, stop := signalContext()
		defer stop()

		size, err := a.downloader.EstimateSize(ctx, args[0])
		if err != nil {
			return fmt.Errorf("estimate failed: %w", err)
		}
		fmt.Printf("Estimated size: %s (%d bytes)\n", humanize.Bytes(uint64(size)), size)
		return nil
	},
}
