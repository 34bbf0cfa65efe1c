package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [PATH]",
	Short: "Remove temporary files and empty directories",
	Long: `cleanup removes files left behind by interrupted downloads (*.tmp, *.partial,
*.downloading) and then every directory left empty. PATH defaults to storage.basePath.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.log.Close()

		root := a.storage.BasePath()
		if len(args) == 1 {
			root = args[0]
		}

		summary := a.storage.Cleanup(root)
		fmt.Printf("Removed %d files (%s) and %d directories in %s\n",
			summary.FilesRemoved, humanize.Bytes(uint64(summary.BytesFreed)), summary.DirectoriesRemoved, summary.Duration.Round(time.Millisecond))
		for _, e := range summary.Errors {
			fmt.Printf("  %s\n", e)
		}
		if len(summary.Errors) > 0 {
			return fmt.Errorf("cleanup finished with %d errors", len(summary.Errors))
		}
		return nil
	},
}
