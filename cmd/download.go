package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/knpwrs/hlsarchiver/internal/downloader"
)

var downloadOutput string

var downloadCmd = &cobra.Command{
	Use:   "download URL",
	Short: "Download one media playlist into a single file",
	Long: `download fetches every fragment of a media playlist and combines them into one file.

No asset descriptor, quality selection or processing record is involved. Fragments
already present next to the output file are reused, so an interrupted download can
be resumed by running the same command again.`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	downloadCmd.Flags().StringVarP(&downloadOutput, "output", "o", "video.mp4", "Path of the combined output file")
}

// runDownload is the main execution function for the download command.
func runDownload(cmd *cobra.Command, args []string) error {
	playlistURL := args[0]

	// Validate URL
	if !strings.HasPrefix(playlistURL, "http://") && !strings.HasPrefix(playlistURL, "https://") {
		return fmt.Errorf("URL must start with http:// or https://")
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.log.Close()

	ctx, stop := signalContext()
	defer stop()

	progress := make(chan downloader.Progress, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range progress {
			if p.Done {
				continue
			}
			fmt.Printf("\r%s", p)
		}
	}()

	result, err := a.downloader.DownloadPlaylist(ctx, playlistURL, downloadOutput, progress)
	close(progress)
	<-done
	fmt.Println()
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	fmt.Printf("Downloaded %d/%d fragments (%d resumed, %d failed) to %s (%s) in %s\n",
		result.CompletedFragments, result.TotalFragments, result.ResumedFragments, result.FailedFragments,
		result.OutputPath, humanize.Bytes(uint64(result.CombinedBytes)), result.Duration.Round(time.Millisecond))
	return nil
}
