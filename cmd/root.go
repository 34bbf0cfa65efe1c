package cmd

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands.
//
// This CLI tool archives HLS assets: it resolves asset descriptors, selects
// quality variants from their master playlists, downloads and combines the
// fragments with resume support, and stores the results with checksums and
// per-asset processing records.
//
// See: https://context7.com/golang/go for Go documentation
var rootCmd = &cobra.Command{
	Use:   "hlsarchiver",
	Short: "Archive HLS video assets",
	Long: `hlsarchiver downloads HLS (M3U8) video assets and keeps a durable archive of them.

For every asset it fetches the descriptor, picks the quality variants allowed by the
configured policy, downloads their fragments concurrently, combines them and stores
the result under a predictable directory layout. Assets that completed once are
never downloaded again.`,
	Example: `  # Archive three assets using ./hlsarchiver.yaml
  hlsarchiver process 1001 1002 1003

  # Download a single media playlist to a file
  hlsarchiver download -o video.mp4 https://cdn.example.com/720p/video.m3u8

  # Remove leftovers of interrupted downloads
  hlsarchiver cleanup

  # Serve the status API
  hlsarchiver serve`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
//
// This is called by main.main(). It only needs to happen once to the rootCmd.
//
// See: https://context7.com/golang/go for Go documentation
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "hlsarchiver.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	rootCmd.AddCommand(processCmd, downloadCmd, estimateCmd, cleanupCmd, statusCmd, serveCmd)
}
