package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/knpwrs/hlsarchiver/internal/api"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status and control API",
	Long: `serve starts the orchestrator and exposes it over HTTP:

  GET  /health         system health, 503 when unhealthy
  GET  /stats          run counters and record counts
  GET  /records        processing records (?status=FAILED&limit=50)
  GET  /records/:id    processing record of one asset
  POST /assets/:id     archive one asset
  POST /batches        archive {"assetIds": [...], "maxConcurrent": n}`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.log.Close()

		ctx, stop := signalContext()
		defer stop()

		orch, records, err := a.startOrchestrator(ctx)
		if err != nil {
			return err
		}

		addr := a.cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		server := api.New(orch, a.monitor, records, a.log)

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start(addr) }()

		select {
		case <-ctx.Done():
			a.log.Infof("Shutting down")
		case err = <-errCh:
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			a.log.Errorf("Server shutdown: %v", serr)
		}
		if serr := orch.Shutdown(context.Background()); serr != nil {
			a.log.Errorf("Orchestrator shutdown: %v", serr)
		}
		return err
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default server.addr)")
}
