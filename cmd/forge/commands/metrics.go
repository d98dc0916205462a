package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsforge/opsforge/pkg/catalog"
)

func newMetricsCommand() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve the Prometheus metrics endpoint",
		Long: `Run the metrics HTTP endpoint until interrupted. When the catalog is
configured with watch enabled, catalog file changes are re-synced into
the store while this command runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			addr := listenAddr
			if addr == "" {
				addr = a.cfg.Telemetry.Metrics.ListenAddress
			}
			path := a.cfg.Telemetry.Metrics.Path
			if path == "" {
				path = "/metrics"
			}

			mux := http.NewServeMux()
			mux.Handle(path, a.metrics.Handler())

			server := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			if a.cfg.Catalog.Watch && a.cfg.Catalog.Path != "" {
				watcher, err := catalog.NewWatcher(a.cfg.Catalog.Path, a.store, a.logger)
				if err != nil {
					return fmt.Errorf("failed to watch catalog: %w", err)
				}
				go func() {
					if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						a.logger.WithError(err).Error("catalog watcher stopped")
					}
				}()
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.ListenAndServe()
			}()

			a.logger.Infof("metrics listening on %s%s", addr, path)

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (defaults to telemetry config)")

	return cmd
}
