package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/watchman/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook receiver and API server",
	Long: `Start the HTTP server that receives push webhooks and manual scan requests.

Accepted events are processed in the background; the server waits for in-flight
runs to finish (bounded by server.shutdown_timeout) before exiting on SIGINT or
SIGTERM. Metrics are exposed on metrics.addr, or on the API listener at /metrics
when both addresses are the same.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd, appOpts{validate: true, server: true})
		if err != nil {
			return err
		}
		defer cleanup()

		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			a.cfg.Server.Addr = addr
		}
		if err := preflight(a.cfg); err != nil {
			a.log.WithError(err).Warn("external tools missing; runs will fail until installed")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sc := a.cfg.Server
		sharedMetrics := a.metrics != nil && a.cfg.Metrics.Addr == sc.Addr
		srv := api.NewServer(a.orch, a.store, api.Options{
			Version:                  version,
			WebhookSecret:            sc.WebhookSecret,
			TokenSecret:              sc.TokenSecret,
			BodyLimitBytes:           sc.BodyLimitBytes,
			RequestsPerSecond:        sc.RateLimit.RequestsPerSecond,
			Burst:                    sc.RateLimit.Burst,
			WebhookRequestsPerSecond: sc.RateLimit.WebhookRequestsPerSecond,
			WebhookBurst:             sc.RateLimit.WebhookBurst,
			Guard:                    guardFor(a.cfg),
			Metrics:                  a.metrics,
			ServeMetrics:             sharedMetrics,
			Log:                      a.log.WithComponent("api"),
			BaseContext:              ctx,
		})

		servers := []*http.Server{{
			Addr:         sc.Addr,
			Handler:      srv.Handler(),
			ReadTimeout:  sc.ReadTimeout,
			WriteTimeout: sc.WriteTimeout,
		}}
		if a.metrics != nil && !sharedMetrics {
			mux := http.NewServeMux()
			mux.Handle("/metrics", a.metrics.Handler())
			servers = append(servers, &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux})
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, hs := range servers {
			hs := hs
			g.Go(func() error {
				a.log.WithField("addr", hs.Addr).Info("listening")
				if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("listen %s: %w", hs.Addr, err)
				}
				return nil
			})
		}
		g.Go(func() error {
			<-gctx.Done()
			a.log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sc.ShutdownTimeout)
			defer cancel()
			var errs []error
			for _, hs := range servers {
				if err := hs.Shutdown(shutdownCtx); err != nil {
					errs = append(errs, fmt.Errorf("shutdown %s: %w", hs.Addr, err))
				}
			}
			if err := srv.Wait(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("waiting for in-flight runs: %w", err))
			}
			return errors.Join(errs...)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
}
