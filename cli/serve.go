package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/code-payments/iap-server/iap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(getApp func() *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the purchase API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := getApp()
			if addr == "" {
				addr = a.cfg.ListenAddr
			}

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			return a.serve(cmd.Context(), lis)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, defaults to IAP_LISTEN_ADDR")
	return cmd
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()
	iap.NewServer(a.log, a.orchestrator, a.catalog).Routes(r)
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return r
}

// serve runs the API on lis until ctx is done.
func (a *app) serve(ctx context.Context, lis net.Listener) error {
	server := &http.Server{
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("Serving", zap.String("addr", lis.Addr().String()))
		errCh <- server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("Failed to shut down server", zap.Error(err))
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
