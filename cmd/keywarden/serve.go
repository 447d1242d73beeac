package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dropDatabas3/keywarden/internal/jwks"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Servir el endpoint JWKS well-known y /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := setup(ctx)
			if err != nil {
				return err
			}
			defer d.closeFn()
			defer func() { _ = d.log.Sync() }()

			issuer := d.cfg.JWKS.DefaultIssuer
			if issuer == "" {
				issuer = "default"
			}
			srv := &http.Server{
				Addr:              d.cfg.Server.Addr,
				Handler:           jwks.NewRouter(d.pub, issuer, d.log),
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				d.log.Info("jwks server listening",
					zap.String("addr", srv.Addr), zap.String("default_issuer", issuer))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			d.log.Info("shutting down")
			shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}
