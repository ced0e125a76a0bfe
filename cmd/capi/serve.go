package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/capi-project/capi-core/internal/httpapi"
)

func newServeCmd() *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API on the configured bind address",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			addr := bind
			if addr == "" {
				cfg := a.cfg.Get()
				addr = net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.BindPort))
			}

			srv := &http.Server{
				Addr: addr,
				Handler: httpapi.NewMux(&httpapi.Server{
					Engine:   a.engine,
					Registry: a.registry,
					Sessions: a.sessions,
					Config:   a.cfg,
					Log:      a.log,
				}),
			}

			go func() {
				a.log.Info().Str("event", "serve_listening").Str("addr", addr).Msg("capi listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					a.log.Error().Err(err).Msg("server error")
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				return fmt.Errorf("graceful shutdown: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "HTTP listen address, e.g. 127.0.0.1:8080 (default: config bind_host:bind_port)")
	return cmd
}
