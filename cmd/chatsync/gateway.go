package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bustart/chatsync/gateway"
)

var gatewayAddr string

func init() {
	gatewayCmd.Flags().StringVar(&gatewayAddr, "addr", ":8080", "listen address")
	rootCmd.AddCommand(gatewayCmd)
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run a local development chat gateway",
	Long:  "Serve a websocket chat gateway on /ws. Clients identify with the uid\nquery parameter; messages fan out to every connected client.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		server := gateway.NewServer(ctx)
		httpServer := &http.Server{
			Addr:    gatewayAddr,
			Handler: server.Router(),
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			<-ctx.Done()
			slog.Info("gateway shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("shutdown", slog.String("error", err.Error()))
			}
			server.Shutdown()
		}()

		slog.Info("gateway listening", slog.String("addr", gatewayAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		<-done
		return nil
	},
}
