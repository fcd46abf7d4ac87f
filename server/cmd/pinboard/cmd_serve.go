package main

import (
	"context"
	"os/signal"
	"syscall"

	"pinboard/server/internal/api"
	"pinboard/server/internal/stream"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// serveCmd starts the local UI bridge
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session and interaction core to a local UI",
	Long: `Starts the HTTP bridge (JSON endpoints under /api) and the WebSocket stream
(/api/stream). The session is bootstrapped once at startup and kept in sync with
the credential store while the server runs.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.session.Bootstrap(ctx); err != nil {
		return err
	}

	hub := stream.NewHub(cfg.Stream, logger)
	srv := api.NewServer(cfg.Server, a.session, a.coord, a.client, hub, logger)

	sessions, cancelSessions := a.session.Subscribe()
	defer cancelSessions()
	events, cancelEvents := a.coord.Subscribe()
	defer cancelEvents()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.session.Run(gctx) })
	g.Go(func() error {
		hub.Pump(gctx, sessions, events)
		return nil
	})
	g.Go(func() error { return srv.Run(gctx) })

	err = g.Wait()
	logger.Info("bridge stopped", zap.Error(err))
	return err
}
