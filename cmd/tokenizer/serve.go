package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/pii-tokenizer/internal/server"
	"github.com/raaihank/pii-tokenizer/internal/trigger"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, event stream and tag listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(true)
			if err != nil {
				return err
			}
			defer log.Sync()

			log.Info("Starting pii-tokenizer",
				zap.String("version", version),
				zap.String("commit", commit),
				zap.String("build_date", date),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log, true)
			if err != nil {
				log.Error("Failed to start", zap.Error(err))
				return err
			}
			defer a.Close()

			g, gctx := errgroup.WithContext(ctx)

			if cfg.Classifier.WatchRules {
				g.Go(func() error { return a.rules.Watch(gctx) })
			}
			if a.hub != nil {
				g.Go(func() error {
					a.hub.Run(gctx)
					return nil
				})
			}
			if cfg.Server.Enabled {
				deps := server.Deps{
					Runs:       a.orch,
					Classifier: a.classifier,
					Platforms:  a.adapters.Platforms(),
					Version:    version,
				}
				if a.emitter != nil {
					deps.Emitter = a.emitter
				}
				if a.hub != nil {
					deps.Hub = a.hub
				}
				srv := server.New(cfg, deps, log)
				g.Go(func() error { return srv.Run(gctx) })
			}
			if cfg.Listener.Enabled {
				poller := trigger.NewTagPoller(a.meta, a.orch, cfg.Tags, cfg.Listener, log)
				listener := trigger.NewListener(cfg.Listener, a.orch, log, poller)
				g.Go(func() error { return listener.Run(gctx) })
			}

			err = g.Wait()
			if err != nil {
				log.Error("Service stopped with error", zap.Error(err))
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if serr := a.orch.Shutdown(shutdownCtx); serr != nil {
				log.Warn("Runs still active at shutdown", zap.Error(serr))
			}
			log.Info("Shutdown complete")
			return err
		},
	}
}
