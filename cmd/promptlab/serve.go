package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hrygo/promptlab/internal/observability"
	"github.com/hrygo/promptlab/server"
	"github.com/hrygo/promptlab/store"
	"github.com/hrygo/promptlab/store/db"
)

// serveCmd starts the HTTP API server.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the promptlab HTTP API server.

Experiments are persisted when a driver is configured:
  PROMPTLAB_DRIVER=sqlite   PROMPTLAB_DATA=/var/lib/promptlab
  PROMPTLAB_DRIVER=postgres PROMPTLAB_DSN=postgres://...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServer(ctx)
		},
	}
}

func runServer(ctx context.Context) error {
	st, err := openStore(ctx)
	if err != nil {
		return err
	}

	s, err := server.NewServer(ctx, instance, st, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := s.Start(ctx); err != nil {
		logger.ErrorContext(ctx, "failed to start server", observability.ErrAttr(err))
		s.Shutdown(context.Background())
		return err
	}

	<-ctx.Done()
	s.Shutdown(context.Background())
	return nil
}

// openStore returns nil when experiments are kept in memory.
func openStore(ctx context.Context) (*store.Store, error) {
	driver, err := db.NewDBDriver(instance)
	if err != nil {
		return nil, fmt.Errorf("failed to create db driver: %w", err)
	}
	if driver == nil {
		logger.InfoContext(ctx, "experiment persistence disabled", "driver", instance.Driver)
		return nil, nil
	}

	st := store.New(driver, instance)
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return st, nil
}
