package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/evoladder/evoladder/internal/bus"
	"github.com/evoladder/evoladder/internal/catalog"
	"github.com/evoladder/evoladder/internal/config"
	"github.com/evoladder/evoladder/internal/data"
	"github.com/evoladder/evoladder/internal/guard"
	"github.com/evoladder/evoladder/internal/leaderboard"
	"github.com/evoladder/evoladder/internal/lifecycle"
	"github.com/evoladder/evoladder/internal/matchmaker"
	"github.com/evoladder/evoladder/internal/objstore"
	"github.com/evoladder/evoladder/internal/replay"
	"github.com/evoladder/evoladder/internal/sqlstore"
	"github.com/evoladder/evoladder/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ladder service",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	cat, err := catalog.Load(cfg.CatalogDir)
	if err != nil {
		return fmt.Errorf("reference tables: %w", err)
	}

	db, err := sqlstore.Open(cfg.DatabaseType, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	store, err := data.New(db, cfg.FailedWritesLog, log)
	if err != nil {
		return fmt.Errorf("data layer: %w", err)
	}

	b := bus.New()
	defer b.Close()

	lb := leaderboard.New(store, log)
	store.OnInvalidate(lb.Invalidate)

	mm := matchmaker.New(store, cat, b, log)
	coord := lifecycle.New(store, b, log)

	var primary objstore.Store
	if cfg.SupabaseURL != "" {
		primary = objstore.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseBucket, cfg.SupabaseKey)
	}
	rs := replay.NewService(store, coord, b, replay.S2Parser{},
		primary, objstore.NewLocalStore(cfg.ReplayDir), cfg.WorkerProcesses, log)

	var names guard.NameValidator = guard.EnglishNames{}
	if cfg.InternationalNames {
		names = guard.InternationalNames{}
	}

	srv := web.New(cfg.ListenAddr, cfg.GlobalTimeout, store, cat, lb, mm, coord, rs, b, names, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { mm.Run(ctx); return nil })
	g.Go(func() error { coord.Run(ctx); return nil })
	g.Go(func() error { lb.Run(ctx); return nil })
	g.Go(func() error { return srv.Run(ctx) })

	log.Info("service started", "listen", cfg.ListenAddr, "db", cfg.DatabaseType.String())
	err = g.Wait()

	// Stop accepting work, then drain the write queue.
	rs.Close()
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if cerr := store.Close(drainCtx); cerr != nil {
		log.Error("write queue drain incomplete", "err", cerr)
	}

	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info("shutdown complete")
	return nil
}
