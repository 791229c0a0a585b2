package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"go-chat-sync/internal/config"
	"go-chat-sync/internal/devserver"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run the development chat backend",
		Long: `Run the development chat backend.

Configuration comes from the environment or a .env file: ADDR, JWT_SECRET,
DB_DSN (Postgres, optional), REDIS_ADDR (fan-out, optional), ACCESS_TTL and
REFRESH_TTL.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "http service address (overrides ADDR)")
	return cmd
}

func newLogger(cfg *config.Server) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func serve(parent context.Context, cfg *config.Server) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := newLogger(cfg)

	var store devserver.Store = devserver.NewMemoryStore()
	if cfg.DatabaseDSN != "" {
		pg, err := devserver.OpenPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("❌ failed to connect to DB: %w", err)
		}
		defer pg.Close()
		log.Info("✅ Connected to PostgreSQL")

		if err := pg.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("❌ migration failed: %w", err)
		}
		log.Info("✅ Database schema initialized")
		store = pg
	} else {
		log.Info("DB_DSN not set, keeping data in memory")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("❌ failed to connect to Redis: %w", err)
		}
		log.Info("✅ Connected to Redis")
	}

	srv := devserver.New(devserver.Options{
		Store:  store,
		Tokens: devserver.NewTokens(cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL, nil),
		Redis:  rdb,
		Log:    log,
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		log.Info("🚀 Server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
