// server/main.go
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

	"github.com/alexedwards/scs/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/rexlx/anonboard/cache"
	"github.com/rexlx/anonboard/config"
	"github.com/rexlx/anonboard/events"
	"github.com/rexlx/anonboard/forum"
	"github.com/rexlx/anonboard/identity"
)

func main() {
	var configPath, addr string

	root := &cobra.Command{
		Use:           "anonboard",
		Short:         "Anonymous posting forum server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load environment variables
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to load .env: %w", err)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.HTTP.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	root.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "anonboard:", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if cfg.Tracing.Enabled {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		defer tp.Shutdown(context.Background())
	}

	// Initialize the database connection.
	forumDB, err := forum.NewDatabase(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("could not initialize database: %w", err)
	}
	defer forumDB.Close()
	logger.Info("Successfully connected to the database.")

	accounts := identity.NewDirectory(forumDB.Pool())
	if cfg.Database.Migrate {
		if err := forumDB.CreateTables(ctx); err != nil {
			return fmt.Errorf("failed to create forum tables: %w", err)
		}
		if err := accounts.CreateTables(ctx); err != nil {
			return fmt.Errorf("failed to create user tables: %w", err)
		}
	}

	var users forum.Directory = accounts
	if cfg.Redis.Addr != "" {
		client, err := cache.Connect(ctx, cache.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		users = cache.NewDirectory(accounts, client, cfg.Redis.TTL, logger)
		logger.Info("Redis profile cache enabled", slog.String("addr", cfg.Redis.Addr))
	}

	opts := forum.ServiceOptions{
		AnonymitySecret: []byte(cfg.Auth.AnonymitySecret),
		Logger:          logger,
	}
	if cfg.NATS.URL != "" {
		pub, err := events.Connect(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer pub.Close()
		if cfg.NATS.Audit {
			if _, err := pub.AuditLog(logger); err != nil {
				return fmt.Errorf("failed to subscribe audit log: %w", err)
			}
		}
		opts.Events = pub
		logger.Info("NATS event publishing enabled", slog.String("url", cfg.NATS.URL))
	}

	svc := forum.NewService(forumDB, users, opts)

	session := scs.New()
	session.Lifetime = cfg.Auth.SessionLifetime
	session.Cookie.HttpOnly = true
	session.Cookie.SameSite = http.SameSiteLaxMode

	// Create the forum handler, injecting the service dependency.
	forumHandler := forum.NewHandlers(svc, accounts, identity.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL), session, logger)

	mux := http.NewServeMux()
	forumHandler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	svr := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: forumHandler.Session.LoadAndSave(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting forum server", slog.String("addr", cfg.HTTP.Addr))
		if err := svr.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return svr.Shutdown(shutdownCtx)
}
