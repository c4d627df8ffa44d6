package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"resumekit.app/unlock/handlers"
	"resumekit.app/unlock/internal/config"
	"resumekit.app/unlock/internal/downloads"
	"resumekit.app/unlock/internal/email"
	"resumekit.app/unlock/internal/entitlements"
	"resumekit.app/unlock/internal/gateway"
	"resumekit.app/unlock/internal/logger"
	"resumekit.app/unlock/internal/orders"
	"resumekit.app/unlock/internal/ratelimit"
	"resumekit.app/unlock/internal/verification"
	"resumekit.app/unlock/storage"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

// app is the wired service graph shared by the serve command and tests.
type app struct {
	cfg   *config.Config
	store storage.Storage
	redis *redis.Client

	orders       *orders.Service
	entitlements *entitlements.Service
	processor    *verification.Processor
	downloads    *downloads.Issuer
	ledger       ratelimit.Ledger
	orderLimiter *ratelimit.FixedWindowLimiter
	sweeper      *orders.Sweeper
	server       *handlers.Server
}

func newApp(ctx context.Context, cfg *config.Config, store storage.Storage) (*app, error) {
	a := &app{
		cfg:          cfg,
		store:        store,
		orders:       orders.NewService(store, cfg.OrderTTL, cfg.MaxVerificationAttempts),
		entitlements: entitlements.NewService(store, cfg.MaxDownloads, cfg.EntitlementTTL),
		orderLimiter: ratelimit.New(cfg.OrderRateLimit, time.Minute),
		sweeper:      orders.NewSweeper(store, cfg.OrderTTL, cfg.SweepInterval),
	}

	if cfg.RedisURL != "" {
		client, err := ratelimit.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.redis = client
		a.ledger = ratelimit.NewRedisLedger(client, cfg.DownloadRateLimit, time.Hour)
	} else {
		a.ledger = ratelimit.NewSlidingWindow(cfg.DownloadRateLimit, time.Hour)
	}

	gateways := gateway.FromConfig(cfg)
	a.processor = verification.NewProcessor(gateways, a.orders, a.entitlements, store, email.FromConfig(cfg), cfg.PublicBaseURL)
	a.downloads = downloads.NewIssuer(store, a.entitlements, a.ledger, cfg.TokenTTL, cfg.PublicBaseURL)
	a.server = handlers.NewServer(handlers.Deps{
		Config:       cfg,
		Orders:       a.orders,
		Entitlements: a.entitlements,
		Gateways:     gateways,
		Processor:    a.processor,
		Downloads:    a.downloads,
		OrderLimiter: a.orderLimiter,
		Version:      version,
	})
	return a, nil
}

// background runs the sweeper and prunes idle limiter windows until ctx is
// cancelled.
func (a *app) background(ctx context.Context) {
	go a.sweeper.Run(ctx)

	go func() {
		ticker := time.NewTicker(a.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := a.orderLimiter.Prune(); n > 0 {
					logger.Debug("Pruned rate limit windows", map[string]interface{}{
						"windows": n,
					})
				}
			}
		}
	}()
}

func (a *app) Close() error {
	a.processor.Wait()

	var result *multierror.Error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close storage: %w", err))
	}
	return result.ErrorOrNil()
}

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "unlock",
		Short:        "ResumeKit template unlock service",
		Version:      version,
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(revokeCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := sentry.Init(sentry.ClientOptions{
				Dsn:              os.Getenv("SENTRY_DSN"),
				Release:          version,
				TracesSampleRate: 1.0,
			})
			if err != nil {
				return fmt.Errorf("sentry.Init: %w", err)
			}
			defer sentry.Flush(2 * time.Second)

			if err := serve(cmd.Context()); err != nil {
				sentry.CaptureException(err)
				return err
			}
			return nil
		},
	}
}

func serve(parent context.Context) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(contextOrBackground(parent), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, store)
	if err != nil {
		store.Close()
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("Shutdown cleanup failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	a.background(ctx)

	srv := a.server.HTTPServer()
	errCh := make(chan error, 1)
	go func() {
		log.Printf("ResumeKit unlock API %s starting on port %s", version, cfg.Port)
		logger.Info("Server listening", map[string]interface{}{
			"port":     cfg.Port,
			"version":  version,
			"gateways": cfg.Gateways(),
			"storage":  storageKind(cfg.DatabaseURL),
			"redis":    cfg.RedisURL != "",
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func migrateCmd() *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if databaseURL == "" || databaseURL == "memory" {
				return errors.New("migrate needs a SQLite database, set DATABASE_URL or --database-url")
			}
			store, err := storage.Open(contextOrBackground(cmd.Context()), databaseURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied to %s\n", databaseURL)
			return store.Close()
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", getenv("DATABASE_URL", "file:unlock.db"), "database to migrate")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired pending orders and download tokens once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOrBackground(cmd.Context())
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			store, err := storage.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer store.Close()

			orderCount, tokenCount, err := orders.NewSweeper(store, cfg.OrderTTL, cfg.SweepInterval).SweepOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d orders and %d tokens\n", orderCount, tokenCount)
			return err
		},
	}
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke [transaction-id]",
		Short: "Deactivate the entitlement granted for a refunded order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOrBackground(cmd.Context())
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			store, err := storage.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer store.Close()

			ent, err := entitlements.NewService(store, cfg.MaxDownloads, cfg.EntitlementTTL).Revoke(ctx, args[0])
			if err != nil {
				return fmt.Errorf("revoke %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked entitlement %s (session %s, template %s)\n", ent.ID, ent.OwnerID, ent.TemplateID)
			return nil
		},
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func storageKind(databaseURL string) string {
	if databaseURL == "memory" || databaseURL == "" {
		return "memory"
	}
	return "sqlite"
}

func getenv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
