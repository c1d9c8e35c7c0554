package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexedwards/scs/sqlite3store"
	"github.com/alexedwards/scs/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/NeuralForge6000/goop-utilities/internal/config"
	"github.com/NeuralForge6000/goop-utilities/internal/ledger"
	"github.com/NeuralForge6000/goop-utilities/internal/llm"
	"github.com/NeuralForge6000/goop-utilities/internal/logger"
	"github.com/NeuralForge6000/goop-utilities/server/internal/auth"
	"github.com/NeuralForge6000/goop-utilities/server/internal/database"
	"github.com/NeuralForge6000/goop-utilities/server/internal/handlers"
	"github.com/NeuralForge6000/goop-utilities/server/internal/middleware"
)

func main() {
	defer logger.Close()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var verbose bool

	root := &cobra.Command{
		Use:           "goop-server",
		Short:         "Serve goop chat, cost analytics and ledger sync over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, verbose)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GOOP_CONFIG"), "config file (default is ~/.goop.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, verbose)
		},
	})

	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage sync API keys",
	}
	keys.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create an account and print its sync API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			account, key, err := auth.CreateAccount(db, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account: %s (%s)\nAPI key: %s\n", account.Name, account.ID, key)
			fmt.Fprintln(cmd.OutOrStdout(), "The key is not stored; copy it now.")
			return nil
		},
	})
	root.AddCommand(keys)

	return root
}

func openDB() (*database.DB, error) {
	dbPath := getEnv("DB_PATH", "./goop.db")

	db, err := database.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

func serve(ctx context.Context, configPath string, verbose bool) error {
	log, err := logger.InitServer(verbose)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	table, err := cfg.PricingTable()
	if err != nil {
		return fmt.Errorf("invalid pricing configuration: %w", err)
	}

	port := getEnv("PORT", "8000")

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	l, err := ledger.New(cfg.Ledger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer func() { _ = l.Close() }()

	// Setup session manager with SQLite store
	sessionMgr := scs.New()
	sessionMgr.Store = sqlite3store.New(db.DB)
	sessionMgr.Lifetime = 7 * 24 * time.Hour
	sessionMgr.Cookie.Name = "goop_session"
	sessionMgr.Cookie.Secure = false // Set to true in production with HTTPS
	sessionMgr.Cookie.SameSite = http.SameSiteLaxMode

	h := handlers.New(handlers.Deps{
		DB:        db,
		Sessions:  sessionMgr,
		Completer: llm.NewClient(cfg.Gateway),
		Ledger:    l,
		Table:     table,
		Chat:      cfg.Chat,
		Alerts:    cfg.Alerts,
		Logger:    log,
	})
	defer h.Close()

	// 1 chat request per second per IP, bursts of 5
	limiter := middleware.NewIPRateLimiter(rate.Limit(1), 5)
	handler := middleware.RequestLogger(log)(middleware.SecurityHeaders(h.Routes(limiter)))

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go limiter.Run(logger.ContextWithLogger(ctx, log), 10*time.Minute, time.Hour)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting goop-server",
			zap.String("addr", srv.Addr),
			zap.String("database", getEnv("DB_PATH", "./goop.db")),
			zap.String("ledger", cfg.Ledger.Type),
			zap.String("gateway", cfg.Gateway.BaseURL),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
