package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/amirphl/orderbook-replay/internal/config"
	"github.com/amirphl/orderbook-replay/internal/db"
	"github.com/amirphl/orderbook-replay/internal/db/conf"
	"github.com/amirphl/orderbook-replay/internal/ingest"
	"github.com/amirphl/orderbook-replay/internal/metrics"
	"github.com/amirphl/orderbook-replay/internal/notifier"
	"github.com/amirphl/orderbook-replay/internal/utils"
	"github.com/lib/pq"
)

func main() {
	// Load configuration
	cfg := config.MustLoadConfig()
	utils.ConfigureLogger(cfg.LogLevel, cfg.LogPretty, nil)
	logger := utils.GetLogger()
	logger.Info().Str("mode", cfg.Mode).Msg("Starting orderbook replay")

	// Cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.Init(*logger)
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("Metrics server failed")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
	}

	err := run(ctx, cfg)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	if err != nil {
		if errors.Is(err, ingest.ErrSourceUnavailable) {
			logger.Fatal().Err(err).Msg("Tick source unavailable")
		}
		logger.Fatal().Err(err).Str("mode", cfg.Mode).Msg("Run failed")
	}
	logger.Info().Msg("Shutdown complete")
}

func run(ctx context.Context, cfg config.Config) error {
	if cfg.Mode == config.ModeMigrate {
		return runMigrations(ctx, cfg.DBConnStr)
	}

	storage, closeStorage, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	n := newNotifier(cfg)

	switch cfg.Mode {
	case config.ModeReplay:
		_, err = runReplay(ctx, cfg, storage, n)
	case config.ModeImport:
		err = runImport(ctx, cfg, storage)
	case config.ModeCapture:
		err = runCapture(ctx, cfg, storage)
	default:
		err = fmt.Errorf("unsupported mode: %s", cfg.Mode)
	}
	return err
}

// openStorage returns the configured storage and a function releasing it.
func openStorage(cfg config.Config) (db.Storage, func(), error) {
	if cfg.Store != config.StorePostgres {
		return db.NewMemory(), func() {}, nil
	}

	dbConfig, err := conf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create DB config: %w", err)
	}
	storage, err := db.New(*dbConfig)
	if err != nil {
		dbConfig.DB.Close()
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	utils.GetLogger().Info().Msg("Connected to Postgres")
	return storage, func() { dbConfig.DB.Close() }, nil
}

func newNotifier(cfg config.Config) notifier.Notifier {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == "" {
		return notifier.Nop{}
	}
	return notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, cfg.NotificationRetries, cfg.NotificationDelay)
}

// runMigrations creates the database if it doesn't exist and applies scripts/schema.sql.
// Database creation is only attempted for URL-style connection strings.
func runMigrations(ctx context.Context, connStr string) error {
	logger := utils.GetLogger()
	logger.Info().Msg("Running database migrations...")

	if u, err := url.Parse(connStr); err == nil && (u.Scheme == "postgres" || u.Scheme == "postgresql") {
		if err := ensureDatabase(ctx, u); err != nil {
			return err
		}
	}

	schemaSQL, err := conf.FindSchema()
	if err != nil {
		return err
	}

	database, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := conf.ApplySchema(database, schemaSQL); err != nil {
		return err
	}

	logger.Info().Msg("Database migrations completed successfully")
	return nil
}

func ensureDatabase(ctx context.Context, u *url.URL) error {
	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	base := *u
	base.Path = "/postgres"
	baseDB, err := sql.Open("postgres", base.String())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer baseDB.Close()

	var exists bool
	err = baseDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}
	if !exists {
		utils.GetLogger().Info().Str("database", dbName).Msg("Creating database")
		if _, err := baseDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}
	return nil
}
