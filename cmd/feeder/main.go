// Command feeder consumes raw transactions from the Redis stream, scores
// them, and writes the classified rows into the source tables the relay
// watches.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"

	"github.com/jmehta/fraudwatch/internal/config"
	"github.com/jmehta/fraudwatch/internal/feeder"
	"github.com/jmehta/fraudwatch/internal/logging"
	"github.com/jmehta/fraudwatch/internal/txn"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Component(logging.New(cfg.LogLevel, cfg.LogFormat), "feeder")

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	defer func() { _ = rdb.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	var store txn.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()

		if err := db.Ping(); err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}

		pgStore := txn.NewPostgresStore(db)
		if err := pgStore.Migrate(ctx); err != nil {
			logger.Warn("failed to migrate transaction store", "error", err)
		}
		store = pgStore
		logger.Info("writing to PostgreSQL")
	} else {
		// Without Postgres the relay cannot see the feeder's writes;
		// in-memory mode only exercises the scoring path.
		store = txn.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, writing to in-memory store")
	}

	f := feeder.New(rdb, store, feeder.NewHeuristicScorer(), cfg.StreamKey, logger)

	if err := f.Run(ctx); err != nil {
		logger.Error("feeder error", "error", err)
		os.Exit(1)
	}
	logger.Info("feeder stopped")
}
