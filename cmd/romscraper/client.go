package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ryanm101/romscraper/db"
	"github.com/ryanm101/romscraper/logging"
	"github.com/ryanm101/romscraper/quota"
	"github.com/ryanm101/romscraper/scraper"
)

// quotaLedger picks where dispatches are recorded: a shared Redis sorted set
// when configured, otherwise the local database.
func quotaLedger(ctx context.Context, database *db.DB) (quota.Ledger, func()) {
	if cfg.Redis.Addr == "" {
		return database, func() {}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logging.Warn("redis unavailable, using local quota ledger", "addr", cfg.Redis.Addr, "error", err)
		_ = rdb.Close()
		return database, func() {}
	}
	return quota.NewRedisLedger(rdb, cfg.Redis.Prefix, 0), func() { _ = rdb.Close() }
}

// openClient opens the database and a catalog client sharing its ledger. The
// returned func releases both.
func openClient(ctx context.Context) (*scraper.Client, *db.DB, func(), error) {
	database, err := openDB(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	ledger, closeLedger := quotaLedger(ctx, database)

	client, err := scraper.New(cfg.Credentials(), cfg.ToClientConfig(),
		scraper.WithLedger(ledger),
		scraper.WithLogger(logging.Get()),
	)
	if err != nil {
		closeLedger()
		_ = database.Close()
		return nil, nil, nil, err
	}
	return client, database, func() {
		closeLedger()
		_ = database.Close()
	}, nil
}
