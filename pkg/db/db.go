// Package db builds the verifier's backing connections from the
// environment.
package db

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// MustConnect opens the Postgres pool from DATABASE_URL or panics. The
// verifier cannot run without its credential and key-directory store.
func MustConnect() *pgxpool.Pool {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		panic("DATABASE_URL is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		panic(err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		panic(err)
	}
	return pool
}

// ConnectRedis opens the replay-guard backend from REDIS_URL. A missing
// REDIS_URL returns nil and the caller falls back to the in-process store;
// single-use semantics then hold per node only.
func ConnectRedis() *redis.Client {
	u := os.Getenv("REDIS_URL")
	if u == "" {
		return nil
	}
	opts, err := redis.ParseURL(u)
	if err != nil {
		panic(err)
	}
	return redis.NewClient(opts)
}
