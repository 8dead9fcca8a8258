// Package app assembles the storage, lock backend and services for one workspace.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"formline/internal/bank"
	"formline/internal/config"
	"formline/internal/db"
	"formline/internal/engine"
	"formline/internal/flow"
	"formline/internal/lock"
	"formline/internal/migrate"
)

type Options struct {
	Workspace string
	// Config overrides the workspace formline.yml when set.
	Config *config.Config
	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// Env is an opened workspace.
type Env struct {
	DB     *sql.DB
	Config *config.Config
	Log    *slog.Logger
	Locks  lock.Locker
	Engine engine.Engine
	Flow   flow.Controller
	Bank   bank.Indexer

	closers []func() error
}

// Open migrates the workspace database and wires every service to one
// lock backend.
func Open(ctx context.Context, opts Options) (*Env, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	log := NewLogger(cfg, out)

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	env := &Env{DB: conn, Config: cfg, Log: log, closers: []func() error{conn.Close}}
	if err := migrate.Migrate(ctx, conn); err != nil {
		env.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	locks, closeLocks, err := NewLocker(ctx, cfg, log)
	if err != nil {
		env.Close()
		return nil, err
	}
	if closeLocks != nil {
		env.closers = append(env.closers, closeLocks)
	}
	env.Locks = locks
	env.Engine = engine.New(conn, locks, log.With("component", "engine"))
	env.Flow = flow.New(conn, locks, log.With("component", "flow"))
	env.Bank = bank.Indexer{Repo: env.Engine.Repo}
	return env, nil
}

// Close releases resources in reverse order of acquisition.
func (e *Env) Close() error {
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	e.closers = nil
	return first
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewLocker returns the configured lock backend and, for redis, a close func.
func NewLocker(ctx context.Context, cfg *config.Config, log *slog.Logger) (lock.Locker, func() error, error) {
	if cfg.Locks.Backend != "redis" {
		return lock.NewKeyed(), nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Locks.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Locks.RedisAddr, err)
	}
	log.Info("using redis locks", "addr", cfg.Locks.RedisAddr, "prefix", cfg.Locks.Prefix)
	return lock.NewRedis(client, cfg.Locks.Prefix, cfg.Locks.TTL, cfg.Locks.Retry, log.With("component", "lock")), client.Close, nil
}
