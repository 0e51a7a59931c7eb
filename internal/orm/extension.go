// Package orm wires gorm into the HTTP request lifecycle: it builds engines from a
// connection URI and an options mapping, and hands each request its own Session.
package orm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultBind names the engine built from Config.DatabaseURI.
const DefaultBind = ""

const (
	initialConnectDelay = 500 * time.Millisecond
	maxConnectDelay     = 10 * time.Second
	defaultPingTimeout  = 5 * time.Second
)

// Config describes the engines an Extension manages.
type Config struct {
	// DatabaseURI is the connection string of the default engine.
	DatabaseURI string
	// Binds maps additional engine names to their connection strings.
	Binds map[string]string
	// EngineOptions is passed to the EngineFactory of every engine without modification.
	EngineOptions EngineOptions
	// CommitOnTeardown commits an open session transaction when the request
	// succeeded instead of rolling it back.
	CommitOnTeardown bool
	// ConnectRetries is the number of extra connection attempts Init makes per engine.
	ConnectRetries int
}

// Extension owns the engines and produces request sessions.
type Extension struct {
	cfg     Config
	factory EngineFactory
	log     *zap.Logger

	prePing      bool
	pingTimeout  time.Duration
	connectDelay time.Duration

	mu      sync.RWMutex
	engines map[string]*gorm.DB
}

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the logger for the extension and the engines it opens.
func WithLogger(log *zap.Logger) Option {
	return func(e *Extension) {
		if log != nil {
			e.log = log
		}
	}
}

// WithEngineFactory replaces OpenEngine as the engine constructor.
func WithEngineFactory(f EngineFactory) Option {
	return func(e *Extension) {
		if f != nil {
			e.factory = f
		}
	}
}

// New returns an uninitialized Extension. Call Init before serving requests.
func New(cfg Config, opts ...Option) *Extension {
	e := &Extension{
		cfg:          cfg,
		factory:      OpenEngine,
		log:          zap.NewNop(),
		connectDelay: initialConnectDelay,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Init opens every configured engine and waits until each answers a ping.
func (e *Extension) Init(ctx context.Context) error {
	if strings.TrimSpace(e.cfg.DatabaseURI) == "" {
		return ErrNoDatabaseURI
	}

	e.prePing, e.pingTimeout = sessionSettings(e.cfg.EngineOptions)

	targets := map[string]string{DefaultBind: e.cfg.DatabaseURI}
	for name, uri := range e.cfg.Binds {
		if name == DefaultBind {
			return fmt.Errorf("bind name must not be empty")
		}
		targets[name] = uri
	}
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)

	opened := make(map[string]*gorm.DB, len(targets))
	for _, name := range names {
		db, err := e.factory(targets[name], e.cfg.EngineOptions, e.log)
		if err != nil {
			_ = closeEngines(opened)
			return fmt.Errorf("open engine %s: %w", bindLabel(name), err)
		}
		opened[name] = db
		if err := e.connect(ctx, name, db); err != nil {
			_ = closeEngines(opened)
			return fmt.Errorf("connect engine %s: %w", bindLabel(name), err)
		}
		e.log.Info("database_engine_ready",
			zap.String("bind", bindLabel(name)),
			zap.Strings("engine_options", e.cfg.EngineOptions.Keys()),
		)
	}

	e.mu.Lock()
	previous := e.engines
	e.engines = opened
	e.mu.Unlock()
	_ = closeEngines(previous)

	return nil
}

// connect pings db, retrying with exponential backoff up to ConnectRetries times.
func (e *Extension) connect(ctx context.Context, name string, db *gorm.DB) error {
	for attempt := 0; ; attempt++ {
		err := e.ping(ctx, db)
		if err == nil {
			return nil
		}
		if attempt >= e.cfg.ConnectRetries {
			return fmt.Errorf("ping failed after %d attempt(s): %w", attempt+1, err)
		}

		delay := backoff(e.connectDelay, attempt)
		e.log.Warn("database_connect_retrying",
			zap.String("bind", bindLabel(name)),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", e.cfg.ConnectRetries),
			zap.Duration("retry_delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect canceled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
}

// sessionSettings reads the two options the extension acts on itself. The map is
// type checked by the factory, so values the default factory would reject fall
// back to their defaults here.
func sessionSettings(opts EngineOptions) (prePing bool, pingTimeout time.Duration) {
	prePing, _ = boolOption(opts, OptionPoolPrePing)
	pingTimeout = defaultPingTimeout
	if d, err := durationOption(opts, OptionPoolTimeout); err == nil && d != nil && *d > 0 {
		pingTimeout = *d
	}
	return prePing, pingTimeout
}

// backoff doubles initial once per attempt, capped at maxConnectDelay.
func backoff(initial time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		initial = initialConnectDelay
	}
	delay := initial
	for i := 0; i < attempt && delay < maxConnectDelay; i++ {
		delay *= 2
	}
	if delay > maxConnectDelay {
		delay = maxConnectDelay
	}
	return delay
}

func (e *Extension) ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.pingTimeout)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// Engine returns the engine registered under bind; DefaultBind selects the default engine.
func (e *Extension) Engine(bind string) (*gorm.DB, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.engines == nil {
		return nil, ErrNotInitialized
	}
	db, ok := e.engines[bind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBind, bind)
	}
	return db, nil
}

// DB returns the default engine, or nil before Init.
func (e *Extension) DB() *gorm.DB {
	db, err := e.Engine(DefaultBind)
	if err != nil {
		return nil
	}
	return db
}

// AutoMigrate creates or updates the tables of models on the default engine.
func (e *Extension) AutoMigrate(models ...any) error {
	db, err := e.Engine(DefaultBind)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("error during auto-migration: %w", err)
	}
	return nil
}

// Ping checks every engine.
func (e *Extension) Ping(ctx context.Context) error {
	e.mu.RLock()
	engines := e.engines
	e.mu.RUnlock()
	if engines == nil {
		return ErrNotInitialized
	}
	var errs []error
	for name, db := range engines {
		if err := e.ping(ctx, db); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", bindLabel(name), err))
		}
	}
	return errors.Join(errs...)
}

// Stats reports connection pool statistics keyed by bind label.
func (e *Extension) Stats() map[string]sql.DBStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]sql.DBStats, len(e.engines))
	for name, db := range e.engines {
		if sqlDB, err := db.DB(); err == nil {
			out[bindLabel(name)] = sqlDB.Stats()
		}
	}
	return out
}

// Close releases every engine. The Extension can be initialized again afterwards.
func (e *Extension) Close() error {
	e.mu.Lock()
	engines := e.engines
	e.engines = nil
	e.mu.Unlock()
	return closeEngines(engines)
}

func closeEngines(engines map[string]*gorm.DB) error {
	var errs []error
	for name, db := range engines {
		sqlDB, err := db.DB()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := sqlDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", bindLabel(name), err))
		}
	}
	return errors.Join(errs...)
}

func bindLabel(name string) string {
	if name == DefaultBind {
		return "default"
	}
	return name
}
