package orm

import (
	"database/sql"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/proullon/ramsql/driver"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Engine option keys understood by OpenEngine.
const (
	OptionPoolSize          = "pool_size"
	OptionMaxOverflow       = "max_overflow"
	OptionPoolRecycle       = "pool_recycle"
	OptionPoolIdleTimeout   = "pool_idle_timeout"
	OptionPoolTimeout       = "pool_timeout"
	OptionPoolPrePing       = "pool_pre_ping"
	OptionEcho              = "echo"
	OptionPrepareStatements = "prepare_statements"
)

// defaultPoolSize is assumed when max_overflow is given without pool_size.
const defaultPoolSize = 5

// ramsqlMaxConn keeps the in-memory engine on a single connection unless the
// options say otherwise; concurrent connections to one ramsql instance are unreliable.
const ramsqlMaxConn = 1

// EngineOptions is the engine configuration mapping. It is handed to the
// EngineFactory as-is.
type EngineOptions map[string]any

// Keys returns the option names in sorted order.
func (o EngineOptions) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EngineFactory constructs an engine for uri. Implementations receive the
// configured options unchanged.
type EngineFactory func(uri string, opts EngineOptions, log *zap.Logger) (*gorm.DB, error)

// poolSettings is the typed view of the options OpenEngine acts on.
type poolSettings struct {
	poolSize     *int
	maxOverflow  *int
	recycle      *time.Duration
	idleTimeout  *time.Duration
	timeout      time.Duration
	prePing      bool
	echo         bool
	prepareStmts bool
}

func parsePoolSettings(opts EngineOptions) (poolSettings, error) {
	var (
		s   poolSettings
		err error
	)
	if s.poolSize, err = intOption(opts, OptionPoolSize); err != nil {
		return s, err
	}
	if s.maxOverflow, err = intOption(opts, OptionMaxOverflow); err != nil {
		return s, err
	}
	if s.recycle, err = durationOption(opts, OptionPoolRecycle); err != nil {
		return s, err
	}
	if s.idleTimeout, err = durationOption(opts, OptionPoolIdleTimeout); err != nil {
		return s, err
	}
	timeout, err := durationOption(opts, OptionPoolTimeout)
	if err != nil {
		return s, err
	}
	if timeout != nil {
		s.timeout = *timeout
	}
	if s.prePing, err = boolOption(opts, OptionPoolPrePing); err != nil {
		return s, err
	}
	if s.echo, err = boolOption(opts, OptionEcho); err != nil {
		return s, err
	}
	if s.prepareStmts, err = boolOption(opts, OptionPrepareStatements); err != nil {
		return s, err
	}
	return s, nil
}

// OpenEngine is the default EngineFactory. It supports postgres:// and
// postgresql:// URIs through lib/pq and ramsql://<name> in-memory databases.
// The connection is not verified here; Extension.Init pings with retries.
func OpenEngine(uri string, opts EngineOptions, log *zap.Logger) (*gorm.DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	settings, err := parsePoolSettings(opts)
	if err != nil {
		return nil, err
	}

	scheme, err := uriScheme(uri)
	if err != nil {
		return nil, err
	}

	var (
		dialector gorm.Dialector
		inMemory  bool
	)
	switch scheme {
	case "postgres", "postgresql":
		dialector = postgres.New(postgres.Config{
			DriverName: "postgres",
			DSN:        uri,
		})
	case "ramsql":
		name := strings.TrimPrefix(strings.TrimPrefix(uri, "ramsql://"), "ramsql:")
		if name == "" {
			return nil, fmt.Errorf("%w: ramsql uri needs a database name", ErrUnsupportedScheme)
		}
		conn, err := sql.Open("ramsql", name)
		if err != nil {
			return nil, fmt.Errorf("could not open in-memory database: %w", err)
		}
		dialector = postgres.New(postgres.Config{Conn: conn})
		inMemory = true
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}

	level := gormlogger.Warn
	if settings.echo {
		level = gormlogger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:               newZapGormLogger(log, level),
		PrepareStmt:          settings.prepareStmts,
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create gorm connection: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("could not retrieve sql.DB: %w", err)
	}
	if inMemory && settings.poolSize == nil && settings.maxOverflow == nil {
		sqlDB.SetMaxOpenConns(ramsqlMaxConn)
	}
	applyPoolSettings(sqlDB, settings)

	for _, k := range opts.Keys() {
		if !knownOption(k) {
			log.Debug("engine_option_ignored", zap.String("option", k))
		}
	}

	return db, nil
}

// uriScheme also accepts libpq key=value connection strings as postgres.
func uriScheme(uri string) (string, error) {
	if !strings.Contains(uri, ":") && strings.Contains(uri, "=") {
		return "postgres", nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse database uri: %w", err)
	}
	return u.Scheme, nil
}

func applyPoolSettings(sqlDB *sql.DB, s poolSettings) {
	if s.poolSize != nil || s.maxOverflow != nil {
		size := defaultPoolSize
		if s.poolSize != nil {
			size = *s.poolSize
		}
		maxOpen := size
		if s.maxOverflow != nil {
			if *s.maxOverflow < 0 {
				maxOpen = 0
			} else {
				maxOpen = size + *s.maxOverflow
			}
		}
		// open first: SetMaxIdleConns is clamped to the current open limit
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(size)
	}
	if s.recycle != nil {
		if *s.recycle < 0 {
			sqlDB.SetConnMaxLifetime(0)
		} else {
			sqlDB.SetConnMaxLifetime(*s.recycle)
		}
	}
	if s.idleTimeout != nil {
		sqlDB.SetConnMaxIdleTime(*s.idleTimeout)
	}
}

func knownOption(key string) bool {
	switch key {
	case OptionPoolSize, OptionMaxOverflow, OptionPoolRecycle, OptionPoolIdleTimeout,
		OptionPoolTimeout, OptionPoolPrePing, OptionEcho, OptionPrepareStatements:
		return true
	}
	return false
}

func intOption(opts EngineOptions, key string) (*int, error) {
	raw, ok := opts[key]
	if !ok || raw == nil {
		return nil, nil
	}
	var n int
	switch v := raw.(type) {
	case int:
		n = v
	case int32:
		n = int(v)
	case int64:
		n = int(v)
	case float64:
		if v != float64(int(v)) {
			return nil, fmt.Errorf("%w: %s must be a whole number, got %v", ErrInvalidOption, key, v)
		}
		n = int(v)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOption, key, err)
		}
		n = parsed
	default:
		return nil, fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidOption, key, raw)
	}
	return &n, nil
}

// durationOption reads numbers as seconds and strings as either seconds or Go durations.
func durationOption(opts EngineOptions, key string) (*time.Duration, error) {
	raw, ok := opts[key]
	if !ok || raw == nil {
		return nil, nil
	}
	var d time.Duration
	switch v := raw.(type) {
	case time.Duration:
		d = v
	case int:
		d = time.Duration(v) * time.Second
	case int64:
		d = time.Duration(v) * time.Second
	case float64:
		d = time.Duration(v * float64(time.Second))
	case string:
		s := strings.TrimSpace(v)
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			d = time.Duration(secs * float64(time.Second))
			break
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOption, key, err)
		}
		d = parsed
	default:
		return nil, fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidOption, key, raw)
	}
	return &d, nil
}

func boolOption(opts EngineOptions, key string) (bool, error) {
	raw, ok := opts[key]
	if !ok || raw == nil {
		return false, nil
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("%w: %s: %v", ErrInvalidOption, key, err)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidOption, key, raw)
	}
}
