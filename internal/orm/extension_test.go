package orm

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

// recordingFactory wraps OpenEngine and records what each call received.
type recordingFactory struct {
	mu    sync.Mutex
	calls map[string]EngineOptions
}

func (f *recordingFactory) open(uri string, opts EngineOptions, log *zap.Logger) (*gorm.DB, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]EngineOptions)
	}
	f.calls[uri] = opts
	f.mu.Unlock()
	return OpenEngine(uri, opts, log)
}

func newTestExtension(t *testing.T, cfg Config) *Extension {
	t.Helper()
	if cfg.DatabaseURI == "" {
		cfg.DatabaseURI = memoryURI()
	}
	ext := New(cfg)
	if err := ext.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() {
		_ = ext.Close()
	})
	return ext
}

func TestExtension_Init_ForwardsEngineOptions(t *testing.T) {
	t.Parallel()

	opts := EngineOptions{
		"pool_size":       3,
		"max_overflow":    2,
		"pool_recycle":    1800,
		"isolation_level": "SERIALIZABLE",
		"connect_args":    map[string]any{"application_name": "webglue"},
	}
	defaultURI := memoryURI()
	reportsURI := memoryURI()

	factory := &recordingFactory{}
	ext := New(Config{
		DatabaseURI:   defaultURI,
		Binds:         map[string]string{"reports": reportsURI},
		EngineOptions: opts,
	}, WithEngineFactory(factory.open))
	if err := ext.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer func() {
		_ = ext.Close()
	}()

	if len(factory.calls) != 2 {
		t.Fatalf("factory called %d times, want 2", len(factory.calls))
	}
	for _, uri := range []string{defaultURI, reportsURI} {
		got, ok := factory.calls[uri]
		if !ok {
			t.Errorf("factory not called for %s", uri)
			continue
		}
		if !reflect.DeepEqual(got, opts) {
			t.Errorf("factory options for %s = %v, want %v", uri, got, opts)
		}
	}
}

func TestExtension_Init_Errors(t *testing.T) {
	t.Parallel()

	factoryErr := errors.New("boom")

	tests := []struct {
		name    string
		cfg     Config
		factory EngineFactory
		wantErr error
	}{
		{
			name:    "missing uri",
			cfg:     Config{},
			wantErr: ErrNoDatabaseURI,
		},
		{
			name:    "blank uri",
			cfg:     Config{DatabaseURI: "   "},
			wantErr: ErrNoDatabaseURI,
		},
		{
			name:    "invalid engine option",
			cfg:     Config{DatabaseURI: memoryURI(), EngineOptions: EngineOptions{"pool_timeout": true}},
			wantErr: ErrInvalidOption,
		},
		{
			name: "factory failure",
			cfg:  Config{DatabaseURI: memoryURI()},
			factory: func(string, EngineOptions, *zap.Logger) (*gorm.DB, error) {
				return nil, factoryErr
			},
			wantErr: factoryErr,
		},
		{
			name:    "unsupported scheme",
			cfg:     Config{DatabaseURI: "sqlite:///tmp/app.db"},
			wantErr: ErrUnsupportedScheme,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ext := New(tt.cfg, WithEngineFactory(tt.factory))
			err := ext.Init(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Init() error = %v, want %v", err, tt.wantErr)
			}
			if ext.DB() != nil {
				t.Error("DB() should be nil after failed Init")
			}
		})
	}
}

func TestExtension_Engine(t *testing.T) {
	t.Parallel()

	ext := newTestExtension(t, Config{Binds: map[string]string{"audit": memoryURI()}})

	if _, err := ext.Engine(DefaultBind); err != nil {
		t.Errorf("Engine(default) error = %v", err)
	}
	if _, err := ext.Engine("audit"); err != nil {
		t.Errorf("Engine(audit) error = %v", err)
	}
	if _, err := ext.Engine("missing"); !errors.Is(err, ErrUnknownBind) {
		t.Errorf("Engine(missing) error = %v, want ErrUnknownBind", err)
	}
	if ext.DB() == nil {
		t.Error("DB() = nil after Init")
	}

	stats := ext.Stats()
	for _, label := range []string{"default", "audit"} {
		if _, ok := stats[label]; !ok {
			t.Errorf("Stats() missing %q: %v", label, stats)
		}
	}
}

func TestExtension_NotInitialized(t *testing.T) {
	t.Parallel()

	ext := New(Config{DatabaseURI: memoryURI()})

	if _, err := ext.Engine(DefaultBind); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Engine() error = %v, want ErrNotInitialized", err)
	}
	if err := ext.Ping(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Ping() error = %v, want ErrNotInitialized", err)
	}
	if err := ext.AutoMigrate(&widget{}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("AutoMigrate() error = %v, want ErrNotInitialized", err)
	}
	if _, err := ext.NewSession(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("NewSession() error = %v, want ErrNotInitialized", err)
	}
	if err := ext.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestExtension_PingAndClose(t *testing.T) {
	t.Parallel()

	ext := New(Config{DatabaseURI: memoryURI()})
	if err := ext.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := ext.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if err := ext.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if ext.DB() != nil {
		t.Error("DB() should be nil after Close")
	}
}

func TestBindLabel(t *testing.T) {
	t.Parallel()

	if got := bindLabel(DefaultBind); got != "default" {
		t.Errorf("bindLabel(DefaultBind) = %q, want default", got)
	}
	if got := bindLabel("reports"); got != "reports" {
		t.Errorf("bindLabel(reports) = %q, want reports", got)
	}
}

func TestExtension_Init_CustomFactoryOwnsOptions(t *testing.T) {
	t.Parallel()

	opts := EngineOptions{
		"pool_size":     "auto",
		"echo":          "yes-please",
		"pool_pre_ping": "sometimes",
		"pool_timeout":  "soon",
	}
	var (
		mu  sync.Mutex
		got []EngineOptions
	)
	factory := func(uri string, o EngineOptions, log *zap.Logger) (*gorm.DB, error) {
		mu.Lock()
		got = append(got, o)
		mu.Unlock()
		return OpenEngine(uri, nil, log)
	}

	ext := New(Config{DatabaseURI: memoryURI(), EngineOptions: opts}, WithEngineFactory(factory))
	if err := ext.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer func() {
		_ = ext.Close()
	}()

	if len(got) != 1 || !reflect.DeepEqual(got[0], opts) {
		t.Fatalf("factory received %v, want %v", got, opts)
	}
	if ext.prePing {
		t.Error("prePing = true for an unreadable pool_pre_ping")
	}
	if ext.pingTimeout != defaultPingTimeout {
		t.Errorf("pingTimeout = %v, want %v", ext.pingTimeout, defaultPingTimeout)
	}
}

func TestSessionSettings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		opts        EngineOptions
		wantPrePing bool
		wantTimeout time.Duration
	}{
		{"empty", nil, false, defaultPingTimeout},
		{"pre ping", EngineOptions{"pool_pre_ping": true}, true, defaultPingTimeout},
		{"pre ping string", EngineOptions{"pool_pre_ping": "true"}, true, defaultPingTimeout},
		{"timeout seconds", EngineOptions{"pool_timeout": 2}, false, 2 * time.Second},
		{"timeout duration", EngineOptions{"pool_timeout": "750ms"}, false, 750 * time.Millisecond},
		{"zero timeout", EngineOptions{"pool_timeout": 0}, false, defaultPingTimeout},
		{"unreadable values", EngineOptions{"pool_pre_ping": 1, "pool_timeout": true}, false, defaultPingTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			prePing, timeout := sessionSettings(tt.opts)
			if prePing != tt.wantPrePing {
				t.Errorf("prePing = %v, want %v", prePing, tt.wantPrePing)
			}
			if timeout != tt.wantTimeout {
				t.Errorf("timeout = %v, want %v", timeout, tt.wantTimeout)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		initial time.Duration
		attempt int
		want    time.Duration
	}{
		{initialConnectDelay, 0, 500 * time.Millisecond},
		{initialConnectDelay, 1, time.Second},
		{initialConnectDelay, 4, 8 * time.Second},
		{initialConnectDelay, 5, maxConnectDelay},
		{initialConnectDelay, 35, maxConnectDelay},
		{initialConnectDelay, 64, maxConnectDelay},
		{initialConnectDelay, 1000, maxConnectDelay},
		{0, 0, initialConnectDelay},
		{time.Millisecond, 3, 8 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := backoff(tt.initial, tt.attempt); got != tt.want {
			t.Errorf("backoff(%v, %d) = %v, want %v", tt.initial, tt.attempt, got, tt.want)
		}
	}
}

// closedEngine returns an engine whose pool is already closed, so every ping fails.
func closedEngine(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenEngine(memoryURI(), nil, nil)
	if err != nil {
		t.Fatalf("OpenEngine() error = %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("DB() error = %v", err)
	}
	_ = sqlDB.Close()
	return db
}

func TestExtension_Connect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		retries     int
		delay       time.Duration
		ctxTimeout  time.Duration
		wantRetries int
		wantErr     error
		wantMsg     string
	}{
		{
			name:    "no retries",
			retries: 0,
			delay:   time.Millisecond,
			wantMsg: "after 1 attempt(s)",
		},
		{
			name:        "retries exhausted",
			retries:     3,
			delay:       time.Millisecond,
			wantRetries: 3,
			wantMsg:     "after 4 attempt(s)",
		},
		{
			name:        "canceled during backoff",
			retries:     10,
			delay:       time.Hour,
			ctxTimeout:  20 * time.Millisecond,
			wantRetries: 1,
			wantErr:     context.DeadlineExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			core, logs := observer.New(zapcore.WarnLevel)
			ext := New(Config{ConnectRetries: tt.retries}, WithLogger(zap.New(core)))
			ext.connectDelay = tt.delay
			ext.pingTimeout = time.Second

			ctx := context.Background()
			if tt.ctxTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.ctxTimeout)
				defer cancel()
			}

			err := ext.connect(ctx, DefaultBind, closedEngine(t))
			if err == nil {
				t.Fatal("connect() error = nil for a closed engine")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("connect() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("connect() error = %q, want it to contain %q", err, tt.wantMsg)
			}
			if n := logs.FilterMessage("database_connect_retrying").Len(); n != tt.wantRetries {
				t.Errorf("logged %d retries, want %d", n, tt.wantRetries)
			}
		})
	}
}

func TestExtension_Init_UnreachableEngine(t *testing.T) {
	t.Parallel()

	factory := func(string, EngineOptions, *zap.Logger) (*gorm.DB, error) {
		return closedEngine(t), nil
	}
	ext := New(Config{DatabaseURI: memoryURI(), ConnectRetries: 1}, WithEngineFactory(factory))
	ext.connectDelay = time.Millisecond

	err := ext.Init(context.Background())
	if err == nil || !strings.Contains(err.Error(), "connect engine default") {
		t.Fatalf("Init() error = %v, want connect failure", err)
	}
	if ext.DB() != nil {
		t.Error("DB() should be nil after failed Init")
	}
}
