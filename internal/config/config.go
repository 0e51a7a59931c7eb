package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/benvon/webglue/internal/cors"
	"github.com/benvon/webglue/internal/orm"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultFrontendURL        = "http://localhost:3000"
	defaultCORSReloadInterval = 30 * time.Second
	defaultFallbackMaxAge     = 86400
	defaultRequestTimeout     = 30 * time.Second
)

// Config holds application configuration
type Config struct {
	DatabaseURL              string
	DatabaseBinds            map[string]string
	DatabaseEngineOptions    orm.EngineOptions
	DatabaseCommitOnTeardown bool
	DatabaseConnectRetries   int
	ServerPort               string
	FrontendURL              string
	ServerDebugMode          bool
	EnableHSTS               bool
	RequestTimeout           time.Duration
	LogFormat                string
	RedisURL                 string
	RateLimit                string
	OTELEnabled              bool
	OTELEndpoint             string
	AdminAPIEnabled          bool
	MetricsEnabled           bool
	ConfigFile               string
	CORSResources            []cors.Resource
	CORSReloadInterval       time.Duration
}

// fileConfig is the layout of the optional YAML file named by CONFIG_FILE.
type fileConfig struct {
	Database struct {
		URI              string            `yaml:"uri"`
		Binds            map[string]string `yaml:"binds"`
		EngineOptions    map[string]any    `yaml:"engine_options"`
		CommitOnTeardown *bool             `yaml:"commit_on_teardown"`
		ConnectRetries   *int              `yaml:"connect_retries"`
	} `yaml:"database"`
	CORS struct {
		ReloadInterval string          `yaml:"reload_interval"`
		Resources      []cors.Resource `yaml:"resources"`
	} `yaml:"cors"`
}

type lookupFunc func(string) string

// Load loads configuration from environment variables and the optional CONFIG_FILE.
// Environment variables win over values from the file. A .env file in the working
// directory is read first; it never overrides variables already set.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	return load(os.Getenv)
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func load(env lookupFunc) (*Config, error) {
	cfg := &Config{
		ServerPort:         getEnv(env, "SERVER_PORT", "8080"),
		FrontendURL:        getEnv(env, "FRONTEND_URL", defaultFrontendURL),
		ServerDebugMode:    getEnvBool(env, "SERVER_DEBUG_MODE", false),
		EnableHSTS:         getEnvBool(env, "SERVER_ENABLE_HSTS", false),
		RequestTimeout:     defaultRequestTimeout,
		LogFormat:          getEnv(env, "LOG_FORMAT", ""),
		RedisURL:           getEnv(env, "REDIS_URL", ""),
		RateLimit:          getEnv(env, "RATE_LIMIT", ""),
		OTELEnabled:        getEnvBool(env, "OTEL_ENABLED", false),
		OTELEndpoint:       getEnv(env, "OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		AdminAPIEnabled:    getEnvBool(env, "ADMIN_API_ENABLED", false),
		MetricsEnabled:     getEnvBool(env, "METRICS_ENABLED", false),
		ConfigFile:         getEnv(env, "CONFIG_FILE", ""),
		DatabaseBinds:      map[string]string{},
		CORSReloadInterval: defaultCORSReloadInterval,
	}

	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	cfg.DatabaseURL = getEnv(env, "DATABASE_URL", cfg.DatabaseURL)
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	cfg.DatabaseCommitOnTeardown = getEnvBool(env, "DATABASE_COMMIT_ON_TEARDOWN", cfg.DatabaseCommitOnTeardown)
	cfg.DatabaseConnectRetries = getEnvInt(env, "DATABASE_CONNECT_RETRIES", cfg.DatabaseConnectRetries)

	if raw := env("DATABASE_BINDS"); raw != "" {
		binds, err := ParseBinds(raw)
		if err != nil {
			return nil, err
		}
		for name, uri := range binds {
			cfg.DatabaseBinds[name] = uri
		}
	}

	if raw := env("DATABASE_ENGINE_OPTIONS"); raw != "" {
		opts, err := ParseEngineOptions(raw)
		if err != nil {
			return nil, err
		}
		if cfg.DatabaseEngineOptions == nil {
			cfg.DatabaseEngineOptions = orm.EngineOptions{}
		}
		for k, v := range opts {
			cfg.DatabaseEngineOptions[k] = v
		}
	}
	if raw := env("DATABASE_ECHO"); raw != "" {
		if _, ok := cfg.DatabaseEngineOptions[orm.OptionEcho]; !ok {
			if cfg.DatabaseEngineOptions == nil {
				cfg.DatabaseEngineOptions = orm.EngineOptions{}
			}
			cfg.DatabaseEngineOptions[orm.OptionEcho] = getEnvBool(env, "DATABASE_ECHO", false)
		}
	}

	if raw := env("CORS_RELOAD_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("CORS_RELOAD_INTERVAL: %w", err)
		}
		cfg.CORSReloadInterval = d
	}

	if raw := env("REQUEST_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("REQUEST_TIMEOUT: invalid duration %q", raw)
		}
		cfg.RequestTimeout = d
	}

	if len(cfg.CORSResources) == 0 {
		cfg.CORSResources = DefaultCORSResources(cfg.FrontendURL)
	}
	for _, res := range cfg.CORSResources {
		if err := res.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	c.DatabaseURL = fc.Database.URI
	for name, uri := range fc.Database.Binds {
		c.DatabaseBinds[name] = uri
	}
	if fc.Database.EngineOptions != nil {
		c.DatabaseEngineOptions = orm.EngineOptions(fc.Database.EngineOptions)
	}
	if fc.Database.CommitOnTeardown != nil {
		c.DatabaseCommitOnTeardown = *fc.Database.CommitOnTeardown
	}
	if fc.Database.ConnectRetries != nil {
		c.DatabaseConnectRetries = *fc.Database.ConnectRetries
	}
	if fc.CORS.ReloadInterval != "" {
		d, err := time.ParseDuration(fc.CORS.ReloadInterval)
		if err != nil {
			return fmt.Errorf("cors.reload_interval: %w", err)
		}
		c.CORSReloadInterval = d
	}
	c.CORSResources = fc.CORS.Resources
	return nil
}

// ORM returns the settings of the ORM extension.
func (c *Config) ORM() orm.Config {
	return orm.Config{
		DatabaseURI:      c.DatabaseURL,
		Binds:            c.DatabaseBinds,
		EngineOptions:    c.DatabaseEngineOptions,
		CommitOnTeardown: c.DatabaseCommitOnTeardown,
		ConnectRetries:   c.DatabaseConnectRetries,
	}
}

// DefaultCORSResources is the rule table used when none is configured: every
// path, the comma-separated frontend origins, credentials allowed.
func DefaultCORSResources(frontendURL string) []cors.Resource {
	var origins []string
	for _, o := range strings.Split(frontendURL, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{defaultFrontendURL}
	}
	return []cors.Resource{{
		Pattern: "*",
		Policy: cors.Policy{
			Origins: origins,
			Methods: []string{
				http.MethodGet, http.MethodPost, http.MethodPatch,
				http.MethodPut, http.MethodDelete, http.MethodOptions,
			},
			AllowHeaders:        []string{"Content-Type", "Authorization"},
			SupportsCredentials: true,
			MaxAge:              defaultFallbackMaxAge,
		},
	}}
}

// ParseBinds parses "name=uri,name=uri".
func ParseBinds(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, uri, ok := strings.Cut(part, "=")
		name, uri = strings.TrimSpace(name), strings.TrimSpace(uri)
		if !ok || name == "" || uri == "" {
			return nil, fmt.Errorf("DATABASE_BINDS: expected name=uri, got %q", part)
		}
		out[name] = uri
	}
	return out, nil
}

// ParseEngineOptions decodes an inline YAML or JSON mapping.
func ParseEngineOptions(raw string) (orm.EngineOptions, error) {
	opts := map[string]any{}
	if err := yaml.Unmarshal([]byte(raw), &opts); err != nil {
		return nil, fmt.Errorf("DATABASE_ENGINE_OPTIONS: %w", err)
	}
	return orm.EngineOptions(opts), nil
}

func getEnv(env lookupFunc, key, defaultValue string) string {
	if value := env(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(env lookupFunc, key string, defaultValue bool) bool {
	if value := env(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(env lookupFunc, key string, defaultValue int) int {
	if value := env(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
