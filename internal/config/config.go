package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Tracking      TrackingConfig      `yaml:"tracking"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Analytics     AnalyticsConfig     `yaml:"analytics"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// TrackingConfig points the dashboard at an MLflow-compatible tracking
// server. When BaseURL is empty the dashboard serves from local storage only.
type TrackingConfig struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c TrackingConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type IngestConfig struct {
	QueueSize int `yaml:"queue_size"`
}

type AnalyticsConfig struct {
	SearchLimit int `yaml:"search_limit"`
}

type ObservabilityConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level onto its slog equivalent. Unset and
// unknown values fall back to info so a bad config never silences logging.
func (c LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const (
	defaultOTELEndpoint    = "localhost:4318"
	defaultOTELServiceName = "mltrack-dashboard"
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/mltrack.db",
			},
		},
		Tracking: TrackingConfig{
			TimeoutSeconds: 30,
		},
		Ingest: IngestConfig{
			QueueSize: 256,
		},
		Analytics: AnalyticsConfig{
			SearchLimit: 10_000,
		},
		Observability: ObservabilityConfig{
			Enabled:     false,
			Endpoint:    defaultOTELEndpoint,
			ServiceName: defaultOTELServiceName,
			Insecure:    true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.SQLite.Path) == "" {
			return errors.New("storage.sqlite.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.Postgres.DSN) == "" {
			return errors.New("storage.postgres.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if baseURL := strings.TrimSpace(cfg.Tracking.BaseURL); baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil {
			return fmt.Errorf("parse tracking.base_url: %w", err)
		}
		if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
			return fmt.Errorf("tracking.base_url must include scheme and host (got %q)", cfg.Tracking.BaseURL)
		}
	}
	if cfg.Tracking.TimeoutSeconds < 0 {
		return fmt.Errorf("tracking.timeout_seconds must be >= 0 (got %d)", cfg.Tracking.TimeoutSeconds)
	}

	if cfg.Ingest.QueueSize < 0 {
		return fmt.Errorf("ingest.queue_size must be >= 0 (got %d)", cfg.Ingest.QueueSize)
	}
	if cfg.Analytics.SearchLimit < 0 {
		return fmt.Errorf("analytics.search_limit must be >= 0 (got %d)", cfg.Analytics.SearchLimit)
	}

	switch level := strings.ToLower(strings.TrimSpace(cfg.Logging.Level)); level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", cfg.Logging.Level)
	}

	if err := validateObservability(cfg.Observability); err != nil {
		return err
	}

	return nil
}

func validateObservability(cfg ObservabilityConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.endpoint is required when observability.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.service_name is required when observability.enabled=true")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("MLTRACK_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("MLTRACK_SERVER_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid MLTRACK_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = v
	}
	if origins := os.Getenv("MLTRACK_SERVER_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitCSV(origins)
	}

	if storageDriver := os.Getenv("MLTRACK_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if sqlitePath := os.Getenv("MLTRACK_STORAGE_SQLITE_PATH"); sqlitePath != "" {
		cfg.Storage.SQLite.Path = sqlitePath
	}
	if postgresDSN := os.Getenv("MLTRACK_STORAGE_POSTGRES_DSN"); postgresDSN != "" {
		cfg.Storage.Postgres.DSN = postgresDSN
	}

	if baseURL := os.Getenv("MLTRACK_TRACKING_BASE_URL"); baseURL != "" {
		cfg.Tracking.BaseURL = baseURL
	}
	if token := os.Getenv("MLTRACK_TRACKING_TOKEN"); token != "" {
		cfg.Tracking.Token = token
	}
	if timeout := os.Getenv("MLTRACK_TRACKING_TIMEOUT_SECONDS"); timeout != "" {
		v, err := strconv.Atoi(timeout)
		if err != nil {
			return fmt.Errorf("invalid MLTRACK_TRACKING_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Tracking.TimeoutSeconds = v
	}

	if queueSize := os.Getenv("MLTRACK_INGEST_QUEUE_SIZE"); queueSize != "" {
		v, err := strconv.Atoi(queueSize)
		if err != nil {
			return fmt.Errorf("invalid MLTRACK_INGEST_QUEUE_SIZE: %w", err)
		}
		cfg.Ingest.QueueSize = v
	}

	if searchLimit := os.Getenv("MLTRACK_ANALYTICS_SEARCH_LIMIT"); searchLimit != "" {
		v, err := strconv.Atoi(searchLimit)
		if err != nil {
			return fmt.Errorf("invalid MLTRACK_ANALYTICS_SEARCH_LIMIT: %w", err)
		}
		cfg.Analytics.SearchLimit = v
	}

	if enabled := os.Getenv("MLTRACK_OBSERVABILITY_ENABLED"); enabled != "" {
		v, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid MLTRACK_OBSERVABILITY_ENABLED: %w", err)
		}
		cfg.Observability.Enabled = v
	}
	if endpoint := os.Getenv("MLTRACK_OBSERVABILITY_ENDPOINT"); endpoint != "" {
		cfg.Observability.Endpoint = endpoint
	}
	if serviceName := os.Getenv("MLTRACK_OBSERVABILITY_SERVICE_NAME"); serviceName != "" {
		cfg.Observability.ServiceName = serviceName
	}
	if insecure := os.Getenv("MLTRACK_OBSERVABILITY_INSECURE"); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid MLTRACK_OBSERVABILITY_INSECURE: %w", err)
		}
		cfg.Observability.Insecure = v
	}

	if level := os.Getenv("MLTRACK_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
