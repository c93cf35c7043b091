package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Cache drivers
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Blob drivers
const (
	BlobFilesystem = "filesystem"
	BlobGridFS     = "gridfs"
)

// Duration is a time.Duration read from "30s"-style strings in JSON, YAML
// and the environment
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config is the whole server configuration
type Config struct {
	Database    DatabaseConfig    `json:"database" yaml:"database"`
	HTTP        HTTPConfig        `json:"http" yaml:"http"`
	WebSocket   WebSocketConfig   `json:"websocket" yaml:"websocket"`
	Coordinator CoordinatorConfig `json:"coordinator" yaml:"coordinator"`
	Auth        AuthConfig        `json:"auth" yaml:"auth"`
	Cache       CacheConfig       `json:"cache" yaml:"cache"`
	Blob        BlobConfig        `json:"blob" yaml:"blob"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
}

type DatabaseConfig struct {
	Driver         string   `json:"driver" yaml:"driver"`
	Path           string   `json:"path" yaml:"path"`
	MaxConnections int      `json:"max_connections" yaml:"max_connections"`
	WriteTimeout   Duration `json:"write_timeout" yaml:"write_timeout"`
}

type HTTPConfig struct {
	Host            string   `json:"host" yaml:"host"`
	Port            int      `json:"port" yaml:"port"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// WebSocketConfig limits inbound push-channel commands per user
type WebSocketConfig struct {
	CommandLimit  int      `json:"command_limit" yaml:"command_limit"`
	CommandWindow Duration `json:"command_window" yaml:"command_window"`
}

// CoordinatorConfig carries the classroom policies
type CoordinatorConfig struct {
	AttendanceWindow Duration `json:"attendance_window" yaml:"attendance_window"`
	CodeTTL          Duration `json:"code_ttl" yaml:"code_ttl"`
	MaxCodeAttempts  int      `json:"max_code_attempts" yaml:"max_code_attempts"`
	MaxImageBytes    int      `json:"max_image_bytes" yaml:"max_image_bytes"`
	StorageRetries   int      `json:"storage_retries" yaml:"storage_retries"`
	RetryBackoff     Duration `json:"retry_backoff" yaml:"retry_backoff"`
}

type AuthConfig struct {
	Secret   string   `json:"secret" yaml:"secret"`
	Issuer   string   `json:"issuer" yaml:"issuer"`
	TokenTTL Duration `json:"token_ttl" yaml:"token_ttl"`
}

type CacheConfig struct {
	Driver        string   `json:"driver" yaml:"driver"`
	TTL           Duration `json:"ttl" yaml:"ttl"`
	RedisAddr     string   `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string   `json:"redis_password" yaml:"redis_password"`
	RedisDB       int      `json:"redis_db" yaml:"redis_db"`
	Prefix        string   `json:"prefix" yaml:"prefix"`
}

type BlobConfig struct {
	Driver        string `json:"driver" yaml:"driver"`
	Root          string `json:"root" yaml:"root"`
	MongoURI      string `json:"mongo_uri" yaml:"mongo_uri"`
	MongoDatabase string `json:"mongo_database" yaml:"mongo_database"`
	Bucket        string `json:"bucket" yaml:"bucket"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// DefaultConfig returns single-host settings backed by SQLite and the local
// filesystem
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:         StoreSQLite,
			Path:           "./data/podium.db",
			MaxConnections: 10,
			WriteTimeout:   Duration(30 * time.Second),
		},
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		WebSocket: WebSocketConfig{
			CommandLimit:  100,
			CommandWindow: Duration(time.Minute),
		},
		Coordinator: CoordinatorConfig{
			AttendanceWindow: Duration(15 * time.Minute),
			CodeTTL:          Duration(60 * time.Second),
			MaxCodeAttempts:  5,
			MaxImageBytes:    5 << 20,
			StorageRetries:   3,
			RetryBackoff:     Duration(50 * time.Millisecond),
		},
		Auth: AuthConfig{
			Issuer:   "podium",
			TokenTTL: Duration(12 * time.Hour),
		},
		Cache: CacheConfig{
			Driver:    CacheMemory,
			TTL:       Duration(5 * time.Minute),
			RedisAddr: "localhost:6379",
			Prefix:    "podium:",
		},
		Blob: BlobConfig{
			Driver:        BlobFilesystem,
			Root:          "./data/selfies",
			MongoDatabase: "podium",
			Bucket:        "selfies",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "podium",
		},
	}
}

// Validate checks every section and reports the first problem found
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case StoreSQLite:
		if c.Database.Path == "" {
			return errors.New("database path cannot be empty")
		}
		if c.Database.MaxConnections <= 0 {
			return errors.New("database max connections must be positive")
		}
		if c.Database.WriteTimeout <= 0 {
			return errors.New("database write timeout must be positive")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	// Port 0 asks the kernel for a free port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}

	if c.WebSocket.CommandLimit <= 0 || c.WebSocket.CommandWindow <= 0 {
		return errors.New("WebSocket command limit and window must be positive")
	}

	window := c.Coordinator.AttendanceWindow.Std()
	if window < time.Minute || window > 240*time.Minute {
		return errors.New("attendance window must be between 1m and 240m")
	}
	if c.Coordinator.CodeTTL <= 0 {
		return errors.New("code TTL must be positive")
	}
	if c.Coordinator.MaxCodeAttempts < 0 {
		return errors.New("max code attempts cannot be negative")
	}
	if c.Coordinator.MaxImageBytes <= 0 {
		return errors.New("max image bytes must be positive")
	}
	if c.Coordinator.StorageRetries <= 0 {
		return errors.New("storage retries must be positive")
	}
	if c.Coordinator.RetryBackoff < 0 {
		return errors.New("retry backoff cannot be negative")
	}

	if c.Auth.Secret == "" {
		return errors.New("auth secret is required (set PODIUM_AUTH_SECRET)")
	}

	switch c.Cache.Driver {
	case CacheNone:
	case CacheMemory:
		if c.Cache.TTL <= 0 {
			return errors.New("cache TTL must be positive")
		}
	case CacheRedis:
		if c.Cache.RedisAddr == "" {
			return errors.New("redis address cannot be empty")
		}
		if c.Cache.TTL <= 0 {
			return errors.New("cache TTL must be positive")
		}
	default:
		return fmt.Errorf("unknown cache driver %q", c.Cache.Driver)
	}

	switch c.Blob.Driver {
	case BlobFilesystem:
		if c.Blob.Root == "" {
			return errors.New("blob root cannot be empty")
		}
	case BlobGridFS:
		if c.Blob.MongoURI == "" || c.Blob.MongoDatabase == "" || c.Blob.Bucket == "" {
			return errors.New("gridfs needs mongo_uri, mongo_database and bucket")
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return errors.New("metrics namespace cannot be empty")
	}
	return nil
}

// Address returns the HTTP listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// LoadFromEnv applies PODIUM_* variables on top of c
func (c *Config) LoadFromEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv(key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("PODIUM_DATABASE_DRIVER", &c.Database.Driver)
	str("PODIUM_DATABASE_PATH", &c.Database.Path)
	num("PODIUM_DATABASE_MAX_CONNECTIONS", &c.Database.MaxConnections)
	dur("PODIUM_DATABASE_WRITE_TIMEOUT", &c.Database.WriteTimeout)

	str("PODIUM_HTTP_HOST", &c.HTTP.Host)
	num("PODIUM_HTTP_PORT", &c.HTTP.Port)
	dur("PODIUM_HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	dur("PODIUM_HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	dur("PODIUM_HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)

	num("PODIUM_WEBSOCKET_COMMAND_LIMIT", &c.WebSocket.CommandLimit)
	dur("PODIUM_WEBSOCKET_COMMAND_WINDOW", &c.WebSocket.CommandWindow)

	dur("PODIUM_ATTENDANCE_WINDOW", &c.Coordinator.AttendanceWindow)
	dur("PODIUM_CODE_TTL", &c.Coordinator.CodeTTL)
	num("PODIUM_MAX_CODE_ATTEMPTS", &c.Coordinator.MaxCodeAttempts)
	num("PODIUM_MAX_IMAGE_BYTES", &c.Coordinator.MaxImageBytes)
	num("PODIUM_STORAGE_RETRIES", &c.Coordinator.StorageRetries)
	dur("PODIUM_RETRY_BACKOFF", &c.Coordinator.RetryBackoff)

	str("PODIUM_AUTH_SECRET", &c.Auth.Secret)
	str("PODIUM_AUTH_ISSUER", &c.Auth.Issuer)
	dur("PODIUM_AUTH_TOKEN_TTL", &c.Auth.TokenTTL)

	str("PODIUM_CACHE_DRIVER", &c.Cache.Driver)
	dur("PODIUM_CACHE_TTL", &c.Cache.TTL)
	str("PODIUM_REDIS_ADDR", &c.Cache.RedisAddr)
	str("PODIUM_REDIS_PASSWORD", &c.Cache.RedisPassword)
	num("PODIUM_REDIS_DB", &c.Cache.RedisDB)

	str("PODIUM_BLOB_DRIVER", &c.Blob.Driver)
	str("PODIUM_BLOB_ROOT", &c.Blob.Root)
	str("PODIUM_MONGO_URI", &c.Blob.MongoURI)
	str("PODIUM_MONGO_DATABASE", &c.Blob.MongoDatabase)
	str("PODIUM_BLOB_BUCKET", &c.Blob.Bucket)

	flag("PODIUM_METRICS_ENABLED", &c.Metrics.Enabled)
	str("PODIUM_METRICS_NAMESPACE", &c.Metrics.Namespace)

	return errors.Join(errs...)
}

// LoadFile overlays a JSON or YAML file on c. Keys absent from the file
// keep their current values. YAML is chosen by the .yaml/.yml extension.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Load builds the configuration with precedence file > environment > defaults
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
