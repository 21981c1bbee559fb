package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// MinIdleTimeout is the smallest IDLE_TIMEOUT accepted. Keepalive pings
// run at half the idle timeout.
const MinIdleTimeout = time.Second

// Storage backends accepted by STORAGE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
	BackendMemory   = "memory"
)

type Config struct {
	ServerPort string
	ServerHost string

	// Persistence
	StorageBackend      string
	DBHost              string
	DBPort              string
	DBUser              string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	BoltPath            string
	SnapshotCompression bool
	PersistDebounce     time.Duration
	PersistWorkers      int

	// Rooms and connections
	RoomGracePeriod  time.Duration
	IdleTimeout      time.Duration
	AwarenessTimeout time.Duration

	// Replication bridge
	BridgeEnabled       bool
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	BridgeChannelPrefix string

	// Observability
	TracingEnabled     bool
	JaegerEndpoint     string
	TracingSampleRatio float64

	ShutdownTimeout time.Duration
}

// Load reads .env (if present), then the environment, then command-line
// flags. Flags win.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs is Load with explicit arguments.
func LoadArgs(args []string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		StorageBackend:      getEnv("STORAGE_BACKEND", BackendBolt),
		DBHost:              getEnv("DB_HOST", "localhost"),
		DBPort:              getEnv("DB_PORT", "5432"),
		DBUser:              getEnv("DB_USER", "postgres"),
		DBPassword:          getEnv("DB_PASSWORD", "postgres"),
		DBName:              getEnv("DB_NAME", "notesync"),
		DBSSLMode:           getEnv("DB_SSLMODE", "disable"),
		BoltPath:            getEnv("BOLT_PATH", "./data/snapshots.db"),
		SnapshotCompression: getEnvBool("SNAPSHOT_COMPRESSION", false),
		PersistDebounce:     getEnvDuration("PERSIST_DEBOUNCE", 2*time.Second),
		PersistWorkers:      getEnvInt("PERSIST_WORKERS", 4),

		RoomGracePeriod:  getEnvDuration("ROOM_GRACE_PERIOD", 60*time.Second),
		IdleTimeout:      getEnvDuration("IDLE_TIMEOUT", 5*time.Minute),
		AwarenessTimeout: getEnvDuration("AWARENESS_TIMEOUT", 30*time.Second),

		BridgeEnabled:       getEnvBool("BRIDGE_ENABLED", false),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		BridgeChannelPrefix: getEnv("BRIDGE_CHANNEL_PREFIX", "notesync"),

		TracingEnabled:     getEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint:     getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1),

		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	fs := pflag.NewFlagSet("notesync", pflag.ContinueOnError)
	fs.StringVar(&cfg.ServerHost, "host", cfg.ServerHost, "address to listen on")
	fs.StringVar(&cfg.ServerPort, "port", cfg.ServerPort, "port to listen on")
	fs.StringVar(&cfg.StorageBackend, "storage", cfg.StorageBackend, "snapshot backend: postgres, bolt or memory")
	fs.StringVar(&cfg.BoltPath, "bolt-path", cfg.BoltPath, "bolt database file")
	fs.BoolVar(&cfg.SnapshotCompression, "compress-snapshots", cfg.SnapshotCompression, "zstd-compress stored snapshots")
	fs.DurationVar(&cfg.PersistDebounce, "persist-debounce", cfg.PersistDebounce, "coalescing window for snapshot saves (0 saves every update)")
	fs.DurationVar(&cfg.RoomGracePeriod, "room-grace", cfg.RoomGracePeriod, "how long an empty room is kept in memory")
	fs.BoolVar(&cfg.BridgeEnabled, "bridge", cfg.BridgeEnabled, "replicate updates through Redis")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the replication bridge")
	fs.BoolVar(&cfg.TracingEnabled, "tracing", cfg.TracingEnabled, "export traces to Jaeger")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendPostgres, BackendBolt, BackendMemory:
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.PersistDebounce < 0 {
		return fmt.Errorf("PERSIST_DEBOUNCE must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"ROOM_GRACE_PERIOD": c.RoomGracePeriod,
		"IDLE_TIMEOUT":      c.IdleTimeout,
		"AWARENESS_TIMEOUT": c.AwarenessTimeout,
		"SHUTDOWN_TIMEOUT":  c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.IdleTimeout < MinIdleTimeout {
		return fmt.Errorf("IDLE_TIMEOUT must be at least %s", MinIdleTimeout)
	}
	if c.PersistWorkers <= 0 {
		return fmt.Errorf("PERSIST_WORKERS must be positive")
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.BridgeEnabled && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when BRIDGE_ENABLED is set")
	}
	return nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseFloat(value, 64); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}
