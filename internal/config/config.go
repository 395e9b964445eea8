package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	jujuerrors "github.com/juju/errors"
)

// Storage drivers.
const (
	DriverTiDB   = "tidb"
	DriverMemory = "memory"
)

// Owner lock backends.
const (
	LockRedis = "redis"
	LockLocal = "local"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort       string
	ServiceName       string
	StorageDriver     string
	ChunkSizeKB       int
	QuotaBytes        int64
	HandleSecret      string
	UploadConcurrency int
	ShutdownTimeout   time.Duration

	// Owner lock configuration
	OwnerLock     string
	OwnerLockTTL  time.Duration
	OwnerLockWait time.Duration

	// Janitor configuration
	JanitorInterval time.Duration
	JanitorGrace    time.Duration

	// Logging configuration
	LogLevel  string
	LogFormat string

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// TiDB configuration
	TiDBHost         string
	TiDBPort         string
	TiDBUser         string
	TiDBPassword     string
	TiDBDatabase     string
	TiDBMaxOpenConns int

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Tracing configuration
	TracingEnabled bool
	JaegerEndpoint string
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. Variables from envFiles (".env" when none are given) fill in
// whatever the environment does not set; a missing file is not an error.
func LoadConfig(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, jujuerrors.Annotate(err, "loading env file")
	}

	driver := getEnv("STORAGE_DRIVER", DriverTiDB)
	defaultLock := LockRedis
	if driver == DriverMemory {
		defaultLock = LockLocal
	}

	config := &Config{
		// Service defaults
		ServicePort:       getEnv("SERVICE_PORT", "8080"),
		ServiceName:       getEnv("SERVICE_NAME", "savage-files"),
		StorageDriver:     driver,
		ChunkSizeKB:       getEnvAsInt("CHUNK_SIZE_KB", 255),
		QuotaBytes:        getEnvAsInt64("QUOTA_BYTES", 1<<30),
		HandleSecret:      getEnv("HANDLE_SECRET", ""),
		UploadConcurrency: getEnvAsInt("UPLOAD_CONCURRENCY", 4),
		ShutdownTimeout:   getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		// Owner lock defaults
		OwnerLock:     getEnv("OWNER_LOCK", defaultLock),
		OwnerLockTTL:  getEnvAsDuration("OWNER_LOCK_TTL", 30*time.Second),
		OwnerLockWait: getEnvAsDuration("OWNER_LOCK_WAIT", 10*time.Second),

		// Janitor defaults
		JanitorInterval: getEnvAsDuration("JANITOR_INTERVAL", 10*time.Minute),
		JanitorGrace:    getEnvAsDuration("JANITOR_GRACE", time.Hour),

		// Logging defaults
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// MinIO defaults
		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "savage-files"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		// TiDB defaults
		TiDBHost:         getEnv("TIDB_HOST", "localhost"),
		TiDBPort:         getEnv("TIDB_PORT", "4000"),
		TiDBUser:         getEnv("TIDB_USER", "root"),
		TiDBPassword:     getEnv("TIDB_PASSWORD", ""),
		TiDBDatabase:     getEnv("TIDB_DATABASE", "savage_files"),
		TiDBMaxOpenConns: getEnvAsInt("TIDB_MAX_OPEN_CONNS", 20),

		// Redis defaults
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Tracing defaults
		TracingEnabled: getEnvAsBool("TRACING_ENABLED", true),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "localhost:4318"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case DriverTiDB, DriverMemory:
	default:
		return jujuerrors.NotValidf("STORAGE_DRIVER %q", c.StorageDriver)
	}
	switch c.OwnerLock {
	case LockRedis, LockLocal:
	default:
		return jujuerrors.NotValidf("OWNER_LOCK %q", c.OwnerLock)
	}
	if c.StorageDriver == DriverMemory && c.OwnerLock == LockRedis {
		return jujuerrors.NotValidf("OWNER_LOCK %q with STORAGE_DRIVER %q", c.OwnerLock, c.StorageDriver)
	}
	if c.HandleSecret == "" {
		return jujuerrors.NotValidf("empty HANDLE_SECRET")
	}
	if c.ChunkSizeKB <= 0 {
		return jujuerrors.NotValidf("CHUNK_SIZE_KB %d", c.ChunkSizeKB)
	}
	if c.QuotaBytes <= 0 {
		return jujuerrors.NotValidf("QUOTA_BYTES %d", c.QuotaBytes)
	}
	if c.UploadConcurrency <= 0 {
		return jujuerrors.NotValidf("UPLOAD_CONCURRENCY %d", c.UploadConcurrency)
	}
	if c.OwnerLock == LockRedis && c.OwnerLockTTL <= 0 {
		return jujuerrors.NotValidf("OWNER_LOCK_TTL %s", c.OwnerLockTTL)
	}
	if c.JanitorInterval < 0 || c.JanitorGrace < 0 {
		return jujuerrors.NotValidf("negative janitor timing")
	}
	// an upload is unowned between its commit and its ownership record
	if c.JanitorInterval > 0 {
		if c.JanitorGrace <= 0 {
			return jujuerrors.NotValidf("JANITOR_GRACE %s with the janitor enabled", c.JanitorGrace)
		}
		if c.OwnerLock == LockRedis && c.JanitorGrace < c.OwnerLockTTL {
			return jujuerrors.NotValidf("JANITOR_GRACE %s shorter than OWNER_LOCK_TTL %s", c.JanitorGrace, c.OwnerLockTTL)
		}
	}
	return nil
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetChunkSizeBytes returns chunk size in bytes
func (c *Config) GetChunkSizeBytes() int64 {
	return int64(c.ChunkSizeKB) * 1024
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
