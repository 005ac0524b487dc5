package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Storage   StorageConfig
	Export    ExportConfig
	RateLimit RateLimitConfig
	Gateway   GatewayConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	Path string // sqlite database file
}

type JWTConfig struct {
	Secret string
}

type StorageConfig struct {
	Driver   string // "local" or "s3"
	LocalDir string
	S3       S3Config
}

type S3Config struct {
	Endpoint        string // empty for stock AWS S3
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

type ExportConfig struct {
	RetentionDays int
	SweepInterval time.Duration
	Concurrency   int
}

type RateLimitConfig struct {
	StartsPerHour int
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("S3_ACCESS_KEY_ID")
	readSecret("S3_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("database.path", "DATABASE_PATH")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("storage.driver", "STORAGE_DRIVER")
	_ = viper.BindEnv("storage.local_dir", "STORAGE_LOCAL_DIR")
	_ = viper.BindEnv("storage.s3.endpoint", "S3_ENDPOINT")
	_ = viper.BindEnv("storage.s3.region", "S3_REGION")
	_ = viper.BindEnv("storage.s3.access_key_id", "S3_ACCESS_KEY_ID")
	_ = viper.BindEnv("storage.s3.secret_access_key", "S3_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("storage.s3.bucket", "S3_BUCKET")
	_ = viper.BindEnv("export.retention_days", "EXPORT_RETENTION_DAYS")
	_ = viper.BindEnv("export.sweep_interval_minutes", "EXPORT_SWEEP_INTERVAL_MINUTES")
	_ = viper.BindEnv("export.concurrency", "EXPORT_CONCURRENCY")
	_ = viper.BindEnv("ratelimit.starts_per_hour", "EXPORT_STARTS_PER_HOUR")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("database.path", "data/export-engine.db")
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("storage.driver", "local")
	viper.SetDefault("storage.local_dir", "data/packages")
	viper.SetDefault("export.retention_days", 7)
	viper.SetDefault("export.sweep_interval_minutes", 15)
	viper.SetDefault("export.concurrency", 4)
	viper.SetDefault("ratelimit.starts_per_hour", 20)
	viper.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		Storage: StorageConfig{
			Driver:   viper.GetString("storage.driver"),
			LocalDir: viper.GetString("storage.local_dir"),
			S3: S3Config{
				Endpoint:        viper.GetString("storage.s3.endpoint"),
				Region:          viper.GetString("storage.s3.region"),
				AccessKeyID:     viper.GetString("storage.s3.access_key_id"),
				SecretAccessKey: viper.GetString("storage.s3.secret_access_key"),
				Bucket:          viper.GetString("storage.s3.bucket"),
			},
		},
		Export: ExportConfig{
			RetentionDays: viper.GetInt("export.retention_days"),
			SweepInterval: time.Duration(viper.GetInt("export.sweep_interval_minutes")) * time.Minute,
			Concurrency:   viper.GetInt("export.concurrency"),
		},
		RateLimit: RateLimitConfig{
			StartsPerHour: viper.GetInt("ratelimit.starts_per_hour"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
	}

	return cfg, nil
}
