package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	Port    string
	Env     string
	APIBase string

	// Database
	DBDriver   string // "postgres" | "memory"
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Local storage
	PublicPath  string // permanent root, asset references are relative to it
	StagingPath string

	// Uploads
	UploadMaxImageSize  int64
	UploadMaxFiles      int
	UploadAllowedTypes  []string
	UploadMaxPerDay     int
	UploadMaxFormMemory int64

	// Media S3 mirror (optional)
	MediaS3Enabled         bool
	MediaS3Endpoint        string
	MediaS3Region          string
	MediaS3AccessKeyID     string
	MediaS3SecretAccessKey string
	MediaS3UsePathStyle    bool
	MediaImagesBucket      string
	MediaSyncOnStart       bool

	// Orphan sweep
	OrphanSweepEnabled  bool
	OrphanSweepInterval time.Duration
	OrphanGracePeriod   time.Duration

	// Logging
	LogLevel  string
	LogFormat string // "text" | "json"

	// Security
	RateLimitRequests int
	RateLimitDuration time.Duration

	// CORS
	AllowedOrigins []string
}

func New() *Config {
	return &Config{
		// Server
		Port:    getEnv("PORT", "5000"),
		Env:     getEnv("ENV", "development"),
		APIBase: getEnv("API_BASE", "/thw/api"),

		// Database
		DBDriver:   getEnv("DB_DRIVER", "postgres"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "thw"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "thw_db"),
		DBSSLMode:  getEnv("DB_SSL_MODE", "disable"),

		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Local storage
		PublicPath:  getEnv("PUBLIC_PATH", "public"),
		StagingPath: getEnv("STAGING_PATH", "tmp/staging"),

		// Uploads
		UploadMaxImageSize:  getEnvAsInt64("UPLOAD_MAX_IMAGE_SIZE", 5*1024*1024),
		UploadMaxFiles:      getEnvAsInt("UPLOAD_MAX_FILES", 10),
		UploadAllowedTypes:  getEnvAsSlice("UPLOAD_ALLOWED_TYPES", []string{"image/jpeg", "image/png"}),
		UploadMaxPerDay:     getEnvAsInt("UPLOAD_MAX_PER_DAY", 200),
		UploadMaxFormMemory: getEnvAsInt64("UPLOAD_MAX_FORM_MEMORY", 32*1024*1024),

		// Media S3 mirror
		MediaS3Enabled:         getEnv("MEDIA_S3_ENABLED", "false") == "true",
		MediaS3Endpoint:        getEnv("MEDIA_S3_ENDPOINT", ""),
		MediaS3Region:          getEnv("MEDIA_S3_REGION", "us-east-1"),
		MediaS3AccessKeyID:     getEnv("MEDIA_S3_ACCESS_KEY_ID", ""),
		MediaS3SecretAccessKey: getEnv("MEDIA_S3_SECRET_ACCESS_KEY", ""),
		MediaS3UsePathStyle:    getEnv("MEDIA_S3_USE_PATH_STYLE", "true") == "true",
		MediaImagesBucket:      getEnv("MEDIA_IMAGES_BUCKET", "thw-images"),
		MediaSyncOnStart:       getEnv("MEDIA_SYNC_ON_START", "false") == "true",

		// Orphan sweep
		OrphanSweepEnabled:  getEnv("ORPHAN_SWEEP_ENABLED", "true") == "true",
		OrphanSweepInterval: getEnvAsDuration("ORPHAN_SWEEP_INTERVAL", "1h"),
		OrphanGracePeriod:   getEnvAsDuration("ORPHAN_GRACE_PERIOD", "1h"),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		// Security
		RateLimitRequests: getEnvAsInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitDuration: getEnvAsDuration("RATE_LIMIT_DURATION", "1m"),

		// CORS
		AllowedOrigins: getEnvAsSlice("ALLOWED_ORIGINS", []string{"*"}),
	}
}

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

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	if duration, err := time.ParseDuration(defaultValue); err == nil {
		return duration
	}
	return time.Hour
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
