package models

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/thw/backend/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	maxIdleConns    = 10
	maxOpenConns    = 100
	connMaxLifetime = time.Hour
)

func postgresDSN(cfg *config.Config) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)
}

// gormLogLevel keeps SQL logging quiet outside development.
func gormLogLevel(env string) logger.LogLevel {
	switch env {
	case "development":
		return logger.Info
	case "production":
		return logger.Error
	default:
		return logger.Warn
	}
}

// InitDB opens the content database and sizes its pool.
func InitDB(cfg *config.Config, log *slog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(postgresDSN(cfg)), &gorm.Config{
		Logger:      logger.Default.LogMode(gormLogLevel(cfg.Env)),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	log.Info("database connection established", "host", cfg.DBHost, "db", cfg.DBName)
	return db, nil
}

// InitRedis builds the limiter client. It does not dial; the limiters ping
// lazily and bypass Redis while it is unreachable.
func InitRedis(cfg *config.Config, log *slog.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisHost + ":" + cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	log.Info("redis client configured", "addr", client.Options().Addr)
	return client
}

// Migrate creates or updates the content_records table and its indexes.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Record{})
}
