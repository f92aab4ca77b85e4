package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/thw/backend/internal/config"
	"github.com/thw/backend/internal/handlers"
	"github.com/thw/backend/internal/logging"
	"github.com/thw/backend/internal/middleware"
	"github.com/thw/backend/internal/models"
	"github.com/thw/backend/internal/services"
)

func main() {
	// Load environment variables
	envErr := godotenv.Load()

	// Initialize configuration
	cfg := config.New()
	log := logging.New(cfg)
	if envErr != nil {
		log.Info("no .env file found, using environment variables")
	}

	fields := services.NewFieldValidator()

	// Initialize storage backend
	var repo services.RecordRepository
	switch cfg.DBDriver {
	case "memory":
		log.Warn("using in-memory repository, content is lost on restart")
		repo = services.NewMemoryRepository(fields)
	default:
		db, err := models.InitDB(cfg, log)
		if err != nil {
			log.Error("failed to initialize database", "error", err)
			os.Exit(1)
		}
		if err := models.Migrate(db); err != nil {
			log.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		repo = services.NewGormRepository(db, fields)
	}

	// Initialize Redis
	redisClient := models.InitRedis(cfg, log)
	defer redisClient.Close()

	// Initialize services
	stager, err := services.NewStager(cfg, log)
	if err != nil {
		log.Error("failed to init stager", "error", err)
		os.Exit(1)
	}
	storageService, err := services.NewStorageService(cfg, log)
	if err != nil {
		log.Error("failed to init storage", "error", err)
		os.Exit(1)
	}
	contentService := services.NewContentService(cfg, services.DefaultKinds(), repo, stager, storageService, log)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// Optional S3 mirror of committed images
	if cfg.MediaS3Enabled {
		s3Service, err := services.NewS3Service(cfg, log)
		if err != nil {
			log.Error("failed to init S3 service", "error", err)
			os.Exit(1)
		}
		storageService.SetMirror(s3Service)

		if cfg.MediaSyncOnStart {
			go func() {
				log.Info("media sync on start enabled, restoring missing images")
				if _, err := s3Service.SyncMissing(bgCtx, storageService); err != nil {
					log.Error("media sync failed", "error", err)
				}
			}()
		}
	}

	// Periodic cleanup of orphaned and stale staged files
	if cfg.OrphanSweepEnabled {
		sweeper := services.NewSweepService(cfg, repo, storageService, log)
		go sweeper.Run(bgCtx, cfg.OrphanSweepInterval)
	}

	// Setup Gin router
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg))
	router.Use(middleware.RateLimiter(redisClient, cfg, log))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	// Committed images are served straight from the permanent root
	router.Static("/"+services.UploadsPrefix, storageService.UploadsDir())

	api := router.Group(cfg.APIBase)
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	uploadLimit := middleware.UploadRateLimit(redisClient, cfg, log)
	if err := handlers.RegisterContentRoutes(api, contentService, cfg.UploadMaxFormMemory, uploadLimit, log); err != nil {
		log.Error("failed to register routes", "error", err)
		os.Exit(1)
	}

	// Start server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Info("starting server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exited")
}
