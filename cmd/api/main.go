package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conquiguias/conquiguias/internal/attendance"
	"github.com/conquiguias/conquiguias/internal/auth"
	"github.com/conquiguias/conquiguias/internal/certification"
	"github.com/conquiguias/conquiguias/internal/cloudinary"
	"github.com/conquiguias/conquiguias/internal/config"
	"github.com/conquiguias/conquiguias/internal/forms"
	"github.com/conquiguias/conquiguias/internal/github"
	"github.com/conquiguias/conquiguias/internal/handler"
	"github.com/conquiguias/conquiguias/internal/httpmiddleware"
	"github.com/conquiguias/conquiguias/internal/identity"
	"github.com/conquiguias/conquiguias/internal/imgur"
	"github.com/conquiguias/conquiguias/internal/ledger"
	"github.com/conquiguias/conquiguias/internal/metrics"
	"github.com/conquiguias/conquiguias/internal/posts"
	"github.com/conquiguias/conquiguias/internal/profile"
	"github.com/conquiguias/conquiguias/internal/queue"
	"github.com/conquiguias/conquiguias/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	if db == nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err == nil && cfg.MigrateOnStart {
		if err := db.Migrate(context.Background()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()

	gh := github.New(cfg.GitHubToken, cfg.GitHubRepo, cfg.GitHubBranch)
	if err := gh.SetBaseURL(cfg.GitHubAPIURL); err != nil {
		return err
	}

	ledgerStore, closeLedger, err := openLedger(cfg, db.Client, redisClient, gh)
	if err != nil {
		return err
	}
	defer closeLedger()

	var formSource forms.Source = forms.NewGitHubSource(gh, cfg.FormsPath)
	if cfg.FormsFile != "" {
		formSource = forms.NewFileSource(cfg.FormsFile)
	}
	formSource = forms.NewCachedSource(formSource, redisClient.Client, cfg.FormsCacheTTL)

	att := attendance.NewService(
		formSource,
		ledgerStore,
		attendance.NewCalculator(cfg.CheckpointDurations),
		cfg.LedgerMaxRetries,
		metrics.NewAttendance(prometheus.DefaultRegisterer),
	)

	signer := auth.Signer{
		Issuer:     cfg.JWTIssuer,
		Key:        cfg.JWTSigningKey,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
		LinkTTL:    cfg.LinkTTL,
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
	}

	deps := handler.Deps{
		Attendance:     att,
		Forms:          formSource,
		Identity:       identity.NewProvider(identity.NewPostgresStore(db.Client), signer, cfg.PublicBaseURL),
		Profiles:       profile.NewStore(db.Client),
		Posts:          posts.NewStore(db.Client),
		Certifications: certification.NewFinder(formSource, ledgerStore),
		Queue:          q,
		Signer:         signer,
		Admins:         cfg.AdminEmails,
		AllowedOrigins: cfg.AllowedOrigins,
	}

	// Cloudinary and Imgur stay nil when not configured.
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		deps.Photos = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}
	if cfg.ImgurClientID != "" {
		deps.Images = imgur.New(cfg.ImgurClientID)
	} else {
		log.Println("Imgur not configured (IMGUR_CLIENT_ID not set)")
	}

	var limiter httpmiddleware.Limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	if cfg.RateLimitBackend == "redis" {
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.RateLimit(limiter))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy, "ledger": cfg.LedgerBackend})
	})

	handler.New(deps).Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s (ledger=%s)", cfg.HTTPPort, cfg.LedgerBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// openLedger selects the attendance ledger backend named by LEDGER_BACKEND.
func openLedger(cfg config.App, db *sql.DB, rdb *store.Redis, gh *github.Client) (attendance.LedgerStore, func(), error) {
	noop := func() {}
	switch cfg.LedgerBackend {
	case "github":
		if cfg.GitHubToken == "" {
			log.Println("warning: GITHUB_TOKEN not set, ledger writes will be rejected")
		}
		return ledger.NewGitHubStore(gh), noop, nil
	case "postgres":
		s := ledger.NewPostgresStore(db)
		if err := s.EnsureSchema(context.Background()); err != nil {
			return nil, nil, fmt.Errorf("ledger schema: %w", err)
		}
		return s, noop, nil
	case "sqlite":
		sdb, err := store.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		s := ledger.NewSQLiteStore(sdb)
		if err := s.EnsureSchema(context.Background()); err != nil {
			sdb.Close()
			return nil, nil, fmt.Errorf("ledger schema: %w", err)
		}
		return s, func() { sdb.Close() }, nil
	case "redis":
		return ledger.NewRedisStore(rdb.Client), noop, nil
	case "memory":
		log.Println("warning: memory ledger, attendance is lost on restart")
		return ledger.NewMemoryStore(), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown LEDGER_BACKEND %q", cfg.LedgerBackend)
	}
}
