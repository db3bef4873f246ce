package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vault_backend/config"
	"github.com/mmdatafocus/vault_backend/middlewares"
	"github.com/mmdatafocus/vault_backend/models"
	"github.com/mmdatafocus/vault_backend/workflow"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP. Until the DB is ready, app endpoints return 503.
	a := &api{logger: logger}
	r := newRouter(a)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	redisCtx, cancelRedis := context.WithTimeout(sigCtx, 2*time.Minute)
	config.ConnectRedisWithRetry(redisCtx)
	cancelRedis()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run blocking DDL; SKIP_MIGRATIONS lets a separate job own it.
	if !config.EnvBool("SKIP_MIGRATIONS") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal("migration failed: " + err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	settings := config.GetSettings()
	a.setEngine(workflow.NewEngine(db, logger, settings), db)

	// Publishes outbox rows AFTER commit.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	if !config.EnvBool("OUTBOX_DISPATCHER_DISABLED") {
		dispatcher := workflow.NewOutboxDispatcher(db, logger, config.PubSubPublisher{})
		dispatcher.MaxAttempts = settings.OutboxMaxAttempts
		go dispatcher.Run(dispatcherCtx)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("vault backend listening on port ", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func newRouter(a *api) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CallerMiddleware())
	r.Use(readinessGate(a))
	r.Use(cors.New(corsConfig()))
	if config.EnvBool("RATE_LIMIT_ENABLED") {
		r.Use(rateLimiterFromEnv().RateLimitMiddleware)
	}
	r.Use(customErrorLogger(a.logger))
	r.Use(gin.Recovery())
	a.register(r)
	r.NoRoute(customNotFoundHandler)
	return r
}

// readinessGate always answers the health probe and returns 503 until the engine is wired.
func readinessGate(a *api) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if a.engine() == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "starting up", "code": models.CodeStorageUnavailable})
			return
		}
		c.Next()
	}
}

// corsConfig requires an explicit CORS_ALLOWED_ORIGINS allowlist in production and
// allows every origin elsewhere.
func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		cfg.AllowOrigins = splitAndTrim(allowedOrigins)
		if len(cfg.AllowOrigins) == 0 {
			// Deny all when not configured.
			cfg.AllowOrigins = []string{"https://invalid.localhost"}
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "OPTIONS")
	cfg.AddAllowHeaders("Origin", "Content-Type", middlewares.HeaderCallerId, middlewares.HeaderCallerName, middlewares.HeaderCorrelationId, middlewares.HeaderOpsToken)
	cfg.AddExposeHeaders("Content-Length", middlewares.HeaderCorrelationId)
	return cfg
}

// customErrorLogger logs only requests that recorded errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.WithFields(logrus.Fields{
				"field":  "http",
				"path":   c.FullPath(),
				"status": c.Writer.Status(),
			}).Error(c.Errors.String())
		}
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found", "code": models.CodeNotFound})
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
