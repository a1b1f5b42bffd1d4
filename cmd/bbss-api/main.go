package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/bbss-go/bbss/api/swagger"
	"github.com/bbss-go/bbss/internal/app"
	"github.com/bbss-go/bbss/internal/handler"
	"github.com/bbss-go/bbss/internal/middleware"
	"github.com/bbss-go/bbss/internal/service"
	"github.com/bbss-go/bbss/pkg/config"
	"github.com/bbss-go/bbss/pkg/jobs"
	"github.com/bbss-go/bbss/pkg/logger"
	corsmiddleware "github.com/bbss-go/bbss/pkg/middleware/cors"
	reqidmiddleware "github.com/bbss-go/bbss/pkg/middleware/requestid"
)

// @title BBS Student Sync API
// @version 1.0.0
// @description Imports school rosters, tracks class changes between imports and renders account exports.
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("failed to build application", zap.Error(err))
	}
	defer a.Close()

	worker := service.NewExportWorker(a.ExportJobs, a.Exports, a.Metrics, cfg.Exports.WorkerRetries, logr)
	queue := jobs.NewQueue("exports", worker.Handle, jobs.QueueConfig[service.ExportTask]{
		Workers:    cfg.Exports.WorkerConcurrency,
		MaxRetries: cfg.Exports.WorkerRetries,
		RetryDelay: 2 * time.Second,
		OnGiveUp:   worker.GiveUp,
		Logger:     logr,
	})
	queue.Start(ctx)
	defer queue.Stop()

	exportJobs := service.NewExportJobService(a.ExportJobs, queue, a.Exports, logr, service.ExportJobConfig{
		ResultTTL:       cfg.Exports.SignedURLTTL,
		CleanupInterval: cfg.Exports.CleanupInterval,
	})
	exportJobs.RecoverPendingJobs(ctx)
	exportJobs.StartCleanup(ctx)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(a.Metrics, "/health", "/ready", "/metrics"))

	handler.RegisterRoutes(r, cfg.APIPrefix, handler.Handlers{
		Auth:        handler.NewAuthHandler(a.Auth),
		Imports:     handler.NewImportHandler(a.Imports),
		Changesets:  handler.NewChangesetHandler(a.Changesets),
		Students:    handler.NewStudentHandler(a.Directory),
		Exports:     handler.NewExportHandler(exportJobs, a.Exports),
		Maintenance: handler.NewMaintenanceHandler(a.Retention),
		Metrics:     handler.NewMetricsHandler(a.Metrics, a.Store),
	}, a.Auth)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("graceful shutdown failed", zap.Error(err))
	}
	logr.Info("server stopped")
}
