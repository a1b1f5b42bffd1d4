// Package app assembles the store, cache, event and service graph shared by
// the HTTP server and the command line tool.
package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bbss-go/bbss/internal/naming"
	"github.com/bbss-go/bbss/internal/repository"
	"github.com/bbss-go/bbss/internal/service"
	"github.com/bbss-go/bbss/pkg/cache"
	"github.com/bbss-go/bbss/pkg/config"
	"github.com/bbss-go/bbss/pkg/database"
	"github.com/bbss-go/bbss/pkg/events"
	"github.com/bbss-go/bbss/pkg/storage"
)

// App holds the wired services.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	DB        *sqlx.DB
	Redis     *redis.Client
	Publisher *events.Publisher

	Store      *repository.SnapshotRepository
	ExportJobs *repository.ExportJobRepository
	Names      *naming.Engine
	Metrics    *service.MetricsService
	Cache      *service.CacheService
	Imports    *service.ImportService
	Changesets *service.ChangesetService
	Directory  *service.DirectoryService
	Retention  *service.RetentionService
	Exports    *service.ExportService
	Auth       *service.AuthService
}

// New opens the store, applies pending migrations and builds every service.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := database.Migrate(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, DB: db}

	a.Redis, err = cache.NewRedis(cfg.Redis)
	if err != nil {
		// the cache is optional, change sets are recomputed without it
		logger.Warn("redis unavailable, change set cache disabled", zap.Error(err))
	}
	a.Publisher, err = events.Connect(cfg.Events.NATSURL, cfg.Events.Subject, logger)
	if err != nil {
		logger.Warn("nats unavailable, import events disabled", zap.Error(err))
		a.Publisher = &events.Publisher{}
	}

	rules := naming.DefaultRules()
	rules.PasswordLength = cfg.Import.PasswordLength
	rules.OUBase = cfg.Import.OUBase
	a.Names = naming.New(rules)

	a.Metrics = service.NewMetricsService()
	var cacheRepo service.CacheRepository
	if a.Redis != nil {
		cacheRepo = repository.NewChangeSetCache(a.Redis, logger)
	}
	a.Cache = service.NewCacheService(cacheRepo, a.Metrics, cfg.Redis.TTL, logger, a.Redis != nil)

	a.Store = repository.NewSnapshotRepository(db)
	a.ExportJobs = repository.NewExportJobRepository(db)

	a.Imports = service.NewImportService(a.Store, a.Names, service.ImportPolicy{
		AlwaysOverwriteCredentials: cfg.Import.AlwaysOverwriteCredentials,
		AlwaysImportEmail:          cfg.Import.AlwaysImportEmail,
	}, a.Cache, a.Metrics, a.Publisher, logger)
	a.Changesets = service.NewChangesetService(a.Store, a.Cache, a.Metrics, logger)
	a.Directory = service.NewDirectoryService(a.Store, logger)
	a.Retention = service.NewRetentionService(a.Store, cfg.Retention.Period, a.Cache, a.Metrics, a.Publisher, logger)

	files, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("export storage: %w", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)
	a.Exports = service.NewExportService(a.Changesets, a.Names, files, signer, service.ExportConfig{
		APIPrefix: cfg.APIPrefix,
		ResultTTL: cfg.Exports.SignedURLTTL,
	}, logger, nil, nil)

	a.Auth = service.NewAuthService(nil, logger, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Username:          cfg.Admin.Username,
		PasswordHash:      cfg.Admin.PasswordHash,
	})
	return a, nil
}

// Close releases the store, the cache client and the event connection.
func (a *App) Close() {
	a.Publisher.Close()
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if err := a.DB.Close(); err != nil {
		a.Logger.Warn("close store", zap.Error(err))
	}
}
