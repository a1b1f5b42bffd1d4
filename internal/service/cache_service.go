package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/bbss-go/bbss/internal/models"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
)

// CacheRepository persists change sets keyed by their resolved import range.
type CacheRepository interface {
	Get(ctx context.Context, oldID, newID int64) (*models.ChangeSet, error)
	Put(ctx context.Context, cs *models.ChangeSet, ttl time.Duration) error
	Invalidate(ctx context.Context) (int, error)
}

// CacheService keeps computed change sets keyed by their resolved import range.
// A change set between committed imports never changes, so entries only go
// stale when an import or purge rewrites history.
type CacheService struct {
	repo       CacheRepository
	metrics    *MetricsService
	defaultTTL time.Duration
	logger     *zap.Logger
	enabled    bool
}

// NewCacheService constructs a cache service.
func NewCacheService(repo CacheRepository, metrics *MetricsService, defaultTTL time.Duration, logger *zap.Logger, enabled bool) *CacheService {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheService{repo: repo, metrics: metrics, defaultTTL: defaultTTL, logger: logger, enabled: enabled}
}

// Enabled indicates whether caching is active.
func (s *CacheService) Enabled() bool {
	return s != nil && s.enabled && s.repo != nil
}

// GetChangeSet returns a cached change set for the resolved range, or nil on a miss.
// Cache failures are logged and reported as misses.
func (s *CacheService) GetChangeSet(ctx context.Context, oldID, newID int64) *models.ChangeSet {
	if !s.Enabled() {
		return nil
	}
	start := time.Now()
	cs, err := s.repo.Get(ctx, oldID, newID)
	duration := time.Since(start)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordCacheOperation(false, duration)
		}
		if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("cache get failed", zap.Int64("old_import_id", oldID), zap.Int64("new_import_id", newID), zap.Error(err))
		}
		return nil
	}
	if s.metrics != nil {
		s.metrics.RecordCacheOperation(true, duration)
	}
	return cs
}

// PutChangeSet stores a change set under its resolved range.
func (s *CacheService) PutChangeSet(ctx context.Context, cs *models.ChangeSet) {
	if !s.Enabled() || cs == nil {
		return
	}
	start := time.Now()
	err := s.repo.Put(ctx, cs, s.defaultTTL)
	if s.metrics != nil {
		s.metrics.ObserveCacheWrite(time.Since(start))
	}
	if err != nil {
		s.logger.Warn("cache set failed", zap.Int64("old_import_id", cs.OldImportID), zap.Int64("new_import_id", cs.NewImportID), zap.Error(err))
	}
}

// InvalidateChangeSets drops every cached change set.
func (s *CacheService) InvalidateChangeSets(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	removed, err := s.repo.Invalidate(ctx)
	if err != nil {
		s.logger.Warn("cache invalidate failed", zap.Int("removed", removed), zap.Error(err))
		return err
	}
	s.logger.Debug("change set cache invalidated", zap.Int("removed", removed))
	return nil
}
