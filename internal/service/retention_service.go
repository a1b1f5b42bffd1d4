package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/bbss-go/bbss/pkg/errors"
	"github.com/bbss-go/bbss/pkg/events"
)

type retentionStore interface {
	PurgeStudentsUnseenSince(ctx context.Context, cutoff time.Time) (int64, error)
}

// PurgeResult reports one retention run.
type PurgeResult struct {
	Cutoff  time.Time `json:"cutoff"`
	Removed int64     `json:"removed"`
}

// RetentionService removes students that have not appeared in any import for the retention period.
type RetentionService struct {
	store   retentionStore
	period  time.Duration
	cache   *CacheService
	metrics *MetricsService
	events  eventPublisher
	logger  *zap.Logger
	now     func() time.Time
}

// NewRetentionService constructs the service. A non-positive period defaults to five years.
func NewRetentionService(store retentionStore, period time.Duration, cache *CacheService, metrics *MetricsService, publisher eventPublisher, logger *zap.Logger) *RetentionService {
	if period <= 0 {
		period = 5 * 365 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionService{
		store:   store,
		period:  period,
		cache:   cache,
		metrics: metrics,
		events:  publisher,
		logger:  logger,
		now:     time.Now,
	}
}

// Cutoff returns the point in time before which students count as gone.
func (s *RetentionService) Cutoff() time.Time {
	return s.now().UTC().Add(-s.period)
}

// PurgeExpired purges using the configured period.
func (s *RetentionService) PurgeExpired(ctx context.Context) (*PurgeResult, error) {
	return s.PurgeUnseenSince(ctx, s.Cutoff())
}

// PurgeUnseenSince removes every student without a membership in an import at or after cutoff.
func (s *RetentionService) PurgeUnseenSince(ctx context.Context, cutoff time.Time) (*PurgeResult, error) {
	if cutoff.IsZero() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "cutoff is required")
	}
	if cutoff.After(s.now()) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "cutoff lies in the future")
	}

	removed, err := s.store.PurgeStudentsUnseenSince(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention purge failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "purge students")
	}
	s.logger.Info("retention purge finished", zap.Time("cutoff", cutoff), zap.Int64("removed", removed))

	s.metrics.ObservePurge(removed)
	if removed > 0 {
		if err := s.cache.InvalidateChangeSets(ctx); err != nil {
			s.logger.Warn("change set cache not invalidated", zap.Error(err))
		}
		if s.events != nil {
			if err := s.events.Publish(ctx, events.Event{
				Type:    events.TypeStudentsPurged,
				Payload: map[string]interface{}{"removed": removed, "cutoff": cutoff.UTC().Format(time.RFC3339)},
			}); err != nil {
				s.logger.Warn("event not published", zap.String("type", events.TypeStudentsPurged), zap.Error(err))
			}
		}
	}
	return &PurgeResult{Cutoff: cutoff.UTC(), Removed: removed}, nil
}
