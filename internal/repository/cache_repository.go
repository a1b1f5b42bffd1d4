package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bbss-go/bbss/internal/models"
	appErrors "github.com/bbss-go/bbss/pkg/errors"
)

// ChangeSetKeyPrefix namespaces cached change sets.
const ChangeSetKeyPrefix = "bbss:changeset:"

const invalidateBatch = 100

// ChangeSetKey names the entry holding the change set between two resolved imports.
func ChangeSetKey(oldID, newID int64) string {
	return fmt.Sprintf("%s%d:%d", ChangeSetKeyPrefix, oldID, newID)
}

// ChangeSetCache keeps computed change sets in Redis. A nil client turns every
// read into a miss and every write into a no-op.
type ChangeSetCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewChangeSetCache wraps client.
func NewChangeSetCache(client *redis.Client, logger *zap.Logger) *ChangeSetCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeSetCache{client: client, logger: logger}
}

// Get loads the change set for the range. Entries whose body names another
// range are dropped and reported as misses.
func (c *ChangeSetCache) Get(ctx context.Context, oldID, newID int64) (*models.ChangeSet, error) {
	if c.client == nil {
		return nil, appErrors.ErrCacheMiss
	}
	key := ChangeSetKey(oldID, newID)
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, appErrors.ErrCacheMiss
	case err != nil:
		return nil, fmt.Errorf("read change set %d..%d: %w", oldID, newID, err)
	}

	var cs models.ChangeSet
	if err := json.Unmarshal(raw, &cs); err != nil || cs.OldImportID != oldID || cs.NewImportID != newID {
		c.logger.Warn("dropping unreadable change set entry", zap.String("key", key), zap.Error(err))
		if delErr := c.client.Del(ctx, key).Err(); delErr != nil {
			return nil, fmt.Errorf("drop change set %d..%d: %w", oldID, newID, delErr)
		}
		return nil, appErrors.ErrCacheMiss
	}
	return &cs, nil
}

// Put stores cs under its own range.
func (c *ChangeSetCache) Put(ctx context.Context, cs *models.ChangeSet, ttl time.Duration) error {
	if c.client == nil || cs == nil {
		return nil
	}
	body, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("encode change set %d..%d: %w", cs.OldImportID, cs.NewImportID, err)
	}
	if err := c.client.Set(ctx, ChangeSetKey(cs.OldImportID, cs.NewImportID), body, ttl).Err(); err != nil {
		return fmt.Errorf("write change set %d..%d: %w", cs.OldImportID, cs.NewImportID, err)
	}
	return nil
}

// Invalidate removes every cached change set and returns how many were dropped.
func (c *ChangeSetCache) Invalidate(ctx context.Context) (int, error) {
	if c.client == nil {
		return 0, nil
	}
	removed := 0
	batch := make([]string, 0, invalidateBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.client.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("drop cached change sets: %w", err)
		}
		removed += int(n)
		batch = batch[:0]
		return nil
	}

	iter := c.client.Scan(ctx, 0, ChangeSetKeyPrefix+"*", invalidateBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == invalidateBatch {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan cached change sets: %w", err)
	}
	return removed, flush()
}

// Close releases the Redis connection.
func (c *ChangeSetCache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
