package worker

import (
	"context"
	"log"
	"time"

	"decyra/internal/models"
	"decyra/internal/redis"
)

const (
	statusKeyPrefix = "decyra:session:status:"
	statusCacheTTL  = 30 * time.Minute
)

// statusClient is the slice of the redis client the cache needs.
type statusClient interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// statusCache mirrors session status into redis so the UI can poll a
// processing session without touching SQL. Keys are scoped by owner, the
// same way every SQL query is. Everything degrades to the database when the
// client is absent or redis is down.
type statusCache struct {
	client statusClient
}

func newStatusCache(client *redis.Client) *statusCache {
	if client == nil {
		return &statusCache{}
	}
	return &statusCache{client: client}
}

func statusKey(userID, sessionID string) string {
	return statusKeyPrefix + userID + ":" + sessionID
}

func (c *statusCache) setStatus(userID, sessionID string, status models.Status) {
	if c == nil || c.client == nil || userID == "" || sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.client.Set(ctx, statusKey(userID, sessionID), string(status), statusCacheTTL); err != nil {
		log.Printf("cache session status %s: %v", sessionID, err)
	}
}

func (c *statusCache) getStatus(ctx context.Context, userID, sessionID string) (models.Status, bool) {
	if c == nil || c.client == nil || userID == "" || sessionID == "" {
		return "", false
	}
	val, err := c.client.Get(ctx, statusKey(userID, sessionID))
	if err != nil {
		return "", false
	}
	switch status := models.Status(val); status {
	case models.StatusProcessing, models.StatusCompleted, models.StatusError:
		return status, true
	}
	return "", false
}

func (c *statusCache) drop(userID, sessionID string) {
	if c == nil || c.client == nil || userID == "" || sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.client.Del(ctx, statusKey(userID, sessionID)); err != nil {
		log.Printf("drop session status %s: %v", sessionID, err)
	}
}
