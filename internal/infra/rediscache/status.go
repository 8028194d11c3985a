package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thekingoffamily/TSOS/internal/domain/entity"
)

const (
	statusKeyPrefix = "task:status:"
	statusTTL       = 10 * time.Minute
)

// StatusCache mirrors the latest task status into Redis so the polling
// API can answer without hitting Postgres.
type StatusCache struct {
	client *redis.Client
}

func NewStatusCache(client *redis.Client) *StatusCache {
	return &StatusCache{client: client}
}

func (sc *StatusCache) SetStatus(ctx context.Context, msg entity.TaskStatusMessage) error {
	key := statusKeyPrefix + msg.TaskID.String()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	return sc.client.Set(ctx, key, data, statusTTL).Err()
}
