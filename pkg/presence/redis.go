package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "call:active:"

// Store publishes live calls to Redis so dashboards can watch the fleet
// without querying each instance. Keys carry a TTL as a safety net: if an
// instance dies without cleaning up, its keys age out on their own.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func (s *Store) SetActive(ctx context.Context, callID, caller string) error {
	key := keyPrefix + callID
	if err := s.client.HSet(ctx, key,
		"caller", caller,
		"started_at", time.Now().UTC().Format(time.RFC3339),
	).Err(); err != nil {
		return fmt.Errorf("failed to publish call presence: %w", err)
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

func (s *Store) ClearActive(ctx context.Context, callID string) error {
	return s.client.Del(ctx, keyPrefix+callID).Err()
}

// Active lists the call IDs currently published, across all instances.
func (s *Store) Active(ctx context.Context) ([]string, error) {
	keys, err := s.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list call presence: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(keyPrefix):])
	}
	return ids, nil
}
