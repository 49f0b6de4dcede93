package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/chatflow/chatflow/core/infra/logging"
)

const healthHashKey = "chatflow:provider:health"

// RedisHealthStore keeps breaker snapshots in a single Redis hash keyed by
// provider and capability.
type RedisHealthStore struct {
	client redis.UniversalClient
}

func NewRedisHealthStore(client redis.UniversalClient) *RedisHealthStore {
	return &RedisHealthStore{client: client}
}

func (s *RedisHealthStore) Save(ctx context.Context, state HealthState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal health state: %w", err)
	}
	return s.client.HSet(ctx, healthHashKey, healthField(state.Provider, state.Capability), data).Err()
}

func (s *RedisHealthStore) Load(ctx context.Context) ([]HealthState, error) {
	fields, err := s.client.HGetAll(ctx, healthHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load health states: %w", err)
	}
	out := make([]HealthState, 0, len(fields))
	for field, raw := range fields {
		var st HealthState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			logging.Warn(registryComponent, "skip corrupt health state", "field", field, "error", err)
			continue
		}
		out = append(out, st)
	}
	sortHealth(out)
	return out, nil
}
