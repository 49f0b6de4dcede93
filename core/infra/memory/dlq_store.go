package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dlqMaxEntries = 1000

// ErrDLQEntryNotFound is returned by Get for unknown executions.
var ErrDLQEntryNotFound = errors.New("dlq entry not found")

// DLQEntry captures a failed execution for diagnostics.
type DLQEntry struct {
	ExecutionID  string    `json:"execution_id"`
	WorkflowType string    `json:"workflow_type,omitempty"`
	TenantID     string    `json:"tenant_id,omitempty"`
	Kind         string    `json:"kind,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// DLQStore persists DLQ entries in Redis.
type DLQStore struct {
	client redis.UniversalClient
}

// NewDLQStore wraps an existing Redis client.
func NewDLQStore(client redis.UniversalClient) *DLQStore {
	return &DLQStore{client: client}
}

// Add stores an entry and maintains a sorted index.
func (s *DLQStore) Add(ctx context.Context, entry DLQEntry) error {
	if entry.ExecutionID == "" {
		return fmt.Errorf("execution id required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, dlqEntryKey(entry.ExecutionID), data, 0)
	pipe.ZAdd(ctx, dlqIndexKey(), redis.Z{Score: float64(entry.CreatedAt.Unix()), Member: entry.ExecutionID})
	pipe.ZRemRangeByRank(ctx, dlqIndexKey(), 0, -dlqMaxEntries-1)
	_, err = pipe.Exec(ctx)
	return err
}

// List returns recent DLQ entries, newest first.
func (s *DLQStore) List(ctx context.Context, limit int64) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRange(ctx, dlqIndexKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids)
}

// ListByScore returns DLQ entries at or before the cursor timestamp (unix seconds).
func (s *DLQStore) ListByScore(ctx context.Context, cursorUnix int64, limit int64) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if cursorUnix <= 0 {
		cursorUnix = time.Now().UTC().Unix()
	}
	ids, err := s.client.ZRevRangeByScore(ctx, dlqIndexKey(), &redis.ZRangeBy{
		Max:   fmt.Sprintf("%d", cursorUnix),
		Min:   "-inf",
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids)
}

func (s *DLQStore) load(ctx context.Context, ids []string) ([]DLQEntry, error) {
	if len(ids) == 0 {
		return []DLQEntry{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.Get(ctx, dlqEntryKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]DLQEntry, 0, len(ids))
	for _, id := range ids {
		data, err := cmds[id].Bytes()
		if err != nil {
			continue
		}
		var e DLQEntry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Get returns a single DLQ entry.
func (s *DLQStore) Get(ctx context.Context, executionID string) (*DLQEntry, error) {
	if executionID == "" {
		return nil, fmt.Errorf("execution id required")
	}
	data, err := s.client.Get(ctx, dlqEntryKey(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDLQEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	var e DLQEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Delete removes an entry.
func (s *DLQStore) Delete(ctx context.Context, executionID string) error {
	if executionID == "" {
		return fmt.Errorf("execution id required")
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, dlqEntryKey(executionID))
	pipe.ZRem(ctx, dlqIndexKey(), executionID)
	_, err := pipe.Exec(ctx)
	return err
}

func dlqEntryKey(executionID string) string {
	return "chatflow:dlq:entry:" + executionID
}

func dlqIndexKey() string {
	return "chatflow:dlq:index"
}
