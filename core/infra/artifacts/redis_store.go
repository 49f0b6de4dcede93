package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultTTL     = 7 * 24 * time.Hour
	envDocumentTTL = "DOCUMENT_TTL"
)

// RedisStore keeps document content and metadata under two keys sharing a TTL.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. DOCUMENT_TTL overrides the default
// seven day retention.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    parseDurationEnv(envDocumentTTL, defaultTTL),
	}
}

// Put stores content and metadata, returning a document reference.
func (s *RedisStore) Put(ctx context.Context, content []byte, meta Metadata) (string, error) {
	if s == nil || s.client == nil {
		return "", fmt.Errorf("document store unavailable")
	}
	if len(content) == 0 {
		return "", fmt.Errorf("document is empty")
	}
	id := uuid.NewString()
	meta.SizeBytes = int64(len(content))
	payload, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, contentKey(id), content, s.ttl)
	pipe.Set(ctx, metaKey(id), payload, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store document: %w", err)
	}
	return RefForID(id), nil
}

// Get returns document content and metadata for a reference.
func (s *RedisStore) Get(ctx context.Context, ref string) ([]byte, Metadata, error) {
	if s == nil || s.client == nil {
		return nil, Metadata{}, fmt.Errorf("document store unavailable")
	}
	id, err := IDFromRef(ref)
	if err != nil {
		return nil, Metadata{}, err
	}
	pipe := s.client.Pipeline()
	contentCmd := pipe.Get(ctx, contentKey(id))
	metaCmd := pipe.Get(ctx, metaKey(id))
	_, _ = pipe.Exec(ctx)

	content, err := contentCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, Metadata{}, ErrNotFound
	}
	if err != nil {
		return nil, Metadata{}, err
	}
	var meta Metadata
	if data, err := metaCmd.Bytes(); err == nil {
		_ = json.Unmarshal(data, &meta)
	}
	return content, meta, nil
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func contentKey(id string) string {
	return "doc:" + id
}

func metaKey(id string) string {
	return "doc:meta:" + id
}
