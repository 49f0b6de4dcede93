package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// data TTL guards against unbounded Redis growth; configurable via env.
	defaultDataTTL           = 30 * 24 * time.Hour
	defaultRedisOpTimeout    = 2 * time.Second
	defaultSubmissionLimit   = 1000
	envRedisDataTTLInSeconds = "REDIS_DATA_TTL_SECONDS"
	envRedisDataTTLFallback  = "REDIS_DATA_TTL" // accepts ParseDuration values (e.g. 24h)
)

// ErrSummaryNotFound is returned when no summary was published for a form.
var ErrSummaryNotFound = errors.New("summary not found")

// Summary is an approved interpretation of a form's submissions.
type Summary struct {
	FormID      string    `json:"form_id"`
	Text        string    `json:"text"`
	Submissions int       `json:"submissions"`
	Reviewer    string    `json:"reviewer,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// SubmissionStore keeps form submissions and published summaries in Redis.
type SubmissionStore struct {
	client  redis.UniversalClient
	dataTTL time.Duration
	limit   int64
	now     func() time.Time
}

// NewSubmissionStore wraps an existing Redis client. The retention TTL is read
// from REDIS_DATA_TTL_SECONDS or REDIS_DATA_TTL.
func NewSubmissionStore(client redis.UniversalClient) *SubmissionStore {
	return &SubmissionStore{
		client:  client,
		dataTTL: dataTTLFromEnv(),
		limit:   defaultSubmissionLimit,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func dataTTLFromEnv() time.Duration {
	ttl := defaultDataTTL
	if ttlSeconds := os.Getenv(envRedisDataTTLInSeconds); ttlSeconds != "" {
		if secs, err := strconv.Atoi(ttlSeconds); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}
	if ttlEnv := os.Getenv(envRedisDataTTLFallback); ttlEnv != "" {
		if parsed, err := time.ParseDuration(ttlEnv); err == nil && parsed > 0 {
			ttl = parsed
		}
	}
	return ttl
}

func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
}

// AddSubmission appends one submission to the form's list.
func (s *SubmissionStore) AddSubmission(ctx context.Context, formID string, data json.RawMessage) error {
	formID = strings.TrimSpace(formID)
	if formID == "" {
		return fmt.Errorf("form id required")
	}
	if !json.Valid(data) {
		return fmt.Errorf("submission is not valid json")
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	key := submissionsKey(formID)
	pipe := s.client.TxPipeline()
	pipe.RPush(cctx, key, []byte(data))
	pipe.LTrim(cctx, key, -s.limit, -1)
	pipe.Expire(cctx, key, s.dataTTL)
	_, err := pipe.Exec(cctx)
	return err
}

// ListSubmissions returns every stored submission of the form, oldest first.
func (s *SubmissionStore) ListSubmissions(ctx context.Context, formID string) ([]json.RawMessage, error) {
	formID = strings.TrimSpace(formID)
	if formID == "" {
		return nil, fmt.Errorf("form id required")
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	vals, err := s.client.LRange(cctx, submissionsKey(formID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(vals))
	for _, v := range vals {
		out = append(out, json.RawMessage(v))
	}
	return out, nil
}

// PublishSummary stores the approved summary of the form.
func (s *SubmissionStore) PublishSummary(ctx context.Context, summary Summary) error {
	if strings.TrimSpace(summary.FormID) == "" {
		return fmt.Errorf("form id required")
	}
	if summary.PublishedAt.IsZero() {
		summary.PublishedAt = s.now()
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	return s.client.Set(cctx, summaryKey(summary.FormID), data, s.dataTTL).Err()
}

// GetSummary returns the last published summary of the form.
func (s *SubmissionStore) GetSummary(ctx context.Context, formID string) (*Summary, error) {
	cctx, cancel := opContext(ctx)
	defer cancel()
	data, err := s.client.Get(cctx, summaryKey(formID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSummaryNotFound
	}
	if err != nil {
		return nil, err
	}
	var out Summary
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &out, nil
}

func submissionsKey(formID string) string {
	return "chatflow:form:" + formID + ":submissions"
}

func summaryKey(formID string) string {
	return "chatflow:form:" + formID + ":summary"
}
