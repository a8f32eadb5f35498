// Package analytics keeps hourly run status counters in Redis, fed from the
// run event bus.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
)

// DefaultRetention is how long an hourly bucket is kept.
const DefaultRetention = 7 * 24 * time.Hour

type RedisSink struct {
	client    redis.Cmdable
	retention time.Duration
}

func NewRedisSink(client redis.Cmdable, retention time.Duration) *RedisSink {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisSink{client: client, retention: retention}
}

// HandleRunEvent increments the counter for the event's project, run type,
// status and hour.
func (s *RedisSink) HandleRunEvent(ctx context.Context, event domain.RunEvent) error {
	key := buildKey(event.ProjectID, event.RunType, event.Status, event.OccurredAt)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}

	return nil
}

// Count returns the counter for the hour containing at. A missing bucket
// counts as zero.
func (s *RedisSink) Count(ctx context.Context, projectID uuid.UUID, runType string, status domain.RunStatus, at time.Time) (int64, error) {
	n, err := s.client.Get(ctx, buildKey(projectID, runType, status, at)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}

func buildKey(projectID uuid.UUID, runType string, status domain.RunStatus, t time.Time) string {
	return fmt.Sprintf("runs:p:%s:t:%s:%s:%s", projectID, runType, status, hourBucket(t))
}

func hourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}
