// Package events publishes job status transitions for external consumers.
package events

import (
	"context"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/planb/internal/domain"
)

const (
	DefaultStream = "planb:job-events"
	DefaultMaxLen = 10000
)

// Transition is one persisted status change.
type Transition struct {
	JobID string
	Owner string
	From  domain.Status
	To    domain.Status
	At    time.Time
}

// Publisher delivers transitions best-effort. Implementations must not block
// the caller for long; errors are only reported, never retried.
type Publisher interface {
	Publish(ctx context.Context, tr Transition) error
}

type nop struct{}

// Nop discards every transition.
func Nop() Publisher { return nop{} }

func (nop) Publish(context.Context, Transition) error { return nil }

// RedisStream appends transitions to a capped Redis stream.
type RedisStream struct {
	rdb    *r.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

func New(rdb *r.Client, logger *zap.Logger) *RedisStream {
	return &RedisStream{rdb: rdb, stream: DefaultStream, maxLen: DefaultMaxLen, logger: logger.Named("events")}
}

func (q *RedisStream) Stream() string { return q.stream }

func (q *RedisStream) Publish(ctx context.Context, tr Transition) error {
	at := tr.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	id, err := q.rdb.XAdd(ctx, &r.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id": tr.JobID,
			"owner":  tr.Owner,
			"from":   string(tr.From),
			"to":     string(tr.To),
			"at":     at.UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return err
	}
	q.logger.Debug("published transition", zap.String("job_id", tr.JobID), zap.String("entry", id))
	return nil
}

// Recent returns up to n transitions, newest first.
func (q *RedisStream) Recent(ctx context.Context, n int64) ([]Transition, error) {
	msgs, err := q.rdb.XRevRangeN(ctx, q.stream, "+", "-", n).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Transition, 0, len(msgs))
	for _, m := range msgs {
		tr := Transition{
			JobID: field(m.Values, "job_id"),
			Owner: field(m.Values, "owner"),
			From:  domain.Status(field(m.Values, "from")),
			To:    domain.Status(field(m.Values, "to")),
		}
		if at, err := time.Parse(time.RFC3339Nano, field(m.Values, "at")); err == nil {
			tr.At = at
		}
		out = append(out, tr)
	}
	return out, nil
}

func field(values map[string]any, key string) string {
	s, _ := values[key].(string)
	return s
}
