package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"MailQueue/internal/metrics"
	"MailQueue/internal/models"
)

// Stats is a point-in-time view of the queue for health checks and the CLI.
type Stats struct {
	Queued     map[models.Priority]int64 `json:"queued"`
	Depth      int64                     `json:"depth"`
	Processing int64                     `json:"processing"`
	Failed     int64                     `json:"failed"`
	Completed  int64                     `json:"completed"`
	// OldestQueuedAge is the time since enqueue of the longest-waiting job
	// that is next in line in its tier and due to run. Retries count from
	// the original enqueue; delayed jobs count once they are due.
	OldestQueuedAge time.Duration `json:"oldest_queued_age"`
	LastHeartbeat   time.Time     `json:"last_heartbeat,omitempty"`
	Workers         int           `json:"workers"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()

	var cards [3]*redis.IntCmd
	var heads [3]*redis.ZSliceCmd
	for i, key := range q.keys.tiers {
		cards[i] = pipe.ZCard(ctx, key)
		heads[i] = pipe.ZRangeWithScores(ctx, key, 0, 0)
	}
	processing := pipe.ZCard(ctx, q.keys.processing)
	failed := pipe.ZCard(ctx, q.keys.failed)
	completed := pipe.Get(ctx, q.keys.completed)
	beats := pipe.HGetAll(ctx, q.keys.heartbeats)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, unavailable(err)
	}

	now := q.now()
	s := Stats{
		Queued:     make(map[models.Priority]int64, len(models.Priorities)),
		Processing: processing.Val(),
		Failed:     failed.Val(),
	}

	var due []string
	for _, p := range models.Priorities {
		i := p.Rank()
		s.Queued[p] = cards[i].Val()
		s.Depth += cards[i].Val()
		if head := heads[i].Val(); len(head) > 0 && int64(head[0].Score) <= now.UnixMilli() {
			m, _ := head[0].Member.(string)
			due = append(due, memberID(m))
		}
	}

	age, err := q.oldestAge(ctx, due, now)
	if err != nil {
		return Stats{}, err
	}
	s.OldestQueuedAge = age

	if n, err := completed.Int64(); err == nil {
		s.Completed = n
	}

	for _, v := range beats.Val() {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		s.Workers++
		if t := time.UnixMilli(ms).UTC(); t.After(s.LastHeartbeat) {
			s.LastHeartbeat = t
		}
	}

	metrics.QueueDepth.Set(float64(s.Depth))
	return s, nil
}

func (q *Queue) oldestAge(ctx context.Context, ids []string, now time.Time) (time.Duration, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	raws, err := q.rdb.HMGet(ctx, q.keys.data, ids...).Result()
	if err != nil {
		return 0, unavailable(err)
	}

	var oldest time.Duration
	for _, raw := range raws {
		body, ok := raw.(string)
		if !ok {
			continue
		}
		var job struct {
			CreatedAt time.Time `json:"created_at"`
		}
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			continue
		}
		if age := now.Sub(job.CreatedAt); age > oldest {
			oldest = age
		}
	}
	return oldest, nil
}
