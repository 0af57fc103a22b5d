// Package queue keeps outbound email jobs in Redis. Jobs live in one
// sorted set per priority tier, scored by the time they become eligible,
// and move to a processing set through an atomic Lua pop so that no two
// workers ever receive the same job.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"MailQueue/internal/metrics"
	"MailQueue/internal/models"
	"MailQueue/internal/retry"
)

// ErrJobNotProcessing is returned when a job is settled by a worker that no
// longer owns it, typically after it was reclaimed as stale.
var ErrJobNotProcessing = errors.New("email job is not in processing")

type keys struct {
	data       string
	seq        string
	tiers      [3]string
	processing string
	failed     string
	completed  string
	heartbeats string
}

func newKeys(prefix string) keys {
	if prefix == "" {
		prefix = "email"
	}
	k := keys{
		data:       prefix + ":data",
		seq:        prefix + ":seq",
		processing: prefix + ":processing",
		failed:     prefix + ":failed",
		completed:  prefix + ":completed",
		heartbeats: prefix + ":heartbeats",
	}
	for _, p := range models.Priorities {
		k.tiers[p.Rank()] = prefix + ":queue:" + string(p)
	}
	return k
}

type Queue struct {
	rdb      *redis.Client
	keys     keys
	policy   retry.Policy
	validate *validator.Validate
	log      *zap.Logger

	now func() time.Time
}

func New(rdb *redis.Client, prefix string, policy retry.Policy, logger *zap.Logger) *Queue {
	return &Queue{
		rdb:      rdb,
		keys:     newKeys(prefix),
		policy:   policy,
		validate: validator.New(),
		log:      logger,
		now:      time.Now,
	}
}

// Ping checks the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.rdb.Ping(ctx).Err()
}

type enqueueOptions struct {
	delay time.Duration
}

type EnqueueOption func(*enqueueOptions)

// WithDelay holds the job back until the delay has passed.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.delay = d
	}
}

// Enqueue validates and persists the job as queued and returns its id. A
// job whose id is already stored is not written twice.
func (q *Queue) Enqueue(ctx context.Context, job *models.EmailJob, opts ...EnqueueOption) (string, error) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := q.validateJob(job); err != nil {
		return "", err
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	seq, err := q.rdb.Incr(ctx, q.keys.seq).Result()
	if err != nil {
		return "", unavailable(err)
	}

	now := q.now().UTC()
	job.Seq = seq
	job.Status = models.StatusQueued
	job.Attempts = 0
	job.LastError = ""
	job.StartedAt = nil
	job.CreatedAt = now
	job.UpdatedAt = now
	job.NextAttemptAt = now.Add(o.delay)

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal email job: %w", err)
	}

	added, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.keys.data, q.keys.tiers[job.Priority.Rank()]},
		job.ID, body, millis(job.NextAttemptAt), member(job),
	).Int()
	if err != nil {
		return "", unavailable(err)
	}

	if added == 0 {
		q.log.Info("email job already enqueued", zap.String("job_id", job.ID))
		return job.ID, nil
	}

	metrics.JobsEnqueued.WithLabelValues(string(job.Priority)).Inc()

	q.log.Info("email job enqueued",
		zap.String("job_id", job.ID),
		zap.String("template", job.Template),
		zap.String("priority", string(job.Priority)),
		zap.Duration("delay", o.delay),
	)

	return job.ID, nil
}

func (q *Queue) validateJob(job *models.EmailJob) error {
	if job == nil {
		return &models.ValidationError{Reason: "job is nil"}
	}

	p, err := models.ParsePriority(string(job.Priority))
	if err != nil {
		return &models.ValidationError{Fields: []string{"priority"}, Reason: err.Error()}
	}
	job.Priority = p

	if err := q.validate.Struct(job); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, strings.ToLower(fe.Field()))
			}
			return &models.ValidationError{Fields: fields, Reason: "missing or malformed fields"}
		}
		return &models.ValidationError{Reason: err.Error()}
	}

	for k, v := range job.Vars {
		switch v.(type) {
		case nil, string, bool, int, int32, int64, float32, float64, json.Number:
		default:
			return &models.ValidationError{
				Fields: []string{"vars." + k},
				Reason: "template variables must be scalar",
			}
		}
	}

	return nil
}

// Dequeue hands out up to batchSize eligible jobs, highest priority first
// and oldest first within a tier, moving them to processing. It never
// blocks and yields nothing when the store is unreachable.
func (q *Queue) Dequeue(ctx context.Context, batchSize int) []*models.EmailJob {
	if batchSize <= 0 {
		return nil
	}

	now := q.now().UTC()

	members, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.keys.tiers[0], q.keys.tiers[1], q.keys.tiers[2], q.keys.processing},
		millis(now), batchSize,
	).StringSlice()
	if err != nil {
		q.log.Warn("dequeue failed, treating as empty", zap.Error(err))
		return nil
	}
	if len(members) == 0 {
		return nil
	}

	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGet(ctx, q.keys.data, memberID(m))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		// popped jobs stay in processing and come back through reclaim
		q.log.Error("load dequeued jobs", zap.Int("count", len(members)), zap.Error(err))
		return nil
	}

	jobs := make([]*models.EmailJob, 0, len(members))
	write := q.rdb.Pipeline()
	for i, m := range members {
		raw, err := cmds[i].Result()
		if err != nil {
			q.log.Error("email job data missing, dropping",
				zap.String("job_id", memberID(m)),
				zap.Error(err),
			)
			write.ZRem(ctx, q.keys.processing, m)
			continue
		}

		var job models.EmailJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.log.Error("corrupt email job, dropping",
				zap.String("job_id", memberID(m)),
				zap.Error(err),
			)
			write.ZRem(ctx, q.keys.processing, m)
			continue
		}

		started := now
		job.Status = models.StatusProcessing
		job.StartedAt = &started
		job.UpdatedAt = now

		body, err := json.Marshal(&job)
		if err != nil {
			q.log.Error("marshal email job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		write.HSet(ctx, q.keys.data, job.ID, body)
		jobs = append(jobs, &job)
	}
	if _, err := write.Exec(ctx); err != nil {
		q.log.Warn("persist processing status", zap.Error(err))
	}

	return jobs
}

// MarkComplete drops a finished job from the working set. Completing an
// unknown or already completed job is a no-op.
func (q *Queue) MarkComplete(ctx context.Context, id string) error {
	job, err := q.Get(ctx, id)
	if errors.Is(err, models.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	removed, err := completeScript.Run(ctx, q.rdb,
		[]string{q.keys.processing, q.keys.data, q.keys.completed},
		member(job), job.ID,
	).Int()
	if err != nil {
		return unavailable(err)
	}

	if removed == 1 {
		q.log.Info("email job completed", zap.String("job_id", id))
	}
	return nil
}

// MarkFailed records a failed delivery attempt. Below the retry ceiling the
// job goes back to queued with a backoff delay; otherwise it is terminally
// failed. The returned job reflects the new state.
func (q *Queue) MarkFailed(ctx context.Context, id, reason string) (*models.EmailJob, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := q.now().UTC()
	job.Attempts++
	job.LastError = reason
	job.UpdatedAt = now
	job.StartedAt = nil

	if q.policy.Exhausted(job.Attempts) {
		job.Status = models.StatusFailed
		if err := q.move(ctx, job, q.keys.processing, q.keys.failed, now); err != nil {
			return nil, err
		}
		q.log.Error("email job failed permanently",
			zap.String("job_id", id),
			zap.Int("attempts", job.Attempts),
			zap.String("reason", reason),
		)
		return job, nil
	}

	delay := q.policy.Delay(job.Attempts)
	job.Status = models.StatusQueued
	job.NextAttemptAt = now.Add(delay)
	if err := q.move(ctx, job, q.keys.processing, q.tierKey(job), job.NextAttemptAt); err != nil {
		return nil, err
	}

	q.log.Warn("email job scheduled for retry",
		zap.String("job_id", id),
		zap.Int("attempts", job.Attempts),
		zap.Duration("retry_in", delay),
		zap.String("reason", reason),
	)
	return job, nil
}

// MarkPermanentFailure fails the job without consuming an attempt. Used for
// errors no retry can fix.
func (q *Queue) MarkPermanentFailure(ctx context.Context, id, reason string) (*models.EmailJob, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := q.now().UTC()
	job.Status = models.StatusFailed
	job.LastError = reason
	job.UpdatedAt = now
	job.StartedAt = nil

	if err := q.move(ctx, job, q.keys.processing, q.keys.failed, now); err != nil {
		return nil, err
	}

	q.log.Error("email job failed without retry",
		zap.String("job_id", id),
		zap.String("reason", reason),
	)
	return job, nil
}

// Release returns a dequeued job that was never attempted to the queue.
func (q *Queue) Release(ctx context.Context, id string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}

	now := q.now().UTC()
	job.Status = models.StatusQueued
	job.StartedAt = nil
	job.UpdatedAt = now
	job.NextAttemptAt = now

	return q.move(ctx, job, q.keys.processing, q.tierKey(job), now)
}

// Requeue puts a terminally failed job back in its tier. The attempt count
// is kept, so backoff continues from where it stopped.
func (q *Queue) Requeue(ctx context.Context, id string) (*models.EmailJob, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusFailed {
		return nil, fmt.Errorf("requeue %s: job is %s, not failed", id, job.Status)
	}

	now := q.now().UTC()
	job.Status = models.StatusQueued
	job.UpdatedAt = now
	job.NextAttemptAt = now

	if err := q.move(ctx, job, q.keys.failed, q.tierKey(job), now); err != nil {
		return nil, err
	}

	q.log.Info("email job requeued",
		zap.String("job_id", id),
		zap.Int("attempts", job.Attempts),
	)
	return job, nil
}

// ReclaimStale returns jobs stuck in processing for longer than olderThan
// to their queue, for example after a worker crashed mid-batch.
func (q *Queue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := q.now().UTC()
	cutoff := now.Add(-olderThan)

	stale, err := q.rdb.ZRangeByScoreWithScores(ctx, q.keys.processing, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, unavailable(err)
	}

	reclaimed := 0
	for _, z := range stale {
		m, _ := z.Member.(string)
		id := memberID(m)

		job, err := q.Get(ctx, id)
		if errors.Is(err, models.ErrJobNotFound) {
			q.rdb.ZRem(ctx, q.keys.processing, m)
			continue
		}
		if err != nil {
			return reclaimed, err
		}

		staleErr := &models.StaleJobError{JobID: id, StartedAt: time.UnixMilli(int64(z.Score)).UTC()}

		job.Status = models.StatusQueued
		job.StartedAt = nil
		job.UpdatedAt = now
		job.NextAttemptAt = now

		if err := q.move(ctx, job, q.keys.processing, q.tierKey(job), now); err != nil {
			if errors.Is(err, ErrJobNotProcessing) {
				continue
			}
			return reclaimed, err
		}

		reclaimed++
		q.log.Warn("reclaimed stale email job", zap.Error(staleErr))
	}

	if reclaimed > 0 {
		metrics.JobsReclaimed.Add(float64(reclaimed))
	}
	return reclaimed, nil
}

// Get loads a job that is queued, processing or failed.
func (q *Queue) Get(ctx context.Context, id string) (*models.EmailJob, error) {
	raw, err := q.rdb.HGet(ctx, q.keys.data, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}

	var job models.EmailJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode email job %s: %w", id, err)
	}
	return &job, nil
}

// Heartbeat records that a worker is alive.
func (q *Queue) Heartbeat(ctx context.Context, workerID string) error {
	if err := q.rdb.HSet(ctx, q.keys.heartbeats, workerID, q.now().UnixMilli()).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// ForgetWorker removes a stopped worker's heartbeat.
func (q *Queue) ForgetWorker(ctx context.Context, workerID string) error {
	if err := q.rdb.HDel(ctx, q.keys.heartbeats, workerID).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (q *Queue) move(ctx context.Context, job *models.EmailJob, from, to string, score time.Time) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal email job: %w", err)
	}

	moved, err := moveScript.Run(ctx, q.rdb,
		[]string{from, to, q.keys.data},
		member(job), millis(score), job.ID, body,
	).Int()
	if err != nil {
		return unavailable(err)
	}
	if moved == 0 {
		return fmt.Errorf("%s: %w", job.ID, ErrJobNotProcessing)
	}
	return nil
}

func (q *Queue) tierKey(job *models.EmailJob) string {
	return q.keys.tiers[job.Priority.Rank()]
}

func member(job *models.EmailJob) string {
	return fmt.Sprintf("%d:%019d:%s", job.Priority.Rank(), job.Seq, job.ID)
}

func memberID(m string) string {
	parts := strings.SplitN(m, ":", 3)
	if len(parts) != 3 {
		return m
	}
	return parts[2]
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", models.ErrQueueUnavailable, err)
}

// NewClient opens a Redis client from a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}
