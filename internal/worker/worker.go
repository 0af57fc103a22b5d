// Package worker drains the email queue: it renders each job, hands it to
// the provider and records the outcome with the delivery tracker.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"MailQueue/internal/email"
	"MailQueue/internal/metrics"
	"MailQueue/internal/models"
	"MailQueue/internal/render"
	"MailQueue/internal/tracker"
)

// TemplateErrorReason is recorded on jobs whose template could not be
// rendered.
const TemplateErrorReason = "template error"

var (
	ErrAlreadyStarted = errors.New("worker already started")
	ErrStopped        = errors.New("worker stopped")
)

// Queue is the part of *queue.Queue the worker drives.
type Queue interface {
	Dequeue(ctx context.Context, batchSize int) []*models.EmailJob
	MarkComplete(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) (*models.EmailJob, error)
	MarkPermanentFailure(ctx context.Context, id, reason string) (*models.EmailJob, error)
	Release(ctx context.Context, id string) error
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
	Heartbeat(ctx context.Context, workerID string) error
	ForgetWorker(ctx context.Context, workerID string) error
}

type Renderer interface {
	Render(name string, vars map[string]any) (*render.Rendered, error)
}

type Recorder interface {
	RecordAttempt(ctx context.Context, a tracker.Attempt) (*models.EmailDelivery, error)
}

type Options struct {
	// ID names the worker in heartbeats. Empty generates one.
	ID string

	Concurrency  int
	BatchSize    int
	PollInterval time.Duration

	// RateLimit sends are allowed per RateWindow. Zero disables the limit.
	RateLimit  int
	RateWindow time.Duration

	ProviderTimeout time.Duration

	StaleAfter      time.Duration
	ReclaimInterval time.Duration

	// HeartbeatInterval is how often liveness is reported. It runs apart
	// from polling, so a worker waiting on the rate limit stays live.
	HeartbeatInterval time.Duration
}

func (o *Options) defaults() {
	if o.ID == "" {
		o.ID = "worker-" + uuid.NewString()[:8]
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.RateWindow <= 0 {
		o.RateWindow = time.Second
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 10 * time.Minute
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = time.Minute
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
}

// Worker is one consumer of the queue. Several workers, in one process or
// many, can share a queue. A Worker is started once.
type Worker struct {
	opts     Options
	queue    Queue
	renderer Renderer
	provider email.Provider
	tracker  Recorder
	limiter  *rate.Limiter
	log      *zap.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	stop    context.CancelFunc
	stopCtx context.Context

	loopDone  chan struct{}
	houseDone chan struct{}
	done      chan struct{}
	inflight sync.WaitGroup
	sem      chan struct{}
}

func New(q Queue, renderer Renderer, provider email.Provider, rec Recorder, opts Options, logger *zap.Logger) *Worker {
	opts.defaults()

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.RateWindow/time.Duration(opts.RateLimit)), opts.RateLimit)
	}

	stopCtx, stop := context.WithCancel(context.Background())

	return &Worker{
		opts:     opts,
		queue:    q,
		renderer: renderer,
		provider: provider,
		tracker:  rec,
		limiter:  limiter,
		log:      logger.With(zap.String("worker_id", opts.ID)),
		stop:     stop,
		stopCtx:  stopCtx,
		loopDone:  make(chan struct{}),
		houseDone: make(chan struct{}),
		done:      make(chan struct{}),
		sem:       make(chan struct{}, opts.Concurrency),
	}
}

func (w *Worker) ID() string { return w.opts.ID }

// Start runs the poll loop in the background.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	if w.stopped {
		return ErrStopped
	}
	w.started = true

	go w.run()
	go w.housekeep()
	go func() {
		<-w.loopDone
		<-w.houseDone
		w.inflight.Wait()
		close(w.done)
	}()

	w.log.Info("worker started",
		zap.Int("concurrency", w.opts.Concurrency),
		zap.Int("batch_size", w.opts.BatchSize),
		zap.Int("rate_limit", w.opts.RateLimit),
		zap.Duration("rate_window", w.opts.RateWindow),
	)
	return nil
}

// Stop asks the poll loop to exit and waits for in-flight sends until ctx
// is done. Sends are never interrupted; jobs still running when ctx
// expires stay in processing and are reclaimed later as stale. A worker
// stopped before Start can not be started afterwards.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	started := w.started
	if !started && !w.stopped {
		close(w.done)
	}
	w.stopped = true
	w.mu.Unlock()

	w.stop()
	if !started {
		return nil
	}

	w.log.Info("stopping worker")

	select {
	case <-w.done:
		if err := w.queue.ForgetWorker(context.Background(), w.opts.ID); err != nil {
			w.log.Warn("remove heartbeat", zap.Error(err))
		}
		w.log.Info("worker stopped gracefully")
		return nil
	case <-ctx.Done():
		w.log.Warn("worker shutdown grace expired, in-flight jobs left for reclaim")
		return ctx.Err()
	}
}

// Wait blocks until the poll loop has exited and every in-flight job has
// finished.
func (w *Worker) Wait() {
	<-w.done
}

func (w *Worker) run() {
	defer close(w.loopDone)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		if w.stopCtx.Err() != nil {
			return
		}

		// a full batch suggests more work is waiting
		if n := w.poll(); n == w.opts.BatchSize {
			continue
		}

		select {
		case <-w.stopCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

// housekeep reports liveness and reclaims stale jobs on its own schedule,
// independent of how long a poll blocks.
func (w *Worker) housekeep() {
	defer close(w.houseDone)

	beat := time.NewTicker(w.opts.HeartbeatInterval)
	defer beat.Stop()
	reclaim := time.NewTicker(w.opts.ReclaimInterval)
	defer reclaim.Stop()

	w.heartbeat()
	w.reclaim()

	for {
		select {
		case <-w.stopCtx.Done():
			return
		case <-beat.C:
			w.heartbeat()
		case <-reclaim.C:
			w.reclaim()
		}
	}
}

func (w *Worker) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.Heartbeat(ctx, w.opts.ID); err != nil {
		w.log.Warn("heartbeat failed", zap.Error(err))
	}
}

func (w *Worker) reclaim() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := w.queue.ReclaimStale(ctx, w.opts.StaleAfter)
	if err != nil {
		w.log.Warn("reclaim stale jobs", zap.Error(err))
		return
	}
	if n > 0 {
		w.log.Info("reclaimed stale jobs", zap.Int("count", n))
	}
}

// poll dequeues one batch and dispatches it, returning the batch size.
func (w *Worker) poll() int {
	jobs := w.queue.Dequeue(context.Background(), w.opts.BatchSize)
	if len(jobs) == 0 {
		return 0
	}

	w.log.Debug("dequeued batch", zap.Int("count", len(jobs)))

	for i, job := range jobs {
		if err := w.limiter.Wait(w.stopCtx); err != nil {
			w.release(jobs[i:])
			return len(jobs)
		}

		select {
		case w.sem <- struct{}{}:
		case <-w.stopCtx.Done():
			w.release(jobs[i:])
			return len(jobs)
		}

		w.inflight.Add(1)
		go func(job *models.EmailJob) {
			defer w.inflight.Done()
			defer func() { <-w.sem }()
			w.process(job)
		}(job)
	}

	return len(jobs)
}

// release returns jobs that were dequeued but never attempted.
func (w *Worker) release(jobs []*models.EmailJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, job := range jobs {
		if err := w.queue.Release(ctx, job.ID); err != nil {
			w.log.Warn("release job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		w.log.Info("released unstarted job", zap.String("job_id", job.ID))
	}
}

// process runs one job to a settled state. It does not observe the stop
// signal, so a send in progress always finishes.
func (w *Worker) process(job *models.EmailJob) {
	ctx := context.Background()
	log := w.log.With(zap.String("job_id", job.ID), zap.String("template", job.Template))

	rendered, err := w.renderer.Render(job.Template, job.Vars)
	if err != nil {
		log.Error("template render failed", zap.Error(err))
		metrics.EmailFailures.WithLabelValues("template").Inc()

		if _, err := w.queue.MarkPermanentFailure(ctx, job.ID, TemplateErrorReason); err != nil {
			log.Error("mark job failed", zap.Error(err))
		}
		w.record(ctx, log, attempt(job, models.DeliveryFailed, "", job.Attempts, TemplateErrorReason))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.opts.ProviderTimeout)
	start := time.Now()
	messageID, err := w.provider.Send(sendCtx, email.Message{
		To:      job.Recipient,
		Subject: job.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
		JobID:   job.ID,
		Tag:     job.Template,
	})
	cancel()
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		w.failed(ctx, log, job, err)
		return
	}

	w.record(ctx, log, attempt(job, models.DeliverySent, messageID, job.Attempts+1, ""))

	if err := w.queue.MarkComplete(ctx, job.ID); err != nil {
		log.Error("mark job complete", zap.Error(err))
	}

	metrics.EmailsSent.Inc()
	log.Info("email sent",
		zap.String("provider", w.provider.Name()),
		zap.String("message_id", messageID),
		zap.Int("attempt", job.Attempts+1),
	)
}

func (w *Worker) failed(ctx context.Context, log *zap.Logger, job *models.EmailJob, sendErr error) {
	reason := sendErr.Error()

	updated, err := w.queue.MarkFailed(ctx, job.ID, reason)
	if err != nil {
		log.Error("mark job failed", zap.NamedError("send_error", sendErr), zap.Error(err))
		return
	}

	if updated.Status != models.StatusFailed {
		metrics.EmailRetries.Inc()
		return
	}

	label := "provider"
	var perr *models.ProviderError
	if errors.As(sendErr, &perr) && perr.Timeout {
		label = "timeout"
	}
	metrics.EmailFailures.WithLabelValues(label).Inc()

	w.record(ctx, log, attempt(updated, models.DeliveryFailed, "", updated.Attempts, reason))
}

// record writes to the tracker, retrying briefly. The job is settled
// whether or not this succeeds.
func (w *Worker) record(ctx context.Context, log *zap.Logger, a tracker.Attempt) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second

	err := backoff.Retry(func() error {
		_, err := w.tracker.RecordAttempt(ctx, a)
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		log.Error("record delivery", zap.String("status", string(a.Status)), zap.Error(err))
	}
}

func attempt(job *models.EmailJob, status models.DeliveryStatus, messageID string, attempts int, reason string) tracker.Attempt {
	return tracker.Attempt{
		JobID:             job.ID,
		ProviderMessageID: messageID,
		Recipient:         job.Recipient,
		Subject:           job.Subject,
		Template:          job.Template,
		Status:            status,
		Attempts:          attempts,
		Reason:            reason,
	}
}
