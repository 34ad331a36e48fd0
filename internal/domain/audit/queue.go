package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/audittrail/internal/platform/metrics"
)

// QueueConfig sizes the background writer.
type QueueConfig struct {
	Size         int
	Workers      int
	MaxAttempts  int
	BaseBackoff  time.Duration
	WriteTimeout time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Size <= 0 {
		c.Size = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Queue decouples request handling from audit persistence. Jobs are written
// by a fixed worker pool with retry and exponential backoff; jobs that
// exhaust their attempts are dead-lettered to the operational log.
type Queue struct {
	rec     Recorder
	cfg     QueueConfig
	jobs    chan Input
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu          sync.RWMutex
	stopped     bool
	deadLetters atomic.Int64
	done        chan struct{}
	wg          sync.WaitGroup
}

func NewQueue(rec Recorder, cfg QueueConfig, logger zerolog.Logger) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		rec:    rec,
		cfg:    cfg,
		jobs:   make(chan Input, cfg.Size),
		logger: logger.With().Str("component", "audit_queue").Logger(),
		done:   make(chan struct{}),
	}
}

// SetMetrics attaches Prometheus collectors.
func (q *Queue) SetMetrics(m *metrics.Metrics) { q.metrics = m }

// Submit enqueues the input without blocking. When the queue is full or
// already stopped the write happens synchronously on a context detached from
// ctx, so a cancelled request never aborts its own audit write.
func (q *Queue) Submit(ctx context.Context, in Input) {
	q.mu.RLock()
	queued := false
	if !q.stopped {
		select {
		case q.jobs <- in:
			queued = true
		default:
		}
	}
	q.mu.RUnlock()
	if queued {
		q.metrics.SetQueueDepth(len(q.jobs))
		return
	}
	q.metrics.IncQueueFallbacks()
	q.process(context.WithoutCancel(ctx), in)
}

// Run starts the workers and blocks until ctx is cancelled. It then stops
// accepting jobs, drains what is buffered and returns.
func (q *Queue) Run(ctx context.Context) error {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	<-ctx.Done()
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.wg.Wait()
	q.drain()
	close(q.done)
	return nil
}

// Done is closed once Run has drained the queue.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Pending returns the number of buffered jobs.
func (q *Queue) Pending() int { return len(q.jobs) }

// DeadLetters returns how many jobs were abandoned.
func (q *Queue) DeadLetters() int64 { return q.deadLetters.Load() }

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-q.jobs:
			q.metrics.SetQueueDepth(len(q.jobs))
			q.process(context.WithoutCancel(ctx), in)
		}
	}
}

func (q *Queue) drain() {
	for {
		select {
		case in := <-q.jobs:
			q.process(context.Background(), in)
		default:
			q.metrics.SetQueueDepth(0)
			return
		}
	}
}

// process writes one job, retrying storage failures. Validation failures
// are final.
func (q *Queue) process(ctx context.Context, in Input) {
	var err error
	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			q.metrics.IncWriteRetries()
			time.Sleep(q.cfg.BaseBackoff << (attempt - 2))
		}
		wctx, cancel := context.WithTimeout(ctx, q.cfg.WriteTimeout)
		_, err = q.rec.Record(wctx, in)
		cancel()
		if err == nil {
			return
		}
		if IsValidation(err) {
			q.logger.Error().Err(err).
				Str("action", string(in.Action)).
				Str("user_id", in.UserID).
				Msg("audit input rejected")
			return
		}
	}
	q.deadLetter(in, err)
}

func (q *Queue) deadLetter(in Input, err error) {
	q.deadLetters.Add(1)
	q.metrics.IncDeadLetters()
	q.logger.Error().Err(err).
		Bool("dead_letter", true).
		Int("attempts", q.cfg.MaxAttempts).
		Str("user_id", in.UserID).
		Str("user_role", string(in.UserRole)).
		Str("action", string(in.Action)).
		Str("resource_type", string(in.ResourceType)).
		Str("resource_id", in.ResourceID).
		Str("patient_id", in.PatientID).
		Bool("success", in.Success).
		Str("ip_address", in.IPAddress).
		Str("session_id", in.SessionID).
		Interface("details", in.Details).
		Msg("audit write abandoned after retries")
}
