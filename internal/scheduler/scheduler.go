// Package scheduler runs extraction jobs on a fixed pool of workers fed by a
// bounded FIFO queue. Submission never blocks: a full queue or a session that
// already has a job queued or running is rejected immediately.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/andresmejia3/facecollect/internal/metrics"
	"github.com/andresmejia3/facecollect/internal/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultWorkers   = 3
	DefaultQueueSize = 15
)

var (
	// ErrQueueFull is returned when every queue slot is taken.
	ErrQueueFull = errors.New("extraction queue is full")
	// ErrDuplicateJob is returned when the session already has a job queued or running.
	ErrDuplicateJob = errors.New("extraction already queued or running for this session")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("scheduler stopped")
)

// Handler performs one job and returns the number of tiles it produced.
type Handler func(ctx context.Context, job types.ExtractionJob) (int, error)

// Recorder receives the outcome of every job.
type Recorder interface {
	MarkExtracted(ctx context.Context, sessionID string, count int) error
	MarkFailed(ctx context.Context, sessionID string, reason string) error
}

// Config sizes the pool.
type Config struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration // zero means jobs run unbounded
}

// DefaultConfig returns three workers and fifteen queue slots.
func DefaultConfig() Config {
	return Config{Workers: DefaultWorkers, QueueSize: DefaultQueueSize}
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Queued    int   `json:"queued"`
	Running   int   `json:"running"`
	Workers   int   `json:"workers"`
	Capacity  int   `json:"capacity"`
	Accepted  int64 `json:"accepted"`
	Rejected  int64 `json:"rejected"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Scheduler owns the queue and the workers.
type Scheduler struct {
	cfg      Config
	handler  Handler
	recorder Recorder
	logger   *zap.Logger

	jobs chan types.ExtractionJob
	wg   sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	running  int
	started  bool
	stopped  bool
	stats    Stats
}

// New builds a scheduler. Non-positive sizes fall back to the defaults.
func New(cfg Config, handler Handler, recorder Recorder, logger *zap.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		handler:  handler,
		recorder: recorder,
		logger:   logger.Named("scheduler"),
		jobs:     make(chan types.ExtractionJob, cfg.QueueSize),
		inFlight: make(map[string]struct{}),
	}
}

// Start launches the workers. Jobs run with ctx (plus the job timeout, if any).
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	s.logger.Info("starting extraction workers",
		zap.Int("workers", s.cfg.Workers),
		zap.Int("queue_size", s.cfg.QueueSize),
		zap.Duration("job_timeout", s.cfg.JobTimeout))

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
}

// Submit enqueues job without blocking.
func (s *Scheduler) Submit(job types.ExtractionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return s.reject(job, ErrStopped, "stopped")
	}
	if _, ok := s.inFlight[job.SessionID]; ok {
		return s.reject(job, ErrDuplicateJob, "duplicate")
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	select {
	case s.jobs <- job:
		s.inFlight[job.SessionID] = struct{}{}
		s.stats.Accepted++
		metrics.JobsSubmittedTotal.WithLabelValues("accepted").Inc()
		metrics.QueueDepth.Set(float64(len(s.jobs)))
		s.logger.Debug("job queued", zap.String("session", job.SessionID), zap.Int("queued", len(s.jobs)))
		return nil
	default:
		return s.reject(job, ErrQueueFull, "queue_full")
	}
}

// reject must be called with mu held.
func (s *Scheduler) reject(job types.ExtractionJob, err error, label string) error {
	s.stats.Rejected++
	metrics.JobsSubmittedTotal.WithLabelValues(label).Inc()
	s.logger.Warn("job rejected", zap.String("session", job.SessionID), zap.Error(err))
	return errors.WithMessagef(err, "session %s", job.SessionID)
}

// InFlight reports whether sessionID has a job queued or running.
func (s *Scheduler) InFlight(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[sessionID]
	return ok
}

// Stats returns current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Queued = len(s.jobs)
	st.Running = s.running
	st.Workers = s.cfg.Workers
	st.Capacity = s.cfg.QueueSize
	return st
}

// Stop refuses new work and waits for queued and running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.jobs)
	s.mu.Unlock()

	s.wg.Wait()

	st := s.Stats()
	s.logger.Info("extraction workers stopped",
		zap.Int64("completed", st.Completed),
		zap.Int64("failed", st.Failed))
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	log := s.logger.With(zap.Int("worker", id))
	for job := range s.jobs {
		s.run(ctx, job, log)
	}
	log.Debug("worker exiting")
}

func (s *Scheduler) run(ctx context.Context, job types.ExtractionJob, log *zap.Logger) {
	s.mu.Lock()
	s.running++
	metrics.ActiveWorkers.Set(float64(s.running))
	metrics.QueueDepth.Set(float64(len(s.jobs)))
	s.mu.Unlock()

	log = log.With(zap.String("session", job.SessionID))
	log.Info("job started", zap.Duration("waited", time.Since(job.EnqueuedAt)))

	start := time.Now()
	count, err := s.handle(ctx, job)
	metrics.JobDuration.Observe(time.Since(start).Seconds())

	// Outcomes are recorded even when ctx was cancelled mid-job.
	recordCtx := context.WithoutCancel(ctx)
	if err != nil {
		metrics.JobsCompletedTotal.WithLabelValues("failed").Inc()
		log.Error("job failed", zap.Error(err), zap.Duration("took", time.Since(start)))
		if s.recorder != nil {
			if rerr := s.recorder.MarkFailed(recordCtx, job.SessionID, err.Error()); rerr != nil {
				log.Error("recording failure", zap.Error(rerr))
			}
		}
	} else {
		metrics.JobsCompletedTotal.WithLabelValues("ok").Inc()
		log.Info("job finished", zap.Int("faces", count), zap.Duration("took", time.Since(start)))
		if s.recorder != nil {
			if rerr := s.recorder.MarkExtracted(recordCtx, job.SessionID, count); rerr != nil {
				log.Error("recording result", zap.Error(rerr))
			}
		}
	}

	s.mu.Lock()
	delete(s.inFlight, job.SessionID)
	s.running--
	if err != nil {
		s.stats.Failed++
	} else {
		s.stats.Completed++
	}
	metrics.ActiveWorkers.Set(float64(s.running))
	s.mu.Unlock()
}

// handle runs the handler, turning a panic into an error so one bad job
// cannot take a worker down.
func (s *Scheduler) handle(ctx context.Context, job types.ExtractionJob) (count int, err error) {
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked",
				zap.String("session", job.SessionID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			count, err = 0, errors.Errorf("panic: %v", r)
		}
	}()
	return s.handler(ctx, job)
}
