package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/helixflow/helixgate/internal/config"
	"github.com/helixflow/helixgate/internal/domain"
	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
	"github.com/helixflow/helixgate/internal/pkg/logger"
	"github.com/helixflow/helixgate/internal/pkg/metrics"
)

// queuedTask is the queue payload: just enough to re-read the record.
type queuedTask struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
}

// StreamSession is the live token feed of one running stream job. Tokens
// closes when the stream ends; Outcome is valid only after that. Cancel
// abandons consumption and cancels the job.
type StreamSession struct {
	tokens chan string
	cancel context.CancelFunc

	mu    sync.Mutex
	done  bool
	err   error
	usage *domain.Usage
}

func newStreamSession(cancel context.CancelFunc) *StreamSession {
	return &StreamSession{tokens: make(chan string, 16), cancel: cancel}
}

func (s *StreamSession) Tokens() <-chan string { return s.tokens }

func (s *StreamSession) Cancel() { s.cancel() }

// Outcome reports how the stream ended. Call it after Tokens closes.
func (s *StreamSession) Outcome() (*domain.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage, s.err
}

func (s *StreamSession) finish(usage *domain.Usage, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.usage = usage
	s.err = err
	close(s.tokens)
}

// Scheduler dispatches queued jobs onto GPU leases and runs them against
// the backend. Workers pop job ids, re-read the record, allocate a
// lease with bounded backoff, and execute. Streaming jobs hand a
// StreamSession to an in-process watcher; without one they run in drain
// mode and store the full result like a non-streaming job.
type Scheduler struct {
	queue    WorkQueue
	registry *JobRegistry
	pool     *GPUPool
	backend  InferenceBackend
	sink     metrics.Sink

	workers   int
	baseDelay time.Duration
	maxDelay  time.Duration
	deadline  time.Duration

	popCtx  context.Context
	popStop context.CancelFunc
	eg      errgroup.Group
	started atomic.Bool
	running atomic.Int64

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	watchers map[string]chan *StreamSession
}

func NewScheduler(cfg *config.Config, queue WorkQueue, registry *JobRegistry, pool *GPUPool, backend InferenceBackend, sink metrics.Sink) *Scheduler {
	if sink == nil {
		sink = metrics.NewNop()
	}
	popCtx, popStop := context.WithCancel(context.Background())
	return &Scheduler{
		queue:     queue,
		registry:  registry,
		pool:      pool,
		backend:   backend,
		sink:      sink,
		workers:   cfg.Scheduler.WorkersOrDefault(len(cfg.GPUPool.DevicesOrDefault())),
		baseDelay: cfg.Scheduler.RetryBaseDelayOrDefault(),
		maxDelay:  cfg.Scheduler.RetryMaxDelayOrDefault(),
		deadline:  cfg.Queue.AdmissionDeadlineOrDefault(),
		popCtx:    popCtx,
		popStop:   popStop,
		cancels:   make(map[string]context.CancelFunc),
		watchers:  make(map[string]chan *StreamSession),
	}
}

// Submit enqueues an admitted job for dispatch.
func (s *Scheduler) Submit(ctx context.Context, job *domain.Job) error {
	payload, err := json.Marshal(queuedTask{JobID: job.ID})
	if err != nil {
		return infraerrors.Internal("INTERNAL", "encode task").WithCause(err)
	}
	switch err := s.queue.Push(ctx, string(payload)); {
	case err == nil:
		return nil
	case errors.Is(err, ErrQueueFull):
		return infraerrors.Unavailable("QUEUE_FULL", "admission queue is full").WithCause(err)
	case errors.Is(err, ErrQueueClosed):
		return infraerrors.Unavailable("SHUTTING_DOWN", "gateway is shutting down").WithCause(err)
	default:
		return infraerrors.Unavailable("QUEUE_UNAVAILABLE", "admission queue unavailable").WithCause(err)
	}
}

// WatchStream registers for the job's live token feed. Register before
// Submit, or the worker may start the job in drain mode. The channel
// delivers at most one session; cancel cleans up either way, cancelling
// a session that raced in undelivered.
func (s *Scheduler) WatchStream(jobID string) (<-chan *StreamSession, func()) {
	ch := make(chan *StreamSession, 1)
	s.mu.Lock()
	s.watchers[jobID] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if s.watchers[jobID] == ch {
			delete(s.watchers, jobID)
		}
		s.mu.Unlock()
		select {
		case session := <-ch:
			if session != nil {
				session.Cancel()
			}
		default:
		}
	}
	return ch, cancel
}

// RunningJobs reports how many jobs currently hold a lease on this
// instance.
func (s *Scheduler) RunningJobs() int64 {
	return s.running.Load()
}

// Abort cancels the job's execution when it runs on this instance. The
// registry transition is the caller's business.
func (s *Scheduler) Abort(jobID string) {
	s.mu.Lock()
	cancel := s.cancels[jobID]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Start launches the worker pool. Safe to call once.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	logger.L().Info("scheduler.start", zap.Int("workers", s.workers))
	for i := 0; i < s.workers; i++ {
		s.eg.Go(func() error {
			s.worker()
			return nil
		})
	}
}

// Stop closes intake, waits for in-flight jobs, and force-cancels
// whatever still runs when ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	_ = s.queue.Close()

	done := make(chan struct{})
	go func() {
		_ = s.eg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.L().Warn("scheduler.drain_timeout", zap.Int64("running", s.running.Load()))
		s.abortAll()
		s.popStop()
		<-done
	}
	s.popStop()
	logger.L().Info("scheduler.stopped")
	return nil
}

func (s *Scheduler) abortAll() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *Scheduler) worker() {
	for {
		payload, err := s.queue.Pop(s.popCtx)
		switch {
		case err == nil:
		case errors.Is(err, ErrQueueClosed), errors.Is(err, context.Canceled):
			return
		default:
			logger.L().Warn("scheduler.pop_failed", zap.Error(err))
			time.Sleep(s.baseDelay)
			continue
		}
		s.process(payload)
	}
}

func (s *Scheduler) process(payload string) {
	var task queuedTask
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		logger.L().Warn("scheduler.bad_payload", zap.String("payload", payload), zap.Error(err))
		return
	}

	ctx := context.Background()
	job, err := s.registry.Get(ctx, task.JobID)
	if err != nil {
		// Expired or already removed: nothing left to run.
		logger.L().Debug("scheduler.record_gone", zap.String("job_id", task.JobID), zap.Error(err))
		return
	}
	if job.State.Terminal() {
		return
	}

	if time.Since(job.CreatedAt) > s.deadline {
		s.markFailed(job.ID, "no_capacity", "admission deadline exceeded")
		return
	}
	if !s.pool.Satisfiable(job.Model) {
		s.markFailed(job.ID, "no_capacity",
			fmt.Sprintf("model %s does not fit any device", job.Model))
		return
	}

	lease, ok := s.pool.TryAllocate(job.Model, job.ID)
	if !ok {
		s.requeue(task)
		return
	}

	if _, err := s.registry.MarkRunning(ctx, job.ID, lease.GPUID); err != nil {
		s.pool.Release(lease.ID)
		// A cancel that raced the dispatch is expected; anything else is
		// worth a log line. Either way the record stays terminal or will
		// expire, so the task is dropped.
		if !infraerrors.IsConflict(err) {
			logger.L().Warn("scheduler.mark_running", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	s.execute(job, lease)
}

// requeue backs the task off and puts it at the end of the line. Backoff
// doubles per attempt, capped, so a busy pool is not hammered; the
// admission deadline is re-checked when the task pops again.
func (s *Scheduler) requeue(task queuedTask) {
	delay := s.backoff(task.Attempt)
	select {
	case <-time.After(delay):
	case <-s.popCtx.Done():
		return
	}

	task.Attempt++
	payload, _ := json.Marshal(task)
	s.sink.IncCounter(metrics.MetricSchedulerRequeues, nil)
	switch err := s.queue.Push(context.Background(), string(payload)); {
	case err == nil:
	case errors.Is(err, ErrQueueFull):
		s.markFailed(task.JobID, "no_capacity", "no device available and queue is full")
	case errors.Is(err, ErrQueueClosed):
		s.markFailed(task.JobID, "shutting_down", "gateway shut down before a device freed up")
	default:
		logger.L().Error("scheduler.requeue_failed", zap.String("job_id", task.JobID), zap.Error(err))
		s.markFailed(task.JobID, "internal", "requeue failed")
	}
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	delay := s.baseDelay
	for i := 0; i < attempt && delay < s.maxDelay; i++ {
		delay *= 2
	}
	if delay > s.maxDelay {
		delay = s.maxDelay
	}
	return delay
}

func (s *Scheduler) execute(job *domain.Job, lease *Lease) {
	jobCtx, cancel := context.WithCancel(context.Background())
	s.setCancel(job.ID, cancel)
	s.running.Add(1)
	s.sink.SetGauge(metrics.MetricJobsRunning, float64(s.running.Load()), nil)

	var session *StreamSession
	defer func() {
		if r := recover(); r != nil {
			logger.L().Error("scheduler.job_panic",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			if session != nil {
				session.finish(nil, infraerrors.Internal("JOB_PANIC", "job execution panicked"))
			}
			s.markFailed(job.ID, "job_panic", fmt.Sprint(r))
		}
		s.clearCancel(job.ID)
		cancel()
		s.pool.Release(lease.ID)
		s.running.Add(-1)
		s.sink.SetGauge(metrics.MetricJobsRunning, float64(s.running.Load()), nil)
	}()

	params := &CompletionParams{}
	if err := json.Unmarshal(job.Params, params); err != nil {
		s.markFailed(job.ID, "internal", "job params do not decode")
		return
	}
	params.Model = job.Model

	if !job.Stream {
		s.runCompletion(jobCtx, job, params)
		return
	}

	stream, err := s.backend.Stream(jobCtx, params)
	if err != nil {
		s.finishWithError(jobCtx, job.ID, err)
		return
	}
	defer func() { _ = stream.Close() }()

	if watcher := s.takeWatcher(job.ID); watcher != nil {
		session = newStreamSession(cancel)
		watcher <- session
		s.pumpStream(jobCtx, job.ID, stream, session)
		return
	}
	// Nobody on this instance is listening; run the stream out and store
	// the result like a plain completion.
	s.drainStream(jobCtx, job.ID, stream)
}

func (s *Scheduler) runCompletion(ctx context.Context, job *domain.Job, params *CompletionParams) {
	res, err := s.backend.Complete(ctx, params)
	if err != nil {
		s.finishWithError(ctx, job.ID, err)
		return
	}
	usage := res.Usage
	s.markCompleted(job.ID, res.Text, &usage)
}

func (s *Scheduler) pumpStream(ctx context.Context, jobID string, stream TokenStream, session *StreamSession) {
	for {
		tok, err := stream.Next(ctx)
		if err == io.EOF {
			usage := usagePtr(stream)
			session.finish(usage, nil)
			s.markCompleted(jobID, "", usage)
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				session.finish(nil, ctx.Err())
				s.markCancelled(jobID)
				return
			}
			session.finish(nil, err)
			s.finishWithError(ctx, jobID, err)
			return
		}
		select {
		case session.tokens <- tok:
		case <-ctx.Done():
			session.finish(nil, ctx.Err())
			s.markCancelled(jobID)
			return
		}
	}
}

func (s *Scheduler) drainStream(ctx context.Context, jobID string, stream TokenStream) {
	var b strings.Builder
	for {
		tok, err := stream.Next(ctx)
		if err == io.EOF {
			s.markCompleted(jobID, b.String(), usagePtr(stream))
			return
		}
		if err != nil {
			s.finishWithError(ctx, jobID, err)
			return
		}
		b.WriteString(tok)
	}
}

// finishWithError moves the job to its terminal state for err: cancelled
// when the job ctx was cut, failed with the taxonomy kind otherwise.
func (s *Scheduler) finishWithError(ctx context.Context, jobID string, err error) {
	if ctx.Err() != nil {
		s.markCancelled(jobID)
		return
	}
	kind := strings.ToLower(infraerrors.Reason(err))
	if kind == "" {
		kind = "backend_error"
	}
	s.markFailed(jobID, kind, infraerrors.FromError(err).Message)
}

// mark* tolerate conflicts silently: a raced cancel or double terminal
// is the normal outcome of the registry's CAS discipline. Terminal-state
// metrics ride the registry's OnTerminal hook, not these helpers.
func (s *Scheduler) markCompleted(jobID, result string, usage *domain.Usage) {
	if _, err := s.registry.MarkCompleted(context.Background(), jobID, result, usage); err != nil {
		if !infraerrors.IsConflict(err) {
			logger.L().Warn("scheduler.mark_completed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

func (s *Scheduler) markFailed(jobID, kind, message string) {
	if _, err := s.registry.MarkFailed(context.Background(), jobID, kind, message); err != nil {
		if !infraerrors.IsConflict(err) {
			logger.L().Warn("scheduler.mark_failed", zap.String("job_id", jobID), zap.Error(err))
		}
		return
	}
	logger.L().Info("scheduler.job_failed",
		zap.String("job_id", jobID),
		zap.String("kind", kind),
		zap.String("message", message))
}

func (s *Scheduler) markCancelled(jobID string) {
	if _, err := s.registry.Cancel(context.Background(), jobID); err != nil {
		if !infraerrors.IsConflict(err) {
			logger.L().Warn("scheduler.mark_cancelled", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

func (s *Scheduler) setCancel(jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[jobID] = cancel
	s.mu.Unlock()
}

func (s *Scheduler) clearCancel(jobID string) {
	s.mu.Lock()
	delete(s.cancels, jobID)
	s.mu.Unlock()
}

func (s *Scheduler) takeWatcher(jobID string) chan *StreamSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.watchers[jobID]
	delete(s.watchers, jobID)
	return ch
}

func usagePtr(stream TokenStream) *domain.Usage {
	if u, ok := stream.Usage(); ok {
		return &u
	}
	return nil
}
