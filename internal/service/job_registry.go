package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/helixflow/helixgate/internal/config"
	"github.com/helixflow/helixgate/internal/domain"
	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
)

const jobKeyPrefix = "job:"

// registryCASAttempts bounds transition retries under contention. Each
// retry re-reads the record, so a raced terminal state surfaces as
// ALREADY_TERMINAL instead of a spurious conflict.
const registryCASAttempts = 3

var errRegistryUnavailable = infraerrors.Unavailable("REGISTRY_UNAVAILABLE", "job store unavailable")

// JobRegistry persists job records as JSON under job:{id} with the
// configured retention TTL, and notifies in-process subscribers when a
// job reaches a terminal state. An expired record reads as
// JOB_NOT_FOUND; callers treat that the same as never-existed.
type JobRegistry struct {
	store KVStore
	ttl   time.Duration

	mu      sync.Mutex
	waiters map[string][]chan *domain.Job
	hooks   []func(*domain.Job)
}

func NewJobRegistry(cfg *config.Config, store KVStore) *JobRegistry {
	return &JobRegistry{
		store:   store,
		ttl:     cfg.Registry.JobTTLOrDefault(),
		waiters: make(map[string][]chan *domain.Job),
	}
}

// Create persists a fresh record. IDs are caller-generated UUIDs, so a
// duplicate means a caller bug rather than a race to tolerate.
func (r *JobRegistry) Create(ctx context.Context, job *domain.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return infraerrors.Internal("INTERNAL", "encode job").WithCause(err)
	}
	ok, err := r.store.SetNX(ctx, jobKeyPrefix+job.ID, string(raw), r.ttl)
	if err != nil {
		return errRegistryUnavailable.WithCause(err)
	}
	if !ok {
		return infraerrors.Conflict("JOB_EXISTS", "job id already exists")
	}
	return nil
}

func (r *JobRegistry) Get(ctx context.Context, id string) (*domain.Job, error) {
	raw, err := r.store.Get(ctx, jobKeyPrefix+id)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, infraerrors.NotFound("JOB_NOT_FOUND", "job not found or expired")
	}
	if err != nil {
		return nil, errRegistryUnavailable.WithCause(err)
	}
	return decodeJob(raw)
}

// MarkRunning moves a queued job to running on gpuID and bumps Attempts.
func (r *JobRegistry) MarkRunning(ctx context.Context, id, gpuID string) (*domain.Job, error) {
	return r.transition(ctx, id, func(j *domain.Job) error {
		if err := requireTransition(j, domain.JobRunning); err != nil {
			return err
		}
		now := time.Now().UTC()
		j.State = domain.JobRunning
		j.GPUID = gpuID
		j.Attempts++
		j.StartedAt = &now
		return nil
	})
}

func (r *JobRegistry) MarkCompleted(ctx context.Context, id, result string, usage *domain.Usage) (*domain.Job, error) {
	return r.transition(ctx, id, func(j *domain.Job) error {
		if err := requireTransition(j, domain.JobCompleted); err != nil {
			return err
		}
		now := time.Now().UTC()
		j.State = domain.JobCompleted
		j.Result = result
		j.Usage = usage
		j.FinishedAt = &now
		return nil
	})
}

// MarkFailed records a terminal failure with its taxonomy kind.
func (r *JobRegistry) MarkFailed(ctx context.Context, id, kind, message string) (*domain.Job, error) {
	return r.transition(ctx, id, func(j *domain.Job) error {
		if err := requireTransition(j, domain.JobFailed); err != nil {
			return err
		}
		now := time.Now().UTC()
		j.State = domain.JobFailed
		j.ErrorKind = kind
		j.Error = message
		j.FinishedAt = &now
		return nil
	})
}

// Cancel moves a queued or running job to cancelled. Racing callers see
// ALREADY_TERMINAL when they lose.
func (r *JobRegistry) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	return r.transition(ctx, id, func(j *domain.Job) error {
		if err := requireTransition(j, domain.JobCancelled); err != nil {
			return err
		}
		now := time.Now().UTC()
		j.State = domain.JobCancelled
		j.FinishedAt = &now
		return nil
	})
}

// OnTerminal registers fn to run after every terminal transition this
// instance performs, regardless of subscribers. fn must not block.
func (r *JobRegistry) OnTerminal(fn func(*domain.Job)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Subscribe registers for id's terminal notification. The returned
// channel receives at most one record and is then closed; cancel drops
// the registration. Subscribe before reading the record, then check the
// read state, or the notification can be missed. Notifications are
// in-process only.
func (r *JobRegistry) Subscribe(id string) (<-chan *domain.Job, func()) {
	ch := make(chan *domain.Job, 1)
	r.mu.Lock()
	r.waiters[id] = append(r.waiters[id], ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		chans := r.waiters[id]
		for i, c := range chans {
			if c == ch {
				r.waiters[id] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(r.waiters[id]) == 0 {
			delete(r.waiters, id)
		}
	}
	return ch, cancel
}

// Wait blocks until the job is terminal or ctx ends. The record is
// re-read after subscribing, so a transition racing the subscription is
// not missed.
func (r *JobRegistry) Wait(ctx context.Context, id string) (*domain.Job, error) {
	ch, cancel := r.Subscribe(id)
	defer cancel()

	job, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return job, nil
	}

	select {
	case j, ok := <-ch:
		if !ok {
			return r.Get(ctx, id)
		}
		return j, nil
	case <-ctx.Done():
		return nil, infraerrors.New(http.StatusGatewayTimeout, "BACKEND_TIMEOUT",
			"timed out waiting for job").WithCause(ctx.Err())
	}
}

// PurgeWaiters drops subscriptions whose record has expired, closing
// their channels so Wait re-reads and surfaces JOB_NOT_FOUND instead of
// hanging until its deadline. Returns the number of dropped channels.
func (r *JobRegistry) PurgeWaiters(ctx context.Context) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.waiters))
	for id := range r.waiters {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	purged := 0
	for _, id := range ids {
		if _, err := r.Get(ctx, id); !infraerrors.IsNotFound(err) {
			continue
		}
		r.mu.Lock()
		chans := r.waiters[id]
		delete(r.waiters, id)
		r.mu.Unlock()
		for _, ch := range chans {
			close(ch)
		}
		purged += len(chans)
	}
	return purged
}

func (r *JobRegistry) transition(ctx context.Context, id string, mutate func(*domain.Job) error) (*domain.Job, error) {
	for attempt := 0; attempt < registryCASAttempts; attempt++ {
		raw, err := r.store.Get(ctx, jobKeyPrefix+id)
		if errors.Is(err, ErrKeyNotFound) {
			return nil, infraerrors.NotFound("JOB_NOT_FOUND", "job not found or expired")
		}
		if err != nil {
			return nil, errRegistryUnavailable.WithCause(err)
		}
		job, err := decodeJob(raw)
		if err != nil {
			return nil, err
		}

		next := job.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return nil, infraerrors.Internal("INTERNAL", "encode job").WithCause(err)
		}

		swapped, err := r.store.CompareAndSwap(ctx, jobKeyPrefix+id, raw, string(encoded), 0)
		if err != nil {
			return nil, errRegistryUnavailable.WithCause(err)
		}
		if swapped {
			if next.State.Terminal() {
				r.notify(next)
			}
			return next, nil
		}
	}
	return nil, infraerrors.Conflict("CONFLICT", "job record contention")
}

func (r *JobRegistry) notify(job *domain.Job) {
	r.mu.Lock()
	chans := r.waiters[job.ID]
	delete(r.waiters, job.ID)
	hooks := r.hooks
	r.mu.Unlock()
	for _, ch := range chans {
		ch <- job.Clone()
		close(ch)
	}
	for _, fn := range hooks {
		fn(job.Clone())
	}
}

func requireTransition(job *domain.Job, to domain.JobState) error {
	if job.State.Terminal() {
		return infraerrors.Conflict("ALREADY_TERMINAL", fmt.Sprintf("job is already %s", job.State))
	}
	if !domain.CanTransition(job.State, to) {
		return infraerrors.Conflict("ILLEGAL_TRANSITION", fmt.Sprintf("cannot move %s to %s", job.State, to))
	}
	return nil
}

func decodeJob(raw string) (*domain.Job, error) {
	job := &domain.Job{}
	if err := json.Unmarshal([]byte(raw), job); err != nil {
		return nil, infraerrors.Internal("INTERNAL", "decode job").WithCause(err)
	}
	return job, nil
}
