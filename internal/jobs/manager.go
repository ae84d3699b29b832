// Package jobs schedules image generation jobs: each submitted job runs on its
// own goroutine, all of them share one cancellation signal, and shutdown joins
// every job before returning.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulgrammer/d3d/internal/executor"
	"github.com/paulgrammer/d3d/internal/webhook"
)

// ErrStopped is returned by Submit once the manager no longer accepts jobs.
var ErrStopped = errors.New("manager stopped")

const (
	webhookQueueSize    = 256
	webhookEventTimeout = 30 * time.Second
	defaultDrainTimeout = 10 * time.Second
)

type ManagerOption func(*Manager)

// WithWebhook posts every status change of every job to url.
func WithWebhook(sender webhook.Sender, url string) ManagerOption {
	return func(m *Manager) {
		m.sender = sender
		m.webhookURL = url
	}
}

func WithStreamer(streamer *EventStreamer) ManagerOption {
	return func(m *Manager) { m.streamer = streamer }
}

// WithObserver receives every unit event of every job, on the job's goroutine.
func WithObserver(obs executor.Observer) ManagerOption {
	return func(m *Manager) { m.observer = obs }
}

// WithOnFinish is called with the final snapshot of each job.
func WithOnFinish(fn func(Job)) ManagerOption {
	return func(m *Manager) { m.onFinish = fn }
}

func WithSessionID(id string) ManagerOption {
	return func(m *Manager) { m.sessionID = id }
}

// WithWebhookDrainTimeout bounds how long Drain waits for queued webhook
// events once every job has returned. Undelivered events are dropped.
func WithWebhookDrainTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.drainTimeout = d }
}

// Manager owns the job counter, the tracked set of job goroutines and the
// process-wide cancellation signal.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // guards closed against group.Go
	closed  bool
	stopped atomic.Bool
	nextID  atomic.Int64
	group   errgroup.Group

	store      Store
	runner     executor.Runner
	sender     webhook.Sender
	webhookURL string
	streamer   *EventStreamer
	observer   executor.Observer
	onFinish   func(Job)
	sessionID  string

	// webhook events are posted in order by one dispatcher goroutine
	webhooks      chan webhook.Event
	webhooksDone  chan struct{}
	webhookCtx    context.Context
	webhookCancel context.CancelFunc
	closeWebhooks sync.Once
	drainTimeout  time.Duration
}

func NewManager(ctx context.Context, runner executor.Runner, store Store, opts ...ManagerOption) (*Manager, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	m := &Manager{
		runner:       runner,
		store:        store,
		drainTimeout: defaultDrainTimeout,
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	for _, opt := range opts {
		opt(m)
	}
	if m.sender != nil && m.webhookURL != "" {
		m.webhooks = make(chan webhook.Event, webhookQueueSize)
		m.webhooksDone = make(chan struct{})
		m.webhookCtx, m.webhookCancel = context.WithCancel(context.WithoutCancel(ctx))
		go m.dispatchWebhooks()
	}
	// parent cancellation (signals) sets the flag as well
	context.AfterFunc(m.ctx, func() { m.stopped.Store(true) })
	return m, nil
}

// Submit assigns the next job id, starts the job and returns without waiting
// for it.
func (m *Manager) Submit(req CreateJobRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.stopped.Load() {
		return 0, ErrStopped
	}

	job := &Job{
		ID:        m.nextID.Add(1),
		Prompt:    req.Prompt,
		Count:     req.Count,
		Size:      req.Size,
		Status:    JobStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Create(job); err != nil {
		return 0, err
	}
	JobsSubmittedTotal.Inc()

	jobCtx, cancel := context.WithCancel(m.ctx)
	m.group.Go(func() error {
		defer cancel()
		m.execute(jobCtx, job)
		return nil
	})
	return job.ID, nil
}

// Cancel sets the cancellation signal. Running jobs stop at their next unit
// boundary. Cancel is idempotent and the signal is never cleared.
func (m *Manager) Cancel() {
	m.stopped.Store(true)
	m.cancel()
}

// Done is closed once Cancel was called or the parent context ended.
func (m *Manager) Done() <-chan struct{} {
	return m.ctx.Done()
}

func (m *Manager) Stopped() bool {
	return m.stopped.Load()
}

// Drain stops accepting jobs and waits for the tracked ones without
// cancelling them. Queued webhook events then get up to the drain timeout to
// be delivered.
func (m *Manager) Drain() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	_ = m.group.Wait()
	m.drainWebhooks()
}

// Shutdown cancels and then waits for every tracked job to return.
func (m *Manager) Shutdown() {
	m.Cancel()
	m.Drain()
}

func (m *Manager) Get(id int64) (Job, bool) {
	j, ok := m.store.Get(id)
	if !ok {
		return Job{}, false
	}
	return *j, true
}

func (m *Manager) List() []Job {
	return m.store.List()
}

// Counts tallies the retained jobs by status.
func (m *Manager) Counts() map[JobStatus]int {
	counts := make(map[JobStatus]int)
	for _, j := range m.store.List() {
		counts[j.Status]++
	}
	return counts
}

func (m *Manager) execute(ctx context.Context, job *Job) {
	JobsRunning.Inc()
	defer JobsRunning.Dec()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panicked", "job_id", job.ID, "panic", r)
			m.finish(job, JobStatusFailed, fmt.Errorf("panic: %v", r))
		}
	}()

	slog.Info("job started", "job_id", job.ID, "count", job.Count, "size", job.Size)
	m.notify(job.clone())
	obs := executor.ObserverFunc(func(e executor.Event) { m.observe(job.ID, e) })

	result, err := m.runner.Run(ctx, job.request(), obs)
	if result != nil {
		job.Files = result.Files
	}
	switch {
	case err != nil:
		slog.Error("job failed", "job_id", job.ID, "error", err)
		m.finish(job, JobStatusFailed, err)
	case result.Stopped:
		m.finish(job, JobStatusStopped, nil)
	default:
		m.finish(job, JobStatusCompleted, nil)
	}
}

func (m *Manager) finish(job *Job, status JobStatus, err error) {
	done := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &done
	if err != nil {
		job.Error = err.Error()
	}
	_ = m.store.Update(job)
	JobsFinishedTotal.WithLabelValues(string(status)).Inc()

	snapshot := job.clone()
	m.notify(snapshot)
	if m.streamer != nil {
		m.broadcast(job.ID, map[string]any{"type": "job_finished", "job": snapshot})
		m.streamer.Close(job.ID)
	}
	if m.onFinish != nil {
		m.onFinish(snapshot)
	}
}

func (m *Manager) observe(jobID int64, e executor.Event) {
	UnitEventsTotal.WithLabelValues(string(e.Kind)).Inc()
	if m.observer != nil {
		m.observer.Observe(e)
	}
	if m.streamer != nil {
		payload := map[string]any{
			"type":     "unit",
			"job_id":   jobID,
			"kind":     e.Kind,
			"unit":     e.Unit + 1,
			"location": e.Location,
		}
		if e.Err != nil {
			payload["error"] = e.Err.Error()
		}
		m.broadcast(jobID, payload)
	}
}

func (m *Manager) broadcast(jobID int64, payload any) {
	msg, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("failed to encode job event", "job_id", jobID, "error", err)
		return
	}
	m.streamer.Broadcast(jobID, msg)
}

// notify queues a status change for the webhook dispatcher. It never blocks:
// when the queue is full the event is dropped.
func (m *Manager) notify(job Job) {
	if m.webhooks == nil {
		return
	}
	event := webhook.Event{
		SessionID: m.sessionID,
		JobID:     job.ID,
		Status:    string(job.Status),
		Prompt:    job.Prompt,
		Files:     job.Files,
		Error:     job.Error,
		Timestamp: time.Now().UTC(),
	}
	select {
	case m.webhooks <- event:
	default:
		slog.Warn("webhook queue full, dropping event", "job_id", job.ID, "status", job.Status)
	}
}

func (m *Manager) dispatchWebhooks() {
	defer close(m.webhooksDone)
	for event := range m.webhooks {
		if m.webhookCtx.Err() != nil {
			slog.Warn("webhook event dropped at shutdown", "job_id", event.JobID, "status", event.Status)
			continue
		}
		ctx, cancel := context.WithTimeout(m.webhookCtx, webhookEventTimeout)
		err := m.sender.Notify(ctx, m.webhookURL, event)
		cancel()
		if err != nil {
			slog.Warn("webhook notification failed", "job_id", event.JobID, "status", event.Status, "error", err)
		}
	}
}

// drainWebhooks runs once every job has returned, so nothing sends on the
// queue after it is closed.
func (m *Manager) drainWebhooks() {
	if m.webhooks == nil {
		return
	}
	m.closeWebhooks.Do(func() { close(m.webhooks) })

	timer := time.NewTimer(m.drainTimeout)
	defer timer.Stop()
	select {
	case <-m.webhooksDone:
	case <-timer.C:
		slog.Warn("webhook delivery timed out at shutdown", "timeout", m.drainTimeout)
		m.webhookCancel()
		<-m.webhooksDone
	}
	m.webhookCancel()
}
