// Package jobs runs searches and batch rollups as cancellable background
// jobs. One job per resource key may run at a time, so two searches can
// never write the same tuning directory concurrently.
package jobs

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apierrors "platecal/internal/errors"
)

// Job states.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Job is the tracked state of one background operation.
type Job struct {
	ID           string      `json:"id"`
	Kind         string      `json:"kind"`
	Key          string      `json:"key"`
	State        string      `json:"state"`
	Error        string      `json:"error,omitempty"`
	Result       interface{} `json:"result,omitempty"`
	StartedAtMs  int64       `json:"started_at_ms"`
	FinishedAtMs int64       `json:"finished_at_ms,omitempty"`
}

// Fn is the body of a job. It must honor ctx cancellation and may return a
// result for the job record. The job ID is passed so the body can tag its
// progress events.
type Fn func(ctx context.Context, jobID string) (interface{}, error)

// Broadcaster receives job lifecycle events.
type Broadcaster interface {
	Broadcast(eventType string, data interface{})
}

// Manager starts, tracks and cancels background jobs.
type Manager struct {
	logger *slog.Logger
	tracer trace.Tracer
	hub    Broadcaster

	mu      sync.Mutex
	jobs    map[string]*Job
	active  map[string]string // resource key -> running job ID
	cancels map[string]context.CancelFunc
}

// NewManager creates a job manager. hub may be nil.
func NewManager(logger *slog.Logger, hub Broadcaster) *Manager {
	return &Manager{
		logger:  logger.With(slog.String("component", "jobs")),
		tracer:  otel.Tracer("platecal/jobs"),
		hub:     hub,
		jobs:    map[string]*Job{},
		active:  map[string]string{},
		cancels: map[string]context.CancelFunc{},
	}
}

// Start launches fn as a background job holding the resource key. Returns
// ErrSearchRunning when another job already holds the key.
func (m *Manager) Start(kind, key string, fn Fn) (*Job, error) {
	m.mu.Lock()
	if runningID, busy := m.active[key]; busy {
		m.mu.Unlock()
		return nil, apierrors.SearchRunning(key, runningID)
	}

	job := &Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		Key:         key,
		State:       StateRunning,
		StartedAtMs: time.Now().UnixMilli(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.jobs[job.ID] = job
	m.active[key] = job.ID
	m.cancels[job.ID] = cancel
	m.mu.Unlock()

	m.logger.Info("job started",
		slog.String("job_id", job.ID),
		slog.String("kind", kind),
		slog.String("key", key))
	m.emit("job:status", job)

	go m.run(ctx, job, fn)
	return m.snapshot(job.ID), nil
}

func (m *Manager) run(ctx context.Context, job *Job, fn Fn) {
	ctx, span := m.tracer.Start(ctx, "jobs."+job.Kind,
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.key", job.Key),
		))
	defer span.End()

	result, err := fn(ctx, job.ID)

	m.mu.Lock()
	job.FinishedAtMs = time.Now().UnixMilli()
	switch {
	case err != nil && ctx.Err() != nil:
		job.State = StateCancelled
		job.Error = ctx.Err().Error()
	case err != nil:
		job.State = StateFailed
		job.Error = err.Error()
		span.SetStatus(codes.Error, err.Error())
	default:
		job.State = StateCompleted
		job.Result = result
	}
	delete(m.active, job.Key)
	if cancel, ok := m.cancels[job.ID]; ok {
		cancel()
		delete(m.cancels, job.ID)
	}
	m.mu.Unlock()

	m.logger.Info("job finished",
		slog.String("job_id", job.ID),
		slog.String("kind", job.Kind),
		slog.String("state", job.State),
		slog.String("error", job.Error))
	m.emit("job:complete", m.snapshot(job.ID))
}

// Cancel requests cancellation of a running job. The job finishes its
// in-flight evaluation before stopping.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[jobID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	m.logger.Info("job cancellation requested", slog.String("job_id", jobID))
	return true
}

// Get returns a copy of a job's state.
func (m *Manager) Get(jobID string) (*Job, bool) {
	j := m.snapshot(jobID)
	return j, j != nil
}

// List returns every tracked job, newest first.
func (m *Manager) List() []*Job {
	m.mu.Lock()
	out := make([]*Job, 0, len(m.jobs))
	for id := range m.jobs {
		out = append(out, m.copyLocked(id))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAtMs > out[j].StartedAtMs })
	return out
}

func (m *Manager) snapshot(jobID string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyLocked(jobID)
}

func (m *Manager) copyLocked(jobID string) *Job {
	j, ok := m.jobs[jobID]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}

func (m *Manager) emit(eventType string, data interface{}) {
	if m.hub != nil {
		m.hub.Broadcast(eventType, data)
	}
}
