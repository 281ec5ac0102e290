// Package jobs tracks long-running analysis sweeps as pollable records.
// A Registry is created once per process and handed to every caller that
// submits or inspects jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("job not found")

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a snapshot of one tracked operation.
type Job struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Status      Status         `json:"status"`
	Progress    int            `json:"progress"`
	Message     string         `json:"message"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func (j *Job) copy() Job {
	c := *j
	c.Metadata = maps.Clone(j.Metadata)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// ProgressFunc reports progress of a running job.
type ProgressFunc func(percent int, message string)

// Func is the body of a job started with Registry.Start.
type Func func(ctx context.Context, progress ProgressFunc) (any, error)

// Registry holds every job submitted during the life of the process. All
// methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	wg     sync.WaitGroup
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs:   make(map[string]*Job),
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Submit records a pending job and returns its id.
func (r *Registry) Submit(kind string, metadata map[string]any) string {
	now := r.now().UTC()
	job := &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    StatusPending,
		Message:   "Queued",
		Metadata:  maps.Clone(metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	return job.ID
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j.copy(), nil
}

// List returns copies of all jobs, newest first. With activeOnly, terminal
// jobs are left out.
func (r *Registry) List(activeOnly bool) []Job {
	r.mu.RLock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if activeOnly && j.Status.Terminal() {
			continue
		}
		out = append(out, j.copy())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out
}

// UpdateProgress advances a job. Progress never moves backwards; the first
// update moves a pending job to processing and reaching 100 completes it.
// Updates to terminal jobs are ignored.
func (r *Registry) UpdateProgress(id string, percent int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return nil
	}

	percent = min(max(percent, 0), 100)
	if percent > j.Progress {
		j.Progress = percent
	}
	if message != "" {
		j.Message = message
	}
	j.UpdatedAt = r.now().UTC()
	if j.Status == StatusPending {
		j.Status = StatusProcessing
	}
	if j.Progress == 100 {
		j.Status = StatusCompleted
		done := j.UpdatedAt
		j.CompletedAt = &done
	}
	return nil
}

// Complete marks the job completed with result. Completing a completed job
// only attaches result if it had none; completing a failed job is a no-op.
func (r *Registry) Complete(id string, result any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	switch j.Status {
	case StatusFailed:
		return nil
	case StatusCompleted:
		if j.Result == nil {
			j.Result = result
		}
		return nil
	}

	now := r.now().UTC()
	j.Status = StatusCompleted
	j.Progress = 100
	j.Message = "Completed"
	j.Result = result
	j.UpdatedAt = now
	j.CompletedAt = &now
	return nil
}

// Fail marks the job failed. Failing a terminal job is a no-op.
func (r *Registry) Fail(id string, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status.Terminal() {
		return nil
	}

	now := r.now().UTC()
	j.Status = StatusFailed
	j.Error = errMsg
	j.Message = "Failed: " + errMsg
	j.UpdatedAt = now
	j.CompletedAt = &now
	return nil
}

// Start submits a job and runs fn on its own goroutine. The job fails when fn
// returns an error or panics, and completes with fn's result otherwise.
func (r *Registry) Start(ctx context.Context, kind string, metadata map[string]any, fn Func) string {
	id := r.Submit(kind, metadata)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx, id, fn)
	}()
	return id
}

func (r *Registry) run(ctx context.Context, id string, fn Func) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("job panicked", "job_id", id, "panic", p)
			r.Fail(id, fmt.Sprintf("internal error: %v", p))
		}
	}()

	r.UpdateProgress(id, 0, "Initializing")
	result, err := fn(ctx, func(percent int, message string) {
		r.UpdateProgress(id, percent, message)
	})
	if err != nil {
		r.logger.Warn("job failed", "job_id", id, "error", err)
		r.Fail(id, err.Error())
		return
	}
	r.Complete(id, result)
}

// Wait blocks until every job started with Start has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}
