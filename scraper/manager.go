package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/models"
)

var (
	ErrEmptyQuery     = errors.New("query cannot be empty")
	ErrMaxPagesRange  = errors.New("max_pages out of range")
	ErrJobNotFound    = errors.New("scrape job not found")
	ErrManagerStopped = errors.New("scrape manager is shutting down")
)

const recentJobsLimit = 20

// Runner executes a job to completion.
type Runner interface {
	Run(ctx context.Context, job *Job) error
}

// Manager owns the running jobs. Each job runs its controller in its own
// goroutine with its own cancel token.
type Manager struct {
	ctx        context.Context
	runner     Runner
	maxPages   int
	pagination bool

	mu       sync.RWMutex
	active   map[string]*Job
	recent   []*Job
	stopping bool

	wg sync.WaitGroup
}

// NewManager builds a registry whose jobs live at most as long as ctx.
func NewManager(ctx context.Context, runner Runner, cfg *config.Config) *Manager {
	limit := cfg.MaxPagesLimit
	if limit <= 0 || limit > config.MaxPagesCeiling {
		limit = config.MaxPagesCeiling
	}
	return &Manager{
		ctx:        ctx,
		runner:     runner,
		maxPages:   limit,
		pagination: cfg.Pagination,
		active:     make(map[string]*Job),
	}
}

// MaxPagesLimit is the largest page count Start accepts.
func (m *Manager) MaxPagesLimit() int {
	return m.maxPages
}

// Start validates the request and launches a new job in the background.
func (m *Manager) Start(query string, maxPages int) (*Job, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if maxPages < 1 || maxPages > m.maxPages {
		return nil, fmt.Errorf("%w: must be between 1 and %d", ErrMaxPagesRange, m.maxPages)
	}

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil, ErrManagerStopped
	}
	job := NewJob(m.ctx, query, maxPages, m.pagination)
	m.active[job.ID] = job
	m.wg.Add(1)
	m.mu.Unlock()

	slog.Info("scrape job registered",
		slog.String("job_id", job.ID),
		slog.String("query", query),
		slog.Int("max_pages", maxPages),
	)

	go func() {
		defer m.wg.Done()
		defer m.retire(job)
		if err := m.runner.Run(m.ctx, job); err != nil {
			slog.Error("scrape job failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}()
	return job, nil
}

// Stop requests cancellation of the active job with the given id.
func (m *Manager) Stop(id string) error {
	m.mu.RLock()
	job, ok := m.active[id]
	m.mu.RUnlock()
	if !ok {
		return ErrJobNotFound
	}
	job.Stop()
	return nil
}

// StopAll requests cancellation of every active job and returns how many
// were signalled.
func (m *Manager) StopAll() int {
	jobs := m.Active()
	for _, job := range jobs {
		job.Stop()
	}
	return len(jobs)
}

// Job looks up a job by id among active and recently finished jobs.
func (m *Manager) Job(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.active[id]; ok {
		return job, true
	}
	for _, job := range m.recent {
		if job.ID == id {
			return job, true
		}
	}
	return nil, false
}

// Active returns the running jobs ordered by id.
func (m *Manager) Active() []*Job {
	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.active))
	for _, job := range m.active {
		jobs = append(jobs, job)
	}
	m.mu.RUnlock()
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs
}

// Recent returns finished jobs, newest first.
func (m *Manager) Recent() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Job, len(m.recent))
	for i, job := range m.recent {
		out[len(m.recent)-1-i] = job
	}
	return out
}

// Snapshots returns the state of active jobs followed by recent ones.
func (m *Manager) Snapshots() []models.JobSnapshot {
	active := m.Active()
	recent := m.Recent()
	out := make([]models.JobSnapshot, 0, len(active)+len(recent))
	for _, job := range active {
		out = append(out, job.Snapshot())
	}
	for _, job := range recent {
		out = append(out, job.Snapshot())
	}
	return out
}

// Wait blocks until every started job has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown refuses new jobs, stops the running ones and waits for them until
// ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()

	if n := m.StopAll(); n > 0 {
		slog.Info("stopping active scrape jobs", slog.Int("jobs", n))
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scrape jobs: %w", ctx.Err())
	}
}

func (m *Manager) retire(job *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, job.ID)
	m.recent = append(m.recent, job)
	if len(m.recent) > recentJobsLimit {
		m.recent = m.recent[len(m.recent)-recentJobsLimit:]
	}
}
