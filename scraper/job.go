package scraper

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-scrape-products/models"
)

// Job is one scrape run for a query. It is mutated only by the goroutine
// running its controller; other goroutines read it through Snapshot.
type Job struct {
	ID         string
	Query      string
	MaxPages   int
	Pagination bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.RWMutex
	status      models.Status
	phase       models.Phase
	currentPage int
	stats       models.Stats
	err         error
	startedAt   time.Time
	finishedAt  time.Time
}

// NewJob creates an idle job. Cancelling parent cancels the job too.
func NewJob(parent context.Context, query string, maxPages int, pagination bool) *Job {
	ctx, cancel := context.WithCancel(parent)
	return &Job{
		ID:          uuid.NewString(),
		Query:       query,
		MaxPages:    maxPages,
		Pagination:  pagination,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		status:      models.StatusIdle,
		currentPage: 1,
	}
}

// Stop requests cooperative cancellation. The job finishes the record or
// page bookkeeping it is in and then ends as cancelled.
func (j *Job) Stop() {
	j.cancel()
}

// Cancelled reports whether Stop was called or the parent context ended.
func (j *Job) Cancelled() bool {
	return j.ctx.Err() != nil
}

// Done is closed once the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Status returns the current lifecycle status.
func (j *Job) Status() models.Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Err returns the failure that ended the job, if any.
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

// Snapshot returns a copy of the job state that is safe to keep.
func (j *Job) Snapshot() models.JobSnapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	snap := models.JobSnapshot{
		ID:          j.ID,
		Query:       j.Query,
		MaxPages:    j.MaxPages,
		CurrentPage: j.currentPage,
		Pagination:  j.Pagination,
		Status:      j.status,
		Phase:       j.phase,
		Stats:       j.stats,
		StartedAt:   j.startedAt,
	}
	if j.err != nil {
		snap.Error = j.err.Error()
	}
	if !j.finishedAt.IsZero() {
		finished := j.finishedAt
		snap.FinishedAt = &finished
	}
	return snap
}

// start moves an idle job to running. It reports false for any other state.
func (j *Job) start(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != models.StatusIdle {
		return false
	}
	j.status = models.StatusRunning
	j.startedAt = now
	return true
}

// finish records a terminal status once; later calls are ignored.
func (j *Job) finish(status models.Status, err error, now time.Time) bool {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return false
	}
	j.status = status
	j.phase = models.PhaseNone
	j.err = err
	j.finishedAt = now
	j.mu.Unlock()

	j.cancel()
	close(j.done)
	return true
}

func (j *Job) page() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.currentPage
}

func (j *Job) advance() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.currentPage <= j.MaxPages {
		j.currentPage++
	}
}

func (j *Job) setPhase(p models.Phase) {
	j.mu.Lock()
	j.phase = p
	j.mu.Unlock()
}

// record applies fn to the counters and returns a copy of the result.
func (j *Job) record(fn func(*models.Stats)) models.Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.stats)
	return j.stats
}

func (j *Job) statsSnapshot() models.Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.stats
}
