package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

const DefaultMaxRetries = 3

// Priorities used by the observer. Higher runs first.
const (
	PriorityBacklog = 0
	PriorityNew     = 10
)

var (
	ErrCorruptSnapshot = errors.New("corrupt queue snapshot")
	// ErrUnknownJob is returned by Requeue for a job that was already
	// completed or never queued.
	ErrUnknownJob = errors.New("job not queued")
)

// Job is one pending match detail fetch.
type Job struct {
	MatchID    int64      `json:"match_id"`
	AddedAt    time.Time  `json:"added_at"`
	RetryCount int        `json:"retry_count"`
	LastRetry  *time.Time `json:"last_retry,omitempty"`
	Priority   int        `json:"priority"`
	// InFlight marks the job handed out by Next and not yet settled. A
	// snapshot taken mid-job restores it as pending.
	InFlight bool `json:"in_flight,omitempty"`
}

// Outcome tells the caller what Requeue did with a failed job.
type Outcome int

const (
	Requeued Outcome = iota
	Dropped
)

func (o Outcome) String() string {
	if o == Dropped {
		return "dropped"
	}
	return "requeued"
}

// Queue is a priority-ordered, file-backed retry queue. Every mutation
// rewrites the snapshot before the call returns, and no mutation starts
// until the previous snapshot write finished.
type Queue struct {
	mu         sync.Mutex
	path       string
	jobs       map[int64]*Job
	maxRetries int
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Queue)

func WithMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates an empty queue backed by path. Call Load to pick up an
// existing snapshot.
func New(path string, opts ...Option) *Queue {
	q := &Queue{
		path:       path,
		jobs:       make(map[int64]*Job),
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "queue")
	return q
}

// Open is New followed by Load.
func Open(path string, opts ...Option) (*Queue, error) {
	q := New(path, opts...)
	if err := q.Load(); err != nil {
		return nil, err
	}
	return q, nil
}

// less orders jobs: priority desc, retries asc, enqueue time asc, match id asc.
func less(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.RetryCount != b.RetryCount {
		return a.RetryCount < b.RetryCount
	}
	if !a.AddedAt.Equal(b.AddedAt) {
		return a.AddedAt.Before(b.AddedAt)
	}
	return a.MatchID < b.MatchID
}

// Enqueue adds a job for matchID. It returns false when the match is already
// queued; in that case the stored priority is raised to priority if higher.
func (q *Queue) Enqueue(matchID int64, priority int) (bool, error) {
	if matchID <= 0 {
		return false, fmt.Errorf("enqueue: invalid match id %d", matchID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.jobs[matchID]; ok {
		if priority <= existing.Priority {
			return false, nil
		}
		prev := existing.Priority
		existing.Priority = priority
		if err := q.saveLocked(); err != nil {
			existing.Priority = prev
			return false, err
		}
		return false, nil
	}

	q.jobs[matchID] = &Job{
		MatchID:  matchID,
		AddedAt:  q.now().UTC(),
		Priority: priority,
	}
	if err := q.saveLocked(); err != nil {
		delete(q.jobs, matchID)
		return false, err
	}
	return true, nil
}

// Next hands out the best pending job and marks it in flight. ok is false
// when nothing is pending.
func (q *Queue) Next() (job *Job, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *Job
	for _, j := range q.jobs {
		if j.InFlight {
			continue
		}
		if best == nil || less(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, false, nil
	}

	best.InFlight = true
	if err := q.saveLocked(); err != nil {
		best.InFlight = false
		return nil, false, err
	}
	cp := *best
	return &cp, true, nil
}

// Complete removes a job that was stored or will never succeed.
func (q *Queue) Complete(matchID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[matchID]
	if !ok {
		return nil
	}
	delete(q.jobs, matchID)
	if err := q.saveLocked(); err != nil {
		q.jobs[matchID] = j
		return err
	}
	return nil
}

// Requeue records a failed attempt. A job whose retry counter already equals
// the maximum is dropped instead. On error the queue is left as it was.
func (q *Queue) Requeue(job *Job) (Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.jobs[job.MatchID]
	if !ok {
		return Dropped, fmt.Errorf("requeue match %d: %w", job.MatchID, ErrUnknownJob)
	}

	if stored.RetryCount >= q.maxRetries {
		delete(q.jobs, job.MatchID)
		if err := q.saveLocked(); err != nil {
			q.jobs[job.MatchID] = stored
			return Dropped, err
		}
		q.logger.Debug("retry budget exhausted", "match_id", job.MatchID, "retries", stored.RetryCount)
		return Dropped, nil
	}

	prev := *stored
	now := q.now().UTC()
	stored.RetryCount++
	stored.LastRetry = &now
	stored.InFlight = false
	if err := q.saveLocked(); err != nil {
		*stored = prev
		return Requeued, err
	}

	job.RetryCount = stored.RetryCount
	job.LastRetry = stored.LastRetry
	return Requeued, nil
}

// Len counts queued jobs, including one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Jobs returns a copy of the queue in processing order.
func (q *Queue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sortedLocked()
}

func (q *Queue) sortedLocked() []Job {
	ptrs := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		ptrs = append(ptrs, j)
	}
	sort.Slice(ptrs, func(i, k int) bool { return less(ptrs[i], ptrs[k]) })

	out := make([]Job, len(ptrs))
	for i, j := range ptrs {
		out[i] = *j
	}
	return out
}

// saveLocked writes the job list to path.tmp, syncs it, and renames it over
// path. Callers hold q.mu.
func (q *Queue) saveLocked() error {
	data, err := json.Marshal(q.sortedLocked())
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}

	if dir := filepath.Dir(q.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create queue dir: %w", err)
		}
	}

	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open queue snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write queue snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync queue snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close queue snapshot: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("replace queue snapshot: %w", err)
	}
	return nil
}

// Load replaces the in-memory queue with the snapshot at path. A missing
// file leaves the queue empty. Jobs that were in flight become pending
// again with their retry counters unchanged.
func (q *Queue) Load() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) {
		q.jobs = make(map[int64]*Job)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read queue snapshot: %w", err)
	}

	var jobs []Job
	if len(data) > 0 {
		if err := json.Unmarshal(data, &jobs); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, q.path, err)
		}
	}

	loaded := make(map[int64]*Job, len(jobs))
	resumed := 0
	for i := range jobs {
		j := jobs[i]
		if j.MatchID <= 0 || j.RetryCount < 0 {
			return fmt.Errorf("%w: %s: entry %d is invalid", ErrCorruptSnapshot, q.path, i)
		}
		if j.InFlight {
			j.InFlight = false
			resumed++
		}
		if prev, ok := loaded[j.MatchID]; ok {
			// keep the stricter retry budget and the higher priority
			if j.RetryCount > prev.RetryCount {
				prev.RetryCount = j.RetryCount
			}
			if j.Priority > prev.Priority {
				prev.Priority = j.Priority
			}
			continue
		}
		loaded[j.MatchID] = &j
	}
	q.jobs = loaded

	if len(loaded) > 0 {
		q.logger.Info("queue restored", "jobs", len(loaded), "resumed_in_flight", resumed, "path", q.path)
	}
	return nil
}
