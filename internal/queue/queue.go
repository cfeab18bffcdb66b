// Package queue serializes detected signals for the engine. Signals flow
// PENDING -> PROCESSING -> PROCESSED/FAILED, with over-age PENDING signals
// expiring instead of dispatching. Two implementations share the contract:
// the Postgres queue for live runs and an in-memory queue for dry-run.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"whale-copy-trader/internal/database"
)

// Queue is the signal queue contract. PickNext claims exactly-once: no two
// workers can receive the same signal.
type Queue interface {
	Push(ctx context.Context, s *database.Signal) error
	PickNext(ctx context.Context) (*database.Signal, error)
	MarkProcessed(ctx context.Context, id int64, tradesExecuted int) error
	MarkFailed(ctx context.Context, id int64, msg string) error
	CleanupExpired(ctx context.Context) (int64, error)
	Depth(ctx context.Context) (map[string]int64, error)
}

// PostgresQueue delegates to the repository; the signals table is the
// durable queue shared by all instances.
type PostgresQueue struct {
	repo   *database.Repository
	expiry time.Duration
}

func NewPostgresQueue(repo *database.Repository, expiry time.Duration) *PostgresQueue {
	if expiry <= 0 {
		expiry = 60 * time.Second
	}
	return &PostgresQueue{repo: repo, expiry: expiry}
}

func (q *PostgresQueue) Push(ctx context.Context, s *database.Signal) error {
	return q.repo.CreateSignal(ctx, s)
}

func (q *PostgresQueue) PickNext(ctx context.Context) (*database.Signal, error) {
	return q.repo.PickNextSignal(ctx, q.expiry)
}

func (q *PostgresQueue) MarkProcessed(ctx context.Context, id int64, tradesExecuted int) error {
	return q.repo.MarkSignalProcessed(ctx, id, tradesExecuted)
}

func (q *PostgresQueue) MarkFailed(ctx context.Context, id int64, msg string) error {
	return q.repo.MarkSignalFailed(ctx, id, msg)
}

func (q *PostgresQueue) CleanupExpired(ctx context.Context) (int64, error) {
	return q.repo.CleanupExpiredSignals(ctx, q.expiry)
}

func (q *PostgresQueue) Depth(ctx context.Context) (map[string]int64, error) {
	return q.repo.CountSignalsByStatus(ctx)
}

// MemoryQueue is the in-process queue used by dry-run mode and tests.
// It honors the same ordering, expiry and claim semantics as the Postgres
// queue, including the optimistic version check on claim.
type MemoryQueue struct {
	mu      sync.Mutex
	signals map[int64]*database.Signal
	tokens  map[string]bool
	nextID  int64
	expiry  time.Duration
}

func NewMemoryQueue(expiry time.Duration) *MemoryQueue {
	if expiry <= 0 {
		expiry = 60 * time.Second
	}
	return &MemoryQueue{
		signals: make(map[int64]*database.Signal),
		tokens:  make(map[string]bool),
		expiry:  expiry,
	}
}

func (q *MemoryQueue) Push(ctx context.Context, s *database.Signal) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if s.DedupToken != "" && q.tokens[s.DedupToken] {
		s.ID = 0 // duplicate: same silent no-op contract as the store
		return nil
	}
	q.nextID++
	s.ID = q.nextID
	s.Status = database.SignalPending
	if s.DetectedAt.IsZero() {
		s.DetectedAt = time.Now()
	}
	stored := *s
	q.signals[s.ID] = &stored
	if s.DedupToken != "" {
		q.tokens[s.DedupToken] = true
	}
	return nil
}

func priorityRank(p string) int {
	switch p {
	case database.PriorityHigh:
		return 0
	case database.PriorityMedium:
		return 1
	default:
		return 2
	}
}

func (q *MemoryQueue) PickNext(ctx context.Context) (*database.Signal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-q.expiry)
	var candidates []*database.Signal
	for _, s := range q.signals {
		if s.Status == database.SignalPending && !s.DetectedAt.Before(cutoff) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := priorityRank(candidates[i].Priority), priorityRank(candidates[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return candidates[i].DetectedAt.Before(candidates[j].DetectedAt)
	})

	for _, candidate := range candidates {
		stored := q.signals[candidate.ID]
		// claim is conditional on the observed version, mirroring the
		// optimistic update in the Postgres queue
		if stored.Status != database.SignalPending || stored.Version != candidate.Version {
			continue
		}
		now := time.Now()
		stored.Status = database.SignalProcessing
		stored.ProcessingStartedAt = &now
		stored.Version++

		claimed := *stored
		return &claimed, nil
	}
	return nil, nil
}

func (q *MemoryQueue) MarkProcessed(ctx context.Context, id int64, tradesExecuted int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.signals[id]
	if !ok || s.Status != database.SignalProcessing {
		return &StateError{ID: id, Op: "mark_processed"}
	}
	now := time.Now()
	s.Status = database.SignalProcessed
	s.ProcessedAt = &now
	s.TradesExecuted = tradesExecuted
	s.Version++
	return nil
}

func (q *MemoryQueue) MarkFailed(ctx context.Context, id int64, msg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.signals[id]
	if !ok || (s.Status != database.SignalPending && s.Status != database.SignalProcessing) {
		return &StateError{ID: id, Op: "mark_failed"}
	}
	now := time.Now()
	s.Status = database.SignalFailed
	s.ProcessedAt = &now
	s.ErrorMessage = &msg
	s.Version++
	return nil
}

func (q *MemoryQueue) CleanupExpired(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-q.expiry)
	var expired int64
	for _, s := range q.signals {
		if s.Status == database.SignalPending && s.DetectedAt.Before(cutoff) {
			now := time.Now()
			s.Status = database.SignalExpired
			s.ProcessedAt = &now
			s.Version++
			expired++
		}
	}
	return expired, nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (map[string]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[string]int64)
	for _, s := range q.signals {
		counts[s.Status]++
	}
	return counts, nil
}

// Get returns a copy of a stored signal, for tests
func (q *MemoryQueue) Get(id int64) (*database.Signal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.signals[id]
	if !ok {
		return nil, false
	}
	out := *s
	return &out, true
}

// StateError reports an operation applied to a signal in the wrong state
type StateError struct {
	ID int64
	Op string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("signal %d: invalid state for %s", e.ID, e.Op)
}
