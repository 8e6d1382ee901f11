package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const committerLogPrefix = "negotiation:committer"

// CommitPolicy bounds the retries of a voyage commit.
type CommitPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration // per attempt
}

// DefaultCommitPolicy is used for zero fields of a configured policy.
var DefaultCommitPolicy = CommitPolicy{
	MaxAttempts:    5,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     30 * time.Second,
	Timeout:        10 * time.Second,
}

func (p CommitPolicy) withDefaults() CommitPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultCommitPolicy.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultCommitPolicy.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultCommitPolicy.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultCommitPolicy.Timeout
	}
	return p
}

type commitJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Committer submits agreed negotiations to the voyage registry in the
// background. Failures never touch the record; once retries are exhausted a
// CommitFailure is published to the fan-out.
type Committer[R any] struct {
	store  VoyageRegistry
	family string
	policy CommitPolicy
	fanout *FanOut
	now    func() time.Time

	mu     sync.Mutex
	jobs   map[string]*commitJob
	closed bool
	wg     sync.WaitGroup
}

// NewCommitter creates a committer for one family.
func NewCommitter[R any](store VoyageRegistry, family string, policy CommitPolicy, fanout *FanOut) *Committer[R] {
	return &Committer[R]{
		store:  store,
		family: family,
		policy: policy.withDefaults(),
		fanout: fanout,
		now:    func() time.Time { return time.Now().UTC() },
		jobs:   make(map[string]*commitJob),
	}
}

// BuildRequest turns an agreed snapshot into the value handed to the voyage
// registry.
func BuildRequest[R any](family string, snap Snapshot[R]) (CommitRequest, error) {
	route, ok := snap.LatestAcceptedRoute()
	if !ok {
		return CommitRequest{}, NewError(CodeInternal, fmt.Sprintf("transaction %s has no route to commit", snap.TransactionID))
	}
	raw, err := json.Marshal(route)
	if err != nil {
		return CommitRequest{}, fmt.Errorf("%s - encode route for %s: %w", committerLogPrefix, snap.TransactionID, err)
	}
	return CommitRequest{
		Family:         family,
		CounterpartyID: snap.CounterpartyID,
		TransactionID:  snap.TransactionID,
		Generation:     snap.Generation,
		Route:          raw,
	}, nil
}

// Commit starts an asynchronous commit for snap. A still running commit for
// the same transaction is canceled and awaited first.
func (c *Committer[R]) Commit(snap Snapshot[R]) {
	req, err := BuildRequest(c.family, snap)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %v", committerLogPrefix, err))
		c.fail(snap, 0, err)
		return
	}

	c.Cancel(snap.TransactionID)

	ctx, cancel := context.WithCancel(context.Background())
	job := &commitJob{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		slog.Warn(fmt.Sprintf("%s - committer closed, dropping commit for %s", committerLogPrefix, snap.TransactionID))
		return
	}
	c.jobs[snap.TransactionID] = job
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer close(job.done)
		defer cancel()
		defer c.forget(snap.TransactionID, job)
		c.run(ctx, snap, req)
	}()
}

func (c *Committer[R]) run(ctx context.Context, snap Snapshot[R], req CommitRequest) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialBackoff
	b.MaxInterval = c.policy.MaxBackoff

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
		defer cancel()
		return struct{}{}, c.store.CommitVoyage(actx, req)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.policy.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Warn(fmt.Sprintf("%s - commit %s attempt %d failed, retrying in %s: %v", committerLogPrefix, req.TransactionID, attempts, wait, err))
		}),
	)
	switch {
	case err == nil:
		slog.Info(fmt.Sprintf("%s - committed voyage %s for %s (generation %d)", committerLogPrefix, req.TransactionID, req.CounterpartyID, req.Generation))
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		slog.Info(fmt.Sprintf("%s - commit %s canceled", committerLogPrefix, req.TransactionID))
	default:
		slog.Error(fmt.Sprintf("%s - commit %s gave up after %d attempts: %v", committerLogPrefix, req.TransactionID, attempts, err))
		c.fail(snap, attempts, err)
	}
}

func (c *Committer[R]) fail(snap Snapshot[R], attempts int, err error) {
	if c.fanout == nil {
		return
	}
	c.fanout.PublishCommitFailure(CommitFailure{
		Family:         c.family,
		TransactionID:  snap.TransactionID,
		CounterpartyID: snap.CounterpartyID,
		Generation:     snap.Generation,
		Attempts:       attempts,
		Error:          err.Error(),
		At:             c.now(),
	})
}

func (c *Committer[R]) forget(txID string, job *commitJob) {
	c.mu.Lock()
	if c.jobs[txID] == job {
		delete(c.jobs, txID)
	}
	c.mu.Unlock()
}

// Cancel stops an in-flight commit for txID and waits until it has returned.
// It is a no-op when none is running.
func (c *Committer[R]) Cancel(txID string) {
	c.mu.Lock()
	job := c.jobs[txID]
	c.mu.Unlock()
	if job == nil {
		return
	}
	job.cancel()
	<-job.done
}

// Pending returns the number of running commits.
func (c *Committer[R]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// Close cancels every running commit and waits for them to return.
func (c *Committer[R]) Close() {
	c.mu.Lock()
	c.closed = true
	for _, job := range c.jobs {
		job.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Wait blocks until every running commit has returned on its own.
func (c *Committer[R]) Wait() {
	c.wg.Wait()
}
