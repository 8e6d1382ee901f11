package negotiation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	fanoutLogPrefix   = "negotiation:fanout"
	maxQueuedFailures = 128
)

// CommitFailure is raised when the voyage registry rejected a commit after
// every retry.
type CommitFailure struct {
	Family         string    `json:"family"`
	TransactionID  string    `json:"transactionId"`
	CounterpartyID string    `json:"counterpartyId"`
	Generation     int       `json:"generation"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error"`
	At             time.Time `json:"at"`
}

// Listener receives fan-out notifications. Calls for one listener are
// serialized on its own goroutine.
type Listener interface {
	UnhandledChanged(state UnhandledState)
	CommitFailed(failure CommitFailure)
}

// ListenerFuncs adapts plain functions to Listener. Nil funcs are skipped.
type ListenerFuncs struct {
	OnUnhandled    func(UnhandledState)
	OnCommitFailed func(CommitFailure)
}

// UnhandledChanged calls OnUnhandled.
func (l ListenerFuncs) UnhandledChanged(s UnhandledState) {
	if l.OnUnhandled != nil {
		l.OnUnhandled(s)
	}
}

// CommitFailed calls OnCommitFailed.
func (l ListenerFuncs) CommitFailed(f CommitFailure) {
	if l.OnCommitFailed != nil {
		l.OnCommitFailed(f)
	}
}

// FanOut delivers notifications to subscribers without ever blocking the
// publisher. Unhandled states coalesce (only the newest is delivered);
// commit failures are queued up to a bound.
type FanOut struct {
	mu     sync.Mutex
	subs   map[uint64]*mailbox
	nextID uint64
	latest UnhandledState
	closed bool
	wg     sync.WaitGroup
}

type mailbox struct {
	listener Listener
	mu       sync.Mutex
	state    *UnhandledState
	failures []CommitFailure
	wake     chan struct{}
	done     chan struct{}
}

// NewFanOut creates an empty fan-out.
func NewFanOut() *FanOut {
	return &FanOut{subs: make(map[uint64]*mailbox)}
}

// Subscribe registers l and returns a func that unregisters it. A new
// subscriber immediately receives the latest known state.
func (f *FanOut) Subscribe(l Listener) func() {
	mb := &mailbox{
		listener: l,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = mb
	if f.latest.Version > 0 {
		mb.putState(f.latest)
	}
	f.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		mb.run()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if _, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(mb.done)
			}
			f.mu.Unlock()
		})
	}
}

// PublishUnhandled fans out a recomputed unhandled state. States older than
// the last published one are dropped.
func (f *FanOut) PublishUnhandled(s UnhandledState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || s.Version <= f.latest.Version {
		return
	}
	f.latest = s
	for _, mb := range f.subs {
		mb.putState(s)
	}
}

// PublishCommitFailure fans out a commit failure.
func (f *FanOut) PublishCommitFailure(c CommitFailure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, mb := range f.subs {
		mb.putFailure(c)
	}
}

// Close stops every subscriber goroutine and waits for them.
func (f *FanOut) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for id, mb := range f.subs {
		close(mb.done)
		delete(f.subs, id)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func (mb *mailbox) putState(s UnhandledState) {
	mb.mu.Lock()
	if mb.state == nil || s.Version > mb.state.Version {
		cp := s
		cp.TransactionIDs = append([]string(nil), s.TransactionIDs...)
		mb.state = &cp
	}
	mb.mu.Unlock()
	mb.signal()
}

func (mb *mailbox) putFailure(c CommitFailure) {
	mb.mu.Lock()
	if len(mb.failures) >= maxQueuedFailures {
		slog.Warn(fmt.Sprintf("%s - listener queue full, dropping commit failure for %s", fanoutLogPrefix, mb.failures[0].TransactionID))
		mb.failures = mb.failures[1:]
	}
	mb.failures = append(mb.failures, c)
	mb.mu.Unlock()
	mb.signal()
}

func (mb *mailbox) signal() {
	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

func (mb *mailbox) run() {
	for {
		select {
		case <-mb.done:
			return
		case <-mb.wake:
		}
		mb.mu.Lock()
		state, failures := mb.state, mb.failures
		mb.state, mb.failures = nil, nil
		mb.mu.Unlock()

		if state != nil {
			mb.deliver(func() { mb.listener.UnhandledChanged(*state) })
		}
		for _, c := range failures {
			c := c
			mb.deliver(func() { mb.listener.CommitFailed(c) })
		}
	}
}

func (mb *mailbox) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - listener panicked: %v", fanoutLogPrefix, r))
		}
	}()
	fn()
}
