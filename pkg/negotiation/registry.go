package negotiation

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const shardCount = 32

// UnhandledState is the full set of negotiations awaiting local action.
// Version increases with every recomputation so listeners can drop stale
// deliveries.
type UnhandledState struct {
	Family         string   `json:"family"`
	Count          int      `json:"count"`
	TransactionIDs []string `json:"transactionIds"`
	Version        uint64   `json:"version"`
}

type entry[R any] struct {
	mu  sync.Mutex
	rec *Record[R] // nil once removed
}

type shard[R any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[R]
}

// Registry is the authoritative map from transaction id to record. Each
// record has its own lock; the unhandled index is updated while that lock is
// held so counts never go stale relative to the records.
type Registry[R any] struct {
	family string
	shards [shardCount]shard[R]
	now    func() time.Time

	idxMu     sync.Mutex
	unhandled map[string]struct{}
	version   uint64
}

// NewRegistry creates an empty registry for one message family.
func NewRegistry[R any](family string) *Registry[R] {
	r := &Registry[R]{
		family:    family,
		now:       func() time.Time { return time.Now().UTC() },
		unhandled: make(map[string]struct{}),
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*entry[R])
	}
	return r
}

func (r *Registry[R]) shardFor(txID string) *shard[R] {
	h := fnv.New32a()
	h.Write([]byte(txID))
	return &r.shards[h.Sum32()%shardCount]
}

func (r *Registry[R]) lookup(txID string) *entry[R] {
	s := r.shardFor(txID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[txID]
}

func (r *Registry[R]) lookupOrCreate(txID, counterpartyID string, now time.Time) (*entry[R], bool) {
	s := r.shardFor(txID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[txID]; ok {
		return e, false
	}
	e := &entry[R]{rec: &Record[R]{
		TransactionID:  txID,
		CounterpartyID: counterpartyID,
		Family:         r.family,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}}
	s.entries[txID] = e
	return e, true
}

func (r *Registry[R]) drop(txID string, e *entry[R]) {
	s := r.shardFor(txID)
	s.mu.Lock()
	if s.entries[txID] == e {
		delete(s.entries, txID)
	}
	s.mu.Unlock()
}

// Get returns a snapshot of the record.
func (r *Registry[R]) Get(txID string) (Snapshot[R], bool) {
	e := r.lookup(txID)
	if e == nil {
		return Snapshot[R]{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return Snapshot[R]{}, false
	}
	return e.rec.snapshot(), true
}

// GetOrCreate returns the record for txID, creating an empty PENDING record
// for counterpartyID when none exists.
func (r *Registry[R]) GetOrCreate(txID, counterpartyID string) (Snapshot[R], bool) {
	var snap Snapshot[R]
	var created bool
	_, _, _ = r.update(txID, counterpartyID, true, r.now(), func(rec *Record[R], c bool) (bool, error) {
		snap, created = rec.snapshot(), c
		return c, nil
	})
	return snap, created
}

// Put stores a copy of rec, replacing any record with the same id. The
// counterparty of an existing record cannot change. Zero timestamps are
// filled from the registry clock.
func (r *Registry[R]) Put(rec Record[R]) (UnhandledState, error) {
	if rec.TransactionID == "" || rec.CounterpartyID == "" {
		return UnhandledState{}, NewError(CodeInvalid, "transactionId and counterpartyId are required")
	}
	cp := rec.clone()
	cp.Family = r.family
	now := r.now()
	_, state, err := r.update(rec.TransactionID, rec.CounterpartyID, true, now, func(cur *Record[R], _ bool) (bool, error) {
		if cur.CounterpartyID != cp.CounterpartyID {
			return false, NewError(CodeNotPermitted, fmt.Sprintf("transaction %s belongs to %s, not %s", cur.TransactionID, cur.CounterpartyID, cp.CounterpartyID))
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = cur.CreatedAt
		}
		if cp.UpdatedAt.IsZero() {
			cp.UpdatedAt = now
		}
		*cur = *cp
		return true, nil
	})
	return state, err
}

// update runs fn under the record lock. When fn reports a change, the
// unhandled index is recomputed before the lock is released and the new
// state is returned. A record created for this call is discarded again if fn
// fails.
func (r *Registry[R]) update(txID, counterpartyID string, create bool, now time.Time, fn func(rec *Record[R], created bool) (bool, error)) (Snapshot[R], UnhandledState, error) {
	for {
		var e *entry[R]
		created := false
		if create {
			e, created = r.lookupOrCreate(txID, counterpartyID, now)
		} else if e = r.lookup(txID); e == nil {
			return Snapshot[R]{}, UnhandledState{}, NewError(CodeNotFound, fmt.Sprintf("transaction %s not found", txID))
		}

		e.mu.Lock()
		if e.rec == nil {
			// removed between lookup and lock
			e.mu.Unlock()
			continue
		}
		changed, err := fn(e.rec, created)
		if err != nil {
			if created {
				e.rec = nil
				e.mu.Unlock()
				r.drop(txID, e)
				return Snapshot[R]{}, UnhandledState{}, err
			}
			e.mu.Unlock()
			return Snapshot[R]{}, UnhandledState{}, err
		}
		var state UnhandledState
		if changed || created {
			state = r.reindex(e.rec)
		}
		snap := e.rec.snapshot()
		e.mu.Unlock()
		return snap, state, nil
	}
}

func (r *Registry[R]) reindex(rec *Record[R]) UnhandledState {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	if rec.Handled {
		delete(r.unhandled, rec.TransactionID)
	} else {
		r.unhandled[rec.TransactionID] = struct{}{}
	}
	r.version++
	return r.stateLocked()
}

func (r *Registry[R]) stateLocked() UnhandledState {
	ids := make([]string, 0, len(r.unhandled))
	for id := range r.unhandled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return UnhandledState{Family: r.family, Count: len(ids), TransactionIDs: ids, Version: r.version}
}

// Unhandled returns the current unhandled state.
func (r *Registry[R]) Unhandled() UnhandledState {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	return r.stateLocked()
}

// UnhandledCount returns the number of records awaiting local action.
func (r *Registry[R]) UnhandledCount() int {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	return len(r.unhandled)
}

// UnhandledTransactionIDs returns the sorted ids of unhandled records.
func (r *Registry[R]) UnhandledTransactionIDs() []string {
	return r.Unhandled().TransactionIDs
}

// All returns snapshots of every record, oldest first.
func (r *Registry[R]) All() []Snapshot[R] {
	var entries []*entry[R]
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, e := range s.entries {
			entries = append(entries, e)
		}
		s.mu.RUnlock()
	}
	out := make([]Snapshot[R], 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.rec != nil {
			out = append(out, e.rec.snapshot())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TransactionID < out[j].TransactionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Remove deletes a completed record. Active records cannot be removed.
func (r *Registry[R]) Remove(txID string) (UnhandledState, error) {
	return r.removeIf(txID, nil)
}

func (r *Registry[R]) removeIf(txID string, keep func(rec *Record[R]) bool) (UnhandledState, error) {
	s := r.shardFor(txID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[txID]
	if !ok {
		return UnhandledState{}, NewError(CodeNotFound, fmt.Sprintf("transaction %s not found", txID))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return UnhandledState{}, NewError(CodeNotFound, fmt.Sprintf("transaction %s not found", txID))
	}
	if !e.rec.Completed || !e.rec.Status.Terminal() {
		return UnhandledState{}, NewError(CodeNotPermitted, fmt.Sprintf("transaction %s is not completed", txID))
	}
	if keep != nil && keep(e.rec) {
		return UnhandledState{}, NewError(CodeNotPermitted, fmt.Sprintf("transaction %s changed since selection", txID))
	}
	e.rec = nil
	delete(s.entries, txID)

	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	delete(r.unhandled, txID)
	r.version++
	return r.stateLocked(), nil
}

// Purge removes completed records last updated before cutoff and returns
// their ids.
func (r *Registry[R]) Purge(cutoff time.Time) ([]string, UnhandledState) {
	var candidates []string
	for _, snap := range r.All() {
		if snap.Completed && snap.Status.Terminal() && snap.UpdatedAt.Before(cutoff) {
			candidates = append(candidates, snap.TransactionID)
		}
	}
	var removed []string
	for _, id := range candidates {
		stillFresh := func(rec *Record[R]) bool { return !rec.UpdatedAt.Before(cutoff) }
		if _, err := r.removeIf(id, stillFresh); err == nil {
			removed = append(removed, id)
		}
	}
	return removed, r.Unhandled()
}
