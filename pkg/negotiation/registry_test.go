package negotiation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/route-negotiator/pkg/voyage"
)

func TestRegistry_GetOrCreate(t *testing.T) {
	reg := NewRegistry[voyage.Route]("strategic")

	snap, created := reg.GetOrCreate("T1", "V-1")
	assert.True(t, created)
	assert.Equal(t, StatusPending, snap.Status)
	assert.Equal(t, "strategic", snap.Family)

	snap, created = reg.GetOrCreate("T1", "V-other")
	assert.False(t, created)
	assert.Equal(t, "V-1", snap.CounterpartyID, "counterparty is immutable")

	_, ok := reg.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_UsesInjectedClock(t *testing.T) {
	reg := NewRegistry[voyage.Route]("strategic")
	reg.now = func() time.Time { return t0 }

	snap, _ := reg.GetOrCreate("T1", "V-1")
	assert.Equal(t, t0, snap.CreatedAt)
	assert.Equal(t, t0, snap.UpdatedAt)

	reg.now = func() time.Time { return t0.Add(time.Hour) }
	_, err := reg.Put(Record[voyage.Route]{TransactionID: "T1", CounterpartyID: "V-1", Status: StatusNegotiating})
	require.NoError(t, err)
	snap, ok := reg.Get("T1")
	require.True(t, ok)
	assert.Equal(t, t0, snap.CreatedAt, "creation time is kept")
	assert.Equal(t, t0.Add(time.Hour), snap.UpdatedAt)
}

func TestRegistry_PutKeepsCounterparty(t *testing.T) {
	reg := NewRegistry[voyage.Route]("strategic")
	_, err := reg.Put(Record[voyage.Route]{TransactionID: "T1", CounterpartyID: "V-1", Status: StatusPending})
	require.NoError(t, err)

	_, err = reg.Put(Record[voyage.Route]{TransactionID: "T1", CounterpartyID: "V-2", Status: StatusAgreed})
	assert.True(t, IsCode(err, CodeNotPermitted))

	snap, ok := reg.Get("T1")
	require.True(t, ok)
	assert.Equal(t, "V-1", snap.CounterpartyID)
	assert.Equal(t, StatusPending, snap.Status)

	_, err = reg.Put(Record[voyage.Route]{TransactionID: "T2"})
	assert.True(t, IsCode(err, CodeInvalid))
	_, ok = reg.Get("T2")
	assert.False(t, ok)
}

func TestRegistry_UpdateRollsBackCreatedRecordOnError(t *testing.T) {
	reg := NewRegistry[voyage.Route]("strategic")

	_, _, err := reg.update("T1", "V-1", true, t0, func(rec *Record[voyage.Route], created bool) (bool, error) {
		return false, NewError(CodeInvalid, "nope")
	})
	require.Error(t, err)

	_, ok := reg.Get("T1")
	assert.False(t, ok)
	assert.Empty(t, reg.All())
}

func TestRegistry_UpdateUnknownIsNotFound(t *testing.T) {
	reg := NewRegistry[voyage.Route]("strategic")

	_, _, err := reg.update("T1", "", false, t0, func(*Record[voyage.Route], bool) (bool, error) {
		t.Fatal("fn must not run")
		return false, nil
	})
	assert.True(t, IsCode(err, CodeNotFound))
}

func TestRegistry_UnhandledIndex(t *testing.T) {
	reg := NewRegistry[voyage.Route]("strategic")

	put := func(id string, handled bool) UnhandledState {
		state, err := reg.Put(Record[voyage.Route]{TransactionID: id, CounterpartyID: "V", Status: StatusPending, Handled: handled})
		require.NoError(t, err)
		return state
	}

	s1 := put("b", false)
	s2 := put("a", false)
	s3 := put("c", true)

	assert.Equal(t, 2, reg.UnhandledCount())
	assert.Equal(t, []string{"a", "b"}, reg.UnhandledTransactionIDs())
	assert.Less(t, s1.Version, s2.Version)
	assert.Less(t, s2.Version, s3.Version)
	assert.Equal(t, 2, s3.Count)

	put("a", true)
	assert.Equal(t, []string{"b"}, reg.UnhandledTransactionIDs())
}

func TestRegistry_RemoveOnlyCompleted(t *testing.T) {
	reg := NewRegistry[voyage.Route]("strategic")
	reg.Put(Record[voyage.Route]{TransactionID: "active", CounterpartyID: "V", Status: StatusNegotiating})
	reg.Put(Record[voyage.Route]{TransactionID: "done", CounterpartyID: "V", Status: StatusAgreed, Completed: true, Handled: true})

	_, err := reg.Remove("active")
	assert.True(t, IsCode(err, CodeNotPermitted))

	_, err = reg.Remove("done")
	require.NoError(t, err)
	_, ok := reg.Get("done")
	assert.False(t, ok)

	_, err = reg.Remove("done")
	assert.True(t, IsCode(err, CodeNotFound))
}

func TestRegistry_Purge(t *testing.T) {
	reg := NewRegistry[voyage.Route]("strategic")
	old := t0.Add(-48 * time.Hour)
	reg.Put(Record[voyage.Route]{TransactionID: "old", CounterpartyID: "V", Status: StatusRejected, Completed: true, Handled: true, UpdatedAt: old})
	reg.Put(Record[voyage.Route]{TransactionID: "fresh", CounterpartyID: "V", Status: StatusAgreed, Completed: true, Handled: true, UpdatedAt: t0})
	reg.Put(Record[voyage.Route]{TransactionID: "stale-active", CounterpartyID: "V", Status: StatusPending, UpdatedAt: old})

	removed, state := reg.Purge(t0.Add(-24 * time.Hour))

	assert.Equal(t, []string{"old"}, removed)
	assert.Equal(t, 1, state.Count)
	assert.Len(t, reg.All(), 2)
}

func TestRegistry_ConcurrentUpdatesKeepCountExact(t *testing.T) {
	reg := NewRegistry[voyage.Route]("strategic")
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("T%03d", i)
			_, _, err := reg.update(id, "V", true, t0, func(rec *Record[voyage.Route], _ bool) (bool, error) {
				rec.Handled = i%3 == 0
				return true, nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	want := 0
	for _, snap := range reg.All() {
		if !snap.Handled {
			want++
		}
	}
	assert.Equal(t, want, reg.UnhandledCount())
	assert.Len(t, reg.All(), n)
}
