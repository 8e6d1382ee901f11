package negotiation_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/morezero/route-negotiator/pkg/negotiation"
	"github.com/morezero/route-negotiator/pkg/negotiation/mocks"
	"github.com/morezero/route-negotiator/pkg/voyage"
)

type harness struct {
	engine *negotiation.Engine[voyage.Route]
	sender *mocks.MockSender[voyage.Route]
	store  *mocks.MockVoyageRegistry
	ids    []string

	clockMu sync.Mutex
	clock   time.Time
}

func (h *harness) now() time.Time {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.clockMu.Lock()
	h.clock = h.clock.Add(d)
	h.clockMu.Unlock()
}

func newHarness(t *testing.T, ids ...string) *harness {
	t.Helper()
	return newHarnessWithAliases(t, nil, ids...)
}

// newHarnessWithAliases builds an engine whose counterparty ids are resolved
// through aliases.
func newHarnessWithAliases(t *testing.T, aliases map[string]string, ids ...string) *harness {
	t.Helper()
	h := &harness{
		sender: &mocks.MockSender[voyage.Route]{},
		store:  &mocks.MockVoyageRegistry{},
		ids:    ids,
		clock:  time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	var mu sync.Mutex
	engine, err := negotiation.NewEngine(negotiation.Config[voyage.Route]{
		Family:  "strategic",
		Sender:  h.sender,
		Voyages: h.store,
		Commit: negotiation.CommitPolicy{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			Timeout:        time.Second,
		},
		Canonical: func(id string) string {
			if resolved, ok := aliases[id]; ok {
				return resolved
			}
			return id
		},
		Now: h.now,
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			id := h.ids[0]
			h.ids = h.ids[1:]
			return id
		},
	})
	require.NoError(t, err)
	h.engine = engine
	t.Cleanup(engine.Close)
	return h
}

func (h *harness) waitCommits(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.engine.PendingCommits() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func route(name string, lat float64) voyage.Route {
	return voyage.Route{
		Name:      name,
		VesselIMO: "9321483",
		Waypoints: []voyage.Waypoint{
			{Name: "GOT", Lat: lat, Lon: 11.9},
			{Name: "KIE", Lat: 54.33, Lon: 10.15},
		},
	}
}

func proposal(txID, cp string, r voyage.Route) negotiation.Message[voyage.Route] {
	return negotiation.Message[voyage.Route]{
		Kind:           negotiation.KindProposal,
		TransactionID:  txID,
		CounterpartyID: cp,
		Status:         negotiation.StatusPending,
		Route:          &r,
	}
}

func finalAck(txID, cp string, agreed bool) negotiation.Message[voyage.Route] {
	return negotiation.Message[voyage.Route]{
		Kind:           negotiation.KindFinalAck,
		TransactionID:  txID,
		CounterpartyID: cp,
		Agreed:         agreed,
	}
}

func isKind(kind negotiation.MessageKind) interface{} {
	return mock.MatchedBy(func(m negotiation.Message[voyage.Route]) bool { return m.Kind == kind })
}

func TestEngine_InitiateThenAgreedReplyCommitsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "T1")
	h.sender.On("Send", ctx, isKind(negotiation.KindProposal)).Return(negotiation.DeliverySent, "").Once()

	r1 := route("R1", 57.7)
	res, err := h.engine.InitiateProposal(ctx, "V-1", r1, "please review")
	require.NoError(t, err)
	assert.Equal(t, "T1", res.TransactionID)
	assert.Equal(t, negotiation.StatusPending, res.Status)
	assert.True(t, res.Handled)
	assert.Equal(t, negotiation.DeliverySent, res.Delivery)
	assert.Equal(t, 0, h.engine.UnhandledCount())

	committed := make(chan negotiation.CommitRequest, 1)
	h.store.On("CommitVoyage", mock.Anything, mock.AnythingOfType("negotiation.CommitRequest")).
		Run(func(args mock.Arguments) { committed <- args.Get(1).(negotiation.CommitRequest) }).
		Return(nil).Once()

	err = h.engine.HandleInboundReply(ctx, negotiation.Message[voyage.Route]{
		Kind:           negotiation.KindReply,
		TransactionID:  "T1",
		CounterpartyID: "V-1",
		Status:         negotiation.StatusAgreed,
	})
	require.NoError(t, err)

	snap, ok := h.engine.Negotiation("T1")
	require.True(t, ok)
	assert.Equal(t, negotiation.StatusAgreed, snap.Status)
	assert.True(t, snap.Completed)

	select {
	case req := <-committed:
		assert.Equal(t, "V-1", req.CounterpartyID)
		assert.Equal(t, "T1", req.TransactionID)
		assert.JSONEq(t, mustJSON(t, r1.Normalize()), string(req.Route))
	case <-time.After(2 * time.Second):
		t.Fatal("commit not called")
	}
	h.waitCommits(t)
	h.store.AssertNumberOfCalls(t, "CommitVoyage", 1)
	h.sender.AssertExpectations(t)
}

func TestEngine_InboundProposalReplyAndRejection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// unknown transaction creates an unhandled record
	require.NoError(t, h.engine.HandleInboundProposal(ctx, proposal("T2", "V-2", route("R2", 56))))
	snap, ok := h.engine.Negotiation("T2")
	require.True(t, ok)
	assert.Equal(t, negotiation.StatusPending, snap.Status)
	assert.False(t, snap.Handled)
	assert.Equal(t, 1, h.engine.UnhandledCount())
	assert.Equal(t, []string{"T2"}, h.engine.UnhandledTransactionIDs())

	// counter-offer
	h.sender.On("Send", ctx, isKind(negotiation.KindReply)).Return(negotiation.DeliverySent, "").Once()
	r2 := route("R2", 56.5)
	res, err := h.engine.SendReply(ctx, "T2", negotiation.StatusNegotiating, &r2, "counter-offer")
	require.NoError(t, err)
	assert.Equal(t, negotiation.StatusNegotiating, res.Status)
	assert.True(t, res.Handled)
	assert.Equal(t, 0, h.engine.UnhandledCount())
	h.sender.AssertNumberOfCalls(t, "Send", 1)

	// declined after our reply
	require.NoError(t, h.engine.HandleInboundFinalAck(ctx, finalAck("T2", "V-2", false)))
	snap, _ = h.engine.Negotiation("T2")
	assert.Equal(t, negotiation.StatusRejected, snap.Status)
	assert.True(t, snap.Completed)
	h.waitCommits(t)
	h.store.AssertNotCalled(t, "CommitVoyage", mock.Anything, mock.Anything)

	// renegotiate: retraction happens before the new proposal is sent
	var order []string
	var mu sync.Mutex
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	h.store.On("RetractVoyage", mock.Anything, "strategic", "T2").Run(func(mock.Arguments) { note("retract") }).Return(nil).Once()
	h.sender.On("Send", ctx, isKind(negotiation.KindProposal)).Run(func(mock.Arguments) { note("send") }).Return(negotiation.DeliverySent, "").Once()

	before := len(snap.Proposals)
	res, err = h.engine.Renegotiate(ctx, "T2", route("R3", 55), "try again")
	require.NoError(t, err)
	assert.Equal(t, negotiation.StatusNegotiating, res.Status)
	assert.True(t, res.Handled)

	snap, _ = h.engine.Negotiation("T2")
	assert.Len(t, snap.Proposals, before+1)
	assert.Equal(t, 1, snap.Generation)
	assert.Equal(t, []string{"retract", "send"}, order)
	h.store.AssertExpectations(t)
	h.sender.AssertExpectations(t)
}

func TestEngine_ConcurrentDuplicateAcksCommitOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "T1")
	h.sender.On("Send", ctx, mock.Anything).Return(negotiation.DeliverySent, "")
	h.store.On("CommitVoyage", mock.Anything, mock.Anything).Return(nil)

	_, err := h.engine.InitiateProposal(ctx, "V-1", route("R1", 57), "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.engine.HandleInboundFinalAck(ctx, finalAck("T1", "V-1", true)))
		}()
	}
	wg.Wait()
	h.waitCommits(t)

	h.store.AssertNumberOfCalls(t, "CommitVoyage", 1)
	snap, _ := h.engine.Negotiation("T1")
	assert.Equal(t, negotiation.StatusAgreed, snap.Status)
	assert.Len(t, snap.Replies, 1)

	// late rejection does not change the outcome
	require.NoError(t, h.engine.HandleInboundFinalAck(ctx, finalAck("T1", "V-1", false)))
	snap, _ = h.engine.Negotiation("T1")
	assert.Equal(t, negotiation.StatusAgreed, snap.Status)
}

func TestEngine_ReplyOnConcludedIsAuditedNotSent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.engine.HandleInboundProposal(ctx, proposal("T2", "V-2", route("R2", 56))))
	require.NoError(t, h.engine.HandleInboundFinalAck(ctx, finalAck("T2", "V-2", false)))

	snap, _ := h.engine.Negotiation("T2")
	require.Equal(t, negotiation.StatusCanceled, snap.Status)

	res, err := h.engine.SendReply(ctx, "T2", negotiation.StatusNegotiating, nil, "too late")
	assert.True(t, negotiation.IsCode(err, negotiation.CodeConcluded))
	assert.True(t, res.Concluded)
	assert.Equal(t, negotiation.StatusCanceled, res.Status)

	snap, _ = h.engine.Negotiation("T2")
	require.Len(t, snap.Replies, 2)
	assert.True(t, snap.Replies[1].Concluded)
	h.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestEngine_RenegotiatePreconditions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.engine.HandleInboundProposal(ctx, proposal("active", "V-1", route("R", 56))))
	_, err := h.engine.Renegotiate(ctx, "active", route("R'", 55), "")
	assert.True(t, negotiation.IsCode(err, negotiation.CodeNotPermitted))

	require.NoError(t, h.engine.HandleInboundFinalAck(ctx, finalAck("active", "V-1", false)))
	_, err = h.engine.Renegotiate(ctx, "active", route("R'", 55), "")
	assert.True(t, negotiation.IsCode(err, negotiation.CodeNotPermitted), "canceled negotiations stay closed")

	_, err = h.engine.Renegotiate(ctx, "missing", route("R'", 55), "")
	assert.True(t, negotiation.IsCode(err, negotiation.CodeNotFound))

	h.store.AssertNotCalled(t, "RetractVoyage", mock.Anything, mock.Anything, mock.Anything)
}

func TestEngine_RetractFailureLeavesRecordUnchanged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "T1")
	h.sender.On("Send", ctx, mock.Anything).Return(negotiation.DeliverySent, "")
	h.store.On("CommitVoyage", mock.Anything, mock.Anything).Return(nil)
	h.store.On("RetractVoyage", mock.Anything, "strategic", "T1").Return(errors.New("registry down"))

	_, err := h.engine.InitiateProposal(ctx, "V-1", route("R1", 57), "")
	require.NoError(t, err)
	require.NoError(t, h.engine.HandleInboundFinalAck(ctx, finalAck("T1", "V-1", true)))
	h.waitCommits(t)
	before, _ := h.engine.Negotiation("T1")

	_, err = h.engine.Renegotiate(ctx, "T1", route("R9", 50), "")
	assert.True(t, negotiation.IsCode(err, negotiation.CodeRetractFailed))

	after, _ := h.engine.Negotiation("T1")
	assert.Equal(t, negotiation.StatusAgreed, after.Status)
	assert.Equal(t, before.Proposals, after.Proposals)
	h.sender.AssertNumberOfCalls(t, "Send", 1)
}

func TestEngine_UnknownCounterpartyIsSoftFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "T1")
	h.sender.On("Send", ctx, mock.Anything).Return(negotiation.DeliveryNotDelivered, "unknown counterparty")

	res, err := h.engine.InitiateProposal(ctx, "V-offline", route("R1", 57), "")
	require.NoError(t, err)
	assert.Equal(t, negotiation.DeliveryNotDelivered, res.Delivery)
	assert.Equal(t, "unknown counterparty", res.DeliveryNote)
	assert.Equal(t, negotiation.StatusPending, res.Status)

	snap, _ := h.engine.Negotiation("T1")
	require.Len(t, snap.Deliveries, 1)
	assert.Equal(t, negotiation.DeliveryNotDelivered, snap.Deliveries[0].Outcome)
	assert.Equal(t, 1, snap.Deliveries[0].Seq)
}

func TestEngine_ProtocolViolationsAreRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.engine.HandleInboundProposal(ctx, proposal("T1", "V-1", route("R", 56))))

	err := h.engine.HandleInboundProposal(ctx, proposal("T1", "V-imposter", route("R", 56)))
	assert.True(t, negotiation.IsCode(err, negotiation.CodeNotPermitted))

	err = h.engine.HandleInboundFinalAck(ctx, finalAck("nope", "V-1", true))
	assert.True(t, negotiation.IsCode(err, negotiation.CodeNotFound))

	bad := proposal("T3", "V-1", voyage.Route{Name: "one point", Waypoints: []voyage.Waypoint{{Lat: 1, Lon: 1}}})
	err = h.engine.HandleInboundProposal(ctx, bad)
	assert.True(t, negotiation.IsCode(err, negotiation.CodeInvalid))
	_, ok := h.engine.Negotiation("T3")
	assert.False(t, ok)

	_, err = h.engine.SendReply(ctx, "T1", negotiation.StatusCanceled, nil, "")
	assert.True(t, negotiation.IsCode(err, negotiation.CodeInvalid))

	snap, _ := h.engine.Negotiation("T1")
	assert.Len(t, snap.Proposals, 1)
	assert.Equal(t, "V-1", snap.CounterpartyID)
}

func TestEngine_SubscribersSeeUnhandledChanges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var mu sync.Mutex
	var last negotiation.UnhandledState
	h.engine.Subscribe(negotiation.ListenerFuncs{OnUnhandled: func(s negotiation.UnhandledState) {
		mu.Lock()
		last = s
		mu.Unlock()
	}})

	require.NoError(t, h.engine.HandleInboundProposal(ctx, proposal("A", "V-1", route("R", 56))))
	require.NoError(t, h.engine.HandleInboundProposal(ctx, proposal("B", "V-2", route("R", 56))))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last.Count == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"A", "B"}, last.TransactionIDs)
	assert.Equal(t, "strategic", last.Family)
	mu.Unlock()
}

func TestEngine_ManyTransactionsUnhandledCountMatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.sender.On("Send", ctx, mock.Anything).Return(negotiation.DeliverySent, "")

	ids := []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8"}
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			assert.NoError(t, h.engine.HandleInboundProposal(ctx, proposal(id, "V", route("R", 56))))
			if i%2 == 0 {
				_, err := h.engine.SendReply(ctx, id, negotiation.StatusNegotiating, nil, "")
				assert.NoError(t, err)
			}
		}(i, id)
	}
	wg.Wait()

	want := 0
	for _, snap := range h.engine.Negotiations() {
		if !snap.Handled {
			want++
		}
	}
	assert.Equal(t, 4, want)
	assert.Equal(t, want, h.engine.UnhandledCount())
}

func TestEngine_PurgeAndClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.engine.HandleInboundProposal(ctx, proposal("T1", "V-1", route("R", 56))))
	require.NoError(t, h.engine.HandleInboundFinalAck(ctx, finalAck("T1", "V-1", false)))
	h.advance(2 * time.Hour)
	require.NoError(t, h.engine.HandleInboundProposal(ctx, proposal("T2", "V-1", route("R", 56))))

	assert.Empty(t, h.engine.Purge(3*time.Hour))
	assert.Equal(t, []string{"T1"}, h.engine.Purge(time.Hour))
	assert.Len(t, h.engine.Negotiations(), 1)
	assert.True(t, negotiation.IsCode(h.engine.Remove("T2"), negotiation.CodeNotPermitted))

	h.engine.Close()
	_, err := h.engine.InitiateProposal(ctx, "V-1", route("R", 56), "")
	assert.True(t, negotiation.IsCode(err, negotiation.CodeEngineShutdown))
}

func TestEngine_InitiateByAliasStoresCanonicalID(t *testing.T) {
	ctx := context.Background()
	h := newHarnessWithAliases(t, map[string]string{"SKAG": "IMO9321483"}, "T1")
	h.sender.On("Send", ctx, mock.MatchedBy(func(m negotiation.Message[voyage.Route]) bool {
		return m.Kind == negotiation.KindProposal && m.CounterpartyID == "IMO9321483"
	})).Return(negotiation.DeliverySent, "").Once()
	committed := make(chan negotiation.CommitRequest, 1)
	h.store.On("CommitVoyage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { committed <- args.Get(1).(negotiation.CommitRequest) }).
		Return(nil).Once()

	_, err := h.engine.InitiateProposal(ctx, "SKAG", route("R1", 57.7), "")
	require.NoError(t, err)
	snap, ok := h.engine.Negotiation("T1")
	require.True(t, ok)
	assert.Equal(t, "IMO9321483", snap.CounterpartyID)

	require.NoError(t, h.engine.HandleInboundFinalAck(ctx, finalAck("T1", "IMO9321483", true)))

	select {
	case req := <-committed:
		assert.Equal(t, "IMO9321483", req.CounterpartyID)
	case <-time.After(2 * time.Second):
		t.Fatal("voyage not committed")
	}
	snap, _ = h.engine.Negotiation("T1")
	assert.Equal(t, negotiation.StatusAgreed, snap.Status)
	h.sender.AssertExpectations(t)
}

func TestEngine_InboundAliasMatchesRecord(t *testing.T) {
	ctx := context.Background()
	h := newHarnessWithAliases(t, map[string]string{"SKAG": "IMO9321483"})

	require.NoError(t, h.engine.HandleInboundProposal(ctx, proposal("T1", "SKAG", route("R1", 57))))
	snap, ok := h.engine.Negotiation("T1")
	require.True(t, ok)
	assert.Equal(t, "IMO9321483", snap.CounterpartyID)

	require.NoError(t, h.engine.HandleInboundFinalAck(ctx, finalAck("T1", "IMO9321483", false)))
	snap, _ = h.engine.Negotiation("T1")
	assert.Equal(t, negotiation.StatusCanceled, snap.Status)
}

// pausingHandler blocks the first log record containing match until release
// is closed.
type pausingHandler struct {
	match   string
	paused  chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *pausingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (p *pausingHandler) Handle(_ context.Context, r slog.Record) error {
	if strings.Contains(r.Message, p.match) {
		p.once.Do(func() {
			close(p.paused)
			<-p.release
		})
	}
	return nil
}

func (p *pausingHandler) WithAttrs([]slog.Attr) slog.Handler { return p }
func (p *pausingHandler) WithGroup(string) slog.Handler      { return p }

func TestEngine_RenegotiateRightAfterAgreementRetractsLast(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "T1")
	h.sender.On("Send", ctx, isKind(negotiation.KindProposal)).Return(negotiation.DeliverySent, "")

	var mu sync.Mutex
	var calls []string
	record := func(call string) {
		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()
	}
	h.store.On("CommitVoyage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			cctx := args.Get(0).(context.Context)
			if cctx.Err() == nil {
				record("commit")
			}
			<-cctx.Done()
		}).
		Return(context.Canceled)
	h.store.On("RetractVoyage", mock.Anything, "strategic", "T1").
		Run(func(mock.Arguments) { record("retract") }).
		Return(nil).Once()

	_, err := h.engine.InitiateProposal(ctx, "V-1", route("R1", 57), "")
	require.NoError(t, err)

	// hold the final-ack handler just after the record lock is released
	pause := &pausingHandler{match: "concluded AGREED", paused: make(chan struct{}), release: make(chan struct{})}
	prev := slog.Default()
	slog.SetDefault(slog.New(pause))
	t.Cleanup(func() { slog.SetDefault(prev) })

	acked := make(chan error, 1)
	go func() { acked <- h.engine.HandleInboundFinalAck(ctx, finalAck("T1", "V-1", true)) }()
	select {
	case <-pause.paused:
	case <-time.After(2 * time.Second):
		t.Fatal("final ack never concluded")
	}

	_, err = h.engine.Renegotiate(ctx, "T1", route("R2", 55), "new slot")
	require.NoError(t, err)
	close(pause.release)
	require.NoError(t, <-acked)
	h.waitCommits(t)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, calls)
	assert.Equal(t, "retract", calls[len(calls)-1], "nothing may be committed after the retraction: %v", calls)
	snap, _ := h.engine.Negotiation("T1")
	assert.Equal(t, negotiation.StatusNegotiating, snap.Status)
}
