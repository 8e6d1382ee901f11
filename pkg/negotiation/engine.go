package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const engineLogPrefix = "negotiation:engine"

// DefaultRetractTimeout bounds a voyage retraction during renegotiation.
const DefaultRetractTimeout = 10 * time.Second

// Config configures an Engine.
type Config[R Payload[R]] struct {
	Family         string
	Sender         Sender[R]
	Voyages        VoyageRegistry
	Commit         CommitPolicy
	RetractTimeout time.Duration

	// Canonical maps an alternative counterparty id (call sign, MMSI) to the
	// id the counterparty reports on the wire. Defaults to the identity.
	Canonical func(counterpartyID string) string

	// Now and NewID default to UTC wall time and random UUIDs.
	Now   func() time.Time
	NewID func() string
}

// Engine runs negotiations of one message family. Transitions on one
// transaction are serialized; different transactions proceed in parallel.
type Engine[R Payload[R]] struct {
	family         string
	registry       *Registry[R]
	sender         Sender[R]
	voyages        VoyageRegistry
	committer      *Committer[R]
	fanout         *FanOut
	retractTimeout time.Duration
	canonical      func(string) string
	now            func() time.Time
	newID          func() string
	closed         atomic.Bool
}

// NewEngine creates an engine. Sender and Voyages are required.
func NewEngine[R Payload[R]](cfg Config[R]) (*Engine[R], error) {
	if cfg.Family == "" {
		return nil, fmt.Errorf("%s - family is required", engineLogPrefix)
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("%s - sender is required", engineLogPrefix)
	}
	if cfg.Voyages == nil {
		return nil, fmt.Errorf("%s - voyage registry is required", engineLogPrefix)
	}
	if cfg.RetractTimeout <= 0 {
		cfg.RetractTimeout = DefaultRetractTimeout
	}
	if cfg.Canonical == nil {
		cfg.Canonical = func(id string) string { return id }
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	fanout := NewFanOut()
	committer := NewCommitter[R](cfg.Voyages, cfg.Family, cfg.Commit, fanout)
	committer.now = cfg.Now
	registry := NewRegistry[R](cfg.Family)
	registry.now = cfg.Now

	return &Engine[R]{
		family:         cfg.Family,
		registry:       registry,
		sender:         cfg.Sender,
		voyages:        cfg.Voyages,
		committer:      committer,
		fanout:         fanout,
		retractTimeout: cfg.RetractTimeout,
		canonical:      cfg.Canonical,
		now:            cfg.Now,
		newID:          cfg.NewID,
	}, nil
}

// Family returns the message family this engine serves.
func (e *Engine[R]) Family() string { return e.family }

func (e *Engine[R]) checkOpen() error {
	if e.closed.Load() {
		return NewError(CodeEngineShutdown, fmt.Sprintf("%s engine is shut down", e.family))
	}
	return nil
}

// InitiateProposal opens a new negotiation with counterpartyID and sends the
// normalized route as the first proposal. An alias is stored as the canonical
// id so the counterparty's answers match the record.
func (e *Engine[R]) InitiateProposal(ctx context.Context, counterpartyID string, route R, text string) (Result, error) {
	if err := e.checkOpen(); err != nil {
		return Result{}, err
	}
	if counterpartyID == "" {
		return Result{}, NewError(CodeInvalid, "counterpartyId is required")
	}
	counterpartyID = e.canonical(counterpartyID)
	if err := route.Validate(); err != nil {
		return Result{}, NewError(CodeInvalid, fmt.Sprintf("invalid route: %v", err))
	}

	txID := e.newID()
	var eff Effects[R]
	snap, state, err := e.registry.update(txID, counterpartyID, true, e.now(), func(rec *Record[R], created bool) (bool, error) {
		if !created {
			return false, NewError(CodeInternal, fmt.Sprintf("transaction id %s already in use", txID))
		}
		eff = applyInitiate(rec, route, text, e.now())
		return eff.Changed, nil
	})
	if err != nil {
		return Result{}, err
	}
	e.fanout.PublishUnhandled(state)
	slog.Info(fmt.Sprintf("%s - %s proposal %s opened with %s", engineLogPrefix, e.family, txID, counterpartyID))

	return e.finish(ctx, snap, eff), nil
}

// SendReply answers an active negotiation. status is the status declared in
// the reply and must be NEGOTIATING, AGREED or REJECTED; the record itself
// moves to NEGOTIATING until the counterpart sends its final ack. On a
// concluded record nothing is sent and a CONCLUDED error is returned along
// with the result.
func (e *Engine[R]) SendReply(ctx context.Context, txID string, status Status, route *R, text string) (Result, error) {
	if err := e.checkOpen(); err != nil {
		return Result{}, err
	}
	switch status {
	case StatusNegotiating, StatusAgreed, StatusRejected:
	default:
		return Result{}, NewError(CodeInvalid, fmt.Sprintf("reply status %q is not allowed", status))
	}
	var stored *R
	if route != nil {
		if err := (*route).Validate(); err != nil {
			return Result{}, NewError(CodeInvalid, fmt.Sprintf("invalid route: %v", err))
		}
		cp := (*route).Clone()
		stored = &cp
	}

	var eff Effects[R]
	snap, state, err := e.registry.update(txID, "", false, e.now(), func(rec *Record[R], _ bool) (bool, error) {
		eff = applySendReply(rec, status, stored, text, e.now())
		return eff.Changed, nil
	})
	if err != nil {
		return Result{}, err
	}
	e.fanout.PublishUnhandled(state)

	if eff.Concluded {
		slog.Warn(fmt.Sprintf("%s - reply on concluded transaction %s (%s) kept for audit only", engineLogPrefix, txID, snap.Status))
		res := resultOf(snap)
		res.Concluded = true
		return res, NewError(CodeConcluded, fmt.Sprintf("transaction %s is %s", txID, snap.Status))
	}
	return e.finish(ctx, snap, eff), nil
}

// Renegotiate reopens an AGREED or REJECTED negotiation with a new route.
// Any committed voyage is retracted first; if that fails the record is left
// unchanged and RETRACT_FAILED is returned.
func (e *Engine[R]) Renegotiate(ctx context.Context, txID string, route R, text string) (Result, error) {
	if err := e.checkOpen(); err != nil {
		return Result{}, err
	}
	if err := route.Validate(); err != nil {
		return Result{}, NewError(CodeInvalid, fmt.Sprintf("invalid route: %v", err))
	}

	var eff Effects[R]
	snap, state, err := e.registry.update(txID, "", false, e.now(), func(rec *Record[R], _ bool) (bool, error) {
		if perr := checkRenegotiate(rec); perr != nil {
			return false, perr
		}
		if err := e.retract(ctx, txID); err != nil {
			return false, err
		}
		eff = applyRenegotiate(rec, route, text, e.now())
		return eff.Changed, nil
	})
	if err != nil {
		return Result{}, err
	}
	e.fanout.PublishUnhandled(state)
	slog.Info(fmt.Sprintf("%s - %s renegotiated (generation %d)", engineLogPrefix, txID, snap.Generation))

	return e.finish(ctx, snap, eff), nil
}

// retract runs under the record lock so no transition on the same
// transaction can interleave with it.
func (e *Engine[R]) retract(ctx context.Context, txID string) error {
	e.committer.Cancel(txID)

	rctx, cancel := context.WithTimeout(ctx, e.retractTimeout)
	defer cancel()
	if err := e.voyages.RetractVoyage(rctx, e.family, txID); err != nil {
		slog.Error(fmt.Sprintf("%s - retract voyage %s failed: %v", engineLogPrefix, txID, err))
		return &Error{
			Code:    CodeRetractFailed,
			Message: fmt.Sprintf("retract voyage %s: %v", txID, err),
		}
	}
	return nil
}

// HandleInboundProposal applies a proposal received from a counterparty,
// creating the record for an unknown transaction.
func (e *Engine[R]) HandleInboundProposal(ctx context.Context, msg Message[R]) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.checkInbound(&msg); err != nil {
		return err
	}
	if msg.Route == nil {
		return e.violation(msg, NewError(CodeInvalid, "proposal without route"))
	}
	if err := (*msg.Route).Validate(); err != nil {
		return e.violation(msg, NewError(CodeInvalid, fmt.Sprintf("invalid route: %v", err)))
	}
	route := (*msg.Route).Clone()
	msg.Route = &route

	snap, state, err := e.registry.update(msg.TransactionID, msg.CounterpartyID, true, e.now(), func(rec *Record[R], created bool) (bool, error) {
		if err := sameCounterparty(rec, msg); err != nil {
			return false, err
		}
		wasTerminal := rec.Status.Terminal()
		eff := applyReceiveProposal(rec, msg, created, e.now())
		if wasTerminal {
			slog.Info(fmt.Sprintf("%s - %s reopened by %s (generation %d)", engineLogPrefix, rec.TransactionID, rec.CounterpartyID, rec.Generation))
		}
		return eff.Changed, nil
	})
	if err != nil {
		return e.violation(msg, err)
	}
	e.fanout.PublishUnhandled(state)
	slog.Debug(fmt.Sprintf("%s - proposal %d on %s from %s", engineLogPrefix, len(snap.Proposals), msg.TransactionID, msg.CounterpartyID))
	return nil
}

// HandleInboundReply applies a reply from a counterparty. Replies declaring
// a terminal status conclude the negotiation like a final ack.
func (e *Engine[R]) HandleInboundReply(ctx context.Context, msg Message[R]) error {
	if msg.Status.Terminal() {
		ack := msg
		ack.Kind = KindFinalAck
		ack.Agreed = msg.Status == StatusAgreed
		return e.HandleInboundFinalAck(ctx, ack)
	}
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.checkInbound(&msg); err != nil {
		return err
	}
	if msg.Route != nil {
		if err := (*msg.Route).Validate(); err != nil {
			return e.violation(msg, NewError(CodeInvalid, fmt.Sprintf("invalid route: %v", err)))
		}
		route := (*msg.Route).Clone()
		msg.Route = &route
	}

	var eff Effects[R]
	_, state, err := e.registry.update(msg.TransactionID, "", false, e.now(), func(rec *Record[R], _ bool) (bool, error) {
		if err := sameCounterparty(rec, msg); err != nil {
			return false, err
		}
		eff = applyReceiveReply(rec, msg, e.now())
		return eff.Changed, nil
	})
	if err != nil {
		return e.violation(msg, err)
	}
	if eff.Concluded {
		slog.Info(fmt.Sprintf("%s - late reply on concluded %s ignored", engineLogPrefix, msg.TransactionID))
		return nil
	}
	e.fanout.PublishUnhandled(state)
	return nil
}

// HandleInboundFinalAck concludes a negotiation. Duplicate acks are no-ops;
// an agreement triggers exactly one commit.
func (e *Engine[R]) HandleInboundFinalAck(ctx context.Context, msg Message[R]) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.checkInbound(&msg); err != nil {
		return err
	}

	var eff Effects[R]
	snap, state, err := e.registry.update(msg.TransactionID, "", false, e.now(), func(rec *Record[R], _ bool) (bool, error) {
		if err := sameCounterparty(rec, msg); err != nil {
			return false, err
		}
		eff = applyFinalAck(rec, msg.Agreed, msg.Reason, msg.Text, e.now())
		if eff.Commit {
			// registered before the lock is released so a renegotiation
			// always finds the job to cancel before it retracts
			e.committer.Commit(rec.snapshot())
		}
		return eff.Changed, nil
	})
	if err != nil {
		return e.violation(msg, err)
	}
	if eff.Concluded {
		slog.Info(fmt.Sprintf("%s - duplicate final ack on %s ignored (%s)", engineLogPrefix, msg.TransactionID, snap.Status))
		return nil
	}
	e.fanout.PublishUnhandled(state)
	slog.Info(fmt.Sprintf("%s - %s concluded %s", engineLogPrefix, msg.TransactionID, snap.Status))
	return nil
}

func (e *Engine[R]) checkInbound(msg *Message[R]) error {
	if msg.TransactionID == "" || msg.CounterpartyID == "" {
		return e.violation(*msg, NewError(CodeInvalid, "transactionId and counterpartyId are required"))
	}
	msg.CounterpartyID = e.canonical(msg.CounterpartyID)
	return nil
}

func sameCounterparty[R any](rec *Record[R], msg Message[R]) error {
	if rec.CounterpartyID != msg.CounterpartyID {
		return NewError(CodeNotPermitted, fmt.Sprintf("transaction %s belongs to %s, not %s", rec.TransactionID, rec.CounterpartyID, msg.CounterpartyID))
	}
	return nil
}

// violation logs an inbound message that could not be applied. It never
// affects other transactions.
func (e *Engine[R]) violation(msg Message[R], err error) error {
	slog.Warn(fmt.Sprintf("%s - dropped inbound %s for %s from %s: %v", engineLogPrefix, msg.Kind, msg.TransactionID, msg.CounterpartyID, err))
	return err
}

// finish executes the send intents of a transition and records their
// outcome on the record.
func (e *Engine[R]) finish(ctx context.Context, snap Snapshot[R], eff Effects[R]) Result {
	res := resultOf(snap)
	for _, msg := range eff.Sends {
		outcome, note := e.sender.Send(ctx, msg)
		res.Delivery, res.DeliveryNote = outcome, note
		if outcome != DeliverySent {
			slog.Warn(fmt.Sprintf("%s - %s for %s not delivered: %s", engineLogPrefix, msg.Kind, msg.TransactionID, note))
		}
		e.recordDelivery(snap, msg.Kind, outcome, note)
	}
	return res
}

func (e *Engine[R]) recordDelivery(snap Snapshot[R], kind MessageKind, outcome Delivery, note string) {
	seq := len(snap.Proposals)
	if kind == KindReply {
		seq = len(snap.Replies)
	}
	attempt := DeliveryAttempt{Kind: kind, Seq: seq, Outcome: outcome, Reason: note, At: e.now()}
	_, _, err := e.registry.update(snap.TransactionID, "", false, e.now(), func(rec *Record[R], _ bool) (bool, error) {
		rec.Deliveries = append(rec.Deliveries, attempt)
		return false, nil
	})
	if err != nil {
		slog.Debug(fmt.Sprintf("%s - delivery of %s not recorded: %v", engineLogPrefix, snap.TransactionID, err))
	}
}

func resultOf[R any](snap Snapshot[R]) Result {
	return Result{
		TransactionID: snap.TransactionID,
		Status:        snap.Status,
		Handled:       snap.Handled,
	}
}

// Negotiation returns a snapshot of one negotiation.
func (e *Engine[R]) Negotiation(txID string) (Snapshot[R], bool) {
	return e.registry.Get(txID)
}

// Negotiations returns snapshots of every negotiation, oldest first.
func (e *Engine[R]) Negotiations() []Snapshot[R] {
	return e.registry.All()
}

// UnhandledCount returns the number of negotiations awaiting local action.
func (e *Engine[R]) UnhandledCount() int {
	return e.registry.UnhandledCount()
}

// UnhandledTransactionIDs returns the sorted ids awaiting local action.
func (e *Engine[R]) UnhandledTransactionIDs() []string {
	return e.registry.UnhandledTransactionIDs()
}

// Unhandled returns the current unhandled state.
func (e *Engine[R]) Unhandled() UnhandledState {
	return e.registry.Unhandled()
}

// Subscribe registers a listener for unhandled changes and commit failures.
func (e *Engine[R]) Subscribe(l Listener) func() {
	return e.fanout.Subscribe(l)
}

// Remove deletes a concluded negotiation.
func (e *Engine[R]) Remove(txID string) error {
	state, err := e.registry.Remove(txID)
	if err != nil {
		return err
	}
	e.fanout.PublishUnhandled(state)
	return nil
}

// Purge deletes concluded negotiations not updated within olderThan and
// returns their ids.
func (e *Engine[R]) Purge(olderThan time.Duration) []string {
	removed, state := e.registry.Purge(e.now().Add(-olderThan))
	if len(removed) > 0 {
		e.fanout.PublishUnhandled(state)
		slog.Info(fmt.Sprintf("%s - purged %d %s negotiations", engineLogPrefix, len(removed), e.family))
	}
	return removed
}

// PendingCommits returns the number of commits still running.
func (e *Engine[R]) PendingCommits() int {
	return e.committer.Pending()
}

// Close rejects further operations, stops running commits and listeners.
func (e *Engine[R]) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.committer.Close()
	e.fanout.Close()
}
