package negotiation

import (
	"fmt"
	"time"
)

// Effects are the side-effect intents produced by a transition. The engine
// executes them after the record lock is released.
type Effects[R any] struct {
	Sends     []Message[R]
	Commit    bool
	Concluded bool
	Changed   bool
}

// applyInitiate opens a locally proposed negotiation on a fresh record.
func applyInitiate[R Payload[R]](rec *Record[R], route R, text string, now time.Time) Effects[R] {
	normalized := route.Normalize()
	rec.Origin = OriginLocal
	rec.Status = StatusPending
	rec.Handled = true
	rec.Completed = false
	appendProposal(rec, Outbound, normalized, text, now)
	return Effects[R]{
		Changed: true,
		Sends:   []Message[R]{proposalMessage(rec, normalized, text)},
	}
}

// applyReceiveProposal appends an inbound proposal. A proposal on a
// concluded record reopens it as PENDING in a new generation and always
// marks it unhandled. Completed is left alone: it is cleared only once the
// local side engages again.
func applyReceiveProposal[R any](rec *Record[R], msg Message[R], created bool, now time.Time) Effects[R] {
	switch {
	case created:
		rec.Origin = OriginRemote
		rec.Status = StatusPending
		if msg.Status.Valid() && !msg.Status.Terminal() {
			rec.Status = msg.Status
		}
	case rec.Status.Terminal():
		rec.Generation++
		rec.Status = StatusPending
	}
	rec.Handled = false
	appendProposal(rec, Inbound, *msg.Route, msg.Text, now)
	return Effects[R]{Changed: true}
}

// applyReceiveReply appends a non-final counter reply from the counterpart.
// Replies arriving after the negotiation ended are ignored.
func applyReceiveReply[R any](rec *Record[R], msg Message[R], now time.Time) Effects[R] {
	if rec.Status.Terminal() {
		return Effects[R]{Concluded: true}
	}
	rec.Status = StatusNegotiating
	rec.Handled = false
	appendReply(rec, ReplyEntry[R]{
		Direction: Inbound,
		Status:    msg.Status,
		Route:     msg.Route,
		Text:      msg.Text,
	}, now)
	return Effects[R]{Changed: true}
}

// applySendReply appends a local reply. On a concluded record the reply is
// only kept for audit and the caller is told the negotiation is over.
func applySendReply[R any](rec *Record[R], status Status, route *R, text string, now time.Time) Effects[R] {
	if rec.Status.Terminal() {
		appendReply(rec, ReplyEntry[R]{
			Direction: Outbound,
			Status:    status,
			Route:     route,
			Text:      text,
			Concluded: true,
		}, now)
		return Effects[R]{Concluded: true, Changed: true}
	}
	rec.Status = StatusNegotiating
	rec.Handled = true
	// a reopened record commits again once agreed
	rec.Completed = false
	appendReply(rec, ReplyEntry[R]{
		Direction: Outbound,
		Status:    status,
		Route:     route,
		Text:      text,
	}, now)
	return Effects[R]{
		Changed: true,
		Sends: []Message[R]{{
			Kind:           KindReply,
			TransactionID:  rec.TransactionID,
			CounterpartyID: rec.CounterpartyID,
			Status:         status,
			Route:          route,
			Text:           text,
		}},
	}
}

// checkRenegotiate enforces the renegotiation precondition: only an AGREED
// or REJECTED negotiation may be reopened by the local side. A CANCELED one
// was withdrawn by the counterpart before any exchange and is final.
func checkRenegotiate[R any](rec *Record[R]) *Error {
	switch rec.Status {
	case StatusAgreed, StatusRejected:
		return nil
	case StatusCanceled:
		return NewError(CodeNotPermitted, fmt.Sprintf("transaction %s was canceled by the counterpart", rec.TransactionID))
	default:
		return NewError(CodeNotPermitted, fmt.Sprintf("transaction %s is still %s", rec.TransactionID, rec.Status))
	}
}

// applyRenegotiate reopens a concluded record with a fresh proposal. The
// caller must have retracted any committed voyage first.
func applyRenegotiate[R Payload[R]](rec *Record[R], route R, text string, now time.Time) Effects[R] {
	normalized := route.Normalize()
	rec.Generation++
	rec.Status = StatusNegotiating
	rec.Handled = true
	rec.Completed = false
	appendProposal(rec, Outbound, normalized, text, now)
	return Effects[R]{
		Changed: true,
		Sends:   []Message[R]{proposalMessage(rec, normalized, text)},
	}
}

// applyFinalAck concludes an active negotiation. Acks on a concluded record
// are no-ops so duplicates never commit twice.
func applyFinalAck[R any](rec *Record[R], agreed bool, reason, text string, now time.Time) Effects[R] {
	if rec.Status.Terminal() {
		return Effects[R]{Concluded: true}
	}
	var eff Effects[R]
	switch {
	case agreed:
		rec.Status = StatusAgreed
		eff.Commit = !rec.Completed
	case rec.HasOutbound():
		rec.Status = StatusRejected
	default:
		rec.Status = StatusCanceled
	}
	rec.Completed = true
	rec.Handled = true
	appendReply(rec, ReplyEntry[R]{
		Direction: Inbound,
		Status:    rec.Status,
		Text:      text,
		Reason:    reason,
	}, now)
	eff.Changed = true
	return eff
}

func appendProposal[R any](rec *Record[R], dir Direction, route R, text string, now time.Time) {
	rec.Proposals = append(rec.Proposals, ProposalEntry[R]{
		Seq:        len(rec.Proposals) + 1,
		Generation: rec.Generation,
		Direction:  dir,
		Route:      route,
		Text:       text,
		At:         now,
	})
	rec.UpdatedAt = now
}

func appendReply[R any](rec *Record[R], e ReplyEntry[R], now time.Time) {
	e.Seq = len(rec.Replies) + 1
	e.Generation = rec.Generation
	e.At = now
	rec.Replies = append(rec.Replies, e)
	rec.UpdatedAt = now
}

func proposalMessage[R any](rec *Record[R], route R, text string) Message[R] {
	return Message[R]{
		Kind:           KindProposal,
		TransactionID:  rec.TransactionID,
		CounterpartyID: rec.CounterpartyID,
		Status:         rec.Status,
		Route:          &route,
		Text:           text,
	}
}
