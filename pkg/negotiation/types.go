// Package negotiation implements the route negotiation engine: the record
// registry, the state machine, the outcome committer and observer fan-out.
// The engine is generic over the route payload so that every message family
// runs the same state machine.
package negotiation

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the negotiation status of a record.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusNegotiating Status = "NEGOTIATING"
	StatusAgreed      Status = "AGREED"
	StatusRejected    Status = "REJECTED"
	StatusCanceled    Status = "CANCELED"
)

// Terminal reports whether the status ends a negotiation round.
func (s Status) Terminal() bool {
	return s == StatusAgreed || s == StatusRejected || s == StatusCanceled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusNegotiating, StatusAgreed, StatusRejected, StatusCanceled:
		return true
	}
	return false
}

// Direction tells whether a history entry was sent or received.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Origin tells which side opened the negotiation.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Payload is the constraint every route payload type satisfies.
type Payload[R any] interface {
	Validate() error
	Normalize() R
	Clone() R
}

type cloner[R any] interface {
	Clone() R
}

func cloneRoute[R any](r R) R {
	if c, ok := any(r).(cloner[R]); ok {
		return c.Clone()
	}
	return r
}

// ProposalEntry is one proposal in a record's history.
type ProposalEntry[R any] struct {
	Seq        int       `json:"seq"`
	Generation int       `json:"generation"`
	Direction  Direction `json:"direction"`
	Route      R         `json:"route"`
	Text       string    `json:"text,omitempty"`
	At         time.Time `json:"at"`
}

// ReplyEntry is one reply in a record's history. Concluded marks a reply
// that was attempted after the negotiation had already ended; it is kept for
// audit and was never sent.
type ReplyEntry[R any] struct {
	Seq        int       `json:"seq"`
	Generation int       `json:"generation"`
	Direction  Direction `json:"direction"`
	Status     Status    `json:"status"`
	Route      *R        `json:"route,omitempty"`
	Text       string    `json:"text,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Concluded  bool      `json:"concluded,omitempty"`
	At         time.Time `json:"at"`
}

// Delivery is the soft outcome of handing a message to the transport.
type Delivery string

const (
	DeliveryNone         Delivery = ""
	DeliverySent         Delivery = "sent"
	DeliveryNotDelivered Delivery = "not_delivered"
)

// DeliveryAttempt records the transport outcome for an outbound message.
type DeliveryAttempt struct {
	Kind    MessageKind `json:"kind"`
	Seq     int         `json:"seq"`
	Outcome Delivery    `json:"outcome"`
	Reason  string      `json:"reason,omitempty"`
	At      time.Time   `json:"at"`
}

// Record is the full state of one negotiation.
type Record[R any] struct {
	TransactionID  string             `json:"transactionId"`
	CounterpartyID string             `json:"counterpartyId"`
	Family         string             `json:"family"`
	Origin         Origin             `json:"origin"`
	Status         Status             `json:"status"`
	Handled        bool               `json:"handled"`
	Completed      bool               `json:"completed"`
	Generation     int                `json:"generation"`
	Proposals      []ProposalEntry[R] `json:"proposals"`
	Replies        []ReplyEntry[R]    `json:"replies"`
	Deliveries     []DeliveryAttempt  `json:"deliveries,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// Snapshot is a detached copy of a record, safe to hand to callers.
type Snapshot[R any] Record[R]

// LatestAcceptedRoute returns the route of the most recent reply carrying
// one in the current generation, otherwise the most recent proposal of the
// current generation. Earlier generations are consulted only when the
// current one has no entries.
func (s Snapshot[R]) LatestAcceptedRoute() (R, bool) {
	if r, ok := latestRoute(s.Replies, s.Proposals, func(g int) bool { return g == s.Generation }); ok {
		return r, true
	}
	return latestRoute(s.Replies, s.Proposals, func(int) bool { return true })
}

func latestRoute[R any](replies []ReplyEntry[R], proposals []ProposalEntry[R], keep func(int) bool) (R, bool) {
	for i := len(replies) - 1; i >= 0; i-- {
		e := replies[i]
		if e.Route != nil && !e.Concluded && keep(e.Generation) {
			return *e.Route, true
		}
	}
	for i := len(proposals) - 1; i >= 0; i-- {
		if keep(proposals[i].Generation) {
			return proposals[i].Route, true
		}
	}
	var zero R
	return zero, false
}

// HasOutbound reports whether the local side ever sent a proposal or a
// reply on this transaction. Audit-only replies on a concluded record do not
// count.
func (r *Record[R]) HasOutbound() bool {
	for _, p := range r.Proposals {
		if p.Direction == Outbound {
			return true
		}
	}
	for _, e := range r.Replies {
		if e.Direction == Outbound && !e.Concluded {
			return true
		}
	}
	return false
}

func (r *Record[R]) clone() *Record[R] {
	cp := *r
	cp.Proposals = make([]ProposalEntry[R], len(r.Proposals))
	for i, p := range r.Proposals {
		p.Route = cloneRoute(p.Route)
		cp.Proposals[i] = p
	}
	cp.Replies = make([]ReplyEntry[R], len(r.Replies))
	for i, e := range r.Replies {
		if e.Route != nil {
			rt := cloneRoute(*e.Route)
			e.Route = &rt
		}
		cp.Replies[i] = e
	}
	cp.Deliveries = append([]DeliveryAttempt(nil), r.Deliveries...)
	return &cp
}

func (r *Record[R]) snapshot() Snapshot[R] {
	return Snapshot[R](*r.clone())
}

// MessageKind is the closed set of messages exchanged with a counterparty.
type MessageKind string

const (
	KindProposal MessageKind = "proposal"
	KindReply    MessageKind = "reply"
	KindFinalAck MessageKind = "finalAck"
)

// Message is an outbound or inbound negotiation message. Route is set for
// proposals and optionally for replies; Agreed and Reason only apply to
// final acks.
type Message[R any] struct {
	Kind           MessageKind
	TransactionID  string
	CounterpartyID string
	Status         Status
	Route          *R
	Text           string
	Agreed         bool
	Reason         string
}

// Result is returned by locally initiated operations.
type Result struct {
	TransactionID string   `json:"transactionId"`
	Status        Status   `json:"status"`
	Handled       bool     `json:"handled"`
	Delivery      Delivery `json:"delivery,omitempty"`
	DeliveryNote  string   `json:"deliveryNote,omitempty"`
	Concluded     bool     `json:"concluded,omitempty"`
}

// Sender hands an outbound message to the transport. It never blocks on
// discovery and reports failures as a soft outcome.
type Sender[R any] interface {
	Send(ctx context.Context, msg Message[R]) (Delivery, string)
}

// CommitRequest is the committed-voyage value handed to the voyage registry.
type CommitRequest struct {
	Family         string          `json:"family"`
	CounterpartyID string          `json:"counterpartyId"`
	TransactionID  string          `json:"transactionId"`
	Generation     int             `json:"generation"`
	Route          json.RawMessage `json:"route"`
}

// VoyageRegistry is the external store of committed voyages.
type VoyageRegistry interface {
	CommitVoyage(ctx context.Context, req CommitRequest) error
	RetractVoyage(ctx context.Context, family, transactionID string) error
}
