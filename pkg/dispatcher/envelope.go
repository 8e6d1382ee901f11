// Package dispatcher turns negotiation messages into COMMS publishes and is
// the single ingress for messages arriving from counterparties.
package dispatcher

import (
	"fmt"
	"time"

	"github.com/morezero/route-negotiator/pkg/negotiation"
)

// Envelope is the wire form of a negotiation message. Exactly one of
// Proposal, Reply and FinalAck is set, matching Kind.
type Envelope[R any] struct {
	Kind          negotiation.MessageKind `json:"kind"`
	Family        string                  `json:"family"`
	Protocol      string                  `json:"protocol"`
	TransactionID string                  `json:"transactionId"`
	From          string                  `json:"from"`
	To            string                  `json:"to,omitempty"`
	SentAt        time.Time               `json:"sentAt"`
	Proposal      *ProposalBody[R]        `json:"proposal,omitempty"`
	Reply         *ReplyBody[R]           `json:"reply,omitempty"`
	FinalAck      *FinalAckBody           `json:"finalAck,omitempty"`
}

// ProposalBody carries a proposed route.
type ProposalBody[R any] struct {
	Status negotiation.Status `json:"status,omitempty"`
	Route  R                  `json:"route"`
	Text   string             `json:"text,omitempty"`
}

// ReplyBody carries a reply with an optional counter route.
type ReplyBody[R any] struct {
	Status negotiation.Status `json:"status"`
	Route  *R                 `json:"route,omitempty"`
	Text   string             `json:"text,omitempty"`
}

// FinalAckBody concludes a negotiation.
type FinalAckBody struct {
	Agreed bool   `json:"agreed"`
	Reason string `json:"reason,omitempty"`
	Text   string `json:"text,omitempty"`
}

// Validate checks the envelope header and that the body matches Kind.
func (e *Envelope[R]) Validate() error {
	if e.TransactionID == "" {
		return fmt.Errorf("transactionId is required")
	}
	if e.From == "" {
		return fmt.Errorf("from is required")
	}
	bodies := 0
	if e.Proposal != nil {
		bodies++
	}
	if e.Reply != nil {
		bodies++
	}
	if e.FinalAck != nil {
		bodies++
	}
	if bodies != 1 {
		return fmt.Errorf("expected exactly one body, got %d", bodies)
	}

	switch e.Kind {
	case negotiation.KindProposal:
		if e.Proposal == nil {
			return fmt.Errorf("proposal body missing")
		}
	case negotiation.KindReply:
		if e.Reply == nil {
			return fmt.Errorf("reply body missing")
		}
		if !e.Reply.Status.Valid() {
			return fmt.Errorf("unknown reply status %q", e.Reply.Status)
		}
	case negotiation.KindFinalAck:
		if e.FinalAck == nil {
			return fmt.Errorf("finalAck body missing")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}

// Message converts the envelope to the engine's message form. The sender
// becomes the counterparty.
func (e *Envelope[R]) Message() negotiation.Message[R] {
	msg := negotiation.Message[R]{
		Kind:           e.Kind,
		TransactionID:  e.TransactionID,
		CounterpartyID: e.From,
	}
	switch e.Kind {
	case negotiation.KindProposal:
		route := e.Proposal.Route
		msg.Status = e.Proposal.Status
		msg.Route = &route
		msg.Text = e.Proposal.Text
	case negotiation.KindReply:
		msg.Status = e.Reply.Status
		msg.Route = e.Reply.Route
		msg.Text = e.Reply.Text
	case negotiation.KindFinalAck:
		msg.Agreed = e.FinalAck.Agreed
		msg.Reason = e.FinalAck.Reason
		msg.Text = e.FinalAck.Text
	}
	return msg
}

// NewEnvelope wraps an outbound message.
func NewEnvelope[R any](family, protocol, from string, at time.Time, msg negotiation.Message[R]) (*Envelope[R], error) {
	env := &Envelope[R]{
		Kind:          msg.Kind,
		Family:        family,
		Protocol:      protocol,
		TransactionID: msg.TransactionID,
		From:          from,
		To:            msg.CounterpartyID,
		SentAt:        at,
	}
	switch msg.Kind {
	case negotiation.KindProposal:
		if msg.Route == nil {
			return nil, fmt.Errorf("proposal %s without route", msg.TransactionID)
		}
		env.Proposal = &ProposalBody[R]{Status: msg.Status, Route: *msg.Route, Text: msg.Text}
	case negotiation.KindReply:
		env.Reply = &ReplyBody[R]{Status: msg.Status, Route: msg.Route, Text: msg.Text}
	case negotiation.KindFinalAck:
		env.FinalAck = &FinalAckBody{Agreed: msg.Agreed, Reason: msg.Reason, Text: msg.Text}
	default:
		return nil, fmt.Errorf("unknown kind %q", msg.Kind)
	}
	return env, nil
}
