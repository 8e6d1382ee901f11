package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/morezero/route-negotiator/pkg/commsutil"
	"github.com/morezero/route-negotiator/pkg/endpoint"
	"github.com/morezero/route-negotiator/pkg/negotiation"
	"github.com/morezero/route-negotiator/pkg/semver"
)

const logPrefix = "dispatcher:dispatch"

// Delivery notes.
const (
	NoteUnknownCounterparty = "unknown counterparty"
	NoteNoFamilyEndpoint    = "counterparty has no endpoint for this family"
)

// ErrDropped wraps every reason an inbound message was not handed to the
// engine.
var ErrDropped = errors.New("inbound message dropped")

// Locator finds the endpoint of a counterparty without blocking.
type Locator interface {
	Locate(counterpartyID string) (endpoint.Endpoint, bool)
}

// Publisher hands bytes to the transport.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// InboundHandler is the engine side of the ingress.
type InboundHandler[R any] interface {
	HandleInboundProposal(ctx context.Context, msg negotiation.Message[R]) error
	HandleInboundReply(ctx context.Context, msg negotiation.Message[R]) error
	HandleInboundFinalAck(ctx context.Context, msg negotiation.Message[R]) error
}

// Options configures a Dispatcher.
type Options struct {
	Family   string
	ShoreID  string
	Protocol string
	// Policy filters inbound envelopes by protocol version. Nil accepts all.
	Policy *semver.Policy
}

// Stats counts dispatcher traffic.
type Stats struct {
	Sent         int64 `json:"sent"`
	NotDelivered int64 `json:"notDelivered"`
	Received     int64 `json:"received"`
	Dropped      int64 `json:"dropped"`
}

type handlerBox[R any] struct {
	h InboundHandler[R]
}

// Dispatcher is the outbound and inbound edge for one message family.
type Dispatcher[R any] struct {
	opts      Options
	locator   Locator
	publisher Publisher
	handler   atomic.Pointer[handlerBox[R]]
	now       func() time.Time

	sent, notDelivered, received, dropped atomic.Int64
}

// NewDispatcher creates a dispatcher. Bind must be called before inbound
// messages can be handled.
func NewDispatcher[R any](locator Locator, publisher Publisher, opts Options) *Dispatcher[R] {
	return &Dispatcher[R]{
		opts:      opts,
		locator:   locator,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Bind sets the engine that receives inbound messages.
func (d *Dispatcher[R]) Bind(h InboundHandler[R]) {
	d.handler.Store(&handlerBox[R]{h: h})
}

// Family returns the family served.
func (d *Dispatcher[R]) Family() string { return d.opts.Family }

// Send publishes msg to its counterparty. It only consults the endpoint
// cache; a missing endpoint or a transport error is a soft failure and is
// never retried here.
func (d *Dispatcher[R]) Send(_ context.Context, msg negotiation.Message[R]) (negotiation.Delivery, string) {
	ep, ok := d.locator.Locate(msg.CounterpartyID)
	if !ok {
		return d.notDelivered(msg, NoteUnknownCounterparty)
	}
	subject, ok := ep.SubjectFor(d.opts.Family)
	if !ok {
		return d.notDelivered(msg, NoteNoFamilyEndpoint)
	}

	env, err := NewEnvelope(d.opts.Family, d.opts.Protocol, d.opts.ShoreID, d.now(), msg)
	if err != nil {
		return d.notDelivered(msg, err.Error())
	}
	data, err := commsutil.EncodePayload(env)
	if err != nil {
		return d.notDelivered(msg, fmt.Sprintf("encode: %v", err))
	}
	if err := d.publisher.Publish(subject, data); err != nil {
		return d.notDelivered(msg, err.Error())
	}

	d.sent.Add(1)
	slog.Debug(fmt.Sprintf("%s - sent %s for %s to %s on %s", logPrefix, msg.Kind, msg.TransactionID, msg.CounterpartyID, subject))
	return negotiation.DeliverySent, ""
}

func (d *Dispatcher[R]) notDelivered(msg negotiation.Message[R], note string) (negotiation.Delivery, string) {
	d.notDelivered.Add(1)
	slog.Warn(fmt.Sprintf("%s - %s for %s to %s not delivered: %s", logPrefix, msg.Kind, msg.TransactionID, msg.CounterpartyID, note))
	return negotiation.DeliveryNotDelivered, note
}

// HandleInbound decodes one raw message and feeds it to the engine. This is
// the only path by which counterparties affect negotiation state.
func (d *Dispatcher[R]) HandleInbound(ctx context.Context, data []byte) error {
	d.received.Add(1)

	var env Envelope[R]
	if err := commsutil.DecodePayload(data, &env); err != nil {
		return d.drop("malformed envelope: %v", err)
	}
	if env.Family != d.opts.Family {
		return d.drop("family %q on %s endpoint", env.Family, d.opts.Family)
	}
	if !d.opts.Policy.Accepts(env.Protocol) {
		return d.drop("protocol %q from %s does not satisfy %s", env.Protocol, env.From, d.opts.Policy)
	}
	if err := env.Validate(); err != nil {
		return d.drop("invalid %s from %s: %v", env.Kind, env.From, err)
	}
	box := d.handler.Load()
	if box == nil {
		return d.drop("no engine bound for %s", d.opts.Family)
	}

	msg := env.Message()
	switch env.Kind {
	case negotiation.KindProposal:
		return box.h.HandleInboundProposal(ctx, msg)
	case negotiation.KindReply:
		return box.h.HandleInboundReply(ctx, msg)
	case negotiation.KindFinalAck:
		return box.h.HandleInboundFinalAck(ctx, msg)
	default:
		return d.drop("unknown kind %q", env.Kind)
	}
}

func (d *Dispatcher[R]) drop(format string, args ...interface{}) error {
	d.dropped.Add(1)
	err := fmt.Errorf("%w: %s", ErrDropped, fmt.Sprintf(format, args...))
	slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
	return err
}

// Stats returns traffic counters.
func (d *Dispatcher[R]) Stats() Stats {
	return Stats{
		Sent:         d.sent.Load(),
		NotDelivered: d.notDelivered.Load(),
		Received:     d.received.Load(),
		Dropped:      d.dropped.Load(),
	}
}
