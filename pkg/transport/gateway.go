// Package transport is the COMMS gateway: fire-and-forget publishing to a
// counterparty subject, presence-based discovery and inbound subscriptions.
// It never retries and gives no ordering guarantees.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/route-negotiator/pkg/commsutil"
	"github.com/morezero/route-negotiator/pkg/endpoint"
)

const logPrefix = "transport:gateway"

// ErrNotConnected is returned when the COMMS connection is down.
var ErrNotConnected = errors.New("comms not connected")

// PresenceQuery is published on the presence subject to ask counterparties to
// announce themselves.
type PresenceQuery struct {
	From     string `json:"from"`
	Protocol string `json:"protocol"`
}

// Announcement is a counterparty's answer to a presence query.
type Announcement struct {
	CounterpartyID string            `json:"counterpartyId"`
	Protocol       string            `json:"protocol"`
	Subjects       map[string]string `json:"subjects"`
}

// Options configures a Gateway.
type Options struct {
	SelfID          string
	Protocol        string
	PresenceSubject string
	DiscoveryWindow time.Duration
	HandlerTimeout  time.Duration
}

// Gateway wraps a COMMS connection.
type Gateway struct {
	nc   *comms.Conn
	opts Options
	now  func() time.Time
}

// NewGateway creates a gateway. Zero options fall back to defaults.
func NewGateway(nc *comms.Conn, opts Options) *Gateway {
	if opts.PresenceSubject == "" {
		opts.PresenceSubject = commsutil.SubjectPresence
	}
	if opts.DiscoveryWindow <= 0 {
		opts.DiscoveryWindow = 2 * time.Second
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 30 * time.Second
	}
	return &Gateway{nc: nc, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

// Connected reports whether the connection is up.
func (g *Gateway) Connected() bool {
	return g.nc != nil && g.nc.IsConnected()
}

// Publish sends data to subject. A nil error means COMMS accepted the
// message, not that the counterparty received it.
func (g *Gateway) Publish(subject string, data []byte) error {
	if !g.Connected() {
		return ErrNotConnected
	}
	if err := g.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("%s - publish to %s: %w", logPrefix, subject, err)
	}
	return nil
}

// Discover queries the presence subject and collects announcements until the
// discovery window closes or ctx is done. Our own announcement is skipped.
func (g *Gateway) Discover(ctx context.Context) ([]endpoint.Endpoint, error) {
	if !g.Connected() {
		return nil, ErrNotConnected
	}
	query, err := commsutil.EncodePayload(PresenceQuery{From: g.opts.SelfID, Protocol: g.opts.Protocol})
	if err != nil {
		return nil, fmt.Errorf("%s - encode presence query: %w", logPrefix, err)
	}

	inbox := comms.NewInbox()
	sub, err := g.nc.SubscribeSync(inbox)
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe %s: %w", logPrefix, inbox, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := g.nc.PublishRequest(g.opts.PresenceSubject, inbox, query); err != nil {
		return nil, fmt.Errorf("%s - publish presence query: %w", logPrefix, err)
	}

	wctx, cancel := context.WithTimeout(ctx, g.opts.DiscoveryWindow)
	defer cancel()

	var found []endpoint.Endpoint
	for {
		msg, err := sub.NextMsgWithContext(wctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			break
		}
		var a Announcement
		if err := commsutil.DecodePayload(msg.Data, &a); err != nil {
			slog.Warn(fmt.Sprintf("%s - malformed announcement: %v", logPrefix, err))
			continue
		}
		if a.CounterpartyID == "" || a.CounterpartyID == g.opts.SelfID {
			continue
		}
		found = append(found, endpoint.Endpoint{
			CounterpartyID: a.CounterpartyID,
			Protocol:       a.Protocol,
			Subjects:       a.Subjects,
			LastSeen:       g.now(),
		})
	}
	slog.Debug(fmt.Sprintf("%s - discovery on %s found %d counterparties", logPrefix, g.opts.PresenceSubject, len(found)))
	return found, nil
}

// ServePresence answers presence queries with a.
func (g *Gateway) ServePresence(a Announcement) (*comms.Subscription, error) {
	data, err := commsutil.EncodePayload(a)
	if err != nil {
		return nil, fmt.Errorf("%s - encode announcement: %w", logPrefix, err)
	}
	sub, err := g.nc.Subscribe(g.opts.PresenceSubject, func(msg *comms.Msg) {
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Warn(fmt.Sprintf("%s - presence reply failed: %v", logPrefix, err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe %s: %w", logPrefix, g.opts.PresenceSubject, err)
	}
	slog.Info(fmt.Sprintf("%s - Announcing %s on %s", logPrefix, a.CounterpartyID, g.opts.PresenceSubject))
	return sub, nil
}

// Subscribe delivers every message on subject to handler. With a non-empty
// queue, instances sharing the queue split the messages.
func (g *Gateway) Subscribe(subject, queue string, handler func(ctx context.Context, data []byte)) (*comms.Subscription, error) {
	cb := func(msg *comms.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.HandlerTimeout)
		defer cancel()
		handler(ctx, msg.Data)
	}
	var (
		sub *comms.Subscription
		err error
	)
	if queue != "" {
		sub, err = g.nc.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = g.nc.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe %s: %w", logPrefix, subject, err)
	}
	slog.Info(fmt.Sprintf("%s - Listening on %s", logPrefix, subject))
	return sub, nil
}

// Flush waits until the server has processed everything published so far.
// ctx must carry a deadline.
func (g *Gateway) Flush(ctx context.Context) error {
	return g.nc.FlushWithContext(ctx)
}
