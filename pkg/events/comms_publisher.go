package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/route-negotiator/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisher publishes negotiation events to COMMS subjects of the form
// negotiation.<family>.<event>.
type CommsPublisher struct {
	nc *comms.Conn
}

// NewCommsPublisher creates a new CommsPublisher.
func NewCommsPublisher(nc *comms.Conn) *CommsPublisher {
	return &CommsPublisher{nc: nc}
}

// PublishUnhandled publishes the current unhandled set of a family.
func (p *CommsPublisher) PublishUnhandled(_ context.Context, event *UnhandledEvent) error {
	return p.publish(commsutil.BuildEventSubject(event.Family, commsutil.EventUnhandled), event)
}

// PublishCommitFailed publishes a failed commit.
func (p *CommsPublisher) PublishCommitFailed(_ context.Context, event *CommitFailedEvent) error {
	return p.publish(commsutil.BuildEventSubject(event.Family, commsutil.EventCommitFailed), event)
}

func (p *CommsPublisher) publish(subject string, event interface{}) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, subject, err))
		return err
	}
	slog.Debug(fmt.Sprintf("%s - Published event on %s", commsPublisherLogPrefix, subject))
	return nil
}
