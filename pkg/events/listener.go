package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/route-negotiator/pkg/negotiation"
)

const listenerLogPrefix = "events:listener"

// Listener forwards engine notifications to an EventPublisher. Publish
// errors are logged; the engine never sees them.
type Listener struct {
	publisher EventPublisher
	timeout   time.Duration
	now       func() time.Time
}

// NewListener creates a Listener. A zero timeout defaults to five seconds.
func NewListener(publisher EventPublisher, timeout time.Duration) *Listener {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Listener{
		publisher: publisher,
		timeout:   timeout,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

var _ negotiation.Listener = (*Listener)(nil)

// UnhandledChanged implements negotiation.Listener.
func (l *Listener) UnhandledChanged(s negotiation.UnhandledState) {
	ids := s.TransactionIDs
	if ids == nil {
		ids = []string{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	err := l.publisher.PublishUnhandled(ctx, &UnhandledEvent{
		Family:         s.Family,
		Count:          s.Count,
		TransactionIDs: ids,
		Version:        s.Version,
		Timestamp:      l.now().Format(time.RFC3339),
	})
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - unhandled event for %s not published: %v", listenerLogPrefix, s.Family, err))
	}
}

// CommitFailed implements negotiation.Listener.
func (l *Listener) CommitFailed(f negotiation.CommitFailure) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	at := f.At
	if at.IsZero() {
		at = l.now()
	}
	err := l.publisher.PublishCommitFailed(ctx, &CommitFailedEvent{
		Family:         f.Family,
		TransactionID:  f.TransactionID,
		CounterpartyID: f.CounterpartyID,
		Generation:     f.Generation,
		Attempts:       f.Attempts,
		Error:          f.Error,
		Timestamp:      at.Format(time.RFC3339),
	})
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - commit failure for %s not published: %v", listenerLogPrefix, f.TransactionID, err))
	}
}
