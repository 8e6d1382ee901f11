package events

import "context"

// EventPublisher is the interface for publishing negotiation events.
type EventPublisher interface {
	PublishUnhandled(ctx context.Context, event *UnhandledEvent) error
	PublishCommitFailed(ctx context.Context, event *CommitFailedEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (for in-process usage without events).
type NoOpPublisher struct{}

// PublishUnhandled is a no-op.
func (p *NoOpPublisher) PublishUnhandled(_ context.Context, _ *UnhandledEvent) error {
	return nil
}

// PublishCommitFailed is a no-op.
func (p *NoOpPublisher) PublishCommitFailed(_ context.Context, _ *CommitFailedEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls callback functions (for testing).
// Nil callbacks are skipped.
type CallbackPublisher struct {
	onUnhandled    func(ctx context.Context, event *UnhandledEvent) error
	onCommitFailed func(ctx context.Context, event *CommitFailedEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(
	onUnhandled func(ctx context.Context, event *UnhandledEvent) error,
	onCommitFailed func(ctx context.Context, event *CommitFailedEvent) error,
) *CallbackPublisher {
	return &CallbackPublisher{onUnhandled: onUnhandled, onCommitFailed: onCommitFailed}
}

// PublishUnhandled calls the unhandled callback.
func (p *CallbackPublisher) PublishUnhandled(ctx context.Context, event *UnhandledEvent) error {
	if p.onUnhandled == nil {
		return nil
	}
	return p.onUnhandled(ctx, event)
}

// PublishCommitFailed calls the commit failure callback.
func (p *CallbackPublisher) PublishCommitFailed(ctx context.Context, event *CommitFailedEvent) error {
	if p.onCommitFailed == nil {
		return nil
	}
	return p.onCommitFailed(ctx, event)
}
