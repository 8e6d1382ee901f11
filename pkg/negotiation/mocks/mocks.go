// Package mocks provides testify mocks for the negotiation collaborators.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/morezero/route-negotiator/pkg/negotiation"
)

// MockVoyageRegistry is a mock implementation of negotiation.VoyageRegistry
type MockVoyageRegistry struct {
	mock.Mock
}

func (m *MockVoyageRegistry) CommitVoyage(ctx context.Context, req negotiation.CommitRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockVoyageRegistry) RetractVoyage(ctx context.Context, family, transactionID string) error {
	args := m.Called(ctx, family, transactionID)
	return args.Error(0)
}

// MockSender is a mock implementation of negotiation.Sender
type MockSender[R any] struct {
	mock.Mock
}

func (m *MockSender[R]) Send(ctx context.Context, msg negotiation.Message[R]) (negotiation.Delivery, string) {
	args := m.Called(ctx, msg)
	return args.Get(0).(negotiation.Delivery), args.String(1)
}

// MockInboundHandler records inbound messages handed over by a dispatcher.
type MockInboundHandler[R any] struct {
	mock.Mock
}

func (m *MockInboundHandler[R]) HandleInboundProposal(ctx context.Context, msg negotiation.Message[R]) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockInboundHandler[R]) HandleInboundReply(ctx context.Context, msg negotiation.Message[R]) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockInboundHandler[R]) HandleInboundFinalAck(ctx context.Context, msg negotiation.Message[R]) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
