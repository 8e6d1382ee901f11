package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	comms "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/mock"

	"github.com/morezero/route-negotiator/internal/commstest"
	"github.com/morezero/route-negotiator/pkg/negotiation"
	"github.com/morezero/route-negotiator/pkg/negotiation/mocks"
	"github.com/morezero/route-negotiator/pkg/voyage"
)

func TestCommsPublisher_PublishUnhandled(t *testing.T) {
	_, nc := commstest.StartServer(t)
	publisher := NewCommsPublisher(nc)

	received := make(chan *UnhandledEvent, 1)
	sub, err := nc.Subscribe("negotiation.strategic.unhandled", func(msg *comms.Msg) {
		var event UnhandledEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			t.Errorf("events:comms_publisher_integration_test - failed to unmarshal: %v", err)
			return
		}
		received <- &event
	})
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	err = publisher.PublishUnhandled(context.Background(), &UnhandledEvent{
		Family:         "strategic",
		Count:          1,
		TransactionIDs: []string{"T1"},
		Version:        4,
		Timestamp:      "2026-05-04T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - PublishUnhandled failed: %v", err)
	}
	nc.Flush()

	select {
	case got := <-received:
		if got.Count != 1 || got.Version != 4 {
			t.Errorf("events:comms_publisher_integration_test - unexpected event %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events:comms_publisher_integration_test - timed out waiting for event")
	}
}

func TestCommsPublisher_PublishCommitFailed(t *testing.T) {
	_, nc := commstest.StartServer(t)
	publisher := NewCommsPublisher(nc)

	received := make(chan *CommitFailedEvent, 1)
	sub, err := nc.Subscribe("negotiation.tactical.commitFailed", func(msg *comms.Msg) {
		var event CommitFailedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			t.Errorf("events:comms_publisher_integration_test - failed to unmarshal: %v", err)
			return
		}
		received <- &event
	})
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := publisher.PublishCommitFailed(context.Background(), &CommitFailedEvent{
		Family:        "tactical",
		TransactionID: "T9",
		Attempts:      5,
	}); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - PublishCommitFailed failed: %v", err)
	}
	nc.Flush()

	select {
	case got := <-received:
		if got.TransactionID != "T9" {
			t.Errorf("events:comms_publisher_integration_test - TransactionID = %q, want T9", got.TransactionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events:comms_publisher_integration_test - timed out waiting for event")
	}
}

func TestCommsPublisher_ClosedConnection(t *testing.T) {
	_, nc := commstest.StartServer(t)
	publisher := NewCommsPublisher(nc)
	nc.Close()

	err := publisher.PublishUnhandled(context.Background(), &UnhandledEvent{Family: "strategic"})
	if err == nil {
		t.Error("events:comms_publisher_integration_test - expected error on closed connection")
	}
}

// An inbound proposal on a subscribed engine shows up on the events subject.
func TestListener_EngineToComms(t *testing.T) {
	_, nc := commstest.StartServer(t)

	received := make(chan *UnhandledEvent, 4)
	sub, err := nc.Subscribe("negotiation.strategic.unhandled", func(msg *comms.Msg) {
		var event UnhandledEvent
		if err := json.Unmarshal(msg.Data, &event); err == nil {
			received <- &event
		}
	})
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - failed to subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	nc.Flush()

	sender := &mocks.MockSender[voyage.Route]{}
	sender.On("Send", mock.Anything, mock.Anything).Return(negotiation.DeliverySent, "")
	engine, err := negotiation.NewEngine(negotiation.Config[voyage.Route]{
		Family:  "strategic",
		Sender:  sender,
		Voyages: &mocks.MockVoyageRegistry{},
	})
	if err != nil {
		t.Fatalf("events:comms_publisher_integration_test - NewEngine: %v", err)
	}
	defer engine.Close()
	unsubscribe := engine.Subscribe(NewListener(NewCommsPublisher(nc), time.Second))
	defer unsubscribe()

	route := voyage.Route{Name: "r", Waypoints: []voyage.Waypoint{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}}
	if err := engine.HandleInboundProposal(context.Background(), negotiation.Message[voyage.Route]{
		Kind:           negotiation.KindProposal,
		TransactionID:  "T1",
		CounterpartyID: "V-1",
		Route:          &route,
	}); err != nil {
		t.Fatalf("events:comms_publisher_integration_test - HandleInboundProposal: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-received:
			if got.Count == 1 && len(got.TransactionIDs) == 1 && got.TransactionIDs[0] == "T1" {
				return
			}
		case <-deadline:
			t.Fatal("events:comms_publisher_integration_test - unhandled event for T1 not received")
		}
	}
}
