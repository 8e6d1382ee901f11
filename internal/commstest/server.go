// Package commstest starts in-process COMMS servers for tests.
package commstest

import (
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
)

// StartServer starts an in-process COMMS server on a random port and
// returns it with a connected client. Both are shut down when t ends.
func StartServer(t testing.TB) (*commsserver.Server, *comms.Conn) {
	t.Helper()

	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   commsserver.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("commstest:server - failed to create server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("commstest:server - server not ready")
	}

	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns, Connect(t, ns)
}

// Connect opens another client to ns, closed when t ends.
func Connect(t testing.TB, ns *commsserver.Server) *comms.Conn {
	t.Helper()
	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		t.Fatalf("commstest:server - failed to connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}
