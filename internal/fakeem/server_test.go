package fakeem

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sepidehpouyan/reactive-tools/internal/wire"
)

func testClient() (*Server, *wire.Client, func()) {
	s, err := New()
	if err != nil {
		panic(err)
	}
	return s, wire.NewClient(), func() { s.Close() }
}

func TestDefaultCommandHandlerRespondsOk(t *testing.T) {
	s, client, done := testClient()
	defer done()

	endpoint := wire.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: s.ReactivePort()}
	result, err := client.SendCommand(context.Background(), "n0", false, endpoint,
		wire.CommandMessage{Code: wire.CommandCall, Payload: []byte{1, 2}})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if result.Code != wire.ResultOk {
		t.Fatalf("expected ResultOk, got %v", result.Code)
	}
}

func TestOnCommandOverridesDefaultResponse(t *testing.T) {
	s, client, done := testClient()
	defer done()

	s.OnCommand(wire.CommandCall, func(cmd wire.CommandMessage) wire.ResultMessage {
		return wire.ResultMessage{Code: wire.ResultOk, Payload: append([]byte{0xAA}, cmd.Payload...)}
	})

	endpoint := wire.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: s.ReactivePort()}
	result, err := client.SendCommand(context.Background(), "n0", false, endpoint,
		wire.CommandMessage{Code: wire.CommandCall, Payload: []byte{1, 2}})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if len(result.Payload) != 3 || result.Payload[0] != 0xAA {
		t.Fatalf("expected echoed payload prefixed with 0xAA, got %v", result.Payload)
	}
}

func TestLoadFrameRoundTrips(t *testing.T) {
	s, client, done := testClient()
	defer done()

	var received []byte
	s.OnLoad(func(payload []byte) wire.ResultMessage {
		received = payload
		return wire.ResultMessage{Code: wire.ResultOk}
	})

	endpoint := wire.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: s.DeployPort()}
	_, err := client.SendLoad(context.Background(), "n0", false, endpoint, []byte("binary-contents"))
	if err != nil {
		t.Fatalf("SendLoad: %v", err)
	}
	if string(received) != "binary-contents" {
		t.Fatalf("expected server to observe the load payload, got %q", received)
	}
}

func TestRegisterEntrypointSchedulesFiring(t *testing.T) {
	s, client, done := testClient()
	defer done()

	payload := append(wire.PackUint16(7), wire.PackUint32(20)...) // module id 7, every 20ms
	endpoint := wire.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: s.ReactivePort()}
	_, err := client.SendCommand(context.Background(), "n0", false, endpoint,
		wire.CommandMessage{Code: wire.CommandRegisterEntrypoint, Payload: payload})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	select {
	case fired := <-s.Fired():
		if len(fired.Payload) != len(payload) {
			t.Fatalf("expected fired payload length %d, got %d", len(payload), len(fired.Payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the registered entrypoint to fire")
	}
}
