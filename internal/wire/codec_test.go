package wire

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	t.Run("uint8", func(t *testing.T) {
		for _, v := range []uint8{0, 1, 42, 255} {
			got, err := UnpackUint8(PackUint8(v))
			if err != nil {
				t.Fatalf("UnpackUint8: %v", err)
			}
			if got != v {
				t.Errorf("round trip uint8 = %d, want %d", got, v)
			}
		}
	})

	t.Run("uint16", func(t *testing.T) {
		for _, v := range []uint16{0, 1, 0x1234, 0xFFFF} {
			got, err := UnpackUint16(PackUint16(v))
			if err != nil {
				t.Fatalf("UnpackUint16: %v", err)
			}
			if got != v {
				t.Errorf("round trip uint16 = %d, want %d", got, v)
			}
		}
	})

	t.Run("uint32", func(t *testing.T) {
		for _, v := range []uint32{0, 1, 0x12345678, 0xFFFFFFFF} {
			got, err := UnpackUint32(PackUint32(v))
			if err != nil {
				t.Fatalf("UnpackUint32: %v", err)
			}
			if got != v {
				t.Errorf("round trip uint32 = %d, want %d", got, v)
			}
		}
	})
}

func TestPackUint16NetworkOrder(t *testing.T) {
	b := PackUint16(0x0102)
	if !bytes.Equal(b, []byte{0x01, 0x02}) {
		t.Errorf("PackUint16 big-endian mismatch: got %x", b)
	}
}

func TestCommandMessageEncode(t *testing.T) {
	msg := CommandMessage{Code: CommandCall, Payload: []byte{0xAA, 0xBB}}
	frame, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{0x00, 0x02, byte(CommandCall), 0xAA, 0xBB}
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = %x, want %x", frame, want)
	}
}

func TestCommandMessageEncodeRejectsLoad(t *testing.T) {
	_, err := (CommandMessage{Code: CommandLoad}).Encode()
	if err == nil {
		t.Fatal("expected error encoding Load via Encode()")
	}
}

func TestEncodeLoad(t *testing.T) {
	frame := EncodeLoad([]byte{1, 2, 3})
	want := []byte{0x00, 0x00, 0x00, 0x03, byte(CommandLoad), 1, 2, 3}
	if !bytes.Equal(frame, want) {
		t.Errorf("load frame = %x, want %x", frame, want)
	}
}

func TestReadCommandMessage(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		cmd := CommandMessage{Code: CommandConnect, Payload: []byte{1, 2, 3, 4}}
		frame, _ := cmd.Encode()
		client.Write(frame)
	}()

	got, err := ReadCommandMessage(server)
	if err != nil {
		t.Fatalf("ReadCommandMessage: %v", err)
	}
	if got.Code != CommandConnect || !bytes.Equal(got.Payload, []byte{1, 2, 3, 4}) {
		t.Errorf("got %+v", got)
	}
}

func TestClientSendCommandRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		cmd, err := ReadCommandMessage(conn)
		if err != nil {
			return
		}
		if cmd.Code != CommandCall {
			return
		}
		resp := ResultMessage{Code: ResultOk, Payload: []byte("pong")}
		frame, _ := resp.Encode()
		conn.Write(frame)
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	c := NewClient()
	c.DialTimeout = time.Second

	result, err := c.SendCommand(context.Background(), "node0", false,
		Endpoint{IP: net.ParseIP("127.0.0.1"), Port: uint16(port)},
		CommandMessage{Code: CommandCall, Payload: []byte("ping")})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if !result.Ok() {
		t.Fatalf("expected Ok result, got %v", result.Code)
	}
	if string(result.Payload) != "pong" {
		t.Errorf("payload = %q, want %q", result.Payload, "pong")
	}
}
