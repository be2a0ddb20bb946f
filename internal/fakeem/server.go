// Package fakeem is an in-process stand-in for a node's Event Manager: a
// real TCP listener speaking the exact wire protocol (reactive port for
// Connect/Call/SetKey/RemoteOutput/RemoteRequest/RegisterEntrypoint, deploy
// port for Load), so orchestrator and backend tests exercise the genuine
// wire codec and net.Conn round trip instead of a mocked client interface.
// Plays the role the teacher's test/contract fake services play for its own
// external dependencies.
package fakeem

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/sepidehpouyan/reactive-tools/internal/wire"
)

// Handler computes a fake Event Manager's response to one command.
type Handler func(cmd wire.CommandMessage) wire.ResultMessage

// LoadHandler computes a fake Event Manager's response to a Load frame.
type LoadHandler func(payload []byte) wire.ResultMessage

// FiredEntrypoint records one simulated periodic timer firing, reported on
// Server.Fired().
type FiredEntrypoint struct {
	Payload []byte // the RegisterEntrypoint command's original payload
}

// Server listens on two ports, mirroring a real node's deploy_port/
// reactive_port split.
type Server struct {
	reactiveLn net.Listener
	deployLn   net.Listener

	mu          sync.Mutex
	handlers    map[wire.Command]Handler
	loadHandler LoadHandler

	cron  *cron.Cron
	fired chan FiredEntrypoint

	wg sync.WaitGroup
}

// New starts a Server on two loopback ports chosen by the OS.
func New() (*Server, error) {
	reactiveLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("fakeem: listen reactive port: %w", err)
	}
	deployLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		reactiveLn.Close()
		return nil, fmt.Errorf("fakeem: listen deploy port: %w", err)
	}

	s := &Server{
		reactiveLn: reactiveLn,
		deployLn:   deployLn,
		handlers:   make(map[wire.Command]Handler),
		cron:       cron.New(),
		fired:      make(chan FiredEntrypoint, 64),
	}
	s.cron.Start()

	s.wg.Add(2)
	go s.serve(reactiveLn, s.handleReactive)
	go s.serve(deployLn, s.handleLoad)

	return s, nil
}

// ReactivePort and DeployPort return the ports a wire.Endpoint should dial.
func (s *Server) ReactivePort() uint16 { return portOf(s.reactiveLn) }
func (s *Server) DeployPort() uint16   { return portOf(s.deployLn) }

func portOf(ln net.Listener) uint16 {
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return uint16(port)
}

// OnCommand installs a handler for one non-Load command code, overriding the
// default (Ok, empty payload) response.
func (s *Server) OnCommand(code wire.Command, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[code] = h
}

// OnLoad installs a handler for Load frames, overriding the default (Ok,
// empty payload) response.
func (s *Server) OnLoad(h LoadHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadHandler = h
}

// Fired reports every simulated periodic-entrypoint timer tick.
func (s *Server) Fired() <-chan FiredEntrypoint {
	return s.fired
}

// Close stops the cron scheduler and both listeners.
func (s *Server) Close() {
	s.cron.Stop()
	s.reactiveLn.Close()
	s.deployLn.Close()
	s.wg.Wait()
	close(s.fired)
}

func (s *Server) serve(ln net.Listener, handle func(net.Conn)) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			handle(conn)
		}()
	}
}

func (s *Server) handleReactive(conn net.Conn) {
	cmd, err := wire.ReadCommandMessage(conn)
	if err != nil {
		return
	}

	if cmd.Code == wire.CommandRegisterEntrypoint {
		s.scheduleFiring(cmd)
	}

	s.mu.Lock()
	h, ok := s.handlers[cmd.Code]
	s.mu.Unlock()

	result := wire.ResultMessage{Code: wire.ResultOk}
	if ok {
		result = h(cmd)
	}

	frame, err := result.Encode()
	if err != nil {
		return
	}
	conn.Write(frame)
}

// scheduleFiring parses the trailing 4-byte frequency (the last field of
// every RegisterEntrypoint payload, Sancus/SGX/Native's 2-byte module id or
// TrustZone's 16-byte one notwithstanding) and schedules a cron job that
// reports a firing on Fired() every that many milliseconds.
func (s *Server) scheduleFiring(cmd wire.CommandMessage) {
	if len(cmd.Payload) < 4 {
		return
	}
	freqMs, err := wire.UnpackUint32(cmd.Payload[len(cmd.Payload)-4:])
	if err != nil || freqMs == 0 {
		return
	}

	payload := append([]byte(nil), cmd.Payload...)
	s.cron.AddFunc(fmt.Sprintf("@every %dms", freqMs), func() {
		select {
		case s.fired <- FiredEntrypoint{Payload: payload}:
		default:
		}
	})
}

func (s *Server) handleLoad(conn net.Conn) {
	_, length, err := wire.ReadLoadHeader(conn)
	if err != nil {
		return
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
	}

	s.mu.Lock()
	h := s.loadHandler
	s.mu.Unlock()

	result := wire.ResultMessage{Code: wire.ResultOk}
	if h != nil {
		result = h(payload)
	}

	frame, err := result.Encode()
	if err != nil {
		return
	}
	conn.Write(frame)
}
