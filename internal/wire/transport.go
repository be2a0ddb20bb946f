package wire

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ReadCommandMessage reads a non-Load command frame (2-byte length prefix)
// from r.
func ReadCommandMessage(r io.Reader) (CommandMessage, error) {
	br := bufio.NewReader(r)
	header := make([]byte, 3)
	if _, err := io.ReadFull(br, header); err != nil {
		return CommandMessage{}, fmt.Errorf("wire: read command header: %w", err)
	}
	length, err := UnpackUint16(header[:2])
	if err != nil {
		return CommandMessage{}, err
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(br, payload); err != nil {
			return CommandMessage{}, fmt.Errorf("wire: read command payload: %w", err)
		}
	}
	return CommandMessage{Code: Command(header[2]), Payload: payload}, nil
}

// ReadLoadHeader reads the 4-byte length prefix and command byte of a Load
// frame, returning the declared payload length so the caller can stream the
// (potentially large) binary payload itself.
func ReadLoadHeader(r io.Reader) (Command, uint32, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, 0, fmt.Errorf("wire: read load header: %w", err)
	}
	length, err := UnpackUint32(header[:4])
	if err != nil {
		return 0, 0, err
	}
	return Command(header[4]), length, nil
}

// ReadResultMessage reads a ResultMessage (2-byte length prefix) from r.
func ReadResultMessage(r io.Reader) (ResultMessage, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		return ResultMessage{}, fmt.Errorf("wire: read result header: %w", err)
	}
	length, err := UnpackUint16(header[:2])
	if err != nil {
		return ResultMessage{}, err
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return ResultMessage{}, fmt.Errorf("wire: read result payload: %w", err)
		}
	}
	return ResultMessage{Code: Result(header[2]), Payload: payload}, nil
}

// Endpoint identifies a node's TCP address for a given channel (reactive or
// deploy port).
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// Client speaks the Event Manager wire protocol over fresh, per-command TCP
// connections, exactly as spec.md §6 describes ("each logical command opens
// a fresh connection"). It optionally serializes commands to a node that
// cannot multiplex its reactive channel (need_lock), and always throttles
// outbound commands per node so a burst of concurrent fan-out (deploy,
// attest, connect all running concurrently) doesn't hammer a single-threaded
// Event Manager harder than it can accept connections.
type Client struct {
	DialTimeout time.Duration

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient builds a Client with sane defaults (5s dial timeout, 50
// commands/sec per node with a burst of 10).
func NewClient() *Client {
	return &Client{
		DialTimeout: 5 * time.Second,
		locks:       make(map[string]*sync.Mutex),
		limiters:    make(map[string]*rate.Limiter),
	}
}

func (c *Client) limiterFor(nodeName string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[nodeName]
	if !ok {
		l = rate.NewLimiter(rate.Limit(50), 10)
		c.limiters[nodeName] = l
	}
	return l
}

func (c *Client) lockFor(nodeName string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[nodeName]
	if !ok {
		l = &sync.Mutex{}
		c.locks[nodeName] = l
	}
	return l
}

// SendCommand opens a fresh connection to endpoint, optionally serialized
// per nodeName (needLock), sends cmd, and reads back the ResultMessage.
func (c *Client) SendCommand(ctx context.Context, nodeName string, needLock bool, endpoint Endpoint, cmd CommandMessage) (ResultMessage, error) {
	if needLock {
		mu := c.lockFor(nodeName)
		mu.Lock()
		defer mu.Unlock()
	}

	if err := c.limiterFor(nodeName).Wait(ctx); err != nil {
		return ResultMessage{}, fmt.Errorf("wire: rate limit wait: %w", err)
	}

	frame, err := cmd.Encode()
	if err != nil {
		return ResultMessage{}, err
	}

	conn, err := c.dial(ctx, endpoint)
	if err != nil {
		return ResultMessage{}, err
	}
	defer conn.Close()

	if _, err := conn.Write(frame); err != nil {
		return ResultMessage{}, fmt.Errorf("wire: write command: %w", err)
	}

	return ReadResultMessage(conn)
}

// SendLoad opens a fresh connection to endpoint, serialized per nodeName if
// needLock, sends the 4-byte-length-prefixed Load frame, and reads back the
// ResultMessage.
func (c *Client) SendLoad(ctx context.Context, nodeName string, needLock bool, endpoint Endpoint, payload []byte) (ResultMessage, error) {
	if needLock {
		mu := c.lockFor(nodeName)
		mu.Lock()
		defer mu.Unlock()
	}

	if err := c.limiterFor(nodeName).Wait(ctx); err != nil {
		return ResultMessage{}, fmt.Errorf("wire: rate limit wait: %w", err)
	}

	conn, err := c.dial(ctx, endpoint)
	if err != nil {
		return ResultMessage{}, err
	}
	defer conn.Close()

	frame := EncodeLoad(payload)
	if _, err := conn.Write(frame); err != nil {
		return ResultMessage{}, fmt.Errorf("wire: write load: %w", err)
	}

	return ReadResultMessage(conn)
}

func (c *Client) dial(ctx context.Context, endpoint Endpoint) (net.Conn, error) {
	dialCtx := ctx
	if c.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.DialTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", endpoint, err)
	}
	return conn, nil
}
