package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"MissionBridge/internal/logger"
)

const (
	DefaultConnectAttempts = 10
	DefaultRetryDelay      = 100 * time.Millisecond
	DefaultDialTimeout     = 5 * time.Second
)

var ErrConnectFailed = errors.New("connect failed")

// ConnectionState of a StreamClient
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// DialFunc opens a connection; net.Dialer.DialContext by default
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ClientOptions configures the reconnect policy of a StreamClient
type ClientOptions struct {
	ConnectAttempts int
	RetryDelay      time.Duration
	DialTimeout     time.Duration
	Dial            DialFunc
}

// StreamClient is a TCP client that connects lazily and reconnects on the
// next Send after a failure. A failed payload is never resent by the client.
type StreamClient struct {
	address string
	opts    ClientOptions

	sendMu sync.Mutex // serializes Send

	mu    sync.Mutex
	conn  net.Conn
	state ConnectionState
}

// NewStreamClient creates a client for address; nothing is dialed yet
func NewStreamClient(address string, opts ClientOptions) *StreamClient {
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = DefaultConnectAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Dial == nil {
		dialer := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}
		opts.Dial = dialer.DialContext
	}
	return &StreamClient{address: address, opts: opts}
}

func (c *StreamClient) Address() string { return c.address }

func (c *StreamClient) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *StreamClient) Connected() bool {
	return c.State() == StateConnected
}

// Send writes all of b, connecting first if needed. On a write error the
// connection is dropped and the error returned; the next Send reconnects.
func (c *StreamClient) Send(ctx context.Context, b []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		conn.SetWriteDeadline(time.Now())
		close(fired)
	})
	_, err = conn.Write(b)
	cancelled := !stop()
	if cancelled {
		// the write may have completed before the deadline hit; the
		// connection stays usable for the next Send
		<-fired
		conn.SetWriteDeadline(time.Time{})
	}
	if err == nil {
		return nil
	}

	c.invalidate(conn)
	if cancelled && ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("send to %s failed: %w", c.address, err)
}

// Receive reads into buf from the current connection, connecting first if
// needed. A read error other than cancellation drops the connection.
func (c *StreamClient) Receive(ctx context.Context, buf []byte) (int, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return 0, err
	}
	r := &ctxReader{ctx: ctx, conn: conn}
	n, err := r.Read(buf)
	if err != nil && ctx.Err() == nil {
		c.invalidate(conn)
	}
	return n, err
}

// Close drops the current connection, if any
func (c *StreamClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *StreamClient) ensureConn(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.connect(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateDisconnected
		return nil, err
	}
	c.conn = conn
	c.state = StateConnected
	return conn, nil
}

func (c *StreamClient) connect(ctx context.Context) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.ConnectAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
		conn, err := c.opts.Dial(dialCtx, "tcp", c.address)
		cancel()
		if err == nil {
			logger.Info("[STREAM] Connected to %s (attempt %d/%d)", c.address, attempt, c.opts.ConnectAttempts)
			return conn, nil
		}
		lastErr = err
		logger.Debug("[STREAM] Connect to %s failed (attempt %d/%d): %v", c.address, attempt, c.opts.ConnectAttempts, err)

		if attempt == c.opts.ConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.opts.RetryDelay):
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrConnectFailed, c.address, c.opts.ConnectAttempts, lastErr)
}

// invalidate closes conn if it is still the current connection
func (c *StreamClient) invalidate(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn.Close()
	if c.conn == conn {
		c.conn = nil
		c.state = StateDisconnected
		logger.Warn("[STREAM] Connection to %s dropped, will reconnect on next send", c.address)
	}
}
