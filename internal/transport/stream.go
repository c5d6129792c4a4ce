package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"MissionBridge/internal/logger"
)

// BufferSize is the largest chunk returned by a single Receive
const BufferSize = 1024

// Framer reads exactly one message from a byte stream
type Framer func(r io.Reader) ([]byte, error)

// Handler serves one accepted connection. The server closes conn after the
// handler returns.
type Handler func(ctx context.Context, conn *StreamConn) error

// StreamServer listens for TCP clients and serves them one at a time
type StreamServer struct {
	ln           *net.TCPListener
	PollInterval time.Duration
}

// ListenStream binds address ("host:port", host may be empty)
func ListenStream(address string) (*StreamServer, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen address %s: %w", address, err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	logger.Debug("[STREAM] Listening on %s", ln.Addr())
	return &StreamServer{ln: ln, PollInterval: DefaultPollInterval}, nil
}

// Addr returns the listening address
func (s *StreamServer) Addr() *net.TCPAddr {
	return s.ln.Addr().(*net.TCPAddr)
}

// AcceptNext blocks until a client connects or ctx is done
func (s *StreamServer) AcceptNext(ctx context.Context) (*StreamConn, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.ln.SetDeadline(time.Now().Add(s.pollInterval()))
		conn, err := s.ln.AcceptTCP()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, fmt.Errorf("accept failed: %w", err)
		}
		conn.SetKeepAlive(true)
		conn.SetKeepAlivePeriod(30 * time.Second)
		return &StreamConn{conn: conn, PollInterval: s.pollInterval()}, nil
	}
}

// Serve accepts clients until ctx is done. The next client is accepted only
// after handler returns for the current one. Handler errors are logged.
func (s *StreamServer) Serve(ctx context.Context, handler Handler) error {
	for {
		conn, err := s.AcceptNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logger.Warn("[STREAM] %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.pollInterval()):
			}
			continue
		}

		logger.Info("[STREAM] Client connected from %s", conn.RemoteAddr())
		if err := handler(ctx, conn); err != nil && ctx.Err() == nil {
			logger.Warn("[STREAM] Client %s: %v", conn.RemoteAddr(), err)
		}
		conn.Close()
		logger.Info("[STREAM] Client %s disconnected", conn.RemoteAddr())
	}
}

// Close stops listening
func (s *StreamServer) Close() error {
	return s.ln.Close()
}

func (s *StreamServer) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return s.PollInterval
}

// StreamConn is one accepted client connection
type StreamConn struct {
	conn         net.Conn
	PollInterval time.Duration
}

func (c *StreamConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Receive returns the next chunk of at most BufferSize bytes, or io.EOF once
// the peer has closed the connection.
func (c *StreamConn) Receive(ctx context.Context) ([]byte, error) {
	buf := make([]byte, BufferSize)
	n, err := c.reader(ctx).Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

// ReadMessage reassembles one complete message using frame
func (c *StreamConn) ReadMessage(ctx context.Context, frame Framer) ([]byte, error) {
	return frame(c.reader(ctx))
}

// Send writes all of b
func (c *StreamConn) Send(b []byte) error {
	_, err := c.conn.Write(b)
	return err
}

func (c *StreamConn) Close() error {
	return c.conn.Close()
}

func (c *StreamConn) reader(ctx context.Context) io.Reader {
	return &ctxReader{ctx: ctx, conn: c.conn, poll: c.PollInterval}
}

// ctxReader turns read timeouts into context checks. Bytes are never
// discarded: a timed out read that returned nothing is simply retried.
type ctxReader struct {
	ctx  context.Context
	conn net.Conn
	poll time.Duration
}

func (r *ctxReader) Read(p []byte) (int, error) {
	poll := r.poll
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	for {
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}
		r.conn.SetReadDeadline(time.Now().Add(poll))
		n, err := r.conn.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && isTimeout(err) {
			continue
		}
		return n, err
	}
}
