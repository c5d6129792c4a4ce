// Package transport provides the datagram and stream channels used between the
// ground station and the vehicle and towards the flight controller.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"MissionBridge/internal/logger"
)

// MaxDatagramSize is the largest UDP payload over IPv4
const MaxDatagramSize = 65507

// DefaultPollInterval bounds how long a blocking read waits before
// re-checking its context.
const DefaultPollInterval = 250 * time.Millisecond

var ErrDatagramTooLarge = errors.New("datagram too large")

// DatagramChannel is a UDP socket bound to a local port that talks to one
// fixed peer. Datagrams from other addresses are dropped.
//
// With peer learning enabled the channel instead accepts any sender except
// itself and replies to whoever sent the last accepted datagram. Until the
// first datagram arrives, Send goes to the configured peer.
//
// It is either used through Send/Receive or handed to a MAVLink node as an
// io.ReadWriteCloser through Read/Write/Close, not both at the same time.
type DatagramChannel struct {
	conn  *net.UDPConn
	local *net.UDPAddr

	peerMu sync.RWMutex
	peer   *net.UDPAddr
	learn  atomic.Bool

	PollInterval time.Duration

	readMu  sync.Mutex
	readBuf []byte
	pending []byte

	closeOnce sync.Once
	closeErr  error
}

// ListenDatagram binds localPort on all interfaces and fixes the peer to
// remoteAddr ("host:port"). A bind failure is returned as is; callers
// treat it as a startup error.
//
// A remoteAddr naming the channel's own socket (loopback or unspecified
// host, same port) turns on peer learning.
func ListenDatagram(localPort int, remoteAddr string) (*DatagramChannel, error) {
	peer, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve peer %s: %w", remoteAddr, err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP port %d: %w", localPort, err)
	}
	logger.Debug("[DATAGRAM] Bound %s, peer %s", conn.LocalAddr(), peer)
	d := &DatagramChannel{
		conn:         conn,
		local:        conn.LocalAddr().(*net.UDPAddr),
		peer:         peer,
		PollInterval: DefaultPollInterval,
		readBuf:      make([]byte, MaxDatagramSize),
	}
	if d.isSelf(peer) {
		logger.Info("[DATAGRAM] Peer %s is this socket, learning the peer from incoming traffic", peer)
		d.learn.Store(true)
	}
	return d, nil
}

// SetLearnPeer turns peer learning on or off. Call it before the first read.
func (d *DatagramChannel) SetLearnPeer(on bool) {
	d.learn.Store(on)
}

// LearnsPeer reports whether peer learning is on
func (d *DatagramChannel) LearnsPeer() bool {
	return d.learn.Load()
}

// LocalAddr returns the bound address
func (d *DatagramChannel) LocalAddr() *net.UDPAddr {
	return d.local
}

// Peer returns the current remote address
func (d *DatagramChannel) Peer() *net.UDPAddr {
	d.peerMu.RLock()
	defer d.peerMu.RUnlock()
	return d.peer
}

// Send transmits b as one datagram. There is no acknowledgement and no retry.
func (d *DatagramChannel) Send(b []byte) error {
	if len(b) > MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrDatagramTooLarge, len(b), MaxDatagramSize)
	}
	peer := d.Peer()
	if _, err := d.conn.WriteToUDP(b, peer); err != nil {
		return fmt.Errorf("failed to send datagram to %s: %w", peer, err)
	}
	return nil
}

// Receive blocks until a datagram from the peer arrives or ctx is done.
// At most maxLen bytes of the datagram are returned.
func (d *DatagramChannel) Receive(ctx context.Context, maxLen int) ([]byte, error) {
	d.readMu.Lock()
	defer d.readMu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d.conn.SetReadDeadline(time.Now().Add(d.pollInterval()))
		n, from, err := d.conn.ReadFromUDP(d.readBuf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, fmt.Errorf("failed to receive datagram: %w", err)
		}
		if !d.accept(from) {
			logger.Debug("[DATAGRAM] Dropped %d bytes from unexpected sender %s", n, from)
			continue
		}
		if n > maxLen {
			n = maxLen
		}
		return append([]byte(nil), d.readBuf[:n]...), nil
	}
}

// Read implements io.Reader. The unread tail of a datagram larger than p is
// returned by the following calls before a new datagram is read.
func (d *DatagramChannel) Read(p []byte) (int, error) {
	d.readMu.Lock()
	defer d.readMu.Unlock()

	if len(d.pending) > 0 {
		n := copy(p, d.pending)
		d.pending = d.pending[n:]
		return n, nil
	}

	d.conn.SetReadDeadline(time.Time{})
	for {
		n, from, err := d.conn.ReadFromUDP(d.readBuf)
		if err != nil {
			return 0, err
		}
		if !d.accept(from) {
			continue
		}
		copied := copy(p, d.readBuf[:n])
		if copied < n {
			d.pending = append(d.pending[:0], d.readBuf[copied:n]...)
		}
		return copied, nil
	}
}

// Write implements io.Writer; each call is one datagram
func (d *DatagramChannel) Write(p []byte) (int, error) {
	if err := d.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close releases the socket. Blocked reads return an error.
func (d *DatagramChannel) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.conn.Close()
	})
	return d.closeErr
}

// accept filters incoming datagrams and, when learning, updates the peer
func (d *DatagramChannel) accept(from *net.UDPAddr) bool {
	if from == nil {
		return false
	}
	if !d.learn.Load() {
		return sameAddr(from, d.Peer())
	}
	if d.isSelf(from) {
		return false
	}

	d.peerMu.Lock()
	defer d.peerMu.Unlock()
	if !sameAddr(from, d.peer) {
		logger.Info("[DATAGRAM] Peer is now %s", from)
		d.peer = &net.UDPAddr{IP: append(net.IP(nil), from.IP...), Port: from.Port, Zone: from.Zone}
	}
	return true
}

// isSelf reports whether addr is this channel's own socket
func (d *DatagramChannel) isSelf(addr *net.UDPAddr) bool {
	if addr == nil || addr.Port != d.local.Port {
		return false
	}
	return addr.IP.IsLoopback() || addr.IP.IsUnspecified() || addr.IP.Equal(d.local.IP)
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}

func (d *DatagramChannel) pollInterval() time.Duration {
	if d.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return d.PollInterval
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
