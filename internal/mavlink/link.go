// Package mavlink runs a gomavlib node over an arbitrary byte channel, or as
// a UDP server, and exposes it as a mission.Link.
package mavlink

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"MissionBridge/internal/logger"
	"MissionBridge/internal/metrics"
	"MissionBridge/internal/mission"
)

const (
	DefaultSystemID    = 255 // ground control station
	DefaultComponentID = 191 // MAV_COMP_ID_ONBOARD_COMPUTER
	defaultQueueSize   = 256
)

// LinkOptions configures the local MAVLink identity
type LinkOptions struct {
	SystemID    uint8
	ComponentID uint8

	// GCSHeartbeat makes the node announce itself with periodic heartbeats
	GCSHeartbeat    bool
	HeartbeatPeriod time.Duration

	QueueSize int
}

// Link is a gomavlib node with a single endpoint
type Link struct {
	node     *gomavlib.Node
	systemID uint8
	out      chan mission.Inbound

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open starts a node on rwc. The node owns rwc and closes it in Close.
func Open(rwc io.ReadWriteCloser, opts LinkOptions) (*Link, error) {
	return start(gomavlib.EndpointCustom{ReadWriteCloser: rwc}, opts)
}

// Listen starts a node serving UDP on address ("host:port" or ":port").
// Every sender becomes a channel of the node.
func Listen(address string, opts LinkOptions) (*Link, error) {
	l, err := start(gomavlib.EndpointUDPServer{Address: address}, opts)
	if err != nil {
		return nil, err
	}
	logger.Info("[MAVLINK] Listening on udp %s", address)
	return l, nil
}

func start(endpoint gomavlib.EndpointConf, opts LinkOptions) (*Link, error) {
	if opts.SystemID == 0 {
		opts.SystemID = DefaultSystemID
	}
	if opts.ComponentID == 0 {
		opts.ComponentID = DefaultComponentID
	}
	if opts.HeartbeatPeriod <= 0 {
		opts.HeartbeatPeriod = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:        []gomavlib.EndpointConf{endpoint},
		Dialect:          common.Dialect,
		OutVersion:       gomavlib.V2,
		OutSystemID:      opts.SystemID,
		OutComponentID:   opts.ComponentID,
		HeartbeatDisable: !opts.GCSHeartbeat,
		HeartbeatPeriod:  opts.HeartbeatPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MAVLink node: %w", err)
	}
	logger.Info("[MAVLINK] Node created (SysID: %d, CompID: %d, heartbeat: %v)",
		opts.SystemID, opts.ComponentID, opts.GCSHeartbeat)

	l := &Link{
		node:     node,
		systemID: opts.SystemID,
		out:      make(chan mission.Inbound, opts.QueueSize),
		done:     make(chan struct{}),
	}
	l.wg.Add(1)
	go l.receive()
	return l, nil
}

// Messages implements mission.Link. The channel is closed by Close.
func (l *Link) Messages() <-chan mission.Inbound {
	return l.out
}

// Send implements mission.Link
func (l *Link) Send(msg message.Message) error {
	name := mission.MessageName(msg)
	if err := l.node.WriteMessageAll(msg); err != nil {
		metrics.Global.IncFailed(name)
		logger.Error("[MAVLINK] Failed to send %s: %v", name, err)
		return fmt.Errorf("failed to send %s: %w", name, err)
	}
	metrics.Global.IncSent(name)
	logger.Debug("[MAVLINK] TX %s", name)
	return nil
}

// Close stops the node and closes Messages
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.node.Close()
		close(l.done)
		l.wg.Wait()
		close(l.out)
	})
}

func (l *Link) receive() {
	defer l.wg.Done()
	eventCh := l.node.Events()

	for {
		select {
		case <-l.done:
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			switch e := event.(type) {
			case *gomavlib.EventFrame:
				if e.SystemID() == l.systemID {
					continue
				}
				in := mission.Inbound{
					SystemID:    e.SystemID(),
					ComponentID: e.ComponentID(),
					Message:     e.Message(),
				}
				if _, ok := in.Message.(*common.MessageHeartbeat); ok {
					metrics.Global.HandleHeartbeat(in.SystemID, in.ComponentID)
				}
				logger.Debug("[MAVLINK] RX %s (SysID: %d)", mission.MessageName(in.Message), in.SystemID)
				l.enqueue(in)

			case *gomavlib.EventChannelOpen:
				logger.Info("[MAVLINK] Channel opened: %v", e.Channel)
			case *gomavlib.EventChannelClose:
				logger.Warn("[MAVLINK] Channel closed: %v", e.Channel)
			case *gomavlib.EventParseError:
				logger.Debug("[MAVLINK] Parse error: %v", e.Error)
			}
		}
	}
}

// enqueue never blocks; when nobody is reading, the oldest message is dropped
func (l *Link) enqueue(in mission.Inbound) {
	for {
		select {
		case l.out <- in:
			return
		default:
		}
		select {
		case <-l.out:
		default:
		}
	}
}
