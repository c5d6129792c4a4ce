// Package events publishes mission bridge events to NATS for external consumers.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"MissionBridge/internal/logger"
	"MissionBridge/internal/mission"
)

const (
	SubjectMissionReport = "mission.report"
	SubjectPlanSent      = "plan.sent"
	SubjectImageReceived = "image.received"
)

// PlanSent describes a plan pushed from the ground station to the vehicle
type PlanSent struct {
	PlanID    string    `json:"plan_id"`
	Source    string    `json:"source"`
	Points    int       `json:"points"`
	ImageSize int       `json:"image_size"`
	Bytes     int       `json:"bytes"`
	SentAt    time.Time `json:"sent_at"`
}

// ImageReceived describes an image stored by the ground station
type ImageReceived struct {
	Size       int       `json:"size"`
	Path       string    `json:"path"`
	ReceivedAt time.Time `json:"received_at"`
}

// Publisher sends events; failures are returned but never fatal to callers
type Publisher interface {
	PublishMissionReport(report *mission.Report) error
	PublishPlanSent(evt PlanSent) error
	PublishImageReceived(evt ImageReceived) error
	Close()
}

// conn is the subset of *nats.Conn used here
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes JSON events under a subject prefix
type NATSPublisher struct {
	nc     conn
	prefix string
}

// NewNATSPublisher connects to url. Subjects are "<prefix>.mission.report" etc.
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("missionbridge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("[EVENTS] Disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("[EVENTS] Reconnected to NATS at %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info("[EVENTS] Connected to NATS server at %s", url)
	return newNATSPublisher(nc, prefix), nil
}

func newNATSPublisher(nc conn, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix}
}

func (p *NATSPublisher) subject(name string) string {
	if p.prefix == "" {
		return name
	}
	return p.prefix + "." + name
}

func (p *NATSPublisher) publish(name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", name, err)
	}
	if err := p.nc.Publish(p.subject(name), data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", p.subject(name), err)
	}
	return nil
}

func (p *NATSPublisher) PublishMissionReport(report *mission.Report) error {
	return p.publish(SubjectMissionReport, report)
}

func (p *NATSPublisher) PublishPlanSent(evt PlanSent) error {
	return p.publish(SubjectPlanSent, evt)
}

func (p *NATSPublisher) PublishImageReceived(evt ImageReceived) error {
	return p.publish(SubjectImageReceived, evt)
}

// Close drains pending messages and closes the connection
func (p *NATSPublisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		logger.Warn("[EVENTS] NATS drain failed: %v", err)
		return
	}
	logger.Info("[EVENTS] NATS connection drained and closed")
}

// Noop discards every event
type Noop struct{}

func (Noop) PublishMissionReport(*mission.Report) error { return nil }
func (Noop) PublishPlanSent(PlanSent) error             { return nil }
func (Noop) PublishImageReceived(ImageReceived) error   { return nil }
func (Noop) Close()                                     {}

// New returns a NATS publisher for url, or Noop when url is empty
func New(url, prefix string) (Publisher, error) {
	if url == "" {
		return Noop{}, nil
	}
	return NewNATSPublisher(url, prefix)
}
