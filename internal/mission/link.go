// Package mission drives a flight controller through the MAVLink mission
// upload exchange and the arming sequence that starts the mission.
package mission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"MissionBridge/internal/logger"
)

var ErrLinkClosed = errors.New("flight controller link closed")

// Inbound is a decoded message with the IDs of the system that sent it
type Inbound struct {
	SystemID    uint8
	ComponentID uint8
	Message     message.Message
}

// Link is a bidirectional MAVLink connection to a flight controller.
// Messages is closed when the link shuts down.
type Link interface {
	Messages() <-chan Inbound
	Send(msg message.Message) error
}

// Target addresses commands to one system and component
type Target struct {
	SystemID    uint8 `json:"system_id"`
	ComponentID uint8 `json:"component_id"`
}

func (t Target) String() string {
	return fmt.Sprintf("%d/%d", t.SystemID, t.ComponentID)
}

// WaitForHeartbeat returns the first HEARTBEAT seen on link from a vehicle.
// Heartbeats from ground stations and from components that are not
// autopilots (cameras, gimbals) are skipped, as is everything else.
func WaitForHeartbeat(ctx context.Context, link Link) (Inbound, error) {
	msgs := link.Messages()
	for {
		select {
		case <-ctx.Done():
			return Inbound{}, ctx.Err()
		case in, ok := <-msgs:
			if !ok {
				return Inbound{}, ErrLinkClosed
			}
			hb, isHeartbeat := in.Message.(*common.MessageHeartbeat)
			if !isHeartbeat {
				continue
			}
			if !IsAutopilot(hb) {
				logger.Debug("[HEARTBEAT] Skipping %d/%d (type=%v, autopilot=%v)",
					in.SystemID, in.ComponentID, hb.Type, hb.Autopilot)
				continue
			}
			logger.Debug("[HEARTBEAT] From %d/%d (type=%v, autopilot=%v)",
				in.SystemID, in.ComponentID, hb.Type, hb.Autopilot)
			return in, nil
		}
	}
}

// IsAutopilot reports whether hb comes from a flight controller
func IsAutopilot(hb *common.MessageHeartbeat) bool {
	return hb.Autopilot != common.MAV_AUTOPILOT_INVALID && hb.Type != common.MAV_TYPE_GCS
}

// MessageName turns *common.MessageMissionItemInt into MISSION_ITEM_INT
func MessageName(msg message.Message) string {
	name := fmt.Sprintf("%T", msg)
	if i := strings.LastIndex(name, ".Message"); i >= 0 {
		name = name[i+len(".Message"):]
	}
	var b strings.Builder
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}
