// Package telemetry follows the vehicle's position from the MAVLink
// telemetry stream seen by the ground station.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"MissionBridge/internal/logger"
	"MissionBridge/internal/mission"
)

// GPS_RAW_INT is only trusted with at least a 2D fix
const minFixType = common.GPS_FIX_TYPE_2D_FIX

// GPS_RAW_INT is ignored while GLOBAL_POSITION_INT arrived within this window
const fusedPreference = 2 * time.Second

// Position is the latest known vehicle position
type Position struct {
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Alt         float32   `json:"alt"`          // meters above MSL
	RelativeAlt *float32  `json:"relative_alt"` // meters above home, GLOBAL_POSITION_INT only
	Heading     *float32  `json:"heading"`      // degrees, nil when unknown
	SystemID    uint8     `json:"system_id"`
	Source      string    `json:"source"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Tracker keeps the last position reported by any system on the link
type Tracker struct {
	mu      sync.RWMutex
	pos     Position
	has     bool
	fusedAt time.Time
	now     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Latest returns the last position, if any
func (t *Tracker) Latest() (Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pos, t.has
}

// Run feeds messages into the tracker until ctx is done or msgs is closed
func (t *Tracker) Run(ctx context.Context, msgs <-chan mission.Inbound) {
	logger.Info("[TELEMETRY] Tracking vehicle position")
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-msgs:
			if !ok {
				return
			}
			t.Handle(in)
		}
	}
}

// Handle updates the position from GLOBAL_POSITION_INT or GPS_RAW_INT and
// reports whether in changed it.
func (t *Tracker) Handle(in mission.Inbound) bool {
	now := t.now()

	switch m := in.Message.(type) {
	case *common.MessageGlobalPositionInt:
		rel := float32(m.RelativeAlt) / 1000
		pos := Position{
			Lat:         float64(m.Lat) / 1e7,
			Lon:         float64(m.Lon) / 1e7,
			Alt:         float32(m.Alt) / 1000,
			RelativeAlt: &rel,
			SystemID:    in.SystemID,
			Source:      "GLOBAL_POSITION_INT",
			UpdatedAt:   now,
		}
		if m.Hdg != 65535 {
			hdg := float32(m.Hdg) / 100
			pos.Heading = &hdg
		}
		t.set(pos, true)
		return true

	case *common.MessageGpsRawInt:
		if m.FixType < minFixType {
			return false
		}
		t.mu.RLock()
		recentFused := !t.fusedAt.IsZero() && now.Sub(t.fusedAt) < fusedPreference
		t.mu.RUnlock()
		if recentFused {
			return false
		}
		pos := Position{
			Lat:       float64(m.Lat) / 1e7,
			Lon:       float64(m.Lon) / 1e7,
			Alt:       float32(m.Alt) / 1000,
			SystemID:  in.SystemID,
			Source:    "GPS_RAW_INT",
			UpdatedAt: now,
		}
		if m.Cog != 65535 {
			cog := float32(m.Cog) / 100
			pos.Heading = &cog
		}
		t.set(pos, false)
		return true
	}
	return false
}

func (t *Tracker) set(pos Position, fused bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.has {
		logger.Info("[TELEMETRY] First position from system %d: %.7f, %.7f", pos.SystemID, pos.Lat, pos.Lon)
	}
	t.pos = pos
	t.has = true
	if fused {
		t.fusedAt = pos.UpdatedAt
	}
}
