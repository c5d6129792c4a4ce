package mission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/google/uuid"

	"MissionBridge/internal/flightplan"
	"MissionBridge/internal/logger"
)

var (
	ErrEmptyPlan        = errors.New("flight plan has no waypoints")
	ErrUploadInProgress = errors.New("mission upload already in progress")
	ErrMissionRejected  = errors.New("mission rejected by flight controller")
	ErrPlanTooLarge     = errors.New("flight plan does not fit a MAVLink mission")
)

// MaxWaypoints is the largest plan Upload accepts: the mission count is a
// uint16 and includes the home slot.
const MaxWaypoints = math.MaxUint16 - 1

// State of an upload session
type State int

const (
	StateIdle State = iota
	StateAwaitingHeartbeat
	StateCountSent
	StateServingRequests
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingHeartbeat:
		return "awaiting_heartbeat"
	case StateCountSent:
		return "count_sent"
	case StateServingRequests:
		return "serving_requests"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Outcome of a finished session
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeAccepted
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	default:
		return "none"
	}
}

// Session is the state of one upload. It is never reused.
type Session struct {
	ID          string
	State       State
	Plan        *flightplan.FlightPlan
	Target      Target
	ItemsServed int
	LastSeq     int
	Outcome     Outcome
	Result      common.MAV_MISSION_RESULT
	StartedAt   time.Time
}

func (s *Session) transition(to State) {
	logger.Debug("[MISSION] Session %s: %s -> %s", s.ID, s.State, to)
	s.State = to
}

// Report summarizes a finished upload
type Report struct {
	SessionID   string                    `json:"session_id"`
	Target      Target                    `json:"target"`
	Outcome     Outcome                   `json:"-"`
	OutcomeName string                    `json:"outcome"`
	Result      common.MAV_MISSION_RESULT `json:"-"`
	ResultName  string                    `json:"result"`
	Points      int                       `json:"points"`
	ItemsServed int                       `json:"items_served"`
	StartedAt   time.Time                 `json:"started_at"`
	FinishedAt  time.Time                 `json:"finished_at"`
}

// Options configures a Coordinator
type Options struct {
	// OnFinished is called after every upload that got past the heartbeat,
	// with the report and the error returned by Upload.
	OnFinished func(report *Report, err error)
}

// Coordinator uploads flight plans over one flight controller link.
// Concurrent calls to Upload fail with ErrUploadInProgress.
type Coordinator struct {
	link Link
	opts Options
	busy atomic.Bool
}

func NewCoordinator(link Link, opts Options) *Coordinator {
	return &Coordinator{link: link, opts: opts}
}

// Upload waits for a heartbeat, declares len(waypoints)+1 mission items
// (slot 0 is the home position), answers item requests until the flight
// controller acknowledges, and starts the mission if it was accepted.
// A rejection returns the report together with ErrMissionRejected.
func (c *Coordinator) Upload(ctx context.Context, plan *flightplan.FlightPlan) (*Report, error) {
	if plan == nil || plan.PointCount() == 0 {
		return nil, ErrEmptyPlan
	}
	if plan.PointCount() > MaxWaypoints {
		return nil, fmt.Errorf("%w: %d waypoints (max %d)", ErrPlanTooLarge, plan.PointCount(), MaxWaypoints)
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrUploadInProgress
	}
	defer c.busy.Store(false)

	s := &Session{
		ID:        uuid.NewString(),
		State:     StateIdle,
		Plan:      plan.Clone(),
		LastSeq:   -1,
		StartedAt: time.Now(),
	}
	s.transition(StateAwaitingHeartbeat)
	logger.Info("[MISSION] Session %s: uploading %d waypoints, waiting for heartbeat", s.ID, plan.PointCount())

	hb, err := WaitForHeartbeat(ctx, c.link)
	if err != nil {
		return nil, fmt.Errorf("waiting for heartbeat: %w", err)
	}
	s.Target = Target{SystemID: hb.SystemID, ComponentID: hb.ComponentID}

	report, err := c.run(ctx, s)
	if c.opts.OnFinished != nil {
		c.opts.OnFinished(report, err)
	}
	return report, err
}

func (c *Coordinator) run(ctx context.Context, s *Session) (*Report, error) {
	count := s.Plan.PointCount() + 1
	err := c.link.Send(&common.MessageMissionCount{
		TargetSystem:    s.Target.SystemID,
		TargetComponent: s.Target.ComponentID,
		Count:           uint16(count),
		MissionType:     common.MAV_MISSION_TYPE_MISSION,
	})
	if err != nil {
		return c.finish(s), fmt.Errorf("sending mission count: %w", err)
	}
	s.transition(StateCountSent)
	logger.Info("[MISSION] Session %s: MISSION_COUNT=%d sent to %s", s.ID, count, s.Target)

	msgs := c.link.Messages()
	for {
		var in Inbound
		var ok bool
		select {
		case <-ctx.Done():
			return c.finish(s), ctx.Err()
		case in, ok = <-msgs:
			if !ok {
				return c.finish(s), ErrLinkClosed
			}
		}
		if in.SystemID != s.Target.SystemID {
			continue
		}

		switch m := in.Message.(type) {
		case *common.MessageMissionRequest:
			if err := c.serveItem(s, int(m.Seq), false); err != nil {
				return c.finish(s), err
			}
		case *common.MessageMissionRequestInt:
			if err := c.serveItem(s, int(m.Seq), true); err != nil {
				return c.finish(s), err
			}
		case *common.MessageMissionAck:
			s.Result = m.Type
			if m.Type != common.MAV_MISSION_ACCEPTED {
				s.Outcome = OutcomeRejected
				logger.Warn("[MISSION] Session %s: rejected by flight controller (%v)", s.ID, m.Type)
				return c.finish(s), fmt.Errorf("%w: %v", ErrMissionRejected, m.Type)
			}
			s.Outcome = OutcomeAccepted
			logger.Info("[MISSION] Session %s: accepted after %d items, starting mission", s.ID, s.ItemsServed)
			err := c.startMission(s)
			return c.finish(s), err
		}
	}
}

// serveItem answers a request for mission item seq. Slot 0 is filled with
// the first waypoint; slot n >= 1 carries waypoint n-1.
func (c *Coordinator) serveItem(s *Session, seq int, asInt bool) error {
	if s.State == StateCountSent {
		s.transition(StateServingRequests)
	}

	idx := seq - 1
	if seq == 0 {
		idx = 0
	}
	wp, ok := s.Plan.Coordinate(idx)
	if !ok {
		logger.Warn("[MISSION] Session %s: request for item %d outside plan of %d waypoints, ignored",
			s.ID, seq, s.Plan.PointCount())
		return nil
	}

	var msg message.Message
	if asInt {
		msg = &common.MessageMissionItemInt{
			TargetSystem:    s.Target.SystemID,
			TargetComponent: s.Target.ComponentID,
			Seq:             uint16(seq),
			Frame:           common.MAV_FRAME_GLOBAL_RELATIVE_ALT,
			Command:         common.MAV_CMD_NAV_WAYPOINT,
			Autocontinue:    1,
			X:               degE7(wp.Lat),
			Y:               degE7(wp.Lon),
			Z:               wp.Alt,
			MissionType:     common.MAV_MISSION_TYPE_MISSION,
		}
	} else {
		msg = &common.MessageMissionItem{
			TargetSystem:    s.Target.SystemID,
			TargetComponent: s.Target.ComponentID,
			Seq:             uint16(seq),
			Frame:           common.MAV_FRAME_GLOBAL_RELATIVE_ALT,
			Command:         common.MAV_CMD_NAV_WAYPOINT,
			Autocontinue:    1,
			X:               wp.Lat,
			Y:               wp.Lon,
			Z:               wp.Alt,
			MissionType:     common.MAV_MISSION_TYPE_MISSION,
		}
	}
	if err := c.link.Send(msg); err != nil {
		return fmt.Errorf("sending mission item %d: %w", seq, err)
	}
	s.ItemsServed++
	s.LastSeq = seq
	logger.Debug("[MISSION] Session %s: item %d -> %v", s.ID, seq, wp)
	return nil
}

func (c *Coordinator) startMission(s *Session) error {
	err := c.link.Send(&common.MessageMissionSetCurrent{
		TargetSystem:    s.Target.SystemID,
		TargetComponent: s.Target.ComponentID,
		Seq:             0,
	})
	if err != nil {
		return fmt.Errorf("setting current mission item: %w", err)
	}
	err = c.link.Send(&common.MessageCommandLong{
		TargetSystem:    s.Target.SystemID,
		TargetComponent: s.Target.ComponentID,
		Command:         common.MAV_CMD_MISSION_START,
	})
	if err != nil {
		return fmt.Errorf("sending mission start: %w", err)
	}
	return nil
}

func (c *Coordinator) finish(s *Session) *Report {
	s.transition(StateFinished)
	resultName := ""
	if s.Outcome != OutcomeNone {
		resultName = fmt.Sprintf("%v", s.Result)
	}
	return &Report{
		SessionID:   s.ID,
		Target:      s.Target,
		Outcome:     s.Outcome,
		OutcomeName: s.Outcome.String(),
		Result:      s.Result,
		ResultName:  resultName,
		Points:      s.Plan.PointCount(),
		ItemsServed: s.ItemsServed,
		StartedAt:   s.StartedAt,
		FinishedAt:  time.Now(),
	}
}

func degE7(deg float32) int32 {
	return int32(math.Round(float64(deg) * 1e7))
}
