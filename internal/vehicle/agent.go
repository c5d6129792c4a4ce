// Package vehicle runs on the drone: it turns plans from the ground station
// into mission uploads and sends camera snapshots back.
package vehicle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"MissionBridge/internal/events"
	"MissionBridge/internal/flightplan"
	"MissionBridge/internal/logger"
	"MissionBridge/internal/metrics"
	"MissionBridge/internal/mission"
	"MissionBridge/internal/transport"
)

// Options configures an Agent
type Options struct {
	Codec *flightplan.Codec

	ImageFile     string
	ImageInterval time.Duration // 0 disables the image sender

	UploadTimeout time.Duration

	// Target is the flight controller found at startup. When nil, Preflight
	// first waits for a heartbeat, bounded by StartupHeartbeatTimeout
	// (0 waits until the agent stops).
	Target                  *mission.Target
	StartupHeartbeatTimeout time.Duration
	Preflight               *mission.PreflightOptions // nil skips the arming sequence

	// Stats receives the agent's counters; a private, never started manager is used when nil
	Stats *logger.StatsManager
}

type counters struct {
	plansReceived    *atomic.Uint64
	decodeErrors     *atomic.Uint64
	missionsAccepted *atomic.Uint64
	missionsFailed   *atomic.Uint64
	imagesSent       *atomic.Uint64
}

// Agent owns the flight controller link and the vehicle side of the data link
type Agent struct {
	link   mission.Link
	coord  *mission.Coordinator
	plans  transport.MessageReceiver
	images transport.MessageSender
	events events.Publisher
	opts   Options
	stats  counters

	// holds at most one plan waiting for the uploader
	pending chan *flightplan.FlightPlan
}

// NewAgent wires an agent. images may be nil when no image sender runs.
func NewAgent(link mission.Link, plans transport.MessageReceiver, images transport.MessageSender, pub events.Publisher, opts Options) *Agent {
	if opts.Codec == nil {
		opts.Codec, _ = flightplan.NewCodec(flightplan.DefaultKey)
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 2 * time.Minute
	}
	if pub == nil {
		pub = events.Noop{}
	}
	if opts.Stats == nil {
		opts.Stats = logger.NewStatsManager(0)
	}

	a := &Agent{
		link:   link,
		plans:  plans,
		images: images,
		events: pub,
		opts:   opts,
		stats: counters{
			plansReceived:    opts.Stats.RegisterCounter("PlansReceived"),
			decodeErrors:     opts.Stats.RegisterCounter("DecodeErrors"),
			missionsAccepted: opts.Stats.RegisterCounter("MissionsAccepted"),
			missionsFailed:   opts.Stats.RegisterCounter("MissionsFailed"),
			imagesSent:       opts.Stats.RegisterCounter("ImagesSent"),
		},
		pending: make(chan *flightplan.FlightPlan, 1),
	}
	a.coord = mission.NewCoordinator(link, mission.Options{OnFinished: a.recordMission})
	return a
}

// Run blocks until ctx is done. The plan receiver, the uploader and the
// image sender each run in their own goroutine.
func (a *Agent) Run(ctx context.Context) error {
	if a.opts.Preflight != nil {
		if err := a.preflight(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("[VEHICLE] Preflight failed: %v", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx = runCtx

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.uploadLoop(ctx)
	}()

	if a.images != nil && a.opts.ImageInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.imageLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("[VEHICLE] Waiting for flight plans")
		errCh <- a.plans.ReceiveMessages(ctx, a.handlePlanMessage)
	}()

	err := <-errCh
	stopped := ctx.Err() != nil
	cancel()
	wg.Wait()
	if stopped {
		return nil
	}
	return err
}

func (a *Agent) preflight(ctx context.Context) error {
	if a.opts.Target != nil {
		logger.Info("[VEHICLE] Running preflight on flight controller %s", *a.opts.Target)
		return mission.Preflight(ctx, a.link, *a.opts.Target, *a.opts.Preflight)
	}

	hbCtx := ctx
	if a.opts.StartupHeartbeatTimeout > 0 {
		var cancel context.CancelFunc
		hbCtx, cancel = context.WithTimeout(ctx, a.opts.StartupHeartbeatTimeout)
		defer cancel()
	}

	logger.Info("[VEHICLE] Waiting for flight controller heartbeat")
	hb, err := mission.WaitForHeartbeat(hbCtx, a.link)
	if err != nil {
		return err
	}
	target := mission.Target{SystemID: hb.SystemID, ComponentID: hb.ComponentID}
	logger.Info("[VEHICLE] Flight controller %s online, running preflight", target)
	return mission.Preflight(ctx, a.link, target, *a.opts.Preflight)
}

// handlePlanMessage decodes one received message. Undecodable messages are
// counted and dropped.
func (a *Agent) handlePlanMessage(msg []byte) {
	plan, err := a.opts.Codec.Decode(msg)
	if err != nil {
		metrics.Global.IncDecodeErrors()
		a.stats.decodeErrors.Add(1)
		logger.Warn("[VEHICLE] Dropping undecodable plan (%d bytes): %v", len(msg), err)
		return
	}
	if plan.PointCount() == 0 {
		logger.Debug("[VEHICLE] Ignoring plan without waypoints")
		return
	}

	metrics.Global.IncPlansReceived()
	a.stats.plansReceived.Add(1)
	logger.Info("[VEHICLE] Received plan with %d waypoints", plan.PointCount())
	a.enqueue(plan)
}

// enqueue puts plan in the slot, replacing a plan that is still waiting
func (a *Agent) enqueue(plan *flightplan.FlightPlan) {
	for {
		select {
		case a.pending <- plan:
			return
		default:
		}
		select {
		case old := <-a.pending:
			logger.Warn("[VEHICLE] Replacing waiting plan (%d waypoints) with newer plan", old.PointCount())
		default:
		}
	}
}

func (a *Agent) uploadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case plan := <-a.pending:
			a.upload(ctx, plan)
		}
	}
}

func (a *Agent) upload(ctx context.Context, plan *flightplan.FlightPlan) {
	upCtx, cancel := context.WithTimeout(ctx, a.opts.UploadTimeout)
	defer cancel()

	report, err := a.coord.Upload(upCtx, plan)
	if err == nil {
		a.stats.missionsAccepted.Add(1)
	} else if ctx.Err() == nil {
		a.stats.missionsFailed.Add(1)
	}
	switch {
	case err == nil:
		logger.Info("[VEHICLE] Mission %s accepted by %s and started", report.SessionID, report.Target)
	case errors.Is(err, mission.ErrMissionRejected):
		logger.Error("[VEHICLE] Mission %s rejected: %v", report.SessionID, err)
	case ctx.Err() != nil:
		// shutting down
	default:
		logger.Error("[VEHICLE] Mission upload failed: %v", err)
	}
}

// recordMission stores the outcome of every upload that reached the
// flight controller and publishes it.
func (a *Agent) recordMission(report *mission.Report, err error) {
	if report == nil {
		return
	}
	status := metrics.MissionStatus{
		SessionID:   report.SessionID,
		Outcome:     report.OutcomeName,
		Result:      report.ResultName,
		Points:      report.Points,
		ItemsServed: report.ItemsServed,
		FinishedAt:  report.FinishedAt,
	}
	if err != nil {
		status.Error = err.Error()
	}
	metrics.Global.SetMission(status)

	if pubErr := a.events.PublishMissionReport(report); pubErr != nil {
		logger.Warn("[EVENTS] %v", pubErr)
	}
}

func (a *Agent) imageLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.ImageInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendImage(ctx)
		}
	}
}

// sendImage sends the current snapshot as an image-only plan. A missing
// or empty file is skipped silently.
func (a *Agent) sendImage(ctx context.Context) {
	data, err := flightplan.ReadImageFile(a.opts.ImageFile)
	if err != nil {
		if !errors.Is(err, flightplan.ErrNoPlan) {
			logger.Warn("[VEHICLE] %v", err)
		}
		return
	}
	if len(data) == 0 {
		return
	}
	if int64(len(data)) > a.opts.Codec.MaxImageSize {
		logger.Warn("[VEHICLE] Image %s is %d bytes, over the %d byte limit", a.opts.ImageFile, len(data), a.opts.Codec.MaxImageSize)
		return
	}

	msg := a.opts.Codec.Encode(flightplan.NewImage(data))
	if err := a.images.Send(ctx, msg); err != nil {
		if ctx.Err() == nil {
			logger.Warn("[VEHICLE] Failed to send image: %v", err)
		}
		return
	}
	metrics.Global.IncImagesSent()
	a.stats.imagesSent.Add(1)
	logger.Debug("[VEHICLE] Sent image (%d bytes)", len(data))
}
