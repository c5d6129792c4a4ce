// Package ground runs the ground station side of the data link: it ships
// flight plans to the vehicle and stores the images the vehicle sends back.
package ground

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"MissionBridge/internal/events"
	"MissionBridge/internal/flightplan"
	"MissionBridge/internal/logger"
	"MissionBridge/internal/metrics"
	"MissionBridge/internal/transport"
)

const (
	SourceFile = "file"
	SourceAPI  = "api"

	defaultQueueSize = 8
)

var (
	ErrQueueFull = errors.New("plan queue is full")
	ErrStopped   = errors.New("ground station is not running")
)

// Options configures a Station
type Options struct {
	Codec *flightplan.Codec

	CoordsFile   string
	PollInterval time.Duration

	ImageOutput string
	QueueSize   int

	// Stats receives the station's counters; a private, never started manager is used when nil
	Stats *logger.StatsManager
}

type counters struct {
	plansSent      *atomic.Uint64
	sendFailures   *atomic.Uint64
	imagesReceived *atomic.Uint64
	decodeErrors   *atomic.Uint64
}

type queuedPlan struct {
	id     string
	source string
	plan   *flightplan.FlightPlan
}

// Station sends plans to the vehicle and receives images from it
type Station struct {
	plans  transport.MessageSender
	images transport.MessageReceiver
	events events.Publisher
	opts   Options
	stats  counters

	queue   chan queuedPlan
	running chan struct{} // closed by Run on exit

	mu       sync.RWMutex
	image    []byte
	imageAt  time.Time
	hasImage bool
}

// NewStation wires a station. images may be nil when no image receiver runs.
func NewStation(plans transport.MessageSender, images transport.MessageReceiver, pub events.Publisher, opts Options) *Station {
	if opts.Codec == nil {
		opts.Codec, _ = flightplan.NewCodec(flightplan.DefaultKey)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if pub == nil {
		pub = events.Noop{}
	}
	if opts.Stats == nil {
		opts.Stats = logger.NewStatsManager(0)
	}
	return &Station{
		plans:  plans,
		images: images,
		events: pub,
		opts:   opts,
		stats: counters{
			plansSent:      opts.Stats.RegisterCounter("PlansSent"),
			sendFailures:   opts.Stats.RegisterCounter("SendFailures"),
			imagesReceived: opts.Stats.RegisterCounter("ImagesReceived"),
			decodeErrors:   opts.Stats.RegisterCounter("DecodeErrors"),
		},
		queue:   make(chan queuedPlan, opts.QueueSize),
		running: make(chan struct{}),
	}
}

// SubmitPlan queues plan for the sender loop without blocking
func (s *Station) SubmitPlan(plan *flightplan.FlightPlan, source string) (string, error) {
	select {
	case <-s.running:
		return "", ErrStopped
	default:
	}

	qp := queuedPlan{id: uuid.NewString(), source: source, plan: plan}
	select {
	case s.queue <- qp:
		return qp.id, nil
	default:
		return "", ErrQueueFull
	}
}

// LatestImage returns a copy of the last image received
func (s *Station) LatestImage() ([]byte, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasImage {
		return nil, time.Time{}, false
	}
	return append([]byte(nil), s.image...), s.imageAt, true
}

// Run blocks until ctx is done or the image receiver fails
func (s *Station) Run(ctx context.Context) error {
	defer close(s.running)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx = runCtx

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sendLoop(ctx)
	}()

	if s.images != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- s.images.ReceiveMessages(ctx, s.handleImageMessage)
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	stopped := ctx.Err() != nil
	cancel()
	wg.Wait()
	if stopped {
		return nil
	}
	return err
}

// sendLoop owns the plan sender: it polls the coordinates file and drains
// plans submitted through the API.
func (s *Station) sendLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	logger.Info("[GROUND] Watching %s every %s", s.opts.CoordsFile, s.opts.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case qp := <-s.queue:
			s.send(ctx, qp)
		case <-ticker.C:
			if qp, ok := s.pollCoordsFile(); ok {
				s.send(ctx, qp)
			}
		}
	}
}

func (s *Station) pollCoordsFile() (queuedPlan, bool) {
	if s.opts.CoordsFile == "" {
		return queuedPlan{}, false
	}
	coords, err := flightplan.TakeCoordinatesFile(s.opts.CoordsFile)
	if err != nil {
		if !errors.Is(err, flightplan.ErrNoPlan) {
			logger.Warn("[GROUND] Discarding %s: %v", s.opts.CoordsFile, err)
		}
		return queuedPlan{}, false
	}
	if len(coords) == 0 {
		logger.Warn("[GROUND] %s has no waypoints, nothing to send", s.opts.CoordsFile)
		return queuedPlan{}, false
	}

	logger.Info("[GROUND] Loaded %d waypoints from %s", len(coords), s.opts.CoordsFile)
	return queuedPlan{
		id:     uuid.NewString(),
		source: SourceFile,
		plan:   flightplan.New(coords, nil),
	}, true
}

// send encodes and delivers one plan. A failed plan is logged and dropped.
func (s *Station) send(ctx context.Context, qp queuedPlan) {
	msg := s.opts.Codec.Encode(qp.plan)
	if err := s.plans.Send(ctx, msg); err != nil {
		if ctx.Err() == nil {
			s.stats.sendFailures.Add(1)
			logger.Error("[GROUND] Failed to send plan %s: %v", qp.id, err)
		}
		return
	}

	metrics.Global.IncPlansSent()
	s.stats.plansSent.Add(1)
	logger.Info("[GROUND] Sent plan %s (%d waypoints, %d bytes)", qp.id, qp.plan.PointCount(), len(msg))

	evt := events.PlanSent{
		PlanID:    qp.id,
		Source:    qp.source,
		Points:    qp.plan.PointCount(),
		ImageSize: qp.plan.ImageSize(),
		Bytes:     len(msg),
		SentAt:    time.Now(),
	}
	if err := s.events.PublishPlanSent(evt); err != nil {
		logger.Warn("[EVENTS] %v", err)
	}
}

// handleImageMessage stores the image carried by msg. Messages without an
// image are ignored; undecodable ones are counted.
func (s *Station) handleImageMessage(msg []byte) {
	plan, err := s.opts.Codec.Decode(msg)
	if err != nil {
		metrics.Global.IncDecodeErrors()
		s.stats.decodeErrors.Add(1)
		logger.Warn("[GROUND] Dropping undecodable message (%d bytes): %v", len(msg), err)
		return
	}
	image := plan.Image()
	if len(image) == 0 {
		logger.Debug("[GROUND] Ignoring message without image")
		return
	}

	if s.opts.ImageOutput != "" {
		if err := flightplan.WriteImageFile(s.opts.ImageOutput, image); err != nil {
			logger.Error("[GROUND] %v", err)
		}
	}

	now := time.Now()
	s.mu.Lock()
	s.image = image
	s.imageAt = now
	s.hasImage = true
	s.mu.Unlock()

	metrics.Global.ImageReceived(len(image))
	s.stats.imagesReceived.Add(1)
	logger.Debug("[GROUND] Received image (%d bytes)", len(image))

	evt := events.ImageReceived{Size: len(image), Path: s.opts.ImageOutput, ReceivedAt: now}
	if err := s.events.PublishImageReceived(evt); err != nil {
		logger.Warn("[EVENTS] %v", err)
	}
}
