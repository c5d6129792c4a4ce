package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"MissionBridge/config"
	"MissionBridge/internal/events"
	"MissionBridge/internal/flightplan"
	"MissionBridge/internal/ground"
	"MissionBridge/internal/logger"
	"MissionBridge/internal/mavlink"
	"MissionBridge/internal/metrics"
	"MissionBridge/internal/mission"
	"MissionBridge/internal/routes"
	"MissionBridge/internal/telemetry"
	"MissionBridge/internal/transport"
	"MissionBridge/internal/vehicle"
	"MissionBridge/web"
)

// runner is the role's main loop
type runner interface {
	Run(ctx context.Context) error
}

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "config/config.yaml", "Path to configuration file")
	role := flag.String("role", "", "Role: ground or vehicle (overrides config)")
	logLevel := flag.String("log", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	if *role != "" {
		os.Setenv("MISSIONBRIDGE_ROLE", *role)
	}

	// Load configuration
	logger.Info("Loading configuration from %s", *configFile)
	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	// Set log level from config or command line
	if *logLevel != "" {
		logger.SetLevelFromString(*logLevel)
	} else {
		logger.SetLevelFromString(cfg.Log.Level)
	}
	if cfg.Log.TimestampFormat != "" {
		logger.SetTimestampFormat(cfg.Log.TimestampFormat)
	}
	logger.SetHook(func(level logger.Level, msg string) {
		metrics.Global.AddLog(level.String(), msg)
	})
	metrics.Global.SetRole(cfg.Role)

	logger.Info("Configuration loaded successfully (Role: %s, Transport: %s, Log level: %s)",
		cfg.Role, cfg.Link.Transport, logger.GetLevelString())

	codec, err := flightplan.NewCodec(cfg.Link.ObfuscationKey)
	if err != nil {
		logger.Fatal("Invalid obfuscation key: %v", err)
	}
	codec.MaxPoints = cfg.Link.MaxPoints
	codec.MaxImageSize = cfg.Link.MaxImageSize

	publisher, err := events.New(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
	if err != nil {
		logger.Warn("[STARTUP] Event publishing disabled: %v", err)
		publisher = events.Noop{}
	}

	stats := logger.NewStatsManager(cfg.Log.StatsInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		r       runner
		closers []func()
		server  *web.Server
	)
	switch cfg.Role {
	case config.RoleVehicle:
		var agent *vehicle.Agent
		agent, closers = setupVehicle(ctx, cfg, codec, publisher, stats)
		r = agent
		if cfg.Web.Enabled {
			server = web.NewServer(cfg.Web.Port, web.Sources{})
		}
	case config.RoleGround:
		var station *ground.Station
		station, closers = setupGround(cfg, codec, publisher, stats)
		r = station

		src := web.Sources{
			Plans:           station,
			Images:          station,
			Routes:          routes.NewStore(cfg.Ground.RoutesDir, cfg.Ground.RouteSlots),
			DefaultAltitude: cfg.Ground.DefaultAltitude,
		}
		if cfg.Ground.Telemetry.Enabled {
			tracker, closeTelemetry := setupTelemetry(ctx, cfg)
			closers = append(closers, closeTelemetry)
			src.Positions = tracker
		}
		if cfg.Web.Enabled {
			server = web.NewServer(cfg.Web.Port, src)
		}
	}

	if server != nil {
		server.Start()
	}
	stats.Start()

	logger.Info("MissionBridge %s running. Press Ctrl+C to stop.", cfg.Role)
	runErr := r.Run(ctx)

	// Graceful shutdown
	logger.Info("[SHUTDOWN] Initiating graceful shutdown...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("[SHUTDOWN] Web server: %v", err)
		}
		cancel()
	}
	stats.Stop()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	publisher.Close()

	if runErr != nil {
		logger.Fatal("[SHUTDOWN] %s stopped with error: %v", cfg.Role, runErr)
	}
	logger.Info("[SHUTDOWN] ✅ Complete")
}

func setupVehicle(ctx context.Context, cfg *config.Config, codec *flightplan.Codec, pub events.Publisher, stats *logger.StatsManager) (*vehicle.Agent, []func()) {
	var closers []func()
	fc := cfg.FlightController

	// STEP 1: MAVLink link to the flight controller
	logger.Info("[STARTUP] Opening flight controller link on port %d -> %s", fc.LocalPort, fc.Address)
	fcChannel, err := transport.ListenDatagram(fc.LocalPort, fc.Address)
	if err != nil {
		logger.Fatal("Failed to open flight controller socket: %v", err)
	}
	if fc.LearnPeer {
		fcChannel.SetLearnPeer(true)
	}
	if fcChannel.LearnsPeer() {
		logger.Info("[STARTUP] Flight controller address will be learned from its first message")
	}
	link, err := mavlink.Open(fcChannel, mavlink.LinkOptions{
		SystemID:     fc.SystemID,
		ComponentID:  fc.ComponentID,
		GCSHeartbeat: fc.GCSHeartbeat,
	})
	if err != nil {
		logger.Fatal("Failed to create MAVLink node: %v", err)
	}
	closers = append(closers, link.Close)

	// STEP 2: optionally wait for the autopilot before accepting plans
	var target *mission.Target
	if fc.HeartbeatTimeout > 0 {
		logger.Info("[STARTUP] ⏳ Waiting for flight controller heartbeat... (timeout: %ds)", fc.HeartbeatTimeout)
		hbCtx, cancel := context.WithTimeout(ctx, time.Duration(fc.HeartbeatTimeout)*time.Second)
		hb, err := mission.WaitForHeartbeat(hbCtx, link)
		cancel()
		switch {
		case err == nil:
			target = &mission.Target{SystemID: hb.SystemID, ComponentID: hb.ComponentID}
			logger.Info("[STARTUP] ✅ Flight controller connected (System ID: %d)", hb.SystemID)
		case ctx.Err() != nil:
			// interrupted; Run returns immediately
		case fc.AllowMissing:
			logger.Warn("[STARTUP] ⚠️  No heartbeat within %ds, allow_missing=true, continuing...", fc.HeartbeatTimeout)
		default:
			logger.Fatal("[STARTUP] ❌ Flight controller not found. Set 'allow_missing: true' in config to skip this requirement.")
		}
	}

	// STEP 3: data link to the ground station
	var (
		plans  transport.MessageReceiver
		images transport.MessageSender
	)
	switch cfg.Link.Transport {
	case config.TransportTCP:
		srv, err := transport.ListenStream(cfg.PlanListenAddress())
		if err != nil {
			logger.Fatal("Failed to listen for plans: %v", err)
		}
		closers = append(closers, func() { srv.Close() })
		plans = transport.NewStreamReceiver(srv, codec.ReadMessage)

		client := transport.NewStreamClient(cfg.ImageAddress(), transport.ClientOptions{
			ConnectAttempts: cfg.Link.ConnectAttempts,
			RetryDelay:      cfg.ConnectRetryDelay(),
		})
		closers = append(closers, func() { client.Close() })
		images = client
		logger.Info("[STARTUP] Plans on %s, images to %s", srv.Addr(), cfg.ImageAddress())
	case config.TransportUDP:
		ch, err := transport.ListenDatagram(cfg.Link.VehicleUDPPort, cfg.VehicleUDPPeer())
		if err != nil {
			logger.Fatal("Failed to open data link socket: %v", err)
		}
		closers = append(closers, func() { ch.Close() })
		plans = transport.NewDatagramReceiver(ch)
		images = transport.NewDatagramSender(ch)
		logger.Info("[STARTUP] Data link on %s <-> %s", ch.LocalAddr(), ch.Peer())
	}

	opts := vehicle.Options{
		Codec:                   codec,
		ImageFile:               cfg.Vehicle.ImageFile,
		ImageInterval:           time.Duration(cfg.Vehicle.ImageInterval) * time.Second,
		UploadTimeout:           time.Duration(fc.UploadTimeout) * time.Second,
		Target:                  target,
		StartupHeartbeatTimeout: time.Duration(fc.HeartbeatTimeout) * time.Second,
		Stats:                   stats,
	}
	if fc.Preflight.Enabled {
		opts.Preflight = &mission.PreflightOptions{
			BaseMode:        fc.Preflight.BaseMode,
			CustomMode:      fc.Preflight.CustomMode,
			TakeoffAltitude: fc.Preflight.TakeoffAltitude,
			StepDelay:       time.Duration(fc.Preflight.StepDelayMs) * time.Millisecond,
		}
	}

	return vehicle.NewAgent(link, plans, images, pub, opts), closers
}

func setupGround(cfg *config.Config, codec *flightplan.Codec, pub events.Publisher, stats *logger.StatsManager) (*ground.Station, []func()) {
	var (
		closers []func()
		plans   transport.MessageSender
		images  transport.MessageReceiver
	)

	switch cfg.Link.Transport {
	case config.TransportTCP:
		client := transport.NewStreamClient(cfg.PlanAddress(), transport.ClientOptions{
			ConnectAttempts: cfg.Link.ConnectAttempts,
			RetryDelay:      cfg.ConnectRetryDelay(),
		})
		closers = append(closers, func() { client.Close() })
		plans = client

		srv, err := transport.ListenStream(cfg.ImageListenAddress())
		if err != nil {
			logger.Fatal("Failed to listen for images: %v", err)
		}
		closers = append(closers, func() { srv.Close() })
		images = transport.NewStreamReceiver(srv, codec.ReadMessage)
		logger.Info("[STARTUP] Plans to %s, images on %s", cfg.PlanAddress(), srv.Addr())
	case config.TransportUDP:
		ch, err := transport.ListenDatagram(cfg.Link.GroundUDPPort, cfg.GroundUDPPeer())
		if err != nil {
			logger.Fatal("Failed to open data link socket: %v", err)
		}
		closers = append(closers, func() { ch.Close() })
		plans = transport.NewDatagramSender(ch)
		images = transport.NewDatagramReceiver(ch)
		logger.Info("[STARTUP] Data link on %s <-> %s", ch.LocalAddr(), ch.Peer())
	}

	station := ground.NewStation(plans, images, pub, ground.Options{
		Codec:        codec,
		CoordsFile:   cfg.Ground.CoordsFile,
		PollInterval: time.Duration(cfg.Ground.PollInterval) * time.Second,
		ImageOutput:  cfg.Ground.ImageOutput,
		Stats:        stats,
	})
	return station, closers
}

// setupTelemetry listens for the vehicle's MAVLink telemetry on the ground
func setupTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Tracker, func()) {
	addr := fmt.Sprintf(":%d", cfg.Ground.Telemetry.Port)
	link, err := mavlink.Listen(addr, mavlink.LinkOptions{
		SystemID:    cfg.FlightController.SystemID,
		ComponentID: cfg.FlightController.ComponentID,
	})
	if err != nil {
		logger.Fatal("Failed to open telemetry listener on %s: %v", addr, err)
	}

	tracker := telemetry.NewTracker()
	go tracker.Run(ctx, link.Messages())
	return tracker, link.Close
}
