package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	RoleGround  = "ground"
	RoleVehicle = "vehicle"

	TransportTCP = "tcp"
	TransportUDP = "udp"

	envPrefix = "MISSIONBRIDGE_"

	// MAVLink mission counts are uint16 and slot 0 holds the home position
	maxMissionPoints = 65534
)

// Config represents the application configuration
type Config struct {
	Role             string                 `yaml:"role"` // ground or vehicle
	Log              LogConfig              `yaml:"log"`
	Link             LinkConfig             `yaml:"link"`
	FlightController FlightControllerConfig `yaml:"flight_controller"`
	Ground           GroundConfig           `yaml:"ground"`
	Vehicle          VehicleConfig          `yaml:"vehicle"`
	Web              WebConfig              `yaml:"web"`
	Events           EventsConfig           `yaml:"events"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level           string `yaml:"level"`            // debug, info, warn, error
	TimestampFormat string `yaml:"timestamp_format"` // "time" or "unix"
	StatsInterval   int    `yaml:"stats_interval"`   // seconds between [STATS] lines (default: 30)
}

// LinkConfig describes the ground <-> vehicle data link
type LinkConfig struct {
	Transport      string `yaml:"transport"` // tcp or udp
	ObfuscationKey string `yaml:"obfuscation_key"`
	GroundHost     string `yaml:"ground_host"`
	VehicleHost    string `yaml:"vehicle_host"`

	// tcp: the vehicle listens on PlanPort, the ground station on ImagePort
	PlanPort  int `yaml:"plan_port"`
	ImagePort int `yaml:"image_port"`

	// udp: each side binds its own port and sends to the other's
	GroundUDPPort  int `yaml:"ground_udp_port"`
	VehicleUDPPort int `yaml:"vehicle_udp_port"`

	ConnectAttempts     int   `yaml:"connect_attempts"`
	ConnectRetryDelayMs int   `yaml:"connect_retry_delay_ms"`
	MaxPoints           int   `yaml:"max_points"`
	MaxImageSize        int64 `yaml:"max_image_size"` // bytes
}

// FlightControllerConfig describes the MAVLink link on the vehicle
type FlightControllerConfig struct {
	LocalPort        int             `yaml:"local_port"`
	Address          string          `yaml:"address"` // host:port of the autopilot
	SystemID         uint8           `yaml:"system_id"`
	ComponentID      uint8           `yaml:"component_id"`
	GCSHeartbeat     bool            `yaml:"gcs_heartbeat"`
	LearnPeer        bool            `yaml:"learn_peer"`        // reply to whoever sends to local_port
	HeartbeatTimeout int             `yaml:"heartbeat_timeout"` // seconds to wait at startup, 0 = no startup wait
	AllowMissing     bool            `yaml:"allow_missing"`     // keep running if no heartbeat arrives in time
	UploadTimeout    int             `yaml:"upload_timeout"`    // seconds per mission upload
	Preflight        PreflightConfig `yaml:"preflight"`
}

// PreflightConfig contains the arm/mode/takeoff sequence sent after the first heartbeat
type PreflightConfig struct {
	Enabled         bool    `yaml:"enabled"`
	BaseMode        float32 `yaml:"base_mode"`
	CustomMode      float32 `yaml:"custom_mode"`
	TakeoffAltitude float32 `yaml:"takeoff_altitude"` // meters
	StepDelayMs     int     `yaml:"step_delay_ms"`
}

// GroundConfig contains ground station settings
type GroundConfig struct {
	CoordsFile   string `yaml:"coords_file"`
	PollInterval int    `yaml:"poll_interval"` // seconds
	ImageOutput  string `yaml:"image_output"`

	RoutesDir       string          `yaml:"routes_dir"`
	RouteSlots      int             `yaml:"route_slots"`
	DefaultAltitude float32         `yaml:"default_altitude"` // meters, for saved routes without altitudes
	Telemetry       TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig contains the ground-side MAVLink position listener settings
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// VehicleConfig contains vehicle agent settings
type VehicleConfig struct {
	ImageFile     string `yaml:"image_file"`
	ImageInterval int    `yaml:"image_interval"` // seconds, 0 disables the image sender
}

// WebConfig contains web server settings
type WebConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// EventsConfig contains the optional NATS event publisher settings
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"` // empty disables publishing
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.FlightController.GCSHeartbeat = true
	cfg.setDefaults()
	return cfg
}

// Load reads configuration from a YAML file, then applies a .env file and
// MISSIONBRIDGE_* environment overrides.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// .env is optional
	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.StatsInterval <= 0 {
		c.Log.StatsInterval = 30
	}

	l := &c.Link
	if l.Transport == "" {
		l.Transport = TransportTCP
	}
	if l.ObfuscationKey == "" {
		l.ObfuscationKey = "uav"
	}
	if l.GroundHost == "" {
		l.GroundHost = "127.0.0.1"
	}
	if l.VehicleHost == "" {
		l.VehicleHost = "127.0.0.1"
	}
	if l.PlanPort == 0 {
		l.PlanPort = 14520
	}
	if l.ImagePort == 0 {
		l.ImagePort = 14519
	}
	if l.GroundUDPPort == 0 {
		l.GroundUDPPort = 14521
	}
	if l.VehicleUDPPort == 0 {
		l.VehicleUDPPort = 14522
	}
	if l.ConnectAttempts <= 0 {
		l.ConnectAttempts = 10
	}
	if l.ConnectRetryDelayMs <= 0 {
		l.ConnectRetryDelayMs = 100
	}
	if l.MaxPoints <= 0 {
		l.MaxPoints = maxMissionPoints
	}
	if l.MaxImageSize <= 0 {
		l.MaxImageSize = 16 << 20
	}

	fc := &c.FlightController
	if fc.LocalPort == 0 {
		fc.LocalPort = 14557
	}
	if fc.Address == "" {
		fc.Address = "127.0.0.1:14557"
	}
	if fc.SystemID == 0 {
		fc.SystemID = 255
	}
	if fc.ComponentID == 0 {
		fc.ComponentID = 191
	}
	if fc.HeartbeatTimeout < 0 {
		fc.HeartbeatTimeout = 0
	}
	if fc.UploadTimeout <= 0 {
		fc.UploadTimeout = 120
	}
	if fc.Preflight.BaseMode == 0 {
		fc.Preflight.BaseMode = 209
	}
	if fc.Preflight.CustomMode == 0 {
		fc.Preflight.CustomMode = 4
	}
	if fc.Preflight.TakeoffAltitude == 0 {
		fc.Preflight.TakeoffAltitude = 5
	}
	if fc.Preflight.StepDelayMs <= 0 {
		fc.Preflight.StepDelayMs = 1000
	}

	if c.Ground.CoordsFile == "" {
		c.Ground.CoordsFile = "coords.txt"
	}
	if c.Ground.PollInterval <= 0 {
		c.Ground.PollInterval = 3
	}
	if c.Ground.ImageOutput == "" {
		c.Ground.ImageOutput = "getted.png"
	}
	if c.Ground.RoutesDir == "" {
		c.Ground.RoutesDir = "."
	}
	if c.Ground.RouteSlots <= 0 {
		c.Ground.RouteSlots = 3
	}
	if c.Ground.DefaultAltitude <= 0 {
		c.Ground.DefaultAltitude = 100
	}
	if c.Ground.Telemetry.Port == 0 {
		c.Ground.Telemetry.Port = 14558
	}
	if c.Vehicle.ImageFile == "" {
		c.Vehicle.ImageFile = "drone.png"
	}
	if c.Vehicle.ImageInterval < 0 {
		c.Vehicle.ImageInterval = 0
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "missionbridge"
	}
}

// applyEnv overrides selected fields from MISSIONBRIDGE_* variables
func (c *Config) applyEnv() error {
	strVars := map[string]*string{
		"ROLE":            &c.Role,
		"LOG_LEVEL":       &c.Log.Level,
		"TRANSPORT":       &c.Link.Transport,
		"OBFUSCATION_KEY": &c.Link.ObfuscationKey,
		"GROUND_HOST":     &c.Link.GroundHost,
		"VEHICLE_HOST":    &c.Link.VehicleHost,
		"FC_ADDRESS":      &c.FlightController.Address,
		"NATS_URL":        &c.Events.NATSURL,
	}
	for name, dst := range strVars {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	intVars := map[string]*int{
		"PLAN_PORT":      &c.Link.PlanPort,
		"IMAGE_PORT":     &c.Link.ImagePort,
		"FC_LOCAL_PORT":  &c.FlightController.LocalPort,
		"WEB_PORT":       &c.Web.Port,
		"TELEMETRY_PORT": &c.Ground.Telemetry.Port,
	}
	for name, dst := range intVars {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = n
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Role != RoleGround && c.Role != RoleVehicle {
		return fmt.Errorf("role must be %q or %q, got %q", RoleGround, RoleVehicle, c.Role)
	}
	if c.Link.Transport != TransportTCP && c.Link.Transport != TransportUDP {
		return fmt.Errorf("link.transport must be %q or %q, got %q", TransportTCP, TransportUDP, c.Link.Transport)
	}
	if c.Link.ObfuscationKey == "" {
		return fmt.Errorf("link.obfuscation_key cannot be empty")
	}
	if c.Link.MaxPoints > maxMissionPoints {
		return fmt.Errorf("link.max_points cannot exceed %d, got %d", maxMissionPoints, c.Link.MaxPoints)
	}

	ports := map[string]int{
		"link.plan_port":               c.Link.PlanPort,
		"link.image_port":              c.Link.ImagePort,
		"link.ground_udp_port":         c.Link.GroundUDPPort,
		"link.vehicle_udp_port":        c.Link.VehicleUDPPort,
		"flight_controller.local_port": c.FlightController.LocalPort,
	}
	if c.Web.Enabled {
		ports["web.port"] = c.Web.Port
	}
	if c.Role == RoleGround && c.Ground.Telemetry.Enabled {
		ports["ground.telemetry.port"] = c.Ground.Telemetry.Port
	}
	for name, port := range ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535", name)
		}
	}

	if c.Role == RoleVehicle {
		if _, _, err := net.SplitHostPort(c.FlightController.Address); err != nil {
			return fmt.Errorf("flight_controller.address: %w", err)
		}
		if c.Link.GroundHost == "" {
			return fmt.Errorf("link.ground_host cannot be empty")
		}
	} else if c.Link.VehicleHost == "" {
		return fmt.Errorf("link.vehicle_host cannot be empty")
	}
	return nil
}

// PlanListenAddress is where the vehicle accepts plans (tcp)
func (c *Config) PlanListenAddress() string {
	return fmt.Sprintf(":%d", c.Link.PlanPort)
}

// PlanAddress is where the ground station sends plans (tcp)
func (c *Config) PlanAddress() string {
	return net.JoinHostPort(c.Link.VehicleHost, strconv.Itoa(c.Link.PlanPort))
}

// ImageListenAddress is where the ground station accepts images (tcp)
func (c *Config) ImageListenAddress() string {
	return fmt.Sprintf(":%d", c.Link.ImagePort)
}

// ImageAddress is where the vehicle sends images (tcp)
func (c *Config) ImageAddress() string {
	return net.JoinHostPort(c.Link.GroundHost, strconv.Itoa(c.Link.ImagePort))
}

// GroundUDPPeer is the vehicle's datagram endpoint as seen from the ground
func (c *Config) GroundUDPPeer() string {
	return net.JoinHostPort(c.Link.VehicleHost, strconv.Itoa(c.Link.VehicleUDPPort))
}

// VehicleUDPPeer is the ground station's datagram endpoint as seen from the vehicle
func (c *Config) VehicleUDPPeer() string {
	return net.JoinHostPort(c.Link.GroundHost, strconv.Itoa(c.Link.GroundUDPPort))
}

func (c *Config) ConnectRetryDelay() time.Duration {
	return time.Duration(c.Link.ConnectRetryDelayMs) * time.Millisecond
}

// Save writes the configuration to a YAML file
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
