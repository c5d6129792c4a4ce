package metrics

import (
	"sync"
	"time"
)

const maxRecentLogs = 100

// Metrics holds process-wide status shown on the web page
type Metrics struct {
	mu sync.RWMutex

	// MAVLink messages written to the flight controller, by message name
	SentMessages   map[string]int64
	FailedMessages map[string]int64

	// Data link
	PlansSent      int64
	PlansReceived  int64
	ImagesSent     int64
	ImagesReceived int64
	DecodeErrors   int64
	LastImageAt    time.Time
	LastImageSize  int

	// Flight controller
	FCConnected     bool
	FCSystemID      uint8
	FCComponentID   uint8
	LastHeartbeatAt time.Time

	LastMission *MissionStatus

	StartTime  time.Time
	Role       string
	RecentLogs []LogEntry
}

// MissionStatus is the summary of the most recent mission upload
type MissionStatus struct {
	SessionID   string    `json:"session_id"`
	Outcome     string    `json:"outcome"`
	Result      string    `json:"result"`
	Points      int       `json:"points"`
	ItemsServed int       `json:"items_served"`
	Error       string    `json:"error,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}

type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

var Global *Metrics

func init() {
	Global = New()
}

func New() *Metrics {
	return &Metrics{
		SentMessages:   make(map[string]int64),
		FailedMessages: make(map[string]int64),
		StartTime:      time.Now(),
		RecentLogs:     make([]LogEntry, 0, maxRecentLogs),
	}
}

func (m *Metrics) SetRole(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Role = role
}

func (m *Metrics) IncSent(msgType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages[msgType]++
}

func (m *Metrics) IncFailed(msgType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailedMessages[msgType]++
}

func (m *Metrics) IncPlansSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PlansSent++
}

func (m *Metrics) IncPlansReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PlansReceived++
}

func (m *Metrics) IncImagesSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ImagesSent++
}

func (m *Metrics) IncDecodeErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DecodeErrors++
}

// ImageReceived records a stored image of size bytes
func (m *Metrics) ImageReceived(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ImagesReceived++
	m.LastImageAt = time.Now()
	m.LastImageSize = size
}

// HandleHeartbeat marks the flight controller as connected
func (m *Metrics) HandleHeartbeat(systemID, componentID uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FCConnected = true
	m.FCSystemID = systemID
	m.FCComponentID = componentID
	m.LastHeartbeatAt = time.Now()
}

func (m *Metrics) SetMission(status MissionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastMission = &status
}

func (m *Metrics) AddLog(level, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.RecentLogs) >= maxRecentLogs {
		m.RecentLogs = m.RecentLogs[1:]
	}
	m.RecentLogs = append(m.RecentLogs, LogEntry{
		Time:    time.Now(),
		Level:   level,
		Message: msg,
	})
}

// GetSnapshot returns a copy of the metrics suitable for JSON encoding
func (m *Metrics) GetSnapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := map[string]interface{}{
		"role":            m.Role,
		"uptime":          time.Since(m.StartTime).String(),
		"sent_messages":   copyCounts(m.SentMessages),
		"failed_messages": copyCounts(m.FailedMessages),
		"plans_sent":      m.PlansSent,
		"plans_received":  m.PlansReceived,
		"images_sent":     m.ImagesSent,
		"images_received": m.ImagesReceived,
		"decode_errors":   m.DecodeErrors,
		"last_image_at":   m.LastImageAt,
		"last_image_size": m.LastImageSize,
		"fc_connected":    m.FCConnected,
		"fc_system_id":    m.FCSystemID,
		"fc_component_id": m.FCComponentID,
		"last_heartbeat":  m.LastHeartbeatAt,
		"logs":            append([]LogEntry(nil), m.RecentLogs...),
	}
	if m.LastMission != nil {
		mission := *m.LastMission
		snapshot["last_mission"] = mission
	}
	return snapshot
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
