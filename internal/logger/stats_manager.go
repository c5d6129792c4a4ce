package logger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// StatsManager periodically logs a set of named counters
type StatsManager struct {
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	counters map[string]*atomic.Uint64
	prev     map[string]uint64
}

// NewStatsManager creates a stats manager logging every intervalSec seconds (30 if <= 0)
func NewStatsManager(intervalSec int) *StatsManager {
	if intervalSec <= 0 {
		intervalSec = 30
	}
	return &StatsManager{
		interval: time.Duration(intervalSec) * time.Second,
		stopCh:   make(chan struct{}),
		counters: make(map[string]*atomic.Uint64),
		prev:     make(map[string]uint64),
	}
}

// RegisterCounter returns the counter called name, creating it on first use.
// Callers increment the returned value directly.
func (sm *StatsManager) RegisterCounter(name string) *atomic.Uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	c, ok := sm.counters[name]
	if !ok {
		c = &atomic.Uint64{}
		sm.counters[name] = c
	}
	return c
}

// Snapshot returns the current value of every counter
func (sm *StatsManager) Snapshot() map[string]uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	out := make(map[string]uint64, len(sm.counters))
	for name, c := range sm.counters {
		out[name] = c.Load()
	}
	return out
}

// Start begins the periodic logging loop
func (sm *StatsManager) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop ends the logging loop; safe to call more than once
func (sm *StatsManager) Stop() {
	sm.stopOnce.Do(func() { close(sm.stopCh) })
	sm.wg.Wait()
}

func (sm *StatsManager) run() {
	defer sm.wg.Done()
	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.stopCh:
			return
		case <-ticker.C:
			if line := sm.line(); line != "" {
				Info("[STATS] %s", line)
			}
		}
	}
}

// line renders "name: total (+diff, rate/s)" for each counter, sorted by name,
// and remembers the totals for the next call.
func (sm *StatsManager) line() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	names := make([]string, 0, len(sm.counters))
	for name := range sm.counters {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		current := sm.counters[name].Load()
		diff := current - sm.prev[name]
		sm.prev[name] = current
		rate := float64(diff) / sm.interval.Seconds()
		parts = append(parts, fmt.Sprintf("%s: %d (+%d, %.1f/s)", name, current, diff, rate))
	}
	return strings.Join(parts, " | ")
}
