// Package routes keeps a fixed number of named route slots on disk so an
// operator can prepare plans ahead of time and send them later.
package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"MissionBridge/internal/flightplan"
	"MissionBridge/internal/logger"
)

const DefaultSlots = 3

var (
	ErrInvalidSlot  = errors.New("invalid route slot")
	ErrNotFound     = errors.New("route slot is empty")
	ErrInvalidRoute = errors.New("invalid route")
	ErrEmptyRoute   = fmt.Errorf("%w: no points", ErrInvalidRoute)
)

// DefaultColors are assigned to slots 1..3 when a route is saved without one
var DefaultColors = []string{"#e34a4a", "#2a9d8f", "#f4a261"}

// Route is the content of one slot
type Route struct {
	Points  []flightplan.Coordinate `json:"points"`
	Color   string                  `json:"color"`
	SavedAt time.Time               `json:"saved_at"`
}

// Plan turns the route into a flight plan. Points saved without an altitude
// fly at defaultAlt.
func (r *Route) Plan(defaultAlt float32) *flightplan.FlightPlan {
	coords := make([]flightplan.Coordinate, len(r.Points))
	for i, p := range r.Points {
		if p.Alt == 0 {
			p.Alt = defaultAlt
		}
		coords[i] = p
	}
	return flightplan.New(coords, nil)
}

// Store persists routes as route_<slot>.json files in one directory
type Store struct {
	dir   string
	slots int
	mu    sync.Mutex
}

func NewStore(dir string, slots int) *Store {
	if slots <= 0 {
		slots = DefaultSlots
	}
	return &Store{dir: dir, slots: slots}
}

// Slots returns the number of slots, numbered from 1
func (s *Store) Slots() int {
	return s.slots
}

func (s *Store) path(slot int) string {
	return filepath.Join(s.dir, fmt.Sprintf("route_%d.json", slot))
}

func (s *Store) checkSlot(slot int) error {
	if slot < 1 || slot > s.slots {
		return fmt.Errorf("%w: %d (1..%d)", ErrInvalidSlot, slot, s.slots)
	}
	return nil
}

// Save validates route and replaces the slot's content
func (s *Store) Save(slot int, route Route) error {
	if err := s.checkSlot(slot); err != nil {
		return err
	}
	if len(route.Points) == 0 {
		return ErrEmptyRoute
	}
	if len(route.Points) > flightplan.DefaultMaxPoints {
		return fmt.Errorf("%w: %d points (max %d)", ErrInvalidRoute, len(route.Points), flightplan.DefaultMaxPoints)
	}
	for i, p := range route.Points {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: point %d: %v", ErrInvalidRoute, i, err)
		}
	}
	if route.Color == "" {
		route.Color = DefaultColors[(slot-1)%len(DefaultColors)]
	}
	if route.SavedAt.IsZero() {
		route.SavedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(route, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode route: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(s.path(slot), data); err != nil {
		return err
	}
	logger.Info("[ROUTES] Saved slot %d (%d points) to %s", slot, len(route.Points), s.path(slot))
	return nil
}

// Load returns the slot's route or ErrNotFound
func (s *Store) Load(slot int) (*Route, error) {
	if err := s.checkSlot(slot); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(slot))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read route slot %d: %w", slot, err)
	}

	var route Route
	if err := json.Unmarshal(data, &route); err != nil {
		return nil, fmt.Errorf("failed to parse route slot %d: %w", slot, err)
	}
	return &route, nil
}

// Delete empties the slot. Deleting an empty slot is not an error.
func (s *Store) Delete(slot int) error {
	if err := s.checkSlot(slot); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(slot)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete route slot %d: %w", slot, err)
	}
	logger.Info("[ROUTES] Deleted slot %d", slot)
	return nil
}

// Meta returns the point count of every slot; empty or unreadable slots count 0
func (s *Store) Meta() map[int]int {
	meta := make(map[int]int, s.slots)
	for slot := 1; slot <= s.slots; slot++ {
		route, err := s.Load(slot)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				logger.Warn("[ROUTES] %v", err)
			}
			meta[slot] = 0
			continue
		}
		meta[slot] = len(route.Points)
	}
	return meta
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".route-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
