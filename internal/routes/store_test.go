package routes

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"MissionBridge/internal/flightplan"
)

func TestSaveLoadDelete(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, 0)
	if store.Slots() != DefaultSlots {
		t.Fatalf("Expected %d slots, got %d", DefaultSlots, store.Slots())
	}

	route := Route{Points: []flightplan.Coordinate{{Lat: 47.39, Lon: 8.54}, {Lat: 47.40, Lon: 8.55, Alt: 30}}}
	if err := store.Save(2, route); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "route_2.json")); err != nil {
		t.Fatalf("Expected route_2.json on disk: %v", err)
	}

	loaded, err := store.Load(2)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Points) != 2 || loaded.Points[1].Alt != 30 {
		t.Errorf("Unexpected points: %v", loaded.Points)
	}
	if loaded.Color != DefaultColors[1] {
		t.Errorf("Expected slot color %s, got %s", DefaultColors[1], loaded.Color)
	}
	if loaded.SavedAt.IsZero() {
		t.Error("Expected a save time")
	}

	meta := store.Meta()
	if meta[1] != 0 || meta[2] != 2 || meta[3] != 0 {
		t.Errorf("Unexpected meta: %v", meta)
	}

	if err := store.Delete(2); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(2); err != nil {
		t.Errorf("Expected deleting an empty slot to succeed, got %v", err)
	}
	if _, err := store.Load(2); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSaveKeepsExplicitColor(t *testing.T) {
	store := NewStore(t.TempDir(), 3)
	if err := store.Save(1, Route{Points: []flightplan.Coordinate{{Lat: 1, Lon: 2}}, Color: "#000000"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := store.Load(1)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Color != "#000000" {
		t.Errorf("Expected #000000, got %s", loaded.Color)
	}
}

func TestSlotAndRouteValidation(t *testing.T) {
	store := NewStore(t.TempDir(), 3)
	one := []flightplan.Coordinate{{Lat: 1, Lon: 2}}

	for _, slot := range []int{0, 4, -1} {
		if err := store.Save(slot, Route{Points: one}); !errors.Is(err, ErrInvalidSlot) {
			t.Errorf("Save slot %d: expected ErrInvalidSlot, got %v", slot, err)
		}
		if _, err := store.Load(slot); !errors.Is(err, ErrInvalidSlot) {
			t.Errorf("Load slot %d: expected ErrInvalidSlot, got %v", slot, err)
		}
		if err := store.Delete(slot); !errors.Is(err, ErrInvalidSlot) {
			t.Errorf("Delete slot %d: expected ErrInvalidSlot, got %v", slot, err)
		}
	}

	if err := store.Save(1, Route{}); !errors.Is(err, ErrEmptyRoute) {
		t.Errorf("Expected ErrEmptyRoute, got %v", err)
	}
	if err := store.Save(1, Route{Points: []flightplan.Coordinate{{Lat: 95, Lon: 0}}}); err == nil {
		t.Error("Expected an out of range latitude to be rejected")
	}
}

func TestMetaCountsCorruptSlotAsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "route_1.json"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	store := NewStore(dir, 3)
	if meta := store.Meta(); meta[1] != 0 {
		t.Errorf("Expected 0 points for a corrupt slot, got %d", meta[1])
	}
	if _, err := store.Load(1); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Expected a parse error, got %v", err)
	}
}

func TestRoutePlanFillsAltitude(t *testing.T) {
	route := Route{Points: []flightplan.Coordinate{{Lat: 1, Lon: 2}, {Lat: 3, Lon: 4, Alt: 15}}}
	plan := route.Plan(100)

	if c, _ := plan.Coordinate(0); c.Alt != 100 {
		t.Errorf("Expected default altitude 100, got %v", c.Alt)
	}
	if c, _ := plan.Coordinate(1); c.Alt != 15 {
		t.Errorf("Expected altitude 15, got %v", c.Alt)
	}
	if route.Points[0].Alt != 0 {
		t.Error("Expected Plan to leave the route unchanged")
	}
}
