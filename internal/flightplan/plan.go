// Package flightplan holds the flight plan model exchanged between the ground
// station and the vehicle, and its obfuscated little-endian wire encoding.
package flightplan

import (
	"fmt"
	"math"
)

// Coordinate is one waypoint. Lat and Lon are degrees, Alt is meters relative
// to the home position.
type Coordinate struct {
	Lat float32 `json:"lat"`
	Lon float32 `json:"lon"`
	Alt float32 `json:"alt"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%.7f, %.7f, %.1fm)", c.Lat, c.Lon, c.Alt)
}

// Validate reports coordinates outside the WGS84 range
func (c Coordinate) Validate() error {
	for _, v := range []float32{c.Lat, c.Lon, c.Alt} {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("coordinate %v is not finite", c)
		}
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("latitude %f out of range [-90, 90]", c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("longitude %f out of range [-180, 180]", c.Lon)
	}
	return nil
}

// FlightPlan is an ordered list of waypoints with an optional encoded image.
// The slices are private so every holder gets its own copy.
type FlightPlan struct {
	coords []Coordinate
	image  []byte
}

// New builds a plan from copies of coords and image
func New(coords []Coordinate, image []byte) *FlightPlan {
	p := &FlightPlan{}
	if len(coords) > 0 {
		p.coords = append([]Coordinate(nil), coords...)
	}
	if len(image) > 0 {
		p.image = append([]byte(nil), image...)
	}
	return p
}

// NewImage builds a plan that only carries an image
func NewImage(image []byte) *FlightPlan {
	return New(nil, image)
}

func (p *FlightPlan) PointCount() int { return len(p.coords) }

func (p *FlightPlan) ImageSize() int { return len(p.image) }

// Coordinates returns a copy of the waypoints
func (p *FlightPlan) Coordinates() []Coordinate {
	return append([]Coordinate(nil), p.coords...)
}

// Coordinate returns waypoint i without copying the whole list
func (p *FlightPlan) Coordinate(i int) (Coordinate, bool) {
	if i < 0 || i >= len(p.coords) {
		return Coordinate{}, false
	}
	return p.coords[i], true
}

// Image returns a copy of the image bytes, nil when absent
func (p *FlightPlan) Image() []byte {
	if len(p.image) == 0 {
		return nil
	}
	return append([]byte(nil), p.image...)
}

// Clone returns a deep copy
func (p *FlightPlan) Clone() *FlightPlan {
	return New(p.coords, p.image)
}

// Equal compares coordinates and image byte-wise
func (p *FlightPlan) Equal(other *FlightPlan) bool {
	if p == nil || other == nil {
		return p == other
	}
	if len(p.coords) != len(other.coords) || len(p.image) != len(other.image) {
		return false
	}
	for i := range p.coords {
		if p.coords[i] != other.coords[i] {
			return false
		}
	}
	for i := range p.image {
		if p.image[i] != other.image[i] {
			return false
		}
	}
	return true
}

func (p *FlightPlan) String() string {
	return fmt.Sprintf("FlightPlan{points=%d, image=%dB}", len(p.coords), len(p.image))
}
