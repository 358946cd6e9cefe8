package tile

import (
	"errors"
	"fmt"
)

var ErrInvalidBounds = errors.New("tilehost: invalid bounds")

// Bounds is a geographic bounding box in degrees.
// North must be strictly greater than South. West may be greater than East,
// in which case the box wraps the antimeridian.
//
// Bounds is an immutable value; construct it once and share it.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// NewBounds constructs Bounds in NESW argument order and validates it.
func NewBounds(north, east, south, west float64) (Bounds, error) {
	b := Bounds{North: north, South: south, East: east, West: west}
	if err := b.Validate(); err != nil {
		return Bounds{}, err
	}
	return b, nil
}

func (b Bounds) Validate() error {
	if b.North <= b.South {
		return fmt.Errorf("%w: north (%v) must be greater than south (%v)", ErrInvalidBounds, b.North, b.South)
	}
	if b.North > 90 || b.South < -90 {
		return fmt.Errorf("%w: latitude out of range [%v, %v]", ErrInvalidBounds, b.South, b.North)
	}
	if b.East < -180 || b.East > 180 || b.West < -180 || b.West > 180 {
		return fmt.Errorf("%w: longitude out of range [%v, %v]", ErrInvalidBounds, b.West, b.East)
	}
	return nil
}

// WrapsAntimeridian reports whether the longitude span crosses the 180 meridian.
func (b Bounds) WrapsAntimeridian() bool {
	return b.West > b.East
}

// lonSpans returns the box's longitude intervals, split at the antimeridian
// when the box wraps it.
func (b Bounds) lonSpans() [][2]float64 {
	if b.WrapsAntimeridian() {
		return [][2]float64{{b.West, 180}, {-180, b.East}}
	}
	return [][2]float64{{b.West, b.East}}
}

// Intersects reports whether two boxes share any area, antimeridian wraps
// included on either side. Touching edges count as intersecting.
func (b Bounds) Intersects(other Bounds) bool {
	if b.South > other.North || other.South > b.North {
		return false
	}
	for _, s := range b.lonSpans() {
		for _, o := range other.lonSpans() {
			if s[0] <= o[1] && o[0] <= s[1] {
				return true
			}
		}
	}
	return false
}

// Center returns the midpoint longitude and latitude of the box.
func (b Bounds) Center() (lon, lat float64) {
	lat = (b.North + b.South) / 2
	if b.WrapsAntimeridian() {
		mid := (b.West + b.East + 360) / 2
		if mid > 180 {
			mid -= 360
		}
		return mid, lat
	}
	return (b.West + b.East) / 2, lat
}

const e7 = 10_000_000

// E7 converts degrees to the fixed-point E7 representation used in archive headers.
func E7(degrees float64) int32 {
	return int32(degrees * e7)
}

// FromE7 converts a fixed-point E7 value back to degrees.
func FromE7(value int32) float64 {
	return float64(value) / e7
}

// BoundsFromE7 builds Bounds from header-style E7 min/max fields.
func BoundsFromE7(minLonE7, minLatE7, maxLonE7, maxLatE7 int32) Bounds {
	return Bounds{
		North: FromE7(maxLatE7),
		South: FromE7(minLatE7),
		East:  FromE7(maxLonE7),
		West:  FromE7(minLonE7),
	}
}
