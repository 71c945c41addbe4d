// Package travel estimates rider travel times between coordinates. Every
// routing decision, both solver problems included, goes through Estimator.
package travel

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"ridernav/internal/model"
)

const earthRadiusKm = 6371.0

// Speed tiers by road distance.
var tiers = []struct {
	underKm float64
	kmh     float64
}{
	{2, 15},
	{10, 25},
	{30, 35},
	{math.Inf(1), 50},
}

// ElevationSource reports terrain height in meters. ok=false means unknown.
type ElevationSource interface {
	Elevation(p model.GeoPoint) (meters float64, ok bool)
}

type Estimator struct {
	// DetourFactor converts great-circle length into approximate road length.
	DetourFactor float64
	// Calibration divides the final seconds to match the solver's time scale.
	Calibration float64
	// Jitter is the half-width of the random multiplier, 0.10 means +-10%.
	Jitter    float64
	Elevation ElevationSource

	mu  sync.Mutex
	rng *rand.Rand
}

// MaxElevationDerate caps the speed reduction applied for climbs.
const MaxElevationDerate = 0.15

// derate per meter of positive gain: 1% every 10 m.
const deratePerMeter = 0.001

func NewEstimator(detour, calibration, jitter float64, seed int64) *Estimator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Estimator{
		DetourFactor: detour,
		Calibration:  calibration,
		Jitter:       jitter,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

func Default() *Estimator { return NewEstimator(1.25, 30, 0.10, 0) }

// Estimate returns seconds to ride from a to b, never negative.
func (e *Estimator) Estimate(a, b model.GeoPoint) int {
	if a == b {
		return 0
	}
	roadKm := HaversineKm(a, b) * e.detour()
	kmh := speedFor(roadKm) * (1 - e.derate(a, b))
	secs := roadKm / kmh * 3600
	secs *= e.jitter()
	cal := e.Calibration
	if cal <= 0 {
		cal = 1
	}
	out := int(secs / cal)
	if out < 0 {
		return 0
	}
	return out
}

// Matrix returns the N x N estimate table with a zero diagonal. It is not
// symmetric: each cell draws its own jitter.
func (e *Estimator) Matrix(points []model.GeoPoint) [][]int {
	m := make([][]int, len(points))
	for i := range points {
		m[i] = make([]int, len(points))
		for j := range points {
			if i == j {
				continue
			}
			m[i][j] = e.Estimate(points[i], points[j])
		}
	}
	return m
}

// Segment describes the leg a to b for a job's stored route.
func (e *Estimator) Segment(a, b model.GeoPoint, instruction string) model.RouteSegment {
	return model.RouteSegment{
		DistanceM:   math.Round(HaversineKm(a, b) * e.detour() * 1000),
		TimeSec:     e.Estimate(a, b),
		Instruction: instruction,
		Polyline:    []model.GeoPoint{a, b},
	}
}

func (e *Estimator) detour() float64 {
	if e.DetourFactor <= 0 {
		return 1
	}
	return e.DetourFactor
}

func (e *Estimator) derate(a, b model.GeoPoint) float64 {
	if e.Elevation == nil {
		return 0
	}
	ha, okA := e.Elevation.Elevation(a)
	hb, okB := e.Elevation.Elevation(b)
	if !okA || !okB || hb <= ha {
		return 0
	}
	return math.Min((hb-ha)*deratePerMeter, MaxElevationDerate)
}

func (e *Estimator) jitter() float64 {
	if e.Jitter <= 0 {
		return 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return 1 + (e.rng.Float64()*2-1)*e.Jitter
}

func speedFor(roadKm float64) float64 {
	for _, t := range tiers {
		if roadKm < t.underKm {
			return t.kmh
		}
	}
	return tiers[len(tiers)-1].kmh
}

// HaversineKm is the great-circle distance between two points.
func HaversineKm(a, b model.GeoPoint) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
