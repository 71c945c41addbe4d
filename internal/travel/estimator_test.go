package travel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridernav/internal/model"
)

var (
	depot  = model.GeoPoint{Lat: 17.405991509704737, Lng: 78.40374949215402}
	gachi  = model.GeoPoint{Lat: 17.4401, Lng: 78.3489}
	kukat  = model.GeoPoint{Lat: 17.4948, Lng: 78.3996}
	uppal  = model.GeoPoint{Lat: 17.4058, Lng: 78.5591}
	points = []model.GeoPoint{depot, gachi, kukat, uppal}
)

func TestEstimateSamePointIsZero(t *testing.T) {
	e := Default()
	for _, p := range points {
		assert.Equal(t, 0, e.Estimate(p, p))
	}
}

func TestEstimateOneDegreeNoJitter(t *testing.T) {
	e := NewEstimator(1.25, 30, 0, 1)
	a := model.GeoPoint{Lat: 10, Lng: 20}
	b := model.GeoPoint{Lat: 11, Lng: 20}
	// 111.19 km * 1.25 at 50 km/h is 10007 s, divided by 30.
	assert.Equal(t, 333, e.Estimate(a, b))
}

func TestSpeedTiers(t *testing.T) {
	assert.Equal(t, 15.0, speedFor(1.99))
	assert.Equal(t, 25.0, speedFor(2))
	assert.Equal(t, 25.0, speedFor(9.9))
	assert.Equal(t, 35.0, speedFor(10))
	assert.Equal(t, 50.0, speedFor(30))
	assert.Equal(t, 50.0, speedFor(400))
}

func TestJitterStaysInBounds(t *testing.T) {
	flat := NewEstimator(1.25, 1, 0, 1)
	base := float64(flat.Estimate(depot, uppal))
	e := NewEstimator(1.25, 1, 0.10, 42)
	for i := 0; i < 500; i++ {
		got := float64(e.Estimate(depot, uppal))
		require.GreaterOrEqual(t, got, base*0.9-1)
		require.LessOrEqual(t, got, base*1.1+1)
	}
}

type hill map[model.GeoPoint]float64

func (h hill) Elevation(p model.GeoPoint) (float64, bool) {
	v, ok := h[p]
	return v, ok
}

func TestElevationDerateCapped(t *testing.T) {
	a := model.GeoPoint{Lat: 10, Lng: 20}
	b := model.GeoPoint{Lat: 11, Lng: 20}
	e := NewEstimator(1.25, 30, 0, 1)
	e.Elevation = hill{a: 0, b: 1000}
	// speed 50 * 0.85
	assert.Equal(t, 392, e.Estimate(a, b))
	// downhill is not rewarded
	assert.Equal(t, 333, e.Estimate(b, a))
}

func TestMatrixShape(t *testing.T) {
	e := Default()
	m := e.Matrix(points)
	require.Len(t, m, len(points))
	for i := range m {
		require.Len(t, m[i], len(points))
		assert.Equal(t, 0, m[i][i])
		for j := range m[i] {
			assert.GreaterOrEqual(t, m[i][j], 0)
		}
	}
	assert.Empty(t, e.Matrix(nil))
}

func TestSegment(t *testing.T) {
	e := NewEstimator(1.25, 30, 0, 1)
	s := e.Segment(depot, gachi, "depot to stop 1")
	assert.Equal(t, []model.GeoPoint{depot, gachi}, s.Polyline)
	assert.Greater(t, s.DistanceM, 0.0)
	assert.Equal(t, e.Estimate(depot, gachi), s.TimeSec)
}
