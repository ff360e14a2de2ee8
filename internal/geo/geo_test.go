package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateguard/internal/model"
)

func TestHaversineOneDegreeAtEquator(t *testing.T) {
	d := Haversine(model.Coordinates{Lat: 0, Lng: 0}, model.Coordinates{Lat: 0, Lng: 1})
	assert.InEpsilon(t, 111200.0, d, 0.01)
}

func TestHaversineIdenticalPoints(t *testing.T) {
	p := model.Coordinates{Lat: 52.5200, Lng: 13.4050}
	assert.Equal(t, 0.0, Haversine(p, p))
}

func TestHaversineSymmetric(t *testing.T) {
	a := model.Coordinates{Lat: 51.5007, Lng: -0.1246}
	b := model.Coordinates{Lat: 51.5014, Lng: -0.1419}
	assert.InDelta(t, Haversine(a, b), Haversine(b, a), 1e-9)
}

func TestPixelDistance(t *testing.T) {
	assert.Equal(t, 5.0, PixelDistance(model.Point{X: 0, Y: 0}, model.Point{X: 3, Y: 4}))
}

func TestComputeBounds(t *testing.T) {
	_, ok := ComputeBounds(nil)
	assert.False(t, ok)

	b, ok := ComputeBounds([]model.Coordinates{
		{Lat: 10, Lng: 20},
		{Lat: -5, Lng: 25},
		{Lat: 3, Lng: 18},
	})
	require.True(t, ok)
	assert.Equal(t, Bounds{MinLat: -5, MinLng: 18, MaxLat: 10, MaxLng: 25}, b)
	assert.True(t, b.Contains(model.Coordinates{Lat: 0, Lng: 20}))
	assert.False(t, b.Contains(model.Coordinates{Lat: 11, Lng: 20}))
}

func TestCentroid(t *testing.T) {
	c, ok := Centroid([]model.Coordinates{{Lat: 0, Lng: 0}, {Lat: 2, Lng: 4}})
	require.True(t, ok)
	assert.Equal(t, model.Coordinates{Lat: 1, Lng: 2}, c)
}

func TestNearest(t *testing.T) {
	idx, dist := Nearest(model.Coordinates{}, nil)
	assert.Equal(t, -1, idx)
	assert.True(t, math.IsInf(dist, 1))

	target := model.Coordinates{Lat: 0, Lng: 0}
	idx, dist = Nearest(target, []model.Coordinates{
		{Lat: 0, Lng: 0.01},
		{Lat: 0, Lng: 0.001},
		{Lat: 1, Lng: 1},
	})
	assert.Equal(t, 1, idx)
	assert.InDelta(t, 111.2, dist, 1.0)
}

func TestSpeedKmh(t *testing.T) {
	assert.InDelta(t, 360.0, SpeedKmh(100, 1), 1e-9)
}
