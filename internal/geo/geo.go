// Package geo holds the distance and bounding-box math shared by the fraud
// and gate engines. Everything here is pure and allocation-light.
package geo

import (
	"math"

	"gateguard/internal/model"
)

const earthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance between two points in meters.
func Haversine(a, b model.Coordinates) float64 {
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	if h > 1 {
		h = 1
	}
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

// PixelDistance is the euclidean distance between two venue-map positions.
func PixelDistance(a, b model.Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

// Bounds is the axis-aligned box around a set of coordinates.
type Bounds struct {
	MinLat float64 `json:"min_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLat float64 `json:"max_lat"`
	MaxLng float64 `json:"max_lng"`
}

// Contains reports whether c lies inside the box, edges included.
func (b Bounds) Contains(c model.Coordinates) bool {
	return c.Lat >= b.MinLat && c.Lat <= b.MaxLat && c.Lng >= b.MinLng && c.Lng <= b.MaxLng
}

// ComputeBounds returns false when points is empty.
func ComputeBounds(points []model.Coordinates) (Bounds, bool) {
	if len(points) == 0 {
		return Bounds{}, false
	}
	b := Bounds{MinLat: points[0].Lat, MaxLat: points[0].Lat, MinLng: points[0].Lng, MaxLng: points[0].Lng}
	for _, p := range points[1:] {
		b.MinLat = math.Min(b.MinLat, p.Lat)
		b.MaxLat = math.Max(b.MaxLat, p.Lat)
		b.MinLng = math.Min(b.MinLng, p.Lng)
		b.MaxLng = math.Max(b.MaxLng, p.Lng)
	}
	return b, true
}

// Centroid is the arithmetic mean of the points. Gates at one venue sit a
// few hundred meters apart at most, so the planar mean is close enough.
func Centroid(points []model.Coordinates) (model.Coordinates, bool) {
	if len(points) == 0 {
		return model.Coordinates{}, false
	}
	var lat, lng float64
	for _, p := range points {
		lat += p.Lat
		lng += p.Lng
	}
	n := float64(len(points))
	return model.Coordinates{Lat: lat / n, Lng: lng / n}, true
}

// Nearest returns the index of the candidate closest to target and its
// distance in meters, or -1 when there are no candidates.
func Nearest(target model.Coordinates, candidates []model.Coordinates) (int, float64) {
	best := -1
	bestDist := math.Inf(1)
	for i, c := range candidates {
		d := Haversine(target, c)
		if d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best, bestDist
}

// SpeedKmh converts meters over seconds to km/h. Callers must guard
// seconds <= 0 themselves.
func SpeedKmh(meters, seconds float64) float64 {
	return meters / seconds * 3.6
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
