// Package geo estimates distances and travel times for ambulance dispatch.
package geo

import (
	"fmt"
	"math"
	"time"
)

// EarthRadiusKm is the mean Earth radius used by Haversine.
const EarthRadiusKm = 6371.0

// DefaultSpeedKmh is the average ambulance speed assumed by EstimateETA.
const DefaultSpeedKmh = 60.0

// Point is a latitude/longitude pair in degrees.
type Point struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// Validate reports whether p is a real coordinate.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v out of range", p.Lat)
	}
	if math.IsNaN(p.Lng) || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("longitude %v out of range", p.Lng)
	}
	return nil
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Haversine returns the great-circle distance in kilometers:
//
//	d = 2·R·asin(√(sin²(Δlat/2) + cos(lat1)·cos(lat2)·sin²(Δlng/2)))
func Haversine(a, b Point) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLng := radians(b.Lng - a.Lng)

	sLat := math.Sin(dLat / 2)
	sLng := math.Sin(dLng / 2)
	h := sLat*sLat + math.Cos(lat1)*math.Cos(lat2)*sLng*sLng
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// EstimateETA converts a distance into travel time at speedKmh. A
// non-positive speed falls back to DefaultSpeedKmh.
func EstimateETA(distanceKm, speedKmh float64) time.Duration {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	if distanceKm <= 0 {
		return 0
	}
	hours := distanceKm / speedKmh
	return time.Duration(hours * float64(time.Hour)).Round(time.Second)
}
