package geo

import (
	"time"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

// DistanceMeters returns the great-circle (haversine) distance between
// two coordinates in meters.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	return orbgeo.DistanceHaversine(orb.Point{lng1, lat1}, orb.Point{lng2, lat2})
}

// BearingDegrees returns the initial bearing from the first coordinate to
// the second, in degrees in [-180, 180].
func BearingDegrees(lat1, lng1, lat2, lng2 float64) float64 {
	return orbgeo.Bearing(orb.Point{lng1, lat1}, orb.Point{lng2, lat2})
}

// SpeedKmh converts a traveled distance and elapsed time to km/h. Speed
// is undefined for non-positive elapsed time (duplicate or out-of-order
// timestamps) and reported as 0 rather than dividing by zero.
func SpeedKmh(distanceMeters float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return (distanceMeters / 1000.0) / elapsed.Hours()
}
