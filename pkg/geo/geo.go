package geo

import (
	"math"
	"time"
)

const earthRadiusKM = 6371.0

// HaversineKM returns the great-circle distance between two points in
// kilometers.
func HaversineKM(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLng := radians(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKM * c
}

// TravelDuration estimates how long covering distanceKM takes at
// speedKMH, clamping to a floor of minMinutes.
func TravelDuration(distanceKM, speedKMH float64, minMinutes int) time.Duration {
	if speedKMH <= 0 {
		speedKMH = 1
	}
	minutes := distanceKM / speedKMH * 60
	if floor := float64(minMinutes); minutes < floor {
		minutes = floor
	}
	return time.Duration(math.Round(minutes)) * time.Minute
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
