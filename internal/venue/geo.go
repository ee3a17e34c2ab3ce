package venue

import "math"

const earthRadiusKm = 6371.0

// Distance returns the great-circle distance in kilometres between two points (haversine).
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// DistanceFromVenue returns the distance in kilometres from the given point to the venue.
func DistanceFromVenue(lat, lon float64) float64 {
	return Distance(lat, lon, Latitude, Longitude)
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
