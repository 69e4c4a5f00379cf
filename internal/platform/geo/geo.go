// Package geo holds the great-circle math shared by the check-in pipeline
// and the fraud detectors.
package geo

import "math"

const EarthRadiusM = 6371000.0

// DistanceMeters returns the haversine distance between two WGS84 points,
// rounded to 2 decimals.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	φ1 := toRad(lat1)
	φ2 := toRad(lat2)
	dφ := toRad(lat2 - lat1)
	dλ := toRad(lng2 - lng1)

	a := math.Sin(dφ/2)*math.Sin(dφ/2) +
		math.Cos(φ1)*math.Cos(φ2)*math.Sin(dλ/2)*math.Sin(dλ/2)
	// 丸め誤差で 1 をわずかに超えると NaN になる
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return Round2(EarthRadiusM * c)
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
