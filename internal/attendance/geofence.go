package attendance

import (
	"fmt"
	"time"

	"PRESENCE-backend/internal/platform/geo"
	"PRESENCE-backend/internal/settings"
)

type AccuracyInsufficientError struct {
	Required int
	Got      int
	LimitM   float64
}

func (e *AccuracyInsufficientError) Error() string {
	return fmt.Sprintf("only %d of %d required samples within %.1fm accuracy", e.Got, e.Required, e.LimitM)
}

type OutsideRadiusError struct {
	DistanceM float64
	RadiusM   float64
}

func (e *OutsideRadiusError) Error() string {
	return fmt.Sprintf("distance %.2fm exceeds geofence radius %.2fm", e.DistanceM, e.RadiusM)
}

// CheckGeofence returns the anchor's distance to the geofence center. The
// boundary is inclusive: distance == radius passes.
func CheckGeofence(samples []LocationSample, anchor LocationSample, s settings.Settings) (float64, error) {
	limit := s.AccuracyLimit()

	required := (s.SampleCount + 1) / 2
	got := 0
	for _, smp := range samples {
		if smp.AccuracyM <= limit {
			got++
		}
	}
	if got < required {
		return 0, &AccuracyInsufficientError{Required: required, Got: got, LimitM: limit}
	}
	// anchor は最も精度の良いサンプルなので、上の条件を満たせば通常ここには来ない
	if anchor.AccuracyM > limit {
		return 0, &AccuracyInsufficientError{Required: required, Got: got, LimitM: limit}
	}

	dist := geo.DistanceMeters(anchor.Latitude, anchor.Longitude, s.Geofence.CenterLat, s.Geofence.CenterLng)
	if dist > s.Geofence.RadiusM {
		return dist, &OutsideRadiusError{DistanceM: dist, RadiusM: s.Geofence.RadiusM}
	}
	return dist, nil
}

// LateStatus: start + lateAfter 分までは present（境界含む）
func LateStatus(scannedAt, sessionStart time.Time, lateAfterMinutes int) Status {
	deadline := sessionStart.Add(time.Duration(lateAfterMinutes) * time.Minute)
	if scannedAt.After(deadline) {
		return StatusLate
	}
	return StatusPresent
}
