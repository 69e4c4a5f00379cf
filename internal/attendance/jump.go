package attendance

import (
	"fmt"

	"PRESENCE-backend/internal/platform/geo"
)

// 同時刻に近いサンプルでのゼロ除算を避ける下限
const minElapsedSeconds = 0.2

type JumpLimits struct {
	MaxSpeedMps float64
	MaxJumpM    float64
}

// JumpViolation describes the first offending consecutive pair.
type JumpViolation struct {
	FromIndex int
	ToIndex   int
	DistanceM float64
	Seconds   float64
	SpeedMps  float64
}

func (v *JumpViolation) Error() string {
	return fmt.Sprintf("samples %d->%d moved %.2fm in %.2fs (%.2fm/s)",
		v.FromIndex, v.ToIndex, v.DistanceM, v.Seconds, v.SpeedMps)
}

// DetectJump scans consecutive pairs of a time-sorted batch left to right and
// returns the earliest pair whose speed or distance exceeds the limits.
func DetectJump(samples []LocationSample, lim JumpLimits) *JumpViolation {
	for i := 1; i < len(samples); i++ {
		prev, cur := samples[i-1], samples[i]

		dist := geo.DistanceMeters(prev.Latitude, prev.Longitude, cur.Latitude, cur.Longitude)
		elapsed := cur.CapturedAt.Sub(prev.CapturedAt).Seconds()
		if elapsed < minElapsedSeconds {
			elapsed = minElapsedSeconds
		}
		speed := dist / elapsed

		if (lim.MaxSpeedMps > 0 && speed > lim.MaxSpeedMps) || (lim.MaxJumpM > 0 && dist > lim.MaxJumpM) {
			return &JumpViolation{
				FromIndex: i - 1,
				ToIndex:   i,
				DistanceM: dist,
				Seconds:   geo.Round2(elapsed),
				SpeedMps:  geo.Round2(speed),
			}
		}
	}
	return nil
}
