package attendance

import (
	"fmt"
	"sort"

	"PRESENCE-backend/internal/platform/geo"
)

// SelectAnchor picks the most accurate sample; equal accuracy prefers the
// most recent one. samples must be non-empty.
func SelectAnchor(samples []LocationSample) LocationSample {
	ranked := make([]LocationSample, len(samples))
	copy(ranked, samples)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].AccuracyM != ranked[j].AccuracyM {
			return ranked[i].AccuracyM < ranked[j].AccuracyM
		}
		return ranked[i].CapturedAt.After(ranked[j].CapturedAt)
	})
	return ranked[0]
}

// Spread is the largest distance from any sample to the anchor.
func Spread(samples []LocationSample, anchor LocationSample) float64 {
	var maxD float64
	for _, s := range samples {
		d := geo.DistanceMeters(anchor.Latitude, anchor.Longitude, s.Latitude, s.Longitude)
		if d > maxD {
			maxD = d
		}
	}
	return maxD
}

type InconsistentSamplesError struct {
	SpreadM    float64
	MaxSpreadM float64
}

func (e *InconsistentSamplesError) Error() string {
	return fmt.Sprintf("samples disagree by %.2fm (max %.2fm)", e.SpreadM, e.MaxSpreadM)
}

// ValidateSpread catches batches that oscillate without any single large jump.
func ValidateSpread(samples []LocationSample, anchor LocationSample, maxSpreadM float64) error {
	spread := Spread(samples, anchor)
	if maxSpreadM > 0 && spread > maxSpreadM {
		return &InconsistentSamplesError{SpreadM: spread, MaxSpreadM: maxSpreadM}
	}
	return nil
}
