package attendance

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PRESENCE-backend/internal/platform/geo"
	"PRESENCE-backend/internal/settings"
)

const (
	centerLat = 35.6812
	centerLng = 139.7671
)

// metersPerDegLat is exact along a meridian for the haversine formula.
var metersPerDegLat = geo.EarthRadiusM * math.Pi / 180

var base = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// north returns a sample m meters north of the classroom center.
func north(m, accuracy float64, offset time.Duration) LocationSample {
	return LocationSample{
		Latitude:   centerLat + m/metersPerDegLat,
		Longitude:  centerLng,
		AccuracyM:  accuracy,
		CapturedAt: base.Add(offset),
	}
}

func testSettings() settings.Settings {
	return settings.Settings{
		Geofence:            settings.Geofence{CenterLat: centerLat, CenterLng: centerLng, RadiusM: 100},
		SampleCount:         3,
		WindowSeconds:       30,
		MaxSampleAgeSeconds: 120,
		MaxSpeedMps:         35,
		MaxJumpM:            150,
		MaxSpreadM:          100,
		MaxAccuracyM:        50,
		LateAfterMinutes:    15,
	}
}

func TestDetectJump(t *testing.T) {
	lim := JumpLimits{MaxSpeedMps: 35, MaxJumpM: 150}

	walking := []LocationSample{north(0, 5, 0), north(10, 5, 5*time.Second), north(20, 5, 10*time.Second)}
	assert.Nil(t, DetectJump(walking, lim))

	teleport := []LocationSample{north(0, 5, 0), north(500, 5, time.Second)}
	v := DetectJump(teleport, lim)
	require.NotNil(t, v)
	assert.Equal(t, 0, v.FromIndex)
	assert.Equal(t, 1, v.ToIndex)
	assert.Equal(t, 500.0, v.DistanceM)
	assert.Equal(t, 500.0, v.SpeedMps)

	// 距離上限だけで引っかかる（速度は低い）
	slowFar := []LocationSample{north(0, 5, 0), north(160, 5, 20*time.Second)}
	v = DetectJump(slowFar, lim)
	require.NotNil(t, v)
	assert.Equal(t, 8.0, v.SpeedMps)
}

func TestDetectJump_EarliestPairWins(t *testing.T) {
	lim := JumpLimits{MaxSpeedMps: 35, MaxJumpM: 150}
	samples := []LocationSample{
		north(0, 5, 0),
		north(5, 5, 5*time.Second),
		north(400, 5, 6*time.Second),
		north(900, 5, 7*time.Second),
	}
	v := DetectJump(samples, lim)
	require.NotNil(t, v)
	assert.Equal(t, 1, v.FromIndex)
	assert.Equal(t, 2, v.ToIndex)
}

func TestDetectJump_SameTimestampUsesFloor(t *testing.T) {
	lim := JumpLimits{MaxSpeedMps: 35, MaxJumpM: 150}
	// 5m / 0.2s = 25 m/s で上限未満
	assert.Nil(t, DetectJump([]LocationSample{north(0, 5, 0), north(5, 5, 0)}, lim))

	v := DetectJump([]LocationSample{north(0, 5, 0), north(10, 5, 0)}, lim)
	require.NotNil(t, v)
	assert.Equal(t, 0.2, v.Seconds)
	assert.Equal(t, 50.0, v.SpeedMps)
}

func TestSelectAnchor(t *testing.T) {
	samples := []LocationSample{
		north(0, 12, 0),
		north(3, 6, 5*time.Second),
		north(6, 6, 10*time.Second),
		north(9, 20, 15*time.Second),
	}
	a := SelectAnchor(samples)
	// 同精度なら新しい方
	assert.Equal(t, base.Add(10*time.Second), a.CapturedAt)
	assert.Equal(t, 6.0, a.AccuracyM)
	// 入力は並べ替えない
	assert.Equal(t, 12.0, samples[0].AccuracyM)
}

func TestValidateSpread_Oscillation(t *testing.T) {
	// 各ペアは jump 上限内だが、全体では 120m ばらつく
	samples := []LocationSample{north(0, 5, 0), north(120, 10, 10*time.Second), north(10, 10, 20*time.Second)}
	require.Nil(t, DetectJump(samples, JumpLimits{MaxSpeedMps: 35, MaxJumpM: 150}))

	anchor := SelectAnchor(samples)
	assert.Equal(t, 120.0, Spread(samples, anchor))

	err := ValidateSpread(samples, anchor, 100)
	var ise *InconsistentSamplesError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, 120.0, ise.SpreadM)

	assert.NoError(t, ValidateSpread(samples, anchor, 120))
}

func TestCheckGeofence_BoundaryInclusive(t *testing.T) {
	s := testSettings()

	onEdge := []LocationSample{north(100, 5, 0)}
	dist, err := CheckGeofence(onEdge, onEdge[0], s)
	require.NoError(t, err)
	assert.Equal(t, 100.0, dist)

	beyond := []LocationSample{north(100.01, 5, 0)}
	dist, err = CheckGeofence(beyond, beyond[0], s)
	var out *OutsideRadiusError
	require.ErrorAs(t, err, &out)
	assert.Equal(t, 100.01, dist)
	assert.Equal(t, 100.0, out.RadiusM)
}

func TestCheckGeofence_Accuracy(t *testing.T) {
	s := testSettings()

	// 3 サンプル中 2 つが 50m 以内なら OK
	samples := []LocationSample{north(5, 10, 0), north(6, 60, time.Second), north(7, 45, 2*time.Second)}
	_, err := CheckGeofence(samples, SelectAnchor(samples), s)
	require.NoError(t, err)

	samples = []LocationSample{north(5, 10, 0), north(6, 60, time.Second), north(7, 70, 2*time.Second)}
	_, err = CheckGeofence(samples, SelectAnchor(samples), s)
	var ae *AccuracyInsufficientError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 2, ae.Required)
	assert.Equal(t, 1, ae.Got)

	// 半径が精度上限より小さいときは半径が上限になる
	s.Geofence.RadiusM = 30
	samples = []LocationSample{north(5, 40, 0), north(6, 40, time.Second), north(7, 10, 2*time.Second)}
	_, err = CheckGeofence(samples, SelectAnchor(samples), s)
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 30.0, ae.LimitM)
}

func TestLateStatus(t *testing.T) {
	start := base
	assert.Equal(t, StatusPresent, LateStatus(start.Add(-5*time.Minute), start, 15))
	assert.Equal(t, StatusPresent, LateStatus(start.Add(15*time.Minute), start, 15))
	assert.Equal(t, StatusLate, LateStatus(start.Add(15*time.Minute+time.Second), start, 15))
	assert.Equal(t, StatusLate, LateStatus(start.Add(time.Second), start, 0))
}
