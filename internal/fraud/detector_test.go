package fraud

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PRESENCE-backend/internal/selfie"
	"PRESENCE-backend/internal/settings"
)

var (
	t0 = time.Date(2026, 4, 13, 9, 0, 0, 0, time.UTC)

	homeLat = 35.6812
	homeLng = 139.7671
)

// 1 度あたりの南北距離 (EarthRadiusM 基準)
const metersPerDegLat = 111194.93

func ptr[T any](v T) *T { return &v }

func logAt(id uint64, at time.Time, lat, lng float64) LogRecord {
	return LogRecord{
		LogID:        id,
		SessionID:    id,
		StudentID:    "s1001",
		ScannedAt:    at,
		Status:       "present",
		Latitude:     ptr(lat),
		Longitude:    ptr(lng),
		SessionStart: at.Add(-5 * time.Minute),
	}
}

// ---------- gps_spoofing ----------

func TestSpoofingDetector(t *testing.T) {
	d := NewSpoofingDetector()
	ctx := context.Background()

	t.Run("emulator default coordinates", func(t *testing.T) {
		a, err := d.Check(ctx, logAt(1, t0, 37.4219983, -122.084), History{})
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, AlertGPSSpoofing, a.Type)
		assert.Equal(t, SeverityCritical, a.Severity)
	})

	t.Run("within tolerance", func(t *testing.T) {
		a, err := d.Check(ctx, logAt(1, t0, 37.42205, -122.08405), History{})
		require.NoError(t, err)
		assert.NotNil(t, a)
	})

	t.Run("outside tolerance", func(t *testing.T) {
		a, err := d.Check(ctx, logAt(1, t0, 37.4225, -122.084), History{})
		require.NoError(t, err)
		assert.Nil(t, a)
	})

	t.Run("null island", func(t *testing.T) {
		a, err := d.Check(ctx, logAt(1, t0, 0, 0), History{})
		require.NoError(t, err)
		assert.NotNil(t, a)
	})

	t.Run("mock provider flag", func(t *testing.T) {
		rec := logAt(1, t0, homeLat, homeLng)
		rec.MockLocation = true
		a, err := d.Check(ctx, rec, History{})
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, true, a.Evidence["mock_location"])
	})

	t.Run("no coordinates", func(t *testing.T) {
		rec := LogRecord{LogID: 1, StudentID: "s1001", ScannedAt: t0}
		a, err := d.Check(ctx, rec, History{})
		require.NoError(t, err)
		assert.Nil(t, a)
	})
}

// ---------- rapid_relocation ----------

func TestRelocationDetector(t *testing.T) {
	d := &RelocationDetector{MaxSpeedMps: 35, Window: time.Hour}
	km := 1000 / metersPerDegLat
	prev := logAt(1, t0, homeLat, homeLng)

	cases := []struct {
		name string
		gap  time.Duration
		want Severity
	}{
		{"walking pace", 5 * time.Minute, ""},
		{"just over limit", 20 * time.Second, SeverityMedium},   // 50 m/s
		{"over twice the limit", 10 * time.Second, SeverityHigh}, // 100 m/s
		{"over three times", 5 * time.Second, SeverityCritical},  // 200 m/s
		{"outside window", 2 * time.Hour, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := logAt(2, t0.Add(tc.gap), homeLat+km, homeLng)
			a, err := d.Check(context.Background(), rec, History{Previous: &prev})
			require.NoError(t, err)
			if tc.want == "" {
				assert.Nil(t, a)
				return
			}
			require.NotNil(t, a)
			assert.Equal(t, tc.want, a.Severity)
			assert.Equal(t, uint64(1), a.Evidence["previous_log_id"])
		})
	}
}

func TestRelocationDetector_SameInstantUsesOneSecondFloor(t *testing.T) {
	d := &RelocationDetector{MaxSpeedMps: 35, Window: time.Hour}
	prev := logAt(1, t0, homeLat, homeLng)
	rec := logAt(2, t0, homeLat+100/metersPerDegLat, homeLng)

	a, err := d.Check(context.Background(), rec, History{Previous: &prev})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 1.0, a.Evidence["seconds"])
	assert.InDelta(t, 100.0, a.Evidence["speed_mps"], 0.1)
}

type kvSettings struct{ kv map[string]string }

func (m *kvSettings) Load(context.Context) (map[string]string, error) {
	out := make(map[string]string, len(m.kv))
	for k, v := range m.kv {
		out[k] = v
	}
	return out, nil
}

func (m *kvSettings) Put(_ context.Context, key, value string) error {
	m.kv[key] = value
	return nil
}

func TestRelocationDetector_FollowsSpeedSetting(t *testing.T) {
	ctx := context.Background()
	store := &kvSettings{kv: map[string]string{}}
	p := settings.NewProvider(store, settings.Settings{MaxSpeedMps: 35}, time.Hour, nil)

	cfg := DefaultDetectorConfig()
	cfg.SpeedLimit = SpeedLimitFrom(p)
	d := DefaultDetectors(cfg, nil)[1].(*RelocationDetector)

	prev := logAt(1, t0, homeLat, homeLng)
	rec := logAt(2, t0.Add(20*time.Second), homeLat+1000/metersPerDegLat, homeLng) // 50 m/s

	a, err := d.Check(ctx, rec, History{Previous: &prev})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 35.0, a.Evidence["max_speed_mps"])

	_, err = p.Update(ctx, store, settings.KeyMaxSpeedMps, "60")
	require.NoError(t, err)
	a, err = d.Check(ctx, rec, History{Previous: &prev})
	require.NoError(t, err)
	assert.Nil(t, a)

	_, err = p.Update(ctx, store, settings.KeyMaxSpeedMps, "20")
	require.NoError(t, err)
	a, err = d.Check(ctx, rec, History{Previous: &prev})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, SeverityHigh, a.Severity)
	assert.Equal(t, 20.0, a.Evidence["max_speed_mps"])
}

func TestRelocationDetector_NoPrevious(t *testing.T) {
	d := &RelocationDetector{MaxSpeedMps: 35, Window: time.Hour}
	a, err := d.Check(context.Background(), logAt(1, t0, homeLat, homeLng), History{})
	require.NoError(t, err)
	assert.Nil(t, a)

	prev := LogRecord{LogID: 1, ScannedAt: t0}
	a, err = d.Check(context.Background(), logAt(2, t0.Add(time.Second), homeLat, homeLng), History{Previous: &prev})
	require.NoError(t, err)
	assert.Nil(t, a)
}

// ---------- duplicate_selfie ----------

type memSelfies struct {
	files map[string][]byte
	err   error
	reads int
}

func (m *memSelfies) Get(_ context.Context, ref string) ([]byte, error) {
	m.reads++
	if m.err != nil {
		return nil, m.err
	}
	b, ok := m.files[ref]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return b, nil
}

func withSelfie(rec LogRecord, ref string) LogRecord {
	rec.SelfiePath = &ref
	return rec
}

func TestDuplicateSelfieDetector(t *testing.T) {
	img := []byte("\x89PNG\r\n\x1a\nselfie-body")
	store := &memSelfies{files: map[string][]byte{
		"s1001/202604/a.png": img,
		"s1001/202604/b.png": append(append([]byte{}, img...), 0x00),
		"s1001/202604/c.png": append([]byte{}, img...),
		"s1001/202604/d.png": []byte("\x89PNG\r\n\x1a\nselfie-bodz"),
	}}
	d := &DuplicateSelfieDetector{Selfies: store, Limit: 10}
	ctx := context.Background()

	t.Run("identical bytes", func(t *testing.T) {
		rec := withSelfie(logAt(3, t0, homeLat, homeLng), "s1001/202604/c.png")
		a, err := d.Check(ctx, rec, History{SelfieRefs: []string{"s1001/202604/a.png"}})
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, SeverityCritical, a.Severity)
		assert.Equal(t, selfie.Hash(img), a.Evidence["sha256"])
		assert.Equal(t, "s1001/202604/a.png", a.Evidence["matched_path"])
	})

	t.Run("one byte longer", func(t *testing.T) {
		rec := withSelfie(logAt(3, t0, homeLat, homeLng), "s1001/202604/b.png")
		a, err := d.Check(ctx, rec, History{SelfieRefs: []string{"s1001/202604/a.png"}})
		require.NoError(t, err)
		assert.Nil(t, a)
	})

	t.Run("same size different content", func(t *testing.T) {
		rec := withSelfie(logAt(3, t0, homeLat, homeLng), "s1001/202604/d.png")
		a, err := d.Check(ctx, rec, History{SelfieRefs: []string{"s1001/202604/a.png"}})
		require.NoError(t, err)
		assert.Nil(t, a)
	})

	t.Run("missing prior file is skipped", func(t *testing.T) {
		rec := withSelfie(logAt(3, t0, homeLat, homeLng), "s1001/202604/c.png")
		a, err := d.Check(ctx, rec, History{SelfieRefs: []string{"s1001/202604/gone.png", "s1001/202604/a.png"}})
		require.NoError(t, err)
		assert.NotNil(t, a)
	})

	t.Run("missing current file", func(t *testing.T) {
		rec := withSelfie(logAt(3, t0, homeLat, homeLng), "s1001/202604/gone.png")
		a, err := d.Check(ctx, rec, History{SelfieRefs: []string{"s1001/202604/a.png"}})
		require.NoError(t, err)
		assert.Nil(t, a)
	})

	t.Run("no selfie on log", func(t *testing.T) {
		a, err := d.Check(ctx, logAt(3, t0, homeLat, homeLng), History{SelfieRefs: []string{"s1001/202604/a.png"}})
		require.NoError(t, err)
		assert.Nil(t, a)
	})
}

func TestDuplicateSelfieDetector_HistoryLimit(t *testing.T) {
	img := []byte("same-bytes")
	store := &memSelfies{files: map[string][]byte{"new": img, "old": img, "x1": []byte("x1"), "x2": []byte("x2")}}
	d := &DuplicateSelfieDetector{Selfies: store, Limit: 2}

	rec := withSelfie(logAt(3, t0, homeLat, homeLng), "new")
	a, err := d.Check(context.Background(), rec, History{SelfieRefs: []string{"x1", "x2", "old"}})
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestDuplicateSelfieDetector_ReadError(t *testing.T) {
	store := &memSelfies{err: errors.New("disk on fire")}
	d := &DuplicateSelfieDetector{Selfies: store, Limit: 10}

	rec := withSelfie(logAt(3, t0, homeLat, homeLng), "s1001/202604/c.png")
	_, err := d.Check(context.Background(), rec, History{SelfieRefs: []string{"s1001/202604/a.png"}})
	assert.Error(t, err)
}

// ---------- device_mismatch ----------

func TestDeviceMismatchDetector(t *testing.T) {
	d := &DeviceMismatchDetector{MinHistory: 5}
	ctx := context.Background()
	five := []string{"fp-a", "fp-a", "fp-a", "fp-b", "fp-a"}

	rec := logAt(9, t0, homeLat, homeLng)
	rec.DeviceFingerprint = ptr("fp-new")

	t.Run("no prior logs", func(t *testing.T) {
		a, err := d.Check(ctx, rec, History{})
		require.NoError(t, err)
		assert.Nil(t, a)
	})

	t.Run("not enough history", func(t *testing.T) {
		a, err := d.Check(ctx, rec, History{Fingerprints: five[:4]})
		require.NoError(t, err)
		assert.Nil(t, a)
	})

	t.Run("new device", func(t *testing.T) {
		a, err := d.Check(ctx, rec, History{Fingerprints: five})
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, SeverityMedium, a.Severity)
		assert.Equal(t, 2, a.Evidence["known_devices"])
	})

	t.Run("known device", func(t *testing.T) {
		known := rec
		known.DeviceFingerprint = ptr("fp-b")
		a, err := d.Check(ctx, known, History{Fingerprints: five})
		require.NoError(t, err)
		assert.Nil(t, a)
	})

	t.Run("no fingerprint", func(t *testing.T) {
		a, err := d.Check(ctx, logAt(9, t0, homeLat, homeLng), History{Fingerprints: five})
		require.NoError(t, err)
		assert.Nil(t, a)
	})
}

// ---------- time_anomaly ----------

func TestTimeAnomalyDetector(t *testing.T) {
	d := &TimeAnomalyDetector{Threshold: 30 * time.Minute}
	start := t0

	cases := []struct {
		name  string
		scan  time.Time
		fires bool
	}{
		{"forty minutes early", start.Add(-40 * time.Minute), true},
		{"exactly thirty minutes early", start.Add(-30 * time.Minute), false},
		{"twenty five minutes early", start.Add(-25 * time.Minute), false},
		{"late", start.Add(15 * time.Minute), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := logAt(1, tc.scan, homeLat, homeLng)
			rec.SessionStart = start
			a, err := d.Check(context.Background(), rec, History{})
			require.NoError(t, err)
			if !tc.fires {
				assert.Nil(t, a)
				return
			}
			require.NotNil(t, a)
			assert.Equal(t, SeverityLow, a.Severity)
			assert.Equal(t, 40.0, a.Evidence["minutes_early"])
		})
	}
}
