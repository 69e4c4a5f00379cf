package fraud

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"time"

	"PRESENCE-backend/internal/platform/geo"
	"PRESENCE-backend/internal/selfie"
	"PRESENCE-backend/internal/settings"
)

// Detector inspects one committed log. It returns nil, nil when it has
// nothing to say, including when the signal it needs is absent.
type Detector interface {
	Name() AlertType
	Check(ctx context.Context, rec LogRecord, h History) (*Alert, error)
}

// SelfieReader fetches stored selfie bytes by reference.
type SelfieReader interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

// DetectorConfig はしきい値の束。SpeedLimit があれば MaxSpeedMps より優先。
type DetectorConfig struct {
	MaxSpeedMps        float64
	SpeedLimit         func(context.Context) float64
	RelocationWindow   time.Duration
	SelfieHistory      int
	DeviceMinHistory   int
	EarlyScanThreshold time.Duration
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		MaxSpeedMps:        35,
		RelocationWindow:   time.Hour,
		SelfieHistory:      10,
		DeviceMinHistory:   5,
		EarlyScanThreshold: 30 * time.Minute,
	}
}

// DefaultDetectors returns the per-log detector list in evaluation order.
func DefaultDetectors(cfg DetectorConfig, selfies SelfieReader) []Detector {
	return []Detector{
		NewSpoofingDetector(),
		&RelocationDetector{MaxSpeedMps: cfg.MaxSpeedMps, SpeedLimit: cfg.SpeedLimit, Window: cfg.RelocationWindow},
		&DuplicateSelfieDetector{Selfies: selfies, Limit: cfg.SelfieHistory},
		&DeviceMismatchDetector{MinHistory: cfg.DeviceMinHistory},
		&TimeAnomalyDetector{Threshold: cfg.EarlyScanThreshold},
	}
}

// SettingsSource is satisfied by *settings.Provider.
type SettingsSource interface {
	Current(ctx context.Context) (settings.Settings, error)
}

// SpeedLimitFrom reads location_max_speed_mps, the same limit the check-in
// jump check uses, on every call. 読めなければ 0 (固定値にフォールバック)。
func SpeedLimitFrom(src SettingsSource) func(context.Context) float64 {
	return func(ctx context.Context) float64 {
		s, err := src.Current(ctx)
		if err != nil {
			return 0
		}
		return s.MaxSpeedMps
	}
}

// ---------- gps_spoofing ----------

type Coordinate struct {
	Lat float64
	Lng float64
}

// エミュレータや位置偽装アプリの既定座標
var knownSpoofCoordinates = []Coordinate{
	{0, 0},
	{37.4219983, -122.084},
	{37.785834, -122.406417},
	{37.33233141, -122.0312186},
}

type SpoofingDetector struct {
	Denylist  []Coordinate
	Tolerance float64
}

func NewSpoofingDetector() *SpoofingDetector {
	return &SpoofingDetector{Denylist: knownSpoofCoordinates, Tolerance: 0.0001}
}

func (d *SpoofingDetector) Name() AlertType { return AlertGPSSpoofing }

// Check looks at the stored anchor coordinates only. Samples that were not
// selected never reach the log and cannot trigger this.
func (d *SpoofingDetector) Check(_ context.Context, rec LogRecord, _ History) (*Alert, error) {
	if rec.MockLocation {
		return &Alert{
			Type:        AlertGPSSpoofing,
			Severity:    SeverityCritical,
			Description: "device reported a mock location provider",
			Evidence:    map[string]any{"mock_location": true},
		}, nil
	}
	if !rec.hasCoordinates() {
		return nil, nil
	}
	lat, lng := *rec.Latitude, *rec.Longitude
	for _, c := range d.Denylist {
		if math.Abs(lat-c.Lat) <= d.Tolerance && math.Abs(lng-c.Lng) <= d.Tolerance {
			return &Alert{
				Type:        AlertGPSSpoofing,
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("coordinates %.6f,%.6f match a known emulator default", lat, lng),
				Evidence: map[string]any{
					"latitude":      lat,
					"longitude":     lng,
					"matched_lat":   c.Lat,
					"matched_lng":   c.Lng,
					"tolerance_deg": d.Tolerance,
				},
			}, nil
		}
	}
	return nil, nil
}

// ---------- rapid_relocation ----------

type RelocationDetector struct {
	MaxSpeedMps float64
	SpeedLimit  func(context.Context) float64
	Window      time.Duration
}

func (d *RelocationDetector) Name() AlertType { return AlertRapidRelocation }

func (d *RelocationDetector) limit(ctx context.Context) float64 {
	if d.SpeedLimit != nil {
		if v := d.SpeedLimit(ctx); v > 0 {
			return v
		}
	}
	return d.MaxSpeedMps
}

func (d *RelocationDetector) Check(ctx context.Context, rec LogRecord, h History) (*Alert, error) {
	prev := h.Previous
	maxSpeed := d.limit(ctx)
	if prev == nil || !prev.hasCoordinates() || !rec.hasCoordinates() || maxSpeed <= 0 {
		return nil, nil
	}
	gap := rec.ScannedAt.Sub(prev.ScannedAt)
	if gap < 0 || gap > d.Window {
		return nil, nil
	}

	dist := geo.DistanceMeters(*prev.Latitude, *prev.Longitude, *rec.Latitude, *rec.Longitude)
	secs := math.Max(gap.Seconds(), 1)
	speed := geo.Round2(dist / secs)
	if speed <= maxSpeed {
		return nil, nil
	}

	sev := SeverityMedium
	switch {
	case speed > 3*maxSpeed:
		sev = SeverityCritical
	case speed > 2*maxSpeed:
		sev = SeverityHigh
	}
	return &Alert{
		Type:        AlertRapidRelocation,
		Severity:    sev,
		Description: fmt.Sprintf("moved %.0fm in %.0fs since log %d (%.1fm/s)", dist, secs, prev.LogID, speed),
		Evidence: map[string]any{
			"previous_log_id": prev.LogID,
			"distance_m":      dist,
			"seconds":         secs,
			"speed_mps":       speed,
			"max_speed_mps":   maxSpeed,
		},
	}, nil
}

// ---------- duplicate_selfie ----------

type DuplicateSelfieDetector struct {
	Selfies SelfieReader
	Limit   int
}

func (d *DuplicateSelfieDetector) Name() AlertType { return AlertDuplicateSelfie }

// Check compares sizes first and hashes only same-sized candidates.
func (d *DuplicateSelfieDetector) Check(ctx context.Context, rec LogRecord, h History) (*Alert, error) {
	if d.Selfies == nil || rec.SelfiePath == nil || *rec.SelfiePath == "" {
		return nil, nil
	}
	cur, err := d.read(ctx, *rec.SelfiePath)
	if err != nil || cur == nil {
		return nil, err
	}
	curHash := ""

	refs := h.SelfieRefs
	if d.Limit > 0 && len(refs) > d.Limit {
		refs = refs[:d.Limit]
	}
	for _, ref := range refs {
		if ref == *rec.SelfiePath {
			continue
		}
		prior, err := d.read(ctx, ref)
		if err != nil {
			return nil, err
		}
		if prior == nil || len(prior) != len(cur) {
			continue
		}
		if curHash == "" {
			curHash = selfie.Hash(cur)
		}
		if selfie.Hash(prior) == curHash {
			return &Alert{
				Type:        AlertDuplicateSelfie,
				Severity:    SeverityCritical,
				Description: "selfie is byte-identical to an earlier submission",
				Evidence: map[string]any{
					"sha256":       curHash,
					"selfie_path":  *rec.SelfiePath,
					"matched_path": ref,
					"size_bytes":   len(cur),
				},
			}, nil
		}
	}
	return nil, nil
}

// read は存在しないファイルを「評価不能」として nil を返す
func (d *DuplicateSelfieDetector) read(ctx context.Context, ref string) ([]byte, error) {
	b, err := d.Selfies.Get(ctx, ref)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, selfie.ErrBadRef) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read selfie %s: %w", ref, err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	return b, nil
}

// ---------- device_mismatch ----------

type DeviceMismatchDetector struct {
	MinHistory int
}

func (d *DeviceMismatchDetector) Name() AlertType { return AlertDeviceMismatch }

func (d *DeviceMismatchDetector) Check(_ context.Context, rec LogRecord, h History) (*Alert, error) {
	if rec.DeviceFingerprint == nil || *rec.DeviceFingerprint == "" {
		return nil, nil
	}
	if len(h.Fingerprints) < d.MinHistory || len(h.Fingerprints) == 0 {
		return nil, nil
	}
	cur := *rec.DeviceFingerprint
	known := make(map[string]struct{}, len(h.Fingerprints))
	for _, fp := range h.Fingerprints {
		if fp == cur {
			return nil, nil
		}
		known[fp] = struct{}{}
	}
	return &Alert{
		Type:        AlertDeviceMismatch,
		Severity:    SeverityMedium,
		Description: fmt.Sprintf("new device after %d logs from %d known device(s)", len(h.Fingerprints), len(known)),
		Evidence: map[string]any{
			"fingerprint":   cur,
			"history_logs":  len(h.Fingerprints),
			"known_devices": len(known),
		},
	}, nil
}

// ---------- time_anomaly ----------

type TimeAnomalyDetector struct {
	Threshold time.Duration
}

func (d *TimeAnomalyDetector) Name() AlertType { return AlertTimeAnomaly }

func (d *TimeAnomalyDetector) Check(_ context.Context, rec LogRecord, _ History) (*Alert, error) {
	if rec.SessionStart.IsZero() {
		return nil, nil
	}
	early := rec.SessionStart.Sub(rec.ScannedAt)
	if early <= d.Threshold {
		return nil, nil
	}
	return &Alert{
		Type:        AlertTimeAnomaly,
		Severity:    SeverityLow,
		Description: fmt.Sprintf("scanned %.0f minutes before the session started", early.Minutes()),
		Evidence: map[string]any{
			"session_start": rec.SessionStart.Format(time.RFC3339),
			"scanned_at":    rec.ScannedAt.Format(time.RFC3339),
			"minutes_early": math.Floor(early.Minutes()),
		},
	}, nil
}
