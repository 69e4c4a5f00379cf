// Package settings resolves the check-in tunables. Values live in the
// `settings` key/value table so admins can change them without a restart;
// config.yaml supplies the defaults for missing keys.
package settings

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"PRESENCE-backend/internal/platform/db"
)

const (
	KeyGeofenceLat      = "geofence_lat"
	KeyGeofenceLng      = "geofence_lng"
	KeyGeofenceRadiusM  = "geofence_radius_m"
	KeySampleCount      = "location_sample_count"
	KeyWindowSeconds    = "location_window_seconds"
	KeyMaxSampleAge     = "location_max_age_seconds"
	KeyMaxSpeedMps      = "location_max_speed_mps"
	KeyMaxJumpM         = "location_max_jump_m"
	KeyMaxSpreadM       = "location_max_spread_m"
	KeyMaxAccuracyM     = "location_max_accuracy_m"
	KeyLateAfterMinutes = "late_threshold_minutes"
	KeyIPCheckEnabled   = "ip_check_enabled"
	KeyIPCheckURL       = "ip_check_url"
	KeyIPCheckMaxKm     = "ip_check_max_km"
)

type Geofence struct {
	CenterLat float64
	CenterLng float64
	RadiusM   float64
}

type Settings struct {
	Geofence            Geofence
	SampleCount         int
	WindowSeconds       int
	MaxSampleAgeSeconds int
	MaxSpeedMps         float64
	MaxJumpM            float64
	MaxSpreadM          float64
	MaxAccuracyM        float64
	LateAfterMinutes    int
	IPCheckEnabled      bool
	IPCheckURL          string
	IPCheckMaxKm        float64
}

// FromConfig builds the defaults layer from config.yaml.
func FromConfig(c db.CheckinConfig, ip db.IPCheckConfig) Settings {
	return Settings{
		Geofence: Geofence{
			CenterLat: c.GeofenceLat,
			CenterLng: c.GeofenceLng,
			RadiusM:   c.GeofenceRadiusM,
		},
		SampleCount:         c.SampleCount,
		WindowSeconds:       c.WindowSeconds,
		MaxSampleAgeSeconds: c.MaxSampleAgeSecond,
		MaxSpeedMps:         c.MaxSpeedMps,
		MaxJumpM:            c.MaxJumpM,
		MaxSpreadM:          c.MaxSpreadM,
		MaxAccuracyM:        c.MaxAccuracyM,
		LateAfterMinutes:    c.LateAfterMinutes,
		IPCheckEnabled:      ip.Enabled,
		IPCheckURL:          ip.URL,
		IPCheckMaxKm:        ip.MaxKm,
	}
}

// Apply overlays raw key/value rows. Unknown keys and unparsable values are
// ignored so one bad row cannot take the pipeline down.
func (s Settings) Apply(kv map[string]string) Settings {
	out := s
	for k, raw := range kv {
		v := strings.TrimSpace(raw)
		switch k {
		case KeyGeofenceLat:
			setFloat(&out.Geofence.CenterLat, v)
		case KeyGeofenceLng:
			setFloat(&out.Geofence.CenterLng, v)
		case KeyGeofenceRadiusM:
			setPositiveFloat(&out.Geofence.RadiusM, v)
		case KeySampleCount:
			setPositiveInt(&out.SampleCount, v)
		case KeyWindowSeconds:
			setPositiveInt(&out.WindowSeconds, v)
		case KeyMaxSampleAge:
			setPositiveInt(&out.MaxSampleAgeSeconds, v)
		case KeyMaxSpeedMps:
			setPositiveFloat(&out.MaxSpeedMps, v)
		case KeyMaxJumpM:
			setPositiveFloat(&out.MaxJumpM, v)
		case KeyMaxSpreadM:
			setPositiveFloat(&out.MaxSpreadM, v)
		case KeyMaxAccuracyM:
			setPositiveFloat(&out.MaxAccuracyM, v)
		case KeyLateAfterMinutes:
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				out.LateAfterMinutes = n
			}
		case KeyIPCheckEnabled:
			if b, err := strconv.ParseBool(v); err == nil {
				out.IPCheckEnabled = b
			}
		case KeyIPCheckURL:
			if v != "" {
				out.IPCheckURL = v
			}
		case KeyIPCheckMaxKm:
			setPositiveFloat(&out.IPCheckMaxKm, v)
		}
	}
	return out
}

// AccuracyLimit never trusts a fix less accurate than the geofence is wide.
func (s Settings) AccuracyLimit() float64 {
	if s.Geofence.RadiusM > 0 && s.Geofence.RadiusM < s.MaxAccuracyM {
		return s.Geofence.RadiusM
	}
	return s.MaxAccuracyM
}

func setFloat(dst *float64, v string) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = f
	}
}

func setPositiveFloat(dst *float64, v string) {
	if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
		*dst = f
	}
}

func setPositiveInt(dst *int, v string) {
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = n
	}
}

// ===== Store =====

type Store interface {
	Load(ctx context.Context) (map[string]string, error)
}

type SQLStore struct{ db db.DBTX }

func NewStore(conn *sql.DB) *SQLStore { return &SQLStore{db: conn} }

func (s *SQLStore) Load(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT `key`, `value` FROM settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k string
		var v sql.NullString
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		if v.Valid {
			out[k] = v.String
		}
	}
	return out, rows.Err()
}
