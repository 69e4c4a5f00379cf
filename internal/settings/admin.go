package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrUnknownKey   = errors.New("unknown settings key")
	ErrInvalidValue = errors.New("invalid settings value")
)

type kind int

const (
	kindLat kind = iota
	kindLng
	kindPositiveFloat
	kindPositiveInt
	kindNonNegativeInt
	kindBool
	kindURLTemplate
)

var keyKinds = map[string]kind{
	KeyGeofenceLat:      kindLat,
	KeyGeofenceLng:      kindLng,
	KeyGeofenceRadiusM:  kindPositiveFloat,
	KeySampleCount:      kindPositiveInt,
	KeyWindowSeconds:    kindPositiveInt,
	KeyMaxSampleAge:     kindPositiveInt,
	KeyMaxSpeedMps:      kindPositiveFloat,
	KeyMaxJumpM:         kindPositiveFloat,
	KeyMaxSpreadM:       kindPositiveFloat,
	KeyMaxAccuracyM:     kindPositiveFloat,
	KeyLateAfterMinutes: kindNonNegativeInt,
	KeyIPCheckEnabled:   kindBool,
	KeyIPCheckURL:       kindURLTemplate,
	KeyIPCheckMaxKm:     kindPositiveFloat,
}

// Validate rejects values that Apply would silently ignore.
func Validate(key, value string) error {
	k, ok := keyKinds[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	v := strings.TrimSpace(value)
	bad := func(why string) error { return fmt.Errorf("%w: %s %s", ErrInvalidValue, key, why) }

	switch k {
	case kindLat, kindLng, kindPositiveFloat:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return bad("must be a number")
		}
		switch {
		case k == kindLat && (f < -90 || f > 90):
			return bad("must be within [-90, 90]")
		case k == kindLng && (f < -180 || f > 180):
			return bad("must be within [-180, 180]")
		case k == kindPositiveFloat && f <= 0:
			return bad("must be > 0")
		}
	case kindPositiveInt, kindNonNegativeInt:
		n, err := strconv.Atoi(v)
		if err != nil {
			return bad("must be an integer")
		}
		if n < 0 || (k == kindPositiveInt && n == 0) {
			return bad("out of range")
		}
	case kindBool:
		if _, err := strconv.ParseBool(v); err != nil {
			return bad("must be true or false")
		}
	case kindURLTemplate:
		if !strings.HasPrefix(v, "https://") && !strings.HasPrefix(v, "http://") {
			return bad("must be an http(s) URL")
		}
		if !strings.Contains(v, "{ip}") {
			return bad("must contain {ip}")
		}
	}
	return nil
}

// Values は現在の有効値を key → 値で返す (管理画面用)
func (s Settings) Values() map[string]any {
	return map[string]any{
		KeyGeofenceLat:      s.Geofence.CenterLat,
		KeyGeofenceLng:      s.Geofence.CenterLng,
		KeyGeofenceRadiusM:  s.Geofence.RadiusM,
		KeySampleCount:      s.SampleCount,
		KeyWindowSeconds:    s.WindowSeconds,
		KeyMaxSampleAge:     s.MaxSampleAgeSeconds,
		KeyMaxSpeedMps:      s.MaxSpeedMps,
		KeyMaxJumpM:         s.MaxJumpM,
		KeyMaxSpreadM:       s.MaxSpreadM,
		KeyMaxAccuracyM:     s.MaxAccuracyM,
		KeyLateAfterMinutes: s.LateAfterMinutes,
		KeyIPCheckEnabled:   s.IPCheckEnabled,
		KeyIPCheckURL:       s.IPCheckURL,
		KeyIPCheckMaxKm:     s.IPCheckMaxKm,
	}
}

// Writer persists one override.
type Writer interface {
	Put(ctx context.Context, key, value string) error
}

func (s *SQLStore) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO settings (`key`, `value`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `value` = VALUES(`value`)",
		key, strings.TrimSpace(value))
	return err
}

// Update validates, stores and drops the cache so the next check-in sees it.
func (p *Provider) Update(ctx context.Context, w Writer, key, value string) (Settings, error) {
	if err := Validate(key, value); err != nil {
		return Settings{}, err
	}
	if err := w.Put(ctx, key, value); err != nil {
		return Settings{}, err
	}
	p.Invalidate()
	return p.Current(ctx)
}
