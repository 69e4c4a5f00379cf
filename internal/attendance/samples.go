package attendance

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// MalformedSampleError marks client input that never reaches the geometry.
type MalformedSampleError struct {
	Index  int // -1 は先頭の位置情報（primary）
	Field  string
	Reason string
}

func (e *MalformedSampleError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("location %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("location_samples[%d].%s: %s", e.Index, e.Field, e.Reason)
}

var (
	latKeys      = []string{"latitude", "lat"}
	lngKeys      = []string{"longitude", "lng", "lon"}
	accuracyKeys = []string{"accuracy_m", "accuracy", "location_accuracy_m"}
	capturedKeys = []string{"captured_at", "location_captured_at", "timestamp"}
)

// NormalizeSamples validates every raw sample and returns them ordered by
// CapturedAt ascending. The client order is never trusted. primary may be
// nil; when present it joins the batch unless an identical fix is already in it.
func NormalizeSamples(primary RawSample, raw []RawSample) ([]LocationSample, error) {
	out := make([]LocationSample, 0, len(raw)+1)
	for i, r := range raw {
		s, err := parseSample(i, r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}

	if len(primary) > 0 {
		p, err := parseSample(-1, primary)
		if err != nil {
			return nil, err
		}
		if !containsSample(out, p) {
			out = append(out, p)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CapturedAt.Before(out[j].CapturedAt)
	})
	return out, nil
}

func containsSample(list []LocationSample, s LocationSample) bool {
	for _, x := range list {
		if x.Latitude == s.Latitude && x.Longitude == s.Longitude && x.CapturedAt.Equal(s.CapturedAt) {
			return true
		}
	}
	return false
}

func parseSample(idx int, r RawSample) (LocationSample, error) {
	lat, err := requireFloat(idx, r, latKeys)
	if err != nil {
		return LocationSample{}, err
	}
	if lat < -90 || lat > 90 {
		return LocationSample{}, &MalformedSampleError{Index: idx, Field: "latitude", Reason: "out of range"}
	}
	lng, err := requireFloat(idx, r, lngKeys)
	if err != nil {
		return LocationSample{}, err
	}
	if lng < -180 || lng > 180 {
		return LocationSample{}, &MalformedSampleError{Index: idx, Field: "longitude", Reason: "out of range"}
	}
	acc, err := requireFloat(idx, r, accuracyKeys)
	if err != nil {
		return LocationSample{}, err
	}
	if acc < 0 {
		return LocationSample{}, &MalformedSampleError{Index: idx, Field: "accuracy_m", Reason: "must be >= 0"}
	}

	raw, ok := lookup(r, capturedKeys)
	if !ok {
		return LocationSample{}, &MalformedSampleError{Index: idx, Field: "captured_at", Reason: "required"}
	}
	at, err := parseTimestamp(raw)
	if err != nil {
		return LocationSample{}, &MalformedSampleError{Index: idx, Field: "captured_at", Reason: err.Error()}
	}

	return LocationSample{Latitude: lat, Longitude: lng, AccuracyM: acc, CapturedAt: at}, nil
}

func lookup(r RawSample, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := r[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func requireFloat(idx int, r RawSample, keys []string) (float64, error) {
	v, ok := lookup(r, keys)
	if !ok {
		return 0, &MalformedSampleError{Index: idx, Field: keys[0], Reason: "required"}
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, &MalformedSampleError{Index: idx, Field: keys[0], Reason: "must be numeric"}
	}
	return f, nil
}

// toFloat rejects NaN/Inf so nothing non-finite reaches the distance math.
func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		p, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = p
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts ISO-8601 strings (offset-less ones are UTC) and
// epoch numbers; values above 1e11 are milliseconds.
func parseTimestamp(v any) (time.Time, error) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return t.UTC(), nil
			}
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
		}
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return time.Time{}, fmt.Errorf("unrecognized timestamp")
	}
	if f > 1e11 {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

// checkWindow enforces the time bounds of a sorted batch.
func checkWindow(samples []LocationSample, now time.Time, windowSeconds, maxAgeSeconds int) *RejectionError {
	first := samples[0].CapturedAt
	last := samples[len(samples)-1].CapturedAt

	span := last.Sub(first)
	if windowSeconds > 0 && span > time.Duration(windowSeconds)*time.Second {
		return reject(ReasonSamplesSpan,
			fmt.Sprintf("location samples span %.1fs, more than %ds; please retry", span.Seconds(), windowSeconds), nil)
	}
	if maxAgeSeconds > 0 && now.Sub(last) > time.Duration(maxAgeSeconds)*time.Second {
		return reject(ReasonStale,
			fmt.Sprintf("latest location sample is %.0fs old; please retry", now.Sub(last).Seconds()), nil)
	}
	if last.Sub(now) > maxClockSkew {
		return reject(ReasonStale, "location sample timestamp is in the future; check the device clock", nil)
	}
	return nil
}

const maxClockSkew = 30 * time.Second
