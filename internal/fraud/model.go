// Package fraud analyzes committed attendance logs after the fact and writes
// alerts for human review. It never changes a log's acceptance decision.
package fraud

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

type AlertType string

const (
	AlertGPSSpoofing     AlertType = "gps_spoofing"
	AlertRapidRelocation AlertType = "rapid_relocation"
	AlertDuplicateSelfie AlertType = "duplicate_selfie"
	AlertDeviceMismatch  AlertType = "device_mismatch"
	AlertTimeAnomaly     AlertType = "time_anomaly"
	AlertLateRepeat      AlertType = "suspicious_pattern_late_repeat"
	AlertBoundaryScan    AlertType = "suspicious_pattern_boundary"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is one fraud signal. LogID is nil for pattern-level alerts.
type Alert struct {
	AlertID     string
	StudentID   string
	LogID       *uint64
	Type        AlertType
	Severity    Severity
	Description string
	Evidence    map[string]any
	Resolved    bool
	CreatedAt   time.Time
}

// LogRecord is the engine's read-only view of an attendance log joined with
// its session start.
type LogRecord struct {
	LogID             uint64
	SessionID         uint64
	StudentID         string
	ScannedAt         time.Time
	Status            string
	Latitude          *float64
	Longitude         *float64
	SelfiePath        *string
	DeviceFingerprint *string
	MockLocation      bool
	SessionStart      time.Time
}

func (r LogRecord) hasCoordinates() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// History is what the per-log detectors may look at besides the log itself.
// Every slice holds only prior logs of the same student, newest first.
type History struct {
	Previous     *LogRecord
	SelfieRefs   []string
	Fingerprints []string
}

// ===== Clock / ID =====

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type IDGen interface {
	NewULID(t time.Time) string
}

type ulidGen struct{}

func (ulidGen) NewULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
