package attendance

import (
	"database/sql"
	"time"
)

type Status string

const (
	StatusPresent  Status = "present"
	StatusLate     Status = "late"
	StatusRejected Status = "rejected"
)

// LocationSample is one validated GPS fix.
type LocationSample struct {
	Latitude   float64
	Longitude  float64
	AccuracyM  float64
	CapturedAt time.Time
}

type Session struct {
	SessionID        uint64
	Title            string
	StartAt          time.Time
	EndAt            *time.Time
	IsActive         bool
	LateAfterMinutes *int // nil なら settings の値
}

type Token struct {
	TokenID   uint64
	SessionID uint64
	Value     string
	ExpiresAt time.Time
}

// AttendanceLog はチェックインの確定結果。作成後は更新しない。
type AttendanceLog struct {
	LogID             uint64
	SessionID         uint64
	StudentID         string
	TokenID           uint64
	ScannedAt         time.Time
	Status            Status
	DistanceM         *float64
	Latitude          *float64
	Longitude         *float64
	AccuracyM         *float64
	SelfiePath        *string
	DeviceFingerprint *string
	DeviceInfo        *string
	MockLocation      bool
	ClientIP          *string
	Note              *string
}

// SelfieVerification is the pending review record created with an accepted log.
type SelfieVerification struct {
	StudentID  string
	SelfiePath string
	Status     string
}

// DB行に対応（スキャン用）
type logRow struct {
	LogID             uint64
	SessionID         uint64
	StudentID         string
	TokenID           uint64
	ScannedAt         time.Time
	Status            string
	DistanceM         sql.NullFloat64
	Latitude          sql.NullFloat64
	Longitude         sql.NullFloat64
	AccuracyM         sql.NullFloat64
	SelfiePath        sql.NullString
	DeviceFingerprint sql.NullString
	DeviceInfo        sql.NullString
	MockLocation      bool
	ClientIP          sql.NullString
	Note              sql.NullString
}

func (r logRow) toModel() AttendanceLog {
	return AttendanceLog{
		LogID:             r.LogID,
		SessionID:         r.SessionID,
		StudentID:         r.StudentID,
		TokenID:           r.TokenID,
		ScannedAt:         r.ScannedAt.UTC(),
		Status:            Status(r.Status),
		DistanceM:         nullFloat(r.DistanceM),
		Latitude:          nullFloat(r.Latitude),
		Longitude:         nullFloat(r.Longitude),
		AccuracyM:         nullFloat(r.AccuracyM),
		SelfiePath:        nullStr(r.SelfiePath),
		DeviceFingerprint: nullStr(r.DeviceFingerprint),
		DeviceInfo:        nullStr(r.DeviceInfo),
		MockLocation:      r.MockLocation,
		ClientIP:          nullStr(r.ClientIP),
		Note:              nullStr(r.Note),
	}
}

func (a AttendanceLog) toDTO() LogResponse {
	return LogResponse{
		LogID:     a.LogID,
		SessionID: a.SessionID,
		StudentID: a.StudentID,
		ScannedAt: a.ScannedAt,
		Status:    string(a.Status),
		DistanceM: a.DistanceM,
		Latitude:  a.Latitude,
		Longitude: a.Longitude,
		Note:      a.Note,
	}
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
