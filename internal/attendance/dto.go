package attendance

import (
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// RawSample は端末から届いたままのサンプル。数値が文字列で来ることもある。
// 受け付けるキー: latitude/lat, longitude/lng/lon, accuracy_m/accuracy/location_accuracy_m,
// captured_at/location_captured_at/timestamp
type RawSample map[string]any

// CheckInRequest is the JSON body. multipart の場合は handler で同じ項目を読む。
// location_samples と mock_location は形が崩れていても bind を失敗させない
// （判定はサービス側で行い、監査ログに残す）。
type CheckInRequest struct {
	Token              string          `json:"token"`
	Latitude           any             `json:"latitude"`
	Longitude          any             `json:"longitude"`
	LocationAccuracyM  any             `json:"location_accuracy_m"`
	LocationCapturedAt any             `json:"location_captured_at"`
	LocationSamples    json.RawMessage `json:"location_samples"`
	DeviceInfo         *string         `json:"device_info,omitempty"`
	MockLocation       any             `json:"mock_location"`
	SelfieBase64       *string         `json:"selfie_base64,omitempty"`
	Note               *string         `json:"note,omitempty"`
}

// CheckInInput is what the handler hands to the service after binding.
type CheckInInput struct {
	StudentID    string
	Token        string
	Primary      RawSample
	Samples      []RawSample
	SamplesJSON  []byte // 未デコードの location_samples。あれば Samples より優先
	BindErr      error  // リクエスト自体が読めなかった
	Selfie       []byte
	SelfieExt    string
	DeviceInfo   string
	UserAgent    string
	MockLocation bool
	ClientIP     string
	Note         *string
}

type CheckInResponse struct {
	LogID     uint64    `json:"log_id"`
	SessionID uint64    `json:"session_id"`
	Status    string    `json:"status"`
	ScannedAt time.Time `json:"scanned_at"`
	DistanceM float64   `json:"distance_m"`
	IPChecked bool      `json:"ip_checked"`
}

type LogResponse struct {
	LogID     uint64    `json:"log_id"`
	SessionID uint64    `json:"session_id"`
	StudentID string    `json:"student_id"`
	ScannedAt time.Time `json:"scanned_at"`
	Status    string    `json:"status"`
	DistanceM *float64  `json:"distance_m,omitempty"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	Note      *string   `json:"note,omitempty"`
}

type ListQuery struct {
	StudentID string
	SessionID *uint64
	Status    *string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// lenientBool: true/"true"/"1"/1 を真とみなす。解釈できない値は false。
func lenientBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(x))
		return b
	case float64:
		return x != 0
	case json.Number:
		f, err := x.Float64()
		return err == nil && f != 0
	default:
		return false
	}
}
