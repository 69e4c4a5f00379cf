package sessions

import "time"

const (
	DefaultTokenTTL = 5 * time.Minute
	MaxTokenTTL     = 24 * time.Hour
)

type CreateSessionRequest struct {
	Title            string     `json:"title" binding:"required"`
	StartAt          time.Time  `json:"start_at" binding:"required"`
	EndAt            *time.Time `json:"end_at,omitempty"`
	LateAfterMinutes *int       `json:"late_after_minutes,omitempty"`
}

// IssueTokenRequest: ttl_seconds 未指定なら 5 分
type IssueTokenRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}
