// Package sessions manages class sessions and the short-lived QR tokens
// students scan to check in.
package sessions

import "time"

type Session struct {
	SessionID        uint64     `json:"session_id"`
	Title            string     `json:"title"`
	StartAt          time.Time  `json:"start_at"`
	EndAt            *time.Time `json:"end_at,omitempty"`
	IsActive         bool       `json:"is_active"`
	LateAfterMinutes *int       `json:"late_after_minutes,omitempty"`
}

type Token struct {
	TokenID   uint64    `json:"token_id"`
	SessionID uint64    `json:"session_id"`
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
