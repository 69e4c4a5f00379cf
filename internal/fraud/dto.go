package fraud

import (
	"fmt"
	"net/http"
	"time"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 200
)

// ===== Error model =====
type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeInternal        Code = "INTERNAL"
)

type APIError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string      { return fmt.Sprintf("%s: %s", e.Code, e.Message) }
func ErrInvalid(msg string) *APIError  { return &APIError{Code: CodeInvalidArgument, Message: msg} }
func ErrNotFound(msg string) *APIError { return &APIError{Code: CodeNotFound, Message: msg} }
func ErrInternal(msg string) *APIError { return &APIError{Code: CodeInternal, Message: msg} }

func toHTTPStatus(err error) int {
	if e, ok := err.(*APIError); ok {
		switch e.Code {
		case CodeInvalidArgument:
			return http.StatusBadRequest
		case CodeNotFound:
			return http.StatusNotFound
		}
	}
	return http.StatusInternalServerError
}

// ===== Queries / results =====

type AlertQuery struct {
	StudentID *string
	Type      *string
	Severity  *string
	Resolved  *bool
	Limit     int
	Offset    int
}

// ScanResult summarizes one batch pass. Failed counts logs whose analysis
// errored; they carry no scan marker and are retried next run.
type ScanResult struct {
	Scanned       int            `json:"scanned"`
	AlertsCreated int            `json:"alerts_created"`
	ByType        map[string]int `json:"alerts_by_type"`
	Failed        int            `json:"failed"`
}

type PatternResult struct {
	Students      int            `json:"students"`
	AlertsCreated int            `json:"alerts_created"`
	ByType        map[string]int `json:"alerts_by_type"`
	Deduplicated  int            `json:"deduplicated"`
	Failed        int            `json:"failed"`
}

type AlertResponse struct {
	AlertID     string         `json:"alert_id"`
	StudentID   string         `json:"student_id"`
	LogID       *uint64        `json:"attendance_log_id,omitempty"`
	Type        string         `json:"alert_type"`
	Severity    string         `json:"severity"`
	Description string         `json:"description"`
	Evidence    map[string]any `json:"evidence,omitempty"`
	Resolved    bool           `json:"resolved"`
	CreatedAt   time.Time      `json:"created_at"`
}

type AnalyzeResponse struct {
	LogID         uint64          `json:"attendance_log_id"`
	Alerts        []AlertResponse `json:"alerts"`
	AlertsCreated int             `json:"alerts_created"`
}

func (a Alert) toDTO() AlertResponse {
	return AlertResponse{
		AlertID:     a.AlertID,
		StudentID:   a.StudentID,
		LogID:       a.LogID,
		Type:        string(a.Type),
		Severity:    string(a.Severity),
		Description: a.Description,
		Evidence:    a.Evidence,
		Resolved:    a.Resolved,
		CreatedAt:   a.CreatedAt,
	}
}
