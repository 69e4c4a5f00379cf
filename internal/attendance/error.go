package attendance

import (
	"errors"
	"fmt"
	"net/http"
)

// ===== Error model (assets/disposals/lends と同型) =====
type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeRejected        Code = "REJECTED"
	CodeInternal        Code = "INTERNAL"
)

type APIError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string      { return fmt.Sprintf("%s: %s", e.Code, e.Message) }
func ErrInvalid(msg string) *APIError  { return &APIError{Code: CodeInvalidArgument, Message: msg} }
func ErrNotFound(msg string) *APIError { return &APIError{Code: CodeNotFound, Message: msg} }
func ErrConflict(msg string) *APIError { return &APIError{Code: CodeConflict, Message: msg} }
func ErrInternal(msg string) *APIError { return &APIError{Code: CodeInternal, Message: msg} }

// Reason は監査ログの event_type にそのまま入る安定したコード
type Reason string

const (
	ReasonSuccess         Reason = "checkin_success"
	ReasonError           Reason = "checkin_error"
	ReasonTokenInvalid    Reason = "token_invalid"
	ReasonTokenExpired    Reason = "token_expired"
	ReasonSessionInactive Reason = "session_inactive"
	ReasonSessionClosed   Reason = "session_closed"
	ReasonTokenDuplicate  Reason = "token_duplicate"
	ReasonSamplesInvalid  Reason = "location_samples_invalid"
	ReasonSamplesMissing  Reason = "location_samples_missing"
	ReasonSamplesSpan     Reason = "location_samples_span"
	ReasonStale           Reason = "location_stale"
	ReasonAccuracyLow     Reason = "location_accuracy_low"
	ReasonJump            Reason = "location_jump"
	ReasonSpread          Reason = "location_spread"
	ReasonOutsideRadius   Reason = "outside_radius"
	ReasonIPFar           Reason = "ip_location_far"
	ReasonIPUnverified    Reason = "ip_location_unverified"
	ReasonIPSkipped       Reason = "ip_location_skipped"
	ReasonMalformed       Reason = "checkin_malformed"
	ReasonSelfieInvalid   Reason = "selfie_invalid"
)

// RejectionError is returned for every refused submission. Message is safe
// to show to the student.
type RejectionError struct {
	Reason  Reason
	Message string
	Cause   error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *RejectionError) Unwrap() error { return e.Cause }

func reject(reason Reason, msg string, cause error) *RejectionError {
	return &RejectionError{Reason: reason, Message: msg, Cause: cause}
}

// ErrDuplicateLog is the storage-level uniqueness hit on (session_id, student_id).
var ErrDuplicateLog = errors.New("attendance log already exists for session and student")

func toHTTPStatus(err error) int {
	var rej *RejectionError
	if errors.As(err, &rej) {
		switch rej.Reason {
		case ReasonSamplesInvalid, ReasonMalformed, ReasonSelfieInvalid:
			return http.StatusBadRequest
		case ReasonTokenInvalid:
			return http.StatusNotFound
		case ReasonTokenExpired, ReasonSessionClosed, ReasonSessionInactive:
			return http.StatusGone
		case ReasonTokenDuplicate:
			return http.StatusConflict
		default:
			return http.StatusUnprocessableEntity
		}
	}
	var api *APIError
	if errors.As(err, &api) {
		switch api.Code {
		case CodeInvalidArgument:
			return 400
		case CodeNotFound:
			return 404
		case CodeConflict:
			return 409
		default:
			return 500
		}
	}
	return 500
}
