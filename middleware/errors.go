package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorCode is the machine-readable "error" field of an error body
type ErrorCode string

const (
	ErrCodeBadRequest         ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeRateLimited        ErrorCode = "RATE_LIMITED"
	ErrCodeInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeValidation         ErrorCode = "VALIDATION_ERROR"
	ErrCodeNoFeedsConfigured  ErrorCode = "NO_FEEDS_CONFIGURED"
)

// APIError is the body of every non-2xx API response
type APIError struct {
	Error     ErrorCode `json:"error"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp string    `json:"timestamp"`
}

type errorKind struct {
	status  int
	message string
}

var errorKinds = map[ErrorCode]errorKind{
	ErrCodeBadRequest:         {http.StatusBadRequest, "Malformed request"},
	ErrCodeNotFound:           {http.StatusNotFound, "Resource not found"},
	ErrCodeRateLimited:        {http.StatusTooManyRequests, "Too many requests, retry later"},
	ErrCodeInternalError:      {http.StatusInternalServerError, "Import service error"},
	ErrCodeServiceUnavailable: {http.StatusServiceUnavailable, "A backing service is unreachable"},
	ErrCodeValidation:         {http.StatusBadRequest, "Invalid request parameter"},
	ErrCodeNoFeedsConfigured:  {http.StatusBadRequest, "No FEEDS configured"},
}

// kindOf falls back to a 500 for codes without an entry
func kindOf(code ErrorCode) errorKind {
	if k, ok := errorKinds[code]; ok {
		return k
	}
	return errorKind{http.StatusInternalServerError, "Unexpected error"}
}

// WriteError logs err and writes it as an APIError with the status that
// belongs to code. 5xx responses log at error level, the rest at warn.
func WriteError(w http.ResponseWriter, code ErrorCode, err error, requestID string) {
	kind := kindOf(code)

	entry := logger().WithFields(logrus.Fields{
		"error_code":  code,
		"status_code": kind.status,
		"request_id":  requestID,
		"error":       err.Error(),
	})
	if kind.status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.status)
	json.NewEncoder(w).Encode(APIError{
		Error:     code,
		Message:   kind.message,
		Details:   err.Error(),
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func RespondBadRequest(w http.ResponseWriter, err error, requestID string) {
	WriteError(w, ErrCodeBadRequest, err, requestID)
}

func RespondNotFound(w http.ResponseWriter, err error, requestID string) {
	WriteError(w, ErrCodeNotFound, err, requestID)
}

func RespondRateLimited(w http.ResponseWriter, err error, requestID string) {
	WriteError(w, ErrCodeRateLimited, err, requestID)
}

func RespondInternalError(w http.ResponseWriter, err error, requestID string) {
	WriteError(w, ErrCodeInternalError, err, requestID)
}

// RespondServiceUnavailable is used by readiness when a dependency is down
func RespondServiceUnavailable(w http.ResponseWriter, err error, requestID string) {
	WriteError(w, ErrCodeServiceUnavailable, err, requestID)
}

func RespondValidationError(w http.ResponseWriter, err error, requestID string) {
	WriteError(w, ErrCodeValidation, err, requestID)
}

// RespondNoFeeds answers a trigger for all feeds when none are configured
func RespondNoFeeds(w http.ResponseWriter, err error, requestID string) {
	WriteError(w, ErrCodeNoFeedsConfigured, err, requestID)
}
