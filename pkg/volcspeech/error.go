package volcspeech

import (
	"errors"
	"fmt"
)

// Error is a speech service error carrying the service's numeric code.
type Error struct {
	// Code is the business error code from the service.
	Code int `json:"code"`

	// Message is the error message.
	Message string `json:"message"`

	// ReqID is the request correlation id, if known.
	ReqID string `json:"reqid,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("volcspeech: %s (code=%d, reqid=%s)", e.Message, e.Code, e.ReqID)
}

// Service status codes.
const (
	CodeSuccess     = 3000
	CodeParamError  = 3001
	CodeAuthError   = 3002
	CodeRateLimit   = 3003
	CodeQuotaExceed = 3004
	CodeServerError = 3005
)

// IsAuthError reports whether the error is an authentication failure.
func (e *Error) IsAuthError() bool {
	return e.Code == CodeAuthError
}

// IsRateLimit reports whether the error is a rate limit rejection.
func (e *Error) IsRateLimit() bool {
	return e.Code == CodeRateLimit
}

// Retryable reports whether retrying the request may succeed.
func (e *Error) Retryable() bool {
	return e.Code == CodeRateLimit || e.Code == CodeServerError
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
