package matrix

import (
	"errors"
	"fmt"
)

// Error is the structured error body returned by a homeserver.
type Error struct {
	ErrCode    string `json:"errcode"`
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.ErrCode, e.StatusCode, e.Message)
}

// Common homeserver error codes. ErrCodeUnknownToken during sync halts the
// channel; others are retried.
const (
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
)

// IsError reports whether err is an *Error with the given code.
func IsError(err error, code string) bool {
	var matrixErr *Error
	if errors.As(err, &matrixErr) {
		return matrixErr.ErrCode == code
	}
	return false
}
