package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const codeTransport = "transport"

// Error is returned by every adapter when the vendor rejects or fails a call.
type Error struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " http %d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether a later attempt may succeed: transport errors,
// rate limiting and vendor side 5xx responses.
func (e *Error) Temporary() bool {
	if e == nil {
		return false
	}
	if e.Code == codeTransport {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// IsTemporary reports whether err is a transient provider failure. Deadline
// errors count as transient because the job may still finish vendor side.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Temporary()
	}
	return false
}

// IsRejected reports whether the vendor answered with a definitive 4xx, such
// as an unknown task id. Retrying the same call will not change the answer.
func IsRejected(err error) bool {
	var perr *Error
	if !errors.As(err, &perr) || perr.Temporary() {
		return false
	}
	return perr.StatusCode >= http.StatusBadRequest && perr.StatusCode < http.StatusInternalServerError &&
		perr.StatusCode != http.StatusRequestTimeout
}

func newError(provider string, statusCode int, code, message string) *Error {
	return &Error{Provider: provider, StatusCode: statusCode, Code: code, Message: strings.TrimSpace(message)}
}

func transportError(provider string, err error) *Error {
	return &Error{Provider: provider, Code: codeTransport, Err: err}
}
