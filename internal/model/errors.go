package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a request failure. Each kind maps to an HTTP status
// (for pre-stream failures) and a wire code (for NDJSON error frames).
type ErrorKind string

const (
	KindBadRequest         ErrorKind = "bad_request"
	KindNotFound           ErrorKind = "not_found"
	KindStageTimeout       ErrorKind = "stage_timeout"
	KindPreconditionFailed ErrorKind = "precondition_failed"
	KindPolicyMismatch     ErrorKind = "policy_mismatch"
	KindUpstream           ErrorKind = "upstream_error"
	KindParse              ErrorKind = "parse_error"
	KindSchema             ErrorKind = "schema_error"
	KindInternal           ErrorKind = "internal"
)

// Error is the gateway's typed error. Stage is the pipeline stage that failed
// (empty for pre-pipeline failures).
type Error struct {
	Kind    ErrorKind
	Stage   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s (stage=%s): %s", e.Kind, e.Stage, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a typed error with a formatted message.
func E(kind ErrorKind, stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and stage to an underlying error.
func Wrap(kind ErrorKind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// KindOf extracts the ErrorKind from an error chain. Unclassified errors are
// KindInternal; context deadline errors become KindStageTimeout.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindStageTimeout
	}
	return KindInternal
}

// StageOf extracts the failing stage name, if recorded.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

// HTTPStatus maps the kind to a status code for pre-stream failures.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindPolicyMismatch:
		return http.StatusConflict
	case KindStageTimeout:
		return http.StatusGatewayTimeout
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code is the wire code used in NDJSON error frames and error envelopes.
func (k ErrorKind) Code() string { return string(k) }
