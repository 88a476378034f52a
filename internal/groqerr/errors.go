// Package groqerr defines the typed error taxonomy shared across the
// client: every failure the core or its boundary surfaces is a *Error
// tagged with a Kind, carrying whatever fields are needed to diagnose
// it. Propagation is explicit — no panics, no exception hierarchy.
package groqerr

import (
	"errors"
	"fmt"
)

// Kind tags an Error with its category so callers can dispatch on it
// with errors.As plus a switch on Kind, or with the Is* helpers below.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindAuthentication     Kind = "authentication"
	KindInvalidModel       Kind = "invalid_model"
	KindMessageFormat      Kind = "message_format"
	KindUnsupportedFormat  Kind = "unsupported_format"
	KindFileSize           Kind = "file_size"
	KindAudioFile          Kind = "audio_file"
	KindTokenLimitExceeded Kind = "token_limit_exceeded"
	KindRateLimitExceeded  Kind = "rate_limit_exceeded"
	KindRequestTimeout     Kind = "request_timeout"
	KindNetwork            Kind = "network"
	KindRetryExhausted     Kind = "retry_exhausted"
	KindQueueFull          Kind = "queue_full"
	KindAPI                Kind = "api"
	KindInvalidResponse    Kind = "invalid_response"
)

// Error is the single error type used across the library. Fields not
// relevant to a given Kind are left zero.
type Error struct {
	Kind    Kind
	Message string

	// Diagnostic payload; only the fields relevant to Kind are set.
	Model            string
	FilePath         string
	Format           string
	SupportedFormats []string
	FileSize         int64
	MaxFileSize      int64
	RequestedTokens  int
	MaxTokens        int
	WaitFor          float64 // seconds
	HTTPStatus       int
	QueueSize        int
	QueueMax         int
	RetryCount       int

	Cause error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Validation wraps a precondition violation (empty string, negative
// count, unknown enum value caught before coercion, etc).
func Validation(format string, args ...any) *Error {
	return new_(KindValidation, fmt.Sprintf(format, args...))
}

// Authentication marks a 401/403 from the transport.
func Authentication(msg string) *Error {
	return new_(KindAuthentication, msg)
}

// InvalidModel marks a registry miss, or a kind mismatch between the
// requested operation (chat/stt) and the model's classified kind.
func InvalidModel(model, msg string) *Error {
	e := new_(KindInvalidModel, msg)
	e.Model = model
	return e
}

// MessageFormat marks a malformed message sequence element.
func MessageFormat(msg string) *Error {
	return new_(KindMessageFormat, msg)
}

// UnsupportedFormat marks an STT file extension outside the fixed set.
func UnsupportedFormat(path, format string, supported []string) *Error {
	e := new_(KindUnsupportedFormat, fmt.Sprintf(
		"unsupported audio format %q for %s (supported: %v)", format, path, supported))
	e.FilePath = path
	e.Format = format
	e.SupportedFormats = supported
	return e
}

// FileSize marks an STT upload over the plan's cap.
func FileSize(path string, size, max int64) *Error {
	e := new_(KindFileSize, fmt.Sprintf(
		"file %s is %d bytes, exceeds plan limit of %d bytes", path, size, max))
	e.FilePath = path
	e.FileSize = size
	e.MaxFileSize = max
	return e
}

// AudioFile marks any other STT input problem (missing file, unreadable, etc).
func AudioFile(path, msg string) *Error {
	e := new_(KindAudioFile, msg)
	e.FilePath = path
	return e
}

// TokenLimitExceeded marks a pre-dispatch overage against a model's context window.
func TokenLimitExceeded(model string, requested, max int) *Error {
	e := new_(KindTokenLimitExceeded, fmt.Sprintf(
		"token limit exceeded for model %s: requested %d, max %d", model, requested, max))
	e.Model = model
	e.RequestedTokens = requested
	e.MaxTokens = max
	return e
}

// RateLimitExceeded marks a computed wait that exceeds the hard cap.
func RateLimitExceeded(waitSeconds float64) *Error {
	e := new_(KindRateLimitExceeded, fmt.Sprintf(
		"rate limit exceeded: required wait of %.1fs exceeds the cap", waitSeconds))
	e.WaitFor = waitSeconds
	return e
}

// RequestTimeout marks a transport timeout.
func RequestTimeout(cause error) *Error {
	e := new_(KindRequestTimeout, "request timed out")
	e.Cause = cause
	return e
}

// Network marks a lower-level transport failure (dial, TLS, reset, etc).
func Network(cause error) *Error {
	e := new_(KindNetwork, cause.Error())
	e.Cause = cause
	return e
}

// RetryExhausted marks a queued request that failed max_retries+1 times.
func RetryExhausted(retryCount int, cause error) *Error {
	e := new_(KindRetryExhausted, fmt.Sprintf(
		"retries exhausted after %d retries: %v", retryCount, cause))
	e.RetryCount = retryCount
	e.Cause = cause
	return e
}

// QueueFull marks an enqueue rejected because the queue is at capacity.
func QueueFull(size, max int) *Error {
	e := new_(KindQueueFull, fmt.Sprintf("queue is full: size %d, max %d", size, max))
	e.QueueSize = size
	e.QueueMax = max
	return e
}

// API marks a non-2xx response the other kinds don't specifically cover.
func API(status int, msg string) *Error {
	e := new_(KindAPI, msg)
	e.HTTPStatus = status
	return e
}

// InvalidResponse marks a 2xx response whose body failed to decode as
// the shape the caller expected.
func InvalidResponse(status int, msg string) *Error {
	e := new_(KindInvalidResponse, msg)
	e.HTTPStatus = status
	return e
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
