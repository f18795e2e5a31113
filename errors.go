// Package imagepipe is the prioritized, streaming image asset pipeline: it
// ingests image container files from a virtual filesystem, streams their
// bytes asynchronously off disk, parses them incrementally, stores decoded
// pixel data in a reservation-based virtual-memory image cache, and hands
// locked cache regions to downstream consumers.
package imagepipe

import (
	"errors"
	"fmt"
)

// ErrorCode is a high-level error category spanning the whole pipeline's
// error taxonomy (spec §7): I/O, decoder, parser, resource, policy and
// loader errors all resolve to one of these.
type ErrorCode string

const (
	ErrCodeNotFound      ErrorCode = "not found"
	ErrCodeAlreadyExists ErrorCode = "already exists"
	ErrCodeBadData       ErrorCode = "bad data"
	ErrCodeNoMemory      ErrorCode = "no memory"
	ErrCodeNoEncoder     ErrorCode = "no encoder"
	ErrCodeNoParser      ErrorCode = "no parser"
	ErrCodeFileAccess    ErrorCode = "file access"
	ErrCodeOSError       ErrorCode = "os error"
	ErrCodeDecoder       ErrorCode = "decoder error"
	ErrCodeInvalid       ErrorCode = "invalid parameters"
	ErrCodeTimeout       ErrorCode = "timeout"
	ErrCodeClosed        ErrorCode = "closed"
)

// Error is a structured pipeline error with enough context to route it to
// the right client queue and to log it usefully.
type Error struct {
	Op      string    // operation that failed, e.g. "cache.Lock", "aio.Submit"
	ImageID uint64    // image identifier, 0 if not applicable
	Stream  int64     // stream identifier, -1 if not applicable
	Code    ErrorCode // high-level error category
	Msg     string    // human-readable message
	Inner   error     // wrapped error, if any
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.ImageID != 0 {
		parts = append(parts, fmt.Sprintf("image=%d", e.ImageID))
	}
	if e.Stream >= 0 {
		parts = append(parts, fmt.Sprintf("stream=%d", e.Stream))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("imagepipe: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("imagepipe: %s", msg)
}

// Unwrap supports errors.Is/errors.As against the wrapped error.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison by error code.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Code == te.Code
	}
	return false
}

// NewError creates a structured error with no image/stream context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Stream: -1, Code: code, Msg: msg}
}

// NewImageError creates a structured error scoped to an image.
func NewImageError(op string, imageID uint64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, ImageID: imageID, Stream: -1, Code: code, Msg: msg}
}

// NewStreamError creates a structured error scoped to a stream.
func NewStreamError(op string, streamID int64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Stream: streamID, Code: code, Msg: msg}
}

// WrapError wraps an existing error with pipeline context, preserving an
// already-structured error's code/scope if inner is one.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ie, ok := inner.(*Error); ok {
		return &Error{
			Op: op, ImageID: ie.ImageID, Stream: ie.Stream,
			Code: ie.Code, Msg: ie.Msg, Inner: ie.Inner,
		}
	}
	return &Error{Op: op, Stream: -1, Code: ErrCodeOSError, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a pipeline Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
