// Package fault defines the error kinds surfaced to callers of the turn and
// voice APIs. Kinds are stable strings; detail text is for humans only.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	MissingSessionID    Kind = "missing_session_id"
	InvalidSession      Kind = "invalid_session"
	DeviceUnavailable   Kind = "device_unavailable"
	SessionBusy         Kind = "session_busy"
	TranscriptionFailed Kind = "transcription_failed"
	GenerationFailed    Kind = "generation_failed"
	NoReplyExtracted    Kind = "no_reply_extracted"
	CaptureAborted      Kind = "capture_aborted"
	RateLimited         Kind = "rate_limited"
	Internal            Kind = "internal"
)

// Error carries a Kind plus the underlying cause.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so callers can write
// errors.Is(err, fault.New(fault.SessionBusy, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// DetailOf returns a human readable detail for err.
func DetailOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Err != nil {
			if fe.Detail == "" {
				return fe.Err.Error()
			}
			return fe.Detail + ": " + fe.Err.Error()
		}
		return fe.Detail
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// HTTPStatus maps a kind onto the response status used by the HTTP API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case MissingSessionID, InvalidSession:
		return http.StatusBadRequest
	case SessionBusy:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case DeviceUnavailable:
		return http.StatusServiceUnavailable
	case CaptureAborted:
		return 499
	case NoReplyExtracted:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
