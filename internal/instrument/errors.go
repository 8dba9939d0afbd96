// ABOUTME: Typed removal causes reported by probes and the cause string codec
// ABOUTME: Grammar is EventBusException:<Kind>[<param>]: <message>

package instrument

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedCause is returned when a removal cause does not follow the
// cause grammar. It is never downgraded to a generic error.
var ErrMalformedCause = errors.New("malformed removal cause")

const causePrefix = "EventBusException:"

// Cause kinds as probes put them on the wire.
const (
	CauseEvaluation       = "LiveInstrumentException"
	CauseMissingRemote    = "MissingRemoteException"
	CausePermissionDenied = "PermissionAccessDenied"
)

// EvaluationReason is the sub-reason of an EvaluationError.
type EvaluationReason string

const (
	ReasonClassNotFound     EvaluationReason = "CLASS_NOT_FOUND"
	ReasonConditionalFailed EvaluationReason = "CONDITIONAL_FAILED"
)

// EvaluationError means a probe could not install or evaluate an instrument,
// for example a bad condition expression or an unknown target class.
type EvaluationError struct {
	Reason  EvaluationReason
	Message string
}

func (e *EvaluationError) Error() string {
	return FormatCause(CauseEvaluation, string(e.Reason), e.Message)
}

// MissingRemoteError means no probe has registered the capability needed to
// deliver a command.
type MissingRemoteError struct {
	Remote string
}

func (e *MissingRemoteError) Error() string {
	return FormatCause(CauseMissingRemote, e.Remote, "no probe registered for "+e.Remote)
}

// PermissionDeniedError is raised by the authorization layer in front of the
// gateway and relayed unchanged.
type PermissionDeniedError struct {
	Permission string
	Message    string
}

func (e *PermissionDeniedError) Error() string {
	return FormatCause(CausePermissionDenied, e.Permission, e.Message)
}

// FormatCause renders a cause string. An empty message drops the ": "
// tail, which is how permission denials are sent.
func FormatCause(kind, param, message string) string {
	if message == "" {
		return fmt.Sprintf("%s%s[%s]", causePrefix, kind, param)
	}
	return fmt.Sprintf("%s%s[%s]: %s", causePrefix, kind, param, message)
}

// ParseCause decodes a cause string into one of the typed errors above.
func ParseCause(cause string) (error, error) {
	rest, ok := strings.CutPrefix(cause, causePrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrMalformedCause, causePrefix)
	}
	kind, rest, ok := strings.Cut(rest, "[")
	if !ok || kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedCause)
	}
	param, message, ok := strings.Cut(rest, "]: ")
	if !ok {
		// A bare "]" with nothing after it is still a complete cause.
		p, tail, found := strings.Cut(rest, "]")
		if !found || strings.TrimSpace(tail) != "" {
			return nil, fmt.Errorf("%w: unterminated parameter", ErrMalformedCause)
		}
		param = p
	}
	message = strings.TrimSpace(message)

	switch kind {
	case CauseEvaluation:
		reason := EvaluationReason(param)
		switch reason {
		case ReasonClassNotFound, ReasonConditionalFailed:
		default:
			return nil, fmt.Errorf("%w: unknown evaluation reason %q", ErrMalformedCause, param)
		}
		return &EvaluationError{Reason: reason, Message: message}, nil
	case CauseMissingRemote:
		return &MissingRemoteError{Remote: param}, nil
	case CausePermissionDenied:
		return &PermissionDeniedError{Permission: param, Message: message}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedCause, kind)
}
