// Package muxerr defines the core-internal error taxonomy shared by the
// runtime, background-process, and session layers. Everything below the
// session returns these as values rather than raising; exceptions (panic)
// are reserved for programmer errors such as non-positive sleeps or
// malformed discriminated-union configs reaching a switch's default arm.
package muxerr

import (
	"errors"
	"fmt"
)

// Kind classifies a core error for callers that need to branch on it
// (retry helpers, UI rendering, federation forwarding).
type Kind string

const (
	KindExec                Kind = "exec"
	KindFileIO              Kind = "file_io"
	KindNetwork             Kind = "network"
	KindIncompatibleRuntime Kind = "incompatible_runtime"
	KindWorkspaceNotFound   Kind = "workspace_not_found"
	KindRuntimeStartFailed  Kind = "runtime_start_failed"
	KindSendMessage         Kind = "send_message"
	KindUnknown             Kind = "unknown"
)

// Error is the taxonomy-tagged error type returned across core boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is comparisons against a Kind-only sentinel produced
// by KindSentinel, so callers can write
// errors.Is(err, muxerr.KindSentinel(muxerr.KindExec)).
func (e *Error) Is(target error) bool {
	var k *kindSentinel
	if errors.As(target, &k) {
		return e.Kind == k.kind
	}
	return false
}

type kindSentinel struct{ kind Kind }

func (k *kindSentinel) Error() string { return string(k.kind) }

// KindSentinel returns a comparison target for errors.Is(err, KindSentinel(KindNetwork)).
func KindSentinel(kind Kind) error { return &kindSentinel{kind: kind} }

// OfKind reports whether err (or something it wraps) is a *Error of the
// given Kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// SendMessageReason enumerates the narrow error-type enum the session
// translates result errors into for stream-error chat events.
type SendMessageReason string

const (
	SendMessageReasonUnknown       SendMessageReason = "unknown"
	SendMessageReasonNotStreaming  SendMessageReason = "not_streaming"
	SendMessageReasonEmptyMessage  SendMessageReason = "empty_message"
	SendMessageReasonEditNotFound  SendMessageReason = "edit_not_found"
	SendMessageReasonQueueRejected SendMessageReason = "queue_rejected"
)

// SendMessageError is the typed error surfaced by Session.SendMessage and
// friends, carrying a narrow reason an RPC-router subscriber can render
// actionable UI from.
type SendMessageError struct {
	Reason  SendMessageReason
	Message string
	Cause   error
}

func NewSendMessageError(reason SendMessageReason, message string) *SendMessageError {
	return &SendMessageError{Reason: reason, Message: message}
}

func (e *SendMessageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("send_message/%s: %s: %v", e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("send_message/%s: %s", e.Reason, e.Message)
}

func (e *SendMessageError) Unwrap() error { return e.Cause }

// Assertf panics with a formatted message. Reserved for programmer errors:
// invariant violations that indicate a bug in the caller, never a
// user-triggerable condition.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("mux: assertion failed: "+format, args...))
	}
}
