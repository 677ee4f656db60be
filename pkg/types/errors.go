package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures surfaced by the core.
type ErrorKind string

const (
	KindToolNotFound      ErrorKind = "tool_not_found"
	KindLaunchFailure     ErrorKind = "launch_failure"
	KindPermissionDenied  ErrorKind = "permission_denied"
	KindPathNotFound      ErrorKind = "path_not_found"
	KindUnauthorized      ErrorKind = "unauthorized"
	KindGeneric           ErrorKind = "generic"
	KindParseFailure      ErrorKind = "parse_failure"
	KindArchiveCorrupt    ErrorKind = "archive_corrupt"
	KindArchiveIncomplete ErrorKind = "archive_incomplete"
)

// CommandFailure reports whether the kind describes a non-zero exit.
func (k ErrorKind) CommandFailure() bool {
	switch k {
	case KindPermissionDenied, KindPathNotFound, KindUnauthorized, KindGeneric:
		return true
	}
	return false
}

// Fatal reports whether the kind means the tool could not be run at all.
func (k ErrorKind) Fatal() bool {
	return k == KindToolNotFound || k == KindLaunchFailure
}

// Logic errors returned synchronously when a request is rejected.
var (
	ErrSlotBusy     = errors.New("operation slot busy")
	ErrIllegalState = errors.New("illegal connection state")
	ErrNotConnected = errors.New("no device connected")
	ErrNoArtifact   = errors.New("no extracted apk is ready for download")
	ErrCanceled     = errors.New("operation canceled")
	ErrShutdown     = errors.New("orchestrator shut down")
)

// Error is a classified failure of one step of an operation.
type Error struct {
	Kind     ErrorKind
	Op       string // step that failed, e.g. "push", "size-check"
	Message  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Kind.CommandFailure() && e.ExitCode != 0 {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so callers can test errors.Is(err, &types.Error{Kind: ...}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// NewError builds a classified error.
func NewError(kind ErrorKind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WrapError builds a classified error around a cause.
func WrapError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" when err is not a classified error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
