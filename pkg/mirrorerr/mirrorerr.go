// Package mirrorerr defines the closed, tagged error taxonomy surfaced by
// every component of the mirror core. Callers match on Kind, not on error
// text.
package mirrorerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error. Kinds are grouped the way the components that
// raise them are grouped, not by HTTP status or any other external scheme.
type Kind int

const (
	// Upstream kinds.
	KindUpstream Kind = iota + 1
	KindNetworkTransient
	KindNetworkPermanent
	KindTooLarge

	// Verification kinds.
	KindSignatureInvalid
	KindReleaseExpired
	KindReleaseIncomplete
	KindHashMismatch
	KindIndexHashMismatch

	// Parsing kinds.
	KindReleaseParse
	KindIndexParse

	// Storage kinds.
	KindPoolIO
	KindLinkConflict
	KindCrossDevice
	KindNoHardlinks

	// Concurrency kinds.
	KindLocked

	// Config kinds.
	KindUnknownMirror
	KindUnknownMedium
	KindFilterInvalid

	// Snapshot lifecycle kinds.
	KindUnknownSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindUpstream:
		return "Upstream"
	case KindNetworkTransient:
		return "NetworkTransient"
	case KindNetworkPermanent:
		return "NetworkPermanent"
	case KindTooLarge:
		return "TooLarge"
	case KindSignatureInvalid:
		return "SignatureInvalid"
	case KindReleaseExpired:
		return "ReleaseExpired"
	case KindReleaseIncomplete:
		return "ReleaseIncomplete"
	case KindHashMismatch:
		return "HashMismatch"
	case KindIndexHashMismatch:
		return "IndexHashMismatch"
	case KindReleaseParse:
		return "ReleaseParse"
	case KindIndexParse:
		return "IndexParse"
	case KindPoolIO:
		return "PoolIO"
	case KindLinkConflict:
		return "LinkConflict"
	case KindCrossDevice:
		return "CrossDevice"
	case KindNoHardlinks:
		return "NoHardlinks"
	case KindLocked:
		return "Locked"
	case KindUnknownMirror:
		return "UnknownMirror"
	case KindUnknownMedium:
		return "UnknownMedium"
	case KindFilterInvalid:
		return "FilterInvalid"
	case KindUnknownSnapshot:
		return "UnknownSnapshot"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type raised across the mirror core. Fields
// beyond Kind and Err are filled in as available; callers that need
// kind-specific detail should extract it from Err via errors.As on a more
// specific sentinel type, or inspect the freeform Fields map.
type Error struct {
	Kind   Kind
	Err    error
	Path   string
	Status int
	Fields map[string]any
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Path)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// WithPath attaches a path to a new error of the given kind.
func WithPath(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

// HashMismatch builds the HashMismatch{expected, actual, path} variant
// described in the error taxonomy.
func HashMismatch(path, expected, actual string) *Error {
	return &Error{
		Kind: KindHashMismatch,
		Path: path,
		Fields: map[string]any{
			"expected": expected,
			"actual":   actual,
		},
	}
}

// Upstream builds the Upstream(status) variant.
func Upstream(status int) *Error {
	return &Error{Kind: KindUpstream, Status: status}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind, true
	}
	return 0, false
}

// Is reports whether err is (or wraps) a *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
