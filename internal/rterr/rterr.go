// Package rterr defines the error kinds shared across the agent runtime
// core (content generator, chat session, tool scheduler, turn driver).
package rterr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the recognized runtime error kinds. Kinds are
// compared with errors.Is against the sentinel values below, never by
// matching on a message string.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransportFailure
	KindQuotaExceeded
	KindSchemaDepthExceeded
	KindInvalidArgument
	KindEmptyStream
	KindToolNotFound
	KindToolInvocationError
	KindToolHardDenial
	KindUserCancelled
	KindAuthRequired
)

func (k Kind) String() string {
	switch k {
	case KindTransportFailure:
		return "TransportFailure"
	case KindQuotaExceeded:
		return "QuotaExceeded"
	case KindSchemaDepthExceeded:
		return "SchemaDepthExceeded"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindEmptyStream:
		return "EmptyStream"
	case KindToolNotFound:
		return "ToolNotFound"
	case KindToolInvocationError:
		return "ToolInvocationError"
	case KindToolHardDenial:
		return "ToolHardDenial"
	case KindUserCancelled:
		return "UserCancelled"
	case KindAuthRequired:
		return "AuthRequired"
	default:
		return "Unknown"
	}
}

// Sentinels so callers can do errors.Is(err, rterr.ErrEmptyStream) without
// reaching into the Kind field directly.
var (
	ErrTransportFailure    = errors.New("transport failure")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrSchemaDepthExceeded = errors.New("schema depth exceeded")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrEmptyStream         = errors.New("empty stream")
	ErrToolNotFound        = errors.New("tool not found")
	ErrToolInvocationError = errors.New("tool invocation error")
	ErrToolHardDenial      = errors.New("tool hard denial")
	ErrUserCancelled       = errors.New("user cancelled")
	ErrAuthRequired        = errors.New("auth required")
)

var sentinels = map[Kind]error{
	KindTransportFailure:    ErrTransportFailure,
	KindQuotaExceeded:       ErrQuotaExceeded,
	KindSchemaDepthExceeded: ErrSchemaDepthExceeded,
	KindInvalidArgument:     ErrInvalidArgument,
	KindEmptyStream:         ErrEmptyStream,
	KindToolNotFound:        ErrToolNotFound,
	KindToolInvocationError: ErrToolInvocationError,
	KindToolHardDenial:      ErrToolHardDenial,
	KindUserCancelled:       ErrUserCancelled,
	KindAuthRequired:        ErrAuthRequired,
}

// Error wraps an underlying error with a Kind, plus optional annotations
// (e.g. the list of tools whose schemas contain cycles, for
// SchemaDepthExceeded/InvalidArgument per spec).
type Error struct {
	Kind        Kind
	Err         error
	CycleTools  []string
	HTTPStatus  int
	RetryAfter  int // seconds; 0 if not provided by the server
	Retryable   bool
}

func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err, Retryable: isRetryableKind(kind)}
}

func isRetryableKind(k Kind) bool {
	switch k {
	case KindTransportFailure, KindQuotaExceeded, KindEmptyStream:
		return true
	default:
		return false
	}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	if sentinel, ok := sentinels[e.Kind]; ok {
		if e.Err != nil {
			return e.Err
		}
		return sentinel
	}
	return e.Err
}

// Is lets errors.Is(err, rterr.ErrEmptyStream) succeed for any *Error of
// the matching Kind, regardless of the wrapped detail.
func (e *Error) Is(target error) bool {
	for kind, sentinel := range sentinels {
		if errors.Is(target, sentinel) {
			return e.Kind == kind
		}
	}
	return false
}
