// Package failure defines the error taxonomy shared by the runtime core.
//
// Every error that crosses a component boundary (a VTable capability, the
// wire codec, the module loader) carries a Kind so callers can branch on the
// category without matching message strings.
package failure

import (
	"errors"
	"fmt"
)

// Kind enumerates error categories.
type Kind uint8

const (
	KindGeneric Kind = iota
	KindNotFound
	KindAlreadyExists
	KindInvalidState
	KindInvalidInput
	KindExpiredEntity
	KindGenerationMismatch
	KindNotImplemented
	KindNotRegistered
	KindSendError
	KindReceiveError
	KindSerialization
	KindDeserialization
	KindCancelled
	KindTimeout
	KindFatal
)

var kindNames = map[Kind]string{
	KindGeneric:            "generic",
	KindNotFound:           "not found",
	KindAlreadyExists:      "already exists",
	KindInvalidState:       "invalid state",
	KindInvalidInput:       "invalid input",
	KindExpiredEntity:      "expired entity",
	KindGenerationMismatch: "generation mismatch",
	KindNotImplemented:     "not implemented",
	KindNotRegistered:      "not registered",
	KindSendError:          "send error",
	KindReceiveError:       "receive error",
	KindSerialization:      "serialization error",
	KindDeserialization:    "deserialization error",
	KindCancelled:          "cancelled",
	KindTimeout:            "timeout",
	KindFatal:              "fatal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is a categorized error. Op names the operation that failed, e.g.
// "ecs.entity/despawn_entity" or "packet.parse".
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports a match when target is an *Error of the same Kind with no
// message, which lets sentinel kinds be used with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == "" && t.Cause == nil
}

func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap categorizes err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Cause: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or
// KindGeneric for uncategorized errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindGeneric
}

// Is reports whether err carries kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsTransient reports whether retrying the same call may succeed.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindSendError, KindReceiveError, KindTimeout:
		return true
	default:
		return false
	}
}

// IsFatal reports load-time conditions that must abort the process or module load.
func IsFatal(err error) bool {
	return Is(err, KindFatal)
}

// Sentinels usable with errors.Is.
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrAlreadyExists   = &Error{Kind: KindAlreadyExists}
	ErrInvalidState    = &Error{Kind: KindInvalidState}
	ErrInvalidInput    = &Error{Kind: KindInvalidInput}
	ErrExpiredEntity   = &Error{Kind: KindExpiredEntity}
	ErrNotImplemented  = &Error{Kind: KindNotImplemented}
	ErrNotRegistered   = &Error{Kind: KindNotRegistered}
	ErrSend            = &Error{Kind: KindSendError}
	ErrReceive         = &Error{Kind: KindReceiveError}
	ErrCancelled       = &Error{Kind: KindCancelled}
	ErrDeserialization = &Error{Kind: KindDeserialization}
)
