package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping. State is never mutated
// when an operation returns a Conflict, NotFound, Unauthenticated or
// Unauthorized error; Delivery means state committed but a broadcast could
// not be confirmed.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindUnauthorized
	KindConflict
	KindNotFound
	KindDelivery
)

var (
	ErrDuplicateVote            = &Error{Kind: KindConflict, Message: "user already voted for this track"}
	ErrNoVote                   = &Error{Kind: KindConflict, Message: "user has no vote on this track"}
	ErrAlreadyParticipant       = &Error{Kind: KindConflict, Message: "user is already a participant"}
	ErrNotParticipant           = &Error{Kind: KindConflict, Message: "user is not a participant"}
	ErrAdministratorCannotLeave = &Error{Kind: KindConflict, Message: "administrator cannot leave own room"}
	ErrRoomNotFound             = &Error{Kind: KindNotFound, Message: "room not found"}
	ErrTrackNotFound            = &Error{Kind: KindNotFound, Message: "track not found"}
	ErrConnectionNotFound       = &Error{Kind: KindNotFound, Message: "connection not found"}
	ErrUnauthenticated          = &Error{Kind: KindUnauthenticated, Message: "authentication failed"}
	ErrNotAdministrator         = &Error{Kind: KindUnauthorized, Message: "only the room administrator may do this"}
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes the exported sentinels usable with errors.Is even when an
// occurrence was wrapped with extra context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

func Deliveryf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindDelivery, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, defaulting to KindInternal for errors
// that did not originate in this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status the transport layer should emit.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindUnauthorized:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
