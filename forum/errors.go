package forum

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies an error by how the caller should react to it.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindValidation
	KindInvalidArgument
	KindConflict
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Status is the HTTP status a handler answers with for this kind.
func (k Kind) Status() int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindInvalidArgument:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the domain error returned across the package boundary. Message is
// safe to show to clients; Err carries the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

var (
	ErrUnauthenticated = newError(KindUnauthenticated, "user is not authenticated")
	ErrNotTeamMember   = newError(KindForbidden, "not a team member")
)

// KindOf reports the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage is the client-facing text for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal server error"
}

func validationError(msg string) *Error {
	return newError(KindValidation, msg)
}

func invalidArgument(msg string) *Error {
	return newError(KindInvalidArgument, msg)
}

func notFound(msg string) *Error {
	return newError(KindNotFound, msg)
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgNotNullViolation    = "23502"
	pgCheckViolation      = "23514"
	pgInvalidText         = "22P02"
	pgAdminShutdown       = "57P01"
	pgCrashShutdown       = "57P02"
	pgCannotConnectNow    = "57P03"
	pgQueryCanceled       = "57014"
)

// classifyStorageError re-labels a driver error at the repository boundary so
// that no driver text leaks to the transport layer. op names the operation for
// logs.
func classifyStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var domain *Error
	if errors.As(err, &domain) {
		return err
	}
	wrapped := fmt.Errorf("%s: %w", op, err)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgUniqueViolation:
			return &Error{Kind: KindConflict, Message: "resource already exists", Err: wrapped}
		case pgErr.Code == pgForeignKeyViolation:
			return &Error{Kind: KindNotFound, Message: "referenced resource not found", Err: wrapped}
		case pgErr.Code == pgInvalidText, pgErr.Code == pgNotNullViolation, pgErr.Code == pgCheckViolation:
			return &Error{Kind: KindValidation, Message: "invalid input", Err: wrapped}
		case pgErr.Code == pgQueryCanceled, pgErr.Code == pgAdminShutdown,
			pgErr.Code == pgCrashShutdown, pgErr.Code == pgCannotConnectNow,
			len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
			return &Error{Kind: KindTransient, Message: "database temporarily unavailable", Err: wrapped}
		}
		return &Error{Kind: KindInternal, Message: "database error", Err: wrapped}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || pgconn.Timeout(err) {
		return &Error{Kind: KindTransient, Message: "database request timed out", Err: wrapped}
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.SafeToRetry(err) {
		return &Error{Kind: KindTransient, Message: "database temporarily unavailable", Err: wrapped}
	}
	return &Error{Kind: KindInternal, Message: "database error", Err: wrapped}
}

func isConflict(err error) bool {
	return KindOf(err) == KindConflict
}
