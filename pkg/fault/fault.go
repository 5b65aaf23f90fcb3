// Package fault defines the error taxonomy shared by the engine, identity
// subsystem, and HTTP gateway. Errors carry a kind that maps onto an HTTP
// status and a stable machine-readable code, so callers discriminate with
// errors.As instead of matching message text.
package fault

import (
	"fmt"
	"net/http"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindStateConflict
	KindAuthorization
	KindAuthentication
	KindPaymentRequired
	KindPersistence
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Hint    string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) style sentinels
// work across wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindStateConflict:
		return http.StatusConflict
	case KindAuthorization:
		return http.StatusForbidden
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindPaymentRequired:
		return http.StatusPaymentRequired
	case KindPersistence:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

func Validationf(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(code, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(code, format string, args ...any) *Error {
	return &Error{Kind: KindStateConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Forbiddenf(code, format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Unauthenticatedf(code, format string, args ...any) *Error {
	return &Error{Kind: KindAuthentication, Code: code, Message: fmt.Sprintf(format, args...)}
}

func PaymentRequiredf(code, format string, args ...any) *Error {
	return &Error{Kind: KindPaymentRequired, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Persistence wraps a storage failure. The request fails; no automatic retry.
func Persistence(op string, cause error) *Error {
	return &Error{Kind: KindPersistence, Code: "PERSISTENCE_ERROR", Message: op + " failed", cause: cause}
}
