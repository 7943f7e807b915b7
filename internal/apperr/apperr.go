// Package apperr defines the error taxonomy shared by the service layers and
// its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for reporting purposes.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindAuth
	KindForbidden
	KindStorage
	KindMetadata
	KindExpired
	KindInvalidRefreshToken
	KindContentType
	KindTooLarge
	KindTokenGeneration
	KindRateLimited
)

var kindNames = map[Kind]string{
	KindUnknown:             "INTERNAL_ERROR",
	KindValidation:          "VALIDATION_ERROR",
	KindConflict:            "CONFLICT",
	KindNotFound:            "NOT_FOUND",
	KindAuth:                "UNAUTHORIZED",
	KindForbidden:           "FORBIDDEN",
	KindStorage:             "STORAGE_ERROR",
	KindMetadata:            "METADATA_ERROR",
	KindExpired:             "TOKEN_EXPIRED",
	KindInvalidRefreshToken: "INVALID_REFRESH_TOKEN",
	KindContentType:         "UNSUPPORTED_CONTENT_TYPE",
	KindTooLarge:            "PAYLOAD_TOO_LARGE",
	KindTokenGeneration:     "TOKEN_GENERATION_ERROR",
	KindRateLimited:         "RATE_LIMITED",
}

// String returns the wire code for the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// Error is a classified error. Op names the failing operation, Msg is safe to
// show to clients and Err carries the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var out string
	if e.Op != "" {
		out = e.Op + ": "
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		out += e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		out += e.Msg
	case e.Err != nil:
		out += e.Err.Error()
	default:
		out += e.Kind.String()
	}
	return out
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a sentinel-style error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WrapMsg is Wrap with a client-safe message.
func WrapMsg(kind Kind, op, msg string, err error) error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindUnknown && e.Err != nil {
			return KindOf(e.Err)
		}
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the first client-safe message in the chain.
func Message(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Msg != "" {
			return e.Msg
		}
		err = e.Err
	}
	return ""
}

// HTTPStatus maps a kind onto the response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindContentType:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindAuth, KindExpired, KindInvalidRefreshToken:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
