package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error and determines its default HTTP status.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindRateLimit
	KindDatabase
	KindExternalService
)

const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeAuthentication  = "AUTHENTICATION_ERROR"
	CodeAuthorization   = "AUTHORIZATION_ERROR"
	CodeNotFound        = "NOT_FOUND_ERROR"
	CodeRateLimit       = "RATE_LIMIT_ERROR"
	CodeDatabase        = "DATABASE_ERROR"
	CodeExternalService = "EXTERNAL_SERVICE_ERROR"
	CodeInternal        = "INTERNAL_SERVER_ERROR"
)

type kindSpec struct {
	code        string
	status      int
	operational bool
}

var kindSpecs = map[Kind]kindSpec{
	KindValidation:      {code: CodeValidation, status: http.StatusBadRequest, operational: true},
	KindAuthentication:  {code: CodeAuthentication, status: http.StatusUnauthorized, operational: true},
	KindAuthorization:   {code: CodeAuthorization, status: http.StatusForbidden, operational: true},
	KindNotFound:        {code: CodeNotFound, status: http.StatusNotFound, operational: true},
	KindRateLimit:       {code: CodeRateLimit, status: http.StatusTooManyRequests, operational: true},
	KindDatabase:        {code: CodeDatabase, status: http.StatusInternalServerError, operational: true},
	KindExternalService: {code: CodeExternalService, status: http.StatusBadGateway, operational: true},
	KindInternal:        {code: CodeInternal, status: http.StatusInternalServerError, operational: false},
}

func (k Kind) String() string {
	return kindSpecs[k].code
}

// Error is the typed application error carried from domain services to the HTTP boundary.
type Error struct {
	Kind        Kind
	Code        string
	Message     string
	Status      int
	Operational bool
	Context     map[string]any
	Fields      map[string][]string
	cause       error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error of the same kind and code, so sentinel errors work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && other.Code == e.Code
}

// WithStatus returns a copy carrying a non-default HTTP status.
func (e *Error) WithStatus(status int) *Error {
	clone := *e
	clone.Status = status
	return &clone
}

// WithCode returns a copy carrying a more specific machine-readable code.
func (e *Error) WithCode(code string) *Error {
	clone := *e
	clone.Code = code
	return &clone
}

// WithContext returns a copy with an extra structured context entry for logging.
func (e *Error) WithContext(key string, value any) *Error {
	clone := *e
	clone.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		clone.Context[k] = v
	}
	clone.Context[key] = value
	return &clone
}

// New constructs an error of the given kind with its default code and status.
func New(kind Kind, message string) *Error {
	spec, ok := kindSpecs[kind]
	if !ok {
		spec = kindSpecs[KindInternal]
		kind = KindInternal
	}
	return &Error{
		Kind:        kind,
		Code:        spec.code,
		Message:     message,
		Status:      spec.status,
		Operational: spec.operational,
	}
}

// Wrap constructs an error of the given kind that keeps cause for errors.Is/As and logging.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.cause = cause
	return e
}

func Validation(message string) *Error {
	return New(KindValidation, message)
}

// ValidationFields builds a validation error that lists messages per field path.
func ValidationFields(message string, fields map[string][]string) *Error {
	e := New(KindValidation, message)
	e.Fields = fields
	return e
}

func Authentication(message string) *Error {
	return New(KindAuthentication, message)
}

func Authorization(message string) *Error {
	return New(KindAuthorization, message)
}

func NotFound(resource string) *Error {
	return New(KindNotFound, resource+" not found")
}

func RateLimited(message string) *Error {
	return New(KindRateLimit, message)
}

func Database(message string, cause error) *Error {
	return Wrap(KindDatabase, message, cause)
}

func ExternalService(service string, cause error) *Error {
	return Wrap(KindExternalService, service+" request failed", cause).WithContext("service", service)
}

func Internal(cause error) *Error {
	return Wrap(KindInternal, "Internal server error", cause)
}

// As converts any error to *Error. Errors that carry no classification become non-operational
// internal errors.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// KindOf reports the kind of err, or KindInternal when it is unclassified.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsOperational reports whether err is an expected, classified failure.
func IsOperational(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Operational
	}
	return false
}
