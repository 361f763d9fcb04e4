package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures surfaced by the store.
type ErrorKind string

// Error kinds.
const (
	KindSchemaConflict      ErrorKind = "schema_conflict"
	KindSchemeNotFound      ErrorKind = "scheme_not_found"
	KindObjectNotFound      ErrorKind = "object_not_found"
	KindCycleDetected       ErrorKind = "cycle_detected"
	KindPermissionDenied    ErrorKind = "permission_denied"
	KindValidation          ErrorKind = "validation_error"
	KindConcurrencyConflict ErrorKind = "concurrency_conflict"
)

// Sentinel errors, one per kind. An *Error matches its kind's sentinel
// with errors.Is.
var (
	ErrSchemaConflict      = errors.New("schema conflict")
	ErrSchemeNotFound      = errors.New("scheme not found")
	ErrObjectNotFound      = errors.New("object not found")
	ErrCycleDetected       = errors.New("cycle detected")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrValidation          = errors.New("validation error")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// Store lifecycle errors.
var (
	ErrStoreClosed   = errors.New("store is closed")
	ErrHasChildren   = errors.New("object has children")
	ErrQueryExecuted = errors.New("query already executed")
)

var sentinels = map[ErrorKind]error{
	KindSchemaConflict:      ErrSchemaConflict,
	KindSchemeNotFound:      ErrSchemeNotFound,
	KindObjectNotFound:      ErrObjectNotFound,
	KindCycleDetected:       ErrCycleDetected,
	KindPermissionDenied:    ErrPermissionDenied,
	KindValidation:          ErrValidation,
	KindConcurrencyConflict: ErrConcurrencyConflict,
}

// Error is a tagged failure carrying enough context to diagnose it without
// verbose tracing.
type Error struct {
	Kind     ErrorKind
	Op       string
	SchemeID string
	ObjectID string
	Field    string
	Err      error
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(sentinels[e.Kind].Error())
	var ctx []string
	if e.SchemeID != "" {
		ctx = append(ctx, "scheme="+e.SchemeID)
	}
	if e.ObjectID != "" {
		ctx = append(ctx, "object="+e.ObjectID)
	}
	if e.Field != "" {
		ctx = append(ctx, "field="+e.Field)
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, " "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// E builds a tagged error. Detail is formatted with fmt.Errorf when args
// are given; an empty detail leaves Err nil.
func E(kind ErrorKind, op string, detail string, args ...any) *Error {
	e := &Error{Kind: kind, Op: op}
	if detail != "" {
		e.Err = fmt.Errorf(detail, args...)
	}
	return e
}

// WithScheme sets the scheme context and returns e.
func (e *Error) WithScheme(id string) *Error {
	e.SchemeID = id
	return e
}

// WithObject sets the object context and returns e.
func (e *Error) WithObject(id string) *Error {
	e.ObjectID = id
	return e
}

// WithField sets the field context and returns e.
func (e *Error) WithField(name string) *Error {
	e.Field = name
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err is not tagged.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return ""
}

// NotFound builds an ObjectNotFound error for id.
func NotFound(op, id string) *Error {
	return E(KindObjectNotFound, op, "").WithObject(id)
}

// Invalid builds a ValidationError.
func Invalid(op string, detail string, args ...any) *Error {
	return E(KindValidation, op, detail, args...)
}
