package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ValueKind tags how a field or a value row is stored.
type ValueKind string

// Field kinds. Scalar kinds map to one typed column of a value row; nested
// and reference kinds link to another object row.
const (
	KindText      ValueKind = "text"
	KindInteger   ValueKind = "integer"
	KindFloat     ValueKind = "float"
	KindDecimal   ValueKind = "decimal"
	KindBoolean   ValueKind = "boolean"
	KindTimestamp ValueKind = "timestamp"
	KindNested    ValueKind = "nested"
	KindReference ValueKind = "reference"
)

// KindArray marks the header row of an array attribute. It never appears
// on a Structure; the Structure carries Array=true instead.
const KindArray ValueKind = "array"

var validKinds = map[ValueKind]bool{
	KindText:      true,
	KindInteger:   true,
	KindFloat:     true,
	KindDecimal:   true,
	KindBoolean:   true,
	KindTimestamp: true,
	KindNested:    true,
	KindReference: true,
}

// Valid reports whether k is a recognized field kind.
func (k ValueKind) Valid() bool {
	return validKinds[k]
}

// Scalar reports whether k is stored inline in a value row.
func (k ValueKind) Scalar() bool {
	return k.Valid() && k != KindNested && k != KindReference
}

// Linked reports whether k points at another object row.
func (k ValueKind) Linked() bool {
	return k == KindNested || k == KindReference
}

// Coercion is the comparison class a backend applies when comparing values
// of a kind.
type Coercion string

// Comparison classes.
const (
	CoerceNone      Coercion = ""
	CoerceNumeric   Coercion = "numeric"
	CoerceText      Coercion = "text"
	CoerceBoolean   Coercion = "boolean"
	CoerceTimestamp Coercion = "timestamp"
)

// Coercion returns the comparison class for scalar kinds and CoerceNone
// for linked kinds.
func (k ValueKind) Coercion() Coercion {
	switch k {
	case KindInteger, KindFloat, KindDecimal:
		return CoerceNumeric
	case KindText:
		return CoerceText
	case KindBoolean:
		return CoerceBoolean
	case KindTimestamp:
		return CoerceTimestamp
	default:
		return CoerceNone
	}
}

// Widens reports whether values stored under kind from stay readable when
// the field is redeclared as kind k.
func (k ValueKind) Widens(from ValueKind) bool {
	if k == from {
		return true
	}
	return from == KindInteger && (k == KindFloat || k == KindDecimal)
}

// Decimal is an exact decimal number kept in its textual form.
type Decimal string

// ParseDecimal validates s and returns it as a Decimal.
func ParseDecimal(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	if _, ok := new(big.Rat).SetString(s); !ok || s == "" {
		return "", fmt.Errorf("parsing decimal %q: %w", s, ErrValidation)
	}
	return Decimal(s), nil
}

// Float64 returns the nearest float64 value, used for numeric comparison.
func (d Decimal) Float64() float64 {
	r, ok := new(big.Rat).SetString(string(d))
	if !ok {
		return 0
	}
	f, _ := r.Float64()
	return f
}

// TimestampLayout is the fixed-width UTC layout used for stored timestamps.
// Fixed width keeps lexical and chronological order identical.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a TimestampLayout string, falling back to RFC3339.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err == nil {
		return t.UTC(), nil
	}
	t, err = time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
