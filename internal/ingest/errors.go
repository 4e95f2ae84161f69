package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies ingestion failures. The worker loop keys its policy on
// the kind: Validation and exhausted Transient failures dead-letter the
// item and processing continues, RateLimit aborts the current fetch, and
// only Fatal terminates the whole job.
type Kind int

const (
	KindValidation Kind = iota
	KindDuplicate
	KindTransient
	KindRateLimit
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDuplicate:
		return "duplicate"
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate_limit"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String, used when dead-letter entries
// are read back from storage. Unknown input maps to KindTransient.
func ParseKind(s string) Kind {
	switch strings.TrimSpace(s) {
	case "validation":
		return KindValidation
	case "duplicate":
		return KindDuplicate
	case "rate_limit":
		return KindRateLimit
	case "fatal":
		return KindFatal
	default:
		return KindTransient
	}
}

// Error is the typed ingestion error. Item carries the identity of the
// failed unit (dedup key or "row N") so failures stay attributable after
// they are aggregated into job stats and dead-letter entries.
type Error struct {
	Kind    Kind
	Message string
	Item    string
	Cause   error
}

func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func WrapError(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Kind, e.Message))
	if e.Item != "" {
		parts = append(parts, fmt.Sprintf("item: %s", e.Item))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}
	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithItem attaches the failing unit's identity and returns the error.
func (e *Error) WithItem(item string) *Error {
	e.Item = item
	return e
}

// KindOf reports the kind of err. Errors that do not carry a kind are
// treated as Transient so the retry policy gets a chance at them before
// they dead-letter.
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindTransient
}

func IsKind(err error, kind Kind) bool {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind == kind
	}
	return kind == KindTransient
}
