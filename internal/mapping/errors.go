package mapping

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrParse             = errors.New("malformed row")
	ErrUnresolvedColumn  = errors.New("unresolved column")
)

// Kind classifies a MappingError.
type Kind int

const (
	KindInvalidIdentifier Kind = iota + 1
	KindParse
	KindUnresolvedColumn
)

func (k Kind) String() string {
	switch k {
	case KindInvalidIdentifier:
		return "invalid_identifier"
	case KindParse:
		return "parse"
	case KindUnresolvedColumn:
		return "unresolved_column"
	default:
		return "unknown"
	}
}

// MappingError reports why a row could not become a record.
type MappingError struct {
	Kind   Kind
	Schema string
	Field  Field
	Value  string
	Detail string
}

func (e *MappingError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Schema, e.Unwrap())
	if e.Field != "" {
		msg += fmt.Sprintf(" (%s", e.Field)
		if e.Value != "" {
			msg += fmt.Sprintf("=%q", e.Value)
		}
		msg += ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Unwrap maps the kind to its sentinel so callers can use errors.Is.
func (e *MappingError) Unwrap() error {
	switch e.Kind {
	case KindInvalidIdentifier:
		return ErrInvalidIdentifier
	case KindUnresolvedColumn:
		return ErrUnresolvedColumn
	default:
		return ErrParse
	}
}
