package saga

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrorCode categorizes saga errors.
type ErrorCode string

const (
	// ErrCodeUnsupportedCorrelation indicates a lookup or insert without a
	// correlation property where one is required.
	ErrCodeUnsupportedCorrelation ErrorCode = "UNSUPPORTED_CORRELATION"

	// ErrCodeDuplicateEntity indicates more than one entity carries the
	// same correlation value.
	ErrCodeDuplicateEntity ErrorCode = "DUPLICATE_ENTITY"

	// ErrCodeRetryNeeded indicates a concurrent writer created the entity
	// first. The caller should reprocess the message, which will then find
	// the existing entity.
	ErrCodeRetryNeeded ErrorCode = "RETRY_NEEDED"
)

// Error is returned for protocol-level failures. Store failures are wrapped
// with fmt.Errorf instead and keep their tablestore sentinel.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// EntityType is the saga entity type involved.
	EntityType string

	// Property is the correlation property name, if any.
	Property string

	// Matches lists the conflicting identifiers for DuplicateEntity,
	// sorted.
	Matches []uuid.UUID

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	switch e.Code {
	case ErrCodeUnsupportedCorrelation:
		fmt.Fprintf(&b, "%s requires a correlation property", e.EntityType)
	case ErrCodeDuplicateEntity:
		ids := make([]string, len(e.Matches))
		for i, id := range e.Matches {
			ids[i] = id.String()
		}
		fmt.Fprintf(&b, "%d entities of %s share the value of %s: %s",
			len(e.Matches), e.EntityType, e.Property, strings.Join(ids, ", "))
	case ErrCodeRetryNeeded:
		fmt.Fprintf(&b, "%s correlated by %s was created concurrently, retry", e.EntityType, e.Property)
	default:
		fmt.Fprintf(&b, "%s.%s", e.EntityType, e.Property)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsUnsupportedCorrelation reports whether err is an UnsupportedCorrelation
// error. Uses errors.As to handle wrapped errors.
func IsUnsupportedCorrelation(err error) bool {
	return hasCode(err, ErrCodeUnsupportedCorrelation)
}

// IsDuplicateEntity reports whether err is a DuplicateEntity error.
func IsDuplicateEntity(err error) bool {
	return hasCode(err, ErrCodeDuplicateEntity)
}

// IsRetryNeeded reports whether err is a RetryNeeded error.
func IsRetryNeeded(err error) bool {
	return hasCode(err, ErrCodeRetryNeeded)
}

// DuplicateMatches returns the identifiers carried by a DuplicateEntity
// error, or nil.
func DuplicateMatches(err error) []uuid.UUID {
	var se *Error
	if errors.As(err, &se) && se.Code == ErrCodeDuplicateEntity {
		return se.Matches
	}
	return nil
}

func hasCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

func newUnsupportedCorrelation(entityType string) *Error {
	return &Error{Code: ErrCodeUnsupportedCorrelation, EntityType: entityType}
}

func newDuplicateEntity(entityType, property string, matches []uuid.UUID) *Error {
	return &Error{
		Code:       ErrCodeDuplicateEntity,
		EntityType: entityType,
		Property:   property,
		Matches:    matches,
	}
}

func newRetryNeeded(entityType, property string, cause error) *Error {
	return &Error{
		Code:       ErrCodeRetryNeeded,
		EntityType: entityType,
		Property:   property,
		Err:        cause,
	}
}
