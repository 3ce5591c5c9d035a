package spec

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a validation failure
type ErrorKind string

const (
	// KindMissing indicates a required field is absent
	KindMissing ErrorKind = "missing"
	// KindOutOfRange indicates a value outside the allowed limits
	KindOutOfRange ErrorKind = "out_of_range"
	// KindInvalidType indicates a value of the wrong type
	KindInvalidType ErrorKind = "invalid_type"
	// KindDisallowedKey indicates a key outside the version's allow-list
	KindDisallowedKey ErrorKind = "disallowed_key"
	// KindInvalidValue indicates a malformed value of the right type
	KindInvalidValue ErrorKind = "invalid_value"
)

// ErrUnsupportedVersion is returned for versions outside 1-8
var ErrUnsupportedVersion = errors.New("unsupported specification version")

// ErrUnsupportedOrdering is returned when a legacy ordering does not apply to a version
var ErrUnsupportedOrdering = errors.New("ordering not supported for specification version")

// ValidationError describes why a specification was rejected
type ValidationError struct {
	Kind    ErrorKind
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("specification %s %s: %s", e.Field, e.Kind, e.Message)
}

// IsValidationError reports whether err is or wraps a *ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func missing(field string) error {
	return &ValidationError{Kind: KindMissing, Field: field, Message: "field is required"}
}

func outOfRange(field string, format string, args ...interface{}) error {
	return &ValidationError{Kind: KindOutOfRange, Field: field, Message: fmt.Sprintf(format, args...)}
}

func invalidType(field, want string) error {
	return &ValidationError{Kind: KindInvalidType, Field: field, Message: "expected " + want}
}

func invalidValue(field string, format string, args ...interface{}) error {
	return &ValidationError{Kind: KindInvalidValue, Field: field, Message: fmt.Sprintf(format, args...)}
}

func disallowedKey(field string) error {
	return &ValidationError{Kind: KindDisallowedKey, Field: field, Message: "key is not allowed for this version"}
}
