package model

import "errors"

// Validation and coordination failures surfaced to command originators.
var (
	ErrInvalidElement   = errors.New("invalid element")
	ErrInvalidAttribute = errors.New("invalid attribute")
	ErrOutOfRange       = errors.New("out of range")
)

// RejectReason is the wire-visible explanation attached to a rejected command.
type RejectReason string

const (
	RejectInvalidElement   RejectReason = "invalid_element"
	RejectInvalidAttribute RejectReason = "invalid_attribute"
	RejectOutOfRange       RejectReason = "out_of_range"
	RejectEngineFailure    RejectReason = "engine_failure"
	RejectTransport        RejectReason = "transport_unavailable"
)

// ReasonForError maps a validation error to its reject reason.
func ReasonForError(err error) (RejectReason, bool) {
	switch {
	case errors.Is(err, ErrInvalidElement):
		return RejectInvalidElement, true
	case errors.Is(err, ErrInvalidAttribute):
		return RejectInvalidAttribute, true
	case errors.Is(err, ErrOutOfRange):
		return RejectOutOfRange, true
	}
	return "", false
}
