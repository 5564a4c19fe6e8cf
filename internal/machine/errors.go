package machine

import "errors"

var (
	// ErrPayloadTooLarge means the request body exceeds the endpoint ceiling.
	// It is checked before any parsing.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrMalformedInput covers parse failures and field type or range violations.
	ErrMalformedInput = errors.New("malformed input")
	// ErrInvalidStateTransition is returned when a lifecycle operation would
	// not change the machine state.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)
