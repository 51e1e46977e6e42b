package types

import "errors"

// Sentinel errors for the runtime.
var (
	// Configuration errors
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrUnknownType    = errors.New("unknown component type")
	ErrUnknownField   = errors.New("unknown configuration field")

	// Feed errors
	ErrFeedExhausted = errors.New("feed exhausted")
	ErrFeedFatal     = errors.New("unrecoverable feed error")
	ErrStaleData     = errors.New("market data is stale")

	// Order errors
	ErrInsufficientCash      = errors.New("insufficient cash")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrInvalidOrderSize      = errors.New("invalid order size")

	// Orchestration errors
	ErrRunNotFound       = errors.New("run not found")
	ErrRunTerminal       = errors.New("run already terminal")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrBadTransition     = errors.New("illegal status transition")

	// Outbox errors
	ErrIntentNotFound = errors.New("intent not found")
	ErrNotLeased      = errors.New("intent not leased")
)
