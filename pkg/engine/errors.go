package engine

import (
	"errors"

	"github.com/guardline-labs/secureop/pkg/registry"
	"github.com/guardline-labs/secureop/pkg/store"
)

// Protocol error taxonomy. Every error is fatal to the call that raised it;
// the engine never retries internally and never applies partial state.
var (
	ErrUnauthorizedCaller     = errors.New("unauthorized caller")
	ErrInvalidState           = errors.New("invalid transaction state")
	ErrTimeLockNotElapsed     = errors.New("time-lock has not elapsed")
	ErrCancelGuardActive      = errors.New("cancellation guard window active")
	ErrExpiredDeadline        = errors.New("meta-transaction deadline expired")
	ErrGasPriceTooHigh        = errors.New("gas price exceeds meta-transaction ceiling")
	ErrInvalidSignature       = errors.New("invalid meta-transaction signature")
	ErrHandlerMismatch        = errors.New("meta-transaction handler mismatch")
	ErrUnderlyingActionFailed = errors.New("underlying action failed")

	// Shared with the packages that own them, re-exported so callers can
	// match the whole taxonomy in one place.
	ErrUnknownOperationType = registry.ErrUnknownOperationType
	ErrNotFound             = store.ErrNotFound
)
