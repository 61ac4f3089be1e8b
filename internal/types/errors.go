package types

import "errors"

// Configuration errors. Detected before any capability runs and reported
// synchronously to the caller; no session is left running.
var (
	ErrUnknownCapability = errors.New("unknown capability")
	ErrCyclicDependency  = errors.New("cyclic capability dependency")
	ErrNoCapabilities    = errors.New("no capabilities enabled")
	ErrInvalidConfig     = errors.New("invalid capability configuration")
)

// Conflict errors. The requested operation is rejected without side effects.
var (
	ErrSessionAlreadyActive = errors.New("project already has an active session")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrSessionTerminal      = errors.New("session is terminal")
	ErrProjectExists        = errors.New("project already exists")
)

// ErrTimeout marks a capability invocation that exceeded its time bound.
var ErrTimeout = errors.New("capability timed out")

// ErrNotFound is returned by lookups for missing projects, sessions or runs.
var ErrNotFound = errors.New("not found")
