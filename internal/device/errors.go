package device

import (
	"errors"

	"shelly-go-home/internal/probe"
	"shelly-go-home/internal/rpc"
)

var (
	// ErrDeviceConnection wraps every transport, timeout and session failure.
	// Retrying Initialize or Call may succeed.
	ErrDeviceConnection = errors.New("device connection error")

	// ErrInvalidAuth means credentials are missing or were rejected.
	ErrInvalidAuth = rpc.ErrInvalidAuth

	// ErrMacMismatch means the probed device is not the expected one.
	ErrMacMismatch = probe.ErrMacMismatch

	// ErrNotInitialized is returned by accessors and Call before the device
	// has completed initialization.
	ErrNotInitialized = errors.New("device not initialized")

	// ErrNotSupported is returned when the device lacks a capability, such as
	// profiles.
	ErrNotSupported = errors.New("not supported by device")

	// ErrWrongGeneration is returned when the identity lacks fields every
	// RPC-capable device reports (auth_en).
	ErrWrongGeneration = errors.New("wrong device generation")

	// ErrAlreadyInitializing rejects a reentrant Initialize.
	ErrAlreadyInitializing = errors.New("initialization already in progress")

	// ErrProfileSwitchTimeout is returned when the device does not come back
	// with the requested profile in time.
	ErrProfileSwitchTimeout = errors.New("profile switch timed out")
)

// ErrorClass groups errors by what a caller can do about them.
type ErrorClass int

const (
	ClassNone      ErrorClass = iota
	ClassRetryable            // connectivity; retry Initialize or Call
	ClassFatal                // auth, identity or generation; fix configuration
	ClassNotReady             // precondition not met; initialize first
	ClassDevice               // the device rejected the call
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	case ClassNotReady:
		return "not_ready"
	case ClassDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Classify maps err onto an ErrorClass.
func Classify(err error) ErrorClass {
	var ce *rpc.CallError
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrInvalidAuth),
		errors.Is(err, ErrMacMismatch),
		errors.Is(err, ErrWrongGeneration),
		errors.Is(err, ErrNotSupported):
		return ClassFatal
	case errors.Is(err, ErrNotInitialized), errors.Is(err, ErrAlreadyInitializing):
		return ClassNotReady
	case errors.Is(err, ErrDeviceConnection):
		return ClassRetryable
	case errors.As(err, &ce):
		return ClassDevice
	default:
		// ErrProfileSwitchTimeout, context and transport errors.
		return ClassRetryable
	}
}
