// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package protocol

import (
	"errors"
	"fmt"
)

var (
	// Payload buffer could not be provisioned. Returned synchronously by
	// allocation.
	ErrAllocationFailure = errors.New("allocation failure")

	// Read or write range is empty or exceeds the device.
	ErrInvalidRange = errors.New("invalid range")

	// Payload is smaller than the transfer described by the descriptor.
	ErrInvalidPayload = errors.New("invalid payload")

	ErrModuleLoad  = errors.New("module load failed")
	ErrUnsupported = errors.New("unsupported command")
	ErrInternal    = errors.New("internal dispatcher error")

	// Misuse of the message lifecycle. It is a programming error and it
	// terminates the session where it happened.
	ErrProtocolViolation = errors.New("protocol violation")

	// The endpoint does not accept more messages.
	ErrClosed = errors.New("channel closed")

	// Submission queue or outstanding message budget is exhausted.
	ErrQueueFull = errors.New("queue full")
)

// Status carried back in a completed message.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusInvalidRange
	StatusInvalidPayload
	StatusModuleLoadFailed
	StatusUnsupported
	StatusInternal
)

var statusErrors = [...]error{
	StatusSuccess:          nil,
	StatusInvalidRange:     ErrInvalidRange,
	StatusInvalidPayload:   ErrInvalidPayload,
	StatusModuleLoadFailed: ErrModuleLoad,
	StatusUnsupported:      ErrUnsupported,
	StatusInternal:         ErrInternal,
}

// Err maps status to one of the sentinel errors, nil for success.
func (s Status) Err() error {
	if int(s) < len(statusErrors) {
		return statusErrors[s]
	}

	return fmt.Errorf("%w: unknown status %d", ErrInternal, uint8(s))
}

var statusNames = [...]string{
	StatusSuccess:          "Success",
	StatusInvalidRange:     "InvalidRange",
	StatusInvalidPayload:   "InvalidPayload",
	StatusModuleLoadFailed: "ModuleLoadFailed",
	StatusUnsupported:      "Unsupported",
	StatusInternal:         "Internal",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}

	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Violation wraps ErrProtocolViolation with details.
func Violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}
