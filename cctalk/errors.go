package cctalk

import "fmt"

// DataLengthMismatchError is returned when a response's payload length
// does not match what the command's fixed-length shape requires.
type DataLengthMismatchError struct {
	Command string
	Expected, Got int
}

func (e *DataLengthMismatchError) Error() string {
	return fmt.Sprintf("cctalk: %s: expected %d response bytes, got %d", e.Command, e.Expected, e.Got)
}

// ParseError is returned when a response's bytes could not be
// interpreted as the command's expected shape.
type ParseError struct {
	Command string
	Reason  string
}

func (e *ParseError) Error() string { return fmt.Sprintf("cctalk: %s: %s", e.Command, e.Reason) }

// IncompatibleCommandSetError is returned at the device-client boundary
// when a command is issued against a device category it does not apply
// to (spec §4.4).
type IncompatibleCommandSetError struct {
	Command  string
	Category Category
}

func (e *IncompatibleCommandSetError) Error() string {
	return fmt.Sprintf("cctalk: command %s is not compatible with device category %s", e.Command, e.Category)
}

// DeviceError wraps a device-reported NACK error code surfaced up from
// the transport layer, with the command name attached for context.
type DeviceError struct {
	Command string
	Code    byte
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("cctalk: %s: device error code %d", e.Command, e.Code)
}
