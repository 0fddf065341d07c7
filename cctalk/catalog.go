package cctalk

import (
	"context"
	"errors"
	"time"

	"github.com/cctalk/host/ccbus"
)

// Command is a typed request/response contract for one ccTalk header.
// This is the canonical shape resolved from the Open Question in
// spec.md §9(a): one generic interface with an associated response
// type and a ParseResponse method, collapsing the source's two
// divergent Command trait definitions into one.
type Command[R any] interface {
	Name() string
	Header() byte
	BuildRequest() []byte
	ParseResponse(payload []byte) (R, error)
	CompatibleCategories() []Category
}

// Client wraps a device descriptor and a transport handle, exposing
// typed per-command calls (spec §4.3).
type Client struct {
	Device          Descriptor
	Transport       *ccbus.Transport
	ResponseTimeout time.Duration
}

// NewClient builds a device client. A zero responseTimeout defers to
// the transport's configured default.
func NewClient(device Descriptor, transport *ccbus.Transport, responseTimeout time.Duration) *Client {
	return &Client{Device: device, Transport: transport, ResponseTimeout: responseTimeout}
}

// Execute issues cmd against c's device, refusing at the boundary if
// the command is incompatible with the device's category.
func Execute[R any](ctx context.Context, c *Client, cmd Command[R]) (R, error) {
	var zero R
	if !categoryAllowed(c.Device.Category, cmd.CompatibleCategories()) {
		return zero, &IncompatibleCommandSetError{Command: cmd.Name(), Category: c.Device.Category}
	}

	payload, err := c.Transport.Send(ctx, c.Device.Address, c.Device.Checksum, cmd.Header(), cmd.BuildRequest(), c.ResponseTimeout)
	if err != nil {
		var nack *ccbus.NackError
		if errors.As(err, &nack) {
			return zero, &DeviceError{Command: cmd.Name(), Code: nack.Code}
		}
		return zero, err
	}

	return cmd.ParseResponse(payload)
}

func categoryAllowed(cat Category, allowed []Category) bool {
	for _, a := range allowed {
		if a == cat {
			return true
		}
	}
	return false
}

// allCategories is shorthand for core commands usable against any
// device category (spec §4.4: "core commands to all").
func allCategories() []Category {
	return []Category{CategoryUnknown, CategoryCoinAcceptor, CategoryPayout, CategoryBillValidator, CategoryChanger, CategoryEscrow}
}
