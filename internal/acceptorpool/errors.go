package acceptorpool

import "fmt"

// Errors per spec §7's acceptor-side pool taxonomy.

// ErrNoDevices is returned by Init/AcceptPayment when the pool holds
// neither coin validators nor bill validators.
var ErrNoDevices = fmt.Errorf("acceptorpool: no devices configured")

// ErrAllDevicesFailed is returned when Init's simple-poll fails against
// every configured device.
var ErrAllDevicesFailed = fmt.Errorf("acceptorpool: all devices failed to respond")

// CurrencyIDReadFailedError wraps a per-position request-coin-id /
// request-bill-id failure. Init does not return it: a position whose
// id read fails is logged and left inactive.
type CurrencyIDReadFailedError struct {
	DeviceID DeviceID
	Position byte
	Err      error
}

func (e *CurrencyIDReadFailedError) Error() string {
	return fmt.Sprintf("acceptorpool: device %s position %d: currency id read failed: %v", e.DeviceID, e.Position, e.Err)
}

func (e *CurrencyIDReadFailedError) Unwrap() error { return e.Err }

// BillRoutingFailedError wraps a route-bill command failure while
// rejecting an out-of-range bill or resolving escrow. AcceptPayment
// does not return it: a routing failure is logged and the bill is not
// counted.
type BillRoutingFailedError struct {
	DeviceID DeviceID
	Err      error
}

func (e *BillRoutingFailedError) Error() string {
	return fmt.Sprintf("acceptorpool: device %s: bill routing failed: %v", e.DeviceID, e.Err)
}

func (e *BillRoutingFailedError) Unwrap() error { return e.Err }

// PaymentTimeout is returned by AcceptPayment when the deadline elapses
// before target_value is reached. Per spec §4.6, received credits are
// not reversed.
type PaymentTimeout struct {
	Target        uint32
	TotalReceived uint32
	Credits       []Credit
}

func (e *PaymentTimeout) Error() string {
	return fmt.Sprintf("acceptorpool: payment timed out at %d/%d", e.TotalReceived, e.Target)
}

// PaymentCancelled is returned by AcceptPayment when ctx is cancelled
// before the target is reached.
type PaymentCancelled struct {
	Target        uint32
	TotalReceived uint32
	Credits       []Credit
}

func (e *PaymentCancelled) Error() string {
	return fmt.Sprintf("acceptorpool: payment cancelled at %d/%d", e.TotalReceived, e.Target)
}
