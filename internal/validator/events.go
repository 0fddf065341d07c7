// Package validator drives a single coin or bill validator: it polls
// read-buffered-events, turns the device's event-counter/ring-buffer
// protocol into a chronological stream of credits and errors, and runs
// the bill escrow state machine (spec §4.5).
package validator

import "github.com/cctalk/host/cctalk"

// Credit is a single accepted coin or stacked bill.
type Credit struct {
	DeviceID          int
	DenominationPos   byte
	RoutingOrSorter   byte
}

// DeviceReset is emitted when a validator's event counter reads 0,
// meaning it power-cycled since the last poll; every credit previously
// issued for that device must be treated as unconfirmed by the caller.
type DeviceReset struct{ DeviceID int }

// EventOverflow is emitted when the gap between polls exceeds the
// device's buffer depth — some events were lost before they could be
// read.
type EventOverflow struct {
	DeviceID int
	Lost     int
}

// DeviceError is a device-reported error event (jam, fraud attempt,
// etc.) surfaced from the buffered-events ring rather than a credit.
type DeviceError struct {
	DeviceID int
	Code     byte
}

// Event is the sum type emitted by resolveEvents / the driver's poll
// loop. Exactly one of the fields is non-nil/non-zero on read.
type Event struct {
	Credit      *Credit
	Reset       *DeviceReset
	Overflow    *EventOverflow
	DeviceError *DeviceError
	Lagged      *Lagged
}

// counterDelta computes the number of new events between last and
// current under the 1..=255 wrap (counter never takes 0 except as a
// power-on reset signal — spec §3, §8).
func counterDelta(last, current byte) int {
	if current >= last {
		return int(current) - int(last)
	}
	return int(current) + 255 - int(last)
}

// resolveEvents implements spec §4.5's credit/event resolution
// algorithm. records is newest-first, as the device returns it;
// resolveEvents returns the newly-seen records in chronological order
// (oldest-of-the-new first) along with any overflow marker.
func resolveEvents(deviceID int, last, current byte, bufferDepth int, records []cctalk.EventRecord) (newLast byte, events []Event) {
	if current == 0 {
		return 0, []Event{{Reset: &DeviceReset{DeviceID: deviceID}}}
	}
	if current == last {
		return last, nil
	}

	delta := counterDelta(last, current)
	n := delta
	var overflow *EventOverflow
	if delta > bufferDepth {
		overflow = &EventOverflow{DeviceID: deviceID, Lost: delta - bufferDepth}
		n = bufferDepth
	}
	if n > len(records) {
		n = len(records)
	}

	if overflow != nil {
		events = append(events, Event{Overflow: overflow})
	}

	// records[0:n] are the n newest records; chronological order means
	// emitting them oldest-of-the-new first, i.e. reversed.
	for i := n - 1; i >= 0; i-- {
		events = append(events, recordToEvent(deviceID, records[i]))
	}

	return current, events
}

// recordToEvent classifies a single two-byte event record. By
// convention (real ccTalk validators): ResultA == 0 marks an error
// event whose code is carried in ResultB; otherwise ResultA is a
// 1-based denomination position and ResultB is the routing/sorter byte.
func recordToEvent(deviceID int, r cctalk.EventRecord) Event {
	if r.ResultA == 0 {
		return Event{DeviceError: &DeviceError{DeviceID: deviceID, Code: r.ResultB}}
	}
	return Event{Credit: &Credit{DeviceID: deviceID, DenominationPos: r.ResultA - 1, RoutingOrSorter: r.ResultB}}
}

// escrowExtendRouting is the routing code a bill validator reports on a
// credit event that means "held in escrow, awaiting a stack/return
// decision" (spec §4.5).
const escrowExtendRouting = 255
