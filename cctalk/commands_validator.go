package cctalk

// Commands specific to coin acceptors and bill validators (spec §4.4,
// §4.5).

// EventRecord is one slot of a read-buffered-events response: either a
// credit (denomination position + routing/sorter byte) or an error
// code, in the two-byte shape real ccTalk validators use. Interpreting
// which is which, and resolving the event-counter delta, is the
// validator driver's job (internal/validator), not the catalog's.
type EventRecord struct {
	ResultA byte // credit: denomination position (1-based). error: 0.
	ResultB byte // credit: routing/sorter path. error: error code.
}

// BufferedEvents is the decoded response to a read-buffered-events
// command: the device's monotonic event counter plus up to its buffer
// depth worth of the most recent records, newest first.
type BufferedEvents struct {
	Counter byte
	Records []EventRecord
}

func parseBufferedEvents(name string, payload []byte) (BufferedEvents, error) {
	if len(payload) < 1 || (len(payload)-1)%2 != 0 {
		return BufferedEvents{}, &ParseError{Command: name, Reason: "payload is not counter + N*2 bytes"}
	}
	n := (len(payload) - 1) / 2
	records := make([]EventRecord, n)
	for i := 0; i < n; i++ {
		records[i] = EventRecord{ResultA: payload[1+2*i], ResultB: payload[1+2*i+1]}
	}
	return BufferedEvents{Counter: payload[0], Records: records}, nil
}

// ReadBufferedCoinEvents is header 229 (spec §4.5).
type ReadBufferedCoinEvents struct{}

func (ReadBufferedCoinEvents) Name() string         { return "ReadBufferedCoinEvents" }
func (ReadBufferedCoinEvents) Header() byte         { return 229 }
func (ReadBufferedCoinEvents) BuildRequest() []byte { return nil }
func (ReadBufferedCoinEvents) CompatibleCategories() []Category {
	return []Category{CategoryCoinAcceptor}
}
func (c ReadBufferedCoinEvents) ParseResponse(payload []byte) (BufferedEvents, error) {
	return parseBufferedEvents(c.Name(), payload)
}

// ReadBufferedBillEvents is header 159 (spec §4.5).
type ReadBufferedBillEvents struct{}

func (ReadBufferedBillEvents) Name() string         { return "ReadBufferedBillEvents" }
func (ReadBufferedBillEvents) Header() byte         { return 159 }
func (ReadBufferedBillEvents) BuildRequest() []byte { return nil }
func (ReadBufferedBillEvents) CompatibleCategories() []Category {
	return []Category{CategoryBillValidator}
}
func (c ReadBufferedBillEvents) ParseResponse(payload []byte) (BufferedEvents, error) {
	return parseBufferedEvents(c.Name(), payload)
}

// RequestCoinID is header 184; request parameter is the denomination
// position, response is a 4-character currency/value code such as
// "GB10" or "EU50" that the acceptor pool maps to an integer value via
// its currency table.
type RequestCoinID struct{ Position byte }

func (c RequestCoinID) Name() string         { return "RequestCoinID" }
func (RequestCoinID) Header() byte           { return 184 }
func (c RequestCoinID) BuildRequest() []byte { return []byte{c.Position} }
func (RequestCoinID) CompatibleCategories() []Category {
	return []Category{CategoryCoinAcceptor}
}
func (c RequestCoinID) ParseResponse(payload []byte) (string, error) {
	if len(payload) != 4 {
		return "", &DataLengthMismatchError{Command: "RequestCoinID", Expected: 4, Got: len(payload)}
	}
	return string(payload), nil
}

// RequestBillID is header 157; same shape as RequestCoinID for bills.
type RequestBillID struct{ Position byte }

func (c RequestBillID) Name() string         { return "RequestBillID" }
func (RequestBillID) Header() byte           { return 157 }
func (c RequestBillID) BuildRequest() []byte { return []byte{c.Position} }
func (RequestBillID) CompatibleCategories() []Category {
	return []Category{CategoryBillValidator}
}
func (c RequestBillID) ParseResponse(payload []byte) (string, error) {
	if len(payload) != 4 {
		return "", &DataLengthMismatchError{Command: "RequestBillID", Expected: 4, Got: len(payload)}
	}
	return string(payload), nil
}

// ModifyInhibitStatus is header 231; a 2-byte mask, one bit per
// denomination position, 1 = enabled.
type ModifyInhibitStatus struct{ Mask [2]byte }

func (ModifyInhibitStatus) Name() string { return "ModifyInhibitStatus" }
func (ModifyInhibitStatus) Header() byte { return 231 }
func (c ModifyInhibitStatus) BuildRequest() []byte {
	return []byte{c.Mask[0], c.Mask[1]}
}
func (ModifyInhibitStatus) CompatibleCategories() []Category {
	return []Category{CategoryCoinAcceptor}
}
func (ModifyInhibitStatus) ParseResponse(payload []byte) (Ack, error) {
	if len(payload) != 0 {
		return Ack{}, &DataLengthMismatchError{Command: "ModifyInhibitStatus", Expected: 0, Got: len(payload)}
	}
	return Ack{}, nil
}

// RouteBill is header 154; 1 = stack, 0 = return (spec §4.5).
type RouteBill struct{ Stack bool }

func (RouteBill) Name() string { return "RouteBill" }
func (RouteBill) Header() byte { return 154 }
func (c RouteBill) BuildRequest() []byte {
	if c.Stack {
		return []byte{1}
	}
	return []byte{0}
}
func (RouteBill) CompatibleCategories() []Category {
	return []Category{CategoryBillValidator}
}
func (RouteBill) ParseResponse(payload []byte) (Ack, error) {
	if len(payload) != 0 {
		return Ack{}, &DataLengthMismatchError{Command: "RouteBill", Expected: 0, Got: len(payload)}
	}
	return Ack{}, nil
}
