package acceptorpool

import "fmt"

// DeviceID is a pool-local handle distinguishing a device from its wire
// address, so a device can be addressed consistently even if the
// pool's internal device list is reordered (grounded on
// currency_acceptor_pool/device_id.rs in original_source, spec.md
// SUPPLEMENTED FEATURES item 6 — this file has no distilled-spec
// counterpart, only the original Rust source).
type DeviceID struct {
	index   int
	address byte
	isBill  bool
}

func (d DeviceID) String() string {
	kind := "coin"
	if d.isBill {
		kind = "bill"
	}
	return fmt.Sprintf("%s[%d]@%d", kind, d.index, d.address)
}

// Address returns the device's wire address.
func (d DeviceID) Address() byte { return d.address }

// IsBill reports whether this handle refers to a bill validator.
func (d DeviceID) IsBill() bool { return d.isBill }
