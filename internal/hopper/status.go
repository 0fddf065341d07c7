package hopper

// InventoryLevel summarizes a hopper's coin level, derived from its
// status flags word (spec §3 "Hopper inventory level").
type InventoryLevel int

const (
	Unknown InventoryLevel = iota
	Empty
	Low
	High
)

func (l InventoryLevel) String() string {
	switch l {
	case Empty:
		return "Empty"
	case Low:
		return "Low"
	case High:
		return "High"
	default:
		return "Unknown"
	}
}

// HaltKind classifies why a dispense ended before reaching count coins.
type HaltKind int

const (
	HaltNone HaltKind = iota
	HaltJam
	HaltFraud
	HaltEmpty
	HaltFault
)

func (h HaltKind) String() string {
	switch h {
	case HaltJam:
		return "Jam"
	case HaltFraud:
		return "Fraud"
	case HaltEmpty:
		return "Empty"
	case HaltFault:
		return "Fault"
	default:
		return "None"
	}
}

// Status flag bit layout within HopperStatus.StatusFlags. Halt bits
// occupy the low nibble, inventory-level bits the high nibble; a real
// device's bit assignment is firmware-specific, this is this driver's
// own consistent mapping over the single status byte spec.md exposes.
const (
	flagJam   = 1 << 0
	flagFraud = 1 << 1
	flagEmpty = 1 << 2
	flagFault = 1 << 3
	flagLow   = 1 << 4
	flagHigh  = 1 << 5
)

// haltKind reports the first halt condition set in flags, or HaltNone.
func haltKind(flags byte) HaltKind {
	switch {
	case flags&flagJam != 0:
		return HaltJam
	case flags&flagFraud != 0:
		return HaltFraud
	case flags&flagEmpty != 0:
		return HaltEmpty
	case flags&flagFault != 0:
		return HaltFault
	default:
		return HaltNone
	}
}

func inventoryLevel(flags byte) InventoryLevel {
	switch {
	case flags&flagEmpty != 0:
		return Empty
	case flags&flagHigh != 0:
		return High
	case flags&flagLow != 0:
		return Low
	default:
		return Unknown
	}
}
