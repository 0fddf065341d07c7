// Package cctalk implements the device client and command catalog layer
// (spec C3/C4) sitting on top of the ccbus wire transport.
package cctalk

import (
	"fmt"

	"github.com/cctalk/host/ccbus"
)

// Category classifies a device for the purpose of command compatibility
// checks (spec §4.4).
type Category int

const (
	CategoryUnknown Category = iota
	CategoryCoinAcceptor
	CategoryPayout
	CategoryBillValidator
	CategoryChanger
	CategoryEscrow
)

func (c Category) String() string {
	switch c {
	case CategoryCoinAcceptor:
		return "CoinAcceptor"
	case CategoryPayout:
		return "Payout"
	case CategoryBillValidator:
		return "BillValidator"
	case CategoryChanger:
		return "Changer"
	case CategoryEscrow:
		return "Escrow"
	default:
		return "Unknown"
	}
}

// ParseCategory maps the ASCII string a device returns for
// request-equipment-category into a Category.
func ParseCategory(s string) Category {
	switch s {
	case "Coin Acceptor":
		return CategoryCoinAcceptor
	case "Payout":
		return CategoryPayout
	case "Bill Validator":
		return CategoryBillValidator
	case "Changer":
		return CategoryChanger
	case "Escrow":
		return CategoryEscrow
	default:
		return CategoryUnknown
	}
}

// Descriptor identifies one addressable device on the bus.
type Descriptor struct {
	Address   byte
	Category  Category
	Checksum  ccbus.ChecksumMode
	Encrypted bool
}

// NewDescriptor validates addr and rejects any attempt to mark a device
// encrypted — encryption is explicitly out of scope (spec §1, Open
// Question (c) in the original source): the field exists so the wire
// shape is complete, but constructing an encrypted descriptor fails
// loudly rather than silently treating it as plaintext.
func NewDescriptor(addr byte, category Category, checksum ccbus.ChecksumMode, encrypted bool) (Descriptor, error) {
	if addr == 0 || addr == 255 {
		return Descriptor{}, fmt.Errorf("cctalk: address %d is reserved (0=broadcast, 255=reserved)", addr)
	}
	if encrypted {
		return Descriptor{}, fmt.Errorf("cctalk: encrypted devices are not supported")
	}
	return Descriptor{Address: addr, Category: category, Checksum: checksum, Encrypted: encrypted}, nil
}
