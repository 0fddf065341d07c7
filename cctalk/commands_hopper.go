package cctalk

// Commands specific to payout hoppers (spec §4.4, §4.7).

// HopperStatus is the decoded response to request-hopper-status:
// an event counter, coins remaining in the current dispense, coins
// paid so far, and a status flags byte (bit layout is device-specific;
// the hopper driver interprets the halt bits).
type HopperStatus struct {
	EventCounter   byte
	CoinsRemaining byte
	CoinsPaid      byte
	StatusFlags    byte
}

// RequestHopperStatus is header 166, the "167-sibling" status poll
// named in spec §4.7.
type RequestHopperStatus struct{}

func (RequestHopperStatus) Name() string         { return "RequestHopperStatus" }
func (RequestHopperStatus) Header() byte         { return 166 }
func (RequestHopperStatus) BuildRequest() []byte { return nil }
func (RequestHopperStatus) CompatibleCategories() []Category {
	return []Category{CategoryPayout, CategoryChanger}
}
func (RequestHopperStatus) ParseResponse(payload []byte) (HopperStatus, error) {
	if len(payload) != 4 {
		return HopperStatus{}, &DataLengthMismatchError{Command: "RequestHopperStatus", Expected: 4, Got: len(payload)}
	}
	return HopperStatus{
		EventCounter:   payload[0],
		CoinsRemaining: payload[1],
		CoinsPaid:      payload[2],
		StatusFlags:    payload[3],
	}, nil
}

// DispenseHopperCoins is header 167: an 8-byte rolling cipher token
// followed by the coin count to dispense.
type DispenseHopperCoins struct {
	CipherToken [8]byte
	Count       byte
}

func (DispenseHopperCoins) Name() string { return "DispenseHopperCoins" }
func (DispenseHopperCoins) Header() byte { return 167 }
func (c DispenseHopperCoins) BuildRequest() []byte {
	req := make([]byte, 9)
	copy(req[:8], c.CipherToken[:])
	req[8] = c.Count
	return req
}
func (DispenseHopperCoins) CompatibleCategories() []Category {
	return []Category{CategoryPayout, CategoryChanger}
}
func (DispenseHopperCoins) ParseResponse(payload []byte) (Ack, error) {
	if len(payload) != 0 {
		return Ack{}, &DataLengthMismatchError{Command: "DispenseHopperCoins", Expected: 0, Got: len(payload)}
	}
	return Ack{}, nil
}

// PumpRNG is header 161: the host requests a random challenge from the
// hopper, used to derive the rolling cipher token for the next dispense.
type PumpRNG struct{}

func (PumpRNG) Name() string         { return "PumpRNG" }
func (PumpRNG) Header() byte         { return 161 }
func (PumpRNG) BuildRequest() []byte { return nil }
func (PumpRNG) CompatibleCategories() []Category {
	return []Category{CategoryPayout, CategoryChanger}
}
func (PumpRNG) ParseResponse(payload []byte) ([8]byte, error) {
	var challenge [8]byte
	if len(payload) != 8 {
		return challenge, &DataLengthMismatchError{Command: "PumpRNG", Expected: 8, Got: len(payload)}
	}
	copy(challenge[:], payload)
	return challenge, nil
}

// EmergencyStop is header 172.
type EmergencyStop struct{}

func (EmergencyStop) Name() string         { return "EmergencyStop" }
func (EmergencyStop) Header() byte         { return 172 }
func (EmergencyStop) BuildRequest() []byte { return nil }
func (EmergencyStop) CompatibleCategories() []Category {
	return []Category{CategoryPayout, CategoryChanger}
}
func (EmergencyStop) ParseResponse(payload []byte) (Ack, error) {
	if len(payload) != 0 {
		return Ack{}, &DataLengthMismatchError{Command: "EmergencyStop", Expected: 0, Got: len(payload)}
	}
	return Ack{}, nil
}

// EnableHopper is header 164; DisableHopper is header 163.
type EnableHopper struct{}

func (EnableHopper) Name() string         { return "EnableHopper" }
func (EnableHopper) Header() byte         { return 164 }
func (EnableHopper) BuildRequest() []byte { return nil }
func (EnableHopper) CompatibleCategories() []Category {
	return []Category{CategoryPayout, CategoryChanger}
}
func (EnableHopper) ParseResponse(payload []byte) (Ack, error) {
	if len(payload) != 0 {
		return Ack{}, &DataLengthMismatchError{Command: "EnableHopper", Expected: 0, Got: len(payload)}
	}
	return Ack{}, nil
}

type DisableHopper struct{}

func (DisableHopper) Name() string         { return "DisableHopper" }
func (DisableHopper) Header() byte         { return 163 }
func (DisableHopper) BuildRequest() []byte { return nil }
func (DisableHopper) CompatibleCategories() []Category {
	return []Category{CategoryPayout, CategoryChanger}
}
func (DisableHopper) ParseResponse(payload []byte) (Ack, error) {
	if len(payload) != 0 {
		return Ack{}, &DataLengthMismatchError{Command: "DisableHopper", Expected: 0, Got: len(payload)}
	}
	return Ack{}, nil
}

// RequestHopperDispenseCount is header 165; a running lifetime coin
// count, little-endian u32.
type RequestHopperDispenseCount struct{}

func (RequestHopperDispenseCount) Name() string         { return "RequestHopperDispenseCount" }
func (RequestHopperDispenseCount) Header() byte         { return 165 }
func (RequestHopperDispenseCount) BuildRequest() []byte { return nil }
func (RequestHopperDispenseCount) CompatibleCategories() []Category {
	return []Category{CategoryPayout, CategoryChanger}
}
func (RequestHopperDispenseCount) ParseResponse(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, &DataLengthMismatchError{Command: "RequestHopperDispenseCount", Expected: 4, Got: len(payload)}
	}
	return uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24, nil
}
