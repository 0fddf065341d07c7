package hopper

import "golang.org/x/crypto/xtea"

// Cipher derives the rolling dispense token from a hopper's pump-rng
// challenge (spec §4.7: "Host applies the configured cipher
// (device-specific; default is a no-op pass-through for firmware that
// does not require it)").
type Cipher interface {
	Apply(challenge [8]byte) [8]byte
}

// NoopCipher passes the challenge through unmodified, for firmware
// that does not require a rolling token.
type NoopCipher struct{}

func (NoopCipher) Apply(challenge [8]byte) [8]byte { return challenge }

// XTEACipher encrypts the challenge with XTEA under a fixed key, for
// hoppers that gate dispense on a real rolling cipher rather than a
// bare pass-through. golang.org/x/crypto/xtea operates on 8-byte
// blocks, which happens to match pump-rng's challenge size exactly.
type XTEACipher struct {
	Key [16]byte
}

func (c XTEACipher) Apply(challenge [8]byte) [8]byte {
	block, err := xtea.NewCipher(c.Key[:])
	if err != nil {
		// xtea.NewCipher only fails on a key of the wrong length, which
		// [16]byte can never produce.
		panic(err)
	}
	var token [8]byte
	block.Encrypt(token[:], challenge[:])
	return token
}
