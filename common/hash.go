package common

import (
	"encoding/hex"
	"fmt"
)

const (
	HashLength    = 32
	AddressLength = 20
)

// Hash is the Keccak-256 digest of arbitrary data.
type Hash [HashLength]byte

// Address is the last 20 bytes of the Keccak-256 digest of a public key.
type Address [AddressLength]byte

func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

func HexToHash(s string) Hash {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, _ := hex.DecodeString(s)
	return BytesToHash(b)
}

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) Hex() string { return fmt.Sprintf("0x%x", h[:]) }

func (h Hash) String() string { return h.Hex() }

// TerminalString shortens the hash for log output.
func (h Hash) TerminalString() string {
	return fmt.Sprintf("%x..%x", h[:3], h[29:])
}

func BytesToAddress(b []byte) Address {
	var a Address
	if len(b) > AddressLength {
		b = b[len(b)-AddressLength:]
	}
	copy(a[AddressLength-len(b):], b)
	return a
}

func (a Address) Bytes() []byte { return a[:] }

func (a Address) Hex() string { return fmt.Sprintf("0x%x", a[:]) }

func (a Address) String() string { return a.Hex() }
