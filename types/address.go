package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cometbft/cometbft/crypto/ed25519"
	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
)

// AddressSize is the width of an Address in bytes.
const AddressSize = 20

// Address identifies a validator or the local node.
type Address [AddressSize]byte

// NewAddress wraps a fixed-width byte array.
func NewAddress(b [AddressSize]byte) Address {
	return Address(b)
}

// AddressFromBytes copies b into an Address. b must be exactly 20 bytes.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressSize {
		return a, fmt.Errorf("invalid address length %d, want %d", len(b), AddressSize)
	}
	copy(a[:], b)
	return a, nil
}

// AddressFromHex parses a hex encoded address, with or without 0x prefix.
func AddressFromHex(s string) (Address, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address hex: %w", err)
	}
	return AddressFromBytes(b)
}

// AddressFromPubKey derives the address of an ed25519 public key.
func AddressFromPubKey(pubKey []byte) (Address, error) {
	if len(pubKey) != ed25519.PubKeySize {
		return Address{}, fmt.Errorf("invalid public key length %d, want %d", len(pubKey), ed25519.PubKeySize)
	}
	return AddressFromBytes(ed25519.PubKey(pubKey).Address())
}

// Bytes returns a copy of the address bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressSize)
	copy(b, a[:])
	return b
}

// IsZero reports whether all bytes are zero.
func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) String() string {
	return cmtbytes.HexBytes(a[:]).String()
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := AddressFromHex(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
