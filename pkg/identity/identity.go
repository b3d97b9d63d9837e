// Package identity defines the party and record keys used across the e-signature
// workflow. Both are 32 bytes and render as base58 text.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Size is the byte length of identities and addresses.
const Size = 32

// ErrInvalidEncoding reports text that is not base58 of Size bytes.
var ErrInvalidEncoding = errors.New("invalid identity encoding")

// Identity is the Ed25519 public key of a party.
type Identity [Size]byte

// Address is the key of a record in the store.
type Address [Size]byte

// FromPublicKey returns the identity of an Ed25519 public key.
func FromPublicKey(pub ed25519.PublicKey) (Identity, error) {
	var id Identity
	if len(pub) != ed25519.PublicKeySize {
		return id, fmt.Errorf("%w: public key length %d", ErrInvalidEncoding, len(pub))
	}
	copy(id[:], pub)
	return id, nil
}

// Parse decodes the base58 form of an identity.
func Parse(s string) (Identity, error) {
	var id Identity
	b, err := decode(s)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// MustParse is Parse for constants and tests. It panics on bad input.
func MustParse(s string) Identity {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// PublicKey returns the Ed25519 public key the identity names.
func (id Identity) PublicKey() ed25519.PublicKey {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

func (id Identity) Bytes() []byte  { return id[:] }
func (id Identity) IsZero() bool   { return id == Identity{} }
func (id Identity) String() string { return base58.Encode(id[:]) }

func (id Identity) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseAddress decodes the base58 form of an address.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := decode(s)
	if err != nil {
		return a, err
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) Bytes() []byte  { return a[:] }
func (a Address) IsZero() bool   { return a == Address{} }
func (a Address) String() string { return base58.Encode(a[:]) }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func decode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidEncoding
	}
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if len(b) != Size {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidEncoding, len(b))
	}
	return b, nil
}

const deriveTag = "esign/address/v1"

// Derive computes the address of a record of the given kind from its seeds.
// Seeds are length prefixed so ("ab","c") and ("a","bc") never collide.
func Derive(kind string, seeds ...[]byte) Address {
	h := sha256.New()
	h.Write([]byte(deriveTag))
	var n [2]byte
	for _, part := range append([][]byte{[]byte(kind)}, seeds...) {
		binary.BigEndian.PutUint16(n[:], uint16(len(part)))
		h.Write(n[:])
		h.Write(part)
	}
	var a Address
	copy(a[:], h.Sum(nil))
	return a
}
