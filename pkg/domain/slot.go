package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/zksig/esign/pkg/identity"
)

// SignerBinding is either unbound or bound to exactly one identity. A bound
// binding never changes.
type SignerBinding struct {
	Bound  bool              `msgpack:"bound"`
	Signer identity.Identity `msgpack:"signer"`
}

// Unbound returns a binding that the first signer claims.
func Unbound() SignerBinding { return SignerBinding{} }

// BoundTo returns a binding fixed to signer.
func BoundTo(signer identity.Identity) SignerBinding {
	return SignerBinding{Bound: true, Signer: signer}
}

// BindingFrom converts an optional signer into a binding.
func BindingFrom(signer *identity.Identity) SignerBinding {
	if signer == nil {
		return Unbound()
	}
	return BoundTo(*signer)
}

// Get returns the bound signer and whether there is one.
func (b SignerBinding) Get() (identity.Identity, bool) {
	return b.Signer, b.Bound
}

// Check reports whether signer may satisfy the binding without changing it.
func (b SignerBinding) Check(signer identity.Identity) error {
	if b.Bound && b.Signer != signer {
		return fmt.Errorf("%w: bound to %s, got %s", ErrMismatchedSigner, b.Signer, signer)
	}
	return nil
}

// BindOrCheck binds an unbound binding to signer, or verifies signer against
// an existing binding.
func (b *SignerBinding) BindOrCheck(signer identity.Identity) error {
	if err := b.Check(signer); err != nil {
		return err
	}
	*b = BoundTo(signer)
	return nil
}

func (b SignerBinding) MarshalJSON() ([]byte, error) {
	if !b.Bound {
		return []byte("null"), nil
	}
	return json.Marshal(b.Signer)
}

func (b *SignerBinding) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*b = Unbound()
		return nil
	}
	var id identity.Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	*b = BoundTo(id)
	return nil
}

// SignatureSlot is one required authorization on an agreement.
type SignatureSlot struct {
	Address      identity.Address `json:"address"`
	Agreement    identity.Address `json:"agreement"`
	Index        uint8            `json:"index"`
	Identifier   string           `json:"identifier"`
	Signer       SignerBinding    `json:"signer"`
	Signed       bool             `json:"signed"`
	EncryptedCID string           `json:"encrypted_cid,omitempty"`
}

// SlotAddress derives the address of the slot named identifier.
func SlotAddress(agreement identity.Address, identifier string) identity.Address {
	return identity.Derive("slot", agreement.Bytes(), []byte(identifier))
}

// NewSignatureSlot reserves a slot on the agreement. The agreement is mutated
// and must be persisted together with the returned slot.
func NewSignatureSlot(agreement *Agreement, identifier string, signer *identity.Identity) (SignatureSlot, error) {
	if err := validateField("slot identifier", identifier, true); err != nil {
		return SignatureSlot{}, err
	}
	if signer != nil && signer.IsZero() {
		return SignatureSlot{}, fmt.Errorf("%w: zero signer", ErrInvalidArgument)
	}
	idx, err := agreement.AddSlot()
	if err != nil {
		return SignatureSlot{}, err
	}
	return SignatureSlot{
		Address:    SlotAddress(agreement.Address, identifier),
		Agreement:  agreement.Address,
		Index:      idx,
		Identifier: identifier,
		Signer:     BindingFrom(signer),
	}, nil
}

// Sign consumes the slot for signer. On error the slot is left untouched.
func (s *SignatureSlot) Sign(signer identity.Identity, encryptedCID string) error {
	if s.Signed {
		return fmt.Errorf("%w: slot %s", ErrUsedConstraint, s.Identifier)
	}
	if err := validateField("encrypted_cid", encryptedCID, false); err != nil {
		return err
	}
	binding := s.Signer
	if err := binding.BindOrCheck(signer); err != nil {
		return err
	}
	s.Signer = binding
	s.Signed = true
	s.EncryptedCID = encryptedCID
	return nil
}
