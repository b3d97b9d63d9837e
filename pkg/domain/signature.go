package domain

import (
	"strconv"

	"github.com/zksig/esign/pkg/identity"
)

// Signature is the immutable receipt written for every consumed slot, named
// by the signer's profile sequence.
type Signature struct {
	Address      identity.Address  `json:"address"`
	Signer       identity.Identity `json:"signer"`
	Sequence     uint32            `json:"sequence"`
	Agreement    identity.Address  `json:"agreement"`
	Slot         identity.Address  `json:"slot"`
	Identifier   string            `json:"identifier"`
	Index        uint8             `json:"index"`
	EncryptedCID string            `json:"encrypted_cid,omitempty"`
}

// SignatureAddress derives the address of the signer's receipt number sequence.
func SignatureAddress(signer identity.Identity, sequence uint32) identity.Address {
	return identity.Derive("signature", []byte(strconv.FormatUint(uint64(sequence), 10)), signer.Bytes())
}

// NewSignature consumes the signer profile's next signature sequence number.
func NewSignature(profile *Profile, slot SignatureSlot) Signature {
	seq := profile.AddSignature()
	return Signature{
		Address:      SignatureAddress(profile.Owner, seq),
		Signer:       profile.Owner,
		Sequence:     seq,
		Agreement:    slot.Agreement,
		Slot:         slot.Address,
		Identifier:   slot.Identifier,
		Index:        slot.Index,
		EncryptedCID: slot.EncryptedCID,
	}
}
