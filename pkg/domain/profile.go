package domain

import (
	"github.com/zksig/esign/pkg/identity"
)

// Profile holds the per-party sequence counters used to name the agreements
// and signature receipts the party creates.
type Profile struct {
	Address         identity.Address  `json:"address"`
	Owner           identity.Identity `json:"owner"`
	AgreementsCount uint32            `json:"agreements_count"`
	SignaturesCount uint32            `json:"signatures_count"`
}

// ProfileAddress derives the address of owner's profile.
func ProfileAddress(owner identity.Identity) identity.Address {
	return identity.Derive("profile", owner.Bytes())
}

// NewProfile returns owner's profile with zeroed counters.
func NewProfile(owner identity.Identity) Profile {
	return Profile{
		Address: ProfileAddress(owner),
		Owner:   owner,
	}
}

// AddAgreement consumes the next agreement sequence number.
func (p *Profile) AddAgreement() uint32 {
	seq := p.AgreementsCount
	p.AgreementsCount++
	return seq
}

// AddSignature consumes the next signature sequence number.
func (p *Profile) AddSignature() uint32 {
	seq := p.SignaturesCount
	p.SignaturesCount++
	return seq
}
