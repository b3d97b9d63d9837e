package domain

import (
	"fmt"
	"strconv"

	"github.com/zksig/esign/pkg/identity"
)

// Status is the agreement lifecycle: PENDING, COMPLETE, then APPROVED or
// REJECTED.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusComplete Status = "COMPLETE"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Agreement tracks how many of its slots are signed and its final decision.
type Agreement struct {
	Address        identity.Address  `json:"address"`
	Profile        identity.Address  `json:"profile"`
	Owner          identity.Identity `json:"owner"`
	Sequence       uint32            `json:"sequence"`
	Identifier     string            `json:"identifier"`
	CID            string            `json:"cid"`
	EncryptedCID   string            `json:"encrypted_cid"`
	DescriptionCID string            `json:"description_cid"`
	Status         Status            `json:"status"`
	SignedPackets  uint8             `json:"signed_packets"`
	TotalPackets   uint8             `json:"total_packets"`
	CreatedSlots   uint8             `json:"created_slots"`
}

// AgreementParams are the caller supplied fields of a new agreement.
type AgreementParams struct {
	Identifier     string
	CID            string
	EncryptedCID   string
	DescriptionCID string
	TotalPackets   uint8
}

// Validate fails with ErrInvalidArgument on oversized fields or a zero
// TotalPackets.
func (p AgreementParams) Validate() error {
	if err := validateField("identifier", p.Identifier, false); err != nil {
		return err
	}
	if err := validateField("cid", p.CID, false); err != nil {
		return err
	}
	if err := validateField("encrypted_cid", p.EncryptedCID, false); err != nil {
		return err
	}
	if err := validateField("description_cid", p.DescriptionCID, false); err != nil {
		return err
	}
	if p.TotalPackets == 0 {
		return fmt.Errorf("%w: total_packets must be at least 1", ErrInvalidArgument)
	}
	return nil
}

// AgreementAddress names the agreement created with the given sequence number
// under a profile.
func AgreementAddress(profile identity.Address, sequence uint32) identity.Address {
	return identity.Derive("agreement", []byte(strconv.FormatUint(uint64(sequence), 10)), profile.Bytes())
}

// NewAgreement creates a PENDING agreement owned by the profile, consuming the
// profile's next agreement sequence number.
func NewAgreement(profile *Profile, params AgreementParams) (Agreement, error) {
	if err := params.Validate(); err != nil {
		return Agreement{}, err
	}
	seq := profile.AddAgreement()
	return Agreement{
		Address:        AgreementAddress(profile.Address, seq),
		Profile:        profile.Address,
		Owner:          profile.Owner,
		Sequence:       seq,
		Identifier:     params.Identifier,
		CID:            params.CID,
		EncryptedCID:   params.EncryptedCID,
		DescriptionCID: params.DescriptionCID,
		Status:         StatusPending,
		TotalPackets:   params.TotalPackets,
	}, nil
}

// AuthorizeOwner fails unless caller owns the agreement.
func (a Agreement) AuthorizeOwner(caller identity.Identity) error {
	if caller != a.Owner {
		return fmt.Errorf("%w: agreement %s", ErrUnauthorized, a.Address)
	}
	return nil
}

// AddSlot reserves the next slot index. Slots may only be added while the
// agreement is pending and never beyond TotalPackets.
func (a *Agreement) AddSlot() (uint8, error) {
	if a.Status != StatusPending {
		return 0, fmt.Errorf("%w: status %s", ErrNonPendingAgreement, a.Status)
	}
	if a.CreatedSlots >= a.TotalPackets {
		return 0, fmt.Errorf("%w: %d of %d created", ErrSlotLimit, a.CreatedSlots, a.TotalPackets)
	}
	idx := a.CreatedSlots
	a.CreatedSlots++
	return idx, nil
}

// AddSigner records one more signed slot. The increment that fills the last
// slot moves the agreement to COMPLETE in the same mutation.
func (a *Agreement) AddSigner() error {
	if a.Status != StatusPending {
		return fmt.Errorf("%w: status %s", ErrNonPendingAgreement, a.Status)
	}
	if a.SignedPackets >= a.TotalPackets {
		return fmt.Errorf("%w: pending agreement with %d of %d signed", ErrUnexpected, a.SignedPackets, a.TotalPackets)
	}
	a.SignedPackets++
	if a.SignedPackets == a.TotalPackets {
		a.Status = StatusComplete
	}
	return nil
}

// Approve moves a COMPLETE agreement to APPROVED. Owner checks are the
// caller's job.
func (a *Agreement) Approve() error {
	return a.finalize(StatusApproved)
}

// Reject moves a COMPLETE agreement to REJECTED. Owner checks are the
// caller's job.
func (a *Agreement) Reject() error {
	return a.finalize(StatusRejected)
}

func (a *Agreement) finalize(to Status) error {
	if a.Status != StatusComplete {
		return fmt.Errorf("%w: cannot move %s to %s", ErrNonPendingAgreement, a.Status, to)
	}
	a.Status = to
	return nil
}
