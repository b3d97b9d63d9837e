// Package workflow composes the agreement, slot and profile transitions into
// the operations exposed to callers. Every mutating operation runs inside a
// single store transaction so that a failed precondition leaves no trace.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/zksig/esign/pkg/domain"
	"github.com/zksig/esign/pkg/identity"
	"github.com/zksig/esign/pkg/signature"
	"github.com/zksig/esign/services/esign/internal/metrics"
	"github.com/zksig/esign/services/esign/internal/store"
)

const (
	OpCreateProfile   = "create_profile"
	OpCreateAgreement = "create_agreement"
	OpCreateSlot      = "create_signature_slot"
	OpSignSlot        = "sign_slot"
	OpApprove         = "approve_agreement"
	OpReject          = "reject_agreement"
)

// Service runs the agreement workflow on a record store. Each mutating
// operation commits all of its record changes or none.
type Service struct {
	store    store.Store
	verifier signature.Verifier
	log      zerolog.Logger
	metrics  metrics.WorkflowMetrics
}

// New returns a Service. m may be a metrics.NoopCollector.
func New(st store.Store, verifier signature.Verifier, log zerolog.Logger, m metrics.WorkflowMetrics) *Service {
	if m == nil {
		m = metrics.NewNoopCollector()
	}
	return &Service{
		store:    st,
		verifier: verifier,
		log:      log.With().Str("component", "workflow").Logger(),
		metrics:  m,
	}
}

// Outcome labels an operation result for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, store.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, store.ErrAlreadyExists):
		return "ALREADY_EXISTS"
	case errors.Is(err, store.ErrConflict):
		return "CONFLICT"
	}
	if code := domain.Code(err); code != "" {
		return code
	}
	return "ERROR"
}

func (s *Service) observe(op string, start time.Time, err error) {
	outcome := Outcome(err)
	s.metrics.OperationFinished(op, outcome, time.Since(start))
	if err != nil {
		s.log.Debug().Str("operation", op).Str("outcome", outcome).Err(err).Msg("operation rejected")
	}
}

// CreateProfile allocates the counters for owner. A second profile for the
// same owner fails with store.ErrAlreadyExists.
func (s *Service) CreateProfile(ctx context.Context, owner identity.Identity) (p domain.Profile, err error) {
	defer func(start time.Time) { s.observe(OpCreateProfile, start, err) }(time.Now())
	if owner.IsZero() {
		return domain.Profile{}, fmt.Errorf("%w: zero owner", domain.ErrInvalidArgument)
	}
	err = s.store.Update(ctx, func(tx store.Tx) error {
		p = domain.NewProfile(owner)
		return tx.InsertProfile(ctx, p)
	})
	if err != nil {
		return domain.Profile{}, err
	}
	s.log.Info().Str("profile", p.Address.String()).Str("owner", owner.String()).Msg("profile created")
	return p, nil
}

// CreateAgreement creates a PENDING agreement under the caller's profile.
func (s *Service) CreateAgreement(ctx context.Context, caller identity.Identity, params domain.AgreementParams) (a domain.Agreement, err error) {
	defer func(start time.Time) { s.observe(OpCreateAgreement, start, err) }(time.Now())
	err = s.store.Update(ctx, func(tx store.Tx) error {
		p, err := tx.GetProfile(ctx, domain.ProfileAddress(caller))
		if err != nil {
			return fmt.Errorf("could not load profile of %s: %w", caller, err)
		}
		a, err = domain.NewAgreement(&p, params)
		if err != nil {
			return err
		}
		if err := tx.InsertAgreement(ctx, a); err != nil {
			return err
		}
		return tx.PutProfile(ctx, p)
	})
	if err != nil {
		return domain.Agreement{}, err
	}
	s.log.Info().
		Str("agreement", a.Address.String()).
		Str("profile", a.Profile.String()).
		Uint8("total_packets", a.TotalPackets).
		Msg("agreement created")
	return a, nil
}

// CreateSignatureSlot adds a slot to a pending agreement. Only the agreement
// owner may add slots. A nil signer leaves the slot claimable by whoever
// signs it first.
func (s *Service) CreateSignatureSlot(ctx context.Context, caller identity.Identity, agreement identity.Address, identifier string, signer *identity.Identity) (slot domain.SignatureSlot, err error) {
	defer func(start time.Time) { s.observe(OpCreateSlot, start, err) }(time.Now())
	err = s.store.Update(ctx, func(tx store.Tx) error {
		a, err := tx.GetAgreement(ctx, agreement)
		if err != nil {
			return fmt.Errorf("could not load agreement %s: %w", agreement, err)
		}
		if err := a.AuthorizeOwner(caller); err != nil {
			return err
		}
		slot, err = domain.NewSignatureSlot(&a, identifier, signer)
		if err != nil {
			return err
		}
		if err := tx.InsertSlot(ctx, slot); err != nil {
			return err
		}
		return tx.PutAgreement(ctx, a)
	})
	if err != nil {
		return domain.SignatureSlot{}, err
	}
	s.log.Info().
		Str("agreement", agreement.String()).
		Str("slot", slot.Address.String()).
		Uint8("index", slot.Index).
		Bool("prebound", slot.Signer.Bound).
		Msg("signature slot created")
	return slot, nil
}

// SignRequest is a sign attempt by Signer on the slot named Identifier.
type SignRequest struct {
	Signer     identity.Identity
	Agreement  identity.Address
	Identifier string
	// Signature is the agreement owner's Ed25519 signature over
	// signature.SlotMessage(Identifier, Agreement).
	Signature []byte
	// Record is the verification record produced by the external verifier.
	Record       []byte
	EncryptedCID string
}

// SignResult is the state committed by a successful sign.
type SignResult struct {
	Agreement domain.Agreement     `json:"agreement"`
	Slot      domain.SignatureSlot `json:"slot"`
	Receipt   domain.Signature     `json:"receipt"`
}

// SignSlot consumes a slot for the signer. The owner's authorization is
// verified first; the slot, the agreement counters and the signer's receipt
// are then written together or not at all.
func (s *Service) SignSlot(ctx context.Context, req SignRequest) (res SignResult, err error) {
	defer func(start time.Time) { s.observe(OpSignSlot, start, err) }(time.Now())
	err = s.store.Update(ctx, func(tx store.Tx) error {
		res = SignResult{}
		a, err := tx.GetAgreement(ctx, req.Agreement)
		if err != nil {
			return fmt.Errorf("could not load agreement %s: %w", req.Agreement, err)
		}
		slot, err := tx.GetSlot(ctx, domain.SlotAddress(a.Address, req.Identifier))
		if err != nil {
			return fmt.Errorf("could not load slot %q: %w", req.Identifier, err)
		}
		if slot.Agreement != a.Address {
			return fmt.Errorf("%w: slot %s belongs to %s", domain.ErrUnexpected, slot.Address, slot.Agreement)
		}
		claim := signature.Claim{
			Owner:     a.Owner,
			Message:   signature.SlotMessage(slot.Identifier, a.Address),
			Signature: req.Signature,
		}
		if err := s.verifier.Verify(claim, req.Record); err != nil {
			return err
		}
		if err := slot.Sign(req.Signer, req.EncryptedCID); err != nil {
			return err
		}
		if err := a.AddSigner(); err != nil {
			return err
		}
		profile, err := tx.GetProfile(ctx, domain.ProfileAddress(req.Signer))
		if err != nil {
			return fmt.Errorf("could not load profile of signer %s: %w", req.Signer, err)
		}
		receipt := domain.NewSignature(&profile, slot)

		if err := tx.PutSlot(ctx, slot); err != nil {
			return err
		}
		if err := tx.PutAgreement(ctx, a); err != nil {
			return err
		}
		if err := tx.PutProfile(ctx, profile); err != nil {
			return err
		}
		if err := tx.InsertSignature(ctx, receipt); err != nil {
			return err
		}
		res = SignResult{Agreement: a, Slot: slot, Receipt: receipt}
		return nil
	})
	if err != nil {
		return SignResult{}, err
	}
	s.log.Info().
		Str("agreement", res.Agreement.Address.String()).
		Str("slot", res.Slot.Address.String()).
		Str("signer", req.Signer.String()).
		Str("receipt", res.Receipt.Address.String()).
		Uint8("signed_packets", res.Agreement.SignedPackets).
		Str("status", string(res.Agreement.Status)).
		Msg("slot signed")
	return res, nil
}

// Approve lets the agreement owner move a COMPLETE agreement to APPROVED.
func (s *Service) Approve(ctx context.Context, caller identity.Identity, agreement identity.Address) (domain.Agreement, error) {
	return s.finalize(ctx, OpApprove, caller, agreement, (*domain.Agreement).Approve)
}

// Reject lets the agreement owner move a COMPLETE agreement to REJECTED.
func (s *Service) Reject(ctx context.Context, caller identity.Identity, agreement identity.Address) (domain.Agreement, error) {
	return s.finalize(ctx, OpReject, caller, agreement, (*domain.Agreement).Reject)
}

func (s *Service) finalize(ctx context.Context, op string, caller identity.Identity, agreement identity.Address, transition func(*domain.Agreement) error) (a domain.Agreement, err error) {
	defer func(start time.Time) { s.observe(op, start, err) }(time.Now())
	err = s.store.Update(ctx, func(tx store.Tx) error {
		got, err := tx.GetAgreement(ctx, agreement)
		if err != nil {
			return fmt.Errorf("could not load agreement %s: %w", agreement, err)
		}
		if err := got.AuthorizeOwner(caller); err != nil {
			return err
		}
		if err := transition(&got); err != nil {
			return err
		}
		a = got
		return tx.PutAgreement(ctx, got)
	})
	if err != nil {
		return domain.Agreement{}, err
	}
	s.log.Info().Str("agreement", agreement.String()).Str("status", string(a.Status)).Msg("agreement finalized")
	return a, nil
}

// GetProfile returns owner's profile.
func (s *Service) GetProfile(ctx context.Context, owner identity.Identity) (domain.Profile, error) {
	return s.store.GetProfile(ctx, domain.ProfileAddress(owner))
}

// GetAgreement returns the agreement at addr.
func (s *Service) GetAgreement(ctx context.Context, addr identity.Address) (domain.Agreement, error) {
	return s.store.GetAgreement(ctx, addr)
}

// GetSlot returns the agreement's slot named identifier.
func (s *Service) GetSlot(ctx context.Context, agreement identity.Address, identifier string) (domain.SignatureSlot, error) {
	return s.store.GetSlot(ctx, domain.SlotAddress(agreement, identifier))
}

// ListSlots returns the agreement's slots in creation order. An unknown
// agreement fails with store.ErrNotFound.
func (s *Service) ListSlots(ctx context.Context, agreement identity.Address) ([]domain.SignatureSlot, error) {
	if _, err := s.store.GetAgreement(ctx, agreement); err != nil {
		return nil, err
	}
	return s.store.ListSlots(ctx, agreement)
}

// ListSignatures returns signer's receipts in sequence order.
func (s *Service) ListSignatures(ctx context.Context, signer identity.Identity) ([]domain.Signature, error) {
	return s.store.ListSignatures(ctx, signer)
}
