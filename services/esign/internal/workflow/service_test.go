package workflow

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zksig/esign/pkg/domain"
	"github.com/zksig/esign/pkg/identity"
	"github.com/zksig/esign/pkg/signature"
	"github.com/zksig/esign/services/esign/internal/store"
	"github.com/zksig/esign/services/esign/internal/store/memstore"
)

type party struct {
	id   identity.Identity
	priv ed25519.PrivateKey
}

func newParty(t *testing.T) party {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	id, err := identity.FromPublicKey(pub)
	require.NoError(t, err)
	return party{id: id, priv: priv}
}

// authorize returns the owner's signature over the slot message and the
// matching verification record.
func (p party) authorize(t *testing.T, agreement identity.Address, identifier string) ([]byte, []byte) {
	t.Helper()
	msg := signature.SlotMessage(identifier, agreement)
	sig := ed25519.Sign(p.priv, msg)
	rec, err := signature.BuildRecord(p.id.PublicKey(), sig, msg)
	require.NoError(t, err)
	return sig, rec
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[string][]string
}

func (m *recordingMetrics) OperationFinished(op, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[string][]string{}
	}
	m.outcomes[op] = append(m.outcomes[op], outcome)
}

type env struct {
	svc     *Service
	st      store.Store
	metrics *recordingMetrics
	owner   party
	alice   party
	bob     party
	mallory party
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		st:      memstore.New(),
		metrics: &recordingMetrics{},
		owner:   newParty(t),
		alice:   newParty(t),
		bob:     newParty(t),
		mallory: newParty(t),
	}
	e.svc = New(e.st, signature.RecordVerifier{Curve: signature.Ed25519}, zerolog.Nop(), e.metrics)
	ctx := context.Background()
	for _, p := range []party{e.owner, e.alice, e.bob, e.mallory} {
		_, err := e.svc.CreateProfile(ctx, p.id)
		require.NoError(t, err)
	}
	return e
}

// agreementWithSlots creates an agreement with total_packets=2 and the slots
// S1 (bound to alice) and S2 (unbound).
func (e *env) agreementWithSlots(t *testing.T) domain.Agreement {
	t.Helper()
	ctx := context.Background()
	a, err := e.svc.CreateAgreement(ctx, e.owner.id, domain.AgreementParams{
		Identifier:   "lease-2024",
		CID:          "bafy-doc",
		TotalPackets: 2,
	})
	require.NoError(t, err)
	alice := e.alice.id
	_, err = e.svc.CreateSignatureSlot(ctx, e.owner.id, a.Address, "S1", &alice)
	require.NoError(t, err)
	_, err = e.svc.CreateSignatureSlot(ctx, e.owner.id, a.Address, "S2", nil)
	require.NoError(t, err)
	return a
}

func (e *env) sign(t *testing.T, signer party, agreement identity.Address, identifier string) (SignResult, error) {
	t.Helper()
	sig, rec := e.owner.authorize(t, agreement, identifier)
	return e.svc.SignSlot(context.Background(), SignRequest{
		Signer:     signer.id,
		Agreement:  agreement,
		Identifier: identifier,
		Signature:  sig,
		Record:     rec,
	})
}

func TestFullSigningFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.agreementWithSlots(t)

	res, err := e.sign(t, e.alice, a.Address, "S1")
	require.NoError(t, err)
	require.Equal(t, uint8(1), res.Agreement.SignedPackets)
	require.Equal(t, domain.StatusPending, res.Agreement.Status)
	require.Equal(t, e.alice.id, res.Receipt.Signer)
	require.Equal(t, uint32(0), res.Receipt.Sequence)

	res, err = e.sign(t, e.bob, a.Address, "S2")
	require.NoError(t, err)
	require.Equal(t, uint8(2), res.Agreement.SignedPackets)
	require.Equal(t, domain.StatusComplete, res.Agreement.Status)
	bound, ok := res.Slot.Signer.Get()
	require.True(t, ok)
	require.Equal(t, e.bob.id, bound)

	approved, err := e.svc.Approve(ctx, e.owner.id, a.Address)
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, approved.Status)

	_, err = e.svc.Reject(ctx, e.owner.id, a.Address)
	require.ErrorIs(t, err, domain.ErrNonPendingAgreement)

	got, err := e.svc.GetAgreement(ctx, a.Address)
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, got.Status)

	receipts, err := e.svc.ListSignatures(ctx, e.bob.id)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.Equal(t, "S2", receipts[0].Identifier)

	bobProfile, err := e.svc.GetProfile(ctx, e.bob.id)
	require.NoError(t, err)
	require.Equal(t, uint32(1), bobProfile.SignaturesCount)

	require.Equal(t, []string{"ok", "ok"}, e.metrics.outcomes[OpSignSlot])
	require.Equal(t, []string{"NON_PENDING_AGREEMENT"}, e.metrics.outcomes[OpReject])
}

func TestSignTwiceFailsWithUsedConstraint(t *testing.T) {
	e := newEnv(t)
	a := e.agreementWithSlots(t)

	_, err := e.sign(t, e.alice, a.Address, "S1")
	require.NoError(t, err)
	_, err = e.sign(t, e.alice, a.Address, "S1")
	require.ErrorIs(t, err, domain.ErrUsedConstraint)

	got, err := e.svc.GetAgreement(context.Background(), a.Address)
	require.NoError(t, err)
	require.Equal(t, uint8(1), got.SignedPackets)
}

func TestMismatchedSignerRollsBack(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.agreementWithSlots(t)

	_, err := e.sign(t, e.mallory, a.Address, "S1")
	require.ErrorIs(t, err, domain.ErrMismatchedSigner)

	got, err := e.svc.GetAgreement(ctx, a.Address)
	require.NoError(t, err)
	require.Equal(t, uint8(0), got.SignedPackets)
	slot, err := e.svc.GetSlot(ctx, a.Address, "S1")
	require.NoError(t, err)
	require.False(t, slot.Signed)
	p, err := e.svc.GetProfile(ctx, e.mallory.id)
	require.NoError(t, err)
	require.Equal(t, uint32(0), p.SignaturesCount)
}

func TestUnboundSlotBindsToFirstSigner(t *testing.T) {
	e := newEnv(t)
	a := e.agreementWithSlots(t)

	_, err := e.sign(t, e.bob, a.Address, "S2")
	require.NoError(t, err)
	_, err = e.sign(t, e.mallory, a.Address, "S2")
	require.ErrorIs(t, err, domain.ErrUsedConstraint)
}

func TestSignRejectsBadAuthorization(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.agreementWithSlots(t)

	// Record for the wrong slot identifier.
	sig, rec := e.owner.authorize(t, a.Address, "S2")
	_, err := e.svc.SignSlot(ctx, SignRequest{
		Signer: e.alice.id, Agreement: a.Address, Identifier: "S1", Signature: sig, Record: rec,
	})
	require.ErrorIs(t, err, domain.ErrSignatureVerification)

	// Signed by someone other than the agreement owner.
	sig, rec = e.mallory.authorize(t, a.Address, "S1")
	_, err = e.svc.SignSlot(ctx, SignRequest{
		Signer: e.alice.id, Agreement: a.Address, Identifier: "S1", Signature: sig, Record: rec,
	})
	require.ErrorIs(t, err, domain.ErrSignatureVerification)

	slot, err := e.svc.GetSlot(ctx, a.Address, "S1")
	require.NoError(t, err)
	require.False(t, slot.Signed)
}

func TestSignerWithoutProfileRollsBack(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.agreementWithSlots(t)
	stranger := newParty(t)

	_, err := e.sign(t, stranger, a.Address, "S2")
	require.ErrorIs(t, err, store.ErrNotFound)

	slot, err := e.svc.GetSlot(ctx, a.Address, "S2")
	require.NoError(t, err)
	require.False(t, slot.Signed)
	require.False(t, slot.Signer.Bound)
	got, err := e.svc.GetAgreement(ctx, a.Address)
	require.NoError(t, err)
	require.Equal(t, uint8(0), got.SignedPackets)
}

func TestSlotCreationRules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.agreementWithSlots(t)

	_, err := e.svc.CreateSignatureSlot(ctx, e.owner.id, a.Address, "S3", nil)
	require.ErrorIs(t, err, domain.ErrSlotLimit)

	other, err := e.svc.CreateAgreement(ctx, e.owner.id, domain.AgreementParams{TotalPackets: 1})
	require.NoError(t, err)
	_, err = e.svc.CreateSignatureSlot(ctx, e.mallory.id, other.Address, "S1", nil)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = e.svc.CreateSignatureSlot(ctx, e.owner.id, other.Address, "S1", nil)
	require.NoError(t, err)
	_, err = e.svc.CreateSignatureSlot(ctx, e.owner.id, identity.Derive("agreement", []byte("missing")), "S1", nil)
	require.ErrorIs(t, err, store.ErrNotFound)

	slots, err := e.svc.ListSlots(ctx, a.Address)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	require.Equal(t, "S1", slots[0].Identifier)
	require.Equal(t, "S2", slots[1].Identifier)
}

func TestApproveRequiresOwnerAndComplete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.agreementWithSlots(t)

	_, err := e.svc.Approve(ctx, e.owner.id, a.Address)
	require.ErrorIs(t, err, domain.ErrNonPendingAgreement)

	_, err = e.sign(t, e.alice, a.Address, "S1")
	require.NoError(t, err)
	_, err = e.sign(t, e.bob, a.Address, "S2")
	require.NoError(t, err)

	_, err = e.svc.Approve(ctx, e.alice.id, a.Address)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	rejected, err := e.svc.Reject(ctx, e.owner.id, a.Address)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRejected, rejected.Status)
	_, err = e.svc.Approve(ctx, e.owner.id, a.Address)
	require.ErrorIs(t, err, domain.ErrNonPendingAgreement)
}

func TestCreateProfileTwiceFails(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.CreateProfile(context.Background(), e.alice.id)
	require.ErrorIs(t, err, store.ErrAlreadyExists)
	require.Equal(t, "ALREADY_EXISTS", Outcome(err))
}

func TestCreateAgreementConsumesProfileSequence(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.svc.CreateAgreement(ctx, e.owner.id, domain.AgreementParams{TotalPackets: 1})
	require.NoError(t, err)
	second, err := e.svc.CreateAgreement(ctx, e.owner.id, domain.AgreementParams{TotalPackets: 1})
	require.NoError(t, err)
	require.NotEqual(t, first.Address, second.Address)
	require.Equal(t, uint32(1), second.Sequence)

	_, err = e.svc.CreateAgreement(ctx, e.owner.id, domain.AgreementParams{TotalPackets: 0})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	p, err := e.svc.GetProfile(ctx, e.owner.id)
	require.NoError(t, err)
	require.Equal(t, uint32(2), p.AgreementsCount)

	_, err = e.svc.CreateAgreement(ctx, newParty(t).id, domain.AgreementParams{TotalPackets: 1})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestKeyOnlyVerifierIsInjectable(t *testing.T) {
	calls := 0
	verifier := signature.KeyOnlyVerifier{Key: signature.KeyVerifierFunc(func(pub ed25519.PublicKey, msg, sig []byte) bool {
		calls++
		return true
	})}
	e := newEnv(t)
	e.svc = New(e.st, verifier, zerolog.Nop(), nil)
	a := e.agreementWithSlots(t)

	res, err := e.svc.SignSlot(context.Background(), SignRequest{
		Signer:     e.alice.id,
		Agreement:  a.Address,
		Identifier: "S1",
		Signature:  make([]byte, ed25519.SignatureSize),
	})
	require.NoError(t, err)
	require.True(t, res.Slot.Signed)
	require.Equal(t, 1, calls)
}

func TestConcurrentSignersConsumeSlotOnce(t *testing.T) {
	e := newEnv(t)
	a := e.agreementWithSlots(t)
	signers := []party{e.alice, e.bob, e.mallory, e.owner}

	var wg sync.WaitGroup
	errs := make([]error, len(signers))
	for i, p := range signers {
		sig, rec := e.owner.authorize(t, a.Address, "S2")
		wg.Add(1)
		go func(i int, p party) {
			defer wg.Done()
			_, errs[i] = e.svc.SignSlot(context.Background(), SignRequest{
				Signer: p.id, Agreement: a.Address, Identifier: "S2", Signature: sig, Record: rec,
			})
		}(i, p)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrUsedConstraint)
	}
	require.Equal(t, 1, succeeded)
	got, err := e.svc.GetAgreement(context.Background(), a.Address)
	require.NoError(t, err)
	require.Equal(t, uint8(1), got.SignedPackets)
}
