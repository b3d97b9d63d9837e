package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zksig/esign/pkg/domain"
	"github.com/zksig/esign/pkg/identity"
)

func TestRecordVerifierAcceptsMatchingClaim(t *testing.T) {
	f := newFixture(t)
	claim := Claim{Owner: f.owner, Message: f.message, Signature: f.sig}

	require.NoError(t, RecordVerifier{}.Verify(claim, f.record))
	require.NoError(t, RecordVerifier{Curve: Ed25519}.Verify(claim, f.record))
}

func TestRecordVerifierRejectsSingleByteMessageChange(t *testing.T) {
	f := newFixture(t)
	for i := range f.message {
		msg := append([]byte(nil), f.message...)
		msg[i] ^= 0x01
		err := RecordVerifier{}.Verify(Claim{Owner: f.owner, Message: msg, Signature: f.sig}, f.record)
		require.ErrorIs(t, err, domain.ErrSignatureVerification, "byte %d", i)
	}
}

func TestRecordVerifierRejectsSubstitutedFields(t *testing.T) {
	f := newFixture(t)
	otherPub, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	other, _ := identity.FromPublicKey(otherPub)

	// record signed by a different key than the claimed owner
	otherSig := ed25519.Sign(otherPriv, f.message)
	otherRecord, err := BuildRecord(otherPub, otherSig, f.message)
	require.NoError(t, err)
	err = RecordVerifier{}.Verify(Claim{Owner: f.owner, Message: f.message, Signature: otherSig}, otherRecord)
	require.ErrorIs(t, err, domain.ErrSignatureVerification)
	require.NoError(t, RecordVerifier{}.Verify(Claim{Owner: other, Message: f.message, Signature: otherSig}, otherRecord))

	// caller supplied signature differs from the record
	err = RecordVerifier{}.Verify(Claim{Owner: f.owner, Message: f.message, Signature: otherSig}, f.record)
	require.ErrorIs(t, err, domain.ErrSignatureVerification)

	// short signature
	err = RecordVerifier{}.Verify(Claim{Owner: f.owner, Message: f.message, Signature: f.sig[:10]}, f.record)
	require.ErrorIs(t, err, domain.ErrSignatureVerification)
}

func TestRecordVerifierCurveCheck(t *testing.T) {
	f := newFixture(t)
	forged := make([]byte, ed25519.SignatureSize)
	copy(forged, f.sig)
	forged[0] ^= 0xFF
	rec, err := BuildRecord(f.owner.PublicKey(), forged, f.message)
	require.NoError(t, err)
	claim := Claim{Owner: f.owner, Message: f.message, Signature: forged}

	// trusted co-processor mode only cross-checks fields
	require.NoError(t, RecordVerifier{}.Verify(claim, rec))
	require.ErrorIs(t, RecordVerifier{Curve: Ed25519}.Verify(claim, rec), domain.ErrSignatureVerification)
}

func TestKeyOnlyVerifierUsesInjectedCapability(t *testing.T) {
	f := newFixture(t)
	claim := Claim{Owner: f.owner, Message: f.message, Signature: f.sig}

	var calls int
	stub := KeyVerifierFunc(func(pub ed25519.PublicKey, msg, sig []byte) bool {
		calls++
		require.Equal(t, f.owner.Bytes(), []byte(pub))
		require.Equal(t, f.message, msg)
		return true
	})
	require.NoError(t, KeyOnlyVerifier{Key: stub}.Verify(claim, nil))
	require.Equal(t, 1, calls)

	deny := KeyVerifierFunc(func(ed25519.PublicKey, []byte, []byte) bool { return false })
	require.ErrorIs(t, KeyOnlyVerifier{Key: deny}.Verify(claim, nil), domain.ErrSignatureVerification)
	require.ErrorIs(t, KeyOnlyVerifier{}.Verify(claim, nil), domain.ErrSignatureVerification)

	require.NoError(t, KeyOnlyVerifier{Key: Ed25519}.Verify(claim, nil))
	claim.Message = SlotMessage("employee", f.agreement)
	require.ErrorIs(t, KeyOnlyVerifier{Key: Ed25519}.Verify(claim, nil), domain.ErrSignatureVerification)
}

func TestAuthorizeProducesVerifiableClaim(t *testing.T) {
	f := newFixture(t)
	sig, rec, err := Authorize(f.priv, "manager", f.agreement)
	require.NoError(t, err)
	require.Equal(t, f.record, rec)

	claim := Claim{Owner: f.owner, Message: SlotMessage("manager", f.agreement), Signature: sig}
	require.NoError(t, RecordVerifier{Curve: Ed25519}.Verify(claim, rec))
}
