package signature

import (
	"crypto/ed25519"

	"github.com/zksig/esign/pkg/identity"
)

// SlotMessage is the exact message the agreement owner signs to authorize a
// slot: the slot identifier and the agreement address separated by a space.
func SlotMessage(identifier string, agreement identity.Address) []byte {
	return []byte(identifier + " " + agreement.String())
}

// Claim is what a signer asserts when consuming a slot.
type Claim struct {
	Owner     identity.Identity
	Message   []byte
	Signature []byte
}

// Verifier authenticates a claim, optionally backed by a verification record
// produced by an external Ed25519 primitive.
type Verifier interface {
	Verify(claim Claim, record []byte) error
}

// KeyVerifier checks an Ed25519 signature.
type KeyVerifier interface {
	VerifyKey(publicKey ed25519.PublicKey, message, sig []byte) bool
}

// KeyVerifierFunc adapts a function to KeyVerifier.
type KeyVerifierFunc func(publicKey ed25519.PublicKey, message, sig []byte) bool

func (f KeyVerifierFunc) VerifyKey(publicKey ed25519.PublicKey, message, sig []byte) bool {
	return f(publicKey, message, sig)
}

// Ed25519 verifies signatures with the standard library implementation.
var Ed25519 KeyVerifier = KeyVerifierFunc(ed25519.Verify)

// RecordVerifier accepts a claim only when the verification record describes
// exactly that public key, signature and message. When Curve is set the
// signature equation is checked as well instead of trusting the producer of
// the record.
type RecordVerifier struct {
	Curve KeyVerifier
}

// Verify fails with domain.ErrSignatureVerification on any mismatch.
func (v RecordVerifier) Verify(claim Claim, record []byte) error {
	if len(claim.Signature) != ed25519.SignatureSize {
		return verificationError("signature length %d", len(claim.Signature))
	}
	rec, err := ParseRecord(record)
	if err != nil {
		return err
	}
	if err := rec.Matches(claim.Owner.Bytes(), claim.Signature, claim.Message); err != nil {
		return err
	}
	if v.Curve != nil && !v.Curve.VerifyKey(rec.PublicKey, rec.Message, rec.Signature) {
		return verificationError("invalid ed25519 signature")
	}
	return nil
}

// KeyOnlyVerifier ignores the record and checks the signature directly with
// the injected key verifier.
type KeyOnlyVerifier struct {
	Key KeyVerifier
}

// Verify checks the claim with Key and ignores the record.
func (v KeyOnlyVerifier) Verify(claim Claim, _ []byte) error {
	if len(claim.Signature) != ed25519.SignatureSize {
		return verificationError("signature length %d", len(claim.Signature))
	}
	if v.Key == nil || !v.Key.VerifyKey(claim.Owner.PublicKey(), claim.Message, claim.Signature) {
		return verificationError("invalid ed25519 signature")
	}
	return nil
}

var (
	_ Verifier = RecordVerifier{}
	_ Verifier = KeyOnlyVerifier{}
)

// Authorize signs the slot message with the agreement owner's key and returns
// the signature together with a matching verification record.
func Authorize(owner ed25519.PrivateKey, identifier string, agreement identity.Address) (sig, record []byte, err error) {
	msg := SlotMessage(identifier, agreement)
	sig = ed25519.Sign(owner, msg)
	record, err = BuildRecord(owner.Public().(ed25519.PublicKey), sig, msg)
	if err != nil {
		return nil, nil, err
	}
	return sig, record, nil
}
