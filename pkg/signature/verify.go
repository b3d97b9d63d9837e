package signature

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zksig/esign/pkg/identity"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidIssuedAt      = errors.New("invalid issued_at")
	ErrStaleEnvelope        = errors.New("envelope outside accepted time window")
	ErrPayloadHashMismatch  = errors.New("payload hash mismatch")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidEncoding      = errors.New("invalid encoding")
	ErrContextMismatch      = errors.New("envelope signed for another operation")
)

// VerifyResult is the authenticated caller of a verified envelope.
type VerifyResult struct {
	Signer   identity.Identity
	IssuedAt time.Time
}

// CanonicalSHA256 hashes json.Marshal(v). Generic values decoded from JSON
// marshal with sorted object keys, so clients can reproduce the hash.
func CanonicalSHA256(v any) (hexHash string, bytes []byte, err error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// VerifyEnvelope checks env against payload and the operation context and
// returns the authenticated signer. A non-zero maxSkew bounds how far
// issued_at may be from now.
func VerifyEnvelope(payload any, env Envelope, context string, now time.Time, maxSkew time.Duration) (VerifyResult, error) {
	if strings.TrimSpace(env.Version) != EnvelopeVersion {
		return VerifyResult{}, ErrUnsupportedAlgorithm
	}
	if strings.ToLower(strings.TrimSpace(env.Algorithm)) != EnvelopeAlgorithm {
		return VerifyResult{}, ErrUnsupportedAlgorithm
	}
	if env.Context != context {
		return VerifyResult{}, ErrContextMismatch
	}
	if strings.TrimSpace(env.IssuedAt) == "" {
		return VerifyResult{}, ErrInvalidIssuedAt
	}
	issuedAt, err := time.Parse(time.RFC3339Nano, env.IssuedAt)
	if err != nil {
		return VerifyResult{}, ErrInvalidIssuedAt
	}
	if !strings.HasSuffix(env.IssuedAt, "Z") || !issuedAt.Equal(issuedAt.UTC()) {
		return VerifyResult{}, ErrInvalidIssuedAt
	}
	if maxSkew > 0 {
		if d := now.Sub(issuedAt); d > maxSkew || d < -maxSkew {
			return VerifyResult{}, ErrStaleEnvelope
		}
	}

	expectedHashHex, _, err := CanonicalSHA256(payload)
	if err != nil {
		return VerifyResult{}, err
	}
	expectedHashBytes, err := hex.DecodeString(expectedHashHex)
	if err != nil {
		return VerifyResult{}, ErrInvalidEncoding
	}
	payloadHashBytes, err := decodeLowerHex32(strings.TrimSpace(env.PayloadHash))
	if err != nil {
		return VerifyResult{}, err
	}
	if subtle.ConstantTimeCompare(expectedHashBytes, payloadHashBytes) != 1 {
		return VerifyResult{}, ErrPayloadHashMismatch
	}

	signer, err := verifyEd25519(envelopeMessage(payloadHashBytes, env.IssuedAt, env.Context), env.PublicKey, env.Signature)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{Signer: signer, IssuedAt: issuedAt.UTC()}, nil
}

// SignEnvelope produces an envelope for payload under the given operation
// context.
func SignEnvelope(payload any, context string, priv ed25519.PrivateKey, issuedAt time.Time) (Envelope, error) {
	hashHex, _, err := CanonicalSHA256(payload)
	if err != nil {
		return Envelope{}, err
	}
	hashBytes, err := hex.DecodeString(hashHex)
	if err != nil {
		return Envelope{}, ErrInvalidEncoding
	}
	ts := issuedAt.UTC().Format(time.RFC3339Nano)
	sig := ed25519.Sign(priv, envelopeMessage(hashBytes, ts, context))
	return Envelope{
		Version:     EnvelopeVersion,
		Algorithm:   EnvelopeAlgorithm,
		PublicKey:   base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey)),
		Signature:   base64.StdEncoding.EncodeToString(sig),
		PayloadHash: hashHex,
		IssuedAt:    ts,
		Context:     context,
	}, nil
}

// envelopeMessage binds issued_at and the context into the signed bytes so a
// captured envelope can be neither re-dated nor sent to another operation.
func envelopeMessage(payloadHash []byte, issuedAt, context string) []byte {
	out := make([]byte, 0, len(payloadHash)+2+len(issuedAt)+len(context))
	out = append(out, payloadHash...)
	out = append(out, '\n')
	out = append(out, issuedAt...)
	out = append(out, '\n')
	return append(out, context...)
}

func verifyEd25519(message []byte, publicKeyB64, sigB64 string) (identity.Identity, error) {
	publicKey, err := base64.StdEncoding.DecodeString(strings.TrimSpace(publicKeyB64))
	if err != nil {
		return identity.Identity{}, ErrInvalidEncoding
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sigB64))
	if err != nil {
		return identity.Identity{}, ErrInvalidEncoding
	}
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return identity.Identity{}, ErrInvalidEncoding
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), message, sig) {
		return identity.Identity{}, ErrInvalidSignature
	}
	return identity.FromPublicKey(publicKey)
}

func decodeLowerHex32(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrInvalidEncoding
	}
	if s != strings.ToLower(s) {
		return nil, ErrInvalidEncoding
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: payload_hash length", ErrInvalidEncoding)
	}
	return b, nil
}
