package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zksig/esign/pkg/identity"
)

func decodedPayload(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestVerifyEnvelopeHappyPath(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	payload := decodedPayload(t, `{"b":"two","a":1}`)
	now := time.Now().UTC()

	env, err := SignEnvelope(payload, ContextCreateProfile, priv, now)
	require.NoError(t, err)

	got, err := VerifyEnvelope(payload, env, ContextCreateProfile, now, time.Minute)
	require.NoError(t, err)
	want, _ := identity.FromPublicKey(pub)
	require.Equal(t, want, got.Signer)
	require.True(t, got.IssuedAt.Equal(got.IssuedAt.UTC()))

	// key order in the raw JSON does not matter once decoded
	_, err = VerifyEnvelope(decodedPayload(t, `{"a":1,"b":"two"}`), env, ContextCreateProfile, now, time.Minute)
	require.NoError(t, err)
}

func TestVerifyEnvelopeIssuedAtRequiredOrInvalid(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	payload := map[string]any{"a": 1}
	env, err := SignEnvelope(payload, ContextCreateProfile, priv, time.Now())
	require.NoError(t, err)

	env.IssuedAt = ""
	_, err = VerifyEnvelope(payload, env, ContextCreateProfile, time.Now(), 0)
	if !errors.Is(err, ErrInvalidIssuedAt) {
		t.Fatalf("expected ErrInvalidIssuedAt for empty, got %v", err)
	}

	env.IssuedAt = "2026-02-18T12:00:00+00:00"
	_, err = VerifyEnvelope(payload, env, ContextCreateProfile, time.Now(), 0)
	if !errors.Is(err, ErrInvalidIssuedAt) {
		t.Fatalf("expected ErrInvalidIssuedAt for non-Z UTC format, got %v", err)
	}
}

func TestVerifyEnvelopeStale(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	payload := map[string]any{"a": 1}
	issued := time.Now().Add(-time.Hour)
	env, err := SignEnvelope(payload, ContextCreateProfile, priv, issued)
	require.NoError(t, err)

	_, err = VerifyEnvelope(payload, env, ContextCreateProfile, time.Now(), 5*time.Minute)
	require.ErrorIs(t, err, ErrStaleEnvelope)

	_, err = VerifyEnvelope(payload, env, ContextCreateProfile, time.Now(), 0)
	require.NoError(t, err)
}

func TestVerifyEnvelopeRedatedSignatureRejected(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	payload := map[string]any{"a": 1}
	env, err := SignEnvelope(payload, ContextCreateProfile, priv, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	env.IssuedAt = time.Now().UTC().Format(time.RFC3339Nano)
	_, err = VerifyEnvelope(payload, env, ContextCreateProfile, time.Now(), 5*time.Minute)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyEnvelopePayloadHashMismatch(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	env, err := SignEnvelope(map[string]any{"a": 1}, ContextCreateProfile, priv, time.Now())
	require.NoError(t, err)

	_, err = VerifyEnvelope(map[string]any{"a": 2}, env, ContextCreateProfile, time.Now(), 0)
	require.ErrorIs(t, err, ErrPayloadHashMismatch)

	env.PayloadHash = "AAAA"
	_, err = VerifyEnvelope(map[string]any{"a": 1}, env, ContextCreateProfile, time.Now(), 0)
	require.ErrorIs(t, err, ErrInvalidEncoding)
}

func TestVerifyEnvelopeUnsupportedAlgorithm(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	payload := map[string]any{"a": 1}
	env, _ := SignEnvelope(payload, ContextCreateProfile, priv, time.Now())

	env.Algorithm = "es256"
	_, err := VerifyEnvelope(payload, env, ContextCreateProfile, time.Now(), 0)
	require.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	env.Algorithm = EnvelopeAlgorithm
	env.Version = "sig-v2"
	_, err = VerifyEnvelope(payload, env, ContextCreateProfile, time.Now(), 0)
	require.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestVerifyEnvelopeWrongKey(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	other, _, _ := ed25519.GenerateKey(rand.Reader)
	payload := map[string]any{"a": 1}
	env, _ := SignEnvelope(payload, ContextCreateProfile, priv, time.Now())

	env.PublicKey = base64.StdEncoding.EncodeToString(other)
	_, err := VerifyEnvelope(payload, env, ContextCreateProfile, time.Now(), 0)
	require.ErrorIs(t, err, ErrInvalidSignature)

	env.PublicKey = "not base64!"
	_, err = VerifyEnvelope(payload, env, ContextCreateProfile, time.Now(), 0)
	require.ErrorIs(t, err, ErrInvalidEncoding)
}

func TestVerifyEnvelopeBoundToContext(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	agreement := identity.Derive("agreement", []byte("0"), []byte("profile"))
	payload := map[string]any{"agreement": agreement.String()}
	reject := AgreementContext(ContextReject, agreement)
	env, err := SignEnvelope(payload, reject, priv, time.Now())
	require.NoError(t, err)

	_, err = VerifyEnvelope(payload, env, reject, time.Now(), time.Minute)
	require.NoError(t, err)

	approve := AgreementContext(ContextApprove, agreement)
	_, err = VerifyEnvelope(payload, env, approve, time.Now(), time.Minute)
	require.ErrorIs(t, err, ErrContextMismatch)

	// rewriting the claimed context breaks the signature
	env.Context = approve
	_, err = VerifyEnvelope(payload, env, approve, time.Now(), time.Minute)
	require.ErrorIs(t, err, ErrInvalidSignature)
}
