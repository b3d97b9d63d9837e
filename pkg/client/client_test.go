package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zksig/esign/pkg/domain"
	"github.com/zksig/esign/pkg/identity"
	"github.com/zksig/esign/pkg/signature"
)

func newKey(t *testing.T) (ed25519.PrivateKey, identity.Identity) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	id, err := identity.FromPublicKey(pub)
	require.NoError(t, err)
	return priv, id
}

func TestSignedRequestCarriesVerifiableEnvelope(t *testing.T) {
	priv, id := newKey(t)
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body struct {
			Request  json.RawMessage    `json:"request"`
			Envelope signature.Envelope `json:"envelope"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		var generic any
		require.NoError(t, json.Unmarshal(body.Request, &generic))
		res, err := signature.VerifyEnvelope(generic, body.Envelope, signature.ContextCreateAgreement, time.Now(), time.Minute)
		require.NoError(t, err)
		require.Equal(t, id, res.Signer)
		require.Equal(t, float64(2), generic.(map[string]any)["total_packets"])

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"agreement": domain.Agreement{Owner: id, Status: domain.StatusPending, TotalPackets: 2},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, priv)
	a, err := c.CreateAgreement(context.Background(), domain.AgreementParams{Identifier: "lease", TotalPackets: 2})
	require.NoError(t, err)
	require.Equal(t, "/esign/agreements", gotPath)
	require.Equal(t, id, a.Owner)
	require.Equal(t, domain.StatusPending, a.Status)
}

func TestErrorResponsesAreTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"request_id":"req_1","error":{"code":"USED_CONSTRAINT","message":"signature slot already used"}}`))
	}))
	defer srv.Close()

	priv, _ := newKey(t)
	_, err := New(srv.URL, priv).SignSlot(context.Background(), SignInput{Identifier: "S1"})
	require.Error(t, err)
	require.True(t, HasCode(err, "USED_CONSTRAINT"))
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, "req_1", apiErr.RequestID)
}

func TestRetriesOnlyIdempotentCalls(t *testing.T) {
	var (
		calls atomic.Int32
		mu    sync.Mutex
		sigs  []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Envelope signature.Envelope `json:"envelope"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		sigs = append(sigs, body.Envelope.Signature)
		mu.Unlock()
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"profile": domain.Profile{}})
	}))
	defer srv.Close()

	priv, _ := newKey(t)
	c := New(srv.URL, priv, WithRetry(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))

	_, err := c.CreateProfile(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	require.Equal(t, int32(1), calls.Load())

	calls.Store(0)
	sigs = nil
	_, err = c.CreateProfile(context.Background(), WithIdempotencyKey(NewIdempotencyKey()))
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
	// each attempt carries its own envelope
	require.Len(t, sigs, 2)
	require.NotEqual(t, sigs[0], sigs[1])
}

func TestReadOnlyClientCannotSign(t *testing.T) {
	c := New("http://127.0.0.1:0", nil)
	_, err := c.CreateProfile(context.Background())
	require.Error(t, err)
	_, err = c.Identity()
	require.Error(t, err)
}

func TestIdempotentCallRetriesStoreConflict(t *testing.T) {
	var (
		calls  atomic.Int32
		exists atomic.Bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch {
		case exists.Load():
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":{"code":"ALREADY_EXISTS","message":"record already exists"}}`))
		case n == 1:
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":{"code":"CONFLICT","message":"transaction conflict"}}`))
		default:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"profile": domain.Profile{}})
		}
	}))
	defer srv.Close()

	priv, _ := newKey(t)
	c := New(srv.URL, priv, WithRetry(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	_, err := c.CreateProfile(context.Background(), WithIdempotencyKey(NewIdempotencyKey()))
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())

	// other conflicts are final
	calls.Store(0)
	exists.Store(true)
	_, err = c.CreateProfile(context.Background(), WithIdempotencyKey(NewIdempotencyKey()))
	require.True(t, HasCode(err, "ALREADY_EXISTS"))
	require.Equal(t, int32(1), calls.Load())
}
