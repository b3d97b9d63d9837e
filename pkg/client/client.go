// Package client calls the esign HTTP API. Mutating calls are wrapped in an
// envelope signed with the caller's Ed25519 key.
package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zksig/esign/pkg/domain"
	"github.com/zksig/esign/pkg/identity"
	"github.com/zksig/esign/pkg/signature"
)

const userAgent = "esign-go-client/0.1.0"

// CodeConflict is returned when the server gave up on a contended
// transaction. Calls made with an idempotency key retry it.
const CodeConflict = "CONFLICT"

// RetryConfig bounds retries of calls made with an idempotency key.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Error is a non-2xx API response.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("esign api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// HasCode reports whether err is an API error with the given code.
func HasCode(err error, code string) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client calls one esign server as the holder of one key.
type Client struct {
	baseURL    string
	httpClient *http.Client
	key        ed25519.PrivateKey
	retry      RetryConfig
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithRetry replaces the default retry policy.
func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithClock sets the clock used for envelope issued_at.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New returns a client that signs requests with key. A nil key allows only
// read calls.
func New(baseURL string, key ed25519.PrivateKey, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		key:        key,
		retry:      RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 200 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	return c
}

// Identity is the caller identity derived from the signing key.
func (c *Client) Identity() (identity.Identity, error) {
	if c.key == nil {
		return identity.Identity{}, errors.New("client has no signing key")
	}
	return identity.FromPublicKey(c.key.Public().(ed25519.PublicKey))
}

// NewIdempotencyKey returns a random key for WithIdempotencyKey.
func NewIdempotencyKey() string { return newNonce() }

// CallOption configures one call.
type CallOption func(*callOptions)

type callOptions struct {
	idempotencyKey string
}

// WithIdempotencyKey makes a mutating call safe to retry.
func WithIdempotencyKey(key string) CallOption {
	return func(o *callOptions) { o.idempotencyKey = key }
}

// CreateProfile creates the profile of the client identity.
func (c *Client) CreateProfile(ctx context.Context, opts ...CallOption) (domain.Profile, error) {
	var out struct {
		Profile domain.Profile `json:"profile"`
	}
	err := c.signed(ctx, "/esign/profiles", signature.ContextCreateProfile, map[string]any{}, &out, opts)
	return out.Profile, err
}

// GetProfile returns the profile owned by owner.
func (c *Client) GetProfile(ctx context.Context, owner identity.Identity) (domain.Profile, error) {
	var out struct {
		Profile domain.Profile `json:"profile"`
	}
	err := c.get(ctx, "/esign/profiles/"+owner.String(), &out)
	return out.Profile, err
}

// CreateAgreement creates a PENDING agreement under the client profile.
func (c *Client) CreateAgreement(ctx context.Context, params domain.AgreementParams, opts ...CallOption) (domain.Agreement, error) {
	var out struct {
		Agreement domain.Agreement `json:"agreement"`
	}
	req := map[string]any{
		"identifier":      params.Identifier,
		"cid":             params.CID,
		"encrypted_cid":   params.EncryptedCID,
		"description_cid": params.DescriptionCID,
		"total_packets":   params.TotalPackets,
	}
	err := c.signed(ctx, "/esign/agreements", signature.ContextCreateAgreement, req, &out, opts)
	return out.Agreement, err
}

// GetAgreement returns an agreement by address.
func (c *Client) GetAgreement(ctx context.Context, agreement identity.Address) (domain.Agreement, error) {
	var out struct {
		Agreement domain.Agreement `json:"agreement"`
	}
	err := c.get(ctx, agreementPath(agreement), &out)
	return out.Agreement, err
}

// CreateSlot adds a slot to an agreement the client owns. A nil signer
// leaves the slot to its first signer.
func (c *Client) CreateSlot(ctx context.Context, agreement identity.Address, identifier string, signer *identity.Identity, opts ...CallOption) (domain.SignatureSlot, error) {
	var out struct {
		Slot domain.SignatureSlot `json:"slot"`
	}
	req := map[string]any{"agreement": agreement.String(), "identifier": identifier}
	if signer != nil {
		req["signer"] = signer.String()
	}
	err := c.signed(ctx, agreementPath(agreement)+"/slots", signature.AgreementContext(signature.ContextCreateSlot, agreement), req, &out, opts)
	return out.Slot, err
}

// ListSlots returns an agreement's slots in creation order.
func (c *Client) ListSlots(ctx context.Context, agreement identity.Address) ([]domain.SignatureSlot, error) {
	var out struct {
		Slots []domain.SignatureSlot `json:"slots"`
	}
	err := c.get(ctx, agreementPath(agreement)+"/slots", &out)
	return out.Slots, err
}

// SignInput identifies the slot to sign and carries the owner authorization.
type SignInput struct {
	Agreement  identity.Address
	Identifier string
	// Signature and Record authorize the slot; see signature.Authorize.
	Signature    []byte
	Record       []byte
	EncryptedCID string
}

// SignResult is the state after a successful sign.
type SignResult struct {
	Agreement domain.Agreement     `json:"agreement"`
	Slot      domain.SignatureSlot `json:"slot"`
	Receipt   domain.Signature     `json:"receipt"`
}

// SignSlot consumes a slot as the client's identity.
func (c *Client) SignSlot(ctx context.Context, in SignInput, opts ...CallOption) (SignResult, error) {
	var out struct {
		Result SignResult `json:"result"`
	}
	req := map[string]any{
		"agreement":           in.Agreement.String(),
		"identifier":          in.Identifier,
		"signature":           in.Signature,
		"verification_record": in.Record,
	}
	if in.EncryptedCID != "" {
		req["encrypted_cid"] = in.EncryptedCID
	}
	path := agreementPath(in.Agreement) + "/slots/" + url.PathEscape(in.Identifier) + "/sign"
	err := c.signed(ctx, path, signature.AgreementContext(signature.ContextSignSlot, in.Agreement), req, &out, opts)
	return out.Result, err
}

// Approve moves a COMPLETE agreement the client owns to APPROVED.
func (c *Client) Approve(ctx context.Context, agreement identity.Address, opts ...CallOption) (domain.Agreement, error) {
	return c.finalize(ctx, agreement, "approve", signature.ContextApprove, opts)
}

// Reject moves a COMPLETE agreement the client owns to REJECTED.
func (c *Client) Reject(ctx context.Context, agreement identity.Address, opts ...CallOption) (domain.Agreement, error) {
	return c.finalize(ctx, agreement, "reject", signature.ContextReject, opts)
}

func (c *Client) finalize(ctx context.Context, agreement identity.Address, action, op string, opts []CallOption) (domain.Agreement, error) {
	var out struct {
		Agreement domain.Agreement `json:"agreement"`
	}
	req := map[string]any{"agreement": agreement.String()}
	err := c.signed(ctx, agreementPath(agreement)+"/"+action, signature.AgreementContext(op, agreement), req, &out, opts)
	return out.Agreement, err
}

// ListSignatures returns the receipts of signer in sequence order.
func (c *Client) ListSignatures(ctx context.Context, signer identity.Identity) ([]domain.Signature, error) {
	var out struct {
		Signatures []domain.Signature `json:"signatures"`
	}
	err := c.get(ctx, "/esign/signers/"+signer.String()+"/signatures", &out)
	return out.Signatures, err
}

func agreementPath(agreement identity.Address) string {
	return "/esign/agreements/" + agreement.String()
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, nil, true, out)
}

// signed posts request wrapped in an envelope for the operation context op.
// The envelope covers the request as the server will decode it, so the
// request is normalized through JSON first. Every attempt is signed afresh
// because the server accepts each envelope once.
func (c *Client) signed(ctx context.Context, path, op string, request any, out any, opts []CallOption) error {
	if c.key == nil {
		return errors.New("client has no signing key")
	}
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	raw, err := json.Marshal(request)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	body := func() ([]byte, error) {
		env, err := signature.SignEnvelope(generic, op, c.key, c.now())
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"request": json.RawMessage(raw), "envelope": env})
	}
	headers := map[string]string{}
	if o.idempotencyKey != "" {
		headers["Idempotency-Key"] = o.idempotencyKey
	}
	return c.do(ctx, http.MethodPost, path, body, headers, o.idempotencyKey != "", out)
}

// do sends one request per attempt. body, when set, builds the payload for
// each attempt.
func (c *Client) do(ctx context.Context, method, path string, body func() ([]byte, error), headers map[string]string, retryable bool, out any) error {
	attempts := 1
	if retryable {
		attempts = c.retry.MaxAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		var bodyBytes []byte
		if body != nil {
			var err error
			if bodyBytes, err = body(); err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)
		if len(bodyBytes) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < attempts {
				sleepWithBackoff(ctx, c.retry, attempt, "")
				continue
			}
			return err
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}
		apiErr := parseError(resp.StatusCode, respBody)
		if attempt < attempts && (shouldRetryStatus(resp.StatusCode) || HasCode(apiErr, CodeConflict)) {
			sleepWithBackoff(ctx, c.retry, attempt, resp.Header.Get("Retry-After"))
			continue
		}
		return apiErr
	}
	return errors.New("unreachable")
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

func sleepWithBackoff(ctx context.Context, cfg RetryConfig, attempt int, retryAfter string) {
	d := time.Duration(0)
	if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
		d = time.Duration(sec) * time.Second
		if d > cfg.MaxDelay {
			d = cfg.MaxDelay
		}
	} else {
		max := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
		if max > float64(cfg.MaxDelay) {
			max = float64(cfg.MaxDelay)
		}
		n, _ := rand.Int(rand.Reader, bigInt(int64(max)))
		d = time.Duration(n.Int64())
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func parseError(status int, body []byte) error {
	out := &Error{StatusCode: status}
	var obj struct {
		RequestID string `json:"request_id"`
		Error     struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		out.Message = strings.TrimSpace(string(body))
	} else {
		out.Code = obj.Error.Code
		out.Message = obj.Error.Message
		out.RequestID = obj.RequestID
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}

func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func bigInt(v int64) *big.Int {
	if v <= 1 {
		v = 1
	}
	return big.NewInt(v)
}
