package api

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/zksig/esign/pkg/httpx"
	"github.com/zksig/esign/pkg/identity"
	"github.com/zksig/esign/pkg/signature"
	"github.com/zksig/esign/services/esign/internal/idempotency"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replay"
)

// SignedRequest is the body of every mutating call: the request fields and
// an envelope signed by the caller over their canonical hash.
type SignedRequest struct {
	Request  json.RawMessage    `json:"request"`
	Envelope signature.Envelope `json:"envelope"`
}

type caller struct {
	id          identity.Identity
	payloadHash string
}

// authenticate verifies the envelope for the given operation context,
// rejects envelopes already used, and decodes the request into dst. On
// failure the response has been written.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, context string, dst any) (caller, bool) {
	var body SignedRequest
	if err := httpx.ReadJSON(r, &body); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, CodeBadJSON, err.Error(), nil)
		return caller{}, false
	}
	if len(bytes.TrimSpace(body.Request)) == 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, CodeBadJSON, "request is required", nil)
		return caller{}, false
	}
	var generic any
	if err := json.Unmarshal(body.Request, &generic); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, CodeBadJSON, err.Error(), nil)
		return caller{}, false
	}
	res, err := signature.VerifyEnvelope(generic, body.Envelope, context, h.now(), h.maxSkew)
	if err != nil {
		httpx.WriteError(w, r, http.StatusUnauthorized, CodeUnauthenticated, err.Error(), nil)
		return caller{}, false
	}
	if !h.replay.firstUse(body.Envelope.Signature) {
		httpx.WriteError(w, r, http.StatusUnauthorized, CodeUnauthenticated, "envelope already used", nil)
		return caller{}, false
	}
	dec := json.NewDecoder(bytes.NewReader(body.Request))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, CodeBadJSON, err.Error(), nil)
		return caller{}, false
	}
	return caller{id: res.Signer, payloadHash: body.Envelope.PayloadHash}, true
}

// respond runs a mutation once per Idempotency-Key and writes its result
// under field.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, c caller, status int, field string, run func() (any, error)) {
	ctx := r.Context()
	actor := idempotency.ActorContext{
		ActorID:        c.id.String(),
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		RequestHash:    c.payloadHash,
	}
	endpoint := r.Method + " " + r.URL.Path
	if h.idem != nil {
		prevStatus, prevBody, replayed, err := idempotency.Replay(ctx, h.idem, actor, endpoint)
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		if replayed {
			w.Header().Set(HeaderReplayed, "true")
			httpx.WriteJSON(w, prevStatus, prevBody)
			return
		}
	}

	v, err := run()
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	resp := map[string]any{"request_id": httpx.RequestIDFrom(ctx), field: v}
	if h.idem != nil {
		if err := idempotency.Save(ctx, h.idem, actor, endpoint, status, resp); err != nil {
			h.log.Warn().Err(err).Str("endpoint", endpoint).Msg("could not save idempotent response")
		}
	}
	httpx.WriteJSON(w, status, resp)
}
