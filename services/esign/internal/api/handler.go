// Package api serves the workflow over HTTP. Mutating calls are
// authenticated by a signed envelope; the envelope signer is the caller.
package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/zksig/esign/pkg/domain"
	"github.com/zksig/esign/pkg/httpx"
	"github.com/zksig/esign/pkg/identity"
	"github.com/zksig/esign/pkg/signature"
	"github.com/zksig/esign/services/esign/internal/idempotency"
	"github.com/zksig/esign/services/esign/internal/workflow"
)

// Options configures a Handler.
type Options struct {
	// MaxSkew bounds the envelope issued_at distance from now. Zero disables
	// the check.
	MaxSkew     time.Duration
	Idempotency idempotency.Store
	// Metrics is served on GET /metrics when set.
	Metrics http.Handler
	// ReplayCacheSize bounds the envelope signatures remembered to reject
	// replays. Zero means DefaultReplayCacheSize.
	ReplayCacheSize int
	Now             func() time.Time
}

// Handler serves the workflow service.
type Handler struct {
	svc     *workflow.Service
	log     zerolog.Logger
	idem    idempotency.Store
	metrics http.Handler
	maxSkew time.Duration
	replay  *replayGuard
	now     func() time.Time
}

// New returns a Handler over svc. Zero Options fields take their defaults.
func New(svc *workflow.Service, log zerolog.Logger, opts Options) *Handler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		svc:     svc,
		log:     log.With().Str("component", "api").Logger(),
		idem:    opts.Idempotency,
		metrics: opts.Metrics,
		maxSkew: opts.MaxSkew,
		replay:  newReplayGuard(opts.ReplayCacheSize, opts.MaxSkew),
		now:     now,
	}
}

// Routes returns the router with request id and access log middleware.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.RequestID)
	r.Use(hlog.NewHandler(h.log))
	r.Use(logRequestID)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/esign", func(api chi.Router) {
		api.Post("/profiles", h.createProfile)
		api.Get("/profiles/{owner}", h.getProfile)
		api.Post("/agreements", h.createAgreement)
		api.Get("/agreements/{address}", h.getAgreement)
		api.Post("/agreements/{address}/slots", h.createSlot)
		api.Get("/agreements/{address}/slots", h.listSlots)
		api.Post("/agreements/{address}/slots/{identifier}/sign", h.signSlot)
		api.Post("/agreements/{address}/approve", h.finalize(signature.ContextApprove, h.svc.Approve))
		api.Post("/agreements/{address}/reject", h.finalize(signature.ContextReject, h.svc.Reject))
		api.Get("/signers/{signer}/signatures", h.listSignatures)
	})
	return r
}

func logRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := httpx.RequestIDFrom(r.Context())
		zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("request_id", id)
		})
		next.ServeHTTP(w, r)
	})
}

func pathAddress(r *http.Request) (identity.Address, error) {
	addr, err := identity.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		return identity.Address{}, fmt.Errorf("%w: agreement address: %v", domain.ErrInvalidArgument, err)
	}
	return addr, nil
}

// matchPath binds the signed request to the agreement in the path so an
// envelope cannot be replayed against another agreement.
func matchPath(path identity.Address, signed string) error {
	if signed != path.String() {
		return fmt.Errorf("%w: request agreement %q does not match path", domain.ErrInvalidArgument, signed)
	}
	return nil
}

// pathParam returns a URL parameter decoded exactly once. chi matches on
// RawPath when it is set, leaving parameters escaped, and on the already
// decoded Path otherwise.
func pathParam(r *http.Request, key string) (string, error) {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v, nil
	}
	u, err := url.PathUnescape(v)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", domain.ErrInvalidArgument, key, err)
	}
	return u, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, field string, v any) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.RequestIDFrom(r.Context()), field: v})
}

type createProfileRequest struct{}

func (h *Handler) createProfile(w http.ResponseWriter, r *http.Request) {
	var req createProfileRequest
	c, ok := h.authenticate(w, r, signature.ContextCreateProfile, &req)
	if !ok {
		return
	}
	h.respond(w, r, c, http.StatusCreated, "profile", func() (any, error) {
		return h.svc.CreateProfile(r.Context(), c.id)
	})
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	owner, err := identity.Parse(chi.URLParam(r, "owner"))
	if err != nil {
		h.writeErr(w, r, fmt.Errorf("%w: owner: %v", domain.ErrInvalidArgument, err))
		return
	}
	p, err := h.svc.GetProfile(r.Context(), owner)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, r, "profile", p)
}

type createAgreementRequest struct {
	Identifier     string `json:"identifier"`
	CID            string `json:"cid"`
	EncryptedCID   string `json:"encrypted_cid"`
	DescriptionCID string `json:"description_cid"`
	TotalPackets   uint8  `json:"total_packets"`
}

func (h *Handler) createAgreement(w http.ResponseWriter, r *http.Request) {
	var req createAgreementRequest
	c, ok := h.authenticate(w, r, signature.ContextCreateAgreement, &req)
	if !ok {
		return
	}
	h.respond(w, r, c, http.StatusCreated, "agreement", func() (any, error) {
		return h.svc.CreateAgreement(r.Context(), c.id, domain.AgreementParams{
			Identifier:     req.Identifier,
			CID:            req.CID,
			EncryptedCID:   req.EncryptedCID,
			DescriptionCID: req.DescriptionCID,
			TotalPackets:   req.TotalPackets,
		})
	})
}

func (h *Handler) getAgreement(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	a, err := h.svc.GetAgreement(r.Context(), addr)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, r, "agreement", a)
}

type createSlotRequest struct {
	Agreement  string             `json:"agreement"`
	Identifier string             `json:"identifier"`
	Signer     *identity.Identity `json:"signer"`
}

func (h *Handler) createSlot(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	var req createSlotRequest
	c, ok := h.authenticate(w, r, signature.AgreementContext(signature.ContextCreateSlot, addr), &req)
	if !ok {
		return
	}
	if err := matchPath(addr, req.Agreement); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.respond(w, r, c, http.StatusCreated, "slot", func() (any, error) {
		return h.svc.CreateSignatureSlot(r.Context(), c.id, addr, req.Identifier, req.Signer)
	})
}

func (h *Handler) listSlots(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	slots, err := h.svc.ListSlots(r.Context(), addr)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, r, "slots", slots)
}

type signSlotRequest struct {
	Agreement          string `json:"agreement"`
	Identifier         string `json:"identifier"`
	Signature          []byte `json:"signature"`
	VerificationRecord []byte `json:"verification_record"`
	EncryptedCID       string `json:"encrypted_cid"`
}

func (h *Handler) signSlot(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	identifier, err := pathParam(r, "identifier")
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	var req signSlotRequest
	c, ok := h.authenticate(w, r, signature.AgreementContext(signature.ContextSignSlot, addr), &req)
	if !ok {
		return
	}
	if err := matchPath(addr, req.Agreement); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if req.Identifier != identifier {
		h.writeErr(w, r, fmt.Errorf("%w: request identifier %q does not match path", domain.ErrInvalidArgument, req.Identifier))
		return
	}
	h.respond(w, r, c, http.StatusOK, "result", func() (any, error) {
		return h.svc.SignSlot(r.Context(), workflow.SignRequest{
			Signer:       c.id,
			Agreement:    addr,
			Identifier:   identifier,
			Signature:    req.Signature,
			Record:       req.VerificationRecord,
			EncryptedCID: req.EncryptedCID,
		})
	})
}

type finalizeRequest struct {
	Agreement string `json:"agreement"`
}

type transitionFunc func(ctx context.Context, caller identity.Identity, agreement identity.Address) (domain.Agreement, error)

// finalize serves approve and reject. op is the envelope context the route
// accepts, so a signed reject cannot be delivered as an approve.
func (h *Handler) finalize(op string, transition transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr, err := pathAddress(r)
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		var req finalizeRequest
		c, ok := h.authenticate(w, r, signature.AgreementContext(op, addr), &req)
		if !ok {
			return
		}
		if err := matchPath(addr, req.Agreement); err != nil {
			h.writeErr(w, r, err)
			return
		}
		h.respond(w, r, c, http.StatusOK, "agreement", func() (any, error) {
			return transition(r.Context(), c.id, addr)
		})
	}
}

func (h *Handler) listSignatures(w http.ResponseWriter, r *http.Request) {
	signer, err := identity.Parse(chi.URLParam(r, "signer"))
	if err != nil {
		h.writeErr(w, r, fmt.Errorf("%w: signer: %v", domain.ErrInvalidArgument, err))
		return
	}
	sigs, err := h.svc.ListSignatures(r.Context(), signer)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, r, "signatures", sigs)
}
