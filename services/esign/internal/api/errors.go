package api

import (
	"errors"
	"net/http"

	"github.com/zksig/esign/pkg/domain"
	"github.com/zksig/esign/pkg/httpx"
	"github.com/zksig/esign/services/esign/internal/idempotency"
	"github.com/zksig/esign/services/esign/internal/store"
)

const (
	CodeBadJSON         = "BAD_JSON"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeNotFound        = "NOT_FOUND"
	CodeAlreadyExists   = "ALREADY_EXISTS"
	CodeConflict        = "CONFLICT"
	CodeKeyReused       = "IDEMPOTENCY_KEY_REUSED"
	CodeInternal        = "INTERNAL_ERROR"
)

// statusOf maps a workflow error onto an HTTP status and error code.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict, CodeAlreadyExists
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, idempotency.ErrKeyReused):
		return http.StatusConflict, CodeKeyReused
	}
	switch code := domain.Code(err); code {
	case domain.CodeInvalidArgument:
		return http.StatusBadRequest, code
	case domain.CodeUnauthorized:
		return http.StatusForbidden, code
	case domain.CodeSignatureVerification:
		return http.StatusUnprocessableEntity, code
	case domain.CodeNonPendingAgreement, domain.CodeUsedConstraint, domain.CodeMismatchedSigner, domain.CodeSlotLimit:
		return http.StatusConflict, code
	case domain.CodeUnexpected:
		return http.StatusInternalServerError, code
	}
	return http.StatusInternalServerError, CodeInternal
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("request_id", httpx.RequestIDFrom(r.Context())).Msg("request failed")
		msg = "internal error"
	}
	httpx.WriteError(w, r, status, code, msg, nil)
}
