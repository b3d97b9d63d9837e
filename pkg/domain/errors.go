package domain

import (
	"errors"
)

var (
	ErrNonPendingAgreement   = errors.New("agreement is not in the required state")
	ErrMismatchedSigner      = errors.New("signer does not match the slot binding")
	ErrUsedConstraint        = errors.New("signature slot already used")
	ErrSignatureVerification = errors.New("signature verification failed")
	ErrUnexpected            = errors.New("unexpected error")

	ErrInvalidArgument = errors.New("invalid argument")
	ErrSlotLimit       = errors.New("agreement has no free signature slots")
	ErrUnauthorized    = errors.New("caller is not the owner")
)

const (
	CodeNonPendingAgreement   = "NON_PENDING_AGREEMENT"
	CodeMismatchedSigner      = "MISMATCHED_SIGNER"
	CodeUsedConstraint        = "USED_CONSTRAINT"
	CodeSignatureVerification = "SIGNATURE_VERIFICATION_ERROR"
	CodeUnexpected            = "UNEXPECTED_ERROR"
	CodeInvalidArgument       = "INVALID_ARGUMENT"
	CodeSlotLimit             = "SLOT_LIMIT"
	CodeUnauthorized          = "UNAUTHORIZED"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrNonPendingAgreement, CodeNonPendingAgreement},
	{ErrMismatchedSigner, CodeMismatchedSigner},
	{ErrUsedConstraint, CodeUsedConstraint},
	{ErrSignatureVerification, CodeSignatureVerification},
	{ErrInvalidArgument, CodeInvalidArgument},
	{ErrSlotLimit, CodeSlotLimit},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrUnexpected, CodeUnexpected},
}

// Code returns the stable error code for a domain error, or "" when err
// carries none of the domain kinds.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}
