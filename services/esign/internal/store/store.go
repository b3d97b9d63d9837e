// Package store defines the record store the workflow runs on. Every
// implementation applies the mutations of one Update call atomically and
// serializes concurrent mutations of the same record.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/zksig/esign/pkg/domain"
	"github.com/zksig/esign/pkg/identity"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	// ErrConflict reports that a concurrent transaction touched the same
	// records. Update retries internally before returning it.
	ErrConflict = errors.New("transaction conflict")
)

// DefaultMaxAttempts bounds how often Update re-runs a conflicting transaction.
const DefaultMaxAttempts = 16

const (
	retryBaseDelay = time.Millisecond
	retryMaxDelay  = 50 * time.Millisecond
	// retryJitterPercent spreads concurrent losers of the same conflict.
	retryJitterPercent = 50
)

// Reader reads committed records.
type Reader interface {
	GetProfile(ctx context.Context, addr identity.Address) (domain.Profile, error)
	GetAgreement(ctx context.Context, addr identity.Address) (domain.Agreement, error)
	GetSlot(ctx context.Context, addr identity.Address) (domain.SignatureSlot, error)
	GetSignature(ctx context.Context, addr identity.Address) (domain.Signature, error)
	// ListSlots returns the agreement's slots ordered by index.
	ListSlots(ctx context.Context, agreement identity.Address) ([]domain.SignatureSlot, error)
	// ListSignatures returns the signer's receipts ordered by sequence.
	ListSignatures(ctx context.Context, signer identity.Identity) ([]domain.Signature, error)
}

// Tx is the view of the store inside one Update. Reads observe the
// transaction's own writes. Insert fails with ErrAlreadyExists and Put with
// ErrNotFound when the record is in the wrong existence state.
type Tx interface {
	GetProfile(ctx context.Context, addr identity.Address) (domain.Profile, error)
	InsertProfile(ctx context.Context, p domain.Profile) error
	PutProfile(ctx context.Context, p domain.Profile) error

	GetAgreement(ctx context.Context, addr identity.Address) (domain.Agreement, error)
	InsertAgreement(ctx context.Context, a domain.Agreement) error
	PutAgreement(ctx context.Context, a domain.Agreement) error

	GetSlot(ctx context.Context, addr identity.Address) (domain.SignatureSlot, error)
	InsertSlot(ctx context.Context, s domain.SignatureSlot) error
	PutSlot(ctx context.Context, s domain.SignatureSlot) error

	InsertSignature(ctx context.Context, s domain.Signature) error
}

// Store is a record store with atomic, serializable updates.
type Store interface {
	Reader
	// Update runs fn in a transaction. If fn returns an error nothing is
	// applied and the error is returned unchanged.
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Retry runs attempt until it succeeds, fails with something other than
// ErrConflict, or maxAttempts is reached. Conflicting attempts are spaced by
// a capped, jittered exponential backoff.
func Retry(ctx context.Context, maxAttempts int, attempt func() error) error {
	b, err := newBackoff(maxAttempts)
	if err != nil {
		return err
	}
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := attempt()
		if errors.Is(err, ErrConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func newBackoff(maxAttempts int) (retry.Backoff, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	b, err := retry.NewExponential(retryBaseDelay)
	if err != nil {
		return nil, err
	}
	b = retry.WithCappedDuration(retryMaxDelay, b)
	b = retry.WithJitterPercent(retryJitterPercent, b)
	return retry.WithMaxRetries(uint64(maxAttempts-1), b), nil
}
