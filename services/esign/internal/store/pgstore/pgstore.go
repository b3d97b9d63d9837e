// Package pgstore persists records in Postgres. Reads inside a transaction
// take row locks with SELECT ... FOR UPDATE so concurrent mutations of the
// same agreement or slot queue behind each other.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zksig/esign/pkg/domain"
	"github.com/zksig/esign/pkg/identity"
	"github.com/zksig/esign/services/esign/internal/store"
)

//go:embed schema.sql
var schema string

// Store keeps records in PostgreSQL.
type Store struct {
	DB          *pgxpool.Pool
	maxAttempts int
}

var _ store.Store = (*Store)(nil)

// New returns a store on pool. Call Migrate before first use.
func New(db *pgxpool.Pool) *Store {
	return &Store{DB: db, maxAttempts: store.DefaultMaxAttempts}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.DB.Close()
	return nil
}

// Update runs fn in one database transaction, retried on serialization
// failures and deadlocks.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	return store.Retry(ctx, s.maxAttempts, func() error {
		pgtx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return mapErr(err)
		}
		defer func() { _ = pgtx.Rollback(ctx) }()
		if err := fn(&tx{q: pgtx}); err != nil {
			return err
		}
		return mapErr(pgtx.Commit(ctx))
	})
}

// querier is the subset shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", store.ErrAlreadyExists, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.ConstraintName)
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		}
	}
	return err
}

// expectOne maps a write that touched no rows onto ifNone.
func expectOne(tag pgconn.CommandTag, err error, ifNone error) error {
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ifNone
	}
	return nil
}

func toArray(dst *[identity.Size]byte, raw []byte) error {
	if len(raw) != identity.Size {
		return fmt.Errorf("%w: stored key has %d bytes", identity.ErrInvalidEncoding, len(raw))
	}
	copy(dst[:], raw)
	return nil
}

const (
	profileCols   = `address, owner, agreements_count, signatures_count`
	agreementCols = `address, profile, owner, sequence, identifier, cid, encrypted_cid, description_cid,
  status, signed_packets, total_packets, created_slots`
	slotCols      = `address, agreement, slot_index, identifier, signer, signed, encrypted_cid`
	signatureCols = `address, signer, sequence, agreement, slot, identifier, slot_index, encrypted_cid`
)

func scanProfile(row pgx.Row) (domain.Profile, error) {
	var p domain.Profile
	var addr, owner []byte
	if err := row.Scan(&addr, &owner, &p.AgreementsCount, &p.SignaturesCount); err != nil {
		return p, mapErr(err)
	}
	if err := toArray((*[identity.Size]byte)(&p.Address), addr); err != nil {
		return p, err
	}
	return p, toArray((*[identity.Size]byte)(&p.Owner), owner)
}

func scanAgreement(row pgx.Row) (domain.Agreement, error) {
	var a domain.Agreement
	var addr, profile, owner []byte
	var status string
	var signed, total, created int16
	err := row.Scan(&addr, &profile, &owner, &a.Sequence, &a.Identifier, &a.CID, &a.EncryptedCID,
		&a.DescriptionCID, &status, &signed, &total, &created)
	if err != nil {
		return a, mapErr(err)
	}
	a.Status = domain.Status(status)
	a.SignedPackets, a.TotalPackets, a.CreatedSlots = uint8(signed), uint8(total), uint8(created)
	if err := toArray((*[identity.Size]byte)(&a.Address), addr); err != nil {
		return a, err
	}
	if err := toArray((*[identity.Size]byte)(&a.Profile), profile); err != nil {
		return a, err
	}
	return a, toArray((*[identity.Size]byte)(&a.Owner), owner)
}

func scanSlot(row pgx.Row) (domain.SignatureSlot, error) {
	var s domain.SignatureSlot
	var addr, agreement, signer []byte
	var index int16
	err := row.Scan(&addr, &agreement, &index, &s.Identifier, &signer, &s.Signed, &s.EncryptedCID)
	if err != nil {
		return s, mapErr(err)
	}
	s.Index = uint8(index)
	if signer != nil {
		var id identity.Identity
		if err := toArray((*[identity.Size]byte)(&id), signer); err != nil {
			return s, err
		}
		s.Signer = domain.BoundTo(id)
	}
	if err := toArray((*[identity.Size]byte)(&s.Address), addr); err != nil {
		return s, err
	}
	return s, toArray((*[identity.Size]byte)(&s.Agreement), agreement)
}

func scanSignature(row pgx.Row) (domain.Signature, error) {
	var s domain.Signature
	var addr, signer, agreement, slot []byte
	var index int16
	err := row.Scan(&addr, &signer, &s.Sequence, &agreement, &slot, &s.Identifier, &index, &s.EncryptedCID)
	if err != nil {
		return s, mapErr(err)
	}
	s.Index = uint8(index)
	for _, f := range []struct {
		dst *[identity.Size]byte
		raw []byte
	}{
		{(*[identity.Size]byte)(&s.Address), addr},
		{(*[identity.Size]byte)(&s.Signer), signer},
		{(*[identity.Size]byte)(&s.Agreement), agreement},
		{(*[identity.Size]byte)(&s.Slot), slot},
	} {
		if err := toArray(f.dst, f.raw); err != nil {
			return s, err
		}
	}
	return s, nil
}

func slotSigner(s domain.SignatureSlot) []byte {
	if id, ok := s.Signer.Get(); ok {
		return id.Bytes()
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, addr identity.Address) (domain.Profile, error) {
	return scanProfile(s.DB.QueryRow(ctx, `SELECT `+profileCols+` FROM esign_profiles WHERE address=$1`, addr.Bytes()))
}

func (s *Store) GetAgreement(ctx context.Context, addr identity.Address) (domain.Agreement, error) {
	return scanAgreement(s.DB.QueryRow(ctx, `SELECT `+agreementCols+` FROM esign_agreements WHERE address=$1`, addr.Bytes()))
}

func (s *Store) GetSlot(ctx context.Context, addr identity.Address) (domain.SignatureSlot, error) {
	return scanSlot(s.DB.QueryRow(ctx, `SELECT `+slotCols+` FROM esign_slots WHERE address=$1`, addr.Bytes()))
}

func (s *Store) GetSignature(ctx context.Context, addr identity.Address) (domain.Signature, error) {
	return scanSignature(s.DB.QueryRow(ctx, `SELECT `+signatureCols+` FROM esign_signatures WHERE address=$1`, addr.Bytes()))
}

func list[T any](ctx context.Context, q querier, scan func(pgx.Row) (T, error), sql string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) ListSlots(ctx context.Context, agreement identity.Address) ([]domain.SignatureSlot, error) {
	return list(ctx, s.DB, scanSlot,
		`SELECT `+slotCols+` FROM esign_slots WHERE agreement=$1 ORDER BY slot_index`, agreement.Bytes())
}

func (s *Store) ListSignatures(ctx context.Context, signer identity.Identity) ([]domain.Signature, error) {
	return list(ctx, s.DB, scanSignature,
		`SELECT `+signatureCols+` FROM esign_signatures WHERE signer=$1 ORDER BY sequence`, signer.Bytes())
}

type tx struct {
	q querier
}

func (t *tx) GetProfile(ctx context.Context, addr identity.Address) (domain.Profile, error) {
	return scanProfile(t.q.QueryRow(ctx,
		`SELECT `+profileCols+` FROM esign_profiles WHERE address=$1 FOR UPDATE`, addr.Bytes()))
}

func (t *tx) InsertProfile(ctx context.Context, p domain.Profile) error {
	tag, err := t.q.Exec(ctx, `
INSERT INTO esign_profiles (`+profileCols+`) VALUES ($1,$2,$3,$4)
ON CONFLICT DO NOTHING`, p.Address.Bytes(), p.Owner.Bytes(), p.AgreementsCount, p.SignaturesCount)
	return expectOne(tag, err, fmt.Errorf("%w: profile %s", store.ErrAlreadyExists, p.Address))
}

func (t *tx) PutProfile(ctx context.Context, p domain.Profile) error {
	tag, err := t.q.Exec(ctx, `
UPDATE esign_profiles SET agreements_count=$2, signatures_count=$3, updated_at=now()
WHERE address=$1`, p.Address.Bytes(), p.AgreementsCount, p.SignaturesCount)
	return expectOne(tag, err, fmt.Errorf("%w: profile %s", store.ErrNotFound, p.Address))
}

func (t *tx) GetAgreement(ctx context.Context, addr identity.Address) (domain.Agreement, error) {
	return scanAgreement(t.q.QueryRow(ctx,
		`SELECT `+agreementCols+` FROM esign_agreements WHERE address=$1 FOR UPDATE`, addr.Bytes()))
}

func (t *tx) InsertAgreement(ctx context.Context, a domain.Agreement) error {
	tag, err := t.q.Exec(ctx, `
INSERT INTO esign_agreements (`+agreementCols+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT DO NOTHING`,
		a.Address.Bytes(), a.Profile.Bytes(), a.Owner.Bytes(), a.Sequence, a.Identifier, a.CID, a.EncryptedCID,
		a.DescriptionCID, string(a.Status), int16(a.SignedPackets), int16(a.TotalPackets), int16(a.CreatedSlots))
	return expectOne(tag, err, fmt.Errorf("%w: agreement %s", store.ErrAlreadyExists, a.Address))
}

func (t *tx) PutAgreement(ctx context.Context, a domain.Agreement) error {
	tag, err := t.q.Exec(ctx, `
UPDATE esign_agreements
SET status=$2, signed_packets=$3, created_slots=$4, updated_at=now()
WHERE address=$1`, a.Address.Bytes(), string(a.Status), int16(a.SignedPackets), int16(a.CreatedSlots))
	return expectOne(tag, err, fmt.Errorf("%w: agreement %s", store.ErrNotFound, a.Address))
}

func (t *tx) GetSlot(ctx context.Context, addr identity.Address) (domain.SignatureSlot, error) {
	return scanSlot(t.q.QueryRow(ctx,
		`SELECT `+slotCols+` FROM esign_slots WHERE address=$1 FOR UPDATE`, addr.Bytes()))
}

func (t *tx) InsertSlot(ctx context.Context, s domain.SignatureSlot) error {
	tag, err := t.q.Exec(ctx, `
INSERT INTO esign_slots (`+slotCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT DO NOTHING`,
		s.Address.Bytes(), s.Agreement.Bytes(), int16(s.Index), s.Identifier, slotSigner(s), s.Signed, s.EncryptedCID)
	return expectOne(tag, err, fmt.Errorf("%w: slot %s", store.ErrAlreadyExists, s.Address))
}

func (t *tx) PutSlot(ctx context.Context, s domain.SignatureSlot) error {
	tag, err := t.q.Exec(ctx, `
UPDATE esign_slots SET signer=$2, signed=$3, encrypted_cid=$4, updated_at=now()
WHERE address=$1`, s.Address.Bytes(), slotSigner(s), s.Signed, s.EncryptedCID)
	return expectOne(tag, err, fmt.Errorf("%w: slot %s", store.ErrNotFound, s.Address))
}

func (t *tx) InsertSignature(ctx context.Context, s domain.Signature) error {
	tag, err := t.q.Exec(ctx, `
INSERT INTO esign_signatures (`+signatureCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT DO NOTHING`,
		s.Address.Bytes(), s.Signer.Bytes(), s.Sequence, s.Agreement.Bytes(), s.Slot.Bytes(), s.Identifier,
		int16(s.Index), s.EncryptedCID)
	return expectOne(tag, err, fmt.Errorf("%w: signature %s", store.ErrAlreadyExists, s.Address))
}
