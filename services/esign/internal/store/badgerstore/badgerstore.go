// Package badgerstore persists records in an embedded Badger database.
// Badger's serializable snapshot isolation detects conflicting writes to the
// same record at commit time; those transactions are retried.
package badgerstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/rs/zerolog"

	"github.com/zksig/esign/pkg/domain"
	"github.com/zksig/esign/pkg/identity"
	"github.com/zksig/esign/services/esign/internal/store"
)

// Store keeps records in Badger.
type Store struct {
	db          *badger.DB
	maxAttempts int
}

var _ store.Store = (*Store)(nil)

// Open opens the database in dir. An empty dir keeps everything in memory.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(&logger{log: log.With().Str("component", "badger").Logger()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open badger db: %w", err)
	}
	return &Store{db: db, maxAttempts: store.DefaultMaxAttempts}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Update runs fn in one Badger transaction, retried on conflict.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	return store.Retry(ctx, s.maxAttempts, func() error {
		txn := s.db.NewTransaction(true)
		defer txn.Discard()
		if err := fn(&tx{txn: txn}); err != nil {
			return err
		}
		err := txn.Commit()
		if errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
		return err
	})
}

// insert encodes the entity and stores it under key, failing if the key
// already exists.
func insert(txn *badger.Txn, key []byte, entity interface{}) error {
	_, err := txn.Get(key)
	if err == nil {
		return fmt.Errorf("%w: key %x", store.ErrAlreadyExists, key)
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("could not check key: %w", err)
	}
	val, err := encode(entity)
	if err != nil {
		return err
	}
	return txn.Set(key, val)
}

// update replaces the entity under an existing key.
func update(txn *badger.Txn, key []byte, entity interface{}) error {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: key %x", store.ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("could not check key: %w", err)
	}
	val, err := encode(entity)
	if err != nil {
		return err
	}
	return txn.Set(key, val)
}

func retrieve(txn *badger.Txn, key []byte, entity interface{}) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: key %x", store.ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("could not load data: %w", err)
	}
	return item.Value(func(val []byte) error {
		return decode(val, entity)
	})
}

// lookup collects the addresses stored as values under an index prefix, in
// key order.
func lookup(txn *badger.Txn, prefix []byte) ([]identity.Address, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []identity.Address
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var addr identity.Address
		err := it.Item().Value(func(val []byte) error {
			if len(val) != identity.Size {
				return fmt.Errorf("corrupt index entry under %x", it.Item().Key())
			}
			copy(addr[:], val)
			return nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func view[T any](s *Store, code byte, addr identity.Address) (T, error) {
	var out T
	err := s.db.View(func(txn *badger.Txn) error {
		return retrieve(txn, recordKey(code, addr), &out)
	})
	return out, err
}

func (s *Store) GetProfile(_ context.Context, addr identity.Address) (domain.Profile, error) {
	return view[domain.Profile](s, codeProfile, addr)
}

func (s *Store) GetAgreement(_ context.Context, addr identity.Address) (domain.Agreement, error) {
	return view[domain.Agreement](s, codeAgreement, addr)
}

func (s *Store) GetSlot(_ context.Context, addr identity.Address) (domain.SignatureSlot, error) {
	return view[domain.SignatureSlot](s, codeSlot, addr)
}

func (s *Store) GetSignature(_ context.Context, addr identity.Address) (domain.Signature, error) {
	return view[domain.Signature](s, codeSignature, addr)
}

func list[T any](s *Store, code byte, prefix []byte) ([]T, error) {
	out := []T{}
	err := s.db.View(func(txn *badger.Txn) error {
		addrs, err := lookup(txn, prefix)
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			var v T
			if err := retrieve(txn, recordKey(code, addr), &v); err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

func (s *Store) ListSlots(_ context.Context, agreement identity.Address) ([]domain.SignatureSlot, error) {
	return list[domain.SignatureSlot](s, codeSlot, makePrefix(codeSlotByAgreement, agreement.Bytes()))
}

func (s *Store) ListSignatures(_ context.Context, signer identity.Identity) ([]domain.Signature, error) {
	return list[domain.Signature](s, codeSignature, makePrefix(codeSignatureBySign, signer.Bytes()))
}

type tx struct {
	txn *badger.Txn
}

func (t *tx) GetProfile(_ context.Context, addr identity.Address) (domain.Profile, error) {
	var p domain.Profile
	err := retrieve(t.txn, recordKey(codeProfile, addr), &p)
	return p, err
}

func (t *tx) InsertProfile(_ context.Context, p domain.Profile) error {
	return insert(t.txn, recordKey(codeProfile, p.Address), p)
}

func (t *tx) PutProfile(_ context.Context, p domain.Profile) error {
	return update(t.txn, recordKey(codeProfile, p.Address), p)
}

func (t *tx) GetAgreement(_ context.Context, addr identity.Address) (domain.Agreement, error) {
	var a domain.Agreement
	err := retrieve(t.txn, recordKey(codeAgreement, addr), &a)
	return a, err
}

func (t *tx) InsertAgreement(_ context.Context, a domain.Agreement) error {
	return insert(t.txn, recordKey(codeAgreement, a.Address), a)
}

func (t *tx) PutAgreement(_ context.Context, a domain.Agreement) error {
	return update(t.txn, recordKey(codeAgreement, a.Address), a)
}

func (t *tx) GetSlot(_ context.Context, addr identity.Address) (domain.SignatureSlot, error) {
	var s domain.SignatureSlot
	err := retrieve(t.txn, recordKey(codeSlot, addr), &s)
	return s, err
}

func (t *tx) InsertSlot(_ context.Context, s domain.SignatureSlot) error {
	if err := insert(t.txn, recordKey(codeSlot, s.Address), s); err != nil {
		return err
	}
	return t.txn.Set(slotIndexKey(s.Agreement, s.Index), s.Address.Bytes())
}

func (t *tx) PutSlot(_ context.Context, s domain.SignatureSlot) error {
	return update(t.txn, recordKey(codeSlot, s.Address), s)
}

func (t *tx) InsertSignature(_ context.Context, s domain.Signature) error {
	if err := insert(t.txn, recordKey(codeSignature, s.Address), s); err != nil {
		return err
	}
	return t.txn.Set(signatureIndexKey(s.Signer, s.Sequence), s.Address.Bytes())
}
