// Package memstore is an in-memory store.Store using optimistic concurrency:
// transactions record the version of every record they read and commit only
// if none of those versions moved.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zksig/esign/pkg/domain"
	"github.com/zksig/esign/pkg/identity"
	"github.com/zksig/esign/services/esign/internal/store"
)

type kind uint8

const (
	kindProfile kind = iota + 1
	kindAgreement
	kindSlot
	kindSignature
)

func (k kind) String() string {
	switch k {
	case kindProfile:
		return "profile"
	case kindAgreement:
		return "agreement"
	case kindSlot:
		return "slot"
	case kindSignature:
		return "signature"
	}
	return "unknown"
}

type key struct {
	kind kind
	addr identity.Address
}

type entry struct {
	version uint64
	value   any
}

// Store keeps records in memory.
type Store struct {
	mu          sync.RWMutex
	records     map[key]entry
	clock       uint64
	maxAttempts int
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{records: make(map[key]entry), maxAttempts: store.DefaultMaxAttempts}
}

func (s *Store) Close() error { return nil }

// Update runs fn against a private write set and commits it only if no
// record it read changed meanwhile.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	return store.Retry(ctx, s.maxAttempts, func() error {
		tx := &txn{s: s, reads: make(map[key]uint64), writes: make(map[key]any)}
		if err := fn(tx); err != nil {
			return err
		}
		return s.commit(tx)
	})
}

func (s *Store) commit(tx *txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range tx.reads {
		if s.records[k].version != v {
			return fmt.Errorf("%w: %s %s", store.ErrConflict, k.kind, k.addr)
		}
	}
	for k, v := range tx.writes {
		s.clock++
		s.records[k] = entry{version: s.clock, value: v}
	}
	return nil
}

func (s *Store) load(k key) (entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[k]
	return e, ok
}

func get[T any](s *Store, k key) (T, error) {
	var zero T
	e, ok := s.load(k)
	if !ok {
		return zero, fmt.Errorf("%w: %s %s", store.ErrNotFound, k.kind, k.addr)
	}
	return e.value.(T), nil
}

func (s *Store) GetProfile(_ context.Context, addr identity.Address) (domain.Profile, error) {
	return get[domain.Profile](s, key{kindProfile, addr})
}

func (s *Store) GetAgreement(_ context.Context, addr identity.Address) (domain.Agreement, error) {
	return get[domain.Agreement](s, key{kindAgreement, addr})
}

func (s *Store) GetSlot(_ context.Context, addr identity.Address) (domain.SignatureSlot, error) {
	return get[domain.SignatureSlot](s, key{kindSlot, addr})
}

func (s *Store) GetSignature(_ context.Context, addr identity.Address) (domain.Signature, error) {
	return get[domain.Signature](s, key{kindSignature, addr})
}

func (s *Store) ListSlots(_ context.Context, agreement identity.Address) ([]domain.SignatureSlot, error) {
	s.mu.RLock()
	out := []domain.SignatureSlot{}
	for k, e := range s.records {
		if k.kind != kindSlot {
			continue
		}
		if slot := e.value.(domain.SignatureSlot); slot.Agreement == agreement {
			out = append(out, slot)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *Store) ListSignatures(_ context.Context, signer identity.Identity) ([]domain.Signature, error) {
	s.mu.RLock()
	out := []domain.Signature{}
	for k, e := range s.records {
		if k.kind != kindSignature {
			continue
		}
		if sig := e.value.(domain.Signature); sig.Signer == signer {
			out = append(out, sig)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

type txn struct {
	s      *Store
	reads  map[key]uint64
	writes map[key]any
}

// observe returns the value visible to the transaction and remembers the
// committed version it was based on.
func (t *txn) observe(k key) (any, bool) {
	if v, ok := t.writes[k]; ok {
		return v, true
	}
	e, ok := t.s.load(k)
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = e.version
	}
	if !ok {
		return nil, false
	}
	return e.value, true
}

func txGet[T any](t *txn, k key) (T, error) {
	var zero T
	v, ok := t.observe(k)
	if !ok {
		return zero, fmt.Errorf("%w: %s %s", store.ErrNotFound, k.kind, k.addr)
	}
	return v.(T), nil
}

func (t *txn) insert(k key, v any) error {
	if _, ok := t.observe(k); ok {
		return fmt.Errorf("%w: %s %s", store.ErrAlreadyExists, k.kind, k.addr)
	}
	t.writes[k] = v
	return nil
}

func (t *txn) put(k key, v any) error {
	if _, ok := t.observe(k); !ok {
		return fmt.Errorf("%w: %s %s", store.ErrNotFound, k.kind, k.addr)
	}
	t.writes[k] = v
	return nil
}

func (t *txn) GetProfile(_ context.Context, addr identity.Address) (domain.Profile, error) {
	return txGet[domain.Profile](t, key{kindProfile, addr})
}

func (t *txn) InsertProfile(_ context.Context, p domain.Profile) error {
	return t.insert(key{kindProfile, p.Address}, p)
}

func (t *txn) PutProfile(_ context.Context, p domain.Profile) error {
	return t.put(key{kindProfile, p.Address}, p)
}

func (t *txn) GetAgreement(_ context.Context, addr identity.Address) (domain.Agreement, error) {
	return txGet[domain.Agreement](t, key{kindAgreement, addr})
}

func (t *txn) InsertAgreement(_ context.Context, a domain.Agreement) error {
	return t.insert(key{kindAgreement, a.Address}, a)
}

func (t *txn) PutAgreement(_ context.Context, a domain.Agreement) error {
	return t.put(key{kindAgreement, a.Address}, a)
}

func (t *txn) GetSlot(_ context.Context, addr identity.Address) (domain.SignatureSlot, error) {
	return txGet[domain.SignatureSlot](t, key{kindSlot, addr})
}

func (t *txn) InsertSlot(_ context.Context, s domain.SignatureSlot) error {
	return t.insert(key{kindSlot, s.Address}, s)
}

func (t *txn) PutSlot(_ context.Context, s domain.SignatureSlot) error {
	return t.put(key{kindSlot, s.Address}, s)
}

func (t *txn) InsertSignature(_ context.Context, s domain.Signature) error {
	return t.insert(key{kindSignature, s.Address}, s)
}
