// Package storetest holds the behavioural suite every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zksig/esign/pkg/domain"
	"github.com/zksig/esign/pkg/identity"
	"github.com/zksig/esign/services/esign/internal/store"
)

// Identity returns a deterministic identity filled with b.
func Identity(b byte) identity.Identity {
	var id identity.Identity
	for i := range id {
		id[i] = b
	}
	return id
}

// Run executes the suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, newStore(t)) })
	t.Run("InsertDuplicate", func(t *testing.T) { testInsertDuplicate(t, newStore(t)) })
	t.Run("PutMissing", func(t *testing.T) { testPutMissing(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollbackOnError(t, newStore(t)) })
	t.Run("ReadYourWrites", func(t *testing.T) { testReadYourWrites(t, newStore(t)) })
	t.Run("ListOrdering", func(t *testing.T) { testListOrdering(t, newStore(t)) })
	t.Run("ConcurrentCounter", func(t *testing.T) { testConcurrentCounter(t, newStore(t)) })
	t.Run("ConcurrentSlotConsumption", func(t *testing.T) { testConcurrentSlotConsumption(t, newStore(t)) })
}

func seed(t *testing.T, st store.Store, total uint8) (domain.Profile, domain.Agreement) {
	t.Helper()
	ctx := context.Background()
	p := domain.NewProfile(Identity(1))
	a, err := domain.NewAgreement(&p, domain.AgreementParams{Identifier: "doc", CID: "cid", TotalPackets: total})
	require.NoError(t, err)
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertProfile(ctx, p); err != nil {
			return err
		}
		return tx.InsertAgreement(ctx, a)
	}))
	return p, a
}

func testInsertAndGet(t *testing.T, st store.Store) {
	defer st.Close()
	ctx := context.Background()
	p, a := seed(t, st, 2)

	gotP, err := st.GetProfile(ctx, p.Address)
	require.NoError(t, err)
	require.Equal(t, p, gotP)
	gotA, err := st.GetAgreement(ctx, a.Address)
	require.NoError(t, err)
	require.Equal(t, a, gotA)

	alice := Identity(2)
	slot, err := domain.NewSignatureSlot(&a, "manager", &alice)
	require.NoError(t, err)
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertSlot(ctx, slot); err != nil {
			return err
		}
		return tx.PutAgreement(ctx, a)
	}))
	gotS, err := st.GetSlot(ctx, slot.Address)
	require.NoError(t, err)
	require.Equal(t, slot, gotS)

	_, err = st.GetSlot(ctx, domain.SlotAddress(a.Address, "missing"))
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetSignature(ctx, domain.SignatureAddress(alice, 0))
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testInsertDuplicate(t *testing.T, st store.Store) {
	defer st.Close()
	ctx := context.Background()
	p, _ := seed(t, st, 1)

	err := st.Update(ctx, func(tx store.Tx) error {
		return tx.InsertProfile(ctx, domain.NewProfile(p.Owner))
	})
	require.ErrorIs(t, err, store.ErrAlreadyExists)
}

func testPutMissing(t *testing.T, st store.Store) {
	defer st.Close()
	ctx := context.Background()
	err := st.Update(ctx, func(tx store.Tx) error {
		return tx.PutProfile(ctx, domain.NewProfile(Identity(9)))
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testRollbackOnError(t *testing.T, st store.Store) {
	defer st.Close()
	ctx := context.Background()
	p, a := seed(t, st, 2)
	boom := errors.New("boom")

	err := st.Update(ctx, func(tx store.Tx) error {
		agreement, err := tx.GetAgreement(ctx, a.Address)
		if err != nil {
			return err
		}
		if err := agreement.AddSigner(); err != nil {
			return err
		}
		if err := tx.PutAgreement(ctx, agreement); err != nil {
			return err
		}
		profile, err := tx.GetProfile(ctx, p.Address)
		if err != nil {
			return err
		}
		profile.AddSignature()
		if err := tx.PutProfile(ctx, profile); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	gotA, err := st.GetAgreement(ctx, a.Address)
	require.NoError(t, err)
	require.Equal(t, uint8(0), gotA.SignedPackets)
	gotP, err := st.GetProfile(ctx, p.Address)
	require.NoError(t, err)
	require.Equal(t, uint32(0), gotP.SignaturesCount)
}

func testReadYourWrites(t *testing.T, st store.Store) {
	defer st.Close()
	ctx := context.Background()
	owner := Identity(5)
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		p := domain.NewProfile(owner)
		if err := tx.InsertProfile(ctx, p); err != nil {
			return err
		}
		got, err := tx.GetProfile(ctx, p.Address)
		if err != nil {
			return err
		}
		got.AddAgreement()
		if err := tx.PutProfile(ctx, got); err != nil {
			return err
		}
		again, err := tx.GetProfile(ctx, p.Address)
		if err != nil {
			return err
		}
		require.Equal(t, uint32(1), again.AgreementsCount)
		return nil
	}))
	got, err := st.GetProfile(ctx, domain.ProfileAddress(owner))
	require.NoError(t, err)
	require.Equal(t, uint32(1), got.AgreementsCount)
}

func testListOrdering(t *testing.T, st store.Store) {
	defer st.Close()
	ctx := context.Background()
	_, a := seed(t, st, 3)
	ids := []string{"zeta", "alpha", "mid"}
	var slots []domain.SignatureSlot
	for _, id := range ids {
		slot, err := domain.NewSignatureSlot(&a, id, nil)
		require.NoError(t, err)
		slots = append(slots, slot)
	}
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		for _, s := range slots {
			if err := tx.InsertSlot(ctx, s); err != nil {
				return err
			}
		}
		return tx.PutAgreement(ctx, a)
	}))

	got, err := st.ListSlots(ctx, a.Address)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, s := range got {
		require.Equal(t, uint8(i), s.Index)
		require.Equal(t, ids[i], s.Identifier)
	}

	empty, err := st.ListSlots(ctx, domain.AgreementAddress(a.Profile, 99))
	require.NoError(t, err)
	require.Empty(t, empty)

	signer := Identity(3)
	sp := domain.NewProfile(signer)
	var sigs []domain.Signature
	for i := range slots {
		require.NoError(t, slots[i].Sign(signer, ""))
		sigs = append(sigs, domain.NewSignature(&sp, slots[i]))
	}
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		for i := len(sigs) - 1; i >= 0; i-- {
			if err := tx.InsertSignature(ctx, sigs[i]); err != nil {
				return err
			}
		}
		return nil
	}))
	gotSigs, err := st.ListSignatures(ctx, signer)
	require.NoError(t, err)
	require.Len(t, gotSigs, 3)
	for i, s := range gotSigs {
		require.Equal(t, uint32(i), s.Sequence)
	}
	one, err := st.GetSignature(ctx, sigs[1].Address)
	require.NoError(t, err)
	require.Equal(t, sigs[1], one)

	none, err := st.ListSignatures(ctx, Identity(4))
	require.NoError(t, err)
	require.Empty(t, none)
}

func testConcurrentCounter(t *testing.T, st store.Store) {
	defer st.Close()
	ctx := context.Background()
	p, _ := seed(t, st, 1)

	const workers, rounds = 4, 10
	var wg sync.WaitGroup
	errs := make(chan error, workers*rounds)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				errs <- st.Update(ctx, func(tx store.Tx) error {
					got, err := tx.GetProfile(ctx, p.Address)
					if err != nil {
						return err
					}
					got.AddSignature()
					return tx.PutProfile(ctx, got)
				})
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	got, err := st.GetProfile(ctx, p.Address)
	require.NoError(t, err)
	require.Equal(t, uint32(workers*rounds), got.SignaturesCount)
}

func testConcurrentSlotConsumption(t *testing.T, st store.Store) {
	defer st.Close()
	ctx := context.Background()
	_, a := seed(t, st, 1)
	slot, err := domain.NewSignatureSlot(&a, "open", nil)
	require.NoError(t, err)
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertSlot(ctx, slot); err != nil {
			return err
		}
		return tx.PutAgreement(ctx, a)
	}))

	const signers = 8
	var wg sync.WaitGroup
	results := make(chan error, signers)
	for i := 0; i < signers; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			results <- st.Update(ctx, func(tx store.Tx) error {
				s, err := tx.GetSlot(ctx, slot.Address)
				if err != nil {
					return err
				}
				if err := s.Sign(Identity(b), ""); err != nil {
					return err
				}
				return tx.PutSlot(ctx, s)
			})
		}(byte(10 + i))
	}
	wg.Wait()
	close(results)

	var ok, used int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrUsedConstraint):
			used++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, signers-1, used)
}
