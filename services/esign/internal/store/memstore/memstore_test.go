package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zksig/esign/pkg/domain"
	"github.com/zksig/esign/services/esign/internal/store"
	"github.com/zksig/esign/services/esign/internal/store/storetest"
)

func TestMemStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestCommitDetectsStaleRead(t *testing.T) {
	ctx := context.Background()
	st := New()
	st.maxAttempts = 1
	p := domain.NewProfile(storetest.Identity(1))
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error { return tx.InsertProfile(ctx, p) }))

	err := st.Update(ctx, func(tx store.Tx) error {
		got, err := tx.GetProfile(ctx, p.Address)
		if err != nil {
			return err
		}
		// a competing transaction commits between our read and our commit
		st.mu.Lock()
		st.clock++
		e := st.records[key{kindProfile, p.Address}]
		e.version = st.clock
		st.records[key{kindProfile, p.Address}] = e
		st.mu.Unlock()

		got.AddAgreement()
		return tx.PutProfile(ctx, got)
	})
	require.ErrorIs(t, err, store.ErrConflict)

	got, err := st.GetProfile(ctx, p.Address)
	require.NoError(t, err)
	require.Equal(t, uint32(0), got.AgreementsCount)
}
