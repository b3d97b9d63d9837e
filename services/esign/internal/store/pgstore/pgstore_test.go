package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zksig/esign/pkg/db"
	"github.com/zksig/esign/services/esign/internal/store"
	"github.com/zksig/esign/services/esign/internal/store/storetest"
)

func TestPgStore(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		pool, err := db.Connect(ctx, db.Config{})
		require.NoError(t, err)
		st := New(pool)
		require.NoError(t, st.Migrate(ctx))
		_, err = pool.Exec(ctx, `TRUNCATE esign_signatures, esign_slots, esign_agreements, esign_profiles`)
		require.NoError(t, err)
		return st
	})
}
