package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(t *testing.T) harvest.RecordStore {
		return New()
	})
}

func TestClosedStoreRejectsUse(t *testing.T) {
	t.Parallel()

	rs := New()
	require.NoError(t, rs.Close())

	_, err := rs.Stats(context.Background())
	require.Error(t, err)
	err = rs.Update(context.Background(), func(harvest.Tx) error { return nil })
	require.Error(t, err)
}

func TestUpdateHonoursCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := New().Update(ctx, func(harvest.Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)
}
