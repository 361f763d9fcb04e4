package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/attic/internal/store"
	"github.com/mesh-intelligence/attic/internal/store/storetest"
	"github.com/mesh-intelligence/attic/pkg/types"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend { return New() })
}

func TestTxFinished(t *testing.T) {
	ctx := context.Background()
	b := New()
	tx, err := b.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.ErrorIs(t, tx.Commit(), types.ErrValidation)
	assert.NoError(t, tx.Rollback())
	_, err = tx.Object(ctx, "x")
	assert.ErrorIs(t, err, types.ErrValidation)

	// The lock was released by Commit.
	_, err = b.Schemes(ctx)
	assert.NoError(t, err)
}

func TestBeginCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Begin(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBeginClosed(t *testing.T) {
	b := New()
	require.NoError(t, b.Close())
	_, err := b.Begin(context.Background())
	assert.ErrorIs(t, err, types.ErrStoreClosed)
}
