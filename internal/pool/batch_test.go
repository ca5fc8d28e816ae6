package pool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/dsaq/internal/constants"
	"github.com/ehrlich-b/dsaq/internal/pool"
)

func TestBatchPoolSizingMatchesOperationCount(t *testing.T) {
	const numOps = 16
	bp := pool.NewBatchPool(numOps, constants.MinBatchFlush)
	require.Equal(t, numOps, bp.Cap(), "one batch slot per preallocated operation, mirroring idxd_batches_alloc")
}

func TestBatchFillsAndRejectsOverflow(t *testing.T) {
	bp := pool.NewBatchPool(1, 2)
	b, err := bp.Get()
	require.NoError(t, err)

	_, err = b.Prepare(nil, nil, 0)
	require.NoError(t, err)
	_, err = b.Prepare(nil, nil, 0)
	require.NoError(t, err)

	_, err = b.Prepare(nil, nil, 0)
	require.ErrorIs(t, err, pool.ErrBatchFull)
}

func TestBatchRollbackReturnsSlots(t *testing.T) {
	bp := pool.NewBatchPool(1, 4)
	b, err := bp.Get()
	require.NoError(t, err)

	_, err = b.Prepare(nil, nil, 0)
	require.NoError(t, err)
	_, err = b.Prepare(nil, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 2, b.Len())

	b.Rollback(1)
	require.Equal(t, 1, b.Len())

	_, err = b.Prepare(nil, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 2, b.Len())
}

func TestBatchRollbackClampsAtZero(t *testing.T) {
	bp := pool.NewBatchPool(1, 4)
	b, err := bp.Get()
	require.NoError(t, err)

	b.Rollback(5)
	require.Equal(t, 0, b.Len())
}

func TestMarkSubmittedBlocksFurtherPrepare(t *testing.T) {
	bp := pool.NewBatchPool(1, 2)
	b, err := bp.Get()
	require.NoError(t, err)

	_, err = b.Prepare(nil, nil, 0)
	require.NoError(t, err)
	b.MarkSubmitted()
	require.True(t, b.Submitted())

	_, err = b.Prepare(nil, nil, 0)
	require.ErrorIs(t, err, pool.ErrBatchAlreadySubmitted)
}

func TestBatchPoolExhaustionAndReturn(t *testing.T) {
	bp := pool.NewBatchPool(1, 2)
	require.Equal(t, 1, bp.FreeLen())

	b, err := bp.Get()
	require.NoError(t, err)
	require.Equal(t, 0, bp.FreeLen())

	_, err = bp.Get()
	require.ErrorIs(t, err, pool.ErrPoolExhausted)

	bp.Put(b)
	require.Equal(t, 1, bp.FreeLen())
}

func TestBatchRefcountTracksOutstandingChildren(t *testing.T) {
	bp := pool.NewBatchPool(1, 4)
	b, err := bp.Get()
	require.NoError(t, err)

	require.Equal(t, 3, b.AddRefcount(3))
	require.Equal(t, 2, b.AddRefcount(-1))
	require.Equal(t, 0, b.AddRefcount(-2))
	require.Equal(t, 0, b.Refcount())
}

func TestGetResetsIndexAndRefcount(t *testing.T) {
	bp := pool.NewBatchPool(1, 4)
	b, err := bp.Get()
	require.NoError(t, err)

	_, err = b.Prepare(nil, nil, 0)
	require.NoError(t, err)
	b.AddRefcount(1)
	bp.Put(b)

	b2, err := bp.Get()
	require.NoError(t, err)
	require.Equal(t, 0, b2.Len())
	require.Equal(t, 0, b2.Refcount())
}
