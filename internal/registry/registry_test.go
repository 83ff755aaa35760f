package registry

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenzoki/rpcserver/internal/rpcerr"
)

func TestInsertRejectsDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Insert(1, Record{ClientAddress: "Q1", Cancel: func() {}}))
	assert.Error(t, r.Insert(1, Record{ClientAddress: "Q1", Cancel: func() {}}))
}

func TestInvalidateFiresCancelExactlyOnce(t *testing.T) {
	r := New()
	var calls int32
	require.NoError(t, r.Insert(1, Record{ClientAddress: "Q1", Cancel: func() { atomic.AddInt32(&calls, 1) }}))

	r.Invalidate([]uint64{1})
	r.Invalidate([]uint64{1})

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, 0, r.Len())
}

func TestInvalidateUnknownIDIsNoOp(t *testing.T) {
	r := New()
	r.Invalidate([]uint64{42})
	assert.Equal(t, 0, r.Len())
}

func TestInvalidateAll(t *testing.T) {
	r := New()
	var calls int32
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, r.Insert(i, Record{ClientAddress: "Q1", Cancel: func() { atomic.AddInt32(&calls, 1) }}))
	}

	r.InvalidateAll()

	assert.EqualValues(t, 5, atomic.LoadInt32(&calls))
	assert.Equal(t, 0, r.Len())
}

func TestCloseRejectsFurtherInserts(t *testing.T) {
	r := New()
	r.Close()

	err := r.Insert(1, Record{ClientAddress: "Q1", Cancel: func() {}})
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.KindLifecycle))
}

func TestSnapshotReflectsClientAddresses(t *testing.T) {
	r := New()
	require.NoError(t, r.Insert(1, Record{ClientAddress: "Q1", Cancel: func() {}}))
	require.NoError(t, r.Insert(2, Record{ClientAddress: "Q2", Cancel: func() {}}))

	snap := r.Snapshot()
	assert.Equal(t, "Q1", snap[1])
	assert.Equal(t, "Q2", snap[2])
}

func TestConcurrentInsertAndInvalidate(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := uint64(0); i < 100; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			r.Insert(id, Record{ClientAddress: "Q1", Cancel: func() {}})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 100, r.Len())

	ids := make([]uint64, 100)
	for i := range ids {
		ids[i] = uint64(i)
	}
	r.Invalidate(ids)
	assert.Equal(t, 0, r.Len())
}
