package sessionpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenzoki/rpcserver/internal/rpcerr"
	"github.com/tenzoki/rpcserver/internal/transport"
	"github.com/tenzoki/rpcserver/internal/transport/memory"
)

func TestClaimStickyReturnsSameSlotForSameKey(t *testing.T) {
	broker := memory.NewBroker()
	pool, err := New(broker, 4)
	require.NoError(t, err)
	defer pool.Close()

	pair1, err := pool.ClaimSticky("request-7")
	require.NoError(t, err)
	slot1 := pair1.slot
	pair1.Release()

	pair2, err := pool.ClaimSticky("request-7")
	require.NoError(t, err)
	defer pair2.Release()

	assert.Same(t, slot1, pair2.slot)
}

func TestClaimAfterCloseFails(t *testing.T) {
	broker := memory.NewBroker()
	pool, err := New(broker, 2)
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	_, err = pool.Claim()
	require.Error(t, err)
	assert.True(t, rpcerr.Is(err, rpcerr.KindLifecycle))

	_, err = pool.ClaimSticky("k")
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	broker := memory.NewBroker()
	pool, err := New(broker, 1)
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())
}

func TestPairSerializesConcurrentUse(t *testing.T) {
	broker := memory.NewBroker()
	pool, err := New(broker, 1)
	require.NoError(t, err)
	defer pool.Close()

	var active int32
	var maxActive int32
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pair, err := pool.ClaimSticky("same-key")
			require.NoError(t, err)
			defer pair.Release()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()

			_ = pair.Send(context.Background(), transport.NewFrame("Q1", nil))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxActive)
}

func TestClaimRoundRobins(t *testing.T) {
	broker := memory.NewBroker()
	pool, err := New(broker, 2)
	require.NoError(t, err)
	defer pool.Close()

	pair1, err := pool.Claim()
	require.NoError(t, err)
	slot1 := pair1.slot
	pair1.Release()

	pair2, err := pool.Claim()
	require.NoError(t, err)
	defer pair2.Release()

	assert.NotSame(t, slot1, pair2.slot)
}
