package execution

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxPoolFIFO(t *testing.T) {
	pool := NewTxPool(DefaultPoolConfig())
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Add([]byte(fmt.Sprintf("tx-%d", i))))
	}

	txs := pool.Reap(3, 0)
	require.Len(t, txs, 3)
	for i, tx := range txs {
		assert.Equal(t, fmt.Sprintf("tx-%d", i), string(tx))
	}

	// Reap은 풀을 비우지 않음
	assert.Equal(t, 5, pool.Size())

	// 바이트 제한
	assert.Len(t, pool.Reap(0, 8), 2)
}

func TestTxPoolRejects(t *testing.T) {
	pool := NewTxPool(PoolConfig{MaxTxs: 2, MaxTxBytes: 4, CacheSize: 10})

	assert.ErrorIs(t, pool.Add(nil), ErrEmptyTx)
	assert.ErrorIs(t, pool.Add([]byte("12345")), ErrTxTooLarge)

	require.NoError(t, pool.Add([]byte("a")))
	assert.ErrorIs(t, pool.Add([]byte("a")), ErrTxAlreadyExists)

	require.NoError(t, pool.Add([]byte("b")))
	assert.ErrorIs(t, pool.Add([]byte("c")), ErrPoolFull)
}

func TestTxPoolUpdate(t *testing.T) {
	pool := NewTxPool(PoolConfig{CacheSize: 1})
	require.NoError(t, pool.Add([]byte("a")))
	require.NoError(t, pool.Add([]byte("b")))
	require.NoError(t, pool.Add([]byte("c")))

	pool.Update(1, [][]byte{[]byte("b")})
	assert.Equal(t, uint64(1), pool.Height())
	assert.Equal(t, 2, pool.Size())
	assert.Equal(t, int64(2), pool.SizeBytes())
	assert.False(t, pool.Has([]byte("b")))
	assert.Equal(t, [][]byte{[]byte("a"), []byte("c")}, pool.Reap(0, 0))

	// committed txs cannot be resubmitted while cached
	assert.ErrorIs(t, pool.Add([]byte("b")), ErrTxAlreadyExists)

	// the cache holds one entry, so committing "a" evicts "b"
	pool.Update(2, [][]byte{[]byte("a")})
	require.NoError(t, pool.Add([]byte("b")))
	assert.ErrorIs(t, pool.Add([]byte("a")), ErrTxAlreadyExists)
}
