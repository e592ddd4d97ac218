package execution

import (
	"errors"
	"fmt"
	"sync"

	cmttypes "github.com/cometbft/cometbft/types"
)

var (
	ErrTxAlreadyExists = errors.New("transaction already exists in pool")
	ErrPoolFull        = errors.New("transaction pool is full")
	ErrTxTooLarge      = errors.New("transaction too large")
	ErrEmptyTx         = errors.New("transaction is empty")
)

// PoolConfig bounds the transaction pool.
type PoolConfig struct {
	MaxTxs     int   `mapstructure:"max_txs"`
	MaxBytes   int64 `mapstructure:"max_bytes"`
	MaxTxBytes int   `mapstructure:"max_tx_bytes"`
	// 최근 커밋된 tx 해시 캐시 크기 (재제출 방지)
	CacheSize int `mapstructure:"cache_size"`
}

// DefaultPoolConfig returns the default pool limits.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxTxs:     5000,
		MaxBytes:   64 * 1024 * 1024,
		MaxTxBytes: 1024 * 1024,
		CacheSize:  10000,
	}
}

// TxPool holds transactions waiting for a block in arrival order.
// Ordering and filtering beyond FIFO is left to PrepareProposal.
type TxPool struct {
	mu sync.RWMutex

	config PoolConfig

	queue   []cmttypes.TxKey
	txs     map[cmttypes.TxKey][]byte
	txBytes int64
	height  uint64

	// 커밋된 tx 링 버퍼
	committed     map[cmttypes.TxKey]struct{}
	committedRing []cmttypes.TxKey
	ringPos       int
}

// NewTxPool creates an empty pool.
func NewTxPool(config PoolConfig) *TxPool {
	return &TxPool{
		config:    config,
		txs:       make(map[cmttypes.TxKey][]byte),
		committed: make(map[cmttypes.TxKey]struct{}),
	}
}

// Add appends tx to the pool.
func (p *TxPool) Add(tx []byte) error {
	if len(tx) == 0 {
		return ErrEmptyTx
	}
	if p.config.MaxTxBytes > 0 && len(tx) > p.config.MaxTxBytes {
		return fmt.Errorf("%w: size %d > max %d", ErrTxTooLarge, len(tx), p.config.MaxTxBytes)
	}

	key := cmttypes.Tx(tx).Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.txs[key]; ok {
		return ErrTxAlreadyExists
	}
	if _, ok := p.committed[key]; ok {
		return ErrTxAlreadyExists
	}
	if p.config.MaxTxs > 0 && len(p.txs) >= p.config.MaxTxs {
		return ErrPoolFull
	}
	if p.config.MaxBytes > 0 && p.txBytes+int64(len(tx)) > p.config.MaxBytes {
		return ErrPoolFull
	}

	stored := make([]byte, len(tx))
	copy(stored, tx)
	p.txs[key] = stored
	p.queue = append(p.queue, key)
	p.txBytes += int64(len(tx))
	return nil
}

// Reap returns up to maxTxs transactions totalling at most maxBytes, in
// arrival order. Non-positive limits mean unbounded. The pool is unchanged.
func (p *TxPool) Reap(maxTxs int, maxBytes int64) [][]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var (
		out   [][]byte
		total int64
	)
	for _, key := range p.queue {
		if maxTxs > 0 && len(out) >= maxTxs {
			break
		}
		tx := p.txs[key]
		if maxBytes > 0 && total+int64(len(tx)) > maxBytes {
			break
		}
		total += int64(len(tx))
		out = append(out, tx)
	}
	return out
}

// Update removes the transactions committed at height.
func (p *TxPool) Update(height uint64, committed [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.height = height
	if len(committed) == 0 {
		return
	}

	for _, tx := range committed {
		key := cmttypes.Tx(tx).Key()
		if stored, ok := p.txs[key]; ok {
			p.txBytes -= int64(len(stored))
			delete(p.txs, key)
		}
		p.rememberLocked(key)
	}

	queue := p.queue[:0]
	for _, key := range p.queue {
		if _, ok := p.txs[key]; ok {
			queue = append(queue, key)
		}
	}
	p.queue = queue
}

func (p *TxPool) rememberLocked(key cmttypes.TxKey) {
	if p.config.CacheSize <= 0 {
		return
	}
	if _, ok := p.committed[key]; ok {
		return
	}
	if len(p.committedRing) < p.config.CacheSize {
		p.committedRing = append(p.committedRing, key)
	} else {
		delete(p.committed, p.committedRing[p.ringPos])
		p.committedRing[p.ringPos] = key
		p.ringPos = (p.ringPos + 1) % p.config.CacheSize
	}
	p.committed[key] = struct{}{}
}

// Has reports whether tx is waiting in the pool.
func (p *TxPool) Has(tx []byte) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.txs[cmttypes.Tx(tx).Key()]
	return ok
}

// Size returns the number of pending transactions.
func (p *TxPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// SizeBytes returns the total size of pending transactions.
func (p *TxPool) SizeBytes() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.txBytes
}

// Height returns the height of the last Update.
func (p *TxPool) Height() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.height
}
