package consensus

import (
	"context"
	"errors"
	"time"

	"github.com/cometbft/cometbft/libs/log"
)

/*
================================================================================
                         TX REACTOR
================================================================================

  Client        Reactor           TxSink (실행 노드)     Peers
    │              │                 │                     │
    │ BroadcastTx  │                 │                     │
    │ ────────────►│ 배치 큐          │                     │
    │              │ ── TX(batch) ───┼────────────────────►│
    │              │                 │                     │
    │              │◄── TX(batch) ───┼─────────────────────│
    │              │   SubmitTx      │                     │
    │              │ ───────────────►│ (재전파 없음)          │

================================================================================
*/

// ErrTxQueueFull is returned when the gossip queue cannot take more txs.
var ErrTxQueueFull = errors.New("tx gossip queue is full")

// TxSink accepts transactions gossiped by peers.
type TxSink interface {
	SubmitTx(ctx context.Context, tx []byte) error
}

// ReactorConfig configures tx gossip.
type ReactorConfig struct {
	BroadcastDelay    time.Duration // 배치 지연
	MaxBroadcastBatch int           // 메시지당 최대 tx 수
	MaxPendingTxs     int           // 전파/수신 대기 최대 tx 수
}

// DefaultReactorConfig returns the default tx gossip settings.
func DefaultReactorConfig() ReactorConfig {
	return ReactorConfig{
		BroadcastDelay:    10 * time.Millisecond,
		MaxBroadcastBatch: 100,
		MaxPendingTxs:     10000,
	}
}

type txReactor struct {
	cfg       ReactorConfig
	sink      TxSink
	broadcast func(*Message)
	logger    log.Logger

	outbound chan []byte
	inbound  chan [][]byte
}

func newTxReactor(cfg ReactorConfig, sink TxSink, broadcast func(*Message), logger log.Logger) *txReactor {
	return &txReactor{
		cfg:       cfg,
		sink:      sink,
		broadcast: broadcast,
		logger:    logger,
		outbound:  make(chan []byte, cfg.MaxPendingTxs),
		inbound:   make(chan [][]byte, cfg.MaxPendingTxs/cfg.MaxBroadcastBatch+1),
	}
}

// queue schedules tx for gossip.
func (r *txReactor) queue(tx []byte) error {
	select {
	case r.outbound <- tx:
		return nil
	default:
		return ErrTxQueueFull
	}
}

// receive hands a peer's batch to the sink without blocking the caller.
func (r *txReactor) receive(txs [][]byte) {
	if r.sink == nil {
		return
	}
	select {
	case r.inbound <- txs:
	default:
		r.logger.Debug("Tx inbound queue full; dropping batch", "txs", len(txs))
	}
}

func (r *txReactor) run(ctx context.Context) {
	var batch [][]byte
	ticker := time.NewTicker(r.cfg.BroadcastDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case tx := <-r.outbound:
			batch = append(batch, tx)
			if len(batch) >= r.cfg.MaxBroadcastBatch {
				r.broadcast(NewTxMessage(batch))
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.broadcast(NewTxMessage(batch))
				batch = nil
			}

		case txs := <-r.inbound:
			r.apply(ctx, txs)
		}
	}
}

func (r *txReactor) apply(ctx context.Context, txs [][]byte) {
	added := 0
	for _, tx := range txs {
		// 이미 있는 tx 또는 거부된 tx는 정상
		if err := r.sink.SubmitTx(ctx, tx); err != nil {
			r.logger.Debug("Gossiped tx not added", "err", err)
			continue
		}
		added++
	}
	if added > 0 {
		r.logger.Debug("Added gossiped txs", "count", added)
	}
}
