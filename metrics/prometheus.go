// Package metrics provides Prometheus metrics for the bridge and the HTTP
// server exposing them.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Shutdown sources reported by RecordShutdown.
const (
	SourceExecutionNode   = "execution-node"
	SourceConsensusEngine = "consensus-engine"
	SourceInterrupt       = "interrupt"
)

// Metrics holds all Prometheus metrics of a bridge node.
type Metrics struct {
	registry *prometheus.Registry

	// Bridge metrics
	proposalsTotal    prometheus.Counter     // 제안한 블록 수
	validationsTotal  *prometheus.CounterVec // 결과별 검증 수
	commitsTotal      prometheus.Counter     // 커밋된 블록 수
	blockHeight       prometheus.Gauge       // 마지막 커밋 높이
	commitDuration    prometheus.Histogram   // ForkchoiceUpdated + 저장 시간
	executionErrors   *prometheus.CounterVec // 실행 단계별 에러
	transactionsTotal prometheus.Counter     // 커밋된 트랜잭션 수

	// Consensus engine metrics
	currentRound          prometheus.Gauge
	roundDuration         prometheus.Histogram
	messagesSentTotal     *prometheus.CounterVec
	messagesReceivedTotal *prometheus.CounterVec

	// Lifecycle metrics
	shutdownsTotal    *prometheus.CounterVec
	schemaErrorsTotal prometheus.Counter

	mu              sync.Mutex
	roundStartTimes map[uint64]time.Time
}

// NewMetrics creates the metrics and registers them on reg.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry:        reg,
		roundStartTimes: make(map[uint64]time.Time),
	}

	m.proposalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proposals_total",
		Help:      "Total number of blocks proposed by this node",
	})

	m.validationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "validations_total",
		Help:      "Total number of proposed blocks validated, by result",
	}, []string{"result"})

	m.commitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commits_total",
		Help:      "Total number of decided blocks applied to execution",
	})

	m.blockHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "block_height",
		Help:      "Height of the last committed block",
	})

	m.commitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "commit_duration_seconds",
		Help:      "Time to apply and persist a decided block",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	m.executionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "execution_errors_total",
		Help:      "Execution layer errors by operation",
	}, []string{"op"})

	m.transactionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_total",
		Help:      "Total number of transactions in committed blocks",
	})

	m.currentRound = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "consensus_round",
		Help:      "Current consensus round at the current height",
	})

	m.roundDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "consensus_height_duration_seconds",
		Help:      "Time from entering a height to committing it",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	})

	m.messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Total number of consensus messages sent by type",
	}, []string{"type"})

	m.messagesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Total number of consensus messages received by type",
	}, []string{"type"})

	m.shutdownsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shutdowns_total",
		Help:      "Shutdowns by triggering source",
	}, []string{"source"})

	m.schemaErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "schema_errors_total",
		Help:      "Consensus table bootstrap failures",
	})

	reg.MustRegister(
		m.proposalsTotal,
		m.validationsTotal,
		m.commitsTotal,
		m.blockHeight,
		m.commitDuration,
		m.executionErrors,
		m.transactionsTotal,
		m.currentRound,
		m.roundDuration,
		m.messagesSentTotal,
		m.messagesReceivedTotal,
		m.shutdownsTotal,
		m.schemaErrorsTotal,
	)

	return m
}

// NopMetrics returns metrics on a private registry nothing scrapes.
func NopMetrics() *Metrics {
	return NewMetrics("", prometheus.NewRegistry())
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncrementProposals counts a proposed block.
func (m *Metrics) IncrementProposals() {
	m.proposalsTotal.Inc()
}

// RecordValidation counts a validation verdict.
func (m *Metrics) RecordValidation(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.validationsTotal.WithLabelValues(result).Inc()
}

// RecordCommit records a committed block.
func (m *Metrics) RecordCommit(height uint64, txs int, duration time.Duration) {
	m.commitsTotal.Inc()
	m.blockHeight.Set(float64(height))
	m.transactionsTotal.Add(float64(txs))
	m.commitDuration.Observe(duration.Seconds())
}

// SetBlockHeight sets the height gauge without counting a commit.
func (m *Metrics) SetBlockHeight(height uint64) {
	m.blockHeight.Set(float64(height))
}

// IncrementExecutionErrors counts a failed execution operation.
func (m *Metrics) IncrementExecutionErrors(op string) {
	m.executionErrors.WithLabelValues(op).Inc()
}

// StartHeight records when consensus entered height.
func (m *Metrics) StartHeight(height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roundStartTimes[height] = time.Now()
}

// EndHeight observes the time spent on height.
func (m *Metrics) EndHeight(height uint64) {
	m.mu.Lock()
	startTime, exists := m.roundStartTimes[height]
	if exists {
		delete(m.roundStartTimes, height)
	}
	m.mu.Unlock()

	if exists {
		m.roundDuration.Observe(time.Since(startTime).Seconds())
	}
}

// SetRound sets the current round.
func (m *Metrics) SetRound(round uint64) {
	m.currentRound.Set(float64(round))
}

// IncrementMessagesSent increments the messages sent counter.
func (m *Metrics) IncrementMessagesSent(msgType string) {
	m.messagesSentTotal.WithLabelValues(msgType).Inc()
}

// IncrementMessagesReceived increments the messages received counter.
func (m *Metrics) IncrementMessagesReceived(msgType string) {
	m.messagesReceivedTotal.WithLabelValues(msgType).Inc()
}

// RecordShutdown counts a shutdown by its source.
func (m *Metrics) RecordShutdown(source string) {
	m.shutdownsTotal.WithLabelValues(source).Inc()
}

// IncrementSchemaErrors counts a table bootstrap failure.
func (m *Metrics) IncrementSchemaErrors() {
	m.schemaErrorsTotal.Inc()
}
