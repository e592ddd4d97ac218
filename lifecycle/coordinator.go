// Package lifecycle coordinates the shutdown of the execution node and the
// consensus engine.
package lifecycle

import (
	"sync"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/ahwlsqja/pbft-bridge/metrics"
)

// Source names what triggered the shutdown.
type Source string

const (
	SourceExecutionNode   Source = metrics.SourceExecutionNode
	SourceConsensusEngine Source = metrics.SourceConsensusEngine
	SourceInterrupt       Source = metrics.SourceInterrupt
)

// Phase of a Coordinator.
type Phase int

const (
	Running Phase = iota
	ShuttingDown
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Shutdown is the outcome of Wait. Err is the error carried by the
// completion signal that won, nil for an interrupt or a clean exit.
type Shutdown struct {
	Source Source
	Err    error
}

type closer struct {
	name string
	fn   func() error
}

// Coordinator waits for the first of several stop triggers and shuts
// everything down once.
type Coordinator struct {
	logger  log.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	phase   Phase
	closers []closer

	once    sync.Once
	result  Shutdown
	stopped chan struct{}
}

// NewCoordinator returns a running coordinator. m may be nil.
func NewCoordinator(logger log.Logger, m *metrics.Metrics) *Coordinator {
	if m == nil {
		m = metrics.NopMetrics()
	}
	return &Coordinator{
		logger:  logger.With("module", "lifecycle"),
		metrics: m,
		stopped: make(chan struct{}),
	}
}

// OnShutdown registers fn to run at shutdown. Closers run in reverse
// registration order. Registering after shutdown began is a no-op.
func (c *Coordinator) OnShutdown(name string, fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != Running {
		return
	}
	c.closers = append(c.closers, closer{name: name, fn: fn})
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Stopped is closed once every closer has run.
func (c *Coordinator) Stopped() <-chan struct{} {
	return c.stopped
}

// Wait blocks until the execution node exits, the consensus engine
// completes, or interrupt fires, whichever comes first. A nil channel never
// fires. Every call returns the same Shutdown.
func (c *Coordinator) Wait(nodeExit, consensusExit <-chan error, interrupt <-chan struct{}) Shutdown {
	c.once.Do(func() {
		var s Shutdown
		select {
		case err := <-nodeExit:
			s = Shutdown{Source: SourceExecutionNode, Err: err}
		case err := <-consensusExit:
			s = Shutdown{Source: SourceConsensusEngine, Err: err}
		case <-interrupt:
			s = Shutdown{Source: SourceInterrupt}
		}
		c.shutdown(s)
	})
	<-c.stopped
	return c.result
}

func (c *Coordinator) shutdown(s Shutdown) {
	c.mu.Lock()
	c.phase = ShuttingDown
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	if s.Err != nil {
		c.logger.Error("Shutting down", "source", s.Source, "err", s.Err)
	} else {
		c.logger.Info("Shutting down", "source", s.Source)
	}
	c.metrics.RecordShutdown(string(s.Source))

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].fn(); err != nil {
			c.logger.Error("Failed to stop", "component", closers[i].name, "err", err)
		}
	}

	c.mu.Lock()
	c.phase = Stopped
	c.result = s
	c.mu.Unlock()
	close(c.stopped)
	c.logger.Info("Shutdown complete", "source", s.Source)
}
