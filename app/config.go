// Package app implements the application state bridging consensus and
// the execution layer.
package app

import (
	"time"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/ahwlsqja/pbft-bridge/metrics"
)

// Context carries the cross-cutting parameters of the bridge.
type Context struct {
	Logger  log.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// DefaultContext discards logs and records metrics nobody scrapes.
func DefaultContext() Context {
	return Context{
		Logger:  log.NewNopLogger(),
		Metrics: metrics.NopMetrics(),
		Now:     time.Now,
	}
}

// withDefaults fills the unset fields from DefaultContext.
func (c Context) withDefaults() Context {
	if c.Logger != nil && c.Metrics != nil && c.Now != nil {
		return c
	}
	d := DefaultContext()
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.Metrics == nil {
		c.Metrics = d.Metrics
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

// Config holds the bridge tunables.
type Config struct {
	MaxBlockBytes int64         `mapstructure:"max_block_bytes"`
	MaxBlockTxs   int           `mapstructure:"max_block_txs"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
}

// NewConfig returns the default configuration.
func NewConfig() Config {
	return Config{
		MaxBlockBytes: 1024 * 1024, // 1MB
		MaxBlockTxs:   500,
		SubmitTimeout: 10 * time.Second,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.MaxBlockBytes <= 0 {
		return ErrInvalidMaxBlockBytes
	}
	if c.MaxBlockTxs <= 0 {
		return ErrInvalidMaxBlockTxs
	}
	if c.SubmitTimeout <= 0 {
		return ErrInvalidSubmitTimeout
	}
	return nil
}

type configError string

func (e configError) Error() string {
	return string(e)
}

const (
	ErrInvalidMaxBlockBytes = configError("max block bytes must be positive")
	ErrInvalidMaxBlockTxs   = configError("max block txs must be positive")
	ErrInvalidSubmitTimeout = configError("submit timeout must be positive")
)
