package consensus

import (
	"errors"
	"fmt"
)

// ErrEngineStartup matches every StartupError.
var ErrEngineStartup = errors.New("consensus engine failed to start")

// Startup stages, in the order they run.
const (
	StageConfig   = "config"
	StageHome     = "home"
	StageWAL      = "wal"
	StageNodeKey  = "node_key"
	StageAppInfo  = "app_info"
	StageIdentity = "identity"
	StageListen   = "listen"
	StagePeers    = "peers"
	StageStart    = "start"
)

// StartupError reports the stage at which engine startup failed.
type StartupError struct {
	Stage string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("consensus engine startup failed at %s: %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrEngineStartup) hold for any StartupError.
func (e *StartupError) Is(target error) bool {
	return target == ErrEngineStartup
}

// IsStartupError checks whether an error is a StartupError and returns it.
func IsStartupError(err error) (*StartupError, bool) {
	var se *StartupError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func startupError(stage string, err error) error {
	return &StartupError{Stage: stage, Err: err}
}
