package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	cmtbytes "github.com/cometbft/cometbft/libs/bytes"

	"github.com/ahwlsqja/pbft-bridge/consensus"
	"github.com/ahwlsqja/pbft-bridge/execution"
	"github.com/ahwlsqja/pbft-bridge/store"
	"github.com/ahwlsqja/pbft-bridge/types"
)

var (
	// ErrGenesisMismatch: the execution storage was initialised with
	// another genesis.
	ErrGenesisMismatch = errors.New("genesis does not match execution storage")
	// ErrValidation: invalid construction parameters.
	ErrValidation = errors.New("invalid application state parameters")
	// ErrProviderUnavailable: the provider could not answer a query.
	ErrProviderUnavailable = errors.New("execution provider unavailable")

	ErrInvalidBlock       = errors.New("invalid block")
	ErrInsufficientQuorum = errors.New("commit certificate lacks quorum")
	ErrNotProposer        = errors.New("local node is not the proposer")
)

// State is the application state shared by the consensus engine and the
// execution layer. There is one per process.
type State struct {
	ctx     Context
	cfg     Config
	genesis types.Genesis
	address types.Address

	provider execution.Provider
	handle   execution.SubmissionHandle

	store      *store.ConsensusStore
	validators *types.ValidatorSet

	mu   sync.RWMutex
	head execution.Head
}

var _ consensus.Application = (*State)(nil)

// FromProvider builds the State after checking that the execution storage
// behind provider is compatible with genesis. It only reads from provider.
func FromProvider(
	ctx context.Context,
	appCtx Context,
	cfg Config,
	genesis types.Genesis,
	address types.Address,
	provider execution.Provider,
	handle execution.SubmissionHandle,
) (*State, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is nil", ErrValidation)
	}
	if handle == nil {
		return nil, fmt.Errorf("%w: submission handle is nil", ErrValidation)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := genesis.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	appCtx = appCtx.withDefaults()
	logger := appCtx.Logger.With("module", "state")

	rec, err := provider.GenesisRecord(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: genesis record: %v", ErrProviderUnavailable, err)
	}
	if err := checkGenesis(genesis, rec); err != nil {
		return nil, err
	}
	if rec == nil {
		logger.Info("Execution storage has no genesis record; treating as fresh")
	}

	head, err := provider.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: head: %v", ErrProviderUnavailable, err)
	}

	db := provider.DB()
	if db == nil {
		return nil, fmt.Errorf("%w: no database", ErrProviderUnavailable)
	}
	missing, err := store.MissingTables(db, store.Tables)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if len(missing) > 0 {
		logger.Error("Consensus tables missing; decisions may fail to persist", "tables", missing)
	}

	cs := store.NewConsensusStore(db)
	if decided, _, err := cs.LatestHeight(); err == nil && decided != head.Height {
		logger.Info("Consensus store and execution head differ", "decided", decided, "head", head.Height)
	}

	if address.IsZero() {
		logger.Info("No local validator address; running as observer")
	}

	g := genesis.Copy()
	s := &State{
		ctx:        appCtx,
		cfg:        cfg,
		genesis:    g,
		address:    address,
		provider:   provider,
		handle:     handle,
		store:      cs,
		validators: types.NewValidatorSet(g.Validators),
		head:       head,
	}
	appCtx.Metrics.SetBlockHeight(head.Height)

	logger.Info("Application state ready",
		"chain_id", g.ChainID,
		"validators", len(g.Validators),
		"address", address,
		"height", head.Height)
	return s, nil
}

func checkGenesis(g types.Genesis, rec *execution.GenesisRecord) error {
	if rec == nil {
		return nil
	}
	if rec.ChainID != g.ChainID {
		return fmt.Errorf("%w: chain id %q, storage has %q", ErrGenesisMismatch, g.ChainID, rec.ChainID)
	}
	if len(rec.ValidatorsHash) > 0 && !bytes.Equal(rec.ValidatorsHash, g.ValidatorsHash()) {
		return fmt.Errorf("%w: validators hash %s, storage has %s", ErrGenesisMismatch,
			cmtbytes.HexBytes(g.ValidatorsHash()), cmtbytes.HexBytes(rec.ValidatorsHash))
	}
	return nil
}

// Genesis returns a copy of the genesis.
func (s *State) Genesis() types.Genesis {
	return s.genesis.Copy()
}

// Address returns the local validator address.
func (s *State) Address() types.Address {
	return s.address
}

// Head returns the last decided block known to the state.
func (s *State) Head() execution.Head {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Store returns the consensus metadata store.
func (s *State) Store() *store.ConsensusStore {
	return s.store
}
