package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cometbft/cometbft/crypto"
	"github.com/cometbft/cometbft/crypto/ed25519"
	"github.com/cometbft/cometbft/crypto/merkle"
	cmttypes "github.com/cometbft/cometbft/types"
)

// PubKeySize is the width of validator public-key material.
const PubKeySize = ed25519.PubKeySize

// MaxTotalVotingPower bounds the summed power of a validator set, so
// quorum arithmetic and the CometBFT int64 power fields cannot overflow.
const MaxTotalVotingPower = uint64(cmttypes.MaxTotalVotingPower)

// ErrInvalidGenesis is wrapped by every Genesis validation failure.
var ErrInvalidGenesis = errors.New("invalid genesis")

// ValidatorInfo describes one member of the initial validator set.
type ValidatorInfo struct {
	Address     Address `json:"address"`
	VotingPower uint64  `json:"voting_power"`
	PubKey      []byte  `json:"pub_key"`
}

// NewValidatorInfo creates a ValidatorInfo. The key material is copied.
func NewValidatorInfo(addr Address, power uint64, pubKey []byte) ValidatorInfo {
	pk := make([]byte, len(pubKey))
	copy(pk, pubKey)
	return ValidatorInfo{Address: addr, VotingPower: power, PubKey: pk}
}

// bytes is the canonical encoding used for hashing.
func (v ValidatorInfo) bytes() []byte {
	bz := make([]byte, 0, AddressSize+8+len(v.PubKey))
	bz = append(bz, v.Address[:]...)
	bz = binary.BigEndian.AppendUint64(bz, v.VotingPower)
	return append(bz, v.PubKey...)
}

// Genesis identifies the chain and its initial validators.
// Treat it as immutable: WithValidators returns a copy.
type Genesis struct {
	ChainID    string          `json:"chain_id"`
	Validators []ValidatorInfo `json:"validators"`
}

// NewGenesis creates a genesis without validators.
func NewGenesis(chainID string) Genesis {
	return Genesis{ChainID: chainID}
}

// WithValidators returns a copy of g holding vs.
func (g Genesis) WithValidators(vs []ValidatorInfo) Genesis {
	out := Genesis{ChainID: g.ChainID, Validators: make([]ValidatorInfo, len(vs))}
	for i, v := range vs {
		out.Validators[i] = NewValidatorInfo(v.Address, v.VotingPower, v.PubKey)
	}
	return out
}

// Copy returns a deep copy.
func (g Genesis) Copy() Genesis {
	return g.WithValidators(g.Validators)
}

// Validate checks the invariants of the validator set.
func (g Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("%w: chain id is empty", ErrInvalidGenesis)
	}
	if len(g.Validators) == 0 {
		return fmt.Errorf("%w: no validators", ErrInvalidGenesis)
	}
	seen := make(map[Address]struct{}, len(g.Validators))
	var total uint64
	for i, v := range g.Validators {
		if _, dup := seen[v.Address]; dup {
			return fmt.Errorf("%w: duplicate validator address %s", ErrInvalidGenesis, v.Address)
		}
		seen[v.Address] = struct{}{}
		if v.VotingPower == 0 {
			return fmt.Errorf("%w: validator %d (%s) has no voting power", ErrInvalidGenesis, i, v.Address)
		}
		if v.VotingPower > MaxTotalVotingPower-total {
			return fmt.Errorf("%w: total voting power exceeds %d", ErrInvalidGenesis, MaxTotalVotingPower)
		}
		total += v.VotingPower
		if len(v.PubKey) != PubKeySize {
			return fmt.Errorf("%w: validator %d (%s) key is %d bytes, want %d",
				ErrInvalidGenesis, i, v.Address, len(v.PubKey), PubKeySize)
		}
	}
	return nil
}

// TotalVotingPower sums the power of all validators.
func (g Genesis) TotalVotingPower() uint64 {
	var total uint64
	for _, v := range g.Validators {
		total += v.VotingPower
	}
	return total
}

// ValidatorsHash is the merkle root over the ordered validator set.
func (g Genesis) ValidatorsHash() []byte {
	items := make([][]byte, len(g.Validators))
	for i, v := range g.Validators {
		items[i] = v.bytes()
	}
	return merkle.HashFromByteSlices(items)
}

// GenesisFromDoc converts a CometBFT genesis document.
func GenesisFromDoc(doc *cmttypes.GenesisDoc) (Genesis, error) {
	if doc == nil {
		return Genesis{}, fmt.Errorf("%w: genesis document is nil", ErrInvalidGenesis)
	}
	vs := make([]ValidatorInfo, 0, len(doc.Validators))
	for _, gv := range doc.Validators {
		if gv.PubKey == nil {
			return Genesis{}, fmt.Errorf("%w: validator %q has no public key", ErrInvalidGenesis, gv.Name)
		}
		if gv.Power < 0 {
			return Genesis{}, fmt.Errorf("%w: validator %q has negative power", ErrInvalidGenesis, gv.Name)
		}
		addrBytes := gv.Address
		if len(addrBytes) == 0 {
			addrBytes = gv.PubKey.Address()
		}
		addr, err := AddressFromBytes(addrBytes)
		if err != nil {
			return Genesis{}, fmt.Errorf("%w: validator %q: %v", ErrInvalidGenesis, gv.Name, err)
		}
		vs = append(vs, NewValidatorInfo(addr, uint64(gv.Power), gv.PubKey.Bytes()))
	}
	return NewGenesis(doc.ChainID).WithValidators(vs), nil
}

// LoadGenesisFile reads a CometBFT genesis.json.
func LoadGenesisFile(path string) (Genesis, error) {
	doc, err := cmttypes.GenesisDocFromFile(path)
	if err != nil {
		return Genesis{}, fmt.Errorf("failed to read genesis file %s: %w", path, err)
	}
	return GenesisFromDoc(doc)
}

// ToDoc converts g into a CometBFT genesis document.
func (g Genesis) ToDoc(genesisTime time.Time) *cmttypes.GenesisDoc {
	doc := &cmttypes.GenesisDoc{
		GenesisTime:   genesisTime,
		ChainID:       g.ChainID,
		InitialHeight: 1,
	}
	for i, v := range g.Validators {
		doc.Validators = append(doc.Validators, cmttypes.GenesisValidator{
			Address: crypto.Address(v.Address.Bytes()),
			PubKey:  ed25519.PubKey(v.PubKey),
			Power:   int64(v.VotingPower),
			Name:    fmt.Sprintf("validator-%d", i),
		})
	}
	return doc
}
