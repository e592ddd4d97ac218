package types

// ValidatorSet represents the set of validators for consensus.
type ValidatorSet struct {
	Validators []ValidatorInfo `json:"validators"`

	index map[Address]int
	total uint64
}

// NewValidatorSet creates a new validator set. Order is preserved.
func NewValidatorSet(validators []ValidatorInfo) *ValidatorSet {
	vs := &ValidatorSet{
		Validators: make([]ValidatorInfo, len(validators)),
		index:      make(map[Address]int, len(validators)),
	}
	for i, v := range validators {
		vs.Validators[i] = NewValidatorInfo(v.Address, v.VotingPower, v.PubKey)
		vs.index[v.Address] = i
		vs.total += v.VotingPower
	}
	return vs
}

// Size returns the number of validators.
func (vs *ValidatorSet) Size() int {
	return len(vs.Validators)
}

// TotalPower returns the sum of all voting power.
func (vs *ValidatorSet) TotalPower() uint64 {
	return vs.total
}

// QuorumPower returns the minimum power required to commit (> 2/3 of total).
// Genesis.Validate keeps the total under MaxTotalVotingPower.
func (vs *ValidatorSet) QuorumPower() uint64 {
	return vs.total*2/3 + 1
}

// ByAddress returns the validator with the given address, or nil.
func (vs *ValidatorSet) ByAddress(addr Address) *ValidatorInfo {
	i, ok := vs.index[addr]
	if !ok {
		return nil
	}
	return &vs.Validators[i]
}

// Has reports whether addr is a validator.
func (vs *ValidatorSet) Has(addr Address) bool {
	_, ok := vs.index[addr]
	return ok
}

// Proposer returns the proposer for (height, round): round-robin over the
// validator order.
func (vs *ValidatorSet) Proposer(height, round uint64) *ValidatorInfo {
	if len(vs.Validators) == 0 {
		return nil
	}
	n := uint64(len(vs.Validators))
	return &vs.Validators[(height+round)%n]
}
