package savings

import (
	"fmt"
	"time"
)

// Clock supplies the current epoch and wall time to the engine.
type Clock interface {
	CurrentEpoch() uint64
	Now() time.Time
}

// EpochClock derives epochs from a genesis time and a fixed epoch length.
// Epoch numbering starts at 1 so that a zero checkpoint always means "never".
type EpochClock struct {
	Genesis time.Time
	Length  time.Duration
	// NowFunc overrides time.Now.
	NowFunc func() time.Time
}

// Validate ensures the epoch length is usable.
func (c EpochClock) Validate() error {
	if c.Length <= 0 {
		return fmt.Errorf("savings: epoch length must be greater than zero")
	}
	return nil
}

func (c EpochClock) Now() time.Time {
	if c.NowFunc != nil {
		return c.NowFunc()
	}
	return time.Now()
}

func (c EpochClock) CurrentEpoch() uint64 {
	if c.Length <= 0 {
		return 1
	}
	elapsed := c.Now().Sub(c.Genesis)
	if elapsed < 0 {
		return 1
	}
	return uint64(elapsed/c.Length) + 1
}

// EpochGuard answers the per-operation "once per epoch" questions from the
// pool checkpoints.
type EpochGuard struct {
	state PoolState
}

// NewEpochGuard wraps a state snapshot.
func NewEpochGuard(state PoolState) EpochGuard {
	return EpochGuard{state: state}
}

// CanClaim requires an epoch strictly after the last claim.
func (g EpochGuard) CanClaim(epoch uint64) error {
	if epoch <= g.state.LastRewardsClaimEpoch {
		return ErrAlreadyClaimedThisEpoch
	}
	return nil
}

// CanConvert requires a claim in this epoch and no earlier convert in it.
func (g EpochGuard) CanConvert(epoch uint64) error {
	if g.state.LastRewardsClaimEpoch != epoch {
		return ErrMustClaimFirst
	}
	if epoch <= g.state.LastConvertEpoch {
		return ErrAlreadyConvertedThisEpoch
	}
	return nil
}

// CanCalculate requires a convert in this epoch and no earlier calculation
// in it.
func (g EpochGuard) CanCalculate(epoch uint64) error {
	if g.state.LastConvertEpoch != epoch {
		return ErrMustConvertFirst
	}
	if epoch <= g.state.LastRewardsCalcEpoch {
		return ErrAlreadyCalculatedThisEpoch
	}
	return nil
}
