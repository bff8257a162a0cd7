package config

import (
	"fmt"
	"time"
)

var (
	MinEpochLength = time.Minute
)

// ValidateConfig checks the genesis before it reaches the engine.
func ValidateConfig(p Pool) error {
	if time.Duration(p.Epochs.LengthSeconds)*time.Second < MinEpochLength {
		return fmt.Errorf("epochs: LengthSeconds below %s", MinEpochLength)
	}
	if p.Epochs.GenesisUnix < 0 {
		return fmt.Errorf("epochs: GenesisUnix must not be negative")
	}
	if p.Risk.CollateralDecimals > 36 {
		return fmt.Errorf("risk: CollateralDecimals above 36")
	}
	if _, err := p.SavingsConfig(); err != nil {
		return err
	}
	return nil
}
