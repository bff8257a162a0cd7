package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"stakesavings/native/bank"
	"stakesavings/native/savings"
)

// Load loads the pool genesis from the given path, writing the defaults when
// the file does not exist yet.
func Load(path string) (*Pool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Pool{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
	}
	applyDefaults(cfg)
	if err := ValidateConfig(*cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in pool genesis.
func Default() *Pool {
	defaults := savings.DefaultConfig()
	rates := defaults.Rates
	return &Pool{
		Tokens: Tokens{
			Stablecoin:    string(defaults.StablecoinToken),
			LiquidStaking: string(defaults.LiquidStakingToken),
			Staked:        string(defaults.StakedToken),
			Lend:          string(defaults.LendToken),
			Borrow:        string(defaults.BorrowToken),
		},
		Risk: Risk{
			LoanToValue:        defaults.LoanToValue.String(),
			CollateralDecimals: defaults.CollateralDecimals,
		},
		Rates: Rates{
			RBase:         rates.RBase.String(),
			RSlope1:       rates.RSlope1.String(),
			RSlope2:       rates.RSlope2.String(),
			UOptimal:      rates.UOptimal.String(),
			ReserveFactor: rates.ReserveFactor.String(),
		},
		Epochs: Epochs{LengthSeconds: 86_400},
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Pool, error) {
	cfg := Default()
	cfg.Epochs.GenesisUnix = time.Now().Unix()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Pool) {
	defaults := Default()
	fill := func(value *string, fallback string) {
		if strings.TrimSpace(*value) == "" {
			*value = fallback
		}
	}
	fill(&cfg.Tokens.Stablecoin, defaults.Tokens.Stablecoin)
	fill(&cfg.Tokens.LiquidStaking, defaults.Tokens.LiquidStaking)
	fill(&cfg.Tokens.Staked, defaults.Tokens.Staked)
	fill(&cfg.Tokens.Lend, defaults.Tokens.Lend)
	fill(&cfg.Tokens.Borrow, defaults.Tokens.Borrow)
	fill(&cfg.Risk.LoanToValue, defaults.Risk.LoanToValue)
	fill(&cfg.Rates.RBase, defaults.Rates.RBase)
	fill(&cfg.Rates.RSlope1, defaults.Rates.RSlope1)
	fill(&cfg.Rates.RSlope2, defaults.Rates.RSlope2)
	fill(&cfg.Rates.UOptimal, defaults.Rates.UOptimal)
	fill(&cfg.Rates.ReserveFactor, defaults.Rates.ReserveFactor)
	if cfg.Risk.CollateralDecimals == 0 {
		cfg.Risk.CollateralDecimals = defaults.Risk.CollateralDecimals
	}
	if cfg.Epochs.LengthSeconds == 0 {
		cfg.Epochs.LengthSeconds = defaults.Epochs.LengthSeconds
	}
}

// SavingsConfig converts the genesis into engine parameters.
func (p Pool) SavingsConfig() (savings.Config, error) {
	ltv, err := parseUintAmount(p.Risk.LoanToValue)
	if err != nil {
		return savings.Config{}, fmt.Errorf("invalid risk.LoanToValue: %w", err)
	}
	rates := savings.RateParameters{}
	for _, field := range []struct {
		name  string
		raw   string
		value **big.Int
	}{
		{"RBase", p.Rates.RBase, &rates.RBase},
		{"RSlope1", p.Rates.RSlope1, &rates.RSlope1},
		{"RSlope2", p.Rates.RSlope2, &rates.RSlope2},
		{"UOptimal", p.Rates.UOptimal, &rates.UOptimal},
		{"ReserveFactor", p.Rates.ReserveFactor, &rates.ReserveFactor},
	} {
		parsed, err := parseUintAmount(field.raw)
		if err != nil {
			return savings.Config{}, fmt.Errorf("invalid rates.%s: %w", field.name, err)
		}
		*field.value = parsed
	}
	cfg := savings.Config{
		StablecoinToken:    bank.TokenID(p.Tokens.Stablecoin),
		LiquidStakingToken: bank.TokenID(p.Tokens.LiquidStaking),
		StakedToken:        bank.TokenID(p.Tokens.Staked),
		LendToken:          bank.TokenID(p.Tokens.Lend),
		BorrowToken:        bank.TokenID(p.Tokens.Borrow),
		LoanToValue:        ltv,
		CollateralDecimals: p.Risk.CollateralDecimals,
		Rates:              rates,
	}.Normalize()
	if err := cfg.Validate(); err != nil {
		return savings.Config{}, err
	}
	return cfg, nil
}

// Clock returns the epoch clock anchored at the genesis time.
func (p Pool) Clock() savings.EpochClock {
	return savings.EpochClock{
		Genesis: time.Unix(p.Epochs.GenesisUnix, 0),
		Length:  time.Duration(p.Epochs.LengthSeconds) * time.Second,
	}
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(raw, "_", ""))
	if trimmed == "" {
		return nil, fmt.Errorf("value required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%q is not an integer", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("%q must not be negative", raw)
	}
	return value, nil
}

func persist(path string, cfg *Pool) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
