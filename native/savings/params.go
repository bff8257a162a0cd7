package savings

import (
	"fmt"
	"math/big"

	"stakesavings/native/bank"
)

// RateParameters configure the kinked interest curve. Every field is scaled by
// BasePrecision.
type RateParameters struct {
	RBase         *big.Int
	RSlope1       *big.Int
	RSlope2       *big.Int
	UOptimal      *big.Int
	ReserveFactor *big.Int
}

// DefaultRateParameters returns a 0/10%/100% curve kinked at 80% utilisation
// with a 10% reserve factor.
func DefaultRateParameters() RateParameters {
	return RateParameters{
		RBase:         big.NewInt(0),
		RSlope1:       big.NewInt(100_000_000),
		RSlope2:       big.NewInt(1_000_000_000),
		UOptimal:      big.NewInt(800_000_000),
		ReserveFactor: big.NewInt(100_000_000),
	}
}

// Clone returns a deep copy of the parameters.
func (p RateParameters) Clone() RateParameters {
	return RateParameters{
		RBase:         cloneBig(p.RBase),
		RSlope1:       cloneBig(p.RSlope1),
		RSlope2:       cloneBig(p.RSlope2),
		UOptimal:      cloneBig(p.UOptimal),
		ReserveFactor: cloneBig(p.ReserveFactor),
	}
}

// Validate rejects negative values, an optimal utilisation outside (0, BP)
// and a reserve factor above BP.
func (p RateParameters) Validate() error {
	fields := map[string]*big.Int{
		"r_base":         p.RBase,
		"r_slope1":       p.RSlope1,
		"r_slope2":       p.RSlope2,
		"u_optimal":      p.UOptimal,
		"reserve_factor": p.ReserveFactor,
	}
	for name, value := range fields {
		if value == nil {
			return fmt.Errorf("savings: %s is required", name)
		}
		if value.Sign() < 0 {
			return fmt.Errorf("savings: %s must not be negative", name)
		}
	}
	if p.UOptimal.Sign() == 0 || p.UOptimal.Cmp(bp) >= 0 {
		return fmt.Errorf("savings: u_optimal must be within (0, %d)", BasePrecision)
	}
	if p.ReserveFactor.Cmp(bp) > 0 {
		return fmt.Errorf("savings: reserve_factor must not exceed %d", BasePrecision)
	}
	return nil
}

// BorrowRate evaluates the curve at utilisation u.
func (p RateParameters) BorrowRate(u *big.Int) *big.Int {
	return BorrowRate(p.RBase, p.RSlope1, p.RSlope2, p.UOptimal, u)
}

// DepositRate evaluates the lender rate at utilisation u.
func (p RateParameters) DepositRate(u *big.Int) *big.Int {
	return DepositRate(u, p.BorrowRate(u), p.ReserveFactor)
}

// Config binds the engine to its token identifiers and risk parameters.
type Config struct {
	// StablecoinToken is lent and borrowed.
	StablecoinToken bank.TokenID
	// LiquidStakingToken is the SFT class pledged as collateral.
	LiquidStakingToken bank.TokenID
	// StakedToken is the base staking asset paid out as rewards.
	StakedToken bank.TokenID
	// LendToken and BorrowToken are the receipt SFT classes minted by the pool.
	LendToken   bank.TokenID
	BorrowToken bank.TokenID

	// LoanToValue is the BP-scaled share of the collateral value lent out.
	LoanToValue *big.Int
	// CollateralDecimals is the number of decimals of the liquid staking token.
	CollateralDecimals uint8

	Rates RateParameters
}

// DefaultConfig returns a configuration with a 75% loan-to-value ratio.
func DefaultConfig() Config {
	return Config{
		StablecoinToken:    "USDC-a1b2c3",
		LiquidStakingToken: "LSTEGLD-d4e5f6",
		StakedToken:        "EGLD",
		LendToken:          "LEND-0a0b0c",
		BorrowToken:        "BORROW-0d0e0f",
		LoanToValue:        big.NewInt(750_000_000),
		CollateralDecimals: 18,
		Rates:              DefaultRateParameters(),
	}
}

// Normalize returns a copy with canonical token identifiers.
func (c Config) Normalize() Config {
	out := c
	out.StablecoinToken = c.StablecoinToken.Normalize()
	out.LiquidStakingToken = c.LiquidStakingToken.Normalize()
	out.StakedToken = c.StakedToken.Normalize()
	out.LendToken = c.LendToken.Normalize()
	out.BorrowToken = c.BorrowToken.Normalize()
	out.LoanToValue = cloneBig(c.LoanToValue)
	out.Rates = c.Rates.Clone()
	return out
}

// Validate ensures tokens are set and distinct and the risk parameters are
// usable.
func (c Config) Validate() error {
	c = c.Normalize()
	tokens := []struct {
		name  string
		token bank.TokenID
	}{
		{"stablecoin", c.StablecoinToken},
		{"liquid staking", c.LiquidStakingToken},
		{"staked", c.StakedToken},
		{"lend", c.LendToken},
		{"borrow", c.BorrowToken},
	}
	seen := make(map[bank.TokenID]string, len(tokens))
	for _, entry := range tokens {
		if entry.token == "" {
			return fmt.Errorf("savings: %s token is required", entry.name)
		}
		if other, ok := seen[entry.token]; ok {
			return fmt.Errorf("savings: %s and %s tokens must differ", other, entry.name)
		}
		seen[entry.token] = entry.name
	}
	if c.LoanToValue.Sign() <= 0 || c.LoanToValue.Cmp(bp) > 0 {
		return fmt.Errorf("savings: loan_to_value must be within (0, %d]", BasePrecision)
	}
	if c.CollateralDecimals > 36 {
		return fmt.Errorf("savings: collateral decimals %d out of range", c.CollateralDecimals)
	}
	return c.Rates.Validate()
}
