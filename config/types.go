package config

// Tokens names every token the pool touches.
type Tokens struct {
	Stablecoin    string `toml:"Stablecoin"`
	LiquidStaking string `toml:"LiquidStaking"`
	Staked        string `toml:"Staked"`
	Lend          string `toml:"Lend"`
	Borrow        string `toml:"Borrow"`
}

// Risk holds the collateral parameters. Amounts are base-unit integer strings
// scaled by 1e9.
type Risk struct {
	LoanToValue        string `toml:"LoanToValue"`
	CollateralDecimals uint8  `toml:"CollateralDecimals"`
}

// Rates is the kinked interest curve, each value scaled by 1e9.
type Rates struct {
	RBase         string `toml:"RBase"`
	RSlope1       string `toml:"RSlope1"`
	RSlope2       string `toml:"RSlope2"`
	UOptimal      string `toml:"UOptimal"`
	ReserveFactor string `toml:"ReserveFactor"`
}

// Epochs anchors epoch numbering.
type Epochs struct {
	GenesisUnix   int64  `toml:"GenesisUnix"`
	LengthSeconds uint64 `toml:"LengthSeconds"`
}

type Pauses struct {
	Savings bool `toml:"Savings"`
}

// Pool is the genesis definition of a savings pool.
type Pool struct {
	Tokens Tokens `toml:"tokens"`
	Risk   Risk   `toml:"risk"`
	Rates  Rates  `toml:"rates"`
	Epochs Epochs `toml:"epochs"`
	Pauses Pauses `toml:"pauses"`
}
