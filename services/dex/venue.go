// Package dex is an in-process fixed-input swap venue priced by a price
// aggregator. Outputs are delivered to the caller's named continuation.
package dex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"stakesavings/crypto"
	"stakesavings/native/bank"
	"stakesavings/native/savings"
	"stakesavings/storage"
)

var (
	ErrNoRouter        = errors.New("dex: router not configured")
	ErrSlippage        = errors.New("dex: output below minimum")
	ErrZeroOutput      = errors.New("dex: swap output rounds to zero")
	ErrOverflow        = errors.New("dex: quote overflows 256 bits")
	ErrUnknownDecimals = errors.New("dex: token decimals not configured")
	errNilStore        = errors.New("dex: store required")
	errNilPrices       = errors.New("dex: price aggregator required")
)

// Config names the venue and the decimals of every input token it accepts.
type Config struct {
	Name     string           `yaml:"name"`
	Decimals map[string]uint8 `yaml:"decimals"`
}

// DefaultConfig accepts the staked token at 18 decimals.
func DefaultConfig() Config {
	return Config{Name: "dex", Decimals: map[string]uint8{"EGLD": 18}}
}

// Venue implements savings.SwapVenue.
type Venue struct {
	mu      sync.Mutex
	store   *storage.Store
	cfg     Config
	address crypto.Address
	prices  savings.PriceAggregator
	router  savings.Router
	logger  *slog.Logger
}

var (
	_ savings.SwapVenue       = (*Venue)(nil)
	_ savings.SwapRedeliverer = (*Venue)(nil)
)

// undelivered is a settled swap whose output has not reached the caller's
// continuation. One record is kept per caller.
type undelivered struct {
	Callback string
	Input    bank.Payment
	Output   bank.Payment
}

var undeliveredPrefix = []byte("dex/undelivered/")

func undeliveredKey(caller crypto.Address) []byte {
	return append(append([]byte(nil), undeliveredPrefix...), caller.Bytes()...)
}

// New constructs a venue.
func New(store *storage.Store, cfg Config, prices savings.PriceAggregator) (*Venue, error) {
	if store == nil {
		return nil, errNilStore
	}
	if prices == nil {
		return nil, errNilPrices
	}
	if cfg.Name == "" {
		cfg.Name = "dex"
	}
	decimals := make(map[string]uint8, len(cfg.Decimals))
	for ticker, d := range cfg.Decimals {
		decimals[savings.TokenTicker(bank.TokenID(ticker))] = d
	}
	cfg.Decimals = decimals
	return &Venue{
		store:   store,
		cfg:     cfg,
		address: crypto.ModuleAddress(cfg.Name),
		prices:  prices,
		logger:  slog.Default().With("component", "dex"),
	}, nil
}

// SetRouter installs the continuation router outputs are delivered through.
func (v *Venue) SetRouter(router savings.Router) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.router = router
}

// SetLogger replaces the venue logger.
func (v *Venue) SetLogger(logger *slog.Logger) {
	if logger != nil {
		v.logger = logger.With("component", "dex")
	}
}

// Address returns the account holding escrowed inputs.
func (v *Venue) Address() crypto.Address { return v.address }

// Quote prices amount of input in output base units:
// amount * price / 10^inputDecimals.
func (v *Venue) Quote(ctx context.Context, input bank.TokenID, amount *big.Int, output bank.TokenID) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, bank.ErrInvalidAmount
	}
	decimals, ok := v.cfg.Decimals[savings.TokenTicker(input)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDecimals, input)
	}
	price, err := savings.PriceForPair(ctx, v.prices, input, output)
	if err != nil {
		return nil, err
	}
	x, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrOverflow
	}
	y, overflow := uint256.FromBig(price)
	if overflow {
		return nil, ErrOverflow
	}
	scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
	quoted, overflow := new(uint256.Int).MulDivOverflow(x, y, scale)
	if overflow {
		return nil, ErrOverflow
	}
	return quoted.ToBig(), nil
}

// SwapFixedInput converts the escrowed input and delivers the output to the
// request's continuation. A rejected delivery reverses the swap so the input
// stays with the venue for the caller to reclaim.
func (v *Venue) SwapFixedInput(ctx context.Context, req savings.SwapRequest) error {
	v.mu.Lock()
	router := v.router
	v.mu.Unlock()
	if router == nil {
		return ErrNoRouter
	}
	input := bank.NewPayment(req.Input.Token, req.Input.Nonce, req.Input.Amount)
	if err := input.Validate(); err != nil {
		return err
	}
	quoted, err := v.Quote(ctx, input.Token, input.Amount, req.OutputToken)
	if err != nil {
		return err
	}
	if quoted.Sign() == 0 {
		return ErrZeroOutput
	}
	if req.MinOutput != nil && quoted.Cmp(req.MinOutput) < 0 {
		return fmt.Errorf("%w: quoted %s, minimum %s", ErrSlippage, quoted, req.MinOutput)
	}
	output := bank.NewPayment(req.OutputToken, 0, quoted)
	swap := undelivered{Callback: req.Callback, Input: input, Output: output}

	if err := v.settle(input, output, func(tx *storage.Tx) error {
		return tx.KVPut(undeliveredKey(req.Caller), swap)
	}); err != nil {
		return err
	}
	v.logger.Info("swap executed",
		"caller", req.Caller.String(),
		"input", input.String(),
		"output", output.String(),
		"callback", req.Callback)
	return v.deliver(ctx, router, req.Caller, swap)
}

// Redeliver sends the output of caller's settled but undelivered swap to its
// continuation again. A rejected delivery reverses the swap.
func (v *Venue) Redeliver(ctx context.Context, caller crypto.Address) (bool, error) {
	v.mu.Lock()
	router := v.router
	v.mu.Unlock()
	if router == nil {
		return false, ErrNoRouter
	}
	var swap undelivered
	ok, err := v.store.KVGet(undeliveredKey(caller), &swap)
	if err != nil || !ok {
		return false, err
	}
	v.logger.Info("redelivering swap output", "caller", caller.String(), "output", swap.Output.String())
	if err := v.deliver(ctx, router, caller, swap); err != nil {
		return false, err
	}
	return true, nil
}

func (v *Venue) deliver(ctx context.Context, router savings.Router, caller crypto.Address, swap undelivered) error {
	key := undeliveredKey(caller)
	if err := router.Deliver(ctx, v.address, swap.Callback, swap.Output); err != nil {
		if revertErr := v.settle(swap.Output, swap.Input, func(tx *storage.Tx) error {
			return tx.KVDelete(key)
		}); revertErr != nil {
			return errors.Join(err, fmt.Errorf("dex: revert swap: %w", revertErr))
		}
		v.logger.Warn("delivery rejected, swap reverted", "callback", swap.Callback, "error", err)
		return err
	}
	return v.store.KVDelete(key)
}

// settle burns burn and mints mint at the venue address, together with the
// record writes, in one transaction.
func (v *Venue) settle(burn, mint bank.Payment, record func(*storage.Tx) error) error {
	tx := v.store.Begin()
	defer tx.Discard()
	ledger := bank.NewLedger(tx)
	if err := ledger.Burn(v.address, burn); err != nil {
		return err
	}
	if err := ledger.Mint(v.address, mint); err != nil {
		return err
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}
