package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"stakesavings/crypto"
	"stakesavings/native/bank"
	nativecommon "stakesavings/native/common"
	"stakesavings/native/savings"
)

// Staker locks staked tokens and returns the liquid staking instance.
type Staker interface {
	Stake(ctx context.Context, staker crypto.Address, payment bank.Payment) (bank.Payment, error)
}

// Faucet mints development balances. The "lst" asset mints the staked token
// and stakes it on the caller's behalf so the caller receives collateral.
// Every account is limited by the quota per asset.
type Faucet struct {
	ledger *bank.Ledger
	cfg    savings.Config
	staker Staker
	quota  nativecommon.Quota
	logger *slog.Logger

	mu    sync.Mutex
	usage map[string]nativecommon.QuotaNow
	now   func() time.Time
}

// NewFaucet constructs a faucet. A zero quota leaves drips uncapped.
func NewFaucet(engine *savings.Engine, staker Staker, quota nativecommon.Quota, logger *slog.Logger) (*Faucet, error) {
	if engine == nil {
		return nil, errors.New("faucet: engine required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Faucet{
		ledger: engine.Ledger(),
		cfg:    engine.Config(),
		staker: staker,
		quota:  quota,
		logger: logger.With("component", "faucet"),
		usage:  make(map[string]nativecommon.QuotaNow),
		now:    time.Now,
	}, nil
}

// reserve charges the drip against the account's quota.
func (f *Faucet) reserve(addr crypto.Address, asset string, amount *big.Int) error {
	key := addr.String() + "|" + asset
	f.mu.Lock()
	defer f.mu.Unlock()
	next, err := nativecommon.CheckQuota(f.quota, f.quota.Window(f.now().Unix()), f.usage[key], 1, amount)
	if err != nil {
		return err
	}
	f.usage[key] = next
	return nil
}

// Drip credits amount of asset to addr and returns what the account received.
func (f *Faucet) Drip(ctx context.Context, addr crypto.Address, asset string, amount *big.Int) (bank.Payment, error) {
	if amount == nil || amount.Sign() <= 0 {
		return bank.Payment{}, fmt.Errorf("%w: amount must be positive", errBadRequest)
	}
	asset = strings.ToLower(strings.TrimSpace(asset))
	if asset == "" {
		asset = "stablecoin"
	}
	switch asset {
	case "stablecoin", "staked":
	case "lst":
		if f.staker == nil {
			return bank.Payment{}, fmt.Errorf("%w: staking not configured", errBadRequest)
		}
	default:
		return bank.Payment{}, fmt.Errorf("%w: unknown asset %q", errBadRequest, asset)
	}
	if err := f.reserve(addr, asset, amount); err != nil {
		return bank.Payment{}, err
	}
	switch asset {
	case "stablecoin":
		payment := bank.NewPayment(f.cfg.StablecoinToken, 0, amount)
		if err := f.ledger.Mint(addr, payment); err != nil {
			return bank.Payment{}, err
		}
		f.logger.Info("faucet drip", "token", payment.Token, "amount", amount.String())
		return payment, nil
	case "staked":
		payment := bank.NewPayment(f.cfg.StakedToken, 0, amount)
		if err := f.ledger.Mint(addr, payment); err != nil {
			return bank.Payment{}, err
		}
		f.logger.Info("faucet drip", "token", payment.Token, "amount", amount.String())
		return payment, nil
	case "lst":
		staked := bank.NewPayment(f.cfg.StakedToken, 0, amount)
		if err := f.ledger.Mint(addr, staked); err != nil {
			return bank.Payment{}, err
		}
		lst, err := f.staker.Stake(ctx, addr, staked)
		if err != nil {
			return bank.Payment{}, fmt.Errorf("stake faucet funds: %w", err)
		}
		f.logger.Info("faucet drip", "token", lst.Token, "nonce", lst.Nonce, "amount", amount.String())
		return lst, nil
	default:
		return bank.Payment{}, fmt.Errorf("%w: unknown asset %q", errBadRequest, asset)
	}
}
