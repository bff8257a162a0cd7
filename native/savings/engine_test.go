package savings

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"stakesavings/core/events"
	"stakesavings/native/bank"
	nativecommon "stakesavings/native/common"
	"stakesavings/storage"
)

const year = time.Duration(SecondsInYear) * time.Second

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	if _, err := NewEngine(nil, DefaultConfig()); err == nil {
		t.Fatalf("expected an error for a missing store")
	}
	cfg := DefaultConfig()
	cfg.LendToken = cfg.StablecoinToken
	if _, err := NewEngine(storage.NewStore(storage.NewMemDB()), cfg); err == nil {
		t.Fatalf("expected duplicate tokens to be rejected")
	}
	cfg = DefaultConfig()
	cfg.Rates.UOptimal = big.NewInt(BasePrecision)
	if _, err := NewEngine(storage.NewStore(storage.NewMemDB()), cfg); err == nil {
		t.Fatalf("expected u_optimal of 1.0 to be rejected")
	}
}

func TestLendMintsLendInstance(t *testing.T) {
	h := newHarness(t)
	buf := &events.Buffer{}
	h.engine.SetEmitter(buf)

	receipt := h.lend(100_000)
	if receipt.Lend.Token != h.cfg.LendToken || receipt.Lend.Nonce != 1 {
		t.Fatalf("unexpected lend payment %s", receipt.Lend)
	}
	requireAmount(t, "lend tokens", h.balance(h.lender, h.cfg.LendToken, 1), big.NewInt(100_000))
	requireAmount(t, "pool stablecoin", h.balance(h.engine.Address(), h.cfg.StablecoinToken, 0), big.NewInt(100_000))
	requireAmount(t, "lent amount", h.pool().LentAmount, big.NewInt(100_000))

	var meta LendMetadata
	if err := h.ledger.Attributes(h.cfg.LendToken, 1, &meta); err != nil {
		t.Fatalf("lend attributes: %v", err)
	}
	if meta.LendEpoch != 1 || meta.LendTimestamp != uint64(h.clock.now.Unix()) {
		t.Fatalf("unexpected lend metadata %+v", meta)
	}
	if types := buf.Types(); len(types) != 1 || types[0] != events.TypeSavingsLent {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestLendValidation(t *testing.T) {
	h := newHarness(t)
	h.mintStable(h.lender, 10)

	_, err := h.engine.Lend(h.ctx, h.lender, bank.NewPayment(h.cfg.LendToken, 0, big.NewInt(10)))
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	_, err = h.engine.Lend(h.ctx, h.lender, bank.NewPayment(h.cfg.StablecoinToken, 0, big.NewInt(0)))
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	_, err = h.engine.Lend(h.ctx, h.lender, bank.NewPayment(h.cfg.StablecoinToken, 0, big.NewInt(11)))
	if !errors.Is(err, bank.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if h.pool().LentAmount.Sign() != 0 {
		t.Fatalf("failed lends must not change the pool")
	}

	h.engine.SetPauses(nativecommon.NewPauseSet("savings"))
	_, err = h.engine.Lend(h.ctx, h.lender, bank.NewPayment(h.cfg.StablecoinToken, 0, big.NewInt(10)))
	if !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}

func TestBorrowAppliesLoanToValue(t *testing.T) {
	h := newHarness(t)
	h.lend(100_000)
	nonce := h.stake(pledgeAmount)

	receipt := h.borrow(nonce)
	requireAmount(t, "loan", receipt.Loan.Amount, big.NewInt(18_750))
	if receipt.PositionID != 1 {
		t.Fatalf("expected position 1, got %d", receipt.PositionID)
	}
	requireAmount(t, "borrower stablecoin", h.balance(h.borrower, h.cfg.StablecoinToken, 0), big.NewInt(18_750))
	requireAmount(t, "borrow tokens", h.balance(h.borrower, h.cfg.BorrowToken, receipt.Borrow.Nonce), pledgeAmount)
	requireAmount(t, "pool collateral", h.balance(h.engine.Address(), h.cfg.LiquidStakingToken, nonce), pledgeAmount)
	requireAmount(t, "borrowed amount", h.pool().BorrowedAmount, big.NewInt(18_750))

	positions := h.positions()
	if len(positions) != 1 || positions[0].InstanceNonce != nonce {
		t.Fatalf("unexpected positions %+v", positions)
	}
	var meta BorrowMetadata
	if err := h.ledger.Attributes(h.cfg.BorrowToken, receipt.Borrow.Nonce, &meta); err != nil {
		t.Fatalf("borrow attributes: %v", err)
	}
	if meta.PositionID != 1 || meta.StakedTokenValue.Cmp(big.NewInt(25_000)) != 0 {
		t.Fatalf("unexpected borrow metadata %+v", meta)
	}
}

func TestBorrowFailures(t *testing.T) {
	h := newHarness(t)
	nonce := h.stake(pledgeAmount)

	_, err := h.engine.Borrow(h.ctx, h.borrower, bank.NewPayment(h.cfg.LiquidStakingToken, nonce, pledgeAmount))
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity on an empty pool, got %v", err)
	}
	_, err = h.engine.Borrow(h.ctx, h.borrower, bank.NewPayment(h.cfg.LiquidStakingToken, nonce, big.NewInt(1)))
	if !errors.Is(err, ErrLoanTooSmall) {
		t.Fatalf("expected ErrLoanTooSmall, got %v", err)
	}
	_, err = h.engine.Borrow(h.ctx, h.borrower, bank.NewPayment(h.cfg.LiquidStakingToken, 0, pledgeAmount))
	if !errors.Is(err, ErrInvalidInstance) {
		t.Fatalf("expected ErrInvalidInstance, got %v", err)
	}
	h.engine.SetPriceAggregator(staticPrices{})
	_, err = h.engine.Borrow(h.ctx, h.borrower, bank.NewPayment(h.cfg.LiquidStakingToken, nonce, pledgeAmount))
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	if len(h.positions()) != 0 {
		t.Fatalf("failed borrows must not create positions")
	}
	requireAmount(t, "borrower collateral", h.balance(h.borrower, h.cfg.LiquidStakingToken, nonce), pledgeAmount)
}

func TestRepayChargesInterestAndReleasesCollateral(t *testing.T) {
	h := newHarness(t)
	h.lend(100_000)
	nonce := h.stake(pledgeAmount)
	receipt := h.borrow(nonce)
	h.mintStable(h.borrower, 1_250)
	h.clock.advance(10, year)

	// u = 0.1875, borrow rate = 0.0234375, one year on 18750 truncates to 439.
	_, err := h.engine.Repay(h.ctx, h.borrower, receipt.Borrow, bank.NewPayment(h.cfg.StablecoinToken, 0, big.NewInt(19_188)))
	if !errors.Is(err, ErrInsufficientRepayment) {
		t.Fatalf("expected ErrInsufficientRepayment, got %v", err)
	}

	repaid, err := h.engine.Repay(h.ctx, h.borrower, receipt.Borrow, bank.NewPayment(h.cfg.StablecoinToken, 0, big.NewInt(20_000)))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	requireAmount(t, "principal", repaid.Principal, big.NewInt(18_750))
	requireAmount(t, "interest", repaid.Interest, big.NewInt(439))
	if repaid.Refund == nil {
		t.Fatalf("expected a refund")
	}
	requireAmount(t, "refund", repaid.Refund.Amount, big.NewInt(811))
	if !repaid.PositionRemoved || len(h.positions()) != 0 {
		t.Fatalf("position must be removed once the collateral is released")
	}
	requireAmount(t, "borrower collateral", h.balance(h.borrower, h.cfg.LiquidStakingToken, nonce), pledgeAmount)
	requireAmount(t, "borrower stablecoin", h.balance(h.borrower, h.cfg.StablecoinToken, 0), big.NewInt(18_750+1_250-19_189))
	requireAmount(t, "borrow tokens", h.balance(h.borrower, h.cfg.BorrowToken, receipt.Borrow.Nonce), big.NewInt(0))

	state := h.pool()
	requireAmount(t, "borrowed amount", state.BorrowedAmount, big.NewInt(0))
	requireAmount(t, "reserves", state.StablecoinReserves, big.NewInt(439))
}

func TestPartialRepayKeepsPosition(t *testing.T) {
	h := newHarness(t)
	h.lend(100_000)
	nonce := h.stake(pledgeAmount)
	receipt := h.borrow(nonce)

	half := new(big.Int).Quo(pledgeAmount, big.NewInt(2))
	repaid, err := h.engine.Repay(h.ctx, h.borrower,
		bank.NewPayment(h.cfg.BorrowToken, receipt.Borrow.Nonce, half),
		bank.NewPayment(h.cfg.StablecoinToken, 0, big.NewInt(9_375)))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	requireAmount(t, "principal", repaid.Principal, big.NewInt(9_375))
	requireAmount(t, "interest", repaid.Interest, big.NewInt(0))
	if repaid.PositionRemoved || len(h.positions()) != 1 {
		t.Fatalf("position must survive while collateral remains")
	}
	requireAmount(t, "pool collateral", h.balance(h.engine.Address(), h.cfg.LiquidStakingToken, nonce), half)
	requireAmount(t, "borrowed amount", h.pool().BorrowedAmount, big.NewInt(9_375))
}

func TestWithdrawPaysDepositInterest(t *testing.T) {
	h := newHarness(t)
	lent := h.lend(100_000)
	h.borrow(h.stake(pledgeAmount))
	h.clock.advance(10, year)

	// Deposit rate at u = 0.1875 is 741577; half the deposit earns 37.
	half := bank.NewPayment(h.cfg.LendToken, lent.Lend.Nonce, big.NewInt(50_000))
	receipt, err := h.engine.Withdraw(h.ctx, h.lender, half)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	requireAmount(t, "payout", receipt.Payout.Amount, big.NewInt(50_037))
	requireAmount(t, "interest", receipt.Interest, big.NewInt(37))
	requireAmount(t, "remaining lend tokens", h.balance(h.lender, h.cfg.LendToken, lent.Lend.Nonce), big.NewInt(50_000))
	requireAmount(t, "lent amount", h.pool().LentAmount, big.NewInt(50_000))

	// 100000 - 18750 - 50037 = 31213 left in the pool.
	_, err = h.engine.Withdraw(h.ctx, h.lender, half)
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	requireAmount(t, "lend tokens after failure", h.balance(h.lender, h.cfg.LendToken, lent.Lend.Nonce), big.NewInt(50_000))
}

func TestLenderClaimRewardsReissuesLendToken(t *testing.T) {
	h := newHarness(t)
	lent := h.lend(100_000)
	h.borrow(h.stake(pledgeAmount))

	_, err := h.engine.LenderClaimRewards(h.ctx, h.lender, lent.Lend)
	if !errors.Is(err, ErrNoRewardsToClaim) {
		t.Fatalf("expected ErrNoRewardsToClaim with no elapsed time, got %v", err)
	}

	h.clock.advance(10, year)
	receipt, err := h.engine.LenderClaimRewards(h.ctx, h.lender, lent.Lend)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	requireAmount(t, "rewards", receipt.Rewards.Amount, big.NewInt(74))
	if receipt.Lend.Nonce == lent.Lend.Nonce {
		t.Fatalf("expected a fresh lend instance")
	}
	requireAmount(t, "old lend tokens", h.balance(h.lender, h.cfg.LendToken, lent.Lend.Nonce), big.NewInt(0))
	requireAmount(t, "new lend tokens", h.balance(h.lender, h.cfg.LendToken, receipt.Lend.Nonce), big.NewInt(100_000))
	requireAmount(t, "lent amount", h.pool().LentAmount, big.NewInt(100_000))

	var meta LendMetadata
	if err := h.ledger.Attributes(h.cfg.LendToken, receipt.Lend.Nonce, &meta); err != nil {
		t.Fatalf("attributes: %v", err)
	}
	if meta.LendEpoch != 11 || meta.LendTimestamp != uint64(h.clock.now.Unix()) {
		t.Fatalf("unexpected metadata %+v", meta)
	}
}

func TestRatesTrackUtilisation(t *testing.T) {
	h := newHarness(t)
	rates, err := h.engine.Rates()
	if err != nil {
		t.Fatalf("rates: %v", err)
	}
	if rates.Utilisation.Sign() != 0 || rates.BorrowRate.Sign() != 0 || rates.DepositRate.Sign() != 0 {
		t.Fatalf("empty pool must report zero rates, got %+v", rates)
	}
	h.lend(100_000)
	h.borrow(h.stake(pledgeAmount))
	rates, _ = h.engine.Rates()
	requireAmount(t, "utilisation", rates.Utilisation, big.NewInt(187_500_000))
	requireAmount(t, "borrow rate", rates.BorrowRate, big.NewInt(23_437_500))
	requireAmount(t, "deposit rate", rates.DepositRate, big.NewInt(741_577))
}
