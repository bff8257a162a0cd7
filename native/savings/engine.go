package savings

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stakesavings/core/events"
	"stakesavings/crypto"
	"stakesavings/native/bank"
	nativecommon "stakesavings/native/common"
	"stakesavings/observability"
	"stakesavings/storage"
)

const moduleName = "savings"

// Engine runs the savings pool. All operations are serialised by one mutex;
// remote calls are made with the mutex released and their progress is
// persisted as pending call records.
type Engine struct {
	mu         sync.Mutex
	store      *storage.Store
	cfg        Config
	address    crypto.Address
	clock      Clock
	delegation DelegationService
	venue      SwapVenue
	prices     PriceAggregator
	pauses     nativecommon.PauseView
	emitter    events.Emitter
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *observability.SavingsMetrics
	settled    map[string]*big.Int
	live       map[string]struct{}
}

// NewEngine constructs an engine over store. The pool account is the module
// address derived from the module name.
func NewEngine(store *storage.Store, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, errNilStore
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		store:   store,
		cfg:     cfg,
		address: crypto.ModuleAddress(moduleName),
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		tracer:  otel.Tracer("native/savings"),
		metrics: observability.Savings(),
		settled: make(map[string]*big.Int),
		live:    make(map[string]struct{}),
	}, nil
}

// ModuleAddress is the account holding pool funds and collateral.
func ModuleAddress() crypto.Address { return crypto.ModuleAddress(moduleName) }

// Address returns the pool account.
func (e *Engine) Address() crypto.Address { return e.address }

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config { return e.cfg.Normalize() }

// Ledger exposes the committed token balances.
func (e *Engine) Ledger() *bank.Ledger { return bank.NewLedger(e.store) }

func (e *Engine) SetClock(clock Clock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

func (e *Engine) SetDelegation(service DelegationService) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delegation = service
}

func (e *Engine) SetSwapVenue(venue SwapVenue) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.venue = venue
}

func (e *Engine) SetPriceAggregator(agg PriceAggregator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices = agg
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauses = p
}

// SetEmitter wires the event sink. A nil emitter discards events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// session groups the writes of one operation.
type session struct {
	tx        *storage.Tx
	ledger    *bank.Ledger
	positions *PositionLedger
	state     PoolState
}

func (e *Engine) begin() (*session, error) {
	if e.clock == nil {
		return nil, errNilClock
	}
	tx := e.store.Begin()
	state, err := loadPoolState(tx)
	if err != nil {
		tx.Discard()
		return nil, err
	}
	return &session{
		tx:        tx,
		ledger:    bank.NewLedger(tx),
		positions: NewPositionLedger(tx),
		state:     state,
	}, nil
}

func (s *session) commit() error {
	if err := s.tx.KVPut(poolStateKey, s.state); err != nil {
		return err
	}
	return s.tx.Commit()
}

func loadPoolState(kv storage.KV) (PoolState, error) {
	var state PoolState
	if _, err := kv.KVGet(poolStateKey, &state); err != nil {
		return PoolState{}, fmt.Errorf("savings: load pool state: %w", err)
	}
	state.ensureDefaults()
	return state, nil
}

func (e *Engine) guard() error {
	return nativecommon.Guard(e.pauses, moduleName)
}

func (e *Engine) now() uint64 {
	ts := e.clock.Now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) ratesFor(state PoolState) RateSnapshot {
	u := big.NewInt(0)
	if total := state.TotalReserves(); total.Sign() > 0 {
		u, _ = CapitalUtilisation(state.BorrowedAmount, total)
	}
	borrow := e.cfg.Rates.BorrowRate(u)
	return RateSnapshot{
		Utilisation: u,
		BorrowRate:  borrow,
		DepositRate: DepositRate(u, borrow, e.cfg.Rates.ReserveFactor),
	}
}

func (e *Engine) publish(state PoolState) {
	e.metrics.SetPool(observability.PoolSnapshot{
		Lent:             state.LentAmount,
		Borrowed:         state.BorrowedAmount,
		Reserves:         state.StablecoinReserves,
		UnclaimedRewards: state.UnclaimedRewards,
		ClaimEpoch:       state.LastRewardsClaimEpoch,
		ConvertEpoch:     state.LastConvertEpoch,
		CalcEpoch:        state.LastRewardsCalcEpoch,
		ClaimInFlight:    state.ClaimInFlight,
		ConvertInFlight:  state.ConvertInFlight,
	})
	rates := e.ratesFor(state)
	e.metrics.SetRates(rates.Utilisation, rates.BorrowRate, rates.DepositRate, BasePrecision)
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}

func (e *Engine) observe(span trace.Span, operation string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, operation)
	}
	span.End()
	e.metrics.Observe(operation, time.Since(start), err)
}

// checkPayment normalises p and requires the expected token and a positive
// amount.
func checkPayment(p bank.Payment, token bank.TokenID) (bank.Payment, error) {
	p = bank.NewPayment(p.Token, p.Nonce, p.Amount)
	if p.Token != token {
		return bank.Payment{}, fmt.Errorf("%w: got %s, want %s", ErrInvalidToken, p.Token, token)
	}
	if p.Amount.Sign() <= 0 {
		return bank.Payment{}, ErrInvalidAmount
	}
	return p, nil
}

func checkCaller(addr crypto.Address) error {
	if len(addr.Bytes()) == 0 || addr.IsZero() {
		return ErrInvalidAddress
	}
	return nil
}

// drawInterest pays interest out of the rewards set aside for lenders first
// and the stablecoin reserves second. Both stop at zero.
func drawInterest(state *PoolState, interest *big.Int) {
	fromUnclaimed := minBig(state.UnclaimedRewards, interest)
	state.UnclaimedRewards = subFloor(state.UnclaimedRewards, fromUnclaimed)
	rest := subFloor(interest, fromUnclaimed)
	state.StablecoinReserves = subFloor(state.StablecoinReserves, rest)
}

func (e *Engine) requirePoolBalance(s *session, amount *big.Int) error {
	balance, err := s.ledger.Balance(e.address, e.cfg.StablecoinToken, 0)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: pool holds %s, need %s", ErrInsufficientLiquidity, balance, amount)
	}
	return nil
}

// Lend deposits stablecoins and mints a LEND instance of equal amount.
func (e *Engine) Lend(ctx context.Context, lender crypto.Address, payment bank.Payment) (receipt LendReceipt, err error) {
	start := time.Now()
	_, span := e.tracer.Start(ctx, "savings.lend")
	defer func() { e.observe(span, "lend", start, err) }()

	if err = checkCaller(lender); err != nil {
		return LendReceipt{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err = e.guard(); err != nil {
		return LendReceipt{}, err
	}
	payment, err = checkPayment(payment, e.cfg.StablecoinToken)
	if err != nil {
		return LendReceipt{}, err
	}
	s, err := e.begin()
	if err != nil {
		return LendReceipt{}, err
	}
	defer s.tx.Discard()

	if err = s.ledger.Transfer(lender, e.address, payment); err != nil {
		return LendReceipt{}, err
	}
	epoch := e.clock.CurrentEpoch()
	meta := LendMetadata{LendEpoch: epoch, LendTimestamp: e.now()}
	nonce, err := s.ledger.CreateInstance(lender, e.cfg.LendToken, payment.Amount, meta)
	if err != nil {
		return LendReceipt{}, err
	}
	s.state.LentAmount.Add(s.state.LentAmount, payment.Amount)
	if err = s.commit(); err != nil {
		return LendReceipt{}, err
	}
	e.publish(s.state)
	e.emit(events.SavingsLent{Lender: lender.String(), Amount: payment.Amount, LendNonce: nonce, Epoch: epoch})
	return LendReceipt{Lend: bank.NewPayment(e.cfg.LendToken, nonce, payment.Amount)}, nil
}

// Withdraw redeems LEND tokens for the deposit plus the interest accrued at
// the current deposit rate.
func (e *Engine) Withdraw(ctx context.Context, lender crypto.Address, lend bank.Payment) (receipt WithdrawReceipt, err error) {
	start := time.Now()
	_, span := e.tracer.Start(ctx, "savings.withdraw")
	defer func() { e.observe(span, "withdraw", start, err) }()

	if err = checkCaller(lender); err != nil {
		return WithdrawReceipt{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err = e.guard(); err != nil {
		return WithdrawReceipt{}, err
	}
	lend, err = checkPayment(lend, e.cfg.LendToken)
	if err != nil {
		return WithdrawReceipt{}, err
	}
	s, err := e.begin()
	if err != nil {
		return WithdrawReceipt{}, err
	}
	defer s.tx.Discard()

	meta, err := e.lendMetadata(s, lend.Nonce)
	if err != nil {
		return WithdrawReceipt{}, err
	}
	rates := e.ratesFor(s.state)
	payout := AccruedWithdrawal(lend.Amount, elapsedSince(e.now(), meta.LendTimestamp), rates.DepositRate)
	interest := new(big.Int).Sub(payout, lend.Amount)

	if err = e.requirePoolBalance(s, payout); err != nil {
		return WithdrawReceipt{}, err
	}
	if err = s.ledger.Burn(lender, lend); err != nil {
		return WithdrawReceipt{}, err
	}
	out := bank.NewPayment(e.cfg.StablecoinToken, 0, payout)
	if err = s.ledger.Transfer(e.address, lender, out); err != nil {
		return WithdrawReceipt{}, err
	}
	drawInterest(&s.state, interest)
	s.state.LentAmount = subFloor(s.state.LentAmount, lend.Amount)
	if err = s.commit(); err != nil {
		return WithdrawReceipt{}, err
	}
	e.publish(s.state)
	e.emit(events.SavingsWithdrawn{Lender: lender.String(), LendNonce: lend.Nonce, Principal: lend.Amount, Payout: payout})
	return WithdrawReceipt{Payout: out, Interest: interest}, nil
}

// LenderClaimRewards pays the interest accrued on LEND tokens and reissues
// them dated now.
func (e *Engine) LenderClaimRewards(ctx context.Context, lender crypto.Address, lend bank.Payment) (receipt LenderClaimReceipt, err error) {
	start := time.Now()
	_, span := e.tracer.Start(ctx, "savings.lender_claim_rewards")
	defer func() { e.observe(span, "lender_claim_rewards", start, err) }()

	if err = checkCaller(lender); err != nil {
		return LenderClaimReceipt{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err = e.guard(); err != nil {
		return LenderClaimReceipt{}, err
	}
	lend, err = checkPayment(lend, e.cfg.LendToken)
	if err != nil {
		return LenderClaimReceipt{}, err
	}
	s, err := e.begin()
	if err != nil {
		return LenderClaimReceipt{}, err
	}
	defer s.tx.Discard()

	meta, err := e.lendMetadata(s, lend.Nonce)
	if err != nil {
		return LenderClaimReceipt{}, err
	}
	now := e.now()
	rates := e.ratesFor(s.state)
	payout := AccruedWithdrawal(lend.Amount, elapsedSince(now, meta.LendTimestamp), rates.DepositRate)
	rewards := new(big.Int).Sub(payout, lend.Amount)
	if rewards.Sign() <= 0 {
		return LenderClaimReceipt{}, ErrNoRewardsToClaim
	}
	if err = e.requirePoolBalance(s, rewards); err != nil {
		return LenderClaimReceipt{}, err
	}
	if err = s.ledger.Burn(lender, lend); err != nil {
		return LenderClaimReceipt{}, err
	}
	fresh := LendMetadata{LendEpoch: e.clock.CurrentEpoch(), LendTimestamp: now}
	nonce, err := s.ledger.CreateInstance(lender, e.cfg.LendToken, lend.Amount, fresh)
	if err != nil {
		return LenderClaimReceipt{}, err
	}
	out := bank.NewPayment(e.cfg.StablecoinToken, 0, rewards)
	if err = s.ledger.Transfer(e.address, lender, out); err != nil {
		return LenderClaimReceipt{}, err
	}
	drawInterest(&s.state, rewards)
	if err = s.commit(); err != nil {
		return LenderClaimReceipt{}, err
	}
	e.publish(s.state)
	e.emit(events.SavingsLenderRewardsClaimed{Lender: lender.String(), OldLendNonce: lend.Nonce, NewLendNonce: nonce, Rewards: rewards})
	return LenderClaimReceipt{Rewards: out, Lend: bank.NewPayment(e.cfg.LendToken, nonce, lend.Amount)}, nil
}

// Borrow pledges liquid staking tokens and lends out LoanToValue of their
// stablecoin value.
func (e *Engine) Borrow(ctx context.Context, borrower crypto.Address, collateral bank.Payment) (receipt BorrowReceipt, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "savings.borrow")
	defer func() { e.observe(span, "borrow", start, err) }()

	if err = checkCaller(borrower); err != nil {
		return BorrowReceipt{}, err
	}
	e.mu.Lock()
	cfg, prices := e.cfg, e.prices
	e.mu.Unlock()

	collateral, err = checkPayment(collateral, cfg.LiquidStakingToken)
	if err != nil {
		return BorrowReceipt{}, err
	}
	if collateral.Nonce == 0 {
		return BorrowReceipt{}, ErrInvalidInstance
	}
	price, err := PriceForPair(ctx, prices, cfg.LiquidStakingToken, cfg.StablecoinToken)
	if err != nil {
		return BorrowReceipt{}, err
	}
	value := CollateralValue(collateral.Amount, price, cfg.CollateralDecimals)
	loan := new(big.Int).Mul(value, cfg.LoanToValue)
	loan.Quo(loan, bp)
	if loan.Sign() == 0 {
		return BorrowReceipt{}, ErrLoanTooSmall
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err = e.guard(); err != nil {
		return BorrowReceipt{}, err
	}
	s, err := e.begin()
	if err != nil {
		return BorrowReceipt{}, err
	}
	defer s.tx.Discard()
	if s.state.ClaimInFlight {
		return BorrowReceipt{}, ErrHarvestInFlight
	}
	if available := s.state.AvailableLiquidity(); loan.Cmp(available) > 0 {
		return BorrowReceipt{}, fmt.Errorf("%w: loan %s exceeds available %s", ErrInsufficientLiquidity, loan, available)
	}
	if err = e.requirePoolBalance(s, loan); err != nil {
		return BorrowReceipt{}, err
	}
	if err = s.ledger.Transfer(borrower, e.address, collateral); err != nil {
		return BorrowReceipt{}, err
	}
	positionID, err := s.positions.Append(collateral.Nonce)
	if err != nil {
		return BorrowReceipt{}, err
	}
	epoch := e.clock.CurrentEpoch()
	meta := BorrowMetadata{
		BorrowEpoch:      epoch,
		BorrowTimestamp:  e.now(),
		StakedTokenValue: value,
		Loan:             loan,
		Collateral:       collateral.Amount,
		PositionID:       positionID,
	}
	borrowNonce, err := s.ledger.CreateInstance(borrower, cfg.BorrowToken, collateral.Amount, meta)
	if err != nil {
		return BorrowReceipt{}, err
	}
	out := bank.NewPayment(cfg.StablecoinToken, 0, loan)
	if err = s.ledger.Transfer(e.address, borrower, out); err != nil {
		return BorrowReceipt{}, err
	}
	s.state.BorrowedAmount.Add(s.state.BorrowedAmount, loan)
	if err = s.commit(); err != nil {
		return BorrowReceipt{}, err
	}
	e.publish(s.state)
	e.emit(events.SavingsBorrowed{
		Borrower:        borrower.String(),
		PositionID:      positionID,
		CollateralNonce: collateral.Nonce,
		Collateral:      collateral.Amount,
		Loan:            loan,
		BorrowNonce:     borrowNonce,
	})
	return BorrowReceipt{
		PositionID: positionID,
		Loan:       out,
		Borrow:     bank.NewPayment(cfg.BorrowToken, borrowNonce, collateral.Amount),
	}, nil
}

// Repay settles the debt behind BORROW tokens and releases the matching
// quantity of the position's current liquid staking instance.
func (e *Engine) Repay(ctx context.Context, borrower crypto.Address, borrowed bank.Payment, payment bank.Payment) (receipt RepayReceipt, err error) {
	start := time.Now()
	_, span := e.tracer.Start(ctx, "savings.repay")
	defer func() { e.observe(span, "repay", start, err) }()

	if err = checkCaller(borrower); err != nil {
		return RepayReceipt{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err = e.guard(); err != nil {
		return RepayReceipt{}, err
	}
	if borrowed, err = checkPayment(borrowed, e.cfg.BorrowToken); err != nil {
		return RepayReceipt{}, err
	}
	if payment, err = checkPayment(payment, e.cfg.StablecoinToken); err != nil {
		return RepayReceipt{}, err
	}
	s, err := e.begin()
	if err != nil {
		return RepayReceipt{}, err
	}
	defer s.tx.Discard()
	if s.state.ClaimInFlight {
		return RepayReceipt{}, ErrHarvestInFlight
	}

	var meta BorrowMetadata
	if err = s.ledger.Attributes(e.cfg.BorrowToken, borrowed.Nonce, &meta); err != nil {
		return RepayReceipt{}, fmt.Errorf("%w: borrow instance %d: %v", ErrInvalidToken, borrowed.Nonce, err)
	}
	if meta.Collateral == nil || meta.Collateral.Sign() == 0 || borrowed.Amount.Cmp(meta.Collateral) > 0 {
		return RepayReceipt{}, fmt.Errorf("%w: borrow instance %d", ErrInvalidAmount, borrowed.Nonce)
	}
	principal := new(big.Int).Mul(orZero(meta.Loan), borrowed.Amount)
	principal.Quo(principal, meta.Collateral)
	rates := e.ratesFor(s.state)
	interest := AccruedDebt(principal, elapsedSince(e.now(), meta.BorrowTimestamp), rates.BorrowRate)
	due := new(big.Int).Add(principal, interest)
	if payment.Amount.Cmp(due) < 0 {
		return RepayReceipt{}, fmt.Errorf("%w: paid %s, due %s", ErrInsufficientRepayment, payment.Amount, due)
	}

	pos, ok, err := s.positions.Get(meta.PositionID)
	if err != nil {
		return RepayReceipt{}, err
	}
	if !ok {
		return RepayReceipt{}, fmt.Errorf("%w: id %d", ErrPositionNotFound, meta.PositionID)
	}

	if err = s.ledger.Transfer(borrower, e.address, payment); err != nil {
		return RepayReceipt{}, err
	}
	var refund *bank.Payment
	if excess := new(big.Int).Sub(payment.Amount, due); excess.Sign() > 0 {
		p := bank.NewPayment(e.cfg.StablecoinToken, 0, excess)
		if err = s.ledger.Transfer(e.address, borrower, p); err != nil {
			return RepayReceipt{}, err
		}
		refund = &p
	}
	if err = s.ledger.Burn(borrower, borrowed); err != nil {
		return RepayReceipt{}, err
	}
	released := bank.NewPayment(e.cfg.LiquidStakingToken, pos.InstanceNonce, borrowed.Amount)
	if err = s.ledger.Transfer(e.address, borrower, released); err != nil {
		return RepayReceipt{}, fmt.Errorf("%w: %v", ErrLedgerCorrupted, err)
	}
	remaining, err := s.ledger.Balance(e.address, e.cfg.LiquidStakingToken, pos.InstanceNonce)
	if err != nil {
		return RepayReceipt{}, err
	}
	removed := false
	if remaining.Sign() == 0 {
		if err = s.positions.Remove(pos.ID); err != nil {
			return RepayReceipt{}, err
		}
		removed = true
	}
	s.state.BorrowedAmount = subFloor(s.state.BorrowedAmount, principal)
	s.state.StablecoinReserves.Add(s.state.StablecoinReserves, interest)
	if err = s.commit(); err != nil {
		return RepayReceipt{}, err
	}
	e.publish(s.state)
	e.emit(events.SavingsRepaid{
		Borrower:        borrower.String(),
		PositionID:      pos.ID,
		Principal:       principal,
		Interest:        interest,
		ReturnedNonce:   pos.InstanceNonce,
		Returned:        borrowed.Amount,
		PositionRemoved: removed,
	})
	return RepayReceipt{
		PositionID:      pos.ID,
		Principal:       principal,
		Interest:        interest,
		Collateral:      released,
		Refund:          refund,
		PositionRemoved: removed,
	}, nil
}

// Pool returns the committed pool state.
func (e *Engine) Pool() (PoolState, error) {
	state, err := loadPoolState(e.store)
	if err != nil {
		return PoolState{}, err
	}
	return state.Clone(), nil
}

// Positions returns the staking positions in insertion order.
func (e *Engine) Positions() ([]Position, error) {
	return NewPositionLedger(e.store).Traverse()
}

// Rates returns utilisation and rates for the committed pool state.
func (e *Engine) Rates() (RateSnapshot, error) {
	state, err := loadPoolState(e.store)
	if err != nil {
		return RateSnapshot{}, err
	}
	return e.ratesFor(state), nil
}

func (e *Engine) lendMetadata(s *session, nonce uint64) (LendMetadata, error) {
	var meta LendMetadata
	if err := s.ledger.Attributes(e.cfg.LendToken, nonce, &meta); err != nil {
		return LendMetadata{}, fmt.Errorf("%w: lend instance %d: %v", ErrInvalidToken, nonce, err)
	}
	return meta, nil
}

func elapsedSince(now, then uint64) uint64 {
	if now <= then {
		return 0
	}
	return now - then
}
