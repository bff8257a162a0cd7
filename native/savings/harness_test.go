package savings

import (
	"bytes"
	"context"
	"math/big"
	"testing"
	"time"

	"stakesavings/crypto"
	"stakesavings/native/bank"
	"stakesavings/storage"
)

type manualClock struct {
	epoch uint64
	now   time.Time
}

func (c *manualClock) CurrentEpoch() uint64 { return c.epoch }
func (c *manualClock) Now() time.Time       { return c.now }

func (c *manualClock) advance(epochs uint64, d time.Duration) {
	c.epoch += epochs
	c.now = c.now.Add(d)
}

type staticPrices map[string]*big.Int

func (p staticPrices) LatestPriceFeed(_ context.Context, from, to string) (AggregatorResult, bool, error) {
	price, ok := p[from+"/"+to]
	if !ok {
		return AggregatorResult{}, false, nil
	}
	return AggregatorResult{RoundID: 1, From: from, To: to, Price: new(big.Int).Set(price)}, true, nil
}

// fakeDelegation reissues every instance it receives and pays 10% of the
// total quantity as staked token rewards, all held at its own address.
type fakeDelegation struct {
	addr     crypto.Address
	store    *storage.Store
	cfg      Config
	err       error
	dropLast  bool
	noRewards bool
	calls     int
	onCall    func()
}

func (d *fakeDelegation) Address() crypto.Address { return d.addr }

func (d *fakeDelegation) ClaimRewards(_ context.Context, _ crypto.Address, instances []bank.Payment) (ClaimRewardsReply, error) {
	d.calls++
	if d.onCall != nil {
		d.onCall()
	}
	if d.err != nil {
		return ClaimRewardsReply{}, d.err
	}
	tx := d.store.Begin()
	defer tx.Discard()
	ledger := bank.NewLedger(tx)
	reply := ClaimRewardsReply{}
	total := big.NewInt(0)
	for _, p := range instances {
		if err := ledger.Burn(d.addr, p); err != nil {
			return ClaimRewardsReply{}, err
		}
		nonce, err := ledger.CreateInstance(d.addr, p.Token, p.Amount, nil)
		if err != nil {
			return ClaimRewardsReply{}, err
		}
		reply.Instances = append(reply.Instances, bank.NewPayment(p.Token, nonce, p.Amount))
		total.Add(total, p.Amount)
	}
	rewards := new(big.Int).Quo(total, big.NewInt(10))
	if d.noRewards {
		rewards.SetInt64(0)
	}
	reply.Rewards = bank.NewPayment(d.cfg.StakedToken, 0, rewards)
	if rewards.Sign() > 0 {
		if err := ledger.Mint(d.addr, reply.Rewards); err != nil {
			return ClaimRewardsReply{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ClaimRewardsReply{}, err
	}
	if d.dropLast && len(reply.Instances) > 0 {
		reply.Instances = reply.Instances[:len(reply.Instances)-1]
	}
	return reply, nil
}

// fakeVenue swaps at a fixed divisor and delivers to the router.
type fakeVenue struct {
	addr    crypto.Address
	store   *storage.Store
	router  Router
	divisor *big.Int
	err     error
	silent  bool
	calls   int
}

func (v *fakeVenue) Address() crypto.Address { return v.addr }

func (v *fakeVenue) SwapFixedInput(ctx context.Context, req SwapRequest) error {
	v.calls++
	if v.err != nil {
		return v.err
	}
	if v.silent {
		return nil
	}
	output := bank.NewPayment(req.OutputToken, 0, new(big.Int).Quo(req.Input.Amount, v.divisor))
	tx := v.store.Begin()
	defer tx.Discard()
	ledger := bank.NewLedger(tx)
	if err := ledger.Burn(v.addr, req.Input); err != nil {
		return err
	}
	if err := ledger.Mint(v.addr, output); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return v.router.Deliver(ctx, v.addr, req.Callback, output)
}

type harness struct {
	t          *testing.T
	ctx        context.Context
	store      *storage.Store
	engine     *Engine
	cfg        Config
	clock      *manualClock
	delegation *fakeDelegation
	venue      *fakeVenue
	ledger     *bank.Ledger
	lender     crypto.Address
	borrower   crypto.Address
}

var (
	oneToken        = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	pledgeAmount    = new(big.Int).Mul(big.NewInt(250), oneToken)
	lstPricePerUnit = big.NewInt(100)
)

func testAddress(prefix crypto.AddressPrefix, fill byte) crypto.Address {
	return crypto.NewAddress(prefix, bytes.Repeat([]byte{fill}, crypto.AddressLength))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storage.NewStore(storage.NewMemDB())
	cfg := DefaultConfig()
	engine, err := NewEngine(store, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	cfg = engine.Config()
	clock := &manualClock{epoch: 1, now: time.Unix(1_700_000_000, 0)}
	delegation := &fakeDelegation{addr: testAddress(crypto.ModulePrefix, 0xD1), store: store, cfg: cfg}
	venue := &fakeVenue{
		addr:    testAddress(crypto.ModulePrefix, 0xD2),
		store:   store,
		router:  engine,
		divisor: new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil),
	}
	engine.SetClock(clock)
	engine.SetDelegation(delegation)
	engine.SetSwapVenue(venue)
	engine.SetPriceAggregator(testPrices(cfg))
	return &harness{
		t:          t,
		ctx:        context.Background(),
		store:      store,
		engine:     engine,
		cfg:        cfg,
		clock:      clock,
		delegation: delegation,
		venue:      venue,
		ledger:     bank.NewLedger(store),
		lender:     testAddress(crypto.AccountPrefix, 0x0A),
		borrower:   testAddress(crypto.AccountPrefix, 0x0B),
	}
}

func testPrices(cfg Config) staticPrices {
	return staticPrices{
		TokenTicker(cfg.LiquidStakingToken) + "/" + TokenTicker(cfg.StablecoinToken): lstPricePerUnit,
	}
}

// restart replaces the engine with a fresh one over the same store, as after
// a process restart.
func (h *harness) restart() {
	h.t.Helper()
	engine, err := NewEngine(h.store, h.cfg)
	if err != nil {
		h.t.Fatalf("new engine: %v", err)
	}
	engine.SetClock(h.clock)
	engine.SetDelegation(h.delegation)
	engine.SetSwapVenue(h.venue)
	engine.SetPriceAggregator(testPrices(h.cfg))
	h.venue.router = engine
	h.engine = engine
}

func (h *harness) mintStable(to crypto.Address, amount int64) {
	h.t.Helper()
	if err := h.ledger.Mint(to, bank.NewPayment(h.cfg.StablecoinToken, 0, big.NewInt(amount))); err != nil {
		h.t.Fatalf("mint stablecoin: %v", err)
	}
}

// stake gives the borrower a fresh liquid staking instance.
func (h *harness) stake(amount *big.Int) uint64 {
	h.t.Helper()
	nonce, err := h.ledger.CreateInstance(h.borrower, h.cfg.LiquidStakingToken, amount, nil)
	if err != nil {
		h.t.Fatalf("create liquid staking instance: %v", err)
	}
	return nonce
}

func (h *harness) lend(amount int64) LendReceipt {
	h.t.Helper()
	h.mintStable(h.lender, amount)
	receipt, err := h.engine.Lend(h.ctx, h.lender, bank.NewPayment(h.cfg.StablecoinToken, 0, big.NewInt(amount)))
	if err != nil {
		h.t.Fatalf("lend: %v", err)
	}
	return receipt
}

func (h *harness) borrow(nonce uint64) BorrowReceipt {
	h.t.Helper()
	receipt, err := h.engine.Borrow(h.ctx, h.borrower, bank.NewPayment(h.cfg.LiquidStakingToken, nonce, pledgeAmount))
	if err != nil {
		h.t.Fatalf("borrow: %v", err)
	}
	return receipt
}

func (h *harness) pool() PoolState {
	h.t.Helper()
	state, err := h.engine.Pool()
	if err != nil {
		h.t.Fatalf("pool: %v", err)
	}
	return state
}

func (h *harness) positions() []Position {
	h.t.Helper()
	positions, err := h.engine.Positions()
	if err != nil {
		h.t.Fatalf("positions: %v", err)
	}
	return positions
}

func (h *harness) balance(addr crypto.Address, token bank.TokenID, nonce uint64) *big.Int {
	h.t.Helper()
	balance, err := h.ledger.Balance(addr, token, nonce)
	if err != nil {
		h.t.Fatalf("balance: %v", err)
	}
	return balance
}

func requireAmount(t *testing.T, label string, got *big.Int, want *big.Int) {
	t.Helper()
	if got == nil || got.Cmp(want) != 0 {
		t.Fatalf("%s: expected %s, got %v", label, want, got)
	}
}
