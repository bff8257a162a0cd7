package dex

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"stakesavings/crypto"
	"stakesavings/native/bank"
	"stakesavings/native/savings"
	"stakesavings/services/pricefeed"
	"stakesavings/storage"
)

type delivery struct {
	from     crypto.Address
	endpoint string
	payment  bank.Payment
}

type recordingRouter struct {
	deliveries []delivery
	err        error
}

func (r *recordingRouter) Deliver(_ context.Context, from crypto.Address, endpoint string, payment bank.Payment) error {
	if r.err != nil {
		return r.err
	}
	r.deliveries = append(r.deliveries, delivery{from: from, endpoint: endpoint, payment: payment})
	return nil
}

var oneEGLD = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func newVenue(t *testing.T) (*Venue, *bank.Ledger, *recordingRouter) {
	t.Helper()
	store := storage.NewStore(storage.NewMemDB())
	feed := pricefeed.New()
	if _, err := feed.Set("EGLD", "USDC", big.NewInt(42_500_000), 6); err != nil {
		t.Fatalf("set price: %v", err)
	}
	venue, err := New(store, DefaultConfig(), feed)
	if err != nil {
		t.Fatalf("new venue: %v", err)
	}
	router := &recordingRouter{}
	venue.SetRouter(router)
	return venue, bank.NewLedger(store), router
}

func TestQuote(t *testing.T) {
	venue, _, _ := newVenue(t)
	amount := new(big.Int).Mul(big.NewInt(3), oneEGLD)
	quoted, err := venue.Quote(context.Background(), "EGLD", amount, "USDC-a1b2c3")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quoted.Cmp(big.NewInt(127_500_000)) != 0 {
		t.Fatalf("expected 127500000, got %s", quoted)
	}

	huge := new(big.Int).Lsh(big.NewInt(1), 300)
	if _, err := venue.Quote(context.Background(), "EGLD", huge, "USDC-a1b2c3"); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if _, err := venue.Quote(context.Background(), "WBTC", amount, "USDC-a1b2c3"); !errors.Is(err, ErrUnknownDecimals) {
		t.Fatalf("expected ErrUnknownDecimals, got %v", err)
	}
	venue.cfg.Decimals["USDC"] = 6
	if _, err := venue.Quote(context.Background(), "USDC-a1b2c3", amount, "EGLD"); !errors.Is(err, savings.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestSwapDeliversToContinuation(t *testing.T) {
	venue, ledger, router := newVenue(t)
	if err := ledger.Mint(venue.Address(), bank.NewPayment("EGLD", 0, oneEGLD)); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	caller := crypto.ModuleAddress("savings")
	err := venue.SwapFixedInput(context.Background(), savings.SwapRequest{
		Caller:      caller,
		Input:       bank.NewPayment("EGLD", 0, oneEGLD),
		OutputToken: "USDC-a1b2c3",
		MinOutput:   big.NewInt(0),
		Callback:    savings.ConvertCallbackEndpoint,
	})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if len(router.deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(router.deliveries))
	}
	got := router.deliveries[0]
	if !got.from.Equal(venue.Address()) || got.endpoint != savings.ConvertCallbackEndpoint {
		t.Fatalf("unexpected delivery %+v", got)
	}
	if got.payment.Amount.Cmp(big.NewInt(42_500_000)) != 0 {
		t.Fatalf("unexpected output %s", got.payment)
	}
	input, _ := ledger.Balance(venue.Address(), "EGLD", 0)
	output, _ := ledger.Balance(venue.Address(), "USDC-A1B2C3", 0)
	if input.Sign() != 0 || output.Cmp(big.NewInt(42_500_000)) != 0 {
		t.Fatalf("unexpected venue balances: input %s output %s", input, output)
	}
}

func TestSwapEnforcesMinimumOutput(t *testing.T) {
	venue, ledger, router := newVenue(t)
	_ = ledger.Mint(venue.Address(), bank.NewPayment("EGLD", 0, oneEGLD))
	err := venue.SwapFixedInput(context.Background(), savings.SwapRequest{
		Input:       bank.NewPayment("EGLD", 0, oneEGLD),
		OutputToken: "USDC-a1b2c3",
		MinOutput:   big.NewInt(42_500_001),
		Callback:    savings.ConvertCallbackEndpoint,
	})
	if !errors.Is(err, ErrSlippage) {
		t.Fatalf("expected ErrSlippage, got %v", err)
	}
	if len(router.deliveries) != 0 {
		t.Fatalf("nothing should be delivered")
	}
	held, _ := ledger.Balance(venue.Address(), "EGLD", 0)
	if held.Cmp(oneEGLD) != 0 {
		t.Fatalf("input must stay escrowed")
	}
}

func TestRejectedDeliveryRevertsSwap(t *testing.T) {
	venue, ledger, router := newVenue(t)
	router.err = errors.New("continuation rejected")
	_ = ledger.Mint(venue.Address(), bank.NewPayment("EGLD", 0, oneEGLD))
	err := venue.SwapFixedInput(context.Background(), savings.SwapRequest{
		Input:       bank.NewPayment("EGLD", 0, oneEGLD),
		OutputToken: "USDC-a1b2c3",
		Callback:    savings.ConvertCallbackEndpoint,
	})
	if err == nil || err.Error() != "continuation rejected" {
		t.Fatalf("expected the router error, got %v", err)
	}
	input, _ := ledger.Balance(venue.Address(), "EGLD", 0)
	output, _ := ledger.Balance(venue.Address(), "USDC-A1B2C3", 0)
	if input.Cmp(oneEGLD) != 0 || output.Sign() != 0 {
		t.Fatalf("swap not reverted: input %s output %s", input, output)
	}
	supply, _ := ledger.Supply("USDC-A1B2C3", 0)
	if supply.Sign() != 0 {
		t.Fatalf("expected no stablecoin supply, got %s", supply)
	}
}

func TestSwapWithoutRouter(t *testing.T) {
	store := storage.NewStore(storage.NewMemDB())
	venue, err := New(store, DefaultConfig(), pricefeed.New())
	if err != nil {
		t.Fatalf("new venue: %v", err)
	}
	if err := venue.SwapFixedInput(context.Background(), savings.SwapRequest{}); !errors.Is(err, ErrNoRouter) {
		t.Fatalf("expected ErrNoRouter, got %v", err)
	}
}

// settleWithoutDelivery leaves a swap in the state a crash between settlement
// and delivery would.
func settleWithoutDelivery(t *testing.T, venue *Venue, ledger *bank.Ledger, caller crypto.Address) undelivered {
	t.Helper()
	if err := ledger.Mint(venue.Address(), bank.NewPayment("EGLD", 0, oneEGLD)); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	swap := undelivered{
		Callback: savings.ConvertCallbackEndpoint,
		Input:    bank.NewPayment("EGLD", 0, oneEGLD),
		Output:   bank.NewPayment("USDC-A1B2C3", 0, big.NewInt(42_500_000)),
	}
	if err := venue.settle(swap.Input, swap.Output, func(tx *storage.Tx) error {
		return tx.KVPut(undeliveredKey(caller), swap)
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	return swap
}

func TestRedeliverSendsSettledOutput(t *testing.T) {
	venue, ledger, router := newVenue(t)
	ctx := context.Background()
	caller := crypto.ModuleAddress("savings")

	if delivered, err := venue.Redeliver(ctx, caller); err != nil || delivered {
		t.Fatalf("expected nothing to redeliver, got %v %v", delivered, err)
	}
	settleWithoutDelivery(t, venue, ledger, caller)

	delivered, err := venue.Redeliver(ctx, caller)
	if err != nil || !delivered {
		t.Fatalf("redeliver: delivered=%v err=%v", delivered, err)
	}
	if len(router.deliveries) != 1 || router.deliveries[0].payment.Amount.Cmp(big.NewInt(42_500_000)) != 0 {
		t.Fatalf("unexpected deliveries %+v", router.deliveries)
	}
	if delivered, err := venue.Redeliver(ctx, caller); err != nil || delivered {
		t.Fatalf("a delivered swap must not be sent twice, got %v %v", delivered, err)
	}
}

func TestRejectedRedeliveryRevertsSwap(t *testing.T) {
	venue, ledger, router := newVenue(t)
	caller := crypto.ModuleAddress("savings")
	settleWithoutDelivery(t, venue, ledger, caller)
	router.err = errors.New("no pending call")

	delivered, err := venue.Redeliver(context.Background(), caller)
	if err == nil || delivered {
		t.Fatalf("expected the router error, got delivered=%v err=%v", delivered, err)
	}
	input, _ := ledger.Balance(venue.Address(), "EGLD", 0)
	output, _ := ledger.Balance(venue.Address(), "USDC-A1B2C3", 0)
	if input.Cmp(oneEGLD) != 0 || output.Sign() != 0 {
		t.Fatalf("swap not reverted: input %s output %s", input, output)
	}
}
