package delegation

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"stakesavings/crypto"
	"stakesavings/native/bank"
	"stakesavings/storage"
)

func newService(t *testing.T) (*Service, *bank.Ledger) {
	t.Helper()
	store := storage.NewStore(storage.NewMemDB())
	svc, err := New(store, DefaultConfig())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, bank.NewLedger(store)
}

func account(fill byte) crypto.Address {
	return crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{fill}, crypto.AddressLength))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	store := storage.NewStore(storage.NewMemDB())
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Fatalf("expected nil store to fail")
	}
	cfg := DefaultConfig()
	cfg.StakedToken = cfg.LiquidStakingToken
	if _, err := New(store, cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	cfg = DefaultConfig()
	cfg.RewardBps = 10_001
	if _, err := New(store, cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestStakeMintsInstance(t *testing.T) {
	svc, ledger := newService(t)
	staker := account(0x01)
	if err := ledger.Mint(staker, bank.NewPayment("EGLD", 0, big.NewInt(1_000))); err != nil {
		t.Fatalf("mint: %v", err)
	}
	minted, err := svc.Stake(context.Background(), staker, bank.NewPayment("egld", 0, big.NewInt(600)))
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if minted.Nonce != 1 || minted.Amount.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("unexpected instance %s", minted)
	}
	held, _ := ledger.Balance(svc.Address(), "EGLD", 0)
	if held.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("expected service to hold 600, got %s", held)
	}
	var origin Stake
	if err := ledger.Attributes(minted.Token, minted.Nonce, &origin); err != nil {
		t.Fatalf("attributes: %v", err)
	}
	if !bytes.Equal(origin.Staker, staker.Bytes()) || origin.Generation != 0 {
		t.Fatalf("unexpected attributes %+v", origin)
	}

	if _, err := svc.Stake(context.Background(), staker, bank.NewPayment("USDC", 0, big.NewInt(1))); !errors.Is(err, ErrWrongToken) {
		t.Fatalf("expected ErrWrongToken, got %v", err)
	}
	if _, err := svc.Stake(context.Background(), staker, bank.NewPayment("EGLD", 0, big.NewInt(401))); !errors.Is(err, bank.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestClaimRewardsReissuesEscrowedInstances(t *testing.T) {
	svc, ledger := newService(t)
	caller := account(0x02)
	first, _ := ledger.CreateInstance(svc.Address(), "LSTEGLD-D4E5F6", big.NewInt(1_000), nil)
	second, _ := ledger.CreateInstance(svc.Address(), "LSTEGLD-D4E5F6", big.NewInt(500), nil)

	reply, err := svc.ClaimRewards(context.Background(), caller, []bank.Payment{
		bank.NewPayment("LSTEGLD-D4E5F6", first, big.NewInt(1_000)),
		bank.NewPayment("LSTEGLD-D4E5F6", second, big.NewInt(500)),
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(reply.Instances) != 2 || reply.Instances[0].Nonce != 3 || reply.Instances[1].Nonce != 4 {
		t.Fatalf("unexpected instances %v", reply.Instances)
	}
	if reply.Rewards.Token != "EGLD" || reply.Rewards.Amount.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("unexpected rewards %s", reply.Rewards)
	}
	old, _ := ledger.Balance(svc.Address(), "LSTEGLD-D4E5F6", first)
	if old.Sign() != 0 {
		t.Fatalf("expected the original instance to be burned")
	}
	fresh, _ := ledger.Balance(svc.Address(), "LSTEGLD-D4E5F6", 3)
	if fresh.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected the reissued instance at the service, got %s", fresh)
	}
	var origin Stake
	if err := ledger.Attributes("LSTEGLD-D4E5F6", 3, &origin); err != nil || origin.Generation != 1 {
		t.Fatalf("expected generation 1, got %+v (%v)", origin, err)
	}
}

func TestClaimRewardsRejectsUnescrowed(t *testing.T) {
	svc, ledger := newService(t)
	caller := account(0x03)
	nonce, _ := ledger.CreateInstance(caller, "LSTEGLD-D4E5F6", big.NewInt(10), nil)
	_, err := svc.ClaimRewards(context.Background(), caller, []bank.Payment{bank.NewPayment("LSTEGLD-D4E5F6", nonce, big.NewInt(10))})
	if !errors.Is(err, ErrNotEscrowed) {
		t.Fatalf("expected ErrNotEscrowed, got %v", err)
	}
	held, _ := ledger.Balance(caller, "LSTEGLD-D4E5F6", nonce)
	if held.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("failed claim must not move funds")
	}
	if _, err := svc.ClaimRewards(context.Background(), caller, nil); !errors.Is(err, ErrNothingToClaim) {
		t.Fatalf("expected ErrNothingToClaim, got %v", err)
	}
}

func TestClaimReplyReturnsRecordedClaim(t *testing.T) {
	svc, ledger := newService(t)
	ctx := context.Background()
	caller := account(0x04)
	nonce, _ := ledger.CreateInstance(svc.Address(), "LSTEGLD-D4E5F6", big.NewInt(2_000), nil)
	sent := []bank.Payment{bank.NewPayment("LSTEGLD-D4E5F6", nonce, big.NewInt(2_000))}

	if _, found, err := svc.ClaimReply(ctx, caller, sent); err != nil || found {
		t.Fatalf("expected no reply before the claim, got found=%v err=%v", found, err)
	}
	reply, err := svc.ClaimRewards(ctx, caller, sent)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	recorded, found, err := svc.ClaimReply(ctx, caller, sent)
	if err != nil || !found {
		t.Fatalf("expected a recorded reply, got found=%v err=%v", found, err)
	}
	if len(recorded.Instances) != 1 || recorded.Instances[0].Nonce != reply.Instances[0].Nonce {
		t.Fatalf("unexpected recorded instances %v", recorded.Instances)
	}
	if recorded.Rewards.Amount.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("unexpected recorded rewards %s", recorded.Rewards)
	}
	if _, found, _ := svc.ClaimReply(ctx, account(0x05), sent); found {
		t.Fatalf("another caller must not see the reply")
	}
}
