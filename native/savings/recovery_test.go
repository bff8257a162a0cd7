package savings

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"stakesavings/crypto"
	"stakesavings/native/bank"
)

// recordingDelegation remembers every reply by the first instance sent.
type recordingDelegation struct {
	*fakeDelegation
	replies map[uint64]ClaimRewardsReply
}

func (d *recordingDelegation) ClaimReply(_ context.Context, _ crypto.Address, instances []bank.Payment) (ClaimRewardsReply, bool, error) {
	if len(instances) == 0 {
		return ClaimRewardsReply{}, false, nil
	}
	reply, ok := d.replies[instances[0].Nonce]
	return reply, ok, nil
}

func issueInterruptedClaim(t *testing.T, h *harness) pendingCall {
	t.Helper()
	call, _, err := h.engine.issueClaim()
	if err != nil {
		t.Fatalf("issue claim: %v", err)
	}
	return call
}

func TestRecoverClaimEscrowAfterRestart(t *testing.T) {
	h, nonce := stakedHarness(t)
	issueInterruptedClaim(t, h)
	h.restart()

	if !h.pool().ClaimInFlight {
		t.Fatalf("the interrupted claim should still be marked in flight")
	}
	if _, err := h.engine.ClaimStakingRewards(h.ctx); !errors.Is(err, ErrHarvestInFlight) {
		t.Fatalf("expected ErrHarvestInFlight before recovery, got %v", err)
	}

	receipt, err := h.engine.RecoverHarvest(h.ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if receipt.Claim != RecoveryReturned || receipt.ClaimCallID == "" || receipt.Convert != RecoveryNone {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	state := h.pool()
	if state.ClaimInFlight || state.LastRewardsClaimEpoch != 0 {
		t.Fatalf("unexpected state after recovery %+v", state)
	}
	requireAmount(t, "pool collateral", h.balance(h.engine.Address(), h.cfg.LiquidStakingToken, nonce), pledgeAmount)
	requireAmount(t, "delegation escrow", h.balance(h.delegation.addr, h.cfg.LiquidStakingToken, nonce), big.NewInt(0))
	if ok, err := h.store.KVGet(pendingClaimKey, &pendingCall{}); err != nil || ok {
		t.Fatalf("pending claim record survived recovery: ok=%v err=%v", ok, err)
	}

	if _, err := h.engine.ClaimStakingRewards(h.ctx); err != nil {
		t.Fatalf("claim after recovery: %v", err)
	}
	again, err := h.engine.RecoverHarvest(h.ctx)
	if err != nil || again.Claim != RecoveryNone || again.Convert != RecoveryNone {
		t.Fatalf("expected nothing left to recover, got %+v %v", again, err)
	}
}

func TestRecoverReplaysAppliedClaim(t *testing.T) {
	h, nonce := stakedHarness(t)
	call := issueInterruptedClaim(t, h)
	reply, err := h.delegation.ClaimRewards(h.ctx, h.engine.Address(), clonePayments(call.Escrow))
	if err != nil {
		t.Fatalf("claim rewards: %v", err)
	}
	h.restart()
	h.engine.SetDelegation(&recordingDelegation{
		fakeDelegation: h.delegation,
		replies:        map[uint64]ClaimRewardsReply{nonce: reply},
	})

	receipt, err := h.engine.RecoverHarvest(h.ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if receipt.Claim != RecoveryReplayed || receipt.ClaimCallID != call.CallID {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	state := h.pool()
	if state.ClaimInFlight || state.LastRewardsClaimEpoch != 2 {
		t.Fatalf("unexpected state after replay %+v", state)
	}
	positions := h.positions()
	if len(positions) != 1 || positions[0].InstanceNonce != reply.Instances[0].Nonce {
		t.Fatalf("position not repointed at the reissued instance: %+v", positions)
	}
	requireAmount(t, "pool collateral", h.balance(h.engine.Address(), h.cfg.LiquidStakingToken, reply.Instances[0].Nonce), pledgeAmount)
	requireAmount(t, "pool rewards", h.balance(h.engine.Address(), h.cfg.StakedToken, 0), reply.Rewards.Amount)

	if _, err := h.engine.ConvertStakingToken(h.ctx); err != nil {
		t.Fatalf("convert after replay: %v", err)
	}
}

func TestRecoverDropsUnrecordedClaim(t *testing.T) {
	h, _ := stakedHarness(t)
	call := issueInterruptedClaim(t, h)
	if _, err := h.delegation.ClaimRewards(h.ctx, h.engine.Address(), clonePayments(call.Escrow)); err != nil {
		t.Fatalf("claim rewards: %v", err)
	}
	h.restart()

	receipt, err := h.engine.RecoverHarvest(h.ctx)
	if !errors.Is(err, ErrEscrowLost) {
		t.Fatalf("expected ErrEscrowLost, got %v", err)
	}
	if receipt.Claim != RecoveryAbandoned {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if h.pool().ClaimInFlight {
		t.Fatalf("a dropped claim must not block the pool")
	}
	repayment := bank.NewPayment(h.cfg.StablecoinToken, 0, big.NewInt(20_000))
	h.mintStable(h.borrower, 20_000)
	if _, err := h.engine.Repay(h.ctx, h.borrower, bank.NewPayment(h.cfg.BorrowToken, 1, big.NewInt(18_750)), repayment); errors.Is(err, ErrHarvestInFlight) {
		t.Fatalf("repay still blocked after recovery: %v", err)
	}
}

func TestRecoverConvertEscrowAfterRestart(t *testing.T) {
	h, _ := stakedHarness(t)
	claimed, err := h.engine.ClaimStakingRewards(h.ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, _, err := h.engine.issueConvert(); err != nil {
		t.Fatalf("issue convert: %v", err)
	}
	h.restart()

	if _, err := h.engine.ConvertStakingToken(h.ctx); !errors.Is(err, ErrHarvestInFlight) {
		t.Fatalf("expected ErrHarvestInFlight before recovery, got %v", err)
	}
	receipt, err := h.engine.RecoverHarvest(h.ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if receipt.Claim != RecoveryNone || receipt.Convert != RecoveryReturned {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	state := h.pool()
	if state.ConvertInFlight || state.LastConvertEpoch != 0 {
		t.Fatalf("unexpected state after recovery %+v", state)
	}
	requireAmount(t, "pool staked token", h.balance(h.engine.Address(), h.cfg.StakedToken, 0), claimed.Rewards)

	converted, err := h.engine.ConvertStakingToken(h.ctx)
	if err != nil {
		t.Fatalf("convert after recovery: %v", err)
	}
	requireAmount(t, "convert output", converted.Output, big.NewInt(2_500))
}

func TestRecoverLeavesRunningCallAlone(t *testing.T) {
	h, _ := stakedHarness(t)
	var recoverErr error
	h.delegation.onCall = func() {
		_, recoverErr = h.engine.RecoverHarvest(h.ctx)
	}
	if _, err := h.engine.ClaimStakingRewards(h.ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !errors.Is(recoverErr, ErrHarvestInFlight) {
		t.Fatalf("expected ErrHarvestInFlight for a running call, got %v", recoverErr)
	}
	if h.pool().LastRewardsClaimEpoch != 2 {
		t.Fatalf("the running claim should have completed")
	}
}
