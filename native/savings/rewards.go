package savings

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"stakesavings/core/events"
	"stakesavings/crypto"
	"stakesavings/native/bank"
)

// pendingCall is persisted before a harvest call leaves the engine and
// deleted by its continuation.
type pendingCall struct {
	CallID      string
	Epoch       uint64
	PositionIDs []uint64
	Escrow      []bank.Payment
}

func clonePayments(in []bank.Payment) []bank.Payment {
	out := make([]bank.Payment, len(in))
	for i, p := range in {
		out[i] = bank.NewPayment(p.Token, p.Nonce, p.Amount)
	}
	return out
}

func sumPayments(in []bank.Payment) *big.Int {
	total := big.NewInt(0)
	for _, p := range in {
		if p.Amount != nil {
			total.Add(total, p.Amount)
		}
	}
	return total
}

// ClaimStakingRewards sends every staking position to the delegation service
// in one call and, on reply, repoints each position at its fresh instance.
// The claim checkpoint only advances on a well-formed reply.
func (e *Engine) ClaimStakingRewards(ctx context.Context) (receipt ClaimReceipt, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "savings.claim_staking_rewards")
	defer func() { e.observe(span, "claim_staking_rewards", start, err) }()

	call, delegation, err := e.issueClaim()
	if err != nil {
		return ClaimReceipt{}, err
	}
	span.SetAttributes(
		attribute.String("call.id", call.CallID),
		attribute.Int("positions", len(call.PositionIDs)),
	)
	reply, callErr := delegation.ClaimRewards(ctx, e.address, clonePayments(call.Escrow))
	return e.completeClaim(call, delegation.Address(), reply, callErr)
}

func (e *Engine) issueClaim() (pendingCall, DelegationService, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return pendingCall{}, nil, err
	}
	if e.delegation == nil {
		return pendingCall{}, nil, errNilDelegation
	}
	s, err := e.begin()
	if err != nil {
		return pendingCall{}, nil, err
	}
	defer s.tx.Discard()
	if s.state.ClaimInFlight {
		return pendingCall{}, nil, ErrHarvestInFlight
	}
	epoch := e.clock.CurrentEpoch()
	if err := NewEpochGuard(s.state).CanClaim(epoch); err != nil {
		return pendingCall{}, nil, err
	}
	positions, err := s.positions.Traverse()
	if err != nil {
		return pendingCall{}, nil, err
	}
	call := pendingCall{CallID: uuid.NewString(), Epoch: epoch}
	for _, pos := range positions {
		balance, err := s.ledger.Balance(e.address, e.cfg.LiquidStakingToken, pos.InstanceNonce)
		if err != nil {
			return pendingCall{}, nil, err
		}
		if balance.Sign() == 0 {
			e.logger.Warn("savings staking position holds no collateral", "position_id", pos.ID, "nonce", pos.InstanceNonce)
			continue
		}
		call.PositionIDs = append(call.PositionIDs, pos.ID)
		call.Escrow = append(call.Escrow, bank.NewPayment(e.cfg.LiquidStakingToken, pos.InstanceNonce, balance))
	}
	if len(call.PositionIDs) == 0 {
		return pendingCall{}, nil, ErrNoPositionsAvailable
	}
	delegationAddr := e.delegation.Address()
	for _, p := range call.Escrow {
		if err := s.ledger.Transfer(e.address, delegationAddr, p); err != nil {
			return pendingCall{}, nil, err
		}
	}
	if err := s.tx.KVPut(pendingClaimKey, call); err != nil {
		return pendingCall{}, nil, err
	}
	s.state.ClaimInFlight = true
	if err := s.commit(); err != nil {
		return pendingCall{}, nil, err
	}
	e.live[call.CallID] = struct{}{}
	e.publish(s.state)
	e.emit(events.SavingsHarvest{
		Step:      events.HarvestClaimIssued,
		CallID:    call.CallID,
		Epoch:     epoch,
		Positions: len(call.PositionIDs),
		Amount:    sumPayments(call.Escrow),
	})
	e.logger.Info("savings claim issued", "call_id", call.CallID, "epoch", epoch, "positions", len(call.PositionIDs))
	return call, e.delegation, nil
}

func (e *Engine) completeClaim(call pendingCall, from crypto.Address, reply ClaimRewardsReply, callErr error) (ClaimReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.live, call.CallID)
	if err := e.requirePending(pendingClaimKey, call.CallID); err != nil {
		return ClaimReceipt{}, err
	}
	clearClaim := func(state *PoolState) { state.ClaimInFlight = false }

	if callErr != nil {
		recoverErr := e.abandonCall(pendingClaimKey, clearClaim, from, call.Escrow)
		e.harvestFailed(events.HarvestClaimFailed, call, callErr)
		return ClaimReceipt{}, remoteFailure(callErr, recoverErr)
	}

	received := append(clonePayments(reply.Instances), bank.NewPayment(reply.Rewards.Token, reply.Rewards.Nonce, reply.Rewards.Amount))
	if err := e.validateClaimReply(call, reply); err != nil {
		if recoverErr := e.abandonCall(pendingClaimKey, clearClaim, from, received); recoverErr != nil {
			e.logger.Error("savings claim reply not recovered", "call_id", call.CallID, "error", recoverErr)
		}
		e.harvestFailed(events.HarvestClaimFailed, call, err)
		return ClaimReceipt{}, err
	}

	s, err := e.begin()
	if err != nil {
		return ClaimReceipt{}, err
	}
	defer s.tx.Discard()
	for i, id := range call.PositionIDs {
		instance := reply.Instances[i]
		if err := s.positions.Update(id, instance.Nonce); err != nil {
			return ClaimReceipt{}, e.failClaim(s, call, from, received, err)
		}
		if err := s.ledger.Transfer(from, e.address, instance); err != nil {
			return ClaimReceipt{}, e.failClaim(s, call, from, received, err)
		}
	}
	rewards := big.NewInt(0)
	if reply.Rewards.Amount != nil && reply.Rewards.Amount.Sign() > 0 {
		rewards.Set(reply.Rewards.Amount)
		if err := s.ledger.Transfer(from, e.address, reply.Rewards); err != nil {
			return ClaimReceipt{}, e.failClaim(s, call, from, received, err)
		}
	}
	if err := s.tx.KVDelete(pendingClaimKey); err != nil {
		return ClaimReceipt{}, err
	}
	s.state.ClaimInFlight = false
	s.state.LastRewardsClaimEpoch = call.Epoch
	if err := s.commit(); err != nil {
		return ClaimReceipt{}, err
	}
	e.publish(s.state)
	e.emit(events.SavingsHarvest{
		Step:      events.HarvestClaimCompleted,
		CallID:    call.CallID,
		Epoch:     call.Epoch,
		Positions: len(call.PositionIDs),
		Amount:    rewards,
	})
	e.logger.Info("savings claim completed", "call_id", call.CallID, "epoch", call.Epoch, "rewards", rewards.String())
	return ClaimReceipt{CallID: call.CallID, Epoch: call.Epoch, Positions: len(call.PositionIDs), Rewards: rewards}, nil
}

// failClaim drops the partial continuation and settles the call as failed.
func (e *Engine) failClaim(s *session, call pendingCall, from crypto.Address, received []bank.Payment, cause error) error {
	s.tx.Discard()
	if recoverErr := e.abandonCall(pendingClaimKey, func(state *PoolState) { state.ClaimInFlight = false }, from, received); recoverErr != nil {
		e.logger.Error("savings claim reply not recovered", "call_id", call.CallID, "error", recoverErr)
	}
	e.harvestFailed(events.HarvestClaimFailed, call, cause)
	return fmt.Errorf("savings: apply claim reply: %w", cause)
}

func (e *Engine) validateClaimReply(call pendingCall, reply ClaimRewardsReply) error {
	if len(reply.Instances) != len(call.PositionIDs) {
		return fmt.Errorf("%w: sent %d instances, received %d", ErrMalformedClaimReply, len(call.PositionIDs), len(reply.Instances))
	}
	for i, instance := range reply.Instances {
		if instance.Token.Normalize() != e.cfg.LiquidStakingToken || instance.Nonce == 0 {
			return fmt.Errorf("%w: entry %d is %s", ErrMalformedClaimReply, i, instance)
		}
		if instance.Amount == nil || instance.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: entry %d has no amount", ErrMalformedClaimReply, i)
		}
	}
	if reply.Rewards.Amount != nil && reply.Rewards.Amount.Sign() > 0 && reply.Rewards.Token.Normalize() != e.cfg.StakedToken {
		return fmt.Errorf("%w: rewards paid in %s", ErrMalformedClaimReply, reply.Rewards.Token)
	}
	return nil
}

// ConvertStakingToken swaps the pool's whole staked token balance into
// stablecoins. The swap output arrives through Deliver. An empty balance
// completes the epoch's conversion without calling the venue.
func (e *Engine) ConvertStakingToken(ctx context.Context) (receipt ConvertReceipt, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "savings.convert_staking_token")
	defer func() { e.observe(span, "convert_staking_token", start, err) }()

	call, venue, err := e.issueConvert()
	if err != nil {
		return ConvertReceipt{}, err
	}
	span.SetAttributes(attribute.String("call.id", call.CallID))
	if len(call.Escrow) == 0 {
		return ConvertReceipt{CallID: call.CallID, Epoch: call.Epoch, Input: big.NewInt(0), Output: big.NewInt(0)}, nil
	}
	input := call.Escrow[0]
	swapErr := venue.SwapFixedInput(ctx, SwapRequest{
		Caller:      e.address,
		Input:       bank.NewPayment(input.Token, input.Nonce, input.Amount),
		OutputToken: e.cfg.StablecoinToken,
		// No slippage bound: the swap takes whatever the venue quotes.
		MinOutput: big.NewInt(0),
		Callback:  ConvertCallbackEndpoint,
	})
	return e.completeConvert(call, venue.Address(), swapErr)
}

func (e *Engine) issueConvert() (pendingCall, SwapVenue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.guard(); err != nil {
		return pendingCall{}, nil, err
	}
	if e.venue == nil {
		return pendingCall{}, nil, errNilVenue
	}
	s, err := e.begin()
	if err != nil {
		return pendingCall{}, nil, err
	}
	defer s.tx.Discard()
	epoch := e.clock.CurrentEpoch()
	if err := NewEpochGuard(s.state).CanConvert(epoch); err != nil {
		return pendingCall{}, nil, err
	}
	if s.state.ConvertInFlight {
		return pendingCall{}, nil, ErrHarvestInFlight
	}
	balance, err := s.ledger.Balance(e.address, e.cfg.StakedToken, 0)
	if err != nil {
		return pendingCall{}, nil, err
	}
	if balance.Sign() == 0 {
		call := pendingCall{CallID: uuid.NewString(), Epoch: epoch}
		s.state.LastConvertEpoch = epoch
		if err := s.commit(); err != nil {
			return pendingCall{}, nil, err
		}
		e.publish(s.state)
		e.emit(events.SavingsHarvest{Step: events.HarvestConvertComplete, CallID: call.CallID, Epoch: epoch, Amount: big.NewInt(0)})
		e.logger.Info("savings convert completed without rewards", "call_id", call.CallID, "epoch", epoch)
		return call, nil, nil
	}
	input := bank.NewPayment(e.cfg.StakedToken, 0, balance)
	if err := s.ledger.Transfer(e.address, e.venue.Address(), input); err != nil {
		return pendingCall{}, nil, err
	}
	call := pendingCall{CallID: uuid.NewString(), Epoch: epoch, Escrow: []bank.Payment{input}}
	if err := s.tx.KVPut(pendingConvertKey, call); err != nil {
		return pendingCall{}, nil, err
	}
	s.state.ConvertInFlight = true
	if err := s.commit(); err != nil {
		return pendingCall{}, nil, err
	}
	e.live[call.CallID] = struct{}{}
	e.publish(s.state)
	e.emit(events.SavingsHarvest{Step: events.HarvestConvertIssued, CallID: call.CallID, Epoch: epoch, Amount: balance})
	e.logger.Info("savings convert issued", "call_id", call.CallID, "epoch", epoch, "amount", balance.String())
	return call, e.venue, nil
}

func (e *Engine) completeConvert(call pendingCall, venueAddr crypto.Address, swapErr error) (ConvertReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.live, call.CallID)
	if err := e.requirePending(pendingConvertKey, call.CallID); err != nil {
		output, delivered := e.settled[call.CallID]
		if !delivered {
			return ConvertReceipt{}, err
		}
		delete(e.settled, call.CallID)
		if swapErr != nil {
			e.logger.Warn("savings swap venue reported an error after delivering", "call_id", call.CallID, "error", swapErr)
		}
		return ConvertReceipt{CallID: call.CallID, Epoch: call.Epoch, Input: sumPayments(call.Escrow), Output: output}, nil
	}
	if swapErr == nil {
		swapErr = errors.New("swap venue returned without delivering")
	}
	recoverErr := e.abandonCall(pendingConvertKey, func(state *PoolState) { state.ConvertInFlight = false }, venueAddr, call.Escrow)
	e.harvestFailed(events.HarvestConvertFailed, call, swapErr)
	return ConvertReceipt{}, remoteFailure(swapErr, recoverErr)
}

// Deliver implements Router. It dispatches payments sent by remote services
// to the named continuation.
func (e *Engine) Deliver(ctx context.Context, from crypto.Address, endpoint string, payment bank.Payment) error {
	switch endpoint {
	case ConvertCallbackEndpoint:
		return e.convertCallback(ctx, from, payment)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEndpoint, endpoint)
	}
}

func (e *Engine) convertCallback(ctx context.Context, from crypto.Address, payment bank.Payment) (err error) {
	start := time.Now()
	_, span := e.tracer.Start(ctx, "savings.convert_callback")
	defer func() { e.observe(span, "convert_callback", start, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.venue == nil {
		return errNilVenue
	}
	if !from.Equal(e.venue.Address()) {
		return ErrUnauthorizedCaller
	}
	payment, err = checkPayment(payment, e.cfg.StablecoinToken)
	if err != nil {
		return err
	}
	s, err := e.begin()
	if err != nil {
		return err
	}
	defer s.tx.Discard()
	var call pendingCall
	ok, err := s.tx.KVGet(pendingConvertKey, &call)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoPendingCall
	}
	if err = s.ledger.Transfer(from, e.address, payment); err != nil {
		return err
	}
	if err = s.tx.KVDelete(pendingConvertKey); err != nil {
		return err
	}
	s.state.StablecoinReserves.Add(s.state.StablecoinReserves, payment.Amount)
	s.state.LastConvertEpoch = call.Epoch
	s.state.ConvertInFlight = false
	if err = s.commit(); err != nil {
		return err
	}
	e.settled[call.CallID] = new(big.Int).Set(payment.Amount)
	e.publish(s.state)
	e.emit(events.SavingsHarvest{Step: events.HarvestConvertComplete, CallID: call.CallID, Epoch: call.Epoch, Amount: payment.Amount})
	e.logger.Info("savings convert completed", "call_id", call.CallID, "epoch", call.Epoch, "amount", payment.Amount.String())
	return nil
}

// CalculateTotalLenderRewards moves the interest owed to lenders since the
// previous calculation from the reserves into the unclaimed rewards.
func (e *Engine) CalculateTotalLenderRewards(ctx context.Context) (receipt CalculateReceipt, err error) {
	start := time.Now()
	_, span := e.tracer.Start(ctx, "savings.calculate_lender_rewards")
	defer func() { e.observe(span, "calculate_lender_rewards", start, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err = e.guard(); err != nil {
		return CalculateReceipt{}, err
	}
	s, err := e.begin()
	if err != nil {
		return CalculateReceipt{}, err
	}
	defer s.tx.Discard()
	epoch := e.clock.CurrentEpoch()
	if err = NewEpochGuard(s.state).CanCalculate(epoch); err != nil {
		return CalculateReceipt{}, err
	}
	now := e.now()
	var elapsed uint64
	if s.state.LastRewardsCalcTimestamp != 0 {
		elapsed = elapsedSince(now, s.state.LastRewardsCalcTimestamp)
	}
	rates := e.ratesFor(s.state)
	owed := AccruedWithdrawal(s.state.LentAmount, elapsed, rates.DepositRate)
	owed.Sub(owed, s.state.LentAmount)
	setAside := minBig(owed, s.state.StablecoinReserves)
	s.state.StablecoinReserves = subFloor(s.state.StablecoinReserves, setAside)
	s.state.UnclaimedRewards.Add(s.state.UnclaimedRewards, setAside)
	s.state.LastRewardsCalcEpoch = epoch
	s.state.LastRewardsCalcTimestamp = now
	if err = s.commit(); err != nil {
		return CalculateReceipt{}, err
	}
	e.publish(s.state)
	e.emit(events.SavingsRewardsCalculated{Epoch: epoch, Owed: owed, SetAside: setAside, Unclaimed: s.state.UnclaimedRewards})
	return CalculateReceipt{
		Epoch:     epoch,
		Owed:      owed,
		SetAside:  setAside,
		Unclaimed: new(big.Int).Set(s.state.UnclaimedRewards),
	}, nil
}

func (e *Engine) requirePending(key []byte, callID string) error {
	var call pendingCall
	ok, err := e.store.KVGet(key, &call)
	if err != nil {
		return err
	}
	if !ok || call.CallID != callID {
		return fmt.Errorf("%w: %s", ErrNoPendingCall, callID)
	}
	return nil
}

// abandonCall collects payments held by from back into the pool, deletes the
// pending record and clears the in-flight flag. The record is cleared even
// when collection fails; the returned error names what was left behind.
func (e *Engine) abandonCall(key []byte, clear func(*PoolState), from crypto.Address, payments []bank.Payment) error {
	s, err := e.begin()
	if err != nil {
		return err
	}
	var collectErr error
	for _, p := range payments {
		if p.Amount == nil || p.Amount.Sign() <= 0 {
			continue
		}
		if err := s.ledger.Transfer(from, e.address, p); err != nil {
			collectErr = fmt.Errorf("collect %s from %s: %w", p, from, err)
			break
		}
	}
	if collectErr != nil {
		s.tx.Discard()
		if s, err = e.begin(); err != nil {
			return errors.Join(collectErr, err)
		}
	}
	defer s.tx.Discard()
	if err := s.tx.KVDelete(key); err != nil {
		return errors.Join(collectErr, err)
	}
	clear(&s.state)
	if err := s.commit(); err != nil {
		return errors.Join(collectErr, err)
	}
	e.publish(s.state)
	return collectErr
}

func (e *Engine) harvestFailed(step string, call pendingCall, cause error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	e.emit(events.SavingsHarvest{Step: step, CallID: call.CallID, Epoch: call.Epoch, Positions: len(call.PositionIDs), Reason: reason})
	e.logger.Warn("savings harvest call failed", "step", step, "call_id", call.CallID, "error", cause)
}

func remoteFailure(callErr, recoverErr error) error {
	if recoverErr != nil {
		return fmt.Errorf("%w: %v (escrow not recovered: %v)", ErrRemoteCallFailed, callErr, recoverErr)
	}
	return fmt.Errorf("%w: %v", ErrRemoteCallFailed, callErr)
}
