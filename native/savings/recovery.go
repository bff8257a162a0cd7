package savings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stakesavings/core/events"
	"stakesavings/crypto"
	"stakesavings/native/bank"
)

var errInterrupted = errors.New("harvest call interrupted before its reply was applied")

// RecoverHarvest settles claim and convert calls whose pending records
// outlived the process that issued them. Escrow still held by the remote
// service is collected back. A claim the delegation service already applied
// is replayed from its recorded reply, and a swap the venue settled is
// delivered again. Calls issued by this engine and still running are left
// alone.
func (e *Engine) RecoverHarvest(ctx context.Context) (receipt RecoveryReceipt, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "savings.recover_harvest")
	defer func() { e.observe(span, "recover_harvest", start, err) }()

	receipt.Claim, receipt.ClaimCallID, err = e.recoverClaim(ctx)
	if err != nil {
		return receipt, fmt.Errorf("recover claim: %w", err)
	}
	receipt.Convert, receipt.ConvertCallID, err = e.recoverConvert(ctx)
	if err != nil {
		return receipt, fmt.Errorf("recover convert: %w", err)
	}
	return receipt, nil
}

func (e *Engine) recoverClaim(ctx context.Context) (string, string, error) {
	clearClaim := func(state *PoolState) { state.ClaimInFlight = false }

	e.mu.Lock()
	call, delegation, held, err := e.interruptedCall(pendingClaimKey, func() (crypto.Address, error) {
		if e.delegation == nil {
			return crypto.Address{}, errNilDelegation
		}
		return e.delegation.Address(), nil
	})
	if err != nil || call == nil {
		e.mu.Unlock()
		return RecoveryNone, "", err
	}
	if held {
		defer e.mu.Unlock()
		return RecoveryReturned, call.CallID, e.returnEscrow(pendingClaimKey, clearClaim, delegation, *call)
	}
	service := e.delegation
	e.mu.Unlock()

	if recorder, ok := service.(ClaimRecorder); ok {
		reply, found, err := recorder.ClaimReply(ctx, e.address, clonePayments(call.Escrow))
		if err != nil {
			return RecoveryNone, call.CallID, err
		}
		if found {
			e.logger.Info("savings replaying interrupted claim", "call_id", call.CallID, "epoch", call.Epoch)
			if _, err := e.completeClaim(*call, delegation, reply, nil); err != nil {
				return RecoveryReplayed, call.CallID, err
			}
			return RecoveryReplayed, call.CallID, nil
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return RecoveryAbandoned, call.CallID, e.dropCall(pendingClaimKey, clearClaim, delegation, *call)
}

func (e *Engine) recoverConvert(ctx context.Context) (string, string, error) {
	clearConvert := func(state *PoolState) { state.ConvertInFlight = false }

	e.mu.Lock()
	call, venueAddr, held, err := e.interruptedCall(pendingConvertKey, func() (crypto.Address, error) {
		if e.venue == nil {
			return crypto.Address{}, errNilVenue
		}
		return e.venue.Address(), nil
	})
	if err != nil || call == nil {
		e.mu.Unlock()
		return RecoveryNone, "", err
	}
	if held {
		defer e.mu.Unlock()
		return RecoveryReturned, call.CallID, e.returnEscrow(pendingConvertKey, clearConvert, venueAddr, *call)
	}
	venue := e.venue
	e.mu.Unlock()

	if redeliverer, ok := venue.(SwapRedeliverer); ok {
		delivered, err := redeliverer.Redeliver(ctx, e.address)
		e.mu.Lock()
		delete(e.settled, call.CallID)
		e.mu.Unlock()
		if err != nil {
			e.logger.Warn("savings swap redelivery failed", "call_id", call.CallID, "error", err)
		}
		if delivered && err == nil {
			e.logger.Info("savings replayed interrupted convert", "call_id", call.CallID, "epoch", call.Epoch)
			return RecoveryReplayed, call.CallID, nil
		}
	}

	// A rejected redelivery hands the input back to the venue.
	e.mu.Lock()
	defer e.mu.Unlock()
	held, err = e.holds(venueAddr, call.Escrow)
	if err != nil {
		return RecoveryNone, call.CallID, err
	}
	if held {
		return RecoveryReturned, call.CallID, e.returnEscrow(pendingConvertKey, clearConvert, venueAddr, *call)
	}
	return RecoveryAbandoned, call.CallID, e.dropCall(pendingConvertKey, clearConvert, venueAddr, *call)
}

// interruptedCall loads the pending record under key and reports whether the
// remote service still holds its escrow. A nil call means there is nothing to
// recover. The engine mutex must be held.
func (e *Engine) interruptedCall(key []byte, remote func() (crypto.Address, error)) (*pendingCall, crypto.Address, bool, error) {
	var call pendingCall
	ok, err := e.store.KVGet(key, &call)
	if err != nil || !ok {
		return nil, crypto.Address{}, false, err
	}
	if _, running := e.live[call.CallID]; running {
		return nil, crypto.Address{}, false, fmt.Errorf("%w: %s", ErrHarvestInFlight, call.CallID)
	}
	from, err := remote()
	if err != nil {
		return nil, crypto.Address{}, false, err
	}
	held, err := e.holds(from, call.Escrow)
	if err != nil {
		return nil, crypto.Address{}, false, err
	}
	return &call, from, held, nil
}

func (e *Engine) holds(addr crypto.Address, payments []bank.Payment) (bool, error) {
	ledger := bank.NewLedger(e.store)
	for _, p := range payments {
		balance, err := ledger.Balance(addr, p.Token, p.Nonce)
		if err != nil {
			return false, err
		}
		if p.Amount == nil || balance.Cmp(p.Amount) < 0 {
			return false, nil
		}
	}
	return len(payments) > 0, nil
}

func (e *Engine) returnEscrow(key []byte, clear func(*PoolState), from crypto.Address, call pendingCall) error {
	step := e.failedStep(key)
	e.harvestFailed(step, call, errInterrupted)
	return e.abandonCall(key, clear, from, call.Escrow)
}

// dropCall clears a pending record whose escrow is gone from the remote
// service and cannot be rebuilt.
func (e *Engine) dropCall(key []byte, clear func(*PoolState), from crypto.Address, call pendingCall) error {
	if err := e.abandonCall(key, clear, from, nil); err != nil {
		return err
	}
	e.harvestFailed(e.failedStep(key), call, ErrEscrowLost)
	e.logger.Error("savings interrupted call dropped", "call_id", call.CallID, "remote", from.String(), "escrow", sumPayments(call.Escrow).String())
	return fmt.Errorf("%w: call %s escrowed to %s", ErrEscrowLost, call.CallID, from)
}

func (e *Engine) failedStep(key []byte) string {
	if string(key) == string(pendingConvertKey) {
		return events.HarvestConvertFailed
	}
	return events.HarvestClaimFailed
}
