// Package scheduler drives the epoch harvest: claim staking rewards, convert
// them to stablecoins, then set lender rewards aside.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stakesavings/native/savings"
)

// Harvester is the subset of the engine the scheduler drives.
type Harvester interface {
	ClaimStakingRewards(ctx context.Context) (savings.ClaimReceipt, error)
	ConvertStakingToken(ctx context.Context) (savings.ConvertReceipt, error)
	CalculateTotalLenderRewards(ctx context.Context) (savings.CalculateReceipt, error)
}

// Result reports which steps completed during one tick.
type Result struct {
	Claimed    bool
	Converted  bool
	Calculated bool
}

// Scheduler runs one harvest cycle per interval.
type Scheduler struct {
	harvester Harvester
	interval  time.Duration
	logger    *slog.Logger
	once      sync.Once
}

// New constructs a scheduler.
func New(harvester Harvester, interval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if harvester == nil {
		return nil, fmt.Errorf("scheduler: harvester required")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{harvester: harvester, interval: interval, logger: logger.With("component", "harvest")}, nil
}

// Run blocks, ticking until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.once.Do(func() {
		s.logger.Info("harvest scheduler started", "interval", s.interval.String())
	})
	for {
		if _, err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("harvest tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs claim, convert and calculate in order. Steps already done this
// epoch are skipped; an empty pool ends the cycle quietly.
func (s *Scheduler) Tick(ctx context.Context) (Result, error) {
	var result Result

	claim, err := s.harvester.ClaimStakingRewards(ctx)
	switch {
	case err == nil:
		result.Claimed = true
		s.logger.Info("staking rewards claimed",
			"call_id", claim.CallID, "epoch", claim.Epoch,
			"positions", claim.Positions, "rewards", claim.Rewards.String())
	case errors.Is(err, savings.ErrAlreadyClaimedThisEpoch):
		s.logger.Debug("claim skipped", "reason", err.Error())
	case quiet(err):
		s.logger.Debug("harvest idle", "reason", err.Error())
		return result, nil
	default:
		return result, fmt.Errorf("claim: %w", err)
	}

	convert, err := s.harvester.ConvertStakingToken(ctx)
	switch {
	case err == nil:
		result.Converted = true
		s.logger.Info("staking rewards converted",
			"call_id", convert.CallID, "epoch", convert.Epoch,
			"input", convert.Input.String(), "output", convert.Output.String())
	case errors.Is(err, savings.ErrAlreadyConvertedThisEpoch):
		s.logger.Debug("convert skipped", "reason", err.Error())
	case quiet(err):
		s.logger.Debug("harvest idle", "reason", err.Error())
		return result, nil
	default:
		return result, fmt.Errorf("convert: %w", err)
	}

	calc, err := s.harvester.CalculateTotalLenderRewards(ctx)
	switch {
	case err == nil:
		result.Calculated = true
		s.logger.Info("lender rewards calculated",
			"epoch", calc.Epoch, "owed", calc.Owed.String(),
			"set_aside", calc.SetAside.String(), "unclaimed", calc.Unclaimed.String())
	case errors.Is(err, savings.ErrAlreadyCalculatedThisEpoch):
		s.logger.Debug("calculate skipped", "reason", err.Error())
	case quiet(err):
		s.logger.Debug("harvest idle", "reason", err.Error())
	default:
		return result, fmt.Errorf("calculate: %w", err)
	}
	return result, nil
}

// quiet reports errors that mean there is nothing to do right now.
func quiet(err error) bool {
	return errors.Is(err, savings.ErrNoPositionsAvailable) ||
		errors.Is(err, savings.ErrMustClaimFirst) ||
		errors.Is(err, savings.ErrMustConvertFirst) ||
		errors.Is(err, savings.ErrHarvestInFlight)
}
