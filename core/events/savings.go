package events

import (
	"math/big"
	"strconv"
	"strings"
)

const (
	// TypeSavingsLent is emitted when a lender deposits stablecoins.
	TypeSavingsLent = "savings.lent"
	// TypeSavingsWithdrawn is emitted when a lender redeems lend tokens.
	TypeSavingsWithdrawn = "savings.withdrawn"
	// TypeSavingsLenderRewardsClaimed is emitted when a lender claims interest
	// without redeeming the deposit.
	TypeSavingsLenderRewardsClaimed = "savings.lender_rewards_claimed"
	// TypeSavingsBorrowed is emitted when collateral is pledged for a loan.
	TypeSavingsBorrowed = "savings.borrowed"
	// TypeSavingsRepaid is emitted when a loan is repaid and collateral released.
	TypeSavingsRepaid = "savings.repaid"
	// TypeSavingsHarvest tracks every step of the reward harvest workflow.
	TypeSavingsHarvest = "savings.harvest"
	// TypeSavingsRewardsCalculated is emitted when lender rewards are set aside.
	TypeSavingsRewardsCalculated = "savings.rewards_calculated"
)

// Harvest step names carried by SavingsHarvest.Step.
const (
	HarvestClaimIssued     = "claim_issued"
	HarvestClaimCompleted  = "claim_completed"
	HarvestClaimFailed     = "claim_failed"
	HarvestConvertIssued   = "convert_issued"
	HarvestConvertComplete = "convert_completed"
	HarvestConvertFailed   = "convert_failed"
)

// SavingsLent describes a deposit.
type SavingsLent struct {
	Lender    string
	Amount    *big.Int
	LendNonce uint64
	Epoch     uint64
}

func (SavingsLent) EventType() string { return TypeSavingsLent }

func (e SavingsLent) Record() Record {
	return Record{
		Type: TypeSavingsLent,
		Attributes: map[string]string{
			"lender":    strings.TrimSpace(e.Lender),
			"amount":    amountString(e.Amount),
			"lendNonce": strconv.FormatUint(e.LendNonce, 10),
			"epoch":     strconv.FormatUint(e.Epoch, 10),
		},
	}
}

// SavingsWithdrawn describes a redemption.
type SavingsWithdrawn struct {
	Lender    string
	LendNonce uint64
	Principal *big.Int
	Payout    *big.Int
}

func (SavingsWithdrawn) EventType() string { return TypeSavingsWithdrawn }

func (e SavingsWithdrawn) Record() Record {
	return Record{
		Type: TypeSavingsWithdrawn,
		Attributes: map[string]string{
			"lender":    strings.TrimSpace(e.Lender),
			"lendNonce": strconv.FormatUint(e.LendNonce, 10),
			"principal": amountString(e.Principal),
			"payout":    amountString(e.Payout),
		},
	}
}

// SavingsLenderRewardsClaimed describes an interest-only claim.
type SavingsLenderRewardsClaimed struct {
	Lender       string
	OldLendNonce uint64
	NewLendNonce uint64
	Rewards      *big.Int
}

func (SavingsLenderRewardsClaimed) EventType() string { return TypeSavingsLenderRewardsClaimed }

func (e SavingsLenderRewardsClaimed) Record() Record {
	return Record{
		Type: TypeSavingsLenderRewardsClaimed,
		Attributes: map[string]string{
			"lender":       strings.TrimSpace(e.Lender),
			"oldLendNonce": strconv.FormatUint(e.OldLendNonce, 10),
			"newLendNonce": strconv.FormatUint(e.NewLendNonce, 10),
			"rewards":      amountString(e.Rewards),
		},
	}
}

// SavingsBorrowed describes a new loan.
type SavingsBorrowed struct {
	Borrower        string
	PositionID      uint64
	CollateralNonce uint64
	Collateral      *big.Int
	Loan            *big.Int
	BorrowNonce     uint64
}

func (SavingsBorrowed) EventType() string { return TypeSavingsBorrowed }

func (e SavingsBorrowed) Record() Record {
	return Record{
		Type: TypeSavingsBorrowed,
		Attributes: map[string]string{
			"borrower":        strings.TrimSpace(e.Borrower),
			"positionId":      strconv.FormatUint(e.PositionID, 10),
			"collateralNonce": strconv.FormatUint(e.CollateralNonce, 10),
			"collateral":      amountString(e.Collateral),
			"loan":            amountString(e.Loan),
			"borrowNonce":     strconv.FormatUint(e.BorrowNonce, 10),
		},
	}
}

// SavingsRepaid describes a repayment.
type SavingsRepaid struct {
	Borrower        string
	PositionID      uint64
	Principal       *big.Int
	Interest        *big.Int
	ReturnedNonce   uint64
	Returned        *big.Int
	PositionRemoved bool
}

func (SavingsRepaid) EventType() string { return TypeSavingsRepaid }

func (e SavingsRepaid) Record() Record {
	return Record{
		Type: TypeSavingsRepaid,
		Attributes: map[string]string{
			"borrower":        strings.TrimSpace(e.Borrower),
			"positionId":      strconv.FormatUint(e.PositionID, 10),
			"principal":       amountString(e.Principal),
			"interest":        amountString(e.Interest),
			"returnedNonce":   strconv.FormatUint(e.ReturnedNonce, 10),
			"returned":        amountString(e.Returned),
			"positionRemoved": strconv.FormatBool(e.PositionRemoved),
		},
	}
}

// SavingsHarvest describes one step of the claim/convert workflow.
type SavingsHarvest struct {
	Step      string
	CallID    string
	Epoch     uint64
	Positions int
	Amount    *big.Int
	Reason    string
}

func (SavingsHarvest) EventType() string { return TypeSavingsHarvest }

func (e SavingsHarvest) Record() Record {
	attrs := map[string]string{
		"step":      e.Step,
		"callId":    e.CallID,
		"epoch":     strconv.FormatUint(e.Epoch, 10),
		"positions": strconv.Itoa(e.Positions),
		"amount":    amountString(e.Amount),
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		attrs["reason"] = reason
	}
	return Record{Type: TypeSavingsHarvest, Attributes: attrs}
}

// SavingsRewardsCalculated describes lender rewards moved out of reserves.
type SavingsRewardsCalculated struct {
	Epoch     uint64
	Owed      *big.Int
	SetAside  *big.Int
	Unclaimed *big.Int
}

func (SavingsRewardsCalculated) EventType() string { return TypeSavingsRewardsCalculated }

func (e SavingsRewardsCalculated) Record() Record {
	return Record{
		Type: TypeSavingsRewardsCalculated,
		Attributes: map[string]string{
			"epoch":     strconv.FormatUint(e.Epoch, 10),
			"owed":      amountString(e.Owed),
			"setAside":  amountString(e.SetAside),
			"unclaimed": amountString(e.Unclaimed),
		},
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
