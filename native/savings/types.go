package savings

import (
	"math/big"

	"stakesavings/native/bank"
)

// Position is one node of the staking position list. ID 0 is the implicit
// head; Prev and Next use 0 for "no neighbour".
type Position struct {
	ID            uint64
	InstanceNonce uint64
	Prev          uint64
	Next          uint64
}

// PoolState holds the pool aggregates and the harvest checkpoints.
type PoolState struct {
	LentAmount         *big.Int
	BorrowedAmount     *big.Int
	StablecoinReserves *big.Int
	UnclaimedRewards   *big.Int

	LastRewardsClaimEpoch    uint64
	LastConvertEpoch         uint64
	LastRewardsCalcEpoch     uint64
	LastRewardsCalcTimestamp uint64

	ClaimInFlight   bool
	ConvertInFlight bool
}

func (s *PoolState) ensureDefaults() {
	if s.LentAmount == nil {
		s.LentAmount = big.NewInt(0)
	}
	if s.BorrowedAmount == nil {
		s.BorrowedAmount = big.NewInt(0)
	}
	if s.StablecoinReserves == nil {
		s.StablecoinReserves = big.NewInt(0)
	}
	if s.UnclaimedRewards == nil {
		s.UnclaimedRewards = big.NewInt(0)
	}
}

// Clone returns a deep copy of the state.
func (s PoolState) Clone() PoolState {
	out := s
	out.LentAmount = cloneBig(s.LentAmount)
	out.BorrowedAmount = cloneBig(s.BorrowedAmount)
	out.StablecoinReserves = cloneBig(s.StablecoinReserves)
	out.UnclaimedRewards = cloneBig(s.UnclaimedRewards)
	return out
}

// TotalReserves is the capital base used for utilisation.
func (s PoolState) TotalReserves() *big.Int {
	return new(big.Int).Add(orZero(s.LentAmount), orZero(s.StablecoinReserves))
}

// AvailableLiquidity is the capital that can still be lent out.
func (s PoolState) AvailableLiquidity() *big.Int {
	return subFloor(s.TotalReserves(), s.BorrowedAmount)
}

// LendMetadata is attached to every LEND instance.
type LendMetadata struct {
	LendEpoch     uint64
	LendTimestamp uint64
}

// BorrowMetadata is attached to every BORROW instance. Collateral is the
// quantity pledged and equals the minted BORROW amount.
type BorrowMetadata struct {
	BorrowEpoch      uint64
	BorrowTimestamp  uint64
	StakedTokenValue *big.Int
	Loan             *big.Int
	Collateral       *big.Int
	PositionID       uint64
}

// RateSnapshot is the current interest picture of the pool.
type RateSnapshot struct {
	Utilisation *big.Int
	BorrowRate  *big.Int
	DepositRate *big.Int
}

// LendReceipt reports a deposit.
type LendReceipt struct {
	Lend bank.Payment
}

// WithdrawReceipt reports a redemption.
type WithdrawReceipt struct {
	Payout   bank.Payment
	Interest *big.Int
}

// LenderClaimReceipt reports an interest-only claim.
type LenderClaimReceipt struct {
	Rewards bank.Payment
	Lend    bank.Payment
}

// BorrowReceipt reports a new loan.
type BorrowReceipt struct {
	PositionID uint64
	Loan       bank.Payment
	Borrow     bank.Payment
}

// RepayReceipt reports a repayment.
type RepayReceipt struct {
	PositionID      uint64
	Principal       *big.Int
	Interest        *big.Int
	Collateral      bank.Payment
	Refund          *bank.Payment
	PositionRemoved bool
}

// ClaimReceipt reports a completed claim of staking rewards.
type ClaimReceipt struct {
	CallID    string
	Epoch     uint64
	Positions int
	Rewards   *big.Int
}

// ConvertReceipt reports a completed conversion into stablecoin reserves.
type ConvertReceipt struct {
	CallID string
	Epoch  uint64
	Input  *big.Int
	Output *big.Int
}

// CalculateReceipt reports lender rewards set aside for an epoch.
type CalculateReceipt struct {
	Epoch     uint64
	Owed      *big.Int
	SetAside  *big.Int
	Unclaimed *big.Int
}

// Outcomes of recovering a harvest call interrupted before its reply was
// applied.
const (
	RecoveryNone      = "none"
	RecoveryReturned  = "returned"
	RecoveryReplayed  = "replayed"
	RecoveryAbandoned = "abandoned"
)

// RecoveryReceipt reports what RecoverHarvest did with each pending call.
type RecoveryReceipt struct {
	Claim         string
	ClaimCallID   string
	Convert       string
	ConvertCallID string
}
