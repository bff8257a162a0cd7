package savings

import "errors"

var (
	errNilStore      = errors.New("savings engine: store not configured")
	errNilClock      = errors.New("savings engine: clock not configured")
	errNilDelegation = errors.New("savings engine: delegation service not configured")
	errNilVenue      = errors.New("savings engine: swap venue not configured")
	errNilPrices     = errors.New("savings engine: price aggregator not configured")
)

// Validation errors.
var (
	ErrInvalidToken          = errors.New("savings: unexpected token")
	ErrInvalidAmount         = errors.New("savings: amount must be positive")
	ErrInvalidAddress        = errors.New("savings: address required")
	ErrInvalidInstance       = errors.New("savings: instance nonce must be nonzero")
	ErrInsufficientLiquidity = errors.New("savings: insufficient liquidity")
	ErrInsufficientRepayment = errors.New("savings: payment does not cover the debt")
	ErrLoanTooSmall          = errors.New("savings: collateral too small for a loan")
	ErrPriceUnavailable      = errors.New("savings: no price for pair")
)

// Epoch-ordering errors.
var (
	ErrAlreadyClaimedThisEpoch    = errors.New("savings: already claimed this epoch")
	ErrMustClaimFirst             = errors.New("savings: must claim rewards for this epoch first")
	ErrAlreadyConvertedThisEpoch  = errors.New("savings: already converted to stablecoins this epoch")
	ErrMustConvertFirst           = errors.New("savings: must convert rewards for this epoch first")
	ErrAlreadyCalculatedThisEpoch = errors.New("savings: lender rewards already calculated this epoch")
)

// Empty-state errors.
var (
	ErrNoPositionsAvailable = errors.New("savings: no staking positions available")
	ErrNoRewardsToClaim     = errors.New("savings: no rewards to claim")
	ErrPositionNotFound     = errors.New("savings: staking position not found")
)

// Remote-call and workflow errors.
var (
	ErrHarvestInFlight     = errors.New("savings: harvest call already in flight")
	ErrRemoteCallFailed    = errors.New("savings: remote call failed")
	ErrMalformedClaimReply = errors.New("savings: claim reply does not match the positions sent")
	ErrNoPendingCall       = errors.New("savings: no pending call")
	ErrUnknownEndpoint     = errors.New("savings: unknown endpoint")
	ErrLedgerCorrupted     = errors.New("savings: staking position ledger corrupted")
	ErrEscrowLost          = errors.New("savings: escrow of an interrupted call not recoverable")
)

// ErrUnauthorizedCaller is returned when a continuation is invoked by anyone
// other than the configured swap venue.
var ErrUnauthorizedCaller = errors.New("savings: only the swap venue may call this endpoint")
