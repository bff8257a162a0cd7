package savings

import (
	"context"
	"math/big"

	"stakesavings/crypto"
	"stakesavings/native/bank"
)

// ConvertCallbackEndpoint is the continuation named in every swap issued by
// ConvertStakingToken.
const ConvertCallbackEndpoint = "convertStakingTokenToStablecoinCallback"

// ClaimRewardsReply is what the delegation service hands back for a claim.
// Instances has the same length and order as the payments sent. Every
// payment in the reply is held by the service until the caller collects it.
type ClaimRewardsReply struct {
	Instances []bank.Payment
	Rewards   bank.Payment
}

// DelegationService claims staking rewards for liquid staking instances. The
// caller escrows the instances to Address() before calling ClaimRewards.
type DelegationService interface {
	Address() crypto.Address
	ClaimRewards(ctx context.Context, caller crypto.Address, instances []bank.Payment) (ClaimRewardsReply, error)
}

// ClaimRecorder is implemented by delegation services that keep the reply of
// every claim they applied. ClaimReply finds the reply for a batch of
// instances sent by caller; the boolean is false when no such claim ran.
type ClaimRecorder interface {
	ClaimReply(ctx context.Context, caller crypto.Address, instances []bank.Payment) (ClaimRewardsReply, bool, error)
}

// SwapRequest describes a fixed-input swap. The input is escrowed to the venue
// before the request is issued.
type SwapRequest struct {
	Caller      crypto.Address
	Input       bank.Payment
	OutputToken bank.TokenID
	MinOutput   *big.Int
	Callback    string
}

// SwapVenue executes swaps and delivers the output to the caller's named
// continuation through a Router.
type SwapVenue interface {
	Address() crypto.Address
	SwapFixedInput(ctx context.Context, req SwapRequest) error
}

// SwapRedeliverer is implemented by venues that can deliver the output of a
// settled swap again. Redeliver reports false when no output is waiting for
// caller.
type SwapRedeliverer interface {
	Redeliver(ctx context.Context, caller crypto.Address) (bool, error)
}

// Router receives payments delivered to named endpoints. The payment is held
// by from until the router collects it.
type Router interface {
	Deliver(ctx context.Context, from crypto.Address, endpoint string, payment bank.Payment) error
}

// AggregatorResult is one price observation for a ticker pair.
type AggregatorResult struct {
	RoundID  uint32
	From     string
	To       string
	Price    *big.Int
	Decimals uint8
}

// PriceAggregator returns the latest price for a pair of tickers. The boolean
// is false when the pair is unknown.
type PriceAggregator interface {
	LatestPriceFeed(ctx context.Context, from, to string) (AggregatorResult, bool, error)
}
