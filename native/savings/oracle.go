package savings

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"stakesavings/native/bank"
)

const tickerSeparator = "-"

// TokenTicker strips the random suffix from a token identifier:
// "USDC-a1b2c3" becomes "USDC".
func TokenTicker(token bank.TokenID) string {
	id := string(token.Normalize())
	if i := strings.Index(id, tickerSeparator); i >= 0 {
		return id[:i]
	}
	return id
}

// PriceForPair queries the aggregator by ticker. It returns
// ErrPriceUnavailable when the pair is unknown or the price is not positive.
func PriceForPair(ctx context.Context, agg PriceAggregator, from, to bank.TokenID) (*big.Int, error) {
	if agg == nil {
		return nil, errNilPrices
	}
	fromTicker, toTicker := TokenTicker(from), TokenTicker(to)
	result, ok, err := agg.LatestPriceFeed(ctx, fromTicker, toTicker)
	if err != nil {
		return nil, fmt.Errorf("savings: price %s/%s: %w", fromTicker, toTicker, err)
	}
	if !ok || result.Price == nil || result.Price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrPriceUnavailable, fromTicker, toTicker)
	}
	return new(big.Int).Set(result.Price), nil
}

// CollateralValue converts amount units of a token with the given decimals
// into quote units at price (quote units per whole token).
func CollateralValue(amount, price *big.Int, decimals uint8) *big.Int {
	value := new(big.Int).Mul(orZero(amount), orZero(price))
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return value.Quo(value, scale)
}
