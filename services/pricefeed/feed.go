// Package pricefeed is an in-process price aggregator serving the latest
// operator-configured round for each ticker pair.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"stakesavings/native/savings"
)

var (
	ErrInvalidPair  = errors.New("pricefeed: from and to tickers are required")
	ErrInvalidPrice = errors.New("pricefeed: price must be positive")
)

// Pair is the configuration form of a price. Price is a human decimal in
// quote units ("100.25"); Decimals is the number of decimals of the quote
// token, so the published price is in quote base units.
type Pair struct {
	From     string `yaml:"from"`
	To       string `yaml:"to"`
	Price    string `yaml:"price"`
	Decimals uint8  `yaml:"decimals"`
}

// Feed stores the latest round per pair.
type Feed struct {
	mu     sync.RWMutex
	rounds map[string]savings.AggregatorResult
}

// New constructs an empty feed.
func New() *Feed {
	return &Feed{rounds: make(map[string]savings.AggregatorResult)}
}

// FromPairs seeds a feed from configuration.
func FromPairs(pairs []Pair) (*Feed, error) {
	feed := New()
	for _, pair := range pairs {
		price, err := ParsePrice(pair.Price, pair.Decimals)
		if err != nil {
			return nil, fmt.Errorf("pricefeed: %s/%s: %w", pair.From, pair.To, err)
		}
		if _, err := feed.Set(pair.From, pair.To, price, pair.Decimals); err != nil {
			return nil, err
		}
	}
	return feed, nil
}

// ParsePrice converts a human decimal into base units with the given number
// of decimals. Extra precision is truncated.
func ParsePrice(value string, decimals uint8) (*big.Int, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", value, err)
	}
	units := parsed.Shift(int32(decimals)).Truncate(0)
	if units.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	return units.BigInt(), nil
}

// Set publishes a new round for the pair and returns it.
func (f *Feed) Set(from, to string, price *big.Int, decimals uint8) (savings.AggregatorResult, error) {
	from, to = normalize(from), normalize(to)
	if from == "" || to == "" {
		return savings.AggregatorResult{}, ErrInvalidPair
	}
	if price == nil || price.Sign() <= 0 {
		return savings.AggregatorResult{}, ErrInvalidPrice
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pairKey(from, to)
	round := f.rounds[key].RoundID + 1
	result := savings.AggregatorResult{
		RoundID:  round,
		From:     from,
		To:       to,
		Price:    new(big.Int).Set(price),
		Decimals: decimals,
	}
	f.rounds[key] = result
	return copyResult(result), nil
}

// LatestPriceFeed implements savings.PriceAggregator.
func (f *Feed) LatestPriceFeed(ctx context.Context, from, to string) (savings.AggregatorResult, bool, error) {
	if err := ctx.Err(); err != nil {
		return savings.AggregatorResult{}, false, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	result, ok := f.rounds[pairKey(normalize(from), normalize(to))]
	if !ok {
		return savings.AggregatorResult{}, false, nil
	}
	return copyResult(result), true, nil
}

// Pairs lists every published round.
func (f *Feed) Pairs() []savings.AggregatorResult {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]savings.AggregatorResult, 0, len(f.rounds))
	for _, result := range f.rounds {
		out = append(out, copyResult(result))
	}
	return out
}

func copyResult(in savings.AggregatorResult) savings.AggregatorResult {
	out := in
	if in.Price != nil {
		out.Price = new(big.Int).Set(in.Price)
	}
	return out
}

func normalize(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}

func pairKey(from, to string) string {
	return from + "/" + to
}
