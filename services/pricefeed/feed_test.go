package pricefeed

import (
	"context"
	"errors"
	"math/big"
	"testing"
)

func TestSetAdvancesRounds(t *testing.T) {
	feed := New()
	if _, err := feed.Set("lstegld", "usdc", big.NewInt(100), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	second, err := feed.Set("LSTEGLD", "USDC", big.NewInt(105), 0)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if second.RoundID != 2 {
		t.Fatalf("expected round 2, got %d", second.RoundID)
	}

	latest, ok, err := feed.LatestPriceFeed(context.Background(), " LSTEGLD ", "usdc")
	if err != nil || !ok {
		t.Fatalf("expected a price, got ok=%v err=%v", ok, err)
	}
	if latest.Price.Cmp(big.NewInt(105)) != 0 || latest.RoundID != 2 {
		t.Fatalf("unexpected round %+v", latest)
	}
	latest.Price.SetInt64(1)
	again, _, _ := feed.LatestPriceFeed(context.Background(), "LSTEGLD", "USDC")
	if again.Price.Cmp(big.NewInt(105)) != 0 {
		t.Fatalf("callers must not be able to mutate stored prices")
	}

	if _, ok, _ := feed.LatestPriceFeed(context.Background(), "USDC", "LSTEGLD"); ok {
		t.Fatalf("pairs are directional")
	}
}

func TestFromPairsScalesDecimals(t *testing.T) {
	feed, err := FromPairs([]Pair{{From: "EGLD", To: "USDC", Price: "42.1234567", Decimals: 6}})
	if err != nil {
		t.Fatalf("from pairs: %v", err)
	}
	result, ok, _ := feed.LatestPriceFeed(context.Background(), "EGLD", "USDC")
	if !ok || result.Price.Cmp(big.NewInt(42_123_456)) != 0 || result.Decimals != 6 {
		t.Fatalf("unexpected result %+v", result)
	}

	if _, err := FromPairs([]Pair{{From: "EGLD", To: "USDC", Price: "0.0000001", Decimals: 6}}); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	if _, err := FromPairs([]Pair{{From: "EGLD", To: "USDC", Price: "abc"}}); err == nil {
		t.Fatalf("expected a parse error")
	}
	if _, err := New().Set("", "USDC", big.NewInt(1), 0); !errors.Is(err, ErrInvalidPair) {
		t.Fatalf("expected ErrInvalidPair, got %v", err)
	}
}
