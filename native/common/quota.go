package common

import (
	"errors"
	"math"
	"math/big"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaAmountExceeded   = errors.New("quota amount cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current usage counters for one caller.
type QuotaNow struct {
	ReqCount uint32
	Used     *big.Int
	WindowID uint64
}

// Quota defines the limits enforced per caller within one window. Zero values
// disable the corresponding limit.
type Quota struct {
	MaxRequestsPerWindow uint32
	MaxAmountPerWindow   *big.Int
	WindowSeconds        uint32
}

// Window maps a unix timestamp onto the quota window it falls in.
func (q Quota) Window(unix int64) uint64 {
	if unix < 0 {
		return 0
	}
	if q.WindowSeconds == 0 {
		return uint64(unix)
	}
	return uint64(unix) / uint64(q.WindowSeconds)
}

// CheckQuota verifies whether the additional request and amount fit within the
// configured quota. The returned QuotaNow reflects the updated counters when
// the quota is not exceeded; on denial prev is returned unchanged.
func CheckQuota(q Quota, window uint64, prev QuotaNow, addReq uint32, addAmount *big.Int) (QuotaNow, error) {
	next := QuotaNow{ReqCount: prev.ReqCount, WindowID: prev.WindowID, Used: new(big.Int)}
	if prev.Used != nil {
		next.Used.Set(prev.Used)
	}
	if prev.WindowID != window {
		next = QuotaNow{WindowID: window, Used: new(big.Int)}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerWindow > 0 && next.ReqCount > q.MaxRequestsPerWindow {
		return prev, ErrQuotaRequestsExceeded
	}

	if addAmount != nil && addAmount.Sign() > 0 {
		next.Used.Add(next.Used, addAmount)
	}
	if q.MaxAmountPerWindow != nil && q.MaxAmountPerWindow.Sign() > 0 && next.Used.Cmp(q.MaxAmountPerWindow) > 0 {
		return prev, ErrQuotaAmountExceeded
	}

	return next, nil
}
