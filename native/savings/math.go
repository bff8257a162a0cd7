package savings

import (
	"errors"
	"math/big"
)

const (
	// BasePrecision is the fixed-point scale: the real value 1.0 is stored as
	// BasePrecision integer units.
	BasePrecision = 1_000_000_000
	// SecondsInYear is the year length used to annualise rates.
	SecondsInYear = 31_556_926
)

// ErrDivisionByZero is returned when utilisation is requested for an empty pool.
var ErrDivisionByZero = errors.New("savings: division by zero")

var (
	bp            = big.NewInt(BasePrecision)
	secondsInYear = big.NewInt(SecondsInYear)
	bpCubed       = new(big.Int).Mul(new(big.Int).Mul(bp, bp), bp)
)

// All helpers below truncate toward zero after every division. The operation
// order is part of the contract: intermediate truncation changes results.

// CapitalUtilisation returns borrowed*BP/totalReserves.
func CapitalUtilisation(borrowed, totalReserves *big.Int) (*big.Int, error) {
	if totalReserves == nil || totalReserves.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	out := new(big.Int).Mul(orZero(borrowed), bp)
	return out.Quo(out, totalReserves), nil
}

// BorrowRate evaluates the kinked utilisation curve.
func BorrowRate(rBase, rSlope1, rSlope2, uOptimal, uCurrent *big.Int) *big.Int {
	rBase, rSlope1, rSlope2 = orZero(rBase), orZero(rSlope1), orZero(rSlope2)
	uOptimal, uCurrent = orZero(uOptimal), orZero(uCurrent)

	if uCurrent.Cmp(uOptimal) < 0 {
		ratio := new(big.Int).Mul(uCurrent, rSlope1)
		ratio.Quo(ratio, uOptimal)
		return ratio.Add(ratio, rBase)
	}

	rate := new(big.Int).Add(rBase, rSlope1)
	denominator := new(big.Int).Sub(bp, uOptimal)
	if denominator.Sign() <= 0 {
		return rate
	}
	numerator := new(big.Int).Sub(uCurrent, uOptimal)
	numerator.Mul(numerator, rSlope2)
	return rate.Add(rate, numerator.Quo(numerator, denominator))
}

// DepositRate returns u*(u*borrowRate)*(BP-reserveFactor)/BP^3. Utilisation
// appears twice in the product.
func DepositRate(uCurrent, borrowRate, reserveFactor *big.Int) *big.Int {
	uCurrent, borrowRate = orZero(uCurrent), orZero(borrowRate)
	keep := new(big.Int).Sub(bp, orZero(reserveFactor))
	if keep.Sign() <= 0 {
		return big.NewInt(0)
	}
	loanRatio := new(big.Int).Mul(uCurrent, borrowRate)
	rate := new(big.Int).Mul(uCurrent, loanRatio)
	rate.Mul(rate, keep)
	return rate.Quo(rate, bpCubed)
}

// AccruedDebt returns the interest, without principal, owed on principal after
// elapsedSeconds at the annual borrowRate.
func AccruedDebt(principal *big.Int, elapsedSeconds uint64, borrowRate *big.Int) *big.Int {
	timeFraction := new(big.Int).SetUint64(elapsedSeconds)
	timeFraction.Mul(timeFraction, bp)
	timeFraction.Quo(timeFraction, secondsInYear)

	rateFraction := timeFraction.Mul(timeFraction, orZero(borrowRate))
	rateFraction.Quo(rateFraction, bp)

	debt := rateFraction.Mul(rateFraction, orZero(principal))
	return debt.Quo(debt, bp)
}

// AccruedWithdrawal returns principal plus the interest earned after
// elapsedSeconds at the annual depositRate.
func AccruedWithdrawal(principal *big.Int, elapsedSeconds uint64, depositRate *big.Int) *big.Int {
	principal = orZero(principal)
	fraction := new(big.Int).SetUint64(elapsedSeconds)
	fraction.Mul(fraction, orZero(depositRate))
	fraction.Quo(fraction, secondsInYear)

	interest := fraction.Mul(fraction, principal)
	interest.Quo(interest, bp)
	return interest.Add(interest, principal)
}

// orZero never returns the caller's pointer for nil inputs; non-nil inputs are
// only read.
func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// subFloor returns a-b clamped at zero.
func subFloor(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(orZero(a), orZero(b))
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
