package server

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"stakesavings/native/bank"
	"stakesavings/native/savings"
)

// PaymentJSON is the wire form of a token payment. Amounts are base-unit
// integer strings.
type PaymentJSON struct {
	Token  string `json:"token"`
	Nonce  uint64 `json:"nonce"`
	Amount string `json:"amount"`
}

func paymentJSON(p bank.Payment) PaymentJSON {
	return PaymentJSON{Token: string(p.Token), Nonce: p.Nonce, Amount: amountString(p.Amount)}
}

// payment parses the wire form, defaulting the token when it is omitted.
func (p PaymentJSON) payment(defaultToken bank.TokenID) (bank.Payment, error) {
	token := bank.TokenID(strings.TrimSpace(p.Token))
	if token == "" {
		token = defaultToken
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return bank.Payment{}, err
	}
	return bank.NewPayment(token, p.Nonce, amount), nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", errBadRequest)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: amount %q is not an integer", errBadRequest, raw)
	}
	return amount, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// ratio renders a BP-scaled value as a decimal fraction ("0.05").
func ratio(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -9).String()
}

type lendRequest struct {
	Payment PaymentJSON `json:"payment"`
}

type lendPositionRequest struct {
	Lend PaymentJSON `json:"lend"`
}

type borrowRequest struct {
	Collateral PaymentJSON `json:"collateral"`
}

type repayRequest struct {
	Borrow  PaymentJSON `json:"borrow"`
	Payment PaymentJSON `json:"payment"`
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

type faucetRequest struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

type RatesJSON struct {
	Utilisation    string `json:"utilisation"`
	BorrowRate     string `json:"borrowRate"`
	DepositRate    string `json:"depositRate"`
	UtilisationRaw string `json:"utilisationRaw"`
	BorrowRateRaw  string `json:"borrowRateRaw"`
	DepositRateRaw string `json:"depositRateRaw"`
}

func ratesJSON(r savings.RateSnapshot) RatesJSON {
	return RatesJSON{
		Utilisation:    ratio(r.Utilisation),
		BorrowRate:     ratio(r.BorrowRate),
		DepositRate:    ratio(r.DepositRate),
		UtilisationRaw: amountString(r.Utilisation),
		BorrowRateRaw:  amountString(r.BorrowRate),
		DepositRateRaw: amountString(r.DepositRate),
	}
}

type PoolJSON struct {
	LentAmount               string `json:"lentAmount"`
	BorrowedAmount           string `json:"borrowedAmount"`
	StablecoinReserves       string `json:"stablecoinReserves"`
	UnclaimedRewards         string `json:"unclaimedRewards"`
	AvailableLiquidity       string `json:"availableLiquidity"`
	LastRewardsClaimEpoch    uint64 `json:"lastRewardsClaimEpoch"`
	LastConvertEpoch         uint64 `json:"lastConvertEpoch"`
	LastRewardsCalcEpoch     uint64 `json:"lastRewardsCalcEpoch"`
	LastRewardsCalcTimestamp uint64 `json:"lastRewardsCalcTimestamp"`
	ClaimInFlight            bool   `json:"claimInFlight"`
	ConvertInFlight          bool   `json:"convertInFlight"`
	Paused                   bool   `json:"paused"`
}

func poolJSON(s savings.PoolState, paused bool) PoolJSON {
	return PoolJSON{
		LentAmount:               amountString(s.LentAmount),
		BorrowedAmount:           amountString(s.BorrowedAmount),
		StablecoinReserves:       amountString(s.StablecoinReserves),
		UnclaimedRewards:         amountString(s.UnclaimedRewards),
		AvailableLiquidity:       amountString(s.AvailableLiquidity()),
		LastRewardsClaimEpoch:    s.LastRewardsClaimEpoch,
		LastConvertEpoch:         s.LastConvertEpoch,
		LastRewardsCalcEpoch:     s.LastRewardsCalcEpoch,
		LastRewardsCalcTimestamp: s.LastRewardsCalcTimestamp,
		ClaimInFlight:            s.ClaimInFlight,
		ConvertInFlight:          s.ConvertInFlight,
		Paused:                   paused,
	}
}

type PositionJSON struct {
	ID            uint64 `json:"id"`
	InstanceNonce uint64 `json:"instanceNonce"`
	Prev          uint64 `json:"prev"`
	Next          uint64 `json:"next"`
}

type LendJSON struct {
	Lend PaymentJSON `json:"lend"`
}

type WithdrawJSON struct {
	Payout   PaymentJSON `json:"payout"`
	Interest string      `json:"interest"`
}

type LenderClaimJSON struct {
	Rewards PaymentJSON `json:"rewards"`
	Lend    PaymentJSON `json:"lend"`
}

type BorrowJSON struct {
	PositionID uint64      `json:"positionId"`
	Loan       PaymentJSON `json:"loan"`
	Borrow     PaymentJSON `json:"borrow"`
}

type RepayJSON struct {
	PositionID      uint64       `json:"positionId"`
	Principal       string       `json:"principal"`
	Interest        string       `json:"interest"`
	Collateral      PaymentJSON  `json:"collateral"`
	Refund          *PaymentJSON `json:"refund,omitempty"`
	PositionRemoved bool         `json:"positionRemoved"`
}

func repayJSON(r savings.RepayReceipt) RepayJSON {
	out := RepayJSON{
		PositionID:      r.PositionID,
		Principal:       amountString(r.Principal),
		Interest:        amountString(r.Interest),
		Collateral:      paymentJSON(r.Collateral),
		PositionRemoved: r.PositionRemoved,
	}
	if r.Refund != nil {
		refund := paymentJSON(*r.Refund)
		out.Refund = &refund
	}
	return out
}

type ClaimJSON struct {
	CallID    string `json:"callId"`
	Epoch     uint64 `json:"epoch"`
	Positions int    `json:"positions"`
	Rewards   string `json:"rewards"`
}

type ConvertJSON struct {
	CallID string `json:"callId"`
	Epoch  uint64 `json:"epoch"`
	Input  string `json:"input"`
	Output string `json:"output"`
}

type RecoveryJSON struct {
	Claim         string `json:"claim"`
	ClaimCallID   string `json:"claimCallId,omitempty"`
	Convert       string `json:"convert"`
	ConvertCallID string `json:"convertCallId,omitempty"`
	Error         string `json:"error,omitempty"`
}

type CalculateJSON struct {
	Epoch     uint64 `json:"epoch"`
	Owed      string `json:"owed"`
	SetAside  string `json:"setAside"`
	Unclaimed string `json:"unclaimed"`
}
