package bank

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"

	"stakesavings/crypto"
	"stakesavings/storage"
)

var (
	ErrInvalidToken        = errors.New("bank: token identifier required")
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrInvalidAddress      = errors.New("bank: address required")
	ErrUnknownInstance     = errors.New("bank: unknown token instance")
)

var (
	balancePrefix    = []byte("bank/balance/")
	supplyPrefix     = []byte("bank/supply/")
	nonceCounterKey  = []byte("bank/nonce/")
	attributesPrefix = []byte("bank/attributes/")
)

// TokenID names a token class. Fungible tokens only use nonce 0; semi-fungible
// classes carry one instance per nonce.
type TokenID string

// Normalize trims and upper-cases the identifier.
func (t TokenID) Normalize() TokenID {
	return TokenID(strings.ToUpper(strings.TrimSpace(string(t))))
}

// Payment is a quantity of one token instance moving between accounts.
type Payment struct {
	Token  TokenID
	Nonce  uint64
	Amount *big.Int
}

// NewPayment builds a payment, copying the amount.
func NewPayment(token TokenID, nonce uint64, amount *big.Int) Payment {
	p := Payment{Token: token.Normalize(), Nonce: nonce, Amount: big.NewInt(0)}
	if amount != nil {
		p.Amount.Set(amount)
	}
	return p
}

// Validate checks the token and amount.
func (p Payment) Validate() error {
	if p.Token.Normalize() == "" {
		return ErrInvalidToken
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (p Payment) String() string {
	amount := "0"
	if p.Amount != nil {
		amount = p.Amount.String()
	}
	return fmt.Sprintf("%s-%d:%s", p.Token, p.Nonce, amount)
}

type storedAmount struct {
	Amount *big.Int
}

type storedAttributes struct {
	Payload []byte
}

// Ledger is the token balance book shared by the pool and the remote services.
// Every method runs against the supplied KV, so callers control atomicity by
// passing a storage transaction.
type Ledger struct {
	kv storage.KV
}

// NewLedger binds a ledger to a KV surface.
func NewLedger(kv storage.KV) *Ledger {
	return &Ledger{kv: kv}
}

// Balance returns the holding of addr for the given token instance.
func (l *Ledger) Balance(addr crypto.Address, token TokenID, nonce uint64) (*big.Int, error) {
	if len(addr.Bytes()) == 0 {
		return nil, ErrInvalidAddress
	}
	token = token.Normalize()
	if token == "" {
		return nil, ErrInvalidToken
	}
	return l.readAmount(balanceKey(addr, token, nonce))
}

// Supply returns the outstanding quantity of a token instance.
func (l *Ledger) Supply(token TokenID, nonce uint64) (*big.Int, error) {
	token = token.Normalize()
	if token == "" {
		return nil, ErrInvalidToken
	}
	return l.readAmount(supplyKey(token, nonce))
}

// Mint credits new units of an existing instance (or of a fungible token when
// nonce is zero).
func (l *Ledger) Mint(to crypto.Address, payment Payment) error {
	if err := payment.Validate(); err != nil {
		return err
	}
	payment.Token = payment.Token.Normalize()
	if err := l.credit(to, payment); err != nil {
		return err
	}
	return l.adjustSupply(payment.Token, payment.Nonce, payment.Amount)
}

// CreateInstance allocates the next nonce of a semi-fungible token class,
// stores its RLP-encoded attributes and credits the full amount to the
// recipient.
func (l *Ledger) CreateInstance(to crypto.Address, token TokenID, amount *big.Int, attributes interface{}) (uint64, error) {
	token = token.Normalize()
	if token == "" {
		return 0, ErrInvalidToken
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	var last uint64
	if _, err := l.kv.KVGet(nonceKey(token), &last); err != nil {
		return 0, err
	}
	nonce := last + 1
	if err := l.kv.KVPut(nonceKey(token), nonce); err != nil {
		return 0, err
	}
	if attributes != nil {
		payload, err := rlp.EncodeToBytes(attributes)
		if err != nil {
			return 0, fmt.Errorf("bank: encode attributes: %w", err)
		}
		if err := l.kv.KVPut(attributesKey(token, nonce), storedAttributes{Payload: payload}); err != nil {
			return 0, err
		}
	}
	if err := l.Mint(to, NewPayment(token, nonce, amount)); err != nil {
		return 0, err
	}
	return nonce, nil
}

// Attributes decodes the attributes recorded for an instance into out.
func (l *Ledger) Attributes(token TokenID, nonce uint64, out interface{}) error {
	var stored storedAttributes
	ok, err := l.kv.KVGet(attributesKey(token.Normalize(), nonce), &stored)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownInstance
	}
	if err := rlp.DecodeBytes(stored.Payload, out); err != nil {
		return fmt.Errorf("bank: decode attributes: %w", err)
	}
	return nil
}

// Burn destroys units held by from.
func (l *Ledger) Burn(from crypto.Address, payment Payment) error {
	if err := payment.Validate(); err != nil {
		return err
	}
	payment.Token = payment.Token.Normalize()
	if err := l.debit(from, payment); err != nil {
		return err
	}
	return l.adjustSupply(payment.Token, payment.Nonce, new(big.Int).Neg(payment.Amount))
}

// Transfer moves units between two accounts.
func (l *Ledger) Transfer(from, to crypto.Address, payment Payment) error {
	if err := payment.Validate(); err != nil {
		return err
	}
	payment.Token = payment.Token.Normalize()
	if err := l.debit(from, payment); err != nil {
		return err
	}
	return l.credit(to, payment)
}

func (l *Ledger) credit(addr crypto.Address, payment Payment) error {
	if len(addr.Bytes()) == 0 {
		return ErrInvalidAddress
	}
	key := balanceKey(addr, payment.Token, payment.Nonce)
	current, err := l.readAmount(key)
	if err != nil {
		return err
	}
	return l.kv.KVPut(key, storedAmount{Amount: current.Add(current, payment.Amount)})
}

func (l *Ledger) debit(addr crypto.Address, payment Payment) error {
	if len(addr.Bytes()) == 0 {
		return ErrInvalidAddress
	}
	key := balanceKey(addr, payment.Token, payment.Nonce)
	current, err := l.readAmount(key)
	if err != nil {
		return err
	}
	if current.Cmp(payment.Amount) < 0 {
		return fmt.Errorf("%w: %s holds %s of %s-%d", ErrInsufficientBalance, addr, current, payment.Token, payment.Nonce)
	}
	remaining := current.Sub(current, payment.Amount)
	if remaining.Sign() == 0 {
		return l.kv.KVDelete(key)
	}
	return l.kv.KVPut(key, storedAmount{Amount: remaining})
}

func (l *Ledger) adjustSupply(token TokenID, nonce uint64, delta *big.Int) error {
	key := supplyKey(token, nonce)
	current, err := l.readAmount(key)
	if err != nil {
		return err
	}
	current.Add(current, delta)
	if current.Sign() <= 0 {
		return l.kv.KVDelete(key)
	}
	return l.kv.KVPut(key, storedAmount{Amount: current})
}

func (l *Ledger) readAmount(key []byte) (*big.Int, error) {
	var stored storedAmount
	ok, err := l.kv.KVGet(key, &stored)
	if err != nil {
		return nil, err
	}
	if !ok || stored.Amount == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(stored.Amount), nil
}

func balanceKey(addr crypto.Address, token TokenID, nonce uint64) []byte {
	key := make([]byte, 0, len(balancePrefix)+len(addr.Bytes())+len(token)+10)
	key = append(key, balancePrefix...)
	key = append(key, addr.Bytes()...)
	key = append(key, '/')
	return appendInstance(key, token, nonce)
}

func supplyKey(token TokenID, nonce uint64) []byte {
	key := append([]byte(nil), supplyPrefix...)
	return appendInstance(key, token, nonce)
}

func attributesKey(token TokenID, nonce uint64) []byte {
	key := append([]byte(nil), attributesPrefix...)
	return appendInstance(key, token, nonce)
}

func nonceKey(token TokenID) []byte {
	key := append([]byte(nil), nonceCounterKey...)
	return append(key, token...)
}

func appendInstance(key []byte, token TokenID, nonce uint64) []byte {
	key = append(key, token...)
	key = append(key, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return append(key, buf[:]...)
}
