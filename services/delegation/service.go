// Package delegation is an in-process liquid staking delegation contract. It
// mints liquid staking instances against staked tokens and reissues them with
// accrued rewards on every claim.
package delegation

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"stakesavings/crypto"
	"stakesavings/native/bank"
	"stakesavings/native/savings"
	"stakesavings/storage"
)

const bpsDenominator = 10_000

var (
	ErrInvalidConfig   = errors.New("delegation: invalid configuration")
	ErrWrongToken      = errors.New("delegation: unexpected token")
	ErrNothingToClaim  = errors.New("delegation: no instances supplied")
	ErrNotEscrowed     = errors.New("delegation: instance not escrowed to the service")
	errNilStore        = errors.New("delegation: store required")
	errUnauthenticated = errors.New("delegation: caller required")
)

// Config describes the tokens handled by the service.
type Config struct {
	Name               string       `yaml:"name"`
	LiquidStakingToken bank.TokenID `yaml:"liquidStakingToken"`
	StakedToken        bank.TokenID `yaml:"stakedToken"`
	// RewardBps is the reward paid per claim in basis points of the claimed
	// quantity.
	RewardBps uint32 `yaml:"rewardBps"`
}

// DefaultConfig mirrors the pool defaults.
func DefaultConfig() Config {
	return Config{
		Name:               "delegation",
		LiquidStakingToken: "LSTEGLD-d4e5f6",
		StakedToken:        "EGLD",
		RewardBps:          1_000,
	}
}

func (c Config) normalize() Config {
	c.LiquidStakingToken = c.LiquidStakingToken.Normalize()
	c.StakedToken = c.StakedToken.Normalize()
	if c.Name == "" {
		c.Name = "delegation"
	}
	return c
}

func (c Config) validate() error {
	if c.LiquidStakingToken == "" || c.StakedToken == "" {
		return fmt.Errorf("%w: tokens required", ErrInvalidConfig)
	}
	if c.LiquidStakingToken == c.StakedToken {
		return fmt.Errorf("%w: tokens must differ", ErrInvalidConfig)
	}
	if c.RewardBps > bpsDenominator {
		return fmt.Errorf("%w: reward bps above %d", ErrInvalidConfig, bpsDenominator)
	}
	return nil
}

// Stake records the origin of one liquid staking instance.
type Stake struct {
	Staker     []byte
	Principal  *big.Int
	Generation uint64
}

// claimRecord is the reply of one applied claim, keyed by the first instance
// burned.
type claimRecord struct {
	Caller    []byte
	Sent      []uint64
	Instances []bank.Payment
	Rewards   bank.Payment
}

var claimPrefix = []byte("delegation/claim/")

func claimKey(first uint64) []byte {
	key := append([]byte(nil), claimPrefix...)
	return binary.BigEndian.AppendUint64(key, first)
}

// Service implements savings.DelegationService against the shared ledger.
type Service struct {
	mu      sync.Mutex
	store   *storage.Store
	cfg     Config
	address crypto.Address
	logger  *slog.Logger
}

var (
	_ savings.DelegationService = (*Service)(nil)
	_ savings.ClaimRecorder     = (*Service)(nil)
)

// New constructs the service.
func New(store *storage.Store, cfg Config) (*Service, error) {
	if store == nil {
		return nil, errNilStore
	}
	cfg = cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Service{
		store:   store,
		cfg:     cfg,
		address: crypto.ModuleAddress(cfg.Name),
		logger:  slog.Default().With("component", "delegation"),
	}, nil
}

// SetLogger replaces the service logger.
func (s *Service) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger.With("component", "delegation")
	}
}

// Address returns the account holding staked funds.
func (s *Service) Address() crypto.Address { return s.address }

// Config returns the normalized configuration.
func (s *Service) Config() Config { return s.cfg }

// Stake locks staked tokens and mints a fresh liquid staking instance of the
// same quantity to the staker.
func (s *Service) Stake(ctx context.Context, staker crypto.Address, payment bank.Payment) (bank.Payment, error) {
	if err := ctx.Err(); err != nil {
		return bank.Payment{}, err
	}
	if staker.IsZero() {
		return bank.Payment{}, errUnauthenticated
	}
	payment = bank.NewPayment(payment.Token, payment.Nonce, payment.Amount)
	if payment.Token != s.cfg.StakedToken || payment.Nonce != 0 {
		return bank.Payment{}, fmt.Errorf("%w: %s", ErrWrongToken, payment)
	}
	if err := payment.Validate(); err != nil {
		return bank.Payment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.store.Begin()
	defer tx.Discard()
	ledger := bank.NewLedger(tx)
	if err := ledger.Transfer(staker, s.address, payment); err != nil {
		return bank.Payment{}, err
	}
	nonce, err := ledger.CreateInstance(staker, s.cfg.LiquidStakingToken, payment.Amount, Stake{
		Staker:    staker.Bytes(),
		Principal: payment.Amount,
	})
	if err != nil {
		return bank.Payment{}, err
	}
	if err := tx.Commit(); err != nil {
		return bank.Payment{}, err
	}
	minted := bank.NewPayment(s.cfg.LiquidStakingToken, nonce, payment.Amount)
	s.logger.Info("staked", "staker", staker.String(), "instance", minted.String())
	return minted, nil
}

// ClaimRewards reissues every escrowed instance under a new nonce and pays
// RewardBps of the total quantity in staked tokens. All outputs stay with the
// service until the caller collects them.
func (s *Service) ClaimRewards(ctx context.Context, caller crypto.Address, instances []bank.Payment) (savings.ClaimRewardsReply, error) {
	if err := ctx.Err(); err != nil {
		return savings.ClaimRewardsReply{}, err
	}
	if caller.IsZero() {
		return savings.ClaimRewardsReply{}, errUnauthenticated
	}
	if len(instances) == 0 {
		return savings.ClaimRewardsReply{}, ErrNothingToClaim
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.store.Begin()
	defer tx.Discard()
	ledger := bank.NewLedger(tx)

	reply := savings.ClaimRewardsReply{Instances: make([]bank.Payment, 0, len(instances))}
	record := claimRecord{Caller: caller.Bytes(), Sent: make([]uint64, 0, len(instances))}
	total := big.NewInt(0)
	for _, instance := range instances {
		instance = bank.NewPayment(instance.Token, instance.Nonce, instance.Amount)
		if instance.Token != s.cfg.LiquidStakingToken || instance.Nonce == 0 {
			return savings.ClaimRewardsReply{}, fmt.Errorf("%w: %s", ErrWrongToken, instance)
		}
		if err := ledger.Burn(s.address, instance); err != nil {
			if errors.Is(err, bank.ErrInsufficientBalance) {
				return savings.ClaimRewardsReply{}, fmt.Errorf("%w: %s", ErrNotEscrowed, instance)
			}
			return savings.ClaimRewardsReply{}, err
		}
		var origin Stake
		if err := ledger.Attributes(instance.Token, instance.Nonce, &origin); err != nil && !errors.Is(err, bank.ErrUnknownInstance) {
			return savings.ClaimRewardsReply{}, err
		}
		origin.Generation++
		if origin.Principal == nil {
			origin.Principal = new(big.Int).Set(instance.Amount)
		}
		nonce, err := ledger.CreateInstance(s.address, instance.Token, instance.Amount, origin)
		if err != nil {
			return savings.ClaimRewardsReply{}, err
		}
		reply.Instances = append(reply.Instances, bank.NewPayment(instance.Token, nonce, instance.Amount))
		record.Sent = append(record.Sent, instance.Nonce)
		total.Add(total, instance.Amount)
	}

	rewards := new(big.Int).Mul(total, big.NewInt(int64(s.cfg.RewardBps)))
	rewards.Quo(rewards, big.NewInt(bpsDenominator))
	reply.Rewards = bank.NewPayment(s.cfg.StakedToken, 0, rewards)
	if rewards.Sign() > 0 {
		if err := ledger.Mint(s.address, reply.Rewards); err != nil {
			return savings.ClaimRewardsReply{}, err
		}
	}
	record.Instances = reply.Instances
	record.Rewards = reply.Rewards
	if err := tx.KVPut(claimKey(record.Sent[0]), record); err != nil {
		return savings.ClaimRewardsReply{}, err
	}
	if err := tx.Commit(); err != nil {
		return savings.ClaimRewardsReply{}, err
	}
	s.logger.Info("rewards claimed",
		"caller", caller.String(),
		"instances", len(reply.Instances),
		"rewards", rewards.String())
	return reply, nil
}

// ClaimReply returns the reply of an earlier claim of exactly instances by
// caller.
func (s *Service) ClaimReply(ctx context.Context, caller crypto.Address, instances []bank.Payment) (savings.ClaimRewardsReply, bool, error) {
	if err := ctx.Err(); err != nil {
		return savings.ClaimRewardsReply{}, false, err
	}
	if len(instances) == 0 {
		return savings.ClaimRewardsReply{}, false, nil
	}
	var record claimRecord
	ok, err := s.store.KVGet(claimKey(instances[0].Nonce), &record)
	if err != nil || !ok {
		return savings.ClaimRewardsReply{}, false, err
	}
	if !bytes.Equal(record.Caller, caller.Bytes()) || len(record.Sent) != len(instances) {
		return savings.ClaimRewardsReply{}, false, nil
	}
	for i, instance := range instances {
		if record.Sent[i] != instance.Nonce {
			return savings.ClaimRewardsReply{}, false, nil
		}
	}
	return savings.ClaimRewardsReply{Instances: record.Instances, Rewards: record.Rewards}, true, nil
}
