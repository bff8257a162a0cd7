// Package server exposes the savings engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stakesavings/crypto"
	"stakesavings/gateway/middleware"
	"stakesavings/native/bank"
	nativecommon "stakesavings/native/common"
	"stakesavings/native/savings"
	"stakesavings/services/savingsd/journal"
)

const (
	requestLimit   = 1 << 20 // 1 MiB
	defaultTimeout = 30 * time.Second
	moduleName     = "savings"
)

// Config wires the server to the engine and its collaborators. Journal, Pauses
// and Faucet are optional.
type Config struct {
	Engine        *savings.Engine
	Journal       *journal.Journal
	Hub           *Hub
	Pauses        *nativecommon.PauseSet
	Faucet        *Faucet
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	CORS          middleware.CORSConfig
	Registry      *prometheus.Registry
	Logger        *slog.Logger
	Timeout       time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	engine   *savings.Engine
	journal  *journal.Journal
	hub      *Hub
	pauses   *nativecommon.PauseSet
	faucet   *Faucet
	auth     *middleware.Authenticator
	limiter  *middleware.RateLimiter
	cors     middleware.CORSConfig
	registry *prometheus.Registry
	obs      *middleware.Observability
	logger   *slog.Logger
	timeout  time.Duration
}

// New validates the configuration and constructs a server.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("server: authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub()
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(nil, logger)
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Server{
		engine:   cfg.Engine,
		journal:  cfg.Journal,
		hub:      hub,
		pauses:   cfg.Pauses,
		faucet:   cfg.Faucet,
		auth:     cfg.Authenticator,
		limiter:  limiter,
		cors:     cfg.CORS,
		registry: registry,
		obs:      middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "savingsd"}, registry, logger),
		logger:   logger.With("component", "server"),
		timeout:  timeout,
	}, nil
}

// Hub returns the event hub the engine should emit into.
func (s *Server) Hub() *Hub { return s.hub }

// Handler builds the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.cors))
	r.Use(s.obs.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, s.registry}, promhttp.HandlerOpts{}))

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(pub chi.Router) {
			pub.Use(s.limiter.Middleware("public"))
			pub.Get("/pool", s.handlePool)
			pub.Get("/rates", s.handleRates)
			pub.Get("/positions", s.handlePositions)
			pub.Get("/accounts/{address}/balance", s.handleBalance)
			pub.Get("/events/stream", s.handleEventStream)
		})
		v1.Group(func(user chi.Router) {
			user.Use(s.auth.Middleware(middleware.ScopeUser))
			user.Use(s.limiter.Middleware("user"))
			user.Post("/lend", s.handleLend)
			user.Post("/withdraw", s.handleWithdraw)
			user.Post("/lend/claim", s.handleLenderClaim)
			user.Post("/borrow", s.handleBorrow)
			user.Post("/repay", s.handleRepay)
		})
		v1.Route("/admin", func(admin chi.Router) {
			admin.Use(s.auth.Middleware(middleware.ScopeAdmin))
			admin.Use(s.limiter.Middleware("admin"))
			admin.Post("/harvest/claim", s.handleHarvestClaim)
			admin.Post("/harvest/convert", s.handleHarvestConvert)
			admin.Post("/harvest/recover", s.handleHarvestRecover)
			admin.Post("/rewards/calculate", s.handleCalculate)
			admin.Post("/pause", s.handlePause)
			admin.Get("/journal", s.handleJournal)
			admin.Get("/journal/verify", s.handleJournalVerify)
			admin.Get("/journal/export", s.handleJournalExport)
		})
		if s.faucet != nil {
			v1.With(s.limiter.Middleware("faucet")).Post("/dev/faucet", s.handleFaucet)
		}
	})
	return otelhttp.NewHandler(r, "savingsd")
}

func (s *Server) context(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

func decodeRequest(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("%w: decode request: %v", errBadRequest, err)
	}
	return nil
}

// caller resolves the authenticated account address.
func caller(r *http.Request) (crypto.Address, error) {
	principal, ok := middleware.PrincipalFrom(r.Context())
	if !ok || principal.Address.IsZero() {
		return crypto.Address{}, errUnidentified
	}
	return principal.Address, nil
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.Pool()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolJSON(state, s.pauses.IsPaused(moduleName)))
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	rates, err := s.engine.Rates()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ratesJSON(rates))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.Positions()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]PositionJSON, 0, len(positions))
	for _, p := range positions {
		out = append(out, PositionJSON{ID: p.ID, InstanceNonce: p.InstanceNonce, Prev: p.Prev, Next: p.Next})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": out})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid address: %w", err))
		return
	}
	token := bank.TokenID(r.URL.Query().Get("token")).Normalize()
	if token == "" {
		token = s.engine.Config().StablecoinToken
	}
	var nonce uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("nonce")); raw != "" {
		nonce, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid nonce: %w", err))
			return
		}
	}
	balance, err := s.engine.Ledger().Balance(addr, token, nonce)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentJSON(bank.NewPayment(token, nonce, balance)))
}

func (s *Server) handleLend(w http.ResponseWriter, r *http.Request) {
	var req lendRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	lender, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	payment, err := req.Payment.payment(s.engine.Config().StablecoinToken)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	receipt, err := s.engine.Lend(ctx, lender, payment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LendJSON{Lend: paymentJSON(receipt.Lend)})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req lendPositionRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	lender, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	lend, err := req.Lend.payment(s.engine.Config().LendToken)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	receipt, err := s.engine.Withdraw(ctx, lender, lend)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawJSON{Payout: paymentJSON(receipt.Payout), Interest: amountString(receipt.Interest)})
}

func (s *Server) handleLenderClaim(w http.ResponseWriter, r *http.Request) {
	var req lendPositionRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	lender, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	lend, err := req.Lend.payment(s.engine.Config().LendToken)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	receipt, err := s.engine.LenderClaimRewards(ctx, lender, lend)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LenderClaimJSON{Rewards: paymentJSON(receipt.Rewards), Lend: paymentJSON(receipt.Lend)})
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	borrower, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	collateral, err := req.Collateral.payment(s.engine.Config().LiquidStakingToken)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	receipt, err := s.engine.Borrow(ctx, borrower, collateral)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BorrowJSON{
		PositionID: receipt.PositionID,
		Loan:       paymentJSON(receipt.Loan),
		Borrow:     paymentJSON(receipt.Borrow),
	})
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	var req repayRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	borrower, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cfg := s.engine.Config()
	borrowed, err := req.Borrow.payment(cfg.BorrowToken)
	if err != nil {
		writeError(w, err)
		return
	}
	payment, err := req.Payment.payment(cfg.StablecoinToken)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	receipt, err := s.engine.Repay(ctx, borrower, borrowed, payment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repayJSON(receipt))
}

func (s *Server) handleHarvestClaim(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	receipt, err := s.engine.ClaimStakingRewards(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimJSON{
		CallID:    receipt.CallID,
		Epoch:     receipt.Epoch,
		Positions: receipt.Positions,
		Rewards:   amountString(receipt.Rewards),
	})
}

func (s *Server) handleHarvestConvert(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	receipt, err := s.engine.ConvertStakingToken(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConvertJSON{
		CallID: receipt.CallID,
		Epoch:  receipt.Epoch,
		Input:  amountString(receipt.Input),
		Output: amountString(receipt.Output),
	})
}

// handleHarvestRecover settles harvest calls left pending by a previous
// process. Escrow that could not be rebuilt is reported in the body; the
// calls are cleared either way.
func (s *Server) handleHarvestRecover(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	receipt, err := s.engine.RecoverHarvest(ctx)
	if err != nil && !errors.Is(err, savings.ErrEscrowLost) {
		writeError(w, err)
		return
	}
	body := RecoveryJSON{
		Claim:         receipt.Claim,
		ClaimCallID:   receipt.ClaimCallID,
		Convert:       receipt.Convert,
		ConvertCallID: receipt.ConvertCallID,
	}
	if err != nil {
		body.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	receipt, err := s.engine.CalculateTotalLenderRewards(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CalculateJSON{
		Epoch:     receipt.Epoch,
		Owed:      amountString(receipt.Owed),
		SetAside:  amountString(receipt.SetAside),
		Unclaimed: amountString(receipt.Unclaimed),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if s.pauses == nil {
		writeJSONError(w, http.StatusNotImplemented, errors.New("pause control not configured"))
		return
	}
	var req pauseRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.pauses.Set(moduleName, req.Paused)
	principal, _ := middleware.PrincipalFrom(r.Context())
	s.logger.Warn("pause toggled", "paused", req.Paused, "subject", principal.Subject)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSONError(w, http.StatusNotFound, errors.New("journal disabled"))
		return
	}
	after, err := parseUintParam(r, "after")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := parseUintParam(r, "limit")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.journal.List(r.Context(), after, int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	seq, tip := s.journal.Tip()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":  entries,
		"sequence": seq,
		"tip":      tip,
	})
}

func (s *Server) handleJournalVerify(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSONError(w, http.StatusNotFound, errors.New("journal disabled"))
		return
	}
	checked, err := s.journal.Verify(r.Context())
	if err != nil {
		if errors.Is(err, journal.ErrDigestMismatch) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{"valid": false, "checked": checked, "error": err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "checked": checked})
}

func (s *Server) handleJournalExport(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSONError(w, http.StatusNotFound, errors.New("journal disabled"))
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.parquet")
	w.Header().Set("Content-Disposition", `attachment; filename="savings-journal.parquet"`)
	rows, err := s.journal.ExportParquet(r.Context(), w)
	if err != nil {
		s.logger.Error("journal export failed", "rows", rows, "error", err)
		return
	}
	s.logger.Info("journal exported", "rows", rows)
}

func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req faucetRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, err)
		return
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(req.Address))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid address: %w", err))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	granted, err := s.faucet.Drip(ctx, addr, req.Asset, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentJSON(granted))
}

func parseUintParam(r *http.Request, name string) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return value, nil
}
