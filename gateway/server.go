package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"linechain/crypto"
	"linechain/gateway/auth"
	"linechain/native/common"
	"linechain/native/loan"
	"linechain/native/market"
	"linechain/native/registry"
	"linechain/native/reward"
	"linechain/node"
)

const requestLimit = 1 << 20 // 1 MiB

// Server exposes every protocol operation and query view over HTTP. Callers
// are identified by the address field in the request body; the admin surface
// additionally requires an HMAC-signed request when secrets are configured.
type Server struct {
	node   *node.Node
	logger *slog.Logger
	auth   *auth.Authenticator
}

// NewServer builds the gateway around a running node. A nil or empty
// authenticator leaves the admin routes open, which is only appropriate for
// local deployments.
func NewServer(n *node.Node, logger *slog.Logger, authenticator *auth.Authenticator) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{node: n, logger: logger, auth: authenticator}
}

// Handler assembles the chi router with logging, metrics, and rate-limit
// middleware applied to every route.
func (s *Server) Handler(obs *Observability, limiter *RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(s.logger))
	if limiter != nil {
		r.Use(limiter.Middleware)
	}
	if obs != nil {
		r.Use(obs.Middleware)
		r.Method(http.MethodGet, "/metrics", obs.MetricsHandler())
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/loans", s.borrow)
		r.Get("/loans", s.listLoans)
		r.Get("/loans/{id}", s.getLoan)
		r.Get("/loans/{id}/due", s.loanDue)
		r.Post("/loans/{id}/repay", s.repay)

		r.Get("/accounts/{address}", s.getAccount)

		r.Get("/rewards/total-share", s.totalRewardShare)
		r.Get("/rewards/{pool}", s.getPool)
		r.Get("/rewards/{pool}/stakes/{staker}", s.getStake)
		r.Get("/rewards/{pool}/stakes/{staker}/pending", s.pendingReward)
		r.Get("/rewards/{pool}/lp/{holder}", s.lpBalance)
		r.Post("/rewards/{pool}/stake", s.stake)
		r.Post("/rewards/{pool}/unstake", s.unstake)
		r.Post("/rewards/{pool}/claim", s.claim)

		r.Get("/market/sell-orders", s.listSellOrders)
		r.Get("/market/sell-orders/{loanId}", s.getSellOrder)
		r.Post("/market/sell-orders", s.createSellOrder)
		r.Post("/market/sell-orders/{loanId}/cancel", s.cancelSellOrder)
		r.Post("/market/sell-orders/{loanId}/buy", s.buy)
		r.Get("/market/buy-orders", s.listBuyOrders)
		r.Get("/market/buy-orders/released", s.releasedBuyOrders)
		r.Get("/market/buy-orders/{id}", s.getBuyOrder)
		r.Post("/market/buy-orders", s.createBuyOrder)
		r.Post("/market/buy-orders/{id}/cancel", s.cancelBuyOrder)
		r.Post("/market/buy-orders/{id}/fill", s.sellIntoBuyOrder)

		r.Route("/admin", func(r chi.Router) {
			if s.auth.Enabled() {
				r.Use(s.adminAuth)
			}
			r.Post("/origination-fee", s.setOriginationFee)
			r.Post("/exchange-fee", s.setExchangeFee)
			r.Post("/reward-share", s.setRewardShare)
			r.Post("/credit-collateral", s.creditCollateral)
			r.Post("/credit-lp", s.creditLP)
			r.Post("/oracle", s.setOracle)
			r.Post("/pause", s.pause)
			r.Post("/resume", s.resume)
		})
	})

	return r
}

// adminAuth verifies the HMAC signature over the request before any admin
// handler runs. The body is consumed for signing and restored for the handler.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, requestLimit))
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		r.Body.Close()
		principal, err := s.auth.Authenticate(r, body)
		if err != nil {
			s.logger.Warn("admin auth rejected",
				slog.String("path", r.URL.Path),
				slog.String("reason", err.Error()))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.Header.Set("X-Authenticated-Key", principal.APIKey)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) decode(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, requestLimit))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("empty request body")
	}
	return json.Unmarshal(body, out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

// statusFor maps engine sentinels onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, loan.ErrLoanNotFound),
		errors.Is(err, market.ErrOrderNotFound),
		errors.Is(err, registry.ErrUnknownLoan),
		errors.Is(err, node.ErrUnknownPair),
		errors.Is(err, reward.ErrInactivePool):
		return http.StatusNotFound
	case errors.Is(err, loan.ErrNotAdmin),
		errors.Is(err, reward.ErrNotAdmin),
		errors.Is(err, market.ErrNotAdmin),
		errors.Is(err, market.ErrNotOwner),
		errors.Is(err, registry.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, loan.ErrLoanClosed),
		errors.Is(err, market.ErrStaleQuote),
		errors.Is(err, market.ErrStrikeExceeded),
		errors.Is(err, market.ErrBudgetExceeded):
		return http.StatusConflict
	case errors.Is(err, common.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, loan.ErrInvalidAmount),
		errors.Is(err, loan.ErrInsufficientBalance),
		errors.Is(err, loan.ErrFeeOutOfRange),
		errors.Is(err, loan.ErrOracleProbe),
		errors.Is(err, loan.ErrRateUnavailable),
		errors.Is(err, reward.ErrInvalidAmount),
		errors.Is(err, reward.ErrInsufficientBalance),
		errors.Is(err, reward.ErrNotLPToken),
		errors.Is(err, reward.ErrShareOutOfRange),
		errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, market.ErrInvalidPricing),
		errors.Is(err, market.ErrUnknownPriceSource),
		errors.Is(err, market.ErrInsufficientBalance),
		errors.Is(err, market.ErrFeeOutOfRange):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func parseAddress(value string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid address %q: %w", value, err)
	}
	return addr, nil
}

func parseAmount(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("amount is required")
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func parseOptionalAmount(value string) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	return parseAmount(value)
}

func pathID(r *http.Request, name string) (uint64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}

func pathAddress(r *http.Request, name string) (crypto.Address, error) {
	return parseAddress(chi.URLParam(r, name))
}

func encodeAddress(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	return crypto.NewAddress(crypto.LinePrefix, raw).String()
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type loanPayload struct {
	ID              uint64 `json:"id"`
	Owner           string `json:"owner,omitempty"`
	InitialOwner    string `json:"initialOwner"`
	CollateralGBYTE string `json:"collateralGBYTE"`
	GrossLINE       string `json:"grossLINE"`
	OriginatedAt    int64  `json:"originatedAt"`
	Closed          bool   `json:"closed"`
}

func loanToPayload(pos *node.LoanPosition) loanPayload {
	out := loanPayload{}
	if pos == nil || pos.Loan == nil {
		return out
	}
	out.ID = pos.Loan.ID
	out.InitialOwner = encodeAddress(pos.Loan.InitialOwner)
	out.CollateralGBYTE = amountString(pos.Loan.CollateralGBYTE)
	out.GrossLINE = amountString(pos.Loan.GrossLINE)
	out.OriginatedAt = pos.Loan.OriginatedAt
	out.Closed = pos.Loan.Closed
	if !pos.Owner.IsZero() {
		out.Owner = pos.Owner.String()
	}
	return out
}

func (s *Server) borrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Borrower   string `json:"borrower"`
		Collateral string `json:"collateral"`
	}
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	borrower, err := parseAddress(req.Borrower)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	collateral, err := parseAmount(req.Collateral)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	issued, err := s.node.Borrow(borrower, collateral)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loanToPayload(&node.LoanPosition{Loan: issued, Owner: borrower}))
}

func (s *Server) listLoans(w http.ResponseWriter, r *http.Request) {
	var (
		positions []*node.LoanPosition
		err       error
	)
	if rawOwner := strings.TrimSpace(r.URL.Query().Get("owner")); rawOwner != "" {
		owner, addrErr := parseAddress(rawOwner)
		if addrErr != nil {
			writeBadRequest(w, addrErr)
			return
		}
		positions, err = s.node.ActiveLoansByOwner(owner)
	} else {
		positions, err = s.node.ActiveLoans()
	}
	if err != nil {
		writeError(w, err)
		return
	}
	payload := make([]loanPayload, 0, len(positions))
	for _, pos := range positions {
		payload = append(payload, loanToPayload(pos))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"loans": payload})
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	pos, err := s.node.GetLoan(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loanToPayload(pos))
}

func (s *Server) loanDue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	due, err := s.node.LoanDue(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"due": amountString(due)})
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		Payer string `json:"payer"`
	}
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	payer, err := parseAddress(req.Payer)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	due, err := s.node.Repay(id, payer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"repaid": amountString(due)})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "address")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	account, err := s.node.GetAccount(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address":      addr.String(),
		"balanceLINE":  amountString(account.BalanceLINE),
		"balanceGBYTE": amountString(account.BalanceGBYTE),
	})
}

type stakePayload struct {
	Pool    string `json:"pool"`
	Staker  string `json:"staker"`
	Amount  string `json:"amount"`
	Accrued string `json:"accrued"`
}

func stakeToPayload(st *reward.Stake) stakePayload {
	if st == nil {
		return stakePayload{Amount: "0", Accrued: "0"}
	}
	return stakePayload{
		Pool:    encodeAddress(st.Pool),
		Staker:  encodeAddress(st.Staker),
		Amount:  amountString(st.Amount),
		Accrued: amountString(st.Accrued),
	}
}

func (s *Server) totalRewardShare(w http.ResponseWriter, _ *http.Request) {
	total, err := s.node.TotalRewardShareBps()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"totalShareBps": total})
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	pool, err := pathAddress(r, "pool")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	record, err := s.node.GetPool(pool)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":        encodeAddress(record.Address),
		"exists":         record.Exists,
		"rewardShareBps": record.RewardShareBps,
		"totalStaked":    amountString(record.TotalStaked),
		"undistributed":  amountString(record.Undistributed),
	})
}

func (s *Server) getStake(w http.ResponseWriter, r *http.Request) {
	pool, err := pathAddress(r, "pool")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	staker, err := pathAddress(r, "staker")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	record, err := s.node.GetStake(staker, pool)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stakeToPayload(record))
}

func (s *Server) pendingReward(w http.ResponseWriter, r *http.Request) {
	pool, err := pathAddress(r, "pool")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	staker, err := pathAddress(r, "staker")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	pending, err := s.node.PendingReward(staker, pool)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pending": amountString(pending)})
}

func (s *Server) lpBalance(w http.ResponseWriter, r *http.Request) {
	pool, err := pathAddress(r, "pool")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	holder, err := pathAddress(r, "holder")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	balance, err := s.node.LPBalance(pool, holder)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": amountString(balance)})
}

func (s *Server) stake(w http.ResponseWriter, r *http.Request) {
	s.mutateStake(w, r, s.node.Stake)
}

func (s *Server) unstake(w http.ResponseWriter, r *http.Request) {
	s.mutateStake(w, r, s.node.Unstake)
}

func (s *Server) mutateStake(w http.ResponseWriter, r *http.Request, op func(crypto.Address, crypto.Address, *big.Int) (*reward.Stake, error)) {
	pool, err := pathAddress(r, "pool")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		Staker string `json:"staker"`
		Amount string `json:"amount"`
	}
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	staker, err := parseAddress(req.Staker)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	record, err := op(staker, pool, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stakeToPayload(record))
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	pool, err := pathAddress(r, "pool")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		Staker string `json:"staker"`
	}
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	staker, err := parseAddress(req.Staker)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	paid, err := s.node.Claim(staker, pool)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"claimed": amountString(paid)})
}

type sellOrderPayload struct {
	LoanID       uint64 `json:"loanId"`
	Seller       string `json:"seller"`
	Price        string `json:"price,omitempty"`
	PriceSource  string `json:"priceSource,omitempty"`
	Params       string `json:"params,omitempty"`
	CurrentPrice string `json:"currentPrice,omitempty"`
	PriceError   string `json:"priceError,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
}

func sellOrderToPayload(order *market.SellOrder, current *big.Int, priceErr error) sellOrderPayload {
	out := sellOrderPayload{}
	if order == nil {
		return out
	}
	out.LoanID = order.LoanID
	out.Seller = encodeAddress(order.Seller)
	if order.Price != nil {
		out.Price = order.Price.String()
	}
	out.PriceSource = order.PriceSource
	out.Params = order.Params
	out.CreatedAt = order.CreatedAt
	if current != nil {
		out.CurrentPrice = current.String()
	}
	if priceErr != nil {
		out.PriceError = priceErr.Error()
	}
	return out
}

type buyOrderPayload struct {
	ID              uint64 `json:"id"`
	Buyer           string `json:"buyer"`
	RemainingBudget string `json:"remainingBudget"`
	StrikeRateWad   string `json:"strikeRateWad,omitempty"`
	HedgePriceWad   string `json:"hedgePriceWad,omitempty"`
	PriceSource     string `json:"priceSource,omitempty"`
	Params          string `json:"params,omitempty"`
	CurrentHedge    string `json:"currentHedge,omitempty"`
	HedgeError      string `json:"hedgeError,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
}

func buyOrderToPayload(order *market.BuyOrder, hedge *big.Int, hedgeErr error) buyOrderPayload {
	out := buyOrderPayload{}
	if order == nil {
		return out
	}
	out.ID = order.ID
	out.Buyer = encodeAddress(order.Buyer)
	out.RemainingBudget = amountString(order.RemainingBudget)
	if order.StrikeRateWad != nil {
		out.StrikeRateWad = order.StrikeRateWad.String()
	}
	if order.HedgePriceWad != nil {
		out.HedgePriceWad = order.HedgePriceWad.String()
	}
	out.PriceSource = order.PriceSource
	out.Params = order.Params
	out.CreatedAt = order.CreatedAt
	if hedge != nil {
		out.CurrentHedge = hedge.String()
	}
	if hedgeErr != nil {
		out.HedgeError = hedgeErr.Error()
	}
	return out
}

func (s *Server) listSellOrders(w http.ResponseWriter, _ *http.Request) {
	views, err := s.node.SellOrders()
	if err != nil {
		writeError(w, err)
		return
	}
	payload := make([]sellOrderPayload, 0, len(views))
	for _, view := range views {
		payload = append(payload, sellOrderToPayload(view.Order, view.CurrentPrice, view.PriceErr))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sellOrders": payload})
}

func (s *Server) getSellOrder(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "loanId")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	order, err := s.node.GetSellOrder(loanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sellOrderToPayload(order, nil, nil))
}

func (s *Server) createSellOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller      string `json:"caller"`
		LoanID      uint64 `json:"loanId"`
		Price       string `json:"price"`
		PriceSource string `json:"priceSource"`
		Params      string `json:"params"`
	}
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	price, err := parseOptionalAmount(req.Price)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	order, err := s.node.CreateSellOrder(caller, req.LoanID, price, req.PriceSource, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sellOrderToPayload(order, nil, nil))
}

func (s *Server) cancelSellOrder(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "loanId")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		Caller string `json:"caller"`
	}
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.node.CancelSellOrder(caller, loanID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) buy(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "loanId")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		Caller   string `json:"caller"`
		MaxPrice string `json:"maxPrice"`
	}
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	maxPrice, err := parseAmount(req.MaxPrice)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	paid, err := s.node.Buy(caller, loanID, maxPrice)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"paid": amountString(paid)})
}

func (s *Server) listBuyOrders(w http.ResponseWriter, _ *http.Request) {
	views, err := s.node.BuyOrders()
	if err != nil {
		writeError(w, err)
		return
	}
	payload := make([]buyOrderPayload, 0, len(views))
	for _, view := range views {
		payload = append(payload, buyOrderToPayload(view.Order, view.CurrentHedge, view.HedgeErr))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"buyOrders": payload})
}

func (s *Server) releasedBuyOrders(w http.ResponseWriter, _ *http.Request) {
	ids, err := s.node.ReleasedBuyOrderIDs()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"released": ids})
}

func (s *Server) getBuyOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	order, err := s.node.GetBuyOrder(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buyOrderToPayload(order, nil, nil))
}

func (s *Server) createBuyOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller        string `json:"caller"`
		Amount        string `json:"amount"`
		StrikeRateWad string `json:"strikeRateWad"`
		HedgePriceWad string `json:"hedgePriceWad"`
		PriceSource   string `json:"priceSource"`
		Params        string `json:"params"`
	}
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	strike, err := parseOptionalAmount(req.StrikeRateWad)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	hedge, err := parseOptionalAmount(req.HedgePriceWad)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	order, err := s.node.CreateBuyOrder(caller, amount, strike, hedge, req.PriceSource, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, buyOrderToPayload(order, nil, nil))
}

func (s *Server) cancelBuyOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		Caller string `json:"caller"`
	}
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.node.CancelBuyOrder(caller, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) sellIntoBuyOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req struct {
		Caller string `json:"caller"`
		LoanID uint64 `json:"loanId"`
		Price  string `json:"price"`
	}
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	paid, err := s.node.Sell(caller, req.LoanID, id, price)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"paid": amountString(paid)})
}

func (s *Server) setOriginationFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Bps    uint64 `json:"bps"`
	}
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.node.SetOriginationFee(caller, req.Bps); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"originationFeeBps": req.Bps})
}

func (s *Server) setExchangeFee(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Bps    uint64 `json:"bps"`
	}
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.node.SetExchangeFee(caller, req.Bps); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"exchangeFeeBps": req.Bps})
}

func (s *Server) setRewardShare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller   string `json:"caller"`
		Pool     string `json:"pool"`
		ShareBps uint64 `json:"shareBps"`
	}
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	pool, err := parseAddress(req.Pool)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.node.SetRewardShare(caller, pool, req.ShareBps); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"shareBps": req.ShareBps})
}

func (s *Server) creditCollateral(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.node.CreditGBYTE(caller, to, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"credited": amountString(amount)})
}

func (s *Server) creditLP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Pool   string `json:"pool"`
		Holder string `json:"holder"`
		Amount string `json:"amount"`
	}
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	pool, err := parseAddress(req.Pool)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	holder, err := parseAddress(req.Holder)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.node.CreditLP(caller, pool, holder, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"credited": amountString(amount)})
}

func (s *Server) setOracle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller        string `json:"caller"`
		Pair          string `json:"pair"`
		WindowSeconds int64  `json:"windowSeconds"`
	}
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	pair, err := parseAddress(req.Pair)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.WindowSeconds < 0 {
		writeBadRequest(w, errors.New("windowSeconds must not be negative"))
		return
	}
	window := time.Duration(req.WindowSeconds) * time.Second
	if err := s.node.SetOracleFromPair(caller, pair, window); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"oracle": req.Pair})
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.togglePause(w, r, s.node.Pause, "paused")
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.togglePause(w, r, s.node.Resume, "resumed")
}

func (s *Server) togglePause(w http.ResponseWriter, r *http.Request, op func(crypto.Address, string) error, status string) {
	var req struct {
		Caller string `json:"caller"`
		Module string `json:"module"`
	}
	if err := s.decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := op(caller, req.Module); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status, "module": req.Module})
}
