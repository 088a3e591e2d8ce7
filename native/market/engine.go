package market

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"linechain/core/events"
	"linechain/core/types"
	"linechain/crypto"
	nativecommon "linechain/native/common"
	"linechain/native/loan"
	"linechain/native/registry"
	"linechain/oracle"
)

var (
	ErrNilState            = errors.New("market engine: state not configured")
	ErrNilLedger           = errors.New("market engine: loan ledger not configured")
	ErrNilRegistry         = errors.New("market engine: registry not configured")
	ErrInvalidAmount       = errors.New("market engine: amount must be positive")
	ErrNotOwner            = errors.New("market engine: caller does not own the loan")
	ErrOrderNotFound       = errors.New("market engine: order not found")
	ErrUnknownPriceSource  = errors.New("market engine: price source not registered")
	ErrInvalidPricing      = errors.New("market engine: exactly one of price and price source must be set")
	ErrStaleQuote          = errors.New("market engine: resolved price exceeds the caller's bound")
	ErrStrikeExceeded      = errors.New("market engine: loan rate above the order's strike rate")
	ErrBudgetExceeded      = errors.New("market engine: price exceeds the order's remaining budget")
	ErrInsufficientBalance = errors.New("market engine: insufficient balance")
	ErrNotAdmin            = errors.New("market engine: caller is not the admin")
	ErrFeeOutOfRange       = errors.New("market engine: fee basis points out of range")
)

var (
	basisPoints = big.NewInt(10_000)
	wad         = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

const moduleName = "market"

// DefaultExchangeFeeBps is the fee retained by the marketplace on every
// trade: 0.2%.
const DefaultExchangeFeeBps uint64 = 20

type engineState interface {
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
	SellOrderGet(loanID uint64) (*SellOrder, error)
	SellOrderPut(order *SellOrder) error
	SellOrderDelete(loanID uint64) error
	SellOrders() ([]*SellOrder, error)
	BuyOrderGet(id uint64) (*BuyOrder, error)
	BuyOrderPut(order *BuyOrder) error
	BuyOrderDelete(id uint64) error
	BuyOrders() ([]*BuyOrder, error)
	NextBuyOrderID() (uint64, error)
	ReleasedBuyOrderIDs() ([]uint64, error)
	AppendReleasedBuyOrderID(id uint64) error
}

// Engine runs the loan marketplace: asks on specific loans, standing escrowed
// bids with hedge pricing, and the partial fills that split a bid's escrow
// across trades. Trade fees accumulate in the engine's custody account.
type Engine struct {
	state          engineState
	ledger         *loan.Engine
	registry       *registry.Ledger
	custodyAddr    crypto.Address
	admin          crypto.Address
	exchangeFeeBps uint64
	sources        map[string]oracle.OrderPriceSource
	emitter        events.Emitter
	nowFn          func() int64
	pauses         nativecommon.PauseView
}

// NewEngine constructs a marketplace engine bound to the loan ledger it
// prices positions against.
func NewEngine(ledger *loan.Engine, custodyAddr, admin crypto.Address) *Engine {
	return &Engine{
		ledger:         ledger,
		custodyAddr:    custodyAddr,
		admin:          admin,
		exchangeFeeBps: DefaultExchangeFeeBps,
		sources:        make(map[string]oracle.OrderPriceSource),
		emitter:        events.NoopEmitter{},
		nowFn:          func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRegistry wires the loan ownership ledger.
func (e *Engine) SetRegistry(ledger *registry.Ledger) { e.registry = ledger }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetExchangeFee updates the fee retained on trades. Admin only.
func (e *Engine) SetExchangeFee(caller crypto.Address, bps uint64) error {
	if e == nil {
		return ErrNilState
	}
	if !caller.Equal(e.admin) {
		return ErrNotAdmin
	}
	if bps > 10_000 {
		return ErrFeeOutOfRange
	}
	e.exchangeFeeBps = bps
	return nil
}

// ExchangeFeeBps reports the fee currently retained on trades.
func (e *Engine) ExchangeFeeBps() uint64 {
	if e == nil {
		return 0
	}
	return e.exchangeFeeBps
}

// RegisterPriceSource binds a named order price source. Orders reference
// sources by name so a source can be swapped without touching open orders.
func (e *Engine) RegisterPriceSource(name string, source oracle.OrderPriceSource) error {
	if e == nil {
		return ErrNilState
	}
	name = strings.TrimSpace(name)
	if name == "" || source == nil {
		return ErrUnknownPriceSource
	}
	e.sources[name] = source
	return nil
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: evt})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) resolveSource(name, params string) (*big.Rat, error) {
	source, ok := e.sources[name]
	if !ok {
		return nil, ErrUnknownPriceSource
	}
	rate, err := source.ResolvePrice(params)
	if err != nil {
		return nil, fmt.Errorf("market engine: resolve price source %q: %w", name, err)
	}
	if rate == nil || rate.Sign() <= 0 {
		return nil, ErrUnknownPriceSource
	}
	return rate, nil
}

// CurrentSellPrice resolves the price a buyer would pay for the order right
// now: the fixed ask, or the dynamic source's quote truncated to an integer
// GBYTE amount.
func (e *Engine) CurrentSellPrice(order *SellOrder) (*big.Int, error) {
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if strings.TrimSpace(order.PriceSource) == "" {
		if order.Price == nil || order.Price.Sign() <= 0 {
			return nil, ErrInvalidPricing
		}
		return new(big.Int).Set(order.Price), nil
	}
	rate, err := e.resolveSource(order.PriceSource, order.Params)
	if err != nil {
		return nil, err
	}
	price := new(big.Int).Quo(rate.Num(), rate.Denom())
	if price.Sign() <= 0 {
		return nil, ErrInvalidPricing
	}
	return price, nil
}

// currentHedgeWad resolves the order's GBYTE-per-LINE hedge price scaled by
// 1e18.
func (e *Engine) currentHedgeWad(order *BuyOrder) (*big.Int, error) {
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if strings.TrimSpace(order.PriceSource) == "" {
		if order.HedgePriceWad == nil || order.HedgePriceWad.Sign() <= 0 {
			return nil, ErrInvalidPricing
		}
		return new(big.Int).Set(order.HedgePriceWad), nil
	}
	rate, err := e.resolveSource(order.PriceSource, order.Params)
	if err != nil {
		return nil, err
	}
	hedge := new(big.Int).Mul(rate.Num(), wad)
	hedge.Quo(hedge, rate.Denom())
	if hedge.Sign() <= 0 {
		return nil, ErrInvalidPricing
	}
	return hedge, nil
}

// CreateSellOrder lists a loan for sale. The caller must own the loan; a new
// order implicitly replaces any prior one for the same loan.
func (e *Engine) CreateSellOrder(caller crypto.Address, loanID uint64, price *big.Int, priceSource, params string) (*SellOrder, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if e.ledger == nil {
		return nil, ErrNilLedger
	}
	if e.registry == nil {
		return nil, ErrNilRegistry
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	owner, ok := e.registry.OwnerOf(loanID)
	if !ok {
		return nil, loan.ErrLoanNotFound
	}
	if !owner.Equal(caller) {
		return nil, ErrNotOwner
	}
	priceSource = strings.TrimSpace(priceSource)
	fixed := price != nil && price.Sign() > 0
	if fixed == (priceSource != "") {
		return nil, ErrInvalidPricing
	}
	if priceSource != "" {
		if _, ok := e.sources[priceSource]; !ok {
			return nil, ErrUnknownPriceSource
		}
	}
	order := &SellOrder{
		LoanID:      loanID,
		Seller:      append([]byte(nil), caller.Bytes()...),
		PriceSource: priceSource,
		Params:      params,
		CreatedAt:   e.now(),
	}
	if fixed {
		order.Price = new(big.Int).Set(price)
	}
	if err := e.state.SellOrderPut(order); err != nil {
		return nil, err
	}
	e.emit(NewSellOrderCreatedEvent(order))
	return order.Clone(), nil
}

// CancelSellOrder removes the caller's ask without touching the loan.
func (e *Engine) CancelSellOrder(caller crypto.Address, loanID uint64) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	order, err := e.state.SellOrderGet(loanID)
	if err != nil {
		return err
	}
	if order == nil {
		return ErrOrderNotFound
	}
	if !order.SellerAddress().Equal(caller) {
		return ErrNotOwner
	}
	if err := e.state.SellOrderDelete(loanID); err != nil {
		return err
	}
	e.emit(NewSellOrderCancelledEvent(order))
	return nil
}

// Buy purchases a listed loan at its current price. maxPrice caps what the
// buyer is willing to pay so a price source moving between quote and
// execution fails the trade instead of surprising the buyer.
func (e *Engine) Buy(caller crypto.Address, loanID uint64, maxPrice *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if e.registry == nil {
		return nil, ErrNilRegistry
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	order, err := e.state.SellOrderGet(loanID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	seller := order.SellerAddress()
	owner, ok := e.registry.OwnerOf(loanID)
	if !ok || !owner.Equal(seller) {
		// The position moved or closed under the order; drop the stale ask.
		if err := e.state.SellOrderDelete(loanID); err != nil {
			return nil, err
		}
		return nil, ErrOrderNotFound
	}

	price, err := e.CurrentSellPrice(order)
	if err != nil {
		return nil, err
	}
	if maxPrice != nil && maxPrice.Sign() > 0 && price.Cmp(maxPrice) > 0 {
		return nil, ErrStaleQuote
	}

	fee := new(big.Int).Mul(price, new(big.Int).SetUint64(e.exchangeFeeBps))
	fee.Quo(fee, basisPoints)
	sellerProceeds := new(big.Int).Sub(price, fee)

	book := e.newAccountBook()
	buyerAcc, err := book.load(caller)
	if err != nil {
		return nil, err
	}
	if buyerAcc.BalanceGBYTE.Cmp(price) < 0 {
		return nil, ErrInsufficientBalance
	}
	sellerAcc, err := book.load(seller)
	if err != nil {
		return nil, err
	}
	custodyAcc, err := book.load(e.custodyAddr)
	if err != nil {
		return nil, err
	}

	buyerAcc.BalanceGBYTE = new(big.Int).Sub(buyerAcc.BalanceGBYTE, price)
	sellerAcc.BalanceGBYTE = new(big.Int).Add(sellerAcc.BalanceGBYTE, sellerProceeds)
	custodyAcc.BalanceGBYTE = new(big.Int).Add(custodyAcc.BalanceGBYTE, fee)

	if err := book.save(); err != nil {
		return nil, err
	}

	if err := e.registry.Transfer(loanID, seller, caller); err != nil {
		return nil, err
	}
	if err := e.state.SellOrderDelete(loanID); err != nil {
		return nil, err
	}
	e.emit(NewLoanSoldEvent(order, caller, price, fee))
	return price, nil
}

// CreateBuyOrder escrows a GBYTE budget behind a standing bid. Either a fixed
// hedge price or a registered price source must be supplied.
func (e *Engine) CreateBuyOrder(caller crypto.Address, amount, strikeRateWad, hedgePriceWad *big.Int, priceSource, params string) (*BuyOrder, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	priceSource = strings.TrimSpace(priceSource)
	fixedHedge := hedgePriceWad != nil && hedgePriceWad.Sign() > 0
	if fixedHedge == (priceSource != "") {
		return nil, ErrInvalidPricing
	}
	if priceSource != "" {
		if _, ok := e.sources[priceSource]; !ok {
			return nil, ErrUnknownPriceSource
		}
	}

	book := e.newAccountBook()
	buyerAcc, err := book.load(caller)
	if err != nil {
		return nil, err
	}
	if buyerAcc.BalanceGBYTE.Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	custodyAcc, err := book.load(e.custodyAddr)
	if err != nil {
		return nil, err
	}
	buyerAcc.BalanceGBYTE = new(big.Int).Sub(buyerAcc.BalanceGBYTE, amount)
	custodyAcc.BalanceGBYTE = new(big.Int).Add(custodyAcc.BalanceGBYTE, amount)
	if err := book.save(); err != nil {
		return nil, err
	}

	id, err := e.state.NextBuyOrderID()
	if err != nil {
		return nil, err
	}
	order := &BuyOrder{
		ID:              id,
		Buyer:           append([]byte(nil), caller.Bytes()...),
		RemainingBudget: new(big.Int).Set(amount),
		PriceSource:     priceSource,
		Params:          params,
		CreatedAt:       e.now(),
	}
	if strikeRateWad != nil && strikeRateWad.Sign() > 0 {
		order.StrikeRateWad = new(big.Int).Set(strikeRateWad)
	}
	if fixedHedge {
		order.HedgePriceWad = new(big.Int).Set(hedgePriceWad)
	}
	if err := e.state.BuyOrderPut(order); err != nil {
		return nil, err
	}
	e.emit(NewBuyOrderCreatedEvent(order))
	return order.Clone(), nil
}

// CancelBuyOrder refunds the remaining escrow and retires the order id.
func (e *Engine) CancelBuyOrder(caller crypto.Address, id uint64) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	order, err := e.state.BuyOrderGet(id)
	if err != nil {
		return err
	}
	if order == nil {
		return ErrOrderNotFound
	}
	if !order.BuyerAddress().Equal(caller) {
		return ErrNotOwner
	}
	order.Normalize()

	if order.RemainingBudget.Sign() > 0 {
		book := e.newAccountBook()
		custodyAcc, err := book.load(e.custodyAddr)
		if err != nil {
			return err
		}
		if custodyAcc.BalanceGBYTE.Cmp(order.RemainingBudget) < 0 {
			return ErrInsufficientBalance
		}
		buyerAcc, err := book.load(caller)
		if err != nil {
			return err
		}
		custodyAcc.BalanceGBYTE = new(big.Int).Sub(custodyAcc.BalanceGBYTE, order.RemainingBudget)
		buyerAcc.BalanceGBYTE = new(big.Int).Add(buyerAcc.BalanceGBYTE, order.RemainingBudget)
		if err := book.save(); err != nil {
			return err
		}
	}

	if err := e.releaseBuyOrder(order); err != nil {
		return err
	}
	e.emit(NewBuyOrderCancelledEvent(order))
	return nil
}

// Sell fills a standing buy order with the caller's loan. The price must
// respect the order's current hedge valuation of the loan and fit inside the
// remaining escrow; the order stays open while budget remains.
func (e *Engine) Sell(caller crypto.Address, loanID, buyOrderID uint64, price *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if e.ledger == nil {
		return nil, ErrNilLedger
	}
	if e.registry == nil {
		return nil, ErrNilRegistry
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	owner, ok := e.registry.OwnerOf(loanID)
	if !ok {
		return nil, loan.ErrLoanNotFound
	}
	if !owner.Equal(caller) {
		return nil, ErrNotOwner
	}
	order, err := e.state.BuyOrderGet(buyOrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	order.Normalize()
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	due, err := e.ledger.LoanDue(loanID)
	if err != nil {
		return nil, err
	}
	position, err := e.ledger.GetLoan(loanID)
	if err != nil {
		return nil, err
	}

	if order.StrikeRateWad != nil && order.StrikeRateWad.Sign() > 0 && position.CollateralGBYTE.Sign() > 0 {
		loanRate := new(big.Int).Mul(due, wad)
		loanRate.Quo(loanRate, position.CollateralGBYTE)
		if loanRate.Cmp(order.StrikeRateWad) > 0 {
			return nil, ErrStrikeExceeded
		}
	}

	hedgeWad, err := e.currentHedgeWad(order)
	if err != nil {
		return nil, err
	}
	expected := new(big.Int).Mul(due, hedgeWad)
	expected.Quo(expected, wad)
	if price.Cmp(expected) > 0 {
		return nil, ErrStaleQuote
	}
	if price.Cmp(order.RemainingBudget) > 0 {
		return nil, ErrBudgetExceeded
	}

	fee := new(big.Int).Mul(price, new(big.Int).SetUint64(e.exchangeFeeBps))
	fee.Quo(fee, basisPoints)
	sellerProceeds := new(big.Int).Sub(price, fee)

	book := e.newAccountBook()
	custodyAcc, err := book.load(e.custodyAddr)
	if err != nil {
		return nil, err
	}
	if custodyAcc.BalanceGBYTE.Cmp(sellerProceeds) < 0 {
		return nil, ErrInsufficientBalance
	}
	sellerAcc, err := book.load(caller)
	if err != nil {
		return nil, err
	}
	// The fee share of the escrowed price simply stays in custody.
	custodyAcc.BalanceGBYTE = new(big.Int).Sub(custodyAcc.BalanceGBYTE, sellerProceeds)
	sellerAcc.BalanceGBYTE = new(big.Int).Add(sellerAcc.BalanceGBYTE, sellerProceeds)
	if err := book.save(); err != nil {
		return nil, err
	}

	if err := e.registry.Transfer(loanID, caller, order.BuyerAddress()); err != nil {
		return nil, err
	}

	// A sell order left behind by the previous owner would be a stale ask.
	if existing, err := e.state.SellOrderGet(loanID); err != nil {
		return nil, err
	} else if existing != nil {
		if err := e.state.SellOrderDelete(loanID); err != nil {
			return nil, err
		}
	}

	order.RemainingBudget = new(big.Int).Sub(order.RemainingBudget, price)
	if order.RemainingBudget.Sign() == 0 {
		if err := e.releaseBuyOrder(order); err != nil {
			return nil, err
		}
	} else {
		if err := e.state.BuyOrderPut(order); err != nil {
			return nil, err
		}
	}
	e.emit(NewBuyOrderFilledEvent(order, loanID, caller, price, fee))
	return price, nil
}

// releaseBuyOrder removes the order and records its id on the released list.
// Released ids are enumerable for audit but never reallocated.
func (e *Engine) releaseBuyOrder(order *BuyOrder) error {
	if err := e.state.BuyOrderDelete(order.ID); err != nil {
		return err
	}
	return e.state.AppendReleasedBuyOrderID(order.ID)
}

// SellOrders lists open asks.
func (e *Engine) SellOrders() ([]*SellOrder, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	orders, err := e.state.SellOrders()
	if err != nil {
		return nil, err
	}
	out := make([]*SellOrder, 0, len(orders))
	for _, order := range orders {
		out = append(out, order.Clone())
	}
	return out, nil
}

// BuyOrders lists open bids.
func (e *Engine) BuyOrders() ([]*BuyOrder, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	orders, err := e.state.BuyOrders()
	if err != nil {
		return nil, err
	}
	out := make([]*BuyOrder, 0, len(orders))
	for _, order := range orders {
		out = append(out, order.Normalize().Clone())
	}
	return out, nil
}

// GetBuyOrder returns a copy of an open bid.
func (e *Engine) GetBuyOrder(id uint64) (*BuyOrder, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	order, err := e.state.BuyOrderGet(id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order.Normalize().Clone(), nil
}

// GetSellOrder returns a copy of an open ask.
func (e *Engine) GetSellOrder(loanID uint64) (*SellOrder, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	order, err := e.state.SellOrderGet(loanID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order.Clone(), nil
}

// ReleasedBuyOrderIDs lists the ids retired by cancellation or exhaustion.
func (e *Engine) ReleasedBuyOrderIDs() ([]uint64, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.state.ReleasedBuyOrderIDs()
}

// CurrentHedgePrice exposes the resolved hedge price for queries.
func (e *Engine) CurrentHedgePrice(order *BuyOrder) (*big.Int, error) {
	return e.currentHedgeWad(order)
}

func (e *Engine) loadAccount(addr crypto.Address) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &types.Account{}
	}
	return acc.Normalize(), nil
}

// accountBook loads each account at most once per operation so that transfers
// between aliased parties (a trader filling their own order, custody acting
// as a counterparty) mutate a single account object instead of overwriting
// one copy with another on save.
type accountBook struct {
	engine   *Engine
	accounts map[string]*types.Account
	order    []crypto.Address
}

func (e *Engine) newAccountBook() *accountBook {
	return &accountBook{engine: e, accounts: make(map[string]*types.Account)}
}

func (b *accountBook) load(addr crypto.Address) (*types.Account, error) {
	key := string(addr.Bytes())
	if acc, ok := b.accounts[key]; ok {
		return acc, nil
	}
	acc, err := b.engine.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	b.accounts[key] = acc
	b.order = append(b.order, addr)
	return acc, nil
}

func (b *accountBook) save() error {
	for _, addr := range b.order {
		if err := b.engine.state.PutAccount(addr, b.accounts[string(addr.Bytes())]); err != nil {
			return err
		}
	}
	return nil
}
