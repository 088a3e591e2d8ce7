package loan

import (
	"errors"
	"math/big"
	"time"

	"linechain/core/events"
	"linechain/core/types"
	"linechain/crypto"
	nativecommon "linechain/native/common"
	"linechain/native/registry"
	"linechain/oracle"
)

var (
	ErrNilState            = errors.New("loan engine: state not configured")
	ErrNilRegistry         = errors.New("loan engine: registry not configured")
	ErrInvalidAmount       = errors.New("loan engine: amount must be positive")
	ErrInsufficientBalance = errors.New("loan engine: insufficient balance")
	ErrLoanNotFound        = errors.New("loan engine: loan not found")
	ErrLoanClosed          = errors.New("loan engine: loan already closed")
	ErrNotAdmin            = errors.New("loan engine: caller is not the admin")
	ErrFeeOutOfRange       = errors.New("loan engine: fee basis points out of range")
	ErrOracleProbe         = errors.New("loan engine: oracle liveness probe failed")
	ErrRateUnavailable     = errors.New("loan engine: exchange rate unavailable")
)

var basisPoints = big.NewInt(10_000)

const moduleName = "loan"

type engineState interface {
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
	GetLoan(id uint64) (*Loan, error)
	PutLoan(loan *Loan) error
	NextLoanID() (uint64, error)
	LoanMeter() (*Meter, error)
	PutLoanMeter(meter *Meter) error
}

// Engine owns the loan ledger: issuance, interest accrual and repayment. It
// keeps collateral in the custody account and mints/burns LINE against it.
type Engine struct {
	state       engineState
	registry    *registry.Ledger
	custodyAddr crypto.Address
	admin       crypto.Address
	params      Params
	source      oracle.PriceSource
	emitter     events.Emitter
	nowFn       func() int64
	pauses      nativecommon.PauseView
}

// NewEngine constructs a loan engine bound to the custody and admin accounts.
func NewEngine(custodyAddr, admin crypto.Address, params Params) *Engine {
	return &Engine{
		custodyAddr: custodyAddr,
		admin:       admin,
		params:      params.Normalize(),
		emitter:     events.NoopEmitter{},
		nowFn:       func() int64 { return time.Now().Unix() },
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

// Params returns the current governed parameters.
func (e *Engine) Params() Params {
	if e == nil {
		return Params{}
	}
	return e.params
}

// InterestRateBps exposes the annual rate for collaborators (reward meter
// projections, marketplace valuation).
func (e *Engine) InterestRateBps() uint64 {
	if e == nil {
		return 0
	}
	return e.params.InterestRateBps
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(loanEvent{evt: evt})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// exchangeRate resolves the current GBYTE to LINE rate, falling back to the
// bootstrap rate while no oracle is configured.
func (e *Engine) exchangeRate() (*big.Rat, error) {
	if e.source != nil {
		rate, err := e.source.CurrentPrice()
		if err != nil {
			return nil, err
		}
		if rate == nil || rate.Sign() <= 0 {
			return nil, ErrRateUnavailable
		}
		return rate, nil
	}
	if e.params.BootstrapRateDen == 0 {
		return nil, ErrRateUnavailable
	}
	return big.NewRat(int64(e.params.BootstrapRateNum), int64(e.params.BootstrapRateDen)), nil
}

// Borrow locks collateral pulled from the borrower, mints the fee-reduced net
// loan amount and registers the new position. The created loan is returned.
func (e *Engine) Borrow(borrower crypto.Address, collateral *big.Int) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if e.registry == nil {
		return nil, ErrNilRegistry
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if collateral == nil || collateral.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	now := e.now()
	meter, err := e.loadMeter(now)
	if err != nil {
		return nil, err
	}
	// Settle income accrual before the principal total changes.
	meter.Checkpoint(now, e.params.InterestRateBps)

	rate, err := e.exchangeRate()
	if err != nil {
		return nil, err
	}
	gross := oracle.ApplyRate(collateral, rate)
	if gross.Sign() <= 0 {
		return nil, ErrRateUnavailable
	}
	fee := new(big.Int).Mul(gross, new(big.Int).SetUint64(e.params.OriginationFeeBps))
	fee.Quo(fee, basisPoints)
	net := new(big.Int).Sub(gross, fee)

	book := e.newAccountBook()
	borrowerAcc, err := book.load(borrower)
	if err != nil {
		return nil, err
	}
	if borrowerAcc.BalanceGBYTE.Cmp(collateral) < 0 {
		return nil, ErrInsufficientBalance
	}
	custodyAcc, err := book.load(e.custodyAddr)
	if err != nil {
		return nil, err
	}

	borrowerAcc.BalanceGBYTE = new(big.Int).Sub(borrowerAcc.BalanceGBYTE, collateral)
	custodyAcc.BalanceGBYTE = new(big.Int).Add(custodyAcc.BalanceGBYTE, collateral)
	borrowerAcc.BalanceLINE = new(big.Int).Add(borrowerAcc.BalanceLINE, net)

	if err := book.save(); err != nil {
		return nil, err
	}

	id, err := e.state.NextLoanID()
	if err != nil {
		return nil, err
	}
	loan := &Loan{
		ID:              id,
		InitialOwner:    append([]byte(nil), borrower.Bytes()...),
		CollateralGBYTE: new(big.Int).Set(collateral),
		GrossLINE:       new(big.Int).Set(gross),
		OriginatedAt:    now,
	}
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	if err := e.registry.Mint(id, borrower); err != nil {
		return nil, err
	}

	meter.OutstandingPrincipal = new(big.Int).Add(meter.OutstandingPrincipal, gross)
	if err := e.state.PutLoanMeter(meter); err != nil {
		return nil, err
	}

	e.emit(NewLoanIssuedEvent(loan, net, rate))
	return loan.Clone(), nil
}

// LoanDue computes the debt owed on a loan right now: the gross amount plus
// simple interest accrued since origination.
func (e *Engine) LoanDue(id uint64) (*big.Int, error) {
	return e.LoanDueAt(id, e.now())
}

// LoanDueAt computes the debt owed at an explicit timestamp.
func (e *Engine) LoanDueAt(id uint64, now int64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	loan, err := e.state.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, ErrLoanNotFound
	}
	if loan.Closed {
		return nil, ErrLoanClosed
	}
	loan.Normalize()
	elapsed := now - loan.OriginatedAt
	if elapsed < 0 {
		elapsed = 0
	}
	interest := new(big.Int).Mul(loan.GrossLINE, new(big.Int).SetUint64(e.params.InterestRateBps))
	interest.Mul(interest, big.NewInt(elapsed))
	interest.Quo(interest, big.NewInt(10_000*SecondsPerYear))
	return interest.Add(interest, loan.GrossLINE), nil
}

// Repay burns the due amount from the payer, releases the collateral to the
// current owner and closes the position. The repaid due amount is returned.
func (e *Engine) Repay(id uint64, payer crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if e.registry == nil {
		return nil, ErrNilRegistry
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	loan, err := e.state.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, ErrLoanNotFound
	}
	if loan.Closed {
		return nil, ErrLoanClosed
	}
	loan.Normalize()

	owner, ok := e.registry.OwnerOf(id)
	if !ok {
		return nil, ErrLoanNotFound
	}

	now := e.now()
	due, err := e.LoanDueAt(id, now)
	if err != nil {
		return nil, err
	}
	interest := new(big.Int).Sub(due, loan.GrossLINE)

	book := e.newAccountBook()
	payerAcc, err := book.load(payer)
	if err != nil {
		return nil, err
	}
	if payerAcc.BalanceLINE.Cmp(due) < 0 {
		return nil, ErrInsufficientBalance
	}
	custodyAcc, err := book.load(e.custodyAddr)
	if err != nil {
		return nil, err
	}
	if custodyAcc.BalanceGBYTE.Cmp(loan.CollateralGBYTE) < 0 {
		return nil, ErrInsufficientBalance
	}
	ownerAcc, err := book.load(owner)
	if err != nil {
		return nil, err
	}

	// Burn the debt and release the collateral to whoever owns the position
	// now, which may differ from the payer after marketplace transfers.
	payerAcc.BalanceLINE = new(big.Int).Sub(payerAcc.BalanceLINE, due)
	custodyAcc.BalanceGBYTE = new(big.Int).Sub(custodyAcc.BalanceGBYTE, loan.CollateralGBYTE)
	ownerAcc.BalanceGBYTE = new(big.Int).Add(ownerAcc.BalanceGBYTE, loan.CollateralGBYTE)
	if err := book.save(); err != nil {
		return nil, err
	}

	meter, err := e.loadMeter(now)
	if err != nil {
		return nil, err
	}
	// Settle accrual first so the interest realized by this repayment is
	// already in the income total when principal leaves the meter.
	meter.Checkpoint(now, e.params.InterestRateBps)
	meter.OutstandingPrincipal = new(big.Int).Sub(meter.OutstandingPrincipal, loan.GrossLINE)
	if meter.OutstandingPrincipal.Sign() < 0 {
		meter.OutstandingPrincipal = big.NewInt(0)
	}
	if err := e.state.PutLoanMeter(meter); err != nil {
		return nil, err
	}

	collateral := loan.CollateralGBYTE
	loan.Closed = true
	loan.CollateralGBYTE = big.NewInt(0)
	loan.GrossLINE = big.NewInt(0)
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	if err := e.registry.Burn(id); err != nil {
		return nil, err
	}

	e.emit(NewLoanRepaidEvent(id, payer, collateral, due, interest))
	return due, nil
}

// SetOriginationFee updates the fee deducted from gross issuance. Admin only.
func (e *Engine) SetOriginationFee(caller crypto.Address, bps uint64) error {
	if e == nil {
		return ErrNilState
	}
	if !caller.Equal(e.admin) {
		return ErrNotAdmin
	}
	if bps > 10_000 {
		return ErrFeeOutOfRange
	}
	e.params.OriginationFeeBps = bps
	e.emit(NewFeeUpdatedEvent(bps))
	return nil
}

// OriginationFeeBps reports the fee currently deducted from gross issuance.
func (e *Engine) OriginationFeeBps() uint64 {
	if e == nil {
		return 0
	}
	return e.params.OriginationFeeBps
}

// SetOracle switches pricing from the bootstrap rate to the supplied source.
// The source must answer a liveness probe before it is accepted. Admin only.
func (e *Engine) SetOracle(caller crypto.Address, source oracle.PriceSource) error {
	if e == nil {
		return ErrNilState
	}
	if !caller.Equal(e.admin) {
		return ErrNotAdmin
	}
	if source == nil {
		return ErrOracleProbe
	}
	rate, err := source.AveragePrice()
	if err != nil || rate == nil || rate.Sign() <= 0 {
		return ErrOracleProbe
	}
	e.source = source
	return nil
}

// GetLoan returns a copy of the stored loan, whether open or closed.
func (e *Engine) GetLoan(id uint64) (*Loan, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	loan, err := e.state.GetLoan(id)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, ErrLoanNotFound
	}
	return loan.Normalize().Clone(), nil
}

// Owner reports the current registry owner of an open loan.
func (e *Engine) Owner(id uint64) (crypto.Address, bool) {
	if e == nil || e.registry == nil {
		return crypto.Address{}, false
	}
	return e.registry.OwnerOf(id)
}

// ActiveLoanIDs enumerates every open loan id in ascending order.
func (e *Engine) ActiveLoanIDs() []uint64 {
	if e == nil || e.registry == nil {
		return nil
	}
	return e.registry.Active()
}

// ActiveLoanIDsByOwner enumerates the open loan ids held by owner.
func (e *Engine) ActiveLoanIDsByOwner(owner crypto.Address) []uint64 {
	if e == nil || e.registry == nil {
		return nil
	}
	return e.registry.ActiveByOwner(owner)
}

// Meter returns a copy of the income meter projected to now.
func (e *Engine) Meter() (*Meter, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	meter, err := e.loadMeter(e.now())
	if err != nil {
		return nil, err
	}
	clone := &Meter{
		OutstandingPrincipal: new(big.Int).Set(meter.OutstandingPrincipal),
		RealizedIncome:       new(big.Int).Set(meter.RealizedIncome),
		LastCheckpoint:       meter.LastCheckpoint,
	}
	return clone, nil
}

// IncomeAt exposes lifetime interest income projected to a timestamp. The
// reward accumulator keys its pool checkpoints off this value.
func (e *Engine) IncomeAt(now int64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	meter, err := e.loadMeter(now)
	if err != nil {
		return nil, err
	}
	return meter.IncomeAt(now, e.params.InterestRateBps), nil
}

func (e *Engine) loadMeter(now int64) (*Meter, error) {
	meter, err := e.state.LoanMeter()
	if err != nil {
		return nil, err
	}
	if meter == nil {
		meter = NewMeter(now)
	}
	return meter.Normalize(), nil
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

// accountBook loads each account at most once per operation so balance moves
// between aliased parties (owner repaying their own loan, custody acting as a
// counterparty) land on one account object instead of a later save
// overwriting an earlier one.
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
