package node

import (
	"bytes"
	"errors"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"linechain/config"
	"linechain/core/events"
	"linechain/core/types"
	"linechain/crypto"
	"linechain/native/loan"
	"linechain/native/market"
	"linechain/native/registry"
	"linechain/native/reward"
	"linechain/oracle"
	"linechain/storage"
)

// Node owns the engines and threads every public operation through a single
// store transaction: the engines see one State, mutate it, and the registry
// snapshot is written back before commit. A failed operation rolls the whole
// transaction back.
type Node struct {
	mu      sync.Mutex
	store   *storage.Store
	loans   *loan.Engine
	rewards *reward.Engine
	market  *market.Engine
	pairs   *oracle.PairRegistry
	pauses  *PauseSet
	logger  *slog.Logger
	admin   crypto.Address
	custody crypto.Address

	// Persisted oracle selection. A pending selection was restored from the
	// store but its pair is not registered yet; RegisterPair completes it.
	oraclePair    []byte
	oracleWindow  time.Duration
	oraclePending bool
}

// New wires the engines from configuration. The caller owns the store and
// closes it after the node is done.
func New(cfg *config.Config, store *storage.Store, logger *slog.Logger) (*Node, error) {
	admin, err := cfg.Admin()
	if err != nil {
		return nil, err
	}
	custody, err := cfg.Custody()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var saved *storage.Parameters
	if err := store.View(func(st *storage.State) error {
		var err error
		saved, err = st.Parameters()
		return err
	}); err != nil {
		return nil, err
	}

	// A persisted admin snapshot supersedes the configuration defaults.
	pauses := NewPauseSet(cfg.PausedModules...)
	if saved != nil {
		pauses = NewPauseSet(saved.PausedModules...)
	}
	pairs := oracle.NewPairRegistry()

	loans := loan.NewEngine(custody, admin, cfg.LoanParams())
	loans.SetPauses(pauses)

	rewards := reward.NewEngine(admin)
	rewards.SetIncomeSource(loans)
	rewards.SetPairRegistry(pairs)
	rewards.SetPauses(pauses)

	mkt := market.NewEngine(loans, custody, admin)
	mkt.SetPauses(pauses)
	if cfg.ExchangeFeeBps != market.DefaultExchangeFeeBps {
		if err := mkt.SetExchangeFee(admin, cfg.ExchangeFeeBps); err != nil {
			return nil, err
		}
	}
	if saved != nil {
		if err := loans.SetOriginationFee(admin, saved.OriginationFeeBps); err != nil {
			return nil, err
		}
		if err := mkt.SetExchangeFee(admin, saved.ExchangeFeeBps); err != nil {
			return nil, err
		}
	}

	n := &Node{
		store:   store,
		loans:   loans,
		rewards: rewards,
		market:  mkt,
		pairs:   pairs,
		pauses:  pauses,
		logger:  logger,
		admin:   admin,
		custody: custody,
	}
	if saved != nil && len(saved.OraclePair) > 0 {
		n.oraclePair = append([]byte(nil), saved.OraclePair...)
		n.oracleWindow = time.Duration(saved.OracleWindowSeconds) * time.Second
		n.oraclePending = true
	}
	loans.SetEmitter(n)
	rewards.SetEmitter(n)
	mkt.SetEmitter(n)
	return n, nil
}

// saveParameters snapshots the current admin settings. Callers hold n.mu.
func (n *Node) saveParameters() error {
	record := &storage.Parameters{
		OriginationFeeBps:   n.loans.OriginationFeeBps(),
		ExchangeFeeBps:      n.market.ExchangeFeeBps(),
		PausedModules:       n.pauses.Snapshot(),
		OraclePair:          append([]byte(nil), n.oraclePair...),
		OracleWindowSeconds: int64(n.oracleWindow / time.Second),
	}
	return n.store.Update(func(st *storage.State) error {
		return st.PutParameters(record)
	})
}

// Emit logs engine events as they fire. Events surface on the transaction's
// goroutine, so attribute maps are safe to read here.
func (n *Node) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	attrs := []any{}
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := carrier.Event(); payload != nil {
			keys := make([]string, 0, len(payload.Attributes))
			for k := range payload.Attributes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				attrs = append(attrs, slog.String(k, payload.Attributes[k]))
			}
		}
	}
	n.logger.Info(evt.EventType(), attrs...)
}

// SetNowFunc overrides the engines' time source, primarily used in tests.
func (n *Node) SetNowFunc(now func() int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loans.SetNowFunc(now)
	n.rewards.SetNowFunc(now)
	n.market.SetNowFunc(now)
}

// Admin returns the configured admin address.
func (n *Node) Admin() crypto.Address { return n.admin }

// Custody returns the engine custody address.
func (n *Node) Custody() crypto.Address { return n.custody }

// PairRegistry exposes the AMM pair registry for boot-time wiring.
func (n *Node) PairRegistry() *oracle.PairRegistry { return n.pairs }

// RegisterPair adds an AMM pair and, when a persisted oracle selection names
// it, reinstalls the reserve oracle over its reserves.
func (n *Node) RegisterPair(addr crypto.Address, pair oracle.ReservePair) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.pairs.Register(addr, pair); err != nil {
		return err
	}
	if n.oraclePending && bytes.Equal(n.oraclePair, addr.Bytes()) {
		if err := n.loans.SetOracle(n.admin, oracle.NewReserveOracle(pair, n.oracleWindow)); err != nil {
			return err
		}
		n.oraclePending = false
	}
	return nil
}

// SetOracle installs the exchange-rate source on the loan ledger. Admin only;
// the engine probes the source before accepting it. An arbitrary source has
// no persisted form, so any stored pair selection is dropped.
func (n *Node) SetOracle(caller crypto.Address, source oracle.PriceSource) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.loans.SetOracle(caller, source); err != nil {
		return err
	}
	n.oraclePair = nil
	n.oraclePending = false
	return n.saveParameters()
}

// ErrUnknownPair rejects oracle installation over an unregistered pair.
var ErrUnknownPair = errors.New("node: pair not registered")

// SetOracleFromPair installs a reserve oracle reading the registered pair's
// AMM reserves, averaged over the supplied window. The selection is persisted
// and restored once the pair is registered again after a restart.
func (n *Node) SetOracleFromPair(caller, pair crypto.Address, window time.Duration) error {
	reserve, ok := n.pairs.Lookup(pair)
	if !ok {
		return ErrUnknownPair
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.loans.SetOracle(caller, oracle.NewReserveOracle(reserve, window)); err != nil {
		return err
	}
	n.oraclePair = append([]byte(nil), pair.Bytes()...)
	n.oracleWindow = window
	n.oraclePending = false
	return n.saveParameters()
}

// RegisterPriceSource binds a named marketplace order price source.
func (n *Node) RegisterPriceSource(name string, source oracle.OrderPriceSource) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.market.RegisterPriceSource(name, source)
}

// Pause halts a module; Resume lifts the halt. Admin only.
func (n *Node) Pause(caller crypto.Address, module string) error {
	if !caller.Equal(n.admin) {
		return loan.ErrNotAdmin
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pauses.Pause(module)
	n.logger.Info("module paused", slog.String("module", module))
	return n.saveParameters()
}

func (n *Node) Resume(caller crypto.Address, module string) error {
	if !caller.Equal(n.admin) {
		return loan.ErrNotAdmin
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pauses.Resume(module)
	n.logger.Info("module resumed", slog.String("module", module))
	return n.saveParameters()
}

// update binds the engines to one read-write transaction, loads the ownership
// ledger, runs fn, and persists the ledger back on success.
func (n *Node) update(fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.store.Update(func(st *storage.State) error {
		ledger, err := st.LoadRegistry()
		if err != nil {
			return err
		}
		n.bind(st, ledger)
		if err := fn(); err != nil {
			return err
		}
		return st.SaveRegistry(ledger)
	})
}

// view binds the engines to one read-only transaction.
func (n *Node) view(fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.store.View(func(st *storage.State) error {
		ledger, err := st.LoadRegistry()
		if err != nil {
			return err
		}
		n.bind(st, ledger)
		return fn()
	})
}

func (n *Node) bind(st *storage.State, ledger *registry.Ledger) {
	n.loans.SetState(st)
	n.loans.SetRegistry(ledger)
	n.rewards.SetState(st)
	n.market.SetState(st)
	n.market.SetRegistry(ledger)
}

// Borrow locks collateral and issues a loan to the borrower.
func (n *Node) Borrow(borrower crypto.Address, collateral *big.Int) (*loan.Loan, error) {
	var issued *loan.Loan
	err := n.update(func() error {
		var err error
		issued, err = n.loans.Borrow(borrower, collateral)
		return err
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

// Repay settles a loan in full and releases its collateral to the current
// owner. The amount burned from the payer is returned.
func (n *Node) Repay(id uint64, payer crypto.Address) (*big.Int, error) {
	var due *big.Int
	err := n.update(func() error {
		var err error
		due, err = n.loans.Repay(id, payer)
		return err
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

// LoanDue quotes the full amount currently owed on a loan.
func (n *Node) LoanDue(id uint64) (*big.Int, error) {
	var due *big.Int
	err := n.view(func() error {
		var err error
		due, err = n.loans.LoanDue(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

// SetOriginationFee updates the up-front fee on new loans. Admin only.
func (n *Node) SetOriginationFee(caller crypto.Address, bps uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.loans.SetOriginationFee(caller, bps); err != nil {
		return err
	}
	return n.saveParameters()
}

// SetExchangeFee updates the marketplace trade fee. Admin only.
func (n *Node) SetExchangeFee(caller crypto.Address, bps uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.market.SetExchangeFee(caller, bps); err != nil {
		return err
	}
	return n.saveParameters()
}

// LoanPosition is a loan joined with its current registry owner.
type LoanPosition struct {
	Loan  *loan.Loan
	Owner crypto.Address
}

// GetLoan returns the loan with its current owner.
func (n *Node) GetLoan(id uint64) (*LoanPosition, error) {
	var pos *LoanPosition
	err := n.view(func() error {
		record, err := n.loans.GetLoan(id)
		if err != nil {
			return err
		}
		owner, _ := n.loans.Owner(id)
		pos = &LoanPosition{Loan: record, Owner: owner}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// ActiveLoans enumerates every open loan position.
func (n *Node) ActiveLoans() ([]*LoanPosition, error) {
	var out []*LoanPosition
	err := n.view(func() error {
		var err error
		out, err = n.collectLoans(n.loans.ActiveLoanIDs())
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveLoansByOwner enumerates open loan positions held by owner.
func (n *Node) ActiveLoansByOwner(owner crypto.Address) ([]*LoanPosition, error) {
	var out []*LoanPosition
	err := n.view(func() error {
		var err error
		out, err = n.collectLoans(n.loans.ActiveLoanIDsByOwner(owner))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (n *Node) collectLoans(ids []uint64) ([]*LoanPosition, error) {
	out := make([]*LoanPosition, 0, len(ids))
	for _, id := range ids {
		record, err := n.loans.GetLoan(id)
		if err != nil {
			return nil, err
		}
		owner, _ := n.loans.Owner(id)
		out = append(out, &LoanPosition{Loan: record, Owner: owner})
	}
	return out, nil
}

// TotalIncome reports lifetime interest income accrued by the ledger.
func (n *Node) TotalIncome(now int64) (*big.Int, error) {
	var income *big.Int
	err := n.view(func() error {
		var err error
		income, err = n.loans.IncomeAt(now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return income, nil
}

// GetAccount returns the stored balances for an address; unknown addresses
// read as zero balances.
func (n *Node) GetAccount(addr crypto.Address) (*types.Account, error) {
	account := &types.Account{}
	err := n.store.View(func(st *storage.State) error {
		stored, err := st.GetAccount(addr)
		if err != nil {
			return err
		}
		if stored != nil {
			account = stored
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account.Normalize(), nil
}

// CreditGBYTE mints collateral into an account. Admin only; this is the
// bridge entry point for collateral arriving from outside the protocol.
func (n *Node) CreditGBYTE(caller, to crypto.Address, amount *big.Int) error {
	if !caller.Equal(n.admin) {
		return loan.ErrNotAdmin
	}
	if amount == nil || amount.Sign() <= 0 {
		return loan.ErrInvalidAmount
	}
	return n.store.Update(func(st *storage.State) error {
		account, err := st.GetAccount(to)
		if err != nil {
			return err
		}
		if account == nil {
			account = &types.Account{}
		}
		account.Normalize()
		account.BalanceGBYTE = new(big.Int).Add(account.BalanceGBYTE, amount)
		return st.PutAccount(to, account)
	})
}

// SetRewardShare points a slice of future interest income at an AMM pair's
// staking pool. Admin only.
func (n *Node) SetRewardShare(caller, pool crypto.Address, shareBps uint64) error {
	return n.update(func() error {
		return n.rewards.SetRewardShare(caller, pool, shareBps)
	})
}

// Stake locks LP tokens into a reward pool.
func (n *Node) Stake(staker, pool crypto.Address, amount *big.Int) (*reward.Stake, error) {
	var stake *reward.Stake
	err := n.update(func() error {
		var err error
		stake, err = n.rewards.Stake(staker, pool, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stake, nil
}

// Unstake withdraws LP tokens; zero means withdraw all.
func (n *Node) Unstake(staker, pool crypto.Address, amount *big.Int) (*reward.Stake, error) {
	var stake *reward.Stake
	err := n.update(func() error {
		var err error
		stake, err = n.rewards.Unstake(staker, pool, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stake, nil
}

// Claim mints the staker's settled reward to their account.
func (n *Node) Claim(staker, pool crypto.Address) (*big.Int, error) {
	var paid *big.Int
	err := n.update(func() error {
		var err error
		paid, err = n.rewards.Claim(staker, pool)
		return err
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// PendingReward quotes the claimable reward without mutating state.
func (n *Node) PendingReward(staker, pool crypto.Address) (*big.Int, error) {
	var pending *big.Int
	err := n.view(func() error {
		var err error
		pending, err = n.rewards.PendingReward(staker, pool)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// GetPool returns a reward pool snapshot.
func (n *Node) GetPool(pool crypto.Address) (*reward.Pool, error) {
	var out *reward.Pool
	err := n.view(func() error {
		var err error
		out, err = n.rewards.GetPool(pool)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetStake returns a staker's position in a pool.
func (n *Node) GetStake(staker, pool crypto.Address) (*reward.Stake, error) {
	var out *reward.Stake
	err := n.view(func() error {
		var err error
		out, err = n.rewards.GetStake(staker, pool)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TotalRewardShareBps sums the configured shares across pools.
func (n *Node) TotalRewardShareBps() (uint64, error) {
	var total uint64
	err := n.view(func() error {
		var err error
		total, err = n.rewards.TotalRewardShareBps()
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// CreditLP records LP tokens bridged in for a pool. Admin only.
func (n *Node) CreditLP(caller, pool, holder crypto.Address, amount *big.Int) error {
	return n.update(func() error {
		return n.rewards.CreditLP(caller, pool, holder, amount)
	})
}

// LPBalance reads the holder's unstaked LP balance for a pool.
func (n *Node) LPBalance(pool, holder crypto.Address) (*big.Int, error) {
	var out *big.Int
	err := n.view(func() error {
		var err error
		out, err = n.rewards.LPBalance(pool, holder)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSellOrder lists a loan at a fixed price or behind a price source.
func (n *Node) CreateSellOrder(caller crypto.Address, loanID uint64, price *big.Int, priceSource, params string) (*market.SellOrder, error) {
	var order *market.SellOrder
	err := n.update(func() error {
		var err error
		order, err = n.market.CreateSellOrder(caller, loanID, price, priceSource, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// CancelSellOrder withdraws the caller's ask on a loan.
func (n *Node) CancelSellOrder(caller crypto.Address, loanID uint64) error {
	return n.update(func() error {
		return n.market.CancelSellOrder(caller, loanID)
	})
}

// Buy takes a listed loan at its current price, bounded by maxPrice.
func (n *Node) Buy(caller crypto.Address, loanID uint64, maxPrice *big.Int) (*big.Int, error) {
	var paid *big.Int
	err := n.update(func() error {
		var err error
		paid, err = n.market.Buy(caller, loanID, maxPrice)
		return err
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// CreateBuyOrder escrows a budget for loans at or below the strike rate.
func (n *Node) CreateBuyOrder(caller crypto.Address, amount, strikeRateWad, hedgePriceWad *big.Int, priceSource, params string) (*market.BuyOrder, error) {
	var order *market.BuyOrder
	err := n.update(func() error {
		var err error
		order, err = n.market.CreateBuyOrder(caller, amount, strikeRateWad, hedgePriceWad, priceSource, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// CancelBuyOrder refunds the remaining escrow and retires the order id.
func (n *Node) CancelBuyOrder(caller crypto.Address, id uint64) error {
	return n.update(func() error {
		return n.market.CancelBuyOrder(caller, id)
	})
}

// Sell fills a buy order with the caller's loan at the supplied price.
func (n *Node) Sell(caller crypto.Address, loanID, buyOrderID uint64, price *big.Int) (*big.Int, error) {
	var paid *big.Int
	err := n.update(func() error {
		var err error
		paid, err = n.market.Sell(caller, loanID, buyOrderID, price)
		return err
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// SellOrderView is a sell order with its price resolved at read time.
type SellOrderView struct {
	Order        *market.SellOrder
	CurrentPrice *big.Int
	PriceErr     error
}

// SellOrders lists open asks with their resolved prices.
func (n *Node) SellOrders() ([]*SellOrderView, error) {
	var out []*SellOrderView
	err := n.view(func() error {
		orders, err := n.market.SellOrders()
		if err != nil {
			return err
		}
		out = make([]*SellOrderView, 0, len(orders))
		for _, order := range orders {
			view := &SellOrderView{Order: order}
			view.CurrentPrice, view.PriceErr = n.market.CurrentSellPrice(order)
			out = append(out, view)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BuyOrderView is a buy order with its hedge price resolved at read time.
type BuyOrderView struct {
	Order        *market.BuyOrder
	CurrentHedge *big.Int
	HedgeErr     error
}

// BuyOrders lists open bids with their resolved hedge prices.
func (n *Node) BuyOrders() ([]*BuyOrderView, error) {
	var out []*BuyOrderView
	err := n.view(func() error {
		orders, err := n.market.BuyOrders()
		if err != nil {
			return err
		}
		out = make([]*BuyOrderView, 0, len(orders))
		for _, order := range orders {
			view := &BuyOrderView{Order: order}
			view.CurrentHedge, view.HedgeErr = n.market.CurrentHedgePrice(order)
			out = append(out, view)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetSellOrder returns the open ask on a loan, if any.
func (n *Node) GetSellOrder(loanID uint64) (*market.SellOrder, error) {
	var out *market.SellOrder
	err := n.view(func() error {
		var err error
		out, err = n.market.GetSellOrder(loanID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetBuyOrder returns an open bid by id.
func (n *Node) GetBuyOrder(id uint64) (*market.BuyOrder, error) {
	var out *market.BuyOrder
	err := n.view(func() error {
		var err error
		out, err = n.market.GetBuyOrder(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReleasedBuyOrderIDs lists ids of exhausted or cancelled buy orders.
func (n *Node) ReleasedBuyOrderIDs() ([]uint64, error) {
	var out []uint64
	err := n.view(func() error {
		var err error
		out, err = n.market.ReleasedBuyOrderIDs()
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
