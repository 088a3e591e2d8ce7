package node

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"linechain/config"
	"linechain/crypto"
	"linechain/native/loan"
	"linechain/oracle"
	"linechain/storage"
)

type fakePair struct{}

func (fakePair) Reserves() (*big.Int, *big.Int, error) {
	return big.NewInt(1_000), big.NewInt(1_000_000), nil
}

type nodeRig struct {
	node    *Node
	admin   crypto.Address
	now     int64
	nowFunc func() int64
}

func newNodeRig(t *testing.T) *nodeRig {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Load(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	store, err := storage.Open(filepath.Join(dir, "line.db"), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	n, err := New(cfg, store, nil)
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	rig := &nodeRig{node: n, admin: n.Admin()}
	n.SetNowFunc(func() int64 { return rig.now })
	return rig
}

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.LinePrefix, raw)
}

func TestBorrowRepayThroughStore(t *testing.T) {
	rig := newNodeRig(t)
	borrower := makeAddress(0x10)

	if err := rig.node.CreditGBYTE(rig.admin, borrower, big.NewInt(10)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	issued, err := rig.node.Borrow(borrower, big.NewInt(10))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if issued.ID != 1 || issued.GrossLINE.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("issued = %+v, want id 1 gross 10000", issued)
	}

	account, err := rig.node.GetAccount(borrower)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if account.BalanceLINE.Cmp(big.NewInt(9_900)) != 0 {
		t.Fatalf("net = %s, want 9900", account.BalanceLINE)
	}

	active, err := rig.node.ActiveLoans()
	if err != nil || len(active) != 1 {
		t.Fatalf("active = %d err=%v, want 1", len(active), err)
	}
	if !active[0].Owner.Equal(borrower) {
		t.Fatalf("owner = %v, want borrower", active[0].Owner)
	}
	byOwner, err := rig.node.ActiveLoansByOwner(borrower)
	if err != nil || len(byOwner) != 1 {
		t.Fatalf("by owner = %d err=%v, want 1", len(byOwner), err)
	}

	rig.now = int64(loan.SecondsPerYear)
	due, err := rig.node.LoanDue(issued.ID)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if due.Cmp(big.NewInt(10_100)) != 0 {
		t.Fatalf("due = %s, want 10100", due)
	}

	// The borrower lacks the interest portion; the whole repay rolls back.
	if _, err := rig.node.Repay(issued.ID, borrower); !errors.Is(err, loan.ErrInsufficientBalance) {
		t.Fatalf("underfunded repay err = %v, want ErrInsufficientBalance", err)
	}
	if remaining, err := rig.node.ActiveLoans(); err != nil || len(remaining) != 1 {
		t.Fatalf("failed repay mutated state: %d err=%v", len(remaining), err)
	}

	// Anyone may repay; fund a payer with enough issuance to cover the due.
	payer := makeAddress(0x12)
	if err := rig.node.CreditGBYTE(rig.admin, payer, big.NewInt(11)); err != nil {
		t.Fatalf("credit payer: %v", err)
	}
	if _, err := rig.node.Borrow(payer, big.NewInt(11)); err != nil {
		t.Fatalf("payer borrow: %v", err)
	}
	payerAcc, _ := rig.node.GetAccount(payer)
	if payerAcc.BalanceLINE.Cmp(big.NewInt(10_100)) < 0 {
		t.Fatalf("payer LINE = %s, want at least 10100", payerAcc.BalanceLINE)
	}

	repaid, err := rig.node.Repay(issued.ID, payer)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Cmp(big.NewInt(10_100)) != 0 {
		t.Fatalf("repaid = %s, want 10100", repaid)
	}
	// Collateral lands with the loan's current owner, the original borrower.
	borrowerAcc, _ := rig.node.GetAccount(borrower)
	if borrowerAcc.BalanceGBYTE.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("released collateral = %s, want 10", borrowerAcc.BalanceGBYTE)
	}
}

func TestRewardFlowThroughStore(t *testing.T) {
	rig := newNodeRig(t)
	borrower := makeAddress(0x20)
	staker := makeAddress(0x21)
	pool := makeAddress(0x22)

	if err := rig.node.RegisterPair(pool, fakePair{}); err != nil {
		t.Fatalf("register pair: %v", err)
	}
	if err := rig.node.SetRewardShare(rig.admin, pool, 5_000); err != nil {
		t.Fatalf("set share: %v", err)
	}
	if total, err := rig.node.TotalRewardShareBps(); err != nil || total != 5_000 {
		t.Fatalf("total share = %d err=%v, want 5000", total, err)
	}

	if err := rig.node.CreditLP(rig.admin, pool, staker, big.NewInt(100)); err != nil {
		t.Fatalf("credit lp: %v", err)
	}
	if _, err := rig.node.Stake(staker, pool, big.NewInt(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}

	if err := rig.node.CreditGBYTE(rig.admin, borrower, big.NewInt(10)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := rig.node.Borrow(borrower, big.NewInt(10)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// One year of interest on 10000 gross at 100 bps is 100; the pool's
	// half share is 50.
	rig.now = int64(loan.SecondsPerYear)
	pending, err := rig.node.PendingReward(staker, pool)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("pending = %s, want 50", pending)
	}

	paid, err := rig.node.Claim(staker, pool)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if paid.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("claimed = %s, want 50", paid)
	}
	account, err := rig.node.GetAccount(staker)
	if err != nil || account.BalanceLINE.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("staker LINE = %v err=%v, want 50", account, err)
	}
}

func TestMarketplaceFlowThroughStore(t *testing.T) {
	rig := newNodeRig(t)
	seller := makeAddress(0x30)
	buyer := makeAddress(0x31)

	if err := rig.node.CreditGBYTE(rig.admin, seller, big.NewInt(10)); err != nil {
		t.Fatalf("credit seller: %v", err)
	}
	if err := rig.node.CreditGBYTE(rig.admin, buyer, big.NewInt(25)); err != nil {
		t.Fatalf("credit buyer: %v", err)
	}
	issued, err := rig.node.Borrow(seller, big.NewInt(10))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}

	wad := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	strike := new(big.Int).Mul(big.NewInt(1_000), wad)
	hedge := new(big.Int).Quo(wad, big.NewInt(1_000))

	order, err := rig.node.CreateBuyOrder(buyer, big.NewInt(25), strike, hedge, "", "")
	if err != nil {
		t.Fatalf("buy order: %v", err)
	}
	paid, err := rig.node.Sell(seller, issued.ID, order.ID, big.NewInt(10))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if paid.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("paid = %s, want 10", paid)
	}

	remaining, err := rig.node.GetBuyOrder(order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if remaining.RemainingBudget.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("remaining budget = %s, want 15", remaining.RemainingBudget)
	}

	positions, err := rig.node.ActiveLoansByOwner(buyer)
	if err != nil || len(positions) != 1 {
		t.Fatalf("buyer loans = %d err=%v, want 1", len(positions), err)
	}

	if err := rig.node.CancelBuyOrder(buyer, order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	released, err := rig.node.ReleasedBuyOrderIDs()
	if err != nil || len(released) != 1 || released[0] != order.ID {
		t.Fatalf("released = %v err=%v, want [%d]", released, err, order.ID)
	}
	account, _ := rig.node.GetAccount(buyer)
	if account.BalanceGBYTE.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("refund = %s, want 15", account.BalanceGBYTE)
	}
}

func TestBuyOwnListingThroughStore(t *testing.T) {
	rig := newNodeRig(t)
	trader := makeAddress(0x32)

	if err := rig.node.CreditGBYTE(rig.admin, trader, big.NewInt(1_010)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	issued, err := rig.node.Borrow(trader, big.NewInt(10))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := rig.node.CreateSellOrder(trader, issued.ID, big.NewInt(500), "", ""); err != nil {
		t.Fatalf("list: %v", err)
	}

	custodyBefore, _ := rig.node.GetAccount(rig.node.Custody())
	if _, err := rig.node.Buy(trader, issued.ID, big.NewInt(500)); err != nil {
		t.Fatalf("self fill: %v", err)
	}

	// Filling your own ask pays the price back to yourself, so only the
	// 20 bps exchange fee leaves the account.
	account, err := rig.node.GetAccount(trader)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if account.BalanceGBYTE.Cmp(big.NewInt(999)) != 0 {
		t.Fatalf("balance after self fill = %s, want 999", account.BalanceGBYTE)
	}
	custodyAfter, _ := rig.node.GetAccount(rig.node.Custody())
	gained := new(big.Int).Sub(custodyAfter.BalanceGBYTE, custodyBefore.BalanceGBYTE)
	if gained.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("custody fee = %s, want 1", gained)
	}
	positions, err := rig.node.ActiveLoansByOwner(trader)
	if err != nil || len(positions) != 1 {
		t.Fatalf("positions = %d err=%v, want 1", len(positions), err)
	}
	if _, err := rig.node.GetSellOrder(issued.ID); err == nil {
		t.Fatal("filled ask should be gone")
	}
}

func TestPauseBlocksOperations(t *testing.T) {
	rig := newNodeRig(t)
	borrower := makeAddress(0x40)

	if err := rig.node.CreditGBYTE(rig.admin, borrower, big.NewInt(10)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	outsider := makeAddress(0x41)
	if err := rig.node.Pause(outsider, "loan"); !errors.Is(err, loan.ErrNotAdmin) {
		t.Fatalf("outsider pause err = %v, want ErrNotAdmin", err)
	}
	if err := rig.node.Pause(rig.admin, "loan"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := rig.node.Borrow(borrower, big.NewInt(10)); err == nil {
		t.Fatal("paused module accepted a borrow")
	}
	if err := rig.node.Resume(rig.admin, "loan"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := rig.node.Borrow(borrower, big.NewInt(10)); err != nil {
		t.Fatalf("borrow after resume: %v", err)
	}
}

func TestSetOracleSwitchesRate(t *testing.T) {
	rig := newNodeRig(t)
	borrower := makeAddress(0x50)

	if err := rig.node.SetOracle(rig.admin, oracle.NewFixedSource(big.NewRat(500, 1))); err != nil {
		t.Fatalf("set oracle: %v", err)
	}
	if err := rig.node.CreditGBYTE(rig.admin, borrower, big.NewInt(10)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	issued, err := rig.node.Borrow(borrower, big.NewInt(10))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if issued.GrossLINE.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("gross = %s, want 5000 at the oracle rate", issued.GrossLINE)
	}
}

func TestAdminSettingsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "line.db")
	cfg, err := config.Load(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	store, err := storage.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	n, err := New(cfg, store, nil)
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	admin := n.Admin()
	pair := makeAddress(0x70)
	if err := n.RegisterPair(pair, fakePair{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := n.SetOriginationFee(admin, 250); err != nil {
		t.Fatalf("set origination fee: %v", err)
	}
	if err := n.SetExchangeFee(admin, 50); err != nil {
		t.Fatalf("set exchange fee: %v", err)
	}
	if err := n.SetOracleFromPair(admin, pair, 0); err != nil {
		t.Fatalf("set oracle: %v", err)
	}
	if err := n.Pause(admin, "market"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := storage.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	restarted, err := New(cfg, reopened, nil)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}

	if got := restarted.loans.OriginationFeeBps(); got != 250 {
		t.Fatalf("origination fee after restart = %d, want 250", got)
	}
	if got := restarted.market.ExchangeFeeBps(); got != 50 {
		t.Fatalf("exchange fee after restart = %d, want 50", got)
	}

	// Re-registering the pair completes the stored oracle selection.
	if err := restarted.RegisterPair(pair, fakePair{}); err != nil {
		t.Fatalf("register after restart: %v", err)
	}
	borrower := makeAddress(0x71)
	if err := restarted.CreditGBYTE(admin, borrower, big.NewInt(10)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	issued, err := restarted.Borrow(borrower, big.NewInt(10))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if issued.GrossLINE.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("gross = %s, want 10000 at the restored reserve rate", issued.GrossLINE)
	}
	account, _ := restarted.GetAccount(borrower)
	if account.BalanceLINE.Cmp(big.NewInt(9_750)) != 0 {
		t.Fatalf("net = %s, want 9750 at the restored 250 bps fee", account.BalanceLINE)
	}

	// The market pause survives too.
	if _, err := restarted.CreateSellOrder(borrower, issued.ID, big.NewInt(10), "", ""); err == nil {
		t.Fatal("paused market accepted an ask after restart")
	}
	if err := restarted.Resume(admin, "market"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := restarted.CreateSellOrder(borrower, issued.ID, big.NewInt(10), "", ""); err != nil {
		t.Fatalf("ask after resume: %v", err)
	}
}

func TestSetOracleFromPair(t *testing.T) {
	rig := newNodeRig(t)
	pair := makeAddress(0x60)
	borrower := makeAddress(0x61)

	if err := rig.node.SetOracleFromPair(rig.admin, pair, 0); !errors.Is(err, ErrUnknownPair) {
		t.Fatalf("unregistered pair err = %v, want ErrUnknownPair", err)
	}
	if err := rig.node.RegisterPair(pair, fakePair{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := rig.node.SetOracleFromPair(rig.admin, pair, 0); err != nil {
		t.Fatalf("set oracle: %v", err)
	}

	if err := rig.node.CreditGBYTE(rig.admin, borrower, big.NewInt(10)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	issued, err := rig.node.Borrow(borrower, big.NewInt(10))
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Pair reserves imply 1000 LINE per GBYTE.
	if issued.GrossLINE.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("gross = %s, want 10000 at the reserve rate", issued.GrossLINE)
	}
}
