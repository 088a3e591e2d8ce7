package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	bolt "go.etcd.io/bbolt"

	"linechain/core/types"
	"linechain/crypto"
	"linechain/native/loan"
	"linechain/native/market"
	"linechain/native/registry"
	"linechain/native/reward"
)

var (
	bucketAccounts   = []byte("accounts")
	bucketLoans      = []byte("loans")
	bucketPools      = []byte("pools")
	bucketStakes     = []byte("stakes")
	bucketLPBalances = []byte("lpbalances")
	bucketSellOrders = []byte("sellorders")
	bucketBuyOrders  = []byte("buyorders")
	bucketMeta       = []byte("meta")

	metaNextLoanID     = []byte("nextLoanID")
	metaNextBuyOrderID = []byte("nextBuyOrderID")
	metaLoanMeter      = []byte("loanMeter")
	metaRegistry       = []byte("loanRegistry")
	metaReleasedBuyIDs = []byte("releasedBuyOrderIDs")
	metaParameters     = []byte("parameters")
)

// Parameters is the snapshot of admin-tuned settings taken after every admin
// mutation so fees, pauses, and the oracle selection survive a restart. A
// missing record means no admin mutation has happened yet and configuration
// defaults apply.
type Parameters struct {
	OriginationFeeBps   uint64   `json:"originationFeeBps"`
	ExchangeFeeBps      uint64   `json:"exchangeFeeBps"`
	PausedModules       []string `json:"pausedModules,omitempty"`
	OraclePair          []byte   `json:"oraclePair,omitempty"`
	OracleWindowSeconds int64    `json:"oracleWindowSeconds,omitempty"`
}

// Store owns the Bolt database backing every protocol module. Engines never
// touch it directly; they operate on the State handed to an Update or View
// closure so a whole operation commits or rolls back as one transaction.
type Store struct {
	db *bolt.DB
}

// Open initialises (and migrates) the BoltDB-backed store.
func Open(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketAccounts, bucketLoans, bucketPools, bucketStakes,
			bucketLPBalances, bucketSellOrders, bucketBuyOrders, bucketMeta,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Update runs fn inside a single read-write transaction.
func (s *Store) Update(fn func(*State) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&State{tx: tx})
	})
}

// View runs fn inside a single read-only transaction.
func (s *Store) View(fn func(*State) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&State{tx: tx})
	})
}

// State is the transactional view the engines mutate. It satisfies the state
// interfaces of the loan, reward, and market engines; records are JSON payloads
// keyed by address bytes or big-endian identifiers.
type State struct {
	tx *bolt.Tx
}

func u64Key(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

func pairKey(a, b crypto.Address) []byte {
	key := make([]byte, 0, 40)
	key = append(key, a.Bytes()...)
	key = append(key, b.Bytes()...)
	return key
}

func getJSON(bucket *bolt.Bucket, key []byte, out interface{}) (bool, error) {
	raw := bucket.Get(key)
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("storage: decode %s/%x: %w", bucket.Tx().DB().Path(), key, err)
	}
	return true, nil
}

func putJSON(bucket *bolt.Bucket, key []byte, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return bucket.Put(key, raw)
}

// nextID increments a meta counter and returns the new value. Identifiers
// start at one and are never reused.
func (st *State) nextID(key []byte) (uint64, error) {
	meta := st.tx.Bucket(bucketMeta)
	var next uint64 = 1
	if raw := meta.Get(key); raw != nil {
		next = binary.BigEndian.Uint64(raw) + 1
	}
	if err := meta.Put(key, u64Key(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// GetAccount returns the stored account, or nil when the address is unknown.
func (st *State) GetAccount(addr crypto.Address) (*types.Account, error) {
	account := &types.Account{}
	ok, err := getJSON(st.tx.Bucket(bucketAccounts), addr.Bytes(), account)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	account.Normalize()
	return account, nil
}

func (st *State) PutAccount(addr crypto.Address, account *types.Account) error {
	account.Normalize()
	return putJSON(st.tx.Bucket(bucketAccounts), addr.Bytes(), account)
}

func (st *State) GetLoan(id uint64) (*loan.Loan, error) {
	record := &loan.Loan{}
	ok, err := getJSON(st.tx.Bucket(bucketLoans), u64Key(id), record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return record.Normalize(), nil
}

func (st *State) PutLoan(record *loan.Loan) error {
	return putJSON(st.tx.Bucket(bucketLoans), u64Key(record.ID), record.Normalize())
}

func (st *State) NextLoanID() (uint64, error) {
	return st.nextID(metaNextLoanID)
}

// LoanMeter returns the aggregate interest meter, or nil before the first
// checkpoint is persisted.
func (st *State) LoanMeter() (*loan.Meter, error) {
	meter := &loan.Meter{}
	ok, err := getJSON(st.tx.Bucket(bucketMeta), metaLoanMeter, meter)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return meter.Normalize(), nil
}

func (st *State) PutLoanMeter(meter *loan.Meter) error {
	return putJSON(st.tx.Bucket(bucketMeta), metaLoanMeter, meter.Normalize())
}

func (st *State) GetRewardPool(addr crypto.Address) (*reward.Pool, error) {
	pool := &reward.Pool{}
	ok, err := getJSON(st.tx.Bucket(bucketPools), addr.Bytes(), pool)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	pool.Normalize()
	return pool, nil
}

func (st *State) PutRewardPool(pool *reward.Pool) error {
	pool.Normalize()
	return putJSON(st.tx.Bucket(bucketPools), pool.Address, pool)
}

func (st *State) RewardPools() ([]*reward.Pool, error) {
	pools := make([]*reward.Pool, 0)
	err := st.tx.Bucket(bucketPools).ForEach(func(_, raw []byte) error {
		pool := &reward.Pool{}
		if err := json.Unmarshal(raw, pool); err != nil {
			return err
		}
		pool.Normalize()
		pools = append(pools, pool)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pools, nil
}

func (st *State) GetStake(pool, staker crypto.Address) (*reward.Stake, error) {
	stake := &reward.Stake{}
	ok, err := getJSON(st.tx.Bucket(bucketStakes), pairKey(pool, staker), stake)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	stake.Normalize()
	return stake, nil
}

func (st *State) PutStake(stake *reward.Stake) error {
	stake.Normalize()
	key := make([]byte, 0, 40)
	key = append(key, stake.Pool...)
	key = append(key, stake.Staker...)
	return putJSON(st.tx.Bucket(bucketStakes), key, stake)
}

// GetLPBalance returns the holder's LP token balance for the pool; a missing
// record reads as zero.
func (st *State) GetLPBalance(pool, holder crypto.Address) (*big.Int, error) {
	raw := st.tx.Bucket(bucketLPBalances).Get(pairKey(pool, holder))
	if raw == nil {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("storage: corrupt lp balance %q", raw)
	}
	return amount, nil
}

func (st *State) PutLPBalance(pool, holder crypto.Address, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	return st.tx.Bucket(bucketLPBalances).Put(pairKey(pool, holder), []byte(amount.String()))
}

func (st *State) SellOrderGet(loanID uint64) (*market.SellOrder, error) {
	order := &market.SellOrder{}
	ok, err := getJSON(st.tx.Bucket(bucketSellOrders), u64Key(loanID), order)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return order, nil
}

func (st *State) SellOrderPut(order *market.SellOrder) error {
	return putJSON(st.tx.Bucket(bucketSellOrders), u64Key(order.LoanID), order)
}

func (st *State) SellOrderDelete(loanID uint64) error {
	return st.tx.Bucket(bucketSellOrders).Delete(u64Key(loanID))
}

func (st *State) SellOrders() ([]*market.SellOrder, error) {
	orders := make([]*market.SellOrder, 0)
	err := st.tx.Bucket(bucketSellOrders).ForEach(func(_, raw []byte) error {
		order := &market.SellOrder{}
		if err := json.Unmarshal(raw, order); err != nil {
			return err
		}
		orders = append(orders, order)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (st *State) BuyOrderGet(id uint64) (*market.BuyOrder, error) {
	order := &market.BuyOrder{}
	ok, err := getJSON(st.tx.Bucket(bucketBuyOrders), u64Key(id), order)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return order, nil
}

func (st *State) BuyOrderPut(order *market.BuyOrder) error {
	return putJSON(st.tx.Bucket(bucketBuyOrders), u64Key(order.ID), order)
}

func (st *State) BuyOrderDelete(id uint64) error {
	return st.tx.Bucket(bucketBuyOrders).Delete(u64Key(id))
}

func (st *State) BuyOrders() ([]*market.BuyOrder, error) {
	orders := make([]*market.BuyOrder, 0)
	err := st.tx.Bucket(bucketBuyOrders).ForEach(func(_, raw []byte) error {
		order := &market.BuyOrder{}
		if err := json.Unmarshal(raw, order); err != nil {
			return err
		}
		orders = append(orders, order)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (st *State) NextBuyOrderID() (uint64, error) {
	return st.nextID(metaNextBuyOrderID)
}

func (st *State) ReleasedBuyOrderIDs() ([]uint64, error) {
	ids := make([]uint64, 0)
	ok, err := getJSON(st.tx.Bucket(bucketMeta), metaReleasedBuyIDs, &ids)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []uint64{}, nil
	}
	return ids, nil
}

func (st *State) AppendReleasedBuyOrderID(id uint64) error {
	ids, err := st.ReleasedBuyOrderIDs()
	if err != nil {
		return err
	}
	return putJSON(st.tx.Bucket(bucketMeta), metaReleasedBuyIDs, append(ids, id))
}

// Parameters reads the persisted admin settings, or nil when none were saved.
func (st *State) Parameters() (*Parameters, error) {
	params := &Parameters{}
	ok, err := getJSON(st.tx.Bucket(bucketMeta), metaParameters, params)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return params, nil
}

func (st *State) PutParameters(params *Parameters) error {
	return putJSON(st.tx.Bucket(bucketMeta), metaParameters, params)
}

// LoadRegistry reads the loan ownership ledger snapshot; a fresh database
// yields an empty ledger.
func (st *State) LoadRegistry() (*registry.Ledger, error) {
	raw := st.tx.Bucket(bucketMeta).Get(metaRegistry)
	ledger := registry.NewLedger()
	if raw == nil {
		return ledger, nil
	}
	if err := json.Unmarshal(raw, ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}

// SaveRegistry persists the loan ownership ledger snapshot.
func (st *State) SaveRegistry(ledger *registry.Ledger) error {
	return putJSON(st.tx.Bucket(bucketMeta), metaRegistry, ledger)
}
