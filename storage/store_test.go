package storage

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"linechain/core/types"
	"linechain/crypto"
	"linechain/native/loan"
	"linechain/native/market"
	"linechain/native/reward"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "line.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.LinePrefix, raw)
}

func TestAccountRoundTrip(t *testing.T) {
	store := openTestStore(t)
	addr := makeAddress(0x01)

	require.NoError(t, store.View(func(st *State) error {
		account, err := st.GetAccount(addr)
		require.NoError(t, err)
		require.Nil(t, account)
		return nil
	}))

	require.NoError(t, store.Update(func(st *State) error {
		return st.PutAccount(addr, &types.Account{
			BalanceLINE:  big.NewInt(11),
			BalanceGBYTE: big.NewInt(22),
		})
	}))

	require.NoError(t, store.View(func(st *State) error {
		account, err := st.GetAccount(addr)
		require.NoError(t, err)
		require.NotNil(t, account)
		require.Equal(t, int64(11), account.BalanceLINE.Int64())
		require.Equal(t, int64(22), account.BalanceGBYTE.Int64())
		return nil
	}))
}

func TestLoanAndMeterRoundTrip(t *testing.T) {
	store := openTestStore(t)
	owner := makeAddress(0x02)

	require.NoError(t, store.Update(func(st *State) error {
		id, err := st.NextLoanID()
		require.NoError(t, err)
		require.Equal(t, uint64(1), id)

		record := &loan.Loan{
			ID:              id,
			InitialOwner:    owner.Bytes(),
			CollateralGBYTE: big.NewInt(10),
			GrossLINE:       big.NewInt(10_000),
			OriginatedAt:    42,
		}
		require.NoError(t, st.PutLoan(record))

		meter := loan.NewMeter(42)
		meter.OutstandingPrincipal = big.NewInt(10_000)
		return st.PutLoanMeter(meter)
	}))

	require.NoError(t, store.View(func(st *State) error {
		record, err := st.GetLoan(1)
		require.NoError(t, err)
		require.NotNil(t, record)
		require.Equal(t, int64(10_000), record.GrossLINE.Int64())
		require.Equal(t, owner.Bytes(), record.InitialOwner)

		meter, err := st.LoanMeter()
		require.NoError(t, err)
		require.NotNil(t, meter)
		require.Equal(t, int64(10_000), meter.OutstandingPrincipal.Int64())
		require.Equal(t, int64(42), meter.LastCheckpoint)
		return nil
	}))
}

func TestIDCountersSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "line.db")

	store, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Update(func(st *State) error {
		for want := uint64(1); want <= 3; want++ {
			id, err := st.NextBuyOrderID()
			require.NoError(t, err)
			require.Equal(t, want, id)
		}
		return nil
	}))
	require.NoError(t, store.Close())

	store, err = Open(path, nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Update(func(st *State) error {
		id, err := st.NextBuyOrderID()
		require.NoError(t, err)
		require.Equal(t, uint64(4), id)
		return nil
	}))
}

func TestRewardStateRoundTrip(t *testing.T) {
	store := openTestStore(t)
	pool := makeAddress(0x03)
	staker := makeAddress(0x04)

	require.NoError(t, store.Update(func(st *State) error {
		require.NoError(t, st.PutRewardPool(&reward.Pool{
			Address:        pool.Bytes(),
			Exists:         true,
			RewardShareBps: 5_000,
			TotalStaked:    big.NewInt(100),
		}))
		require.NoError(t, st.PutStake(&reward.Stake{
			Pool:   pool.Bytes(),
			Staker: staker.Bytes(),
			Amount: big.NewInt(100),
		}))
		return st.PutLPBalance(pool, staker, big.NewInt(55))
	}))

	require.NoError(t, store.View(func(st *State) error {
		stored, err := st.GetRewardPool(pool)
		require.NoError(t, err)
		require.NotNil(t, stored)
		require.Equal(t, uint64(5_000), stored.RewardShareBps)

		pools, err := st.RewardPools()
		require.NoError(t, err)
		require.Len(t, pools, 1)

		stake, err := st.GetStake(pool, staker)
		require.NoError(t, err)
		require.NotNil(t, stake)
		require.Equal(t, int64(100), stake.Amount.Int64())

		balance, err := st.GetLPBalance(pool, staker)
		require.NoError(t, err)
		require.Equal(t, int64(55), balance.Int64())
		return nil
	}))
}

func TestOrderBooksAndReleasedIDs(t *testing.T) {
	store := openTestStore(t)
	seller := makeAddress(0x05)
	buyer := makeAddress(0x06)

	require.NoError(t, store.Update(func(st *State) error {
		require.NoError(t, st.SellOrderPut(&market.SellOrder{
			LoanID: 1,
			Seller: seller.Bytes(),
			Price:  big.NewInt(12),
		}))
		require.NoError(t, st.BuyOrderPut(&market.BuyOrder{
			ID:              1,
			Buyer:           buyer.Bytes(),
			RemainingBudget: big.NewInt(50),
		}))
		return st.AppendReleasedBuyOrderID(7)
	}))

	require.NoError(t, store.View(func(st *State) error {
		sells, err := st.SellOrders()
		require.NoError(t, err)
		require.Len(t, sells, 1)
		require.Equal(t, int64(12), sells[0].Price.Int64())

		buys, err := st.BuyOrders()
		require.NoError(t, err)
		require.Len(t, buys, 1)

		released, err := st.ReleasedBuyOrderIDs()
		require.NoError(t, err)
		require.Equal(t, []uint64{7}, released)
		return nil
	}))

	require.NoError(t, store.Update(func(st *State) error {
		require.NoError(t, st.SellOrderDelete(1))
		return st.BuyOrderDelete(1)
	}))

	require.NoError(t, store.View(func(st *State) error {
		order, err := st.SellOrderGet(1)
		require.NoError(t, err)
		require.Nil(t, order)
		buy, err := st.BuyOrderGet(1)
		require.NoError(t, err)
		require.Nil(t, buy)
		return nil
	}))
}

func TestRegistrySnapshotPersists(t *testing.T) {
	store := openTestStore(t)
	owner := makeAddress(0x07)

	require.NoError(t, store.Update(func(st *State) error {
		ledger, err := st.LoadRegistry()
		require.NoError(t, err)
		require.NoError(t, ledger.Mint(1, owner))
		return st.SaveRegistry(ledger)
	}))

	require.NoError(t, store.View(func(st *State) error {
		ledger, err := st.LoadRegistry()
		require.NoError(t, err)
		got, ok := ledger.OwnerOf(1)
		require.True(t, ok)
		require.True(t, got.Equal(owner))
		return nil
	}))
}

var errAbort = errors.New("abort")

func TestUpdateRollsBackOnError(t *testing.T) {
	store := openTestStore(t)
	addr := makeAddress(0x08)

	err := store.Update(func(st *State) error {
		require.NoError(t, st.PutAccount(addr, &types.Account{BalanceLINE: big.NewInt(99)}))
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	require.NoError(t, store.View(func(st *State) error {
		account, err := st.GetAccount(addr)
		require.NoError(t, err)
		require.Nil(t, account)
		return nil
	}))
}
