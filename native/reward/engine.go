package reward

import (
	"errors"
	"math/big"
	"time"

	"linechain/core/events"
	"linechain/core/types"
	"linechain/crypto"
	nativecommon "linechain/native/common"
	"linechain/oracle"
)

var (
	ErrNilState            = errors.New("reward engine: state not configured")
	ErrNilIncome           = errors.New("reward engine: income source not configured")
	ErrInvalidAmount       = errors.New("reward engine: amount must be positive")
	ErrInactivePool        = errors.New("reward engine: pool is not receiving rewards")
	ErrNotLPToken          = errors.New("reward engine: address is not a recognized liquidity-pool token")
	ErrShareOutOfRange     = errors.New("reward engine: total reward share exceeds 10000 bps")
	ErrNotAdmin            = errors.New("reward engine: caller is not the admin")
	ErrInsufficientBalance = errors.New("reward engine: insufficient staked or token balance")
)

var (
	basisPoints = big.NewInt(10_000)
	// rewardScale keeps per-token precision when dividing pool income by the
	// staked total.
	rewardScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

const moduleName = "reward"

// IncomeSource exposes protocol-wide lifetime interest income projected to a
// timestamp. The loan engine's meter satisfies it.
type IncomeSource interface {
	IncomeAt(now int64) (*big.Int, error)
}

type engineState interface {
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
	GetRewardPool(addr crypto.Address) (*Pool, error)
	PutRewardPool(pool *Pool) error
	RewardPools() ([]*Pool, error)
	GetStake(pool, staker crypto.Address) (*Stake, error)
	PutStake(stake *Stake) error
	GetLPBalance(pool, holder crypto.Address) (*big.Int, error)
	PutLPBalance(pool, holder crypto.Address, amount *big.Int) error
}

// Engine distributes interest income across reward pools and, inside each
// pool, across stakers via reward-per-token checkpoints. Every mutating
// operation settles the touched pool and stake before acting so entitlement
// is always computed against fully advanced checkpoints.
type Engine struct {
	state   engineState
	income  IncomeSource
	pairs   *oracle.PairRegistry
	admin   crypto.Address
	emitter events.Emitter
	nowFn   func() int64
	pauses  nativecommon.PauseView
}

// NewEngine constructs a reward engine administered by the supplied address.
func NewEngine(admin crypto.Address) *Engine {
	return &Engine{
		admin:   admin,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetIncomeSource wires the protocol income feed.
func (e *Engine) SetIncomeSource(src IncomeSource) { e.income = src }

// SetPairRegistry wires the registry used to vet LP token addresses.
func (e *Engine) SetPairRegistry(pairs *oracle.PairRegistry) { e.pairs = pairs }

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

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(rewardEvent{evt: evt})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// checkpointPool advances the pool's reward-per-token accumulator to the
// current global income. Income arriving while nothing is staked is banked in
// Undistributed and folded in for the next staker.
func (e *Engine) checkpointPool(pool *Pool, now int64) error {
	if e.income == nil {
		return ErrNilIncome
	}
	income, err := e.income.IncomeAt(now)
	if err != nil {
		return err
	}
	pool.Normalize()
	delta := new(big.Int).Sub(income, pool.LastTotalIncome)
	if delta.Sign() > 0 && pool.RewardShareBps > 0 {
		poolIncome := new(big.Int).Mul(delta, new(big.Int).SetUint64(pool.RewardShareBps))
		poolIncome.Quo(poolIncome, basisPoints)
		pool.Undistributed = new(big.Int).Add(pool.Undistributed, poolIncome)
	}
	if pool.TotalStaked.Sign() > 0 && pool.Undistributed.Sign() > 0 {
		perToken := new(big.Int).Mul(pool.Undistributed, rewardScale)
		perToken.Quo(perToken, pool.TotalStaked)
		if perToken.Sign() > 0 {
			// Only the amount the truncated per-token rate actually covers
			// leaves Undistributed; the remainder stays banked so rounding
			// dust is paid out by a later checkpoint instead of destroyed.
			distributed := new(big.Int).Mul(perToken, pool.TotalStaked)
			distributed.Quo(distributed, rewardScale)
			pool.RewardPerToken = new(big.Int).Add(pool.RewardPerToken, perToken)
			pool.Undistributed = new(big.Int).Sub(pool.Undistributed, distributed)
		}
	}
	if income.Cmp(pool.LastTotalIncome) > 0 {
		pool.LastTotalIncome = income
	}
	return nil
}

// settleStake folds the pool checkpoint delta into the stake's accrued reward
// and advances the stake's checkpoint.
func settleStake(pool *Pool, stake *Stake) {
	pool.Normalize()
	stake.Normalize()
	if stake.Amount.Sign() > 0 {
		delta := new(big.Int).Sub(pool.RewardPerToken, stake.RewardPerTokenPaid)
		if delta.Sign() > 0 {
			pending := new(big.Int).Mul(stake.Amount, delta)
			pending.Quo(pending, rewardScale)
			if pending.Sign() > 0 {
				stake.Accrued = new(big.Int).Add(stake.Accrued, pending)
			}
		}
	}
	stake.RewardPerTokenPaid = new(big.Int).Set(pool.RewardPerToken)
}

// SetRewardShare registers or reconfigures a pool's share of protocol income.
// The address must be a registered AMM pair and the resulting total share
// across pools must stay within 10000 bps. Admin only.
func (e *Engine) SetRewardShare(caller, poolAddr crypto.Address, shareBps uint64) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !caller.Equal(e.admin) {
		return ErrNotAdmin
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if shareBps > 10_000 {
		return ErrShareOutOfRange
	}
	if e.pairs == nil {
		return ErrNotLPToken
	}
	if _, ok := e.pairs.Lookup(poolAddr); !ok {
		return ErrNotLPToken
	}

	pools, err := e.state.RewardPools()
	if err != nil {
		return err
	}
	total := shareBps
	for _, p := range pools {
		if p == nil || !p.Exists {
			continue
		}
		if p.AddressValue().Equal(poolAddr) {
			continue
		}
		total += p.RewardShareBps
	}
	if total > 10_000 {
		return ErrShareOutOfRange
	}

	now := e.now()
	pool, err := e.state.GetRewardPool(poolAddr)
	if err != nil {
		return err
	}
	if pool == nil {
		if e.income == nil {
			return ErrNilIncome
		}
		income, err := e.income.IncomeAt(now)
		if err != nil {
			return err
		}
		pool = &Pool{
			Address:         append([]byte(nil), poolAddr.Bytes()...),
			Exists:          true,
			LastTotalIncome: income,
		}
		pool.Normalize()
	} else {
		// Settle at the old share before the new one takes effect.
		pool.Normalize()
		if err := e.checkpointPool(pool, now); err != nil {
			return err
		}
		pool.Exists = true
	}
	pool.RewardShareBps = shareBps
	if err := e.state.PutRewardPool(pool); err != nil {
		return err
	}
	e.emit(NewShareUpdatedEvent(poolAddr, shareBps))
	return nil
}

// TotalRewardShareBps sums the configured shares across active pools.
func (e *Engine) TotalRewardShareBps() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, ErrNilState
	}
	pools, err := e.state.RewardPools()
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, p := range pools {
		if p != nil && p.Exists {
			total += p.RewardShareBps
		}
	}
	return total, nil
}

// Stake locks LP tokens into the pool after settling the caller's pending
// reward. Staking into a pool without a reward share fails.
func (e *Engine) Stake(staker, poolAddr crypto.Address, amount *big.Int) (*Stake, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	pool, err := e.state.GetRewardPool(poolAddr)
	if err != nil {
		return nil, err
	}
	if pool == nil || !pool.Exists {
		return nil, ErrInactivePool
	}

	balance, err := e.loadLPBalance(poolAddr, staker)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(amount) < 0 {
		return nil, ErrInsufficientBalance
	}

	if err := e.checkpointPool(pool, e.now()); err != nil {
		return nil, err
	}
	stake, err := e.loadStake(poolAddr, staker)
	if err != nil {
		return nil, err
	}
	settleStake(pool, stake)

	stake.Amount = new(big.Int).Add(stake.Amount, amount)
	pool.TotalStaked = new(big.Int).Add(pool.TotalStaked, amount)
	if err := e.state.PutLPBalance(poolAddr, staker, new(big.Int).Sub(balance, amount)); err != nil {
		return nil, err
	}
	if err := e.state.PutStake(stake); err != nil {
		return nil, err
	}
	if err := e.state.PutRewardPool(pool); err != nil {
		return nil, err
	}
	e.emit(NewStakedEvent(poolAddr, staker, amount, stake.Amount))
	return stake.Clone(), nil
}

// Unstake releases LP tokens back to the staker. A zero amount withdraws the
// whole position.
func (e *Engine) Unstake(staker, poolAddr crypto.Address, amount *big.Int) (*Stake, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	pool, err := e.state.GetRewardPool(poolAddr)
	if err != nil {
		return nil, err
	}
	if pool == nil || !pool.Exists {
		return nil, ErrInactivePool
	}
	if err := e.checkpointPool(pool, e.now()); err != nil {
		return nil, err
	}
	stake, err := e.loadStake(poolAddr, staker)
	if err != nil {
		return nil, err
	}
	settleStake(pool, stake)

	withdraw := amount
	if withdraw == nil || withdraw.Sign() == 0 {
		withdraw = new(big.Int).Set(stake.Amount)
	}
	if withdraw.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if stake.Amount.Cmp(withdraw) < 0 {
		return nil, ErrInsufficientBalance
	}

	stake.Amount = new(big.Int).Sub(stake.Amount, withdraw)
	pool.TotalStaked = new(big.Int).Sub(pool.TotalStaked, withdraw)
	balance, err := e.loadLPBalance(poolAddr, staker)
	if err != nil {
		return nil, err
	}
	if err := e.state.PutLPBalance(poolAddr, staker, new(big.Int).Add(balance, withdraw)); err != nil {
		return nil, err
	}
	if err := e.state.PutStake(stake); err != nil {
		return nil, err
	}
	if err := e.state.PutRewardPool(pool); err != nil {
		return nil, err
	}
	e.emit(NewUnstakedEvent(poolAddr, staker, withdraw, stake.Amount))
	return stake.Clone(), nil
}

// Claim settles and pays out the caller's accrued reward in LINE.
func (e *Engine) Claim(staker, poolAddr crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	pool, err := e.state.GetRewardPool(poolAddr)
	if err != nil {
		return nil, err
	}
	if pool == nil || !pool.Exists {
		return nil, ErrInactivePool
	}
	if err := e.checkpointPool(pool, e.now()); err != nil {
		return nil, err
	}
	stake, err := e.loadStake(poolAddr, staker)
	if err != nil {
		return nil, err
	}
	settleStake(pool, stake)

	reward := new(big.Int).Set(stake.Accrued)
	stake.Accrued = big.NewInt(0)
	if err := e.state.PutStake(stake); err != nil {
		return nil, err
	}
	if err := e.state.PutRewardPool(pool); err != nil {
		return nil, err
	}
	if reward.Sign() > 0 {
		acc, err := e.state.GetAccount(staker)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			acc = &types.Account{}
		}
		acc.Normalize()
		acc.BalanceLINE = new(big.Int).Add(acc.BalanceLINE, reward)
		if err := e.state.PutAccount(staker, acc); err != nil {
			return nil, err
		}
	}
	e.emit(NewClaimedEvent(poolAddr, staker, reward))
	return reward, nil
}

// PendingReward projects the reward a staker could claim right now without
// mutating state.
func (e *Engine) PendingReward(staker, poolAddr crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	pool, err := e.state.GetRewardPool(poolAddr)
	if err != nil {
		return nil, err
	}
	if pool == nil || !pool.Exists {
		return nil, ErrInactivePool
	}
	pool = pool.Clone()
	if err := e.checkpointPool(pool, e.now()); err != nil {
		return nil, err
	}
	stake, err := e.loadStake(poolAddr, staker)
	if err != nil {
		return nil, err
	}
	stake = stake.Clone()
	settleStake(pool, stake)
	return stake.Accrued, nil
}

// GetPool returns a copy of the stored pool.
func (e *Engine) GetPool(poolAddr crypto.Address) (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	pool, err := e.state.GetRewardPool(poolAddr)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, ErrInactivePool
	}
	return pool.Normalize().Clone(), nil
}

// GetStake returns a copy of the stored stake position.
func (e *Engine) GetStake(staker, poolAddr crypto.Address) (*Stake, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	stake, err := e.loadStake(poolAddr, staker)
	if err != nil {
		return nil, err
	}
	return stake.Clone(), nil
}

// CreditLP credits LP tokens to a holder. The AMM pair lives outside the
// protocol, so deposits of its token arrive through this admin-gated bridge.
func (e *Engine) CreditLP(caller, poolAddr, holder crypto.Address, amount *big.Int) error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if !caller.Equal(e.admin) {
		return ErrNotAdmin
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	balance, err := e.loadLPBalance(poolAddr, holder)
	if err != nil {
		return err
	}
	return e.state.PutLPBalance(poolAddr, holder, new(big.Int).Add(balance, amount))
}

// LPBalance returns the unstaked LP token balance held for the holder.
func (e *Engine) LPBalance(poolAddr, holder crypto.Address) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	return e.loadLPBalance(poolAddr, holder)
}

func (e *Engine) loadStake(poolAddr, staker crypto.Address) (*Stake, error) {
	stake, err := e.state.GetStake(poolAddr, staker)
	if err != nil {
		return nil, err
	}
	if stake == nil {
		stake = &Stake{
			Pool:   append([]byte(nil), poolAddr.Bytes()...),
			Staker: append([]byte(nil), staker.Bytes()...),
		}
	}
	return stake.Normalize(), nil
}

func (e *Engine) loadLPBalance(poolAddr, holder crypto.Address) (*big.Int, error) {
	balance, err := e.state.GetLPBalance(poolAddr, holder)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		balance = big.NewInt(0)
	}
	return balance, nil
}
