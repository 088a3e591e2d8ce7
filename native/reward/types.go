package reward

import (
	"math/big"

	"linechain/crypto"
)

// Pool is a reward pool keyed by its LP token address. RewardPerToken is the
// cumulative reward per staked unit scaled by 1e18; LastTotalIncome snapshots
// protocol-wide interest income at the pool's last checkpoint so the next
// checkpoint can compute the pool's incremental entitlement. Undistributed
// banks income that arrived while nothing was staked.
type Pool struct {
	Address         []byte   `json:"address"`
	Exists          bool     `json:"exists"`
	RewardShareBps  uint64   `json:"rewardShareBps"`
	TotalStaked     *big.Int `json:"totalStaked"`
	RewardPerToken  *big.Int `json:"rewardPerToken"`
	LastTotalIncome *big.Int `json:"lastTotalIncome"`
	Undistributed   *big.Int `json:"undistributed"`
}

// Normalize fills nil amounts with zero.
func (p *Pool) Normalize() *Pool {
	if p == nil {
		return nil
	}
	if p.TotalStaked == nil {
		p.TotalStaked = big.NewInt(0)
	}
	if p.RewardPerToken == nil {
		p.RewardPerToken = big.NewInt(0)
	}
	if p.LastTotalIncome == nil {
		p.LastTotalIncome = big.NewInt(0)
	}
	if p.Undistributed == nil {
		p.Undistributed = big.NewInt(0)
	}
	return p
}

// AddressValue rehydrates the LP token address.
func (p *Pool) AddressValue() crypto.Address {
	if p == nil || len(p.Address) != 20 {
		return crypto.Address{}
	}
	return crypto.NewAddress(crypto.LinePrefix, p.Address)
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Address = append([]byte(nil), p.Address...)
	p.Normalize()
	clone.TotalStaked = new(big.Int).Set(p.TotalStaked)
	clone.RewardPerToken = new(big.Int).Set(p.RewardPerToken)
	clone.LastTotalIncome = new(big.Int).Set(p.LastTotalIncome)
	clone.Undistributed = new(big.Int).Set(p.Undistributed)
	return &clone
}

// Stake is one staker's position in a pool. Accrued grows monotonically until
// a claim zeroes it; RewardPerTokenPaid is the pool checkpoint the position
// was last settled against.
type Stake struct {
	Pool               []byte   `json:"pool"`
	Staker             []byte   `json:"staker"`
	Amount             *big.Int `json:"amount"`
	RewardPerTokenPaid *big.Int `json:"rewardPerTokenPaid"`
	Accrued            *big.Int `json:"accrued"`
}

// Normalize fills nil amounts with zero.
func (s *Stake) Normalize() *Stake {
	if s == nil {
		return nil
	}
	if s.Amount == nil {
		s.Amount = big.NewInt(0)
	}
	if s.RewardPerTokenPaid == nil {
		s.RewardPerTokenPaid = big.NewInt(0)
	}
	if s.Accrued == nil {
		s.Accrued = big.NewInt(0)
	}
	return s
}

// Clone returns a deep copy of the stake.
func (s *Stake) Clone() *Stake {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Pool = append([]byte(nil), s.Pool...)
	clone.Staker = append([]byte(nil), s.Staker...)
	s.Normalize()
	clone.Amount = new(big.Int).Set(s.Amount)
	clone.RewardPerTokenPaid = new(big.Int).Set(s.RewardPerTokenPaid)
	clone.Accrued = new(big.Int).Set(s.Accrued)
	return &clone
}
