package types

import "math/big"

// Account holds the fungible balances tracked by the ledger. BalanceGBYTE is
// the collateral asset, BalanceLINE the debt asset minted against it. Values
// are big integers in the asset's smallest unit.
type Account struct {
	Nonce        uint64   `json:"nonce"`
	BalanceLINE  *big.Int `json:"balanceLINE"`
	BalanceGBYTE *big.Int `json:"balanceGBYTE"`
}

// Normalize replaces nil balances with zero so callers can operate on the
// account without nil checks.
func (a *Account) Normalize() *Account {
	if a == nil {
		return nil
	}
	if a.BalanceLINE == nil {
		a.BalanceLINE = big.NewInt(0)
	}
	if a.BalanceGBYTE == nil {
		a.BalanceGBYTE = big.NewInt(0)
	}
	return a
}
