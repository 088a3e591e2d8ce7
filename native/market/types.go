package market

import (
	"math/big"

	"linechain/crypto"
)

// SellOrder is an ask to transfer a specific loan position. Exactly one of
// Price and PriceSource is meaningful: a fixed ask in GBYTE, or the name of a
// registered price source resolved at buy time.
type SellOrder struct {
	LoanID      uint64   `json:"loanId"`
	Seller      []byte   `json:"seller"`
	Price       *big.Int `json:"price,omitempty"`
	PriceSource string   `json:"priceSource,omitempty"`
	Params      string   `json:"params,omitempty"`
	CreatedAt   int64    `json:"createdAt"`
}

// SellerAddress rehydrates the seller address.
func (o *SellOrder) SellerAddress() crypto.Address {
	if o == nil || len(o.Seller) != 20 {
		return crypto.Address{}
	}
	return crypto.NewAddress(crypto.LinePrefix, o.Seller)
}

// Clone returns a deep copy of the order.
func (o *SellOrder) Clone() *SellOrder {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Seller = append([]byte(nil), o.Seller...)
	if o.Price != nil {
		clone.Price = new(big.Int).Set(o.Price)
	}
	return &clone
}

// BuyOrder is a standing escrowed bid. RemainingBudget is the GBYTE still
// held in escrow and shrinks with every fill; the order closes when it hits
// zero. StrikeRateWad bounds the accepted loan's LINE-per-GBYTE rate and
// HedgePriceWad is the GBYTE paid per LINE of debt, both scaled by 1e18; a
// price source name overrides the fixed hedge when set.
type BuyOrder struct {
	ID              uint64   `json:"id"`
	Buyer           []byte   `json:"buyer"`
	RemainingBudget *big.Int `json:"remainingBudget"`
	StrikeRateWad   *big.Int `json:"strikeRateWad,omitempty"`
	HedgePriceWad   *big.Int `json:"hedgePriceWad,omitempty"`
	PriceSource     string   `json:"priceSource,omitempty"`
	Params          string   `json:"params,omitempty"`
	CreatedAt       int64    `json:"createdAt"`
}

// BuyerAddress rehydrates the buyer address.
func (o *BuyOrder) BuyerAddress() crypto.Address {
	if o == nil || len(o.Buyer) != 20 {
		return crypto.Address{}
	}
	return crypto.NewAddress(crypto.LinePrefix, o.Buyer)
}

// Normalize fills nil amounts with zero.
func (o *BuyOrder) Normalize() *BuyOrder {
	if o == nil {
		return nil
	}
	if o.RemainingBudget == nil {
		o.RemainingBudget = big.NewInt(0)
	}
	return o
}

// Clone returns a deep copy of the order.
func (o *BuyOrder) Clone() *BuyOrder {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Buyer = append([]byte(nil), o.Buyer...)
	if o.RemainingBudget != nil {
		clone.RemainingBudget = new(big.Int).Set(o.RemainingBudget)
	}
	if o.StrikeRateWad != nil {
		clone.StrikeRateWad = new(big.Int).Set(o.StrikeRateWad)
	}
	if o.HedgePriceWad != nil {
		clone.HedgePriceWad = new(big.Int).Set(o.HedgePriceWad)
	}
	return &clone
}
