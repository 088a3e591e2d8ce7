package market

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"linechain/core/types"
	"linechain/crypto"
)

const (
	EventTypeSellOrderCreated   = "market.sell_order.created"
	EventTypeSellOrderCancelled = "market.sell_order.cancelled"
	EventTypeLoanSold           = "market.loan.sold"
	EventTypeBuyOrderCreated    = "market.buy_order.created"
	EventTypeBuyOrderCancelled  = "market.buy_order.cancelled"
	EventTypeBuyOrderFilled     = "market.buy_order.filled"
)

type marketEvent struct {
	evt *types.Event
}

func (m marketEvent) EventType() string {
	if m.evt == nil {
		return ""
	}
	return m.evt.Type
}

// Event exposes the underlying payload for emit sinks.
func (m marketEvent) Event() *types.Event { return m.evt }

func sellOrderAttrs(order *SellOrder) map[string]string {
	attrs := make(map[string]string)
	if order == nil {
		return attrs
	}
	attrs["loanId"] = strconv.FormatUint(order.LoanID, 10)
	attrs["seller"] = hex.EncodeToString(order.Seller)
	if order.Price != nil {
		attrs["price"] = order.Price.String()
	}
	if order.PriceSource != "" {
		attrs["priceSource"] = order.PriceSource
	}
	return attrs
}

// NewSellOrderCreatedEvent returns the payload for a freshly listed ask.
func NewSellOrderCreatedEvent(order *SellOrder) *types.Event {
	return &types.Event{Type: EventTypeSellOrderCreated, Attributes: sellOrderAttrs(order)}
}

// NewSellOrderCancelledEvent returns the payload for a withdrawn ask.
func NewSellOrderCancelledEvent(order *SellOrder) *types.Event {
	return &types.Event{Type: EventTypeSellOrderCancelled, Attributes: sellOrderAttrs(order)}
}

// NewLoanSoldEvent records a completed ask-side trade with the settled price
// and retained fee.
func NewLoanSoldEvent(order *SellOrder, buyer crypto.Address, price, fee *big.Int) *types.Event {
	attrs := sellOrderAttrs(order)
	attrs["buyer"] = hex.EncodeToString(buyer.Bytes())
	if price != nil {
		attrs["price"] = price.String()
	}
	if fee != nil {
		attrs["fee"] = fee.String()
	}
	return &types.Event{Type: EventTypeLoanSold, Attributes: attrs}
}

func buyOrderAttrs(order *BuyOrder) map[string]string {
	attrs := make(map[string]string)
	if order == nil {
		return attrs
	}
	attrs["id"] = strconv.FormatUint(order.ID, 10)
	attrs["buyer"] = hex.EncodeToString(order.Buyer)
	if order.RemainingBudget != nil {
		attrs["remainingBudget"] = order.RemainingBudget.String()
	}
	if order.HedgePriceWad != nil {
		attrs["hedgePriceWad"] = order.HedgePriceWad.String()
	}
	if order.StrikeRateWad != nil {
		attrs["strikeRateWad"] = order.StrikeRateWad.String()
	}
	if order.PriceSource != "" {
		attrs["priceSource"] = order.PriceSource
	}
	return attrs
}

// NewBuyOrderCreatedEvent returns the payload for a freshly escrowed bid.
func NewBuyOrderCreatedEvent(order *BuyOrder) *types.Event {
	return &types.Event{Type: EventTypeBuyOrderCreated, Attributes: buyOrderAttrs(order)}
}

// NewBuyOrderCancelledEvent returns the payload for a cancelled bid, emitted
// after the remaining escrow has been refunded.
func NewBuyOrderCancelledEvent(order *BuyOrder) *types.Event {
	return &types.Event{Type: EventTypeBuyOrderCancelled, Attributes: buyOrderAttrs(order)}
}

// NewBuyOrderFilledEvent records a fill: the loan that changed hands, the
// settled price, the retained fee and the escrow left on the order.
func NewBuyOrderFilledEvent(order *BuyOrder, loanID uint64, seller crypto.Address, price, fee *big.Int) *types.Event {
	attrs := buyOrderAttrs(order)
	attrs["loanId"] = strconv.FormatUint(loanID, 10)
	attrs["seller"] = hex.EncodeToString(seller.Bytes())
	if price != nil {
		attrs["price"] = price.String()
	}
	if fee != nil {
		attrs["fee"] = fee.String()
	}
	return &types.Event{Type: EventTypeBuyOrderFilled, Attributes: attrs}
}
