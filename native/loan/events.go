package loan

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"linechain/core/types"
	"linechain/crypto"
)

const (
	EventTypeLoanIssued = "loan.issued"
	EventTypeLoanRepaid = "loan.repaid"
	EventTypeFeeUpdated = "loan.fee_updated"
)

// loanEvent adapts a typed payload to the events.Event interface.
type loanEvent struct {
	evt *types.Event
}

func (l loanEvent) EventType() string {
	if l.evt == nil {
		return ""
	}
	return l.evt.Type
}

// Event exposes the underlying payload for emit sinks.
func (l loanEvent) Event() *types.Event { return l.evt }

// NewLoanIssuedEvent returns the canonical payload for a freshly issued loan,
// carrying the amounts a balance reconciler needs: collateral locked, gross
// and net issuance, and the applied exchange rate.
func NewLoanIssuedEvent(l *Loan, net *big.Int, rate *big.Rat) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: EventTypeLoanIssued, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(l.ID, 10)
	attrs["borrower"] = hex.EncodeToString(l.InitialOwner)
	attrs["collateral"] = l.CollateralGBYTE.String()
	attrs["gross"] = l.GrossLINE.String()
	if net != nil {
		attrs["net"] = net.String()
	}
	if rate != nil {
		attrs["rate"] = rate.FloatString(18)
	}
	attrs["originatedAt"] = strconv.FormatInt(l.OriginatedAt, 10)
	return &types.Event{Type: EventTypeLoanIssued, Attributes: attrs}
}

// NewLoanRepaidEvent returns the canonical payload for a repaid loan.
func NewLoanRepaidEvent(id uint64, payer crypto.Address, collateral, due, interest *big.Int) *types.Event {
	attrs := map[string]string{
		"id":    strconv.FormatUint(id, 10),
		"payer": hex.EncodeToString(payer.Bytes()),
	}
	if collateral != nil {
		attrs["collateral"] = collateral.String()
	}
	if due != nil {
		attrs["due"] = due.String()
	}
	if interest != nil {
		attrs["interest"] = interest.String()
	}
	return &types.Event{Type: EventTypeLoanRepaid, Attributes: attrs}
}

// NewFeeUpdatedEvent returns the payload emitted when the origination fee
// changes.
func NewFeeUpdatedEvent(bps uint64) *types.Event {
	return &types.Event{
		Type:       EventTypeFeeUpdated,
		Attributes: map[string]string{"feeBps": strconv.FormatUint(bps, 10)},
	}
}
