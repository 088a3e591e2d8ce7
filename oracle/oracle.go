package oracle

import (
	"errors"
	"math/big"
)

// PriceSource resolves the GBYTE to LINE exchange rate, expressed as LINE
// units per GBYTE unit. CurrentPrice reflects the spot rate while
// AveragePrice smooths the rate over the source's observation window.
type PriceSource interface {
	CurrentPrice() (*big.Rat, error)
	AveragePrice() (*big.Rat, error)
}

// OrderPriceSource resolves a marketplace price from opaque order parameters.
// Implementations are treated as untrusted external code: engines finish their
// own bookkeeping before calling into one.
type OrderPriceSource interface {
	ResolvePrice(params string) (*big.Rat, error)
}

// ErrNoQuote indicates that a source could not produce a usable rate.
var ErrNoQuote = errors.New("oracle: no quote available")

// FixedSource returns a constant rate. It backs the bootstrap price applied
// before a reserve oracle is configured.
type FixedSource struct {
	rate *big.Rat
}

// NewFixedSource constructs a fixed source from a rational rate. A nil or
// non-positive rate yields a source that fails every query.
func NewFixedSource(rate *big.Rat) *FixedSource {
	if rate == nil || rate.Sign() <= 0 {
		return &FixedSource{}
	}
	return &FixedSource{rate: new(big.Rat).Set(rate)}
}

func (s *FixedSource) CurrentPrice() (*big.Rat, error) {
	if s == nil || s.rate == nil {
		return nil, ErrNoQuote
	}
	return new(big.Rat).Set(s.rate), nil
}

func (s *FixedSource) AveragePrice() (*big.Rat, error) {
	return s.CurrentPrice()
}

// ResolvePrice implements OrderPriceSource, ignoring the parameters.
func (s *FixedSource) ResolvePrice(string) (*big.Rat, error) {
	return s.CurrentPrice()
}

// ApplyRate converts a collateral amount into a debt amount at the given rate,
// truncating toward zero. A nil rate or amount yields zero.
func ApplyRate(amount *big.Int, rate *big.Rat) *big.Int {
	if amount == nil || rate == nil || amount.Sign() <= 0 || rate.Sign() <= 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, rate.Num())
	return out.Quo(out, rate.Denom())
}
