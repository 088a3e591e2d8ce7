package loan

import (
	"math/big"

	"linechain/crypto"
)

// SecondsPerYear is the accrual denominator for the simple-interest formula.
const SecondsPerYear = 365 * 24 * 3600

// Loan captures a single collateralized position. CollateralGBYTE and
// GrossLINE are fixed at issuance and zeroed at close; everything else about
// the position (ownership, accrued interest) is derived elsewhere.
type Loan struct {
	ID              uint64   `json:"id"`
	InitialOwner    []byte   `json:"initialOwner"`
	CollateralGBYTE *big.Int `json:"collateralGBYTE"`
	GrossLINE       *big.Int `json:"grossLINE"`
	OriginatedAt    int64    `json:"originatedAt"`
	Closed          bool     `json:"closed"`
}

// InitialOwnerAddress returns the borrower the loan was minted to.
func (l *Loan) InitialOwnerAddress() crypto.Address {
	if l == nil || len(l.InitialOwner) != 20 {
		return crypto.Address{}
	}
	return crypto.NewAddress(crypto.LinePrefix, l.InitialOwner)
}

// Clone returns a deep copy so callers can mutate the result without touching
// the stored instance.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	if l.CollateralGBYTE != nil {
		clone.CollateralGBYTE = new(big.Int).Set(l.CollateralGBYTE)
	} else {
		clone.CollateralGBYTE = big.NewInt(0)
	}
	if l.GrossLINE != nil {
		clone.GrossLINE = new(big.Int).Set(l.GrossLINE)
	} else {
		clone.GrossLINE = big.NewInt(0)
	}
	if len(l.InitialOwner) > 0 {
		clone.InitialOwner = append([]byte(nil), l.InitialOwner...)
	}
	return &clone
}

// Normalize fills nil amounts with zero.
func (l *Loan) Normalize() *Loan {
	if l == nil {
		return nil
	}
	if l.CollateralGBYTE == nil {
		l.CollateralGBYTE = big.NewInt(0)
	}
	if l.GrossLINE == nil {
		l.GrossLINE = big.NewInt(0)
	}
	return l
}

// Params groups the governed defaults of the loan ledger. Basis points are in
// units of 1/10000.
type Params struct {
	OriginationFeeBps uint64 `json:"originationFeeBps"`
	InterestRateBps   uint64 `json:"interestRateBps"`
	// Bootstrap exchange rate applied before an oracle is configured,
	// expressed as LINE units per BootstrapRateDen GBYTE units.
	BootstrapRateNum uint64 `json:"bootstrapRateNum"`
	BootstrapRateDen uint64 `json:"bootstrapRateDen"`
}

// DefaultParams mirrors the launch configuration: 1% origination fee, 1%/year
// interest, 1 GBYTE buying 1000 LINE before an oracle is live.
func DefaultParams() Params {
	return Params{
		OriginationFeeBps: 100,
		InterestRateBps:   100,
		BootstrapRateNum:  1000,
		BootstrapRateDen:  1,
	}
}

// Normalize fills zero-valued fields with the defaults.
func (p Params) Normalize() Params {
	def := DefaultParams()
	if p.BootstrapRateNum == 0 {
		p.BootstrapRateNum = def.BootstrapRateNum
	}
	if p.BootstrapRateDen == 0 {
		p.BootstrapRateDen = def.BootstrapRateDen
	}
	if p.InterestRateBps == 0 {
		p.InterestRateBps = def.InterestRateBps
	}
	return p
}

// Meter tracks protocol-wide outstanding principal and lifetime interest
// income. Income accrues lazily: IncomeAt projects the accrual to a timestamp
// without mutating, Checkpoint folds it in. Because interest is simple and
// linear, summing principal-seconds here equals summing per-loan accrual.
type Meter struct {
	OutstandingPrincipal *big.Int `json:"outstandingPrincipal"`
	RealizedIncome       *big.Int `json:"realizedIncome"`
	LastCheckpoint       int64    `json:"lastCheckpoint"`
}

// NewMeter returns an empty meter anchored at the supplied timestamp.
func NewMeter(now int64) *Meter {
	return &Meter{
		OutstandingPrincipal: big.NewInt(0),
		RealizedIncome:       big.NewInt(0),
		LastCheckpoint:       now,
	}
}

// Normalize fills nil amounts with zero.
func (m *Meter) Normalize() *Meter {
	if m == nil {
		return nil
	}
	if m.OutstandingPrincipal == nil {
		m.OutstandingPrincipal = big.NewInt(0)
	}
	if m.RealizedIncome == nil {
		m.RealizedIncome = big.NewInt(0)
	}
	return m
}

func (m *Meter) pendingAccrual(now int64, rateBps uint64) *big.Int {
	if m == nil || m.OutstandingPrincipal == nil || m.OutstandingPrincipal.Sign() <= 0 {
		return big.NewInt(0)
	}
	elapsed := now - m.LastCheckpoint
	if elapsed <= 0 || rateBps == 0 {
		return big.NewInt(0)
	}
	accrual := new(big.Int).Mul(m.OutstandingPrincipal, new(big.Int).SetUint64(rateBps))
	accrual.Mul(accrual, big.NewInt(elapsed))
	return accrual.Quo(accrual, big.NewInt(10_000*SecondsPerYear))
}

// IncomeAt returns lifetime interest income projected to the timestamp.
func (m *Meter) IncomeAt(now int64, rateBps uint64) *big.Int {
	if m == nil {
		return big.NewInt(0)
	}
	m.Normalize()
	return new(big.Int).Add(m.RealizedIncome, m.pendingAccrual(now, rateBps))
}

// Checkpoint folds the pending accrual into realized income and advances the
// checkpoint. It must run before outstanding principal changes.
func (m *Meter) Checkpoint(now int64, rateBps uint64) {
	if m == nil {
		return
	}
	m.Normalize()
	accrual := m.pendingAccrual(now, rateBps)
	if accrual.Sign() > 0 {
		m.RealizedIncome = new(big.Int).Add(m.RealizedIncome, accrual)
	}
	if now > m.LastCheckpoint {
		m.LastCheckpoint = now
	}
}
