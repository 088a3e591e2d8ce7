package oracle

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"linechain/crypto"
)

// ReservePair exposes the current reserves of an AMM pair holding GBYTE on one
// side and LINE on the other, in the manner of a uniswap v2 getReserves call.
type ReservePair interface {
	Reserves() (gbyte *big.Int, line *big.Int, err error)
}

// observation is a single sampled rate used for the windowed average.
type observation struct {
	rate *big.Rat
	at   time.Time
}

// ReserveOracle derives the GBYTE to LINE rate from a pair's reserves and
// keeps a bounded history of observations for the average price.
type ReserveOracle struct {
	mu      sync.RWMutex
	pair    ReservePair
	window  time.Duration
	cap     int
	history []observation
	nowFn   func() time.Time
}

const (
	defaultWindow     = time.Hour
	defaultHistoryCap = 256
)

// NewReserveOracle constructs an oracle over the supplied pair. A zero window
// falls back to one hour.
func NewReserveOracle(pair ReservePair, window time.Duration) *ReserveOracle {
	if window <= 0 {
		window = defaultWindow
	}
	return &ReserveOracle{
		pair:   pair,
		window: window,
		cap:    defaultHistoryCap,
		nowFn:  time.Now,
	}
}

// SetNowFunc overrides the time source, primarily used in tests.
func (o *ReserveOracle) SetNowFunc(now func() time.Time) {
	if o == nil {
		return
	}
	if now == nil {
		now = time.Now
	}
	o.mu.Lock()
	o.nowFn = now
	o.mu.Unlock()
}

func (o *ReserveOracle) spotRate() (*big.Rat, error) {
	if o == nil || o.pair == nil {
		return nil, ErrNoQuote
	}
	gbyte, line, err := o.pair.Reserves()
	if err != nil {
		return nil, fmt.Errorf("oracle: read reserves: %w", err)
	}
	if gbyte == nil || line == nil || gbyte.Sign() <= 0 || line.Sign() <= 0 {
		return nil, ErrNoQuote
	}
	return new(big.Rat).SetFrac(new(big.Int).Set(line), new(big.Int).Set(gbyte)), nil
}

// CurrentPrice returns the spot rate implied by the pair reserves and records
// it as an observation for the windowed average.
func (o *ReserveOracle) CurrentPrice() (*big.Rat, error) {
	rate, err := o.spotRate()
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.record(rate, o.nowFn())
	o.mu.Unlock()
	return rate, nil
}

// AveragePrice returns the arithmetic mean of the observations inside the
// window, sampling the spot rate first so a freshly constructed oracle always
// has at least one point.
func (o *ReserveOracle) AveragePrice() (*big.Rat, error) {
	rate, err := o.spotRate()
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.nowFn()
	o.record(rate, now)
	o.prune(now)
	sum := new(big.Rat)
	count := 0
	for _, obs := range o.history {
		sum.Add(sum, obs.rate)
		count++
	}
	if count == 0 {
		return nil, ErrNoQuote
	}
	return sum.Quo(sum, new(big.Rat).SetInt64(int64(count))), nil
}

// record appends an observation; the caller holds the lock.
func (o *ReserveOracle) record(rate *big.Rat, at time.Time) {
	o.history = append(o.history, observation{rate: new(big.Rat).Set(rate), at: at})
	if o.cap > 0 && len(o.history) > o.cap {
		o.history = o.history[len(o.history)-o.cap:]
	}
}

// prune drops observations that fell out of the window; the caller holds the lock.
func (o *ReserveOracle) prune(now time.Time) {
	cutoff := now.Add(-o.window)
	kept := o.history[:0]
	for _, obs := range o.history {
		if obs.at.Before(cutoff) {
			continue
		}
		kept = append(kept, obs)
	}
	o.history = kept
}

// PairRegistry tracks the AMM pairs the protocol recognises as liquidity-pool
// tokens. Reward pools must be registered here before receiving a share.
type PairRegistry struct {
	mu    sync.RWMutex
	pairs map[string]ReservePair
}

func NewPairRegistry() *PairRegistry {
	return &PairRegistry{pairs: make(map[string]ReservePair)}
}

// Register binds a pair token address to its reserve view. The pair must
// answer a reserve probe before it is accepted.
func (r *PairRegistry) Register(addr crypto.Address, pair ReservePair) error {
	if r == nil || pair == nil {
		return fmt.Errorf("oracle: nil pair registration")
	}
	if _, _, err := pair.Reserves(); err != nil {
		return fmt.Errorf("oracle: pair probe failed: %w", err)
	}
	r.mu.Lock()
	r.pairs[string(addr.Bytes())] = pair
	r.mu.Unlock()
	return nil
}

// Lookup returns the pair registered under the address, if any.
func (r *PairRegistry) Lookup(addr crypto.Address) (ReservePair, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	pair, ok := r.pairs[string(addr.Bytes())]
	r.mu.RUnlock()
	return pair, ok
}
