package oracle

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"linechain/crypto"
)

func TestFixedSource(t *testing.T) {
	source := NewFixedSource(big.NewRat(1_000, 1))
	rate, err := source.CurrentPrice()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if rate.Cmp(big.NewRat(1_000, 1)) != 0 {
		t.Fatalf("rate = %s, want 1000", rate)
	}
	avg, err := source.AveragePrice()
	if err != nil || avg.Cmp(rate) != 0 {
		t.Fatalf("average = %s err=%v, want spot", avg, err)
	}

	empty := NewFixedSource(nil)
	if _, err := empty.CurrentPrice(); !errors.Is(err, ErrNoQuote) {
		t.Fatalf("empty source err = %v, want ErrNoQuote", err)
	}
}

func TestApplyRateTruncates(t *testing.T) {
	got := ApplyRate(big.NewInt(10), big.NewRat(1_000, 1))
	if got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("10 * 1000 = %s, want 10000", got)
	}
	got = ApplyRate(big.NewInt(7), big.NewRat(1, 3))
	if got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("7/3 = %s, want 2 truncated", got)
	}
	if got := ApplyRate(nil, big.NewRat(1, 1)); got.Sign() != 0 {
		t.Fatalf("nil amount = %s, want 0", got)
	}
	if got := ApplyRate(big.NewInt(10), nil); got.Sign() != 0 {
		t.Fatalf("nil rate = %s, want 0", got)
	}
}

type stubPair struct {
	gbyte *big.Int
	line  *big.Int
	err   error
}

func (p *stubPair) Reserves() (*big.Int, *big.Int, error) {
	return p.gbyte, p.line, p.err
}

func TestReserveOracleSpot(t *testing.T) {
	pair := &stubPair{gbyte: big.NewInt(1_000), line: big.NewInt(1_000_000)}
	oracle := NewReserveOracle(pair, time.Hour)

	rate, err := oracle.CurrentPrice()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if rate.Cmp(big.NewRat(1_000, 1)) != 0 {
		t.Fatalf("spot = %s, want 1000", rate)
	}

	pair.err = errors.New("pair offline")
	if _, err := oracle.CurrentPrice(); err == nil {
		t.Fatal("expected error from offline pair")
	}

	pair.err = nil
	pair.line = big.NewInt(0)
	if _, err := oracle.CurrentPrice(); !errors.Is(err, ErrNoQuote) {
		t.Fatalf("empty reserves err = %v, want ErrNoQuote", err)
	}
}

func TestReserveOracleAverageWindow(t *testing.T) {
	pair := &stubPair{gbyte: big.NewInt(1), line: big.NewInt(1_000)}
	oracle := NewReserveOracle(pair, time.Hour)

	clock := time.Unix(0, 0)
	oracle.SetNowFunc(func() time.Time { return clock })

	if _, err := oracle.CurrentPrice(); err != nil {
		t.Fatalf("sample: %v", err)
	}

	// The rate doubles half an hour later; the average sits between.
	clock = clock.Add(30 * time.Minute)
	pair.line = big.NewInt(3_000)
	avg, err := oracle.AveragePrice()
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if avg.Cmp(big.NewRat(2_000, 1)) != 0 {
		t.Fatalf("average = %s, want 2000", avg)
	}

	// Two hours later the old observations fall out of the window.
	clock = clock.Add(2 * time.Hour)
	avg, err = oracle.AveragePrice()
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if avg.Cmp(big.NewRat(3_000, 1)) != 0 {
		t.Fatalf("average after window = %s, want 3000", avg)
	}
}

func TestPairRegistryProbesOnRegister(t *testing.T) {
	registry := NewPairRegistry()
	addr := crypto.NewAddress(crypto.LinePrefix, make([]byte, 20))

	bad := &stubPair{err: errors.New("no reserves")}
	if err := registry.Register(addr, bad); err == nil {
		t.Fatal("failing probe must reject registration")
	}
	if _, ok := registry.Lookup(addr); ok {
		t.Fatal("rejected pair should not be registered")
	}

	good := &stubPair{gbyte: big.NewInt(10), line: big.NewInt(10_000)}
	if err := registry.Register(addr, good); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := registry.Lookup(addr); !ok {
		t.Fatal("registered pair not found")
	}
}
