package registry

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"linechain/crypto"
)

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.LinePrefix, raw)
}

func TestMintBurnTransfer(t *testing.T) {
	ledger := NewLedger()
	alice := makeAddress(0x01)
	bob := makeAddress(0x02)

	if err := ledger.Mint(1, alice); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Mint(1, bob); !errors.Is(err, ErrAlreadyMinted) {
		t.Fatalf("double mint err = %v, want ErrAlreadyMinted", err)
	}
	owner, ok := ledger.OwnerOf(1)
	if !ok || !owner.Equal(alice) {
		t.Fatalf("owner = %v, want alice", owner)
	}

	if err := ledger.Transfer(1, bob, alice); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("bad-from transfer err = %v, want ErrNotOwner", err)
	}
	if err := ledger.Transfer(1, alice, bob); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	owner, _ = ledger.OwnerOf(1)
	if !owner.Equal(bob) {
		t.Fatalf("owner after transfer = %v, want bob", owner)
	}
	initial, ok := ledger.InitialOwner(1)
	if !ok || !initial.Equal(alice) {
		t.Fatalf("initial owner = %v, want alice", initial)
	}

	if err := ledger.Burn(1); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if _, ok := ledger.OwnerOf(1); ok {
		t.Fatal("burned loan still owned")
	}
	if err := ledger.Burn(1); !errors.Is(err, ErrUnknownLoan) {
		t.Fatalf("double burn err = %v, want ErrUnknownLoan", err)
	}
	// Audit trail survives the burn.
	if initial, ok := ledger.InitialOwner(1); !ok || !initial.Equal(alice) {
		t.Fatalf("initial owner after burn = %v ok=%v, want alice", initial, ok)
	}
}

func TestActiveEnumerations(t *testing.T) {
	ledger := NewLedger()
	alice := makeAddress(0x01)
	bob := makeAddress(0x02)

	for id, owner := range map[uint64]crypto.Address{3: alice, 1: bob, 2: alice} {
		if err := ledger.Mint(id, owner); err != nil {
			t.Fatalf("mint %d: %v", id, err)
		}
	}

	if got := ledger.Active(); !reflect.DeepEqual(got, []uint64{1, 2, 3}) {
		t.Fatalf("active = %v, want [1 2 3]", got)
	}
	if got := ledger.ActiveByOwner(alice); !reflect.DeepEqual(got, []uint64{2, 3}) {
		t.Fatalf("alice's loans = %v, want [2 3]", got)
	}
	if got := ledger.ActiveByOwner(makeAddress(0x09)); got != nil {
		t.Fatalf("stranger's loans = %v, want nil", got)
	}

	if err := ledger.Burn(2); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := ledger.ActiveByOwner(alice); !reflect.DeepEqual(got, []uint64{3}) {
		t.Fatalf("alice's loans after burn = %v, want [3]", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ledger := NewLedger()
	alice := makeAddress(0x01)
	bob := makeAddress(0x02)
	if err := ledger.Mint(1, alice); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Mint(2, bob); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Transfer(1, alice, bob); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	raw, err := json.Marshal(ledger)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored := NewLedger()
	if err := json.Unmarshal(raw, restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got := restored.ActiveByOwner(bob); !reflect.DeepEqual(got, []uint64{1, 2}) {
		t.Fatalf("restored bob's loans = %v, want [1 2]", got)
	}
	if initial, ok := restored.InitialOwner(1); !ok || !initial.Equal(alice) {
		t.Fatalf("restored initial owner = %v, want alice", initial)
	}
}
