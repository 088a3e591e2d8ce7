package registry

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"linechain/crypto"
)

var (
	ErrUnknownLoan   = errors.New("loan registry: unknown loan id")
	ErrAlreadyMinted = errors.New("loan registry: loan id already minted")
	ErrNotOwner      = errors.New("loan registry: caller does not own loan")
)

// Ledger is the ownership ledger for loan positions. It is the only component
// allowed to hold the id to owner mapping; the loan and marketplace engines
// request mutations through it instead of keeping copies.
type Ledger struct {
	mu       sync.RWMutex
	owners   map[uint64]crypto.Address
	byOwner  map[string]map[uint64]struct{}
	initials map[uint64]crypto.Address
}

func NewLedger() *Ledger {
	return &Ledger{
		owners:   make(map[uint64]crypto.Address),
		byOwner:  make(map[string]map[uint64]struct{}),
		initials: make(map[uint64]crypto.Address),
	}
}

// transfer moves a loan between owners and keeps both directions of the index
// in sync. A zero from mints, a zero to burns. It is the single mutation
// primitive behind Mint, Burn and Transfer.
func (l *Ledger) transfer(id uint64, from, to crypto.Address) {
	if !from.IsZero() {
		key := string(from.Bytes())
		if set, ok := l.byOwner[key]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(l.byOwner, key)
			}
		}
	}
	if to.IsZero() {
		delete(l.owners, id)
		return
	}
	l.owners[id] = to
	key := string(to.Bytes())
	set, ok := l.byOwner[key]
	if !ok {
		set = make(map[uint64]struct{})
		l.byOwner[key] = set
	}
	set[id] = struct{}{}
}

// Mint records a freshly issued loan owned by the borrower.
func (l *Ledger) Mint(id uint64, owner crypto.Address) error {
	if l == nil || owner.IsZero() {
		return ErrUnknownLoan
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.owners[id]; exists {
		return ErrAlreadyMinted
	}
	l.transfer(id, crypto.Address{}, owner)
	l.initials[id] = owner
	return nil
}

// Burn removes a repaid loan from the active set. The initial owner record is
// retained for audit queries.
func (l *Ledger) Burn(id uint64) error {
	if l == nil {
		return ErrUnknownLoan
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, exists := l.owners[id]
	if !exists {
		return ErrUnknownLoan
	}
	l.transfer(id, owner, crypto.Address{})
	return nil
}

// Transfer moves loan ownership from the current owner to the recipient. The
// from address must match the recorded owner.
func (l *Ledger) Transfer(id uint64, from, to crypto.Address) error {
	if l == nil || to.IsZero() {
		return ErrUnknownLoan
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, exists := l.owners[id]
	if !exists {
		return ErrUnknownLoan
	}
	if !owner.Equal(from) {
		return ErrNotOwner
	}
	l.transfer(id, owner, to)
	return nil
}

// OwnerOf returns the current owner of an active loan.
func (l *Ledger) OwnerOf(id uint64) (crypto.Address, bool) {
	if l == nil {
		return crypto.Address{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	owner, ok := l.owners[id]
	return owner, ok
}

// InitialOwner returns the borrower that the loan was originally minted to.
func (l *Ledger) InitialOwner(id uint64) (crypto.Address, bool) {
	if l == nil {
		return crypto.Address{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	owner, ok := l.initials[id]
	return owner, ok
}

// Active enumerates all active loan ids in ascending order.
func (l *Ledger) Active() []uint64 {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]uint64, 0, len(l.owners))
	for id := range l.owners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ActiveByOwner enumerates the active loan ids held by the owner, ascending.
func (l *Ledger) ActiveByOwner(owner crypto.Address) []uint64 {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	set, ok := l.byOwner[string(owner.Bytes())]
	if !ok {
		return nil
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// snapshot is the persisted shape of the ledger.
type snapshot struct {
	Owners   map[uint64][]byte `json:"owners"`
	Initials map[uint64][]byte `json:"initials"`
}

// MarshalJSON serialises the ledger; the by-owner index is rebuilt on load.
func (l *Ledger) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := snapshot{
		Owners:   make(map[uint64][]byte, len(l.owners)),
		Initials: make(map[uint64][]byte, len(l.initials)),
	}
	for id, owner := range l.owners {
		snap.Owners[id] = owner.Bytes()
	}
	for id, owner := range l.initials {
		snap.Initials[id] = owner.Bytes()
	}
	return json.Marshal(snap)
}

// UnmarshalJSON restores the ledger and rebuilds the by-owner index.
func (l *Ledger) UnmarshalJSON(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owners = make(map[uint64]crypto.Address, len(snap.Owners))
	l.byOwner = make(map[string]map[uint64]struct{})
	l.initials = make(map[uint64]crypto.Address, len(snap.Initials))
	for id, raw := range snap.Owners {
		owner := crypto.NewAddress(crypto.LinePrefix, raw)
		l.transfer(id, crypto.Address{}, owner)
	}
	for id, raw := range snap.Initials {
		l.initials[id] = crypto.NewAddress(crypto.LinePrefix, raw)
	}
	return nil
}
