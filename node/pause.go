package node

import (
	"sort"
	"strings"
	"sync"
)

// PauseSet tracks operator-halted modules. It satisfies the pause view the
// engines consult before every state-changing operation.
type PauseSet struct {
	mu     sync.RWMutex
	halted map[string]struct{}
}

// NewPauseSet starts with the given modules halted.
func NewPauseSet(modules ...string) *PauseSet {
	set := &PauseSet{halted: make(map[string]struct{})}
	for _, module := range modules {
		set.Pause(module)
	}
	return set
}

// IsPaused reports whether a module is halted.
func (p *PauseSet) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.halted[normalizeModule(module)]
	return ok
}

// Pause halts a module.
func (p *PauseSet) Pause(module string) {
	module = normalizeModule(module)
	if module == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted[module] = struct{}{}
}

// Resume lifts a module halt.
func (p *PauseSet) Resume(module string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.halted, normalizeModule(module))
}

// Snapshot lists the halted modules in sorted order.
func (p *PauseSet) Snapshot() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.halted))
	for module := range p.halted {
		out = append(out, module)
	}
	sort.Strings(out)
	return out
}

func normalizeModule(module string) string {
	return strings.ToLower(strings.TrimSpace(module))
}
