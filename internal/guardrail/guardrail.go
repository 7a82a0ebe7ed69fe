// Package guardrail holds the static validation checks the orchestrator
// runs before and after sandbox execution. Checks are plain values behind
// one interface, registered explicitly by name; there is no dynamic
// loading.
package guardrail

import (
	"fmt"
	"sort"
	"sync"
)

// Result is the outcome of one check run.
type Result struct {
	OK      bool
	Details string
}

// Check validates some property of a working tree.
type Check interface {
	// Name is the stable key the check is registered and reported under.
	Name() string
	// Run evaluates the check against the tree rooted at root.
	Run(root string) Result
}

// Registry maps check names to checks.
type Registry struct {
	mu     sync.RWMutex
	checks map[string]Check
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Check)}
}

// Register adds a check. Re-registering a name replaces the old check.
func (r *Registry) Register(c Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[c.Name()] = c
}

// Get returns the named check.
func (r *Registry) Get(name string) (Check, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checks[name]
	return c, ok
}

// Names returns the registered check names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunAll executes every registered check against root in name order and
// returns the first failure, or an all-OK result.
func (r *Registry) RunAll(root string) Result {
	for _, name := range r.Names() {
		c, _ := r.Get(name)
		if res := c.Run(root); !res.OK {
			return Result{OK: false, Details: fmt.Sprintf("check %q failed: %s", name, res.Details)}
		}
	}
	return Result{OK: true}
}
