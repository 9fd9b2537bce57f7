// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"sync"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker. The registered name overrides
// whatever name the checker puts on its Status.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health plus individual results, in registration order. A
// single slow subsystem (a blocked database ping) therefore bounds the
// readiness probe's latency instead of summing with the others.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))

	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			st := nc.check(ctx)
			st.Name = nc.name
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
