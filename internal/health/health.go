// Package health runs named subsystem checks for the /health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the result of one subsystem check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Registry holds the checkers registered at startup.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker. Results are reported in registration order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently and reports healthy only if all
// of them are. A slow database ping does not delay the loop checks.
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
			start := time.Now()
			st := nc.check(ctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			st.LatencyMs = time.Since(start).Milliseconds()
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
