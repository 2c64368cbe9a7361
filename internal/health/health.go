// Package health aggregates component checks behind a single /health
// endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status is the health of one component or of the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// checkTimeout bounds a full round of checks from the HTTP handler.
const checkTimeout = 5 * time.Second

// Component is the result of one check.
type Component struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// Report is the /health response body.
type Report struct {
	Status     Status       `json:"status"`
	Service    string       `json:"service"`
	Components []*Component `json:"components"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Checker is a single dependency probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a ping function to a Checker.
type CheckFunc struct {
	name string
	fn   func(context.Context) error
}

// NewCheck returns a named Checker backed by fn.
func NewCheck(name string, fn func(context.Context) error) CheckFunc {
	return CheckFunc{name: name, fn: fn}
}

// Name returns the component name.
func (c CheckFunc) Name() string { return c.name }

// Check runs the probe.
func (c CheckFunc) Check(ctx context.Context) error { return c.fn(ctx) }

// Registry runs registered checks in parallel.
type Registry struct {
	service  string
	mu       sync.RWMutex
	checkers []Checker
}

// New creates an empty registry for the named service.
func New(service string) *Registry {
	return &Registry{service: service}
}

// Register adds a checker.
func (h *Registry) Register(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, c)
}

// Check runs every checker and reports unhealthy if any fails.
func (h *Registry) Check(ctx context.Context) *Report {
	h.mu.RLock()
	checkers := h.checkers
	h.mu.RUnlock()

	components := make([]*Component, len(checkers))

	var wg sync.WaitGroup
	for i, chk := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			start := time.Now()
			err := chk.Check(ctx)

			c := &Component{
				Name:    chk.Name(),
				Status:  StatusHealthy,
				Latency: time.Since(start).String(),
			}
			if err != nil {
				c.Status = StatusUnhealthy
				c.Error = err.Error()
			}

			components[i] = c
		}()
	}
	wg.Wait()

	overall := StatusHealthy
	for _, c := range components {
		if c.Status == StatusUnhealthy {
			overall = StatusUnhealthy
			break
		}
	}

	return &Report{
		Status:     overall,
		Service:    h.service,
		Components: components,
		Timestamp:  time.Now().UTC(),
	}
}

// Handler serves the report: 200 when healthy, 503 otherwise.
func (h *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		report := h.Check(ctx)

		status := http.StatusOK
		if report.Status != StatusHealthy {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	}
}
