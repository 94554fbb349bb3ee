package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ngoclaw/gro/internal/entity"
	"go.uber.org/zap"
)

// Router implements Driver by trying each registered driver, in insertion
// order, that supports the requested model and whose circuit breaker is
// closed — realizing the turn scheduler's "preferred provider list"
// tier/priority selection (§4.L step 3).
type Router struct {
	mu       sync.RWMutex
	drivers  []Driver
	stats    map[string]*providerStats
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

type providerStats struct {
	TotalCalls   int64
	FailureCount int64
	LastLatency  time.Duration
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		stats:    make(map[string]*providerStats),
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger.With(zap.String("component", "llm-router")),
	}
}

var _ Driver = (*Router)(nil)

// AddDriver registers d, wiring it with its own circuit breaker.
func (r *Router) AddDriver(d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers = append(r.drivers, d)
	r.stats[d.Name()] = &providerStats{}
	r.breakers[d.Name()] = NewCircuitBreaker(5, 30*time.Second)
	r.logger.Info("driver registered", zap.String("name", d.Name()))
}

func (r *Router) Name() string { return "router" }

func (r *Router) SupportsModel(model string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.drivers {
		if d.SupportsModel(model) {
			return true
		}
	}
	return false
}

func (r *Router) IsAvailable(ctx context.Context) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.drivers {
		if d.IsAvailable(ctx) {
			return true
		}
	}
	return false
}

// Chat routes to the first driver that supports opts.Model, is available,
// and whose circuit is closed, failing over to the next on error.
func (r *Router) Chat(ctx context.Context, messages []entity.Message, opts Options, deltaCh chan<- StreamChunk) (*Output, error) {
	r.mu.RLock()
	drivers := append([]Driver(nil), r.drivers...)
	r.mu.RUnlock()

	var lastErr error
	for _, d := range drivers {
		if !d.SupportsModel(opts.Model) {
			continue
		}
		if !d.IsAvailable(ctx) {
			continue
		}
		cb := r.breakerFor(d.Name())
		if cb != nil && !cb.Allow() {
			r.logger.Debug("circuit open, skipping driver", zap.String("driver", d.Name()))
			continue
		}

		start := time.Now()
		out, err := d.Chat(ctx, messages, opts, deltaCh)
		latency := time.Since(start)

		r.recordStats(d.Name(), latency, err != nil)

		if err != nil {
			if cb != nil {
				cb.RecordFailure()
			}
			lastErr = err
			r.logger.Warn("driver failed, trying next",
				zap.String("driver", d.Name()), zap.Duration("latency", latency), zap.Error(err))
			continue
		}
		if cb != nil {
			cb.RecordSuccess()
		}
		return out, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all drivers failed, last error: %w", lastErr)
	}
	return nil, fmt.Errorf("no driver available for model %q", opts.Model)
}

func (r *Router) breakerFor(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

func (r *Router) recordStats(name string, latency time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[name]
	if !ok {
		return
	}
	s.TotalCalls++
	s.LastLatency = latency
	if failed {
		s.FailureCount++
	}
}

// Status describes one registered driver's current state and performance.
type Status struct {
	Name          string
	Available     bool
	TotalCalls    int64
	FailureCount  int64
	LastLatencyMs float64
	CircuitState  string
}

// ListDrivers reports status for every registered driver.
func (r *Router) ListDrivers(ctx context.Context) []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Status, 0, len(r.drivers))
	for _, d := range r.drivers {
		st := Status{Name: d.Name(), Available: d.IsAvailable(ctx)}
		if s, ok := r.stats[d.Name()]; ok {
			st.TotalCalls = s.TotalCalls
			st.FailureCount = s.FailureCount
			st.LastLatencyMs = float64(s.LastLatency) / float64(time.Millisecond)
		}
		if cb, ok := r.breakers[d.Name()]; ok {
			st.CircuitState = cb.State().String()
		}
		result = append(result, st)
	}
	return result
}
