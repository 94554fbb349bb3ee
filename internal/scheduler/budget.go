package scheduler

import (
	"errors"
	"sync"

	"github.com/ngoclaw/gro/internal/llm"
)

// ErrBudgetExhausted is returned once the running cost meter reaches
// maxBudgetUsd; the scheduler aborts the session with this before issuing
// its next request, per spec's budget-enforcement contract.
var ErrBudgetExhausted = errors.New("scheduler: budget exhausted")

// Rates prices one provider's token usage in USD per token, plus the
// discount applied to cache-read tokens (they're billed at a fraction of a
// fresh input token).
type Rates struct {
	InputPerToken      float64
	OutputPerToken     float64
	CacheReadDiscount  float64 // e.g. 0.9 means a cache-read token costs 10% of input
}

// CostMeter accumulates (input*rateIn + output*rateOut - cacheRead*discount)
// across turns and aborts once the total reaches a ceiling, generalizing
// the teacher's CostGuard from a single token counter to the §4.L formula,
// which prices input/output/cache-read tokens separately instead of
// counting raw tokens against one ceiling.
type CostMeter struct {
	mu          sync.Mutex
	rates       Rates
	maxUsd      float64
	spentUsd    float64
}

// NewCostMeter builds a meter; maxUsd <= 0 disables the ceiling.
func NewCostMeter(rates Rates, maxUsd float64) *CostMeter {
	return &CostMeter{rates: rates, maxUsd: maxUsd}
}

// Add prices one call's usage and accumulates it, returning
// ErrBudgetExhausted if the running total has now reached the ceiling.
func (c *CostMeter) Add(u llm.Usage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cost := float64(u.Input)*c.rates.InputPerToken +
		float64(u.Output)*c.rates.OutputPerToken -
		float64(u.CacheRead)*c.rates.InputPerToken*c.rates.CacheReadDiscount
	if cost < 0 {
		cost = 0
	}
	c.spentUsd += cost

	if c.maxUsd > 0 && c.spentUsd >= c.maxUsd {
		return ErrBudgetExhausted
	}
	return nil
}

// Spent reports the running total in USD.
func (c *CostMeter) Spent() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spentUsd
}

// WouldExceed reports whether the meter has already reached its ceiling,
// without accumulating anything — used to abort before issuing the next
// request rather than after the call that tips it over.
func (c *CostMeter) WouldExceed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxUsd > 0 && c.spentUsd >= c.maxUsd
}
