package probe

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateGate enforces a minimum time gap between consecutive external API
// calls within one job. A gate is constructed per job invocation and passed
// down; its state is never shared across jobs.
type RateGate struct {
	limiter *rate.Limiter
}

// NewRateGate returns a gate that spaces calls at least minInterval apart.
// The first call passes immediately. A non-positive interval disables gating.
func NewRateGate(minInterval time.Duration) *RateGate {
	if minInterval <= 0 {
		return &RateGate{}
	}
	return &RateGate{limiter: rate.NewLimiter(rate.Every(minInterval), 1)}
}

// Wait blocks until the gate opens or the context is done.
func (g *RateGate) Wait(ctx context.Context) error {
	if g.limiter == nil {
		return ctx.Err()
	}
	return g.limiter.Wait(ctx)
}
