package dispatch

import (
	"runtime"
	"time"

	"github.com/portlink/backend/daemon/protocol"
)

// TierPolicy fixes the retry budget and worker bounds of one priority tier.
type TierPolicy struct {
	MaxRetries    int
	RetryInterval time.Duration
	MinWorkers    int
	MaxWorkers    int
}

// Policy maps every priority to its tier policy plus the shared monitor
// tuning.
type Policy struct {
	Tiers           map[protocol.Priority]TierPolicy
	MonitorInterval time.Duration
	QueueThreshold  int
	QueueDepth      int
}

// DefaultPolicy derives the standard table from the processor count:
// HIGH gets 2P workers and the hardest retry budget, LOW gets P/2 and a
// single retry. Floors clamp at 1.
func DefaultPolicy() Policy {
	p := runtime.NumCPU()
	return Policy{
		Tiers: map[protocol.Priority]TierPolicy{
			protocol.PriorityHigh: {
				MaxRetries:    5,
				RetryInterval: 5 * time.Second,
				MinWorkers:    clampMin(2 * p / 4),
				MaxWorkers:    clampMin(2 * p),
			},
			protocol.PriorityMedium: {
				MaxRetries:    3,
				RetryInterval: 10 * time.Second,
				MinWorkers:    clampMin(p / 4),
				MaxWorkers:    clampMin(p),
			},
			protocol.PriorityLow: {
				MaxRetries:    1,
				RetryInterval: 15 * time.Second,
				MinWorkers:    clampMin(p / 8),
				MaxWorkers:    clampMin(p / 2),
			},
		},
		MonitorInterval: time.Second,
		QueueThreshold:  64,
		QueueDepth:      65536,
	}
}

func clampMin(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Tier returns the policy for a priority, falling back to LOW for values a
// corrupt peer might send.
func (p Policy) Tier(pr protocol.Priority) TierPolicy {
	if t, ok := p.Tiers[pr]; ok {
		return t
	}
	return p.Tiers[protocol.PriorityLow]
}
