package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// bandwidthLimiter shapes the stream loop's throughput with zero overhead
// when disabled. Adapted from the teacher's BandwidthManager, trimmed of
// the per-priority micro-sleep heuristic (not needed once segmented
// downloads and the congestion controller are gone). Per-task priority is
// recorded in taskPriority for bookkeeping only: wait does not consult it,
// and every task draws from the one global limiter on equal terms.
type bandwidthLimiter struct {
	global       *rate.Limiter
	enabled      atomic.Bool
	mu           sync.RWMutex
	taskPriority map[string]int // 0=Low, 1=Normal, 2=High
}

func newBandwidthLimiter() *bandwidthLimiter {
	return &bandwidthLimiter{
		global:       rate.NewLimiter(rate.Inf, 0),
		taskPriority: make(map[string]int),
	}
}

// setLimit sets the global cap in bytes/sec. 0 or negative disables limiting.
func (b *bandwidthLimiter) setLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		b.enabled.Store(false)
		b.global.SetLimit(rate.Inf)
		return
	}
	b.enabled.Store(true)
	b.global.SetLimit(rate.Limit(bytesPerSec))
	b.global.SetBurst(bytesPerSec)
}

func (b *bandwidthLimiter) setPriority(id string, priority int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taskPriority[id] = priority
}

func (b *bandwidthLimiter) clearPriority(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.taskPriority, id)
}

// wait blocks until n bytes may be consumed under the global limit. Returns
// immediately if limiting is disabled.
func (b *bandwidthLimiter) wait(ctx context.Context, id string, n int) error {
	if !b.enabled.Load() {
		return nil
	}
	// WaitN rejects a request larger than the burst, so a chunk bigger than
	// the per-second limit is waited for in burst-sized parts.
	for n > 0 {
		step := n
		if burst := b.global.Burst(); burst > 0 && step > burst {
			step = burst
		}
		if err := b.global.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
