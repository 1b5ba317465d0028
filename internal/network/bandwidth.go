// Package network provides bandwidth management and congestion control for
// downloads against the huggingface.co and modelscope.cn repository hosts.
package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// lowPriorityThreshold is the point on the [1,10] task priority scale
// (lower integer = more urgent) above which a task yields the shared
// limiter to more urgent transfers.
const lowPriorityThreshold = 8

// defaultTaskPriority is assumed for any task ID the Scheduler never
// registered via SetTaskPriority (e.g. bandwidth limiting was disabled
// when the Worker started).
const defaultTaskPriority = 5

// BandwidthManager handles global speed limiting with zero overhead when disabled
type BandwidthManager struct {
	globalLimiter *rate.Limiter
	limitEnabled  atomic.Bool
	mu            sync.RWMutex

	// Map of TaskID -> submitted priority on the [1,10] scale, not a
	// separate Low/Normal/High tier: a task's queue priority is also its
	// bandwidth-sharing priority.
	taskPriorities map[string]int
}

// NewBandwidthManager creates a new bandwidth manager with no limits
func NewBandwidthManager() *BandwidthManager {
	return &BandwidthManager{
		// Unlimited until SetLimit; enabled=false also bypasses it
		globalLimiter:  rate.NewLimiter(rate.Inf, 0),
		taskPriorities: make(map[string]int),
	}
}

// SetLimit updates the global speed limit in bytes per second
// 0 means unlimited
func (bm *BandwidthManager) SetLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		bm.limitEnabled.Store(false)
		bm.globalLimiter.SetLimit(rate.Inf)
	} else {
		bm.limitEnabled.Store(true)
		bm.globalLimiter.SetLimit(rate.Limit(bytesPerSec))
		bm.globalLimiter.SetBurst(bytesPerSec) // Allow 1s burst
	}
}

// SetTaskPriority records a task's priority ([1,10], lower is more
// urgent) for use by Wait's yield logic.
func (bm *BandwidthManager) SetTaskPriority(taskID string, priority int) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.taskPriorities[taskID] = priority
}

// Wait blocks until the requested bytes can be consumed.
// Returns fast if limit is disabled.
func (bm *BandwidthManager) Wait(ctx context.Context, taskID string, bytes int) error {
	// 1. FAST PATH: Zero overhead check
	if !bm.limitEnabled.Load() {
		return nil
	}

	// 2. Priority Logic
	bm.mu.RLock()
	priority, ok := bm.taskPriorities[taskID]
	bm.mu.RUnlock()
	if !ok {
		priority = defaultTaskPriority
	}

	err := bm.globalLimiter.WaitN(ctx, bytes)
	if err != nil {
		return err
	}

	if priority > lowPriorityThreshold {
		// Low-urgency task (priority 9 or 10): absorb a small extra delay
		// so higher-priority transfers sharing the same limiter get first
		// claim on the next token.
		time.Sleep(10 * time.Millisecond)
	}

	return nil
}
