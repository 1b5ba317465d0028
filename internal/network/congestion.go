package network

import (
	"sync"
	"time"
)

// knownHostBaseline seeds a starting smoothed-RTT for the two repository
// hosts this system actually talks to. modelscope.cn serves out of
// mainland China infrastructure and consistently shows higher latency than
// huggingface.co's CDN-backed endpoints when reached from elsewhere, so the
// EMA in RecordOutcome starts closer to reality instead of every host
// sharing one arbitrary constant. A custom endpoint override (or any other
// host) falls back to defaultHostBaseline and lets the EMA find its own
// level from observed outcomes.
var knownHostBaseline = map[string]time.Duration{
	"huggingface.co": 80 * time.Millisecond,
	"modelscope.cn":  250 * time.Millisecond,
}

const defaultHostBaseline = 150 * time.Millisecond

// CongestionController implements an AIMD (Additive Increase, Multiplicative
// Decrease) algorithm to dynamically scale the Scheduler's per-host task
// concurrency based on recent download outcomes against a repository host.
type CongestionController struct {
	mu         sync.RWMutex
	hosts      map[string]*HostStats
	minWorkers int
	maxWorkers int
}

// HostStats tracks per-repository-host statistics driving the Scheduler's
// adaptive concurrency limit for that host.
type HostStats struct {
	LastRTT      time.Duration
	SmoothedRTT  time.Duration // SRTT
	Concurrency  int
	LastUpdate   time.Time
	SuccessCount int
	ErrorCount   int
}

// NewCongestionController creates a controller with min/max per-host task
// concurrency bounds.
func NewCongestionController(min, max int) *CongestionController {
	return &CongestionController{
		hosts:      make(map[string]*HostStats),
		minWorkers: min,
		maxWorkers: max,
	}
}

// RecordOutcome updates stats for a host based on one completed task's
// download attempt against it (success or failure), fed by the Scheduler
// after a Worker reaches a terminal state.
func (cc *CongestionController) RecordOutcome(host string, latency time.Duration, err error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	stats, ok := cc.hosts[host]
	if !ok {
		stats = &HostStats{
			Concurrency: cc.minWorkers,
			SmoothedRTT: baselineFor(host),
		}
		cc.hosts[host] = stats
	}

	// Exponential Moving Average for RTT
	alpha := 0.125
	stats.SmoothedRTT = time.Duration((1-alpha)*float64(stats.SmoothedRTT) + alpha*float64(latency))
	stats.LastRTT = latency
	stats.LastUpdate = time.Now()

	if err != nil {
		stats.ErrorCount++
	} else {
		stats.SuccessCount++
	}
}

// GetIdealConcurrency calculates the target number of concurrently active
// tasks against host using AIMD logic.
func (cc *CongestionController) GetIdealConcurrency(host string) int {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	stats, ok := cc.hosts[host]
	if !ok {
		return cc.minWorkers // Slow start
	}

	// Decrease on congestion: a failed download attempt against this host
	// (rate limiting, connection reset, timeout) is this domain's
	// equivalent of packet loss.
	if stats.ErrorCount > 0 {
		// Multiplicative Decrease
		stats.Concurrency = maxInt(1, stats.Concurrency/2)
		stats.ErrorCount = 0 // Reset after reacting
		return stats.Concurrency
	}

	// Additive Increase
	// Increase if stable and we have successful samples
	if stats.SuccessCount > stats.Concurrency {
		if stats.Concurrency < cc.maxWorkers {
			stats.Concurrency++
		}
		stats.SuccessCount = 0 // Reset for next window
	}

	return stats.Concurrency
}

// GetHostStats returns a copy of stats for a host (for testing/monitoring)
func (cc *CongestionController) GetHostStats(host string) *HostStats {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	stats, ok := cc.hosts[host]
	if !ok {
		return nil
	}
	// Return a copy
	copy := *stats
	return &copy
}

func baselineFor(host string) time.Duration {
	if rtt, ok := knownHostBaseline[host]; ok {
		return rtt
	}
	return defaultHostBaseline
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
