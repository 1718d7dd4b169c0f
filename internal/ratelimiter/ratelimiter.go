// Package ratelimiter provides a per-source token bucket used to bound
// the rate of handshake packets a single address may submit.
package ratelimiter

import (
	"net/netip"
	"sync"
	"time"
)

const (
	defaultPacketsPerSecond = 20
	defaultPacketsBurstable = 5
	garbageCollectTime      = time.Second
)

type entry struct {
	mu       sync.Mutex
	lastTime time.Time
	tokens   int64
}

// Ratelimiter tracks a token bucket per source address. Init must be
// called before Allow; Close releases the cleanup goroutine.
type Ratelimiter struct {
	mu      sync.RWMutex
	timeNow func() time.Time

	stopReset  chan struct{}
	table      map[netip.Addr]*entry
	packetCost int64
	maxTokens  int64
}

func (rate *Ratelimiter) Close() {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	if rate.stopReset != nil {
		close(rate.stopReset)
		rate.stopReset = nil
	}
	rate.table = nil
}

func (rate *Ratelimiter) Init(pps, burst int) {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	if pps <= 0 {
		pps = defaultPacketsPerSecond
	}
	if burst <= 0 {
		burst = defaultPacketsBurstable
	}

	rate.packetCost = int64(time.Second / time.Duration(pps))
	rate.maxTokens = rate.packetCost * int64(burst)

	if rate.timeNow == nil {
		rate.timeNow = time.Now
	}
	if rate.stopReset != nil {
		close(rate.stopReset)
	}

	rate.stopReset = make(chan struct{})
	rate.table = make(map[netip.Addr]*entry)

	stopReset := rate.stopReset
	go func() {
		ticker := time.NewTicker(time.Second)
		ticker.Stop()
		for {
			select {
			case _, ok := <-stopReset:
				ticker.Stop()
				if !ok {
					return
				}
				ticker = time.NewTicker(time.Second)
			case <-ticker.C:
				if rate.cleanup() {
					ticker.Stop()
				}
			}
		}
	}()
}

func (rate *Ratelimiter) cleanup() (empty bool) {
	rate.mu.Lock()
	defer rate.mu.Unlock()

	for key, e := range rate.table {
		e.mu.Lock()
		if rate.timeNow().Sub(e.lastTime) > garbageCollectTime {
			delete(rate.table, key)
		}
		e.mu.Unlock()
	}

	return len(rate.table) == 0
}

// Allow reports whether a packet from ip is within its budget.
func (rate *Ratelimiter) Allow(ip netip.Addr) bool {
	rate.mu.RLock()
	if rate.stopReset == nil {
		rate.mu.RUnlock()
		return true
	}
	e := rate.table[ip]
	rate.mu.RUnlock()

	if e == nil {
		e = new(entry)
		e.tokens = rate.maxTokens - rate.packetCost
		e.lastTime = rate.timeNow()
		rate.mu.Lock()
		rate.table[ip] = e
		stopReset := rate.stopReset
		if len(rate.table) == 1 && stopReset != nil {
			stopReset <- struct{}{}
		}
		rate.mu.Unlock()
		return true
	}

	e.mu.Lock()
	now := rate.timeNow()
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > rate.maxTokens {
		e.tokens = rate.maxTokens
	}
	if e.tokens > rate.packetCost {
		e.tokens -= rate.packetCost
		e.mu.Unlock()
		return true
	}
	e.mu.Unlock()
	return false
}
