package httpclient

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// BanRegistry remembers hosts that must not be contacted until a deadline.
// It is safe for concurrent use and meant to be shared by every transport
// talking to the same backend.
type BanRegistry struct {
	mu    sync.Mutex
	clock clock.PassiveClock
	until map[string]time.Time
}

// NewBanRegistry creates an empty registry. A nil clock uses the real clock.
func NewBanRegistry(clk clock.PassiveClock) *BanRegistry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &BanRegistry{
		clock: clk,
		until: make(map[string]time.Time),
	}
}

// Ban refuses requests to host for d from now. The deadline is never moved
// earlier by a shorter ban.
func (b *BanRegistry) Ban(host string, d time.Duration) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	deadline := b.clock.Now().Add(d)
	if current, ok := b.until[host]; ok && current.After(deadline) {
		return current
	}
	b.until[host] = deadline
	return deadline
}

// Banned reports whether host is still banned. The host stays banned up to
// and including its deadline; expired entries are dropped.
func (b *BanRegistry) Banned(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	deadline, ok := b.until[host]
	if !ok {
		return false
	}
	if b.clock.Now().After(deadline) {
		delete(b.until, host)
		return false
	}
	return true
}

// Until returns the ban deadline for host, if any
func (b *BanRegistry) Until(host string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	deadline, ok := b.until[host]
	return deadline, ok
}
