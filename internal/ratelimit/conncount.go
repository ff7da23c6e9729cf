package ratelimit

import "sync"

// ConnCounter tracks live WebSocket connections per client IP. Accounting is
// in-process: unlike request windows, connection state never needs to be
// shared across instances because the connection itself is pinned here.
type ConnCounter struct {
	mu    sync.Mutex
	conns map[string]int
	cap   int
}

// NewConnCounter creates a counter permitting at most capPerIP concurrent
// connections per IP.
func NewConnCounter(capPerIP int) *ConnCounter {
	return &ConnCounter{
		conns: make(map[string]int),
		cap:   capPerIP,
	}
}

// Acquire records a new connection for ip. It returns false when the cap is
// reached, in which case nothing is recorded and the upgrade must be
// rejected.
func (c *ConnCounter) Acquire(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conns[ip] >= c.cap {
		return false
	}
	c.conns[ip]++
	return true
}

// Release records a closed connection for ip. The count floors at zero;
// releasing an untracked IP is a no-op.
func (c *ConnCounter) Release(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conns[ip] <= 1 {
		delete(c.conns, ip)
		return
	}
	c.conns[ip]--
}

// Count returns the live connection count for ip.
func (c *ConnCounter) Count(ip string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[ip]
}
