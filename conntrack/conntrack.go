// Package conntrack counts active connections, both in total and per remote
// address, for admitting or refusing new connections.
package conntrack

import (
	"net"
	"sync"
)

// Tracker counts open connections. The zero value with limits set is usable.
// Limits of 0 mean unlimited.
type Tracker struct {
	MaxTotal   int
	MaxPerAddr int

	mu      sync.Mutex
	total   int
	perAddr map[string]int
}

// Add attempts to admit a connection for key (a normalized remote address,
// see Key). If the total or per-address limit is already reached, false is
// returned and no counter changes. Otherwise both counters are incremented
// and the caller must call Remove with the same key exactly once when the
// connection is done.
func (t *Tracker) Add(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.MaxTotal > 0 && t.total >= t.MaxTotal {
		return false
	}
	if t.MaxPerAddr > 0 && t.perAddr[key] >= t.MaxPerAddr {
		return false
	}
	if t.perAddr == nil {
		t.perAddr = map[string]int{}
	}
	t.total++
	t.perAddr[key]++
	return true
}

// Remove decrements the counters for a connection previously admitted with
// Add. An address without open connections is removed from the map entirely,
// bounding memory.
func (t *Tracker) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total--
	n := t.perAddr[key] - 1
	if n <= 0 {
		delete(t.perAddr, key)
	} else {
		t.perAddr[key] = n
	}
}

// Total returns the number of open connections.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Open returns the number of open connections for key.
func (t *Tracker) Open(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perAddr[key]
}

// Key normalizes an IP to the tracking key also used for rate limiting. IPv4
// addresses count individually. IPv6 addresses are masked to their /64
// prefix: rotating addresses within a provider-assigned block must not give
// fresh limits.
func Key(ip net.IP) string {
	if ip == nil {
		return ""
	}
	if ip.To4() != nil {
		return ip.String()
	}
	return ip.Mask(net.CIDRMask(64, 128)).String() + "/64"
}
