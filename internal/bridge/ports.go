package bridge

import (
	"errors"
	"sync"

	"github.com/troikatech/pbx-bridge/pkg/metrics"
)

// ErrPortsExhausted is returned when every port in the configured range is
// bound to a live call. The requesting session fails; it is not retried.
var ErrPortsExhausted = errors.New("media port range exhausted")

// PortAllocator hands out media endpoint ports from a fixed range. Ports are
// reused after release so a long-running process never walks off the end of
// the range. Safe for concurrent use.
type PortAllocator struct {
	mu    sync.Mutex
	min   int
	max   int
	next  int
	inUse map[int]bool
	m     *metrics.Metrics
}

func NewPortAllocator(min, max int, m *metrics.Metrics) *PortAllocator {
	return &PortAllocator{
		min:   min,
		max:   max,
		next:  min,
		inUse: make(map[int]bool),
		m:     m,
	}
}

// Allocate returns a port not currently in use. The scan starts at a rotating
// cursor so freshly released ports are not immediately rebound, which gives
// lingering sockets time to drain.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		port := a.next
		a.next++
		if a.next > a.max {
			a.next = a.min
		}
		if !a.inUse[port] {
			a.inUse[port] = true
			a.m.PortsInUse.Set(float64(len(a.inUse)))
			return port, nil
		}
	}
	return 0, ErrPortsExhausted
}

// Release returns a port to the pool. Releasing a port that was never
// allocated is a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
	a.m.PortsInUse.Set(float64(len(a.inUse)))
}

// Available reports how many ports remain in the pool.
func (a *PortAllocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return (a.max - a.min + 1) - len(a.inUse)
}
