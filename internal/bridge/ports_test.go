package bridge

import (
	"sync"
	"testing"

	"github.com/troikatech/pbx-bridge/pkg/metrics"
)

func TestPortAllocator_AllocateDistinct(t *testing.T) {
	a := NewPortAllocator(5000, 5004, metrics.NewForTesting())

	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		port, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate() failed on iteration %d: %v", i, err)
		}
		if port < 5000 || port > 5004 {
			t.Fatalf("Allocate() returned %d, outside configured range", port)
		}
		if seen[port] {
			t.Fatalf("Allocate() returned %d twice", port)
		}
		seen[port] = true
	}
}

func TestPortAllocator_Exhaustion(t *testing.T) {
	a := NewPortAllocator(5000, 5001, metrics.NewForTesting())

	if _, err := a.Allocate(); err != nil {
		t.Fatalf("first Allocate() failed: %v", err)
	}
	if _, err := a.Allocate(); err != nil {
		t.Fatalf("second Allocate() failed: %v", err)
	}
	if _, err := a.Allocate(); err != ErrPortsExhausted {
		t.Fatalf("expected ErrPortsExhausted, got %v", err)
	}
}

func TestPortAllocator_ReleaseAllowsReuse(t *testing.T) {
	a := NewPortAllocator(5000, 5000, metrics.NewForTesting())

	port, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate() failed: %v", err)
	}
	if _, err := a.Allocate(); err == nil {
		t.Fatal("expected exhaustion with single-port range")
	}

	a.Release(port)

	again, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate() after Release() failed: %v", err)
	}
	if again != port {
		t.Fatalf("expected released port %d, got %d", port, again)
	}
}

func TestPortAllocator_ReleaseUnknownPortIgnored(t *testing.T) {
	a := NewPortAllocator(5000, 5001, metrics.NewForTesting())

	a.Release(6000)
	a.Release(5000) // never allocated

	if got := a.Available(); got != 2 {
		t.Fatalf("Available() = %d, want 2", got)
	}
}

func TestPortAllocator_ConcurrentAllocate(t *testing.T) {
	const n = 50
	a := NewPortAllocator(6000, 6000+n-1, metrics.NewForTesting())

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := a.Allocate()
			if err != nil {
				t.Errorf("Allocate() failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[port] {
				t.Errorf("port %d allocated twice", port)
			}
			seen[port] = true
		}()
	}
	wg.Wait()

	if a.Available() != 0 {
		t.Fatalf("Available() = %d after allocating the whole range", a.Available())
	}
}
