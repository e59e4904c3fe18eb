package bridge

import (
	"testing"
)

func newTestRegistrySession(id string) *Session {
	return &Session{ID: id}
}

func TestRegistry_InsertAndGet(t *testing.T) {
	r := NewRegistry()
	s := newTestRegistrySession("call-1")

	if err := r.Insert(s); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if got := r.Get("call-1"); got != s {
		t.Fatal("Get() did not return the inserted session")
	}
	if got := r.Get("call-2"); got != nil {
		t.Fatal("Get() returned a session for an unknown call")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_DuplicateInsertRejected(t *testing.T) {
	r := NewRegistry()

	if err := r.Insert(newTestRegistrySession("call-1")); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if err := r.Insert(newTestRegistrySession("call-1")); err == nil {
		t.Fatal("expected duplicate Insert() to fail")
	}
}

func TestRegistry_PortBinding(t *testing.T) {
	r := NewRegistry()
	s := newTestRegistrySession("call-1")
	s.port = 5002

	if err := r.Insert(s); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	r.BindPort(5002, "call-1")

	if got := r.GetByPort(5002); got != s {
		t.Fatal("GetByPort() did not resolve the bound session")
	}
	if got := r.GetByPort(5003); got != nil {
		t.Fatal("GetByPort() returned a session for an unbound port")
	}

	r.Remove("call-1")
	if got := r.GetByPort(5002); got != nil {
		t.Fatal("port binding survived Remove()")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after Remove(), want 0", r.Len())
	}
}

func TestRegistry_MediaChannelBinding(t *testing.T) {
	r := NewRegistry()
	s := newTestRegistrySession("call-1")
	s.mediaChannelID = "media-9"

	if err := r.Insert(s); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	r.BindMediaChannel("media-9", "call-1")

	if !r.OwnsMediaChannel("media-9") {
		t.Fatal("OwnsMediaChannel() did not recognize the bound media leg")
	}
	if r.OwnsMediaChannel("media-10") {
		t.Fatal("OwnsMediaChannel() claimed an unbound channel")
	}

	r.Remove("call-1")
	if r.OwnsMediaChannel("media-9") {
		t.Fatal("media binding survived Remove()")
	}
}

func TestRegistry_RemoveUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Remove("nope")
}

func TestRegistry_Drain(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		if err := r.Insert(newTestRegistrySession(id)); err != nil {
			t.Fatalf("Insert(%s) failed: %v", id, err)
		}
	}

	drained := r.Drain()
	if len(drained) != 3 {
		t.Fatalf("Drain() returned %d sessions, want 3", len(drained))
	}
	// Drain is a snapshot, not a removal
	if r.Len() != 3 {
		t.Fatalf("Len() = %d after Drain(), want 3", r.Len())
	}
}
