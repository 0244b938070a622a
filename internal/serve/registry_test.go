package serve

import "testing"

func TestRegistryConnectAndSendTo(t *testing.T) {
	r := NewRegistry()
	a := newSessionConn("s1", nil)
	b := newSessionConn("s1", nil)
	r.Connect(a)
	r.Connect(b)

	if got := r.Count("s1"); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}

	if err := r.SendTo("s1", []byte("hi")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if len(a.send) != 1 || len(b.send) != 1 {
		t.Fatalf("frames queued: a=%d b=%d, want 1 each", len(a.send), len(b.send))
	}
}

func TestRegistrySendToUnknownSession(t *testing.T) {
	r := NewRegistry()
	if err := r.SendTo("ghost", []byte("hi")); err == nil {
		t.Fatal("expected error for session with no connections")
	}
}

func TestRegistrySendToAllBuffersFull(t *testing.T) {
	r := NewRegistry()
	c := newSessionConn("s1", nil)
	r.Connect(c)

	for i := 0; i < sendBufferSize; i++ {
		if !c.queue([]byte("x")) {
			t.Fatalf("queue refused frame %d before buffer was full", i)
		}
	}

	if err := r.SendTo("s1", []byte("overflow")); err == nil {
		t.Fatal("expected error when every send buffer is full")
	}
	if len(c.send) != sendBufferSize {
		t.Fatalf("queue length = %d, want %d", len(c.send), sendBufferSize)
	}
}

func TestRegistryDisconnectIsIdempotent(t *testing.T) {
	r := NewRegistry()
	c := newSessionConn("s1", nil)
	r.Connect(c)

	r.Disconnect(c)
	r.Disconnect(c)

	if got := r.Count("s1"); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
	if _, open := <-c.send; open {
		t.Fatal("send channel should be closed after disconnect")
	}
}

func TestRegistryBroadcastSkipsFullBuffers(t *testing.T) {
	r := NewRegistry()
	full := newSessionConn("s1", nil)
	empty := newSessionConn("s2", nil)
	r.Connect(full)
	r.Connect(empty)

	for i := 0; i < sendBufferSize; i++ {
		if !full.queue([]byte("x")) {
			t.Fatalf("queue refused frame %d before buffer was full", i)
		}
	}

	r.Broadcast([]byte("event"))

	if len(full.send) != sendBufferSize {
		t.Fatalf("full conn queue = %d, want %d", len(full.send), sendBufferSize)
	}
	if len(empty.send) != 1 {
		t.Fatalf("empty conn queue = %d, want 1", len(empty.send))
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	a := newSessionConn("s1", nil)
	b := newSessionConn("s2", nil)
	r.Connect(a)
	r.Connect(b)

	r.CloseAll()

	if r.Count("s1") != 0 || r.Count("s2") != 0 {
		t.Fatal("connections still registered after CloseAll")
	}
	for _, c := range []*SessionConn{a, b} {
		if _, open := <-c.send; open {
			t.Fatal("send channel should be closed after CloseAll")
		}
	}
}
