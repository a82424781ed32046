package audit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// blockingSink holds every Emit until released, forcing dispatcher backpressure.
type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	seen    []Event
}

func newBlockingSink() *blockingSink {
	return &blockingSink{release: make(chan struct{})}
}

func (s *blockingSink) Emit(_ context.Context, event Event) {
	<-s.release
	s.mu.Lock()
	s.seen = append(s.seen, event)
	s.mu.Unlock()
}

func (s *blockingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func TestDispatcherNilSinkReturnsNil(t *testing.T) {
	if d := NewDispatcher(nil, 8, true); d != nil {
		t.Fatal("expected nil dispatcher without a sink")
	}

	// A nil dispatcher is a safe no-op receiver.
	var d *Dispatcher
	d.Emit(context.Background(), Event{EventType: "x"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("expected 0 dropped on nil dispatcher")
	}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := NewChannelSink(8)
	d := NewDispatcher(sink, 8, true)
	t.Cleanup(d.Close)

	for _, typ := range []string{"a", "b", "c"} {
		d.Emit(context.Background(), Event{EventType: typ})
	}

	for _, want := range []string{"a", "b", "c"} {
		select {
		case ev := <-sink.Events():
			if ev.EventType != want {
				t.Fatalf("expected %s, got %s", want, ev.EventType)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := newBlockingSink()
	d := NewDispatcher(sink, 1, true)

	// First event is picked up by the worker and blocks in the sink; the
	// second fills the buffer; everything after that is dropped.
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: "flood"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.Dropped() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if d.Dropped() == 0 {
		t.Fatal("expected dropped events under backpressure")
	}

	close(sink.release)
	d.Close()
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	sink := NewChannelSink(64)
	d := NewDispatcher(sink, 64, false)

	const n = 20
	for i := 0; i < n; i++ {
		d.Emit(context.Background(), Event{EventType: "drain"})
	}
	d.Close()

	received := 0
	for {
		select {
		case <-sink.Events():
			received++
			if received == n {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d/%d events after close", received, n)
		}
	}
}

func TestDispatcherCloseIsIdempotent(t *testing.T) {
	d := NewDispatcher(NoOpSink{}, 4, true)
	d.Close()
	d.Close()

	// Emitting after close is a no-op, not a panic.
	d.Emit(context.Background(), Event{EventType: "late"})
}
