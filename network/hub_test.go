package network

import (
	"testing"
	"time"
)

func TestBroadcastDoesNotBlockOnStalledSession(t *testing.T) {
	h := newHub()
	// A session whose relay goroutine never runs, as if its write side were
	// tied up streaming a download.
	stalled := &Session{
		relay: make(chan ChatMessage, relayQueueSize),
		done:  make(chan struct{}),
	}
	h.add(stalled)

	sender := &Session{}
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < 4*relayQueueSize; i++ {
			h.broadcast(sender, ChatMessage{Type: TypeMessage, Sender: "alice", Content: "ping"})
		}
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked behind a session that is not draining relay frames")
	}
	if len(stalled.relay) != relayQueueSize {
		t.Fatalf("expected a full relay queue of %d frames, got %d", relayQueueSize, len(stalled.relay))
	}
}
