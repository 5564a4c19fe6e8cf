package link

import (
	"context"
	"slices"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestSimTransmitsOnlyWhenResumed(t *testing.T) {
	s := NewSim(zaptest.NewLogger(t), 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	if err := s.Enqueue([]string{"G28", "G1 X10"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if sent := s.Sent(); len(sent) != 0 {
		t.Fatalf("sent while paused = %v", sent)
	}

	s.SetPaused(false)
	waitFor(t, func() bool { return len(s.Sent()) == 2 })
	if !slices.Equal(s.Sent(), []string{"G28", "G1 X10"}) {
		t.Fatalf("sent = %v", s.Sent())
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
}

func TestSimClearQueueDropsPending(t *testing.T) {
	s := NewSim(zaptest.NewLogger(t), 0)
	if err := s.Enqueue([]string{"G28"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	s.ClearQueue()
	if n := s.Pending(); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
