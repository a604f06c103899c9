package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"launchforge/internal/models"
)

type recordingSink struct {
	mu  sync.Mutex
	evs []models.JobEvent
}

func (s *recordingSink) AppendEventBatch(_ context.Context, evs []models.JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, evs...)
	return nil
}

func (s *recordingSink) all() []models.JobEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.JobEvent, len(s.evs))
	copy(out, s.evs)
	return out
}

func TestEmitterFlushPreservesOrder(t *testing.T) {
	sink := &recordingSink{}
	e := NewEmitter(sink, 32, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	for i := 0; i < 10; i++ {
		if err := e.AppendEvent(ctx, models.JobEvent{JobID: "j1", Type: models.EventDelta, Message: fmt.Sprintf("%d", i)}); err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got := sink.all()
	if len(got) != 10 {
		t.Fatalf("expected 10 events after flush, got %d", len(got))
	}
	for i, ev := range got {
		if ev.Message != fmt.Sprintf("%d", i) {
			t.Fatalf("order broken at %d: got %q", i, ev.Message)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emitter did not stop after cancellation")
	}
}

func TestEmitterDrainsOnShutdown(t *testing.T) {
	sink := &recordingSink{}
	e := NewEmitter(sink, 32, time.Hour) // ticker never fires

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		if err := e.AppendEvent(ctx, models.JobEvent{JobID: "j1", Type: models.EventLog}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	cancel()
	<-done

	if got := len(sink.all()); got != 5 {
		t.Fatalf("expected final drain to write 5 events, got %d", got)
	}

	// Emitting after shutdown reports the closed emitter instead of hanging.
	if err := e.AppendEvent(context.Background(), models.JobEvent{}); err == nil {
		t.Fatal("expected error appending to closed emitter")
	}
}
