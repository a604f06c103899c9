// Package events buffers high-frequency job progress events (streamed deltas,
// log lines, tool traces) behind a bounded queue with one dedicated flush
// goroutine, so handlers never write to the store on their hot path and
// per-job insertion order is preserved end to end.
package events

import (
	"context"
	"errors"
	"log"
	"time"

	"launchforge/internal/models"
	"launchforge/internal/telemetry"
)

const flushBatchSize = 64

// Sink receives flushed event batches, in order.
type Sink interface {
	AppendEventBatch(ctx context.Context, evs []models.JobEvent) error
}

// Emitter is a bounded event queue with an owned flush lifecycle: start it
// with Run, stop it by canceling the Run context. When the queue is full,
// AppendEvent blocks, applying backpressure to the producing handler rather
// than growing without bound.
type Emitter struct {
	sink       Sink
	ch         chan models.JobEvent
	flushEvery time.Duration
	flushReq   chan chan struct{}
	closed     chan struct{}
}

func NewEmitter(sink Sink, buffer int, flushEvery time.Duration) *Emitter {
	if buffer < 1 {
		buffer = 1
	}
	if flushEvery <= 0 {
		flushEvery = 250 * time.Millisecond
	}
	return &Emitter{
		sink:       sink,
		ch:         make(chan models.JobEvent, buffer),
		flushEvery: flushEvery,
		flushReq:   make(chan chan struct{}),
		closed:     make(chan struct{}),
	}
}

// AppendEvent queues an event for flushing. It satisfies the handler-facing
// event store contract.
func (e *Emitter) AppendEvent(ctx context.Context, ev models.JobEvent) error {
	select {
	case e.ch <- ev:
		return nil
	case <-e.closed:
		return errors.New("event emitter closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush drains everything queued so far and writes it to the sink before
// returning. It is a synchronization barrier for callers that need queued
// events on durable storage at a known point; the scheduler itself does not
// need it, since the single FIFO already orders terminal status events after
// the deltas emitted before them.
func (e *Emitter) Flush(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case e.flushReq <- reply:
	case <-e.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns the flush loop until ctx is canceled, then performs a final drain
// so buffered events survive graceful shutdown.
func (e *Emitter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.flushEvery)
	defer ticker.Stop()

	buf := make([]models.JobEvent, 0, flushBatchSize)
	for {
		select {
		case ev := <-e.ch:
			buf = append(buf, ev)
			if len(buf) >= flushBatchSize {
				buf = e.write(ctx, buf)
			}
		case <-ticker.C:
			buf = e.write(ctx, buf)
		case reply := <-e.flushReq:
			buf = append(buf, e.drain()...)
			buf = e.write(ctx, buf)
			close(reply)
		case <-ctx.Done():
			close(e.closed)
			buf = append(buf, e.drain()...)
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.write(flushCtx, buf)
			cancel()
			return
		}
	}
}

func (e *Emitter) drain() []models.JobEvent {
	var out []models.JobEvent
	for {
		select {
		case ev := <-e.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// write flushes buf and returns the reusable empty slice. Flush errors are
// logged, not propagated: the event log is a progress feed, losing a batch
// must never fail the job that produced it.
func (e *Emitter) write(ctx context.Context, buf []models.JobEvent) []models.JobEvent {
	if len(buf) == 0 {
		return buf
	}
	if err := e.sink.AppendEventBatch(ctx, buf); err != nil {
		log.Printf("event emitter: flush %d events: %v", len(buf), err)
	} else {
		telemetry.EventsWritten.Add(float64(len(buf)))
	}
	return buf[:0]
}
