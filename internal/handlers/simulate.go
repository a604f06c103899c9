package handlers

import (
	"context"
	"errors"
	"time"

	"launchforge/internal/models"
	"launchforge/internal/registry"
)

// Simulate returns a handler for exercising the queue in dev and staging:
// the payload decides whether it fails, how long it runs, and how many
// progress deltas it streams.
func Simulate() registry.Handler {
	return func(ctx context.Context, events registry.EventStore, job models.Job) error {
		if val, ok := job.Payload["should_fail"].(bool); ok && val {
			return errors.New("simulated failure requested by payload.should_fail")
		}
		if n, ok := asInt(job.Payload["deltas"]); ok && n > 0 {
			for i := 0; i < n; i++ {
				_ = events.AppendEvent(ctx, models.JobEvent{
					ProjectID: job.ProjectID,
					JobID:     job.ID,
					Type:      models.EventDelta,
					Message:   "chunk",
					Data:      map[string]any{"index": i},
				})
			}
		}
		if ms, ok := asInt(job.Payload["duration_ms"]); ok && ms > 0 {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
