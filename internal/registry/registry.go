// Package registry maps job type strings to executable handlers. The mapping
// is static: everything is registered during process startup, before the
// scheduler loop begins claiming work.
package registry

import (
	"context"
	"errors"
	"fmt"

	"launchforge/internal/models"
)

// ErrUnknownJobType marks a job type with no registered handler. It is a
// deployment bug, not a transient condition: the scheduler finalizes such
// jobs as failed immediately and never retries them.
var ErrUnknownJobType = errors.New("unknown job type")

// EventStore is the handle handlers use to report progress. Both the Postgres
// store and the buffered emitter satisfy it.
type EventStore interface {
	AppendEvent(ctx context.Context, ev models.JobEvent) error
}

// Handler executes one claimed job. A nil return finalizes the job completed;
// a non-nil error consumes an attempt and triggers retry or terminal failure.
// Handlers must be idempotent on retry: execution is at-least-once.
type Handler func(ctx context.Context, events EventStore, job models.Job) error

// Registry is the job-type dispatch table.
type Registry struct {
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type. Empty types and nil handlers are
// ignored so a misconfigured caller cannot poison dispatch.
func (r *Registry) Register(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	r.handlers[jobType] = h
}

// Resolve returns the handler for jobType, or ErrUnknownJobType.
func (r *Registry) Resolve(jobType string) (Handler, error) {
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	return h, nil
}

// Types returns the registered job types, useful for startup logging.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
