package registry

import (
	"context"
	"errors"
	"testing"

	"launchforge/internal/models"
)

func TestResolve(t *testing.T) {
	r := New()
	called := false
	r.Register("packet.generate", func(context.Context, EventStore, models.Job) error {
		called = true
		return nil
	})

	h, err := r.Resolve("packet.generate")
	if err != nil {
		t.Fatalf("resolve registered type: %v", err)
	}
	if err := h(context.Background(), nil, models.Job{}); err != nil || !called {
		t.Fatalf("handler not invoked: err=%v called=%v", err, called)
	}
}

func TestResolveUnknown(t *testing.T) {
	r := New()
	_, err := r.Resolve("email.send")
	if !errors.Is(err, ErrUnknownJobType) {
		t.Fatalf("expected ErrUnknownJobType, got %v", err)
	}
}

func TestRegisterIgnoresInvalid(t *testing.T) {
	r := New()
	r.Register("", func(context.Context, EventStore, models.Job) error { return nil })
	r.Register("noop", nil)
	if got := len(r.Types()); got != 0 {
		t.Fatalf("expected no registrations, got %d", got)
	}
}
