package task

import (
	"context"
	"testing"
)

func noopAction(_ context.Context, _ *Task) (any, error) { return nil, nil }

func TestKindRegistry(t *testing.T) {
	t.Run("resolves registered kinds", func(t *testing.T) {
		r := NewKindRegistry()
		if err := r.Register("demo", noopAction); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		action, err := r.Resolve("demo")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if action == nil {
			t.Fatal("resolved nil action")
		}
	})

	t.Run("unregistered kind fails loudly", func(t *testing.T) {
		r := NewKindRegistry()
		if _, err := r.Resolve("ghost"); err == nil {
			t.Error("expected error for unregistered kind")
		}
	})

	t.Run("rejects duplicate registration", func(t *testing.T) {
		r := NewKindRegistry()
		if err := r.Register("demo", noopAction); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if err := r.Register("demo", noopAction); err == nil {
			t.Error("expected duplicate kind to be rejected")
		}
	})

	t.Run("rejects empty kind and nil action", func(t *testing.T) {
		r := NewKindRegistry()
		if err := r.Register("", noopAction); err == nil {
			t.Error("expected empty kind to be rejected")
		}
		if err := r.Register("demo", nil); err == nil {
			t.Error("expected nil action to be rejected")
		}
	})
}
