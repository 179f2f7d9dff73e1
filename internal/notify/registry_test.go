// internal/notify/registry_test.go
package notify

import (
	"context"
	"testing"
)

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry()

	var gotTarget, gotMsg string
	reg.Register("test:", func(_ context.Context, target, message string) error {
		gotTarget = target
		gotMsg = message
		return nil
	})

	if err := reg.Deliver(context.Background(), "test:123", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTarget != "test:123" {
		t.Errorf("expected target %q, got %q", "test:123", gotTarget)
	}
	if gotMsg != "hello" {
		t.Errorf("expected message %q, got %q", "hello", gotMsg)
	}
}

func TestRegistryNoHandler(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Deliver(context.Background(), "unknown:123", "hello"); err == nil {
		t.Fatal("expected error for unregistered prefix, got nil")
	}
}

func TestRegistryLongestPrefixWins(t *testing.T) {
	reg := NewRegistry()

	var general, specific int
	reg.Register("telegram:", func(context.Context, string, string) error {
		general++
		return nil
	})
	reg.Register("telegram:ops:", func(context.Context, string, string) error {
		specific++
		return nil
	})
	reg.Register("log:", LogHandler)

	ctx := context.Background()
	reg.Deliver(ctx, "telegram:42", "msg1")
	reg.Deliver(ctx, "telegram:ops:7", "msg2")
	if err := reg.Deliver(ctx, "log:audit", "msg3"); err != nil {
		t.Fatalf("log deliver error: %v", err)
	}

	if general != 1 || specific != 1 {
		t.Errorf("expected one call each, got general=%d specific=%d", general, specific)
	}
}
