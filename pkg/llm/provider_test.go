package llm

import (
	"context"
	"testing"
)

// MockProvider is a test double that satisfies the Provider interface.
type MockProvider struct {
	CompleteFunc func(ctx context.Context, req Request) (*Response, error)
}

func (m *MockProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &Response{Content: "{}"}, nil
}

func TestProviderInterface(t *testing.T) {
	var provider Provider = &MockProvider{}
	ctx := context.Background()

	resp, err := provider.Complete(ctx, Request{Messages: []Message{{Role: "user", Content: "test"}}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "{}" {
		t.Errorf("unexpected content %q", resp.Content)
	}
}
