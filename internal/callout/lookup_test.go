package callout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/user/relay/internal/types"
	"github.com/user/relay/pkg/llm"
	"github.com/user/relay/pkg/llm/openai"
)

// lookupServer answers chat completions with content and records the last
// user message it saw.
func lookupServer(t *testing.T, content string, query *string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer pplx-test" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		var req struct {
			Model    string        `json:"model"`
			Messages []llm.Message `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != DefaultLookupModel {
			t.Errorf("expected model %s, got %s", DefaultLookupModel, req.Model)
		}
		if query != nil && len(req.Messages) > 0 {
			*query = req.Messages[len(req.Messages)-1].Content
		}
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestResolver(baseURL string) *ContactResolver {
	return NewContactResolver(openai.New(&llm.Config{BaseURL: baseURL, APIKey: "pplx-test", Model: DefaultLookupModel}))
}

func TestContactResolverResolve(t *testing.T) {
	var query string
	server := lookupServer(t, "```json\n{\"phone\": \"+1 555-012-3456\", \"practice_name\": \"Riverside Practice\", \"address\": \"1 River Rd\"}\n```", &query)

	got, err := newTestResolver(server.URL).Resolve(context.Background(), types.Contact{Name: "Dr. Sarah Jones"}, "123 Main St")
	if err != nil {
		t.Fatal(err)
	}
	if got.Phone != "+1 555-012-3456" || got.Practice != "Riverside Practice" || got.Name != "Dr. Sarah Jones" {
		t.Errorf("unexpected contact %+v", got)
	}
	if query != "Find the phone number for Dr. Sarah Jones near 123 Main St" {
		t.Errorf("unexpected query %q", query)
	}
}

func TestContactResolverNotFound(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"null answer", "null"},
		{"too few digits", `{"phone": "555-12"}`},
		{"empty phone", `{"phone": "", "practice_name": "Riverside"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := lookupServer(t, tt.content, nil)
			_, err := newTestResolver(server.URL).Resolve(context.Background(), types.Contact{Name: "Dr. Jones"}, "")
			if !errors.Is(err, ErrContactNotFound) {
				t.Errorf("expected ErrContactNotFound, got %v", err)
			}
		})
	}
}

func TestContactResolverQueryIncludesPractice(t *testing.T) {
	var query string
	server := lookupServer(t, `{"phone": "5550123456"}`, &query)
	contact := types.Contact{Name: "Dr. Jones", Practice: "Riverside Practice"}
	got, err := newTestResolver(server.URL).Resolve(context.Background(), contact, "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Practice != "Riverside Practice" {
		t.Errorf("expected practice kept, got %q", got.Practice)
	}
	if query != "Find the phone number for Dr. Jones at Riverside Practice near unknown location" {
		t.Errorf("unexpected query %q", query)
	}
}

func TestContactResolverUnparseable(t *testing.T) {
	server := lookupServer(t, "I could not find that practice.", nil)
	_, err := newTestResolver(server.URL).Resolve(context.Background(), types.Contact{Name: "Dr. Jones"}, "")
	if err == nil || errors.Is(err, ErrContactNotFound) {
		t.Errorf("expected a parse error, got %v", err)
	}
}

func TestCallProviderResolvesNameOnlyContact(t *testing.T) {
	lookup := lookupServer(t, `{"phone": "+15550123456", "practice_name": "Riverside Practice"}`, nil)

	var toNumber atomic.Value
	voice := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req outboundRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		toNumber.Store(req.ToNumber)
		w.Write([]byte(`{"conversation_id":"conv_9"}`))
	}))
	defer voice.Close()

	cfg := enabledConfig(voice.URL)
	cfg.Resolver = newTestResolver(lookup.URL)
	id := testIdentity
	id.Address = "123 Main St"

	res, err := New(cfg).CallProvider(context.Background(), id, types.Contact{Name: "Dr. Sarah Jones"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != types.OutcomeInitiated || res.Target != "+15550123456" {
		t.Errorf("unexpected result %+v", res)
	}
	if got, _ := toNumber.Load().(string); got != "+15550123456" {
		t.Errorf("expected call to resolved number, got %q", got)
	}
}

func TestCallProviderLookupFailed(t *testing.T) {
	lookup := lookupServer(t, "null", nil)
	var calls atomic.Int32
	voice := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer voice.Close()

	cfg := enabledConfig(voice.URL)
	cfg.Resolver = newTestResolver(lookup.URL)
	res, err := New(cfg).CallProvider(context.Background(), testIdentity, types.Contact{Name: "Dr. Nobody"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != types.OutcomeLookupFailed {
		t.Errorf("expected lookup_failed, got %s", res.Status)
	}
	if !strings.Contains(res.ResultText, "Dr. Nobody") {
		t.Errorf("unexpected text %q", res.ResultText)
	}
	if calls.Load() != 0 {
		t.Error("no call should be placed when lookup fails")
	}
}
