//go:build integration

package stream_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/relay/internal/audit"
	"github.com/user/relay/internal/callout"
	"github.com/user/relay/internal/dispatch"
	"github.com/user/relay/internal/extract"
	"github.com/user/relay/internal/fanout"
	"github.com/user/relay/internal/history"
	"github.com/user/relay/internal/session"
	"github.com/user/relay/internal/state"
	"github.com/user/relay/internal/stream"
	"github.com/user/relay/internal/types"
	"github.com/user/relay/internal/webhook"
)

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	var voiceCalls atomic.Int32
	voice := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		voiceCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"conversation_id":"conv-1"}`))
	}))
	defer voice.Close()

	cases := state.NewCaseStore(dir)
	transcripts := state.NewTranscriptStore(dir)
	auditLog := audit.New(state.NewAuditStore(dir))
	bus := fanout.NewMemoryBus(256)

	caller := callout.New(callout.Config{
		BaseURL:       voice.URL,
		APIKey:        "xi-test",
		AgentID:       "agent-1",
		PhoneNumberID: "phone-1",
		CallsEnabled:  true,
	})
	dispatcher := dispatch.New(cases, auditLog, bus, history.DummyLookup{}, caller, 4)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	manager := session.NewManager(cases, transcripts, bus, extract.KeywordExtractor{}, dispatcher,
		session.Config{MaxInterval: 50 * time.Millisecond})
	streams := stream.NewHandler(stream.ManagerOpener(manager), bus)
	srv := webhook.NewServer(webhook.Config{}, cases, transcripts, auditLog, bus, streams.Routes)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	if _, err := cases.Create(ctx, "case-1"); err != nil {
		t.Fatal(err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	feed, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/hospital", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer feed.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/stream/case-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	segments := []string{
		"Patient is John Smith.",
		"45 year old male.",
		"Address is 123 Main St.",
		"GP phone number is 555 012 3456.",
	}
	for _, seg := range segments {
		if err := conn.WriteJSON(stream.Frame{Type: stream.FrameCommitted, Text: seg}); err != nil {
			t.Fatal(err)
		}
	}
	conn.WriteJSON(stream.Frame{Type: stream.FrameEndCall})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for session_closed: %v", err)
		}
		if msg["type"] == "session_closed" {
			break
		}
	}

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dispatcher.Wait(wctx); err != nil {
		t.Fatal(err)
	}

	if n := voiceCalls.Load(); n != 1 {
		t.Fatalf("expected exactly one provider call, got %d", n)
	}
	recs, err := auditLog.ListByCase(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(recs))
	}

	// Provider callback completes the call once; a replay is a no-op.
	body := `{"conversation_id":"conv-1","status":"done","transcript":[{"role":"agent","message":"Calling about John Smith."}]}`
	for i, want := range []string{`"status":"ok"}`, "no matching audit record"} {
		resp, err := http.Post(ts.URL+"/webhook/provider-call", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		var out map[string]string
		json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("callback %d: status %d", i, resp.StatusCode)
		}
		if i == 1 && out["message"] != want {
			t.Errorf("expected replay to be ignored, got %v", out)
		}
	}

	feed.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev types.Event
		if err := feed.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for callback event on hospital feed: %v", err)
		}
		if ev.Type == types.EventDownstreamComplete && ev.Outcome == types.OutcomeAnswered {
			if ev.CorrelationID != "conv-1" || !strings.Contains(ev.Transcript, "[agent]") {
				t.Errorf("unexpected callback event %+v", ev)
			}
			break
		}
	}

	c, err := cases.Load(ctx, "case-1")
	if err != nil {
		t.Fatal(err)
	}
	if !c.CoreInfoComplete || !c.MedicalDBTriggered || !c.ProviderCallTriggered {
		t.Errorf("unexpected flags: %+v", c)
	}
	if c.Status != types.CaseCompleted {
		t.Errorf("expected completed case, got %s", c.Status)
	}
	if res := c.Actions[types.ActionProviderCall]; res == nil || res.Outcome != types.OutcomeAnswered {
		t.Errorf("unexpected provider call result %+v", res)
	}
}
