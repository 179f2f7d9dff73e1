// internal/state/case_test.go
package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/user/relay/internal/record"
	"github.com/user/relay/internal/types"
)

func TestCaseStore(t *testing.T) {
	dir := t.TempDir()
	store := NewCaseStore(dir)
	ctx := context.Background()

	id := types.CaseID("case-1")
	c, err := store.Create(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != types.CaseActive {
		t.Errorf("expected active, got %s", c.Status)
	}

	if _, err := store.Create(ctx, id); !errors.Is(err, ErrCaseExists) {
		t.Errorf("expected ErrCaseExists, got %v", err)
	}

	full, err := store.AppendCommitted(ctx, id, "Patient is John Smith.")
	if err != nil {
		t.Fatal(err)
	}
	full, err = store.AppendCommitted(ctx, id, " 45 year old male. ")
	if err != nil {
		t.Fatal(err)
	}
	if full != "Patient is John Smith. 45 year old male." {
		t.Errorf("unexpected transcript %q", full)
	}

	rec := record.New()
	rec.Patient.NameFirst = record.String("John")
	rec.Patient.NameLast = record.String("Smith")
	if err := store.UpdateRecord(ctx, id, rec, 8); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.LastExtractedWords != 8 {
		t.Errorf("expected 8 words, got %d", loaded.LastExtractedWords)
	}
	if loaded.PatientName != "John Smith" {
		t.Errorf("expected patient name, got %q", loaded.PatientName)
	}
	decoded, err := record.Decode(loaded.Record)
	if err != nil {
		t.Fatal(err)
	}
	if !record.Equal(decoded, rec) {
		t.Errorf("record mismatch: %s", loaded.Record)
	}
}

func TestCaseStoreNotFound(t *testing.T) {
	store := NewCaseStore(t.TempDir())
	ctx := context.Background()

	if _, err := store.Load(ctx, "missing"); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("expected ErrCaseNotFound, got %v", err)
	}
	if _, err := store.SetFlag(ctx, "missing", types.FlagCoreInfoComplete); !errors.Is(err, ErrCaseNotFound) {
		t.Errorf("expected ErrCaseNotFound, got %v", err)
	}
}

func TestCaseStoreRejectsPathIDs(t *testing.T) {
	store := NewCaseStore(t.TempDir())
	for _, id := range []types.CaseID{"", "..", "a/b", `a\b`} {
		if _, err := store.Create(context.Background(), id); err == nil {
			t.Errorf("expected error for id %q", id)
		}
	}
}

func TestCaseStoreFlagsAndResults(t *testing.T) {
	store := NewCaseStore(t.TempDir())
	ctx := context.Background()
	id := types.CaseID("case-flags")
	if _, err := store.Create(ctx, id); err != nil {
		t.Fatal(err)
	}

	if flipped, err := store.SetFlag(ctx, id, types.FlagMedicalDBTriggered); err != nil || !flipped {
		t.Fatalf("first SetFlag should flip: flipped=%v err=%v", flipped, err)
	}
	if flipped, err := store.SetFlag(ctx, id, types.FlagMedicalDBTriggered); err != nil || flipped {
		t.Fatalf("second SetFlag should not flip: flipped=%v err=%v", flipped, err)
	}
	result := types.ActionResult{Outcome: types.OutcomeInitiated, CorrelationID: "conv-1"}
	if err := store.SetActionResult(ctx, id, types.ActionProviderCall, result); err != nil {
		t.Fatal(err)
	}

	c, err := store.Load(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !c.MedicalDBTriggered || c.ProviderCallTriggered {
		t.Errorf("unexpected flags %+v", c)
	}
	got := c.Actions[types.ActionProviderCall]
	if got == nil || got.Outcome != types.OutcomeInitiated || got.UpdatedAt.IsZero() {
		t.Errorf("unexpected action result %+v", got)
	}
}

func TestSetActionResultKeepsCallbackAgainstLateInitiated(t *testing.T) {
	store := NewCaseStore(t.TempDir())
	ctx := context.Background()
	id := types.CaseID("case-merge")
	if _, err := store.Create(ctx, id); err != nil {
		t.Fatal(err)
	}

	// The completion callback lands before the dispatcher records the
	// initiated call.
	callback := types.ActionResult{Outcome: types.OutcomeAnswered, Transcript: "agent: hello\nuser: records sent", CorrelationID: "conv-1"}
	if err := store.SetActionResult(ctx, id, types.ActionProviderCall, callback); err != nil {
		t.Fatal(err)
	}
	initiated := types.ActionResult{Outcome: types.OutcomeInitiated, Text: "Provider call initiated.", CorrelationID: "conv-1"}
	if err := store.SetActionResult(ctx, id, types.ActionProviderCall, initiated); err != nil {
		t.Fatal(err)
	}

	c, err := store.Load(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	got := c.Actions[types.ActionProviderCall]
	if got.Outcome != types.OutcomeAnswered {
		t.Errorf("expected answered to survive, got %s", got.Outcome)
	}
	if got.Transcript != callback.Transcript {
		t.Errorf("expected transcript kept, got %q", got.Transcript)
	}
	if got.Text != initiated.Text {
		t.Errorf("expected dispatch text merged in, got %q", got.Text)
	}

	// A later terminal outcome still replaces an earlier one.
	if err := store.SetActionResult(ctx, id, types.ActionProviderCall, types.ActionResult{Outcome: types.OutcomeFailed}); err != nil {
		t.Fatal(err)
	}
	c, _ = store.Load(ctx, id)
	if got := c.Actions[types.ActionProviderCall]; got.Outcome != types.OutcomeFailed || got.Transcript == "" || got.CorrelationID != "conv-1" {
		t.Errorf("unexpected merged result %+v", got)
	}
}

func TestMarkCompletedIfActive(t *testing.T) {
	store := NewCaseStore(t.TempDir())
	ctx := context.Background()
	id := types.CaseID("case-done")
	if _, err := store.Create(ctx, id); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	transitions := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done, err := store.MarkCompletedIfActive(ctx, id)
			if err != nil {
				t.Error(err)
				return
			}
			if done {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if transitions != 1 {
		t.Errorf("expected exactly one transition, got %d", transitions)
	}
	c, err := store.Load(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != types.CaseCompleted {
		t.Errorf("expected completed, got %s", c.Status)
	}
}

func TestCaseStoreList(t *testing.T) {
	dir := t.TempDir()
	store := NewCaseStore(dir)
	ctx := context.Background()

	cases, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cases) != 0 {
		t.Fatalf("expected empty list, got %d", len(cases))
	}

	for _, id := range []types.CaseID{"a", "b"} {
		if _, err := store.Create(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	// A directory without a readable case file is skipped.
	if err := os.MkdirAll(filepath.Join(dir, "cases", "broken"), 0o755); err != nil {
		t.Fatal(err)
	}

	cases, err = store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cases) != 2 {
		t.Errorf("expected 2 cases, got %d", len(cases))
	}
}
