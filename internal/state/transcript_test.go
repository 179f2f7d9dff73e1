// internal/state/transcript_test.go
package state

import (
	"context"
	"testing"
	"time"

	"github.com/user/relay/internal/types"
)

func TestTranscriptStore(t *testing.T) {
	store := NewTranscriptStore(t.TempDir())
	ctx := context.Background()
	caseID := types.CaseID("case-1")

	for _, text := range []string{"Patient is John Smith.", "45 year old male."} {
		seg := &types.TranscriptSegment{CaseID: caseID, Kind: types.SegmentCommitted, Text: text, At: time.Now()}
		if err := store.Append(ctx, seg); err != nil {
			t.Fatal(err)
		}
	}

	segments, err := store.List(ctx, caseID)
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}
	if segments[0].Seq != 1 || segments[1].Seq != 2 {
		t.Errorf("unexpected sequence numbers %d, %d", segments[0].Seq, segments[1].Seq)
	}
	if segments[1].Text != "45 year old male." {
		t.Errorf("unexpected text %q", segments[1].Text)
	}
}

func TestTranscriptStoreRejectsPartial(t *testing.T) {
	store := NewTranscriptStore(t.TempDir())
	seg := &types.TranscriptSegment{CaseID: "case-1", Kind: types.SegmentPartial, Text: "Patient is"}
	if err := store.Append(context.Background(), seg); err == nil {
		t.Fatal("expected partial segment to be rejected")
	}
}

func TestTranscriptStoreEmpty(t *testing.T) {
	store := NewTranscriptStore(t.TempDir())
	segments, err := store.List(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 0 {
		t.Errorf("expected no segments, got %d", len(segments))
	}
}
