// internal/state/transcript.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/user/relay/internal/types"
)

// TranscriptStore is a JSONL-backed append-only store of committed segments.
// Segments are stored per case in cases/<caseID>/transcript.jsonl.
type TranscriptStore struct {
	root  string
	locks keyedLocks
}

// NewTranscriptStore creates a new file-backed TranscriptStore rooted at the given directory.
func NewTranscriptStore(root string) *TranscriptStore {
	return &TranscriptStore{root: root}
}

func (s *TranscriptStore) transcriptPath(caseID types.CaseID) string {
	return filepath.Join(s.root, "cases", string(caseID), "transcript.jsonl")
}

// count reads the transcript file and counts lines. Caller must hold the case lock.
func (s *TranscriptStore) count(caseID types.CaseID) (int64, error) {
	f, err := os.Open(s.transcriptPath(caseID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open transcript file: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan transcript file: %w", err)
	}
	return count, nil
}

// Append persists a committed segment with an auto-incremented sequence number.
// Partial segments are never persisted.
func (s *TranscriptStore) Append(_ context.Context, seg *types.TranscriptSegment) error {
	if seg.Kind != types.SegmentCommitted {
		return fmt.Errorf("append transcript: refusing %q segment", seg.Kind)
	}
	if err := checkCaseID(seg.CaseID); err != nil {
		return err
	}
	lock := s.locks.get(seg.CaseID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.count(seg.CaseID)
	if err != nil {
		return err
	}
	seg.Seq = existing + 1

	return appendLine(s.transcriptPath(seg.CaseID), seg)
}

// List returns every committed segment of the case in order.
func (s *TranscriptStore) List(_ context.Context, caseID types.CaseID) ([]*types.TranscriptSegment, error) {
	if err := checkCaseID(caseID); err != nil {
		return nil, err
	}
	lock := s.locks.get(caseID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.transcriptPath(caseID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript file: %w", err)
	}
	defer f.Close()

	var segments []*types.TranscriptSegment
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var seg types.TranscriptSegment
		if err := json.Unmarshal(scanner.Bytes(), &seg); err != nil {
			return nil, fmt.Errorf("unmarshal segment: %w", err)
		}
		segments = append(segments, &seg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript file: %w", err)
	}
	return segments, nil
}
