// internal/state/case.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/user/relay/internal/record"
	"github.com/user/relay/internal/types"
)

var (
	ErrCaseNotFound = errors.New("case not found")
	ErrCaseExists   = errors.New("case already exists")
)

// CaseStore is a JSON-file-backed case store. Each case lives in
// cases/<caseID>/case.json and is rewritten atomically on every change.
// Writes are last-write-wins per case; there is no cross-process lock.
type CaseStore struct {
	root  string
	locks keyedLocks
}

// NewCaseStore creates a new file-backed CaseStore rooted at the given directory.
func NewCaseStore(root string) *CaseStore {
	return &CaseStore{root: root}
}

func (s *CaseStore) casesDir() string {
	return filepath.Join(s.root, "cases")
}

func (s *CaseStore) casePath(id types.CaseID) string {
	return filepath.Join(s.root, "cases", string(id), "case.json")
}

// load reads a case document. Caller must hold the case lock when it intends
// to write the result back.
func (s *CaseStore) load(id types.CaseID) (*types.Case, error) {
	data, err := os.ReadFile(s.casePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrCaseNotFound, id)
		}
		return nil, fmt.Errorf("read case: %w", err)
	}

	var c types.Case
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal case %s: %w", id, err)
	}
	return &c, nil
}

// mutate loads the case under its lock, applies fn and writes it back.
// When fn returns changed=false nothing is written.
func (s *CaseStore) mutate(id types.CaseID, fn func(c *types.Case) (changed bool, err error)) error {
	if err := checkCaseID(id); err != nil {
		return err
	}
	lock := s.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.load(id)
	if err != nil {
		return err
	}
	changed, err := fn(c)
	if err != nil || !changed {
		return err
	}
	c.UpdatedAt = time.Now()
	return writeJSONAtomic(s.casePath(id), c)
}

// Create writes a new active case. It fails with ErrCaseExists when the id is taken.
func (s *CaseStore) Create(_ context.Context, id types.CaseID) (*types.Case, error) {
	if err := checkCaseID(id); err != nil {
		return nil, err
	}
	lock := s.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(s.casePath(id)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrCaseExists, id)
	}

	now := time.Now()
	c := &types.Case{
		ID:        id,
		Status:    types.CaseActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := writeJSONAtomic(s.casePath(id), c); err != nil {
		return nil, err
	}
	return c, nil
}

// Load returns the case with the given ID.
func (s *CaseStore) Load(_ context.Context, id types.CaseID) (*types.Case, error) {
	if err := checkCaseID(id); err != nil {
		return nil, err
	}
	lock := s.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	return s.load(id)
}

// List returns all cases, newest first. Unreadable case files are skipped.
func (s *CaseStore) List(_ context.Context) ([]*types.Case, error) {
	entries, err := os.ReadDir(s.casesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*types.Case{}, nil
		}
		return nil, fmt.Errorf("read cases dir: %w", err)
	}

	cases := make([]*types.Case, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := types.CaseID(entry.Name())
		lock := s.locks.get(id)
		lock.Lock()
		c, err := s.load(id)
		lock.Unlock()
		if err != nil {
			continue
		}
		cases = append(cases, c)
	}

	sort.Slice(cases, func(i, j int) bool {
		return cases[i].CreatedAt.After(cases[j].CreatedAt)
	})
	return cases, nil
}

// AppendCommitted appends committed text to the case's full transcript and
// returns the new transcript.
func (s *CaseStore) AppendCommitted(_ context.Context, id types.CaseID, text string) (string, error) {
	text = strings.TrimSpace(text)
	var full string
	err := s.mutate(id, func(c *types.Case) (bool, error) {
		full = c.FullTranscript
		if text == "" {
			return false, nil
		}
		if full != "" {
			full += " "
		}
		full += text
		c.FullTranscript = full
		return true, nil
	})
	if err != nil {
		return "", fmt.Errorf("append transcript: %w", err)
	}
	return full, nil
}

// UpdateRecord stores the merged record and the word count it was extracted from.
func (s *CaseStore) UpdateRecord(_ context.Context, id types.CaseID, rec *record.Record, words int) error {
	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return s.mutate(id, func(c *types.Case) (bool, error) {
		c.Record = data
		c.LastExtractedWords = words
		if name := rec.Patient.FullName(); name != "" {
			c.PatientName = name
		}
		return true, nil
	})
}

// SetFlag sets a monotonic flag under the case lock. It reports whether
// this call flipped it; false means some other writer got there first.
func (s *CaseStore) SetFlag(_ context.Context, id types.CaseID, flag types.Flag) (bool, error) {
	var flipped bool
	err := s.mutate(id, func(c *types.Case) (bool, error) {
		if c.Flag(flag) {
			return false, nil
		}
		c.SetFlag(flag)
		flipped = true
		return true, nil
	})
	return flipped, err
}

// SetActionResult merges result into the stored result of a downstream
// action. Empty fields keep their stored value, and a terminal outcome is
// never replaced by a non-terminal one.
func (s *CaseStore) SetActionResult(_ context.Context, id types.CaseID, action types.Action, result types.ActionResult) error {
	if result.UpdatedAt.IsZero() {
		result.UpdatedAt = time.Now()
	}
	return s.mutate(id, func(c *types.Case) (bool, error) {
		if c.Actions == nil {
			c.Actions = make(map[types.Action]*types.ActionResult)
		}
		c.Actions[action] = mergeResult(c.Actions[action], result)
		return true, nil
	})
}

func mergeResult(prev *types.ActionResult, next types.ActionResult) *types.ActionResult {
	if prev == nil {
		return &next
	}
	merged := *prev
	if next.Outcome != "" && !(prev.Outcome.Terminal() && !next.Outcome.Terminal()) {
		merged.Outcome = next.Outcome
	}
	if next.Text != "" {
		merged.Text = next.Text
	}
	if next.Transcript != "" {
		merged.Transcript = next.Transcript
	}
	if next.CorrelationID != "" {
		merged.CorrelationID = next.CorrelationID
	}
	merged.UpdatedAt = next.UpdatedAt
	return &merged
}

// MarkCompletedIfActive moves an active case to completed. It reports
// whether this call performed the transition.
func (s *CaseStore) MarkCompletedIfActive(_ context.Context, id types.CaseID) (bool, error) {
	var done bool
	err := s.mutate(id, func(c *types.Case) (bool, error) {
		if c.Status != types.CaseActive {
			return false, nil
		}
		c.Status = types.CaseCompleted
		done = true
		return true, nil
	})
	return done, err
}
