// internal/state/audit.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/relay/internal/types"
)

var (
	ErrAuditNotFound  = errors.New("audit record not found")
	ErrAuditCompleted = errors.New("audit record already completed")
)

// AuditStore is an append-only JSONL audit log at audit.jsonl. Completing a
// record rewrites the file under the store lock.
type AuditStore struct {
	root string
	mu   sync.Mutex
}

// NewAuditStore creates a new file-backed AuditStore rooted at the given directory.
func NewAuditStore(root string) *AuditStore {
	return &AuditStore{root: root}
}

func (s *AuditStore) auditPath() string {
	return filepath.Join(s.root, "audit.jsonl")
}

// readAll returns every record in file order. Caller must hold s.mu.
func (s *AuditStore) readAll() ([]*types.AuditRecord, error) {
	f, err := os.Open(s.auditPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var records []*types.AuditRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec types.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal audit record: %w", err)
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return records, nil
}

// rewrite replaces the log with records. Caller must hold s.mu.
func (s *AuditStore) rewrite(records []*types.AuditRecord) error {
	path := s.auditPath()
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp audit log: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("encode audit record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush audit log: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close audit log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp audit log: %w", err)
	}
	return nil
}

// Append adds a record, assigning an ID and timestamp when missing.
func (s *AuditStore) Append(_ context.Context, rec *types.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = types.NewAuditID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return appendLine(s.auditPath(), rec)
}

// Complete sets the outcome and transcript of the newest open record with the
// given correlation id. Each record can be completed once.
func (s *AuditStore) Complete(_ context.Context, cid types.CorrelationID, outcome types.Outcome, transcript string) (*types.AuditRecord, error) {
	if cid == "" {
		return nil, fmt.Errorf("%w: empty correlation id", ErrAuditNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return nil, err
	}

	seen := false
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.CorrelationID != cid {
			continue
		}
		seen = true
		if rec.CompletedAt != nil {
			continue
		}
		now := time.Now()
		rec.Outcome = outcome
		rec.Transcript = transcript
		rec.CompletedAt = &now
		if err := s.rewrite(records); err != nil {
			return nil, err
		}
		out := *rec
		return &out, nil
	}
	if seen {
		return nil, fmt.Errorf("%w: %s", ErrAuditCompleted, cid)
	}
	return nil, fmt.Errorf("%w: %s", ErrAuditNotFound, cid)
}

// FindByCorrelation returns the newest record with the given correlation id.
func (s *AuditStore) FindByCorrelation(_ context.Context, cid types.CorrelationID) (*types.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return nil, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].CorrelationID == cid {
			return records[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrAuditNotFound, cid)
}

// ListByCase returns the case's records in append order.
func (s *AuditStore) ListByCase(_ context.Context, caseID types.CaseID) ([]*types.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]*types.AuditRecord, 0)
	for _, rec := range records {
		if rec.CaseID == caseID {
			out = append(out, rec)
		}
	}
	return out, nil
}
