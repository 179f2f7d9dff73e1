// Package audit records downstream action attempts and their callbacks.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/relay/internal/state"
	"github.com/user/relay/internal/types"
)

// Logger is the append-only audit trail for downstream actions.
type Logger struct {
	store types.AuditStore
}

func New(store types.AuditStore) *Logger {
	return &Logger{store: store}
}

// Entry describes one dispatch attempt.
type Entry struct {
	CaseID        types.CaseID
	Action        types.Action
	Target        string
	Outcome       types.Outcome
	CorrelationID types.CorrelationID
	Detail        string
}

// Record appends an attempt and returns its id.
func (l *Logger) Record(ctx context.Context, e Entry) (types.AuditID, error) {
	rec := &types.AuditRecord{
		ID:            types.NewAuditID(),
		CaseID:        e.CaseID,
		Action:        e.Action,
		Target:        e.Target,
		Outcome:       e.Outcome,
		CorrelationID: e.CorrelationID,
		Detail:        e.Detail,
		CreatedAt:     time.Now(),
	}
	if err := l.store.Append(ctx, rec); err != nil {
		return "", fmt.Errorf("append audit record: %w", err)
	}
	slog.Info("audit recorded", "case_id", e.CaseID, "action", e.Action,
		"outcome", e.Outcome, "correlation_id", e.CorrelationID)
	return rec.ID, nil
}

// Complete applies a callback result to the open record with the given
// correlation id. A missing or already completed record is logged and
// reported as (nil, nil): callbacks may race the dispatcher or repeat.
func (l *Logger) Complete(ctx context.Context, cid types.CorrelationID, outcome types.Outcome, transcript string) (*types.AuditRecord, error) {
	rec, err := l.store.Complete(ctx, cid, outcome, transcript)
	switch {
	case errors.Is(err, state.ErrAuditNotFound):
		slog.Warn("callback for unknown correlation id", "correlation_id", cid)
		return nil, nil
	case errors.Is(err, state.ErrAuditCompleted):
		slog.Warn("duplicate callback ignored", "correlation_id", cid)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("complete audit record: %w", err)
	}
	slog.Info("audit completed", "case_id", rec.CaseID, "action", rec.Action,
		"outcome", outcome, "correlation_id", cid)
	return rec, nil
}

// ListByCase returns every attempt for a case in order.
func (l *Logger) ListByCase(ctx context.Context, caseID types.CaseID) ([]*types.AuditRecord, error) {
	return l.store.ListByCase(ctx, caseID)
}
