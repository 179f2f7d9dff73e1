// internal/types/interfaces.go
package types

import (
	"context"

	"github.com/user/relay/internal/record"
)

type CaseStore interface {
	Create(ctx context.Context, id CaseID) (*Case, error)
	Load(ctx context.Context, id CaseID) (*Case, error)
	List(ctx context.Context) ([]*Case, error)
	AppendCommitted(ctx context.Context, id CaseID, text string) (string, error)
	UpdateRecord(ctx context.Context, id CaseID, rec *record.Record, words int) error
	// SetFlag sets a monotonic flag and reports whether this call flipped it.
	SetFlag(ctx context.Context, id CaseID, flag Flag) (bool, error)
	SetActionResult(ctx context.Context, id CaseID, action Action, result ActionResult) error
	MarkCompletedIfActive(ctx context.Context, id CaseID) (bool, error)
}

type TranscriptStore interface {
	Append(ctx context.Context, seg *TranscriptSegment) error
	List(ctx context.Context, caseID CaseID) ([]*TranscriptSegment, error)
}

type AuditStore interface {
	Append(ctx context.Context, rec *AuditRecord) error
	Complete(ctx context.Context, cid CorrelationID, outcome Outcome, transcript string) (*AuditRecord, error)
	FindByCorrelation(ctx context.Context, cid CorrelationID) (*AuditRecord, error)
	ListByCase(ctx context.Context, caseID CaseID) ([]*AuditRecord, error)
}

// Publisher delivers an event to the subscribers of caseID and to every
// global subscriber.
type Publisher interface {
	Publish(ctx context.Context, caseID CaseID, ev Event) error
}

type HistoryLookup interface {
	LookupHistory(ctx context.Context, id Identity) (string, error)
}

type ProviderCaller interface {
	CallProvider(ctx context.Context, id Identity, contact Contact) (CallResult, error)
}
