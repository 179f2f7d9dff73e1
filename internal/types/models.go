// internal/types/models.go
package types

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/user/relay/internal/record"
)

type CaseStatus string

const (
	CaseActive    CaseStatus = "active"
	CaseCompleted CaseStatus = "completed"
)

// Flag names a monotonic case flag. Flags move from false to true once and
// are never reset.
type Flag string

const (
	FlagCoreInfoComplete      Flag = "core_info_complete"
	FlagMedicalDBTriggered    Flag = "medical_db_triggered"
	FlagProviderCallTriggered Flag = "gp_call_triggered"
)

// Action names a downstream action fired at most once per case.
type Action string

const (
	ActionHistoryLookup Action = "history_lookup"
	ActionProviderCall  Action = "provider_call"
)

// Flag returns the idempotency flag guarding the action.
func (a Action) Flag() Flag {
	switch a {
	case ActionHistoryLookup:
		return FlagMedicalDBTriggered
	case ActionProviderCall:
		return FlagProviderCallTriggered
	}
	return ""
}

// Outcome is the status of a downstream action attempt. A provider call
// starts as initiated and later moves to one of the call outcomes when the
// telephony callback arrives; every other outcome is terminal on write.
type Outcome string

const (
	OutcomeInitiated Outcome = "initiated"
	OutcomeAnswered  Outcome = "answered"
	OutcomeNoAnswer  Outcome = "no_answer"
	OutcomeBusy      Outcome = "busy"
	OutcomeFailed    Outcome = "failed"
	OutcomeCompleted Outcome = "completed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDummy     Outcome = "dummy"
	OutcomeError     Outcome = "error"

	OutcomeLookupFailed Outcome = "lookup_failed"
)

// Terminal reports whether no further transition is expected.
func (o Outcome) Terminal() bool {
	return o != OutcomeInitiated && o != ""
}

// OutcomeFromCallStatus maps a telephony callback status to an Outcome.
// An empty status means the callback only carried a transcript, which the
// provider sends after a completed conversation.
func OutcomeFromCallStatus(status string) Outcome {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "completed", "done", "answered", "success":
		return OutcomeAnswered
	case "no-answer", "no_answer", "noanswer", "unanswered":
		return OutcomeNoAnswer
	case "busy":
		return OutcomeBusy
	default:
		return OutcomeFailed
	}
}

// ActionResult is the latest result of a downstream action, stored on the case.
type ActionResult struct {
	Outcome       Outcome       `json:"outcome"`
	Text          string        `json:"text,omitempty"`
	Transcript    string        `json:"transcript,omitempty"`
	CorrelationID CorrelationID `json:"correlation_id,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Case is the persisted state of one emergency case.
type Case struct {
	ID                    CaseID                   `json:"id"`
	Status                CaseStatus               `json:"status"`
	FullTranscript        string                   `json:"full_transcript"`
	Record                json.RawMessage          `json:"record,omitempty"`
	CoreInfoComplete      bool                     `json:"core_info_complete"`
	MedicalDBTriggered    bool                     `json:"medical_db_triggered"`
	ProviderCallTriggered bool                     `json:"gp_call_triggered"`
	LastExtractedWords    int                      `json:"last_extracted_words"`
	PatientName           string                   `json:"patient_name,omitempty"`
	Actions               map[Action]*ActionResult `json:"actions,omitempty"`
	CreatedAt             time.Time                `json:"created_at"`
	UpdatedAt             time.Time                `json:"updated_at"`
}

// Flag returns the current value of f.
func (c *Case) Flag(f Flag) bool {
	switch f {
	case FlagCoreInfoComplete:
		return c.CoreInfoComplete
	case FlagMedicalDBTriggered:
		return c.MedicalDBTriggered
	case FlagProviderCallTriggered:
		return c.ProviderCallTriggered
	}
	return false
}

// SetFlag sets f to true. Unknown flags are ignored.
func (c *Case) SetFlag(f Flag) {
	switch f {
	case FlagCoreInfoComplete:
		c.CoreInfoComplete = true
	case FlagMedicalDBTriggered:
		c.MedicalDBTriggered = true
	case FlagProviderCallTriggered:
		c.ProviderCallTriggered = true
	}
}

type SegmentKind string

const (
	SegmentPartial   SegmentKind = "partial"
	SegmentCommitted SegmentKind = "committed"
)

type TranscriptSegment struct {
	CaseID CaseID      `json:"case_id"`
	Seq    int64       `json:"seq"`
	Kind   SegmentKind `json:"kind"`
	Text   string      `json:"text"`
	At     time.Time   `json:"at"`
}

// AuditRecord is one downstream action attempt. It is appended once and
// completed at most once by a callback carrying the same correlation id.
type AuditRecord struct {
	ID            AuditID       `json:"id"`
	CaseID        CaseID        `json:"case_id"`
	Action        Action        `json:"action"`
	Target        string        `json:"target,omitempty"`
	Outcome       Outcome       `json:"outcome"`
	CorrelationID CorrelationID `json:"correlation_id,omitempty"`
	Transcript    string        `json:"transcript,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

type EventType string

const (
	EventTranscriptPartial   EventType = "transcript_partial"
	EventTranscriptCommitted EventType = "transcript_committed"
	EventRecordUpdated       EventType = "record_updated"
	EventCoreInfoComplete    EventType = "core_info_complete"
	EventDownstreamStarted   EventType = "downstream_started"
	EventDownstreamComplete  EventType = "downstream_complete"
)

// Event describes one case state transition. Publishers treat events as
// immutable; the record pointer is always a snapshot nobody mutates.
type Event struct {
	ID             EventID        `json:"id"`
	Type           EventType      `json:"type"`
	CaseID         CaseID         `json:"case_id"`
	At             time.Time      `json:"at"`
	Text           string         `json:"text,omitempty"`
	FullTranscript string         `json:"full_transcript,omitempty"`
	Record         *record.Record `json:"record,omitempty"`
	Action         Action         `json:"action,omitempty"`
	Outcome        Outcome        `json:"outcome,omitempty"`
	Result         string         `json:"result,omitempty"`
	Transcript     string         `json:"transcript,omitempty"`
	CorrelationID  CorrelationID  `json:"correlation_id,omitempty"`
}

// NewEvent returns an event of the given type with id and timestamp set.
func NewEvent(typ EventType) Event {
	return Event{ID: NewEventID(), Type: typ, At: time.Now()}
}

// Identity is the patient identity handed to downstream actions.
type Identity struct {
	Name           string `json:"name"`
	Age            string `json:"age,omitempty"`
	Gender         string `json:"gender,omitempty"`
	Address        string `json:"address,omitempty"`
	DateOfBirth    string `json:"date_of_birth,omitempty"`
	ChiefComplaint string `json:"chief_complaint,omitempty"`
}

// Contact identifies the patient's provider.
type Contact struct {
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Practice string `json:"practice,omitempty"`
}

// NewIdentity extracts the identity fields from a record snapshot.
func NewIdentity(r *record.Record) Identity {
	if r == nil {
		return Identity{}
	}
	p := r.Patient
	return Identity{
		Name:           r.Patient.FullName(),
		Age:            record.Value(p.Age),
		Gender:         record.Value(p.Gender),
		Address:        record.Value(p.Address),
		DateOfBirth:    record.Value(p.DateOfBirth),
		ChiefComplaint: record.Value(r.Situation.ChiefComplaint),
	}
}

// NewContact extracts the provider contact from a record snapshot.
func NewContact(r *record.Record) Contact {
	if r == nil {
		return Contact{}
	}
	return Contact{
		Name:     record.Value(r.Patient.ProviderName),
		Phone:    record.Value(r.Patient.ProviderPhone),
		Practice: record.Value(r.Patient.ProviderPractice),
	}
}

// CallResult is what a provider call reports at dispatch time.
type CallResult struct {
	Status        Outcome       `json:"status"`
	CorrelationID CorrelationID `json:"correlation_id,omitempty"`
	ResultText    string        `json:"result_text,omitempty"`
	Target        string        `json:"target,omitempty"`
}
