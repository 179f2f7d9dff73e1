// internal/types/models_test.go
package types

import (
	"encoding/json"
	"testing"

	"github.com/user/relay/internal/record"
)

func TestEventSerialization(t *testing.T) {
	rec := record.New()
	rec.Patient.NameFirst = record.String("John")

	event := NewEvent(EventRecordUpdated)
	event.CaseID = NewCaseID()
	event.Record = rec

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatal(err)
	}

	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	if decoded.Type != EventRecordUpdated {
		t.Errorf("expected type %s, got %s", EventRecordUpdated, decoded.Type)
	}
	if decoded.CaseID != event.CaseID {
		t.Errorf("expected case %s, got %s", event.CaseID, decoded.CaseID)
	}
	if decoded.Record == nil || record.Value(decoded.Record.Patient.NameFirst) != "John" {
		t.Errorf("record lost in round trip: %s", data)
	}
}

func TestCaseFlags(t *testing.T) {
	c := &Case{}
	for _, f := range []Flag{FlagCoreInfoComplete, FlagMedicalDBTriggered, FlagProviderCallTriggered} {
		if c.Flag(f) {
			t.Fatalf("flag %s set on new case", f)
		}
		c.SetFlag(f)
		if !c.Flag(f) {
			t.Fatalf("flag %s not set", f)
		}
	}

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["gp_call_triggered"] != true {
		t.Errorf("expected gp_call_triggered in JSON, got %s", data)
	}
}

func TestActionFlag(t *testing.T) {
	if ActionHistoryLookup.Flag() != FlagMedicalDBTriggered {
		t.Error("history lookup should be guarded by medical_db_triggered")
	}
	if ActionProviderCall.Flag() != FlagProviderCallTriggered {
		t.Error("provider call should be guarded by gp_call_triggered")
	}
}

func TestOutcomeFromCallStatus(t *testing.T) {
	tests := []struct {
		status string
		want   Outcome
	}{
		{"completed", OutcomeAnswered},
		{"", OutcomeAnswered},
		{"no-answer", OutcomeNoAnswer},
		{"BUSY", OutcomeBusy},
		{"failed", OutcomeFailed},
		{"something-new", OutcomeFailed},
	}
	for _, tt := range tests {
		if got := OutcomeFromCallStatus(tt.status); got != tt.want {
			t.Errorf("OutcomeFromCallStatus(%q) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestOutcomeTerminal(t *testing.T) {
	if OutcomeInitiated.Terminal() {
		t.Error("initiated should not be terminal")
	}
	for _, o := range []Outcome{OutcomeAnswered, OutcomeNoAnswer, OutcomeError, OutcomeSkipped, OutcomeCompleted} {
		if !o.Terminal() {
			t.Errorf("%s should be terminal", o)
		}
	}
}

func TestNewIdentity(t *testing.T) {
	rec := record.New()
	rec.Patient.NameFirst = record.String("John")
	rec.Patient.NameLast = record.String("Smith")
	rec.Patient.Age = record.String("45")
	rec.Patient.ProviderPhone = record.String("555-012-3456")

	id := NewIdentity(rec)
	if id.Name != "John Smith" || id.Age != "45" {
		t.Errorf("unexpected identity %+v", id)
	}
	if c := NewContact(rec); c.Phone != "555-012-3456" {
		t.Errorf("unexpected contact %+v", c)
	}
}
