package extract

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/user/relay/internal/record"
	"github.com/user/relay/pkg/llm"
)

type fakeProvider struct {
	content string
	err     error
	got     llm.Request
}

func (f *fakeProvider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.content}, nil
}

func TestRecordSchemaStrict(t *testing.T) {
	var schema map[string]any
	if err := json.Unmarshal(RecordSchema(), &schema); err != nil {
		t.Fatal(err)
	}
	if schema["additionalProperties"] != false {
		t.Error("expected additionalProperties false at root")
	}

	props := schema["properties"].(map[string]any)
	for _, section := range []string{"patient", "vitals", "situation", "procedures", "medications", "times", "disposition", "history"} {
		if _, ok := props[section]; !ok {
			t.Errorf("missing section %s", section)
		}
	}

	patient := props["patient"].(map[string]any)
	required := patient["required"].([]any)
	fields := patient["properties"].(map[string]any)
	if len(required) != len(fields) {
		t.Errorf("strict schema must require every field: %d required, %d fields", len(required), len(fields))
	}
	phone := fields["provider_phone"].(map[string]any)
	if types, ok := phone["type"].([]any); !ok || len(types) != 2 || types[1] != "null" {
		t.Errorf("expected nullable string, got %v", phone["type"])
	}

	vitals := props["vitals"].(map[string]any)["properties"].(map[string]any)
	if hr := vitals["heart_rate"].(map[string]any)["type"].([]any); hr[0] != "integer" {
		t.Errorf("expected integer heart rate, got %v", hr)
	}
	procs := props["procedures"].(map[string]any)["properties"].(map[string]any)["procedures"].(map[string]any)
	if procs["type"] != "array" {
		t.Errorf("expected array procedures, got %v", procs["type"])
	}
}

func TestLLMExtractor(t *testing.T) {
	provider := &fakeProvider{content: "```json\n{\"patient\":{\"patient_name_first\":\"John\",\"patient_age\":\"45\"}}\n```"}
	x := NewLLMExtractor(provider, nil)

	existing := record.New()
	existing.Patient.NameLast = record.String("Smith")

	res := x.Extract(context.Background(), "Patient is John, 45 years old.", existing)
	if !res.Ok() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	if record.Value(res.Record.Patient.NameFirst) != "John" || record.Value(res.Record.Patient.Age) != "45" {
		t.Errorf("unexpected record %+v", res.Record.Patient)
	}

	if provider.got.ResponseFormat == nil || provider.got.ResponseFormat.JSONSchema.Name != "nemsis_record" {
		t.Errorf("expected structured output request, got %+v", provider.got.ResponseFormat)
	}
	user := provider.got.Messages[1].Content
	if !strings.Contains(user, "Patient is John") || !strings.Contains(user, `"patient_name_last":"Smith"`) {
		t.Errorf("prompt missing transcript or prior record: %s", user)
	}
}

func TestLLMExtractorFailures(t *testing.T) {
	ctx := context.Background()

	res := NewLLMExtractor(&fakeProvider{err: errors.New("boom")}, nil).Extract(ctx, "text", nil)
	if res.Ok() || res.Err == nil {
		t.Error("expected provider error to fail the pass")
	}

	res = NewLLMExtractor(&fakeProvider{content: `{"patient": "nope"}`}, nil).Extract(ctx, "text", nil)
	if res.Ok() {
		t.Error("expected malformed output to fail the pass")
	}

	res = NewLLMExtractor(&fakeProvider{}, nil).Extract(ctx, "   ", nil)
	if !errors.Is(res.Err, ErrEmptyTranscript) {
		t.Errorf("expected ErrEmptyTranscript, got %v", res.Err)
	}
}

func TestStripJSON(t *testing.T) {
	tests := map[string]string{
		`{"a":1}`:                   `{"a":1}`,
		"```json\n{\"a\":1}\n```":   `{"a":1}`,
		"Here you go: {\"a\":1} ok": `{"a":1}`,
		"no json":                   "no json",
	}
	for in, want := range tests {
		if got := stripJSON(in); got != want {
			t.Errorf("stripJSON(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPromptEngineTrimsOldestWords(t *testing.T) {
	e, err := NewPromptEngine("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}

	text := strings.Repeat("early words ", 50) + "latest sentence"
	got := e.fitTail(text, 10)
	if !strings.HasSuffix(got, "latest sentence") {
		t.Errorf("expected tail kept, got %q", got)
	}
	if e.countTokens(got) > 10 {
		t.Errorf("trimmed text exceeds budget: %d tokens", e.countTokens(got))
	}
	if e.fitTail("short", 10) != "short" {
		t.Error("text within budget should be unchanged")
	}
}

func TestKeywordExtractorScenario(t *testing.T) {
	var x KeywordExtractor
	text := "Patient is John Smith. 45 year old male. Address is 123 Main St."

	res := x.Extract(context.Background(), text, nil)
	if !res.Ok() {
		t.Fatal(res.Err)
	}
	p := res.Record.Patient
	if record.Value(p.NameFirst) != "John" || record.Value(p.NameLast) != "Smith" {
		t.Errorf("unexpected name %q %q", record.Value(p.NameFirst), record.Value(p.NameLast))
	}
	if record.Value(p.Age) != "45" || record.Value(p.Gender) != "Male" {
		t.Errorf("unexpected age/gender %q %q", record.Value(p.Age), record.Value(p.Gender))
	}
	if record.Value(p.Address) != "123 Main St" {
		t.Errorf("unexpected address %q", record.Value(p.Address))
	}
	if !record.CoreInfoComplete(res.Record) {
		t.Error("expected core info complete")
	}
}

func TestKeywordExtractorVitalsAndLists(t *testing.T) {
	var x KeywordExtractor
	text := "She is a 70 year old female. BP 160 over 95, heart rate 110, SpO2 94. Gave aspirin, started IV access and a 12 lead. GP phone number is 555 012 3456."

	res := x.Extract(context.Background(), text, nil)
	r := res.Record
	if record.Value(r.Patient.Gender) != "Female" {
		t.Errorf("expected Female, got %q", record.Value(r.Patient.Gender))
	}
	if r.Vitals.SystolicBP == nil || *r.Vitals.SystolicBP != 160 || *r.Vitals.DiastolicBP != 95 {
		t.Errorf("unexpected BP %v/%v", r.Vitals.SystolicBP, r.Vitals.DiastolicBP)
	}
	if r.Vitals.HeartRate == nil || *r.Vitals.HeartRate != 110 {
		t.Errorf("unexpected heart rate %v", r.Vitals.HeartRate)
	}
	if len(r.Medications.Medications) != 1 || len(r.Procedures.Procedures) != 2 {
		t.Errorf("unexpected lists %v %v", r.Medications.Medications, r.Procedures.Procedures)
	}
	if record.Value(r.Patient.ProviderPhone) != "555 012 3456" {
		t.Errorf("unexpected provider phone %q", record.Value(r.Patient.ProviderPhone))
	}
}
