package callout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/user/relay/internal/types"
)

var (
	testIdentity = types.Identity{Name: "John Smith", Age: "45", Gender: "Male", ChiefComplaint: "Chest pain"}
	testContact  = types.Contact{Name: "Dr. Sarah Jones", Phone: "+15550123456", Practice: "Riverside Practice"}
)

func enabledConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		APIKey:         "xi-test",
		AgentID:        "agent-1",
		PhoneNumberID:  "phone-1",
		CallsEnabled:   true,
		CallbackNumber: "+15559990000",
		RecordsEmail:   "records@hospital.test",
	}
}

func TestCallProviderInitiated(t *testing.T) {
	var got outboundRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/convai/twilio/outbound-call" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("xi-api-key") != "xi-test" {
			t.Errorf("expected api key header, got %q", r.Header.Get("xi-api-key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"conversation_id":"conv_123","callSid":"CA1"}`))
	}))
	defer server.Close()

	res, err := New(enabledConfig(server.URL)).CallProvider(context.Background(), testIdentity, testContact)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != types.OutcomeInitiated {
		t.Errorf("expected initiated, got %s", res.Status)
	}
	if res.CorrelationID != "conv_123" {
		t.Errorf("expected conversation id as correlation id, got %s", res.CorrelationID)
	}
	if res.Target != testContact.Phone {
		t.Errorf("expected target %s, got %s", testContact.Phone, res.Target)
	}

	if got.ToNumber != testContact.Phone || got.AgentID != "agent-1" || got.AgentPhoneNumberID != "phone-1" {
		t.Errorf("unexpected request: %+v", got)
	}
	vars := got.ClientData.DynamicVariables
	if vars["patient_name"] != "John Smith" || vars["chief_complaint"] != "Chest pain" || vars["patient_address"] != "unknown" {
		t.Errorf("unexpected dynamic variables: %v", vars)
	}
	if !strings.Contains(got.ClientData.ConfigOverride.Agent.FirstMessage, "John Smith, age 45") {
		t.Errorf("unexpected first message: %q", got.ClientData.ConfigOverride.Agent.FirstMessage)
	}
}

func TestCallProviderGeneratesCorrelationID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	res, err := New(enabledConfig(server.URL)).CallProvider(context.Background(), testIdentity, testContact)
	if err != nil {
		t.Fatal(err)
	}
	if res.CorrelationID == "" {
		t.Error("expected generated correlation id")
	}
}

func TestCallProviderSkipped(t *testing.T) {
	cfg := enabledConfig("http://unused.invalid")
	cfg.CallsEnabled = false
	res, err := New(cfg).CallProvider(context.Background(), testIdentity, testContact)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != types.OutcomeSkipped {
		t.Errorf("expected skipped when disabled, got %s", res.Status)
	}

	cfg = enabledConfig("http://unused.invalid")
	cfg.APIKey = ""
	res, err = New(cfg).CallProvider(context.Background(), testIdentity, testContact)
	if err != nil || res.Status != types.OutcomeSkipped {
		t.Errorf("expected skipped without api key, got %s (%v)", res.Status, err)
	}
}

func TestCallProviderErrors(t *testing.T) {
	cfg := enabledConfig("http://unused.invalid")
	cfg.AgentID = ""
	if res, err := New(cfg).CallProvider(context.Background(), testIdentity, testContact); err == nil || res.Status != types.OutcomeError {
		t.Errorf("expected error without agent id, got %s (%v)", res.Status, err)
	}

	noPhone := types.Contact{Name: "Dr. Jones"}
	res, err := New(enabledConfig("http://unused.invalid")).CallProvider(context.Background(), testIdentity, noPhone)
	if err != nil || res.Status != types.OutcomeLookupFailed {
		t.Errorf("expected lookup_failed without a phone number or resolver, got %s (%v)", res.Status, err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"bad number"}`))
	}))
	defer server.Close()

	res, err := New(enabledConfig(server.URL)).CallProvider(context.Background(), testIdentity, testContact)
	if err == nil || !strings.Contains(err.Error(), "422") {
		t.Errorf("expected HTTP 422 error, got %v", err)
	}
	if res.Status != types.OutcomeError {
		t.Errorf("expected error status, got %s", res.Status)
	}
}

func TestDummyCaller(t *testing.T) {
	res, err := DummyCaller{}.CallProvider(context.Background(), testIdentity, testContact)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != types.OutcomeDummy || res.CorrelationID == "" {
		t.Errorf("unexpected dummy result: %+v", res)
	}
	if !strings.HasPrefix(res.ResultText, "[DUMMY]") {
		t.Errorf("unexpected text %q", res.ResultText)
	}
}
