package config

import (
	"testing"
)

func TestFlatten_Nested(t *testing.T) {
	m := map[string]any{
		"voice": map[string]any{
			"agent_id": "agent-1",
			"api_key":  "xi-test123",
		},
		"log_level": "info",
	}
	got := Flatten(m)
	if got["voice.agent_id"] != "agent-1" {
		t.Errorf("expected voice.agent_id=agent-1, got %v", got["voice.agent_id"])
	}
	if got["voice.api_key"] != "xi-test123" {
		t.Errorf("expected voice.api_key=xi-test123, got %v", got["voice.api_key"])
	}
	if got["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", got["log_level"])
	}
	if len(got) != 3 {
		t.Errorf("expected 3 keys, got %d", len(got))
	}
}

func TestFlatten_DeeplyNested(t *testing.T) {
	m := map[string]any{
		"fanout": map[string]any{
			"pubsub": map[string]any{
				"topic": "case-events",
			},
		},
	}
	got := Flatten(m)
	if got["fanout.pubsub.topic"] != "case-events" {
		t.Errorf("expected fanout.pubsub.topic=case-events, got %v", got["fanout.pubsub.topic"])
	}
	if len(got) != 1 {
		t.Errorf("expected 1 key, got %d", len(got))
	}
}

func TestFlatten_ListsAreLeaves(t *testing.T) {
	m := map[string]any{
		"fhir": map[string]any{
			"base_urls": []any{"https://a.example", "https://b.example"},
		},
	}
	got := Flatten(m)
	urls, ok := got["fhir.base_urls"].([]any)
	if !ok || len(urls) != 2 {
		t.Fatalf("expected fhir.base_urls list leaf, got %v", got["fhir.base_urls"])
	}
}

func TestFlatten_EmptyMap(t *testing.T) {
	got := Flatten(map[string]any{})
	if len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}
}

func TestUnflatten_Nested(t *testing.T) {
	flat := map[string]any{
		"extraction.word_threshold": 20.0,
		"extraction.max_interval":   "2s",
		"dummy_mode":                true,
	}
	got := Unflatten(flat)
	ex, ok := got["extraction"].(map[string]any)
	if !ok {
		t.Fatalf("expected extraction to be map, got %T", got["extraction"])
	}
	if ex["word_threshold"] != 20.0 {
		t.Errorf("expected word_threshold=20, got %v", ex["word_threshold"])
	}
	if ex["max_interval"] != "2s" {
		t.Errorf("expected max_interval=2s, got %v", ex["max_interval"])
	}
	if got["dummy_mode"] != true {
		t.Errorf("expected dummy_mode=true, got %v", got["dummy_mode"])
	}
}

func TestRoundTrip_FlattenUnflatten(t *testing.T) {
	original := map[string]any{
		"data_dir": "/tmp/relay",
		"voice": map[string]any{
			"api_key":  "xi-key",
			"agent_id": "agent-7",
		},
		"telegram": map[string]any{
			"token": "123:abc",
		},
	}
	restored := Unflatten(Flatten(original))

	if restored["data_dir"] != "/tmp/relay" {
		t.Errorf("data_dir mismatch: %v", restored["data_dir"])
	}
	voice := restored["voice"].(map[string]any)
	if voice["api_key"] != "xi-key" || voice["agent_id"] != "agent-7" {
		t.Errorf("voice mismatch: %v", voice)
	}
	tg := restored["telegram"].(map[string]any)
	if tg["token"] != "123:abc" {
		t.Errorf("telegram.token mismatch: %v", tg["token"])
	}
}

func TestMaskSecrets_AllSecrets(t *testing.T) {
	flat := map[string]any{
		"voice.agent_id": "agent-1",
		"llm.api_key":    "sk-test123456",
		"voice.api_key":  "xi-abcdef1234",
		"http.api_key":   "relay-key-9876",
		"telegram.token": "123456:ABCdefGHIjkl",
	}
	got := MaskSecrets(flat)

	if got["voice.agent_id"] != "agent-1" {
		t.Errorf("non-secret was masked: %v", got["voice.agent_id"])
	}
	want := map[string]string{
		"llm.api_key":    "***3456",
		"voice.api_key":  "***1234",
		"http.api_key":   "***9876",
		"telegram.token": "***Ijkl",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("expected %s=%s, got %v", k, v, got[k])
		}
	}
}

func TestMaskSecrets_ShortValues(t *testing.T) {
	cases := map[string]string{"": "", "ab": "***ab", "abcd": "***abcd"}
	for in, want := range cases {
		got := MaskSecrets(map[string]any{"voice.api_key": in})
		if got["voice.api_key"] != want {
			t.Errorf("MaskSecrets(%q) = %v, want %q", in, got["voice.api_key"], want)
		}
	}
}

func TestIsSecretKey(t *testing.T) {
	for _, k := range []string{"telegram.token", "voice.lookup_api_key"} {
		if !IsSecretKey(k) {
			t.Errorf("%s should be secret", k)
		}
	}
	if IsSecretKey("telegram.chat_ids") {
		t.Error("telegram.chat_ids should not be secret")
	}
}
