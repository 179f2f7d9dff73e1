// Package callout places outbound provider calls through a hosted voice agent.
package callout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/user/relay/internal/types"
)

const (
	DefaultBaseURL = "https://api.elevenlabs.io"
	outboundPath   = "/v1/convai/twilio/outbound-call"
	callTimeout    = 30 * time.Second
)

// Config holds the voice agent credentials and call script inputs.
type Config struct {
	BaseURL        string
	APIKey         string
	AgentID        string
	PhoneNumberID  string
	CallsEnabled   bool
	CallbackNumber string
	RecordsEmail   string

	// Resolver looks up the phone number of a provider named without one.
	Resolver PhoneResolver
}

// Caller places provider calls via the voice agent's outbound-call API.
type Caller struct {
	cfg    Config
	client *http.Client
}

var _ types.ProviderCaller = (*Caller)(nil)

func New(cfg Config) *Caller {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Caller{
		cfg:    cfg,
		client: &http.Client{Timeout: callTimeout},
	}
}

type outboundRequest struct {
	AgentID            string           `json:"agent_id"`
	AgentPhoneNumberID string           `json:"agent_phone_number_id"`
	ToNumber           string           `json:"to_number"`
	ClientData         clientInitiation `json:"conversation_initiation_client_data"`
}

type clientInitiation struct {
	DynamicVariables map[string]string `json:"dynamic_variables"`
	ConfigOverride   struct {
		Agent struct {
			FirstMessage string `json:"first_message"`
		} `json:"agent"`
	} `json:"conversation_config_override"`
}

type outboundResponse struct {
	ConversationID string `json:"conversation_id"`
	CallSID        string `json:"callSid"`
}

// CallProvider places the call. Disabled or unconfigured calling yields a
// skipped result without an error. A contact without a phone number is
// resolved first; when that finds nothing the result is lookup_failed.
// Missing agent settings or an API failure yields an error.
func (c *Caller) CallProvider(ctx context.Context, id types.Identity, contact types.Contact) (types.CallResult, error) {
	res := types.CallResult{Target: contact.Phone}

	if !c.cfg.CallsEnabled {
		slog.Info("provider calls disabled, skipping outbound call")
		res.Status = types.OutcomeSkipped
		res.ResultText = "Provider call skipped (disabled by configuration)."
		return res, nil
	}
	if c.cfg.APIKey == "" {
		slog.Info("voice api key not set, skipping outbound call")
		res.Status = types.OutcomeSkipped
		res.ResultText = "Provider call skipped: API not configured."
		return res, nil
	}
	if c.cfg.AgentID == "" || c.cfg.PhoneNumberID == "" {
		res.Status = types.OutcomeError
		return res, fmt.Errorf("call provider: voice agent_id and phone_number_id must be configured")
	}
	if strings.TrimSpace(contact.Phone) == "" {
		resolved, err := c.resolve(ctx, id, contact)
		if err != nil {
			slog.Warn("could not resolve provider phone number", "provider", contact.Name, "error", err)
			res.Status = types.OutcomeLookupFailed
			res.ResultText = fmt.Sprintf("Could not resolve provider phone number for %s.", orDefault(contact.Name, "the provider"))
			return res, nil
		}
		slog.Info("provider phone resolved via lookup", "provider", contact.Name, "phone", resolved.Phone, "practice", resolved.Practice)
		contact = resolved
		res.Target = contact.Phone
	}

	body, err := json.Marshal(c.buildRequest(id, contact))
	if err != nil {
		return res, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+outboundPath, bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		res.Status = types.OutcomeError
		return res, fmt.Errorf("outbound call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		res.Status = types.OutcomeError
		return res, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Error("outbound call rejected", "status", resp.StatusCode, "body", truncate(string(respBody), 500))
		res.Status = types.OutcomeError
		return res, fmt.Errorf("outbound call: HTTP %d", resp.StatusCode)
	}

	var out outboundResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		res.Status = types.OutcomeError
		return res, fmt.Errorf("parse response: %w", err)
	}

	res.Status = types.OutcomeInitiated
	res.CorrelationID = types.CorrelationID(out.ConversationID)
	if res.CorrelationID == "" {
		res.CorrelationID = types.NewCorrelationID()
	}
	res.ResultText = fmt.Sprintf("Provider call initiated to %s for %s. Awaiting response via webhook.", contact.Phone, id.Name)
	slog.Info("provider call initiated", "conversation_id", res.CorrelationID, "call_sid", out.CallSID, "to", contact.Phone)
	return res, nil
}

func (c *Caller) resolve(ctx context.Context, id types.Identity, contact types.Contact) (types.Contact, error) {
	if c.cfg.Resolver == nil {
		return contact, ErrContactNotFound
	}
	return c.cfg.Resolver.Resolve(ctx, contact, id.Address)
}

func (c *Caller) buildRequest(id types.Identity, contact types.Contact) outboundRequest {
	situation := orDefault(id.ChiefComplaint, "a medical emergency")
	reason := fmt.Sprintf("The patient is on the way to the hospital. Reason for transport: %s.", situation)

	req := outboundRequest{
		AgentID:            c.cfg.AgentID,
		AgentPhoneNumberID: c.cfg.PhoneNumberID,
		ToNumber:           contact.Phone,
	}
	req.ClientData.DynamicVariables = map[string]string{
		"patient_name":      orDefault(id.Name, "unknown"),
		"patient_age":       orDefault(id.Age, "unknown"),
		"patient_gender":    orDefault(id.Gender, "unknown"),
		"patient_address":   orDefault(id.Address, "unknown"),
		"patient_dob":       orDefault(id.DateOfBirth, "unknown"),
		"chief_complaint":   situation,
		"reason_for_call":   reason,
		"provider_name":     orDefault(contact.Name, "unknown"),
		"provider_practice": orDefault(contact.Practice, "unknown"),
		"hospital_callback": c.cfg.CallbackNumber,
		"records_email":     c.cfg.RecordsEmail,
	}
	req.ClientData.ConfigOverride.Agent.FirstMessage = fmt.Sprintf(
		"Hi, this is Relay calling about one of your patients, %s, age %s. %s "+
			"We're requesting their medical records so the hospital can prepare. "+
			"Can you share any relevant records, such as allergies, medications, conditions and recent notes, to %s? "+
			"You can call us back on %s.",
		orDefault(id.Name, "unknown"), orDefault(id.Age, "unknown"), reason,
		orDefault(c.cfg.RecordsEmail, "the hospital"), orDefault(c.cfg.CallbackNumber, "the hospital line"))
	return req
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
