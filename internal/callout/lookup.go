package callout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/relay/internal/types"
	"github.com/user/relay/pkg/llm"
)

const (
	DefaultLookupBaseURL = "https://api.perplexity.ai"
	DefaultLookupModel   = "sonar"

	minPhoneDigits = 7
)

// ErrContactNotFound is returned when no usable phone number was found.
var ErrContactNotFound = errors.New("provider phone number not found")

// PhoneResolver fills in a missing provider phone number.
type PhoneResolver interface {
	Resolve(ctx context.Context, contact types.Contact, location string) (types.Contact, error)
}

const lookupPrompt = "You are a medical practice phone number lookup assistant. " +
	"Given a doctor or practice name and location, find the practice phone number. " +
	`Return ONLY a valid JSON object with the keys "phone" (E.164 or standard format), ` +
	`"practice_name" and "address". ` +
	"If you cannot find the number with confidence, return the JSON value null."

// ContactResolver asks a search-backed chat completion endpoint for a
// provider's practice phone number.
type ContactResolver struct {
	provider llm.Provider
}

var _ PhoneResolver = (*ContactResolver)(nil)

func NewContactResolver(provider llm.Provider) *ContactResolver {
	return &ContactResolver{provider: provider}
}

type lookupAnswer struct {
	Phone        string `json:"phone"`
	PracticeName string `json:"practice_name"`
	Address      string `json:"address"`
}

// Resolve returns contact with Phone set, and Practice filled when the
// answer names one. It returns ErrContactNotFound when the endpoint has no
// confident answer or the number is implausible.
func (r *ContactResolver) Resolve(ctx context.Context, contact types.Contact, location string) (types.Contact, error) {
	if strings.TrimSpace(contact.Name) == "" && strings.TrimSpace(contact.Practice) == "" {
		return contact, ErrContactNotFound
	}

	resp, err := r.provider.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: lookupPrompt},
			{Role: "user", Content: lookupQuery(contact, location)},
		},
	})
	if err != nil {
		return contact, fmt.Errorf("phone lookup: %w", err)
	}
	slog.Debug("phone lookup answered", "provider", contact.Name, "content", truncate(resp.Content, 200))

	var answer *lookupAnswer
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &answer); err != nil {
		return contact, fmt.Errorf("phone lookup: parse answer: %w", err)
	}
	if answer == nil {
		return contact, ErrContactNotFound
	}
	phone, ok := validPhone(answer.Phone)
	if !ok {
		slog.Warn("phone lookup returned invalid number", "provider", contact.Name, "phone", answer.Phone)
		return contact, ErrContactNotFound
	}

	contact.Phone = phone
	if contact.Practice == "" {
		contact.Practice = answer.PracticeName
	}
	return contact, nil
}

func lookupQuery(contact types.Contact, location string) string {
	var parts []string
	for _, p := range []string{contact.Name, contact.Practice} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if strings.TrimSpace(location) == "" {
		location = "unknown location"
	}
	return fmt.Sprintf("Find the phone number for %s near %s", strings.Join(parts, " at "), location)
}

// stripFences removes a surrounding markdown code block.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	var kept []string
	for _, line := range strings.Split(s, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "```") {
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func validPhone(phone string) (string, bool) {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < minPhoneDigits {
		return "", false
	}
	return strings.TrimSpace(phone), true
}
