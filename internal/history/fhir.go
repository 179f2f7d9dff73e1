// Package history looks up a patient's medical history on FHIR R4 servers
// and formats it as a clinical report.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/sync/errgroup"

	"github.com/user/relay/internal/types"
)

// DefaultBaseURL is a public R4 server loaded with synthetic patients.
const DefaultBaseURL = "https://launch.smarthealthit.org/v/r4/fhir"

const (
	fhirTimeout   = 45 * time.Second
	searchCount   = "5"
	resourceCount = "100"
)

var isoDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Client queries one or more FHIR R4 servers in order until a patient matches.
type Client struct {
	baseURLs []string
	client   *http.Client
	retry    *RetryPolicy
}

var _ types.HistoryLookup = (*Client)(nil)

// NewClient creates a Client for the given base URLs. An empty list uses
// DefaultBaseURL.
func NewClient(baseURLs []string) *Client {
	urls := make([]string, 0, len(baseURLs))
	for _, u := range baseURLs {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		urls = []string{DefaultBaseURL}
	}
	return &Client{
		baseURLs: urls,
		client:   &http.Client{Timeout: fhirTimeout},
		retry:    DefaultRetryPolicy(),
	}
}

// WithRetryPolicy replaces the retry policy. Used by tests to avoid sleeping.
func (c *Client) WithRetryPolicy(p *RetryPolicy) *Client {
	c.retry = p
	return c
}

// LookupHistory searches every configured server for the patient and
// formats the first match as a report. When no server has a match the
// not-found text is returned. An error is returned only when every server
// failed.
func (c *Client) LookupHistory(ctx context.Context, id types.Identity) (string, error) {
	given, family := splitName(id.Name)
	var failures []string

	for _, base := range c.baseURLs {
		h, err := c.query(ctx, base, given, family, id)
		if err != nil {
			slog.Warn("fhir query failed", "server", base, "error", err)
			failures = append(failures, err.Error())
			continue
		}
		if h == nil {
			slog.Info("no fhir patient match", "server", base, "patient", id.Name)
			continue
		}
		slog.Info("fhir patient found", "server", base, "fhir_id", h.FHIRPatientID)
		return FormatReport(h, id.Name, id.Age), nil
	}

	if len(failures) == len(c.baseURLs) {
		return "", fmt.Errorf("lookup history: all servers failed: %s", strings.Join(failures, "; "))
	}
	return NotFoundReport(id), nil
}

func (c *Client) query(ctx context.Context, base, given, family string, id types.Identity) (*PatientHistory, error) {
	patients, err := c.searchPatient(ctx, base, given, family, id)
	if err != nil {
		return nil, err
	}
	if len(patients) == 0 || patients[0].ID == "" {
		return nil, nil
	}
	p := patients[0]

	h := &PatientHistory{
		Source:        base,
		FHIRPatientID: p.ID,
		PatientName:   p.displayName(),
		DateOfBirth:   p.BirthDate,
		Gender:        p.Gender,
	}

	fetches := []struct {
		resource string
		parse    func([]resource) []string
		into     *[]string
	}{
		{"Condition", parseConditions, &h.Conditions},
		{"AllergyIntolerance", parseAllergies, &h.Allergies},
		{"MedicationRequest", parseMedications, &h.Medications},
		{"Immunization", parseImmunizations, &h.Immunizations},
		{"Procedure", parseProcedures, &h.Procedures},
	}

	// A failed resource fetch leaves that section empty rather than failing
	// the whole report.
	var g errgroup.Group
	for _, f := range fetches {
		g.Go(func() error {
			entries, err := c.fetch(ctx, base, f.resource, url.Values{
				"patient": {p.ID},
				"_count":  {resourceCount},
			})
			if err != nil {
				slog.Warn("fhir resource fetch failed", "resource", f.resource, "fhir_id", p.ID, "error", err)
				return nil
			}
			*f.into = f.parse(entries)
			return nil
		})
	}
	_ = g.Wait()
	return h, nil
}

// searchPatient tries progressively broader demographic searches until one
// returns a patient.
func (c *Client) searchPatient(ctx context.Context, base, given, family string, id types.Identity) ([]resource, error) {
	if family == "" {
		return nil, nil
	}
	gender := strings.ToLower(strings.TrimSpace(id.Gender))
	birthdate := strings.TrimSpace(id.DateOfBirth)
	if !isoDateRe.MatchString(birthdate) {
		birthdate = ""
	}

	var strategies []url.Values
	if given != "" && gender != "" && birthdate != "" {
		strategies = append(strategies, url.Values{"family": {family}, "given": {given}, "gender": {gender}, "birthdate": {birthdate}})
	}
	if given != "" && gender != "" {
		strategies = append(strategies, url.Values{"family": {family}, "given": {given}, "gender": {gender}})
	}
	if given != "" {
		strategies = append(strategies, url.Values{"family": {family}, "given": {given}})
	}
	if gender != "" {
		strategies = append(strategies, url.Values{"family": {family}, "gender": {gender}})
	}
	strategies = append(strategies, url.Values{"family": {family}})

	for _, params := range strategies {
		params.Set("_count", searchCount)
		patients, err := c.fetch(ctx, base, "Patient", params)
		if err != nil {
			return nil, err
		}
		if len(patients) > 0 {
			slog.Debug("fhir patient search hit", "server", base, "params", params.Encode(), "results", len(patients))
			return patients, nil
		}
	}
	return nil, nil
}

// fetch GETs base/resourceType?params and returns the bundle's resources.
func (c *Client) fetch(ctx context.Context, base, resourceType string, params url.Values) ([]resource, error) {
	endpoint := base + "/" + resourceType + "?" + params.Encode()

	var body []byte
	err := c.retry.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/fhir+json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("fhir request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &StatusError{URL: base + "/" + resourceType, StatusCode: resp.StatusCode}
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var b bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("parse %s bundle: %w", resourceType, err)
	}
	return b.resources(), nil
}

// splitName treats the last token as the family name and the rest as given names.
func splitName(full string) (given, family string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return "", parts[0]
	}
	return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
}

type bundle struct {
	ResourceType string `json:"resourceType"`
	Entry        []struct {
		Resource *resource `json:"resource"`
	} `json:"entry"`
}

func (b bundle) resources() []resource {
	if b.ResourceType != "Bundle" {
		return nil
	}
	out := make([]resource, 0, len(b.Entry))
	for _, e := range b.Entry {
		if e.Resource != nil {
			out = append(out, *e.Resource)
		}
	}
	return out
}

type coding struct {
	Code    string `json:"code"`
	Display string `json:"display"`
}

type codeableConcept struct {
	Coding []coding `json:"coding"`
	Text   string   `json:"text"`
}

type narrative struct {
	Div string `json:"div"`
}

type humanName struct {
	Given  []string `json:"given"`
	Family string   `json:"family"`
	Text   string   `json:"text"`
}

// resource holds the fields of the Patient and clinical resources this
// package reads.
type resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`

	Name      []humanName `json:"name"`
	BirthDate string      `json:"birthDate"`
	Gender    string      `json:"gender"`

	Code                      *codeableConcept `json:"code"`
	MedicationCodeableConcept *codeableConcept `json:"medicationCodeableConcept"`
	VaccineCode               *codeableConcept `json:"vaccineCode"`
	ClinicalStatus            *codeableConcept `json:"clinicalStatus"`
	Criticality               string           `json:"criticality"`
	Status                    string           `json:"status"`
	OccurrenceDateTime        string           `json:"occurrenceDateTime"`
	PerformedDateTime         string           `json:"performedDateTime"`
	PerformedPeriod           *struct {
		Start string `json:"start"`
	} `json:"performedPeriod"`
	Text *narrative `json:"text"`
}

func (r resource) displayName() string {
	if len(r.Name) == 0 {
		return "Unknown"
	}
	n := r.Name[0]
	if name := strings.TrimSpace(strings.Join(append(append([]string{}, n.Given...), n.Family), " ")); name != "" {
		return name
	}
	if n.Text != "" {
		return n.Text
	}
	return "Unknown"
}

// display returns the first coding display, the concept text, or the
// resource narrative rendered as text. It returns "" when none is present.
func (r resource) display(cc *codeableConcept) string {
	if cc != nil {
		for _, c := range cc.Coding {
			if c.Display != "" {
				return c.Display
			}
		}
		if cc.Text != "" {
			return cc.Text
		}
	}
	if r.Text != nil && r.Text.Div != "" {
		return narrativeText(r.Text.Div)
	}
	return ""
}

// narrativeText converts a resource's XHTML narrative to a single line of text.
func narrativeText(div string) string {
	md, err := htmltomarkdown.ConvertString(div)
	if err != nil {
		slog.Debug("convert fhir narrative failed", "error", err)
		return ""
	}
	return strings.Join(strings.Fields(md), " ")
}
