package history

import (
	"fmt"
	"strings"

	"github.com/user/relay/internal/types"
)

// PatientHistory is the parsed clinical record for one FHIR patient.
type PatientHistory struct {
	Source        string
	FHIRPatientID string
	PatientName   string
	DateOfBirth   string
	Gender        string
	Conditions    []string
	Allergies     []string
	Medications   []string
	Immunizations []string
	Procedures    []string
}

// NotFoundReport is the report text when no server has a matching patient.
func NotFoundReport(id types.Identity) string {
	return fmt.Sprintf("No matching patient records found for %s (age %s, %s) in connected health systems.",
		id.Name, id.Age, id.Gender)
}

// FormatReport renders h as the sectioned text report read by paramedics
// and ER staff.
func FormatReport(h *PatientHistory, name, age string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== MEDICAL HISTORY REPORT: %s (Age %s) ===\n", name, age)
	fmt.Fprintf(&b, "Source: %s\n", h.Source)
	if h.DateOfBirth != "" {
		fmt.Fprintf(&b, "DOB: %s\n", h.DateOfBirth)
	}

	section(&b, "CONDITIONS / MEDICAL HISTORY", "*", h.Conditions, "No conditions on record")
	section(&b, "ALLERGIES (CRITICAL)", "!!", h.Allergies, "No known allergies on record")
	section(&b, "CURRENT MEDICATIONS", "-", h.Medications, "No medications on record")
	section(&b, "IMMUNIZATION HISTORY", "-", h.Immunizations, "No immunization records found")
	section(&b, "PAST PROCEDURES", "-", h.Procedures, "No procedures on record")

	b.WriteString("\n=== END OF REPORT ===")
	return b.String()
}

func section(b *strings.Builder, title, bullet string, items []string, empty string) {
	fmt.Fprintf(b, "\n--- %s ---\n", title)
	if len(items) == 0 {
		fmt.Fprintf(b, "  %s\n", empty)
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "  %s %s\n", bullet, item)
	}
}

func parseConditions(rs []resource) []string {
	return collect(rs, "Condition", func(r resource) (string, string) {
		status := ""
		if r.ClinicalStatus != nil {
			for _, c := range r.ClinicalStatus.Coding {
				if c.Code != "" {
					status = c.Code
					break
				}
			}
		}
		if status == "active" {
			status = ""
		}
		return r.display(r.Code), parenthesised(status)
	})
}

func parseAllergies(rs []resource) []string {
	return collect(rs, "AllergyIntolerance", func(r resource) (string, string) {
		suffix := ""
		if r.Criticality != "" && r.Criticality != "low" {
			suffix = " [" + r.Criticality + "]"
		}
		return r.display(r.Code), suffix
	})
}

func parseMedications(rs []resource) []string {
	return collect(rs, "MedicationRequest", func(r resource) (string, string) {
		status := r.Status
		if status == "active" {
			status = ""
		}
		return r.display(r.MedicationCodeableConcept), parenthesised(status)
	})
}

func parseImmunizations(rs []resource) []string {
	return collect(rs, "Immunization", func(r resource) (string, string) {
		return r.display(r.VaccineCode), parenthesised(datePart(r.OccurrenceDateTime))
	})
}

func parseProcedures(rs []resource) []string {
	return collect(rs, "Procedure", func(r resource) (string, string) {
		date := r.PerformedDateTime
		if date == "" && r.PerformedPeriod != nil {
			date = r.PerformedPeriod.Start
		}
		return r.display(r.Code), parenthesised(datePart(date))
	})
}

// collect labels every resource of the given type, skipping ones without a
// display and de-duplicating in order of first appearance.
func collect(rs []resource, resourceType string, label func(resource) (string, string)) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, r := range rs {
		if r.ResourceType != resourceType {
			continue
		}
		display, suffix := label(r)
		if display == "" {
			continue
		}
		l := display + suffix
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

func parenthesised(s string) string {
	if s == "" {
		return ""
	}
	return " (" + s + ")"
}

func datePart(s string) string {
	if len(s) > 10 {
		return s[:10]
	}
	return s
}
