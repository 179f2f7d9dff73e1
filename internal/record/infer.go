package record

import (
	"regexp"
	"strings"
)

var (
	// Keyword part is case-insensitive; the captured name must be capitalised
	// so "the doctor is on the way" does not yield a provider.
	providerNameRe = regexp.MustCompile(
		`(?i:(?:patient'?s\s+)?(?:gp|primary care(?: doctor)?|family doctor|doctor)\s+(?:is\s+)?)(?:(Dr\.?|Doctor)\s+)?([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*)`,
	)
	providerPracticeRe = regexp.MustCompile(
		`(?i)(?:gp|primary care(?: doctor)?|doctor)\b.*?\bat\s+([^.]+)`,
	)
)

// InferProvider fills provider name and practice from free text when the
// extractor left them null. It never overwrites a known value and returns r
// unchanged when nothing new is found.
func InferProvider(r *Record, text string) *Record {
	if r == nil || strings.TrimSpace(text) == "" {
		return r
	}
	var inferred Patient
	if Value(r.Patient.ProviderName) == "" {
		if m := providerNameRe.FindStringSubmatch(text); m != nil {
			name := strings.TrimSpace(strings.Join(nonEmpty(m[1], m[2]), " "))
			if name != "" {
				inferred.ProviderName = String(name)
			}
		}
	}
	if Value(r.Patient.ProviderPractice) == "" {
		if m := providerPracticeRe.FindStringSubmatch(text); m != nil {
			if practice := strings.TrimSpace(m[1]); practice != "" {
				inferred.ProviderPractice = String(practice)
			}
		}
	}
	if inferred.ProviderName == nil && inferred.ProviderPractice == nil {
		return r
	}
	return Merge(r, &Record{Patient: inferred})
}

func nonEmpty(parts ...string) []string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
