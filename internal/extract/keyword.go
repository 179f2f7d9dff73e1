package extract

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/user/relay/internal/record"
)

var (
	nameRe    = regexp.MustCompile(`(?:[Pp]atient(?:'s name)? is|[Nn]ame is) ([A-Z][a-z]+)(?: ([A-Z][a-z]+))?`)
	ageRe     = regexp.MustCompile(`(?i)\b(\d{1,3})[- ]years?[- ]old\b`)
	maleRe    = regexp.MustCompile(`(?i)\bmale\b`)
	femaleRe  = regexp.MustCompile(`(?i)\bfemale\b`)
	addressRe = regexp.MustCompile(`(?i)\b(?:address is|lives at)\s+(\d+\s+[^.,]+)`)
	phoneRe   = regexp.MustCompile(`(?i)\b(?:gp|doctor|practice)(?:'s)?\s+(?:phone\s+)?(?:number|phone)\s+is\s+([\d][\d\s-]*\d)`)
	bpRe      = regexp.MustCompile(`(?i)\b(\d{2,3})\s*(?:over|/)\s*(\d{2,3})\b`)
	hrRe      = regexp.MustCompile(`(?i)\bheart rate (?:of )?(\d{2,3})\b`)
	rrRe      = regexp.MustCompile(`(?i)\brespiratory rate (?:of )?(\d{1,2})\b`)
	spo2Re    = regexp.MustCompile(`(?i)\b(?:spo2|sats?|saturation) (?:of )?(\d{2,3})\b`)
	glucoseRe = regexp.MustCompile(`(?i)\bglucose (?:of )?(\d{2,3}(?:\.\d)?)\b`)
	gcsRe     = regexp.MustCompile(`(?i)\bgcs (?:of )?(\d{1,2})\b`)
)

// keywordItems maps transcript phrases to list entries.
var keywordItems = []struct {
	phrases []string
	item    string
	list    func(r *record.Record) *record.List
}{
	{[]string{"iv access"}, "IV access - right antecubital", procedures},
	{[]string{"12 lead", "12-lead", "ecg"}, "12-lead ECG", procedures},
	{[]string{"cardiac catheterization", "cath lab"}, "Cardiac catheterization lab activation", procedures},
	{[]string{"aspirin"}, "Aspirin 324mg PO", medications},
	{[]string{"nitroglycerin"}, "Nitroglycerin 0.4mg SL", medications},
	{[]string{"penicillin allergy", "allergic to penicillin"}, "Penicillin", allergies},
}

func procedures(r *record.Record) *record.List  { return &r.Procedures.Procedures }
func medications(r *record.Record) *record.List { return &r.Medications.Medications }
func allergies(r *record.Record) *record.List   { return &r.History.Allergies }

// KeywordExtractor is a deterministic pattern-based extractor used in dummy
// mode and tests. It recognises common phrasings only.
type KeywordExtractor struct{}

var _ Extractor = KeywordExtractor{}

func (KeywordExtractor) Extract(_ context.Context, transcript string, _ *record.Record) Result {
	if strings.TrimSpace(transcript) == "" {
		return Failed(ErrEmptyTranscript)
	}
	r := record.New()
	lower := strings.ToLower(transcript)
	p := &r.Patient

	if m := nameRe.FindStringSubmatch(transcript); m != nil {
		p.NameFirst = record.String(m[1])
		if m[2] != "" {
			p.NameLast = record.String(m[2])
		}
	}
	if m := ageRe.FindStringSubmatch(transcript); m != nil {
		p.Age = record.String(m[1])
	}
	switch {
	case femaleRe.MatchString(transcript):
		p.Gender = record.String("Female")
	case maleRe.MatchString(transcript):
		p.Gender = record.String("Male")
	}
	if m := addressRe.FindStringSubmatch(transcript); m != nil {
		p.Address = record.String(strings.TrimSpace(m[1]))
	}
	if m := phoneRe.FindStringSubmatch(transcript); m != nil {
		p.ProviderPhone = record.String(strings.TrimSpace(m[1]))
	}

	v := &r.Vitals
	if m := bpRe.FindStringSubmatch(transcript); m != nil {
		v.SystolicBP = atoi(m[1])
		v.DiastolicBP = atoi(m[2])
	}
	if m := hrRe.FindStringSubmatch(transcript); m != nil {
		v.HeartRate = atoi(m[1])
	}
	if m := rrRe.FindStringSubmatch(transcript); m != nil {
		v.RespiratoryRate = atoi(m[1])
	}
	if m := spo2Re.FindStringSubmatch(transcript); m != nil {
		v.SpO2 = atoi(m[1])
	}
	if m := glucoseRe.FindStringSubmatch(transcript); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			v.BloodGlucose = record.Float(f)
		}
	}
	if m := gcsRe.FindStringSubmatch(transcript); m != nil {
		v.GCSTotal = atoi(m[1])
	}

	if strings.Contains(lower, "chest pain") {
		r.Situation.ChiefComplaint = record.String("Chest pain")
	}
	if strings.Contains(lower, "stemi") {
		r.Situation.PrimaryImpression = record.String("STEMI")
	}

	for _, k := range keywordItems {
		for _, phrase := range k.phrases {
			if strings.Contains(lower, phrase) {
				l := k.list(r)
				*l = append(*l, k.item)
				break
			}
		}
	}
	return OK(r)
}

func atoi(s string) *int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return record.Int(n)
}
