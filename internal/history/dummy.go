package history

import (
	"context"
	"time"

	"github.com/user/relay/internal/types"
)

// DummyLookup returns a fixed report after a short delay. Used in dummy mode.
type DummyLookup struct {
	Delay time.Duration
}

var _ types.HistoryLookup = DummyLookup{}

func (d DummyLookup) LookupHistory(ctx context.Context, id types.Identity) (string, error) {
	if d.Delay > 0 {
		t := time.NewTimer(d.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	h := &PatientHistory{
		Source:      "dummy",
		Conditions:  []string{"Hypertension", "Type 2 diabetes mellitus"},
		Allergies:   []string{"Penicillin [high]"},
		Medications: []string{"Metformin 500 MG Oral Tablet", "Lisinopril 10 MG Oral Tablet"},
	}
	return FormatReport(h, id.Name, id.Age), nil
}
