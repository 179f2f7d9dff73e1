// Package extract turns transcript text into a structured record.
package extract

import (
	"context"
	"errors"

	"github.com/user/relay/internal/record"
)

// ErrEmptyTranscript is returned when there is nothing to extract from.
var ErrEmptyTranscript = errors.New("empty transcript")

// Result is the outcome of one extraction pass. Exactly one of Record and
// Err is set.
type Result struct {
	Record *record.Record
	Err    error
}

// OK wraps a successfully extracted record.
func OK(r *record.Record) Result {
	if r == nil {
		r = record.New()
	}
	return Result{Record: r}
}

// Failed wraps an extraction error.
func Failed(err error) Result {
	return Result{Err: err}
}

// Ok reports whether the pass produced a record.
func (r Result) Ok() bool {
	return r.Err == nil && r.Record != nil
}

// Extractor produces a record from the full transcript. existing is the
// record known so far and must not be modified. The returned record is the
// raw extraction; callers merge it into existing.
type Extractor interface {
	Extract(ctx context.Context, transcript string, existing *record.Record) Result
}
