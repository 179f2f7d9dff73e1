package session

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/relay/internal/record"
	"github.com/user/relay/internal/types"
)

var (
	sentenceEndRe      = regexp.MustCompile(`[.!?]`)
	sentenceEndAtEndRe = regexp.MustCompile(`[.!?]("|'|”)?\s*$`)
)

// Session is one open transcript stream for a case.
//
// Two locks are involved. mu guards the text buffers and is held briefly by
// ingestion calls. extractMu is the extraction lock: it serialises
// extraction passes and guards the record and the trigger flags, so it is
// also the region in which dispatch decisions are made.
type Session struct {
	id types.CaseID
	m  *Manager

	mu               sync.Mutex
	accumulated      string
	pending          string
	pendingSentences int
	partial          string
	closed           bool

	extractMu     sync.Mutex
	rec           *record.Record
	coreInfo      bool
	historyFired  bool
	providerFired bool
	lastWords     atomic.Int64

	runNow     chan struct{}
	stop       chan struct{}
	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

func newSession(m *Manager, c *types.Case, rec *record.Record) *Session {
	s := &Session{
		id:            c.ID,
		m:             m,
		accumulated:   c.FullTranscript,
		rec:           rec,
		coreInfo:      c.CoreInfoComplete,
		historyFired:  c.MedicalDBTriggered,
		providerFired: c.ProviderCallTriggered,
		runNow:        make(chan struct{}, 1),
		stop:          make(chan struct{}),
		loopDone:      make(chan struct{}),
	}
	s.lastWords.Store(int64(c.LastExtractedWords))
	s.loopCtx, s.loopCancel = context.WithCancel(context.Background())
	return s
}

// CaseID returns the case this session belongs to.
func (s *Session) CaseID() types.CaseID { return s.id }

// Record returns the current merged record. The returned tree is never
// mutated by the session.
func (s *Session) Record() *record.Record {
	s.extractMu.Lock()
	defer s.extractMu.Unlock()
	return s.rec
}

func (s *Session) start() {
	go s.loop()
}

// OnPartial replaces the provisional text and triggers extraction when the
// full text has grown by the word threshold since the last pass.
func (s *Session) OnPartial(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.partial = text
	words := countWords(s.fullTextLocked())
	s.mu.Unlock()

	ev := types.NewEvent(types.EventTranscriptPartial)
	ev.Text = text
	s.publish(ctx, ev)

	if int64(words)-s.lastWords.Load() >= int64(s.m.cfg.WordThreshold) {
		s.signal()
	}
	return nil
}

// OnCommitted adds finalised text to the pending buffer and flushes it to
// the transcript at sentence boundaries: when the buffer holds two or more
// sentence endings, or ends with one.
func (s *Session) OnCommitted(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	s.partial = ""

	if text = strings.TrimSpace(text); text != "" {
		s.pending = joinText(s.pending, text)
		s.pendingSentences += len(sentenceEndRe.FindAllStringIndex(text, -1))
		s.signal()
	}

	flush := s.pendingSentences >= 2 ||
		(s.pending != "" && sentenceEndAtEndRe.MatchString(s.pending))
	if flush {
		s.flushLocked(ctx, s.pending)
		s.pending = ""
		s.pendingSentences = 0
	}
	return nil
}

// flushLocked persists text as a committed segment. Caller holds s.mu.
func (s *Session) flushLocked(ctx context.Context, text string) {
	if text == "" {
		return
	}
	seg := &types.TranscriptSegment{
		CaseID: s.id,
		Kind:   types.SegmentCommitted,
		Text:   text,
		At:     time.Now(),
	}
	if err := s.m.transcripts.Append(ctx, seg); err != nil {
		slog.Error("persist transcript segment failed", "case_id", s.id, "error", err)
	}

	full, err := s.m.cases.AppendCommitted(ctx, s.id, text)
	if err != nil {
		slog.Error("persist transcript failed", "case_id", s.id, "error", err)
		full = joinText(s.accumulated, text)
	}
	s.accumulated = full

	ev := types.NewEvent(types.EventTranscriptCommitted)
	ev.Text = text
	ev.FullTranscript = full
	s.publish(ctx, ev)
	s.signal()
}

// fullTextLocked is accumulated + pending + partial. Caller holds s.mu.
func (s *Session) fullTextLocked() string {
	return joinText(joinText(s.accumulated, s.pending), s.partial)
}

func (s *Session) fullText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullTextLocked()
}

// signal requests an extraction pass without blocking.
func (s *Session) signal() {
	select {
	case s.runNow <- struct{}{}:
	default:
	}
}

// loop waits for a run-now signal or the max interval, whichever comes
// first, and runs one extraction pass per wake until stopped.
func (s *Session) loop() {
	defer close(s.loopDone)

	timer := time.NewTimer(s.m.cfg.MaxInterval)
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.runNow:
		case <-timer.C:
		}
		select {
		case <-s.stop:
			return
		default:
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.m.cfg.MaxInterval)

		s.extract(s.loopCtx)
	}
}

// extract runs one pass if the full text has more words than the last pass
// saw. It reports whether the extractor was called.
func (s *Session) extract(ctx context.Context) bool {
	s.extractMu.Lock()
	defer s.extractMu.Unlock()

	full := s.fullText()
	words := countWords(full)
	if int64(words) <= s.lastWords.Load() {
		return false
	}

	res := s.m.extractor.Extract(ctx, full, s.rec)
	if !res.Ok() {
		slog.Error("extraction failed, keeping record", "case_id", s.id, "words", words, "error", res.Err)
		return true
	}

	merged := record.InferProvider(record.Merge(s.rec, res.Record), full)
	s.rec = merged
	s.lastWords.Store(int64(words))

	if err := s.m.cases.UpdateRecord(ctx, s.id, merged, words); err != nil {
		slog.Error("persist record failed", "case_id", s.id, "error", err)
	}
	ev := types.NewEvent(types.EventRecordUpdated)
	ev.Record = merged
	s.publish(ctx, ev)

	s.evaluateLocked(ctx)
	return true
}

// evaluateLocked checks the trigger gates against the current record and
// dispatches newly ready actions. Caller holds extractMu.
func (s *Session) evaluateLocked(ctx context.Context) {
	if !s.coreInfo && record.CoreInfoComplete(s.rec) {
		s.coreInfo = true
		flipped, err := s.m.cases.SetFlag(ctx, s.id, types.FlagCoreInfoComplete)
		if err != nil {
			slog.Error("persist core info flag failed", "case_id", s.id, "error", err)
		}
		if flipped || err != nil {
			ev := types.NewEvent(types.EventCoreInfoComplete)
			ev.Record = s.rec
			s.publish(ctx, ev)
			slog.Info("core info complete", "case_id", s.id)
		}
	}

	if s.coreInfo {
		s.m.dispatcher.Dispatch(ctx, s.id, types.ActionHistoryLookup, &s.historyFired, s.rec)
	}
	if record.ProviderContactReady(s.rec) {
		s.m.dispatcher.Dispatch(ctx, s.id, types.ActionProviderCall, &s.providerFired, s.rec)
	}
}

// Close stops the scheduler, flushes any remaining text, runs a final
// extraction pass and marks the case completed if it is still active.
// Dispatched actions keep running. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.close(ctx)
	})
	return s.closeErr
}

func (s *Session) close(ctx context.Context) error {
	defer s.m.release(s)

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.loopCancel()
	<-s.loopDone

	s.mu.Lock()
	rest := joinText(s.pending, s.partial)
	s.pending, s.partial, s.pendingSentences = "", "", 0
	s.flushLocked(ctx, rest)
	s.mu.Unlock()

	if s.extract(ctx) {
		slog.Info("final extraction ran", "case_id", s.id)
	}

	completed, err := s.m.cases.MarkCompletedIfActive(ctx, s.id)
	if err != nil {
		return err
	}
	slog.Info("session closed", "case_id", s.id, "marked_completed", completed)
	return nil
}

func (s *Session) publish(ctx context.Context, ev types.Event) {
	if err := s.m.events.Publish(ctx, s.id, ev); err != nil {
		slog.Warn("publish event failed", "case_id", s.id, "type", ev.Type, "error", err)
	}
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + " " + b
}

func countWords(s string) int {
	return len(strings.Fields(s))
}
