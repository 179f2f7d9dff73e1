// Package session runs the live per-case state machine: it buffers
// transcript text, schedules extraction, merges results, evaluates triggers
// and hands ready actions to the dispatcher.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/relay/internal/extract"
	"github.com/user/relay/internal/record"
	"github.com/user/relay/internal/types"
)

// ErrSessionClosed is returned by ingestion calls after Close.
var ErrSessionClosed = errors.New("session closed")

const (
	DefaultWordThreshold = 20
	DefaultMaxInterval   = 2 * time.Second
)

// Config tunes the extraction scheduler.
type Config struct {
	// WordThreshold is the word growth over the last extraction that makes
	// a partial transcript trigger an immediate pass.
	WordThreshold int
	// MaxInterval bounds how long new text can wait for extraction.
	MaxInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.WordThreshold <= 0 {
		c.WordThreshold = DefaultWordThreshold
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	return c
}

// Dispatcher fires a downstream action unless *fired is set. Callers hold
// the lock guarding *fired.
type Dispatcher interface {
	Dispatch(ctx context.Context, caseID types.CaseID, action types.Action, fired *bool, rec *record.Record) bool
}

// Manager opens sessions and tracks which cases have one open.
type Manager struct {
	cases       types.CaseStore
	transcripts types.TranscriptStore
	events      types.Publisher
	extractor   extract.Extractor
	dispatcher  Dispatcher
	cfg         Config

	mu   sync.Mutex
	open map[types.CaseID]map[*Session]struct{}
}

func NewManager(cases types.CaseStore, transcripts types.TranscriptStore, events types.Publisher,
	extractor extract.Extractor, dispatcher Dispatcher, cfg Config) *Manager {
	return &Manager{
		cases:       cases,
		transcripts: transcripts,
		events:      events,
		extractor:   extractor,
		dispatcher:  dispatcher,
		cfg:         cfg.withDefaults(),
		open:        make(map[types.CaseID]map[*Session]struct{}),
	}
}

// Open starts a session for an existing case, resuming its persisted
// transcript, record and flags.
func (m *Manager) Open(ctx context.Context, caseID types.CaseID) (*Session, error) {
	c, err := m.cases.Load(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	rec, err := record.Decode(c.Record)
	if err != nil {
		slog.Warn("discarding unreadable record", "case_id", caseID, "error", err)
		rec = record.New()
	}

	s := newSession(m, c, rec)

	m.mu.Lock()
	sessions, ok := m.open[caseID]
	if !ok {
		sessions = make(map[*Session]struct{})
		m.open[caseID] = sessions
	}
	if len(sessions) > 0 {
		slog.Warn("case already has an open session", "case_id", caseID, "open", len(sessions))
	}
	sessions[s] = struct{}{}
	m.mu.Unlock()

	s.start()
	slog.Info("session opened", "case_id", caseID,
		"resumed_words", c.LastExtractedWords, "core_info_complete", c.CoreInfoComplete)
	return s, nil
}

// IsOpen reports whether caseID has at least one open session.
func (m *Manager) IsOpen(caseID types.CaseID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open[caseID]) > 0
}

// CloseAll closes every open session.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	var all []*Session
	for _, sessions := range m.open {
		for s := range sessions {
			all = append(all, s)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Close(ctx); err != nil {
				slog.Error("close session failed", "case_id", s.id, "error", err)
			}
		}(s)
	}
	wg.Wait()
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessions, ok := m.open[s.id]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(m.open, s.id)
		}
	}
}
