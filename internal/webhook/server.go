// internal/webhook/server.go
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/relay/internal/audit"
	"github.com/user/relay/internal/record"
	"github.com/user/relay/internal/state"
	"github.com/user/relay/internal/types"
)

const defaultRequestTimeout = 60 * time.Second

// Config controls the HTTP surface.
type Config struct {
	// APIKey, when set, is required in the X-API-Key header on /api routes.
	APIKey string
	// RequestTimeout bounds non-streaming requests.
	RequestTimeout time.Duration
}

// Server serves the provider-call webhook, the case read API and any
// additional routes mounted by the caller.
type Server struct {
	router      chi.Router
	cases       types.CaseStore
	transcripts types.TranscriptStore
	audit       *audit.Logger
	events      types.Publisher
}

// NewServer builds the router. Each mount function receives the root router
// outside the request timeout, which suits long-lived connections.
func NewServer(cfg Config, cases types.CaseStore, transcripts types.TranscriptStore,
	auditLog *audit.Logger, events types.Publisher, mounts ...func(chi.Router)) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		cases:       cases,
		transcripts: transcripts,
		audit:       auditLog,
		events:      events,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))

		r.Post("/webhook/provider-call", s.handleProviderCall)
		r.Post("/webhook/elevenlabs/post-call", s.handleProviderCall)

		r.Route("/api/cases", func(r chi.Router) {
			r.Use(apiKeyAuth(cfg.APIKey))
			r.Get("/", s.handleListCases)
			r.Post("/", s.handleCreateCase)
			r.Get("/{caseID}", s.handleGetCase)
			r.Patch("/{caseID}", s.handleUpdateCase)
			r.Get("/{caseID}/record", s.handleGetRecord)
			r.Get("/{caseID}/transcripts", s.handleTranscripts)
			r.Get("/{caseID}/audit", s.handleAudit)
		})
	})

	for _, mount := range mounts {
		mount(r)
	}

	s.router = r
	return s
}

// ServeHTTP delegates to the router, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// apiKeyAuth returns a middleware that validates X-API-Key if apiKey is non-empty.
func apiKeyAuth(expected string) func(http.Handler) http.Handler {
	const hdr = "X-API-Key"
	return func(next http.Handler) http.Handler {
		if expected == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get(hdr); got == "" || got != expected {
				w.Header().Set("WWW-Authenticate", fmt.Sprintf(`ApiKey header="%s"`, hdr))
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// providerCallRequest is the post-call callback body. Transcript arrives as
// a string, a list of turns, or an object with a text field.
type providerCallRequest struct {
	ConversationID string          `json:"conversation_id"`
	Transcript     json.RawMessage `json:"transcript"`
	CallStatus     string          `json:"call_status"`
	Status         string          `json:"status"`
}

type transcriptTurn struct {
	Role    string `json:"role"`
	Text    string `json:"text"`
	Message string `json:"message"`
}

// transcriptText flattens any supported transcript shape to text.
func transcriptText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var turns []transcriptTurn
	if err := json.Unmarshal(raw, &turns); err == nil {
		parts := make([]string, 0, len(turns))
		for _, t := range turns {
			text := t.Text
			if text == "" {
				text = t.Message
			}
			if text == "" {
				continue
			}
			role := t.Role
			if role == "" {
				role = "unknown"
			}
			parts = append(parts, fmt.Sprintf("[%s] %s", role, text))
		}
		return strings.Join(parts, "\n")
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Text != "" {
		return obj.Text
	}
	return string(raw)
}

func (s *Server) handleProviderCall(w http.ResponseWriter, r *http.Request) {
	var req providerCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "invalid JSON"})
		return
	}
	if req.ConversationID == "" {
		slog.Warn("provider call callback missing conversation_id")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "no conversation_id provided"})
		return
	}

	status := req.CallStatus
	if status == "" {
		status = req.Status
	}
	outcome := types.OutcomeFromCallStatus(status)
	text := transcriptText(req.Transcript)
	cid := types.CorrelationID(req.ConversationID)
	ctx := r.Context()

	rec, err := s.audit.Complete(ctx, cid, outcome, text)
	if err != nil {
		slog.Error("complete audit record failed", "correlation_id", cid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "no matching audit record"})
		return
	}

	result := types.ActionResult{Outcome: outcome, Transcript: text, CorrelationID: cid}
	if err := s.cases.SetActionResult(ctx, rec.CaseID, types.ActionProviderCall, result); err != nil {
		slog.Error("persist provider call result failed", "case_id", rec.CaseID, "error", err)
	}

	ev := types.NewEvent(types.EventDownstreamComplete)
	ev.Action = types.ActionProviderCall
	ev.Outcome = outcome
	ev.Transcript = text
	ev.CorrelationID = cid
	if err := s.events.Publish(ctx, rec.CaseID, ev); err != nil {
		slog.Warn("publish provider call result failed", "case_id", rec.CaseID, "error", err)
	}

	slog.Info("provider call completed", "case_id", rec.CaseID, "outcome", outcome, "transcript_len", len(text))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type caseListItem struct {
	ID               types.CaseID     `json:"id"`
	Status           types.CaseStatus `json:"status"`
	PatientName      string           `json:"patient_name,omitempty"`
	ChiefComplaint   string           `json:"chief_complaint,omitempty"`
	CoreInfoComplete bool             `json:"core_info_complete"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := s.cases.List(r.Context())
	if err != nil {
		slog.Error("list cases failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	items := make([]caseListItem, 0, len(cases))
	for _, c := range cases {
		item := caseListItem{
			ID:               c.ID,
			Status:           c.Status,
			PatientName:      c.PatientName,
			CoreInfoComplete: c.CoreInfoComplete,
			CreatedAt:        c.CreatedAt,
			UpdatedAt:        c.UpdatedAt,
		}
		if rec, err := record.Decode(c.Record); err == nil {
			item.ChiefComplaint = record.Value(rec.Situation.ChiefComplaint)
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.cases.Create(r.Context(), types.NewCaseID())
	if err != nil {
		slog.Error("create case failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	slog.Info("case created", "case_id", c.ID)
	writeJSON(w, http.StatusCreated, c)
}

// loadCase writes the error response itself and returns nil when the case
// cannot be served.
func (s *Server) loadCase(w http.ResponseWriter, r *http.Request) *types.Case {
	id := types.CaseID(chi.URLParam(r, "caseID"))
	c, err := s.cases.Load(r.Context(), id)
	if errors.Is(err, state.ErrCaseNotFound) {
		writeError(w, http.StatusNotFound, "case not found")
		return nil
	}
	if err != nil {
		slog.Error("load case failed", "case_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return nil
	}
	return c
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	if c := s.loadCase(w, r); c != nil {
		writeJSON(w, http.StatusOK, c)
	}
}

type updateCaseRequest struct {
	Status types.CaseStatus `json:"status"`
}

// handleUpdateCase supports the one status transition a client may request:
// active to completed.
func (s *Server) handleUpdateCase(w http.ResponseWriter, r *http.Request) {
	var req updateCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Status != types.CaseCompleted {
		writeError(w, http.StatusBadRequest, "status must be completed")
		return
	}
	c := s.loadCase(w, r)
	if c == nil {
		return
	}
	changed, err := s.cases.MarkCompletedIfActive(r.Context(), c.ID)
	if err != nil {
		slog.Error("complete case failed", "case_id", c.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": c.ID, "status": types.CaseCompleted, "changed": changed})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	c := s.loadCase(w, r)
	if c == nil {
		return
	}
	rec, err := record.Decode(c.Record)
	if err != nil {
		slog.Warn("stored record unreadable", "case_id", c.ID, "error", err)
		rec = record.New()
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	c := s.loadCase(w, r)
	if c == nil {
		return
	}
	segments, err := s.transcripts.List(r.Context(), c.ID)
	if err != nil {
		slog.Error("list transcript failed", "case_id", c.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if segments == nil {
		segments = []*types.TranscriptSegment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": c.ID, "segments": segments, "total": len(segments)})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	c := s.loadCase(w, r)
	if c == nil {
		return
	}
	records, err := s.audit.ListByCase(r.Context(), c.ID)
	if err != nil {
		slog.Error("list audit failed", "case_id", c.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if records == nil {
		records = []*types.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
