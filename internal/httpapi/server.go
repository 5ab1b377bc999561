package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"stratflow/internal/approval"
	"stratflow/internal/clarify"
	"stratflow/internal/domain"
	"stratflow/internal/session"
	"stratflow/internal/store"
)

// Server serves the workflow HTTP API.
type Server struct {
	sessions *session.Manager
	runs     store.RunStore
	journal  store.Journal
	money    clarify.Money
	log      *slog.Logger

	// Events are buffered per subscriber; slow clients miss events.
	eventBuffer int
}

// NewServer creates a Server. runs and journal may be nil, in which case
// their endpoints answer 404.
func NewServer(sessions *session.Manager, runs store.RunStore, journal store.Journal, money clarify.Money, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if money.IsZero() {
		money = clarify.DefaultMoney()
	}
	return &Server{
		sessions:    sessions,
		runs:        runs,
		journal:     journal,
		money:       money,
		log:         log,
		eventBuffer: 256,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/sessions", s.handleCreate)
	mux.HandleFunc("GET /api/sessions", s.handleList)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleMessage)
	mux.HandleFunc("POST /api/sessions/{id}/answers", s.handleAnswers)
	mux.HandleFunc("POST /api/sessions/{id}/skip", s.handleSkip)
	mux.HandleFunc("PUT /api/sessions/{id}/params/{field}", s.handleEditField)
	mux.HandleFunc("POST /api/sessions/{id}/generate", s.handleGenerate)
	mux.HandleFunc("POST /api/sessions/{id}/regenerate", s.handleRegenerate)
	mux.HandleFunc("POST /api/sessions/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/sessions/{id}/review", s.handleReview)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/sessions/{id}/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRun)
	mux.HandleFunc("GET /api/decisions/{date}", s.handleDecisions)
	mux.HandleFunc("GET /api/presets", s.handlePresets)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logRequests(corsMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeStatus(w, http.StatusOK, v)
}

func writeStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeStatus(w, status, ErrorJSON{Error: msg})
}

// writeFailure maps a workflow error to its status code.
func writeFailure(w http.ResponseWriter, err error) {
	body := ErrorJSON{Error: err.Error()}
	var (
		verr *clarify.ValidationError
		f    *session.Failure
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		status = http.StatusGone
	case errors.As(err, &verr):
		status = http.StatusUnprocessableEntity
		body.Kind = string(session.KindValidation)
		body.Field = string(verr.Field)
		body.Error = verr.Message
	case errors.Is(err, clarify.ErrNoAnswers):
		status = http.StatusUnprocessableEntity
		body.Kind = string(session.KindValidation)
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrInvalidState),
		errors.Is(err, session.ErrStale), errors.Is(err, approval.ErrGenerationPending),
		errors.Is(err, approval.ErrNoSpec):
		status = http.StatusConflict
	case errors.As(err, &f):
		body.Kind = string(f.Kind)
		switch {
		case f.Kind == session.KindValidation:
			status = http.StatusUnprocessableEntity
		case f.TimedOut():
			status = http.StatusGatewayTimeout
		default:
			status = http.StatusBadGateway
		}
	}
	writeStatus(w, status, body)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return &clarify.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return nil, false
	}
	return sess, true
}

// asyncGrace is how long an async operation may take before the request
// is answered with 202.
const asyncGrace = 50 * time.Millisecond

// run executes op and answers with the resulting snapshot. With ?async=1
// the operation continues detached from the request: errors raised before
// asyncGrace are reported as usual, otherwise the response is 202 and
// progress is observed through the event stream.
func (s *Server) run(w http.ResponseWriter, r *http.Request, sess *session.Session, op func(ctx context.Context) error) {
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		ctx := context.WithoutCancel(r.Context())
		done := make(chan error, 1)
		go func() {
			err := op(ctx)
			if err != nil {
				s.log.Info("background operation failed", "session", sess.ID(), "error", err)
			}
			done <- err
		}()
		select {
		case err := <-done:
			if err != nil {
				writeFailure(w, err)
				return
			}
			writeJSON(w, s.sessionJSON(sess, false))
		case <-time.After(asyncGrace):
			writeStatus(w, http.StatusAccepted, s.sessionJSON(sess, false))
		}
		return
	}

	if err := op(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, s.sessionJSON(sess, false))
}

func (s *Server) sessionJSON(sess *session.Session, withLog bool) SessionJSON {
	out := SessionJSON{Snapshot: sess.Snapshot()}
	if withLog {
		out.Log = sess.Messages()
	}
	return out
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "sessions": s.sessions.Len()})
}

func (s *Server) handleCreate(w http.ResponseWriter, _ *http.Request) {
	sess := s.sessions.Create()
	writeStatus(w, http.StatusCreated, s.sessionJSON(sess, true))
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, s.sessionJSON(sess, true))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(r.PathValue("id")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req MessageRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	s.run(w, r, sess, func(ctx context.Context) error { return sess.Submit(ctx, req.Text) })
}

func (s *Server) handleAnswers(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req AnswersRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	s.run(w, r, sess, func(ctx context.Context) error { return sess.Answer(ctx, req.Answers) })
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.run(w, r, sess, func(context.Context) error { return sess.Skip() })
}

func (s *Server) handleEditField(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	field := domain.Field(r.PathValue("field"))
	if !field.IsKnown() {
		writeFailure(w, &clarify.ValidationError{Field: field, Message: "unknown field"})
		return
	}
	var req FieldRequest
	if err := decode(r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	s.run(w, r, sess, func(context.Context) error { return sess.EditField(field, req.Value) })
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.run(w, r, sess, sess.Generate)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.run(w, r, sess, sess.Regenerate)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	s.run(w, r, sess, sess.Approve)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Cancel(); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, s.sessionJSON(sess, false))
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	gate, diff := sess.Review()
	writeJSON(w, ReviewJSON{
		State:         sess.State(),
		Spec:          gate.Spec(),
		Generating:    gate.Generating(),
		CanRegenerate: gate.CanRegenerate(),
		Rows:          gate.Summary(),
		Diff:          diff,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "run store not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := s.runs.ListRuns(r.Context(), r.URL.Query().Get("session"), limit)
	if err != nil {
		s.log.Error("listing runs", "error", err)
		writeError(w, http.StatusInternalServerError, "listing runs failed")
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, RunsJSON{Runs: runs})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "run store not configured")
		return
	}
	run, err := s.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, run)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "journal not configured")
		return
	}
	day, err := time.Parse(domain.DateLayout, r.PathValue("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	decisions, err := s.journal.ReadDay(r.Context(), day)
	if err != nil {
		s.log.Error("reading journal", "date", r.PathValue("date"), "error", err)
		writeError(w, http.StatusInternalServerError, "reading journal failed")
		return
	}
	out := make([]DecisionJSON, len(decisions))
	for i, d := range decisions {
		out[i] = DecisionJSON{
			SessionID:  d.SessionID,
			Decision:   d.Decision,
			RunID:      d.RunID,
			Success:    d.Success,
			Message:    d.Message,
			Spec:       d.Spec,
			Parameters: d.Parameters,
			Timestamp:  d.Timestamp.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, map[string]any{"date": r.PathValue("date"), "decisions": out})
}

func (s *Server) handlePresets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, PresetsJSON{Presets: clarify.Presets(), Capital: s.money.CapitalSuggestions()})
}
