// Package session implements the conversation workflow: it owns the
// parameter set and the working strategy spec, drives extraction and the
// clarification loop, generates the strategy and gates its execution behind an
// explicit approval.
//
// State machine:
//
//	Idle -> Extracting -> {Clarifying <-> Extracting} -> Generating ->
//	PendingApproval -> {Approved -> Executing -> Done}
//	                 | {Cancelled -> Idle}
//	                 | {Regenerate -> Generating}
//
// At most one request is outstanding per session. Each request carries a
// token; a response whose token is no longer current is discarded.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stratflow/internal/clarify"
	"stratflow/internal/domain"
	"stratflow/internal/execute"
	"stratflow/internal/extract"
	"stratflow/internal/params"
	"stratflow/internal/specgen"
	"stratflow/internal/store"
)

// State is a workflow state.
type State string

const (
	StateIdle            State = "idle"
	StateExtracting      State = "extracting"
	StateClarifying      State = "clarifying"
	StateGenerating      State = "generating"
	StatePendingApproval State = "pending_approval"
	StateApproved        State = "approved"
	StateExecuting       State = "executing"
	StateDone            State = "done"
)

// Extractor performs one extraction round trip. *extract.Adapter
// implements it.
type Extractor interface {
	Extract(ctx context.Context, utterance string, history []domain.Message, current params.View) (*extract.Result, error)
}

// Generator produces a strategy spec from frozen parameters.
// *specgen.Generator implements it.
type Generator interface {
	Run(ctx context.Context, p *params.Set, onChunk func(accumulated string)) (*specgen.Outcome, error)
}

// Deps are the collaborators of a session. Runs, Journal and Assets are
// optional.
type Deps struct {
	Extractor Extractor
	Generator Generator
	Executor  execute.Executor
	Runs      store.RunStore
	Journal   store.Journal
	Assets    clarify.AssetChecker
	Log       *slog.Logger
}

// Options tune a session.
type Options struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	ExtractTimeout  time.Duration
	GenerateTimeout time.Duration
	ExecuteTimeout  time.Duration

	// LowConfidence flags fields below this score in the approval view.
	// Low-confidence fields are not re-asked once nothing is missing.
	LowConfidence float64

	// ManualGenerate stops the workflow in Idle once all parameters are
	// known instead of generating straight away.
	ManualGenerate bool

	Money            clarify.Money
	SubscriberBuffer int
	Now              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.LowConfidence == 0 {
		o.LowConfidence = 0.6
	}
	if o.Money.IsZero() {
		o.Money = clarify.DefaultMoney()
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 64
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type inflight struct {
	token  uint64
	cancel context.CancelFunc
}

// Session is one conversation workflow. It is safe for concurrent use.
type Session struct {
	id   string
	deps Deps
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	state     State
	intent    domain.Intent
	params    *params.Set
	genParams *params.Set
	spec      domain.StrategySpec
	inferred  []string
	prevSpec  string
	messages  []domain.Message
	questions []domain.ClarificationQuestion
	missing   []domain.Field
	skipped   map[domain.Field]bool
	result    *domain.ExecutionResult
	lastErr   *Failure
	req       *inflight
	nextToken uint64
	touched   time.Time
	closed    bool

	subsMu     sync.Mutex
	subs       map[int]chan Event
	nextSubID  int
	subsClosed bool
}

// New creates an idle session.
func New(id string, deps Deps, opts Options) *Session {
	opts = opts.withDefaults()
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		id:      id,
		deps:    deps,
		opts:    opts,
		log:     log.With("session", id),
		state:   StateIdle,
		intent:  domain.IntentBacktest,
		params:  params.New(),
		skipped: make(map[domain.Field]bool),
		touched: opts.Now(),
		subs:    make(map[int]chan Event),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Close aborts any outstanding request and closes all subscriber channels.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.abortLocked()
	s.mu.Unlock()
	s.closeSubscribers()
}

// Snapshot is a point-in-time copy of the session's observable state.
type Snapshot struct {
	ID         string                         `json:"id"`
	State      State                          `json:"state"`
	Busy       bool                           `json:"busy"`
	Intent     domain.Intent                  `json:"intent"`
	Params     map[string]any                 `json:"params"`
	Confidence map[string]float64             `json:"confidence"`
	Missing    []domain.Field                 `json:"missing"`
	Questions  []domain.ClarificationQuestion `json:"questions"`
	Spec       domain.StrategySpec            `json:"spec"`
	Result     *domain.ExecutionResult        `json:"result,omitempty"`
	LastError  string                         `json:"last_error,omitempty"`
	Messages   int                            `json:"messages"`
	UpdatedAt  time.Time                      `json:"updated_at"`
}

// Snapshot returns the current observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:         s.id,
		State:      s.state,
		Busy:       s.req != nil,
		Intent:     s.intent,
		Params:     s.params.Snapshot(),
		Confidence: s.params.ConfidenceSnapshot(),
		Missing:    append([]domain.Field(nil), s.missing...),
		Questions:  append([]domain.ClarificationQuestion(nil), s.questions...),
		Spec:       s.spec,
		Messages:   len(s.messages),
		UpdatedAt:  s.touched,
	}
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// State returns the current workflow state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the conversation log.
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages...)
}

// Params returns a copy of the parameter set.
func (s *Session) Params() *params.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.Clone()
}

// IdleSince returns when the session was last touched, and whether a
// request is outstanding.
func (s *Session) IdleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched, s.req != nil
}

// ---------------------------------------------------------------------------
// Internal helpers; callers hold s.mu.
// ---------------------------------------------------------------------------

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.log.Debug("state transition", "from", s.state, "to", st)
	s.state = st
	s.broadcast(Event{Type: EventState, State: st})
}

func (s *Session) appendLocked(role domain.Role, text string) {
	m := domain.Message{Role: role, Text: text, CreatedAt: s.opts.Now()}
	s.messages = append(s.messages, m)
	s.broadcast(Event{Type: EventMessage, Message: &m})
}

func (s *Session) paramsChangedLocked() {
	s.broadcast(Event{Type: EventParams, Params: s.params.Snapshot()})
}

// beginLocked reserves the request slot and returns its token and a
// context that Cancel and Close can abort.
func (s *Session) beginLocked(parent context.Context) (uint64, context.Context) {
	s.nextToken++
	ctx, cancel := context.WithCancel(parent)
	s.req = &inflight{token: s.nextToken, cancel: cancel}
	s.touched = s.opts.Now()
	return s.nextToken, ctx
}

// currentLocked reports whether token still owns the request slot.
func (s *Session) currentLocked(token uint64) bool {
	return s.req != nil && s.req.token == token
}

// endLocked releases the request slot.
func (s *Session) endLocked() {
	if s.req != nil {
		s.req.cancel()
		s.req = nil
	}
	s.touched = s.opts.Now()
}

// abortLocked cancels the outstanding request; its response becomes stale.
func (s *Session) abortLocked() {
	if s.req != nil {
		s.log.Info("aborting outstanding request", "token", s.req.token)
	}
	s.endLocked()
}

// readyLocked checks the common preconditions of a user operation.
func (s *Session) readyLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.req != nil {
		return ErrBusy
	}
	return nil
}

// failLocked records f, appends msg for the user and broadcasts the error.
func (s *Session) failLocked(f *Failure, msg string) *Failure {
	s.lastErr = f
	s.appendLocked(domain.RoleAssistant, msg)
	s.broadcast(Event{Type: EventError, Error: f.Error()})
	s.log.Warn("operation failed", "kind", f.Kind, "error", f.Err)
	return f
}

func (s *Session) resetWorkflowLocked() {
	s.params.Reset()
	s.genParams = nil
	s.spec = domain.StrategySpec{}
	s.inferred = nil
	s.prevSpec = ""
	s.questions = nil
	s.missing = nil
	s.result = nil
	s.lastErr = nil
	clear(s.skipped)
	s.intent = domain.IntentBacktest
}
