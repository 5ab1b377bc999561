package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stratflow/internal/approval"
	"stratflow/internal/clarify"
	"stratflow/internal/domain"
	"stratflow/internal/execute"
	"stratflow/internal/extract"
	"stratflow/internal/params"
	"stratflow/internal/remote"
	"stratflow/internal/specgen"
	"stratflow/internal/store"
	"stratflow/internal/util"
)

const (
	msgExtractionFailed = "Sorry, I couldn't process that just now. Your details are kept; please try again."
	msgSkipped          = "Okay, I'll skip those questions. Tell me more whenever you're ready."
	msgCancelled        = "Cancelled. The parameters and strategy have been cleared."
	msgReadyToGenerate  = "I have everything I need. Generate the strategy when you're ready."
)

// Submit sends a free-form user message through extraction. It is allowed
// in Idle, Clarifying (a reply to a confirmation prompt, or new details)
// and Done, where it starts a new workflow.
func (s *Session) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if text == "" {
		s.mu.Unlock()
		return &Failure{Kind: KindValidation, Err: errors.New("message is empty")}
	}
	switch s.state {
	case StateIdle, StateClarifying:
	case StateDone:
		s.resetWorkflowLocked()
		s.paramsChangedLocked()
		s.setStateLocked(StateIdle)
	default:
		st := s.state
		s.mu.Unlock()
		return invalidState("submit a message", st)
	}
	s.appendLocked(domain.RoleUser, text)
	return s.extractLocked(ctx, text)
}

// Answer validates a batch of answers to the outstanding questions and,
// when valid, merges them as user edits and re-runs extraction with a
// synthesised follow-up message. Invalid answers are rejected before any
// network call and leave the parameters unchanged.
func (s *Session) Answer(ctx context.Context, answers []clarify.Answer) error {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.state != StateClarifying {
		st := s.state
		s.mu.Unlock()
		return invalidState("answer questions", st)
	}
	if len(s.questions) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: no open questions, reply to the confirmation instead", ErrInvalidState)
	}

	batch := clarify.NewBatch(s.questions, s.batchOptions()...)
	for _, a := range answers {
		if err := batch.Answer(a); err != nil {
			defer s.mu.Unlock()
			return s.validationLocked(err)
		}
	}
	patch, err := batch.Submit()
	if err != nil {
		defer s.mu.Unlock()
		return s.validationLocked(err)
	}
	if err := patch.ApplyTo(s.params); err != nil {
		defer s.mu.Unlock()
		return s.validationLocked(err)
	}
	s.paramsChangedLocked()

	follow := patch.FollowUp(s.opts.Money)
	s.appendLocked(domain.RoleUser, follow)
	return s.extractLocked(ctx, follow)
}

// Skip discards the outstanding questions without merging anything. Optional
// fields that were asked about are no longer considered missing.
func (s *Session) Skip() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return err
	}
	if s.state != StateClarifying {
		return invalidState("skip questions", s.state)
	}
	for _, q := range s.questions {
		for _, f := range expand(q.Field) {
			if !isRequired(f) {
				s.skipped[f] = true
			}
		}
	}
	s.questions = nil
	s.missing = s.computeMissingLocked(nil)
	s.appendLocked(domain.RoleAssistant, msgSkipped)
	s.setStateLocked(StateIdle)
	return nil
}

// EditField records a direct user edit: the value overwrites any existing
// one at confidence 1.0. An empty value clears the field.
func (s *Session) EditField(f domain.Field, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return err
	}
	switch s.state {
	case StateIdle, StateClarifying:
	default:
		return invalidState("edit parameters", s.state)
	}
	if err := s.params.SetUser(f, value); err != nil {
		return &Failure{Kind: KindValidation, Err: err}
	}
	s.missing = s.computeMissingLocked(s.missing)
	s.paramsChangedLocked()
	return nil
}

// Generate starts spec generation from Idle. All required parameters must
// be set.
func (s *Session) Generate(ctx context.Context) error {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return invalidState("generate", st)
	}
	if missing := s.computeMissingLocked(nil); len(missing) > 0 {
		defer s.mu.Unlock()
		s.missing = missing
		return s.validationLocked(fmt.Errorf("%w: %s", specgen.ErrMissingParameters, joinFields(missing)))
	}
	s.genParams = s.params.Clone()
	s.prevSpec = ""
	return s.generateLocked(ctx)
}

// Regenerate discards the pending spec and generates again with the same
// parameters as the previous generation.
func (s *Session) Regenerate(ctx context.Context) error {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.state != StatePendingApproval {
		st := s.state
		s.mu.Unlock()
		return invalidState("regenerate", st)
	}
	if s.genParams == nil {
		s.genParams = s.params.Clone()
	}
	s.prevSpec = s.spec.Content
	return s.generateLocked(ctx)
}

// Approve freezes the parameters and spec and hands them to the execution
// service. On failure the session stays in PendingApproval.
func (s *Session) Approve(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateGenerating {
		s.mu.Unlock()
		return approval.ErrGenerationPending
	}
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.state != StatePendingApproval {
		st := s.state
		s.mu.Unlock()
		return invalidState("approve", st)
	}
	if err := approval.CanApprove(s.spec, false); err != nil {
		s.mu.Unlock()
		return err
	}

	frozen := s.approvalParamsLocked().Snapshot()
	req := &execute.Request{Intent: s.intent, Parameters: frozen, Spec: s.spec.Content}
	s.setStateLocked(StateApproved)
	token, rctx := s.beginLocked(ctx)
	s.setStateLocked(StateExecuting)
	s.mu.Unlock()

	res, err := s.callExecute(rctx, req)

	s.mu.Lock()
	if !s.currentLocked(token) {
		s.mu.Unlock()
		return ErrStale
	}
	s.endLocked()
	if err == nil && !res.Success {
		err = errors.New(nonEmpty(res.Message, "the execution service rejected the request"))
	}
	if err != nil {
		s.setStateLocked(StatePendingApproval)
		f := s.failLocked(&Failure{Kind: KindExecution, Err: err}, "Execution failed: "+describe(err))
		s.mu.Unlock()
		return f
	}

	s.result = res
	s.lastErr = nil
	s.appendLocked(domain.RoleAssistant, executionMessage(req.Intent, res))
	s.setStateLocked(StateDone)
	spec := s.spec.Content
	s.mu.Unlock()

	s.record(ctx, req, res, spec)
	return nil
}

// Cancel aborts any outstanding request, discards the parameters and spec
// and returns to Idle. It is allowed in every state.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	wasPending := s.state == StatePendingApproval
	spec := s.spec.Content
	s.abortLocked()
	s.resetWorkflowLocked()
	s.paramsChangedLocked()
	s.broadcast(Event{Type: EventSpec, Spec: &domain.StrategySpec{}})
	s.appendLocked(domain.RoleAssistant, msgCancelled)
	s.setStateLocked(StateIdle)
	s.mu.Unlock()

	if wasPending && s.deps.Journal != nil {
		err := s.deps.Journal.Append(context.Background(), &store.Decision{
			SessionID: s.id,
			Decision:  domain.DecisionCancelled,
			Spec:      spec,
			Timestamp: s.opts.Now(),
		})
		if err != nil {
			s.log.Error("journaling cancellation", "error", err)
		}
	}
	return nil
}

// Review returns the approval gate for the pending spec, and the diff
// against the previous spec when it was regenerated.
func (s *Session) Review() (*approval.Gate, []approval.DiffLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := approval.New(s.approvalParamsLocked(), s.spec, s.state == StateGenerating,
		approval.Actions{
			Approve:    s.Approve,
			Cancel:     s.Cancel,
			Regenerate: s.Regenerate,
		},
		approval.WithMoney(s.opts.Money),
		approval.WithThreshold(s.opts.LowConfidence),
	)
	var diff []approval.DiffLine
	if s.prevSpec != "" && !s.spec.IsEmpty() {
		diff = approval.SpecDiff(s.prevSpec, s.spec.Content)
	}
	return gate, diff
}

// approvalParamsLocked returns a copy of the parameters with the tickers
// inferred from the pending spec filled in. The inferred tickers belong to
// the spec and are never written back to s.params.
func (s *Session) approvalParamsLocked() *params.Set {
	p := s.params.Clone()
	if len(s.inferred) > 0 && !p.Has(domain.FieldTickerList) {
		p.MergeExtracted(
			map[domain.Field]any{domain.FieldTickerList: s.inferred},
			map[domain.Field]float64{domain.FieldTickerList: params.DefaultExtractedConfidence},
		)
	}
	return p
}

// ---------------------------------------------------------------------------
// Extraction
// ---------------------------------------------------------------------------

// extractLocked runs extraction for utterance. It is entered with s.mu
// held and returns with it released.
func (s *Session) extractLocked(ctx context.Context, utterance string) error {
	prev := s.state
	history := append([]domain.Message(nil), s.messages...)
	current := s.params.Clone()
	token, rctx := s.beginLocked(ctx)
	s.setStateLocked(StateExtracting)
	s.mu.Unlock()

	var res *extract.Result
	err := s.withRetry(rctx, s.opts.ExtractTimeout, func(actx context.Context) error {
		r, err := s.deps.Extractor.Extract(actx, utterance, history, current)
		if err == nil {
			res = r
		}
		return err
	})

	s.mu.Lock()
	if !s.currentLocked(token) {
		s.mu.Unlock()
		return ErrStale
	}
	if err != nil {
		s.endLocked()
		s.setStateLocked(prev)
		f := s.failLocked(&Failure{Kind: KindExtraction, Err: err}, msgExtractionFailed)
		s.mu.Unlock()
		return f
	}
	s.endLocked()
	s.lastErr = nil
	s.applyExtractionLocked(res)

	if len(s.missing) > 0 {
		s.enterClarifyingLocked(res)
		s.mu.Unlock()
		return nil
	}
	s.questions = nil
	if s.opts.ManualGenerate {
		s.appendLocked(domain.RoleAssistant, msgReadyToGenerate)
		s.setStateLocked(StateIdle)
		s.mu.Unlock()
		return nil
	}
	s.genParams = s.params.Clone()
	s.prevSpec = ""
	return s.generateLocked(ctx)
}

func (s *Session) applyExtractionLocked(res *extract.Result) {
	s.intent = res.Intent
	merged := s.params.MergeExtracted(res.Values, res.Confidence)
	for f, err := range merged.Invalid {
		s.log.Info("ignoring invalid extracted value", "field", f, "error", err)
	}

	defaults := make(map[domain.Field]any, len(res.Defaults))
	for f, v := range res.Defaults {
		if !isRequired(f) {
			defaults[f] = v
		}
	}
	applied := s.params.ApplyDefaults(defaults)

	if len(merged.Accepted) > 0 || len(applied) > 0 {
		s.paramsChangedLocked()
	}
	s.missing = s.computeMissingLocked(res.Missing)
	s.log.Info("extraction merged",
		"accepted", len(merged.Accepted),
		"kept", len(merged.Kept),
		"defaults", len(applied),
		"missing", len(s.missing),
	)
}

// enterClarifyingLocked builds the question batch for the missing fields.
// Confirmation prompts become assistant text; requests for new
// information become the structured batch.
func (s *Session) enterClarifyingLocked(res *extract.Result) {
	confirm, newInfo := clarify.Partition(res.Questions)

	covered := make(map[domain.Field]bool)
	var questions []domain.ClarificationQuestion
	for _, q := range confirm {
		for _, f := range expand(q.Field) {
			covered[f] = true
		}
	}
	for _, q := range newInfo {
		if s.userSetLocked(q.Field) {
			continue
		}
		for _, f := range expand(q.Field) {
			covered[f] = true
		}
		questions = append(questions, q)
	}
	var uncovered []domain.Field
	for _, f := range s.missing {
		if !covered[f] {
			uncovered = append(uncovered, f)
			covered[f] = true
		}
	}
	questions = append(questions, clarify.QuestionsFor(uncovered, s.opts.Money)...)
	s.questions = clarify.NewBatch(questions).Questions()

	var parts []string
	if text := clarify.ConfirmationText(confirm); text != "" {
		parts = append(parts, text)
	}
	if len(s.questions) > 0 {
		var b strings.Builder
		b.WriteString("A few details are still needed:")
		for _, q := range s.questions {
			b.WriteString("\n- ")
			b.WriteString(q.Question)
		}
		parts = append(parts, b.String())
	}
	s.appendLocked(domain.RoleAssistant, strings.Join(parts, "\n\n"))
	s.setStateLocked(StateClarifying)
}

// ---------------------------------------------------------------------------
// Generation
// ---------------------------------------------------------------------------

// generateLocked runs generation from s.genParams. It is entered with s.mu
// held and returns with it released.
func (s *Session) generateLocked(ctx context.Context) error {
	frozen := s.genParams.Clone()
	s.spec = domain.StrategySpec{}
	s.inferred = nil
	s.broadcast(Event{Type: EventSpec, Spec: &domain.StrategySpec{}})
	token, rctx := s.beginLocked(ctx)
	s.setStateLocked(StateGenerating)
	s.mu.Unlock()

	onChunk := func(acc string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.currentLocked(token) {
			return
		}
		s.spec.Content = acc
		s.broadcast(Event{Type: EventChunk, Text: acc})
	}

	var out *specgen.Outcome
	err := s.withRetry(rctx, s.opts.GenerateTimeout, func(actx context.Context) error {
		o, err := s.deps.Generator.Run(actx, frozen, onChunk)
		if err == nil {
			out = o
		}
		return err
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.currentLocked(token) {
		return ErrStale
	}
	s.endLocked()
	if err != nil {
		s.spec = domain.StrategySpec{}
		s.broadcast(Event{Type: EventSpec, Spec: &domain.StrategySpec{}})
		s.setStateLocked(StateIdle)
		return s.failLocked(&Failure{Kind: KindGeneration, Err: err},
			"Strategy generation failed: "+describe(err)+". You can retry generation.")
	}

	s.spec = out.Spec
	spec := out.Spec
	s.broadcast(Event{Type: EventSpec, Spec: &spec})
	if out.TickersInferred {
		s.inferred = out.Tickers
	}
	s.lastErr = nil

	msg := "Here is your strategy. Review it, then approve, regenerate or cancel."
	if !out.Spec.Valid && out.Spec.ValidationMessage != "" {
		msg += " Note: " + out.Spec.ValidationMessage
	}
	s.appendLocked(domain.RoleAssistant, msg)
	s.setStateLocked(StatePendingApproval)
	return nil
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

func (s *Session) callExecute(ctx context.Context, req *execute.Request) (*domain.ExecutionResult, error) {
	if s.opts.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ExecuteTimeout)
		defer cancel()
	}
	return s.deps.Executor.ExecuteIntent(ctx, req)
}

// record writes the run ledger and the approval journal. Failures are
// logged; the run has already been handed off.
func (s *Session) record(ctx context.Context, req *execute.Request, res *domain.ExecutionResult, spec string) {
	ctx = context.WithoutCancel(ctx)
	now := s.opts.Now()
	if s.deps.Runs != nil {
		err := s.deps.Runs.SaveRun(ctx, &store.Run{
			ID:         nonEmpty(res.RunID(), fmt.Sprintf("%s-%d", s.id, now.UnixMilli())),
			SessionID:  s.id,
			Intent:     req.Intent,
			Success:    res.Success,
			Message:    res.Message,
			Spec:       spec,
			Parameters: req.Parameters,
			CreatedAt:  now,
		})
		if err != nil {
			s.log.Error("saving run", "error", err)
		}
	}
	if s.deps.Journal != nil {
		err := s.deps.Journal.Append(ctx, &store.Decision{
			SessionID:  s.id,
			Decision:   domain.DecisionApproved,
			RunID:      res.RunID(),
			Success:    res.Success,
			Message:    res.Message,
			Spec:       spec,
			Parameters: req.Parameters,
			Timestamp:  now,
		})
		if err != nil {
			s.log.Error("journaling approval", "error", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// withRetry runs fn with bounded exponential backoff. Each attempt gets its
// own timeout; only temporary failures are retried.
func (s *Session) withRetry(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	return util.RetryIf(ctx, s.opts.MaxAttempts, s.opts.BaseDelay, remote.IsTemporary, func() error {
		if timeout <= 0 {
			return fn(ctx)
		}
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(actx)
	})
}

func (s *Session) batchOptions() []clarify.BatchOption {
	opts := []clarify.BatchOption{clarify.WithClock(s.opts.Now)}
	if s.deps.Assets != nil {
		opts = append(opts, clarify.WithAssets(s.deps.Assets))
	}
	return opts
}

// validationLocked reports a locally blocked submission.
func (s *Session) validationLocked(err error) error {
	msg := err.Error()
	var verr *clarify.ValidationError
	if errors.As(err, &verr) {
		msg = verr.Message
	}
	return s.failLocked(&Failure{Kind: KindValidation, Err: err}, "Please check your answer: "+msg)
}

// computeMissingLocked returns the unset required fields plus the unset
// fields the extraction service reported, minus skipped optional fields.
func (s *Session) computeMissingLocked(reported []domain.Field) []domain.Field {
	seen := make(map[domain.Field]bool)
	var out []domain.Field
	add := func(f domain.Field) {
		if seen[f] || s.params.Has(f) {
			return
		}
		if s.skipped[f] && !isRequired(f) {
			return
		}
		seen[f] = true
		out = append(out, f)
	}
	for _, f := range domain.RequiredFields {
		add(f)
	}
	for _, f := range reported {
		for _, ff := range expand(f) {
			add(ff)
		}
	}
	return out
}

// userSetLocked reports whether every field behind f is pinned by the user.
func (s *Session) userSetLocked(f domain.Field) bool {
	for _, ff := range expand(f) {
		if src, ok := s.params.Source(ff); !ok || src != params.SourceUser {
			return false
		}
	}
	return true
}

func expand(f domain.Field) []domain.Field {
	if f.IsDate() {
		return []domain.Field{domain.FieldStartDate, domain.FieldEndDate}
	}
	return []domain.Field{f}
}

func isRequired(f domain.Field) bool {
	for _, r := range domain.RequiredFields {
		if r == f {
			return true
		}
	}
	return false
}

func joinFields(fs []domain.Field) string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return strings.Join(out, ", ")
}

func describe(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "the request timed out"
	case errors.Is(err, context.Canceled):
		return "the request was cancelled"
	}
	return err.Error()
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func executionMessage(intent domain.Intent, res *domain.ExecutionResult) string {
	msg := nonEmpty(res.Message, fmt.Sprintf("Your %s has been submitted.", intent))
	if id := res.RunID(); id != "" && !strings.Contains(msg, id) {
		msg += fmt.Sprintf(" (run %s)", id)
	}
	return msg
}
