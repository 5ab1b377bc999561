package clarify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"stratflow/internal/domain"
	"stratflow/internal/params"
)

// ErrNoAnswers is returned by Submit when nothing has been answered.
var ErrNoAnswers = errors.New("at least one answer is required")

// ValidationError blocks a submission locally, before any network call.
// Message is meant for the user.
type ValidationError struct {
	Field   domain.Field
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Answer is the user's reply to one question. Which members are read
// depends on the question kind: Value for text, textarea, number and
// select; Value or Values for array; Preset (plus Start and End for the
// custom preset) for date-range.
type Answer struct {
	Field  domain.Field `json:"field"`
	Value  string       `json:"value,omitempty"`
	Values []string     `json:"values,omitempty"`
	Preset string       `json:"preset,omitempty"`
	Start  string       `json:"start,omitempty"`
	End    string       `json:"end,omitempty"`
}

func (a Answer) empty() bool {
	return strings.TrimSpace(a.Value) == "" && len(a.Values) == 0 && strings.TrimSpace(a.Preset) == ""
}

// Batch collects answers to one set of outstanding questions.
type Batch struct {
	questions []domain.ClarificationQuestion
	byField   map[domain.Field]int
	answers   map[domain.Field]any
	order     []domain.Field
	assets    AssetChecker
	now       func() time.Time
}

// BatchOption configures a Batch.
type BatchOption func(*Batch)

// WithAssets rejects array answers containing symbols checker does not
// know.
func WithAssets(checker AssetChecker) BatchOption {
	return func(b *Batch) { b.assets = checker }
}

// WithClock overrides the clock used to resolve date presets.
func WithClock(now func() time.Time) BatchOption {
	return func(b *Batch) { b.now = now }
}

// NewBatch prepares a batch for qs. Date questions (dates, start_date,
// end_date) are collapsed into one date-range question on FieldDates.
func NewBatch(qs []domain.ClarificationQuestion, opts ...BatchOption) *Batch {
	b := &Batch{
		byField: make(map[domain.Field]int),
		answers: make(map[domain.Field]any),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, q := range qs {
		if q.Field.IsDate() {
			q.Field = domain.FieldDates
			q.Kind = domain.KindDateRange
			if len(q.Suggestions) == 0 {
				q.Suggestions = PresetLabels()
			}
		}
		if q.Kind == "" {
			q.Kind = DefaultKind(q.Field)
		}
		if _, dup := b.byField[q.Field]; dup {
			continue
		}
		b.byField[q.Field] = len(b.questions)
		b.questions = append(b.questions, q)
	}
	return b
}

// Questions returns the outstanding questions.
func (b *Batch) Questions() []domain.ClarificationQuestion {
	return append([]domain.ClarificationQuestion(nil), b.questions...)
}

// Len returns the number of questions in the batch.
func (b *Batch) Len() int {
	return len(b.questions)
}

// CanSubmit reports whether at least one answer has been given.
func (b *Batch) CanSubmit() bool {
	return len(b.answers) > 0
}

// Answer validates and records a for its question. An empty answer
// withdraws a previous one.
func (b *Batch) Answer(a Answer) error {
	f := a.Field
	if f.IsDate() {
		f = domain.FieldDates
	}
	idx, ok := b.byField[f]
	if !ok {
		return &ValidationError{Field: a.Field, Message: "no open question for this field"}
	}
	q := b.questions[idx]

	if a.empty() {
		b.withdraw(f)
		return nil
	}

	v, err := b.parse(q, a)
	if err != nil {
		return err
	}
	if _, seen := b.answers[f]; !seen {
		b.order = append(b.order, f)
	}
	b.answers[f] = v
	return nil
}

// Submit returns the patch for all answers. It fails with ErrNoAnswers when
// nothing was answered.
func (b *Batch) Submit() (Patch, error) {
	if !b.CanSubmit() {
		return Patch{}, ErrNoAnswers
	}
	p := Patch{values: make(map[domain.Field]any)}
	for _, f := range b.order {
		v := b.answers[f]
		if r, ok := v.(dateRange); ok {
			p.start, p.end, p.hasRange = r.start, r.end, true
			continue
		}
		p.values[f] = v
		p.order = append(p.order, f)
	}
	return p, nil
}

func (b *Batch) withdraw(f domain.Field) {
	if _, ok := b.answers[f]; !ok {
		return
	}
	delete(b.answers, f)
	for i, o := range b.order {
		if o == f {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

type dateRange struct {
	start, end time.Time
}

func (b *Batch) parse(q domain.ClarificationQuestion, a Answer) (any, error) {
	switch q.Kind {
	case domain.KindDateRange:
		return b.parseDates(a)

	case domain.KindArray:
		var symbols []string
		if len(a.Values) > 0 {
			symbols = params.NormalizeTickers(a.Values)
		} else {
			symbols = ParseTickers(a.Value)
		}
		if len(symbols) == 0 {
			return nil, &ValidationError{Field: q.Field, Message: "enter at least one symbol"}
		}
		if b.assets != nil && q.Field == domain.FieldTickerList {
			var unknown []string
			for _, s := range symbols {
				if !b.assets.Known(s) {
					unknown = append(unknown, s)
				}
			}
			if len(unknown) > 0 {
				return nil, &ValidationError{Field: q.Field, Message: "unknown or untradable symbols: " + strings.Join(unknown, ", ")}
			}
		}
		return symbols, nil

	case domain.KindSelect:
		choice := strings.TrimSpace(a.Value)
		if len(q.Suggestions) == 0 {
			return b.normalize(q.Field, choice)
		}
		for _, s := range q.Suggestions {
			if strings.EqualFold(s, choice) {
				return b.normalize(q.Field, s)
			}
		}
		return nil, &ValidationError{Field: q.Field, Message: fmt.Sprintf("choose one of: %s", strings.Join(q.Suggestions, ", "))}

	default:
		return b.normalize(q.Field, a.Value)
	}
}

func (b *Batch) normalize(f domain.Field, raw string) (any, error) {
	if !f.IsKnown() {
		return nil, &ValidationError{Field: f, Message: "unknown field"}
	}
	v, err := params.Normalize(f, raw)
	if err != nil {
		return nil, &ValidationError{Field: f, Message: err.Error()}
	}
	if v == nil {
		return nil, &ValidationError{Field: f, Message: "value is empty"}
	}
	return v, nil
}

func (b *Batch) parseDates(a Answer) (any, error) {
	preset, ok := ParsePreset(a.Preset)
	if !ok && a.Preset == "" && a.Value != "" {
		preset, ok = ParsePreset(a.Value)
	}
	if !ok {
		return nil, &ValidationError{Field: domain.FieldDates, Message: "choose a date range preset or Custom"}
	}
	if preset != PresetCustom {
		start, end, err := ResolvePreset(preset, b.now())
		if err != nil {
			return nil, &ValidationError{Field: domain.FieldDates, Message: err.Error()}
		}
		return dateRange{start: start, end: end}, nil
	}

	start, err := time.Parse(domain.DateLayout, strings.TrimSpace(a.Start))
	if err != nil {
		return nil, &ValidationError{Field: domain.FieldStartDate, Message: "enter a start date as YYYY-MM-DD"}
	}
	end, err := time.Parse(domain.DateLayout, strings.TrimSpace(a.End))
	if err != nil {
		return nil, &ValidationError{Field: domain.FieldEndDate, Message: "enter an end date as YYYY-MM-DD"}
	}
	if !end.After(start) {
		return nil, &ValidationError{Field: domain.FieldEndDate, Message: "end date must be after start date"}
	}
	return dateRange{start: start, end: end}, nil
}

// Patch is the set of user-supplied values produced by a submitted batch.
type Patch struct {
	values   map[domain.Field]any
	order    []domain.Field
	start    time.Time
	end      time.Time
	hasRange bool
}

// Fields returns the fields the patch sets, in answer order, with a date
// range expanded to start_date and end_date.
func (p Patch) Fields() []domain.Field {
	out := append([]domain.Field(nil), p.order...)
	if p.hasRange {
		out = append(out, domain.FieldStartDate, domain.FieldEndDate)
	}
	return out
}

// IsEmpty reports whether the patch sets nothing.
func (p Patch) IsEmpty() bool {
	return len(p.order) == 0 && !p.hasRange
}

// ApplyTo writes the patch into s as user edits (confidence 1.0). It is
// all-or-nothing: on error s is left unchanged.
func (p Patch) ApplyTo(s *params.Set) error {
	next := s.Clone()
	for _, f := range p.order {
		if err := next.SetUser(f, p.values[f]); err != nil {
			return err
		}
	}
	if p.hasRange {
		if err := next.SetUserRange(p.start, p.end); err != nil {
			return err
		}
	}
	s.ReplaceWith(next)
	return nil
}

// FollowUp synthesises the message sent back to the extraction service
// describing what the user just provided.
func (p Patch) FollowUp(money Money) string {
	var parts []string
	for _, f := range p.order {
		parts = append(parts, fmt.Sprintf("%s: %s", f, describe(p.values[f], money, f)))
	}
	if p.hasRange {
		parts = append(parts,
			fmt.Sprintf("%s: %s", domain.FieldStartDate, p.start.Format(domain.DateLayout)),
			fmt.Sprintf("%s: %s", domain.FieldEndDate, p.end.Format(domain.DateLayout)),
		)
	}
	if len(parts) == 0 {
		return ""
	}
	return "I've provided the following details: " + strings.Join(parts, "; ") + "."
}

func describe(v any, money Money, f domain.Field) string {
	switch t := v.(type) {
	case float64:
		if f == domain.FieldCapital {
			return money.Format(t)
		}
		return fmt.Sprintf("%g", t)
	case []string:
		return strings.Join(t, ", ")
	case time.Time:
		return t.Format(domain.DateLayout)
	}
	return fmt.Sprint(v)
}
