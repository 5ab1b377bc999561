package extract

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"stratflow/internal/clarify"
	"stratflow/internal/domain"
	"stratflow/internal/params"
)

// Result is a normalised extraction: field names are typed and restricted
// to known fields, confidences lie in [0, 1], missing is deduplicated and
// every missing field has a question.
type Result struct {
	Intent             domain.Intent
	Values             map[domain.Field]any
	Confidence         map[domain.Field]float64
	Missing            []domain.Field
	NeedsClarification bool
	Questions          []domain.ClarificationQuestion
	Defaults           map[domain.Field]any
}

// Adapter wraps a Service and normalises its replies.
type Adapter struct {
	svc    Service
	money  clarify.Money
	intent domain.Intent
	log    *slog.Logger
}

// NewAdapter creates an Adapter. defaultIntent is used when the service
// names no recognised intent.
func NewAdapter(svc Service, money clarify.Money, defaultIntent domain.Intent, log *slog.Logger) *Adapter {
	if defaultIntent == "" {
		defaultIntent = domain.IntentBacktest
	}
	return &Adapter{svc: svc, money: money, intent: defaultIntent, log: log}
}

// Extract performs exactly one round trip to the extraction service.
func (a *Adapter) Extract(ctx context.Context, utterance string, history []domain.Message, current params.View) (*Result, error) {
	req := &Request{
		UserMessage:         utterance,
		ConversationHistory: BuildHistory(history),
	}
	if current != nil {
		if snap := current.Snapshot(); len(snap) > 0 {
			req.CurrentFormState = snap
		}
	}

	resp, err := a.svc.ExtractParameters(ctx, req)
	if err != nil {
		return nil, err
	}
	return a.normalize(resp), nil
}

func (a *Adapter) normalize(resp *Response) *Result {
	res := &Result{
		Intent:             a.parseIntent(resp.Intent),
		Values:             make(map[domain.Field]any),
		Confidence:         make(map[domain.Field]float64),
		Defaults:           make(map[domain.Field]any),
		NeedsClarification: resp.NeedsClarification,
	}

	for k, v := range resp.Extracted {
		f, ok := fieldOf(k)
		if !ok {
			a.log.Debug("dropping unknown extracted field", "field", k)
			continue
		}
		res.Values[f] = v
	}
	for k, c := range resp.Confidence {
		f, ok := fieldOf(k)
		if !ok {
			continue
		}
		res.Confidence[f] = clamp01(c)
	}
	for k, v := range resp.SuggestedDefaults {
		if f, ok := fieldOf(k); ok {
			res.Defaults[f] = v
		}
	}

	seen := make(map[domain.Field]bool)
	for _, k := range resp.Missing {
		fields := []domain.Field{domain.Field(strings.TrimSpace(k))}
		if fields[0] == domain.FieldDates {
			fields = []domain.Field{domain.FieldStartDate, domain.FieldEndDate}
		}
		for _, f := range fields {
			if !f.IsKnown() || seen[f] {
				continue
			}
			seen[f] = true
			res.Missing = append(res.Missing, f)
		}
	}

	asked := make(map[domain.Field]bool)
	for _, q := range resp.ClarificationQuestions {
		q.Field = domain.Field(strings.TrimSpace(string(q.Field)))
		if q.Field.IsDate() {
			q.Field = domain.FieldDates
		}
		if q.Field != domain.FieldDates && !q.Field.IsKnown() {
			a.log.Debug("dropping question for unknown field", "field", q.Field)
			continue
		}
		if asked[q.Field] {
			continue
		}
		asked[q.Field] = true
		res.Questions = append(res.Questions, normalizeQuestion(q, a.money))
	}
	for _, f := range res.Missing {
		key := f
		if f.IsDate() {
			key = domain.FieldDates
		}
		if asked[key] {
			continue
		}
		asked[key] = true
		res.Questions = append(res.Questions, clarify.DefaultQuestion(f, a.money))
	}
	if len(res.Missing) > 0 {
		res.NeedsClarification = true
	}
	return res
}

func normalizeQuestion(q domain.ClarificationQuestion, money clarify.Money) domain.ClarificationQuestion {
	def := clarify.DefaultQuestion(q.Field, money)
	if strings.TrimSpace(q.Question) == "" {
		q.Question = def.Question
	}
	switch q.Kind {
	case domain.KindSelect, domain.KindTextarea, domain.KindArray,
		domain.KindNumber, domain.KindText, domain.KindDateRange:
	default:
		q.Kind = def.Kind
	}
	if q.Field == domain.FieldDates {
		q.Kind = domain.KindDateRange
	}
	if len(q.Suggestions) == 0 {
		q.Suggestions = def.Suggestions
	}
	if q.Class != domain.ClassConfirmation {
		q.Class = domain.ClassNewInformation
	}
	return q
}

func (a *Adapter) parseIntent(s string) domain.Intent {
	switch domain.Intent(strings.ToLower(strings.TrimSpace(s))) {
	case domain.IntentBacktest:
		return domain.IntentBacktest
	case domain.IntentAnalysis:
		return domain.IntentAnalysis
	}
	return a.intent
}

func fieldOf(k string) (domain.Field, bool) {
	f := domain.Field(strings.TrimSpace(k))
	return f, f.IsKnown()
}

func clamp01(c float64) float64 {
	switch {
	case c < 0 || math.IsNaN(c):
		return 0
	case c > 1:
		return 1
	}
	return c
}
