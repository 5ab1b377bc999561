// Package params holds the ParameterSet: the typed, confidence-scored
// backtest parameters gathered over a conversation, and the policy for
// merging extraction results into it.
package params

import (
	"fmt"
	"time"

	"stratflow/internal/domain"
)

// Source records where a field's current value came from.
type Source string

const (
	SourceExtraction Source = "extraction"
	SourceUser       Source = "user"
	SourceDefault    Source = "default"
)

const (
	// UserConfidence is reserved for values the user supplied directly.
	UserConfidence = 1.0

	// MaxExtractedConfidence caps extraction scores so that they never
	// collide with UserConfidence.
	MaxExtractedConfidence = 0.99

	// DefaultExtractedConfidence is used when the extraction service
	// returns a value without a score.
	DefaultExtractedConfidence = 0.5
)

// View is read-only access to a parameter set.
type View interface {
	Get(f domain.Field) (any, bool)
	Confidence(f domain.Field) (float64, bool)
	Source(f domain.Field) (Source, bool)
	Fields() []domain.Field
	Missing(required []domain.Field) []domain.Field
	Snapshot() map[string]any
}

// Compile-time interface check.
var _ View = (*Set)(nil)

// Set is a mapping of field to value with a parallel mapping of field to
// confidence. A field has a confidence entry iff it has a value. Set is
// not safe for concurrent use; its owner serialises access.
type Set struct {
	values     map[domain.Field]any
	confidence map[domain.Field]float64
	source     map[domain.Field]Source
}

// New returns an empty Set.
func New() *Set {
	return &Set{
		values:     make(map[domain.Field]any),
		confidence: make(map[domain.Field]float64),
		source:     make(map[domain.Field]Source),
	}
}

// MergeResult reports what MergeExtracted did with each incoming field.
type MergeResult struct {
	Accepted []domain.Field
	Kept     []domain.Field
	Invalid  map[domain.Field]error
}

// MergeExtracted merges extraction output into s. The policy is "first
// non-empty value wins": an unset field takes the incoming value and its
// confidence; a field that is already set is never overwritten and its
// confidence is never raised by an extraction, whatever the incoming
// score. Only SetUser replaces a set value.
func (s *Set) MergeExtracted(values map[domain.Field]any, confidence map[domain.Field]float64) MergeResult {
	res := MergeResult{Invalid: make(map[domain.Field]error)}
	for _, f := range domain.AllFields {
		raw, ok := values[f]
		if !ok {
			continue
		}
		v, err := Normalize(f, raw)
		if err != nil {
			res.Invalid[f] = err
			continue
		}
		if v == nil {
			continue
		}
		if _, set := s.values[f]; set {
			res.Kept = append(res.Kept, f)
			continue
		}
		if err := s.checkRange(f, v); err != nil {
			res.Invalid[f] = err
			continue
		}
		c, ok := confidence[f]
		if !ok {
			c = DefaultExtractedConfidence
		}
		s.put(f, v, clampExtracted(c), SourceExtraction)
		res.Accepted = append(res.Accepted, f)
	}
	return res
}

// ApplyDefaults fills unset fields from suggested defaults. Defaults are
// recorded at DefaultExtractedConfidence with SourceDefault and never
// replace an existing value. Invalid defaults are ignored.
func (s *Set) ApplyDefaults(defaults map[domain.Field]any) []domain.Field {
	var applied []domain.Field
	for _, f := range domain.AllFields {
		raw, ok := defaults[f]
		if !ok {
			continue
		}
		if _, set := s.values[f]; set {
			continue
		}
		v, err := Normalize(f, raw)
		if err != nil || v == nil {
			continue
		}
		if s.checkRange(f, v) != nil {
			continue
		}
		s.put(f, v, DefaultExtractedConfidence, SourceDefault)
		applied = append(applied, f)
	}
	return applied
}

// SetUser records a direct user edit: the value unconditionally replaces
// any existing one and confidence is pinned to 1.0. An empty value clears
// the field.
func (s *Set) SetUser(f domain.Field, raw any) error {
	if !f.IsKnown() {
		return fmt.Errorf("unknown field %q", f)
	}
	v, err := Normalize(f, raw)
	if err != nil {
		return fmt.Errorf("%s: %w", f, err)
	}
	if v == nil {
		s.Clear(f)
		return nil
	}
	if err := s.checkRange(f, v); err != nil {
		return err
	}
	s.put(f, v, UserConfidence, SourceUser)
	return nil
}

// SetUserRange sets start and end dates together, validating end > start
// against each other rather than against the previous window.
func (s *Set) SetUserRange(start, end time.Time) error {
	start, end = civil(start), civil(end)
	if !end.After(start) {
		return fmt.Errorf("end date %s must be after start date %s",
			end.Format(domain.DateLayout), start.Format(domain.DateLayout))
	}
	s.put(domain.FieldStartDate, start, UserConfidence, SourceUser)
	s.put(domain.FieldEndDate, end, UserConfidence, SourceUser)
	return nil
}

// Clear removes a field's value and confidence.
func (s *Set) Clear(f domain.Field) {
	delete(s.values, f)
	delete(s.confidence, f)
	delete(s.source, f)
}

// Reset empties the set.
func (s *Set) Reset() {
	clear(s.values)
	clear(s.confidence)
	clear(s.source)
}

// Get returns the stored value for f.
func (s *Set) Get(f domain.Field) (any, bool) {
	v, ok := s.values[f]
	if t, isList := v.([]string); isList {
		return append([]string(nil), t...), ok
	}
	return v, ok
}

// Confidence returns the confidence score for f.
func (s *Set) Confidence(f domain.Field) (float64, bool) {
	c, ok := s.confidence[f]
	return c, ok
}

// Source returns where the value of f came from.
func (s *Set) Source(f domain.Field) (Source, bool) {
	src, ok := s.source[f]
	return src, ok
}

// Has reports whether f is set.
func (s *Set) Has(f domain.Field) bool {
	_, ok := s.values[f]
	return ok
}

// Len returns the number of set fields.
func (s *Set) Len() int {
	return len(s.values)
}

// Fields returns the set fields in display order.
func (s *Set) Fields() []domain.Field {
	out := make([]domain.Field, 0, len(s.values))
	for _, f := range domain.AllFields {
		if _, ok := s.values[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Missing returns the required fields that are not set.
func (s *Set) Missing(required []domain.Field) []domain.Field {
	var out []domain.Field
	for _, f := range required {
		if _, ok := s.values[f]; !ok {
			out = append(out, f)
		}
	}
	return out
}

// LowConfidence returns set fields whose confidence is below threshold.
func (s *Set) LowConfidence(threshold float64) []domain.Field {
	var out []domain.Field
	for _, f := range s.Fields() {
		if s.confidence[f] < threshold {
			out = append(out, f)
		}
	}
	return out
}

// ReplaceWith makes s a deep copy of other.
func (s *Set) ReplaceWith(other *Set) {
	c := other.Clone()
	s.values, s.confidence, s.source = c.values, c.confidence, c.source
}

// Clone returns a deep copy of s.
func (s *Set) Clone() *Set {
	c := New()
	for f, v := range s.values {
		if t, ok := v.([]string); ok {
			v = append([]string(nil), t...)
		}
		c.values[f] = v
		c.confidence[f] = s.confidence[f]
		c.source[f] = s.source[f]
	}
	return c
}

// Snapshot returns the set as a JSON-friendly map of field name to value.
func (s *Set) Snapshot() map[string]any {
	out := make(map[string]any, len(s.values))
	for f, v := range s.values {
		out[string(f)] = FormatValue(v)
	}
	return out
}

// ConfidenceSnapshot returns a copy of the confidence map keyed by name.
func (s *Set) ConfidenceSnapshot() map[string]float64 {
	out := make(map[string]float64, len(s.confidence))
	for f, c := range s.confidence {
		out[string(f)] = c
	}
	return out
}

// ---------------------------------------------------------------------------
// Typed accessors
// ---------------------------------------------------------------------------

// Capital returns the initial capital.
func (s *Set) Capital() (float64, bool) {
	v, ok := s.values[domain.FieldCapital].(float64)
	return v, ok
}

// StartDate returns the backtest start date.
func (s *Set) StartDate() (time.Time, bool) {
	v, ok := s.values[domain.FieldStartDate].(time.Time)
	return v, ok
}

// EndDate returns the backtest end date.
func (s *Set) EndDate() (time.Time, bool) {
	v, ok := s.values[domain.FieldEndDate].(time.Time)
	return v, ok
}

// Tickers returns a copy of the ticker list. An empty list means the
// system selects assets.
func (s *Set) Tickers() []string {
	v, _ := s.values[domain.FieldTickerList].([]string)
	return append([]string(nil), v...)
}

// StrategyType returns the strategy type.
func (s *Set) StrategyType() (domain.StrategyType, bool) {
	v, ok := s.values[domain.FieldStrategyType].(domain.StrategyType)
	return v, ok
}

// MaxPositions returns the maximum number of concurrent positions.
func (s *Set) MaxPositions() (int, bool) {
	v, ok := s.values[domain.FieldMaxPositions].(int)
	return v, ok
}

// Text returns a text field, or "" when unset.
func (s *Set) Text(f domain.Field) string {
	v, _ := s.values[f].(string)
	return v
}

func (s *Set) put(f domain.Field, v any, c float64, src Source) {
	s.values[f] = v
	s.confidence[f] = c
	s.source[f] = src
}

// checkRange enforces end > start when both dates would be set.
func (s *Set) checkRange(f domain.Field, v any) error {
	var start, end time.Time
	var ok bool
	switch f {
	case domain.FieldStartDate:
		start = v.(time.Time)
		end, ok = s.EndDate()
	case domain.FieldEndDate:
		end = v.(time.Time)
		start, ok = s.StartDate()
	default:
		return nil
	}
	if ok && !end.After(start) {
		return fmt.Errorf("end date %s must be after start date %s",
			end.Format(domain.DateLayout), start.Format(domain.DateLayout))
	}
	return nil
}

func clampExtracted(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > MaxExtractedConfidence:
		return MaxExtractedConfidence
	}
	return c
}
