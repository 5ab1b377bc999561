// Package approval implements the gate between a generated strategy and
// its execution: a keyed parameter summary, the strategy text, and the approve,
// cancel and regenerate actions.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stratflow/internal/clarify"
	"stratflow/internal/domain"
	"stratflow/internal/params"
)

var (
	// ErrGenerationPending refuses approval while the strategy is still being
	// generated.
	ErrGenerationPending = errors.New("strategy generation is still in progress")

	// ErrNoSpec refuses approval when there is nothing to approve.
	ErrNoSpec = errors.New("no strategy to approve")

	// ErrNoRegenerate is returned when the gate was built without a
	// regenerate action.
	ErrNoRegenerate = errors.New("regenerate is not available")
)

// CanApprove reports whether spec may be approved.
func CanApprove(spec domain.StrategySpec, generating bool) error {
	if generating {
		return ErrGenerationPending
	}
	if spec.IsEmpty() {
		return ErrNoSpec
	}
	return nil
}

// Actions are the callbacks a gate triggers. Regenerate is optional.
type Actions struct {
	Approve    func(ctx context.Context) error
	Cancel     func() error
	Regenerate func(ctx context.Context) error
}

// Row is one line of the parameter summary.
type Row struct {
	Field         domain.Field  `json:"field"`
	Label         string        `json:"label"`
	Value         string        `json:"value"`
	Confidence    float64       `json:"confidence"`
	Source        params.Source `json:"source"`
	LowConfidence bool          `json:"low_confidence"`
}

// Gate is a read-only view of a pending strategy plus the actions on it.
type Gate struct {
	view       params.View
	spec       domain.StrategySpec
	generating bool
	actions    Actions
	money      clarify.Money
	threshold  float64
}

// Option configures a Gate.
type Option func(*Gate)

// WithMoney sets the currency formatter used for capital.
func WithMoney(m clarify.Money) Option {
	return func(g *Gate) { g.money = m }
}

// WithThreshold flags rows whose confidence is below threshold.
func WithThreshold(threshold float64) Option {
	return func(g *Gate) { g.threshold = threshold }
}

// New creates a gate over view and spec. generating must be true while a
// generation for this spec is outstanding.
func New(view params.View, spec domain.StrategySpec, generating bool, actions Actions, opts ...Option) *Gate {
	g := &Gate{
		view:       view,
		spec:       spec,
		generating: generating,
		actions:    actions,
		money:      clarify.DefaultMoney(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Spec returns the strategy under review.
func (g *Gate) Spec() domain.StrategySpec { return g.spec }

// Generating reports whether generation is still outstanding.
func (g *Gate) Generating() bool { return g.generating }

// CanRegenerate reports whether the gate offers regeneration.
func (g *Gate) CanRegenerate() bool { return g.actions.Regenerate != nil }

// Summary returns one row per set parameter in display order.
func (g *Gate) Summary() []Row {
	var rows []Row
	for _, f := range g.view.Fields() {
		v, _ := g.view.Get(f)
		c, _ := g.view.Confidence(f)
		src, _ := g.view.Source(f)
		rows = append(rows, Row{
			Field:         f,
			Label:         Label(f),
			Value:         g.display(f, v),
			Confidence:    c,
			Source:        src,
			LowConfidence: c < g.threshold,
		})
	}
	if !hasField(rows, domain.FieldTickerList) {
		rows = append(rows, Row{
			Field:      domain.FieldTickerList,
			Label:      Label(domain.FieldTickerList),
			Value:      g.universeLabel(),
			Confidence: 1,
			Source:     params.SourceDefault,
		})
	}
	return rows
}

// Approve runs the approve action unless generation is outstanding or the
// spec is empty.
func (g *Gate) Approve(ctx context.Context) error {
	if err := CanApprove(g.spec, g.generating); err != nil {
		return err
	}
	return g.actions.Approve(ctx)
}

// Cancel runs the cancel action.
func (g *Gate) Cancel() error {
	return g.actions.Cancel()
}

// Regenerate runs the regenerate action.
func (g *Gate) Regenerate(ctx context.Context) error {
	if g.actions.Regenerate == nil {
		return ErrNoRegenerate
	}
	return g.actions.Regenerate(ctx)
}

func (g *Gate) display(f domain.Field, v any) string {
	switch t := v.(type) {
	case float64:
		if f == domain.FieldCapital {
			return g.money.Format(t)
		}
		return fmt.Sprintf("%g", t)
	case time.Time:
		return t.Format(domain.DateLayout)
	case []string:
		return strings.Join(t, ", ")
	case domain.StrategyType:
		if l, ok := typeLabels[t]; ok {
			return l
		}
		return string(t)
	}
	return fmt.Sprint(v)
}

func (g *Gate) universeLabel() string {
	if strings.Contains(g.spec.Content, domain.AIManagedUniverse) {
		return "Selected by the strategy"
	}
	return "Selected by the system"
}

func hasField(rows []Row, f domain.Field) bool {
	for _, r := range rows {
		if r.Field == f {
			return true
		}
	}
	return false
}

var labels = map[domain.Field]string{
	domain.FieldStrategyType:        "Strategy type",
	domain.FieldStrategyDescription: "Strategy",
	domain.FieldCapital:             "Initial capital",
	domain.FieldStartDate:           "Start date",
	domain.FieldEndDate:             "End date",
	domain.FieldTickerList:          "Tickers",
	domain.FieldAssetPreferences:    "Asset preferences",
	domain.FieldRebalanceFrequency:  "Rebalance",
	domain.FieldPositionSizing:      "Position sizing",
	domain.FieldMaxPositions:        "Max positions",
}

var typeLabels = map[domain.StrategyType]string{
	domain.StrategyAgentManaged: "Agent managed",
	domain.StrategyTechnicalDSL: "Technical (DSL)",
}

// Label returns the display label for a field.
func Label(f domain.Field) string {
	if l, ok := labels[f]; ok {
		return l
	}
	return strings.ReplaceAll(string(f), "_", " ")
}
