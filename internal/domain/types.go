// Package domain defines the core types shared across the stratflow
// workflow: conversation messages, parameter fields, clarification
// questions, strategy specs and execution outcomes.
package domain

import "time"

// ---------------------------------------------------------------------------
// Conversation
// ---------------------------------------------------------------------------

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single entry in a conversation log. Messages are immutable
// once appended.
type Message struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Parameter fields
// ---------------------------------------------------------------------------

// Field names a single backtest parameter.
type Field string

const (
	FieldStrategyType        Field = "strategy_type"
	FieldStrategyDescription Field = "strategy_description"
	FieldCapital             Field = "capital"
	FieldStartDate           Field = "start_date"
	FieldEndDate             Field = "end_date"
	FieldTickerList          Field = "ticker_list"
	FieldAssetPreferences    Field = "asset_preferences"
	FieldRebalanceFrequency  Field = "rebalance_frequency"
	FieldPositionSizing      Field = "position_sizing"
	FieldMaxPositions        Field = "max_positions"

	// FieldDates is a pseudo-field used by clarification questions that
	// ask for the whole backtest window at once. Answers expand into
	// FieldStartDate and FieldEndDate.
	FieldDates Field = "dates"
)

// AllFields lists every recognised parameter field in display order.
var AllFields = []Field{
	FieldStrategyType,
	FieldStrategyDescription,
	FieldCapital,
	FieldStartDate,
	FieldEndDate,
	FieldTickerList,
	FieldAssetPreferences,
	FieldRebalanceFrequency,
	FieldPositionSizing,
	FieldMaxPositions,
}

// RequiredFields must all be set before a strategy spec can be generated.
var RequiredFields = []Field{
	FieldStrategyDescription,
	FieldCapital,
	FieldStartDate,
	FieldEndDate,
}

// IsKnown reports whether f is a recognised parameter field.
func (f Field) IsKnown() bool {
	for _, k := range AllFields {
		if k == f {
			return true
		}
	}
	return false
}

// IsDate reports whether f is one of the date-range fields.
func (f Field) IsDate() bool {
	return f == FieldDates || f == FieldStartDate || f == FieldEndDate
}

// DateLayout is the wire format for calendar dates.
const DateLayout = "2006-01-02"

// StrategyType selects how the generated strategy is managed.
type StrategyType string

const (
	StrategyAgentManaged StrategyType = "agent_managed"
	StrategyTechnicalDSL StrategyType = "technical_dsl"

	// strategyTechnicalAlias is accepted on input and normalised to
	// StrategyTechnicalDSL.
	strategyTechnicalAlias StrategyType = "technical_strategy"
)

// ParseStrategyType normalises s, accepting the technical_strategy alias.
func ParseStrategyType(s string) (StrategyType, bool) {
	switch StrategyType(s) {
	case StrategyAgentManaged:
		return StrategyAgentManaged, true
	case StrategyTechnicalDSL, strategyTechnicalAlias:
		return StrategyTechnicalDSL, true
	}
	return "", false
}

// Intent is the kind of run requested from the execution service.
type Intent string

const (
	IntentBacktest Intent = "backtest"
	IntentAnalysis Intent = "analysis"
)

// ---------------------------------------------------------------------------
// Clarification
// ---------------------------------------------------------------------------

// InputKind hints which input control answers a clarification question.
type InputKind string

const (
	KindSelect    InputKind = "select"
	KindTextarea  InputKind = "textarea"
	KindArray     InputKind = "array"
	KindNumber    InputKind = "number"
	KindText      InputKind = "text"
	KindDateRange InputKind = "date-range"
)

// QuestionClass separates confirmation prompts from requests for new
// information.
type QuestionClass string

const (
	ClassNewInformation QuestionClass = "new_information"
	ClassConfirmation   QuestionClass = "confirmation"
)

// ClarificationQuestion asks the user for a single missing or
// low-confidence field.
type ClarificationQuestion struct {
	Question    string        `json:"question"`
	Field       Field         `json:"field"`
	Kind        InputKind     `json:"kind"`
	Suggestions []string      `json:"suggestions,omitempty"`
	Class       QuestionClass `json:"classification,omitempty"`
}

// ---------------------------------------------------------------------------
// Strategy spec and approval
// ---------------------------------------------------------------------------

// AIManagedUniverse in a generated spec means the asset universe is chosen
// by the strategy itself and ticker_list stays empty on purpose.
const AIManagedUniverse = "AI_MANAGED_UNIVERSE"

// StrategySpec is the generated strategy artifact. Content is opaque to the
// workflow.
type StrategySpec struct {
	Content           string `json:"content"`
	Valid             bool   `json:"valid"`
	ValidationMessage string `json:"validation_message,omitempty"`
}

// IsEmpty reports whether no spec content has been produced.
func (s StrategySpec) IsEmpty() bool {
	return s.Content == ""
}

// Decision is the terminal outcome of an approval gate.
type Decision string

const (
	DecisionApproved  Decision = "approved"
	DecisionCancelled Decision = "cancelled"
)

// ExecutionResult is returned by the execution service.
type ExecutionResult struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	BacktestID string `json:"backtest_id,omitempty"`
	AnalysisID string `json:"analysis_id,omitempty"`
}

// RunID returns whichever id the execution service assigned.
func (r ExecutionResult) RunID() string {
	if r.BacktestID != "" {
		return r.BacktestID
	}
	return r.AnalysisID
}
