// Package clarify turns missing or low-confidence parameters into a typed
// question batch, validates the user's answers and produces a patch that
// the session merges as user-supplied values.
package clarify

import (
	"fmt"
	"strings"

	"stratflow/internal/domain"
)

// DefaultQuestion synthesises a question for a field the extraction
// service reported missing without asking about it.
func DefaultQuestion(f domain.Field, money Money) domain.ClarificationQuestion {
	q := domain.ClarificationQuestion{Field: f, Class: domain.ClassNewInformation}
	switch f {
	case domain.FieldDates, domain.FieldStartDate, domain.FieldEndDate:
		q.Field = domain.FieldDates
		q.Question = "What period should the backtest cover?"
		q.Kind = domain.KindDateRange
		q.Suggestions = PresetLabels()
	case domain.FieldCapital:
		q.Question = "How much capital should the backtest start with?"
		q.Kind = domain.KindNumber
		q.Suggestions = money.CapitalSuggestions()
	case domain.FieldTickerList:
		q.Question = "Which tickers should the strategy trade? Leave empty to let the system pick assets."
		q.Kind = domain.KindArray
	case domain.FieldStrategyDescription:
		q.Question = "Describe the entry and exit rules of your strategy."
		q.Kind = domain.KindTextarea
	case domain.FieldStrategyType:
		q.Question = "Should the strategy be agent managed or rule based?"
		q.Kind = domain.KindSelect
		q.Suggestions = []string{string(domain.StrategyAgentManaged), string(domain.StrategyTechnicalDSL)}
	case domain.FieldRebalanceFrequency:
		q.Question = "How often should the portfolio rebalance?"
		q.Kind = domain.KindSelect
		q.Suggestions = []string{"daily", "weekly", "monthly", "quarterly"}
	case domain.FieldPositionSizing:
		q.Question = "How should positions be sized?"
		q.Kind = domain.KindSelect
		q.Suggestions = []string{"equal_weight", "volatility_scaled", "fixed_fraction"}
	case domain.FieldMaxPositions:
		q.Question = "What is the maximum number of positions held at once?"
		q.Kind = domain.KindNumber
		q.Suggestions = []string{"5", "10", "20"}
	case domain.FieldAssetPreferences:
		q.Question = "Any preferences for the kind of assets to trade?"
		q.Kind = domain.KindTextarea
	default:
		q.Question = fmt.Sprintf("Please provide %s.", strings.ReplaceAll(string(f), "_", " "))
		q.Kind = domain.KindText
	}
	return q
}

// DefaultKind returns the input kind used for f when the service does not
// name one.
func DefaultKind(f domain.Field) domain.InputKind {
	return DefaultQuestion(f, DefaultMoney()).Kind
}

// QuestionsFor builds default questions for fields, collapsing the date
// fields into a single date-range question.
func QuestionsFor(fields []domain.Field, money Money) []domain.ClarificationQuestion {
	var out []domain.ClarificationQuestion
	dates := false
	for _, f := range fields {
		if f.IsDate() {
			if dates {
				continue
			}
			dates = true
		}
		out = append(out, DefaultQuestion(f, money))
	}
	return out
}

// Partition splits questions into confirmation prompts, which are shown
// as conversational text awaiting a free-form reply, and requests for new
// information, which are shown as a structured batch. Classification
// comes from the extraction service; questions without one are treated as
// new information.
func Partition(qs []domain.ClarificationQuestion) (confirm, newInfo []domain.ClarificationQuestion) {
	for _, q := range qs {
		if q.Class == domain.ClassConfirmation {
			confirm = append(confirm, q)
			continue
		}
		newInfo = append(newInfo, q)
	}
	return confirm, newInfo
}

// ConfirmationText joins confirmation prompts into one assistant message.
func ConfirmationText(qs []domain.ClarificationQuestion) string {
	parts := make([]string, 0, len(qs))
	for _, q := range qs {
		if t := strings.TrimSpace(q.Question); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}
