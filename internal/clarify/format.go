package clarify

import (
	"fmt"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"stratflow/internal/params"
)

// Money formats capital amounts for a locale and currency.
type Money struct {
	tag  language.Tag
	unit currency.Unit
}

// NewMoney builds a Money formatter from a BCP 47 locale ("en-US") and an
// ISO 4217 currency code ("USD").
func NewMoney(locale, code string) (Money, error) {
	tag, err := language.Parse(locale)
	if err != nil {
		return Money{}, fmt.Errorf("parsing locale %q: %w", locale, err)
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return Money{}, fmt.Errorf("parsing currency %q: %w", code, err)
	}
	return Money{tag: tag, unit: unit}, nil
}

// DefaultMoney formats US dollars for en-US.
func DefaultMoney() Money {
	return Money{tag: language.AmericanEnglish, unit: currency.USD}
}

// IsZero reports whether m is the zero Money, with no currency set.
func (m Money) IsZero() bool {
	return m.unit == currency.Unit{}
}

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
	"CNY": "¥",
}

// Format renders amount with locale digit grouping and the currency's
// standard number of decimals, e.g. "$50,000.00".
func (m Money) Format(amount float64) string {
	scale, _ := currency.Standard.Rounding(m.unit)
	p := message.NewPrinter(m.tag)
	digits := p.Sprint(number.Decimal(amount,
		number.MinFractionDigits(scale),
		number.MaxFractionDigits(scale),
	))
	code := m.unit.String()
	if sym, ok := currencySymbols[code]; ok {
		return sym + digits
	}
	return code + " " + digits
}

// capitalSuggestions are the round amounts offered for the capital field.
var capitalSuggestions = []float64{10000, 25000, 50000, 100000, 250000}

// CapitalSuggestions returns the suggested amounts formatted with m.
func (m Money) CapitalSuggestions() []string {
	out := make([]string, len(capitalSuggestions))
	for i, v := range capitalSuggestions {
		out[i] = m.Format(v)
	}
	return out
}

// ParseTickers turns comma-delimited text into an ordered set of symbols:
// entries are trimmed and uppercased, empty entries are dropped and
// duplicates removed.
//
//	"aapl, tsla ,, nvda" -> [AAPL TSLA NVDA]
func ParseTickers(s string) []string {
	return params.NormalizeTickers(strings.Split(s, ","))
}
