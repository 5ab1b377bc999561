package params

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"stratflow/internal/domain"
)

// Normalize converts a raw value (as decoded from JSON or typed by a user)
// into the canonical Go type stored for field f:
//
//	strategy_type                      domain.StrategyType
//	capital                            float64 (> 0)
//	start_date, end_date               time.Time (UTC midnight)
//	ticker_list                        []string (uppercased, deduplicated)
//	max_positions                      int (>= 1)
//	everything else                    string (trimmed)
//
// A nil result with a nil error means the value is empty.
func Normalize(f domain.Field, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch f {
	case domain.FieldStrategyType:
		s, err := asString(raw)
		if err != nil || s == "" {
			return nil, err
		}
		st, ok := domain.ParseStrategyType(s)
		if !ok {
			return nil, fmt.Errorf("unknown strategy type %q", s)
		}
		return st, nil

	case domain.FieldCapital:
		v, err := asAmount(raw)
		if err != nil {
			return nil, err
		}
		if v <= 0 {
			return nil, fmt.Errorf("capital must be positive, got %v", v)
		}
		return v, nil

	case domain.FieldStartDate, domain.FieldEndDate:
		return asDate(raw)

	case domain.FieldTickerList:
		list, err := asStringList(raw)
		if err != nil {
			return nil, err
		}
		tickers := NormalizeTickers(list)
		if len(tickers) == 0 {
			return nil, nil
		}
		return tickers, nil

	case domain.FieldMaxPositions:
		v, err := asAmount(raw)
		if err != nil {
			return nil, err
		}
		if v != math.Trunc(v) || v < 1 {
			return nil, fmt.Errorf("max_positions must be a whole number >= 1, got %v", v)
		}
		return int(v), nil

	case domain.FieldStrategyDescription, domain.FieldAssetPreferences,
		domain.FieldRebalanceFrequency, domain.FieldPositionSizing:
		s, err := asString(raw)
		if err != nil || s == "" {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown field %q", f)
}

// NormalizeTickers trims, uppercases and deduplicates symbols, dropping
// empty entries while preserving first-seen order.
func NormalizeTickers(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}

// FormatValue renders a stored value in its wire form: dates as
// YYYY-MM-DD, everything else unchanged.
func FormatValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Format(domain.DateLayout)
	case domain.StrategyType:
		return string(t)
	case []string:
		return append([]string(nil), t...)
	}
	return v
}

func asString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case domain.StrategyType:
		return string(v), nil
	case fmt.Stringer:
		return strings.TrimSpace(v.String()), nil
	}
	return "", fmt.Errorf("expected text, got %T", raw)
}

// asAmount accepts numbers and strings such as "$50,000", "50k" or "1.5m".
func asAmount(raw any) (float64, error) {
	v, err := rawAmount(raw)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("amount must be finite, got %v", v)
	}
	return v, nil
}

func rawAmount(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return parseAmount(v)
	}
	return 0, fmt.Errorf("expected number, got %T", raw)
}

func parseAmount(s string) (float64, error) {
	clean := strings.ToLower(strings.TrimSpace(s))
	clean = strings.NewReplacer("$", "", ",", "", "_", "", " ", "").Replace(clean)
	mult := 1.0
	switch {
	case strings.HasSuffix(clean, "k"):
		mult, clean = 1e3, strings.TrimSuffix(clean, "k")
	case strings.HasSuffix(clean, "m"):
		mult, clean = 1e6, strings.TrimSuffix(clean, "m")
	}
	if clean == "" {
		return 0, fmt.Errorf("empty amount")
	}
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return v * mult, nil
}

func asDate(raw any) (any, error) {
	switch v := raw.(type) {
	case time.Time:
		if v.IsZero() {
			return nil, nil
		}
		return civil(v), nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, nil
		}
		t, err := time.Parse(domain.DateLayout, s)
		if err != nil {
			// Accept full timestamps as well.
			t, err = time.Parse(time.RFC3339, s)
			if err != nil {
				return nil, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
			}
		}
		return civil(t), nil
	}
	return nil, fmt.Errorf("expected date, got %T", raw)
}

func asStringList(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected symbol string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		return strings.Split(v, ","), nil
	}
	return nil, fmt.Errorf("expected symbol list, got %T", raw)
}

// civil truncates t to a UTC calendar date.
func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
