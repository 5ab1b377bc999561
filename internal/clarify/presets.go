package clarify

import (
	"fmt"
	"strings"
	"time"
)

// DatePreset names a backtest window that resolves from the current date.
type DatePreset string

const (
	PresetLast2Years  DatePreset = "last_2_years"
	PresetLastYear    DatePreset = "last_year"
	PresetYTD         DatePreset = "ytd"
	PresetLast6Months DatePreset = "last_6_months"
	PresetCustom      DatePreset = "custom"
)

// PresetOption pairs a preset with its display label.
type PresetOption struct {
	Preset DatePreset `json:"preset"`
	Label  string     `json:"label"`
}

var presetOptions = []PresetOption{
	{PresetLast2Years, "Last 2 Years"},
	{PresetLastYear, "Last Year"},
	{PresetYTD, "Year-To-Date"},
	{PresetLast6Months, "Last 6 Months"},
	{PresetCustom, "Custom"},
}

// Presets returns the date-range presets in display order.
func Presets() []PresetOption {
	return append([]PresetOption(nil), presetOptions...)
}

// PresetLabels returns the display labels of all presets.
func PresetLabels() []string {
	out := make([]string, len(presetOptions))
	for i, o := range presetOptions {
		out[i] = o.Label
	}
	return out
}

// ParsePreset accepts a preset id or label, case-insensitively. "YTD" is
// accepted as an alias.
func ParsePreset(s string) (DatePreset, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	for _, o := range presetOptions {
		if key == string(o.Preset) || key == strings.ToLower(o.Label) {
			return o.Preset, true
		}
	}
	return "", false
}

// ResolvePreset returns the [start, end] window for p as a pure function
// of today. Rolling presets end today; "Last Year" is the previous
// calendar year.
//
//	today = 2024-03-15
//	ytd            2024-01-01 .. 2024-03-15
//	last_year      2023-01-01 .. 2023-12-31
//	last_6_months  2023-09-15 .. 2024-03-15
//	last_2_years   2022-03-15 .. 2024-03-15
func ResolvePreset(p DatePreset, today time.Time) (start, end time.Time, err error) {
	y, m, d := today.Date()
	end = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	switch p {
	case PresetYTD:
		start = time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
		if !end.After(start) {
			return time.Time{}, time.Time{}, fmt.Errorf("year-to-date window is empty on %s", end.Format("2006-01-02"))
		}
	case PresetLastYear:
		start = time.Date(y-1, time.January, 1, 0, 0, 0, 0, time.UTC)
		end = time.Date(y-1, time.December, 31, 0, 0, 0, 0, time.UTC)
	case PresetLast6Months:
		start = end.AddDate(0, -6, 0)
	case PresetLast2Years:
		start = end.AddDate(-2, 0, 0)
	case PresetCustom:
		return time.Time{}, time.Time{}, fmt.Errorf("custom range needs explicit start and end dates")
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown date preset %q", p)
	}
	return start, end, nil
}
